package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"invoice-collector-go/internal/config"
)

func TestEligible(t *testing.T) {
	f := New(config.FilterConfig{
		SubjectKeywords:  []string{"Invoice", "facture"},
		WhitelistSenders: []string{"billing@supplier2.com", "Accounts <ap@vendor.io>"},
	})

	tests := []struct {
		name     string
		subject  string
		sender   string
		expected bool
	}{
		{"keyword and whitelisted", "Invoice March", "billing@supplier2.com", true},
		{"case insensitive keyword", "YOUR INVOICE IS READY", "billing@supplier2.com", true},
		{"second keyword", "Votre facture", "ap@vendor.io", true},
		{"display name sender", "invoice 42", "Billing Team <Billing@Supplier2.com>", true},
		{"no keyword", "Weekly newsletter", "billing@supplier2.com", false},
		{"sender not whitelisted", "Invoice March", "spam@elsewhere.com", false},
		{"empty subject", "", "billing@supplier2.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, f.Eligible(tt.subject, tt.sender))
		})
	}
}

func TestEmptyRulesAcceptEverything(t *testing.T) {
	f := New(config.FilterConfig{})
	assert.True(t, f.Eligible("anything", "who@ever.com"))

	f = New(config.FilterConfig{SubjectKeywords: []string{"invoice"}})
	assert.True(t, f.Eligible("invoice", "who@ever.com"))
	assert.False(t, f.Eligible("hello", "who@ever.com"))
}

func TestEligibleIsPure(t *testing.T) {
	f := New(config.FilterConfig{
		SubjectKeywords:  []string{"invoice"},
		WhitelistSenders: []string{"a@b.com"},
	})

	inputs := [][2]string{
		{"Invoice 1", "a@b.com"},
		{"nothing", "a@b.com"},
		{"Invoice 2", "c@d.com"},
	}
	first := make([]bool, len(inputs))
	for i, in := range inputs {
		first[i] = f.Eligible(in[0], in[1])
	}
	// Reverse order and repeat: results depend only on subject and sender.
	for round := 0; round < 3; round++ {
		for i := len(inputs) - 1; i >= 0; i-- {
			assert.Equal(t, first[i], f.Eligible(inputs[i][0], inputs[i][1]))
		}
	}
}

func TestNormalizeSender(t *testing.T) {
	assert.Equal(t, "billing@supplier2.com", NormalizeSender("  Billing@Supplier2.com "))
	assert.Equal(t, "ap@vendor.io", NormalizeSender("Accounts <AP@vendor.io>"))
	assert.Equal(t, "", NormalizeSender(""))
}
