// Package filter decides which messages are eligible for invoice processing.
package filter

import (
	"net/mail"
	"strings"

	"invoice-collector-go/internal/config"
)

// Filter matches message metadata against subject keywords and a sender whitelist
type Filter struct {
	keywords  []string
	whitelist map[string]struct{}
}

// New builds a filter from configuration. Keywords and senders are compared case-insensitively.
func New(cfg config.FilterConfig) *Filter {
	f := &Filter{whitelist: make(map[string]struct{}, len(cfg.WhitelistSenders))}
	for _, kw := range cfg.SubjectKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			f.keywords = append(f.keywords, kw)
		}
	}
	for _, sender := range cfg.WhitelistSenders {
		if addr := NormalizeSender(sender); addr != "" {
			f.whitelist[addr] = struct{}{}
		}
	}
	return f
}

// Eligible reports whether a message with this subject and sender should be processed.
// An empty keyword list accepts every subject; an empty whitelist accepts every sender.
func (f *Filter) Eligible(subject, sender string) bool {
	return f.subjectMatches(subject) && f.senderAllowed(sender)
}

func (f *Filter) subjectMatches(subject string) bool {
	if len(f.keywords) == 0 {
		return true
	}
	subject = strings.ToLower(subject)
	for _, kw := range f.keywords {
		if strings.Contains(subject, kw) {
			return true
		}
	}
	return false
}

func (f *Filter) senderAllowed(sender string) bool {
	if len(f.whitelist) == 0 {
		return true
	}
	_, ok := f.whitelist[NormalizeSender(sender)]
	return ok
}

// NormalizeSender returns the lower-cased bare address of a sender,
// accepting both "addr@host" and "Name <addr@host>" forms.
func NormalizeSender(sender string) string {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(sender); err == nil {
		sender = addr.Address
	}
	return strings.ToLower(sender)
}
