package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"golang.org/x/image/tiff"

	"invoice-collector-go/internal/config"
	"invoice-collector-go/internal/errs"
)

func newTestClassifier(t *testing.T, handler http.HandlerFunc) (*AnthropicClassifier, *int32) {
	t.Helper()
	return newTestClassifierWith(t, config.ClassifierConfig{}, handler)
}

func newTestClassifierWith(t *testing.T, cfg config.ClassifierConfig, handler http.HandlerFunc) (*AnthropicClassifier, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg.APIKey = "test-key"
	cfg.Model = "claude-haiku-4-5"
	cfg.BaseURL = srv.URL
	cfg.Timeout = 5 * time.Second
	cfg.ConfidenceThreshold = 0.5
	c, err := NewAnthropicClassifier(cfg)
	require.NoError(t, err)
	return c, &calls
}

func answer(text string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"content": []map[string]string{{"type": "text", "text": text}},
		})
	}
}

func TestAnthropicClassifierInvoice(t *testing.T) {
	var got messagesRequest
	c, calls := newTestClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		answer("```json\n{\"is_invoice\": true, \"confidence\": 0.93, \"reason\": \"supplier invoice\"}\n```")(w, r)
	})

	res, err := c.Classify(context.Background(), Input{
		Filename:    "invoice.pdf",
		ContentType: "application/pdf",
		Data:        []byte("%PDF-1.4"),
		Sender:      "billing@supplier2.com",
		Subject:     "Invoice March",
	})
	require.NoError(t, err)
	assert.Equal(t, Invoice, res.Verdict)
	assert.InDelta(t, 0.93, res.Confidence, 1e-9)
	assert.Equal(t, "supplier invoice", res.Rationale)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))

	require.Len(t, got.Messages, 1)
	require.Len(t, got.Messages[0].Content, 2)
	assert.Equal(t, "document", got.Messages[0].Content[0].Type)
	assert.Equal(t, MediaPDF, got.Messages[0].Content[0].Source.MediaType)
}

func TestAnthropicClassifierThresholdAndParsing(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		expected Verdict
	}{
		{"confident not invoice", `{"is_invoice": false, "confidence": 0.8, "reason": "contract"}`, NotInvoice},
		{"low confidence", `{"is_invoice": true, "confidence": 0.2, "reason": "unsure"}`, Ambiguous},
		{"surrounding prose", `Sure: {"is_invoice": true, "confidence": 0.7, "reason": "x"} done`, Invoice},
		{"not json", `I cannot tell`, Ambiguous},
		{"missing field", `{"confidence": 0.9}`, Ambiguous},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClassifier(t, answer(tt.reply))
			res, err := c.Classify(context.Background(), Input{Filename: "scan.png", ContentType: "image/png", Data: []byte{1, 2, 3}})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, res.Verdict)
		})
	}
}

func TestAnthropicClassifierErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
		fatal     bool
	}{
		{"rate limited", http.StatusTooManyRequests, true, false},
		{"overloaded", 529, true, false},
		{"server error", http.StatusInternalServerError, true, false},
		{"bad request", http.StatusBadRequest, false, false},
		{"invalid api key", http.StatusUnauthorized, false, true},
		{"forbidden", http.StatusForbidden, false, true},
		{"unknown model", http.StatusNotFound, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClassifier(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"type":"error"}`))
			})
			_, err := c.Classify(context.Background(), Input{Filename: "a.pdf", ContentType: "application/pdf", Data: []byte("x")})
			require.Error(t, err)
			assert.Equal(t, tt.transient, errs.IsTransient(err))
			assert.Equal(t, tt.fatal, errs.IsFatalConfig(err))
		})
	}
}

func TestAnthropicClassifierUnsupportedSkipsModel(t *testing.T) {
	c, calls := newTestClassifier(t, answer(`{"is_invoice": true, "confidence": 1}`))

	for _, in := range []Input{
		{Filename: "scan.tiff", ContentType: "image/tiff", Data: []byte("II*")},
		{Filename: "notes.txt", ContentType: "text/plain", Data: []byte("hello")},
		{Filename: "broken.xlsx", ContentType: MediaXLSX, Data: []byte("not a zip")},
	} {
		res, err := c.Classify(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, Ambiguous, res.Verdict, in.Filename)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(calls))
}

func TestAnthropicClassifierExtraction(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		date     string
		supplier string
		net      *float64
		total    *float64
		currency string
	}{
		{
			name:     "all fields",
			reply:    `{"is_invoice": true, "confidence": 0.9, "invoice_date": "2026-03-02", "supplier": "Supplier Two", "net_amount": 100, "tax_amount": 20, "total_amount": 120, "currency": "eur"}`,
			date:     "2026-03-02",
			supplier: "Supplier Two",
			net:      float(100),
			total:    float(120),
			currency: "EUR",
		},
		{
			name:     "credit note with string amounts",
			reply:    `{"is_invoice": true, "confidence": 0.9, "supplier": "Supplier Two", "net_amount": "-1 000,50", "total_amount": "-1,200.60"}`,
			supplier: "Supplier Two",
			net:      float(-1000.5),
			total:    float(-1200.6),
		},
		{
			name:  "invalid fields dropped",
			reply: `{"is_invoice": true, "confidence": 0.9, "invoice_date": "02/03/2026", "supplier": "null", "net_amount": "n/a", "currency": "EUROS-DOLLARS"}`,
		},
		{
			name:  "customer never taken as supplier",
			reply: `{"is_invoice": true, "confidence": 0.9, "supplier": "Example SAS"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClassifierWith(t, config.ClassifierConfig{OwnerNames: []string{"Example SAS"}}, answer(tt.reply))
			res, err := c.Classify(context.Background(), Input{Filename: "a.pdf", ContentType: MediaPDF, Data: []byte("%PDF")})
			require.NoError(t, err)
			require.Equal(t, Invoice, res.Verdict)

			ex := res.Extracted
			if tt.date == "" {
				assert.Nil(t, ex.InvoiceDate)
			} else if assert.NotNil(t, ex.InvoiceDate) {
				assert.Equal(t, tt.date, ex.InvoiceDate.Format("2006-01-02"))
			}
			assert.Equal(t, tt.supplier, ex.Supplier)
			assertAmount(t, tt.net, ex.NetAmount)
			assertAmount(t, tt.total, ex.TotalAmount)
			assert.Equal(t, tt.currency, ex.Currency)
		})
	}
}

func float(v float64) *float64 { return &v }

func assertAmount(t *testing.T, expected, actual *float64) {
	t.Helper()
	if expected == nil {
		assert.Nil(t, actual)
		return
	}
	if assert.NotNil(t, actual) {
		assert.InDelta(t, *expected, *actual, 1e-9)
	}
}

func TestAnthropicClassifierSupplierHint(t *testing.T) {
	var got messagesRequest
	cfg := config.ClassifierConfig{SenderSuppliers: []config.SupplierHint{{Sender: "supplier2.com", Supplier: "Supplier Two"}}}
	c, _ := newTestClassifierWith(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		answer(`{"is_invoice": true, "confidence": 0.9, "supplier": null}`)(w, r)
	})

	res, err := c.Classify(context.Background(), Input{
		Filename:    "invoice.pdf",
		ContentType: MediaPDF,
		Data:        []byte("%PDF"),
		Sender:      "Billing <Billing@Supplier2.com>",
	})
	require.NoError(t, err)
	assert.Equal(t, "Supplier Two", res.Extracted.Supplier)
	assert.Contains(t, got.Messages[0].Content[1].Text, `supplier "Supplier Two"`)
}

func TestAnthropicClassifierTIFFSentAsPNG(t *testing.T) {
	var got messagesRequest
	c, calls := newTestClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		answer(`{"is_invoice": true, "confidence": 0.9}`)(w, r)
	})

	img := image.NewGray(image.Rect(0, 0, 4, 4))
	img.SetGray(1, 1, color.Gray{Y: 200})
	var buf bytes.Buffer
	require.NoError(t, tiff.Encode(&buf, img, nil))

	res, err := c.Classify(context.Background(), Input{Filename: "scan.tif", ContentType: "application/octet-stream", Data: buf.Bytes()})
	require.NoError(t, err)
	assert.Equal(t, Invoice, res.Verdict)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))

	block := got.Messages[0].Content[0]
	assert.Equal(t, "image", block.Type)
	require.NotNil(t, block.Source)
	assert.Equal(t, MediaPNG, block.Source.MediaType)
	raw, err := base64.StdEncoding.DecodeString(block.Source.Data)
	require.NoError(t, err)
	decoded, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())
}

func TestAnthropicClassifierSpreadsheetAsText(t *testing.T) {
	var got messagesRequest
	c, _ := newTestClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		answer(`{"is_invoice": true, "confidence": 0.9, "reason": "table"}`)(w, r)
	})

	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "Invoice number"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "INV-42"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "Total"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", 120.5))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	res, err := c.Classify(context.Background(), Input{Filename: "invoice.xlsx", ContentType: "application/octet-stream", Data: buf.Bytes()})
	require.NoError(t, err)
	assert.Equal(t, Invoice, res.Verdict)

	require.Len(t, got.Messages[0].Content, 1)
	assert.Contains(t, got.Messages[0].Content[0].Text, "Invoice number INV-42")
	assert.Contains(t, got.Messages[0].Content[0].Text, "Total 120.5")
}

func TestNewAnthropicClassifierRequiresKey(t *testing.T) {
	_, err := NewAnthropicClassifier(config.ClassifierConfig{})
	require.Error(t, err)
	assert.True(t, errs.IsFatalConfig(err))
}

func TestMediaType(t *testing.T) {
	assert.Equal(t, MediaPDF, MediaType("a.PDF", "application/octet-stream"))
	assert.Equal(t, MediaJPEG, MediaType("a.jpg", "image/jpg"))
	assert.Equal(t, MediaPDF, MediaType("a.bin", "application/pdf; name=a.pdf"))
	assert.Equal(t, MediaZIP, MediaType("bundle.zip", ""))
	assert.Equal(t, MediaTIFF, MediaType("scan.TIF", ""))
	assert.Equal(t, "application/octet-stream", MediaType("legacy.xls", "application/octet-stream"))
	assert.Equal(t, "text/plain", MediaType("a.txt", "text/plain"))
}

func TestStubIsDeterministic(t *testing.T) {
	s := NewStub(NotInvoice)
	s.Set([]byte("invoice bytes"), Result{Verdict: Invoice, Confidence: 1})

	for i := 0; i < 3; i++ {
		res, err := s.Classify(context.Background(), Input{Data: []byte("invoice bytes")})
		require.NoError(t, err)
		assert.Equal(t, Invoice, res.Verdict)

		res, err = s.Classify(context.Background(), Input{Data: []byte("photo")})
		require.NoError(t, err)
		assert.Equal(t, NotInvoice, res.Verdict)
	}
	assert.Equal(t, 6, s.Calls())
}
