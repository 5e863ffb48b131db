// Package classifier decides whether an attachment is an invoice.
package classifier

import (
	"context"
	"mime"
	"path/filepath"
	"strings"
	"time"
)

// Verdict is the outcome of a classification
type Verdict string

const (
	Invoice    Verdict = "invoice"
	NotInvoice Verdict = "not-invoice"
	// Ambiguous covers low confidence, unreadable content and unsupported types.
	Ambiguous Verdict = "ambiguous"
)

// Input is one attachment plus the message context it arrived with
type Input struct {
	Filename    string
	ContentType string
	Data        []byte
	Sender      string
	Subject     string
}

// Result is the verdict with its confidence and the model's rationale
type Result struct {
	Verdict    Verdict
	Confidence float64
	Rationale  string
	Extracted  Extraction
}

// Extraction is the data read off an invoice. Every field is optional; amounts
// are negative on credit notes.
type Extraction struct {
	InvoiceDate *time.Time
	Supplier    string
	NetAmount   *float64
	TaxAmount   *float64
	TotalAmount *float64
	Currency    string
}

// Classifier classifies attachments. Implementations return errs.ErrTransient
// for network, timeout and rate-limit failures and errs.ErrFatalConfig when the
// provider rejects the credentials or model; the verdict for a given input must
// not depend on when it is asked.
type Classifier interface {
	Classify(ctx context.Context, in Input) (Result, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, in Input) (Result, error)

func (f ClassifierFunc) Classify(ctx context.Context, in Input) (Result, error) {
	return f(ctx, in)
}

// Media types understood by the classifier.
const (
	MediaPDF  = "application/pdf"
	MediaJPEG = "image/jpeg"
	MediaPNG  = "image/png"
	MediaTIFF = "image/tiff"
	MediaXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MediaZIP  = "application/zip"
)

var extensionMedia = map[string]string{
	".pdf":  MediaPDF,
	".jpg":  MediaJPEG,
	".jpeg": MediaJPEG,
	".png":  MediaPNG,
	".tiff": MediaTIFF,
	".tif":  MediaTIFF,
	".xlsx": MediaXLSX,
	".zip":  MediaZIP,
}

// MediaType normalises the declared content type, falling back to the file
// extension when the sender used a generic type.
func MediaType(filename, contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if parsed, _, err := mime.ParseMediaType(ct); err == nil {
		ct = parsed
	}
	switch ct {
	case "image/jpg", "image/pjpeg":
		return MediaJPEG
	case "application/x-zip-compressed", "application/x-zip":
		return MediaZIP
	case "", "application/octet-stream", "binary/octet-stream", "application/x-download":
		if m, ok := extensionMedia[strings.ToLower(filepath.Ext(filename))]; ok {
			return m
		}
	}
	return ct
}

// Decide maps the model's answer onto a verdict using the confidence threshold.
func Decide(isInvoice bool, confidence, threshold float64) Verdict {
	if confidence < threshold {
		return Ambiguous
	}
	if isInvoice {
		return Invoice
	}
	return NotInvoice
}
