package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoice-collector-go/internal/classifier"
	"invoice-collector-go/internal/config"
	"invoice-collector-go/internal/db"
	"invoice-collector-go/internal/errs"
	"invoice-collector-go/internal/model"
	"invoice-collector-go/internal/repository"
	"invoice-collector-go/internal/storage"
)

var (
	receivedAt = time.Date(2026, 3, 5, 9, 30, 0, 0, time.UTC)
	fixedNow   = time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)
	invoicePDF = []byte("%PDF-1.4 invoice INV-2026-031")
)

func newTestStore(t *testing.T) *repository.Repository {
	t.Helper()
	gdb, err := db.Init(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return repository.New(gdb)
}

// memUploader keeps uploads in memory. Queued failures are returned first.
type memUploader struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failures []error
	always   error
	calls    int
}

func newMemUploader() *memUploader {
	return &memUploader{objects: make(map[string][]byte)}
}

func (u *memUploader) failNext(failures ...error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failures = append(u.failures, failures...)
}

func (u *memUploader) Put(_ context.Context, req storage.PutRequest) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if len(u.failures) > 0 {
		err := u.failures[0]
		u.failures = u.failures[1:]
		return "", err
	}
	if u.always != nil {
		return "", u.always
	}
	if existing, ok := u.objects[req.Path]; ok && string(existing) != string(req.Data) && !req.Overwrite {
		return "", errs.Conflict(req.Path)
	}
	u.objects[req.Path] = req.Data
	return "mem://" + req.Path, nil
}

func (u *memUploader) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

func newTestProcessor(t *testing.T, store Store, c classifier.Classifier, u storage.Uploader, maxAttempts int) *Processor {
	t.Helper()
	p, err := NewProcessor(store, c, u, "Invoices", maxAttempts, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return p
}

func invoiceJob(messageID string, data []byte) *Job {
	return &Job{
		MessageID:    messageID,
		Sender:       "billing@supplier2.com",
		Subject:      "Invoice March 2026",
		ReceivedAt:   receivedAt,
		AttachmentID: "1",
		Filename:     "invoice.pdf",
		ContentType:  classifier.MediaPDF,
		Data:         data,
	}
}

func TestProcessUploadsInvoice(t *testing.T) {
	store := newTestStore(t)
	uploader := newMemUploader()
	p := newTestProcessor(t, store, classifier.NewStub(classifier.Invoice), uploader, 3)

	out, err := p.Process(context.Background(), invoiceJob("msg-1", invoicePDF))
	require.NoError(t, err)
	require.NoError(t, out.Err)

	want := "Invoices/2026/03/2026-03-05_billing-supplier2-com_invoice.pdf"
	assert.Equal(t, model.StatusUploaded, out.Record.Status)
	assert.Equal(t, want, out.Record.RemotePath)
	assert.Equal(t, "mem://"+want, out.Record.RemoteLink)
	assert.Equal(t, model.VerdictInvoice, out.Record.ClassificationVerdict)
	assert.Equal(t, model.Fingerprint(invoicePDF), out.Record.ContentFingerprint)
	assert.Equal(t, 2026, out.Record.Year)
	assert.Equal(t, 3, out.Record.Month)
	assert.True(t, out.Record.Terminal)
	assert.Equal(t, invoicePDF, uploader.objects[want])

	stored, err := store.FindByPair("msg-1", "1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.StatusUploaded, stored.Status)
	assert.True(t, fixedNow.Equal(stored.ProcessedAt))
}

func TestProcessReplayIsNoop(t *testing.T) {
	store := newTestStore(t)
	uploader := newMemUploader()
	stub := classifier.NewStub(classifier.Invoice)
	p := newTestProcessor(t, store, stub, uploader, 3)

	first, err := p.Process(context.Background(), invoiceJob("msg-1", invoicePDF))
	require.NoError(t, err)

	second, err := p.Process(context.Background(), invoiceJob("msg-1", invoicePDF))
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, first.Record.RemotePath, second.Record.RemotePath)
	assert.Equal(t, 1, uploader.Calls())
	assert.Equal(t, 1, stub.Calls())
}

func TestProcessSkipsForwardedDuplicate(t *testing.T) {
	store := newTestStore(t)
	uploader := newMemUploader()
	stub := classifier.NewStub(classifier.Invoice)
	p := newTestProcessor(t, store, stub, uploader, 3)

	_, err := p.Process(context.Background(), invoiceJob("msg-1", invoicePDF))
	require.NoError(t, err)

	forwarded := invoiceJob("msg-2", invoicePDF)
	forwarded.Sender = "colleague@example.com"
	forwarded.Subject = "Fwd: Invoice March 2026"
	out, err := p.Process(context.Background(), forwarded)
	require.NoError(t, err)

	assert.Equal(t, model.StatusSkipped, out.Record.Status)
	assert.Equal(t, model.SkipDuplicateContent, out.Record.SkipReason)
	assert.Empty(t, out.Record.FailureReason)
	assert.Empty(t, out.Record.RemotePath)
	assert.Equal(t, 1, uploader.Calls())
	assert.Equal(t, 1, stub.Calls(), "duplicates are not classified")
}

func TestProcessTransientUploadThenSuccess(t *testing.T) {
	store := newTestStore(t)
	uploader := newMemUploader()
	uploader.failNext(errs.Transient("drive.put", errors.New("503 service unavailable")))
	stub := classifier.NewStub(classifier.Invoice)
	p := newTestProcessor(t, store, stub, uploader, 3)

	first, err := p.Process(context.Background(), invoiceJob("msg-1", invoicePDF))
	require.NoError(t, err)
	assert.True(t, errs.IsTransient(first.Err))
	assert.Equal(t, model.StatusDiscovered, first.Record.Status)
	assert.Equal(t, model.VerdictInvoice, first.Record.ClassificationVerdict)
	assert.Equal(t, 1, first.Record.Attempts)
	assert.False(t, first.IsFinal())

	second, err := p.Process(context.Background(), invoiceJob("msg-1", invoicePDF))
	require.NoError(t, err)
	assert.NoError(t, second.Err)
	assert.Equal(t, model.StatusUploaded, second.Record.Status)
	assert.Empty(t, second.Record.FailureReason)
	assert.Equal(t, 1, stub.Calls(), "a cached invoice verdict skips the classifier")
	assert.Equal(t, 2, uploader.Calls())
}

func TestProcessGivesUpAfterMaxAttempts(t *testing.T) {
	store := newTestStore(t)
	uploader := newMemUploader()
	uploader.always = errs.Transient("drive.put", errors.New("timeout"))
	p := newTestProcessor(t, store, classifier.NewStub(classifier.Invoice), uploader, 2)

	first, err := p.Process(context.Background(), invoiceJob("msg-1", invoicePDF))
	require.NoError(t, err)
	assert.Equal(t, model.StatusDiscovered, first.Record.Status)

	second, err := p.Process(context.Background(), invoiceJob("msg-1", invoicePDF))
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, second.Record.Status)
	assert.True(t, second.Record.Terminal)
	assert.Equal(t, 2, second.Record.Attempts)
	assert.Contains(t, second.Record.FailureReason, "giving up after 2 attempts")
	assert.Contains(t, second.Record.FailureReason, "timeout")

	third, err := p.Process(context.Background(), invoiceJob("msg-1", invoicePDF))
	require.NoError(t, err)
	assert.True(t, third.Replayed)
	assert.Equal(t, 2, uploader.Calls())
}

func TestProcessConflictIsTerminal(t *testing.T) {
	store := newTestStore(t)
	uploader := newMemUploader()
	path := "Invoices/2026/03/2026-03-05_billing-supplier2-com_invoice.pdf"
	uploader.objects[path] = []byte("someone else's file")
	p := newTestProcessor(t, store, classifier.NewStub(classifier.Invoice), uploader, 3)

	out, err := p.Process(context.Background(), invoiceJob("msg-1", invoicePDF))
	require.NoError(t, err)
	assert.True(t, errs.IsConflict(out.Err))
	assert.Equal(t, model.StatusFailed, out.Record.Status)
	assert.True(t, out.Record.Terminal)
	assert.Contains(t, out.Record.FailureReason, path)
	assert.Empty(t, out.Record.RemoteLink)
	assert.Equal(t, []byte("someone else's file"), uploader.objects[path])
}

func TestProcessSkipsNonInvoices(t *testing.T) {
	tests := []struct {
		name       string
		result     classifier.Result
		skipReason string
	}{
		{
			name:       "not an invoice",
			result:     classifier.Result{Verdict: classifier.NotInvoice, Confidence: 0.95, Rationale: "newsletter"},
			skipReason: model.SkipNotInvoice,
		},
		{
			name:       "ambiguous",
			result:     classifier.Result{Verdict: classifier.Ambiguous, Confidence: 0.3, Rationale: "blurry scan"},
			skipReason: model.SkipAmbiguous,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			uploader := newMemUploader()
			stub := classifier.NewStub(classifier.Invoice)
			stub.Set(invoicePDF, tt.result)
			p := newTestProcessor(t, store, stub, uploader, 3)

			out, err := p.Process(context.Background(), invoiceJob("msg-1", invoicePDF))
			require.NoError(t, err)
			assert.Equal(t, model.StatusSkipped, out.Record.Status)
			assert.Equal(t, model.VerdictNotInvoice, out.Record.ClassificationVerdict)
			assert.Equal(t, tt.skipReason, out.Record.SkipReason)
			assert.Equal(t, tt.result.Rationale, out.Record.Rationale)
			assert.Zero(t, uploader.Calls())
		})
	}
}

func TestProcessClassifierErrorIsRetried(t *testing.T) {
	store := newTestStore(t)
	uploader := newMemUploader()

	calls := 0
	c := classifier.ClassifierFunc(func(ctx context.Context, in classifier.Input) (classifier.Result, error) {
		calls++
		if calls == 1 {
			return classifier.Result{}, errors.New("malformed response")
		}
		return classifier.Result{Verdict: classifier.Invoice, Confidence: 0.9}, nil
	})
	p := newTestProcessor(t, store, c, uploader, 3)

	first, err := p.Process(context.Background(), invoiceJob("msg-1", invoicePDF))
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, first.Record.Status)
	assert.False(t, first.Record.Terminal)
	assert.Equal(t, "malformed response", first.Record.FailureReason)
	assert.Zero(t, uploader.Calls())

	second, err := p.Process(context.Background(), invoiceJob("msg-1", invoicePDF))
	require.NoError(t, err)
	assert.Equal(t, model.StatusUploaded, second.Record.Status)
	assert.Empty(t, second.Record.FailureReason)
	assert.Equal(t, 1, second.Record.Attempts)
}

func TestProcessFatalConfigLeavesRecordUntouched(t *testing.T) {
	store := newTestStore(t)
	uploader := newMemUploader()
	uploader.failNext(
		errs.Transient("drive.put", errors.New("503 service unavailable")),
		errs.Fatal("s3.upload", errors.New("AccessDenied: Access Denied")),
	)
	p := newTestProcessor(t, store, classifier.NewStub(classifier.Invoice), uploader, 3)

	first, err := p.Process(context.Background(), invoiceJob("msg-1", invoicePDF))
	require.NoError(t, err)
	require.Equal(t, model.StatusDiscovered, first.Record.Status)

	_, err = p.Process(context.Background(), invoiceJob("msg-1", invoicePDF))
	require.Error(t, err)
	assert.True(t, errs.IsFatalConfig(err))

	stored, err := store.FindByPair("msg-1", "1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.StatusDiscovered, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.False(t, stored.Terminal)
	assert.Empty(t, stored.FailureReason)

	rejected := classifier.ClassifierFunc(func(context.Context, classifier.Input) (classifier.Result, error) {
		return classifier.Result{}, errs.FatalConfig("classifier rejected api key (401)")
	})
	p = newTestProcessor(t, store, rejected, uploader, 3)
	_, err = p.Process(context.Background(), invoiceJob("msg-2", []byte("%PDF-1.4 other")))
	require.Error(t, err)
	assert.True(t, errs.IsFatalConfig(err))

	missing, err := store.FindByPair("msg-2", "1")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestProcessStoresExtractedInvoiceData(t *testing.T) {
	store := newTestStore(t)
	issued := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	net, tax, total := 100.0, 20.0, 120.0

	stub := classifier.NewStub(classifier.NotInvoice)
	stub.Set(invoicePDF, classifier.Result{
		Verdict:    classifier.Invoice,
		Confidence: 0.95,
		Extracted: classifier.Extraction{
			InvoiceDate: &issued,
			Supplier:    "Supplier Two",
			NetAmount:   &net,
			TaxAmount:   &tax,
			TotalAmount: &total,
			Currency:    "EUR",
		},
	})
	p := newTestProcessor(t, store, stub, newMemUploader(), 3)

	out, err := p.Process(context.Background(), invoiceJob("msg-1", invoicePDF))
	require.NoError(t, err)
	assert.Equal(t, "Invoices/2026/03/2026-03-05_billing-supplier2-com_invoice.pdf", out.Record.RemotePath,
		"the remote path follows the received date")

	stored, err := store.FindByPair("msg-1", "1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.NotNil(t, stored.InvoiceDate)
	assert.Equal(t, "2026-03-02", stored.InvoiceDate.Format("2006-01-02"))
	assert.Equal(t, "Supplier Two", stored.Supplier)
	require.NotNil(t, stored.TotalAmount)
	assert.InDelta(t, 120.0, *stored.TotalAmount, 1e-9)
	require.NotNil(t, stored.TaxAmount)
	assert.InDelta(t, 20.0, *stored.TaxAmount, 1e-9)
	assert.Equal(t, "EUR", stored.Currency)
}

func TestNewProcessorRequiresCollaborators(t *testing.T) {
	store := newTestStore(t)
	stub := classifier.NewStub(classifier.Invoice)
	uploader := newMemUploader()

	_, err := NewProcessor(nil, stub, uploader, "Invoices", 3)
	assert.True(t, errs.IsFatalConfig(err))
	_, err = NewProcessor(store, nil, uploader, "Invoices", 3)
	assert.True(t, errs.IsFatalConfig(err))
	_, err = NewProcessor(store, stub, nil, "Invoices", 3)
	assert.True(t, errs.IsFatalConfig(err))
	_, err = NewProcessor(store, stub, uploader, "", 3)
	assert.True(t, errs.IsFatalConfig(err))
}
