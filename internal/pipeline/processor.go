// Package pipeline drives every eligible attachment through classification,
// upload and recording, for both live polling and backfill.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"invoice-collector-go/internal/classifier"
	"invoice-collector-go/internal/errs"
	"invoice-collector-go/internal/model"
	"invoice-collector-go/internal/storage"
)

// Store is the part of the state store the pipeline writes to.
type Store interface {
	Upsert(rec *model.AttachmentRecord) error
	FindByPair(messageID, attachmentID string) (*model.AttachmentRecord, error)
	FindByFingerprint(fingerprint string) (*model.AttachmentRecord, error)
	GetWatermark(mailbox string) (*model.Watermark, error)
	SetWatermark(mailbox string, scannedTo time.Time) (*model.Watermark, error)
}

// Observer receives per-call measurements. metrics.Metrics implements it.
type Observer interface {
	AttachmentRecorded(status model.Status, replayed bool)
	ClassifierCalled(d time.Duration, err error)
	UploadCalled(err error)
	RunFinished(kind string, d time.Duration, err error)
	WatermarkAdvanced(t time.Time)
}

type nopObserver struct{}

func (nopObserver) AttachmentRecorded(model.Status, bool)    {}
func (nopObserver) ClassifierCalled(time.Duration, error)    {}
func (nopObserver) UploadCalled(error)                       {}
func (nopObserver) RunFinished(string, time.Duration, error) {}
func (nopObserver) WatermarkAdvanced(time.Time)              {}

// Job is one attachment with the metadata of its message.
type Job struct {
	MessageID    string
	Sender       string
	Subject      string
	ReceivedAt   time.Time
	AttachmentID string
	Filename     string
	ContentType  string
	Data         []byte

	fingerprint string
}

// Fingerprint returns the content hash of the job's bytes.
func (j *Job) Fingerprint() string {
	if j.fingerprint == "" {
		j.fingerprint = model.Fingerprint(j.Data)
	}
	return j.fingerprint
}

// Outcome is the result of one Process call.
type Outcome struct {
	Record model.AttachmentRecord
	// Replayed is set when the pair was already final and nothing was done.
	Replayed bool
	// Err is the collaborator error the attachment hit, if any. It has
	// already been recorded on the record.
	Err error
}

// Processor runs the per-attachment state machine.
type Processor struct {
	store       Store
	classifier  classifier.Classifier
	uploader    storage.Uploader
	folder      string
	maxAttempts int
	observer    Observer
	now         func() time.Time
}

// ProcessorOption customises a Processor.
type ProcessorOption func(*Processor)

// WithObserver reports measurements to o.
func WithObserver(o Observer) ProcessorOption {
	return func(p *Processor) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithClock replaces the wall clock used for processed_at.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

// NewProcessor wires the collaborators. Missing collaborators or an empty
// folder are fatal configuration errors.
func NewProcessor(store Store, c classifier.Classifier, u storage.Uploader, folder string, maxAttempts int, opts ...ProcessorOption) (*Processor, error) {
	switch {
	case store == nil:
		return nil, errs.FatalConfig("state store is required")
	case c == nil:
		return nil, errs.FatalConfig("classifier is required")
	case u == nil:
		return nil, errs.FatalConfig("uploader is required")
	case folder == "":
		return nil, errs.FatalConfig("storage folder is required")
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	p := &Processor{
		store:       store,
		classifier:  c,
		uploader:    u,
		folder:      folder,
		maxAttempts: maxAttempts,
		observer:    nopObserver{},
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// PlannedPath returns where the job would be uploaded if it is an invoice.
func (p *Processor) PlannedPath(job *Job) string {
	return RemotePath(p.folder, job.ReceivedAt, job.Sender, job.Filename)
}

// Process drives one attachment as far as it can go and writes the result
// to the store exactly once. A final record for the same pair makes the call
// a no-op. The returned error is set when the store failed or when a
// collaborator reported errs.ErrFatalConfig; in the fatal case nothing is
// written and the record keeps its previous state.
func (p *Processor) Process(ctx context.Context, job *Job) (Outcome, error) {
	log := logrus.WithFields(logrus.Fields{
		"message_id":    job.MessageID,
		"attachment_id": job.AttachmentID,
		"filename":      job.Filename,
	})

	existing, err := p.store.FindByPair(job.MessageID, job.AttachmentID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to look up record: %w", err)
	}
	if existing != nil && existing.IsFinal() {
		log.WithField("status", existing.Status).Debug("Attachment already processed, skipping")
		p.observer.AttachmentRecorded(existing.Status, true)
		return Outcome{Record: *existing, Replayed: true}, nil
	}

	rec := p.newRecord(job)
	if existing != nil {
		rec = *existing
		p.refresh(&rec, job)
	}
	m := &machine{rec: &rec, maxAttempts: p.maxAttempts}
	if existing != nil {
		if err := m.apply(EvRetry, nil); err != nil {
			return Outcome{}, err
		}
	}

	log = log.WithField("fingerprint", rec.ContentFingerprint)
	outcome := Outcome{}

	dup, err := p.store.FindByFingerprint(rec.ContentFingerprint)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to check fingerprint: %w", err)
	}
	if dup != nil && (dup.MessageID != rec.MessageID || dup.AttachmentID != rec.AttachmentID) {
		rec.SkipReason = model.SkipDuplicateContent
		if err := m.apply(EvDuplicate, nil); err != nil {
			return Outcome{}, err
		}
		log.WithFields(logrus.Fields{
			"duplicate_of": dup.MessageID + "/" + dup.AttachmentID,
		}).Info("Duplicate content, skipping")
		return p.record(&rec, outcome)
	}

	if rec.ClassificationVerdict == model.VerdictInvoice {
		// A cached invoice verdict from an earlier attempt skips the classifier.
		if err := m.apply(EvInvoice, nil); err != nil {
			return Outcome{}, err
		}
	} else {
		ev, classifyErr := p.classify(ctx, &rec, job, log)
		if errs.IsFatalConfig(classifyErr) {
			return Outcome{}, classifyErr
		}
		outcome.Err = classifyErr
		if err := m.apply(ev, classifyErr); err != nil {
			return Outcome{}, err
		}
		if rec.Status != model.StatusClassified {
			return p.record(&rec, outcome)
		}
	}

	remotePath := p.PlannedPath(job)
	link, err := p.uploader.Put(ctx, storage.PutRequest{
		Path:        remotePath,
		Data:        job.Data,
		ContentType: job.ContentType,
	})
	p.observer.UploadCalled(err)

	switch {
	case errs.IsFatalConfig(err):
		log.WithError(err).Error("Uploader rejected the configuration")
		return Outcome{}, err
	case err == nil:
		rec.RemotePath = remotePath
		rec.RemoteLink = link
		err = m.apply(EvUploaded, nil)
		log.WithField("remote_path", remotePath).Info("Invoice uploaded")
	case errs.IsConflict(err):
		outcome.Err = err
		err = m.apply(EvConflict, err)
		log.WithError(outcome.Err).Error("Remote path holds different content")
	case errs.IsTransient(err):
		outcome.Err = err
		err = m.apply(EvTransient, err)
		log.WithError(outcome.Err).Warn("Transient upload failure, will retry")
	default:
		outcome.Err = err
		err = m.apply(EvError, err)
		log.WithError(outcome.Err).Error("Upload failed")
	}
	if err != nil {
		return Outcome{}, err
	}
	return p.record(&rec, outcome)
}

// classify asks the classifier and maps the answer to a state machine event.
func (p *Processor) classify(ctx context.Context, rec *model.AttachmentRecord, job *Job, log *logrus.Entry) (Event, error) {
	started := time.Now()
	res, err := p.classifier.Classify(ctx, classifier.Input{
		Filename:    job.Filename,
		ContentType: job.ContentType,
		Data:        job.Data,
		Sender:      job.Sender,
		Subject:     job.Subject,
	})
	p.observer.ClassifierCalled(time.Since(started), err)

	if err != nil {
		if errs.IsTransient(err) {
			log.WithError(err).Warn("Transient classifier failure, will retry")
			return EvTransient, err
		}
		if errs.IsFatalConfig(err) {
			log.WithError(err).Error("Classifier rejected the configuration")
			return EvError, err
		}
		log.WithError(err).Error("Classifier failed")
		return EvError, err
	}

	rec.Confidence = res.Confidence
	rec.Rationale = res.Rationale

	switch res.Verdict {
	case classifier.Invoice:
		rec.ClassificationVerdict = model.VerdictInvoice
		applyExtraction(rec, res.Extracted)
		return EvInvoice, nil
	case classifier.NotInvoice:
		rec.ClassificationVerdict = model.VerdictNotInvoice
		rec.SkipReason = model.SkipNotInvoice
		log.Info("Not an invoice, skipping")
		return EvNotInvoice, nil
	case classifier.Ambiguous:
		rec.ClassificationVerdict = model.VerdictNotInvoice
		rec.SkipReason = model.SkipAmbiguous
		log.WithFields(logrus.Fields{
			"confidence": res.Confidence,
			"rationale":  res.Rationale,
		}).Warn("Ambiguous classification, skipping for manual review")
		return EvAmbiguous, nil
	default:
		err := fmt.Errorf("classifier returned unknown verdict %q", res.Verdict)
		log.WithError(err).Error("Classifier failed")
		return EvError, err
	}
}

func applyExtraction(rec *model.AttachmentRecord, ex classifier.Extraction) {
	rec.InvoiceDate = ex.InvoiceDate
	rec.Supplier = ex.Supplier
	rec.NetAmount = ex.NetAmount
	rec.TaxAmount = ex.TaxAmount
	rec.TotalAmount = ex.TotalAmount
	rec.Currency = ex.Currency
}

// record performs the single store write of a Process call.
func (p *Processor) record(rec *model.AttachmentRecord, outcome Outcome) (Outcome, error) {
	rec.ProcessedAt = p.now()
	if err := p.store.Upsert(rec); err != nil {
		return Outcome{}, fmt.Errorf("failed to record attachment: %w", err)
	}
	p.observer.AttachmentRecorded(rec.Status, false)
	outcome.Record = *rec
	return outcome, nil
}

func (p *Processor) newRecord(job *Job) model.AttachmentRecord {
	rec := model.AttachmentRecord{
		MessageID:             job.MessageID,
		AttachmentID:          job.AttachmentID,
		ClassificationVerdict: model.VerdictPending,
		Status:                model.StatusDiscovered,
	}
	p.refresh(&rec, job)
	return rec
}

// refresh copies discovery metadata from the job.
func (p *Processor) refresh(rec *model.AttachmentRecord, job *Job) {
	received := job.ReceivedAt.UTC()
	rec.ContentFingerprint = job.Fingerprint()
	rec.Sender = job.Sender
	rec.Subject = job.Subject
	rec.Filename = job.Filename
	rec.ContentType = job.ContentType
	rec.Size = len(job.Data)
	rec.ReceivedAt = received
	rec.Year = received.Year()
	rec.Month = int(received.Month())
	rec.SkipReason = ""
}

// IsFinal reports whether an outcome needs no further cycle.
func (o Outcome) IsFinal() bool {
	return o.Record.IsFinal()
}
