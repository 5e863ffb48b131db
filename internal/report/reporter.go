// Package report builds the monthly reconciliation workbook of uploaded invoices.
package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"invoice-collector-go/internal/errs"
	"invoice-collector-go/internal/model"
	"invoice-collector-go/internal/notify"
	"invoice-collector-go/internal/pipeline"
	"invoice-collector-go/internal/storage"
)

// ErrInvalidPeriod is returned for a month outside 1..12 or a year before 2000.
var ErrInvalidPeriod = errors.New("invalid report period")

// KindReport names report runs on the shared run lock.
const KindReport = "report"

// Store is the part of the state store the reporter needs.
type Store interface {
	ListByMonth(year, month int, status model.Status) ([]model.AttachmentRecord, error)
	MarkReported(ids []uint, reportPath string, at time.Time) error
	SaveMonthlyReport(rep *model.MonthlyReport) error
	GetMonthlyReport(year, month int) (*model.MonthlyReport, error)
}

// Observer receives report outcomes. metrics.Metrics implements it.
type Observer interface {
	ReportGenerated(err error)
}

type nopObserver struct{}

func (nopObserver) ReportGenerated(error) {}

// Reporter generates and uploads monthly reports.
type Reporter struct {
	store    Store
	uploader storage.Uploader
	folder   string
	notifier notify.Notifier
	lock     *pipeline.RunLock
	observer Observer
	now      func() time.Time
}

// Option customises a Reporter.
type Option func(*Reporter)

// WithObserver reports outcomes to o.
func WithObserver(o Observer) Option {
	return func(r *Reporter) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithClock replaces the wall clock used for generated_at and the previous month.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// NewReporter wires a reporter. The lock is shared with the pipeline runner
// so a report never overlaps a cycle.
func NewReporter(store Store, uploader storage.Uploader, folder string, notifier notify.Notifier, lock *pipeline.RunLock, opts ...Option) (*Reporter, error) {
	switch {
	case store == nil:
		return nil, errs.FatalConfig("state store is required")
	case uploader == nil:
		return nil, errs.FatalConfig("uploader is required")
	case folder == "":
		return nil, errs.FatalConfig("storage folder is required")
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if lock == nil {
		lock = pipeline.NewRunLock()
	}

	r := &Reporter{
		store:    store,
		uploader: uploader,
		folder:   folder,
		notifier: notifier,
		lock:     lock,
		observer: nopObserver{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Path returns <folder>/<YYYY>/<MM>/<YYYY>-<MM>_summary.xlsx.
func Path(folder string, year, month int) string {
	return fmt.Sprintf("%s/%04d/%02d/%04d-%02d_summary.xlsx", strings.Trim(folder, "/"), year, month, year, month)
}

// PreviousMonth returns the calendar month before t.
func PreviousMonth(t time.Time) (int, int) {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	prev := first.AddDate(0, -1, 0)
	return prev.Year(), int(prev.Month())
}

// GeneratePrevious generates the report of the month before now.
func (r *Reporter) GeneratePrevious(ctx context.Context) (*model.MonthlyReport, error) {
	year, month := PreviousMonth(r.now())
	return r.Generate(ctx, year, month)
}

// Generate builds the report of every uploaded invoice received in the
// month, uploads it over any previous version and links the records to it.
// Running it again for the same month rewrites the same file.
func (r *Reporter) Generate(ctx context.Context, year, month int) (*model.MonthlyReport, error) {
	if month < 1 || month > 12 || year < 2000 {
		return nil, fmt.Errorf("%w: %d-%d", ErrInvalidPeriod, year, month)
	}

	release, err := r.lock.TryAcquire(KindReport)
	if err != nil {
		return nil, err
	}
	defer release()

	rep, err := r.generate(ctx, year, month)
	r.observer.ReportGenerated(err)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"year": year, "month": month}).Error("Monthly report failed")
		r.notifier.Notify(ctx, notify.NewEvent(notify.EventReportFailed, map[string]interface{}{
			"year":  year,
			"month": month,
			"error": err.Error(),
		}))
		return nil, err
	}

	r.notifier.Notify(ctx, notify.NewEvent(notify.EventReportGenerated, rep))
	return rep, nil
}

func (r *Reporter) generate(ctx context.Context, year, month int) (*model.MonthlyReport, error) {
	records, err := r.store.ListByMonth(year, month, model.StatusUploaded)
	if err != nil {
		return nil, err
	}

	data, err := BuildWorkbook(year, month, records)
	if err != nil {
		return nil, err
	}

	path := Path(r.folder, year, month)
	link, err := r.uploader.Put(ctx, storage.PutRequest{
		Path:        path,
		Data:        data,
		ContentType: ContentType,
		Overwrite:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload report: %w", err)
	}

	generatedAt := r.now()
	rep := &model.MonthlyReport{
		Year:             year,
		Month:            month,
		ReportRemotePath: path,
		ReportLink:       link,
		InvoiceCount:     len(records),
		GeneratedAt:      generatedAt,
	}
	if err := r.store.SaveMonthlyReport(rep); err != nil {
		return nil, err
	}

	ids := make([]uint, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	if err := r.store.MarkReported(ids, path, generatedAt); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"year":     year,
		"month":    month,
		"invoices": len(records),
		"path":     path,
	}).Info("Monthly report generated")
	return rep, nil
}

// Get returns the stored report record of a month, or nil when none exists.
func (r *Reporter) Get(year, month int) (*model.MonthlyReport, error) {
	if month < 1 || month > 12 || year < 2000 {
		return nil, fmt.Errorf("%w: %d-%d", ErrInvalidPeriod, year, month)
	}
	return r.store.GetMonthlyReport(year, month)
}
