package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"invoice-collector-go/internal/classifier"
	"invoice-collector-go/internal/config"
	"invoice-collector-go/internal/errs"
	"invoice-collector-go/internal/filter"
	"invoice-collector-go/internal/mailsource"
	"invoice-collector-go/internal/model"
	"invoice-collector-go/internal/notify"
)

var (
	// ErrInvalidRange is returned for a backfill window that is empty or unbounded.
	ErrInvalidRange = errors.New("invalid backfill range")

	errOversized = errors.New("attachment exceeds the size limit")
)

// Run kinds, used for the run lock, metrics and summaries.
const (
	KindPoll     = "poll"
	KindBackfill = "backfill"
)

// attachmentTypes are the top level attachment types worth downloading.
var attachmentTypes = map[string]bool{
	classifier.MediaPDF:  true,
	"application/x-pdf":  true,
	classifier.MediaJPEG: true,
	classifier.MediaPNG:  true,
	classifier.MediaTIFF: true,
	classifier.MediaXLSX: true,
	classifier.MediaZIP:  true,
}

// Summary is the end of run report delivered through the notifier.
type Summary struct {
	RunID           string          `json:"run_id"`
	Kind            string          `json:"kind"`
	DryRun          bool            `json:"dry_run,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
	Messages        int             `json:"messages"`
	Eligible        int             `json:"eligible"`
	Attachments     int             `json:"attachments"`
	Uploaded        int             `json:"uploaded"`
	Skipped         int             `json:"skipped"`
	Failed          int             `json:"failed"`
	Deferred        int             `json:"deferred"`
	Replayed        int             `json:"replayed"`
	Planned         []PlannedUpload `json:"planned,omitempty"`
	Errors          []string        `json:"errors,omitempty"`
	WatermarkBefore time.Time       `json:"watermark_before"`
	WatermarkAfter  time.Time       `json:"watermark_after"`
}

// PlannedUpload is what a dry run would have done with one attachment.
type PlannedUpload struct {
	MessageID    string `json:"message_id"`
	AttachmentID string `json:"attachment_id"`
	Filename     string `json:"filename"`
	RemotePath   string `json:"remote_path"`
}

// CycleResult is a finished poll cycle and the watermark it earned.
type CycleResult struct {
	Summary   Summary
	Watermark time.Time
}

// BackfillRequest selects a historical window. A zero Until means now.
type BackfillRequest struct {
	Since  time.Time
	Until  time.Time
	DryRun bool
}

// Runner feeds messages from the source through the processor, one run at a time.
type Runner struct {
	source    mailsource.Source
	filter    *filter.Filter
	processor *Processor
	store     Store
	notifier  notify.Notifier
	lock      *RunLock
	observer  Observer
	mailbox   string
	cfg       config.PipelineConfig
	now       func() time.Time
}

// RunnerOption customises a Runner.
type RunnerOption func(*Runner)

// WithRunnerObserver reports run measurements to o.
func WithRunnerObserver(o Observer) RunnerOption {
	return func(r *Runner) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithRunnerClock replaces the wall clock used for cycle boundaries.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithRunLock shares a run lock with other jobs, such as the reporter.
func WithRunLock(l *RunLock) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.lock = l
		}
	}
}

// NewRunner wires a runner. The notifier may be nil.
func NewRunner(source mailsource.Source, f *filter.Filter, p *Processor, store Store, n notify.Notifier, mailbox string, cfg config.PipelineConfig, opts ...RunnerOption) (*Runner, error) {
	switch {
	case source == nil:
		return nil, errs.FatalConfig("message source is required")
	case f == nil:
		return nil, errs.FatalConfig("eligibility filter is required")
	case p == nil:
		return nil, errs.FatalConfig("processor is required")
	case store == nil:
		return nil, errs.FatalConfig("state store is required")
	case mailbox == "":
		return nil, errs.FatalConfig("mailbox identity is required")
	}
	if n == nil {
		n = notify.Nop{}
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	r := &Runner{
		source:    source,
		filter:    f,
		processor: p,
		store:     store,
		notifier:  n,
		lock:      NewRunLock(),
		observer:  nopObserver{},
		mailbox:   mailbox,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Lock returns the run lock shared by every run of this runner.
func (r *Runner) Lock() *RunLock {
	return r.lock
}

// Poll runs one incremental cycle from the stored watermark and persists the
// advanced watermark before releasing the run lock.
func (r *Runner) Poll(ctx context.Context) (Summary, error) {
	release, err := r.lock.TryAcquire(KindPoll)
	if err != nil {
		return Summary{}, err
	}
	defer release()

	started := time.Now()
	summary, err := r.poll(ctx)
	r.observer.RunFinished(KindPoll, time.Since(started), err)

	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		r.notifier.Notify(ctx, notify.NewEvent(notify.EventCycleFailed, summary))
		return summary, err
	}
	r.notifier.Notify(ctx, notify.NewEvent(notify.EventCycleCompleted, summary))
	return summary, nil
}

func (r *Runner) poll(ctx context.Context) (Summary, error) {
	stored, err := r.store.GetWatermark(r.mailbox)
	if err != nil {
		return Summary{Kind: KindPoll}, fmt.Errorf("failed to load watermark: %w", err)
	}
	var watermark time.Time
	if stored != nil {
		watermark = stored.ScannedTo
	}

	result, err := r.Cycle(ctx, watermark)
	if err != nil {
		return result.Summary, err
	}

	if result.Watermark.After(watermark) {
		saved, err := r.store.SetWatermark(r.mailbox, result.Watermark)
		if err != nil {
			return result.Summary, fmt.Errorf("failed to persist watermark: %w", err)
		}
		r.observer.WatermarkAdvanced(saved.ScannedTo)
		result.Summary.WatermarkAfter = saved.ScannedTo
	}
	return result.Summary, nil
}

// Cycle processes everything received since watermark and returns the
// watermark the next cycle may start from. It never moves backwards, it
// stays put when the cycle fails, and it is held at the earliest message the
// cycle left non-final so that message is listed again.
func (r *Runner) Cycle(ctx context.Context, watermark time.Time) (CycleResult, error) {
	cycleStart := r.now()
	summary := Summary{
		RunID:           uuid.NewString(),
		Kind:            KindPoll,
		StartedAt:       cycleStart,
		WatermarkBefore: watermark,
		WatermarkAfter:  watermark,
	}
	result := CycleResult{Summary: summary, Watermark: watermark}

	since := watermark
	if since.IsZero() {
		since = cycleStart.Add(-r.cfg.InitialLookback)
	}

	log := logrus.WithFields(logrus.Fields{"run_id": summary.RunID, "since": since})
	log.Info("Starting poll cycle")

	msgs, err := r.source.ListSince(ctx, since)
	if err != nil {
		result.Summary.FinishedAt = r.now()
		return result, fmt.Errorf("failed to list messages: %w", err)
	}

	st := r.execute(ctx, msgs, false, &result.Summary)
	result.Summary.FinishedAt = r.now()

	if st.fatal != nil {
		return result, st.fatal
	}

	next := cycleStart
	if !st.holdBack.IsZero() && st.holdBack.Before(next) {
		next = st.holdBack
	}
	if next.After(watermark) {
		result.Watermark = next
		result.Summary.WatermarkAfter = next
	}

	log.WithFields(logrus.Fields{
		"uploaded":  result.Summary.Uploaded,
		"skipped":   result.Summary.Skipped,
		"failed":    result.Summary.Failed,
		"deferred":  result.Summary.Deferred,
		"watermark": result.Watermark,
	}).Info("Poll cycle completed")
	return result, nil
}

// Backfill replays a historical window through the same processing path.
// It never touches the watermark.
func (r *Runner) Backfill(ctx context.Context, req BackfillRequest) (Summary, error) {
	until := req.Until
	if until.IsZero() {
		until = r.now()
	}
	if req.Since.IsZero() || !req.Since.Before(until) {
		return Summary{Kind: KindBackfill}, fmt.Errorf("%w: since %s, until %s", ErrInvalidRange, req.Since, until)
	}

	release, err := r.lock.TryAcquire(KindBackfill)
	if err != nil {
		return Summary{}, err
	}
	defer release()

	started := time.Now()
	summary := Summary{
		RunID:     uuid.NewString(),
		Kind:      KindBackfill,
		DryRun:    req.DryRun,
		StartedAt: r.now(),
	}
	log := logrus.WithFields(logrus.Fields{
		"run_id":  summary.RunID,
		"since":   req.Since,
		"until":   until,
		"dry_run": req.DryRun,
	})
	log.Info("Starting backfill")

	msgs, err := r.source.ListBetween(ctx, req.Since, until)
	if err == nil {
		st := r.execute(ctx, msgs, req.DryRun, &summary)
		err = st.fatal
	}
	summary.FinishedAt = r.now()
	r.observer.RunFinished(KindBackfill, time.Since(started), err)

	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
		r.notifier.Notify(ctx, notify.NewEvent(notify.EventCycleFailed, summary))
		return summary, err
	}

	log.WithFields(logrus.Fields{
		"uploaded": summary.Uploaded,
		"skipped":  summary.Skipped,
		"failed":   summary.Failed,
		"planned":  len(summary.Planned),
	}).Info("Backfill completed")
	r.notifier.Notify(ctx, notify.NewEvent(notify.EventBackfillCompleted, summary))
	return summary, nil
}

// runState collects what the workers learnt about a run.
type runState struct {
	mu       sync.Mutex
	summary  *Summary
	holdBack time.Time
	fatal    error
}

func (s *runState) postpone(receivedAt time.Time, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.Deferred++
	if reason != "" {
		s.summary.Errors = append(s.summary.Errors, reason)
	}
	s.hold(receivedAt)
}

func (s *runState) hold(receivedAt time.Time) {
	if s.holdBack.IsZero() || receivedAt.Before(s.holdBack) {
		s.holdBack = receivedAt
	}
}

func (s *runState) outcome(job *Job, o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.Replayed {
		s.summary.Replayed++
		return
	}
	switch o.Record.Status {
	case model.StatusUploaded:
		s.summary.Uploaded++
	case model.StatusSkipped:
		s.summary.Skipped++
	case model.StatusFailed:
		s.summary.Failed++
	default:
		s.summary.Deferred++
	}
	if o.Err != nil {
		s.summary.Errors = append(s.summary.Errors, fmt.Sprintf("%s/%s: %v", job.MessageID, job.AttachmentID, o.Err))
	}
	if !o.IsFinal() {
		s.hold(job.ReceivedAt)
	}
}

// abort records the error that ends the run. The job's record was not
// written, so it counts as deferred.
func (s *runState) abort(job *Job, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.Deferred++
	if s.fatal != nil {
		return
	}
	if errs.IsFatalConfig(err) {
		s.fatal = fmt.Errorf("run halted on %s/%s: %w", job.MessageID, job.AttachmentID, err)
		return
	}
	s.fatal = fmt.Errorf("state store failure on %s/%s: %w", job.MessageID, job.AttachmentID, err)
}

// execute filters the messages, loads their attachments in source order and
// processes them. Jobs sharing a fingerprint run sequentially in that order;
// distinct fingerprints run in parallel up to the concurrency limit. Once
// the run timeout expires, or a job hits a store failure or a fatal
// configuration error, no further job starts while started jobs finish.
func (r *Runner) execute(ctx context.Context, msgs []mailsource.Message, dryRun bool, summary *Summary) *runState {
	st := &runState{summary: summary}
	summary.Messages = len(msgs)

	runCtx := ctx
	if r.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.RunTimeout)
		defer cancel()
	}

	var groups [][]*Job
	index := make(map[string]int)

	for _, msg := range msgs {
		if !r.filter.Eligible(msg.Subject, msg.Sender) {
			continue
		}
		summary.Eligible++

		if runCtx.Err() != nil {
			st.postpone(msg.ReceivedAt, "")
			continue
		}

		jobs, err := r.load(runCtx, msg)
		if err != nil {
			logrus.WithError(err).WithField("message_id", msg.ID).Warn("Could not load attachments, deferring message")
			st.postpone(msg.ReceivedAt, fmt.Sprintf("%s: %v", msg.ID, err))
			continue
		}

		for _, job := range jobs {
			summary.Attachments++
			if dryRun {
				summary.Planned = append(summary.Planned, PlannedUpload{
					MessageID:    job.MessageID,
					AttachmentID: job.AttachmentID,
					Filename:     job.Filename,
					RemotePath:   r.processor.PlannedPath(job),
				})
				logrus.WithFields(logrus.Fields{
					"message_id":  job.MessageID,
					"filename":    job.Filename,
					"remote_path": r.processor.PlannedPath(job),
				}).Info("Dry run: would classify and upload")
				continue
			}

			fp := job.Fingerprint()
			if i, ok := index[fp]; ok {
				groups[i] = append(groups[i], job)
				continue
			}
			index[fp] = len(groups)
			groups = append(groups, []*Job{job})
		}
	}

	dispatchCtx, halt := context.WithCancel(runCtx)
	defer halt()

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for _, group := range groups {
		group := group
		if dispatchCtx.Err() != nil {
			for _, job := range group {
				st.postpone(job.ReceivedAt, "")
			}
			continue
		}
		g.Go(func() error {
			for _, job := range group {
				if dispatchCtx.Err() != nil {
					st.postpone(job.ReceivedAt, "")
					continue
				}
				// A started attachment is not torn down by the run timeout.
				outcome, err := r.processor.Process(context.WithoutCancel(runCtx), job)
				if err != nil {
					log := logrus.WithError(err).WithField("message_id", job.MessageID)
					if errs.IsFatalConfig(err) {
						log.Error("Fatal configuration error, halting run")
					} else {
						log.Error("Failed to record attachment")
					}
					st.abort(job, err)
					halt()
					continue
				}
				st.outcome(job, outcome)
			}
			return nil
		})
	}
	g.Wait()

	return st
}

// load reads the supported attachments of a message, unpacking archives.
func (r *Runner) load(ctx context.Context, msg mailsource.Message) ([]*Job, error) {
	atts, err := msg.Attachments(ctx)
	if err != nil {
		return nil, err
	}

	var jobs []*Job
	for _, att := range atts {
		media := classifier.MediaType(att.Filename, att.ContentType)
		if !attachmentTypes[media] && !IsZip(att.Filename, att.ContentType) {
			logrus.WithFields(logrus.Fields{
				"message_id": msg.ID,
				"filename":   att.Filename,
				"type":       media,
			}).Debug("Ignoring unsupported attachment type")
			continue
		}

		data, err := att.Content(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment %s: %w", att.Filename, err)
		}
		if r.cfg.MaxAttachmentBytes > 0 && int64(len(data)) > r.cfg.MaxAttachmentBytes {
			logrus.WithFields(logrus.Fields{
				"message_id": msg.ID,
				"filename":   att.Filename,
				"size":       len(data),
			}).Warn("Ignoring oversized attachment")
			continue
		}

		job := &Job{
			MessageID:    msg.ID,
			Sender:       msg.Sender,
			Subject:      msg.Subject,
			ReceivedAt:   msg.ReceivedAt,
			AttachmentID: att.ID,
			Filename:     att.Filename,
			ContentType:  media,
			Data:         data,
		}
		if IsZip(att.Filename, att.ContentType) {
			jobs = append(jobs, unpackZip(job, r.cfg.MaxAttachmentBytes, r.cfg.MaxArchiveBytes)...)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
