package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"invoice-collector-go/internal/config"
	"invoice-collector-go/internal/errs"
	"invoice-collector-go/internal/model"
	"invoice-collector-go/internal/pipeline"
)

// Poller runs one poll cycle. *pipeline.Runner implements it.
type Poller interface {
	Poll(ctx context.Context) (pipeline.Summary, error)
}

// MonthlyReporter generates the report of the previous month. *report.Reporter implements it.
type MonthlyReporter interface {
	GeneratePrevious(ctx context.Context) (*model.MonthlyReport, error)
}

// Status is a snapshot of the scheduler for the admin API.
type Status struct {
	Running     bool              `json:"running"`
	Interval    int               `json:"interval_minutes"`
	NextRun     time.Time         `json:"next_run,omitempty"`
	LastRun     time.Time         `json:"last_run,omitempty"`
	LastSummary *pipeline.Summary `json:"last_summary,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	NextReport  time.Time         `json:"next_report,omitempty"`
}

// Scheduler drives periodic poll cycles and the monthly report
type Scheduler struct {
	cron        *cron.Cron
	pollEntry   cron.EntryID
	reportEntry cron.EntryID
	config      config.SchedulerConfig
	report      config.ReportConfig
	poller      Poller
	reporter    MonthlyReporter
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	isRunning   bool
	mu          sync.RWMutex

	lastRun     time.Time
	lastSummary *pipeline.Summary
	lastError   string
}

// NewScheduler creates a new scheduler. reporter may be nil when reports are disabled.
func NewScheduler(cfg config.SchedulerConfig, reportCfg config.ReportConfig, poller Poller, reporter MonthlyReporter) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		config:   cfg,
		report:   reportCfg,
		poller:   poller,
		reporter: reporter,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}
	if s.config.IntervalMinutes <= 0 {
		return errs.FatalConfig("scheduler interval must be greater than 0")
	}
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}

	entryID, err := s.cron.AddFunc(fmt.Sprintf("@every %dm", s.config.IntervalMinutes), s.runCycle)
	if err != nil {
		return fmt.Errorf("failed to add poll job: %w", err)
	}
	s.pollEntry = entryID

	if s.reporter != nil && s.report.Enabled {
		spec := fmt.Sprintf("0 %d %d * *", s.report.Hour, s.report.DayOfMonth)
		entryID, err := s.cron.AddFunc(spec, s.runReport)
		if err != nil {
			s.cron.Remove(s.pollEntry)
			return fmt.Errorf("failed to add report job: %w", err)
		}
		s.reportEntry = entryID
	}

	s.cron.Start()
	s.isRunning = true

	logrus.Infof("Scheduler started with interval: %d minutes", s.config.IntervalMinutes)
	return nil
}

// Stop stops the scheduler and waits for a running cycle to finish
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}

	// A started attachment finishes even after cancel; unstarted ones are deferred.
	s.cancel()
	stopped := s.cron.Stop()
	pollEntry, reportEntry := s.pollEntry, s.reportEntry
	s.reportEntry = 0
	s.isRunning = false
	s.mu.Unlock()

	select {
	case <-stopped.Done():
		logrus.Info("Scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Scheduler stop timeout, forcing shutdown")
	}

	s.mu.Lock()
	s.cron.Remove(pollEntry)
	if reportEntry != 0 {
		s.cron.Remove(reportEntry)
	}
	s.mu.Unlock()
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *Scheduler) runCycle() {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	if _, err := s.poll(ctx); err != nil && !errors.Is(err, errs.ErrRunInProgress) {
		logrus.WithError(err).Error("Scheduled poll cycle failed")
	}
}

func (s *Scheduler) runReport() {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	rep, err := s.reporter.GeneratePrevious(ctx)
	if err != nil {
		logrus.WithError(err).Error("Scheduled monthly report failed")
		return
	}
	logrus.WithFields(logrus.Fields{
		"year":     rep.Year,
		"month":    rep.Month,
		"invoices": rep.InvoiceCount,
	}).Info("Scheduled monthly report generated")
}

func (s *Scheduler) poll(ctx context.Context) (pipeline.Summary, error) {
	s.wg.Add(1)
	defer s.wg.Done()

	summary, err := s.poller.Poll(ctx)
	if errors.Is(err, errs.ErrRunInProgress) {
		logrus.Info("Another run holds the run lock, skipping poll cycle")
		return summary, err
	}

	s.mu.Lock()
	s.lastRun = time.Now().UTC()
	s.lastSummary = &summary
	s.lastError = ""
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()
	return summary, err
}

// RunOnce runs a poll cycle now (for manual triggering). It returns
// errs.ErrRunInProgress when a cycle is already running.
func (s *Scheduler) RunOnce(ctx context.Context) (pipeline.Summary, error) {
	logrus.Info("Running poll cycle once")
	return s.poll(ctx)
}

// GetNextRun returns the time of the next scheduled run
func (s *Scheduler) GetNextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return time.Time{}
	}
	return s.cron.Entry(s.pollEntry).Next
}

// GetLastRun returns the time the last poll cycle finished
func (s *Scheduler) GetLastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

// Status returns a snapshot for the admin API.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Running:     s.isRunning,
		Interval:    s.config.IntervalMinutes,
		LastRun:     s.lastRun,
		LastSummary: s.lastSummary,
		LastError:   s.lastError,
	}
	if s.isRunning {
		st.NextRun = s.cron.Entry(s.pollEntry).Next
		if s.reportEntry != 0 {
			st.NextReport = s.cron.Entry(s.reportEntry).Next
		}
	}
	return st
}

// Wait waits for running jobs to finish
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
