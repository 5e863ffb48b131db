package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"invoice-collector-go/internal/classifier"
	"invoice-collector-go/internal/config"
	"invoice-collector-go/internal/db"
	"invoice-collector-go/internal/filter"
	"invoice-collector-go/internal/handler"
	"invoice-collector-go/internal/mailsource"
	"invoice-collector-go/internal/metrics"
	"invoice-collector-go/internal/notify"
	"invoice-collector-go/internal/pipeline"
	"invoice-collector-go/internal/report"
	"invoice-collector-go/internal/repository"
	"invoice-collector-go/internal/router"
	"invoice-collector-go/internal/scheduler"
	"invoice-collector-go/internal/storage"
)

// App holds the wired components of the service
type App struct {
	Config    *config.Config
	DB        *gorm.DB
	Repo      *repository.Repository
	Metrics   *metrics.Metrics
	Source    mailsource.Source
	Runner    *pipeline.Runner
	Reporter  *report.Reporter
	Scheduler *scheduler.Scheduler

	closers []func() error
}

// ConfigureLogging sets the JSON formatter and the configured level.
func ConfigureLogging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.Warnf("Unknown log level %q, using info", level)
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

// Load reads and validates the configuration and configures logging.
func Load(configPath string) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	ConfigureLogging(cfg.Log.Level)
	return cfg, nil
}

// New wires every component from cfg. The caller must Close the app.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Metrics: metrics.NewMetrics()}

	dbConn, err := db.Init(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.DB = dbConn
	a.Repo = repository.New(dbConn)
	a.closers = append(a.closers, func() error {
		sqlDB, err := dbConn.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	source, err := newSource(ctx, cfg.Mail)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Source = source
	a.closers = append(a.closers, source.Close)

	c, err := newClassifier(cfg.Classifier)
	if err != nil {
		a.Close()
		return nil, err
	}

	uploader, err := newUploader(cfg.Storage)
	if err != nil {
		a.Close()
		return nil, err
	}

	notifier := notify.Multi{notify.LogNotifier{}}
	if cfg.Notify.AMQPURL != "" {
		amqpNotifier := notify.NewAMQPNotifier(cfg.Notify)
		notifier = append(notifier, amqpNotifier)
		a.closers = append(a.closers, amqpNotifier.Close)
		logrus.WithField("exchange", cfg.Notify.Exchange).Info("Publishing pipeline events to AMQP")
	}

	processor, err := pipeline.NewProcessor(a.Repo, c, uploader, cfg.Storage.Folder, cfg.Pipeline.MaxAttempts,
		pipeline.WithObserver(a.Metrics))
	if err != nil {
		a.Close()
		return nil, err
	}

	runner, err := pipeline.NewRunner(source, filter.New(cfg.Filter), processor, a.Repo, notifier,
		cfg.Mail.Mailbox(), cfg.Pipeline, pipeline.WithRunnerObserver(a.Metrics))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Runner = runner

	reporter, err := report.NewReporter(a.Repo, uploader, cfg.Storage.Folder, notifier, runner.Lock(),
		report.WithObserver(a.Metrics))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Reporter = reporter

	a.Scheduler = scheduler.NewScheduler(cfg.Scheduler, cfg.Report, runner, reporter)
	return a, nil
}

func newSource(ctx context.Context, cfg config.MailConfig) (mailsource.Source, error) {
	if cfg.Provider == "gmail" {
		source, err := mailsource.NewGmailSource(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create Gmail source: %w", err)
		}
		logrus.Info("Using Gmail API for message listing")
		return source, nil
	}
	logrus.Info("Using IMAP for message listing")
	return mailsource.NewIMAPSource(cfg), nil
}

func newClassifier(cfg config.ClassifierConfig) (classifier.Classifier, error) {
	if cfg.Provider == "stub" {
		logrus.Warn("Using the stub classifier, every supported attachment is treated as an invoice")
		return classifier.NewStub(classifier.Invoice), nil
	}
	return classifier.NewAnthropicClassifier(cfg)
}

func newUploader(cfg config.StorageConfig) (storage.Uploader, error) {
	if cfg.Backend == "s3" {
		u, err := storage.NewS3Uploader(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 uploader: %w", err)
		}
		logrus.WithField("bucket", cfg.S3Bucket).Info("Uploading invoices to S3")
		return u, nil
	}
	u, err := storage.NewLocalUploader(cfg.LocalDir, cfg.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create local uploader: %w", err)
	}
	logrus.WithField("dir", cfg.LocalDir).Info("Uploading invoices to the local drive directory")
	return u, nil
}

// Close releases every resource in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logrus.Errorf("Failed to close resource: %v", err)
		}
	}
	a.closers = nil
}

// Serve starts the scheduler and the admin HTTP server and blocks until
// SIGINT or SIGTERM.
func (a *App) Serve() error {
	h := handler.NewHandlers(a.DB, a.Repo, a.Runner, a.Reporter, a.Scheduler, a.Metrics)
	srv := &http.Server{
		Addr:         ":" + a.Config.Server.Port,
		Handler:      router.SetupRouter(h),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}

	if err := a.Scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("Starting HTTP server on port %s", a.Config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case <-quit:
		logrus.Info("Shutting down server...")
	case serveErr = <-errCh:
		logrus.Errorf("HTTP server error: %v", serveErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.Scheduler.Stop(); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
	}
	a.Scheduler.Wait()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	logrus.Info("Server stopped gracefully")
	return serveErr
}

// Run initializes the application and serves until interrupted
func Run(configPath string) error {
	cfg, err := Load(configPath)
	if err != nil {
		return err
	}

	logrus.Info("Starting Invoice Collector Service")

	a, err := New(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Serve()
}
