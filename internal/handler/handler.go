package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"invoice-collector-go/internal/errs"
	metricsPkg "invoice-collector-go/internal/metrics"
	"invoice-collector-go/internal/model"
	"invoice-collector-go/internal/pipeline"
	"invoice-collector-go/internal/report"
	"invoice-collector-go/internal/repository"
	"invoice-collector-go/internal/scheduler"
)

// RecordStore lists attachment records for the admin API.
type RecordStore interface {
	List(filter repository.ListFilter) ([]model.AttachmentRecord, int64, error)
	CountByStatus() (map[model.Status]int64, error)
}

// Backfiller runs historical windows. *pipeline.Runner implements it.
type Backfiller interface {
	Backfill(ctx context.Context, req pipeline.BackfillRequest) (pipeline.Summary, error)
}

// Reports generates and reads monthly reports. *report.Reporter implements it.
type Reports interface {
	Generate(ctx context.Context, year, month int) (*model.MonthlyReport, error)
	Get(year, month int) (*model.MonthlyReport, error)
}

// Scheduler controls periodic polling. *scheduler.Scheduler implements it.
type Scheduler interface {
	Start() error
	Stop() error
	IsRunning() bool
	RunOnce(ctx context.Context) (pipeline.Summary, error)
	Status() scheduler.Status
}

// Handlers contains all HTTP handlers
type Handlers struct {
	db        *gorm.DB
	records   RecordStore
	runner    Backfiller
	reports   Reports
	scheduler Scheduler
	metrics   *metricsPkg.Metrics
}

// NewHandlers creates new HTTP handlers
func NewHandlers(db *gorm.DB, records RecordStore, runner Backfiller, reports Reports, sched Scheduler, metrics *metricsPkg.Metrics) *Handlers {
	return &Handlers{
		db:        db,
		records:   records,
		runner:    runner,
		reports:   reports,
		scheduler: sched,
		metrics:   metrics,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.metrics.Registry, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")
	{
		api.GET("/attachments", h.ListAttachments)

		api.POST("/backfill", h.Backfill)

		api.POST("/reports/:year/:month", h.GenerateReport)
		api.GET("/reports/:year/:month", h.GetReport)

		api.POST("/scheduler/start", h.StartScheduler)
		api.POST("/scheduler/stop", h.StopScheduler)
		api.POST("/scheduler/run-once", h.RunOnce)
		api.GET("/scheduler/status", h.GetSchedulerStatus)
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Database:  "ok",
		Scheduler: "stopped",
		Details:   make(map[string]string),
	}

	if err := h.ping(c.Request.Context()); err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	} else if counts, err := h.records.CountByStatus(); err == nil {
		response.Records = make(map[string]int64, len(counts))
		for status, n := range counts {
			response.Records[string(status)] = n
		}
	}

	if h.scheduler.IsRunning() {
		st := h.scheduler.Status()
		response.Scheduler = "running"
		response.Details["next_run"] = st.NextRun.Format(time.RFC3339)
		if !st.LastRun.IsZero() {
			response.Details["last_run"] = st.LastRun.Format(time.RFC3339)
		}
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

func (h *Handlers) ping(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// abortWithError maps pipeline errors onto HTTP status codes.
func abortWithError(c *gin.Context, code string, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrRunInProgress):
		status = http.StatusConflict
		code = "run_in_progress"
	case errors.Is(err, pipeline.ErrInvalidRange), errors.Is(err, report.ErrInvalidPeriod):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errs.IsTransient(err):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		logrus.WithError(err).WithField("path", c.FullPath()).Error(message)
	}
	c.JSON(status, ErrorResponse{
		Error:   code,
		Message: message + ": " + err.Error(),
		Code:    status,
	})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "invalid_request",
		Message: message,
		Code:    http.StatusBadRequest,
	})
}
