package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"invoice-collector-go/internal/model"
)

// Metrics holds all Prometheus metrics. Each instance owns its registry so
// tests can build as many as they need.
type Metrics struct {
	Registry *prometheus.Registry

	Cycles             *prometheus.CounterVec
	CycleDuration      prometheus.Histogram
	Attachments        *prometheus.CounterVec
	Replays            prometheus.Counter
	ClassifierDuration prometheus.Histogram
	ClassifierErrors   prometheus.Counter
	Uploads            *prometheus.CounterVec
	Watermark          prometheus.Gauge
	Reports            *prometheus.CounterVec
}

// NewMetrics creates new Prometheus metrics
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_collector_cycles_total",
			Help: "Pipeline runs by kind and result",
		}, []string{"kind", "result"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoice_collector_cycle_duration_seconds",
			Help:    "Time spent in a pipeline run",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		Attachments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_collector_attachments_total",
			Help: "Attachment outcomes recorded by the pipeline",
		}, []string{"status"}),
		Replays: factory.NewCounter(prometheus.CounterOpts{
			Name: "invoice_collector_replays_total",
			Help: "Attachments seen again after reaching a final state",
		}),
		ClassifierDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoice_collector_classifier_duration_seconds",
			Help:    "Latency of classifier calls",
			Buckets: prometheus.DefBuckets,
		}),
		ClassifierErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "invoice_collector_classifier_errors_total",
			Help: "Classifier calls that returned an error",
		}),
		Uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_collector_uploads_total",
			Help: "Uploader calls by result",
		}, []string{"result"}),
		Watermark: factory.NewGauge(prometheus.GaugeOpts{
			Name: "invoice_collector_watermark_timestamp_seconds",
			Help: "Unix time of the persisted polling watermark",
		}),
		Reports: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_collector_reports_total",
			Help: "Monthly reports generated by result",
		}, []string{"result"}),
	}
}

// The methods below satisfy the pipeline and report observer interfaces.

func (m *Metrics) AttachmentRecorded(status model.Status, replayed bool) {
	if replayed {
		m.Replays.Inc()
		return
	}
	m.Attachments.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) ClassifierCalled(d time.Duration, err error) {
	m.ClassifierDuration.Observe(d.Seconds())
	if err != nil {
		m.ClassifierErrors.Inc()
	}
}

func (m *Metrics) UploadCalled(err error) {
	m.Uploads.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) RunFinished(kind string, d time.Duration, err error) {
	m.Cycles.WithLabelValues(kind, result(err)).Inc()
	m.CycleDuration.Observe(d.Seconds())
}

func (m *Metrics) WatermarkAdvanced(t time.Time) {
	m.Watermark.Set(float64(t.Unix()))
}

func (m *Metrics) ReportGenerated(err error) {
	m.Reports.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
