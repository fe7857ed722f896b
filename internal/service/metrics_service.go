package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP surface
// and the import/recompute pipelines.
type MetricsService struct {
	registry          *prometheus.Registry
	handler           http.Handler
	requestDuration   *prometheus.HistogramVec
	requestTotal      *prometheus.CounterVec
	importFacts       *prometheus.CounterVec
	mergeDuration     *prometheus.HistogramVec
	recomputeDuration prometheus.Observer
	queuedJobs        prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	importFacts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "import_facts_total",
		Help: "Ledger facts merged per sheet type",
	}, []string{"sheet"})

	mergeDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_merge_duration_seconds",
		Help:    "Duration of bulk ledger merges",
		Buckets: prometheus.DefBuckets,
	}, []string{"sheet"})

	recomputeDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "progress_recompute_duration_seconds",
		Help:    "Duration of progress recompute jobs",
		Buckets: prometheus.DefBuckets,
	})

	queuedJobs := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recompute_jobs_queued_total",
		Help: "Total queued progress recompute jobs",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, importFacts, mergeDuration, recomputeDuration, queuedJobs, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:          registry,
		handler:           handler,
		requestDuration:   requestDuration,
		requestTotal:      requestTotal,
		importFacts:       importFacts,
		mergeDuration:     mergeDuration,
		recomputeDuration: recomputeDuration,
		queuedJobs:        queuedJobs,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// ObserveImport records the size and duration of one ledger merge.
func (m *MetricsService) ObserveImport(sheet string, facts int, duration time.Duration) {
	if m == nil {
		return
	}
	m.importFacts.WithLabelValues(sheet).Add(float64(facts))
	m.mergeDuration.WithLabelValues(sheet).Observe(duration.Seconds())
}

// ObserveRecompute records the duration of one recompute job.
func (m *MetricsService) ObserveRecompute(duration time.Duration) {
	if m == nil {
		return
	}
	m.recomputeDuration.Observe(duration.Seconds())
}

// RecordQueuedJob counts one queued recompute job.
func (m *MetricsService) RecordQueuedJob() {
	if m == nil {
		return
	}
	m.queuedJobs.Inc()
}
