package internal

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// JobMetrics observes the generation pipeline. The worker and engine report
// through this interface so tests and metric-less deployments can run
// without a registry.
type JobMetrics interface {
	JobEnqueued(kind Kind)
	JobRetried(kind Kind)
	JobCompleted(kind Kind, status string, dur time.Duration)
	LockWait(key string, dur time.Duration)
	QueueDepth(n int64)
}

// ReadMetrics observes the lookup path.
type ReadMetrics interface {
	CacheHit(kind Kind)
	CacheMiss(kind Kind)
}

type noJobMetrics struct{}

var _ JobMetrics = noJobMetrics{}

func (noJobMetrics) JobEnqueued(Kind)                         {}
func (noJobMetrics) JobRetried(Kind)                          {}
func (noJobMetrics) JobCompleted(Kind, string, time.Duration) {}
func (noJobMetrics) LockWait(string, time.Duration)           {}
func (noJobMetrics) QueueDepth(int64)                         {}

type noReadMetrics struct{}

var _ ReadMetrics = noReadMetrics{}

func (noReadMetrics) CacheHit(Kind)  {}
func (noReadMetrics) CacheMiss(Kind) {}

// PrometheusMetrics implements JobMetrics and ReadMetrics on a Prometheus
// registry.
type PrometheusMetrics struct {
	enqueued  *prometheus.CounterVec
	retried   *prometheus.CounterVec
	completed *prometheus.HistogramVec
	lockWait  prometheus.Histogram
	depth     prometheus.Gauge
	cache     *prometheus.CounterVec
	requests  *prometheus.HistogramVec
}

var (
	_ JobMetrics  = (*PrometheusMetrics)(nil)
	_ ReadMetrics = (*PrometheusMetrics)(nil)
)

// NewPrometheusMetrics registers the orchestrator's collectors.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "generation_jobs_enqueued_total",
			Help: "Generation jobs accepted onto the queue.",
		}, []string{"kind"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "generation_jobs_retried_total",
			Help: "Generation job attempts re-driven by the retry envelope.",
		}, []string{"kind"}),
		completed: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "generation_job_duration_seconds",
			Help:    "Generation job run time by terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"kind", "status"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "generation_lock_wait_seconds",
			Help:    "Time spent waiting on creation and promotion locks.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "generation_queue_depth",
			Help: "Jobs currently waiting on the generation queue.",
		}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lookup_cache_requests_total",
			Help: "Read-path cache lookups by outcome.",
		}, []string{"kind", "outcome"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}
	reg.MustRegister(m.enqueued, m.retried, m.completed, m.lockWait, m.depth, m.cache, m.requests)
	return m
}

// Middleware instruments HTTP requests.
func (m *PrometheusMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		m.requests.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Observe(time.Since(start).Seconds())
	})
}

func (m *PrometheusMetrics) JobEnqueued(kind Kind) {
	m.enqueued.WithLabelValues(string(kind)).Inc()
}

func (m *PrometheusMetrics) JobRetried(kind Kind) {
	m.retried.WithLabelValues(string(kind)).Inc()
}

func (m *PrometheusMetrics) JobCompleted(kind Kind, status string, dur time.Duration) {
	m.completed.WithLabelValues(string(kind), status).Observe(dur.Seconds())
}

func (m *PrometheusMetrics) LockWait(_ string, dur time.Duration) {
	m.lockWait.Observe(dur.Seconds())
}

func (m *PrometheusMetrics) QueueDepth(n int64) {
	m.depth.Set(float64(n))
}

func (m *PrometheusMetrics) CacheHit(kind Kind) {
	m.cache.WithLabelValues(string(kind), "hit").Inc()
}

func (m *PrometheusMetrics) CacheMiss(kind Kind) {
	m.cache.WithLabelValues(string(kind), "miss").Inc()
}
