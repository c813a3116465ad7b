package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_queue_depth",
			Help: "Current queue depth per priority level",
		},
		[]string{"priority"},
	)
	RequestsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_requests_enqueued_total",
			Help: "Total number of requests admitted to the queue",
		},
		[]string{"priority"},
	)
	RequestsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_requests_completed_total",
			Help: "Total number of requests completed successfully",
		},
		[]string{"provider"},
	)
	RequestsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_requests_failed_total",
			Help: "Total number of requests that failed processing",
		},
		[]string{"provider", "reason"},
	)
	RequestsRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_requests_retried_total",
			Help: "Total number of stale requests re-admitted for retry",
		},
	)
	RequestsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_requests_dropped_total",
			Help: "Total number of stale requests dropped after retry exhaustion",
		},
	)
	ProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_processing_duration_seconds",
			Help:    "End-to-end worker processing duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)
	WorkersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_workers_running",
			Help: "Current number of workers in the pool",
		},
	)
	WorkerScaleEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_worker_scale_events_total",
			Help: "Total number of pool scaling events",
		},
		[]string{"direction"},
	)
)

// InitMetrics registers all Prometheus collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(RequestsEnqueuedTotal)
	prometheus.MustRegister(RequestsCompletedTotal)
	prometheus.MustRegister(RequestsFailedTotal)
	prometheus.MustRegister(RequestsRetriedTotal)
	prometheus.MustRegister(RequestsDroppedTotal)
	prometheus.MustRegister(ProcessingDuration)
	prometheus.MustRegister(WorkersRunning)
	prometheus.MustRegister(WorkerScaleEventsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// ObserveQueueDepth records per-priority queue depth gauges.
func ObserveQueueDepth(high, normal, low int64) {
	QueueDepth.WithLabelValues("high").Set(float64(high))
	QueueDepth.WithLabelValues("normal").Set(float64(normal))
	QueueDepth.WithLabelValues("low").Set(float64(low))
}

// EnqueueRequest increments the enqueue counter for a priority level.
func EnqueueRequest(priority string) {
	RequestsEnqueuedTotal.WithLabelValues(priority).Inc()
}

// CompleteRequest records a successful processing outcome.
func CompleteRequest(provider string, dur time.Duration) {
	RequestsCompletedTotal.WithLabelValues(provider).Inc()
	ProcessingDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

// FailRequest records a failed processing outcome.
func FailRequest(provider, reason string, dur time.Duration) {
	RequestsFailedTotal.WithLabelValues(provider, reason).Inc()
	ProcessingDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

// SetWorkerCount updates the pool size gauge.
func SetWorkerCount(n int) {
	WorkersRunning.Set(float64(n))
}

// ScaleEvent records one pool scaling action ("up" or "down").
func ScaleEvent(direction string) {
	WorkerScaleEventsTotal.WithLabelValues(direction).Inc()
}
