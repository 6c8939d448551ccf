package observability

import (
	"net/http"
	"strconv"
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

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"platform", "workflow"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs reaching a terminal state",
		},
		[]string{"platform", "status"},
	)
	JobsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Number of jobs currently running",
		},
		[]string{"platform"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Pending jobs per platform queue",
		},
		[]string{"platform"},
	)

	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scans_total",
			Help: "Total product scans by platform and outcome",
		},
		[]string{"platform", "status"},
	)
	ScanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scan_duration_seconds",
			Help:    "Product scan duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"platform", "strategy"},
	)

	NodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_node_duration_seconds",
			Help:    "Workflow node execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"node_type"},
	)
	NodeRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_node_retries_total",
			Help: "Total node retry attempts",
		},
		[]string{"node_type"},
	)

	BrowserPoolInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browser_pool_in_use",
			Help: "Browser instances currently borrowed from the pool",
		},
	)
	BrowserRelaunchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browser_relaunches_total",
			Help: "Browser instances relaunched after a failed health check",
		},
	)
)

// InitMetrics registers all collectors. Call once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ScansTotal)
	prometheus.MustRegister(ScanDuration)
	prometheus.MustRegister(NodeDuration)
	prometheus.MustRegister(NodeRetriesTotal)
	prometheus.MustRegister(BrowserPoolInUse)
	prometheus.MustRegister(BrowserRelaunchesTotal)
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
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
