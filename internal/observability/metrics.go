package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forest",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forest",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	TasksDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forest",
			Name:      "tasks_dispatched_total",
			Help:      "Task dispatches published to the execution backend.",
		},
		[]string{"kind"}, // admit | requeue
	)

	TasksClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forest",
			Name:      "tasks_claimed_total",
			Help:      "Tasks claimed into running by workers.",
		},
		[]string{"tree"},
	)

	TasksDeferredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "forest",
			Name:      "tasks_deferred_total",
			Help:      "Execution attempts deferred because a sibling task was running.",
		},
	)

	TasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forest",
			Name:      "tasks_finished_total",
			Help:      "Tasks finished, by terminal status.",
		},
		[]string{"tree", "status"},
	)

	PipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forest",
			Name:      "pipeline_duration_seconds",
			Help:      "Full pipeline duration from claim to terminal save.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"tree"},
	)

	DownloadBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forest",
			Name:      "download_bytes",
			Help:      "Input bytes materialized per task.",
			Buckets:   prometheus.ExponentialBuckets(1024, 8, 8),
		},
		[]string{"tree"},
	)

	StaleTasksReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "forest",
			Name:      "stale_tasks_reaped_total",
			Help:      "Running tasks requeued by the stale-task reaper.",
		},
	)
)

func RegisterMetrics() {
	// MustRegister is safe to call once; if tests call multiple times, use Register and ignore errors.
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TasksDispatchedTotal,
		TasksClaimedTotal,
		TasksDeferredTotal,
		TasksFinishedTotal,
		PipelineDuration,
		DownloadBytes,
		StaleTasksReapedTotal,
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware records basic HTTP request metrics.
func HTTPMetricsMiddleware(routeName func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: 200}
			next.ServeHTTP(rec, r)

			route := routeName(r)
			method := r.Method
			status := strconv.Itoa(rec.status)

			HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
			HTTPRequestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
		})
	}
}
