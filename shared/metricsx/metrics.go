package metricsx

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	commandResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "command_results_total",
			Help: "Idempotent command executions by operation and result code.",
		},
		[]string{"operation", "result"},
	)
	commandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "command_duration_seconds",
			Help:    "Idempotent command latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	idempotencyReplays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_replays_total",
			Help: "Commands answered from the idempotency cache.",
		},
		[]string{"operation"},
	)
	sequenceRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_sequence_allocation_retries_total",
			Help: "Outbox sequence allocations retried after a lost race.",
		},
	)
	outboxDispatch = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_dispatch_total",
			Help: "Outbox publish attempts by result.",
		},
		[]string{"result"},
	)
	outboxRunLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_run_duration_seconds",
			Help:    "Outbox dispatcher run latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	approvalSweep = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approval_sweep_items_total",
			Help: "Expired approval trackers handled by result.",
		},
		[]string{"result"},
	)
	idempotencyPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_records_purged_total",
			Help: "Expired idempotency records deleted.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpLatency,
			commandResults, commandLatency, idempotencyReplays,
			sequenceRetries, outboxDispatch, outboxRunLatency,
			approvalSweep, idempotencyPurged, asynqQueueDepth,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func ObserveCommand(operation string, result string, d time.Duration) {
	commandResults.WithLabelValues(operation, result).Inc()
	commandLatency.WithLabelValues(operation).Observe(d.Seconds())
}

func IncIdempotencyReplay(operation string) {
	idempotencyReplays.WithLabelValues(operation).Inc()
}

func IncSequenceRetry() {
	sequenceRetries.Inc()
}

func IncOutboxDispatch(result string) {
	outboxDispatch.WithLabelValues(result).Inc()
}

func ObserveOutboxRun(d time.Duration) {
	outboxRunLatency.Observe(d.Seconds())
}

func IncApprovalSweep(result string) {
	approvalSweep.WithLabelValues(result).Inc()
}

func AddIdempotencyPurged(n int) {
	idempotencyPurged.Add(float64(n))
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
