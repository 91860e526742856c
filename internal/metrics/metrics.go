package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CacheResults counts served responses by strategy and outcome
	// (hit, miss, stale, network, fallback, offline).
	CacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "findpharma_edge_cache_results_total",
			Help: "Responses served by the cache strategy engine.",
		},
		[]string{"strategy", "result"},
	)

	NetworkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "findpharma_edge_network_failures_total",
			Help: "Origin round-trips that failed, by resource kind.",
		},
		[]string{"kind"},
	)

	CacheWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "findpharma_edge_cache_write_failures_total",
			Help: "Best-effort cache writes that failed.",
		},
	)

	PartitionsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "findpharma_edge_partitions_dropped_total",
			Help: "Stale cache partitions deleted at activation.",
		},
	)

	SyncItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "findpharma_edge_sync_items_total",
			Help: "Queued reservations processed by background sync, by outcome.",
		},
		[]string{"outcome"},
	)

	NotificationsShown = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "findpharma_edge_notifications_total",
			Help: "Push notifications delivered to connected clients.",
		},
	)

	LatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "findpharma_edge_latency_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method", "status_code"},
	)
)

// Register is called once in main.
func Register() {
	prometheus.MustRegister(
		CacheResults,
		NetworkFailures,
		CacheWriteFailures,
		PartitionsDropped,
		SyncItems,
		NotificationsShown,
		LatencySeconds,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request latency. The route label is the chi route
// pattern so proxied URLs do not explode the label space.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		LatencySeconds.
			WithLabelValues(route, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is needed by the websocket upgrader, which type-asserts the writer.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	r.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
