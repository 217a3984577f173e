// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebhooksTotal counts inbound gateway events by gateway and outcome.
	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_webhooks_total",
		Help: "Inbound gateway webhooks by outcome",
	}, []string{"gateway", "outcome"})

	// WebhookLatency tracks webhook handling time by gateway.
	WebhookLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_webhook_latency_seconds",
		Help:    "Webhook handling latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"gateway"})

	// LedgerOpsTotal counts balance mutations by operation and result.
	LedgerOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_ledger_ops_total",
		Help: "Balance ledger operations",
	}, []string{"op", "result"})

	// DegradedTotal counts paired mutations left half-applied, by site.
	DegradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_degraded_total",
		Help: "Operations that left a record needing manual reconciliation",
	}, []string{"site"})

	// TickDuration tracks the wall time of each tick stage.
	TickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_tick_stage_duration_seconds",
		Help:    "Tick stage duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// TickStageErrors counts stage failures isolated by the orchestrator.
	TickStageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_tick_stage_errors_total",
		Help: "Tick stages that returned an error",
	}, []string{"stage"})

	// TicksSkipped counts ticks that found another holder of the tick lock.
	TicksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_ticks_skipped_total",
		Help: "Ticks skipped because another tick held the lock",
	})

	// Liquidations counts positions force-closed.
	Liquidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_liquidations_total",
		Help: "Copy positions liquidated",
	})

	// TickItems counts items handled per tick stage.
	TickItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_tick_items_total",
		Help: "Items handled by tick stages",
	}, []string{"stage"})

	// ActivePositions tracks the active copy positions seen by the last tick.
	ActivePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_active_positions",
		Help: "Active copy positions at the last tick",
	})

	// ClaimsTotal counts waitlist claim transitions by result.
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_claims_total",
		Help: "Waitlist claim transitions",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Claim tokens live in the path, so label by route pattern.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
