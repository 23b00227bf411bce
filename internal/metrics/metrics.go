// Package metrics provides Prometheus instrumentation for the launchpad engine.
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
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts settled trades, partitioned by direction.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_trades_total",
		Help: "Total number of settled curve trades",
	}, []string{"direction"})

	// SettlementLatency tracks settlement time including retries.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "launchpad_settlement_latency_seconds",
		Help:    "Settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})

	// SettlementRejections counts settlements rejected, by reason.
	SettlementRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_settlement_rejections_total",
		Help: "Settlements rejected by reason",
	}, []string{"reason"})

	// StorageConflicts counts optimistic-concurrency conflicts seen by the ledger.
	StorageConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "launchpad_storage_conflicts_total",
		Help: "Token version conflicts during settlement",
	})

	// Listings counts tokens that crossed their funding target.
	Listings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "launchpad_listings_total",
		Help: "Tokens listed after reaching the funding target",
	})

	// QuotesIssued counts quotes handed out, by direction.
	QuotesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_quotes_issued_total",
		Help: "Quotes issued",
	}, []string{"direction"})

	// TokenVolume tracks cumulative gross payment volume per token.
	TokenVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_token_volume_total",
		Help: "Cumulative gross payment volume",
	}, []string{"token_id", "direction"})

	// ReconcilerCycles counts payment reconciliation cycles by outcome.
	ReconcilerCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_reconciler_cycles_total",
		Help: "Payment reconciler poll cycles",
	}, []string{"outcome"})

	// PaymentsConfirmed counts PENDING -> CONFIRMED transitions by kind.
	PaymentsConfirmed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_payments_confirmed_total",
		Help: "Pending payments confirmed",
	}, []string{"kind"})

	// PaymentsExpired counts PENDING -> EXPIRED transitions.
	PaymentsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "launchpad_payments_expired_total",
		Help: "Pending payments expired",
	})

	// EscrowedFunds reports per-token escrow from the last accounting snapshot.
	EscrowedFunds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "launchpad_escrowed_funds",
		Help: "Payment currency escrowed by each unlisted token's curve",
	}, []string{"token_id"})

	// RealizedProfit reports platform profit from the last accounting snapshot.
	RealizedProfit = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "launchpad_realized_profit",
		Help: "Fee revenue plus listing profit",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "launchpad_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "launchpad_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
