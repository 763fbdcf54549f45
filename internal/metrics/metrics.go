// Package metrics provides Prometheus instrumentation for the trading game.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts executed trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swift_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeRejections counts trades rejected before any ledger write.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swift_trade_rejections_total",
		Help: "Trades rejected by validation (insufficient funds, oversell, missing price)",
	}, []string{"reason"})

	// OrdersExecuted counts deferred orders successfully executed, by type.
	OrdersExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swift_orders_executed_total",
		Help: "Deferred orders executed",
	}, []string{"type"})

	// PriceTicksIngested counts appended price ticks.
	PriceTicksIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swift_price_ticks_ingested_total",
		Help: "Price ticks appended to the price store",
	})

	// SnapshotLatency tracks valuation snapshot/series computation time.
	SnapshotLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swift_snapshot_latency_seconds",
		Help:    "Portfolio valuation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swift_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swift_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swift_http_request_duration_seconds",
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

		// Use the raw path for the label; route patterns here are flat
		// enough that cardinality stays bounded.
		path := r.URL.Path
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
