// Package metrics provides Prometheus instrumentation for the risk engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// LiquidationsTotal counts executed liquidation steps by market and level.
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_liquidations_total",
		Help: "Total number of liquidation steps executed",
	}, []string{"market_id", "level"})

	// LiquidationVolume tracks cumulative liquidated notional per market.
	LiquidationVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_liquidation_volume_total",
		Help: "Cumulative liquidated value",
	}, []string{"market_id"})

	// KeeperRewards tracks cumulative keeper rewards paid per market.
	KeeperRewards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_keeper_rewards_total",
		Help: "Cumulative keeper rewards paid",
	}, []string{"market_id"})

	// InsuranceCollected tracks cumulative insurance fund contributions per market.
	InsuranceCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_insurance_collected_total",
		Help: "Cumulative insurance fund contributions",
	}, []string{"market_id"})

	// DeferredPositions counts positions pushed to the next cycle by the throughput cap.
	DeferredPositions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_liquidations_deferred_total",
		Help: "Positions deferred by the per-cycle throughput cap",
	}, []string{"market_id"})

	// AtRiskPositions is the number of positions ranked in the last cycle.
	AtRiskPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atmx_at_risk_positions",
		Help: "Positions ranked in the latest cycle",
	}, []string{"market_id"})

	// CascadeRateBps is the projected liquidation rate of the latest cascade check.
	CascadeRateBps = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atmx_cascade_rate_bps",
		Help: "Projected cascade liquidation rate in basis points",
	}, []string{"market_id"})

	// BreakerTrips counts circuit breaker trips by scope and reason.
	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_breaker_trips_total",
		Help: "Circuit breaker trips",
	}, []string{"scope", "reason"})

	// BreakerHalted is 1 while a scope is paused.
	BreakerHalted = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atmx_breaker_halted",
		Help: "1 while the scope is paused by the circuit breaker",
	}, []string{"scope"})

	// CycleDuration tracks per-market cycle latency.
	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_cycle_duration_seconds",
		Help:    "Liquidation cycle duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"market_id"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
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
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
