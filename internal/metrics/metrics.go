// Package metrics provides Prometheus instrumentation for the liquidation
// engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atmx/cdp-engine/internal/events"
	"github.com/atmx/cdp-engine/internal/fixedpoint"
)

var (
	// PositionsLiquidated counts liquidated positions, partitioned by mode.
	PositionsLiquidated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_positions_liquidated_total",
		Help: "Total number of positions liquidated",
	}, []string{"mode"})

	// LiquidationBatches counts committed liquidation calls.
	LiquidationBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_liquidation_batches_total",
		Help: "Total number of committed liquidation calls",
	})

	// LiquidationRejections counts calls that liquidated nothing or failed,
	// partitioned by reason.
	LiquidationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_liquidation_rejections_total",
		Help: "Liquidation calls rejected",
	}, []string{"reason"})

	// LiquidationLatency tracks liquidation call latency by entry point.
	LiquidationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_liquidation_latency_seconds",
		Help:    "Liquidation call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// LiquidatedDebt is the cumulative debt of liquidated positions.
	LiquidatedDebt = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_liquidated_debt_total",
		Help: "Cumulative liquidated debt in whole tokens",
	})

	// LiquidatedColl is the cumulative collateral sent to the pool or
	// redistributed.
	LiquidatedColl = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_liquidated_coll_total",
		Help: "Cumulative liquidated collateral in whole tokens",
	})

	// GasCompensationColl is the cumulative collateral paid to liquidators.
	GasCompensationColl = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_gas_compensation_coll_total",
		Help: "Cumulative collateral gas compensation",
	})

	// OracleStatus is 1 for the arbiter's current status and 0 otherwise.
	OracleStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atmx_oracle_status",
		Help: "Current price oracle status",
	}, []string{"status"})

	// LastGoodPrice is the most recently adopted price.
	LastGoodPrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_oracle_last_good_price",
		Help: "Last good price adopted by the oracle",
	})

	// BoostQueries counts boost calculations by variant.
	BoostQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_boost_queries_total",
		Help: "Boost calculations by variant",
	}, []string{"variant"})

	// BoostMultiplier is the maximum boost multiplier in effect.
	BoostMultiplier = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_boost_max_multiplier",
		Help: "Maximum boost multiplier applied",
	})

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

// oracleStatuses are the label values of OracleStatus.
var oracleStatuses = []string{
	"PrimaryTrusted",
	"SecondaryTrusted_PrimaryDistrusted",
	"BothDistrusted",
	"SecondaryTrusted_PrimaryFrozen",
	"PrimaryTrusted_SecondaryDistrusted",
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Sink returns an events.Sink that keeps the domain metrics current.
func Sink() events.Sink {
	return events.SinkFunc(Observe)
}

// Observe updates the metrics for one event.
func Observe(e events.Event) {
	switch e.Kind {
	case events.KindPositionLiquidated:
		PositionsLiquidated.WithLabelValues(e.Mode).Inc()
	case events.KindLiquidation:
		LiquidationBatches.Inc()
		LiquidatedDebt.Add(toFloat(e.Debt))
		LiquidatedColl.Add(toFloat(e.Coll))
		GasCompensationColl.Add(toFloat(e.CollGasCompensation))
	case events.KindOracleStatusChanged:
		for _, s := range oracleStatuses {
			v := 0.0
			if s == e.Status {
				v = 1
			}
			OracleStatus.WithLabelValues(s).Set(v)
		}
	case events.KindLastGoodPriceUpdated:
		LastGoodPrice.Set(toFloat(e.Price))
	case events.KindBoostParametersApplied:
		BoostMultiplier.Set(float64(e.MaxBoostMultiplier))
	}
}

// toFloat converts an 18-decimal amount for export. Metrics are the only
// place float64 is used.
func toFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	return fixedpoint.ToDecimal(v).InexactFloat64()
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
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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
