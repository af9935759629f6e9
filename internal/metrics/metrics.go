// Package metrics defines the Prometheus metrics the trade engine
// exposes for monitoring admission decisions, order execution, and
// connection health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the trade engine updates.
type Metrics struct {
	// Admission and trade lifecycle
	SignalsAdmitted       prometheus.Counter   // Total signals that passed every admission gate
	AdmissionRejections   *prometheus.CounterVec // Rejected signals, labeled by reason
	ActiveTrades          prometheus.Gauge     // Trades currently pending or open
	TradesExpired         prometheus.Counter   // Pending trades cancelled by entry expiry
	TradesClosed          prometheus.Counter   // Trades reaped once their position flattened

	// Order execution
	OrdersPlaced           prometheus.Counter   // Total orders submitted to the exchange
	OrderFailures          prometheus.Counter   // Order submissions the exchange rejected
	OrderExecutionDuration prometheus.Histogram // Wall-clock time of a PlaceOrder call
	TPFills                prometheus.Counter   // Take-profit fills observed
	DCAFillsSeen           prometheus.Counter   // DCA add fills observed
	SLMovedToBreakeven     prometheus.Counter   // Stop-loss promotions to breakeven
	TrailingStopsActivated prometheus.Counter   // Trailing-stop activations

	// WebSocket and retry health
	WSReconnects prometheus.Counter // Total private WebSocket reconnections
	ExchangeRetries prometheus.Counter // Transient exchange call retries

	// System
	ErrorsTotal prometheus.Counter // Total non-transient errors encountered
}

// New creates and registers every metric against the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics against a caller-supplied registry,
// so tests can register in isolation from the process-global registry.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		SignalsAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "signals_admitted_total",
			Help: "Total signals that passed every admission gate",
		}),
		AdmissionRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_rejections_total",
			Help: "Signals rejected at admission, labeled by reason",
		}, []string{"reason"}),
		ActiveTrades: factory.NewGauge(prometheus.GaugeOpts{
			Name: "active_trades",
			Help: "Trades currently pending or open",
		}),
		TradesExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "trades_expired_total",
			Help: "Pending trades cancelled because their entry order expired",
		}),
		TradesClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "trades_closed_total",
			Help: "Trades reaped once their exchange position flattened",
		}),
		OrdersPlaced: factory.NewCounter(prometheus.CounterOpts{
			Name: "orders_placed_total",
			Help: "Total orders submitted to the exchange",
		}),
		OrderFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "order_failures_total",
			Help: "Order submissions the exchange rejected",
		}),
		OrderExecutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "order_execution_duration_seconds",
			Help:    "Duration of PlaceOrder calls",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		TPFills: factory.NewCounter(prometheus.CounterOpts{
			Name: "tp_fills_total",
			Help: "Take-profit fills observed on the execution stream",
		}),
		DCAFillsSeen: factory.NewCounter(prometheus.CounterOpts{
			Name: "dca_fills_total",
			Help: "DCA add fills observed on the execution stream",
		}),
		SLMovedToBreakeven: factory.NewCounter(prometheus.CounterOpts{
			Name: "sl_breakeven_total",
			Help: "Stop-loss promotions to breakeven after TP1",
		}),
		TrailingStopsActivated: factory.NewCounter(prometheus.CounterOpts{
			Name: "trailing_stop_activations_total",
			Help: "Trailing-stop activations at the configured anchor TP",
		}),
		WSReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_reconnects_total",
			Help: "Total private WebSocket reconnections",
		}),
		ExchangeRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "exchange_retries_total",
			Help: "Transient exchange call retries",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total non-transient errors encountered",
		}),
	}
}

// SetActiveTrades updates the active-trades gauge from a live count,
// e.g. tradestate.Store.OpenTradeCount.
func (m *Metrics) SetActiveTrades(n int) {
	m.ActiveTrades.Set(float64(n))
}
