// Package tradestate defines the Trade Engine's durable data model and
// provides crash-safe persistence of it as a single JSON snapshot.
package tradestate

import "time"

// Side is the resolved order side derived from a Signal.
type Side string

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
)

// Status is a Trade's lifecycle stage.
type Status string

const (
	StatusPending Status = "pending"
	StatusOpen    Status = "open"
	StatusExpired Status = "expired"
	StatusClosed  Status = "closed"
)

// DryRunSentinelOrderID is used in place of a real exchange order id
// when the engine runs in dry-run mode.
const DryRunSentinelOrderID = "dry-run"

// Signal is an accepted, immutable trade instruction handed to the
// engine by the signal intake adapter.
type Signal struct {
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Trigger     float64   `json:"trigger"`
	TPPrices    []float64 `json:"tp_prices,omitempty"`
	SLPrice     *float64  `json:"sl_price,omitempty"`
	DCAPrices   []float64 `json:"dca_prices,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Trade is the mutable record tracking one signal's lifecycle, keyed
// by TradeID in GlobalState.OpenTrades.
type Trade struct {
	TradeID   string  `json:"trade_id"`
	Symbol    string  `json:"symbol"`
	OrderSide Side    `json:"order_side"`
	Trigger   float64 `json:"trigger"`

	EntryPrice float64 `json:"entry_price,omitempty"`
	BaseQty    float64 `json:"base_qty"`

	SLPrice  float64   `json:"sl_price,omitempty"`
	TPPrices []float64 `json:"tp_prices,omitempty"`
	TPSplits []float64 `json:"tp_splits,omitempty"`

	DCAPrices []float64 `json:"dca_prices,omitempty"`

	EntryOrderID string            `json:"entry_order_id,omitempty"`
	TPOrderIDs   map[int]string    `json:"tp_order_ids,omitempty"` // rank -> order id
	TP1OrderID   string            `json:"tp1_order_id,omitempty"`
	DCAOrderIDs  map[int]string    `json:"dca_order_ids,omitempty"` // index -> order id

	Status Status `json:"status"`

	PostOrdersPlaced bool `json:"post_orders_placed"`
	SLMovedToBE      bool `json:"sl_moved_to_be"`
	TrailingStarted  bool `json:"trailing_started"`

	PlacedTs time.Time  `json:"placed_ts"`
	FilledTs *time.Time `json:"filled_ts,omitempty"`
	ClosedTs *time.Time `json:"closed_ts,omitempty"`
}

// InstrumentRules carries the per-symbol quantization rules the
// instrument cache serves to the engine.
type InstrumentRules struct {
	TickSize float64 `json:"tick_size"`
	QtyStep  float64 `json:"qty_step"`
	MinQty   float64 `json:"min_qty"`
}

// GlobalState is the complete durable state of the engine.
type GlobalState struct {
	LastSignalID     string           `json:"last_signal_id"`
	OpenTrades       map[string]*Trade `json:"open_trades"`
	DailyCounts      map[string]int   `json:"daily_counts"`
	SeenFingerprints []string         `json:"seen_fingerprints"`
}

// NewGlobalState returns an empty, ready-to-use GlobalState.
func NewGlobalState() *GlobalState {
	return &GlobalState{
		OpenTrades:       make(map[string]*Trade),
		DailyCounts:      make(map[string]int),
		SeenFingerprints: nil,
	}
}

// UTCDayKey returns the UTC calendar-day key used to index DailyCounts.
func UTCDayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
