// Package engine implements the Trade Engine: the reactive core that
// turns an accepted Signal into a live position and carries it through
// admission, post-fill lay-down, reactive reductions on take-profit
// fills, and maintenance sweeps. It is meant to be driven by a single
// caller goroutine (the supervisor) so that every GlobalState mutation
// and every dependent exchange call for one trade happens in emission
// order; Engine itself holds no lock because it assumes that
// discipline rather than enforcing it.
package engine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tradeengine/internal/cfg"
	"tradeengine/internal/journal"
	"tradeengine/internal/metrics"
	"tradeengine/internal/quant"
	"tradeengine/internal/tradestate"
	"tradeengine/internal/xchg"
)

// ExchangeClient is the subset of xchg.Client's surface the engine
// calls directly. Defined here so tests can supply a fake without
// standing up an httptest server. *xchg.Client satisfies it.
type ExchangeClient interface {
	LastPrice(category, symbol string) (float64, error)
	WalletEquity(accountType string) (float64, error)
	SetLeverage(category, symbol string, leverage int) error
	PlaceOrder(body xchg.OrderRequest) (string, error)
	CancelOrder(category, symbol, orderID string) error
	Positions(category, symbol string) ([]xchg.Position, error)
	SetTradingStop(body xchg.TradingStopRequest) error
}

// RulesProvider is the instrument-cache surface the engine needs.
// *instruments.Cache satisfies it.
type RulesProvider interface {
	Get(category, symbol string) (tradestate.InstrumentRules, error)
}

// Engine is the Trade Engine. All of its methods assume they run on a
// single serialized execution context; it is not safe to call
// concurrently from multiple goroutines.
type Engine struct {
	cfg     cfg.Settings
	client  ExchangeClient
	rules   RulesProvider
	store   *tradestate.Store
	journal *journal.Journal // optional; nil disables idempotency journaling
	metrics *metrics.Metrics // optional; nil disables metrics recording
	tracker *xchg.Tracker    // records the outcome of every live order submission

	newTradeID func(symbol string, now time.Time) string
}

// New builds an Engine. journal may be nil if idempotency journaling
// against redelivered execution events is not wired in.
func New(settings cfg.Settings, client ExchangeClient, rules RulesProvider, store *tradestate.Store, j *journal.Journal) *Engine {
	return &Engine{
		cfg:        settings,
		client:     client,
		rules:      rules,
		store:      store,
		journal:    j,
		tracker:    xchg.NewTracker(),
		newTradeID: defaultTradeID,
	}
}

// LastOrderSubmission returns what the engine last attempted for the given
// order-link id, for maintenance sweeps and tests that need to inspect
// submission history rather than just current position/trade state.
func (e *Engine) LastOrderSubmission(orderLinkID string) (*xchg.TrackedSubmission, bool) {
	return e.tracker.Get(orderLinkID)
}

// WithMetrics attaches a Metrics instance the engine records against.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

func (e *Engine) observeOrder(start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.OrderExecutionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.OrderFailures.Inc()
		return
	}
	e.metrics.OrdersPlaced.Inc()
}

func defaultTradeID(symbol string, now time.Time) string {
	return fmt.Sprintf("%s-%d-%s", symbol, now.UnixMilli(), uuid.New().String()[:8])
}

// AdmissionResult reports the outcome of AdmitSignal.
type AdmissionResult struct {
	Admitted bool
	Reason   string
	Trade    *tradestate.Trade
}

// AdmitSignal runs the admission path: gatekeepers, sizing, and
// conditional entry-order submission. A rejected signal is reported in
// the result, not as an error — only an exchange/storage failure
// returns a non-nil error.
func (e *Engine) AdmitSignal(sig tradestate.Signal, now time.Time) (AdmissionResult, error) {
	side := tradestate.Buy
	if sig.Side == tradestate.Sell {
		side = tradestate.Sell
	}

	// Re-check dedup here rather than trusting the intake adapter's
	// earlier read: the adapter's HasFingerprint check and the engine's
	// eventual AdmitTrade write are separated in time, so two copies of
	// the same signal queued in the same tick can both pass the
	// adapter's check before either is admitted. The engine is a single
	// serialized actor, so by the time it reaches the second copy the
	// first has already recorded its fingerprint here.
	if e.store.HasFingerprint(sig.Fingerprint) {
		log.Info().Str("symbol", sig.Symbol).Str("fingerprint", sig.Fingerprint).Msg("signal rejected at admission")
		e.recordRejection("duplicate_fingerprint")
		return AdmissionResult{Reason: "duplicate fingerprint"}, nil
	}

	if err := e.setLeverage(e.cfg.Category, sig.Symbol, e.cfg.Leverage); err != nil {
		log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("failed to set leverage, continuing with existing leverage")
	}

	last, err := e.client.LastPrice(e.cfg.Category, sig.Symbol)
	if err != nil {
		return AdmissionResult{}, fmt.Errorf("fetch last price: %w", err)
	}

	if tooFar(side, sig.Trigger, last, e.cfg.EntryTooFarPct) {
		log.Info().Str("symbol", sig.Symbol).Str("reason", "too far past trigger").Msg("signal rejected at admission")
		e.recordRejection("too_far_past_trigger")
		return AdmissionResult{Reason: "too far past trigger"}, nil
	}
	if beyondExpiryPrice(side, sig.Trigger, last, e.cfg.EntryExpirationPricePct) {
		log.Info().Str("symbol", sig.Symbol).Str("reason", "beyond expiration price").Msg("signal rejected at admission")
		e.recordRejection("beyond_expiration_price")
		return AdmissionResult{Reason: "beyond expiration price"}, nil
	}

	rules, err := e.rules.Get(e.cfg.Category, sig.Symbol)
	if err != nil {
		return AdmissionResult{}, fmt.Errorf("fetch instrument rules: %w", err)
	}

	triggerAdj := quant.RoundPrice(triggerAdjusted(side, sig.Trigger, e.cfg.EntryTriggerBufferPct), rules.TickSize)
	limitPrice := quant.RoundPrice(limitPriceFor(side, sig.Trigger, e.cfg.EntryLimitPriceOffset), rules.TickSize)
	direction := triggerDirectionFor(last, triggerAdj)

	baseQty, err := e.sizeEntry(sig.Trigger, rules)
	if err != nil {
		return AdmissionResult{}, err
	}

	tradeID := e.newTradeID(sig.Symbol, now)

	orderID, err := e.placeOrder(xchg.OrderRequest{
		Category:         e.cfg.Category,
		Symbol:           sig.Symbol,
		Side:             string(side),
		OrderType:        "Limit",
		Qty:              quant.QtyString(baseQty),
		Price:            quant.PriceString(limitPrice),
		TriggerPrice:     quant.PriceString(triggerAdj),
		TriggerBy:        "LastPrice",
		TriggerDirection: triggerDirectionInt(direction),
		TimeInForce:      "GTC",
		ReduceOnly:       false,
		OrderLinkID:      tradeID,
		PositionIdx:      0,
	})
	if err != nil {
		return AdmissionResult{}, fmt.Errorf("place entry order: %w", err)
	}

	var slPrice float64
	if sig.SLPrice != nil {
		slPrice = *sig.SLPrice
	}

	trade := &tradestate.Trade{
		TradeID:      tradeID,
		Symbol:       sig.Symbol,
		OrderSide:    side,
		Trigger:      sig.Trigger,
		BaseQty:      baseQty,
		SLPrice:      slPrice,
		TPPrices:     sig.TPPrices,
		TPSplits:     e.cfg.TPSplits,
		DCAPrices:    sig.DCAPrices,
		EntryOrderID: orderID,
		Status:       tradestate.StatusPending,
		PlacedTs:     now,
	}

	if err := e.store.AdmitTrade(trade, sig.Fingerprint, now); err != nil {
		if errors.Is(err, tradestate.ErrDuplicateFingerprint) {
			// Lost a race against another copy of the same signal
			// admitted between the check above and here. The entry
			// order we just placed is an orphan; cancel it rather
			// than leaving a duplicate position live on the exchange.
			log.Warn().Str("symbol", sig.Symbol).Str("fingerprint", sig.Fingerprint).Msg("duplicate fingerprint admitted concurrently, cancelling orphaned entry order")
			if cerr := e.cancelOrder(e.cfg.Category, sig.Symbol, orderID); cerr != nil {
				log.Error().Err(cerr).Str("order_id", orderID).Msg("failed to cancel orphaned duplicate entry order")
			}
			e.recordRejection("duplicate_fingerprint")
			return AdmissionResult{Reason: "duplicate fingerprint"}, nil
		}
		return AdmissionResult{}, fmt.Errorf("persist new trade: %w", err)
	}

	if e.metrics != nil {
		e.metrics.SignalsAdmitted.Inc()
		e.metrics.SetActiveTrades(e.store.OpenTradeCount())
	}

	return AdmissionResult{Admitted: true, Trade: trade}, nil
}

func (e *Engine) recordRejection(reason string) {
	if e.metrics == nil {
		return
	}
	e.metrics.AdmissionRejections.WithLabelValues(reason).Inc()
}

// sizeEntry computes base_qty per the risk model: margin = equity *
// risk_pct/100; notional = margin * leverage; qty = notional / trigger.
func (e *Engine) sizeEntry(trigger float64, rules tradestate.InstrumentRules) (float64, error) {
	equity, err := e.client.WalletEquity(e.cfg.AccountType)
	if err != nil {
		return 0, fmt.Errorf("fetch wallet equity: %w", err)
	}
	margin := equity * e.cfg.RiskPct / 100
	notional := margin * float64(e.cfg.Leverage)
	return quant.RoundQty(notional/trigger, rules.QtyStep, rules.MinQty), nil
}

// HandleEvent dispatches a decoded execution/order event to the
// post-entry lay-down or reactive-reduction handlers. Events for
// unknown trade ids are dropped silently at debug level.
func (e *Engine) HandleEvent(ev xchg.Event, now time.Time) error {
	tradeID, suffix := parseOrderLinkID(ev.OrderLinkID)
	trade, ok := e.store.Trade(tradeID)
	if !ok {
		log.Debug().Str("order_link_id", ev.OrderLinkID).Msg("event for unknown trade id, dropping")
		return nil
	}

	if e.journal != nil {
		if seen, err := e.journal.Seen(ev.Topic, ev.OrderLinkID); err == nil && seen {
			return nil
		}
	}

	var err error
	switch {
	case suffix == "" && trade.Status == tradestate.StatusPending:
		err = e.handleEntryFill(trade, ev, now)
	case strings.HasPrefix(suffix, "TP"):
		err = e.handleTPFill(trade, suffix)
	case strings.HasPrefix(suffix, "DCA"):
		if e.metrics != nil {
			e.metrics.DCAFillsSeen.Inc()
		}
		log.Debug().Str("order_link_id", ev.OrderLinkID).Msg("DCA add filled, position size grows with no further reaction")
	default:
		log.Debug().Str("order_link_id", ev.OrderLinkID).Msg("no reaction defined for this order-link suffix")
	}
	if err != nil {
		return err
	}

	if e.journal != nil {
		if jerr := e.journal.MarkApplied(ev.Topic, ev.OrderLinkID, now); jerr != nil {
			log.Warn().Err(jerr).Str("order_link_id", ev.OrderLinkID).Msg("failed to record applied event in journal")
		}
	}
	return nil
}

func (e *Engine) handleEntryFill(trade *tradestate.Trade, ev xchg.Event, now time.Time) error {
	entryPrice := ev.Price
	if entryPrice == 0 {
		entryPrice = trade.Trigger
	}
	filledAt := now
	if _, err := e.store.Mutate(trade.TradeID, func(t *tradestate.Trade) {
		t.EntryPrice = entryPrice
		t.Status = tradestate.StatusOpen
		t.FilledTs = &filledAt
	}); err != nil {
		return fmt.Errorf("persist entry fill: %w", err)
	}

	if trade.PostOrdersPlaced {
		return nil
	}
	return e.layPostEntryOrders(trade, now)
}

// layPostEntryOrders sets the initial stop, then places the TP ladder
// and DCA adds once the entry fill is confirmed on the position. trade
// reflects the just-committed entry-fill mutation (same pointer the
// store holds).
func (e *Engine) layPostEntryOrders(trade *tradestate.Trade, now time.Time) error {
	rules, err := e.rules.Get(e.cfg.Category, trade.Symbol)
	if err != nil {
		return fmt.Errorf("fetch instrument rules: %w", err)
	}

	slPrice := trade.SLPrice
	if slPrice == 0 {
		if trade.OrderSide == tradestate.Buy {
			slPrice = trade.EntryPrice * (1 - e.cfg.InitialSLPct/100)
		} else {
			slPrice = trade.EntryPrice * (1 + e.cfg.InitialSLPct/100)
		}
	}
	slPrice = quant.RoundPrice(slPrice, rules.TickSize)

	if err := e.setTradingStop(xchg.TradingStopRequest{
		Category:    e.cfg.Category,
		Symbol:      trade.Symbol,
		TpslMode:    "Full",
		PositionIdx: 0,
		StopLoss:    quant.PriceString(slPrice),
	}); err != nil {
		log.Warn().Err(err).Str("trade_id", trade.TradeID).Msg("failed to set initial stop loss, post-entry lay-down deferred to next event")
		return err
	}

	positions, err := e.client.Positions(e.cfg.Category, trade.Symbol)
	if err != nil {
		return fmt.Errorf("query positions: %w", err)
	}
	size := positionSizeFor(positions, trade.Symbol)
	if size == 0 {
		log.Info().Str("trade_id", trade.TradeID).Msg("position size not yet reflected, deferring TP/DCA lay-down")
		return nil
	}

	if len(trade.TPPrices) == 0 && len(e.cfg.FallbackTPPct) > 0 {
		trade.TPPrices = fallbackTPPrices(trade.OrderSide, trade.EntryPrice, e.cfg.FallbackTPPct)
		log.Info().Str("trade_id", trade.TradeID).Msg("signal carried no TP prices, using configured fallback TP percentages")
	}

	tpOrderIDs := e.placeTPLadder(trade, size, rules)
	dcaOrderIDs := e.placeDCAAdds(trade, rules)

	if _, err := e.store.Mutate(trade.TradeID, func(t *tradestate.Trade) {
		t.SLPrice = slPrice
		t.TPOrderIDs = tpOrderIDs
		if tp1, ok := tpOrderIDs[1]; ok {
			t.TP1OrderID = tp1
		}
		t.DCAOrderIDs = dcaOrderIDs
		t.PostOrdersPlaced = true
	}); err != nil {
		return fmt.Errorf("persist post-entry orders: %w", err)
	}
	return nil
}

func (e *Engine) placeTPLadder(trade *tradestate.Trade, filledSize float64, rules tradestate.InstrumentRules) map[int]string {
	tpOrderIDs := make(map[int]string)
	for i, split := range trade.TPSplits {
		if split <= 0 || i >= len(trade.TPPrices) {
			continue
		}
		qty := quant.RoundQty(filledSize*split/100, rules.QtyStep, rules.MinQty)
		price := quant.RoundPrice(trade.TPPrices[i], rules.TickSize)
		linkID := fmt.Sprintf("%s:TP%d", trade.TradeID, i+1)

		orderID, err := e.placeOrder(xchg.OrderRequest{
			Category:    e.cfg.Category,
			Symbol:      trade.Symbol,
			Side:        string(oppositeSide(trade.OrderSide)),
			OrderType:   "Limit",
			Qty:         quant.QtyString(qty),
			Price:       quant.PriceString(price),
			TimeInForce: "GTC",
			ReduceOnly:  true,
			OrderLinkID: linkID,
			PositionIdx: 0,
		})
		if err != nil {
			log.Warn().Err(err).Str("order_link_id", linkID).Msg("failed to place take-profit order")
			continue
		}
		tpOrderIDs[i+1] = orderID
	}
	return tpOrderIDs
}

func (e *Engine) placeDCAAdds(trade *tradestate.Trade, rules tradestate.InstrumentRules) map[int]string {
	dcaOrderIDs := make(map[int]string)
	n := len(trade.DCAPrices)
	if len(e.cfg.DCAQtyMults) < n {
		n = len(e.cfg.DCAQtyMults)
	}
	if n == 0 {
		return dcaOrderIDs
	}

	last, err := e.client.LastPrice(e.cfg.Category, trade.Symbol)
	if err != nil {
		log.Warn().Err(err).Str("trade_id", trade.TradeID).Msg("failed to fetch last price for DCA trigger direction")
	}

	for j := 1; j <= n; j++ {
		price := quant.RoundPrice(trade.DCAPrices[j-1], rules.TickSize)
		qty := quant.RoundQty(trade.BaseQty*e.cfg.DCAQtyMults[j-1], rules.QtyStep, rules.MinQty)
		direction := triggerDirectionFor(last, price)
		linkID := fmt.Sprintf("%s:DCA%d", trade.TradeID, j)

		orderID, err := e.placeOrder(xchg.OrderRequest{
			Category:         e.cfg.Category,
			Symbol:           trade.Symbol,
			Side:             string(trade.OrderSide),
			OrderType:        "Limit",
			Qty:              quant.QtyString(qty),
			Price:            quant.PriceString(price),
			TriggerPrice:     quant.PriceString(price),
			TriggerBy:        "LastPrice",
			TriggerDirection: triggerDirectionInt(direction),
			TimeInForce:      "GTC",
			OrderLinkID:      linkID,
			PositionIdx:      0,
		})
		if err != nil {
			log.Warn().Err(err).Str("order_link_id", linkID).Msg("failed to place DCA add order")
			continue
		}
		dcaOrderIDs[j] = orderID
	}
	return dcaOrderIDs
}

// handleTPFill reacts to a take-profit fill: SL-to-breakeven promotion
// on TP1, trailing-stop activation on the configured anchor TP index.
func (e *Engine) handleTPFill(trade *tradestate.Trade, suffix string) error {
	n, err := strconv.Atoi(strings.TrimPrefix(suffix, "TP"))
	if err != nil {
		log.Debug().Str("suffix", suffix).Msg("unrecognized TP suffix, ignoring")
		return nil
	}
	if e.metrics != nil {
		e.metrics.TPFills.Inc()
	}

	rules, err := e.rules.Get(e.cfg.Category, trade.Symbol)
	if err != nil {
		return fmt.Errorf("fetch instrument rules: %w", err)
	}

	if n == 1 && e.cfg.MoveSLToBEOnTP1 && !trade.SLMovedToBE {
		if err := e.promoteStopToBreakeven(trade, rules); err != nil {
			return err
		}
	}

	if n == e.cfg.TrailAfterTPIndex && e.cfg.TrailActivateOnTP && !trade.TrailingStarted {
		if err := e.activateTrailingStop(trade, n, rules); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) promoteStopToBreakeven(trade *tradestate.Trade, rules tradestate.InstrumentRules) error {
	bePrice := quant.RoundPrice(trade.EntryPrice, rules.TickSize)
	if err := e.setTradingStop(xchg.TradingStopRequest{
		Category: e.cfg.Category, Symbol: trade.Symbol, TpslMode: "Full", PositionIdx: 0,
		StopLoss: quant.PriceString(bePrice),
	}); err != nil {
		log.Warn().Err(err).Str("trade_id", trade.TradeID).Msg("failed to promote stop loss to break-even")
		return err
	}
	if _, err := e.store.Mutate(trade.TradeID, func(t *tradestate.Trade) {
		t.SLMovedToBE = true
		t.SLPrice = bePrice
	}); err != nil {
		return fmt.Errorf("persist break-even promotion: %w", err)
	}
	if e.metrics != nil {
		e.metrics.SLMovedToBreakeven.Inc()
	}
	return nil
}

func (e *Engine) activateTrailingStop(trade *tradestate.Trade, n int, rules tradestate.InstrumentRules) error {
	anchor := trade.EntryPrice
	if n-1 < len(trade.TPPrices) {
		anchor = trade.TPPrices[n-1]
	} else if last, err := e.client.LastPrice(e.cfg.Category, trade.Symbol); err == nil {
		anchor = last
	}
	anchor = quant.RoundPrice(anchor, rules.TickSize)
	dist := quant.RoundPrice(anchor*e.cfg.TrailDistancePct/100, rules.TickSize)

	req := xchg.TradingStopRequest{
		Category: e.cfg.Category, Symbol: trade.Symbol, TpslMode: "Full", PositionIdx: 0,
		ActivePrice:  quant.PriceString(anchor),
		TrailingStop: quant.PriceString(dist),
	}
	if trade.SLMovedToBE {
		req.StopLoss = quant.PriceString(quant.RoundPrice(trade.EntryPrice, rules.TickSize))
	}
	if err := e.setTradingStop(req); err != nil {
		log.Warn().Err(err).Str("trade_id", trade.TradeID).Msg("failed to activate trailing stop")
		return err
	}
	if _, err := e.store.Mutate(trade.TradeID, func(t *tradestate.Trade) {
		t.TrailingStarted = true
	}); err != nil {
		return fmt.Errorf("persist trailing stop activation: %w", err)
	}
	if e.metrics != nil {
		e.metrics.TrailingStopsActivated.Inc()
	}
	return nil
}

// RunMaintenance sweeps every tracked trade: expiry cancellation for
// pending trades, close detection for open trades, and terminal-trade
// pruning.
// Per-trade errors are logged and isolated; the sweep continues.
func (e *Engine) RunMaintenance(now time.Time) {
	for _, trade := range e.store.Trades() {
		switch trade.Status {
		case tradestate.StatusPending:
			e.sweepExpiry(trade, now)
		case tradestate.StatusOpen:
			if !trade.PostOrdersPlaced {
				e.retryPostEntryOrders(trade, now)
				continue
			}
			e.sweepClose(trade, now)
		}
	}
	if err := e.store.Prune(now); err != nil {
		log.Error().Err(err).Msg("failed to prune terminal trades")
	}
	if e.metrics != nil {
		e.metrics.SetActiveTrades(e.store.OpenTradeCount())
	}
}

func (e *Engine) sweepExpiry(trade *tradestate.Trade, now time.Time) {
	if now.Sub(trade.PlacedTs) < e.cfg.EntryExpirationMin {
		return
	}

	err := e.cancelOrder(e.cfg.Category, trade.Symbol, trade.EntryOrderID)
	var exchErr *xchg.ExchangeError
	if err != nil && !errors.As(err, &exchErr) {
		log.Warn().Err(err).Str("trade_id", trade.TradeID).Msg("failed to cancel expired entry order, will retry next tick")
		return
	}

	closedAt := now
	if _, err := e.store.Mutate(trade.TradeID, func(t *tradestate.Trade) {
		t.Status = tradestate.StatusExpired
		t.ClosedTs = &closedAt
	}); err != nil {
		log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("failed to persist expired trade")
		return
	}
	if e.metrics != nil {
		e.metrics.TradesExpired.Inc()
	}
}

// retryPostEntryOrders re-attempts the post-entry lay-down for an open
// trade whose SL/TP/DCA orders were never placed, because the exchange
// position size hadn't reflected the entry fill yet when the execution
// event first arrived. The engine retries this on every maintenance
// tick until it succeeds, as the reference implementation does.
func (e *Engine) retryPostEntryOrders(trade *tradestate.Trade, now time.Time) {
	if err := e.layPostEntryOrders(trade, now); err != nil {
		log.Warn().Err(err).Str("trade_id", trade.TradeID).Msg("post-entry lay-down retry failed, will retry next tick")
	}
}

func (e *Engine) sweepClose(trade *tradestate.Trade, now time.Time) {
	if !trade.PostOrdersPlaced {
		// Never reap a trade before its SL/TP/DCA ladder has been laid
		// down; retryPostEntryOrders is responsible for this trade
		// until that ladder exists.
		return
	}

	positions, err := e.client.Positions(e.cfg.Category, trade.Symbol)
	if err != nil {
		log.Warn().Err(err).Str("trade_id", trade.TradeID).Msg("failed to query position size during maintenance sweep")
		return
	}
	if positionSizeFor(positions, trade.Symbol) != 0 {
		return
	}

	closedAt := now
	if _, err := e.store.Mutate(trade.TradeID, func(t *tradestate.Trade) {
		t.Status = tradestate.StatusClosed
		t.ClosedTs = &closedAt
	}); err != nil {
		log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("failed to persist closed trade")
		return
	}
	if e.metrics != nil {
		e.metrics.TradesClosed.Inc()
	}
}

// placeOrder, cancelOrder, and setTradingStop are the engine's only
// mutating exchange calls. Dry-run mode short-circuits all three.
func (e *Engine) placeOrder(req xchg.OrderRequest) (string, error) {
	if e.cfg.DryRun {
		log.Info().Str("order_link_id", req.OrderLinkID).Str("symbol", req.Symbol).Msg("dry run: order not submitted")
		return tradestate.DryRunSentinelOrderID, nil
	}
	start := time.Now()
	orderID, err := e.tracker.Track(req, e.client.PlaceOrder)
	e.observeOrder(start, err)
	return orderID, err
}

func (e *Engine) cancelOrder(category, symbol, orderID string) error {
	if e.cfg.DryRun || orderID == tradestate.DryRunSentinelOrderID {
		return nil
	}
	return e.client.CancelOrder(category, symbol, orderID)
}

func (e *Engine) setTradingStop(req xchg.TradingStopRequest) error {
	if e.cfg.DryRun {
		log.Info().Str("symbol", req.Symbol).Msg("dry run: trading-stop not submitted")
		return nil
	}
	return e.client.SetTradingStop(req)
}

func (e *Engine) setLeverage(category, symbol string, leverage int) error {
	if e.cfg.DryRun {
		return nil
	}
	return e.client.SetLeverage(category, symbol, leverage)
}

func parseOrderLinkID(id string) (tradeID, suffix string) {
	if idx := strings.Index(id, ":"); idx >= 0 {
		return id[:idx], id[idx+1:]
	}
	return id, ""
}

func positionSizeFor(positions []xchg.Position, symbol string) float64 {
	var total float64
	for _, p := range positions {
		if p.Symbol == symbol {
			total += p.Size
		}
	}
	return total
}

func oppositeSide(s tradestate.Side) tradestate.Side {
	if s == tradestate.Buy {
		return tradestate.Sell
	}
	return tradestate.Buy
}

func tooFar(side tradestate.Side, trigger, last, farPct float64) bool {
	if farPct <= 0 {
		return false
	}
	if side == tradestate.Buy {
		return last >= trigger*(1+farPct/100)
	}
	return last <= trigger*(1-farPct/100)
}

func beyondExpiryPrice(side tradestate.Side, trigger, last, expPct float64) bool {
	if expPct <= 0 {
		return false
	}
	if side == tradestate.Buy {
		return last >= trigger*(1+expPct/100)
	}
	return last <= trigger*(1-expPct/100)
}

func triggerAdjusted(side tradestate.Side, trigger, bufferPct float64) float64 {
	if side == tradestate.Buy {
		return trigger * (1 - bufferPct/100)
	}
	return trigger * (1 + bufferPct/100)
}

func limitPriceFor(side tradestate.Side, trigger, offsetPct float64) float64 {
	if side == tradestate.Buy {
		return trigger * (1 - offsetPct/100)
	}
	return trigger * (1 + offsetPct/100)
}

// fallbackTPPrices derives a TP ladder from the entry price and the
// configured fallback percentages, for a signal that carried no
// explicit TP prices of its own.
func fallbackTPPrices(side tradestate.Side, entryPrice float64, fallbackPct []float64) []float64 {
	prices := make([]float64, len(fallbackPct))
	for i, pct := range fallbackPct {
		if side == tradestate.Buy {
			prices[i] = entryPrice * (1 + pct/100)
		} else {
			prices[i] = entryPrice * (1 - pct/100)
		}
	}
	return prices
}

func triggerDirectionFor(last, reference float64) string {
	if last < reference {
		return "rises"
	}
	if last > reference {
		return "falls"
	}
	return "rises"
}

func triggerDirectionInt(direction string) int {
	if direction == "falls" {
		return 2
	}
	return 1
}
