package engine

import (
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"tradeengine/internal/cfg"
	"tradeengine/internal/tradestate"
	"tradeengine/internal/xchg"
)

// fakeClient is a hand-rolled ExchangeClient double. It records every
// mutating call for assertion and lets tests script reads.
type fakeClient struct {
	last      float64
	equity    float64
	positions []xchg.Position

	placedOrders []xchg.OrderRequest
	tradingStops []xchg.TradingStopRequest
	canceledIDs  []string
	nextOrderID  int
}

func (f *fakeClient) LastPrice(category, symbol string) (float64, error)      { return f.last, nil }
func (f *fakeClient) WalletEquity(accountType string) (float64, error)        { return f.equity, nil }
func (f *fakeClient) SetLeverage(category, symbol string, leverage int) error { return nil }

func (f *fakeClient) PlaceOrder(body xchg.OrderRequest) (string, error) {
	f.placedOrders = append(f.placedOrders, body)
	f.nextOrderID++
	return "order-" + strconv.Itoa(f.nextOrderID), nil
}

func (f *fakeClient) CancelOrder(category, symbol, orderID string) error {
	f.canceledIDs = append(f.canceledIDs, orderID)
	return nil
}

func (f *fakeClient) Positions(category, symbol string) ([]xchg.Position, error) {
	return f.positions, nil
}

func (f *fakeClient) SetTradingStop(body xchg.TradingStopRequest) error {
	f.tradingStops = append(f.tradingStops, body)
	return nil
}

type fakeRules struct {
	rules tradestate.InstrumentRules
}

func (f *fakeRules) Get(category, symbol string) (tradestate.InstrumentRules, error) {
	return f.rules, nil
}

func testSettings() cfg.Settings {
	return cfg.Settings{
		Category:                "linear",
		AccountType:             "UNIFIED",
		Leverage:                5,
		RiskPct:                 5,
		EntryTooFarPct:          0.5,
		EntryExpirationPricePct: 0,
		EntryTriggerBufferPct:   0,
		EntryLimitPriceOffset:   0,
		InitialSLPct:            2,
		TPSplits:                []float64{30, 30, 30, 10},
		DCAQtyMults:             []float64{1.5, 2.25},
		MoveSLToBEOnTP1:         true,
		TrailAfterTPIndex:       3,
		TrailDistancePct:        2.0,
		TrailActivateOnTP:       true,
		EntryExpirationMin:      180 * time.Minute,
	}
}

func newTestEngine(t *testing.T, client *fakeClient, rules tradestate.InstrumentRules) (*Engine, *tradestate.Store) {
	t.Helper()
	store, err := tradestate.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	eng := New(testSettings(), client, &fakeRules{rules: rules}, store, nil)
	return eng, store
}

func sigPtr(f float64) *float64 { return &f }

// Scenario 1: long entry, fills, TP1 promotes SL to BE.
func TestScenario1LongEntryFillsTP1PromotesSLToBE(t *testing.T) {
	client := &fakeClient{last: 59800, equity: 1000}
	rules := tradestate.InstrumentRules{TickSize: 0.1, QtyStep: 0.001, MinQty: 0.001}
	eng, store := newTestEngine(t, client, rules)

	now := time.Unix(1700000000, 0)
	sig := tradestate.Signal{
		Symbol:      "BTCUSDT",
		Side:        tradestate.Buy,
		Trigger:     60000,
		TPPrices:    []float64{61000, 62000, 63000, 64000},
		SLPrice:     sigPtr(58000),
		Fingerprint: "fp-1",
		ReceivedAt:  now,
	}

	res, err := eng.AdmitSignal(sig, now)
	if err != nil {
		t.Fatalf("AdmitSignal: %v", err)
	}
	if !res.Admitted {
		t.Fatalf("expected admission, got reason %q", res.Reason)
	}
	if res.Trade.BaseQty != 0.004 {
		t.Errorf("expected qty 0.004, got %v", res.Trade.BaseQty)
	}
	if len(client.placedOrders) != 1 {
		t.Fatalf("expected 1 entry order placed, got %d", len(client.placedOrders))
	}
	entryOrder := client.placedOrders[0]
	if entryOrder.Price != "60000.0000000000" {
		t.Errorf("expected entry price 60000, got %s", entryOrder.Price)
	}

	tradeID := res.Trade.TradeID
	client.positions = []xchg.Position{{Symbol: "BTCUSDT", Size: 0.004, Side: "Buy"}}

	if err := eng.HandleEvent(xchg.Event{Topic: "execution", OrderLinkID: tradeID, Symbol: "BTCUSDT", Price: 60000}, now.Add(time.Minute)); err != nil {
		t.Fatalf("HandleEvent entry fill: %v", err)
	}

	trade, ok := store.Trade(tradeID)
	if !ok {
		t.Fatal("trade missing after fill")
	}
	if trade.Status != tradestate.StatusOpen || trade.EntryPrice != 60000 {
		t.Fatalf("expected open @ 60000, got status=%s entry=%v", trade.Status, trade.EntryPrice)
	}
	if len(client.tradingStops) != 1 || client.tradingStops[0].StopLoss != "58000.0000000000" {
		t.Fatalf("expected initial SL at 58000, got %+v", client.tradingStops)
	}

	tpOrders := client.placedOrders[1:]
	if len(tpOrders) != 4 {
		t.Fatalf("expected 4 TP orders, got %d", len(tpOrders))
	}
	wantPrices := []string{"61000.0000000000", "62000.0000000000", "63000.0000000000", "64000.0000000000"}
	for i, o := range tpOrders {
		if o.Price != wantPrices[i] {
			t.Errorf("tp[%d]: expected price %s, got %s", i, wantPrices[i], o.Price)
		}
		if !o.ReduceOnly {
			t.Errorf("tp[%d]: expected reduce-only", i)
		}
	}

	if err := eng.HandleEvent(xchg.Event{Topic: "execution", OrderLinkID: tradeID + ":TP1", Symbol: "BTCUSDT", Price: 61000}, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("HandleEvent TP1 fill: %v", err)
	}

	trade, _ = store.Trade(tradeID)
	if !trade.SLMovedToBE {
		t.Fatal("expected sl_moved_to_be after TP1 fill")
	}
	last := client.tradingStops[len(client.tradingStops)-1]
	if last.StopLoss != "60000.0000000000" {
		t.Errorf("expected BE stop at entry price 60000, got %s", last.StopLoss)
	}
}

// Scenario 2: short entry rejected by too-far gate.
func TestScenario2ShortEntryRejectedByTooFarGate(t *testing.T) {
	client := &fakeClient{last: 2970, equity: 1000}
	rules := tradestate.InstrumentRules{TickSize: 0.01, QtyStep: 0.001, MinQty: 0.001}
	eng, store := newTestEngine(t, client, rules)

	now := time.Unix(1700000000, 0)
	sig := tradestate.Signal{
		Symbol:      "ETHUSDT",
		Side:        tradestate.Sell,
		Trigger:     3000,
		Fingerprint: "fp-2",
		ReceivedAt:  now,
	}

	res, err := eng.AdmitSignal(sig, now)
	if err != nil {
		t.Fatalf("AdmitSignal: %v", err)
	}
	if res.Admitted {
		t.Fatal("expected rejection")
	}
	if res.Reason != "too far past trigger" {
		t.Errorf("expected reason 'too far past trigger', got %q", res.Reason)
	}
	if len(client.placedOrders) != 0 {
		t.Error("expected no order submitted")
	}
	if len(store.Trades()) != 0 {
		t.Error("expected no state mutation")
	}
}

// Scenario 3: entry expiry.
func TestScenario3EntryExpiry(t *testing.T) {
	client := &fakeClient{last: 59800, equity: 1000}
	rules := tradestate.InstrumentRules{TickSize: 0.1, QtyStep: 0.001, MinQty: 0.001}
	eng, store := newTestEngine(t, client, rules)

	t0 := time.Unix(1700000000, 0)
	sig := tradestate.Signal{Symbol: "BTCUSDT", Side: tradestate.Buy, Trigger: 60000, Fingerprint: "fp-3", ReceivedAt: t0}

	res, err := eng.AdmitSignal(sig, t0)
	if err != nil || !res.Admitted {
		t.Fatalf("AdmitSignal: res=%+v err=%v", res, err)
	}

	eng.RunMaintenance(t0.Add(10801 * time.Second))

	trade, _ := store.Trade(res.Trade.TradeID)
	if trade.Status != tradestate.StatusExpired {
		t.Fatalf("expected expired, got %s", trade.Status)
	}
	if len(client.canceledIDs) != 1 {
		t.Errorf("expected entry order canceled, got %d cancels", len(client.canceledIDs))
	}
}

// Scenario 4: DCA add.
func TestScenario4DCAAdd(t *testing.T) {
	client := &fakeClient{last: 59800, equity: 1000}
	rules := tradestate.InstrumentRules{TickSize: 0.1, QtyStep: 0.001, MinQty: 0.001}
	eng, _ := newTestEngine(t, client, rules)

	now := time.Unix(1700000000, 0)
	sig := tradestate.Signal{
		Symbol:      "BTCUSDT",
		Side:        tradestate.Buy,
		Trigger:     60000,
		TPPrices:    []float64{61000},
		DCAPrices:   []float64{58500, 57000},
		Fingerprint: "fp-4",
		ReceivedAt:  now,
	}

	res, err := eng.AdmitSignal(sig, now)
	if err != nil || !res.Admitted {
		t.Fatalf("AdmitSignal: res=%+v err=%v", res, err)
	}
	if res.Trade.BaseQty != 0.004 {
		t.Fatalf("expected base qty 0.004, got %v", res.Trade.BaseQty)
	}

	client.positions = []xchg.Position{{Symbol: "BTCUSDT", Size: 0.004}}
	client.last = 59800 // last > both DCA triggers -> falls

	if err := eng.HandleEvent(xchg.Event{Topic: "execution", OrderLinkID: res.Trade.TradeID, Price: 60000}, now); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	var dcaOrders []xchg.OrderRequest
	for _, o := range client.placedOrders {
		if strings.Contains(o.OrderLinkID, ":DCA") {
			dcaOrders = append(dcaOrders, o)
		}
	}
	if len(dcaOrders) != 2 {
		t.Fatalf("expected 2 DCA orders, got %d", len(dcaOrders))
	}
	wantQty := []string{"0.0060000000", "0.0090000000"}
	wantPrice := []string{"58500.0000000000", "57000.0000000000"}
	for i, o := range dcaOrders {
		if o.Qty != wantQty[i] {
			t.Errorf("dca[%d]: expected qty %s, got %s", i, wantQty[i], o.Qty)
		}
		if o.Price != wantPrice[i] {
			t.Errorf("dca[%d]: expected price %s, got %s", i, wantPrice[i], o.Price)
		}
		if o.TriggerDirection != 2 {
			t.Errorf("dca[%d]: expected triggerDirection falls(2), got %d", i, o.TriggerDirection)
		}
	}
}

// Scenario 5: trail activation.
func TestScenario5TrailActivation(t *testing.T) {
	client := &fakeClient{last: 59800, equity: 1000}
	rules := tradestate.InstrumentRules{TickSize: 0.1, QtyStep: 0.001, MinQty: 0.001}
	eng, store := newTestEngine(t, client, rules)

	now := time.Unix(1700000000, 0)
	sig := tradestate.Signal{
		Symbol:      "BTCUSDT",
		Side:        tradestate.Buy,
		Trigger:     60000,
		TPPrices:    []float64{61000, 62000, 63000, 64000},
		Fingerprint: "fp-5",
		ReceivedAt:  now,
	}
	res, err := eng.AdmitSignal(sig, now)
	if err != nil || !res.Admitted {
		t.Fatalf("AdmitSignal: res=%+v err=%v", res, err)
	}

	client.positions = []xchg.Position{{Symbol: "BTCUSDT", Size: 0.004}}
	if err := eng.HandleEvent(xchg.Event{Topic: "execution", OrderLinkID: res.Trade.TradeID, Price: 60000}, now); err != nil {
		t.Fatalf("entry fill: %v", err)
	}
	if err := eng.HandleEvent(xchg.Event{Topic: "execution", OrderLinkID: res.Trade.TradeID + ":TP1", Price: 61000}, now.Add(time.Minute)); err != nil {
		t.Fatalf("TP1 fill: %v", err)
	}
	if err := eng.HandleEvent(xchg.Event{Topic: "execution", OrderLinkID: res.Trade.TradeID + ":TP3", Price: 63000}, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("TP3 fill: %v", err)
	}

	trade, _ := store.Trade(res.Trade.TradeID)
	if !trade.TrailingStarted {
		t.Fatal("expected trailing_started=true")
	}
	last := client.tradingStops[len(client.tradingStops)-1]
	if last.ActivePrice != "63000.0000000000" {
		t.Errorf("expected activePrice 63000, got %s", last.ActivePrice)
	}
	if last.TrailingStop != "1260.0000000000" {
		t.Errorf("expected trailingStop 1260, got %s", last.TrailingStop)
	}
	if last.StopLoss != "60000.0000000000" {
		t.Errorf("expected stopLoss reasserted at entry 60000, got %s", last.StopLoss)
	}
}

// Scenario 6: close reaping.
func TestScenario6CloseReaping(t *testing.T) {
	client := &fakeClient{last: 59800, equity: 1000}
	rules := tradestate.InstrumentRules{TickSize: 0.1, QtyStep: 0.001, MinQty: 0.001}
	eng, store := newTestEngine(t, client, rules)

	now := time.Unix(1700000000, 0)
	sig := tradestate.Signal{Symbol: "BTCUSDT", Side: tradestate.Buy, Trigger: 60000, Fingerprint: "fp-6", ReceivedAt: now}
	res, err := eng.AdmitSignal(sig, now)
	if err != nil || !res.Admitted {
		t.Fatalf("AdmitSignal: res=%+v err=%v", res, err)
	}

	client.positions = []xchg.Position{{Symbol: "BTCUSDT", Size: 0.004}}
	if err := eng.HandleEvent(xchg.Event{Topic: "execution", OrderLinkID: res.Trade.TradeID, Price: 60000}, now); err != nil {
		t.Fatalf("entry fill: %v", err)
	}

	client.positions = nil
	eng.RunMaintenance(now.Add(time.Minute))

	trade, ok := store.Trade(res.Trade.TradeID)
	if !ok || trade.Status != tradestate.StatusClosed {
		t.Fatalf("expected closed, got ok=%v status=%v", ok, trade)
	}

	eng.RunMaintenance(now.Add(25 * time.Hour))
	if _, ok := store.Trade(res.Trade.TradeID); ok {
		t.Fatal("expected trade pruned 24h after close")
	}
}

// Scenario 7: the entry-fill event arrives while Positions() still
// transiently reports zero size. Post-entry lay-down must be retried on
// the next maintenance tick rather than silently dropped, and the trade
// must not be reaped as closed before that ladder exists.
func TestScenario7DeferredPostEntryLayDownRetriedThenClosed(t *testing.T) {
	client := &fakeClient{last: 59800, equity: 1000}
	rules := tradestate.InstrumentRules{TickSize: 0.1, QtyStep: 0.001, MinQty: 0.001}
	eng, store := newTestEngine(t, client, rules)

	now := time.Unix(1700000000, 0)
	sig := tradestate.Signal{
		Symbol:      "BTCUSDT",
		Side:        tradestate.Buy,
		Trigger:     60000,
		TPPrices:    []float64{61000, 62000},
		Fingerprint: "fp-7",
		ReceivedAt:  now,
	}
	res, err := eng.AdmitSignal(sig, now)
	if err != nil || !res.Admitted {
		t.Fatalf("AdmitSignal: res=%+v err=%v", res, err)
	}
	tradeID := res.Trade.TradeID

	// Position size not yet reflected when the entry fill arrives.
	client.positions = nil
	if err := eng.HandleEvent(xchg.Event{Topic: "execution", OrderLinkID: tradeID, Price: 60000}, now); err != nil {
		t.Fatalf("entry fill: %v", err)
	}

	trade, ok := store.Trade(tradeID)
	if !ok || trade.Status != tradestate.StatusOpen {
		t.Fatalf("expected open after entry fill, got ok=%v trade=%+v", ok, trade)
	}
	if trade.PostOrdersPlaced {
		t.Fatal("post-entry orders should not be marked placed while position size is still zero")
	}
	if len(client.placedOrders) != 1 {
		t.Fatalf("expected only the entry order placed so far, got %d", len(client.placedOrders))
	}

	// A maintenance tick while the position is still unreflected must
	// retry, not reap the trade as closed.
	eng.RunMaintenance(now.Add(time.Minute))
	trade, _ = store.Trade(tradeID)
	if trade.Status != tradestate.StatusOpen {
		t.Fatalf("expected trade to remain open during deferral, got %s", trade.Status)
	}
	if trade.PostOrdersPlaced {
		t.Fatal("post-entry orders still should not be placed before the position size is reflected")
	}

	// Position size now reflects the fill; the next tick should lay
	// down the TP ladder instead of closing the trade.
	client.positions = []xchg.Position{{Symbol: "BTCUSDT", Size: 0.004}}
	eng.RunMaintenance(now.Add(2 * time.Minute))

	trade, _ = store.Trade(tradeID)
	if !trade.PostOrdersPlaced {
		t.Fatal("expected post-entry lay-down to complete once position size was reflected")
	}
	if trade.Status != tradestate.StatusOpen {
		t.Fatalf("expected trade still open after lay-down, got %s", trade.Status)
	}
	tpOrders := client.placedOrders[1:]
	if len(tpOrders) != 2 {
		t.Fatalf("expected 2 TP orders laid down on retry, got %d", len(tpOrders))
	}

	// Now the position actually flattens; close-reaping should proceed
	// normally since the ladder already exists.
	client.positions = nil
	eng.RunMaintenance(now.Add(3 * time.Minute))
	trade, ok = store.Trade(tradeID)
	if !ok || trade.Status != tradestate.StatusClosed {
		t.Fatalf("expected closed after position flattened, got ok=%v status=%v", ok, trade)
	}
}

// Idempotent admission (invariant 7): same fingerprint twice creates
// exactly one trade; AdmitSignal's fingerprint check rejects the second.
func TestIdempotentAdmissionSameFingerprintOnce(t *testing.T) {
	client := &fakeClient{last: 59800, equity: 1000}
	rules := tradestate.InstrumentRules{TickSize: 0.1, QtyStep: 0.001, MinQty: 0.001}
	eng, store := newTestEngine(t, client, rules)

	now := time.Unix(1700000000, 0)
	sig := tradestate.Signal{Symbol: "BTCUSDT", Side: tradestate.Buy, Trigger: 60000, Fingerprint: "fp-dup", ReceivedAt: now}

	if store.HasFingerprint(sig.Fingerprint) {
		t.Fatal("fingerprint should not be seen yet")
	}
	res1, err := eng.AdmitSignal(sig, now)
	if err != nil || !res1.Admitted {
		t.Fatalf("first admission failed: %+v %v", res1, err)
	}
	if !store.HasFingerprint(sig.Fingerprint) {
		t.Fatal("expected fingerprint recorded after admission")
	}
	if len(store.Trades()) != 1 {
		t.Fatalf("expected exactly one trade, got %d", len(store.Trades()))
	}

	res2, err := eng.AdmitSignal(sig, now)
	if err != nil {
		t.Fatalf("second admission should be a clean rejection, not an error: %v", err)
	}
	if res2.Admitted {
		t.Fatal("expected the duplicate signal to be rejected, not admitted")
	}
	if len(store.Trades()) != 1 {
		t.Fatalf("expected submitting the same signal twice to still create exactly one trade, got %d", len(store.Trades()))
	}
}
