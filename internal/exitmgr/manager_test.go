package exitmgr

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"moonshot-bot/internal/config"
	"moonshot-bot/internal/exchange/rest"
	"moonshot-bot/internal/exec"
	"moonshot-bot/internal/market"
	"moonshot-bot/internal/metrics"
	"moonshot-bot/internal/position"

	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (s *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memoryStore) List(_ context.Context, prefix string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out[k] = v
		}
	}
	return out, nil
}

func (s *memoryStore) Close() error { return nil }

type fakeExchange struct {
	mu        sync.Mutex
	fillPrice float64
	failures  int
	failErr   error
	orders    []rest.OrderRequest
	cancels   int
}

// fail makes the next n order placements return err.
func (f *fakeExchange) fail(n int, err error) {
	f.mu.Lock()
	f.failures = n
	f.failErr = err
	f.mu.Unlock()
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req rest.OrderRequest) (rest.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return rest.OrderResponse{}, f.failErr
	}
	f.orders = append(f.orders, req)
	return rest.OrderResponse{
		OrderID:     int64(len(f.orders)),
		Status:      "FILLED",
		AvgPrice:    f.fillPrice,
		ExecutedQty: req.Quantity,
	}, nil
}

func (f *fakeExchange) CancelAllOrders(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeExchange) SetLeverage(_ context.Context, _ string, _ int) error { return nil }
func (f *fakeExchange) SetIsolatedMargin(_ context.Context, _ string) error  { return nil }

func (f *fakeExchange) placed() []rest.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]rest.OrderRequest, len(f.orders))
	copy(out, f.orders)
	return out
}

type fakeFeed struct {
	mu      sync.Mutex
	price   float64
	funding float64
}

func (f *fakeFeed) Mark(_ context.Context, symbol string) (market.MarkPrice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return market.MarkPrice{Symbol: symbol, Price: f.price, Funding: f.funding, ObservedAt: time.Now()}, nil
}

func (f *fakeFeed) WatchMark(_ context.Context, _ string) error   { return nil }
func (f *fakeFeed) UnwatchMark(_ context.Context, _ string) error { return nil }
func (f *fakeFeed) Precision(_ string) (int, int)                 { return 3, 2 }

func (f *fakeFeed) set(price, funding float64) {
	f.mu.Lock()
	f.price = price
	f.funding = funding
	f.mu.Unlock()
}

func testExitConfig() config.ExitConfig {
	return config.ExitConfig{
		MonitorInterval:    2 * time.Second,
		InitialStopPct:     3.5,
		LiquidationBuffer:  1.5,
		TrailingDistance:   3,
		TightTrailDistance: 2,
		Ladder: []config.RungConfig{
			{TriggerPct: 5, CloseFraction: 0.30, Action: ActionMoveStopBreakeven},
			{TriggerPct: 10, CloseFraction: 0.25, Action: ActionArmTrailing},
			{TriggerPct: 20, CloseFraction: 0.25, Action: ActionTightenTrailing},
			{TriggerPct: 50, CloseFraction: 1.0, Action: ActionCloseRemaining},
		},
		Funding: config.FundingExitConfig{
			MaxRate:         0.001,
			SustainWindow:   30 * time.Minute,
			PartialClosePct: 50,
			ProfitPartial:   5,
			ProfitFullBelow: 2,
		},
		Velocity: config.VelocityExitConfig{
			Window:          time.Minute,
			PartialClose:    -2,
			FullClose:       -3,
			PartialClosePct: 50,
			PumpProfitPct:   5,
			PumpWindow:      10 * time.Minute,
			PumpClosePct:    50,
		},
		MaxHold: 168 * time.Hour,
	}
}

type harness struct {
	mgr      *Manager
	tracker  *position.Tracker
	feed     *fakeFeed
	exchange *fakeExchange

	mu     sync.Mutex
	closed []*position.Position
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := newMemoryStore()
	log := zap.NewNop()
	tracker := position.NewTracker(store, 30, log)
	exchange := &fakeExchange{fillPrice: 100}
	executor := exec.New(exchange, store, log)
	feed := &fakeFeed{price: 100}
	h := &harness{
		tracker:  tracker,
		feed:     feed,
		exchange: exchange,
	}
	h.mgr = New(testExitConfig(), feed, tracker, executor, metrics.NewNoop(), log)
	h.mgr.SetCloseHook(func(p *position.Position) {
		h.mu.Lock()
		h.closed = append(h.closed, p)
		h.mu.Unlock()
	})
	return h
}

func (h *harness) open(t *testing.T, side position.Side, entry, qty float64, rungs bool) *position.Position {
	t.Helper()
	cfg := testExitConfig()
	p := &position.Position{
		ID:         position.NewID(),
		Symbol:     "DOGEUSDT",
		Side:       side,
		Status:     position.StatusOpen,
		EntryPrice: entry,
		Quantity:   qty,
		Margin:     50,
		Leverage:   15,
		// Aged past the instant-pump window so ladder and funding
		// scenarios see only the check under test.
		OpenedAt: time.Now().UTC().Add(-time.Hour),
		StopLoss: InitialStop(cfg, side, entry, 0),
	}
	if rungs {
		p.Rungs = BuildRungs(cfg.Ladder)
	}
	if err := h.tracker.Register(context.Background(), p); err != nil {
		t.Fatalf("register: %v", err)
	}
	return p
}

func (h *harness) tick(t *testing.T, id string) bool {
	t.Helper()
	p, ok := h.tracker.Get(id)
	symbol := "DOGEUSDT"
	if ok {
		symbol = p.Symbol
	}
	closed, err := h.mgr.tick(context.Background(), id, symbol)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	return closed
}

func (h *harness) lastClosed(t *testing.T) *position.Position {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.closed) == 0 {
		t.Fatal("no closed positions recorded")
	}
	return h.closed[len(h.closed)-1]
}

// evaluateAt drives one evaluation with an explicit clock, for checks
// whose behavior depends on mark sample timing.
func (h *harness) evaluateAt(t *testing.T, id string, price float64, at time.Time) *position.Position {
	t.Helper()
	h.exchange.fillPrice = price
	var snap *position.Position
	err := h.tracker.Update(context.Background(), id, func(p *position.Position) error {
		if err := h.mgr.evaluate(context.Background(), p, market.MarkPrice{Symbol: p.Symbol, Price: price}, at); err != nil {
			return err
		}
		snap = p.Clone()
		return nil
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	return snap
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestFirstRungClosesThirtyPercentAndMovesStopToBreakeven(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, position.Long, 100, 10, true)

	h.feed.set(105, 0)
	h.exchange.fillPrice = 105
	if h.tick(t, p.ID) {
		t.Fatal("position should still be open after first rung")
	}

	orders := h.exchange.placed()
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}
	if !approx(orders[0].Quantity, 3) || !orders[0].ReduceOnly || orders[0].Side != "SELL" {
		t.Fatalf("unexpected rung order: %+v", orders[0])
	}

	cur, ok := h.tracker.Get(p.ID)
	if !ok {
		t.Fatal("position gone from tracker")
	}
	if !approx(cur.StopLoss, 100) {
		t.Fatalf("stop should sit at breakeven, got %v", cur.StopLoss)
	}
	if !approx(cur.Quantity, 7) {
		t.Fatalf("remaining quantity = %v, want 7", cur.Quantity)
	}
	if !cur.Rungs[0].Fired || cur.Rungs[1].Fired {
		t.Fatalf("unexpected rung state: %+v", cur.Rungs)
	}
}

func TestRungSurvivesVenueOutageAndFiresOnRecovery(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, position.Long, 100, 10, true)

	h.feed.set(105, 0)
	h.exchange.fillPrice = 105
	h.exchange.fail(5, &rest.APIError{Status: 503, Message: "Service unavailable"})

	closed, err := h.mgr.tick(context.Background(), p.ID, p.Symbol)
	if err == nil {
		t.Fatal("tick should surface the venue error")
	}
	if closed {
		t.Fatal("position must stay open through the outage")
	}

	// The failed close must not consume the rung or touch the book.
	cur, ok := h.tracker.Get(p.ID)
	if !ok {
		t.Fatal("position gone from tracker")
	}
	if cur.Rungs[0].Fired {
		t.Fatal("rung marked fired before the close succeeded")
	}
	if !approx(cur.Quantity, 10) {
		t.Fatalf("quantity = %v, want 10", cur.Quantity)
	}
	if !approx(cur.StopLoss, 96.5) {
		t.Fatalf("stop = %v, want 96.5", cur.StopLoss)
	}

	// Venue recovers; the next tick fires the same rung.
	if h.tick(t, p.ID) {
		t.Fatal("position should stay open after the first rung")
	}
	orders := h.exchange.placed()
	if len(orders) != 1 {
		t.Fatalf("expected 1 order after recovery, got %d", len(orders))
	}
	if !approx(orders[0].Quantity, 3) {
		t.Fatalf("recovery order quantity = %v, want 3", orders[0].Quantity)
	}
	cur, _ = h.tracker.Get(p.ID)
	if !cur.Rungs[0].Fired {
		t.Fatal("rung should fire once the close succeeds")
	}
	if !approx(cur.Quantity, 7) || !approx(cur.StopLoss, 100) {
		t.Fatalf("post-recovery state: qty=%v stop=%v", cur.Quantity, cur.StopLoss)
	}
}

func TestFinalRungClosesRemainderAndCompletesLadder(t *testing.T) {
	h := newHarness(t)
	var hookFires int
	h.mgr.SetRungHook(func(_ *position.Position, _ position.Rung) {
		hookFires++
	})
	p := h.open(t, position.Long, 100, 10, true)

	h.feed.set(155, 0)
	h.exchange.fillPrice = 155
	if !h.tick(t, p.ID) {
		t.Fatal("completed ladder must close the position")
	}

	closed := h.lastClosed(t)
	if closed.Status != position.StatusClosed || closed.ExitReason != ReasonLadder {
		t.Fatalf("status=%s reason=%s", closed.Status, closed.ExitReason)
	}
	if !approx(closed.Quantity, 0) {
		t.Fatalf("remaining quantity = %v, want 0", closed.Quantity)
	}
	// 30%, then 25% of the remainder twice, then the rest.
	orders := h.exchange.placed()
	if len(orders) != 4 {
		t.Fatalf("expected 4 close orders, got %d", len(orders))
	}
	wantQty := []float64{3, 1.75, 1.3125, 3.9375}
	for i, want := range wantQty {
		if !approx(orders[i].Quantity, want) {
			t.Fatalf("order %d quantity = %v, want %v", i, orders[i].Quantity, want)
		}
	}
	if !approx(closed.RealizedPnL, 550) {
		t.Fatalf("realized pnl = %v, want 550", closed.RealizedPnL)
	}
	// The final close notifies through the close hook, not the rung hook.
	if hookFires != 3 {
		t.Fatalf("rung hook fired %d times, want 3", hookFires)
	}
	if _, ok := h.tracker.Get(p.ID); ok {
		t.Fatal("closed position should leave the tracker")
	}
}

func TestRungHookReportsPartialFill(t *testing.T) {
	h := newHarness(t)
	var rungs []position.Rung
	var remaining []float64
	h.mgr.SetRungHook(func(p *position.Position, rung position.Rung) {
		rungs = append(rungs, rung)
		remaining = append(remaining, p.Quantity)
	})
	p := h.open(t, position.Long, 100, 10, true)

	h.feed.set(105, 0)
	h.exchange.fillPrice = 105
	h.tick(t, p.ID)

	if len(rungs) != 1 || !approx(rungs[0].TriggerPct, 5) {
		t.Fatalf("unexpected rung hook calls: %+v", rungs)
	}
	if !approx(remaining[0], 7) {
		t.Fatalf("hook saw quantity %v, want 7", remaining[0])
	}
}

func TestBreakevenStopOutAfterFirstRung(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, position.Long, 100, 10, true)

	h.feed.set(105, 0)
	h.exchange.fillPrice = 105
	h.tick(t, p.ID)

	h.feed.set(99.9, 0)
	h.exchange.fillPrice = 99.9
	if !h.tick(t, p.ID) {
		t.Fatal("stop breach should close the position")
	}

	closed := h.lastClosed(t)
	if closed.Status != position.StatusStoppedOut {
		t.Fatalf("status = %s, want STOPPED_OUT", closed.Status)
	}
	if closed.ExitReason != ReasonStopLoss {
		t.Fatalf("exit reason = %s", closed.ExitReason)
	}
	// 30% closed at 105 gains 15, the rest stops out for -0.7.
	if !approx(closed.RealizedPnL, 15-0.7) {
		t.Fatalf("realized pnl = %v, want 14.3", closed.RealizedPnL)
	}
	if _, ok := h.tracker.Get(p.ID); ok {
		t.Fatal("closed position should leave the tracker")
	}
}

func TestRungsFireOnce(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, position.Long, 100, 10, true)

	h.feed.set(105, 0)
	h.exchange.fillPrice = 105
	h.tick(t, p.ID)
	h.tick(t, p.ID)

	if got := len(h.exchange.placed()); got != 1 {
		t.Fatalf("rung fired %d times, want 1", got)
	}
}

func TestTrailingArmsTightensAndExitsInProfit(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, position.Long, 100, 10, true)

	// +10% fires rungs one and two and arms the 3% trail off the
	// 110 high water mark.
	h.feed.set(110, 0)
	h.exchange.fillPrice = 110
	h.tick(t, p.ID)

	cur, _ := h.tracker.Get(p.ID)
	if !cur.TrailingActive || !approx(cur.TrailingDistance, 3) {
		t.Fatalf("trailing not armed: %+v", cur)
	}
	if !approx(cur.StopLoss, 110*0.97) {
		t.Fatalf("trailing stop = %v, want %v", cur.StopLoss, 110*0.97)
	}
	if h.exchange.cancels == 0 {
		t.Fatal("stop replace should cancel resting orders")
	}

	// +20% fires rung three and tightens the trail to 2%.
	h.feed.set(120, 0)
	h.exchange.fillPrice = 120
	h.tick(t, p.ID)

	cur, _ = h.tracker.Get(p.ID)
	if !approx(cur.TrailingDistance, 2) {
		t.Fatalf("trail distance = %v, want 2", cur.TrailingDistance)
	}
	if !approx(cur.StopLoss, 120*0.98) {
		t.Fatalf("trailing stop = %v, want %v", cur.StopLoss, 120*0.98)
	}

	// Pullback through the trail closes the remainder in profit.
	h.feed.set(117, 0)
	h.exchange.fillPrice = 117
	if !h.tick(t, p.ID) {
		t.Fatal("pullback through trail should close")
	}
	closed := h.lastClosed(t)
	if closed.Status != position.StatusClosed || closed.ExitReason != ReasonTrailing {
		t.Fatalf("status=%s reason=%s", closed.Status, closed.ExitReason)
	}
}

func TestTrailingStopNeverLoosens(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, position.Long, 100, 10, true)

	h.feed.set(110, 0)
	h.exchange.fillPrice = 110
	h.tick(t, p.ID)
	before := len(h.exchange.placed())

	// Price dips but stays above the stop. The candidate from the
	// unchanged high water mark is not an improvement.
	h.feed.set(108, 0)
	h.tick(t, p.ID)

	cur, _ := h.tracker.Get(p.ID)
	if !approx(cur.StopLoss, 110*0.97) {
		t.Fatalf("stop moved on a dip: %v", cur.StopLoss)
	}
	if got := len(h.exchange.placed()); got != before {
		t.Fatalf("stop replaced without movement: %d orders, had %d", got, before)
	}
}

func TestFundingFullExitWhenProfitThin(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, position.Long, 100, 10, false)
	err := h.tracker.Update(context.Background(), p.ID, func(pos *position.Position) error {
		pos.FundingAdverseSince = time.Now().UTC().Add(-31 * time.Minute)
		return nil
	})
	if err != nil {
		t.Fatalf("seed funding timer: %v", err)
	}

	h.feed.set(101, 0.002)
	h.exchange.fillPrice = 101
	if !h.tick(t, p.ID) {
		t.Fatal("sustained adverse funding with thin profit should close")
	}
	closed := h.lastClosed(t)
	if closed.Status != position.StatusFundingExit || closed.ExitReason != ReasonFunding {
		t.Fatalf("status=%s reason=%s", closed.Status, closed.ExitReason)
	}
}

func TestFundingPartialReductionHappensOnce(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, position.Long, 100, 10, false)
	err := h.tracker.Update(context.Background(), p.ID, func(pos *position.Position) error {
		pos.FundingAdverseSince = time.Now().UTC().Add(-31 * time.Minute)
		return nil
	})
	if err != nil {
		t.Fatalf("seed funding timer: %v", err)
	}

	h.feed.set(106, 0.002)
	h.exchange.fillPrice = 106
	if h.tick(t, p.ID) {
		t.Fatal("profitable position should only reduce, not close")
	}

	cur, _ := h.tracker.Get(p.ID)
	if !cur.FundingReduced {
		t.Fatal("FundingReduced not set")
	}
	if !approx(cur.Quantity, 5) {
		t.Fatalf("quantity = %v, want 5", cur.Quantity)
	}

	h.tick(t, p.ID)
	if got := len(h.exchange.placed()); got != 1 {
		t.Fatalf("reduction repeated: %d orders", got)
	}
}

func TestFundingTimerResetsWhenRateNormalizes(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, position.Long, 100, 10, false)

	h.feed.set(101, 0.002)
	h.tick(t, p.ID)
	cur, _ := h.tracker.Get(p.ID)
	if cur.FundingAdverseSince.IsZero() {
		t.Fatal("adverse timer should start")
	}

	h.feed.set(101, 0.0001)
	h.tick(t, p.ID)
	cur, _ = h.tracker.Get(p.ID)
	if !cur.FundingAdverseSince.IsZero() {
		t.Fatal("timer should reset once funding normalizes")
	}
}

func TestMaxHoldForcesExit(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, position.Long, 100, 10, false)
	err := h.tracker.Update(context.Background(), p.ID, func(pos *position.Position) error {
		pos.OpenedAt = time.Now().UTC().Add(-169 * time.Hour)
		return nil
	})
	if err != nil {
		t.Fatalf("age position: %v", err)
	}

	h.feed.set(100.5, 0)
	h.exchange.fillPrice = 100.5
	if !h.tick(t, p.ID) {
		t.Fatal("expired hold should close")
	}
	closed := h.lastClosed(t)
	if closed.Status != position.StatusClosed || closed.ExitReason != ReasonMaxHold {
		t.Fatalf("status=%s reason=%s", closed.Status, closed.ExitReason)
	}
}

func TestShortStopOutBuysBack(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, position.Short, 100, 10, true)

	h.feed.set(104, 0)
	h.exchange.fillPrice = 104
	if !h.tick(t, p.ID) {
		t.Fatal("short above stop should close")
	}
	orders := h.exchange.placed()
	last := orders[len(orders)-1]
	if last.Side != "BUY" || !last.ReduceOnly {
		t.Fatalf("short close order: %+v", last)
	}
	if h.lastClosed(t).Status != position.StatusStoppedOut {
		t.Fatalf("status = %s", h.lastClosed(t).Status)
	}
}

func TestVelocityReversalReducesThenAbandons(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, position.Long, 100, 10, false)
	base := time.Now().UTC()

	// First observation seeds the window; no baseline means no exit.
	h.evaluateAt(t, p.ID, 110, base)
	if got := len(h.exchange.placed()); got != 0 {
		t.Fatalf("no orders expected while the window fills, got %d", got)
	}

	// A -2.3% move over the window takes the one-time 50% reduction.
	snap := h.evaluateAt(t, p.ID, 107.5, base.Add(61*time.Second))
	if !snap.VelocityReduced {
		t.Fatal("VelocityReduced not set")
	}
	if !approx(snap.Quantity, 5) {
		t.Fatalf("quantity = %v, want 5", snap.Quantity)
	}

	// Same reading a moment later must not reduce again.
	h.evaluateAt(t, p.ID, 107.5, base.Add(62*time.Second))
	if got := len(h.exchange.placed()); got != 1 {
		t.Fatalf("reduction repeated: %d orders", got)
	}

	// The drop steepening past -3% abandons the position.
	snap = h.evaluateAt(t, p.ID, 104, base.Add(122*time.Second))
	if snap.Status != position.StatusClosed || snap.ExitReason != ReasonVelocity {
		t.Fatalf("status=%s reason=%s", snap.Status, snap.ExitReason)
	}
	if _, ok := h.tracker.Get(p.ID); ok {
		t.Fatal("closed position should leave the tracker")
	}
}

func TestVelocityReversalIgnoredAtALoss(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, position.Long, 100, 10, false)
	base := time.Now().UTC()

	h.evaluateAt(t, p.ID, 99, base)
	// -2.4% velocity, but the position is under water; the stop owns
	// losing exits.
	snap := h.evaluateAt(t, p.ID, 96.6, base.Add(61*time.Second))
	if snap.VelocityReduced {
		t.Fatal("losing position must not take a velocity reduction")
	}
	if got := len(h.exchange.placed()); got != 0 {
		t.Fatalf("unexpected orders: %d", got)
	}
}

func TestInstantPumpLocksProfitOnce(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, position.Long, 100, 10, false)
	err := h.tracker.Update(context.Background(), p.ID, func(pos *position.Position) error {
		pos.OpenedAt = time.Now().UTC().Add(-2 * time.Minute)
		return nil
	})
	if err != nil {
		t.Fatalf("reset open time: %v", err)
	}

	h.feed.set(105.5, 0)
	h.exchange.fillPrice = 105.5
	if h.tick(t, p.ID) {
		t.Fatal("pump lock is a partial close, position stays open")
	}

	cur, _ := h.tracker.Get(p.ID)
	if !cur.PumpReduced {
		t.Fatal("PumpReduced not set")
	}
	if !approx(cur.Quantity, 5) {
		t.Fatalf("quantity = %v, want 5", cur.Quantity)
	}

	h.tick(t, p.ID)
	if got := len(h.exchange.placed()); got != 1 {
		t.Fatalf("pump lock repeated: %d orders", got)
	}
}

func TestInstantPumpIgnoredOutsideWindow(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, position.Long, 100, 10, false)
	err := h.tracker.Update(context.Background(), p.ID, func(pos *position.Position) error {
		pos.OpenedAt = time.Now().UTC().Add(-11 * time.Minute)
		return nil
	})
	if err != nil {
		t.Fatalf("age position: %v", err)
	}

	h.feed.set(105.5, 0)
	h.exchange.fillPrice = 105.5
	h.tick(t, p.ID)

	cur, _ := h.tracker.Get(p.ID)
	if cur.PumpReduced || len(h.exchange.placed()) != 0 {
		t.Fatalf("pump lock fired outside its window: %+v", cur)
	}
}

func TestInitialStopRespectsLiquidationBuffer(t *testing.T) {
	cfg := testExitConfig()

	if got := InitialStop(cfg, position.Long, 100, 0); !approx(got, 96.5) {
		t.Fatalf("plain long stop = %v", got)
	}
	// Liquidation at 97.5 pushes the stop above the plain level.
	if got := InitialStop(cfg, position.Long, 100, 97.5); !approx(got, 97.5*1.015) {
		t.Fatalf("buffered long stop = %v", got)
	}
	if got := InitialStop(cfg, position.Short, 100, 0); !approx(got, 103.5) {
		t.Fatalf("plain short stop = %v", got)
	}
	if got := InitialStop(cfg, position.Short, 100, 102); !approx(got, 102*0.985) {
		t.Fatalf("buffered short stop = %v", got)
	}
}
