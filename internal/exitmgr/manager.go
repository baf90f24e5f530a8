package exitmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"moonshot-bot/internal/config"
	"moonshot-bot/internal/exec"
	"moonshot-bot/internal/market"
	"moonshot-bot/internal/metrics"
	"moonshot-bot/internal/position"

	"go.uber.org/zap"
)

// Rung actions recognized in the take-profit ladder. The final rung
// carries close_remaining with a full close fraction, so a completed
// ladder always reaches the CLOSED terminal.
const (
	ActionMoveStopBreakeven = "move_stop_breakeven"
	ActionArmTrailing       = "arm_trailing"
	ActionTightenTrailing   = "tighten_trailing"
	ActionCloseRemaining    = "close_remaining"
)

// Exit reasons recorded on the position and in close notifications.
const (
	ReasonStopLoss = "stop_loss"
	ReasonTrailing = "trailing_stop"
	ReasonFunding  = "adverse_funding"
	ReasonMaxHold  = "max_hold"
	ReasonLadder   = "ladder_complete"
	ReasonVelocity = "velocity_reversal"
	ReasonPump     = "instant_pump_exit"
	ReasonShutdown = "operator_stop"
)

type Feed interface {
	Mark(ctx context.Context, symbol string) (market.MarkPrice, error)
	WatchMark(ctx context.Context, symbol string) error
	UnwatchMark(ctx context.Context, symbol string) error
	Precision(symbol string) (qty, px int)
}

type Closer func(p *position.Position)

// RungFired receives a copy of the position after a partial rung fill.
type RungFired func(p *position.Position, rung position.Rung)

// Manager runs one monitor goroutine per open position. A tick
// evaluates stop, hold-time, the pump-and-dump guards, funding and the
// take-profit ladder under the position's lock, so a slow exchange
// call for one position never delays the others.
type Manager struct {
	cfg     config.ExitConfig
	feed    Feed
	tracker *position.Tracker
	exec    *exec.Executor
	metrics *metrics.Metrics
	log     *zap.Logger
	onClose Closer
	onRung  RungFired

	mu       sync.Mutex
	root     context.Context
	cancel   context.CancelFunc
	monitors map[string]context.CancelFunc
	wg       sync.WaitGroup

	velMu   sync.Mutex
	samples map[string][]priceSample
}

type priceSample struct {
	at    time.Time
	price float64
}

func New(cfg config.ExitConfig, feed Feed, tracker *position.Tracker, executor *exec.Executor, m *metrics.Metrics, log *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		feed:     feed,
		tracker:  tracker,
		exec:     executor,
		metrics:  m,
		log:      log,
		monitors: make(map[string]context.CancelFunc),
		samples:  make(map[string][]priceSample),
	}
}

// SetCloseHook registers a callback invoked after a position fully
// closes. Must be called before Start.
func (m *Manager) SetCloseHook(fn Closer) {
	m.onClose = fn
}

// SetRungHook registers a callback invoked after a take-profit rung
// fills while the position stays open. Must be called before Start.
func (m *Manager) SetRungHook(fn RungFired) {
	m.onRung = fn
}

func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.root, m.cancel = context.WithCancel(ctx)
}

// Watch spawns the monitor for one position. Watching an already
// monitored position is a no-op.
func (m *Manager) Watch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.root == nil {
		return
	}
	if _, ok := m.monitors[id]; ok {
		return
	}
	ctx, cancel := context.WithCancel(m.root)
	m.monitors[id] = cancel
	m.wg.Add(1)
	go m.monitor(ctx, id)
}

// Stop cancels all monitors and waits for in-flight evaluations to
// finish, so no order is abandoned mid-placement.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) monitor(ctx context.Context, id string) {
	defer m.wg.Done()
	defer m.release(id)

	p, ok := m.tracker.Get(id)
	if !ok {
		return
	}
	symbol := p.Symbol
	if err := m.feed.WatchMark(ctx, symbol); err != nil {
		m.log.Warn("mark stream subscribe failed", zap.String("symbol", symbol), zap.Error(err))
	}

	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			closed, err := m.tick(ctx, id, symbol)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.log.Warn("exit evaluation failed",
					zap.String("position", id),
					zap.String("symbol", symbol),
					zap.Error(err))
				continue
			}
			if closed {
				unwatchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = m.feed.UnwatchMark(unwatchCtx, symbol)
				cancel()
				return
			}
		}
	}
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	if cancel, ok := m.monitors[id]; ok {
		cancel()
		delete(m.monitors, id)
	}
	m.mu.Unlock()
	m.velMu.Lock()
	delete(m.samples, id)
	m.velMu.Unlock()
}

// tick evaluates one position once. Returns true when the position is
// fully closed.
func (m *Manager) tick(ctx context.Context, id, symbol string) (bool, error) {
	mark, err := m.feed.Mark(ctx, symbol)
	if err != nil {
		return false, fmt.Errorf("mark price: %w", err)
	}
	if mark.Price <= 0 {
		return false, fmt.Errorf("invalid mark price for %s", symbol)
	}
	var closedPos *position.Position
	err = m.tracker.Update(ctx, id, func(p *position.Position) error {
		if err := m.evaluate(ctx, p, mark, time.Now().UTC()); err != nil {
			return err
		}
		if !p.Open() {
			closedPos = p.Clone()
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, position.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	if closedPos != nil {
		if m.onClose != nil {
			m.onClose(closedPos)
		}
		return true, nil
	}
	return false, nil
}

// evaluate mutates the position under its lock. Order placement happens
// inside the lock: at most one evaluation can touch a position's exit
// state, and client order ids derived from the position and rung make
// replays after a crash idempotent.
func (m *Manager) evaluate(ctx context.Context, p *position.Position, mark market.MarkPrice, now time.Time) error {
	price := mark.Price
	p.UpdateWatermarks(price)
	velocity := m.observeVelocity(p.ID, now, price)

	if p.StopHit(price) {
		reason := ReasonStopLoss
		if p.TrailingActive && p.ProfitPct(p.StopLoss) > 0 {
			reason = ReasonTrailing
		}
		status := position.StatusStoppedOut
		if reason == ReasonTrailing {
			status = position.StatusClosed
		}
		return m.closeAll(ctx, p, status, reason, p.ID+":stopout")
	}

	if m.cfg.MaxHold > 0 && now.Sub(p.OpenedAt) >= m.cfg.MaxHold {
		return m.closeAll(ctx, p, position.StatusClosed, ReasonMaxHold, p.ID+":maxhold")
	}

	if done, err := m.evaluateVelocity(ctx, p, price, velocity); done || err != nil {
		return err
	}
	if err := m.evaluatePump(ctx, p, price, now); err != nil {
		return err
	}

	if done, err := m.evaluateFunding(ctx, p, mark, now); done || err != nil {
		return err
	}

	if err := m.evaluateLadder(ctx, p, price); err != nil {
		return err
	}
	if !p.Open() {
		return nil
	}

	return m.evaluateTrailing(ctx, p)
}

// observeVelocity records the mark and returns the percent move over
// the trailing velocity window. Until a full window of history exists
// the velocity reads zero, so a freshly watched position never exits
// on a half-seen move.
func (m *Manager) observeVelocity(id string, now time.Time, price float64) float64 {
	m.velMu.Lock()
	defer m.velMu.Unlock()
	samples := append(m.samples[id], priceSample{at: now, price: price})
	cut := now.Add(-m.cfg.Velocity.Window)
	base := -1
	for i, s := range samples {
		if s.at.After(cut) {
			break
		}
		base = i
	}
	if base > 0 {
		samples = samples[base:]
	}
	m.samples[id] = samples
	if base < 0 || samples[0].price <= 0 {
		return 0
	}
	return (price - samples[0].price) / samples[0].price * 100
}

// evaluateVelocity guards a profitable position against a fast
// reversal. A sharp adverse move takes a one-time partial close, a
// severe one abandons the position entirely. Positions at a loss are
// left to the stop.
func (m *Manager) evaluateVelocity(ctx context.Context, p *position.Position, price, velocity float64) (bool, error) {
	if p.ProfitPct(price) <= 0 {
		return false, nil
	}
	reversal := velocity
	if p.Side == position.Short {
		reversal = -velocity
	}
	switch {
	case reversal <= m.cfg.Velocity.FullClose:
		if err := m.closeAll(ctx, p, position.StatusClosed, ReasonVelocity, p.ID+":velocity-full"); err != nil {
			return false, err
		}
		m.metrics.VelocityExits.Inc()
		return true, nil
	case reversal <= m.cfg.Velocity.PartialClose && !p.VelocityReduced:
		fraction := m.cfg.Velocity.PartialClosePct / 100
		if err := m.closePartial(ctx, p, fraction, p.ID+":velocity-partial"); err != nil {
			return false, err
		}
		p.VelocityReduced = true
		m.metrics.VelocityExits.Inc()
		m.log.Warn("velocity reversal reduced position",
			zap.String("position", p.ID),
			zap.String("symbol", p.Symbol),
			zap.Float64("velocity_pct", velocity))
	}
	return false, nil
}

// evaluatePump locks in part of an instant pump. A position that hits
// the profit threshold inside the pump window after entry takes a
// one-time partial close.
func (m *Manager) evaluatePump(ctx context.Context, p *position.Position, price float64, now time.Time) error {
	if p.PumpReduced || now.Sub(p.OpenedAt) > m.cfg.Velocity.PumpWindow {
		return nil
	}
	profit := p.ProfitPct(price)
	if profit < m.cfg.Velocity.PumpProfitPct {
		return nil
	}
	fraction := m.cfg.Velocity.PumpClosePct / 100
	if err := m.closePartial(ctx, p, fraction, p.ID+":pump-partial"); err != nil {
		return err
	}
	p.PumpReduced = true
	m.metrics.PumpExits.Inc()
	m.log.Warn("instant pump profit locked",
		zap.String("position", p.ID),
		zap.String("symbol", p.Symbol),
		zap.Float64("profit_pct", profit))
	return nil
}

// evaluateFunding exits when funding has been against the position for
// the sustained window. Deep profit takes a partial close once, low
// profit abandons the position entirely.
func (m *Manager) evaluateFunding(ctx context.Context, p *position.Position, mark market.MarkPrice, now time.Time) (bool, error) {
	adverse := false
	if p.Side == position.Long {
		adverse = mark.Funding >= m.cfg.Funding.MaxRate
	} else {
		adverse = mark.Funding <= -m.cfg.Funding.MaxRate
	}
	if !adverse {
		p.FundingAdverseSince = time.Time{}
		return false, nil
	}
	if p.FundingAdverseSince.IsZero() {
		p.FundingAdverseSince = now
		return false, nil
	}
	if now.Sub(p.FundingAdverseSince) < m.cfg.Funding.SustainWindow {
		return false, nil
	}

	profit := p.ProfitPct(mark.Price)
	switch {
	case profit < m.cfg.Funding.ProfitFullBelow:
		if err := m.closeAll(ctx, p, position.StatusFundingExit, ReasonFunding, p.ID+":funding-full"); err != nil {
			return false, err
		}
		m.metrics.FundingExits.Inc()
		return true, nil
	case profit > m.cfg.Funding.ProfitPartial && !p.FundingReduced:
		fraction := m.cfg.Funding.PartialClosePct / 100
		if err := m.closePartial(ctx, p, fraction, p.ID+":funding-partial"); err != nil {
			return false, err
		}
		p.FundingReduced = true
		m.metrics.FundingExits.Inc()
	}
	return false, nil
}

// evaluateLadder fires pending rungs in ascending order. A rung is
// marked fired only after its close order succeeds, so a venue error
// leaves it pending and the next tick retries. The deterministic
// client id dedupes a retry whose order actually reached the venue.
func (m *Manager) evaluateLadder(ctx context.Context, p *position.Position, price float64) error {
	profit := p.ProfitPct(price)
	for i := range p.Rungs {
		rung := &p.Rungs[i]
		if rung.Fired || profit < rung.TriggerPct {
			continue
		}
		if err := m.closePartial(ctx, p, rung.CloseFraction, fmt.Sprintf("%s:rung:%d", p.ID, i)); err != nil {
			return err
		}
		rung.Fired = true
		m.metrics.RungsFired.Inc()
		m.log.Info("take-profit rung fired",
			zap.String("position", p.ID),
			zap.String("symbol", p.Symbol),
			zap.Float64("trigger_pct", rung.TriggerPct),
			zap.Float64("profit_pct", profit))
		m.applyRungAction(p, rung.Action)
		if !p.Open() {
			return nil
		}
		if m.onRung != nil {
			m.onRung(p.Clone(), *rung)
		}
	}
	return nil
}

func (m *Manager) applyRungAction(p *position.Position, action string) {
	switch action {
	case ActionMoveStopBreakeven:
		m.tightenStop(p, p.EntryPrice)
	case ActionArmTrailing:
		p.TrailingActive = true
		p.TrailingDistance = m.cfg.TrailingDistance
	case ActionTightenTrailing:
		p.TrailingActive = true
		if m.cfg.TightTrailDistance < p.TrailingDistance || p.TrailingDistance == 0 {
			p.TrailingDistance = m.cfg.TightTrailDistance
		}
	case ActionCloseRemaining:
		// Handled by the rung's full close fraction.
	}
}

// evaluateTrailing ratchets the stop behind the favorable watermark.
// The stop only ever tightens.
func (m *Manager) evaluateTrailing(ctx context.Context, p *position.Position) error {
	if !p.TrailingActive || p.TrailingDistance <= 0 {
		return nil
	}
	var candidate float64
	if p.Side == position.Long {
		candidate = p.HighWater * (1 - p.TrailingDistance/100)
	} else {
		candidate = p.LowWater * (1 + p.TrailingDistance/100)
	}
	if !m.tightenStop(p, candidate) {
		return nil
	}
	_, px := m.feed.Precision(p.Symbol)
	if err := m.exec.ReplaceStop(ctx, p.Symbol, p.Side, p.StopLoss, px); err != nil {
		m.metrics.OrdersFailed.Inc()
		return fmt.Errorf("replace stop: %w", err)
	}
	m.metrics.OrdersPlaced.Inc()
	return nil
}

// tightenStop moves the stop toward profit only. Returns true when the
// level changed.
func (m *Manager) tightenStop(p *position.Position, candidate float64) bool {
	if candidate <= 0 {
		return false
	}
	if p.Side == position.Long {
		if p.StopLoss == 0 || candidate > p.StopLoss {
			p.StopLoss = candidate
			return true
		}
		return false
	}
	if p.StopLoss == 0 || candidate < p.StopLoss {
		p.StopLoss = candidate
		return true
	}
	return false
}

// closePartial reduces the position by a fraction of the REMAINING
// quantity. A remainder too small to trade closes out entirely.
func (m *Manager) closePartial(ctx context.Context, p *position.Position, fraction float64, clientID string) error {
	if fraction >= 1 {
		return m.closeAll(ctx, p, position.StatusClosed, ReasonLadder, clientID)
	}
	qty := p.Quantity * fraction
	qtyPrec, pxPrec := m.feed.Precision(p.Symbol)
	fill, err := m.exec.CloseMarket(ctx, p.Symbol, p.Side, qty, qtyPrec, pxPrec, clientID)
	if err != nil {
		m.metrics.OrdersFailed.Inc()
		return fmt.Errorf("partial close: %w", err)
	}
	m.metrics.OrdersPlaced.Inc()
	m.applyFill(p, fill)
	return nil
}

func (m *Manager) closeAll(ctx context.Context, p *position.Position, status position.Status, reason, clientID string) error {
	qtyPrec, pxPrec := m.feed.Precision(p.Symbol)
	fill, err := m.exec.CloseMarket(ctx, p.Symbol, p.Side, p.Quantity, qtyPrec, pxPrec, clientID)
	if err != nil {
		m.metrics.OrdersFailed.Inc()
		return fmt.Errorf("full close: %w", err)
	}
	m.metrics.OrdersPlaced.Inc()
	m.applyFill(p, fill)
	p.Quantity = 0
	p.Status = status
	p.ExitReason = reason
	p.ClosedAt = time.Now().UTC()
	if status == position.StatusStoppedOut {
		m.metrics.StopOuts.Inc()
	}
	m.log.Info("position closed",
		zap.String("position", p.ID),
		zap.String("symbol", p.Symbol),
		zap.String("reason", reason),
		zap.Float64("realized_pnl", p.RealizedPnL))
	return nil
}

func (m *Manager) applyFill(p *position.Position, fill exec.Fill) {
	diff := fill.AvgPrice - p.EntryPrice
	if p.Side == position.Short {
		diff = -diff
	}
	p.RealizedPnL += diff * fill.Quantity
	p.Quantity -= fill.Quantity
	if p.Quantity < 0 {
		p.Quantity = 0
	}
}

// ClosePosition force-closes one position, used by the shutdown path
// and the control surface.
func (m *Manager) ClosePosition(ctx context.Context, id, reason string) error {
	var closedPos *position.Position
	err := m.tracker.Update(ctx, id, func(p *position.Position) error {
		if err := m.closeAll(ctx, p, position.StatusClosed, reason, p.ID+":force"); err != nil {
			return err
		}
		closedPos = p.Clone()
		return nil
	})
	if err != nil {
		return err
	}
	if closedPos != nil && m.onClose != nil {
		m.onClose(closedPos)
	}
	return nil
}
