package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"moonshot-bot/internal/exitmgr"
	"moonshot-bot/internal/position"
	"moonshot-bot/internal/regime"
	"moonshot-bot/internal/scanner"
	"moonshot-bot/internal/sizing"

	"go.uber.org/zap"
)

// scanCycle runs one detection pass: refresh the universe, classify
// the regime, evaluate candidates in parallel, then admit entries
// sequentially so the position cap and capital budget are enforced in
// one place.
func (a *App) scanCycle(ctx context.Context) error {
	a.cycles.Add(1)
	a.metrics.ScanCycles.Inc()
	now := time.Now().UTC()

	if err := a.feed.RefreshUniverse(ctx); err != nil {
		a.log.Warn("universe refresh failed", zap.Error(err))
	}

	account, err := a.rest.Account(ctx)
	if err != nil {
		return fmt.Errorf("account snapshot: %w", err)
	}
	a.setEquity(account.Equity)
	a.tracker.SetMarginBudget(account.Equity * a.cfg.Sizing.CapitalBudgetPercent / 100)
	a.metrics.Equity.Set(account.Equity)
	a.metrics.OpenPositions.Set(float64(a.tracker.Count()))
	a.metrics.MarginInUse.Set(a.tracker.MarginInUse())

	snap := a.regime.Evaluate(ctx)
	a.recordRegime(snap)

	symbols := a.filter.Eligible(a.feed.Universe(), a.tracker.OpenSymbols(), now)
	candidates := a.evaluateCandidates(ctx, symbols, snap.Thresholds, now)
	if len(candidates) == 0 {
		return nil
	}
	a.log.Info("candidates detected",
		zap.Int("count", len(candidates)),
		zap.String("regime", string(snap.Classification)))

	entered := a.admit(ctx, candidates, account.Equity, snap.Classification, now)
	for _, c := range candidates {
		a.recordSignal(c, entered[c.Symbol])
	}
	return nil
}

// evaluateCandidates fans symbol evaluation over a bounded worker
// pool. Each worker reads the same regime thresholds, so every
// candidate in the cycle is judged against one consistent bar.
func (a *App) evaluateCandidates(ctx context.Context, symbols []string, th regime.Thresholds, now time.Time) []scanner.TradeSignal {
	workers := a.cfg.Scan.Concurrency
	if workers <= 0 {
		workers = 1
	}
	jobs := make(chan string)
	results := make(chan scanner.TradeSignal, len(symbols))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range jobs {
				if ctx.Err() != nil {
					return
				}
				snap, err := a.feed.Snapshot(ctx, symbol)
				if err != nil {
					a.log.Debug("snapshot unavailable", zap.String("symbol", symbol), zap.Error(err))
					continue
				}
				if sig, ok := a.detector.Evaluate(snap, th); ok {
					a.metrics.SignalsDetected.Inc()
					results <- sig
				}
			}
		}()
	}
	for _, symbol := range symbols {
		if a.inCooldown(symbol, now) {
			continue
		}
		select {
		case jobs <- symbol:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()
	close(results)

	candidates := make([]scanner.TradeSignal, 0, len(results))
	for sig := range results {
		candidates = append(candidates, sig)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Confidence > candidates[j].Confidence
	})
	return candidates
}

// admit sizes and opens candidates strongest first. Capacity and
// budget errors end the cycle: no later candidate can fit if a
// stronger one did not.
func (a *App) admit(ctx context.Context, candidates []scanner.TradeSignal, equity float64, class regime.Classification, now time.Time) map[string]bool {
	entered := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		decision, err := a.sizer.Size(ctx, equity, a.tracker.Count(), a.tracker.MarginInUse(), c.Score, class, now)
		if err != nil {
			a.metrics.TradesRejected.Inc()
			if errors.Is(err, sizing.ErrMaxConcurrent) ||
				errors.Is(err, sizing.ErrBudgetExhausted) ||
				errors.Is(err, sizing.ErrInsufficientEquity) {
				a.log.Info("admission closed for this cycle", zap.Error(err))
				return entered
			}
			continue
		}
		if err := a.openPosition(ctx, c, decision, now); err != nil {
			a.metrics.TradesRejected.Inc()
			a.log.Warn("entry failed",
				zap.String("symbol", c.Symbol),
				zap.String("direction", string(c.Direction)),
				zap.Error(err))
			continue
		}
		entered[c.Symbol] = true
	}
	return entered
}

func (a *App) openPosition(ctx context.Context, c scanner.TradeSignal, decision sizing.Decision, now time.Time) error {
	price := c.Price
	if price <= 0 {
		ticker, ok := a.feed.Ticker(c.Symbol)
		if !ok || ticker.LastPrice <= 0 {
			return fmt.Errorf("no price for %s", c.Symbol)
		}
		price = ticker.LastPrice
	}
	quantity := decision.Notional / price
	if quantity <= 0 {
		return fmt.Errorf("zero quantity for %s", c.Symbol)
	}

	side := position.Long
	if c.Direction == scanner.Short {
		side = position.Short
	}
	id := position.NewID()
	qtyPrec, pxPrec := a.feed.Precision(c.Symbol)

	fill, err := a.executor.OpenMarket(ctx, c.Symbol, side, quantity, decision.Leverage, qtyPrec, pxPrec, id+":entry")
	if err != nil {
		a.metrics.OrdersFailed.Inc()
		return fmt.Errorf("open market: %w", err)
	}
	a.metrics.OrdersPlaced.Inc()

	liq := a.liquidationPrice(ctx, c.Symbol)
	stop := exitmgr.InitialStop(a.cfg.Exit, side, fill.AvgPrice, liq)

	p := &position.Position{
		ID:               id,
		Symbol:           c.Symbol,
		Side:             side,
		Status:           position.StatusOpen,
		EntryPrice:       fill.AvgPrice,
		Quantity:         fill.Quantity,
		Margin:           decision.Margin,
		Leverage:         decision.Leverage,
		Score:            c.Score,
		OpenedAt:         now,
		StopLoss:         stop,
		LiquidationPrice: liq,
		HighWater:        fill.AvgPrice,
		LowWater:         fill.AvgPrice,
		Rungs:            exitmgr.BuildRungs(a.cfg.Exit.Ladder),
	}
	if err := a.tracker.Register(ctx, p); err != nil {
		// Admission raced the cap; unwind the fill we just took.
		a.log.Warn("registration refused, unwinding entry",
			zap.String("symbol", c.Symbol), zap.Error(err))
		if _, closeErr := a.executor.CloseMarket(ctx, c.Symbol, side, fill.Quantity, qtyPrec, pxPrec, id+":unwind"); closeErr != nil {
			a.log.Error("entry unwind failed, venue position unmanaged",
				zap.String("symbol", c.Symbol), zap.Error(closeErr))
		}
		return err
	}

	if err := a.executor.ReplaceStop(ctx, c.Symbol, side, stop, pxPrec); err != nil {
		a.log.Warn("resting stop placement failed, monitor remains authoritative",
			zap.String("symbol", c.Symbol), zap.Error(err))
	}

	a.exits.Watch(p.ID)
	a.setCooldown(c.Symbol, now)
	a.metrics.TradesOpened.Inc()
	a.metrics.OpenPositions.Set(float64(a.tracker.Count()))
	a.metrics.MarginInUse.Set(a.tracker.MarginInUse())
	a.alerts.NotifyOpen(p, c.Score, c.Confidence)
	a.recordPosition(p, fill.AvgPrice)

	a.log.Info("position opened",
		zap.String("id", p.ID),
		zap.String("symbol", p.Symbol),
		zap.String("side", string(p.Side)),
		zap.Float64("entry", p.EntryPrice),
		zap.Float64("quantity", p.Quantity),
		zap.Int("leverage", p.Leverage),
		zap.Float64("stop", p.StopLoss),
		zap.Int("score", p.Score))
	return nil
}

// liquidationPrice pulls the venue's liquidation level for the symbol
// right after entry. Zero means unavailable; the initial stop then
// falls back to the plain percentage distance.
func (a *App) liquidationPrice(ctx context.Context, symbol string) float64 {
	risks, err := a.rest.PositionRisks(ctx)
	if err != nil {
		a.log.Warn("position risk fetch failed", zap.String("symbol", symbol), zap.Error(err))
		return 0
	}
	for _, r := range risks {
		if r.Symbol == symbol {
			return r.LiquidationPrice
		}
	}
	return 0
}
