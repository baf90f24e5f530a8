package app

import (
	"sort"
	"strings"
	"time"

	"moonshot-bot/internal/position"
	"moonshot-bot/internal/regime"
	"moonshot-bot/internal/scanner"
	"moonshot-bot/internal/timescale"
)

func (a *App) recordRegime(snap *regime.Snapshot) {
	if a.tsdb == nil {
		return
	}
	a.tsdb.EnqueueRegime(timescale.RegimeSnapshot{
		Time:           snap.ComputedAt,
		Classification: string(snap.Classification),
		Multiplier:     snap.Multiplier,
		ADX:            snap.ADX,
		ATRRatio:       snap.ATRRatio,
		PairsSampled:   len(a.cfg.Regime.ReferencePairs),
	})
}

func (a *App) recordPosition(p *position.Position, mark float64) {
	if a.tsdb == nil {
		return
	}
	a.tsdb.EnqueuePosition(timescale.PositionSnapshot{
		Time:           time.Now().UTC(),
		PositionID:     p.ID,
		Symbol:         p.Symbol,
		Side:           string(p.Side),
		Status:         string(p.Status),
		EntryPrice:     p.EntryPrice,
		MarkPrice:      mark,
		Quantity:       p.Quantity,
		Margin:         p.Margin,
		Leverage:       p.Leverage,
		StopLoss:       p.StopLoss,
		UnrealizedPnL:  p.UnrealizedPnL(mark),
		RealizedPnL:    p.RealizedPnL,
		TrailingActive: p.TrailingActive,
		ExitReason:     p.ExitReason,
	})
}

func (a *App) recordSignal(sig scanner.TradeSignal, entered bool) {
	if a.tsdb == nil {
		return
	}
	fired := make([]string, 0, len(sig.Signals))
	for kind, s := range sig.Signals {
		if s.Fired {
			fired = append(fired, string(kind))
		}
	}
	sort.Strings(fired)
	a.tsdb.EnqueueSignal(timescale.SignalEvent{
		Time:       sig.At,
		Symbol:     sig.Symbol,
		Direction:  string(sig.Direction),
		Score:      sig.Score,
		Confidence: sig.Confidence,
		Signals:    strings.Join(fired, ","),
		Entered:    entered,
	})
}
