package alerts

import (
	"context"
	"fmt"
	"time"

	"moonshot-bot/internal/position"

	"go.uber.org/zap"
)

// Notify sends fire-and-forget. Alert delivery never blocks or fails
// the trading path; errors are logged and dropped.
func (t *Telegram) Notify(message string) {
	if !t.enabled {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.Send(ctx, message); err != nil && t.log != nil {
			t.log.Warn("telegram alert failed", zap.Error(err))
		}
	}()
}

func (t *Telegram) NotifyStartup(restored int) {
	t.Notify(fmt.Sprintf("moonshot bot started, %d positions restored", restored))
}

func (t *Telegram) NotifyOpen(p *position.Position, score int, confidence float64) {
	t.Notify(fmt.Sprintf(
		"OPEN %s %s @ %.6g\nqty %.6g, %dx isolated, margin $%.2f\nstop %.6g, score %d/6, confidence %.0f%%",
		p.Side, p.Symbol, p.EntryPrice,
		p.Quantity, p.Leverage, p.Margin,
		p.StopLoss, score, confidence*100,
	))
}

func (t *Telegram) NotifyClose(p *position.Position) {
	t.Notify(fmt.Sprintf(
		"CLOSE %s %s (%s)\nrealized pnl $%.2f, held %s",
		p.Side, p.Symbol, p.ExitReason,
		p.RealizedPnL, p.ClosedAt.Sub(p.OpenedAt).Round(time.Minute),
	))
}

func (t *Telegram) NotifyRung(p *position.Position, triggerPct float64) {
	t.Notify(fmt.Sprintf("TP %s %s: +%.0f%% rung filled, %.6g remaining", p.Side, p.Symbol, triggerPct, p.Quantity))
}

func (t *Telegram) NotifyShutdown(open int) {
	t.Notify(fmt.Sprintf("moonshot bot stopping, %d positions left open", open))
}
