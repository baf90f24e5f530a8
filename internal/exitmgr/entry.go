package exitmgr

import (
	"moonshot-bot/internal/config"
	"moonshot-bot/internal/position"
)

// InitialStop places the stop at the configured distance from entry,
// but never inside the liquidation buffer. With no known liquidation
// price the plain percentage stop applies.
func InitialStop(cfg config.ExitConfig, side position.Side, entry, liquidation float64) float64 {
	if side == position.Long {
		stop := entry * (1 - cfg.InitialStopPct/100)
		if liquidation > 0 {
			floor := liquidation * (1 + cfg.LiquidationBuffer/100)
			if floor > stop {
				return floor
			}
		}
		return stop
	}
	stop := entry * (1 + cfg.InitialStopPct/100)
	if liquidation > 0 {
		ceil := liquidation * (1 - cfg.LiquidationBuffer/100)
		if ceil < stop {
			return ceil
		}
	}
	return stop
}

// BuildRungs materializes the configured ladder onto a new position.
func BuildRungs(ladder []config.RungConfig) []position.Rung {
	rungs := make([]position.Rung, len(ladder))
	for i, r := range ladder {
		rungs[i] = position.Rung{
			TriggerPct:    r.TriggerPct,
			CloseFraction: r.CloseFraction,
			Action:        r.Action,
		}
	}
	return rungs
}
