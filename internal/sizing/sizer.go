package sizing

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"moonshot-bot/internal/config"
	"moonshot-bot/internal/regime"
	"moonshot-bot/internal/state"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

var (
	// ErrMaxConcurrent means the open position count is at the cap.
	ErrMaxConcurrent = errors.New("max concurrent trades reached")
	// ErrInsufficientEquity means the computed margin would fall below
	// the minimum viable trade size.
	ErrInsufficientEquity = errors.New("equity too small for minimum margin")
	// ErrBudgetExhausted means the total margin budget leaves no room
	// for another full-size trade.
	ErrBudgetExhausted = errors.New("capital budget exhausted")
)

// SnapshotKey is the store key holding the cached sizing state.
const SnapshotKey = "sizer:snapshot"

// Decision is the admission-time sizing for one new position.
type Decision struct {
	Margin   float64
	Leverage int
	Notional float64
}

type snapshotRecord struct {
	Equity   float64   `msgpack:"equity"`
	Margin   float64   `msgpack:"margin"`
	RecalcAt time.Time `msgpack:"recalc_at"`
}

// Sizer computes per-trade margin as the equity split across the
// concurrent trade slots, clamped between the minimum viable margin
// and a fixed percentage of equity, so stake compounds with the
// account. The equity snapshot the margin derives from is only
// recalculated when equity has drifted past the configured band, the
// book is flat, or the snapshot has aged out, keeping trade size
// stable across small fluctuations while positions are open. The
// snapshot is written through to the store so a restart resumes with
// the same stake.
type Sizer struct {
	cfg   config.SizingConfig
	store state.Store
	log   *zap.Logger

	mu         sync.Mutex
	snapEquity float64
	margin     float64
	lastRecalc time.Time
}

func New(cfg config.SizingConfig, store state.Store, log *zap.Logger) *Sizer {
	return &Sizer{cfg: cfg, store: store, log: log}
}

// Load restores the cached sizing snapshot from the store. A missing
// record is a fresh start, not an error.
func (s *Sizer) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	value, ok, err := s.store.Get(ctx, SnapshotKey)
	if err != nil {
		return fmt.Errorf("load sizing snapshot: %w", err)
	}
	if !ok {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return fmt.Errorf("decode sizing snapshot: %w", err)
	}
	var rec snapshotRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decode sizing snapshot: %w", err)
	}
	s.mu.Lock()
	s.snapEquity = rec.Equity
	s.margin = rec.Margin
	s.lastRecalc = rec.RecalcAt
	s.mu.Unlock()
	s.log.Info("sizing snapshot restored",
		zap.Float64("equity", rec.Equity),
		zap.Float64("margin", rec.Margin))
	return nil
}

// Size admits one candidate trade. openCount and marginInUse describe
// the tracker state at admission time; score drives leverage selection.
func (s *Sizer) Size(ctx context.Context, equity float64, openCount int, marginInUse float64, score int, class regime.Classification, now time.Time) (Decision, error) {
	if openCount >= s.cfg.MaxConcurrentTrades {
		return Decision{}, ErrMaxConcurrent
	}
	margin := s.marginFor(ctx, equity, openCount, now)
	if margin < s.cfg.MinMarginUSD {
		return Decision{}, ErrInsufficientEquity
	}
	budget := equity * s.cfg.CapitalBudgetPercent / 100
	if marginInUse+margin > budget {
		return Decision{}, ErrBudgetExhausted
	}
	leverage := s.leverageFor(score, class)
	return Decision{
		Margin:   margin,
		Leverage: leverage,
		Notional: margin * float64(leverage),
	}, nil
}

// marginFor returns the per-trade margin, recalculating the equity
// snapshot when it drifted, the book is flat, or the snapshot aged
// out.
func (s *Sizer) marginFor(ctx context.Context, equity float64, openCount int, now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldRecalc(equity, openCount, now) {
		margin := equity / float64(s.cfg.MaxConcurrentTrades)
		if margin < s.cfg.MinMarginUSD {
			margin = s.cfg.MinMarginUSD
		}
		if ceiling := equity * s.cfg.MaxMarginPercent / 100; margin > ceiling {
			margin = ceiling
		}
		s.snapEquity = equity
		s.margin = math.Round(margin*100) / 100
		s.lastRecalc = now
		s.persistLocked(ctx)
		if s.log != nil {
			s.log.Info("trade margin recalculated",
				zap.Float64("equity", equity),
				zap.Float64("margin", s.margin))
		}
	}
	return s.margin
}

func (s *Sizer) shouldRecalc(equity float64, openCount int, now time.Time) bool {
	if s.lastRecalc.IsZero() || s.snapEquity <= 0 {
		return true
	}
	if openCount == 0 && equity != s.snapEquity {
		return true
	}
	drift := (equity - s.snapEquity) / s.snapEquity * 100
	if drift < 0 {
		drift = -drift
	}
	if drift >= s.cfg.RecalcEquityChange {
		return true
	}
	return now.Sub(s.lastRecalc) >= s.cfg.RecalcMaxInterval
}

// persistLocked writes the current snapshot through to the store. A
// write failure costs only recalc continuity across a restart, so it
// is logged rather than propagated.
func (s *Sizer) persistLocked(ctx context.Context) {
	if s.store == nil {
		return
	}
	raw, err := msgpack.Marshal(snapshotRecord{
		Equity:   s.snapEquity,
		Margin:   s.margin,
		RecalcAt: s.lastRecalc,
	})
	if err != nil {
		s.log.Warn("sizing snapshot encode failed", zap.Error(err))
		return
	}
	if err := s.store.Set(ctx, SnapshotKey, base64.StdEncoding.EncodeToString(raw)); err != nil {
		s.log.Warn("sizing snapshot persist failed", zap.Error(err))
	}
}

// leverageFor maps conviction to leverage. A full six-signal score gets
// the maximum, five the default, anything else the minimum. EXTREME
// conditions force the minimum regardless of score.
func (s *Sizer) leverageFor(score int, class regime.Classification) int {
	if class == regime.Extreme {
		return s.cfg.Leverage.Min
	}
	switch {
	case score >= 6:
		return s.cfg.Leverage.Max
	case score >= 5:
		return s.cfg.Leverage.Default
	}
	return s.cfg.Leverage.Min
}
