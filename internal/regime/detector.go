package regime

import (
	"context"
	"sync/atomic"
	"time"

	"moonshot-bot/internal/config"
	"moonshot-bot/internal/market"

	"go.uber.org/zap"
)

type Classification string

const (
	Trending Classification = "TRENDING"
	Choppy   Classification = "CHOPPY"
	Extreme  Classification = "EXTREME"
)

// Thresholds are the effective detection thresholds for one scan cycle,
// the configured baseline scaled by the regime multiplier.
type Thresholds struct {
	VolumeSpikeRatio  float64
	PriceVelocity5m   float64
	PriceVelocity1m   float64
	OISurge15m        float64
	FundingMaxForLong float64
	FundingMinForLong float64
	FundingMinShort   float64
	BreakoutATRMult   float64
	ImbalanceRatio    float64
}

// Snapshot is an immutable regime classification published once per
// cycle. Evaluators all read the same snapshot, never a half-updated
// threshold set.
type Snapshot struct {
	Classification Classification
	Multiplier     float64
	Thresholds     Thresholds
	ADX            float64
	ATRRatio       float64
	EMACrosses     int
	ComputedAt     time.Time
}

const (
	// emaCrossWindow is the number of trailing candles inspected for
	// close-vs-EMA crosses, 24 hourly bars.
	emaCrossWindow = 24
	// choppyEMACrosses marks the market CHOPPY regardless of ADX.
	choppyEMACrosses = 3
)

type CandleSource interface {
	Candles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error)
}

type Detector struct {
	cfg     config.RegimeConfig
	base    Thresholds
	source  CandleSource
	log     *zap.Logger
	current atomic.Pointer[Snapshot]
}

func NewDetector(cfg config.RegimeConfig, scan config.ScanConfig, source CandleSource, log *zap.Logger) *Detector {
	return &Detector{
		cfg:    cfg,
		source: source,
		log:    log,
		base: Thresholds{
			VolumeSpikeRatio:  scan.VolumeSpikeRatio,
			PriceVelocity5m:   scan.PriceVelocity5m,
			PriceVelocity1m:   scan.PriceVelocity1m,
			OISurge15m:        scan.OISurge15m,
			FundingMaxForLong: scan.FundingMaxForLong,
			FundingMinForLong: scan.FundingMinForLong,
			FundingMinShort:   scan.FundingMinShort,
			BreakoutATRMult:   scan.BreakoutATRMult,
			ImbalanceRatio:    scan.ImbalanceRatio,
		},
	}
}

// Evaluate classifies the market from the reference pairs and publishes
// a fresh snapshot. Any data failure degrades to EXTREME so detection
// runs with the most conservative thresholds rather than stale ones.
func (d *Detector) Evaluate(ctx context.Context) *Snapshot {
	var adxSum, atrRatioSum float64
	var sampled, maxCrosses int
	for _, symbol := range d.cfg.ReferencePairs {
		candles, err := d.source.Candles(ctx, symbol, "1h", d.cfg.CandleWindow)
		if err != nil {
			d.log.Warn("regime candles unavailable", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		if len(candles) == 0 || time.Since(candles[len(candles)-1].OpenTime) > time.Hour+d.cfg.MaxDataAge {
			d.log.Warn("regime candles stale", zap.String("symbol", symbol))
			continue
		}
		adx := ADX(candles, d.cfg.ADXPeriod)
		atrs := ATR(candles, d.cfg.ATRPeriod)
		if adx == 0 || len(atrs) == 0 {
			continue
		}
		var atrAvg float64
		for _, v := range atrs {
			atrAvg += v
		}
		atrAvg /= float64(len(atrs))
		if atrAvg == 0 {
			continue
		}
		adxSum += adx
		atrRatioSum += atrs[len(atrs)-1] / atrAvg
		if crosses := EMACrosses(candles, d.cfg.EMAPeriod, emaCrossWindow); crosses > maxCrosses {
			maxCrosses = crosses
		}
		sampled++
	}

	snap := &Snapshot{ComputedAt: time.Now().UTC()}
	if sampled == 0 {
		snap.Classification = Extreme
	} else {
		snap.ADX = adxSum / float64(sampled)
		snap.ATRRatio = atrRatioSum / float64(sampled)
		snap.EMACrosses = maxCrosses
		var prev Classification
		if last := d.current.Load(); last != nil {
			prev = last.Classification
		}
		snap.Classification = classify(snap.ADX, snap.ATRRatio, maxCrosses, prev, d.cfg)
	}
	snap.Multiplier = d.multiplier(snap.Classification)
	snap.Thresholds = scale(d.base, snap.Multiplier)
	d.current.Store(snap)
	return snap
}

// Current returns the latest published snapshot. Before the first
// evaluation it synthesizes an EXTREME snapshot so early cycles cannot
// trade on unclassified conditions.
func (d *Detector) Current() *Snapshot {
	if snap := d.current.Load(); snap != nil {
		return snap
	}
	mult := d.multiplier(Extreme)
	return &Snapshot{
		Classification: Extreme,
		Multiplier:     mult,
		Thresholds:     scale(d.base, mult),
		ComputedAt:     time.Now().UTC(),
	}
}

// classify applies the regime rules in severity order. Between the two
// ADX thresholds the previous classification is carried so the regime
// does not flap on a slowly decaying trend.
func classify(adx, atrRatio float64, emaCrosses int, prev Classification, cfg config.RegimeConfig) Classification {
	if atrRatio > cfg.ATRExtremeMult {
		return Extreme
	}
	if adx < cfg.ADXChoppy || emaCrosses >= choppyEMACrosses {
		return Choppy
	}
	if adx >= cfg.ADXTrending {
		return Trending
	}
	if prev != "" {
		return prev
	}
	return Choppy
}

func (d *Detector) multiplier(c Classification) float64 {
	switch c {
	case Choppy:
		return d.cfg.ChoppyMultiplier
	case Extreme:
		return d.cfg.ExtremeMult
	}
	return 1.0
}

// scale raises the confirmation bar by the regime multiplier. Funding
// bounds tighten instead of loosening: a long must clear a stricter
// crowding limit in rough conditions.
func scale(base Thresholds, mult float64) Thresholds {
	scaled := Thresholds{
		VolumeSpikeRatio:  base.VolumeSpikeRatio * mult,
		PriceVelocity5m:   base.PriceVelocity5m * mult,
		PriceVelocity1m:   base.PriceVelocity1m * mult,
		OISurge15m:        base.OISurge15m * mult,
		FundingMaxForLong: base.FundingMaxForLong / mult,
		FundingMinForLong: base.FundingMinForLong,
		FundingMinShort:   base.FundingMinShort * mult,
		BreakoutATRMult:   base.BreakoutATRMult * mult,
		ImbalanceRatio:    base.ImbalanceRatio * mult,
	}
	if scaled.ImbalanceRatio > 0.95 {
		scaled.ImbalanceRatio = 0.95
	}
	return scaled
}
