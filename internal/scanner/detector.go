package scanner

import (
	"time"

	"moonshot-bot/internal/market"
	"moonshot-bot/internal/regime"
)

type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

type SignalKind string

const (
	SignalVolumeSpike  SignalKind = "volume_spike"
	SignalAcceleration SignalKind = "price_acceleration"
	SignalOISurge      SignalKind = "oi_surge"
	SignalFunding      SignalKind = "funding"
	SignalBreakout     SignalKind = "breakout"
	SignalImbalance    SignalKind = "orderbook_imbalance"
)

var allSignals = []SignalKind{
	SignalVolumeSpike,
	SignalAcceleration,
	SignalOISurge,
	SignalFunding,
	SignalBreakout,
	SignalImbalance,
}

type Signal struct {
	Kind     SignalKind
	Fired    bool
	Strength float64
}

// TradeSignal is a fused entry decision for one symbol. Score counts
// fired signals, Confidence is that count as a share of all six
// checks.
type TradeSignal struct {
	Symbol     string
	Direction  Direction
	Score      int
	Confidence float64
	Signals    map[SignalKind]Signal
	Price      float64
	At         time.Time
}

type Detector struct {
	minSignals int
	atrPeriod  int
	lookback   int
}

func NewDetector(minSignals int) *Detector {
	return &Detector{minSignals: minSignals, atrPeriod: 14, lookback: 20}
}

// Evaluate runs all six checks against the snapshot for both
// directions. A symbol qualifying long and short at once is ambiguous
// and produces no signal.
func (d *Detector) Evaluate(snap market.Snapshot, th regime.Thresholds) (TradeSignal, bool) {
	long := d.evaluateDirection(snap, th, Long)
	short := d.evaluateDirection(snap, th, Short)

	longScore := score(long)
	shortScore := score(short)
	longOK := longScore >= d.minSignals
	shortOK := shortScore >= d.minSignals
	if longOK == shortOK {
		return TradeSignal{}, false
	}

	direction, signals, total := Long, long, longScore
	if shortOK {
		direction, signals, total = Short, short, shortScore
	}
	return TradeSignal{
		Symbol:     snap.Symbol,
		Direction:  direction,
		Score:      total,
		Confidence: float64(total) / float64(len(allSignals)),
		Signals:    signals,
		Price:      lastClose(snap.Candles1m),
		At:         snap.TakenAt,
	}, true
}

func (d *Detector) evaluateDirection(snap market.Snapshot, th regime.Thresholds, dir Direction) map[SignalKind]Signal {
	signals := make(map[SignalKind]Signal, len(allSignals))
	signals[SignalVolumeSpike] = d.checkVolumeSpike(snap, th)
	signals[SignalAcceleration] = d.checkAcceleration(snap, th, dir)
	signals[SignalOISurge] = d.checkOISurge(snap, th)
	signals[SignalFunding] = d.checkFunding(snap, th, dir)
	signals[SignalBreakout] = d.checkBreakout(snap, th, dir)
	signals[SignalImbalance] = d.checkImbalance(snap, th, dir)
	return signals
}

// checkVolumeSpike compares the latest closed 5m volume to the average
// of the preceding candles.
func (d *Detector) checkVolumeSpike(snap market.Snapshot, th regime.Thresholds) Signal {
	sig := Signal{Kind: SignalVolumeSpike}
	candles := snap.Candles5m
	if len(candles) < 6 {
		return sig
	}
	latest := candles[len(candles)-1].Volume
	base := candles[:len(candles)-1]
	if len(base) > d.lookback {
		base = base[len(base)-d.lookback:]
	}
	var sum float64
	for _, c := range base {
		sum += c.Volume
	}
	avg := sum / float64(len(base))
	if avg <= 0 {
		return sig
	}
	ratio := latest / avg
	sig.Fired = ratio >= th.VolumeSpikeRatio
	sig.Strength = clamp01(ratio / (2 * th.VolumeSpikeRatio))
	return sig
}

// Strong 5m moves relax or drop the 1m confirmation entirely. These
// levels are absolute, not regime-scaled.
const (
	strongMoveAlonePct   = 5.0
	strongMovePct        = 3.0
	strongMoveConfirmPct = 0.2
)

// checkAcceleration wants directional velocity on the 5m window
// confirmed by the last 1m candle.
func (d *Detector) checkAcceleration(snap market.Snapshot, th regime.Thresholds, dir Direction) Signal {
	sig := Signal{Kind: SignalAcceleration}
	change5m := changePct(snap.Candles1m, 5)
	change1m := changePct(snap.Candles1m, 1)
	if dir == Short {
		change5m, change1m = -change5m, -change1m
	}
	switch {
	case change5m >= strongMoveAlonePct:
		sig.Fired = true
	case change5m >= strongMovePct && change1m >= strongMoveConfirmPct:
		sig.Fired = true
	case change5m >= th.PriceVelocity5m && change1m >= th.PriceVelocity1m:
		sig.Fired = true
	}
	if th.PriceVelocity5m > 0 {
		sig.Strength = clamp01(change5m / (2 * th.PriceVelocity5m))
	}
	return sig
}

// checkOISurge fires when open interest grew materially over the last
// 15 minutes. New positioning chases the move in either direction, so
// the check is direction-neutral.
func (d *Detector) checkOISurge(snap market.Snapshot, th regime.Thresholds) Signal {
	sig := Signal{Kind: SignalOISurge}
	history := snap.OIHistory
	if len(history) < 4 {
		return sig
	}
	current := history[len(history)-1].OpenInterest
	past := history[len(history)-4].OpenInterest
	if past <= 0 {
		return sig
	}
	changePct := (current - past) / past * 100
	sig.Fired = changePct >= th.OISurge15m
	sig.Strength = clamp01(changePct / (2 * th.OISurge15m))
	return sig
}

// checkFunding treats funding as a crowding gauge. Longs need funding
// below the crowding cap but not deeply negative, shorts want funding
// elevated enough that crowded longs can cascade.
func (d *Detector) checkFunding(snap market.Snapshot, th regime.Thresholds, dir Direction) Signal {
	sig := Signal{Kind: SignalFunding}
	rate := snap.Funding
	if dir == Long {
		sig.Fired = rate <= th.FundingMaxForLong && rate >= th.FundingMinForLong
		if sig.Fired && th.FundingMaxForLong > th.FundingMinForLong {
			span := th.FundingMaxForLong - th.FundingMinForLong
			sig.Strength = clamp01((th.FundingMaxForLong - rate) / span)
		}
		return sig
	}
	sig.Fired = rate >= th.FundingMinShort
	if sig.Fired && th.FundingMinShort > 0 {
		sig.Strength = clamp01(rate / (2 * th.FundingMinShort))
	}
	return sig
}

// checkBreakout fires when price clears the recent range by an ATR
// multiple: above the prior high for longs, below the prior low for
// shorts.
func (d *Detector) checkBreakout(snap market.Snapshot, th regime.Thresholds, dir Direction) Signal {
	sig := Signal{Kind: SignalBreakout}
	candles := snap.Candles5m
	if len(candles) < d.atrPeriod+2 {
		return sig
	}
	atrs := atr(candles, d.atrPeriod)
	if len(atrs) == 0 || atrs[len(atrs)-1] <= 0 {
		return sig
	}
	latestATR := atrs[len(atrs)-1]
	prior := candles[:len(candles)-1]
	if len(prior) > d.lookback {
		prior = prior[len(prior)-d.lookback:]
	}
	price := candles[len(candles)-1].Close
	if dir == Long {
		high := prior[0].High
		for _, c := range prior {
			if c.High > high {
				high = c.High
			}
		}
		excess := price - high
		sig.Fired = excess >= th.BreakoutATRMult*latestATR
		sig.Strength = clamp01(excess / (2 * th.BreakoutATRMult * latestATR))
		return sig
	}
	low := prior[0].Low
	for _, c := range prior {
		if c.Low < low {
			low = c.Low
		}
	}
	excess := low - price
	sig.Fired = excess >= th.BreakoutATRMult*latestATR
	sig.Strength = clamp01(excess / (2 * th.BreakoutATRMult * latestATR))
	return sig
}

func (d *Detector) checkImbalance(snap market.Snapshot, th regime.Thresholds, dir Direction) Signal {
	sig := Signal{Kind: SignalImbalance}
	ratio := snap.Book.BidRatio()
	if dir == Short {
		ratio = 1 - ratio
	}
	sig.Fired = ratio >= th.ImbalanceRatio
	sig.Strength = clamp01((ratio - 0.5) / (th.ImbalanceRatio - 0.5) / 2)
	return sig
}

func score(signals map[SignalKind]Signal) int {
	var n int
	for _, s := range signals {
		if s.Fired {
			n++
		}
	}
	return n
}

// changePct is the percentage move over the last n closed 1m candles.
func changePct(candles []market.Candle, n int) float64 {
	if len(candles) < n+1 {
		return 0
	}
	past := candles[len(candles)-1-n].Close
	current := candles[len(candles)-1].Close
	if past <= 0 {
		return 0
	}
	return (current - past) / past * 100
}

func atr(candles []market.Candle, period int) []float64 {
	if period <= 0 || len(candles) <= period {
		return nil
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		tr := candles[i].High - candles[i].Low
		if hc := abs(candles[i].High - candles[i-1].Close); hc > tr {
			tr = hc
		}
		if lc := abs(candles[i].Low - candles[i-1].Close); lc > tr {
			tr = lc
		}
		trs = append(trs, tr)
	}
	var sum float64
	for i := 0; i < period; i++ {
		sum += trs[i]
	}
	v := sum / float64(period)
	out := []float64{v}
	for i := period; i < len(trs); i++ {
		v = (v*float64(period-1) + trs[i]) / float64(period)
		out = append(out, v)
	}
	return out
}

func lastClose(candles []market.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	return candles[len(candles)-1].Close
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
