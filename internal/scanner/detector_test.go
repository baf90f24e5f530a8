package scanner

import (
	"testing"
	"time"

	"moonshot-bot/internal/market"
	"moonshot-bot/internal/regime"
)

func baseThresholds() regime.Thresholds {
	return regime.Thresholds{
		VolumeSpikeRatio:  2.0,
		PriceVelocity5m:   1.5,
		PriceVelocity1m:   0.5,
		OISurge15m:        5.0,
		FundingMaxForLong: 0.003,
		FundingMinForLong: -0.0002,
		FundingMinShort:   0.002,
		BreakoutATRMult:   1.5,
		ImbalanceRatio:    0.65,
	}
}

func candles1m(closes []float64) []market.Candle {
	out := make([]market.Candle, 0, len(closes))
	start := time.Now().Add(-time.Duration(len(closes)) * time.Minute)
	for i, c := range closes {
		out = append(out, market.Candle{
			OpenTime: start.Add(time.Duration(i) * time.Minute),
			Open:     c, High: c, Low: c, Close: c, Volume: 100,
		})
	}
	return out
}

func flat1m(n int, price float64) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = price
	}
	return closes
}

// pumpSnapshot fires volume spike, acceleration, OI surge and bid
// imbalance for the long side. Funding and breakout are controlled by
// the caller.
func pumpSnapshot() market.Snapshot {
	closes := flat1m(30, 100)
	closes[25], closes[26], closes[27], closes[28], closes[29] = 100, 100.5, 101, 101.3, 102

	fiveMin := make([]market.Candle, 30)
	start := time.Now().Add(-150 * time.Minute)
	for i := range fiveMin {
		fiveMin[i] = market.Candle{
			OpenTime: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:     100, High: 103, Low: 102, Close: 102.5, Volume: 100,
		}
	}
	fiveMin[29].Volume = 300
	fiveMin[29].Close = 102

	oi := []market.OISample{
		{OpenInterest: 1000}, {OpenInterest: 1000}, {OpenInterest: 1000},
		{OpenInterest: 1050}, {OpenInterest: 1080}, {OpenInterest: 1100},
	}
	return market.Snapshot{
		Symbol:    "PUMPUSDT",
		Candles1m: candles1m(closes),
		Candles5m: fiveMin,
		Book: market.OrderBook{
			Bids: []market.Level{{Price: 101.9, Qty: 70}, {Price: 101.8, Qty: 30}},
			Asks: []market.Level{{Price: 102.1, Qty: 20}, {Price: 102.2, Qty: 10}},
		},
		OIHistory: oi,
		Funding:   -0.001,
		TakenAt:   time.Now().UTC(),
	}
}

func TestFourSignalsFireLong(t *testing.T) {
	det := NewDetector(4)
	snap := pumpSnapshot()
	sig, ok := det.Evaluate(snap, baseThresholds())
	if !ok {
		t.Fatalf("expected a trade signal")
	}
	if sig.Direction != Long {
		t.Fatalf("expected LONG, got %s", sig.Direction)
	}
	if sig.Score != 4 {
		t.Fatalf("expected score 4, got %d (%+v)", sig.Score, sig.Signals)
	}
	for _, kind := range []SignalKind{SignalVolumeSpike, SignalAcceleration, SignalOISurge, SignalImbalance} {
		if !sig.Signals[kind].Fired {
			t.Fatalf("expected %s to fire", kind)
		}
	}
	if sig.Signals[SignalFunding].Fired || sig.Signals[SignalBreakout].Fired {
		t.Fatalf("funding and breakout must not fire in this scenario")
	}
	// Four of six checks fired.
	if sig.Confidence != 4.0/6.0 {
		t.Fatalf("confidence = %v, want %v", sig.Confidence, 4.0/6.0)
	}
}

func TestThreeSignalsProduceNothing(t *testing.T) {
	det := NewDetector(4)
	snap := pumpSnapshot()
	// Balanced book drops the imbalance signal, leaving three.
	snap.Book = market.OrderBook{
		Bids: []market.Level{{Price: 101.9, Qty: 50}},
		Asks: []market.Level{{Price: 102.1, Qty: 50}},
	}
	if _, ok := det.Evaluate(snap, baseThresholds()); ok {
		t.Fatalf("three signals must not produce a trade")
	}
}

func TestRaisedThresholdsSuppressSignal(t *testing.T) {
	det := NewDetector(4)
	snap := pumpSnapshot()
	th := baseThresholds()
	th.VolumeSpikeRatio *= 1.6
	th.PriceVelocity5m *= 1.6
	th.OISurge15m *= 1.6
	th.ImbalanceRatio = 0.95
	if _, ok := det.Evaluate(snap, th); ok {
		t.Fatalf("extreme-regime thresholds must suppress this setup")
	}
}

func TestDumpFiresShort(t *testing.T) {
	det := NewDetector(4)
	snap := pumpSnapshot()
	closes := flat1m(30, 100)
	closes[25], closes[26], closes[27], closes[28], closes[29] = 100, 99.5, 99, 98.7, 98
	snap.Candles1m = candles1m(closes)
	snap.Funding = 0.0025
	snap.Book = market.OrderBook{
		Bids: []market.Level{{Price: 97.9, Qty: 20}, {Price: 97.8, Qty: 10}},
		Asks: []market.Level{{Price: 98.1, Qty: 70}, {Price: 98.2, Qty: 30}},
	}
	sig, ok := det.Evaluate(snap, baseThresholds())
	if !ok {
		t.Fatalf("expected short signal")
	}
	if sig.Direction != Short {
		t.Fatalf("expected SHORT, got %s", sig.Direction)
	}
	if sig.Score < 4 {
		t.Fatalf("expected at least 4 signals, got %d", sig.Score)
	}
}

func TestAmbiguousDirectionDiscarded(t *testing.T) {
	det := NewDetector(2)
	snap := pumpSnapshot()
	// Flat price and a balanced book leave only the direction-neutral
	// volume and OI signals, which qualify both sides at min 2.
	snap.Candles1m = candles1m(flat1m(30, 100))
	snap.Book = market.OrderBook{
		Bids: []market.Level{{Price: 99.9, Qty: 50}},
		Asks: []market.Level{{Price: 100.1, Qty: 50}},
	}
	snap.Funding = -0.001
	if _, ok := det.Evaluate(snap, baseThresholds()); ok {
		t.Fatalf("ambiguous direction must be discarded")
	}
}

func TestStrongMoveNeedsNoConfirmation(t *testing.T) {
	det := NewDetector(1)
	closes := flat1m(30, 100)
	// +5% over five minutes with a flat final candle.
	closes[26], closes[27], closes[28], closes[29] = 103, 104, 104.9, 105
	snap := market.Snapshot{Candles1m: candles1m(closes)}
	if !det.checkAcceleration(snap, baseThresholds(), Long).Fired {
		t.Fatalf("5%% move must fire without 1m confirmation")
	}
}

func TestModerateMoveTakesWeakConfirmation(t *testing.T) {
	det := NewDetector(1)
	closes := flat1m(30, 100)
	// +3.5% over five minutes, final candle up 0.29%: below the base
	// 1m threshold but enough for the relaxed tier.
	closes[26], closes[27], closes[28], closes[29] = 102, 103, 103.2, 103.5
	snap := market.Snapshot{Candles1m: candles1m(closes)}
	if !det.checkAcceleration(snap, baseThresholds(), Long).Fired {
		t.Fatalf("3%% move with weak confirmation must fire")
	}
	// Same shape but a fading final candle fails every tier.
	closes[28], closes[29] = 103.5, 103.5
	snap = market.Snapshot{Candles1m: candles1m(closes)}
	if det.checkAcceleration(snap, baseThresholds(), Long).Fired {
		t.Fatalf("stalled move must not fire")
	}
}

func TestBreakoutAboveRange(t *testing.T) {
	det := NewDetector(1)
	snap := pumpSnapshot()
	fiveMin := make([]market.Candle, 30)
	start := time.Now().Add(-150 * time.Minute)
	for i := range fiveMin {
		fiveMin[i] = market.Candle{
			OpenTime: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:     100, High: 100.25, Low: 99.75, Close: 100, Volume: 100,
		}
	}
	fiveMin[29] = market.Candle{
		OpenTime: start.Add(145 * time.Minute),
		Open:     100, High: 101.6, Low: 100, Close: 101.5, Volume: 100,
	}
	snap.Candles5m = fiveMin
	sig := det.checkBreakout(snap, baseThresholds(), Long)
	if !sig.Fired {
		t.Fatalf("expected breakout to fire")
	}
	if short := det.checkBreakout(snap, baseThresholds(), Short); short.Fired {
		t.Fatalf("breakdown must not fire on an upside breakout")
	}
}

func TestFundingBandsPerDirection(t *testing.T) {
	det := NewDetector(1)
	th := baseThresholds()
	snap := market.Snapshot{Funding: 0.004}
	if det.checkFunding(snap, th, Long).Fired {
		t.Fatalf("crowded funding must block longs")
	}
	if !det.checkFunding(snap, th, Short).Fired {
		t.Fatalf("elevated funding must allow shorts")
	}
	snap.Funding = -0.001
	if det.checkFunding(snap, th, Long).Fired {
		t.Fatalf("deeply negative funding must block longs")
	}
	snap.Funding = 0.0001
	if !det.checkFunding(snap, th, Long).Fired {
		t.Fatalf("mild funding must allow longs")
	}
}

func TestInsufficientHistoryFiresNothing(t *testing.T) {
	det := NewDetector(1)
	snap := market.Snapshot{
		Symbol:    "THINUSDT",
		Candles1m: candles1m(flat1m(3, 100)),
		Candles5m: candles1m(flat1m(3, 100)),
		TakenAt:   time.Now(),
	}
	if _, ok := det.Evaluate(snap, baseThresholds()); ok {
		t.Fatalf("thin history must not produce a signal")
	}
}
