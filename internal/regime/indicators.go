package regime

import "moonshot-bot/internal/market"

// ATR computes the Wilder-smoothed average true range series. The
// returned slice is aligned to candles[period:].
func ATR(candles []market.Candle, period int) []float64 {
	if period <= 0 || len(candles) <= period {
		return nil
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trs = append(trs, trueRange(candles[i], candles[i-1]))
	}
	if len(trs) < period {
		return nil
	}
	var sum float64
	for i := 0; i < period; i++ {
		sum += trs[i]
	}
	atr := sum / float64(period)
	out := []float64{atr}
	for i := period; i < len(trs); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
		out = append(out, atr)
	}
	return out
}

func trueRange(current, previous market.Candle) float64 {
	tr := current.High - current.Low
	if hc := abs(current.High - previous.Close); hc > tr {
		tr = hc
	}
	if lc := abs(current.Low - previous.Close); lc > tr {
		tr = lc
	}
	return tr
}

// ADX computes the Wilder average directional index for the final bar.
// Returns 0 when there is not enough history.
func ADX(candles []market.Candle, period int) float64 {
	if period <= 0 || len(candles) < 2*period+1 {
		return 0
	}
	var plusDM, minusDM, trSum float64
	plusSmooth := make([]float64, 0)
	minusSmooth := make([]float64, 0)
	trSmooth := make([]float64, 0)

	for i := 1; i < len(candles); i++ {
		upMove := candles[i].High - candles[i-1].High
		downMove := candles[i-1].Low - candles[i].Low
		var pdm, mdm float64
		if upMove > downMove && upMove > 0 {
			pdm = upMove
		}
		if downMove > upMove && downMove > 0 {
			mdm = downMove
		}
		tr := trueRange(candles[i], candles[i-1])

		if i <= period {
			plusDM += pdm
			minusDM += mdm
			trSum += tr
			if i == period {
				plusSmooth = append(plusSmooth, plusDM)
				minusSmooth = append(minusSmooth, minusDM)
				trSmooth = append(trSmooth, trSum)
			}
			continue
		}
		prevP := plusSmooth[len(plusSmooth)-1]
		prevM := minusSmooth[len(minusSmooth)-1]
		prevTR := trSmooth[len(trSmooth)-1]
		plusSmooth = append(plusSmooth, prevP-prevP/float64(period)+pdm)
		minusSmooth = append(minusSmooth, prevM-prevM/float64(period)+mdm)
		trSmooth = append(trSmooth, prevTR-prevTR/float64(period)+tr)
	}

	dxs := make([]float64, 0, len(trSmooth))
	for i := range trSmooth {
		if trSmooth[i] == 0 {
			dxs = append(dxs, 0)
			continue
		}
		pdi := 100 * plusSmooth[i] / trSmooth[i]
		mdi := 100 * minusSmooth[i] / trSmooth[i]
		if pdi+mdi == 0 {
			dxs = append(dxs, 0)
			continue
		}
		dxs = append(dxs, 100*abs(pdi-mdi)/(pdi+mdi))
	}
	if len(dxs) < period {
		return 0
	}
	var sum float64
	for i := 0; i < period; i++ {
		sum += dxs[i]
	}
	adx := sum / float64(period)
	for i := period; i < len(dxs); i++ {
		adx = (adx*float64(period-1) + dxs[i]) / float64(period)
	}
	return adx
}

// EMA returns the exponential moving average of the closes for the
// final bar.
func EMA(candles []market.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}
	var sum float64
	for i := 0; i < period; i++ {
		sum += candles[i].Close
	}
	ema := sum / float64(period)
	k := 2.0 / (float64(period) + 1.0)
	for i := period; i < len(candles); i++ {
		ema = candles[i].Close*k + ema*(1-k)
	}
	return ema
}

// EMACrosses counts how many times the close crossed its EMA over the
// last window bars. Frequent crosses mark a directionless market even
// when ADX has not yet decayed.
func EMACrosses(candles []market.Candle, period, window int) int {
	if period <= 0 || len(candles) < period+2 {
		return 0
	}
	start := len(candles) - window
	if start < period+1 {
		start = period + 1
	}
	var crosses int
	for i := start; i < len(candles); i++ {
		prev := EMA(candles[:i], period)
		curr := EMA(candles[:i+1], period)
		above := candles[i-1].Close > prev
		nowAbove := candles[i].Close > curr
		if above != nowAbove {
			crosses++
		}
	}
	return crosses
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
