package domain

import "math"

// Force model constants. Lookbacks are in candles of the target timeframe.
const (
	ForceLookback = 14

	trendShortPeriod = 7
	trendLongPeriod  = 25

	// volRefParkinson is the per-window Parkinson reading that maps to V=50.
	volRefParkinson = 0.02
	// trendScale is the MA ratio displacement that saturates T at 0/100.
	trendScale = 0.02
)

// Composite timeframe weights: M15 / H1 / H4.
const (
	weightM15 = 0.5
	weightH1  = 0.3
	weightH4  = 0.2
)

// ParkinsonVolatility computes the extreme-value volatility estimator over
// the high/low ratios of the given candles. Returns 0 for fewer than two
// usable candles.
func ParkinsonVolatility(candles []Candle) float64 {
	n := 0
	sum := 0.0
	for _, c := range candles {
		if c.Low <= 0 || c.High < c.Low {
			continue
		}
		r := math.Log(c.High / c.Low)
		sum += r * r
		n++
	}
	if n < 2 {
		return 0
	}
	return math.Sqrt(sum / (4 * math.Ln2 * float64(n)))
}

// VolatilityForce normalizes a Parkinson reading to [0, 100] with a smooth
// saturating map; volRefParkinson lands at 50.
func VolatilityForce(parkinson float64) float64 {
	if parkinson <= 0 {
		return 0
	}
	return 100 * parkinson / (parkinson + volRefParkinson)
}

// WilderRSI computes the RSI with Wilder smoothing over period candles.
// A flat series returns the neutral 50.
func WilderRSI(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}
	if avgGain == 0 && avgLoss == 0 {
		return 50
	}
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// TrendForce maps the short-MA / long-MA ratio to [0, 100] with 50 neutral.
func TrendForce(closes []float64, shortPeriod, longPeriod int) float64 {
	if len(closes) < longPeriod || longPeriod <= 0 || shortPeriod <= 0 {
		return 50
	}
	shortMA := mean(closes[len(closes)-shortPeriod:])
	longMA := mean(closes[len(closes)-longPeriod:])
	if longMA == 0 {
		return 50
	}
	ratio := shortMA / longMA
	return clamp(50+50*(ratio-1)/trendScale, 0, 100)
}

// AggregateCandles buckets minute candles into bars of the given size in
// minutes. Partial trailing buckets are included.
func AggregateCandles(candles []Candle, minutes int) []Candle {
	if minutes <= 1 || len(candles) == 0 {
		return candles
	}
	span := int64(minutes) * 60_000
	var out []Candle
	var cur Candle
	var curBucket int64 = -1
	for _, c := range candles {
		bucket := c.Ts - (c.Ts % span)
		if bucket != curBucket {
			if curBucket >= 0 {
				out = append(out, cur)
			}
			curBucket = bucket
			cur = Candle{Ts: bucket, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume}
			continue
		}
		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume += c.Volume
	}
	if curBucket >= 0 {
		out = append(out, cur)
	}
	return out
}

// forcesOn computes the (V, M, T) triple on a single timeframe.
func forcesOn(candles []Candle) Forces {
	window := candles
	if len(window) > ForceLookback {
		window = window[len(window)-ForceLookback:]
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return Forces{
		V: VolatilityForce(ParkinsonVolatility(window)),
		M: WilderRSI(closes, ForceLookback),
		T: TrendForce(closes, trendShortPeriod, trendLongPeriod),
	}
}

// ComputeForces derives the multi-timeframe composite forces from minute
// candles. Pure and deterministic on its inputs.
func ComputeForces(candles []Candle) Forces {
	m15 := forcesOn(AggregateCandles(candles, 15))
	h1 := forcesOn(AggregateCandles(candles, 60))
	h4 := forcesOn(AggregateCandles(candles, 240))
	return Forces{
		V: clamp(weightM15*m15.V+weightH1*h1.V+weightH4*h4.V, 0, 100),
		M: clamp(weightM15*m15.M+weightH1*h1.M+weightH4*h4.M, 0, 100),
		T: clamp(weightM15*m15.T+weightH1*h1.T+weightH4*h4.T, 0, 100),
	}
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
