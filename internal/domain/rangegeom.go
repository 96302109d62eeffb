package domain

import "math"

const (
	// trendBiasFraction scales how far the trend force may push the range
	// center off the base price, as a fraction of half the breadth.
	trendBiasFraction = 0.5

	bullishThreshold = 60.0
	bearishThreshold = 40.0
)

// BuildRange derives a price band from the current price, the force triple
// and the tuned parameters. Pure.
func BuildRange(basePrice float64, f Forces, p RangeParams) Range {
	spread := p.BaseMax - p.BaseMin
	vterm := 0.0
	if p.VForceDivider > 0 {
		vterm = math.Pow(f.V/p.VForceDivider, p.VForceExp)
	}
	breadth := clamp(p.BaseMin+spread*vterm, p.BaseMin, p.BaseMax)

	bias := (f.T - 50) / 50 * (breadth / 2) * trendBiasFraction

	rtype := RangeNeutral
	switch {
	case f.T >= bullishThreshold:
		rtype = RangeBullish
	case f.T <= bearishThreshold:
		rtype = RangeBearish
	}

	// High volatility means lower confidence in the placement.
	confidence := clamp(1-f.V/200, 0.01, 1)

	return Range{
		PriceMin:   basePrice * (1 - breadth/2 + bias),
		PriceMax:   basePrice * (1 + breadth/2 + bias),
		BasePrice:  basePrice,
		Breadth:    breadth,
		Confidence: confidence,
		TrendBias:  bias,
		Type:       rtype,
	}
}

// tickBase is the per-tick price ratio of concentrated-liquidity pools.
var logTickBase = math.Log(1.0001)

// PriceToTick returns the largest tick whose price is <= the given price.
func PriceToTick(price float64) int {
	return int(math.Floor(math.Log(price) / logTickBase))
}

// TickToPrice is the inverse of PriceToTick at exact tick boundaries.
func TickToPrice(tick int) float64 {
	return math.Pow(1.0001, float64(tick))
}

// RangeToTicks aligns a range to the pool's tick spacing. The lower bound
// rounds down and the upper bound rounds up, so the on-chain range is never
// narrower than the computed one.
func RangeToTicks(r Range, spacing int) (tickLower, tickUpper int) {
	if spacing <= 0 {
		spacing = 1
	}
	rawLower := PriceToTick(r.PriceMin)
	rawUpper := int(math.Ceil(math.Log(r.PriceMax) / logTickBase))

	tickLower = floorDiv(rawLower, spacing) * spacing
	tickUpper = ceilDiv(rawUpper, spacing) * spacing
	if tickUpper <= tickLower {
		tickUpper = tickLower + spacing
	}
	return tickLower, tickUpper
}

// RangeDivergence measures how far the current range has drifted from the
// target: size difference plus center displacement, both relative to the
// current width, capped at 1.
func RangeDivergence(current, target Range) float64 {
	rc := current.Width()
	if rc <= 0 {
		return 1
	}
	sizeDiff := math.Abs(rc-target.Width()) / rc
	centerDiff := math.Abs(current.Center()-target.Center()) / rc
	return math.Min(sizeDiff+centerDiff, 1)
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func ceilDiv(a, b int) int {
	return -floorDiv(-a, b)
}
