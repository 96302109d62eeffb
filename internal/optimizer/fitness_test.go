package optimizer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quaylabs/rangekeeper/internal/domain"
)

func simCandles(n int, drift, wiggle float64) []domain.Candle {
	out := make([]domain.Candle, n)
	base := int64(1_700_000_000_000)
	price := 1.0
	for i := range out {
		price *= 1 + drift
		out[i] = domain.Candle{
			Ts:    base + int64(i)*60_000,
			Open:  price,
			High:  price * (1 + wiggle),
			Low:   price * (1 - wiggle),
			Close: price,
		}
	}
	return out
}

func TestFitnessRejectsPathologicalRange(t *testing.T) {
	sim := NewSimulator(DefaultFitnessConfig(), simCandles(2000, 0, 0.0005))

	p := DefaultParams()
	p.BaseMin = 0.01
	p.BaseMax = 0.0105 // spread below minRangeWidth

	assert.True(t, math.IsInf(sim.Fitness(p), -1))
}

func TestFitnessRejectsShortWindow(t *testing.T) {
	sim := NewSimulator(DefaultFitnessConfig(), simCandles(30, 0, 0.0005))
	assert.True(t, math.IsInf(sim.Fitness(DefaultParams()), -1))
}

func TestFitnessStableMarketPositive(t *testing.T) {
	// Calm, range-bound market: fees accrue every epoch, no shifts, tiny LVR.
	sim := NewSimulator(DefaultFitnessConfig(), simCandles(3000, 0, 0.0005))

	fit := sim.Fitness(DefaultParams())

	require.False(t, math.IsInf(fit, -1))
	assert.Greater(t, fit, 0.0)
}

func TestFitnessPrefersWiderRangesInTrend(t *testing.T) {
	// A steady drift walks the price out of narrow ranges, so a wider base
	// breadth should not score worse than a hairline one.
	candles := simCandles(3000, 0.00002, 0.001)
	sim := NewSimulator(DefaultFitnessConfig(), candles)

	narrow := DefaultParams()
	narrow.BaseMin = 0.001
	narrow.BaseMax = 0.004

	wide := DefaultParams()
	wide.BaseMin = 0.02
	wide.BaseMax = 0.1

	fNarrow := sim.Fitness(narrow)
	fWide := sim.Fitness(wide)
	if math.IsInf(fNarrow, -1) {
		return // narrow vertex rejected outright is an acceptable outcome
	}
	assert.GreaterOrEqual(t, fWide, fNarrow)
}

func TestSimulateHoldingPeriod(t *testing.T) {
	// Violent zig-zag would trigger a shift every epoch if ungated; the
	// 4-epoch holding period caps the event rate.
	candles := make([]domain.Candle, 3000)
	base := int64(1_700_000_000_000)
	for i := range candles {
		price := 1.0
		if (i/15)%2 == 0 {
			price = 1.04
		}
		candles[i] = domain.Candle{Ts: base + int64(i)*60_000, Open: price, High: price * 1.001, Low: price * 0.999, Close: price}
	}
	cfg := DefaultFitnessConfig()
	sim := NewSimulator(cfg, candles)

	p := DefaultParams()
	p.RSThreshold = 0.05

	epochs := sim.simulate(p)
	require.NotEmpty(t, epochs)

	shifts := 0
	last := int64(-100)
	for i, e := range epochs {
		if e.costUSD > 0 {
			shifts++
			assert.GreaterOrEqual(t, int64(i)-last, cfg.MinHoldEpochs, "shifts at least 4 epochs apart")
			last = int64(i)
		}
	}
	assert.Greater(t, shifts, 0)
}

func TestOptimizerFallsBackOnRegression(t *testing.T) {
	// A window too short to simulate forces every vertex to -Inf, including
	// defaults; the optimizer must still return defaults and flag regression.
	opt := New(DefaultOptimizerConfig())

	res := opt.Run("USDC-USDT", simCandles(30, 0, 0.0005), nil)

	assert.True(t, res.Regressed)
	assert.Equal(t, DefaultParams(), res.Params)
}

func TestOptimizerOutputWithinBounds(t *testing.T) {
	opt := New(DefaultOptimizerConfig())
	warm := &domain.OptimizerWarmStart{
		Vec:     domain.RangeParams{BaseMin: 9, BaseMax: 9, VForceExp: 9, VForceDivider: 9, RSThreshold: 9},
		Fitness: 1,
	}

	res := opt.Run("USDC-USDT", simCandles(3000, 0, 0.0005), warm)

	assert.True(t, opt.Bounds().Contains(res.Params.Vector()), "out-of-bounds warm start is clamped on load")
}

func TestOptimizerRunMatchesSimulatorFitness(t *testing.T) {
	// The fitness the optimizer reports must be the simulator's score for the
	// params it returns, and a healthy window must not regress to defaults.
	candles := simCandles(3000, 0, 0.0005)
	opt := New(DefaultOptimizerConfig())

	res := opt.Run("USDC-USDT", candles, nil)

	require.False(t, res.Regressed)
	require.Greater(t, res.Evaluations, 0)
	assert.True(t, opt.Bounds().Contains(res.Params.Vector()))

	sim := NewSimulator(DefaultFitnessConfig(), candles)
	assert.InDelta(t, sim.Fitness(res.Params), res.Fitness, 1e-9)
	assert.GreaterOrEqual(t, res.Fitness, sim.Fitness(DefaultParams()))
}

func TestNextWarmStart(t *testing.T) {
	opt := New(DefaultOptimizerConfig())

	better := Result{Params: domain.RangeParams{BaseMin: 0.01, BaseMax: 0.2, VForceExp: 1, VForceDivider: 50, RSThreshold: 0.3}, Fitness: 0.5}
	ws := opt.NextWarmStart(better, 0.2)
	assert.Equal(t, better.Params, ws.Vec)

	worse := Result{Params: better.Params, Fitness: 0.1}
	ws = opt.NextWarmStart(worse, 0.2)
	assert.Equal(t, DefaultParams(), ws.Vec, "regressions reset the warm start to defaults")
}
