package optimizer

import (
	"math"

	"github.com/quaylabs/rangekeeper/internal/domain"
)

const secondsPerYear = 31_557_600.0

// minRangeWidth is the smallest usable baseMax-baseMin spread; vertices below
// it are rejected outright.
const minRangeWidth = 0.001

// FitnessConfig parameterizes the backcast used as the optimization
// objective.
type FitnessConfig struct {
	EpochSeconds     int     `json:"epoch_seconds"`      // default 900
	BaseAPR          float64 `json:"base_apr"`           // fee yield numerator before concentration
	FeeFraction      float64 `json:"fee_fraction"`       // pool swap fee
	GasUSD           float64 `json:"gas_usd"`            // per range-shift gas estimate
	PositionValueUSD float64 `json:"position_value_usd"` // simulated position size
	SwapFriction     float64 `json:"swap_friction"`      // default 0.001
	TrainFraction    float64 `json:"train_fraction"`     // default 0.8
	ValidationGuard  float64 `json:"validation_guard"`   // default 0.8
	MinHoldEpochs    int64   `json:"min_hold_epochs"`    // default 4
}

// DefaultFitnessConfig returns the standard simulation settings.
func DefaultFitnessConfig() FitnessConfig {
	return FitnessConfig{
		EpochSeconds:     900,
		BaseAPR:          0.10,
		FeeFraction:      0.0005,
		GasUSD:           2,
		PositionValueUSD: 10_000,
		SwapFriction:     0.001,
		TrainFraction:    0.8,
		ValidationGuard:  0.8,
		MinHoldEpochs:    4,
	}
}

// Simulator replays a candle window under candidate parameters and scores
// the resulting net yield. Pure; safe for repeated evaluation.
type Simulator struct {
	cfg     FitnessConfig
	candles []domain.Candle
}

// NewSimulator builds a simulator over a historical candle window.
func NewSimulator(cfg FitnessConfig, candles []domain.Candle) *Simulator {
	return &Simulator{cfg: cfg, candles: candles}
}

// epochOutcome is the per-epoch yield decomposition.
type epochOutcome struct {
	feeAPR  float64 // annualized fee capture while in range
	lvr     float64 // Delta-t scaled adverse-selection loss fraction
	costUSD float64 // range-shift cost charged to this epoch
}

// Fitness scores a parameter vector: mean fee APR minus annualized LVR and
// rebalance cost, evaluated on the validation tail of the window. Returns
// -Inf for degenerate vertices or when validation regresses past the guard.
func (s *Simulator) Fitness(p domain.RangeParams) float64 {
	if p.BaseMax-p.BaseMin < minRangeWidth {
		return math.Inf(-1)
	}
	epochs := s.simulate(p)
	if len(epochs) < 5 {
		return math.Inf(-1)
	}

	split := int(float64(len(epochs)) * s.cfg.TrainFraction)
	if split <= 0 || split >= len(epochs) {
		return math.Inf(-1)
	}
	trainFit := s.windowYield(epochs[:split])
	valFit := s.windowYield(epochs[split:])

	if validationRejected(trainFit, valFit, s.cfg.ValidationGuard) {
		return math.Inf(-1)
	}
	return valFit
}

// validationRejected applies the overfit guard: reject when the validation
// fitness falls strictly below guard*train. Equality passes.
func validationRejected(trainFit, valFit, guard float64) bool {
	return valFit < guard*trainFit
}

// simulate replays the window epoch by epoch, shifting the range whenever
// divergence crosses the vertex's own threshold and the holding period has
// elapsed.
func (s *Simulator) simulate(p domain.RangeParams) []epochOutcome {
	candlesPerEpoch := s.cfg.EpochSeconds / 60
	if candlesPerEpoch < 1 {
		candlesPerEpoch = 1
	}
	dt := float64(s.cfg.EpochSeconds) / secondsPerYear

	var out []epochOutcome
	var current domain.Range
	haveRange := false
	lastShift := int64(math.MinInt64 / 2)

	for start := 0; start+candlesPerEpoch <= len(s.candles); start += candlesPerEpoch {
		epochIdx := int64(len(out))
		window := s.candles[start : start+candlesPerEpoch]
		price := window[len(window)-1].Close
		if price <= 0 {
			continue
		}
		sigma := domain.ParkinsonVolatility(window)
		forces := domain.Forces{V: domain.VolatilityForce(sigma), M: 50, T: 50}
		target := domain.BuildRange(price, forces, p)

		var o epochOutcome
		if !haveRange {
			current = target
			haveRange = true
			lastShift = epochIdx
		} else if domain.RangeDivergence(current, target) >= p.RSThreshold &&
			epochIdx-lastShift >= s.cfg.MinHoldEpochs {
			o.costUSD = s.cfg.GasUSD +
				(2*s.cfg.FeeFraction+s.cfg.SwapFriction)*(1+forces.V/100)*s.cfg.PositionValueUSD
			current = target
			lastShift = epochIdx
		}

		sqrtHi := math.Sqrt(current.PriceMax)
		sqrtLo := math.Sqrt(current.PriceMin)
		if sqrtHi > sqrtLo && current.Contains(price) {
			o.feeAPR = s.cfg.BaseAPR / (sqrtHi - sqrtLo)
			o.lvr = (sigma * sigma / 2) * math.Sqrt(price) / (sqrtHi - sqrtLo) * dt
		}
		out = append(out, o)
	}
	return out
}

// windowYield folds epoch outcomes into an annualized net yield.
func (s *Simulator) windowYield(epochs []epochOutcome) float64 {
	if len(epochs) == 0 {
		return 0
	}
	epochsPerYear := secondsPerYear / float64(s.cfg.EpochSeconds)
	windowYears := float64(len(epochs)) / epochsPerYear

	var feeSum, lvrSum, costSum float64
	for _, e := range epochs {
		feeSum += e.feeAPR
		lvrSum += e.lvr
		costSum += e.costUSD
	}
	meanFee := feeSum / float64(len(epochs))
	annualLVR := lvrSum / float64(len(epochs)) * epochsPerYear
	annualCost := 0.0
	if s.cfg.PositionValueUSD > 0 && windowYears > 0 {
		annualCost = (costSum / s.cfg.PositionValueUSD) / windowYears
	}
	return meanFee - annualLVR - annualCost
}
