package optimizer

import (
	"math"

	"github.com/rs/zerolog/log"

	"github.com/quaylabs/rangekeeper/internal/domain"
)

// DefaultParams are the safe fallback parameters.
func DefaultParams() domain.RangeParams {
	return domain.RangeParams{
		BaseMin:       0.005,
		BaseMax:       0.08,
		VForceExp:     1.2,
		VForceDivider: 60,
		RSThreshold:   0.25,
	}
}

// Config combines the simplex settings with the fitness simulation settings.
// Defaults is the fallback vertex used on regression or kill-switch trips;
// operators can override its components (RS_THRESHOLD et al).
type Config struct {
	Simplex  SimplexConfig      `json:"simplex"`
	Fitness  FitnessConfig      `json:"fitness"`
	Bounds   Bounds             `json:"-"`
	Defaults domain.RangeParams `json:"defaults"`
}

// DefaultOptimizerConfig returns the standard configuration.
func DefaultOptimizerConfig() Config {
	return Config{
		Simplex:  DefaultSimplexConfig(),
		Fitness:  DefaultFitnessConfig(),
		Bounds:   DefaultBounds(),
		Defaults: DefaultParams(),
	}
}

// Result is one optimization epoch's outcome.
type Result struct {
	Params      domain.RangeParams `json:"params"`
	Fitness     float64            `json:"fitness"`
	Evaluations int                `json:"evaluations"`
	Regressed   bool               `json:"regressed"` // fell back to defaults
}

// Optimizer runs one Nelder-Mead epoch per cycle, warm-started from the
// previous epoch's best vector.
type Optimizer struct {
	cfg Config
}

// New builds an optimizer.
func New(cfg Config) *Optimizer {
	return &Optimizer{cfg: cfg}
}

// Bounds exposes the declared parameter bounds.
func (o *Optimizer) Bounds() Bounds {
	return o.cfg.Bounds
}

// Defaults returns the configured fallback vertex, guarding against a
// zero-valued Config.
func (o *Optimizer) Defaults() domain.RangeParams {
	if o.cfg.Defaults == (domain.RangeParams{}) {
		return DefaultParams()
	}
	return o.cfg.Defaults
}

// Run optimizes over the candle window. warm may be nil on the first epoch.
// If the best vertex scores below the defaults vertex, defaults win and the
// regression is logged.
func (o *Optimizer) Run(pairID string, candles []domain.Candle, warm *domain.OptimizerWarmStart) Result {
	sim := NewSimulator(o.cfg.Fitness, candles)
	defaults := o.Defaults()
	defaultsFit := sim.Fitness(defaults)

	start := defaults
	if warm != nil {
		start = o.cfg.Bounds.ClampParams(warm.Vec)
	}

	objective := func(v [Dim]float64) float64 {
		return sim.Fitness(domain.ParamsFromVector(v))
	}
	res := Maximize(objective, start.Vector(), o.cfg.Bounds, o.cfg.Simplex)

	if math.IsInf(res.BestFitness, -1) || res.BestFitness < defaultsFit {
		log.Warn().Str("pair", pairID).
			Float64("best_fitness", res.BestFitness).
			Float64("defaults_fitness", defaultsFit).
			Msg("optimizer_regression: falling back to defaults")
		return Result{Params: defaults, Fitness: defaultsFit, Evaluations: res.Evaluations, Regressed: true}
	}

	return Result{
		Params:      domain.ParamsFromVector(res.Best),
		Fitness:     res.BestFitness,
		Evaluations: res.Evaluations,
	}
}

// NextWarmStart decides what to persist for the next epoch: the new result
// when it beats the defaults fitness, otherwise a reset to defaults.
func (o *Optimizer) NextWarmStart(res Result, defaultsFitness float64) domain.OptimizerWarmStart {
	if !res.Regressed && res.Fitness >= defaultsFitness {
		return domain.OptimizerWarmStart{Vec: res.Params, Fitness: res.Fitness}
	}
	return domain.OptimizerWarmStart{Vec: o.Defaults(), Fitness: defaultsFitness}
}
