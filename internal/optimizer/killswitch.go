package optimizer

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quaylabs/rangekeeper/internal/domain"
)

// Kill-switch names, published verbatim in WorkerState.
const (
	KillNegativeTrailingYield = "negative_trailing_yield"
	KillExcessiveRS           = "excessive_rs"
	KillPathologicalRange     = "pathological_range"
	KillGasBudgetExceeded     = "gas_budget_exceeded"
)

// KillSwitchConfig holds the trailing-metric thresholds.
type KillSwitchConfig struct {
	TrailingYieldEpochs int           `yaml:"trailing_yield_epochs"` // default 24 (6h of 15m epochs)
	RSWindow            time.Duration `yaml:"rs_window"`             // default 4h
	RSMax               int           `yaml:"rs_max"`                // default 8
	GasWindow           time.Duration `yaml:"gas_window"`            // default 24h
	GasBudgetFraction   float64       `yaml:"gas_budget_fraction"`   // default 0.05
	Cooldown            time.Duration `yaml:"cooldown"`              // default 24h
}

// DefaultKillSwitchConfig returns the production thresholds.
func DefaultKillSwitchConfig() KillSwitchConfig {
	return KillSwitchConfig{
		TrailingYieldEpochs: 24,
		RSWindow:            4 * time.Hour,
		RSMax:               8,
		GasWindow:           24 * time.Hour,
		GasBudgetFraction:   0.05,
		Cooldown:            24 * time.Hour,
	}
}

type gasEvent struct {
	at  time.Time
	usd float64
}

// KillSwitches tracks trailing yield, range-shift frequency and gas spend,
// and decides post-optimization whether to fall back to defaults or halt
// rebalancing entirely.
type KillSwitches struct {
	mu       sync.Mutex
	cfg      KillSwitchConfig
	yields   []float64
	rsEvents []time.Time
	gasSpend []gasEvent
	state    domain.KillSwitchState
}

// NewKillSwitches builds an empty tracker.
func NewKillSwitches(cfg KillSwitchConfig) *KillSwitches {
	return &KillSwitches{cfg: cfg}
}

// RecordYield appends one epoch's net yield to the trailing window.
func (k *KillSwitches) RecordYield(netYield float64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.yields = append(k.yields, netYield)
	if len(k.yields) > k.cfg.TrailingYieldEpochs {
		k.yields = k.yields[len(k.yields)-k.cfg.TrailingYieldEpochs:]
	}
}

// RecordRS registers an executed range shift.
func (k *KillSwitches) RecordRS(at time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rsEvents = append(k.rsEvents, at)
}

// RecordGas registers gas spend in USD.
func (k *KillSwitches) RecordGas(at time.Time, usd float64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.gasSpend = append(k.gasSpend, gasEvent{at: at, usd: usd})
}

// State returns the last evaluated state.
func (k *KillSwitches) State() domain.KillSwitchState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Verdict is the effect a tripped switch imposes on the cycle.
type Verdict struct {
	State       domain.KillSwitchState
	UseDefaults bool // revert optimizer output to defaults
	ForceHold   bool // additionally halt rebalancing
}

// Evaluate applies the four switches in order. params is the vertex the
// optimizer produced this cycle; portfolioUSD scales the gas budget.
func (k *KillSwitches) Evaluate(params domain.RangeParams, portfolioUSD float64, now time.Time) Verdict {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.pruneLocked(now)

	// A prior activation holds until its cooldown elapses.
	if k.state.Active && now.Before(k.state.Until) {
		return Verdict{State: k.state, UseDefaults: true, ForceHold: k.state.Reason == KillGasBudgetExceeded}
	}

	if len(k.yields) >= k.cfg.TrailingYieldEpochs && mean(k.yields) < 0 {
		return k.tripLocked(KillNegativeTrailingYield, now, true, false)
	}
	if len(k.rsEvents) > k.cfg.RSMax {
		return k.tripLocked(KillExcessiveRS, now, true, false)
	}
	if params.BaseMax-params.BaseMin < minRangeWidth {
		// Rejects this vertex only: defaults for the cycle, no cooldown latch.
		k.state = domain.KillSwitchState{Reason: KillPathologicalRange}
		log.Warn().Float64("spread", params.BaseMax-params.BaseMin).
			Msg("pathological range vertex rejected")
		return Verdict{State: k.state, UseDefaults: true}
	}
	if portfolioUSD > 0 {
		gas := 0.0
		for _, g := range k.gasSpend {
			gas += g.usd
		}
		if gas > k.cfg.GasBudgetFraction*portfolioUSD {
			return k.tripLocked(KillGasBudgetExceeded, now, true, true)
		}
	}

	k.state = domain.KillSwitchState{}
	return Verdict{}
}

func (k *KillSwitches) tripLocked(reason string, now time.Time, useDefaults, forceHold bool) Verdict {
	k.state = domain.KillSwitchState{Active: true, Reason: reason, Until: now.Add(k.cfg.Cooldown)}
	log.Warn().Str("reason", reason).Time("until", k.state.Until).Msg("kill-switch tripped")
	return Verdict{State: k.state, UseDefaults: useDefaults, ForceHold: forceHold}
}

func (k *KillSwitches) pruneLocked(now time.Time) {
	rsCut := now.Add(-k.cfg.RSWindow)
	kept := k.rsEvents[:0]
	for _, t := range k.rsEvents {
		if t.After(rsCut) {
			kept = append(kept, t)
		}
	}
	k.rsEvents = kept

	gasCut := now.Add(-k.cfg.GasWindow)
	gkept := k.gasSpend[:0]
	for _, g := range k.gasSpend {
		if g.at.After(gasCut) {
			gkept = append(gkept, g)
		}
	}
	k.gasSpend = gkept
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	s := 0.0
	for _, v := range vals {
		s += v
	}
	return s / float64(len(vals))
}
