package engine

import (
	"github.com/quaylabs/rangekeeper/internal/domain"
)

// decideInput is everything the decision stage consumes. Pure given the
// engine's gate configuration and per-pool action history.
type decideInput struct {
	params       domain.RangeParams
	positions    []domain.Position
	targets      map[domain.PoolRef]domain.Range
	poolAPR      map[domain.PoolRef]float64
	allocations  []domain.AllocationEntry
	portfolioAPR float64
	currentAPR   float64
	portfolioUSD float64
}

// decide evaluates the PRA trigger first, then RS, then HOLD. Both triggers
// carry cost gates so gas can never eat the improvement they chase.
func (e *Engine) decide(in decideInput) domain.Decision {
	if d, ok := e.praDecision(in); ok {
		return d
	}
	if d, ok := e.rsDecision(in); ok {
		return d
	}
	return domain.Hold("no_trigger")
}

// praDecision checks the full-rebalance gates: absolute APR gain, relative
// improvement over the regime-widened threshold, and a projected 7-day gain
// that clears 1.5x the estimated rebalance gas.
func (e *Engine) praDecision(in decideInput) (domain.Decision, bool) {
	if len(in.allocations) == 0 {
		return domain.Decision{}, false
	}
	gain := in.portfolioAPR - in.currentAPR
	if gain < e.cfg.MinAbsoluteAPRGain {
		return domain.Decision{}, false
	}
	if in.currentAPR > 0 {
		threshold := e.regime.WidenThreshold(e.cfg.PRAThreshold)
		if gain/in.currentAPR < threshold {
			return domain.Decision{}, false
		}
	}
	// Burns for every live position, a mint per allocation.
	rebalanceGas := e.cfg.GasPerTxUSD * float64(len(in.positions)+len(in.allocations))
	projected7d := gain * in.portfolioUSD * 7 / 365
	if projected7d <= 1.5*rebalanceGas {
		return domain.Decision{}, false
	}
	return domain.Decision{
		Type:         domain.DecisionPRA,
		Allocations:  in.allocations,
		PortfolioAPR: in.portfolioAPR,
	}, true
}

// rsDecision checks each live position for divergence past the widened
// threshold, a fee-loss gate of 2x per-position gas, and the minimum holding
// period since the pool's last action.
func (e *Engine) rsDecision(in decideInput) (domain.Decision, bool) {
	var shifts []domain.RangeShift
	for _, pos := range in.positions {
		target, ok := in.targets[pos.Pool]
		if !ok {
			continue
		}
		if last, ok := e.lastAction[pos.Pool]; ok && e.epoch-last < e.cfg.MinHoldEpochs {
			continue
		}
		divergence := domain.RangeDivergence(pos.Range, target)
		if divergence < e.regime.WidenThreshold(in.params.RSThreshold) {
			continue
		}
		// A diverged position forgoes roughly its share of the pool's daily
		// fees, scaled by how far it drifted.
		feeLoss24h := divergence * pos.EntryValueUSD * in.poolAPR[pos.Pool] / 365
		if feeLoss24h <= 2*e.cfg.GasPerTxUSD {
			continue
		}
		shifts = append(shifts, domain.RangeShift{Pool: pos.Pool, OldRange: pos.Range, NewRange: target})
	}
	if len(shifts) == 0 {
		return domain.Decision{}, false
	}
	return domain.Decision{
		Type:         domain.DecisionRS,
		Shifts:       shifts,
		PortfolioAPR: in.portfolioAPR,
	}, true
}
