package domain

import (
	"fmt"
	"sort"
)

// Water-fill solver constants.
const (
	waterfillTolerance  = 1e-10
	waterfillIterations = 64
	lambdaFloor         = 1e-4
)

// PoolYield is the input to the allocator: a pool's gross APR and TVL.
type PoolYield struct {
	Pool PoolRef
	APR  float64
	TVL  float64
}

// DilutedAPR is the pool's yield after our capital joins its TVL.
func (p PoolYield) DilutedAPR(capitalUSD float64) float64 {
	if p.TVL+capitalUSD <= 0 {
		return 0
	}
	return p.APR * p.TVL / (p.TVL + capitalUSD)
}

// WaterFill allocates capital across the top pools by diluted APR so that
// marginal diluted yield is equalized at a common level lambda. It returns
// the allocation entries (fractions summing to 1 after the AllocMin floor)
// and the resulting portfolio APR.
func WaterFill(pools []PoolYield, capitalUSD float64, maxPositions int) ([]AllocationEntry, float64, error) {
	usable := make([]PoolYield, 0, len(pools))
	for _, p := range pools {
		if p.APR > 0 && p.TVL > 0 {
			usable = append(usable, p)
		}
	}
	if len(usable) == 0 {
		return nil, 0, fmt.Errorf("no pool with positive yield")
	}
	if capitalUSD <= 0 {
		return nil, 0, fmt.Errorf("non-positive capital %g", capitalUSD)
	}

	sort.Slice(usable, func(i, j int) bool {
		return usable[i].DilutedAPR(capitalUSD) > usable[j].DilutedAPR(capitalUSD)
	})
	if maxPositions > 0 && len(usable) > maxPositions {
		usable = usable[:maxPositions]
	}

	maxAPR := usable[0].APR
	for _, p := range usable {
		if p.APR > maxAPR {
			maxAPR = p.APR
		}
	}

	// Total fraction demanded at a given water level; decreasing in lambda.
	fractionsAt := func(lambda float64) []float64 {
		xs := make([]float64, len(usable))
		for i, p := range usable {
			x := (p.APR/lambda - 1) * p.TVL / capitalUSD
			if x > 0 {
				xs[i] = x
			}
		}
		return xs
	}
	sum := func(xs []float64) float64 {
		s := 0.0
		for _, x := range xs {
			s += x
		}
		return s
	}

	lo, hi := lambdaFloor, maxAPR
	var xs []float64
	if sum(fractionsAt(lo)) <= 1 {
		// Even the lowest water level cannot absorb all capital; spread
		// proportionally and let renormalization below handle the rest.
		xs = fractionsAt(lo)
	} else {
		for i := 0; i < waterfillIterations; i++ {
			mid := (lo + hi) / 2
			total := sum(fractionsAt(mid))
			if total > 1 {
				lo = mid
			} else {
				hi = mid
			}
			if hi-lo < waterfillTolerance {
				break
			}
		}
		xs = fractionsAt((lo + hi) / 2)
	}

	total := sum(xs)
	if total <= 0 {
		return nil, 0, fmt.Errorf("water-fill collapsed to zero allocation")
	}
	for i := range xs {
		xs[i] /= total
	}

	// Drop dust and renormalize.
	kept := 0.0
	for _, x := range xs {
		if x >= AllocMin {
			kept += x
		}
	}
	if kept <= 0 {
		return nil, 0, fmt.Errorf("all allocations below floor")
	}

	entries := make([]AllocationEntry, 0, len(usable))
	portfolioAPR := 0.0
	for i, p := range usable {
		if xs[i] < AllocMin {
			continue
		}
		frac := xs[i] / kept
		expected := p.APR * p.TVL / (p.TVL + frac*capitalUSD)
		entries = append(entries, AllocationEntry{Pool: p.Pool, Fraction: frac, ExpectedAPR: expected})
		portfolioAPR += frac * expected
	}
	if err := ValidateAllocations(entries); err != nil {
		return nil, 0, Classify(FailInvariantViolation, err)
	}
	return entries, portfolioAPR, nil
}
