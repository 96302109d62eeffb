// Package optimizer tunes the five range-placement parameters online with a
// bounded Nelder-Mead simplex over a simulated fee/LVR/cost objective, guarded
// by a validation split and post-optimization kill-switches.
package optimizer

import (
	"math"
	"sort"

	"github.com/quaylabs/rangekeeper/internal/domain"
)

// Dim is the dimensionality of the search space.
const Dim = 5

// Bounds clamp every simplex vertex component-wise.
type Bounds struct {
	Min [Dim]float64
	Max [Dim]float64
}

// DefaultBounds returns the declared parameter bounds.
func DefaultBounds() Bounds {
	return Bounds{
		Min: [Dim]float64{0.001, 0.01, 0.5, 10, 0.05},
		Max: [Dim]float64{0.05, 0.5, 3.0, 200, 0.9},
	}
}

// Clamp forces v inside the bounds.
func (b Bounds) Clamp(v [Dim]float64) [Dim]float64 {
	for i := 0; i < Dim; i++ {
		if v[i] < b.Min[i] {
			v[i] = b.Min[i]
		}
		if v[i] > b.Max[i] {
			v[i] = b.Max[i]
		}
	}
	return v
}

// Contains reports whether v lies inside the bounds.
func (b Bounds) Contains(v [Dim]float64) bool {
	for i := 0; i < Dim; i++ {
		if v[i] < b.Min[i] || v[i] > b.Max[i] {
			return false
		}
	}
	return true
}

// ClampParams clamps a parameter set to the declared bounds. Warm-start
// vectors go through this on load.
func (b Bounds) ClampParams(p domain.RangeParams) domain.RangeParams {
	return domain.ParamsFromVector(b.Clamp(p.Vector()))
}

// SimplexConfig holds the Nelder-Mead coefficients and stop criteria.
type SimplexConfig struct {
	Alpha       float64 `json:"alpha"`        // reflection, default 1
	Gamma       float64 `json:"gamma"`        // expansion, default 2
	Rho         float64 `json:"rho"`          // contraction, default 0.5
	Sigma       float64 `json:"sigma"`        // shrink, default 0.5
	MaxEvals    int     `json:"max_evals"`    // default 300
	Tolerance   float64 `json:"tolerance"`    // default 1e-8
	InitPerturb float64 `json:"init_perturb"` // relative vertex perturbation, default 0.05
}

// DefaultSimplexConfig returns the standard coefficients.
func DefaultSimplexConfig() SimplexConfig {
	return SimplexConfig{
		Alpha:       1,
		Gamma:       2,
		Rho:         0.5,
		Sigma:       0.5,
		MaxEvals:    300,
		Tolerance:   1e-8,
		InitPerturb: 0.05,
	}
}

// Objective is a fitness function to maximize. It may return -Inf to reject
// a vertex outright.
type Objective func(v [Dim]float64) float64

// SimplexResult reports the best vertex found.
type SimplexResult struct {
	Best        [Dim]float64 `json:"best"`
	BestFitness float64      `json:"best_fitness"`
	Evaluations int          `json:"evaluations"`
	Converged   bool         `json:"converged"`
}

type vertex struct {
	point   [Dim]float64
	fitness float64
}

// Maximize runs a bounded Nelder-Mead search started from the given vertex.
// The initial simplex perturbs one coordinate per extra vertex, alternating
// sign per coordinate, with every vertex clamped to bounds.
func Maximize(obj Objective, start [Dim]float64, bounds Bounds, cfg SimplexConfig) SimplexResult {
	evals := 0
	eval := func(p [Dim]float64) float64 {
		evals++
		return obj(p)
	}

	simplex := make([]vertex, 0, Dim+1)
	base := bounds.Clamp(start)
	simplex = append(simplex, vertex{point: base, fitness: eval(base)})
	for i := 0; i < Dim; i++ {
		p := base
		span := bounds.Max[i] - bounds.Min[i]
		step := cfg.InitPerturb * span
		if i%2 == 1 {
			step = -step
		}
		p[i] += step
		p = bounds.Clamp(p)
		if p == base {
			// Clamping collapsed the perturbation; push the other way.
			p[i] = base[i] - 2*step
			p = bounds.Clamp(p)
		}
		simplex = append(simplex, vertex{point: p, fitness: eval(p)})
	}

	order := func() {
		sort.SliceStable(simplex, func(a, b int) bool {
			return simplex[a].fitness > simplex[b].fitness
		})
	}
	order()

	converged := false
	for evals < cfg.MaxEvals {
		best, worst := simplex[0], simplex[Dim]
		if math.Abs(best.fitness-worst.fitness) < cfg.Tolerance &&
			!math.IsInf(best.fitness, -1) {
			converged = true
			break
		}

		// Centroid of all vertices except the worst.
		var centroid [Dim]float64
		for _, v := range simplex[:Dim] {
			for i := 0; i < Dim; i++ {
				centroid[i] += v.point[i] / float64(Dim)
			}
		}

		combine := func(coef float64) [Dim]float64 {
			var p [Dim]float64
			for i := 0; i < Dim; i++ {
				p[i] = centroid[i] + coef*(centroid[i]-worst.point[i])
			}
			return bounds.Clamp(p)
		}

		reflected := combine(cfg.Alpha)
		fr := eval(reflected)

		switch {
		case fr > best.fitness:
			// Try expanding further in the same direction.
			expanded := combine(cfg.Alpha * cfg.Gamma)
			if fe := eval(expanded); fe > fr {
				simplex[Dim] = vertex{expanded, fe}
			} else {
				simplex[Dim] = vertex{reflected, fr}
			}
		case fr > simplex[Dim-1].fitness:
			simplex[Dim] = vertex{reflected, fr}
		default:
			contracted := combine(-cfg.Rho)
			if fc := eval(contracted); fc > worst.fitness {
				simplex[Dim] = vertex{contracted, fc}
			} else {
				// Shrink everything toward the best vertex.
				for j := 1; j <= Dim; j++ {
					var p [Dim]float64
					for i := 0; i < Dim; i++ {
						p[i] = best.point[i] + cfg.Sigma*(simplex[j].point[i]-best.point[i])
					}
					p = bounds.Clamp(p)
					simplex[j] = vertex{p, eval(p)}
					if evals >= cfg.MaxEvals {
						break
					}
				}
			}
		}
		order()
	}

	order()
	return SimplexResult{
		Best:        simplex[0].point,
		BestFitness: simplex[0].fitness,
		Evaluations: evals,
		Converged:   converged,
	}
}
