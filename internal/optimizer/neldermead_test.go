package optimizer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quaylabs/rangekeeper/internal/domain"
)

func TestMaximizeQuadratic(t *testing.T) {
	bounds := Bounds{
		Min: [Dim]float64{-10, -10, -10, -10, -10},
		Max: [Dim]float64{10, 10, 10, 10, 10},
	}
	target := [Dim]float64{1, -2, 3, 0.5, -1.5}
	obj := func(v [Dim]float64) float64 {
		s := 0.0
		for i := 0; i < Dim; i++ {
			d := v[i] - target[i]
			s -= d * d
		}
		return s
	}

	cfg := DefaultSimplexConfig()
	res := Maximize(obj, [Dim]float64{0, 0, 0, 0, 0}, bounds, cfg)

	require.LessOrEqual(t, res.Evaluations, cfg.MaxEvals)
	for i := 0; i < Dim; i++ {
		assert.InDelta(t, target[i], res.Best[i], 0.05, "coordinate %d", i)
	}
}

func TestMaximizeRespectsBounds(t *testing.T) {
	bounds := DefaultBounds()
	// Optimum far outside the feasible region pushes vertices to the edge.
	obj := func(v [Dim]float64) float64 {
		return v[0] + v[1] + v[2] + v[3] + v[4]
	}

	res := Maximize(obj, DefaultParams().Vector(), bounds, DefaultSimplexConfig())

	assert.True(t, bounds.Contains(res.Best))
	for i := 0; i < Dim; i++ {
		assert.InDelta(t, bounds.Max[i], res.Best[i], bounds.Max[i]*0.2)
	}
}

func TestMaximizeEvaluationBudget(t *testing.T) {
	bounds := DefaultBounds()
	calls := 0
	obj := func(v [Dim]float64) float64 {
		calls++
		return math.Sin(v[0]*100) * math.Cos(v[3]) // rough surface, no convergence
	}

	cfg := DefaultSimplexConfig()
	res := Maximize(obj, DefaultParams().Vector(), bounds, cfg)

	assert.LessOrEqual(t, calls, cfg.MaxEvals+Dim, "budget bounds total evaluations")
	assert.Equal(t, calls, res.Evaluations)
}

func TestClampParamsOnLoad(t *testing.T) {
	bounds := DefaultBounds()
	wild := domain.RangeParams{BaseMin: -1, BaseMax: 2, VForceExp: 99, VForceDivider: 1, RSThreshold: 5}

	clamped := bounds.ClampParams(wild)

	assert.True(t, bounds.Contains(clamped.Vector()))
	assert.Equal(t, 0.001, clamped.BaseMin)
	assert.Equal(t, 0.5, clamped.BaseMax)
	assert.Equal(t, 3.0, clamped.VForceExp)
	assert.Equal(t, 10.0, clamped.VForceDivider)
	assert.Equal(t, 0.9, clamped.RSThreshold)
}

func TestValidationGuardBoundary(t *testing.T) {
	tests := []struct {
		name     string
		train    float64
		val      float64
		rejected bool
	}{
		{"exactly_at_guard_accepts", 1.0, 0.8, false},
		{"just_below_guard_rejects", 1.0, 0.7999, true},
		{"above_guard_accepts", 1.0, 0.95, false},
		{"negative_train_val_better", -1.0, -0.5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.rejected, validationRejected(tt.train, tt.val, 0.8))
		})
	}
}
