package optimizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quaylabs/rangekeeper/internal/domain"
)

func TestKillSwitchesIdle(t *testing.T) {
	k := NewKillSwitches(DefaultKillSwitchConfig())

	v := k.Evaluate(DefaultParams(), 10_000, time.Now())

	assert.False(t, v.State.Active)
	assert.False(t, v.UseDefaults)
	assert.False(t, v.ForceHold)
}

func TestExcessiveRSTrips(t *testing.T) {
	k := NewKillSwitches(DefaultKillSwitchConfig())
	now := time.Now()

	// Seed the trailing 4h window with 10 range shifts.
	for i := 0; i < 10; i++ {
		k.RecordRS(now.Add(-time.Duration(i) * 10 * time.Minute))
	}

	v := k.Evaluate(DefaultParams(), 10_000, now)

	assert.True(t, v.State.Active)
	assert.Equal(t, KillExcessiveRS, v.State.Reason)
	assert.True(t, v.UseDefaults)
	assert.False(t, v.ForceHold)
}

func TestRSOutsideWindowIgnored(t *testing.T) {
	k := NewKillSwitches(DefaultKillSwitchConfig())
	now := time.Now()

	for i := 0; i < 10; i++ {
		k.RecordRS(now.Add(-5 * time.Hour))
	}

	v := k.Evaluate(DefaultParams(), 10_000, now)
	assert.False(t, v.State.Active)
}

func TestNegativeTrailingYieldTrips(t *testing.T) {
	cfg := DefaultKillSwitchConfig()
	k := NewKillSwitches(cfg)

	for i := 0; i < cfg.TrailingYieldEpochs; i++ {
		k.RecordYield(-0.01)
	}

	v := k.Evaluate(DefaultParams(), 10_000, time.Now())
	assert.Equal(t, KillNegativeTrailingYield, v.State.Reason)
	assert.True(t, v.UseDefaults)
}

func TestNegativeYieldNeedsFullWindow(t *testing.T) {
	k := NewKillSwitches(DefaultKillSwitchConfig())

	for i := 0; i < 5; i++ {
		k.RecordYield(-1)
	}

	v := k.Evaluate(DefaultParams(), 10_000, time.Now())
	assert.False(t, v.State.Active, "partial windows do not trip the switch")
}

func TestGasBudgetForcesHold(t *testing.T) {
	k := NewKillSwitches(DefaultKillSwitchConfig())
	now := time.Now()

	k.RecordGas(now.Add(-time.Hour), 600) // 6% of a 10k portfolio

	v := k.Evaluate(DefaultParams(), 10_000, now)

	assert.Equal(t, KillGasBudgetExceeded, v.State.Reason)
	assert.True(t, v.ForceHold)
}

func TestPathologicalRangeRejectsVertexOnly(t *testing.T) {
	k := NewKillSwitches(DefaultKillSwitchConfig())
	now := time.Now()

	p := DefaultParams()
	p.BaseMin = 0.02
	p.BaseMax = 0.0205

	v := k.Evaluate(p, 10_000, now)
	assert.Equal(t, KillPathologicalRange, v.State.Reason)
	assert.True(t, v.UseDefaults)
	assert.False(t, v.State.Active, "a bad vertex is rejected, not latched")
	assert.False(t, v.ForceHold)

	// A sane vertex on the very next evaluation passes clean: no cooldown.
	next := k.Evaluate(DefaultParams(), 10_000, now.Add(time.Minute))
	assert.False(t, next.State.Active)
	assert.False(t, next.UseDefaults)
	assert.Empty(t, next.State.Reason)
}

func TestCooldownHolds(t *testing.T) {
	k := NewKillSwitches(DefaultKillSwitchConfig())
	now := time.Now()

	for i := 0; i < 10; i++ {
		k.RecordRS(now)
	}
	first := k.Evaluate(DefaultParams(), 10_000, now)
	assert.True(t, first.State.Active)

	// An hour later the RS events have aged out but the cooldown still holds.
	later := now.Add(5 * time.Hour)
	second := k.Evaluate(DefaultParams(), 10_000, later)
	assert.True(t, second.State.Active)
	assert.True(t, second.UseDefaults)

	// Past the 24h cooldown the switch clears.
	cleared := k.Evaluate(DefaultParams(), 10_000, now.Add(25*time.Hour))
	assert.False(t, cleared.State.Active)

	var zero domain.KillSwitchState
	assert.Equal(t, zero, k.State())
}
