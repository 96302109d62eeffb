// Package regime classifies the market into normal or suppressed states and
// widens action thresholds on volume anomalies. Suppression gates the
// optimizer and forces HOLD for a fixed number of epochs.
package regime

import (
	"math"

	"github.com/rs/zerolog/log"

	"github.com/quaylabs/rangekeeper/internal/domain"
)

// Config holds the regime detection thresholds.
type Config struct {
	StablePair           bool    `yaml:"stable_pair"`
	VolSpikeSigma        float64 `yaml:"vol_spike_sigma"`        // default 3.0
	DisplacementStable   float64 `yaml:"displacement_stable"`    // default 0.02
	DisplacementVolatile float64 `yaml:"displacement_volatile"`  // default 0.10
	VolumeAnomalyFactor  float64 `yaml:"volume_anomaly_factor"`  // default 5.0
	WidenFactor          float64 `yaml:"widen_factor"`           // default 1.5
	ThresholdCap         float64 `yaml:"threshold_cap"`          // default 0.9
	SuppressEpochs       int64   `yaml:"suppress_epochs"`        // default 4
	MinVolSamples        int     `yaml:"min_vol_samples"`        // default 8
}

// DefaultConfig returns the regime thresholds for a stable pair.
func DefaultConfig() Config {
	return Config{
		StablePair:           true,
		VolSpikeSigma:        3.0,
		DisplacementStable:   0.02,
		DisplacementVolatile: 0.10,
		VolumeAnomalyFactor:  5.0,
		WidenFactor:          1.5,
		ThresholdCap:         0.9,
		SuppressEpochs:       4,
		MinVolSamples:        8,
	}
}

// Inputs is the per-cycle market evidence the detector evaluates.
type Inputs struct {
	// Candles are minute candles, most recent last. The trailing hour is
	// used for the spike and displacement checks.
	Candles []domain.Candle
	// VolHistory30d holds prior trailing-1h Parkinson readings.
	VolHistory30d []float64
	// CycleVolume is the traded volume attributed to the current cycle.
	CycleVolume float64
	// MeanEpochVolume30d is the 30-day mean per-epoch volume.
	MeanEpochVolume30d float64
}

// Detector keeps the suppression window across cycles.
type Detector struct {
	cfg   Config
	state domain.RegimeState
}

// NewDetector builds a detector with the given thresholds.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg, state: domain.RegimeState{WidenFactor: 1}}
}

// State returns the current regime state.
func (d *Detector) State() domain.RegimeState {
	return d.state
}

// Evaluate runs the regime rules for the given epoch and returns the updated
// state. Vol spikes and price displacement suppress the optimizer for the
// next SuppressEpochs epochs; a volume anomaly only widens thresholds.
func (d *Detector) Evaluate(epoch int64, in Inputs) domain.RegimeState {
	state := domain.RegimeState{WidenFactor: 1}

	// Carry a live suppression window forward.
	if d.state.Suppressed && epoch < d.state.SuppressedUntil {
		state.Suppressed = true
		state.SuppressedUntil = d.state.SuppressedUntil
		state.Reason = d.state.Reason
	}

	trailing := trailingHour(in.Candles)

	if reason := d.checkVolSpike(trailing, in.VolHistory30d); reason != "" {
		state.Suppressed = true
		state.SuppressedUntil = epoch + d.cfg.SuppressEpochs
		state.Reason = reason
	} else if reason := d.checkDisplacement(trailing); reason != "" {
		state.Suppressed = true
		state.SuppressedUntil = epoch + d.cfg.SuppressEpochs
		state.Reason = reason
	}

	if d.volumeAnomalous(in) {
		state.WidenFactor = d.cfg.WidenFactor
		if state.Reason == "" {
			state.Reason = "volume_anomaly"
		}
	}

	if state.Suppressed && !d.state.Suppressed {
		log.Warn().Int64("epoch", epoch).Str("reason", state.Reason).
			Int64("until_epoch", state.SuppressedUntil).Msg("regime suppression engaged")
	}

	d.state = state
	return state
}

// WidenThreshold applies the regime widen factor to an action threshold,
// capped so gates can never become unreachable.
func (d *Detector) WidenThreshold(threshold float64) float64 {
	w := threshold * d.state.WidenFactor
	if w > d.cfg.ThresholdCap {
		w = d.cfg.ThresholdCap
	}
	return w
}

func (d *Detector) checkVolSpike(trailing []domain.Candle, history []float64) string {
	if len(history) < d.cfg.MinVolSamples || len(trailing) < 2 {
		return ""
	}
	current := domain.ParkinsonVolatility(trailing)
	m, s := meanStd(history)
	if s <= 0 {
		return ""
	}
	if current > m+d.cfg.VolSpikeSigma*s {
		return "vol_spike"
	}
	return ""
}

func (d *Detector) checkDisplacement(trailing []domain.Candle) string {
	if len(trailing) < 2 {
		return ""
	}
	first := trailing[0].Close
	last := trailing[len(trailing)-1].Close
	if first <= 0 {
		return ""
	}
	limit := d.cfg.DisplacementVolatile
	if d.cfg.StablePair {
		limit = d.cfg.DisplacementStable
	}
	if math.Abs(last-first)/first > limit {
		return "price_displacement"
	}
	return ""
}

func (d *Detector) volumeAnomalous(in Inputs) bool {
	if in.MeanEpochVolume30d <= 0 {
		return false
	}
	return in.CycleVolume > d.cfg.VolumeAnomalyFactor*in.MeanEpochVolume30d
}

func trailingHour(candles []domain.Candle) []domain.Candle {
	if len(candles) > 60 {
		return candles[len(candles)-60:]
	}
	return candles
}

func meanStd(vals []float64) (float64, float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	m := 0.0
	for _, v := range vals {
		m += v
	}
	m /= float64(len(vals))
	varSum := 0.0
	for _, v := range vals {
		varSum += (v - m) * (v - m)
	}
	return m, math.Sqrt(varSum / float64(len(vals)))
}
