// Package engine runs the per-pair decision cycle: market data in, forces,
// online optimization, range geometry, water-fill allocation, a gated
// decision, and (with a signing key) execution through the DEX adapters.
package engine

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quaylabs/rangekeeper/internal/domain"
)

// Duration is a time.Duration that YAML-decodes from either a Go duration
// string ("900s", "10m") or a bare integer second count.
type Duration time.Duration

// Std converts back to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if n, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// PoolConfig binds one pool of the pair to its DEX family and network.
type PoolConfig struct {
	Ref     domain.PoolRef `yaml:"ref"`
	DEX     string         `yaml:"dex"`
	Network string         `yaml:"network"`
	Token0  string         `yaml:"token0"`
	Token1  string         `yaml:"token1"`
}

// Config is the per-pair cycle configuration.
type Config struct {
	PairID string       `yaml:"pair_id"`
	Symbol string       `yaml:"symbol"` // CEX symbol for candles
	Source string       `yaml:"source"` // candle source id
	Pools  []PoolConfig `yaml:"pools"`

	Interval     Duration `yaml:"interval" env:"INTERVAL_SEC"`
	MaxPositions int      `yaml:"max_positions" env:"MAX_POSITIONS"`
	CapitalUSD   float64  `yaml:"capital_usd"`
	StablePair   bool     `yaml:"stable_pair"`

	// Decision gates.
	PRAThreshold       float64 `yaml:"pra_threshold" env:"PRA_THRESHOLD"`
	RSThreshold        float64 `yaml:"rs_threshold" env:"RS_THRESHOLD"`
	MinAbsoluteAPRGain float64 `yaml:"min_absolute_apr_gain"`
	MinHoldEpochs      int64   `yaml:"min_hold_epochs"`
	GasPerTxUSD        float64 `yaml:"gas_per_tx_usd"`

	// Execution.
	SigningKey        string   `yaml:"-" env:"PK"`
	Payer             string   `yaml:"payer"`
	Slippage          float64  `yaml:"slippage"`
	BurnRetries       int      `yaml:"burn_retries"`
	BurnBackoff       Duration `yaml:"burn_backoff"`
	BridgeTimeout     Duration `yaml:"bridge_timeout"`
	BridgeMinFraction float64  `yaml:"bridge_min_fraction"`
	SwapImbalance     float64  `yaml:"swap_imbalance"`

	// CandleLimit is how many minute candles each cycle requests; one week
	// covers the optimizer's train/validation window.
	CandleLimit int `yaml:"candle_limit"`
}

// DefaultConfig returns the standard cycle settings for a pair.
func DefaultConfig(pairID string) Config {
	return Config{
		PairID:             pairID,
		Interval:           Duration(900 * time.Second),
		MaxPositions:       3,
		CapitalUSD:         10_000,
		PRAThreshold:       0.05,
		RSThreshold:        0.25,
		MinAbsoluteAPRGain: 0.005,
		MinHoldEpochs:      4,
		GasPerTxUSD:        2,
		Slippage:           0.005,
		BurnRetries:        3,
		BurnBackoff:        Duration(time.Second),
		BridgeTimeout:      Duration(10 * time.Minute),
		BridgeMinFraction:  0.01,
		SwapImbalance:      0.05,
		CandleLimit:        7 * 24 * 60,
	}
}

// UnmarshalYAML overlays the document onto the defaults, so a config file
// only states what differs.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type plain Config
	out := plain(DefaultConfig(""))
	if err := value.Decode(&out); err != nil {
		return err
	}
	*c = Config(out)
	return nil
}

// ReadOnly reports whether the worker observes without executing.
func (c Config) ReadOnly() bool {
	return c.SigningKey == ""
}
