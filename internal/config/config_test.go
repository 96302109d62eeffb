package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quaylabs/rangekeeper/internal/engine"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromEnvOnly(t *testing.T) {
	t.Setenv("PAIRS", "ETH_USDC,ARB_USDC")
	t.Setenv("HOT_STORE_URL", "redis://hot:6379/1")
	t.Setenv("INTERVAL_SEC", "300")
	t.Setenv("PK_ETH_USDC", "0xkey")

	app, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"ETH_USDC", "ARB_USDC"}, app.PairIDs())
	assert.Equal(t, "redis://hot:6379/1", app.HotStoreURL)

	eth, err := app.Pair("ETH_USDC")
	require.NoError(t, err)
	assert.Equal(t, engine.Duration(300*time.Second), eth.Interval)
	assert.Equal(t, "0xkey", eth.SigningKey)
	assert.False(t, eth.ReadOnly())

	// No signing key: observe-only.
	arb, err := app.Pair("ARB_USDC")
	require.NoError(t, err)
	assert.True(t, arb.ReadOnly())
}

func TestFileDeclaredPairsSurviveEnvFilter(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
hot_store_url: redis://file:6379/0
pairs:
  - pair_id: ETH_USDC
    symbol: ETHUSDC
    source: binance
    interval: 900s
    max_positions: 2
    capital_usd: 25000
    pra_threshold: 0.08
    pools:
      - ref: {chainid: 1, address: "0xpool1"}
        dex: uniswap_v3
        network: ethereum
        token0: WETH
        token1: USDC
  - pair_id: OP_USDC
    interval: 900s
    max_positions: 3
`)
	t.Setenv("PAIRS", "ETH_USDC")

	app, err := Load(path)
	require.NoError(t, err)

	// The env list both filters and orders.
	assert.Equal(t, []string{"ETH_USDC"}, app.PairIDs())

	eth, err := app.Pair("ETH_USDC")
	require.NoError(t, err)
	assert.Equal(t, 25_000.0, eth.CapitalUSD)
	assert.Equal(t, 0.08, eth.PRAThreshold)
	require.Len(t, eth.Pools, 1)
	assert.Equal(t, "uniswap_v3", eth.Pools[0].DEX)
	assert.Equal(t, int64(1), eth.Pools[0].Ref.ChainID)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
hot_store_url: redis://file:6379/0
data_retention_days: 30
pairs:
  - pair_id: ETH_USDC
    interval: 900s
    max_positions: 3
`)
	t.Setenv("HOT_STORE_URL", "redis://env:6379/0")
	t.Setenv("DATA_RETENTION_DAYS", "14")
	t.Setenv("API_PORT", "9999")
	t.Setenv("API_TOKEN", "s3cret")
	t.Setenv("LOG_LEVEL", "warn")

	app, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis://env:6379/0", app.HotStoreURL)
	assert.Equal(t, 14, app.RetentionDays)
	assert.Equal(t, 9999, app.API.Port)
	assert.Equal(t, "s3cret", app.API.Token)
	assert.Equal(t, "warn", app.Level().String())
}

func TestRSThresholdEnvOverride(t *testing.T) {
	t.Setenv("PAIRS", "ETH_USDC")
	t.Setenv("RS_THRESHOLD", "0.4")

	app, err := Load("")
	require.NoError(t, err)

	eth, err := app.Pair("ETH_USDC")
	require.NoError(t, err)
	assert.Equal(t, 0.4, eth.RSThreshold)

	// Unset keeps the default.
	t.Setenv("RS_THRESHOLD", "")
	app, err = Load("")
	require.NoError(t, err)
	eth, err = app.Pair("ETH_USDC")
	require.NoError(t, err)
	assert.Equal(t, 0.25, eth.RSThreshold)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*App)
		wantErr string
	}{
		{
			name:    "no pairs",
			mutate:  func(a *App) { a.Pairs = nil },
			wantErr: "no pairs configured",
		},
		{
			name: "duplicate pair",
			mutate: func(a *App) {
				a.Pairs = append(a.Pairs, a.Pairs[0])
			},
			wantErr: "duplicate pair",
		},
		{
			name: "zero interval",
			mutate: func(a *App) {
				a.Pairs[0].Interval = 0
			},
			wantErr: "non-positive interval",
		},
		{
			name: "cold log url without token",
			mutate: func(a *App) {
				a.ColdLog.URL = "https://cold.example.com"
			},
			wantErr: "COLD_LOG_TOKEN",
		},
		{
			name: "missing hot store",
			mutate: func(a *App) {
				a.HotStoreURL = ""
			},
			wantErr: "hot_store_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := Default()
			app.Pairs = []engine.Config{engine.DefaultConfig("ETH_USDC")}
			tt.mutate(&app)

			err := app.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMissingConfigFileErrors(t *testing.T) {
	t.Setenv("PAIRS", "ETH_USDC")
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
