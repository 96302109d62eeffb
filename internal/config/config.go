// Package config assembles runtime settings from an optional YAML file plus
// environment overrides. A .env file is honored for local development; in
// production everything sensitive arrives through real environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/quaylabs/rangekeeper/internal/api"
	"github.com/quaylabs/rangekeeper/internal/coldlog"
	"github.com/quaylabs/rangekeeper/internal/engine"
	"github.com/quaylabs/rangekeeper/internal/hotstate"
	"github.com/quaylabs/rangekeeper/internal/orchestrator"
)

// ColdLog selects at most one durable telemetry backend. A Postgres DSN wins
// over the HTTP endpoint when both are set.
type ColdLog struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	URL         string `yaml:"url"`
	Org         string `yaml:"org"`
	Token       string `yaml:"-"`
}

// App is the full process configuration shared by the orchestrator and
// worker subcommands.
type App struct {
	LogLevel      string          `yaml:"log_level"`
	HotStoreURL   string          `yaml:"hot_store_url"`
	ColdLog       ColdLog         `yaml:"cold_log"`
	API           api.Config      `yaml:"api"`
	RetentionDays int             `yaml:"data_retention_days"`
	Pairs         []engine.Config `yaml:"pairs"`
}

// Default returns the settings used when no file and no env are present.
func Default() App {
	return App{
		LogLevel:      "info",
		HotStoreURL:   "redis://localhost:6379/0",
		API:           api.DefaultConfig(),
		RetentionDays: 90,
	}
}

// Load reads the optional YAML file at path (empty means skip), layers
// environment variables on top, and validates the result.
func Load(path string) (*App, error) {
	// Missing .env is the normal production case.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("loaded .env file")
	}

	app := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &app); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// Pairs declared only through the environment get default settings.
	if raw := os.Getenv("PAIRS"); raw != "" {
		app.Pairs = mergePairs(app.Pairs, strings.Split(raw, ","))
	}

	app.applyEnv()

	if err := app.Validate(); err != nil {
		return nil, err
	}
	return &app, nil
}

// mergePairs keeps file-declared pair configs and appends defaults for pairs
// named only in the PAIRS env list. Order follows the env list.
func mergePairs(declared []engine.Config, names []string) []engine.Config {
	byID := make(map[string]engine.Config, len(declared))
	for _, p := range declared {
		byID[p.PairID] = p
	}
	out := make([]engine.Config, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if p, ok := byID[name]; ok {
			out = append(out, p)
			continue
		}
		out = append(out, engine.DefaultConfig(name))
	}
	return out
}

func (a *App) applyEnv() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		a.LogLevel = v
	}
	if v := os.Getenv("HOT_STORE_URL"); v != "" {
		a.HotStoreURL = v
	}
	if v := os.Getenv("COLD_LOG_DSN"); v != "" {
		a.ColdLog.PostgresDSN = v
	}
	if v := os.Getenv("COLD_LOG_URL"); v != "" {
		a.ColdLog.URL = v
	}
	if v := os.Getenv("COLD_LOG_ORG"); v != "" {
		a.ColdLog.Org = v
	}
	if v := os.Getenv("COLD_LOG_TOKEN"); v != "" {
		a.ColdLog.Token = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			a.API.Port = port
		}
	}
	if v := os.Getenv("API_TOKEN"); v != "" {
		a.API.Token = v
	}
	if v := os.Getenv("DATA_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil {
			a.RetentionDays = days
		}
	}

	for i := range a.Pairs {
		a.applyPairEnv(&a.Pairs[i])
	}
}

// applyPairEnv layers the shared tuning overrides and the per-pair signing
// key (PK_<PAIR_ID>) onto one pair config.
func (a *App) applyPairEnv(p *engine.Config) {
	if v := os.Getenv("INTERVAL_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			p.Interval = engine.Duration(time.Duration(sec) * time.Second)
		}
	}
	if v := os.Getenv("MAX_POSITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.MaxPositions = n
		}
	}
	if v := os.Getenv("PRA_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			p.PRAThreshold = f
		}
	}
	if v := os.Getenv("RS_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			p.RSThreshold = f
		}
	}
	if v := os.Getenv("CAPITAL_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			p.CapitalUSD = f
		}
	}
	if v := os.Getenv("PK_" + p.PairID); v != "" {
		p.SigningKey = v
	}
}

// Validate enforces the cross-field rules a file or env typo would break.
func (a *App) Validate() error {
	if len(a.Pairs) == 0 {
		return fmt.Errorf("no pairs configured: set PAIRS or declare pairs in the config file")
	}
	seen := make(map[string]bool, len(a.Pairs))
	for _, p := range a.Pairs {
		if p.PairID == "" {
			return fmt.Errorf("pair with empty pair_id")
		}
		if seen[p.PairID] {
			return fmt.Errorf("duplicate pair %s", p.PairID)
		}
		seen[p.PairID] = true
		if p.Interval <= 0 {
			return fmt.Errorf("pair %s: non-positive interval", p.PairID)
		}
		if p.MaxPositions < 1 {
			return fmt.Errorf("pair %s: max_positions must be >= 1", p.PairID)
		}
	}
	if a.HotStoreURL == "" {
		return fmt.Errorf("hot_store_url is required")
	}
	if a.ColdLog.URL != "" && a.ColdLog.Token == "" {
		return fmt.Errorf("cold log URL set without COLD_LOG_TOKEN")
	}
	return nil
}

// PairIDs returns the configured pair identifiers in order.
func (a *App) PairIDs() []string {
	out := make([]string, 0, len(a.Pairs))
	for _, p := range a.Pairs {
		out = append(out, p.PairID)
	}
	return out
}

// Pair returns the config for one pair.
func (a *App) Pair(pairID string) (engine.Config, error) {
	for _, p := range a.Pairs {
		if p.PairID == pairID {
			return p, nil
		}
	}
	return engine.Config{}, fmt.Errorf("pair %s not configured", pairID)
}

// HotStore builds the hot-store client config from the URL.
func (a *App) HotStore() hotstate.Config {
	cfg := hotstate.DefaultConfig()
	cfg.URL = a.HotStoreURL
	return cfg
}

// PostgresColdLog returns the Postgres transport config, valid only when a
// DSN is set.
func (a *App) PostgresColdLog() coldlog.PostgresConfig {
	cfg := coldlog.DefaultPostgresConfig()
	cfg.DSN = a.ColdLog.PostgresDSN
	return cfg
}

// HTTPColdLog returns the HTTP transport config, valid only when a URL is set.
func (a *App) HTTPColdLog() coldlog.HTTPConfig {
	cfg := coldlog.DefaultHTTPConfig()
	cfg.BaseURL = a.ColdLog.URL
	cfg.Org = a.ColdLog.Org
	cfg.Token = a.ColdLog.Token
	return cfg
}

// Orchestrator builds the supervision config for the configured pairs.
func (a *App) Orchestrator() orchestrator.Config {
	return orchestrator.DefaultConfig(a.PairIDs())
}

// Level parses the configured log level, defaulting to info.
func (a *App) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(a.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
