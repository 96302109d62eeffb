// Command rangekeeper runs the autonomous liquidity range manager: an
// orchestrator that supervises one worker process per trading pair, and the
// worker decision loop itself.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "rangekeeper"
	version = "v1.0.0"
)

var cfgPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Autonomous concentrated-liquidity range manager",
		Version: version,
		Long: `Rangekeeper keeps concentrated-liquidity positions centered on the market.

Each trading pair runs a 15-minute decision cycle: market data in, force
model, online parameter tuning, range geometry, capital allocation, and a
gated reallocate / shift / hold decision. The orchestrator supervises one
worker process per pair cluster-wide behind a distributed lock.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file (optional; env-only works)")

	rootCmd.AddCommand(newOrchestrateCmd())
	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}
}

// configPath resolves the config file: the flag wins, then the CONFIG_FILE
// env set by the orchestrator for spawned workers.
func configPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	return os.Getenv("CONFIG_FILE")
}
