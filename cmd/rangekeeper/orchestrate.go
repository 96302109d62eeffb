package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quaylabs/rangekeeper/internal/api"
	"github.com/quaylabs/rangekeeper/internal/coldlog"
	"github.com/quaylabs/rangekeeper/internal/config"
	"github.com/quaylabs/rangekeeper/internal/hotstate"
	"github.com/quaylabs/rangekeeper/internal/orchestrator"
)

func newOrchestrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orchestrate",
		Short: "Supervise one worker process per configured pair",
		Long: `Acquires the cluster-wide orchestrator lock and spawns a worker process
for every configured pair. Crashed workers respawn with exponential backoff;
SIGHUP reloads the pair set; SIGTERM shuts the fleet down gracefully.
The operator API and /metrics endpoint are served from this process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrate(cmd.Context())
		},
	}
}

func runOrchestrate(parent context.Context) error {
	app, err := config.Load(configPath())
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(app.Level())

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hot, err := hotstate.New(ctx, app.HotStore())
	if err != nil {
		return err
	}
	defer hot.Close()

	orchCfg := app.Orchestrator()
	lock := hotstate.NewLock(hot, hotstate.OrchestratorLockKey, orchCfg.LockTTL)

	launcher := &orchestrator.ExecLauncher{}
	if path := configPath(); path != "" {
		launcher.ExtraEnv = []string{"CONFIG_FILE=" + path}
	}

	orch := orchestrator.New(orchCfg, hot, lock, launcher)

	// SIGHUP reloads the pair set without restarting healthy workers.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				reloaded, err := config.Load(configPath())
				if err != nil {
					log.Error().Err(err).Msg("config reload failed, keeping current pair set")
					continue
				}
				log.Info().Strs("pairs", reloaded.PairIDs()).Msg("SIGHUP: reloading pair set")
				orch.SetPairs(reloaded.PairIDs())
			}
		}
	}()

	// The operator API lives alongside the orchestrator singleton.
	var history api.HistoryReader
	if app.ColdLog.PostgresDSN != "" {
		pg, err := coldlog.NewPostgresTransport(ctx, app.PostgresColdLog())
		if err != nil {
			log.Warn().Err(err).Msg("cold log unreachable, history endpoints disabled")
		} else {
			defer pg.Close()
			history = pg
		}
	}
	srv := api.NewServer(app.API, hot, history, hot)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Error().Err(err).Msg("api server stopped")
		}
	}()
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Warn().Err(err).Msg("api shutdown incomplete")
		}
	}()

	return orch.Run(ctx)
}
