package main

import (
	"context"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quaylabs/rangekeeper/internal/coldlog"
	"github.com/quaylabs/rangekeeper/internal/config"
	"github.com/quaylabs/rangekeeper/internal/domain"
	"github.com/quaylabs/rangekeeper/internal/engine"
	"github.com/quaylabs/rangekeeper/internal/exchange"
	"github.com/quaylabs/rangekeeper/internal/hotstate"
	"github.com/quaylabs/rangekeeper/internal/telemetry"
	"github.com/quaylabs/rangekeeper/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	var pairID string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the decision loop for one pair",
		Long: `Acquires the per-pair worker lock, then runs the decision cycle every
interval until shut down. Normally spawned by the orchestrator; running it
by hand is useful for debugging a single pair.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pairID == "" {
				pairID = os.Getenv("PAIR_ID")
			}
			if pairID == "" {
				return cmd.Usage()
			}
			return runWorker(cmd.Context(), pairID)
		},
	}
	cmd.Flags().StringVar(&pairID, "pair", "", "pair identifier, e.g. ETH_USDC")
	return cmd
}

func runWorker(parent context.Context, pairID string) error {
	app, err := config.Load(configPath())
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(app.Level())

	engCfg, err := app.Pair(pairID)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hot, err := hotstate.New(ctx, app.HotStore())
	if err != nil {
		return err
	}
	defer hot.Close()

	wCfg := worker.DefaultConfig(pairID)
	wCfg.CycleInterval = engCfg.Interval.Std()
	wCfg.LockTTL = engCfg.Interval.Std()
	wCfg.Retention = time.Duration(app.RetentionDays) * 24 * time.Hour

	transport, pruner, closeTransport, err := buildTransport(ctx, app)
	if err != nil {
		return err
	}
	defer closeTransport()

	sink := telemetry.NewSink(telemetry.DefaultConfig(), transport)

	control, err := hot.SubscribeControl(ctx)
	if err != nil {
		return err
	}

	eng := engine.New(engCfg, engineDeps(engCfg, hot, sink))
	lock := hotstate.NewLock(hot, hotstate.WorkerLockKey(pairID), wCfg.LockTTL)

	w := worker.New(wCfg, worker.Deps{
		Store:   hot,
		Lock:    lock,
		Control: control,
		Engine:  eng,
		Drainer: sink,
		Pruner:  pruner,
	})
	return w.Run(ctx)
}

// buildTransport selects the cold-log backend: Postgres when a DSN is set
// (also giving the worker a pruner), the HTTP endpoint otherwise, and a noop
// writer when neither is configured.
func buildTransport(ctx context.Context, app *config.App) (telemetry.Transport, worker.Pruner, func(), error) {
	switch {
	case app.ColdLog.PostgresDSN != "":
		pg, err := coldlog.NewPostgresTransport(ctx, app.PostgresColdLog())
		if err != nil {
			return nil, nil, nil, err
		}
		return pg, pg, func() { pg.Close() }, nil
	case app.ColdLog.URL != "":
		return coldlog.NewHTTPTransport(app.HTTPColdLog()), nil, func() {}, nil
	default:
		log.Warn().Msg("no cold log configured, telemetry is discarded")
		return telemetry.NopTransport{}, nil, func() {}, nil
	}
}

// engineDeps wires the market-facing collaborators. Until concrete DEX
// adapters are registered the worker runs against the in-memory simulation
// seams, which keeps the full pipeline observable without touching a chain.
func engineDeps(cfg engine.Config, store engine.StateStore, sink engine.Telemetry) engine.Deps {
	market := exchange.NewFakeMarketData()
	seedSimulation(market, cfg)

	adapters := exchange.NewAdapterRegistry()
	for _, pool := range cfg.Pools {
		adapters.Register(pool.DEX, exchange.NewFakeAdapter())
	}

	if !cfg.ReadOnly() {
		log.Warn().Str("pair", cfg.PairID).
			Msg("signing key set but only simulation adapters are registered; trades stay in-memory")
	}

	return engine.Deps{
		Market:   market,
		Swaps:    &exchange.FakeSwapExecutor{},
		Adapters: adapters,
		Store:    store,
		Sink:     sink,
	}
}

// seedSimulation fills the fake feed with a gentle sine-wave market and one
// snapshot per configured pool so the pipeline has data on the first cycle.
func seedSimulation(market *exchange.FakeMarketData, cfg engine.Config) {
	now := time.Now().Truncate(time.Minute)
	n := cfg.CandleLimit
	candles := make([]domain.Candle, 0, n)
	for i := 0; i < n; i++ {
		price := 1.0 + 0.002*math.Sin(float64(i)/90)
		candles = append(candles, domain.Candle{
			Ts:     now.Add(-time.Duration(n-i) * time.Minute).UnixMilli(),
			Open:   price,
			High:   price * 1.0004,
			Low:    price * 0.9996,
			Close:  price,
			Volume: 1000,
		})
	}
	market.Candles = candles

	for _, pool := range cfg.Pools {
		market.SetPool(domain.PoolSnapshot{
			Pool:        pool.Ref,
			DEX:         pool.DEX,
			Ts:          now,
			Volume24h:   2_000_000,
			TVL:         10_000_000,
			FeeFraction: 0.0005,
			Price:       1.0,
			TickSpacing: 60,
		})
	}
}
