package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quaylabs/rangekeeper/internal/domain"
	"github.com/quaylabs/rangekeeper/internal/exchange"
	"github.com/quaylabs/rangekeeper/internal/metrics"
	"github.com/quaylabs/rangekeeper/internal/optimizer"
	"github.com/quaylabs/rangekeeper/internal/regime"
	"github.com/quaylabs/rangekeeper/internal/telemetry"
)

// Telemetry stream names.
const (
	StreamEpochs   = "epochs"
	StreamAnalyses = "analyses"
	StreamTxLog    = "txlog"
)

const epochsPerYear = 365 * 24 * 4 // 15-minute epochs

// Hot-store lifetimes. The worker's heartbeat re-arms the state TTL between
// cycles; the candle window just needs to outlive one interval.
const (
	stateTTL     = time.Minute
	candlesTTL   = time.Hour
	candleWindow = 240
)

// StateStore is the slice of the hot store the engine needs.
type StateStore interface {
	LoadWarmStart(ctx context.Context, pairID string) (*domain.OptimizerWarmStart, error)
	SaveWarmStart(ctx context.Context, pairID string, ws domain.OptimizerWarmStart) error
	SavePosition(ctx context.Context, pairID string, pos domain.Position) error
	DeletePosition(ctx context.Context, pairID, positionID string) error
	ListPositions(ctx context.Context, pairID string) ([]domain.Position, error)
	PublishWorkerState(ctx context.Context, state domain.WorkerState, ttl time.Duration) error
	SaveCandles(ctx context.Context, pairID string, candles []domain.Candle, ttl time.Duration) error
}

// Telemetry is the sink surface the engine writes to.
type Telemetry interface {
	Ingest(rec telemetry.Record)
}

// Deps wires the engine's collaborators. Nil Optimizer, Regime or Kills get
// defaults derived from the config.
type Deps struct {
	Market    exchange.MarketData
	Swaps     exchange.SwapExecutor
	Adapters  *exchange.AdapterRegistry
	Store     StateStore
	Sink      Telemetry
	Optimizer *optimizer.Optimizer
	Regime    *regime.Detector
	Kills     *optimizer.KillSwitches
}

// Engine owns one pair's decision cycle. Cycles run strictly serially; the
// engine is not safe for concurrent RunCycle calls.
type Engine struct {
	cfg      Config
	market   exchange.MarketData
	swaps    exchange.SwapExecutor
	adapters *exchange.AdapterRegistry
	store    StateStore
	sink     Telemetry
	opt      *optimizer.Optimizer
	kills    *optimizer.KillSwitches
	regime   *regime.Detector
	logger   zerolog.Logger

	epoch      int64
	lastAction map[domain.PoolRef]int64

	// Rolling 30-day histories fed to the regime detector.
	volHistory    []float64
	volumeHistory []float64
}

// New builds an engine for one pair.
func New(cfg Config, d Deps) *Engine {
	opt := d.Optimizer
	if opt == nil {
		oc := optimizer.DefaultOptimizerConfig()
		if cfg.RSThreshold > 0 {
			oc.Defaults.RSThreshold = cfg.RSThreshold
		}
		opt = optimizer.New(oc)
	}
	det := d.Regime
	if det == nil {
		rc := regime.DefaultConfig()
		rc.StablePair = cfg.StablePair
		det = regime.NewDetector(rc)
	}
	kills := d.Kills
	if kills == nil {
		kills = optimizer.NewKillSwitches(optimizer.DefaultKillSwitchConfig())
	}
	return &Engine{
		cfg:        cfg,
		market:     d.Market,
		swaps:      d.Swaps,
		adapters:   d.Adapters,
		store:      d.Store,
		sink:       d.Sink,
		opt:        opt,
		kills:      kills,
		regime:     det,
		logger:     log.With().Str("component", "engine").Str("pair", cfg.PairID).Logger(),
		lastAction: make(map[domain.PoolRef]int64),
	}
}

// Epoch returns the current cycle counter.
func (e *Engine) Epoch() int64 { return e.epoch }

// KillSwitches exposes the tracker for API/status reads.
func (e *Engine) KillSwitches() *optimizer.KillSwitches { return e.kills }

// cycleReport accumulates everything one cycle learns, for state publication
// at the end regardless of which stage decided.
type cycleReport struct {
	decision     domain.Decision
	forces       domain.Forces
	params       domain.RangeParams
	fitness      float64
	regime       domain.RegimeState
	kill         domain.KillSwitchState
	currentAPR   float64
	portfolioAPR float64
	portfolioUSD float64
	gasUSD       float64
	positions    int
	inRange      int
	allocations  []domain.AllocationEntry
	analyses     []domain.PoolAnalysis
}

// RunCycle executes one full decision cycle and publishes the outcome. All
// non-fatal failures fold into a HOLD decision; only Fatal errors propagate.
func (e *Engine) RunCycle(ctx context.Context) (domain.Decision, error) {
	start := time.Now()
	e.epoch++

	rep, err := e.runCycle(ctx, start)
	if err != nil && domain.IsFatal(err) {
		return domain.Decision{}, err
	}
	status := domain.StatusRunning
	if err != nil {
		// Classified, non-fatal: already folded into HOLD by runCycle. The
		// published status carries the failure so reads see the degradation.
		status = domain.StatusError
		e.logger.Warn().Err(err).Int64("epoch", e.epoch).Str("kind", string(domain.KindOf(err))).
			Msg("cycle degraded to HOLD")
	}

	e.publish(ctx, start, rep, status)

	metrics.CyclesTotal.WithLabelValues(e.cfg.PairID, string(rep.decision.Type)).Inc()
	metrics.CycleDuration.WithLabelValues(e.cfg.PairID).Observe(time.Since(start).Seconds())
	return rep.decision, nil
}

func (e *Engine) runCycle(ctx context.Context, now time.Time) (*cycleReport, error) {
	rep := &cycleReport{
		decision: domain.Hold("init"),
		params:   e.opt.Defaults(),
		regime:   e.regime.State(),
		kill:     e.kills.State(),
	}

	candles, snaps, err := e.fetchMarket(ctx)
	if err != nil {
		rep.decision = domain.Hold(string(domain.FailStaleData))
		return rep, err
	}

	trailing := candles
	if len(trailing) > candleWindow {
		trailing = trailing[len(trailing)-candleWindow:]
	}
	if err := e.store.SaveCandles(ctx, e.cfg.PairID, trailing, candlesTTL); err != nil {
		e.logger.Warn().Err(err).Msg("candle window not saved")
	}

	positions, err := e.store.ListPositions(ctx, e.cfg.PairID)
	if err != nil {
		rep.decision = domain.Hold(string(domain.KindOf(err)))
		return rep, domain.Classify(domain.KindOf(err), err)
	}
	rep.positions = len(positions)
	rep.portfolioUSD, rep.currentAPR = portfolioView(positions, e.cfg.CapitalUSD)

	// Regime check before this cycle's readings join the history.
	cycleVolume := 0.0
	for _, s := range snaps {
		cycleVolume += s.IntervalVolume()
	}
	rs := e.regime.Evaluate(e.epoch, regime.Inputs{
		Candles:            candles,
		VolHistory30d:      e.volHistory,
		CycleVolume:        cycleVolume,
		MeanEpochVolume30d: meanOf(e.volumeHistory),
	})
	rep.regime = rs
	e.pushHistory(candles, cycleVolume)

	rep.forces = domain.ComputeForces(candles)

	if rs.Suppressed {
		rep.decision = domain.Hold(rs.Reason)
		return rep, nil
	}

	warm, err := e.store.LoadWarmStart(ctx, e.cfg.PairID)
	if err != nil {
		e.logger.Warn().Err(err).Msg("warm start unavailable, starting from defaults")
	}
	res := e.opt.Run(e.cfg.PairID, candles, warm)
	metrics.OptimizerEvaluations.WithLabelValues(e.cfg.PairID).Observe(float64(res.Evaluations))
	if err := e.store.SaveWarmStart(ctx, e.cfg.PairID, e.opt.NextWarmStart(res, res.Fitness)); err != nil {
		e.logger.Warn().Err(err).Msg("warm start not persisted")
	}
	rep.params, rep.fitness = res.Params, res.Fitness

	verdict := e.kills.Evaluate(res.Params, rep.portfolioUSD, now)
	rep.kill = verdict.State
	if verdict.State.Active {
		metrics.KillSwitchActive.WithLabelValues(e.cfg.PairID, verdict.State.Reason).Set(1)
	}
	if verdict.UseDefaults {
		rep.params = e.opt.Defaults()
	}
	if verdict.ForceHold {
		rep.decision = domain.Hold(verdict.State.Reason)
		return rep, nil
	}

	targets := make(map[domain.PoolRef]domain.Range, len(snaps))
	aprs := make(map[domain.PoolRef]float64, len(snaps))
	yields := make([]domain.PoolYield, 0, len(snaps))
	for ref, snap := range snaps {
		targets[ref] = domain.BuildRange(snap.Price, rep.forces, rep.params)
		aprs[ref] = poolAPR(snap)
		yields = append(yields, domain.PoolYield{Pool: ref, APR: aprs[ref], TVL: snap.TVL})
	}
	rep.inRange = inRangeCount(positions, snaps)

	allocs, portAPR, err := domain.WaterFill(yields, rep.portfolioUSD, e.cfg.MaxPositions)
	if err != nil {
		rep.decision = domain.Hold(string(domain.FailInvariantViolation))
		return rep, err
	}
	rep.portfolioAPR = portAPR
	rep.allocations = allocs
	rep.analyses = e.analyses(now, snaps, targets, aprs, allocs)

	rep.decision = e.decide(decideInput{
		params:       rep.params,
		positions:    positions,
		targets:      targets,
		poolAPR:      aprs,
		allocations:  allocs,
		portfolioAPR: portAPR,
		currentAPR:   rep.currentAPR,
		portfolioUSD: rep.portfolioUSD,
	})

	if rep.decision.Type != domain.DecisionHold {
		if e.cfg.ReadOnly() {
			e.logger.Info().Str("decision", string(rep.decision.Type)).
				Msg("no signing key, observing only")
		} else {
			e.execute(ctx, now, rep, positions, snaps, targets)
		}
	}

	e.kills.RecordYield(epochYield(rep))
	return rep, nil
}

// fetchMarket pulls candles and pool snapshots in parallel. Pool failures are
// tolerated while at least half the pools report.
func (e *Engine) fetchMarket(ctx context.Context) ([]domain.Candle, map[domain.PoolRef]domain.PoolSnapshot, error) {
	g, gctx := errgroup.WithContext(ctx)

	var candles []domain.Candle
	g.Go(func() error {
		since := time.Now().Add(-time.Duration(e.cfg.CandleLimit) * time.Minute).UnixMilli()
		var err error
		candles, err = e.market.FetchCandles(gctx, e.cfg.Source, e.cfg.Symbol, since, e.cfg.CandleLimit)
		return domain.Classify(domain.FailStaleData, err)
	})

	var mu sync.Mutex
	snaps := make(map[domain.PoolRef]domain.PoolSnapshot, len(e.cfg.Pools))
	for _, pool := range e.cfg.Pools {
		pool := pool
		g.Go(func() error {
			snap, err := e.market.FetchPool(gctx, pool.Network, pool.Ref)
			if err != nil {
				e.logger.Warn().Err(err).Str("pool", pool.Ref.String()).Msg("pool snapshot failed")
				return nil // partial failure tolerated
			}
			if snap.DEX == "" {
				snap.DEX = pool.DEX
			}
			mu.Lock()
			snaps[pool.Ref] = snap
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if len(candles) == 0 {
		return nil, nil, domain.Classifyf(domain.FailStaleData, "no candles for %s", e.cfg.Symbol)
	}
	// Exactly half the pools reporting is enough; any less is stale.
	if len(snaps)*2 < len(e.cfg.Pools) {
		return nil, nil, domain.Classifyf(domain.FailStaleData,
			"pool coverage %d/%d below half", len(snaps), len(e.cfg.Pools))
	}
	return candles, snaps, nil
}

func (e *Engine) pushHistory(candles []domain.Candle, cycleVolume float64) {
	trailing := candles
	if len(trailing) > 60 {
		trailing = trailing[len(trailing)-60:]
	}
	e.volHistory = append(e.volHistory, domain.ParkinsonVolatility(trailing))
	e.volumeHistory = append(e.volumeHistory, cycleVolume)

	// 30 days of 15-minute cycles.
	const keep = 30 * 24 * 4
	if len(e.volHistory) > keep {
		e.volHistory = e.volHistory[len(e.volHistory)-keep:]
	}
	if len(e.volumeHistory) > keep {
		e.volumeHistory = e.volumeHistory[len(e.volumeHistory)-keep:]
	}
}

// analyses snapshots each pool's readings and its assigned allocation for the
// cold log.
func (e *Engine) analyses(at time.Time, snaps map[domain.PoolRef]domain.PoolSnapshot,
	targets map[domain.PoolRef]domain.Range, aprs map[domain.PoolRef]float64,
	allocs []domain.AllocationEntry) []domain.PoolAnalysis {

	fractions := make(map[domain.PoolRef]float64, len(allocs))
	for _, a := range allocs {
		fractions[a.Pool] = a.Fraction
	}
	out := make([]domain.PoolAnalysis, 0, len(snaps))
	for ref, snap := range snaps {
		target := targets[ref]
		out = append(out, domain.PoolAnalysis{
			PairID:     e.cfg.PairID,
			Epoch:      e.epoch,
			Ts:         at,
			Pool:       ref,
			DEX:        snap.DEX,
			Price:      snap.Price,
			PoolAPR:    aprs[ref],
			TVL:        snap.TVL,
			Volume24h:  snap.Volume24h,
			Target:     target,
			Allocation: fractions[ref],
			InRange:    target.Contains(snap.Price),
		})
	}
	return out
}

func (e *Engine) publish(ctx context.Context, at time.Time, rep *cycleReport, status domain.WorkerStatus) {
	state := domain.WorkerState{
		PairID:       e.cfg.PairID,
		Epoch:        e.epoch,
		Status:       status,
		Reason:       rep.decision.Reason,
		LastDecision: rep.decision.Type,
		UpdatedAt:    time.Now(),
		CycleAt:      at,
		CurrentAPR:   rep.currentAPR,
		OptimalAPR:   rep.portfolioAPR,
		Forces:       rep.forces,
		Params:       rep.params,
		Fitness:      rep.fitness,
		Regime:       rep.regime,
		KillSwitch:   rep.kill,
		Allocations:  rep.allocations,
	}
	if err := e.store.PublishWorkerState(ctx, state, stateTTL); err != nil {
		e.logger.Warn().Err(err).Msg("worker state not published")
	}

	for _, pa := range rep.analyses {
		if rec, ok := telemetry.NewRecord(StreamAnalyses, at, pa); ok {
			e.sink.Ingest(rec)
		}
	}

	feesUSD := rep.currentAPR * rep.portfolioUSD / epochsPerYear
	snap := domain.EpochSnapshot{
		PairID:          e.cfg.PairID,
		Epoch:           e.epoch,
		Ts:              at,
		Decision:        rep.decision.Type,
		PortfolioUSD:    rep.portfolioUSD,
		FeesUSD:         feesUSD,
		GasUSD:          rep.gasUSD,
		NetPnLUSD:       feesUSD - rep.gasUSD,
		RangeEfficiency: rangeEfficiency(rep),
		CurrentAPR:      rep.currentAPR,
		OptimalAPR:      rep.portfolioAPR,
		PositionCount:   rep.positions,
	}
	if rec, ok := telemetry.NewRecord(StreamEpochs, at, snap); ok {
		e.sink.Ingest(rec)
	}
}

func epochYield(rep *cycleReport) float64 {
	if rep.portfolioUSD <= 0 {
		return 0
	}
	fees := rep.currentAPR * rep.portfolioUSD / epochsPerYear
	return (fees - rep.gasUSD) / rep.portfolioUSD
}

func rangeEfficiency(rep *cycleReport) float64 {
	if rep.positions == 0 {
		return 0
	}
	return float64(rep.inRange) / float64(rep.positions)
}

// portfolioView sums position value and the value-weighted entry APR. With no
// positions the configured capital is deployable and current APR is zero.
func portfolioView(positions []domain.Position, capitalUSD float64) (usd, apr float64) {
	for _, p := range positions {
		usd += p.EntryValueUSD
		apr += p.EntryAPR * p.EntryValueUSD
	}
	if usd <= 0 {
		return capitalUSD, 0
	}
	return usd, apr / usd
}

func poolAPR(s domain.PoolSnapshot) float64 {
	if s.TVL <= 0 {
		return 0
	}
	return s.FeeFraction * s.Volume24h * 365 / s.TVL
}

func inRangeCount(positions []domain.Position, snaps map[domain.PoolRef]domain.PoolSnapshot) int {
	n := 0
	for _, p := range positions {
		if snap, ok := snaps[p.Pool]; ok && p.Range.Contains(snap.Price) {
			n++
		}
	}
	return n
}

func meanOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	s := 0.0
	for _, v := range vals {
		s += v
	}
	return s / float64(len(vals))
}
