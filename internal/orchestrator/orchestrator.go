// Package orchestrator supervises one worker process per configured pair,
// cluster-wide. A single instance holds orch:lock; everyone else exits.
package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quaylabs/rangekeeper/internal/domain"
	"github.com/quaylabs/rangekeeper/internal/hotstate"
	"github.com/quaylabs/rangekeeper/internal/metrics"
)

// Config holds supervision timings and the restart policy.
type Config struct {
	Pairs           []string      `yaml:"pairs"`
	LockTTL         time.Duration `yaml:"lock_ttl"`         // default 60s
	HealthInterval  time.Duration `yaml:"health_interval"`  // default 10s, also the lock refresh cadence
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"` // worker heartbeat interval, default 15s
	BackoffBase     time.Duration `yaml:"backoff_base"`     // default 20s
	BackoffCap      time.Duration `yaml:"backoff_cap"`      // default 5m
	GiveUpAfter     int           `yaml:"give_up_after"`    // default 20 consecutive failures
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`   // default 30s
}

// DefaultConfig returns the standard supervision policy.
func DefaultConfig(pairs []string) Config {
	return Config{
		Pairs:           pairs,
		LockTTL:         60 * time.Second,
		HealthInterval:  10 * time.Second,
		HeartbeatPeriod: 15 * time.Second,
		BackoffBase:     20 * time.Second,
		BackoffCap:      5 * time.Minute,
		GiveUpAfter:     20,
		ShutdownGrace:   30 * time.Second,
	}
}

// Process is a live worker child.
type Process interface {
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Kill force-terminates the process.
	Kill() error
}

// Launcher spawns worker processes.
type Launcher interface {
	Spawn(ctx context.Context, pairID string) (Process, error)
}

// Store is the hot-store slice the orchestrator reads.
type Store interface {
	HeartbeatAlive(ctx context.Context, pairID string) (bool, error)
	IsRestarting(ctx context.Context, pairID string) (bool, error)
	GetWorkerState(ctx context.Context, pairID string) (*domain.WorkerState, error)
	PublishControl(ctx context.Context, msg hotstate.ControlMessage) error
}

// LockHandle abstracts the singleton lock.
type LockHandle interface {
	TryAcquire(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// child is the supervision record for one pair.
type child struct {
	proc      Process
	startedAt time.Time
	failCount int
	nextAt    time.Time
	gaveUp    bool
}

// Orchestrator owns the supervision loop. Not safe for concurrent Run calls;
// SetPairs may be called from a signal handler goroutine.
type Orchestrator struct {
	cfg      Config
	store    Store
	lock     LockHandle
	launcher Launcher
	logger   zerolog.Logger
	now      func() time.Time

	pairsCh  chan []string
	children map[string]*child
}

// New builds an orchestrator.
func New(cfg Config, store Store, lock LockHandle, launcher Launcher) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		lock:     lock,
		launcher: launcher,
		logger:   log.With().Str("component", "orchestrator").Logger(),
		now:      time.Now,
		pairsCh:  make(chan []string, 1),
		children: make(map[string]*child),
	}
}

// SetPairs replaces the supervised pair set; applied on the next health tick.
// Used by the SIGHUP handler.
func (o *Orchestrator) SetPairs(pairs []string) {
	select {
	case o.pairsCh <- pairs:
	default:
		// A pending reload is superseded.
		select {
		case <-o.pairsCh:
		default:
		}
		o.pairsCh <- pairs
	}
}

// Run acquires the singleton lock and supervises until ctx is cancelled.
// Returns a Fatal error when another orchestrator holds the lock or when
// ownership is lost mid-flight.
func (o *Orchestrator) Run(ctx context.Context) error {
	ok, err := o.lock.TryAcquire(ctx)
	if err != nil {
		return domain.Classify(domain.FailFatal, err)
	}
	if !ok {
		metrics.LockFailures.WithLabelValues(hotstate.OrchestratorLockKey).Inc()
		return domain.Classifyf(domain.FailFatal, "another orchestrator holds %s", hotstate.OrchestratorLockKey)
	}
	o.logger.Info().Strs("pairs", o.cfg.Pairs).Msg("orchestrator lock acquired")

	ticker := time.NewTicker(o.cfg.HealthInterval)
	defer ticker.Stop()

	// First spawn pass without waiting a full tick.
	if err := o.healthCheck(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case pairs := <-o.pairsCh:
			o.reload(ctx, pairs)
		case <-ticker.C:
			if err := o.healthCheck(ctx); err != nil {
				o.logger.Error().Err(err).Msg("exiting supervision loop")
				return err
			}
		}
	}
}

// healthCheck refreshes the lock and reconciles every pair's child process.
func (o *Orchestrator) healthCheck(ctx context.Context) error {
	owned, err := o.lock.Refresh(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("lock refresh errored")
	} else if !owned {
		metrics.LockFailures.WithLabelValues(hotstate.OrchestratorLockKey).Inc()
		return domain.Classifyf(domain.FailFatal, "orchestrator lock lost")
	}

	for _, pair := range o.cfg.Pairs {
		o.reconcile(ctx, pair)
	}
	return nil
}

func (o *Orchestrator) reconcile(ctx context.Context, pair string) {
	c := o.children[pair]
	if c == nil {
		c = &child{}
		o.children[pair] = c
	}

	if c.proc != nil {
		select {
		case <-c.proc.Done():
			o.observeExit(ctx, pair, c)
		default:
			o.checkLiveness(ctx, pair, c)
			return
		}
	}

	if c.gaveUp || o.now().Before(c.nextAt) {
		return
	}
	o.spawn(ctx, pair, c)
}

// observeExit books the failure and schedules the respawn. A deliberate
// restart (hot-state flag) skips backoff and does not count as a failure.
func (o *Orchestrator) observeExit(ctx context.Context, pair string, c *child) {
	c.proc = nil

	if restarting, err := o.store.IsRestarting(ctx, pair); err == nil && restarting {
		o.logger.Info().Str("pair", pair).Msg("worker restart requested, respawning without backoff")
		c.nextAt = o.now()
		return
	}

	c.failCount++
	if o.cfg.GiveUpAfter > 0 && c.failCount >= o.cfg.GiveUpAfter {
		c.gaveUp = true
		o.logger.Error().Str("pair", pair).Int("failures", c.failCount).
			Msg("giving up on worker after consecutive failures")
		return
	}
	delay := o.backoff(c.failCount)
	c.nextAt = o.now().Add(delay)
	o.logger.Warn().Str("pair", pair).Int("failures", c.failCount).
		Dur("backoff", delay).Msg("worker exited, respawn scheduled")
}

// checkLiveness kills a child whose heartbeat is missing well past its
// grace, and resets the failure budget on a healthy heartbeat.
func (o *Orchestrator) checkLiveness(ctx context.Context, pair string, c *child) {
	alive, err := o.store.HeartbeatAlive(ctx, pair)
	if err != nil {
		o.logger.Warn().Err(err).Str("pair", pair).Msg("heartbeat read failed")
		return
	}
	age := o.now().Sub(c.startedAt)
	if !alive && age > 2*o.cfg.HeartbeatPeriod {
		o.logger.Error().Str("pair", pair).Dur("age", age).Msg("heartbeat missing, killing worker")
		if err := c.proc.Kill(); err != nil {
			o.logger.Warn().Err(err).Str("pair", pair).Msg("kill failed")
		}
		return // exit observed next tick
	}
	if alive {
		c.failCount = 0
		c.nextAt = time.Time{}
		c.gaveUp = false
	}

	if state, err := o.store.GetWorkerState(ctx, pair); err == nil && state != nil && state.Status == domain.StatusError {
		o.logger.Warn().Str("pair", pair).Str("reason", state.Reason).Msg("worker reports error state")
	}
}

func (o *Orchestrator) spawn(ctx context.Context, pair string, c *child) {
	proc, err := o.launcher.Spawn(ctx, pair)
	if err != nil {
		c.failCount++
		c.nextAt = o.now().Add(o.backoff(c.failCount))
		o.logger.Error().Err(err).Str("pair", pair).Msg("spawn failed")
		return
	}
	c.proc = proc
	c.startedAt = o.now()
	metrics.WorkerRestarts.WithLabelValues(pair).Inc()
	o.logger.Info().Str("pair", pair).Msg("worker spawned")
}

// backoff is exponential from the base, capped.
func (o *Orchestrator) backoff(failCount int) time.Duration {
	d := o.cfg.BackoffBase
	for i := 1; i < failCount; i++ {
		d *= 2
		if d >= o.cfg.BackoffCap {
			return o.cfg.BackoffCap
		}
	}
	if d > o.cfg.BackoffCap {
		d = o.cfg.BackoffCap
	}
	return d
}

// reload applies a SIGHUP pair-set change: stop workers for removed pairs,
// begin supervising added ones. Removed workers get a targeted SHUTDOWN and
// the usual grace before a force-kill.
func (o *Orchestrator) reload(ctx context.Context, pairs []string) {
	keep := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		keep[p] = true
	}

	for pair, c := range o.children {
		if keep[pair] {
			continue
		}
		o.logger.Info().Str("pair", pair).Msg("pair removed from config, stopping worker")
		if c.proc != nil {
			if err := o.store.PublishControl(ctx, hotstate.ControlMessage{Type: hotstate.ControlShutdown, PairID: pair}); err != nil {
				o.logger.Warn().Err(err).Str("pair", pair).Msg("shutdown message not published")
			}
			go o.stopRemoved(pair, c.proc)
		}
		delete(o.children, pair)
	}

	o.cfg.Pairs = pairs
	o.logger.Info().Strs("pairs", pairs).Msg("pair set reloaded")
	if err := o.healthCheck(ctx); err != nil {
		o.logger.Error().Err(err).Msg("health check after reload failed")
	}
}

// stopRemoved waits out the shutdown grace for a de-configured worker and
// force-kills it if it ignores the SHUTDOWN message.
func (o *Orchestrator) stopRemoved(pair string, proc Process) {
	select {
	case <-proc.Done():
		o.logger.Info().Str("pair", pair).Msg("removed worker exited gracefully")
	case <-time.After(o.cfg.ShutdownGrace):
		o.logger.Warn().Str("pair", pair).Msg("removed worker past shutdown grace, force-killing")
		if err := proc.Kill(); err != nil {
			o.logger.Error().Err(err).Str("pair", pair).Msg("force-kill failed")
		}
	}
}

// shutdown broadcasts SHUTDOWN, waits out the grace, force-kills survivors
// and releases the lock.
func (o *Orchestrator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ShutdownGrace+5*time.Second)
	defer cancel()

	if err := o.store.PublishControl(ctx, hotstate.ControlMessage{Type: hotstate.ControlShutdown}); err != nil {
		o.logger.Warn().Err(err).Msg("shutdown broadcast failed")
	}

	deadline := time.After(o.cfg.ShutdownGrace)
	for pair, c := range o.children {
		if c.proc == nil {
			continue
		}
		select {
		case <-c.proc.Done():
			o.logger.Info().Str("pair", pair).Msg("worker exited gracefully")
			c.proc = nil
		case <-deadline:
			// Grace consumed; everything still alive gets force-killed.
			o.forceKillSurvivors()
			deadline = closedTimeChan()
		}
	}
	o.forceKillSurvivors()

	if err := o.lock.Release(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("orchestrator lock release failed")
	}
	o.logger.Info().Msg("orchestrator exited")
}

func (o *Orchestrator) forceKillSurvivors() {
	for pair, c := range o.children {
		if c.proc == nil {
			continue
		}
		select {
		case <-c.proc.Done():
			c.proc = nil
			continue
		default:
		}
		o.logger.Warn().Str("pair", pair).Msg("force-killing worker past shutdown grace")
		if err := c.proc.Kill(); err != nil {
			o.logger.Error().Err(err).Str("pair", pair).Msg("force-kill failed")
		}
		c.proc = nil
	}
}

func closedTimeChan() <-chan time.Time {
	ch := make(chan time.Time)
	close(ch)
	return ch
}
