// Package worker owns the per-pair process lifecycle: lock acquisition,
// heartbeats, the serial cycle loop, control-channel handling and graceful
// drain on shutdown.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quaylabs/rangekeeper/internal/domain"
	"github.com/quaylabs/rangekeeper/internal/hotstate"
	"github.com/quaylabs/rangekeeper/internal/metrics"
)

// Config holds the lifecycle timings.
type Config struct {
	PairID             string        `yaml:"pair_id"`
	CycleInterval      time.Duration `yaml:"cycle_interval"`       // default 900s
	LockTTL            time.Duration `yaml:"lock_ttl"`             // default 900s
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`   // default 15s
	StateTTL           time.Duration `yaml:"state_ttl"`            // default 60s
	MaxHeartbeatMisses int           `yaml:"max_heartbeat_misses"` // default 4
	RestartFlagTTL     time.Duration `yaml:"restart_flag_ttl"`     // default 60s
	Retention          time.Duration `yaml:"retention"`            // default 90d
	DrainTimeout       time.Duration `yaml:"drain_timeout"`        // default 25s
}

// DefaultConfig returns the standard worker timings for a pair.
func DefaultConfig(pairID string) Config {
	return Config{
		PairID:             pairID,
		CycleInterval:      900 * time.Second,
		LockTTL:            900 * time.Second,
		HeartbeatInterval:  15 * time.Second,
		StateTTL:           60 * time.Second,
		MaxHeartbeatMisses: 4,
		RestartFlagTTL:     60 * time.Second,
		Retention:          90 * 24 * time.Hour,
		DrainTimeout:       25 * time.Second,
	}
}

// HeartbeatTTL is 3x the heartbeat interval, per the liveness contract.
func (c Config) HeartbeatTTL() time.Duration { return 3 * c.HeartbeatInterval }

// CycleRunner is the engine surface the worker drives.
type CycleRunner interface {
	RunCycle(ctx context.Context) (domain.Decision, error)
	Epoch() int64
}

// Store is the slice of the hot store the lifecycle needs.
type Store interface {
	RegisterWorker(ctx context.Context, pairID string) error
	UnregisterWorker(ctx context.Context, pairID string) error
	SetHeartbeat(ctx context.Context, pairID string, ttl time.Duration) error
	TouchWorkerState(ctx context.Context, pairID string, ttl time.Duration) error
	SetRestarting(ctx context.Context, pairID string, ttl time.Duration) error
}

// LockHandle abstracts the distributed lock for testability.
type LockHandle interface {
	TryAcquire(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Control yields decoded control-channel messages.
type Control interface {
	Messages() <-chan hotstate.ControlMessage
	Close() error
}

// Drainer flushes buffered telemetry before exit.
type Drainer interface {
	Shutdown(ctx context.Context) error
}

// Pruner deletes cold-log records past retention. Optional.
type Pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// Deps wires the worker's collaborators.
type Deps struct {
	Store   Store
	Lock    LockHandle
	Control Control
	Engine  CycleRunner
	Drainer Drainer
	Pruner  Pruner
}

// Worker runs one pair. Run returns when the worker shuts down; a Fatal
// error means the orchestrator should respawn per policy.
type Worker struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
}

// New builds a worker.
func New(cfg Config, deps Deps) *Worker {
	return &Worker{
		cfg:    cfg,
		deps:   deps,
		logger: log.With().Str("component", "worker").Str("pair", cfg.PairID).Logger(),
	}
}

// Run executes the lifecycle: acquire lock or exit, prune, heartbeat,
// cycle loop, drain and release. ctx cancellation (process signal) and
// control-channel SHUTDOWN both trigger the same shutdown path exactly once.
func (w *Worker) Run(ctx context.Context) error {
	ok, err := w.deps.Lock.TryAcquire(ctx)
	if err != nil {
		return domain.Classify(domain.FailFatal, err)
	}
	if !ok {
		metrics.LockFailures.WithLabelValues(hotstate.WorkerLockKey(w.cfg.PairID)).Inc()
		return domain.Classifyf(domain.FailFatal, "worker lock for %s held elsewhere", w.cfg.PairID)
	}
	w.logger.Info().Msg("worker lock acquired")

	if err := w.deps.Store.RegisterWorker(ctx, w.cfg.PairID); err != nil {
		w.logger.Warn().Err(err).Msg("worker not registered")
	}

	if w.deps.Pruner != nil {
		if n, err := w.deps.Pruner.Prune(ctx, w.cfg.Retention); err != nil {
			w.logger.Warn().Err(err).Msg("retention prune failed")
		} else if n > 0 {
			w.logger.Info().Int64("rows", n).Msg("retention prune complete")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lockLost := make(chan struct{})
	go w.heartbeat(runCtx, lockLost)

	var restarting atomic.Bool
	go func() {
		for msg := range w.deps.Control.Messages() {
			if !msg.AppliesTo(w.cfg.PairID) {
				continue
			}
			switch msg.Type {
			case hotstate.ControlShutdown:
				w.logger.Info().Msg("shutdown message received")
				cancel()
			case hotstate.ControlRestart:
				w.logger.Info().Msg("restart message received")
				restarting.Store(true)
				if err := w.deps.Store.SetRestarting(context.Background(), w.cfg.PairID, w.cfg.RestartFlagTTL); err != nil {
					w.logger.Warn().Err(err).Msg("restarting flag not set")
				}
				cancel()
			case hotstate.ControlConfigChanged:
				w.logger.Info().Msg("config change noted, orchestrator decides restarts")
			}
		}
	}()

	fatal := w.cycleLoop(runCtx, lockLost)

	w.shutdown(restarting.Load())
	return fatal
}

// cycleLoop runs cycles strictly serially until cancellation or lock loss.
func (w *Worker) cycleLoop(ctx context.Context, lockLost <-chan struct{}) error {
	ticker := time.NewTicker(w.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		if _, err := w.deps.Engine.RunCycle(ctx); err != nil {
			if domain.IsFatal(err) {
				w.logger.Error().Err(err).Msg("fatal cycle error")
				return err
			}
			w.logger.Warn().Err(err).Msg("cycle error")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-lockLost:
			return domain.Classifyf(domain.FailFatal, "worker liveness lost")
		case <-ticker.C:
		}
	}
}

// heartbeat refreshes the lock via CAS, the liveness key and the state TTL
// every interval. Lock loss, or MaxHeartbeatMisses consecutive store
// failures, closes lockLost so the loop exits before the next cycle.
func (w *Worker) heartbeat(ctx context.Context, lockLost chan<- struct{}) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		owned, err := w.deps.Lock.Refresh(ctx)
		if err != nil {
			misses++
			w.logger.Warn().Err(err).Int("misses", misses).Msg("lock refresh errored")
			if misses >= w.cfg.MaxHeartbeatMisses {
				w.logger.Error().Int("misses", misses).Msg("heartbeat liveness lost")
				close(lockLost)
				return
			}
			continue
		}
		if !owned {
			metrics.LockFailures.WithLabelValues(hotstate.WorkerLockKey(w.cfg.PairID)).Inc()
			w.logger.Error().Msg("lock ownership lost")
			close(lockLost)
			return
		}

		if err := w.deps.Store.SetHeartbeat(ctx, w.cfg.PairID, w.cfg.HeartbeatTTL()); err != nil {
			misses++
			w.logger.Warn().Err(err).Int("misses", misses).Msg("heartbeat not written")
			if misses >= w.cfg.MaxHeartbeatMisses {
				w.logger.Error().Int("misses", misses).Msg("heartbeat liveness lost")
				close(lockLost)
				return
			}
			continue
		}
		misses = 0

		// The state snapshot outlives its TTL between 15-minute cycles only
		// because each heartbeat re-arms it.
		if err := w.deps.Store.TouchWorkerState(ctx, w.cfg.PairID, w.cfg.StateTTL); err != nil {
			w.logger.Warn().Err(err).Msg("worker state not touched")
		}
	}
}

// shutdown drains telemetry, then releases the lock. Runs with a fresh
// context: the run context is already cancelled by the time we get here.
func (w *Worker) shutdown(restarting bool) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.DrainTimeout)
	defer cancel()

	if w.deps.Drainer != nil {
		if err := w.deps.Drainer.Shutdown(ctx); err != nil {
			w.logger.Warn().Err(err).Msg("telemetry drain incomplete")
		}
	}
	if err := w.deps.Control.Close(); err != nil {
		w.logger.Warn().Err(err).Msg("control subscription close failed")
	}
	if err := w.deps.Store.UnregisterWorker(ctx, w.cfg.PairID); err != nil {
		w.logger.Warn().Err(err).Msg("worker not unregistered")
	}
	if err := w.deps.Lock.Release(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("lock release failed")
	}
	w.logger.Info().Bool("restarting", restarting).Msg("worker exited")
}
