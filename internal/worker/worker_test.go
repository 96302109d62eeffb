package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quaylabs/rangekeeper/internal/domain"
	"github.com/quaylabs/rangekeeper/internal/hotstate"
)

type fakeLock struct {
	mu        sync.Mutex
	acquired  bool
	denied    bool
	loseAfter int // refreshes until ownership reports lost; 0 = never
	refreshes int
	released  bool
}

func (l *fakeLock) TryAcquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.denied {
		return false, nil
	}
	l.acquired = true
	return true, nil
}

func (l *fakeLock) Refresh(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshes++
	if l.loseAfter > 0 && l.refreshes >= l.loseAfter {
		return false, nil
	}
	return true, nil
}

func (l *fakeLock) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	return nil
}

type fakeStore struct {
	mu           sync.Mutex
	registered   bool
	unregistered bool
	heartbeats   int
	touches      int
	restarting   bool
	heartbeatErr error
}

func (s *fakeStore) RegisterWorker(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = true
	return nil
}

func (s *fakeStore) UnregisterWorker(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregistered = true
	return nil
}

func (s *fakeStore) SetHeartbeat(context.Context, string, time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heartbeatErr != nil {
		return s.heartbeatErr
	}
	s.heartbeats++
	return nil
}

func (s *fakeStore) TouchWorkerState(context.Context, string, time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touches++
	return nil
}

func (s *fakeStore) SetRestarting(context.Context, string, time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarting = true
	return nil
}

type fakeControl struct {
	ch     chan hotstate.ControlMessage
	closed atomic.Bool
}

func newFakeControl() *fakeControl {
	return &fakeControl{ch: make(chan hotstate.ControlMessage, 4)}
}

func (c *fakeControl) Messages() <-chan hotstate.ControlMessage { return c.ch }

func (c *fakeControl) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.ch)
	}
	return nil
}

type fakeRunner struct {
	cycles atomic.Int64
	block  time.Duration
	fatal  error
}

func (r *fakeRunner) RunCycle(ctx context.Context) (domain.Decision, error) {
	r.cycles.Add(1)
	if r.block > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(r.block):
		}
	}
	if r.fatal != nil {
		return domain.Decision{}, r.fatal
	}
	return domain.Hold("no_trigger"), nil
}

func (r *fakeRunner) Epoch() int64 { return r.cycles.Load() }

type drainRecorder struct{ drained atomic.Bool }

func (d *drainRecorder) Shutdown(context.Context) error {
	d.drained.Store(true)
	return nil
}

func testWorker(cfg Config) (*Worker, *fakeLock, *fakeStore, *fakeControl, *fakeRunner, *drainRecorder) {
	lock := &fakeLock{}
	store := &fakeStore{}
	control := newFakeControl()
	runner := &fakeRunner{}
	drain := &drainRecorder{}
	w := New(cfg, Deps{Store: store, Lock: lock, Control: control, Engine: runner, Drainer: drain})
	return w, lock, store, control, runner, drain
}

func fastConfig() Config {
	cfg := DefaultConfig("ETH_USDC")
	cfg.CycleInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.DrainTimeout = 100 * time.Millisecond
	return cfg
}

func TestFailedLockExitsImmediately(t *testing.T) {
	w, lock, store, _, runner, _ := testWorker(fastConfig())
	lock.denied = true

	err := w.Run(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
	assert.Zero(t, runner.cycles.Load(), "no cycle runs without the lock")
	assert.False(t, store.registered)
}

func TestShutdownMessageStopsLoop(t *testing.T) {
	w, lock, store, control, runner, drain := testWorker(fastConfig())

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	require.Eventually(t, func() bool { return runner.cycles.Load() >= 2 }, time.Second, time.Millisecond)
	control.ch <- hotstate.ControlMessage{Type: hotstate.ControlShutdown}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not shut down")
	}

	assert.True(t, drain.drained.Load(), "telemetry drained on exit")
	assert.True(t, lock.released, "lock released on exit")
	assert.True(t, store.unregistered)
	assert.False(t, store.restarting)
}

func TestShutdownForOtherPairIgnored(t *testing.T) {
	w, _, _, control, runner, _ := testWorker(fastConfig())

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	require.Eventually(t, func() bool { return runner.cycles.Load() >= 1 }, time.Second, time.Millisecond)
	control.ch <- hotstate.ControlMessage{Type: hotstate.ControlShutdown, PairID: "ARB_USDC"}

	select {
	case <-done:
		t.Fatal("worker stopped on a message for a different pair")
	case <-time.After(50 * time.Millisecond):
	}

	control.ch <- hotstate.ControlMessage{Type: hotstate.ControlShutdown}
	require.NoError(t, <-done)
}

func TestDoubleShutdownSingleTransition(t *testing.T) {
	w, _, store, control, runner, _ := testWorker(fastConfig())

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	require.Eventually(t, func() bool { return runner.cycles.Load() >= 1 }, time.Second, time.Millisecond)
	control.ch <- hotstate.ControlMessage{Type: hotstate.ControlShutdown}
	control.ch <- hotstate.ControlMessage{Type: hotstate.ControlShutdown}

	require.NoError(t, <-done)
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.True(t, store.unregistered)
}

func TestRestartSetsFlagThenStops(t *testing.T) {
	w, _, store, control, runner, _ := testWorker(fastConfig())

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	require.Eventually(t, func() bool { return runner.cycles.Load() >= 1 }, time.Second, time.Millisecond)
	control.ch <- hotstate.ControlMessage{Type: hotstate.ControlRestart, PairID: "ETH_USDC"}

	require.NoError(t, <-done)
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.True(t, store.restarting, "restart flag set before exit")
}

func TestLockLossIsFatal(t *testing.T) {
	cfg := fastConfig()
	cfg.CycleInterval = 50 * time.Millisecond
	w, lock, _, _, _, _ := testWorker(cfg)
	lock.loseAfter = 2

	err := w.Run(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
}

func TestHeartbeatsWhileRunning(t *testing.T) {
	w, _, store, control, runner, _ := testWorker(fastConfig())

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.heartbeats >= 3
	}, time.Second, time.Millisecond)
	_ = runner // cycles keep running alongside heartbeats

	control.ch <- hotstate.ControlMessage{Type: hotstate.ControlShutdown}
	require.NoError(t, <-done)
}

func TestHeartbeatKeepsStateAlive(t *testing.T) {
	cfg := fastConfig()
	w, _, store, control, _, _ := testWorker(cfg)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	// The state TTL is shorter than the cycle interval; each heartbeat must
	// re-arm it or status reads go dark mid-cycle.
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.touches >= 3
	}, time.Second, time.Millisecond)

	control.ch <- hotstate.ControlMessage{Type: hotstate.ControlShutdown}
	require.NoError(t, <-done)
}

func TestPersistentHeartbeatFailureIsFatal(t *testing.T) {
	cfg := fastConfig()
	cfg.CycleInterval = 500 * time.Millisecond
	cfg.MaxHeartbeatMisses = 3
	w, lock, store, _, _, _ := testWorker(cfg)
	store.heartbeatErr = errors.New("store down")

	err := w.Run(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err), "a dark heartbeat must not run cycles forever")
	assert.True(t, lock.released)
}

func TestFatalCycleErrorExits(t *testing.T) {
	w, lock, _, _, runner, drain := testWorker(fastConfig())
	runner.fatal = domain.Classifyf(domain.FailFatal, "signing key missing")

	err := w.Run(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
	assert.True(t, drain.drained.Load(), "drain happens even on fatal exit")
	assert.True(t, lock.released)
}
