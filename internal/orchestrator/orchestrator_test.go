package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quaylabs/rangekeeper/internal/domain"
	"github.com/quaylabs/rangekeeper/internal/hotstate"
)

type fakeProc struct {
	mu     sync.Mutex
	done   chan struct{}
	killed bool
}

func newFakeProc() *fakeProc { return &fakeProc{done: make(chan struct{})} }

func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.killed {
		p.killed = true
		close(p.done)
	}
	return nil
}

func (p *fakeProc) exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.killed {
		p.killed = true
		close(p.done)
	}
}

type fakeLauncher struct {
	mu     sync.Mutex
	spawns []string
	procs  []*fakeProc
}

func (l *fakeLauncher) Spawn(_ context.Context, pairID string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := newFakeProc()
	l.spawns = append(l.spawns, pairID)
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) spawnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.spawns)
}

func (l *fakeLauncher) lastProc() *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

type orchStore struct {
	mu         sync.Mutex
	heartbeats map[string]bool
	restarting map[string]bool
	states     map[string]*domain.WorkerState
	published  []hotstate.ControlMessage
}

func newOrchStore() *orchStore {
	return &orchStore{
		heartbeats: make(map[string]bool),
		restarting: make(map[string]bool),
		states:     make(map[string]*domain.WorkerState),
	}
}

func (s *orchStore) HeartbeatAlive(_ context.Context, pairID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats[pairID], nil
}

func (s *orchStore) IsRestarting(_ context.Context, pairID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarting[pairID], nil
}

func (s *orchStore) GetWorkerState(_ context.Context, pairID string) (*domain.WorkerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[pairID], nil
}

func (s *orchStore) PublishControl(_ context.Context, msg hotstate.ControlMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, msg)
	return nil
}

type orchLock struct {
	mu      sync.Mutex
	denied  bool
	lost    bool
	release bool
}

func (l *orchLock) TryAcquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.denied, nil
}

func (l *orchLock) Refresh(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.lost, nil
}

func (l *orchLock) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.release = true
	return nil
}

func testOrch(pairs ...string) (*Orchestrator, *orchStore, *orchLock, *fakeLauncher, *time.Time) {
	cfg := DefaultConfig(pairs)
	store := newOrchStore()
	lock := &orchLock{}
	launcher := &fakeLauncher{}
	o := New(cfg, store, lock, launcher)

	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	clock := &now
	o.now = func() time.Time { return *clock }
	return o, store, lock, launcher, clock
}

func TestSecondOrchestratorExits(t *testing.T) {
	o, _, lock, launcher, _ := testOrch("ETH_USDC")
	lock.denied = true

	err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
	assert.Zero(t, launcher.spawnCount(), "loser must not spawn workers")
}

func TestLockLossExitsSupervision(t *testing.T) {
	o, _, lock, _, _ := testOrch("ETH_USDC")
	lock.lost = true

	ctx := context.Background()
	err := o.healthCheck(ctx)
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
}

func TestSpawnOnFirstHealthCheck(t *testing.T) {
	o, _, _, launcher, _ := testOrch("ETH_USDC", "ARB_USDC")

	require.NoError(t, o.healthCheck(context.Background()))
	assert.Equal(t, 2, launcher.spawnCount())
}

func TestRespawnBackoffSchedule(t *testing.T) {
	o, _, _, launcher, clock := testOrch("ETH_USDC")
	ctx := context.Background()

	require.NoError(t, o.healthCheck(ctx))
	require.Equal(t, 1, launcher.spawnCount())

	// Three consecutive crashes: delays 20s, 40s, 80s.
	wantDelays := []time.Duration{20 * time.Second, 40 * time.Second, 80 * time.Second}
	for i, want := range wantDelays {
		launcher.lastProc().exit()
		require.NoError(t, o.healthCheck(ctx))
		c := o.children["ETH_USDC"]
		assert.Equal(t, (*clock).Add(want), c.nextAt, "crash %d backoff", i+1)
		assert.Equal(t, i+1, c.failCount)

		// One second before the deadline: no spawn.
		*clock = c.nextAt.Add(-time.Second)
		require.NoError(t, o.healthCheck(ctx))
		assert.Equal(t, i+1, launcher.spawnCount())

		// At the deadline: respawn.
		*clock = c.nextAt
		require.NoError(t, o.healthCheck(ctx))
		require.Equal(t, i+2, launcher.spawnCount())
	}
}

func TestBackoffCapped(t *testing.T) {
	o, _, _, _, _ := testOrch("ETH_USDC")
	assert.Equal(t, 20*time.Second, o.backoff(1))
	assert.Equal(t, 160*time.Second, o.backoff(4))
	assert.Equal(t, 5*time.Minute, o.backoff(6))
	assert.Equal(t, 5*time.Minute, o.backoff(19))
}

func TestHealthyHeartbeatResetsFailures(t *testing.T) {
	o, store, _, launcher, clock := testOrch("ETH_USDC")
	ctx := context.Background()

	require.NoError(t, o.healthCheck(ctx))
	launcher.lastProc().exit()
	require.NoError(t, o.healthCheck(ctx))
	require.Equal(t, 1, o.children["ETH_USDC"].failCount)

	*clock = o.children["ETH_USDC"].nextAt
	require.NoError(t, o.healthCheck(ctx))

	store.mu.Lock()
	store.heartbeats["ETH_USDC"] = true
	store.mu.Unlock()
	require.NoError(t, o.healthCheck(ctx))

	assert.Zero(t, o.children["ETH_USDC"].failCount, "healthy heartbeat resets the failure budget")
}

func TestMissingHeartbeatKillsStaleWorker(t *testing.T) {
	o, _, _, launcher, clock := testOrch("ETH_USDC")
	ctx := context.Background()

	require.NoError(t, o.healthCheck(ctx))
	proc := launcher.lastProc()

	// Young child without a heartbeat yet: left alone.
	*clock = (*clock).Add(o.cfg.HeartbeatPeriod)
	require.NoError(t, o.healthCheck(ctx))
	proc.mu.Lock()
	killed := proc.killed
	proc.mu.Unlock()
	assert.False(t, killed)

	// Past twice the heartbeat period with no liveness key: killed.
	*clock = (*clock).Add(2 * o.cfg.HeartbeatPeriod)
	require.NoError(t, o.healthCheck(ctx))
	proc.mu.Lock()
	killed = proc.killed
	proc.mu.Unlock()
	assert.True(t, killed)
}

func TestRestartFlagSkipsBackoff(t *testing.T) {
	o, store, _, launcher, _ := testOrch("ETH_USDC")
	ctx := context.Background()

	require.NoError(t, o.healthCheck(ctx))
	store.mu.Lock()
	store.restarting["ETH_USDC"] = true
	store.mu.Unlock()

	launcher.lastProc().exit()
	require.NoError(t, o.healthCheck(ctx))

	assert.Equal(t, 2, launcher.spawnCount(), "deliberate restart respawns immediately")
	assert.Zero(t, o.children["ETH_USDC"].failCount)
}

func TestGiveUpAfterConsecutiveFailures(t *testing.T) {
	o, _, _, launcher, clock := testOrch("ETH_USDC")
	o.cfg.GiveUpAfter = 3
	ctx := context.Background()

	require.NoError(t, o.healthCheck(ctx))
	for i := 0; i < 3; i++ {
		launcher.lastProc().exit()
		require.NoError(t, o.healthCheck(ctx))
		if c := o.children["ETH_USDC"]; !c.gaveUp {
			*clock = c.nextAt
			require.NoError(t, o.healthCheck(ctx))
		}
	}

	assert.True(t, o.children["ETH_USDC"].gaveUp)
	spawned := launcher.spawnCount()
	*clock = (*clock).Add(time.Hour)
	require.NoError(t, o.healthCheck(ctx))
	assert.Equal(t, spawned, launcher.spawnCount(), "no further spawns after giving up")
}

func TestReloadStopsRemovedPairs(t *testing.T) {
	o, store, _, launcher, _ := testOrch("ETH_USDC", "ARB_USDC")
	ctx := context.Background()

	require.NoError(t, o.healthCheck(ctx))
	require.Equal(t, 2, launcher.spawnCount())

	o.reload(ctx, []string{"ETH_USDC", "OP_USDC"})

	store.mu.Lock()
	var targeted []string
	for _, msg := range store.published {
		if msg.Type == hotstate.ControlShutdown {
			targeted = append(targeted, msg.PairID)
		}
	}
	store.mu.Unlock()
	assert.Equal(t, []string{"ARB_USDC"}, targeted, "removed pair told to shut down")
	assert.Equal(t, 3, launcher.spawnCount(), "added pair spawned")
	assert.NotContains(t, o.children, "ARB_USDC")
}

func TestReloadForceKillsIgnoringWorker(t *testing.T) {
	o, _, _, launcher, _ := testOrch("ETH_USDC", "ARB_USDC")
	o.cfg.ShutdownGrace = 20 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, o.healthCheck(ctx))
	require.Equal(t, 2, launcher.spawnCount())
	removed := launcher.lastProc() // ARB_USDC, spawned second

	// The worker ignores the targeted SHUTDOWN; past the grace it must be
	// force-killed rather than left running unsupervised.
	o.reload(ctx, []string{"ETH_USDC"})

	assert.Eventually(t, func() bool {
		removed.mu.Lock()
		defer removed.mu.Unlock()
		return removed.killed
	}, time.Second, 5*time.Millisecond)
}

func TestShutdownBroadcastsAndForceKills(t *testing.T) {
	o, store, lock, launcher, _ := testOrch("ETH_USDC")
	o.cfg.ShutdownGrace = 20 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, o.healthCheck(ctx))
	proc := launcher.lastProc()

	o.shutdown()

	store.mu.Lock()
	require.NotEmpty(t, store.published)
	first := store.published[0]
	store.mu.Unlock()
	assert.Equal(t, hotstate.ControlShutdown, first.Type)
	assert.Empty(t, first.PairID, "shutdown is broadcast")

	proc.mu.Lock()
	killed := proc.killed
	proc.mu.Unlock()
	assert.True(t, killed, "survivor force-killed after grace")
	assert.True(t, lock.release)
}
