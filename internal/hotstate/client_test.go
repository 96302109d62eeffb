package hotstate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quaylabs/rangekeeper/internal/domain"
)

func TestWorkerRegistry(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewWithRedis(rdb)
	ctx := context.Background()

	mock.ExpectSAdd(WorkersSetKey, "ETH_USDC").SetVal(1)
	mock.ExpectSMembers(WorkersSetKey).SetVal([]string{"ETH_USDC"})
	mock.ExpectSRem(WorkersSetKey, "ETH_USDC").SetVal(1)

	require.NoError(t, c.RegisterWorker(ctx, "ETH_USDC"))

	pairs, err := c.Workers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ETH_USDC"}, pairs)

	require.NoError(t, c.UnregisterWorker(ctx, "ETH_USDC"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatAlive(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewWithRedis(rdb)
	ctx := context.Background()

	mock.ExpectExists(HeartbeatKey("ETH_USDC")).SetVal(1)
	mock.ExpectExists(HeartbeatKey("ARB_USDC")).SetVal(0)

	alive, err := c.HeartbeatAlive(ctx, "ETH_USDC")
	require.NoError(t, err)
	assert.True(t, alive)

	alive, err = c.HeartbeatAlive(ctx, "ARB_USDC")
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestGetWorkerStateExpired(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewWithRedis(rdb)

	mock.ExpectGet(StateKey("ETH_USDC")).RedisNil()

	state, err := c.GetWorkerState(context.Background(), "ETH_USDC")
	require.NoError(t, err)
	assert.Nil(t, state, "expired state key reads as absent, not as an error")
}

func TestTouchWorkerStateAbsent(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewWithRedis(rdb)

	mock.ExpectGet(StateKey("ETH_USDC")).RedisNil()

	require.NoError(t, c.TouchWorkerState(context.Background(), "ETH_USDC", time.Minute),
		"no published state yet is not an error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchWorkerStateReArmsTTL(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewWithRedis(rdb)

	state := domain.WorkerState{PairID: "ETH_USDC", Epoch: 3, Status: domain.StatusRunning}
	payload, err := json.Marshal(state)
	require.NoError(t, err)

	mock.ExpectGet(StateKey("ETH_USDC")).SetVal(string(payload))
	// UpdatedAt is rewritten, so match the rest of the snapshot loosely.
	mock.Regexp().ExpectSet(StateKey("ETH_USDC"), `.*"epoch":3.*`, time.Minute).SetVal("OK")

	require.NoError(t, c.TouchWorkerState(context.Background(), "ETH_USDC", time.Minute))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCandleWindowRoundTrip(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewWithRedis(rdb)
	ctx := context.Background()

	candles := []domain.Candle{{Ts: 1000, Open: 1, High: 1.01, Low: 0.99, Close: 1, Volume: 5}}
	payload, err := json.Marshal(candles)
	require.NoError(t, err)

	mock.ExpectSet(CandlesKey("ETH_USDC"), payload, time.Hour).SetVal("OK")
	mock.ExpectGet(CandlesKey("ETH_USDC")).SetVal(string(payload))
	mock.ExpectGet(CandlesKey("ARB_USDC")).RedisNil()

	require.NoError(t, c.SaveCandles(ctx, "ETH_USDC", candles, time.Hour))

	got, err := c.GetCandles(ctx, "ETH_USDC")
	require.NoError(t, err)
	assert.Equal(t, candles, got)

	missing, err := c.GetCandles(ctx, "ARB_USDC")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestWarmStartRoundTrip(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewWithRedis(rdb)
	ctx := context.Background()

	ws := domain.OptimizerWarmStart{
		Vec:     domain.RangeParams{BaseMin: 0.005, BaseMax: 0.08, VForceExp: 1.2, VForceDivider: 60, RSThreshold: 0.25},
		Fitness: 0.42,
	}
	payload, err := json.Marshal(ws)
	require.NoError(t, err)

	mock.ExpectSet(WarmStartKey("ETH_USDC"), payload, 0).SetVal("OK")
	mock.ExpectGet(WarmStartKey("ETH_USDC")).SetVal(string(payload))

	require.NoError(t, c.SaveWarmStart(ctx, "ETH_USDC", ws))

	got, err := c.LoadWarmStart(ctx, "ETH_USDC")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ws, *got)
}

func TestSavePositionRejectsInvalid(t *testing.T) {
	rdb, _ := redismock.NewClientMock()
	c := NewWithRedis(rdb)

	pos := domain.Position{
		ID:        "p1",
		Pool:      domain.PoolRef{ChainID: 1, Address: "0xabc"},
		TickLower: 100,
		TickUpper: 100, // empty range
	}

	err := c.SavePosition(context.Background(), "ETH_USDC", pos)
	require.Error(t, err)
	assert.Equal(t, domain.FailInvariantViolation, domain.KindOf(err))
}

func TestControlMessageTargeting(t *testing.T) {
	broadcast := ControlMessage{Type: ControlShutdown}
	assert.True(t, broadcast.AppliesTo("ETH_USDC"))
	assert.True(t, broadcast.AppliesTo("ARB_USDC"))

	targeted := ControlMessage{Type: ControlRestart, PairID: "ETH_USDC"}
	assert.True(t, targeted.AppliesTo("ETH_USDC"))
	assert.False(t, targeted.AppliesTo("ARB_USDC"))
}
