package hotstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quaylabs/rangekeeper/internal/domain"
)

// Config holds hot-store connection settings.
type Config struct {
	URL          string        `yaml:"url" env:"HOT_STORE_URL"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns local defaults.
func DefaultConfig() Config {
	return Config{
		URL:          "redis://127.0.0.1:6379/0",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Client is the process-wide hot-store singleton. Constructed once on start,
// closed on shutdown.
type Client struct {
	rdb redis.UniversalClient
}

// New connects to the hot store and verifies reachability.
func New(ctx context.Context, cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid hot store url: %w", err)
	}
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("hot store unreachable: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// NewWithRedis wraps an existing client; used by tests with redismock.
func NewWithRedis(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Redis exposes the underlying client for the lock primitive.
func (c *Client) Redis() redis.UniversalClient {
	return c.rdb
}

// RegisterWorker adds the pair to the active-workers set.
func (c *Client) RegisterWorker(ctx context.Context, pairID string) error {
	return c.rdb.SAdd(ctx, WorkersSetKey, pairID).Err()
}

// UnregisterWorker removes the pair from the active-workers set.
func (c *Client) UnregisterWorker(ctx context.Context, pairID string) error {
	return c.rdb.SRem(ctx, WorkersSetKey, pairID).Err()
}

// Workers lists active pair ids.
func (c *Client) Workers(ctx context.Context) ([]string, error) {
	return c.rdb.SMembers(ctx, WorkersSetKey).Result()
}

// SetHeartbeat writes the liveness key with the given TTL.
func (c *Client) SetHeartbeat(ctx context.Context, pairID string, ttl time.Duration) error {
	now := time.Now().UnixMilli()
	return c.rdb.Set(ctx, HeartbeatKey(pairID), now, ttl).Err()
}

// HeartbeatAlive reports whether a liveness key exists for the pair.
func (c *Client) HeartbeatAlive(ctx context.Context, pairID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, HeartbeatKey(pairID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PublishWorkerState writes the TTL'd state snapshot and relays it on the
// state channel for live subscribers.
func (c *Client) PublishWorkerState(ctx context.Context, state domain.WorkerState, ttl time.Duration) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal worker state: %w", err)
	}
	if err := c.rdb.Set(ctx, StateKey(state.PairID), payload, ttl).Err(); err != nil {
		return err
	}
	return c.rdb.Publish(ctx, StateChannel, payload).Err()
}

// TouchWorkerState re-arms the TTL on the published state between cycles by
// rewriting it with a fresh UpdatedAt. A missing key is not an error: the
// first cycle has simply not published yet.
func (c *Client) TouchWorkerState(ctx context.Context, pairID string, ttl time.Duration) error {
	raw, err := c.rdb.Get(ctx, StateKey(pairID)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	var state domain.WorkerState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("decode worker state: %w", err)
	}
	state.UpdatedAt = time.Now()
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal worker state: %w", err)
	}
	return c.rdb.Set(ctx, StateKey(pairID), string(payload), ttl).Err()
}

// GetWorkerState reads a pair's published state. Returns (nil, nil) when the
// key has expired.
func (c *Client) GetWorkerState(ctx context.Context, pairID string) (*domain.WorkerState, error) {
	raw, err := c.rdb.Get(ctx, StateKey(pairID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state domain.WorkerState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode worker state: %w", err)
	}
	return &state, nil
}

// SetRestarting flags a deliberate restart for the orchestrator.
func (c *Client) SetRestarting(ctx context.Context, pairID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, RestartingKey(pairID), "1", ttl).Err()
}

// IsRestarting reports whether the restart flag is live.
func (c *Client) IsRestarting(ctx context.Context, pairID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, RestartingKey(pairID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SaveCandles stores the pair's trailing candle window with a TTL, replacing
// the previous window wholesale.
func (c *Client) SaveCandles(ctx context.Context, pairID string, candles []domain.Candle, ttl time.Duration) error {
	payload, err := json.Marshal(candles)
	if err != nil {
		return fmt.Errorf("marshal candles: %w", err)
	}
	return c.rdb.Set(ctx, CandlesKey(pairID), payload, ttl).Err()
}

// GetCandles reads the trailing candle window; (nil, nil) when absent.
func (c *Client) GetCandles(ctx context.Context, pairID string) ([]domain.Candle, error) {
	raw, err := c.rdb.Get(ctx, CandlesKey(pairID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var candles []domain.Candle
	if err := json.Unmarshal(raw, &candles); err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}
	return candles, nil
}

// SaveWarmStart persists the optimizer warm start without TTL.
func (c *Client) SaveWarmStart(ctx context.Context, pairID string, ws domain.OptimizerWarmStart) error {
	payload, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("marshal warm start: %w", err)
	}
	return c.rdb.Set(ctx, WarmStartKey(pairID), payload, 0).Err()
}

// LoadWarmStart reads the optimizer warm start; (nil, nil) when absent.
// Callers clamp the vector to bounds.
func (c *Client) LoadWarmStart(ctx context.Context, pairID string) (*domain.OptimizerWarmStart, error) {
	raw, err := c.rdb.Get(ctx, WarmStartKey(pairID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ws domain.OptimizerWarmStart
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, fmt.Errorf("decode warm start: %w", err)
	}
	return &ws, nil
}

// SavePosition stores a position in the pair's hash, keyed by position id.
func (c *Client) SavePosition(ctx context.Context, pairID string, pos domain.Position) error {
	if err := pos.Validate(); err != nil {
		return domain.Classify(domain.FailInvariantViolation, err)
	}
	payload, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	return c.rdb.HSet(ctx, PositionsKey(pairID), pos.ID, payload).Err()
}

// DeletePosition removes a burned position.
func (c *Client) DeletePosition(ctx context.Context, pairID, positionID string) error {
	return c.rdb.HDel(ctx, PositionsKey(pairID), positionID).Err()
}

// ListPositions returns every persisted position for the pair.
func (c *Client) ListPositions(ctx context.Context, pairID string) ([]domain.Position, error) {
	entries, err := c.rdb.HGetAll(ctx, PositionsKey(pairID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Position, 0, len(entries))
	for id, raw := range entries {
		var pos domain.Position
		if err := json.Unmarshal([]byte(raw), &pos); err != nil {
			return nil, fmt.Errorf("decode position %s: %w", id, err)
		}
		out = append(out, pos)
	}
	return out, nil
}
