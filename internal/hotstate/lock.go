package hotstate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CAS scripts: refresh and release only succeed for the stored owner token.
const (
	refreshScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end`

	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end`
)

// Lock is a TTL'd distributed mutex. The value is a random token unique to
// this process instance, so refresh and release cannot touch a lock that has
// expired and been re-acquired elsewhere.
type Lock struct {
	rdb   redis.UniversalClient
	key   string
	token string
	ttl   time.Duration
}

// NewLock builds a lock handle; nothing is acquired yet.
func NewLock(c *Client, key string, ttl time.Duration) *Lock {
	return &Lock{
		rdb:   c.Redis(),
		key:   key,
		token: uuid.NewString(),
		ttl:   ttl,
	}
}

// Key returns the lock key.
func (l *Lock) Key() string { return l.key }

// Token returns the owner token.
func (l *Lock) Token() string { return l.token }

// TryAcquire attempts SET key token PX ttl NX. Returns true iff this process
// now owns the lock. A second acquire on a held lock returns false without
// mutating the stored value.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	return l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
}

// Refresh extends the TTL iff we still own the lock. Returns false when
// ownership was lost.
func (l *Lock) Refresh(ctx context.Context) (bool, error) {
	res, err := l.rdb.Eval(ctx, refreshScript, []string{l.key}, l.token, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Release deletes the lock iff we own it. Releasing a lock someone else now
// holds is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	return l.rdb.Eval(ctx, releaseScript, []string{l.key}, l.token).Err()
}
