package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LineItemLockKey builds redis keys guarding delivery outcome writes per line item.
func LineItemLockKey(itemID int64) string {
	return fmt.Sprintf("fulfillment:line_item:%d:lock", itemID)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker hands out short-lived exclusive locks stored in redis.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisLocker constructs a locker. A non-positive ttl falls back to five seconds.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl}
}

// Acquire takes the lock on key without waiting. A held lock yields
// ErrConcurrentModification. The returned func releases the lock only if it is
// still owned by this caller.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock %s held: %w", key, ErrConcurrentModification)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, nil
}
