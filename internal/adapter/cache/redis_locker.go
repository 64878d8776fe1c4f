package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/signvault/internal/service/token"
)

const lockPrefix = "lock:"

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker serializes token refreshes across instances with SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	poll   time.Duration
}

var _ token.Locker = (*RedisLocker)(nil)

// NewRedisLocker returns a locker whose leases expire after ttl.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, poll: 100 * time.Millisecond}
}

// Acquire blocks until the lock is held or ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	owner := uuid.NewString()
	redisKey := lockPrefix + key
	for {
		ok, err := l.client.SetNX(ctx, redisKey, owner, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(ctx, l.client, []string{redisKey}, owner).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		case <-time.After(l.poll):
		}
	}
}
