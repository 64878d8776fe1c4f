package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/signvault/internal/domain/oauth"
	"github.com/smallbiznis/signvault/internal/repository"
)

// RedisStateStore implements OAuthStateStore backed by Redis.
type RedisStateStore struct {
	client redis.UniversalClient
}

var _ repository.OAuthStateStore = (*RedisStateStore)(nil)

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// SaveState stores the encoded OAuth state payload with TTL.
func (s *RedisStateStore) SaveState(ctx context.Context, key string, data oauth.OAuthState, ttl time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// ConsumeState loads and deletes the state in one GETDEL round trip, so two
// callbacks racing on the same state cannot both succeed.
func (s *RedisStateStore) ConsumeState(ctx context.Context, key string) (*oauth.OAuthState, error) {
	bytes, err := s.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("consume state: %w", err)
	}
	var state oauth.OAuthState
	if err := json.Unmarshal(bytes, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}
