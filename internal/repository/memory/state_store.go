package memory

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/signvault/internal/clock"
	"github.com/smallbiznis/signvault/internal/domain/oauth"
	"github.com/smallbiznis/signvault/internal/repository"
)

var _ repository.OAuthStateStore = (*StateStore)(nil)

type stateEntry struct {
	state     oauth.OAuthState
	expiresAt time.Time
}

// StateStore keeps OAuth state in process memory with TTL.
type StateStore struct {
	mu    sync.Mutex
	clock clock.Clock
	data  map[string]stateEntry
}

func NewStateStore(c clock.Clock) *StateStore {
	if c == nil {
		c = clock.Real()
	}
	return &StateStore{clock: c, data: make(map[string]stateEntry)}
}

func (s *StateStore) SaveState(_ context.Context, key string, data oauth.OAuthState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = stateEntry{state: data, expiresAt: s.clock.Now().Add(ttl)}
	return nil
}

func (s *StateStore) ConsumeState(_ context.Context, key string) (*oauth.OAuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	delete(s.data, key)
	if !s.clock.Now().Before(entry.expiresAt) {
		return nil, nil
	}
	state := entry.state
	return &state, nil
}

// Len returns the number of stored states, including expired ones.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
