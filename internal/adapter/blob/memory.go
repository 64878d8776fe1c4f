package blob

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store for tests and development.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	// FailPut makes Put return this error when set.
	FailPut error
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, p string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPut != nil {
		return s.FailPut
	}
	s.objects[p] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, p string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[p]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", p, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Delete(_ context.Context, p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, p)
	return nil
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
