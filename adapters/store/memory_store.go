package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/layer-3/citadel/core"
	"github.com/layer-3/citadel/ports"
)

// MemoryStore is an in-process implementation of the Store interface backed
// by go-cache. It is suitable for tests and single-instance runs; production
// deployments with more than one instance need the Redis store.
type MemoryStore struct {
	cache *gocache.Cache

	// go-cache increments are per-key atomic but have no create-with-TTL
	// primitive, so creation is guarded here.
	mu sync.Mutex
}

var _ ports.Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cache: gocache.New(gocache.NoExpiration, time.Minute),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	value, ok := s.cache.Get(key)
	if !ok {
		return "", core.ErrNotFound
	}
	str, ok := value.(string)
	if !ok {
		return "", core.ErrNotFound
	}
	return str, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.cache.Set(key, value, ttl)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

func (s *MemoryStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache.Get(key); !ok {
		s.cache.Set(key, int64(1), ttl)
		return 1, nil
	}

	value, err := s.cache.IncrementInt64(key, 1)
	if err != nil {
		return 0, fmt.Errorf("failed to increment key: %w", err)
	}
	return value, nil
}

func (s *MemoryStore) AddToSet(ctx context.Context, key, member string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := map[string]struct{}{}
	if raw, ok := s.cache.Get(key); ok {
		if existing, ok := raw.(map[string]struct{}); ok {
			members = existing
		}
	}
	members[member] = struct{}{}
	s.cache.Set(key, members, ttl)

	return int64(len(members)), nil
}

// Flush removes all data from the store. This is useful for resetting state
// between tests.
func (s *MemoryStore) Flush() {
	s.cache.Flush()
}
