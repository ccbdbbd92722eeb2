package token

import (
	"context"
	"errors"
	"time"

	"github.com/layer-3/citadel/core"
	"github.com/layer-3/citadel/ports"
)

// recordingStore wraps a real store and remembers the TTL of every write.
type recordingStore struct {
	ports.Store
	setTTLs map[string]time.Duration
}

func newRecordingStore(inner ports.Store) *recordingStore {
	return &recordingStore{Store: inner, setTTLs: map[string]time.Duration{}}
}

func (s *recordingStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.setTTLs[key] = ttl
	return s.Store.Set(ctx, key, value, ttl)
}

// failingStore reports a healthy miss on reads and fails every write.
type failingStore struct{}

func (failingStore) Get(ctx context.Context, key string) (string, error) {
	return "", core.ErrNotFound
}

func (failingStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return errors.New("store unavailable")
}

func (failingStore) Delete(ctx context.Context, key string) error {
	return errors.New("store unavailable")
}

func (failingStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, errors.New("store unavailable")
}

func (failingStore) AddToSet(ctx context.Context, key, member string, ttl time.Duration) (int64, error) {
	return 0, errors.New("store unavailable")
}
