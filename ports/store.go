package ports

import (
	"context"
	"time"
)

// Store is the shared cache every protection component leans on. All keys
// are namespaced per concern (circuit:, pow:, token:used:, captcha_).
//
// Increment and AddToSet must be atomic on the backing store; counters kept
// with read-modify-write undercount under concurrent requests.
type Store interface {
	// Get retrieves a value by key. Returns core.ErrNotFound on a miss.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key with a value and expiration time.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Increment atomically adds one to an integer counter, creating it at 1
	// with the given TTL, and returns the new value.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// AddToSet atomically adds a member to a set, refreshing its TTL, and
	// returns the resulting cardinality.
	AddToSet(ctx context.Context, key, member string, ttl time.Duration) (int64, error)
}
