package pow

import (
	"context"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/citadel/adapters/store"
	"github.com/layer-3/citadel/signer"
)

func testPool(t *testing.T, size, difficulty int) (*Pool, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	pool, err := NewPool(mem, zerolog.Nop(), size, difficulty)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool, mem
}

func TestPoolInitialize(t *testing.T) {
	pool, _ := testPool(t, 3, 2)

	entries, err := pool.Initialize(context.Background(), 3, 2)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	for _, entry := range entries {
		assert.Len(t, entry.ID, 16)
		assert.Equal(t, 2, entry.Difficulty)
		assert.True(t, meetsDifficulty(entry.Hash, 2))
		assert.Equal(t, solutionHash(entry.Challenge, strconv.FormatInt(entry.Nonce, 10)), entry.Hash)
	}

	assert.Equal(t, 3, pool.Len(context.Background()))
}

func TestPoolGetChallengeDrainsAndRegistersSolution(t *testing.T) {
	pool, mem := testPool(t, 2, 1)

	_, err := pool.Initialize(context.Background(), 2, 1)
	require.NoError(t, err)

	entry, err := pool.GetChallenge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Len(context.Background()))

	sig, err := signer.New(testSecret)
	require.NoError(t, err)
	launcher := NewLauncher(sig, mem, zerolog.Nop())

	solution, ok := launcher.CachedSolution(context.Background(), entry.ID)
	require.True(t, ok, "popped entry must be registered for instant verification")
	assert.Equal(t, entry.Nonce, solution.Nonce)
	assert.True(t, launcher.VerifySolution(context.Background(), entry.ID, strconv.FormatInt(entry.Nonce, 10)))
}

func TestPoolGetChallengeRegeneratesWhenEmpty(t *testing.T) {
	pool, _ := testPool(t, 2, 1)

	// Never initialized: the pool is empty and must regenerate on demand.
	entry, err := pool.GetChallenge(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, entry.Challenge)
	assert.Equal(t, 1, entry.Difficulty)
}

func TestPoolReadDiscardsCorruptState(t *testing.T) {
	pool, mem := testPool(t, 1, 1)

	require.NoError(t, mem.Set(context.Background(), poolKey, "{not json", poolTTL))
	assert.Equal(t, 0, pool.Len(context.Background()))
}
