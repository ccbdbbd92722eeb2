package pow

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/citadel/adapters/store"
	"github.com/layer-3/citadel/signer"
)

func testLauncher(t *testing.T) (*Launcher, *store.MemoryStore) {
	t.Helper()
	sig, err := signer.New(testSecret)
	require.NoError(t, err)
	mem := store.NewMemoryStore()
	return NewLauncher(sig, mem, zerolog.Nop()), mem
}

func TestDeriveChallengeIDDeterministic(t *testing.T) {
	l, _ := testLauncher(t)

	id := l.deriveChallengeID(5855000, DefaultDifficulty)
	assert.Len(t, id, 16)
	assert.Equal(t, id, l.deriveChallengeID(5855000, DefaultDifficulty))
	assert.NotEqual(t, id, l.deriveChallengeID(5855001, DefaultDifficulty))
	assert.NotEqual(t, id, l.deriveChallengeID(5855000, AttackDifficulty))
}

func TestGenerateTimeBasedChallengeWindowAlignment(t *testing.T) {
	l, _ := testLauncher(t)
	l.SetBounds(1, time.Millisecond) // keep the speculative solve trivial

	ch, err := l.GenerateTimeBasedChallenge(context.Background(), DefaultDifficulty)
	require.NoError(t, err)

	now := time.Now().Unix()
	assert.Equal(t, now/windowSeconds, ch.TimeWindow)
	assert.Equal(t, (ch.TimeWindow+1)*windowSeconds, ch.Expires)
	assert.Equal(t, DefaultDifficulty, ch.Difficulty)
	assert.Equal(t, l.deriveChallengeID(ch.TimeWindow, DefaultDifficulty), ch.ChallengeID)
}

func TestLauncherSolvesLowDifficultyAndVerifiesFromCache(t *testing.T) {
	l, _ := testLauncher(t)

	ch, err := l.GenerateTimeBasedChallenge(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ch.LauncherReady)

	solution, ok := l.CachedSolution(context.Background(), ch.ChallengeID)
	require.True(t, ok)
	assert.True(t, meetsDifficulty(solution.Hash, 1))

	nonce := strconv.FormatInt(solution.Nonce, 10)
	assert.True(t, l.VerifySolution(context.Background(), ch.ChallengeID, nonce))
	assert.False(t, l.VerifySolution(context.Background(), ch.ChallengeID, nonce+"1"))
}

func TestLauncherBoundsExhaustion(t *testing.T) {
	l, _ := testLauncher(t)
	l.SetBounds(1, time.Minute) // one iteration cannot hit difficulty 6

	ch, err := l.GenerateTimeBasedChallenge(context.Background(), AttackDifficulty)
	require.NoError(t, err)
	assert.False(t, ch.LauncherReady)

	_, ok := l.CachedSolution(context.Background(), ch.ChallengeID)
	assert.False(t, ok)
}

func TestVerifySolutionRecomputesCurrentWindow(t *testing.T) {
	l, _ := testLauncher(t)

	// Derive the current-window id at the standard difficulty and find its
	// answer independently, simulating a client that solved it themselves
	// with no cached solution server-side.
	window := time.Now().Unix() / windowSeconds
	challengeID := l.deriveChallengeID(window, DefaultDifficulty)
	challenge := challengeID + ":" + strconv.FormatInt(window, 10) + ":" + strconv.Itoa(DefaultDifficulty)

	nonce := findNonce(t, challenge, DefaultDifficulty, false)
	assert.True(t, l.VerifySolution(context.Background(), challengeID, nonce))
}

func TestVerifySolutionRejectsUnknownChallengeID(t *testing.T) {
	l, _ := testLauncher(t)
	assert.False(t, l.VerifySolution(context.Background(), "0123456789abcdef", "0"))
}
