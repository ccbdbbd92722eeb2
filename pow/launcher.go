package pow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/layer-3/citadel/ports"
	"github.com/layer-3/citadel/signer"
)

const (
	// SolutionCacheTTL bounds how long a speculatively computed solution
	// stays available for instant verification.
	SolutionCacheTTL = 5 * time.Minute

	// windowSeconds is the width of one challenge time window. Every
	// instance sharing the secret derives the same challenge id for the
	// same window without coordination.
	windowSeconds = 300

	// DefaultDifficulty is the standard issuance difficulty. Each extra
	// unit multiplies the expected client cost by 16.
	DefaultDifficulty = 4

	// AttackDifficulty is used when a circuit looks actively hostile.
	AttackDifficulty = 6

	// DefaultMaxIterations caps the server-side brute force. Exceeding it
	// is a normal "not ready" outcome, never an error.
	DefaultMaxIterations = 100_000

	// DefaultMaxSolveTime caps the wall-clock time of one server-side
	// solve, whichever of the two bounds trips first.
	DefaultMaxSolveTime = 2 * time.Second

	solutionKeyPrefix = "pow:solution:"
)

// Solution is a pre-computed proof-of-work answer, cached so cooperative
// clients can be verified with a single lookup.
type Solution struct {
	Challenge       string  `json:"challenge"`
	Nonce           int64   `json:"nonce"`
	Hash            string  `json:"hash"`
	ComputedAt      int64   `json:"computed_at"`
	ComputationTime float64 `json:"computation_time"`
}

// TimeChallenge describes a deterministic, time-windowed challenge.
type TimeChallenge struct {
	ChallengeID   string `json:"challenge_id"`
	TimeWindow    int64  `json:"time_window"`
	Difficulty    int    `json:"difficulty"`
	Expires       int64  `json:"expires"`
	LauncherReady bool   `json:"launcher_ready"`
}

// Launcher issues time-windowed challenges whose ids derive from the server
// secret, and pre-solves them server-side within bounded effort.
type Launcher struct {
	signer *signer.Signer
	store  ports.Store
	logger zerolog.Logger

	maxIterations int
	maxSolveTime  time.Duration
}

// NewLauncher creates a new time-window launcher
func NewLauncher(sig *signer.Signer, store ports.Store, logger zerolog.Logger) *Launcher {
	return &Launcher{
		signer:        sig,
		store:         store,
		logger:        logger.With().Str("component", "pow_launcher").Logger(),
		maxIterations: DefaultMaxIterations,
		maxSolveTime:  DefaultMaxSolveTime,
	}
}

// SetBounds overrides the brute-force iteration and wall time caps.
func (l *Launcher) SetBounds(maxIterations int, maxSolveTime time.Duration) {
	l.maxIterations = maxIterations
	l.maxSolveTime = maxSolveTime
}

// GenerateTimeBasedChallenge returns the challenge for the current window,
// attempting a bounded server-side solve when no cached solution exists yet.
func (l *Launcher) GenerateTimeBasedChallenge(ctx context.Context, difficulty int) (TimeChallenge, error) {
	window := time.Now().Unix() / windowSeconds
	challengeID := l.deriveChallengeID(window, difficulty)

	ready := true
	if _, ok := l.CachedSolution(ctx, challengeID); !ok {
		_, ready = l.computeSolution(ctx, challengeID, window, difficulty)
	}

	return TimeChallenge{
		ChallengeID:   challengeID,
		TimeWindow:    window,
		Difficulty:    difficulty,
		Expires:       (window + 1) * windowSeconds,
		LauncherReady: ready,
	}, nil
}

// VerifySolution checks a nonce against the solved cache first, then against
// the current and immediately prior time window, tolerating clients that
// straddle a window boundary. A miss is a normal "not verified" outcome.
func (l *Launcher) VerifySolution(ctx context.Context, challengeID, nonce string) bool {
	if solution, ok := l.CachedSolution(ctx, challengeID); ok {
		if strconv.FormatInt(solution.Nonce, 10) == nonce {
			l.logger.Info().Str("challenge_id", challengeID).Msg("pooled pow solution verified")
			return true
		}
	}

	window := time.Now().Unix() / windowSeconds

	for _, w := range []int64{window, window - 1} {
		for _, difficulty := range []int{DefaultDifficulty, AttackDifficulty} {
			if l.deriveChallengeID(w, difficulty) != challengeID {
				continue
			}

			challenge := fmt.Sprintf("%s:%d:%d", challengeID, w, difficulty)
			if meetsDifficulty(solutionHash(challenge, nonce), difficulty) {
				l.logger.Info().Str("challenge_id", challengeID).Msg("time-based pow solution verified")
				return true
			}
		}
	}

	return false
}

// CachedSolution returns the pre-computed solution for a challenge, if the
// launcher managed to find one.
func (l *Launcher) CachedSolution(ctx context.Context, challengeID string) (*Solution, bool) {
	raw, err := l.store.Get(ctx, solutionKeyPrefix+challengeID)
	if err != nil {
		return nil, false
	}

	var solution Solution
	if err := json.Unmarshal([]byte(raw), &solution); err != nil {
		l.logger.Warn().Err(err).Msg("corrupt cached pow solution")
		return nil, false
	}

	return &solution, true
}

// computeSolution brute-forces a nonce within the configured iteration and
// wall time bounds and caches the result. Not finding one within the bounds
// means the client solves it themselves.
func (l *Launcher) computeSolution(ctx context.Context, challengeID string, window int64, difficulty int) (*Solution, bool) {
	challenge := fmt.Sprintf("%s:%d:%d", challengeID, window, difficulty)
	start := time.Now()

	for nonce := 0; nonce < l.maxIterations; nonce++ {
		if nonce%4096 == 0 && time.Since(start) > l.maxSolveTime {
			l.logger.Warn().Str("challenge_id", challengeID).Msg("pow solve wall time exceeded")
			return nil, false
		}

		nonceStr := strconv.Itoa(nonce)
		hash := solutionHash(challenge, nonceStr)

		if !meetsDifficulty(hash, difficulty) {
			continue
		}

		solution := &Solution{
			Challenge:       challenge,
			Nonce:           int64(nonce),
			Hash:            hash,
			ComputedAt:      time.Now().Unix(),
			ComputationTime: time.Since(start).Seconds(),
		}

		raw, err := json.Marshal(solution)
		if err != nil {
			return nil, false
		}
		if err := l.store.Set(ctx, solutionKeyPrefix+challengeID, string(raw), SolutionCacheTTL); err != nil {
			l.logger.Warn().Err(err).Msg("failed to cache pow solution")
		}

		l.logger.Info().Str("challenge_id", challengeID).Int("nonce", nonce).Msg("pow solution found")
		return solution, true
	}

	l.logger.Warn().Int("max_iterations", l.maxIterations).Msg("pow solution not found within bounds")
	return nil, false
}

// deriveChallengeID maps (secret, window, difficulty) onto a deterministic
// 16 hex character id shared by every instance holding the secret.
func (l *Launcher) deriveChallengeID(window int64, difficulty int) string {
	seed := fmt.Sprintf("%s:%d:%d", l.signer.Secret(), window, difficulty)
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:16]
}
