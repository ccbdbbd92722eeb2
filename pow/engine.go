// Package pow implements hash-prefix proof-of-work challenges, plus a
// time-windowed launcher and a pre-solved pool for handing out challenges
// whose verification is a single cache lookup.
package pow

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/layer-3/citadel/signer"
)

// ChallengeValidity is how long an issued challenge stays verifiable. The
// expiry is baked into the signed challenge string; letting time pass is the
// only cancellation path.
const ChallengeValidity = 5 * time.Minute

// Challenge is a difficulty-parameterized proof-of-work challenge. The
// Challenge string is "{id}:{timestamp}:{difficulty}" and carries all the
// state there is; Signature makes it tamper-evident.
type Challenge struct {
	Challenge  string `json:"challenge"`
	Signature  string `json:"signature"`
	Difficulty int    `json:"difficulty"`
	Timestamp  int64  `json:"timestamp"`
	Expires    int64  `json:"expires"`
}

// Engine generates and verifies proof-of-work challenges.
type Engine struct {
	signer *signer.Signer
	logger zerolog.Logger
}

// NewEngine creates a new proof-of-work engine
func NewEngine(sig *signer.Signer, logger zerolog.Logger) *Engine {
	return &Engine{
		signer: sig,
		logger: logger.With().Str("component", "pow").Logger(),
	}
}

// GenerateChallenge creates a signed challenge requiring difficulty leading
// zero hex characters. Difficulty 0 trivially succeeds and exists for tests
// only; production issuance paths never use it.
func (e *Engine) GenerateChallenge(difficulty int) (Challenge, error) {
	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return Challenge{}, fmt.Errorf("failed to generate challenge id: %w", err)
	}

	timestamp := time.Now().Unix()
	challenge := fmt.Sprintf("%s:%d:%d", hex.EncodeToString(idBytes), timestamp, difficulty)

	return Challenge{
		Challenge:  challenge,
		Signature:  e.signer.Sign(challenge),
		Difficulty: difficulty,
		Timestamp:  timestamp,
		Expires:    timestamp + int64(ChallengeValidity.Seconds()),
	}, nil
}

// VerifySolution checks that the challenge is authentic, unexpired, and that
// sha256("{challenge}:{nonce}") meets the embedded difficulty. The hash is
// always recomputed; nothing client-supplied is trusted beyond the nonce.
func (e *Engine) VerifySolution(challenge, signature, nonce string) bool {
	if !e.signer.Verify(challenge, signature) {
		e.logger.Warn().Msg("invalid pow challenge signature")
		return false
	}

	parts := strings.Split(challenge, ":")
	if len(parts) != 3 {
		e.logger.Warn().Msg("malformed pow challenge")
		return false
	}

	timestamp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		e.logger.Warn().Msg("malformed pow challenge timestamp")
		return false
	}

	difficulty, err := strconv.Atoi(parts[2])
	if err != nil || difficulty < 0 {
		e.logger.Warn().Msg("malformed pow challenge difficulty")
		return false
	}

	if time.Now().Unix() > timestamp+int64(ChallengeValidity.Seconds()) {
		e.logger.Warn().Msg("expired pow challenge")
		return false
	}

	hash := solutionHash(challenge, nonce)
	if !meetsDifficulty(hash, difficulty) {
		return false
	}

	e.logger.Info().Str("hash", hash[:8]).Msg("valid pow solution")
	return true
}

func solutionHash(challenge, nonce string) string {
	sum := sha256.Sum256([]byte(challenge + ":" + nonce))
	return hex.EncodeToString(sum[:])
}

// meetsDifficulty reports whether hash has at least difficulty leading '0'
// hex characters. A difficulty of 0 is an empty prefix check and always
// passes.
func meetsDifficulty(hash string, difficulty int) bool {
	if difficulty > len(hash) {
		return false
	}
	return strings.HasPrefix(hash, strings.Repeat("0", difficulty))
}
