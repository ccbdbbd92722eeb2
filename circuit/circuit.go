// Package circuit derives a pseudo-identity for clients whose network
// address is deliberately unusable (anonymity networks), and tracks a
// decaying reputation per identity in the shared store.
package circuit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/layer-3/citadel/core"
	"github.com/layer-3/citadel/ports"
)

const (
	// DefaultReputation is where a fresh circuit starts.
	DefaultReputation = 100

	// ReputationTTL lets a dormant circuit be forgotten.
	ReputationTTL = time.Hour

	// windowTTL keeps per-minute counters alive long enough to span two
	// adjacent windows.
	windowTTL = 2 * time.Minute

	// Behavior thresholds. Crossing them decays reputation; staying under
	// them slowly recovers it.
	highVolumeThreshold    = 50
	highDiversityThreshold = 15
)

// ID derives the circuit identity from request headers and the session key.
// The network address is excluded on purpose: circuits of anonymity-network
// clients change it constantly, and using it would also deanonymize them in
// logs.
func ID(userAgent, acceptLanguage, acceptEncoding, sessionKey string) string {
	fingerprint := strings.Join([]string{userAgent, acceptLanguage, acceptEncoding, sessionKey}, ":")
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])[:16]
}

// Tracker maintains per-circuit behavior counters and reputation.
type Tracker struct {
	store  ports.Store
	logger zerolog.Logger
}

// NewTracker creates a new circuit tracker
func NewTracker(store ports.Store, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		logger: logger.With().Str("component", "circuit").Logger(),
	}
}

// Track records one observation for the circuit and returns its updated
// stats. Counters use the store's atomic increment so concurrent requests
// never undercount against the thresholds.
func (t *Tracker) Track(ctx context.Context, circuitID, endpoint string) (core.CircuitStats, error) {
	window := time.Now().Unix() / 60

	actionKey := fmt.Sprintf("circuit:%s:actions:%d", circuitID, window)
	actionCount, err := t.store.Increment(ctx, actionKey, windowTTL)
	if err != nil {
		return core.CircuitStats{}, fmt.Errorf("failed to count circuit actions: %w", err)
	}

	endpointKey := fmt.Sprintf("circuit:%s:endpoints:%d", circuitID, window)
	uniqueEndpoints, err := t.store.AddToSet(ctx, endpointKey, endpoint, windowTTL)
	if err != nil {
		return core.CircuitStats{}, fmt.Errorf("failed to track circuit endpoints: %w", err)
	}

	reputation := t.Reputation(ctx, circuitID)

	switch {
	case actionCount > highVolumeThreshold:
		reputation -= 10
	case uniqueEndpoints > highDiversityThreshold:
		reputation -= 5
	default:
		reputation++
	}
	reputation = clamp(reputation)

	if err := t.setReputation(ctx, circuitID, reputation); err != nil {
		return core.CircuitStats{}, err
	}

	return core.CircuitStats{
		CircuitID:       circuitID,
		ActionCount:     actionCount,
		UniqueEndpoints: uniqueEndpoints,
		Reputation:      reputation,
	}, nil
}

// Reputation reads the circuit's current score, defaulting a fresh or
// forgotten circuit to full trust.
func (t *Tracker) Reputation(ctx context.Context, circuitID string) int {
	raw, err := t.store.Get(ctx, reputationKey(circuitID))
	if err != nil {
		return DefaultReputation
	}

	reputation, err := strconv.Atoi(raw)
	if err != nil {
		t.logger.Warn().Str("circuit_id", circuitID).Msg("corrupt reputation value")
		return DefaultReputation
	}

	return clamp(reputation)
}

// Credit raises the circuit's reputation, capped at 100. Used when a
// challenge is completed.
func (t *Tracker) Credit(ctx context.Context, circuitID string, delta int) {
	reputation := clamp(t.Reputation(ctx, circuitID) + delta)
	if err := t.setReputation(ctx, circuitID, reputation); err != nil {
		t.logger.Warn().Err(err).Str("circuit_id", circuitID).Msg("failed to credit reputation")
	}
}

func (t *Tracker) setReputation(ctx context.Context, circuitID string, reputation int) error {
	if err := t.store.Set(ctx, reputationKey(circuitID), strconv.Itoa(reputation), ReputationTTL); err != nil {
		return fmt.Errorf("failed to store reputation: %w", err)
	}
	return nil
}

func reputationKey(circuitID string) string {
	return "circuit:" + circuitID + ":reputation"
}

func clamp(reputation int) int {
	if reputation < 0 {
		return 0
	}
	if reputation > 100 {
		return 100
	}
	return reputation
}
