// Package token implements the blind token bucket: self-contained bearer
// credentials proving a client recently passed a challenge, verified without
// the issuer remembering having issued them.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/layer-3/citadel/ports"
	"github.com/layer-3/citadel/signer"
)

// Validity is how long an issued token stays usable.
const Validity = time.Hour

const usedKeyPrefix = "token:used:"

// Payload is the signed content of a blind token.
type Payload struct {
	SessionID string         `json:"session_id"`
	IssuedAt  int64          `json:"issued_at"`
	ExpiresAt int64          `json:"expires_at"`
	Metadata  map[string]any `json:"metadata"`
}

// Bucket issues and consumes blind tokens. One token may authorize many
// distinct actions, but each (token, action) pair is single use. That trades
// a little reuse risk for not re-challenging a verified human on every
// endpoint.
type Bucket struct {
	signer *signer.Signer
	store  ports.Store
	events ports.EventPublisher
	logger zerolog.Logger

	// now is swappable so expiry boundaries can be pinned in tests.
	now func() time.Time
}

// NewBucket creates a new token bucket. events may be nil.
func NewBucket(sig *signer.Signer, store ports.Store, events ports.EventPublisher, logger zerolog.Logger) *Bucket {
	return &Bucket{
		signer: sig,
		store:  store,
		events: events,
		logger: logger.With().Str("component", "token_bucket").Logger(),
		now:    time.Now,
	}
}

// Generate issues a signed bearer token for the session.
func (b *Bucket) Generate(sessionID string, metadata map[string]any) (string, error) {
	now := b.now().Unix()

	if metadata == nil {
		metadata = map[string]any{}
	}

	payload := Payload{
		SessionID: sessionID,
		IssuedAt:  now,
		ExpiresAt: now + int64(Validity.Seconds()),
		Metadata:  metadata,
	}

	payloadJSON, err := signer.CanonicalJSON(payload)
	if err != nil {
		return "", err
	}

	combined := payloadJSON + ":" + b.signer.Sign(payloadJSON)

	return base64.URLEncoding.EncodeToString([]byte(combined)), nil
}

// Verify decodes and checks a token. Expiry is strict: a token whose
// expires_at equals the current second is still valid, one second past is
// not. Any decoding problem is a verification failure, never an error.
func (b *Bucket) Verify(tok string) (bool, *Payload) {
	decoded, err := base64.URLEncoding.DecodeString(tok)
	if err != nil {
		b.logger.Warn().Msg("malformed token encoding")
		return false, nil
	}

	// The payload JSON contains colons, so the signature is everything
	// after the last one.
	idx := strings.LastIndex(string(decoded), ":")
	if idx < 0 {
		b.logger.Warn().Msg("malformed token structure")
		return false, nil
	}

	payloadJSON, sig := string(decoded[:idx]), string(decoded[idx+1:])

	if !b.signer.Verify(payloadJSON, sig) {
		b.logger.Warn().Msg("invalid token signature")
		return false, nil
	}

	var payload Payload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		b.logger.Warn().Msg("malformed token payload")
		return false, nil
	}

	if b.now().Unix() > payload.ExpiresAt {
		b.logger.Warn().Msg("expired token")
		return false, nil
	}

	return true, &payload
}

// Consume spends the token for one action. Reuse of the same (token, action)
// pair is rejected and reported as a replay, distinctly from plain
// invalidity, since it indicates either double submission or an attack.
func (b *Bucket) Consume(ctx context.Context, tok, action string) bool {
	valid, payload := b.Verify(tok)
	if !valid {
		return false
	}

	usedKey := usedKeyPrefix + Hash(tok) + ":" + action

	if _, err := b.store.Get(ctx, usedKey); err == nil {
		b.logger.Warn().Str("action", action).Msg("token replay rejected")
		if b.events != nil {
			if err := b.events.PublishTokenReplay(ctx, Hash(tok), action); err != nil {
				b.logger.Warn().Err(err).Msg("failed to publish replay event")
			}
		}
		return false
	}

	// A token consumed at its expiry second would compute a zero TTL, which
	// the stores treat as "no expiry"; keep the key around at least briefly.
	ttl := time.Duration(payload.ExpiresAt-b.now().Unix()) * time.Second
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := b.store.Set(ctx, usedKey, "1", ttl); err != nil {
		// Fail closed: without the consumption record the same token could
		// authorize the action twice.
		b.logger.Error().Err(err).Msg("failed to record token consumption")
		return false
	}

	return true
}

// Hash returns the 16 hex character digest prefix identifying a token in
// cache keys and events without exposing the token itself.
func Hash(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])[:16]
}
