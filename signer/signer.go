// Package signer provides HMAC signing over canonical payloads. Every other
// protection component builds its stateless artifacts on top of it: a signed
// payload needs no server-side record to be trusted later.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/layer-3/citadel/core"
)

// MinSecretLength is the smallest accepted server secret. Anything shorter
// makes offline HMAC brute force practical.
const MinSecretLength = 32

// Signer signs and verifies canonical payloads with a server-held secret.
// The secret must be shared across all instances that validate each other's
// challenges and tokens.
type Signer struct {
	secret []byte
}

// New creates a Signer. The secret must have adequate entropy.
func New(secret string) (*Signer, error) {
	if len(secret) < MinSecretLength {
		return nil, core.ErrSecretTooShort
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign returns the hex SHA-256 HMAC of the payload.
func (s *Signer) Sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the payload. The comparison is
// constant time.
func (s *Signer) Verify(payload, signature string) bool {
	expected := s.Sign(payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Secret exposes the raw key for components that derive deterministic values
// from it (the time-window PoW launcher).
func (s *Signer) Secret() []byte {
	return s.secret
}

// CanonicalJSON serializes v with object keys sorted, so that signing and
// verifying sides always produce byte-identical payloads regardless of the
// field order they assembled the value in.
func CanonicalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	// Round-trip through an untyped value: encoding/json emits map keys in
	// sorted order, which is the canonical form.
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return "", fmt.Errorf("failed to normalize payload: %w", err)
	}

	canonical, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to marshal canonical payload: %w", err)
	}

	return string(canonical), nil
}
