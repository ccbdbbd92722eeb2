package signer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/citadel/core"
	"github.com/layer-3/citadel/signer"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewRejectsShortSecret(t *testing.T) {
	_, err := signer.New("too-short")
	require.ErrorIs(t, err, core.ErrSecretTooShort)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s, err := signer.New(testSecret)
	require.NoError(t, err)

	payload := `{"a":1,"b":"two"}`
	sig := s.Sign(payload)

	assert.Len(t, sig, 64)
	assert.True(t, s.Verify(payload, sig))
}

func TestVerifyRejectsMutations(t *testing.T) {
	s, err := signer.New(testSecret)
	require.NoError(t, err)

	payload := "challenge:1700000000:4"
	sig := s.Sign(payload)

	assert.False(t, s.Verify(payload+" ", sig), "mutated payload must not verify")
	assert.False(t, s.Verify("Challenge:1700000000:4", sig), "case flip must not verify")

	mutated := []byte(sig)
	if mutated[0] == '0' {
		mutated[0] = '1'
	} else {
		mutated[0] = '0'
	}
	assert.False(t, s.Verify(payload, string(mutated)), "mutated signature must not verify")
	assert.False(t, s.Verify(payload, ""), "empty signature must not verify")
}

func TestDifferentSecretsDisagree(t *testing.T) {
	s1, err := signer.New(testSecret)
	require.NoError(t, err)
	s2, err := signer.New("fedcba9876543210fedcba9876543210")
	require.NoError(t, err)

	payload := "payload"
	assert.False(t, s2.Verify(payload, s1.Sign(payload)))
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a, err := signer.CanonicalJSON(map[string]any{"b": 2, "a": 1, "c": "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":"x"}`, a)
}

func TestCanonicalJSONStructAndMapAgree(t *testing.T) {
	type payload struct {
		Zeta  string `json:"zeta"`
		Alpha int    `json:"alpha"`
	}

	fromStruct, err := signer.CanonicalJSON(payload{Zeta: "z", Alpha: 7})
	require.NoError(t, err)

	fromMap, err := signer.CanonicalJSON(map[string]any{"alpha": 7, "zeta": "z"})
	require.NoError(t, err)

	assert.Equal(t, fromStruct, fromMap)
}

func TestCanonicalJSONIntegersSurviveRoundTrip(t *testing.T) {
	out, err := signer.CanonicalJSON(map[string]any{"ts": int64(1756500000), "n": 42})
	require.NoError(t, err)
	assert.Equal(t, `{"n":42,"ts":1756500000}`, out)
}
