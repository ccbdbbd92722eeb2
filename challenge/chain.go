// Package challenge implements the stateless HMAC challenge chain: math and
// proof-of-work challenges whose only server-side state is their own signed
// payload, and which mint a blind token on success.
package challenge

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/layer-3/citadel/core"
	"github.com/layer-3/citadel/pow"
	"github.com/layer-3/citadel/signer"
	"github.com/layer-3/citadel/token"
)

// Validity is how long an issued challenge can be answered. Challenges carry
// no consumption state: an unexpired challenge verifies as many times as it
// is submitted. That asymmetry with tokens is intentional: the token minted
// on first success is the artifact replay protection applies to.
const Validity = 5 * time.Minute

// Issued is the client-facing form of a challenge: the payload with secret
// fields stripped, and the signature computed over the full payload.
type Issued struct {
	Challenge map[string]any `json:"challenge"`
	HMAC      string         `json:"hmac"`
	Expires   int64          `json:"expires"`
}

// Chain issues and verifies stateless challenges.
type Chain struct {
	signer *signer.Signer
	engine *pow.Engine
	bucket *token.Bucket
	logger zerolog.Logger
}

// NewChain creates a new challenge chain
func NewChain(sig *signer.Signer, engine *pow.Engine, bucket *token.Bucket, logger zerolog.Logger) *Chain {
	return &Chain{
		signer: sig,
		engine: engine,
		bucket: bucket,
		logger: logger.With().Str("component", "challenge_chain").Logger(),
	}
}

// Generate issues a challenge of the given type. The operands of a math
// challenge travel as structured signed fields next to the rendered question,
// so verification never has to parse the question text back apart.
func (c *Chain) Generate(sessionID, challengeType string) (Issued, error) {
	return c.generate(sessionID, challengeType, false)
}

// GenerateDual issues a math challenge whose signed payload also demands a
// captcha click. The marker is covered by the signature, so a client cannot
// strip it to downgrade the dual gate to math alone.
func (c *Chain) GenerateDual(sessionID string) (Issued, error) {
	return c.generate(sessionID, core.ChallengeTypeMath, true)
}

func (c *Chain) generate(sessionID, challengeType string, requiresCaptcha bool) (Issued, error) {
	timestamp := time.Now().Unix()

	nonceBytes := make([]byte, 8)
	if _, err := rand.Read(nonceBytes); err != nil {
		return Issued{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceBytes)

	var data map[string]any

	switch challengeType {
	case core.ChallengeTypeMath:
		op1, op2, operator := randomOperands()
		answer := applyOperator(op1, op2, operator)

		data = map[string]any{
			"type":       core.ChallengeTypeMath,
			"session_id": sessionID,
			"timestamp":  timestamp,
			"nonce":      nonce,
			"op1":        op1,
			"op2":        op2,
			"operator":   operator,
			"question":   fmt.Sprintf("%d %s %d", op1, operator, op2),
			"answer":     answer,
		}

	case core.ChallengeTypePoW:
		powChallenge, err := c.engine.GenerateChallenge(pow.DefaultDifficulty)
		if err != nil {
			return Issued{}, err
		}

		data = map[string]any{
			"type":       core.ChallengeTypePoW,
			"session_id": sessionID,
			"timestamp":  timestamp,
			"nonce":      nonce,
			"pow_data": map[string]any{
				"challenge":  powChallenge.Challenge,
				"signature":  powChallenge.Signature,
				"difficulty": powChallenge.Difficulty,
				"timestamp":  powChallenge.Timestamp,
				"expires":    powChallenge.Expires,
			},
		}

	default:
		return Issued{}, core.ErrUnknownChallengeType
	}

	if requiresCaptcha {
		data["requires_captcha"] = true
	}

	// The signature covers the full payload, answer included. The client
	// only ever sees the stripped copy.
	payloadJSON, err := signer.CanonicalJSON(data)
	if err != nil {
		return Issued{}, err
	}

	public := make(map[string]any, len(data))
	for k, v := range data {
		if k == "answer" {
			continue
		}
		public[k] = v
	}

	return Issued{
		Challenge: public,
		HMAC:      c.signer.Sign(payloadJSON),
		Expires:   timestamp + int64(Validity.Seconds()),
	}, nil
}

// RequiresCaptcha reports whether a challenge payload demands a captcha click
// alongside its answer. Callers must still run the payload through Verify;
// the marker only says which extra gate to enforce first.
func RequiresCaptcha(data map[string]any) bool {
	required, _ := data["requires_captcha"].(bool)
	return required
}

// Verify checks a challenge response without any stored state, and mints a
// blind token on success. Expired, mismatched, malformed, or forged input
// all come back as a plain failure.
func (c *Chain) Verify(sessionID string, data map[string]any, challengeHMAC, userAnswer string) (bool, string) {
	timestamp, ok := intField(data, "timestamp")
	if !ok {
		c.logger.Warn().Msg("challenge missing timestamp")
		return false, ""
	}

	if time.Now().Unix() > timestamp+int64(Validity.Seconds()) {
		c.logger.Warn().Msg("expired challenge")
		return false, ""
	}

	if sid, _ := data["session_id"].(string); sid != sessionID {
		c.logger.Warn().Msg("session mismatch in challenge")
		return false, ""
	}

	challengeType, _ := data["type"].(string)

	switch challengeType {
	case core.ChallengeTypeMath:
		if !c.verifyMath(data, challengeHMAC, userAnswer) {
			return false, ""
		}

	case core.ChallengeTypePoW:
		if !c.verifyPoW(data, userAnswer) {
			return false, ""
		}

	default:
		c.logger.Warn().Str("type", challengeType).Msg("unknown challenge type")
		return false, ""
	}

	next, err := c.bucket.Generate(sessionID, map[string]any{
		"challenge_completed": challengeType,
		"timestamp":           time.Now().Unix(),
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to mint token after challenge")
		return false, ""
	}

	return true, next
}

func (c *Chain) verifyMath(data map[string]any, challengeHMAC, userAnswer string) bool {
	op1, ok1 := intField(data, "op1")
	op2, ok2 := intField(data, "op2")
	operator, ok3 := data["operator"].(string)
	if !ok1 || !ok2 || !ok3 {
		c.logger.Warn().Msg("malformed math challenge")
		return false
	}

	answer := applyOperator(int(op1), int(op2), operator)

	given, err := strconv.Atoi(strings.TrimSpace(userAnswer))
	if err != nil || given != answer {
		c.logger.Warn().Msg("incorrect challenge answer")
		return false
	}

	// Reconstruct the full payload the server originally signed.
	full := make(map[string]any, len(data)+1)
	for k, v := range data {
		full[k] = v
	}
	full["answer"] = answer

	payloadJSON, err := signer.CanonicalJSON(full)
	if err != nil {
		c.logger.Warn().Err(err).Msg("challenge canonicalization failed")
		return false
	}

	if !c.signer.Verify(payloadJSON, challengeHMAC) {
		c.logger.Warn().Msg("invalid challenge hmac")
		return false
	}

	return true
}

func (c *Chain) verifyPoW(data map[string]any, nonce string) bool {
	powData, ok := data["pow_data"].(map[string]any)
	if !ok {
		c.logger.Warn().Msg("malformed pow challenge data")
		return false
	}

	powChallenge, _ := powData["challenge"].(string)
	powSignature, _ := powData["signature"].(string)

	return c.engine.VerifySolution(powChallenge, powSignature, nonce)
}

// randomOperands picks two operands in [10, 99] and an operator. Subtraction
// swaps the operands so the answer is never negative; the swap happens before
// the payload is built, so signing and verification see identical fields.
func randomOperands() (int, int, string) {
	op1 := randomInt(10, 99)
	op2 := randomInt(10, 99)
	operator := []string{"+", "-", "×"}[randomInt(0, 2)]

	if operator == "-" && op1 < op2 {
		op1, op2 = op2, op1
	}

	return op1, op2, operator
}

func applyOperator(op1, op2 int, operator string) int {
	switch operator {
	case "+":
		return op1 + op2
	case "-":
		return op1 - op2
	default: // ×
		return op1 * op2
	}
}

func randomInt(min, max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max-min+1)))
	if err != nil {
		return min
	}
	return min + int(n.Int64())
}

func intField(data map[string]any, key string) (int64, bool) {
	switch v := data[key].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}
