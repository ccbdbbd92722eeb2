// Package service composes the protection mechanisms into the per-request
// decision pipeline: token bypass, behavior tracking, and the severity
// ladder of challenges.
package service

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/layer-3/citadel/challenge"
	"github.com/layer-3/citadel/circuit"
	"github.com/layer-3/citadel/core"
	"github.com/layer-3/citadel/ports"
	"github.com/layer-3/citadel/pow"
	"github.com/layer-3/citadel/token"
)

// Decision thresholds. The ordering is a severity ladder: a valid token is
// the cheapest exit, low reputation gets the most expensive gate (PoW),
// plain rate limiting gets a cheap solvable challenge, and endpoint
// diversity, the weakest single signal, gets the dual gate.
const (
	lowReputationThreshold    = 50
	attackReputationThreshold = 30
	rateLimitThreshold        = 30
	diversityThreshold        = 10

	// challengeCredit is the reputation reward for completing a challenge.
	challengeCredit = 10
)

// PoWDescriptor is the client-facing description of a required proof of
// work, either drawn pre-solved from the pool or derived from the current
// time window.
type PoWDescriptor struct {
	Type              string `json:"type"` // "pooled" or "time_based"
	ChallengeID       string `json:"challenge_id"`
	Challenge         string `json:"challenge,omitempty"`
	Difficulty        int    `json:"difficulty"`
	SolutionAvailable bool   `json:"solution_available"`
	Expires           int64  `json:"expires,omitempty"`
}

// Protection is the orchestrator deciding, per request, whether the client
// may proceed and which gate to interpose when not.
type Protection struct {
	tracker  *circuit.Tracker
	bucket   *token.Bucket
	chain    *challenge.Chain
	engine   *pow.Engine
	launcher *pow.Launcher
	pool     *pow.Pool
	events   ports.EventPublisher
	logger   zerolog.Logger
}

// NewProtection creates the orchestrator. events may be nil.
func NewProtection(
	tracker *circuit.Tracker,
	bucket *token.Bucket,
	chain *challenge.Chain,
	engine *pow.Engine,
	launcher *pow.Launcher,
	pool *pow.Pool,
	events ports.EventPublisher,
	logger zerolog.Logger,
) *Protection {
	return &Protection{
		tracker:  tracker,
		bucket:   bucket,
		chain:    chain,
		engine:   engine,
		launcher: launcher,
		pool:     pool,
		events:   events,
		logger:   logger.With().Str("component", "protection").Logger(),
	}
}

// CheckRequest classifies a request as allowed or in need of a specific
// challenge. A store failure denies fail-safe rather than allowing.
func (p *Protection) CheckRequest(ctx context.Context, req core.RequestInfo) core.Decision {
	circuitID := circuit.ID(req.UserAgent, req.AcceptLanguage, req.AcceptEncoding, req.SessionKey)

	if tok, ok := bearerToken(req.Authorization); ok {
		if p.bucket.Consume(ctx, tok, req.Path) {
			p.logger.Info().Str("path", req.Path).Msg("valid token consumed")
			decisionsTotal.WithLabelValues("allowed", "token").Inc()
			return core.Decision{Allowed: true, CircuitID: circuitID, Method: "token"}
		}
	}

	stats, err := p.tracker.Track(ctx, circuitID, req.Path)
	if err != nil {
		p.logger.Error().Err(err).Msg("behavior tracking failed, denying fail-safe")
		decisionsTotal.WithLabelValues("denied", core.ReasonProtectionError).Inc()
		return core.Decision{
			Allowed:   false,
			Reason:    core.ReasonProtectionError,
			Requires:  core.RequiresChallenge,
			CircuitID: circuitID,
		}
	}

	decision := core.Decision{
		CircuitID:  circuitID,
		Reputation: stats.Reputation,
	}

	switch {
	case stats.Reputation < lowReputationThreshold:
		p.logger.Warn().Str("circuit_id", circuitID).Int("reputation", stats.Reputation).Msg("low reputation circuit")
		decision.Reason = core.ReasonLowReputation
		decision.Requires = core.RequiresPoW

	case stats.ActionCount > rateLimitThreshold:
		decision.Reason = core.ReasonRateLimitCircuit
		decision.Requires = core.RequiresChallenge

	case stats.UniqueEndpoints > diversityThreshold:
		decision.Reason = core.ReasonSuspiciousPattern
		decision.Requires = core.RequiresDualChallenge

	default:
		decision.Allowed = true
		decisionsTotal.WithLabelValues("allowed", "clean").Inc()
		return decision
	}

	decisionsTotal.WithLabelValues("denied", decision.Reason).Inc()
	p.publishBlocked(ctx, circuitID, req.Path, decision.Reason)

	return decision
}

// IssueChallenge creates a math challenge bound to the request's session.
// The reason is the block reason that triggered the challenge; it travels on
// the issued event.
func (p *Protection) IssueChallenge(ctx context.Context, req core.RequestInfo, reason string) (challenge.Issued, error) {
	circuitID := circuit.ID(req.UserAgent, req.AcceptLanguage, req.AcceptEncoding, req.SessionKey)

	issued, err := p.chain.Generate(p.sessionID(req, circuitID), core.ChallengeTypeMath)
	if err != nil {
		return challenge.Issued{}, err
	}

	p.publishIssued(ctx, circuitID, core.ChallengeTypeMath, reason)
	p.logger.Info().Str("session", shortID(p.sessionID(req, circuitID))).Msg("issued math challenge")

	return issued, nil
}

// IssueDualChallenge creates a math challenge that additionally demands a
// captcha click before verification can mint a token. Reserved for circuits
// whose endpoint diversity looks like scanning.
func (p *Protection) IssueDualChallenge(ctx context.Context, req core.RequestInfo) (challenge.Issued, error) {
	circuitID := circuit.ID(req.UserAgent, req.AcceptLanguage, req.AcceptEncoding, req.SessionKey)

	issued, err := p.chain.GenerateDual(p.sessionID(req, circuitID))
	if err != nil {
		return challenge.Issued{}, err
	}

	p.publishIssued(ctx, circuitID, "dual", core.ReasonSuspiciousPattern)
	p.logger.Info().Str("session", shortID(p.sessionID(req, circuitID))).Msg("issued dual challenge")

	return issued, nil
}

// IssuePoWChallenge creates a proof-of-work requirement. A circuit that
// merely tripped a rate limit gets a pre-solved pool challenge when one is
// stocked; a circuit that looks actively hostile gets a harder time-window
// challenge instead.
func (p *Protection) IssuePoWChallenge(ctx context.Context, req core.RequestInfo) (PoWDescriptor, error) {
	circuitID := circuit.ID(req.UserAgent, req.AcceptLanguage, req.AcceptEncoding, req.SessionKey)

	reason := "rate_limit"
	difficulty := pow.DefaultDifficulty
	if p.tracker.Reputation(ctx, circuitID) < attackReputationThreshold {
		reason = "attack"
		difficulty = pow.AttackDifficulty
	}

	if reason != "attack" {
		if entry, err := p.pool.GetChallenge(ctx); err == nil && entry != nil {
			powPoolSize.Set(float64(p.pool.Len(ctx)))
			p.publishIssued(ctx, circuitID, core.ChallengeTypePoW, reason)

			return PoWDescriptor{
				Type:              "pooled",
				ChallengeID:       entry.ID,
				Challenge:         entry.Challenge,
				Difficulty:        entry.Difficulty,
				SolutionAvailable: true,
			}, nil
		}
	}

	timeChallenge, err := p.launcher.GenerateTimeBasedChallenge(ctx, difficulty)
	if err != nil {
		return PoWDescriptor{}, err
	}

	p.publishIssued(ctx, circuitID, core.ChallengeTypePoW, reason)

	return PoWDescriptor{
		Type:              "time_based",
		ChallengeID:       timeChallenge.ChallengeID,
		Difficulty:        timeChallenge.Difficulty,
		SolutionAvailable: timeChallenge.LauncherReady,
		Expires:           timeChallenge.Expires,
	}, nil
}

// VerifyChallengeResponse checks a math/pow chain response; success credits
// the circuit and returns the minted token.
func (p *Protection) VerifyChallengeResponse(ctx context.Context, req core.RequestInfo, data map[string]any, challengeHMAC, answer string) (bool, string) {
	circuitID := circuit.ID(req.UserAgent, req.AcceptLanguage, req.AcceptEncoding, req.SessionKey)

	ok, tok := p.chain.Verify(p.sessionID(req, circuitID), data, challengeHMAC, answer)
	if !ok {
		verificationsTotal.WithLabelValues("challenge", "failed").Inc()
		return false, ""
	}

	p.tracker.Credit(ctx, circuitID, challengeCredit)
	verificationsTotal.WithLabelValues("challenge", "ok").Inc()
	p.logger.Info().Str("session", shortID(p.sessionID(req, circuitID))).Msg("challenge completed")

	return true, tok
}

// VerifyPoWSolution checks a stateless engine solution (challenge string +
// signature + nonce); success credits the circuit and mints a token.
func (p *Protection) VerifyPoWSolution(ctx context.Context, req core.RequestInfo, powChallenge, signature, nonce string) (bool, string) {
	if !p.engine.VerifySolution(powChallenge, signature, nonce) {
		verificationsTotal.WithLabelValues("pow", "failed").Inc()
		return false, ""
	}
	return p.completePoW(ctx, req)
}

// VerifyLauncherSolution checks a pooled or time-window solution by
// challenge id; success credits the circuit and mints a token.
func (p *Protection) VerifyLauncherSolution(ctx context.Context, req core.RequestInfo, challengeID, nonce string) (bool, string) {
	if !p.launcher.VerifySolution(ctx, challengeID, nonce) {
		verificationsTotal.WithLabelValues("pow", "failed").Inc()
		return false, ""
	}
	return p.completePoW(ctx, req)
}

func (p *Protection) completePoW(ctx context.Context, req core.RequestInfo) (bool, string) {
	circuitID := circuit.ID(req.UserAgent, req.AcceptLanguage, req.AcceptEncoding, req.SessionKey)
	p.tracker.Credit(ctx, circuitID, challengeCredit)

	tok, err := p.bucket.Generate(p.sessionID(req, circuitID), map[string]any{
		"challenge_completed": core.ChallengeTypePoW,
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to mint token after pow")
		return false, ""
	}

	verificationsTotal.WithLabelValues("pow", "ok").Inc()
	return true, tok
}

// PoWSolution exposes the launcher's pre-computed solution for a challenge
// id, when one exists.
func (p *Protection) PoWSolution(ctx context.Context, challengeID string) (*pow.Solution, bool) {
	return p.launcher.CachedSolution(ctx, challengeID)
}

// sessionID prefers the real session key; anonymous clients fall back to
// their circuit id.
func (p *Protection) sessionID(req core.RequestInfo, circuitID string) string {
	if req.SessionKey != "" {
		return req.SessionKey
	}
	return circuitID
}

func (p *Protection) publishIssued(ctx context.Context, circuitID, challengeType, reason string) {
	if p.events == nil {
		return
	}
	if err := p.events.PublishChallengeIssued(ctx, circuitID, challengeType, reason); err != nil {
		p.logger.Warn().Err(err).Msg("failed to publish challenge event")
	}
}

func (p *Protection) publishBlocked(ctx context.Context, circuitID, path, reason string) {
	if p.events == nil {
		return
	}
	if err := p.events.PublishRequestBlocked(ctx, circuitID, path, reason); err != nil {
		p.logger.Warn().Err(err).Msg("failed to publish block event")
	}
}

func bearerToken(authorization string) (string, bool) {
	if !strings.HasPrefix(authorization, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(authorization, "Bearer "), true
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
