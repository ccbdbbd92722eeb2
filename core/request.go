package core

// RequestInfo carries the slice of an HTTP request the protection layer
// inspects. The transport layer fills it in; nothing here touches the
// network address on purpose, so the same identity logic works for
// anonymity-network clients.
type RequestInfo struct {
	Method         string
	Path           string
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
	Authorization  string
	SessionKey     string
}

// CircuitStats describes the recent behavior of one circuit.
type CircuitStats struct {
	CircuitID       string
	ActionCount     int64
	UniqueEndpoints int64
	Reputation      int
}

// Challenge kinds understood by the challenge chain.
const (
	ChallengeTypeMath = "math"
	ChallengeTypePoW  = "pow"
)

// Block reasons produced by the orchestrator.
const (
	ReasonLowReputation     = "low_reputation"
	ReasonRateLimitCircuit  = "rate_limit_circuit"
	ReasonSuspiciousPattern = "suspicious_pattern"

	// ReasonProtectionError marks the fail-safe denial used when the
	// shared store is unreachable and no decision can be made.
	ReasonProtectionError = "protection_error"
)

// Challenge requirements attached to a denial.
const (
	RequiresPoW           = "pow"
	RequiresChallenge     = "challenge"
	RequiresDualChallenge = "dual_challenge"
)

// Decision is the outcome of checking one request.
type Decision struct {
	Allowed    bool
	Reason     string // one of the Reason* constants when denied
	Requires   string // one of the Requires* constants when denied
	CircuitID  string
	Reputation int
	// Method is "token" when a bearer token admitted the request.
	Method string
}
