package ports

import "context"

// EventPublisher notifies other instances about security-relevant moments.
// Publishing is best effort: failures are logged by callers, never surfaced
// to the client.
type EventPublisher interface {
	PublishChallengeIssued(ctx context.Context, circuitID, challengeType, reason string) error
	PublishRequestBlocked(ctx context.Context, circuitID, path, reason string) error
	PublishTokenReplay(ctx context.Context, tokenHash, action string) error
}
