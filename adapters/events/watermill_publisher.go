package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/layer-3/citadel/ports"
)

// Topics published by the protection layer.
const (
	ChallengeIssuedTopic = "security.challenge.issued"
	RequestBlockedTopic  = "security.request.blocked"
	TokenReplayTopic     = "security.token.replay"
)

// ChallengeIssuedEvent records that a circuit was handed a challenge.
type ChallengeIssuedEvent struct {
	CircuitID     string `json:"circuit_id"`
	ChallengeType string `json:"challenge_type"`
	Reason        string `json:"reason"`
	IssuedAt      int64  `json:"issued_at"`
}

// RequestBlockedEvent records a denied request.
type RequestBlockedEvent struct {
	CircuitID string `json:"circuit_id"`
	Path      string `json:"path"`
	Reason    string `json:"reason"`
	BlockedAt int64  `json:"blocked_at"`
}

// TokenReplayEvent records an attempted reuse of a consumed token. The raw
// token never leaves the process; only its hash prefix is published.
type TokenReplayEvent struct {
	TokenHash  string `json:"token_hash"`
	Action     string `json:"action"`
	DetectedAt int64  `json:"detected_at"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) ports.EventPublisher {
	return &WatermillPublisher{publisher: publisher}
}

func (p *WatermillPublisher) PublishChallengeIssued(ctx context.Context, circuitID, challengeType, reason string) error {
	return p.publish(ChallengeIssuedTopic, ChallengeIssuedEvent{
		CircuitID:     circuitID,
		ChallengeType: challengeType,
		Reason:        reason,
		IssuedAt:      time.Now().Unix(),
	})
}

func (p *WatermillPublisher) PublishRequestBlocked(ctx context.Context, circuitID, path, reason string) error {
	return p.publish(RequestBlockedTopic, RequestBlockedEvent{
		CircuitID: circuitID,
		Path:      path,
		Reason:    reason,
		BlockedAt: time.Now().Unix(),
	})
}

func (p *WatermillPublisher) PublishTokenReplay(ctx context.Context, tokenHash, action string) error {
	return p.publish(TokenReplayTopic, TokenReplayEvent{
		TokenHash:  tokenHash,
		Action:     action,
		DetectedAt: time.Now().Unix(),
	})
}

func (p *WatermillPublisher) publish(topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(uuid.New().String(), payload)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
