package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessagePayload is the strict enqueue contract for one inbound chat event.
// Ingestion boundaries (IRC adapter, webhook relay) must produce this shape;
// malformed payloads are rejected at enqueue or quarantined at claim time
// rather than failing deep inside the award path.
type MessagePayload struct {
	MessageID     string         `json:"message_id"`
	SenderID      string         `json:"sender_id"`
	Username      string         `json:"username,omitempty"`
	BroadcasterID string         `json:"broadcaster_id"`
	Content       string         `json:"content"`
	Emotes        []string       `json:"emotes,omitempty"`
	Badges        map[string]int `json:"badges,omitempty"`
	// Pre-resolved session hint from ingestion; the worker re-resolves when absent
	// and the reward engine always re-verifies liveness.
	SessionID   *int64    `json:"stream_session_id,omitempty"`
	SessionLive bool      `json:"session_live,omitempty"`
	SentAt      time.Time `json:"sent_at"`
}

// Validate checks the fields every consumer depends on.
func (p *MessagePayload) Validate() error {
	if p.MessageID == "" {
		return fmt.Errorf("payload missing message_id")
	}
	if p.SenderID == "" {
		return fmt.Errorf("payload missing sender_id")
	}
	if p.BroadcasterID == "" {
		return fmt.Errorf("payload missing broadcaster_id")
	}
	if p.SentAt.IsZero() {
		return fmt.Errorf("payload missing sent_at")
	}
	return nil
}

// IsSubscriber reports whether the badge set carries a subscriber (or founder) badge.
func (p *MessagePayload) IsSubscriber() bool { return HasSubscriberBadge(p.Badges) }

// HasSubscriberBadge reports whether a raw badge set carries a subscriber (or
// founder) badge. Founders keep subscriber benefits even though Twitch swaps
// their badge name.
func HasSubscriberBadge(badges map[string]int) bool {
	if _, ok := badges["subscriber"]; ok {
		return true
	}
	_, ok := badges["founder"]
	return ok
}

// ParsePayload decodes and validates a stored job payload.
func ParsePayload(raw []byte) (*MessagePayload, error) {
	var p MessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
