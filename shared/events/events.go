package events

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Envelope is the wire format every outbox publisher sends.
type Envelope struct {
	EventID        string          `json:"event_id"`
	TenantID       string          `json:"tenant_id"`
	OccurredAt     time.Time       `json:"occurred_at"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	SequenceNumber int64           `json:"sequence_number"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
}

const (
	EntityCard        = "card"
	EntityApplication = "application"
)

const (
	TopicCardEvents        = "card.events"
	TopicApplicationEvents = "application.events"
)

func Encode(env Envelope) ([]byte, error) {
	if strings.TrimSpace(env.EventID) == "" {
		return nil, errors.New("event_id is required")
	}
	return json.Marshal(env)
}

// StreamKey identifies the ordered stream an event belongs to. Brokers
// partition by it so per-entity order survives delivery.
func StreamKey(env Envelope) string {
	return env.TenantID + "/" + env.EntityType + "/" + env.EntityID
}

// TopicFor falls back to the card topic for unknown entity types.
func TopicFor(entityType string) string {
	switch entityType {
	case EntityApplication:
		return TopicApplicationEvents
	default:
		return TopicCardEvents
	}
}
