package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind identifies the event kind string. It doubles as the broker routing key.
type Kind string

// Event is the JSON-serializable domain event envelope.
type Event struct {
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlationId"`
}

// Stored is an event after the store has assigned its stream position.
//
// Sequence is scoped to StreamID. Position is a store-wide insertion order and is
// the only field safe to compare across streams.
type Stored struct {
	Event
	StreamID  string    `json:"streamId"`
	Sequence  uint64    `json:"sequence"`
	Position  uint64    `json:"position,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New marshals payload into an event envelope.
func New(kind Kind, payload any, correlationID string) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Event{Kind: kind, Payload: data, CorrelationID: strings.TrimSpace(correlationID)}, nil
}

// Decode unmarshals the payload into target.
func (e Event) Decode(target any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("decode %s: %w", e.Kind, ErrPayloadRequired)
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", e.Kind, err)
	}
	return nil
}

// Failure is the reason/message pair every failure event payload carries.
type Failure struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}
