// Package command defines the command envelope carried on the command queues.
package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrKindRequired indicates a missing command kind.
	ErrKindRequired = errors.New("command kind is required")
	// ErrPayloadInvalid indicates malformed payload JSON.
	ErrPayloadInvalid = errors.New("payload json must be valid")
)

// Kind identifies the command kind string.
type Kind string

// Command captures the canonical command envelope.
type Command struct {
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlationId"`
}

// New marshals payload into a command envelope.
func New(kind Kind, payload any, correlationID string) (Command, error) {
	kind = Kind(strings.TrimSpace(string(kind)))
	if kind == "" {
		return Command{}, ErrKindRequired
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Command{Kind: kind, Payload: data, CorrelationID: strings.TrimSpace(correlationID)}, nil
}

// Decode unmarshals the command payload into target.
//
// An empty or non-object payload is reported as ErrPayloadInvalid; field level
// checks are left to the aggregate rules so that they surface as failure events.
func Decode(cmd Command, target any) error {
	payload := bytes.TrimSpace(cmd.Payload)
	if len(payload) == 0 || payload[0] != '{' {
		return fmt.Errorf("%s: %w", cmd.Kind, ErrPayloadInvalid)
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("%s: %w: %v", cmd.Kind, ErrPayloadInvalid, err)
	}
	return nil
}
