package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrKindRequired indicates a missing event kind.
	ErrKindRequired = errors.New("event kind is required")
	// ErrKindUnknown indicates an unregistered event kind.
	ErrKindUnknown = errors.New("event kind is not registered")
	// ErrPayloadRequired indicates an empty payload.
	ErrPayloadRequired = errors.New("event payload is required")
	// ErrPayloadInvalid indicates a payload that is not a JSON object.
	ErrPayloadInvalid = errors.New("event payload must be a json object")
	// ErrFailureFieldsRequired indicates a failure event without reason or message.
	ErrFailureFieldsRequired = errors.New("failure event payload requires reason and message")
)

// Outcome classifies an event as the success or failure result of an operation.
type Outcome string

const (
	// OutcomeSuccess marks a state-changing event.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailure marks a rule-violation event; it never changes state.
	OutcomeFailure Outcome = "failure"
)

// PayloadValidator validates a payload JSON document.
type PayloadValidator func(json.RawMessage) error

// Definition registers metadata for an event kind.
type Definition struct {
	Kind            Kind
	Outcome         Outcome
	ValidatePayload PayloadValidator
}

// Registry stores event definitions and validates events before append.
type Registry struct {
	definitions map[Kind]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[Kind]Definition)}
}

// Register adds a new event kind definition.
func (r *Registry) Register(def Definition) error {
	if r == nil {
		return errors.New("registry is required")
	}
	def.Kind = Kind(strings.TrimSpace(string(def.Kind)))
	if def.Kind == "" {
		return ErrKindRequired
	}
	switch def.Outcome {
	case OutcomeSuccess, OutcomeFailure:
	default:
		return fmt.Errorf("event %s: outcome must be success or failure", def.Kind)
	}
	if r.definitions == nil {
		r.definitions = make(map[Kind]Definition)
	}
	if _, exists := r.definitions[def.Kind]; exists {
		return fmt.Errorf("event kind already registered: %s", def.Kind)
	}
	r.definitions[def.Kind] = def
	return nil
}

// Definition returns the definition for kind.
func (r *Registry) Definition(kind Kind) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	def, ok := r.definitions[kind]
	return def, ok
}

// Kinds returns registered kinds in lexical order.
func (r *Registry) Kinds() []Kind {
	if r == nil {
		return nil
	}
	kinds := make([]Kind, 0, len(r.definitions))
	for kind := range r.definitions {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ValidateForAppend checks that evt is registered and well formed.
func (r *Registry) ValidateForAppend(evt Event) (Event, error) {
	if r == nil {
		return Event{}, errors.New("registry is required")
	}
	evt.Kind = Kind(strings.TrimSpace(string(evt.Kind)))
	if evt.Kind == "" {
		return Event{}, ErrKindRequired
	}
	def, ok := r.definitions[evt.Kind]
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrKindUnknown, evt.Kind)
	}
	payload := bytes.TrimSpace(evt.Payload)
	if len(payload) == 0 {
		return Event{}, fmt.Errorf("%s: %w", evt.Kind, ErrPayloadRequired)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return Event{}, fmt.Errorf("%s: %w", evt.Kind, ErrPayloadInvalid)
	}
	if def.Outcome == OutcomeFailure {
		var failure Failure
		if err := json.Unmarshal(payload, &failure); err != nil {
			return Event{}, fmt.Errorf("%s: %w", evt.Kind, ErrFailureFieldsRequired)
		}
		if strings.TrimSpace(failure.Reason) == "" || strings.TrimSpace(failure.Message) == "" {
			return Event{}, fmt.Errorf("%s: %w", evt.Kind, ErrFailureFieldsRequired)
		}
	}
	if def.ValidatePayload != nil {
		if err := def.ValidatePayload(payload); err != nil {
			return Event{}, fmt.Errorf("%s: %w", evt.Kind, err)
		}
	}
	evt.Payload = json.RawMessage(payload)
	return evt, nil
}
