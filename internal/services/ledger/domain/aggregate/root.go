package aggregate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/rule"
)

var (
	// ErrSequenceOutOfOrder indicates a replayed event whose sequence is not
	// greater than the last applied one.
	ErrSequenceOutOfOrder = errors.New("event sequence out of order")
	// ErrEventKindUnhandled indicates a fold received an event kind it does not know.
	ErrEventKindUnhandled = errors.New("event kind is not handled by aggregate")
	// ErrFoldRequired indicates a root constructed without a fold function.
	ErrFoldRequired = errors.New("fold function is required")
)

// Aggregate is the contract the repository and handlers depend on.
type Aggregate interface {
	ID() string
	BindID(id string)
	Version() uint64
	Apply(evt event.Event) error
	LoadFromHistory(events []event.Stored) error
	UncommittedEvents() []event.Event
	ClearEvents()
}

// Fold applies one event to state. It must be a pure function of its inputs.
type Fold[S any] func(S, event.Event) (S, error)

// Root is an embeddable aggregate base over state S.
type Root[S any] struct {
	state       S
	fold        Fold[S]
	id          string
	version     uint64
	uncommitted []event.Event
}

// NewRoot returns a root starting from initial state.
func NewRoot[S any](initial S, fold Fold[S]) Root[S] {
	return Root[S]{state: initial, fold: fold}
}

// ID returns the bound aggregate id.
func (r *Root[S]) ID() string { return r.id }

// BindID sets the aggregate id.
func (r *Root[S]) BindID(id string) { r.id = strings.TrimSpace(id) }

// Version returns the sequence of the last replayed event, or 0.
func (r *Root[S]) Version() uint64 { return r.version }

// State returns the current folded state.
func (r *Root[S]) State() S { return r.state }

// Apply folds evt into state without recording it.
func (r *Root[S]) Apply(evt event.Event) error {
	if r.fold == nil {
		return ErrFoldRequired
	}
	next, err := r.fold(r.state, evt)
	if err != nil {
		return err
	}
	r.state = next
	return nil
}

// Raise applies evt and appends it to the uncommitted list.
func (r *Root[S]) Raise(evt event.Event) error {
	if err := r.Apply(evt); err != nil {
		return err
	}
	r.uncommitted = append(r.uncommitted, evt)
	return nil
}

// LoadFromHistory replays stored events in order. It may be called more than
// once with consecutive slices of the same stream. Gaps are tolerated because an
// interrupted batch append can leave one; repeats and regressions are not.
func (r *Root[S]) LoadFromHistory(events []event.Stored) error {
	for _, stored := range events {
		if stored.Sequence <= r.version {
			return fmt.Errorf("%w: got %d after %d", ErrSequenceOutOfOrder, stored.Sequence, r.version)
		}
		if err := r.Apply(stored.Event); err != nil {
			return fmt.Errorf("replay sequence %d: %w", stored.Sequence, err)
		}
		r.version = stored.Sequence
	}
	r.uncommitted = nil
	return nil
}

// UncommittedEvents returns a copy of the events raised since the last clear.
func (r *Root[S]) UncommittedEvents() []event.Event {
	if len(r.uncommitted) == 0 {
		return nil
	}
	out := make([]event.Event, len(r.uncommitted))
	copy(out, r.uncommitted)
	return out
}

// ClearEvents drops the uncommitted list.
func (r *Root[S]) ClearEvents() { r.uncommitted = nil }

// Decision describes the two outcomes of an operation.
type Decision struct {
	Success     event.Event
	FailureKind event.Kind
	// Identifiers are copied into every failure payload next to reason and message.
	Identifiers map[string]any
}

// Decide raises the success event when violations is empty, otherwise one
// failure event per violation in order.
func (r *Root[S]) Decide(d Decision, violations []rule.Violation) error {
	if len(violations) == 0 {
		return r.Raise(d.Success)
	}
	for _, v := range violations {
		payload := make(map[string]any, len(d.Identifiers)+2)
		for key, value := range d.Identifiers {
			payload[key] = value
		}
		payload["reason"] = string(v.Reason)
		payload["message"] = v.Message
		evt, err := event.New(d.FailureKind, payload, d.Success.CorrelationID)
		if err != nil {
			return err
		}
		if err := r.Raise(evt); err != nil {
			return err
		}
	}
	return nil
}

// Unhandled returns the error folds use for unknown kinds.
func Unhandled(kind event.Kind) error {
	return fmt.Errorf("%w: %s", ErrEventKindUnhandled, kind)
}
