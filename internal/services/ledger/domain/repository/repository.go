// Package repository loads aggregates by replaying their streams and saves the
// events they raise.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/aggregate"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
)

var (
	// ErrMissingAggregateID indicates a save without a bound aggregate id.
	ErrMissingAggregateID = errors.New("aggregate id is required")
	// ErrEventStoreRequired indicates a repository without a store.
	ErrEventStoreRequired = errors.New("event store is required")
	// ErrFactoryRequired indicates a load without a factory.
	ErrFactoryRequired = errors.New("aggregate factory is required")
)

// EventStore is the subset of the event store the repository needs.
type EventStore interface {
	AppendToStream(ctx context.Context, streamID string, events []event.Event) ([]event.Stored, error)
	LoadStream(ctx context.Context, streamID string, from uint64) ([]event.Stored, error)
}

// Repository maps aggregate ids of one type onto prefixed streams.
type Repository[A aggregate.Aggregate] struct {
	store        EventStore
	streamPrefix string
}

// New returns a repository storing aggregates under streamPrefix+id.
func New[A aggregate.Aggregate](store EventStore, streamPrefix string) *Repository[A] {
	return &Repository[A]{store: store, streamPrefix: streamPrefix}
}

// StreamID returns the stream holding aggregate id.
func (r *Repository[A]) StreamID(id string) string {
	return r.streamPrefix + strings.TrimSpace(id)
}

// Load builds a fresh aggregate and replays its full history.
func (r *Repository[A]) Load(ctx context.Context, id string, factory func() A) (A, error) {
	var zero A
	if r == nil || r.store == nil {
		return zero, ErrEventStoreRequired
	}
	if factory == nil {
		return zero, ErrFactoryRequired
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return zero, ErrMissingAggregateID
	}
	agg := factory()
	history, err := r.store.LoadStream(ctx, r.StreamID(id), 0)
	if err != nil {
		return zero, fmt.Errorf("load stream %s: %w", r.StreamID(id), err)
	}
	if err := agg.LoadFromHistory(history); err != nil {
		return zero, fmt.Errorf("replay stream %s: %w", r.StreamID(id), err)
	}
	agg.BindID(id)
	return agg, nil
}

// Save appends the aggregate's uncommitted events in one store call. It does
// not clear them; the handler does that once they are published.
func (r *Repository[A]) Save(ctx context.Context, agg A) ([]event.Stored, error) {
	if r == nil || r.store == nil {
		return nil, ErrEventStoreRequired
	}
	if strings.TrimSpace(agg.ID()) == "" {
		return nil, ErrMissingAggregateID
	}
	pending := agg.UncommittedEvents()
	if len(pending) == 0 {
		return nil, nil
	}
	stored, err := r.store.AppendToStream(ctx, r.StreamID(agg.ID()), pending)
	if err != nil {
		return stored, fmt.Errorf("append stream %s: %w", r.StreamID(agg.ID()), err)
	}
	return stored, nil
}
