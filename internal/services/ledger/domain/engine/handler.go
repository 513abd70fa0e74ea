package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/aggregate"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/repository"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrPublishFailed indicates events were stored but at least one was not
	// published. The stored events are not retried by the handler.
	ErrPublishFailed = errors.New("publish after save failed")
	// ErrRepositoryRequired indicates a handler without a repository.
	ErrRepositoryRequired = errors.New("repository is required")
	// ErrPublisherRequired indicates direct publishing without a publisher.
	ErrPublisherRequired = errors.New("publisher is required")
	// ErrOperationRequired indicates a handler missing its id extractor or operation.
	ErrOperationRequired = errors.New("aggregate id extractor and operation are required")
)

// PublishMode selects who publishes stored events.
type PublishMode string

const (
	// PublishDirect publishes from the handler right after save. A publish
	// failure leaves the stored events undelivered.
	PublishDirect PublishMode = "direct"
	// PublishOutbox leaves publishing to the outbox relay; the store records an
	// outbox row with each event.
	PublishOutbox PublishMode = "outbox"
)

// ParsePublishMode maps a config value to a mode. Empty means direct.
func ParsePublishMode(value string) (PublishMode, error) {
	switch PublishMode(strings.ToLower(strings.TrimSpace(value))) {
	case "", PublishDirect:
		return PublishDirect, nil
	case PublishOutbox:
		return PublishOutbox, nil
	default:
		return "", fmt.Errorf("unknown publish mode %q", value)
	}
}

// Publisher publishes one domain event.
type Publisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

// AggregateHandler runs one aggregate type's commands.
type AggregateHandler[A aggregate.Aggregate] struct {
	Repository *repository.Repository[A]
	Factory    func() A
	// AggregateID extracts the target id from the command payload.
	AggregateID func(command.Command) (string, error)
	// Execute runs the aggregate operation for the command.
	Execute   func(A, command.Command) error
	Events    *event.Registry
	Publisher Publisher
	Mode      PublishMode
	Tracer    trace.Tracer
}

// Handle loads the aggregate, runs the command, saves the raised events and
// publishes them. Events are cleared only after every publish succeeded.
func (h AggregateHandler[A]) Handle(ctx context.Context, cmd command.Command) (Result, error) {
	if h.Repository == nil {
		return Result{}, ErrRepositoryRequired
	}
	if h.AggregateID == nil || h.Execute == nil {
		return Result{}, ErrOperationRequired
	}
	if h.Mode != PublishOutbox && h.Publisher == nil {
		return Result{}, ErrPublisherRequired
	}
	tracer := tracerOrNoop(h.Tracer)

	aggregateID, err := h.AggregateID(cmd)
	if err != nil {
		return Result{}, err
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return Result{}, fmt.Errorf("%s: %w", cmd.Kind, repository.ErrMissingAggregateID)
	}
	result := Result{AggregateID: aggregateID}

	loadCtx, span := tracer.Start(ctx, "ledger.load", trace.WithAttributes(
		attribute.String("ledger.stream_id", h.Repository.StreamID(aggregateID)),
	))
	agg, err := h.Repository.Load(loadCtx, aggregateID, h.Factory)
	endSpan(span, err)
	if err != nil {
		return result, err
	}

	if err := h.Execute(agg, cmd); err != nil {
		return result, err
	}

	pending := agg.UncommittedEvents()
	if h.Events != nil {
		for _, evt := range pending {
			if _, err := h.Events.ValidateForAppend(evt); err != nil {
				return result, err
			}
		}
	}

	saveCtx, span := tracer.Start(ctx, "ledger.save", trace.WithAttributes(
		attribute.Int("ledger.events", len(pending)),
	))
	stored, err := h.Repository.Save(saveCtx, agg)
	endSpan(span, err)
	result.Events = stored
	if err != nil {
		return result, err
	}

	if h.Mode != PublishOutbox {
		for _, evt := range agg.UncommittedEvents() {
			pubCtx, span := tracer.Start(ctx, "ledger.publish", trace.WithAttributes(
				attribute.String("ledger.event.kind", string(evt.Kind)),
			))
			err := h.Publisher.Publish(pubCtx, evt)
			endSpan(span, err)
			if err != nil {
				return result, fmt.Errorf("%w: %s: %w", ErrPublishFailed, evt.Kind, err)
			}
		}
	}
	agg.ClearEvents()
	return result, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
