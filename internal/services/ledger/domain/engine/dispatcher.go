package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/louisbranch/ledgerline/internal/platform/id"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	// ErrUnknownCommandKind indicates a command kind with no registered handler.
	ErrUnknownCommandKind = errors.New("unknown command kind")
	// ErrHandlerRequired indicates a nil handler registration.
	ErrHandlerRequired = errors.New("command handler is required")
)

// Result describes what a command stored.
type Result struct {
	AggregateID string
	Events      []event.Stored
}

// Handler handles one command.
type Handler interface {
	Handle(ctx context.Context, cmd command.Command) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cmd command.Command) (Result, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, cmd command.Command) (Result, error) {
	return f(ctx, cmd)
}

// Dispatcher maps command kinds to handlers. Registration happens at startup;
// Dispatch is safe for concurrent use afterwards.
type Dispatcher struct {
	handlers map[command.Kind]Handler
	tracer   trace.Tracer
	newID    func() (string, error)
}

// NewDispatcher returns an empty dispatcher. A nil tracer disables spans.
func NewDispatcher(tracer trace.Tracer) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[command.Kind]Handler),
		tracer:   tracerOrNoop(tracer),
		newID:    id.NewID,
	}
}

// Register binds kind to handler.
func (d *Dispatcher) Register(kind command.Kind, handler Handler) error {
	kind = command.Kind(strings.TrimSpace(string(kind)))
	if kind == "" {
		return command.ErrKindRequired
	}
	if handler == nil {
		return ErrHandlerRequired
	}
	if _, exists := d.handlers[kind]; exists {
		return fmt.Errorf("command kind already registered: %s", kind)
	}
	d.handlers[kind] = handler
	return nil
}

// Kinds returns registered kinds in lexical order.
func (d *Dispatcher) Kinds() []command.Kind {
	kinds := make([]command.Kind, 0, len(d.handlers))
	for kind := range d.handlers {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Dispatch routes cmd to its handler. Commands without a correlation id get a
// fresh one so every resulting event carries one.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd command.Command) (Result, error) {
	ctx, span := d.tracer.Start(ctx, "ledger.dispatch", trace.WithAttributes(
		attribute.String("ledger.command.kind", string(cmd.Kind)),
	))
	defer span.End()

	handler, ok := d.handlers[cmd.Kind]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownCommandKind, cmd.Kind)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	if strings.TrimSpace(cmd.CorrelationID) == "" {
		correlationID, err := d.newID()
		if err != nil {
			return Result{}, fmt.Errorf("generate correlation id: %w", err)
		}
		cmd.CorrelationID = correlationID
	}
	span.SetAttributes(attribute.String("ledger.correlation_id", cmd.CorrelationID))

	result, err := handler.Handle(ctx, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	span.SetAttributes(attribute.Int("ledger.events", len(result.Events)))
	return result, nil
}

func tracerOrNoop(tracer trace.Tracer) trace.Tracer {
	if tracer == nil {
		return noop.NewTracerProvider().Tracer("ledger")
	}
	return tracer
}
