package app

import (
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/ledgerline/internal/services/ledger/broker"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/calendar"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/engine"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/order"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/repository"
	"github.com/louisbranch/ledgerline/internal/services/ledger/storage"
)

// DomainConfig wires the order and calendar handlers.
type DomainConfig struct {
	Store          storage.EventStore
	Publisher      engine.Publisher
	Mode           engine.PublishMode
	CalendarPolicy calendar.CreatePolicy
	Tracer         trace.Tracer
}

// NewRegistry registers every event kind the ledger can raise.
func NewRegistry() (*event.Registry, error) {
	registry := event.NewRegistry()
	if err := order.RegisterEvents(registry); err != nil {
		return nil, fmt.Errorf("register order events: %w", err)
	}
	if err := calendar.RegisterEvents(registry); err != nil {
		return nil, fmt.Errorf("register calendar events: %w", err)
	}
	return registry, nil
}

// NewDispatcher builds the dispatcher for every ledger command kind.
func NewDispatcher(cfg DomainConfig) (*engine.Dispatcher, error) {
	if cfg.Store == nil {
		return nil, repository.ErrEventStoreRequired
	}
	registry, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	policy := cfg.CalendarPolicy
	if policy == "" {
		policy = calendar.CreateStrict
	}

	orders := engine.AggregateHandler[*order.Order]{
		Repository:  repository.New[*order.Order](cfg.Store, order.StreamPrefix),
		Factory:     order.New,
		AggregateID: order.AggregateID,
		Execute:     order.Execute,
		Events:      registry,
		Publisher:   cfg.Publisher,
		Mode:        cfg.Mode,
		Tracer:      cfg.Tracer,
	}
	calendars := engine.AggregateHandler[*calendar.Calendar]{
		Repository:  repository.New[*calendar.Calendar](cfg.Store, calendar.StreamPrefix),
		Factory:     func() *calendar.Calendar { return calendar.New(policy) },
		AggregateID: calendar.AggregateID,
		Execute:     calendar.Execute,
		Events:      registry,
		Publisher:   cfg.Publisher,
		Mode:        cfg.Mode,
		Tracer:      cfg.Tracer,
	}

	dispatcher := engine.NewDispatcher(cfg.Tracer)
	for _, kind := range order.Commands() {
		if err := dispatcher.Register(kind, orders); err != nil {
			return nil, err
		}
	}
	for _, kind := range calendar.Commands() {
		if err := dispatcher.Register(kind, calendars); err != nil {
			return nil, err
		}
	}
	return dispatcher, nil
}

// QueueFor returns the command queue that carries kind.
func QueueFor(kind command.Kind) (string, bool) {
	for _, k := range order.Commands() {
		if k == kind {
			return broker.OrdersQueue, true
		}
	}
	for _, k := range calendar.Commands() {
		if k == kind {
			return broker.CalendarsQueue, true
		}
	}
	return "", false
}
