// Package order implements the order lifecycle: created, then shipped or cancelled.
package order

import (
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/aggregate"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
)

// StreamPrefix namespaces order streams in the event store.
const StreamPrefix = "order-"

const (
	CommandCreate command.Kind = "CreateOrder"
	CommandShip   command.Kind = "ShipOrder"
	CommandCancel command.Kind = "CancelOrder"
)

const (
	EventCreated            event.Kind = "OrderCreated"
	EventCreationFailed     event.Kind = "OrderCreationFailed"
	EventShipped            event.Kind = "OrderShipped"
	EventShippingFailed     event.Kind = "OrderShippingFailed"
	EventCancelled          event.Kind = "OrderCancelled"
	EventCancellationFailed event.Kind = "OrderCancellationFailed"
)

// Status is the order lifecycle state. The zero value means the order does not exist.
type Status string

const (
	StatusNone      Status = ""
	StatusCreated   Status = "CREATED"
	StatusShipped   Status = "SHIPPED"
	StatusCancelled Status = "CANCELLED"
)

// CreatePayload is the CreateOrder command and OrderCreated event body.
type CreatePayload struct {
	OrderID string  `json:"orderId"`
	UserID  string  `json:"userId"`
	Total   float64 `json:"total"`
}

// ShipPayload is the ShipOrder command and OrderShipped event body.
type ShipPayload struct {
	OrderID        string `json:"orderId"`
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"trackingNumber"`
}

// CancelPayload is the CancelOrder command and OrderCancelled event body.
type CancelPayload struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// State is the folded order projection.
type State struct {
	OrderID        string
	UserID         string
	Total          float64
	Status         Status
	Carrier        string
	TrackingNumber string
	CancelReason   string
}

// Order is the order aggregate.
type Order struct {
	aggregate.Root[State]
}

// New returns an empty order ready for replay.
func New() *Order {
	o := &Order{}
	o.Root = aggregate.NewRoot(State{}, Fold)
	return o
}

// Commands lists the command kinds this aggregate handles.
func Commands() []command.Kind {
	return []command.Kind{CommandCreate, CommandShip, CommandCancel}
}

// RegisterEvents adds the order event kinds to registry.
func RegisterEvents(registry *event.Registry) error {
	defs := []event.Definition{
		{Kind: EventCreated, Outcome: event.OutcomeSuccess},
		{Kind: EventCreationFailed, Outcome: event.OutcomeFailure},
		{Kind: EventShipped, Outcome: event.OutcomeSuccess},
		{Kind: EventShippingFailed, Outcome: event.OutcomeFailure},
		{Kind: EventCancelled, Outcome: event.OutcomeSuccess},
		{Kind: EventCancellationFailed, Outcome: event.OutcomeFailure},
	}
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}
