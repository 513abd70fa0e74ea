package order

import (
	"errors"
	"fmt"

	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/aggregate"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/rule"
)

// ErrCommandUnsupported indicates a command kind this aggregate does not handle.
var ErrCommandUnsupported = errors.New("order: unsupported command")

// AggregateID extracts the order id from any order command.
func AggregateID(cmd command.Command) (string, error) {
	var p struct {
		OrderID string `json:"orderId"`
	}
	if err := command.Decode(cmd, &p); err != nil {
		return "", err
	}
	return p.OrderID, nil
}

// Execute decodes cmd and runs the matching operation.
func Execute(o *Order, cmd command.Command) error {
	switch cmd.Kind {
	case CommandCreate:
		var p CreatePayload
		if err := command.Decode(cmd, &p); err != nil {
			return err
		}
		return o.Create(p, cmd.CorrelationID)
	case CommandShip:
		var p ShipPayload
		if err := command.Decode(cmd, &p); err != nil {
			return err
		}
		return o.Ship(p, cmd.CorrelationID)
	case CommandCancel:
		var p CancelPayload
		if err := command.Decode(cmd, &p); err != nil {
			return err
		}
		return o.Cancel(p, cmd.CorrelationID)
	default:
		return fmt.Errorf("%w: %s", ErrCommandUnsupported, cmd.Kind)
	}
}

// Create raises OrderCreated for a new order.
func (o *Order) Create(p CreatePayload, correlationID string) error {
	state := o.State()
	violations := rule.Evaluate(rule.StopOnFirst,
		rule.Required("orderId", p.OrderID),
		rule.MustNotExist(state.Status != StatusNone),
		rule.Required("userId", p.UserID),
		rule.Positive("total", p.Total),
	)
	return o.decide(EventCreated, EventCreationFailed, p.OrderID, p, correlationID, violations)
}

// Ship raises OrderShipped for a created order. The order's lifecycle is
// checked before the shipping details.
func (o *Order) Ship(p ShipPayload, correlationID string) error {
	state := o.State()
	violations := rule.Evaluate(rule.StopOnFirst,
		rule.Required("orderId", p.OrderID),
		rule.MustExist(state.Status != StatusNone, false),
		statusIs(state.Status, StatusCreated, "ship"),
		rule.Required("carrier", p.Carrier),
		rule.Required("trackingNumber", p.TrackingNumber),
	)
	return o.decide(EventShipped, EventShippingFailed, p.OrderID, p, correlationID, violations)
}

// Cancel raises OrderCancelled for a created order.
func (o *Order) Cancel(p CancelPayload, correlationID string) error {
	state := o.State()
	violations := rule.Evaluate(rule.StopOnFirst,
		rule.Required("orderId", p.OrderID),
		rule.MustExist(state.Status != StatusNone, false),
		statusIs(state.Status, StatusCreated, "cancel"),
	)
	return o.decide(EventCancelled, EventCancellationFailed, p.OrderID, p, correlationID, violations)
}

func (o *Order) decide(success, failure event.Kind, orderID string, payload any, correlationID string, violations []rule.Violation) error {
	evt, err := event.New(success, payload, correlationID)
	if err != nil {
		return err
	}
	return o.Decide(aggregate.Decision{
		Success:     evt,
		FailureKind: failure,
		Identifiers: map[string]any{"orderId": orderID},
	}, violations)
}

func statusIs(current, want Status, action string) rule.Rule {
	return rule.Check(current == want, rule.InvalidState,
		fmt.Sprintf("cannot %s order in status %s", action, current))
}
