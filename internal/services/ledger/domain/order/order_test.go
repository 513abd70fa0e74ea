package order

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/rule"
)

func mustCommand(t *testing.T, kind command.Kind, payload any) command.Command {
	t.Helper()
	cmd, err := command.New(kind, payload, "corr-1")
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	return cmd
}

func failureReason(t *testing.T, evt event.Event) string {
	t.Helper()
	var f event.Failure
	if err := json.Unmarshal(evt.Payload, &f); err != nil {
		t.Fatalf("failure payload: %v", err)
	}
	return f.Reason
}

func TestCreateShipLifecycle(t *testing.T) {
	o := New()
	if err := Execute(o, mustCommand(t, CommandCreate, CreatePayload{OrderID: "o1", UserID: "u1", Total: 10})); err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.State().Status != StatusCreated {
		t.Fatalf("status = %q, want CREATED", o.State().Status)
	}
	o.ClearEvents()

	if err := Execute(o, mustCommand(t, CommandShip, ShipPayload{OrderID: "o1", Carrier: "DHL", TrackingNumber: "T1"})); err != nil {
		t.Fatalf("ship: %v", err)
	}
	events := o.UncommittedEvents()
	if len(events) != 1 || events[0].Kind != EventShipped || events[0].CorrelationID != "corr-1" {
		t.Fatalf("events = %+v", events)
	}
	o.ClearEvents()

	if err := Execute(o, mustCommand(t, CommandShip, ShipPayload{OrderID: "o1", Carrier: "DHL", TrackingNumber: "T2"})); err != nil {
		t.Fatalf("ship again: %v", err)
	}
	events = o.UncommittedEvents()
	if len(events) != 1 || events[0].Kind != EventShippingFailed {
		t.Fatalf("events = %+v", events)
	}
	if got := failureReason(t, events[0]); got != string(rule.InvalidState) {
		t.Fatalf("reason = %q, want InvalidState", got)
	}
	if o.State().Status != StatusShipped || o.State().TrackingNumber != "T1" {
		t.Fatalf("state changed by failure: %+v", o.State())
	}
}

func TestOperationFailures(t *testing.T) {
	created := func() *Order {
		o := New()
		if err := o.Create(CreatePayload{OrderID: "o1", UserID: "u1", Total: 5}, ""); err != nil {
			t.Fatalf("create: %v", err)
		}
		o.ClearEvents()
		return o
	}
	cancelled := func() *Order {
		o := created()
		if err := o.Cancel(CancelPayload{OrderID: "o1", Reason: "changed mind"}, ""); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		o.ClearEvents()
		return o
	}

	tests := []struct {
		name   string
		order  func() *Order
		run    func(*Order) error
		kind   event.Kind
		reason rule.Reason
	}{
		{name: "create twice", order: created, run: func(o *Order) error {
			return o.Create(CreatePayload{OrderID: "o1", UserID: "u1", Total: 5}, "")
		}, kind: EventCreationFailed, reason: rule.AlreadyExists},
		{name: "create zero total", order: New, run: func(o *Order) error {
			return o.Create(CreatePayload{OrderID: "o1", UserID: "u1"}, "")
		}, kind: EventCreationFailed, reason: rule.InvalidArgument},
		{name: "ship missing", order: New, run: func(o *Order) error {
			return o.Ship(ShipPayload{OrderID: "o1", Carrier: "DHL", TrackingNumber: "T"}, "")
		}, kind: EventShippingFailed, reason: rule.NotFound},
		{name: "ship cancelled", order: cancelled, run: func(o *Order) error {
			return o.Ship(ShipPayload{OrderID: "o1", Carrier: "DHL", TrackingNumber: "T"}, "")
		}, kind: EventShippingFailed, reason: rule.InvalidState},
		{name: "ship without carrier", order: created, run: func(o *Order) error {
			return o.Ship(ShipPayload{OrderID: "o1", TrackingNumber: "T"}, "")
		}, kind: EventShippingFailed, reason: rule.InvalidArgument},
		{name: "ship missing without carrier", order: New, run: func(o *Order) error {
			return o.Ship(ShipPayload{OrderID: "o1"}, "")
		}, kind: EventShippingFailed, reason: rule.NotFound},
		{name: "ship cancelled without carrier", order: cancelled, run: func(o *Order) error {
			return o.Ship(ShipPayload{OrderID: "o1"}, "")
		}, kind: EventShippingFailed, reason: rule.InvalidState},
		{name: "create twice without user", order: created, run: func(o *Order) error {
			return o.Create(CreatePayload{OrderID: "o1"}, "")
		}, kind: EventCreationFailed, reason: rule.AlreadyExists},
		{name: "cancel missing", order: New, run: func(o *Order) error {
			return o.Cancel(CancelPayload{OrderID: "o1"}, "")
		}, kind: EventCancellationFailed, reason: rule.NotFound},
		{name: "cancel twice", order: cancelled, run: func(o *Order) error {
			return o.Cancel(CancelPayload{OrderID: "o1"}, "")
		}, kind: EventCancellationFailed, reason: rule.InvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := tt.order()
			before := o.State()
			if err := tt.run(o); err != nil {
				t.Fatalf("run: %v", err)
			}
			events := o.UncommittedEvents()
			if len(events) != 1 || events[0].Kind != tt.kind {
				t.Fatalf("events = %+v, want one %s", events, tt.kind)
			}
			if got := failureReason(t, events[0]); got != string(tt.reason) {
				t.Fatalf("reason = %q, want %q", got, tt.reason)
			}
			if o.State() != before {
				t.Fatalf("state = %+v, want unchanged %+v", o.State(), before)
			}
		})
	}
}

func TestExecuteRejectsUnknownAndMalformed(t *testing.T) {
	o := New()
	if err := Execute(o, command.Command{Kind: "Refund", Payload: json.RawMessage(`{}`)}); !errors.Is(err, ErrCommandUnsupported) {
		t.Fatalf("err = %v, want %v", err, ErrCommandUnsupported)
	}
	if err := Execute(o, command.Command{Kind: CommandCreate, Payload: json.RawMessage(`[]`)}); !errors.Is(err, command.ErrPayloadInvalid) {
		t.Fatalf("err = %v, want %v", err, command.ErrPayloadInvalid)
	}
	if len(o.UncommittedEvents()) != 0 {
		t.Fatal("protocol errors must not raise events")
	}
}

func TestAggregateID(t *testing.T) {
	id, err := AggregateID(mustCommand(t, CommandShip, ShipPayload{OrderID: "o9"}))
	if err != nil || id != "o9" {
		t.Fatalf("id = %q, err = %v", id, err)
	}
}

func TestRegisteredEventsValidate(t *testing.T) {
	registry := event.NewRegistry()
	if err := RegisterEvents(registry); err != nil {
		t.Fatalf("register: %v", err)
	}
	o := New()
	if err := o.Ship(ShipPayload{OrderID: "o1", Carrier: "DHL", TrackingNumber: "T"}, "c"); err != nil {
		t.Fatalf("ship: %v", err)
	}
	for _, evt := range o.UncommittedEvents() {
		if _, err := registry.ValidateForAppend(evt); err != nil {
			t.Fatalf("validate %s: %v", evt.Kind, err)
		}
	}
}
