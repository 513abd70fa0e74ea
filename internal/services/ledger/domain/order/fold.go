package order

import (
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/aggregate"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
)

// Fold applies an order event to state. Failure events leave state untouched.
func Fold(state State, evt event.Event) (State, error) {
	switch evt.Kind {
	case EventCreated:
		var p CreatePayload
		if err := evt.Decode(&p); err != nil {
			return state, err
		}
		state.OrderID = p.OrderID
		state.UserID = p.UserID
		state.Total = p.Total
		state.Status = StatusCreated
	case EventShipped:
		var p ShipPayload
		if err := evt.Decode(&p); err != nil {
			return state, err
		}
		state.Carrier = p.Carrier
		state.TrackingNumber = p.TrackingNumber
		state.Status = StatusShipped
	case EventCancelled:
		var p CancelPayload
		if err := evt.Decode(&p); err != nil {
			return state, err
		}
		state.CancelReason = p.Reason
		state.Status = StatusCancelled
	case EventCreationFailed, EventShippingFailed, EventCancellationFailed:
	default:
		return state, aggregate.Unhandled(evt.Kind)
	}
	return state, nil
}
