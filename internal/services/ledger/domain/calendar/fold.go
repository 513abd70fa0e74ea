package calendar

import (
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/aggregate"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
)

// Fold applies a calendar event to state. The timeslot map is copied on write
// so earlier states are never mutated.
func Fold(state State, evt event.Event) (State, error) {
	switch evt.Kind {
	case EventCreated:
		var p CreatePayload
		if err := evt.Decode(&p); err != nil {
			return state, err
		}
		state.CalendarID = p.CalendarID
		state.Name = p.Name
		state.OwnerID = p.OwnerID
		state.Exists = true
		state.Timeslots = map[string]Timeslot{}
	case EventScheduled:
		var p SchedulePayload
		if err := evt.Decode(&p); err != nil {
			return state, err
		}
		state.Timeslots = withSlot(state.Timeslots, Timeslot{ID: p.TimeslotID, Start: p.Start, End: p.End, Title: p.Title})
	case EventRescheduled:
		var p ReschedulePayload
		if err := evt.Decode(&p); err != nil {
			return state, err
		}
		slot := state.Timeslots[p.TimeslotID]
		slot.ID = p.TimeslotID
		slot.Start = p.Start
		slot.End = p.End
		state.Timeslots = withSlot(state.Timeslots, slot)
	case EventScheduleRemoved:
		var p UnschedulePayload
		if err := evt.Decode(&p); err != nil {
			return state, err
		}
		next := make(map[string]Timeslot, len(state.Timeslots))
		for id, slot := range state.Timeslots {
			if id != p.TimeslotID {
				next[id] = slot
			}
		}
		state.Timeslots = next
	case EventRemoved:
		state.Removed = true
		state.Timeslots = map[string]Timeslot{}
	case EventCreationFailed, EventSchedulingFailed, EventReschedulingFailed,
		EventScheduleRemovalFailed, EventRemovalFailed:
	default:
		return state, aggregate.Unhandled(evt.Kind)
	}
	return state, nil
}

func withSlot(slots map[string]Timeslot, slot Timeslot) map[string]Timeslot {
	next := make(map[string]Timeslot, len(slots)+1)
	for id, existing := range slots {
		next[id] = existing
	}
	next[slot.ID] = slot
	return next
}
