package calendar

import (
	"errors"
	"fmt"

	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/aggregate"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/rule"
)

// ErrCommandUnsupported indicates a command kind this aggregate does not handle.
var ErrCommandUnsupported = errors.New("calendar: unsupported command")

// AggregateID extracts the calendar id from any calendar command.
func AggregateID(cmd command.Command) (string, error) {
	var p struct {
		CalendarID string `json:"calendarId"`
	}
	if err := command.Decode(cmd, &p); err != nil {
		return "", err
	}
	return p.CalendarID, nil
}

// Execute decodes cmd and runs the matching operation.
func Execute(c *Calendar, cmd command.Command) error {
	switch cmd.Kind {
	case CommandCreate:
		var p CreatePayload
		if err := command.Decode(cmd, &p); err != nil {
			return err
		}
		return c.Create(p, cmd.CorrelationID)
	case CommandSchedule:
		var p SchedulePayload
		if err := command.Decode(cmd, &p); err != nil {
			return err
		}
		return c.Schedule(p, cmd.CorrelationID)
	case CommandReschedule:
		var p ReschedulePayload
		if err := command.Decode(cmd, &p); err != nil {
			return err
		}
		return c.Reschedule(p, cmd.CorrelationID)
	case CommandUnschedule:
		var p UnschedulePayload
		if err := command.Decode(cmd, &p); err != nil {
			return err
		}
		return c.Unschedule(p, cmd.CorrelationID)
	case CommandRemove:
		var p RemovePayload
		if err := command.Decode(cmd, &p); err != nil {
			return err
		}
		return c.Remove(p, cmd.CorrelationID)
	default:
		return fmt.Errorf("%w: %s", ErrCommandUnsupported, cmd.Kind)
	}
}

// Create raises CalendarCreated. Lifecycle gates run before payload checks, and
// removal before existence, so a removed calendar always reports Removed.
func (c *Calendar) Create(p CreatePayload, correlationID string) error {
	state := c.State()
	if c.policy == CreateIdempotent && state.Exists && !state.Removed {
		return nil
	}
	violations := rule.Evaluate(rule.StopOnFirst,
		rule.Required("calendarId", p.CalendarID),
		rule.MustNotBeRemoved(state.Removed),
		rule.MustNotExist(state.Exists),
		rule.Required("name", p.Name),
	)
	return c.decide(EventCreated, EventCreationFailed, ids(p.CalendarID, ""), p, correlationID, violations)
}

// Schedule raises TimeslotScheduled. Existence is gated first; the time range
// and overlap checks are then reported together.
func (c *Calendar) Schedule(p SchedulePayload, correlationID string) error {
	state := c.State()
	_, taken := state.Timeslots[p.TimeslotID]
	violations := rule.EvaluateSteps(
		rule.Step{Mode: rule.StopOnFirst, Rules: []rule.Rule{
			rule.Required("calendarId", p.CalendarID),
			rule.MustExist(state.Exists, state.Removed),
			rule.Required("timeslotId", p.TimeslotID),
			rule.Check(!taken, rule.AlreadyExists, fmt.Sprintf("timeslot %s already scheduled", p.TimeslotID)),
		}},
		rule.Step{Mode: rule.CollectAll, Rules: []rule.Rule{
			rule.TimeRangeValid(p.Start, p.End),
			rule.NoOverlap(p.Start, p.End, slots(state), ""),
		}},
	)
	return c.decide(EventScheduled, EventSchedulingFailed, ids(p.CalendarID, p.TimeslotID), p, correlationID, violations)
}

// Reschedule raises TimeslotRescheduled. The slot being moved is excluded from
// the overlap check.
func (c *Calendar) Reschedule(p ReschedulePayload, correlationID string) error {
	state := c.State()
	_, found := state.Timeslots[p.TimeslotID]
	violations := rule.EvaluateSteps(
		rule.Step{Mode: rule.StopOnFirst, Rules: []rule.Rule{
			rule.Required("calendarId", p.CalendarID),
			rule.MustExist(state.Exists, state.Removed),
			rule.Required("timeslotId", p.TimeslotID),
			rule.Check(found, rule.NotFound, fmt.Sprintf("timeslot %s not found", p.TimeslotID)),
		}},
		rule.Step{Mode: rule.CollectAll, Rules: []rule.Rule{
			rule.TimeRangeValid(p.Start, p.End),
			rule.NoOverlap(p.Start, p.End, slots(state), p.TimeslotID),
		}},
	)
	return c.decide(EventRescheduled, EventReschedulingFailed, ids(p.CalendarID, p.TimeslotID), p, correlationID, violations)
}

// Unschedule raises ScheduleRemoved for an existing timeslot.
func (c *Calendar) Unschedule(p UnschedulePayload, correlationID string) error {
	state := c.State()
	_, found := state.Timeslots[p.TimeslotID]
	violations := rule.Evaluate(rule.StopOnFirst,
		rule.Required("calendarId", p.CalendarID),
		rule.MustExist(state.Exists, state.Removed),
		rule.Required("timeslotId", p.TimeslotID),
		rule.Check(found, rule.NotFound, fmt.Sprintf("timeslot %s not found", p.TimeslotID)),
	)
	return c.decide(EventScheduleRemoved, EventScheduleRemovalFailed, ids(p.CalendarID, p.TimeslotID), p, correlationID, violations)
}

// Remove raises CalendarRemoved.
func (c *Calendar) Remove(p RemovePayload, correlationID string) error {
	state := c.State()
	violations := rule.Evaluate(rule.StopOnFirst,
		rule.Required("calendarId", p.CalendarID),
		rule.MustExist(state.Exists, state.Removed),
	)
	return c.decide(EventRemoved, EventRemovalFailed, ids(p.CalendarID, ""), p, correlationID, violations)
}

func (c *Calendar) decide(success, failure event.Kind, identifiers map[string]any, payload any, correlationID string, violations []rule.Violation) error {
	evt, err := event.New(success, payload, correlationID)
	if err != nil {
		return err
	}
	return c.Decide(aggregate.Decision{Success: evt, FailureKind: failure, Identifiers: identifiers}, violations)
}

func ids(calendarID, timeslotID string) map[string]any {
	out := map[string]any{"calendarId": calendarID}
	if timeslotID != "" {
		out["timeslotId"] = timeslotID
	}
	return out
}

func slots(state State) map[string]rule.Slot {
	out := make(map[string]rule.Slot, len(state.Timeslots))
	for id, slot := range state.Timeslots {
		out[id] = rule.Slot{Start: slot.Start, End: slot.End}
	}
	return out
}
