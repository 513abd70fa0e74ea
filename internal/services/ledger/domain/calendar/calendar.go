// Package calendar implements calendars with non-overlapping timeslots.
//
// A calendar is created once and may be removed once. Removal clears every
// timeslot and is permanent: the id can never be created again, and every later
// operation on it fails with Removed.
package calendar

import (
	"fmt"
	"strings"

	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/aggregate"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
)

// StreamPrefix namespaces calendar streams in the event store.
const StreamPrefix = "calendar-"

const (
	CommandCreate     command.Kind = "CreateCalendar"
	CommandSchedule   command.Kind = "ScheduleTimeslot"
	CommandReschedule command.Kind = "RescheduleTimeslot"
	CommandUnschedule command.Kind = "RemoveSchedule"
	CommandRemove     command.Kind = "RemoveCalendar"
)

const (
	EventCreated               event.Kind = "CalendarCreated"
	EventCreationFailed        event.Kind = "CalendarCreationFailed"
	EventScheduled             event.Kind = "TimeslotScheduled"
	EventSchedulingFailed      event.Kind = "TimeslotSchedulingFailed"
	EventRescheduled           event.Kind = "TimeslotRescheduled"
	EventReschedulingFailed    event.Kind = "TimeslotReschedulingFailed"
	EventScheduleRemoved       event.Kind = "ScheduleRemoved"
	EventScheduleRemovalFailed event.Kind = "ScheduleRemovalFailed"
	EventRemoved               event.Kind = "CalendarRemoved"
	EventRemovalFailed         event.Kind = "CalendarRemovalFailed"
)

// CreatePolicy selects how CreateCalendar treats an existing calendar.
type CreatePolicy string

const (
	// CreateStrict raises CalendarCreationFailed with AlreadyExists. It is the default.
	CreateStrict CreatePolicy = "strict"
	// CreateIdempotent raises nothing for an existing, non-removed calendar.
	CreateIdempotent CreatePolicy = "idempotent"
)

// ParseCreatePolicy maps a config value to a policy. Empty means strict.
func ParseCreatePolicy(value string) (CreatePolicy, error) {
	switch CreatePolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", CreateStrict:
		return CreateStrict, nil
	case CreateIdempotent:
		return CreateIdempotent, nil
	default:
		return "", fmt.Errorf("unknown calendar create policy %q", value)
	}
}

// CreatePayload is the CreateCalendar command and CalendarCreated event body.
type CreatePayload struct {
	CalendarID string `json:"calendarId"`
	Name       string `json:"name"`
	OwnerID    string `json:"ownerId"`
}

// SchedulePayload is the ScheduleTimeslot command and TimeslotScheduled event body.
type SchedulePayload struct {
	CalendarID string `json:"calendarId"`
	TimeslotID string `json:"timeslotId"`
	Start      string `json:"start"`
	End        string `json:"end"`
	Title      string `json:"title,omitempty"`
}

// ReschedulePayload is the RescheduleTimeslot command and TimeslotRescheduled event body.
type ReschedulePayload struct {
	CalendarID string `json:"calendarId"`
	TimeslotID string `json:"timeslotId"`
	Start      string `json:"start"`
	End        string `json:"end"`
}

// UnschedulePayload is the RemoveSchedule command and ScheduleRemoved event body.
type UnschedulePayload struct {
	CalendarID string `json:"calendarId"`
	TimeslotID string `json:"timeslotId"`
}

// RemovePayload is the RemoveCalendar command and CalendarRemoved event body.
type RemovePayload struct {
	CalendarID string `json:"calendarId"`
}

// Timeslot is a scheduled half-open [Start, End) interval.
type Timeslot struct {
	ID    string
	Start string
	End   string
	Title string
}

// State is the folded calendar projection.
type State struct {
	CalendarID string
	Name       string
	OwnerID    string
	Exists     bool
	Removed    bool
	Timeslots  map[string]Timeslot
}

// Calendar is the calendar aggregate.
type Calendar struct {
	aggregate.Root[State]
	policy CreatePolicy
}

// New returns an empty calendar ready for replay.
func New(policy CreatePolicy) *Calendar {
	if policy == "" {
		policy = CreateStrict
	}
	c := &Calendar{policy: policy}
	c.Root = aggregate.NewRoot(State{}, Fold)
	return c
}

// Commands lists the command kinds this aggregate handles.
func Commands() []command.Kind {
	return []command.Kind{CommandCreate, CommandSchedule, CommandReschedule, CommandUnschedule, CommandRemove}
}

// RegisterEvents adds the calendar event kinds to registry.
func RegisterEvents(registry *event.Registry) error {
	pairs := [][2]event.Kind{
		{EventCreated, EventCreationFailed},
		{EventScheduled, EventSchedulingFailed},
		{EventRescheduled, EventReschedulingFailed},
		{EventScheduleRemoved, EventScheduleRemovalFailed},
		{EventRemoved, EventRemovalFailed},
	}
	for _, pair := range pairs {
		if err := registry.Register(event.Definition{Kind: pair[0], Outcome: event.OutcomeSuccess}); err != nil {
			return err
		}
		if err := registry.Register(event.Definition{Kind: pair[1], Outcome: event.OutcomeFailure}); err != nil {
			return err
		}
	}
	return nil
}
