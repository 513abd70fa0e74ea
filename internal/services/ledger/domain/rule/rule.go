package rule

import (
	"fmt"
	"sort"
	"strings"
)

// Reason is the closed set of violation reasons.
type Reason string

// Violation reasons shared by every aggregate.
const (
	AlreadyExists    Reason = "AlreadyExists"
	NotFound         Reason = "NotFound"
	Removed          Reason = "Removed"
	InvalidTimeRange Reason = "InvalidTimeRange"
	OverlapCalendar  Reason = "OverlapCalendar"
	InvalidArgument  Reason = "InvalidArgument"
	InvalidState     Reason = "InvalidState"
)

// Violation describes a failed rule.
type Violation struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message"`
}

// Rule returns nil when satisfied.
type Rule func() *Violation

// Mode selects how a rule list is evaluated.
type Mode int

const (
	// StopOnFirst returns at most the first violation. It is the zero value.
	StopOnFirst Mode = iota
	// CollectAll evaluates every rule and returns every violation in order.
	CollectAll
)

// Evaluate runs rules in order. Nil rules are skipped.
func Evaluate(mode Mode, rules ...Rule) []Violation {
	var violations []Violation
	for _, r := range rules {
		if r == nil {
			continue
		}
		v := r()
		if v == nil {
			continue
		}
		violations = append(violations, *v)
		if mode == StopOnFirst {
			return violations
		}
	}
	return violations
}

// Step is one stage of a multi-stage evaluation.
type Step struct {
	Mode  Mode
	Rules []Rule
}

// EvaluateSteps runs steps in order and stops after the first step that
// reports any violation. It lets an operation gate on existence with a single
// deterministic reason before collecting independent field-level failures.
func EvaluateSteps(steps ...Step) []Violation {
	for _, step := range steps {
		if violations := Evaluate(step.Mode, step.Rules...); len(violations) > 0 {
			return violations
		}
	}
	return nil
}

// Check fails with reason and message unless ok holds.
func Check(ok bool, reason Reason, message string) Rule {
	return func() *Violation {
		if ok {
			return nil
		}
		return &Violation{Reason: reason, Message: message}
	}
}

// MustExist fails Removed if removed, else NotFound if the entity does not exist.
func MustExist(exists, removed bool) Rule {
	return func() *Violation {
		if removed {
			return &Violation{Reason: Removed, Message: "entity has been removed"}
		}
		if !exists {
			return &Violation{Reason: NotFound, Message: "entity does not exist"}
		}
		return nil
	}
}

// MustNotExist fails AlreadyExists if the entity exists.
func MustNotExist(exists bool) Rule {
	return func() *Violation {
		if exists {
			return &Violation{Reason: AlreadyExists, Message: "entity already exists"}
		}
		return nil
	}
}

// MustNotBeRemoved fails Removed if the entity was removed.
func MustNotBeRemoved(removed bool) Rule {
	return func() *Violation {
		if removed {
			return &Violation{Reason: Removed, Message: "entity has been removed"}
		}
		return nil
	}
}

// TimeRangeValid requires start < end using plain string comparison, which is
// chronological for ISO-8601 timestamps written in the same zone and precision.
func TimeRangeValid(start, end string) Rule {
	return func() *Violation {
		if start < end {
			return nil
		}
		return &Violation{
			Reason:  InvalidTimeRange,
			Message: fmt.Sprintf("start %q must be before end %q", start, end),
		}
	}
}

// Slot is a half-open [Start, End) interval.
type Slot struct {
	Start string
	End   string
}

// NoOverlap fails OverlapCalendar when [start, end) intersects any slot other
// than exceptID. Touching endpoints do not overlap.
func NoOverlap(start, end string, slots map[string]Slot, exceptID string) Rule {
	return func() *Violation {
		ids := make([]string, 0, len(slots))
		for id := range slots {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if id == exceptID {
				continue
			}
			other := slots[id]
			if start < other.End && other.Start < end {
				return &Violation{
					Reason:  OverlapCalendar,
					Message: fmt.Sprintf("overlaps timeslot %s", id),
				}
			}
		}
		return nil
	}
}

// Required fails InvalidArgument when value is blank.
func Required(field, value string) Rule {
	return func() *Violation {
		if strings.TrimSpace(value) != "" {
			return nil
		}
		return &Violation{Reason: InvalidArgument, Message: field + " is required"}
	}
}

// Positive fails InvalidArgument unless n > 0.
func Positive(field string, n float64) Rule {
	return func() *Violation {
		if n > 0 {
			return nil
		}
		return &Violation{Reason: InvalidArgument, Message: field + " must be positive"}
	}
}
