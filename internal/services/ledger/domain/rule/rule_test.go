package rule

import "testing"

func TestEvaluateModes(t *testing.T) {
	calls := 0
	counting := func(v *Violation) Rule {
		return func() *Violation {
			calls++
			return v
		}
	}
	first := &Violation{Reason: NotFound, Message: "a"}
	second := &Violation{Reason: InvalidArgument, Message: "b"}

	got := Evaluate(StopOnFirst, counting(nil), counting(first), counting(second))
	if len(got) != 1 || got[0].Reason != NotFound {
		t.Fatalf("stop on first = %v, want [NotFound]", got)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}

	calls = 0
	got = Evaluate(CollectAll, counting(first), nil, counting(nil), counting(second))
	if len(got) != 2 || got[0].Reason != NotFound || got[1].Reason != InvalidArgument {
		t.Fatalf("collect all = %v", got)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}

	if got := Evaluate(CollectAll); len(got) != 0 {
		t.Fatalf("empty = %v", got)
	}
}

func TestMustExist(t *testing.T) {
	tests := []struct {
		exists, removed bool
		want            Reason
	}{
		{exists: true, removed: false, want: ""},
		{exists: false, removed: false, want: NotFound},
		{exists: true, removed: true, want: Removed},
		{exists: false, removed: true, want: Removed},
	}
	for _, tt := range tests {
		if got := reasonOf(MustExist(tt.exists, tt.removed)); got != tt.want {
			t.Fatalf("MustExist(%v, %v) = %q, want %q", tt.exists, tt.removed, got, tt.want)
		}
	}
}

func TestMustNotExistAndNotRemoved(t *testing.T) {
	if got := reasonOf(MustNotExist(true)); got != AlreadyExists {
		t.Fatalf("MustNotExist(true) = %q", got)
	}
	if got := reasonOf(MustNotExist(false)); got != "" {
		t.Fatalf("MustNotExist(false) = %q", got)
	}
	if got := reasonOf(MustNotBeRemoved(true)); got != Removed {
		t.Fatalf("MustNotBeRemoved(true) = %q", got)
	}
}

func TestTimeRangeValid(t *testing.T) {
	if got := reasonOf(TimeRangeValid("2024-01-01T10:00", "2024-01-01T11:00")); got != "" {
		t.Fatalf("valid range = %q", got)
	}
	if got := reasonOf(TimeRangeValid("2024-01-01T11:00", "2024-01-01T11:00")); got != InvalidTimeRange {
		t.Fatalf("empty range = %q", got)
	}
	if got := reasonOf(TimeRangeValid("2024-01-01T12:00", "2024-01-01T11:00")); got != InvalidTimeRange {
		t.Fatalf("inverted range = %q", got)
	}
}

func TestNoOverlap(t *testing.T) {
	slots := map[string]Slot{
		"a": {Start: "10:00", End: "11:00"},
	}
	tests := []struct {
		name       string
		start, end string
		except     string
		want       Reason
	}{
		{name: "touching after", start: "11:00", end: "12:00", want: ""},
		{name: "touching before", start: "09:00", end: "10:00", want: ""},
		{name: "partial", start: "10:30", end: "11:30", want: OverlapCalendar},
		{name: "contained", start: "10:15", end: "10:45", want: OverlapCalendar},
		{name: "covering", start: "09:00", end: "12:00", want: OverlapCalendar},
		{name: "excluded self", start: "10:30", end: "11:30", except: "a", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := reasonOf(NoOverlap(tt.start, tt.end, slots, tt.except)); got != tt.want {
				t.Fatalf("reason = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPayloadRules(t *testing.T) {
	if got := reasonOf(Required("orderId", "  ")); got != InvalidArgument {
		t.Fatalf("Required blank = %q", got)
	}
	if got := reasonOf(Required("orderId", "o1")); got != "" {
		t.Fatalf("Required set = %q", got)
	}
	if got := reasonOf(Positive("total", 0)); got != InvalidArgument {
		t.Fatalf("Positive(0) = %q", got)
	}
	if got := reasonOf(Positive("total", 0.5)); got != "" {
		t.Fatalf("Positive(0.5) = %q", got)
	}
	if got := reasonOf(Check(false, InvalidState, "x")); got != InvalidState {
		t.Fatalf("Check(false) = %q", got)
	}
}

func reasonOf(r Rule) Reason {
	if v := r(); v != nil {
		return v.Reason
	}
	return ""
}

func TestEvaluateStepsStopsAfterFailingStep(t *testing.T) {
	reached := false
	got := EvaluateSteps(
		Step{Mode: StopOnFirst, Rules: []Rule{MustExist(true, false)}},
		Step{Mode: CollectAll, Rules: []Rule{
			TimeRangeValid("b", "a"),
			Check(false, OverlapCalendar, "overlap"),
		}},
		Step{Rules: []Rule{func() *Violation { reached = true; return nil }}},
	)
	if len(got) != 2 || got[0].Reason != InvalidTimeRange || got[1].Reason != OverlapCalendar {
		t.Fatalf("violations = %v", got)
	}
	if reached {
		t.Fatal("expected evaluation to stop after the failing step")
	}

	got = EvaluateSteps(
		Step{Mode: StopOnFirst, Rules: []Rule{MustExist(false, false), MustNotExist(true)}},
		Step{Mode: CollectAll, Rules: []Rule{TimeRangeValid("b", "a")}},
	)
	if len(got) != 1 || got[0].Reason != NotFound {
		t.Fatalf("gated violations = %v, want [NotFound]", got)
	}
}
