package broker

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"#", "OrderCreated", true},
		{"#", "a.b.c", true},
		{"OrderCreated", "OrderCreated", true},
		{"OrderCreated", "OrderShipped", false},
		{"*", "OrderCreated", true},
		{"*", "a.b", false},
		{"a.*", "a.b", true},
		{"a.*", "a", false},
		{"a.#", "a", true},
		{"a.#", "a.b.c", true},
		{"#.c", "a.b.c", true},
		{"#.c", "a.b", false},
		{"a.#.c", "a.c", true},
		{"a.*.c", "a.c", false},
	}
	for _, tt := range tests {
		if got := MatchTopic(tt.pattern, tt.key); got != tt.want {
			t.Fatalf("MatchTopic(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
		}
	}
}

func TestQueueOptionsNormalized(t *testing.T) {
	opts := QueueOptions{Name: "  ", Durable: true, Bindings: []string{" ", ""}}.Normalized()
	if !opts.Exclusive || opts.Durable {
		t.Fatalf("anonymous queue = %+v, want exclusive and not durable", opts)
	}
	if len(opts.Bindings) != 1 || opts.Bindings[0] != BindAll {
		t.Fatalf("bindings = %v, want [%s]", opts.Bindings, BindAll)
	}
	named := QueueOptions{Name: "projections", Durable: true, Bindings: []string{"Order*", "CalendarCreated"}}.Normalized()
	if named.Exclusive || !named.Durable {
		t.Fatalf("named queue = %+v", named)
	}
	if !named.Bound("CalendarCreated") || named.Bound("CalendarRemoved") {
		t.Fatalf("bound mismatch for %v", named.Bindings)
	}
}

func TestEventEnvelopeRoundTrip(t *testing.T) {
	evt := event.Event{Kind: "OrderCreated", Payload: json.RawMessage(`{"orderId":"o1"}`), CorrelationID: "c1"}
	body, err := EncodeEvent(evt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeEvent(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != evt.Kind || got.CorrelationID != evt.CorrelationID || string(got.Payload) != string(evt.Payload) {
		t.Fatalf("decoded = %+v, want %+v", got, evt)
	}
}

func TestDecodeRejectsInvalidBodies(t *testing.T) {
	for _, body := range []string{`nope`, `{}`, `{"payload":{}}`} {
		if _, err := DecodeEvent([]byte(body)); !errors.Is(err, ErrMessageInvalid) {
			t.Fatalf("DecodeEvent(%s) err = %v, want %v", body, err, ErrMessageInvalid)
		}
		if _, err := DecodeCommand([]byte(body)); !errors.Is(err, ErrMessageInvalid) {
			t.Fatalf("DecodeCommand(%s) err = %v, want %v", body, err, ErrMessageInvalid)
		}
	}
	cmd, err := DecodeCommand([]byte(`{"kind":"CreateOrder","payload":{"orderId":"o1"}}`))
	if err != nil {
		t.Fatalf("decode command: %v", err)
	}
	if cmd.Kind != command.Kind("CreateOrder") {
		t.Fatalf("kind = %q", cmd.Kind)
	}
}
