package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/ledgerline/internal/services/ledger/broker"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
)

const waitTimeout = 2 * time.Second

func testEvent(kind event.Kind) event.Event {
	return event.Event{Kind: kind, Payload: json.RawMessage(`{"id":"1"}`), CorrelationID: "corr"}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for delivery")
	}
	var zero T
	return zero
}

func expectNone[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected delivery %+v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishRoutesByBinding(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	defer b.Close()

	orders := make(chan event.Event, 4)
	all := make(chan event.Event, 4)
	if _, err := b.Subscribe(ctx, broker.QueueOptions{Name: "orders", Durable: true, Bindings: []string{"OrderCreated", "OrderShipped"}}, func(_ context.Context, evt event.Event) error {
		orders <- evt
		return nil
	}); err != nil {
		t.Fatalf("subscribe orders: %v", err)
	}
	if _, err := b.Subscribe(ctx, broker.QueueOptions{}, func(_ context.Context, evt event.Event) error {
		all <- evt
		return nil
	}); err != nil {
		t.Fatalf("subscribe all: %v", err)
	}

	if err := b.Publish(ctx, testEvent("CalendarCreated")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, testEvent("OrderCreated")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := receive(t, all); got.Kind != "CalendarCreated" {
		t.Fatalf("all first = %s, want CalendarCreated", got.Kind)
	}
	if got := receive(t, all); got.Kind != "OrderCreated" {
		t.Fatalf("all second = %s, want OrderCreated", got.Kind)
	}
	got := receive(t, orders)
	if got.Kind != "OrderCreated" || got.CorrelationID != "corr" {
		t.Fatalf("orders = %+v", got)
	}
	expectNone(t, orders)
}

func TestHandlerErrorDropsMessage(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	defer b.Close()

	seen := make(chan event.Kind, 4)
	if _, err := b.Subscribe(ctx, broker.QueueOptions{Name: "q"}, func(_ context.Context, evt event.Event) error {
		seen <- evt.Kind
		if evt.Kind == "Bad" {
			return errors.New("boom")
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for _, kind := range []event.Kind{"Bad", "Good"} {
		if err := b.Publish(ctx, testEvent(kind)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if got := receive(t, seen); got != "Bad" {
		t.Fatalf("first = %s, want Bad", got)
	}
	if got := receive(t, seen); got != "Good" {
		t.Fatalf("second = %s, want Good", got)
	}
	expectNone(t, seen)
}

func TestCommandsWaitForConsumer(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	defer b.Close()

	cmd := command.Command{Kind: "CreateOrder", Payload: json.RawMessage(`{"orderId":"o1"}`), CorrelationID: "c1"}
	if err := b.Send(ctx, broker.OrdersQueue, cmd); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := make(chan command.Command, 1)
	if _, err := b.ConsumeQueue(ctx, broker.OrdersQueue, func(_ context.Context, cmd command.Command) error {
		got <- cmd
		return nil
	}); err != nil {
		t.Fatalf("consume: %v", err)
	}
	received := receive(t, got)
	if received.Kind != cmd.Kind || received.CorrelationID != "c1" || string(received.Payload) != string(cmd.Payload) {
		t.Fatalf("received = %+v, want %+v", received, cmd)
	}
}

func TestCompetingConsumersReceiveEachCommandOnce(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	defer b.Close()

	const total = 40
	var mu sync.Mutex
	counts := make(map[string]int)
	done := make(chan struct{}, total)
	handler := func(_ context.Context, cmd command.Command) error {
		mu.Lock()
		counts[cmd.CorrelationID]++
		mu.Unlock()
		done <- struct{}{}
		return nil
	}
	for i := 0; i < 3; i++ {
		if _, err := b.ConsumeQueue(ctx, broker.CalendarsQueue, handler); err != nil {
			t.Fatalf("consume: %v", err)
		}
	}
	for i := 0; i < total; i++ {
		cmd := command.Command{Kind: "CreateCalendar", Payload: json.RawMessage(`{}`), CorrelationID: string(rune('A' + i))}
		if err := b.Send(ctx, broker.CalendarsQueue, cmd); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	for i := 0; i < total; i++ {
		receive(t, done)
	}
	expectNone(t, done)
	mu.Lock()
	defer mu.Unlock()
	if len(counts) != total {
		t.Fatalf("distinct commands = %d, want %d", len(counts), total)
	}
	for corr, n := range counts {
		if n != 1 {
			t.Fatalf("command %q delivered %d times", corr, n)
		}
	}
}

func TestConsumerIsSequential(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	defer b.Close()

	var mu sync.Mutex
	active, maxActive := 0, 0
	done := make(chan struct{}, 10)
	if _, err := b.ConsumeQueue(ctx, "q", func(context.Context, command.Command) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		done <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("consume: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := b.Send(ctx, "q", command.Command{Kind: "K", Payload: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	for i := 0; i < 10; i++ {
		receive(t, done)
	}
	if maxActive != 1 {
		t.Fatalf("max concurrent deliveries = %d, want 1", maxActive)
	}
}

func TestCancelStopsDeliveryAndRemovesExclusiveQueue(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	defer b.Close()

	seen := make(chan event.Event, 2)
	sub, err := b.Subscribe(ctx, broker.QueueOptions{}, func(_ context.Context, evt event.Event) error {
		seen <- evt
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := sub.Cancel(); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if err := b.Publish(ctx, testEvent("OrderCreated")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectNone(t, seen)
	b.mu.Lock()
	queues := len(b.events)
	b.mu.Unlock()
	if queues != 0 {
		t.Fatalf("event queues = %d, want 0", queues)
	}
}

func TestClosedBrokerRejectsOperations(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Publish(ctx, testEvent("OrderCreated")); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("publish err = %v, want %v", err, broker.ErrClosed)
	}
	if err := b.Send(ctx, "q", command.Command{Kind: "K"}); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("send err = %v, want %v", err, broker.ErrClosed)
	}
	if _, err := b.ConsumeQueue(ctx, "q", func(context.Context, command.Command) error { return nil }); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("consume err = %v, want %v", err, broker.ErrClosed)
	}
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	defer b.Close()
	if err := b.Send(ctx, " ", command.Command{Kind: "K"}); !errors.Is(err, broker.ErrQueueRequired) {
		t.Fatalf("send err = %v, want %v", err, broker.ErrQueueRequired)
	}
	if _, err := b.Subscribe(ctx, broker.QueueOptions{}, nil); !errors.Is(err, broker.ErrHandlerRequired) {
		t.Fatalf("subscribe err = %v, want %v", err, broker.ErrHandlerRequired)
	}
}

func TestCancelledConsumerReturnsInFlightCommand(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	defer b.Close()

	started := make(chan struct{}, 1)
	first, err := b.ConsumeQueue(ctx, broker.OrdersQueue, func(ctx context.Context, _ command.Command) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	cmd := command.Command{Kind: "ShipOrder", Payload: json.RawMessage(`{"orderId":"o1"}`), CorrelationID: "c1"}
	if err := b.Send(ctx, broker.OrdersQueue, cmd); err != nil {
		t.Fatalf("send: %v", err)
	}
	receive(t, started)
	if err := first.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got := make(chan command.Command, 1)
	if _, err := b.ConsumeQueue(ctx, broker.OrdersQueue, func(_ context.Context, cmd command.Command) error {
		got <- cmd
		return nil
	}); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if redelivered := receive(t, got); redelivered.CorrelationID != "c1" {
		t.Fatalf("redelivered = %+v, want c1", redelivered)
	}
}

func TestNamedQueueOutlivesOneOfItsConsumers(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	defer b.Close()

	opts := broker.QueueOptions{Name: "projection", Bindings: []string{"OrderCreated"}}
	first, err := b.Subscribe(ctx, opts, func(context.Context, event.Event) error { return nil })
	if err != nil {
		t.Fatalf("subscribe first: %v", err)
	}
	seen := make(chan event.Event, 1)
	second, err := b.Subscribe(ctx, opts, func(_ context.Context, evt event.Event) error {
		seen <- evt
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe second: %v", err)
	}
	if err := first.Cancel(); err != nil {
		t.Fatalf("cancel first: %v", err)
	}
	if err := b.Publish(ctx, testEvent("OrderCreated")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := receive(t, seen); got.Kind != "OrderCreated" {
		t.Fatalf("kind = %s, want OrderCreated", got.Kind)
	}

	if err := second.Cancel(); err != nil {
		t.Fatalf("cancel second: %v", err)
	}
	b.mu.Lock()
	_, exists := b.events["projection"]
	b.mu.Unlock()
	if exists {
		t.Fatal("queue should be removed with its last consumer")
	}
}

func TestStartAfterCloseStartsNothing(t *testing.T) {
	b := New(nil)
	q := newQueue(broker.QueueOptions{Name: "q", Durable: true})
	released := false
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	sub, err := b.start(context.Background(), q, func(context.Context, []byte) error { return nil }, func() { released = true })
	if !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("err = %v, want %v", err, broker.ErrClosed)
	}
	if sub != nil {
		t.Fatalf("sub = %v, want nil", sub)
	}
	if !released {
		t.Fatal("expected release to run")
	}
	if len(b.subs) != 0 {
		t.Fatalf("subs = %d, want 0", len(b.subs))
	}
}
