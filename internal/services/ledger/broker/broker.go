package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
)

const (
	// EventsExchange is the topic exchange every domain event is published to.
	EventsExchange = "domain-events"
	// OrdersQueue carries order commands.
	OrdersQueue = "commands.orders"
	// CalendarsQueue carries calendar commands.
	CalendarsQueue = "commands.calendars"
	// BindAll is the routing pattern matching every event kind.
	BindAll = "#"
)

var (
	// ErrClosed indicates an operation on a closed broker.
	ErrClosed = errors.New("broker is closed")
	// ErrQueueRequired indicates a command operation without a queue name.
	ErrQueueRequired = errors.New("queue name is required")
	// ErrHandlerRequired indicates a subscription without a handler.
	ErrHandlerRequired = errors.New("message handler is required")
	// ErrMessageInvalid indicates a message body that is not a valid envelope.
	ErrMessageInvalid = errors.New("message body is not a valid envelope")
)

// EventHandler consumes one domain event.
type EventHandler func(ctx context.Context, evt event.Event) error

// CommandHandler consumes one command.
type CommandHandler func(ctx context.Context, cmd command.Command) error

// QueueOptions declares an event queue. An empty Name declares an anonymous
// exclusive queue that lives only as long as its subscription. No bindings
// means BindAll.
type QueueOptions struct {
	Name      string
	Durable   bool
	Exclusive bool
	Bindings  []string
}

// Normalized trims names and drops empty bindings.
func (o QueueOptions) Normalized() QueueOptions {
	o.Name = strings.TrimSpace(o.Name)
	if o.Name == "" {
		o.Exclusive = true
		o.Durable = false
	}
	bindings := make([]string, 0, len(o.Bindings))
	for _, binding := range o.Bindings {
		if binding = strings.TrimSpace(binding); binding != "" {
			bindings = append(bindings, binding)
		}
	}
	if len(bindings) == 0 {
		bindings = []string{BindAll}
	}
	o.Bindings = bindings
	return o
}

// Bound reports whether any binding pattern matches key.
func (o QueueOptions) Bound(key string) bool {
	for _, pattern := range o.Bindings {
		if MatchTopic(pattern, key) {
			return true
		}
	}
	return false
}

// Subscription is a running consumer.
type Subscription interface {
	// Cancel stops the consumer and waits for the in-flight message to finish.
	Cancel() error
}

// Broker publishes domain events and carries commands.
type Broker interface {
	Publish(ctx context.Context, evt event.Event) error
	Subscribe(ctx context.Context, opts QueueOptions, handler EventHandler) (Subscription, error)
	Send(ctx context.Context, queue string, cmd command.Command) error
	ConsumeQueue(ctx context.Context, queue string, handler CommandHandler) (Subscription, error)
	Close() error
}

// MatchTopic reports whether routing key matches pattern. Both are dot
// separated words; "*" matches exactly one word and "#" matches zero or more.
func MatchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

// EncodeEvent returns the wire body for evt.
func EncodeEvent(evt event.Event) ([]byte, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", evt.Kind, err)
	}
	return body, nil
}

// DecodeEvent parses a wire body into an event. The kind is required.
func DecodeEvent(body []byte) (event.Event, error) {
	var evt event.Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return event.Event{}, fmt.Errorf("%w: %v", ErrMessageInvalid, err)
	}
	if strings.TrimSpace(string(evt.Kind)) == "" {
		return event.Event{}, fmt.Errorf("%w: missing kind", ErrMessageInvalid)
	}
	return evt, nil
}

// EncodeCommand returns the wire body for cmd.
func EncodeCommand(cmd command.Command) ([]byte, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command %s: %w", cmd.Kind, err)
	}
	return body, nil
}

// DecodeCommand parses a wire body into a command. The kind is required.
func DecodeCommand(body []byte) (command.Command, error) {
	var cmd command.Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		return command.Command{}, fmt.Errorf("%w: %v", ErrMessageInvalid, err)
	}
	if strings.TrimSpace(string(cmd.Kind)) == "" {
		return command.Command{}, fmt.Errorf("%w: missing kind", ErrMessageInvalid)
	}
	return cmd, nil
}
