// Package memory provides an in-process broker with the same routing and ack
// discipline as the network brokers. Messages do not survive the process.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/louisbranch/ledgerline/internal/platform/id"
	"github.com/louisbranch/ledgerline/internal/platform/logger"
	"github.com/louisbranch/ledgerline/internal/services/ledger/broker"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
)

// Broker routes events to bound queues and commands to named queues.
type Broker struct {
	log *logger.Logger

	mu       sync.Mutex
	closed   bool
	events   map[string]*queue
	commands map[string]*queue
	subs     map[*subscription]struct{}
}

var _ broker.Broker = (*Broker)(nil)

// New returns an empty broker. A nil logger discards drop reports.
func New(log *logger.Logger) *Broker {
	if log == nil {
		log = logger.NewNop()
	}
	return &Broker{
		log:      log.With("component", "memory_broker"),
		events:   make(map[string]*queue),
		commands: make(map[string]*queue),
		subs:     make(map[*subscription]struct{}),
	}
}

// Publish copies evt into every event queue with a matching binding. Events
// with no bound queue are discarded.
func (b *Broker) Publish(ctx context.Context, evt event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := broker.EncodeEvent(evt)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	for _, q := range b.events {
		if q.opts.Bound(string(evt.Kind)) {
			q.push(body)
		}
	}
	return nil
}

// Subscribe declares the queue described by opts and starts one consumer on
// it. Redeclaring a named queue adds the new bindings.
func (b *Broker) Subscribe(ctx context.Context, opts broker.QueueOptions, handler broker.EventHandler) (broker.Subscription, error) {
	if handler == nil {
		return nil, broker.ErrHandlerRequired
	}
	opts = opts.Normalized()
	if opts.Name == "" {
		queueID, err := id.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate queue name: %w", err)
		}
		opts.Name = "events." + queueID
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, broker.ErrClosed
	}
	q, ok := b.events[opts.Name]
	if !ok {
		q = newQueue(opts)
		b.events[opts.Name] = q
	} else {
		q.opts.Bindings = appendMissing(q.opts.Bindings, opts.Bindings)
	}
	q.consumers++
	b.mu.Unlock()

	deliver := func(ctx context.Context, body []byte) error {
		evt, err := broker.DecodeEvent(body)
		if err != nil {
			return err
		}
		return handler(ctx, evt)
	}
	// Exclusive and non-durable queues go away with their last consumer.
	release := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		q.consumers--
		if q.consumers > 0 || (q.opts.Durable && !q.opts.Exclusive) {
			return
		}
		if b.events[q.opts.Name] == q {
			delete(b.events, q.opts.Name)
		}
	}
	sub, err := b.start(ctx, q, deliver, release)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Send enqueues cmd on the named command queue, declaring it if needed.
// Commands wait in the queue until a consumer takes them.
func (b *Broker) Send(ctx context.Context, queueName string, cmd command.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	queueName = strings.TrimSpace(queueName)
	if queueName == "" {
		return broker.ErrQueueRequired
	}
	body, err := broker.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	b.commandQueue(queueName).push(body)
	return nil
}

// ConsumeQueue starts one consumer on a command queue. Several consumers on
// the same queue compete: each command goes to exactly one of them.
func (b *Broker) ConsumeQueue(ctx context.Context, queueName string, handler broker.CommandHandler) (broker.Subscription, error) {
	if handler == nil {
		return nil, broker.ErrHandlerRequired
	}
	queueName = strings.TrimSpace(queueName)
	if queueName == "" {
		return nil, broker.ErrQueueRequired
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, broker.ErrClosed
	}
	q := b.commandQueue(queueName)
	b.mu.Unlock()

	deliver := func(ctx context.Context, body []byte) error {
		cmd, err := broker.DecodeCommand(body)
		if err != nil {
			return err
		}
		return handler(ctx, cmd)
	}
	sub, err := b.start(ctx, q, deliver, nil)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Close stops every consumer. Queued messages are discarded.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Cancel()
	}
	return nil
}

func (b *Broker) commandQueue(name string) *queue {
	q, ok := b.commands[name]
	if !ok {
		q = newQueue(broker.QueueOptions{Name: name, Durable: true})
		b.commands[name] = q
	}
	return q
}

func (b *Broker) start(ctx context.Context, q *queue, deliver func(context.Context, []byte) error, release func()) (*subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		if release != nil {
			release()
		}
		return nil, broker.ErrClosed
	}
	consumeCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		broker:  b,
		cancel:  cancel,
		done:    make(chan struct{}),
		release: release,
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	log := b.log.With("queue", q.opts.Name)
	go func() {
		defer close(sub.done)
		for {
			body, ok := q.pop(consumeCtx)
			if !ok {
				return
			}
			err := deliver(consumeCtx, body)
			if err == nil {
				continue
			}
			if consumeCtx.Err() != nil {
				// Interrupted by cancel: the message was never handled.
				q.unpop(body)
				log.Info("message returned to queue", "error", err)
				return
			}
			log.Warn("message dropped", "error", err)
		}
	}()
	return sub, nil
}

type subscription struct {
	broker  *Broker
	cancel  context.CancelFunc
	done    chan struct{}
	release func()
	once    sync.Once
}

func (s *subscription) Cancel() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()
		if s.release != nil {
			s.release()
		}
	})
	return nil
}

type queue struct {
	opts broker.QueueOptions
	// consumers counts live subscriptions; guarded by Broker.mu.
	consumers int

	mu      sync.Mutex
	pending [][]byte
	wake    chan struct{}
}

func newQueue(opts broker.QueueOptions) *queue {
	return &queue{opts: opts, wake: make(chan struct{}, 1)}
}

func (q *queue) push(body []byte) {
	q.mu.Lock()
	q.pending = append(q.pending, body)
	q.mu.Unlock()
	q.signal()
}

// unpop puts body back at the head of the queue.
func (q *queue) unpop(body []byte) {
	q.mu.Lock()
	q.pending = append([][]byte{body}, q.pending...)
	q.mu.Unlock()
	q.signal()
}

// pop blocks until a message is available or ctx is done.
func (q *queue) pop(ctx context.Context) ([]byte, bool) {
	for {
		if ctx.Err() != nil {
			return nil, false
		}
		q.mu.Lock()
		if len(q.pending) > 0 {
			body := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			more := len(q.pending) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return body, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, false
		case <-q.wake:
		}
	}
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func appendMissing(existing, extra []string) []string {
	out := append([]string(nil), existing...)
	for _, binding := range extra {
		found := false
		for _, have := range out {
			if have == binding {
				found = true
				break
			}
		}
		if !found {
			out = append(out, binding)
		}
	}
	return out
}
