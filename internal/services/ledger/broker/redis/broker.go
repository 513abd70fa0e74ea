// Package redis implements the broker on Redis Streams.
//
// The event exchange is a single stream; every event queue is a consumer group
// on it, so each queue sees every event once and filters by its bindings. A
// command queue is a stream of its own read by one shared group, which makes
// the consumers of that queue compete for entries.
//
// Entries are read one at a time with XREADGROUP and acknowledged with XACK
// after the handler returns, whatever the outcome, unless the consumer was
// cancelled mid-handler: those entries stay pending. Pending entries are read
// again by a consumer with the same name before it takes new ones, and entries
// idle longer than the claim interval are taken over from consumers that never
// came back.
package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/louisbranch/ledgerline/internal/platform/id"
	"github.com/louisbranch/ledgerline/internal/platform/logger"
	"github.com/louisbranch/ledgerline/internal/platform/timeouts"
	"github.com/louisbranch/ledgerline/internal/services/ledger/broker"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
)

const (
	// CommandGroup is the consumer group shared by every command consumer.
	CommandGroup = "workers"
	// DeadLetterSuffix names the dead-letter stream of a queue.
	DeadLetterSuffix = ".dead"

	fieldKind  = "kind"
	fieldBody  = "body"
	fieldError = "error"

	readRetryDelay = time.Second
	// DefaultClaimIdle is how long an entry stays pending before another
	// consumer of the group may claim it.
	DefaultClaimIdle = time.Minute
)

// Broker is a Redis Streams broker.
type Broker struct {
	client      *goredis.Client
	ownsClient  bool
	log         *logger.Logger
	eventStream string
	consumer    string
	deadLetter  bool
	block       time.Duration
	claimIdle   time.Duration

	mu     sync.Mutex
	closed bool
	// started numbers consumers per group; active counts the live ones.
	started map[string]int
	active  map[string]int
	subs    map[*subscription]struct{}
}

var _ broker.Broker = (*Broker)(nil)

// Option configures a Broker.
type Option func(*Broker)

// WithDeadLetter copies dropped messages to "<queue>.dead" before acking them.
func WithDeadLetter(enabled bool) Option {
	return func(b *Broker) {
		b.deadLetter = enabled
	}
}

// WithConsumerName sets the stable consumer name prefix. A restarted process
// with the same name resumes its unacknowledged entries. The default is the
// host name.
func WithConsumerName(name string) Option {
	return func(b *Broker) {
		if name = strings.TrimSpace(name); name != "" {
			b.consumer = name
		}
	}
}

// WithEventStream overrides the stream backing the event exchange.
func WithEventStream(name string) Option {
	return func(b *Broker) {
		if name = strings.TrimSpace(name); name != "" {
			b.eventStream = name
		}
	}
}

// WithBlock overrides how long one read waits for new entries.
func WithBlock(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.block = d
		}
	}
}

// WithClaimIdle overrides how long an entry may stay pending with another
// consumer before this one claims it.
func WithClaimIdle(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.claimIdle = d
		}
	}
}

// Open connects to addr and verifies the connection with a ping.
func Open(ctx context.Context, addr string, log *logger.Logger, opts ...Option) (*Broker, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:                  addr,
		DialTimeout:           timeouts.BrokerDial,
		ContextTimeoutEnabled: true,
	})
	pingCtx, cancel := context.WithTimeout(ctx, timeouts.BrokerDial)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	b := New(client, log, opts...)
	b.ownsClient = true
	return b, nil
}

// New wraps an existing client. Close does not close a client passed here.
func New(client *goredis.Client, log *logger.Logger, opts ...Option) *Broker {
	if log == nil {
		log = logger.NewNop()
	}
	b := &Broker{
		client:      client,
		log:         log.With("component", "redis_broker"),
		eventStream: broker.EventsExchange,
		block:       timeouts.BrokerBlock,
		claimIdle:   DefaultClaimIdle,
		started:     make(map[string]int),
		active:      make(map[string]int),
		subs:        make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.consumer == "" {
		b.consumer = defaultConsumerName()
	}
	return b
}

func defaultConsumerName() string {
	if host, err := os.Hostname(); err == nil && strings.TrimSpace(host) != "" {
		return strings.TrimSpace(host)
	}
	return "consumer-" + id.MustNewID()
}

// Publish appends evt to the event stream.
func (b *Broker) Publish(ctx context.Context, evt event.Event) error {
	if err := b.ready(); err != nil {
		return err
	}
	body, err := broker.EncodeEvent(evt)
	if err != nil {
		return err
	}
	if err := b.add(ctx, b.eventStream, map[string]any{fieldKind: string(evt.Kind), fieldBody: body}); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Kind, err)
	}
	return nil
}

// Send appends cmd to the stream named after queue.
func (b *Broker) Send(ctx context.Context, queue string, cmd command.Command) error {
	if err := b.ready(); err != nil {
		return err
	}
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return broker.ErrQueueRequired
	}
	body, err := broker.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if err := b.add(ctx, queue, map[string]any{fieldKind: string(cmd.Kind), fieldBody: body}); err != nil {
		return fmt.Errorf("send %s to %s: %w", cmd.Kind, queue, err)
	}
	return nil
}

// Subscribe creates the queue's consumer group on the event stream and starts
// one consumer. New groups start at the end of the stream.
func (b *Broker) Subscribe(ctx context.Context, opts broker.QueueOptions, handler broker.EventHandler) (broker.Subscription, error) {
	if handler == nil {
		return nil, broker.ErrHandlerRequired
	}
	if err := b.ready(); err != nil {
		return nil, err
	}
	opts = opts.Normalized()
	if opts.Name == "" {
		queueID, err := id.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate queue name: %w", err)
		}
		opts.Name = "events." + queueID
	}
	if err := b.createGroup(ctx, b.eventStream, opts.Name, "$"); err != nil {
		return nil, err
	}

	deliver := func(ctx context.Context, msg goredis.XMessage) error {
		kind, _ := msg.Values[fieldKind].(string)
		if !opts.Bound(kind) {
			return errSkip
		}
		evt, err := broker.DecodeEvent([]byte(stringValue(msg.Values[fieldBody])))
		if err != nil {
			return err
		}
		return handler(ctx, evt)
	}
	return b.start(ctx, b.eventStream, opts.Name, opts.Name, opts.Exclusive || !opts.Durable, deliver), nil
}

// ConsumeQueue joins the shared command group on queue and starts one
// consumer. The group starts at the beginning of the stream so commands sent
// before the first consumer are not lost.
func (b *Broker) ConsumeQueue(ctx context.Context, queue string, handler broker.CommandHandler) (broker.Subscription, error) {
	if handler == nil {
		return nil, broker.ErrHandlerRequired
	}
	if err := b.ready(); err != nil {
		return nil, err
	}
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, broker.ErrQueueRequired
	}
	if err := b.createGroup(ctx, queue, CommandGroup, "0"); err != nil {
		return nil, err
	}
	deliver := func(ctx context.Context, msg goredis.XMessage) error {
		cmd, err := broker.DecodeCommand([]byte(stringValue(msg.Values[fieldBody])))
		if err != nil {
			return err
		}
		return handler(ctx, cmd)
	}
	return b.start(ctx, queue, CommandGroup, queue, false, deliver), nil
}

// Close stops every consumer and closes the client when Open created it.
func (b *Broker) Close() error {
	if b == nil {
		return nil
	}
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

	var errs []error
	for _, sub := range subs {
		if err := sub.Cancel(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.ownsClient && b.client != nil {
		if err := b.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Broker) ready() error {
	if b == nil || b.client == nil {
		return fmt.Errorf("redis broker is not configured")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	return nil
}

func (b *Broker) add(ctx context.Context, stream string, values map[string]any) error {
	return b.client.XAdd(ctx, &goredis.XAddArgs{Stream: stream, Values: values}).Err()
}

func (b *Broker) createGroup(ctx context.Context, stream, group, start string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// errSkip marks an entry outside the queue's bindings; it is acked silently.
var errSkip = errors.New("not bound")

type subscription struct {
	broker       *Broker
	stream       string
	group        string
	consumer     string
	destroyGroup bool
	cancel       context.CancelFunc
	done         chan struct{}
	once         sync.Once
	err          error
}

func (b *Broker) start(ctx context.Context, stream, group, queue string, destroyGroup bool, deliver func(context.Context, goredis.XMessage) error) *subscription {
	consumeCtx, cancel := context.WithCancel(ctx)

	b.mu.Lock()
	key := groupKey(stream, group)
	n := b.started[key]
	b.started[key] = n + 1
	b.active[key]++
	sub := &subscription{
		broker:       b,
		stream:       stream,
		group:        group,
		consumer:     fmt.Sprintf("%s-%d", b.consumer, n),
		destroyGroup: destroyGroup,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	log := b.log.With("stream", stream, "group", group, "consumer", sub.consumer)
	go func() {
		defer close(sub.done)
		b.consume(consumeCtx, sub, queue, deliver, log)
	}()
	return sub
}

func groupKey(stream, group string) string {
	return stream + "/" + group
}

func (b *Broker) consume(ctx context.Context, sub *subscription, queue string, deliver func(context.Context, goredis.XMessage) error, log *logger.Logger) {
	// "0" replays this consumer's unacknowledged entries; ">" reads new ones.
	cursor := "0"
	var lastClaim time.Time
	for ctx.Err() == nil {
		if cursor == ">" && time.Since(lastClaim) >= b.claimIdle {
			lastClaim = time.Now()
			for _, msg := range b.claimStale(ctx, sub, log) {
				if !b.handle(ctx, sub, queue, msg, deliver, log) {
					return
				}
			}
			continue
		}
		args := &goredis.XReadGroupArgs{
			Group:    sub.group,
			Consumer: sub.consumer,
			Streams:  []string{sub.stream, cursor},
			Count:    1,
			Block:    b.block,
		}
		if cursor == "0" {
			args.Block = -1
		}
		streams, err := b.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) || ctx.Err() != nil {
				continue
			}
			log.Warn("read failed", "error", err)
			if !sleep(ctx, readRetryDelay) {
				return
			}
			continue
		}
		messages := firstMessages(streams)
		if len(messages) == 0 {
			cursor = ">"
			continue
		}
		for _, msg := range messages {
			if !b.handle(ctx, sub, queue, msg, deliver, log) {
				return
			}
		}
	}
}

// claimStale takes over entries another consumer left pending for longer than
// the claim interval.
func (b *Broker) claimStale(ctx context.Context, sub *subscription, log *logger.Logger) []goredis.XMessage {
	messages, _, err := b.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   sub.stream,
		Group:    sub.group,
		Consumer: sub.consumer,
		MinIdle:  b.claimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if !errors.Is(err, goredis.Nil) && ctx.Err() == nil {
			log.Warn("claim failed", "error", err)
		}
		return nil
	}
	for _, msg := range messages {
		log.Info("claimed stale entry", "entry_id", msg.ID)
	}
	return messages
}

// handle delivers msg and acks it. It returns false, leaving msg pending, when
// the consumer was cancelled before the handler finished.
func (b *Broker) handle(ctx context.Context, sub *subscription, queue string, msg goredis.XMessage, deliver func(context.Context, goredis.XMessage) error, log *logger.Logger) bool {
	err := deliver(ctx, msg)
	if err != nil && ctx.Err() != nil {
		log.Info("entry left pending", "entry_id", msg.ID, "error", err)
		return false
	}
	if err != nil && !errors.Is(err, errSkip) {
		log.Warn("message dropped", "entry_id", msg.ID, "error", err)
		if b.deadLetter {
			values := map[string]any{
				fieldKind:  stringValue(msg.Values[fieldKind]),
				fieldBody:  stringValue(msg.Values[fieldBody]),
				fieldError: err.Error(),
			}
			if dlErr := b.add(context.WithoutCancel(ctx), queue+DeadLetterSuffix, values); dlErr != nil {
				log.Error("dead-letter failed", "entry_id", msg.ID, "error", dlErr)
			}
		}
	}
	if ackErr := b.client.XAck(context.WithoutCancel(ctx), sub.stream, sub.group, msg.ID).Err(); ackErr != nil {
		log.Error("ack failed", "entry_id", msg.ID, "error", ackErr)
	}
	return true
}

// Cancel stops the consumer. The last consumer of an exclusive or non-durable
// event queue destroys its group.
func (s *subscription) Cancel() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		key := groupKey(s.stream, s.group)
		s.broker.active[key]--
		last := s.broker.active[key] <= 0
		if last {
			delete(s.broker.active, key)
		}
		s.broker.mu.Unlock()
		if s.destroyGroup && last {
			ctx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
			defer cancel()
			if err := s.broker.client.XGroupDestroy(ctx, s.stream, s.group).Err(); err != nil {
				s.err = fmt.Errorf("destroy group %s: %w", s.group, err)
			}
		}
	})
	return s.err
}

func firstMessages(streams []goredis.XStream) []goredis.XMessage {
	if len(streams) == 0 {
		return nil
	}
	return streams[0].Messages
}

func stringValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
