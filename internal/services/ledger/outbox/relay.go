// Package outbox publishes events recorded in the store outbox.
//
// With outbox publishing enabled the store writes an outbox row in the same
// transaction as each event, and the command handler does not publish at all.
// The relay claims due rows, publishes them and deletes each row only after
// its publish succeeded. A failed publish is retried with exponential backoff
// until the attempt limit, then parked as dead for an operator.
//
// Delivery is at-least-once: a relay that crashes between publish and
// complete publishes the row again once its lease expires.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/ledgerline/internal/platform/logger"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledgerline/internal/services/ledger/storage"
)

const (
	defaultBatchSize     = 64
	defaultPollInterval  = 2 * time.Second
	defaultRetryBackoff  = time.Second
	defaultRetryMaxDelay = 5 * time.Minute
	defaultMaxAttempts   = 8
)

// Publisher publishes one domain event.
type Publisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

// Relay drains the outbox into a publisher.
type Relay struct {
	Store     storage.Outbox
	Publisher Publisher
	// BatchSize caps the rows claimed per poll.
	BatchSize    int
	PollInterval time.Duration
	// RetryBackoff is the delay after the first failure; it doubles per attempt.
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
	// MaxAttempts is the number of failed publishes after which a row is dead.
	MaxAttempts int
	Logger      *logger.Logger
	Now         func() time.Time
}

func (r *Relay) normalized() Relay {
	n := *r
	if n.BatchSize <= 0 {
		n.BatchSize = defaultBatchSize
	}
	if n.PollInterval <= 0 {
		n.PollInterval = defaultPollInterval
	}
	if n.RetryBackoff <= 0 {
		n.RetryBackoff = defaultRetryBackoff
	}
	if n.RetryMaxDelay <= 0 {
		n.RetryMaxDelay = defaultRetryMaxDelay
	}
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = defaultMaxAttempts
	}
	if n.Logger == nil {
		n.Logger = logger.NewNop()
	}
	if n.Now == nil {
		n.Now = time.Now
	}
	return n
}

// Run polls until ctx is done. A full batch is followed by another poll
// without waiting.
func (r *Relay) Run(ctx context.Context) error {
	if r == nil || r.Store == nil || r.Publisher == nil {
		return errors.New("outbox relay requires a store and a publisher")
	}
	cfg := r.normalized()
	log := cfg.Logger.With("component", "outbox_relay")
	log.Info("outbox relay started", "batch_size", cfg.BatchSize, "poll_interval", cfg.PollInterval.String())

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		for {
			claimed, err := cfg.process(ctx, log)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Error("outbox poll failed", "error", err)
				break
			}
			if claimed < cfg.BatchSize {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce processes one batch and returns how many rows it claimed.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	if r == nil || r.Store == nil || r.Publisher == nil {
		return 0, errors.New("outbox relay requires a store and a publisher")
	}
	cfg := r.normalized()
	return cfg.process(ctx, cfg.Logger.With("component", "outbox_relay"))
}

func (r Relay) process(ctx context.Context, log *logger.Logger) (int, error) {
	entries, err := r.Store.ClaimOutbox(ctx, r.Now().UTC(), r.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim outbox: %w", err)
	}
	// A failed row holds back the rest of its stream in this batch.
	held := make(map[string]uint64)
	for _, entry := range entries {
		position := entry.Event.Position
		if blocker, ok := held[entry.Event.StreamID]; ok {
			if err := r.Store.FailOutbox(ctx, position, r.Now().UTC(), storage.OutboxFailure{
				Attempt:       entry.AttemptCount,
				NextAttemptAt: r.Now().UTC(),
				LastError:     fmt.Sprintf("waiting on position %d", blocker),
			}); err != nil {
				return len(entries), fmt.Errorf("release outbox row %d: %w", position, err)
			}
			continue
		}
		publishErr := r.Publisher.Publish(ctx, entry.Event.Event)
		if publishErr == nil {
			if err := r.Store.CompleteOutbox(ctx, position); err != nil {
				return len(entries), fmt.Errorf("complete outbox row %d: %w", position, err)
			}
			continue
		}

		now := r.Now().UTC()
		attempt := entry.AttemptCount + 1
		failure := storage.OutboxFailure{
			Attempt:       attempt,
			NextAttemptAt: now.Add(r.backoff(attempt)),
			LastError:     publishErr.Error(),
			Dead:          attempt >= r.MaxAttempts,
		}
		if failure.Dead {
			log.Error("outbox row dead", "position", position, "kind", string(entry.Event.Kind), "attempt", attempt, "error", publishErr)
		} else {
			log.Warn("outbox publish failed", "position", position, "kind", string(entry.Event.Kind), "attempt", attempt, "error", publishErr)
		}
		if err := r.Store.FailOutbox(ctx, position, now, failure); err != nil {
			return len(entries), fmt.Errorf("fail outbox row %d: %w", position, err)
		}
		if !failure.Dead {
			held[entry.Event.StreamID] = position
		}
	}
	return len(entries), nil
}

// backoff doubles RetryBackoff per attempt, capped at RetryMaxDelay.
func (r Relay) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := r.RetryBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= r.RetryMaxDelay {
			return r.RetryMaxDelay
		}
	}
	if delay > r.RetryMaxDelay {
		return r.RetryMaxDelay
	}
	return delay
}
