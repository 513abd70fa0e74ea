// Package memory provides an in-process event store for tests and
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledgerline/internal/services/ledger/storage"
)

type outboxRow struct {
	position      uint64
	status        storage.OutboxStatus
	attemptCount  int
	nextAttemptAt time.Time
	lastError     string
	updatedAt     time.Time
}

// Store is a mutex-guarded event store.
type Store struct {
	mu            sync.Mutex
	counters      map[string]uint64
	streams       map[string][]event.Stored
	log           []event.Stored
	outbox        map[uint64]*outboxRow
	outboxEnabled bool
	closed        bool
	now           func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithOutbox enables writing an outbox row for each appended event.
func WithOutbox(enabled bool) Option {
	return func(s *Store) { s.outboxEnabled = enabled }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		counters: make(map[string]uint64),
		streams:  make(map[string][]event.Stored),
		outbox:   make(map[uint64]*outboxRow),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// AppendToStream stores events one at a time, each under its own lock hold.
func (s *Store) AppendToStream(ctx context.Context, streamID string, events []event.Event) ([]event.Stored, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return nil, storage.ErrStreamIDRequired
	}
	stored := make([]event.Stored, 0, len(events))
	for _, evt := range events {
		if err := ctx.Err(); err != nil {
			return stored, err
		}
		record, err := s.appendOne(streamID, evt)
		if err != nil {
			return stored, err
		}
		stored = append(stored, record)
	}
	return stored, nil
}

func (s *Store) appendOne(streamID string, evt event.Event) (event.Stored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return event.Stored{}, storage.ErrNotConfigured
	}
	s.counters[streamID]++
	now := s.now().UTC().Truncate(time.Millisecond)
	record := event.Stored{
		Event:     cloneEvent(evt),
		StreamID:  streamID,
		Sequence:  s.counters[streamID],
		Position:  uint64(len(s.log)) + 1,
		Timestamp: now,
	}
	s.streams[streamID] = append(s.streams[streamID], record)
	s.log = append(s.log, record)
	if s.outboxEnabled {
		s.outbox[record.Position] = &outboxRow{
			position:      record.Position,
			status:        storage.OutboxPending,
			nextAttemptAt: now,
			updatedAt:     now,
		}
	}
	return record, nil
}

// LoadStream returns the events of streamID after from.
func (s *Store) LoadStream(ctx context.Context, streamID string, from uint64) ([]event.Stored, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return nil, storage.ErrStreamIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrNotConfigured
	}
	var out []event.Stored
	for _, record := range s.streams[streamID] {
		if record.Sequence > from {
			out = append(out, cloneStored(record))
		}
	}
	return out, nil
}

// LoadAllEvents returns every stream's events after from ordered by sequence.
func (s *Store) LoadAllEvents(ctx context.Context, from uint64, limit int) ([]event.Stored, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	var out []event.Stored
	for _, record := range s.log {
		if record.Sequence > from {
			out = append(out, cloneStored(record))
		}
	}
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, storage.ErrNotConfigured
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].StreamID < out[j].StreamID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LoadLog returns events after the given position in insertion order.
func (s *Store) LoadLog(ctx context.Context, after uint64, limit int) ([]event.Stored, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrNotConfigured
	}
	if after >= uint64(len(s.log)) {
		return nil, nil
	}
	tail := s.log[after:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]event.Stored, len(tail))
	for i, record := range tail {
		out[i] = cloneStored(record)
	}
	return out, nil
}

// ClaimOutbox leases due rows. A row waits while an earlier row of its stream
// is backing off or leased.
func (s *Store) ClaimOutbox(ctx context.Context, now time.Time, limit int) ([]storage.OutboxEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrNotConfigured
	}
	staleBefore := now.Add(-storage.OutboxLease)
	all := make([]uint64, 0, len(s.outbox))
	for position := range s.outbox {
		all = append(all, position)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	held := make(map[string]bool)
	positions := make([]uint64, 0, limit)
	for _, position := range all {
		if len(positions) == limit {
			break
		}
		row := s.outbox[position]
		streamID := s.log[position-1].StreamID
		if held[streamID] {
			continue
		}
		if due(row, now, staleBefore) {
			positions = append(positions, position)
		} else if row.status != storage.OutboxDead {
			held[streamID] = true
		}
	}
	entries := make([]storage.OutboxEntry, 0, len(positions))
	for _, position := range positions {
		row := s.outbox[position]
		row.status = storage.OutboxProcessing
		row.updatedAt = now
		entries = append(entries, storage.OutboxEntry{
			Event:        cloneStored(s.log[position-1]),
			AttemptCount: row.attemptCount,
		})
	}
	return entries, nil
}

func due(row *outboxRow, now, staleBefore time.Time) bool {
	switch row.status {
	case storage.OutboxPending, storage.OutboxFailed:
		return !row.nextAttemptAt.After(now)
	case storage.OutboxProcessing:
		return !row.updatedAt.After(staleBefore)
	default:
		return false
	}
}

// CompleteOutbox removes a processing row.
func (s *Store) CompleteOutbox(ctx context.Context, position uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.outbox[position]
	if !ok || row.status != storage.OutboxProcessing {
		return fmt.Errorf("complete outbox row %d: row is not processing", position)
	}
	delete(s.outbox, position)
	return nil
}

// FailOutbox records a failed attempt on a processing row.
func (s *Store) FailOutbox(ctx context.Context, position uint64, now time.Time, failure storage.OutboxFailure) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.outbox[position]
	if !ok || row.status != storage.OutboxProcessing {
		return fmt.Errorf("fail outbox row %d: row is not processing", position)
	}
	row.status = storage.OutboxFailed
	if failure.Dead {
		row.status = storage.OutboxDead
	}
	row.attemptCount = failure.Attempt
	row.nextAttemptAt = failure.NextAttemptAt
	row.lastError = failure.LastError
	row.updatedAt = now
	return nil
}

// OutboxSummary counts rows by status.
func (s *Store) OutboxSummary(ctx context.Context) (storage.OutboxSummary, error) {
	if err := ctx.Err(); err != nil {
		return storage.OutboxSummary{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var summary storage.OutboxSummary
	for _, row := range s.outbox {
		switch row.status {
		case storage.OutboxPending:
			summary.PendingCount++
		case storage.OutboxProcessing:
			summary.ProcessingCount++
		case storage.OutboxFailed:
			summary.FailedCount++
		case storage.OutboxDead:
			summary.DeadCount++
		}
		if row.status == storage.OutboxPending || row.status == storage.OutboxFailed {
			if summary.OldestPendingAt.IsZero() || row.nextAttemptAt.Before(summary.OldestPendingAt) {
				summary.OldestPendingAt = row.nextAttemptAt
			}
		}
	}
	return summary, nil
}

// Close marks the store closed. Further calls fail with ErrNotConfigured.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneEvent(evt event.Event) event.Event {
	evt.Payload = append([]byte(nil), evt.Payload...)
	return evt
}

func cloneStored(record event.Stored) event.Stored {
	record.Event = cloneEvent(record.Event)
	return record
}

var _ storage.Store = (*Store)(nil)
