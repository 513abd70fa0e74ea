package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledgerline/internal/services/ledger/storage"
)

const selectEventColumns = `SELECT position, stream_id, sequence, kind, payload, correlation_id, timestamp FROM events`

// AppendToStream appends events one transaction per event. Each transaction
// bumps the stream counter, inserts the event and, when enabled, its outbox row.
func (s *Store) AppendToStream(ctx context.Context, streamID string, events []event.Event) ([]event.Stored, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return nil, storage.ErrStreamIDRequired
	}
	stored := make([]event.Stored, 0, len(events))
	for _, evt := range events {
		record, err := s.appendOne(ctx, streamID, evt)
		if err != nil {
			return stored, err
		}
		stored = append(stored, record)
	}
	return stored, nil
}

func (s *Store) appendOne(ctx context.Context, streamID string, evt event.Event) (event.Stored, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return event.Stored{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(
		ctx,
		`INSERT INTO stream_counters (stream_id, seq) VALUES (?, 1)
		 ON CONFLICT(stream_id) DO UPDATE SET seq = seq + 1
		 RETURNING seq`,
		streamID,
	).Scan(&seq); err != nil {
		return event.Stored{}, fmt.Errorf("increment stream counter %s: %w", streamID, err)
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	payload := string(evt.Payload)
	if payload == "" {
		payload = "null"
	}
	result, err := tx.ExecContext(
		ctx,
		`INSERT INTO events (stream_id, sequence, kind, payload, correlation_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		streamID,
		seq,
		string(evt.Kind),
		payload,
		evt.CorrelationID,
		toMillis(now),
	)
	if err != nil {
		if isConstraintError(err) {
			return event.Stored{}, fmt.Errorf("append %s/%d: %w", streamID, seq, storage.ErrSequenceConflict)
		}
		return event.Stored{}, fmt.Errorf("append event %s/%d: %w", streamID, seq, err)
	}
	position, err := result.LastInsertId()
	if err != nil {
		return event.Stored{}, fmt.Errorf("read event position: %w", err)
	}
	if s.outboxEnabled {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO publish_outbox (position, status, attempt_count, next_attempt_at, last_error, updated_at)
			 VALUES (?, 'pending', 0, ?, '', ?)
			 ON CONFLICT(position) DO NOTHING`,
			position,
			toMillis(now),
			toMillis(now),
		); err != nil {
			return event.Stored{}, fmt.Errorf("enqueue publish outbox: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return event.Stored{}, fmt.Errorf("commit: %w", err)
	}
	return event.Stored{
		Event:     evt,
		StreamID:  streamID,
		Sequence:  uint64(seq),
		Position:  uint64(position),
		Timestamp: now,
	}, nil
}

// LoadStream returns events of streamID after from.
func (s *Store) LoadStream(ctx context.Context, streamID string, from uint64) ([]event.Stored, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return nil, storage.ErrStreamIDRequired
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		selectEventColumns+` WHERE stream_id = ? AND sequence > ? ORDER BY sequence`,
		streamID,
		int64(from),
	)
	if err != nil {
		return nil, fmt.Errorf("load stream %s: %w", streamID, err)
	}
	return scanEvents(rows)
}

// LoadAllEvents returns events of every stream after from ordered by sequence.
func (s *Store) LoadAllEvents(ctx context.Context, from uint64, limit int) ([]event.Stored, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		selectEventColumns+` WHERE sequence > ? ORDER BY sequence, timestamp, stream_id LIMIT ?`,
		int64(from),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load all events: %w", err)
	}
	return scanEvents(rows)
}

// LoadLog returns events after position in insertion order.
func (s *Store) LoadLog(ctx context.Context, after uint64, limit int) ([]event.Stored, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		selectEventColumns+` WHERE position > ? ORDER BY position LIMIT ?`,
		int64(after),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load log: %w", err)
	}
	return scanEvents(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (event.Stored, error) {
	var (
		record    event.Stored
		position  int64
		sequence  int64
		kind      string
		payload   string
		timestamp int64
	)
	if err := row.Scan(&position, &record.StreamID, &sequence, &kind, &payload, &record.CorrelationID, &timestamp); err != nil {
		return event.Stored{}, err
	}
	record.Position = uint64(position)
	record.Sequence = uint64(sequence)
	record.Kind = event.Kind(kind)
	record.Payload = []byte(payload)
	record.Timestamp = fromMillis(timestamp)
	return record, nil
}

func scanEvents(rows *sql.Rows) ([]event.Stored, error) {
	defer rows.Close()
	var out []event.Stored
	for rows.Next() {
		record, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
