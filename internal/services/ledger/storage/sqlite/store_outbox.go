package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/ledgerline/internal/services/ledger/storage"
)

// ClaimOutbox leases due rows and returns them with their events. A row waits
// while an earlier row of its stream is backing off or leased.
func (s *Store) ClaimOutbox(ctx context.Context, now time.Time, limit int) ([]storage.OutboxEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin outbox claim tx: %w", err)
	}
	defer tx.Rollback()

	staleBefore := now.Add(-storage.OutboxLease)
	rows, err := tx.QueryContext(
		ctx,
		`SELECT e.position, e.stream_id, e.sequence, e.kind, e.payload, e.correlation_id, e.timestamp, o.attempt_count
		 FROM publish_outbox o
		 JOIN events e ON e.position = o.position
		 WHERE ((o.status IN ('pending', 'failed') AND o.next_attempt_at <= ?)
		    OR (o.status = 'processing' AND o.updated_at <= ?))
		   AND NOT EXISTS (
		     SELECT 1 FROM publish_outbox p
		     JOIN events pe ON pe.position = p.position
		     WHERE pe.stream_id = e.stream_id
		       AND p.position < o.position
		       AND ((p.status IN ('pending', 'failed') AND p.next_attempt_at > ?)
		         OR (p.status = 'processing' AND p.updated_at > ?)))
		 ORDER BY o.position
		 LIMIT ?`,
		toMillis(now),
		toMillis(staleBefore),
		toMillis(now),
		toMillis(staleBefore),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due outbox rows: %w", err)
	}
	var entries []storage.OutboxEntry
	for rows.Next() {
		var entry storage.OutboxEntry
		var attempts int
		record, err := scanEvent(scanFunc(func(dest ...any) error {
			return rows.Scan(append(dest, &attempts)...)
		}))
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan due outbox row: %w", err)
		}
		entry.Event = record
		entry.AttemptCount = attempts
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate due outbox rows: %w", err)
	}
	rows.Close()

	for _, entry := range entries {
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE publish_outbox SET status = 'processing', updated_at = ? WHERE position = ?`,
			toMillis(now),
			int64(entry.Event.Position),
		); err != nil {
			return nil, fmt.Errorf("claim outbox row %d: %w", entry.Event.Position, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit outbox claim tx: %w", err)
	}
	return entries, nil
}

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

// CompleteOutbox deletes a processing row.
func (s *Store) CompleteOutbox(ctx context.Context, position uint64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM publish_outbox WHERE position = ? AND status = 'processing'`,
		int64(position),
	)
	if err != nil {
		return fmt.Errorf("complete outbox row %d: %w", position, err)
	}
	return ensureSingleRow(result, "complete outbox row", position)
}

// FailOutbox records a failed attempt on a processing row.
func (s *Store) FailOutbox(ctx context.Context, position uint64, now time.Time, failure storage.OutboxFailure) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	status := storage.OutboxFailed
	if failure.Dead {
		status = storage.OutboxDead
	}
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE publish_outbox
		 SET status = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		 WHERE position = ? AND status = 'processing'`,
		string(status),
		failure.Attempt,
		toMillis(failure.NextAttemptAt),
		failure.LastError,
		toMillis(now),
		int64(position),
	)
	if err != nil {
		return fmt.Errorf("fail outbox row %d: %w", position, err)
	}
	return ensureSingleRow(result, "fail outbox row", position)
}

func ensureSingleRow(result sql.Result, operation string, position uint64) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %d rows affected: %w", operation, position, err)
	}
	if affected != 1 {
		return fmt.Errorf("%s %d: expected 1 processing row, got %d", operation, position, affected)
	}
	return nil
}

// OutboxSummary counts rows by status.
func (s *Store) OutboxSummary(ctx context.Context) (storage.OutboxSummary, error) {
	if err := s.ready(ctx); err != nil {
		return storage.OutboxSummary{}, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT status, COUNT(*) FROM publish_outbox GROUP BY status`)
	if err != nil {
		return storage.OutboxSummary{}, fmt.Errorf("query outbox summary counts: %w", err)
	}
	defer rows.Close()

	var summary storage.OutboxSummary
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return storage.OutboxSummary{}, fmt.Errorf("scan outbox summary count: %w", err)
		}
		switch storage.OutboxStatus(status) {
		case storage.OutboxPending:
			summary.PendingCount = count
		case storage.OutboxProcessing:
			summary.ProcessingCount = count
		case storage.OutboxFailed:
			summary.FailedCount = count
		case storage.OutboxDead:
			summary.DeadCount = count
		}
	}
	if err := rows.Err(); err != nil {
		return storage.OutboxSummary{}, fmt.Errorf("iterate outbox summary counts: %w", err)
	}
	rows.Close()

	var oldest int64
	err = s.sqlDB.QueryRowContext(
		ctx,
		`SELECT next_attempt_at FROM publish_outbox
		 WHERE status IN ('pending', 'failed')
		 ORDER BY next_attempt_at ASC LIMIT 1`,
	).Scan(&oldest)
	switch {
	case err == nil:
		summary.OldestPendingAt = fromMillis(oldest)
	case errors.Is(err, sql.ErrNoRows):
	default:
		return storage.OutboxSummary{}, fmt.Errorf("query oldest pending outbox row: %w", err)
	}
	return summary, nil
}
