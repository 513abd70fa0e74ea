package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/ledgerline/internal/services/ledger/storage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ClaimOutbox leases due rows. A row waits while an earlier row of its stream
// is backing off or leased.
func (s *Store) ClaimOutbox(ctx context.Context, now time.Time, limit int) ([]storage.OutboxEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	now = now.UTC()
	staleBefore := now.Add(-storage.OutboxLease)
	var entries []storage.OutboxEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Claims are serialized so a concurrent claimer never sees an earlier
		// row of a stream as due while this transaction is leasing it.
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", claimLockKey).Error; err != nil {
			return fmt.Errorf("lock outbox claim: %w", err)
		}
		waiting := []string{string(storage.OutboxPending), string(storage.OutboxFailed)}
		processing := string(storage.OutboxProcessing)
		var due []outboxRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("(status IN ? AND next_attempt_at <= ?) OR (status = ? AND updated_at <= ?)",
				waiting, now, processing, staleBefore).
			Where(`NOT EXISTS (
				SELECT 1 FROM publish_outbox p
				JOIN events pe ON pe.position = p.position
				JOIN events e ON e.position = publish_outbox.position
				WHERE pe.stream_id = e.stream_id
				  AND p.position < publish_outbox.position
				  AND ((p.status IN ? AND p.next_attempt_at > ?) OR (p.status = ? AND p.updated_at > ?)))`,
				waiting, now, processing, staleBefore).
			Order("position").
			Limit(limit).
			Find(&due).Error; err != nil {
			return fmt.Errorf("list due outbox rows: %w", err)
		}
		if len(due) == 0 {
			return nil
		}
		positions := make([]int64, len(due))
		attempts := make(map[int64]int, len(due))
		for i, row := range due {
			positions[i] = row.Position
			attempts[row.Position] = row.AttemptCount
		}
		var events []eventRow
		if err := tx.Where("position IN ?", positions).Order("position").Find(&events).Error; err != nil {
			return fmt.Errorf("load outbox events: %w", err)
		}
		if err := tx.Model(&outboxRow{}).
			Where("position IN ?", positions).
			Updates(map[string]any{"status": string(storage.OutboxProcessing), "updated_at": now}).Error; err != nil {
			return fmt.Errorf("claim outbox rows: %w", err)
		}
		for _, row := range events {
			entries = append(entries, storage.OutboxEntry{Event: toStored(row), AttemptCount: attempts[row.Position]})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// CompleteOutbox deletes a processing row.
func (s *Store) CompleteOutbox(ctx context.Context, position uint64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).
		Where("position = ? AND status = ?", int64(position), string(storage.OutboxProcessing)).
		Delete(&outboxRow{})
	if result.Error != nil {
		return fmt.Errorf("complete outbox row %d: %w", position, result.Error)
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("complete outbox row %d: expected 1 processing row, got %d", position, result.RowsAffected)
	}
	return nil
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
	result := s.db.WithContext(ctx).Model(&outboxRow{}).
		Where("position = ? AND status = ?", int64(position), string(storage.OutboxProcessing)).
		Updates(map[string]any{
			"status":          string(status),
			"attempt_count":   failure.Attempt,
			"next_attempt_at": failure.NextAttemptAt.UTC(),
			"last_error":      failure.LastError,
			"updated_at":      now.UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("fail outbox row %d: %w", position, result.Error)
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("fail outbox row %d: expected 1 processing row, got %d", position, result.RowsAffected)
	}
	return nil
}

// OutboxSummary counts rows by status.
func (s *Store) OutboxSummary(ctx context.Context) (storage.OutboxSummary, error) {
	if err := s.ready(ctx); err != nil {
		return storage.OutboxSummary{}, err
	}
	var counts []struct {
		Status string
		Count  int
	}
	if err := s.db.WithContext(ctx).Model(&outboxRow{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&counts).Error; err != nil {
		return storage.OutboxSummary{}, fmt.Errorf("query outbox summary counts: %w", err)
	}
	var summary storage.OutboxSummary
	for _, row := range counts {
		switch storage.OutboxStatus(row.Status) {
		case storage.OutboxPending:
			summary.PendingCount = row.Count
		case storage.OutboxProcessing:
			summary.ProcessingCount = row.Count
		case storage.OutboxFailed:
			summary.FailedCount = row.Count
		case storage.OutboxDead:
			summary.DeadCount = row.Count
		}
	}
	var oldest outboxRow
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(storage.OutboxPending), string(storage.OutboxFailed)}).
		Order("next_attempt_at").
		Take(&oldest).Error
	switch {
	case err == nil:
		summary.OldestPendingAt = oldest.NextAttemptAt.UTC()
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return storage.OutboxSummary{}, fmt.Errorf("query oldest pending outbox row: %w", err)
	}
	return summary, nil
}
