// Package postgres implements the event store on PostgreSQL through gorm.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledgerline/internal/services/ledger/storage"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Advisory lock keys. Appends hold appendLockKey for their whole transaction
// so positions become visible in allocation order and a LoadLog cursor never
// steps past a row that commits later.
const (
	appendLockKey int64 = 0x6c65646765720001
	claimLockKey  int64 = 0x6c65646765720002
)

// Store is a PostgreSQL-backed event store.
type Store struct {
	db            *gorm.DB
	outboxEnabled bool
	now           func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithOutbox toggles writing a publish_outbox row in each append transaction.
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

// Open connects to dsn and migrates the schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	store, err := New(ctx, db, opts...)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return store, nil
}

// New wraps an existing gorm handle and migrates the schema.
func New(ctx context.Context, db *gorm.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, storage.ErrNotConfigured
	}
	if err := db.WithContext(ctx).AutoMigrate(&streamCounterRow{}, &eventRow{}, &outboxRow{}); err != nil {
		return nil, fmt.Errorf("migrate event store schema: %w", err)
	}
	store := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Close closes the underlying pool. It is nil-safe.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return storage.ErrNotConfigured
	}
	return nil
}

// AppendToStream appends events one transaction per event.
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
	now := s.now().UTC().Truncate(time.Microsecond)
	payload := string(evt.Payload)
	if payload == "" {
		payload = "null"
	}
	row := eventRow{
		StreamID:      streamID,
		Kind:          string(evt.Kind),
		Payload:       payload,
		CorrelationID: evt.CorrelationID,
		Timestamp:     now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", appendLockKey).Error; err != nil {
			return fmt.Errorf("lock append: %w", err)
		}
		var seq int64
		if err := tx.Raw(
			`INSERT INTO stream_counters (stream_id, seq) VALUES (?, 1)
			 ON CONFLICT (stream_id) DO UPDATE SET seq = stream_counters.seq + 1
			 RETURNING seq`,
			streamID,
		).Scan(&seq).Error; err != nil {
			return fmt.Errorf("increment stream counter %s: %w", streamID, err)
		}
		row.Sequence = seq
		if err := tx.Create(&row).Error; err != nil {
			return mapError(fmt.Sprintf("append %s/%d", streamID, seq), err)
		}
		if s.outboxEnabled {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&outboxRow{
				Position:      row.Position,
				Status:        string(storage.OutboxPending),
				NextAttemptAt: now,
				UpdatedAt:     now,
			}).Error; err != nil {
				return fmt.Errorf("enqueue publish outbox: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return event.Stored{}, err
	}
	return toStored(row), nil
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
	var rows []eventRow
	if err := s.db.WithContext(ctx).
		Where("stream_id = ? AND sequence > ?", streamID, int64(from)).
		Order("sequence").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load stream %s: %w", streamID, err)
	}
	return toStoredList(rows), nil
}

// LoadAllEvents returns events of every stream after from ordered by sequence.
func (s *Store) LoadAllEvents(ctx context.Context, from uint64, limit int) ([]event.Stored, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).
		Where("sequence > ?", int64(from)).
		Order("sequence").Order("timestamp").Order("stream_id")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []eventRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load all events: %w", err)
	}
	return toStoredList(rows), nil
}

// LoadLog returns events after position in insertion order.
func (s *Store) LoadLog(ctx context.Context, after uint64, limit int) ([]event.Stored, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).Where("position > ?", int64(after)).Order("position")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []eventRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load log: %w", err)
	}
	return toStoredList(rows), nil
}

// mapError turns unique violations into ErrSequenceConflict.
func mapError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.TrimSpace(pgErr.Code) == "23505" {
		return fmt.Errorf("%s: %w", op, storage.ErrSequenceConflict)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%s: %w", op, storage.ErrSequenceConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func toStored(row eventRow) event.Stored {
	return event.Stored{
		Event: event.Event{
			Kind:          event.Kind(row.Kind),
			Payload:       []byte(row.Payload),
			CorrelationID: row.CorrelationID,
		},
		StreamID:  row.StreamID,
		Sequence:  uint64(row.Sequence),
		Position:  uint64(row.Position),
		Timestamp: row.Timestamp.UTC(),
	}
}

func toStoredList(rows []eventRow) []event.Stored {
	if len(rows) == 0 {
		return nil
	}
	out := make([]event.Stored, len(rows))
	for i, row := range rows {
		out[i] = toStored(row)
	}
	return out
}

var _ storage.Store = (*Store)(nil)
