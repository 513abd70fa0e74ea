package storage

import (
	"context"
	"time"

	apperrors "github.com/louisbranch/ledgerline/internal/platform/errors"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
)

var (
	// ErrStreamIDRequired indicates an append or read without a stream id.
	ErrStreamIDRequired = apperrors.New(apperrors.CodePayloadInvalid, "stream id is required")
	// ErrNotConfigured indicates a nil or closed store.
	ErrNotConfigured = apperrors.New(apperrors.CodeStoreUnavailable, "storage is not configured")
	// ErrSequenceConflict indicates two writers raced for the same stream sequence.
	ErrSequenceConflict = apperrors.New(apperrors.CodeSequenceConflict, "stream sequence already taken")
)

// EventStore is the append-only per-stream event log.
type EventStore interface {
	// AppendToStream stores events in order and returns them with sequence,
	// position and timestamp assigned.
	AppendToStream(ctx context.Context, streamID string, events []event.Event) ([]event.Stored, error)
	// LoadStream returns events of streamID with sequence > from, ascending.
	LoadStream(ctx context.Context, streamID string, from uint64) ([]event.Stored, error)
	// LoadAllEvents returns events of every stream with sequence > from, ordered
	// by sequence and then timestamp and stream id. Sequence is only comparable
	// within one stream, so this is not a global cursor; use GlobalLog for that.
	// A limit <= 0 means no limit.
	LoadAllEvents(ctx context.Context, from uint64, limit int) ([]event.Stored, error)
}

// GlobalLog reads every stream in store insertion order.
type GlobalLog interface {
	// LoadLog returns events with position > after, ascending. A limit <= 0
	// means no limit.
	LoadLog(ctx context.Context, after uint64, limit int) ([]event.Stored, error)
}

// OutboxStatus is the delivery state of one outbox row.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxFailed     OutboxStatus = "failed"
	OutboxDead       OutboxStatus = "dead"
)

// OutboxLease is how long a claimed row stays invisible to other relays.
const OutboxLease = 2 * time.Minute

// OutboxEntry is a claimed event awaiting publication.
type OutboxEntry struct {
	Event        event.Stored
	AttemptCount int
}

// OutboxFailure records one failed publish attempt.
type OutboxFailure struct {
	Attempt       int
	NextAttemptAt time.Time
	LastError     string
	// Dead stops further retries.
	Dead bool
}

// OutboxSummary reports outbox depth by status.
type OutboxSummary struct {
	PendingCount    int
	ProcessingCount int
	FailedCount     int
	DeadCount       int
	OldestPendingAt time.Time
}

// Outbox tracks events appended but not yet published. Rows are written in the
// same transaction as the event they point at.
type Outbox interface {
	// ClaimOutbox leases up to limit due rows, oldest position first.
	ClaimOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxEntry, error)
	// CompleteOutbox deletes a processing row after a successful publish.
	CompleteOutbox(ctx context.Context, position uint64) error
	// FailOutbox returns a processing row to failed or dead.
	FailOutbox(ctx context.Context, position uint64, now time.Time, failure OutboxFailure) error
	OutboxSummary(ctx context.Context) (OutboxSummary, error)
}

// Store is what a full backend provides.
type Store interface {
	EventStore
	GlobalLog
	Outbox
	Close() error
}
