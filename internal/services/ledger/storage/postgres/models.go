package postgres

import "time"

type streamCounterRow struct {
	StreamID string `gorm:"column:stream_id;primaryKey"`
	Seq      int64  `gorm:"column:seq;not null"`
}

func (streamCounterRow) TableName() string { return "stream_counters" }

type eventRow struct {
	Position      int64     `gorm:"column:position;primaryKey;autoIncrement"`
	StreamID      string    `gorm:"column:stream_id;not null;uniqueIndex:idx_events_stream_sequence,priority:1"`
	Sequence      int64     `gorm:"column:sequence;not null;uniqueIndex:idx_events_stream_sequence,priority:2;index:idx_events_sequence"`
	Kind          string    `gorm:"column:kind;not null"`
	Payload       string    `gorm:"column:payload;type:text;not null"`
	CorrelationID string    `gorm:"column:correlation_id;not null;default:''"`
	Timestamp     time.Time `gorm:"column:timestamp;not null"`
}

func (eventRow) TableName() string { return "events" }

type outboxRow struct {
	Position      int64     `gorm:"column:position;primaryKey;autoIncrement:false"`
	Status        string    `gorm:"column:status;not null;index:idx_publish_outbox_due,priority:1"`
	AttemptCount  int       `gorm:"column:attempt_count;not null;default:0"`
	NextAttemptAt time.Time `gorm:"column:next_attempt_at;not null;index:idx_publish_outbox_due,priority:2"`
	LastError     string    `gorm:"column:last_error;not null;default:''"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null"`
}

func (outboxRow) TableName() string { return "publish_outbox" }
