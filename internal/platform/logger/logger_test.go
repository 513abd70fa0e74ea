package logger

import "testing"

func TestNewModes(t *testing.T) {
	for _, mode := range []string{"dev", "prod", ""} {
		log, err := New(mode)
		if err != nil {
			t.Fatalf("new(%q): %v", mode, err)
		}
		log.With("component", "test").Debug("hello", "k", "v")
	}
}

func TestSanitizeKVsRedactsCredentials(t *testing.T) {
	got := sanitizeKVs([]interface{}{"postgres_dsn", "postgres://u:p@h/db", "stream_id", "order-1", "dangling"})
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	if got[1] != "[REDACTED]" {
		t.Fatalf("dsn value = %v, want redacted", got[1])
	}
	if got[3] != "order-1" {
		t.Fatalf("stream id value = %v, want order-1", got[3])
	}
	if got[4] != "dangling" {
		t.Fatalf("dangling key = %v, want preserved", got[4])
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	log := NewNop()
	log.Error("ignored", "error", "boom")
	log.Sync()
}
