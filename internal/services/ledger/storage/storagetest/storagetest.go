// Package storagetest holds the behaviour suite every event store backend must pass.
package storagetest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledgerline/internal/services/ledger/storage"
)

// Event builds a test event with a small JSON payload.
func Event(kind string, n int) event.Event {
	return event.Event{
		Kind:          event.Kind(kind),
		Payload:       json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)),
		CorrelationID: fmt.Sprintf("corr-%d", n),
	}
}

// RunEventStore exercises the EventStore contract. open must return an empty store.
func RunEventStore(t *testing.T, open func(t *testing.T) storage.EventStore) {
	t.Helper()

	t.Run("append assigns consecutive sequences", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		stored, err := store.AppendToStream(ctx, "order-o1", []event.Event{Event("A", 1), Event("B", 2)})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if len(stored) != 2 || stored[0].Sequence != 1 || stored[1].Sequence != 2 {
			t.Fatalf("stored = %+v", stored)
		}
		more, err := store.AppendToStream(ctx, "order-o1", []event.Event{Event("C", 3)})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if more[0].Sequence != 3 {
			t.Fatalf("sequence = %d, want 3", more[0].Sequence)
		}
		other, err := store.AppendToStream(ctx, "order-o2", []event.Event{Event("A", 4)})
		if err != nil {
			t.Fatalf("append other stream: %v", err)
		}
		if other[0].Sequence != 1 {
			t.Fatalf("other stream sequence = %d, want 1", other[0].Sequence)
		}
		if stored[0].Timestamp.IsZero() || stored[0].StreamID != "order-o1" {
			t.Fatalf("stored metadata = %+v", stored[0])
		}
	})

	t.Run("load stream round trips in order", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		input := []event.Event{Event("A", 1), Event("B", 2), Event("C", 3)}
		if _, err := store.AppendToStream(ctx, "s", input); err != nil {
			t.Fatalf("append: %v", err)
		}
		loaded, err := store.LoadStream(ctx, "s", 0)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if len(loaded) != 3 {
			t.Fatalf("loaded = %d, want 3", len(loaded))
		}
		for i, record := range loaded {
			if record.Sequence != uint64(i+1) || record.Kind != input[i].Kind || record.CorrelationID != input[i].CorrelationID {
				t.Fatalf("record %d = %+v", i, record)
			}
			if !SameJSON(record.Payload, input[i].Payload) {
				t.Fatalf("payload %d = %s, want %s", i, record.Payload, input[i].Payload)
			}
		}
		tail, err := store.LoadStream(ctx, "s", 2)
		if err != nil {
			t.Fatalf("load tail: %v", err)
		}
		if len(tail) != 1 || tail[0].Sequence != 3 {
			t.Fatalf("tail = %+v", tail)
		}
		missing, err := store.LoadStream(ctx, "missing", 0)
		if err != nil {
			t.Fatalf("load missing: %v", err)
		}
		if len(missing) != 0 {
			t.Fatalf("missing stream = %+v", missing)
		}
	})

	t.Run("stream id required", func(t *testing.T) {
		store := open(t)
		if _, err := store.AppendToStream(context.Background(), " ", []event.Event{Event("A", 1)}); !errors.Is(err, storage.ErrStreamIDRequired) {
			t.Fatalf("append err = %v, want %v", err, storage.ErrStreamIDRequired)
		}
		if _, err := store.LoadStream(context.Background(), "", 0); !errors.Is(err, storage.ErrStreamIDRequired) {
			t.Fatalf("load err = %v, want %v", err, storage.ErrStreamIDRequired)
		}
	})

	t.Run("empty append stores nothing", func(t *testing.T) {
		store := open(t)
		stored, err := store.AppendToStream(context.Background(), "s", nil)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if len(stored) != 0 {
			t.Fatalf("stored = %+v", stored)
		}
	})

	t.Run("concurrent appends never share a sequence", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		if _, err := store.AppendToStream(ctx, "hot", []event.Event{Event("Seed", 0)}); err != nil {
			t.Fatalf("seed: %v", err)
		}
		const writers, perWriter = 8, 5
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				batch := make([]event.Event, perWriter)
				for i := range batch {
					batch[i] = Event("Hit", w*perWriter+i)
				}
				if _, err := store.AppendToStream(ctx, "hot", batch); err != nil {
					errs <- err
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("concurrent append: %v", err)
		}
		loaded, err := store.LoadStream(ctx, "hot", 0)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		want := 1 + writers*perWriter
		if len(loaded) != want {
			t.Fatalf("loaded = %d, want %d", len(loaded), want)
		}
		seqs := make([]uint64, len(loaded))
		for i, record := range loaded {
			seqs[i] = record.Sequence
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for i, seq := range seqs {
			if seq != uint64(i+1) {
				t.Fatalf("sequences = %v, want 1..%d", seqs, want)
			}
		}
	})

	t.Run("load all events orders by sequence", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		if _, err := store.AppendToStream(ctx, "b", []event.Event{Event("A", 1), Event("A", 2)}); err != nil {
			t.Fatalf("append: %v", err)
		}
		if _, err := store.AppendToStream(ctx, "a", []event.Event{Event("A", 3)}); err != nil {
			t.Fatalf("append: %v", err)
		}
		all, err := store.LoadAllEvents(ctx, 0, 0)
		if err != nil {
			t.Fatalf("load all: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("all = %d, want 3", len(all))
		}
		for i := 1; i < len(all); i++ {
			if all[i].Sequence < all[i-1].Sequence {
				t.Fatalf("not ordered by sequence: %+v", all)
			}
		}
		if all[2].StreamID != "b" || all[2].Sequence != 2 {
			t.Fatalf("last = %+v, want b/2", all[2])
		}
		limited, err := store.LoadAllEvents(ctx, 0, 2)
		if err != nil {
			t.Fatalf("load limited: %v", err)
		}
		if len(limited) != 2 {
			t.Fatalf("limited = %d, want 2", len(limited))
		}
		after, err := store.LoadAllEvents(ctx, 1, 0)
		if err != nil {
			t.Fatalf("load after: %v", err)
		}
		if len(after) != 1 || after[0].Sequence != 2 {
			t.Fatalf("after = %+v", after)
		}
	})
}

// RunGlobalLog exercises the GlobalLog contract.
func RunGlobalLog(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Helper()
	t.Run("positions follow insertion order", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		for i, stream := range []string{"x", "y", "x", "z"} {
			if _, err := store.AppendToStream(ctx, stream, []event.Event{Event("A", i)}); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		log, err := store.LoadLog(ctx, 0, 0)
		if err != nil {
			t.Fatalf("load log: %v", err)
		}
		if len(log) != 4 {
			t.Fatalf("log = %d, want 4", len(log))
		}
		wantStreams := []string{"x", "y", "x", "z"}
		for i, record := range log {
			if record.StreamID != wantStreams[i] {
				t.Fatalf("log[%d] stream = %s, want %s", i, record.StreamID, wantStreams[i])
			}
			if i > 0 && record.Position <= log[i-1].Position {
				t.Fatalf("positions not increasing: %+v", log)
			}
		}
		page, err := store.LoadLog(ctx, log[1].Position, 1)
		if err != nil {
			t.Fatalf("load page: %v", err)
		}
		if len(page) != 1 || page[0].Position != log[2].Position {
			t.Fatalf("page = %+v", page)
		}
	})
}

// RunOutbox exercises the Outbox contract. open must return an empty store with
// the outbox enabled.
func RunOutbox(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Helper()

	t.Run("claim complete and fail", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		stored, err := store.AppendToStream(ctx, "s", []event.Event{Event("A", 1), Event("B", 2)})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		now := time.Now().Add(time.Second)
		claimed, err := store.ClaimOutbox(ctx, now, 10)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if len(claimed) != 2 || claimed[0].Event.Position != stored[0].Position || claimed[0].Event.Kind != "A" {
			t.Fatalf("claimed = %+v", claimed)
		}
		again, err := store.ClaimOutbox(ctx, now, 10)
		if err != nil {
			t.Fatalf("claim again: %v", err)
		}
		if len(again) != 0 {
			t.Fatalf("leased rows claimed twice: %+v", again)
		}

		if err := store.CompleteOutbox(ctx, stored[0].Position); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if err := store.FailOutbox(ctx, stored[1].Position, now, storage.OutboxFailure{
			Attempt:       1,
			NextAttemptAt: now.Add(time.Minute),
			LastError:     "broker down",
		}); err != nil {
			t.Fatalf("fail: %v", err)
		}
		summary, err := store.OutboxSummary(ctx)
		if err != nil {
			t.Fatalf("summary: %v", err)
		}
		if summary.FailedCount != 1 || summary.PendingCount != 0 || summary.ProcessingCount != 0 {
			t.Fatalf("summary = %+v", summary)
		}

		early, err := store.ClaimOutbox(ctx, now.Add(30*time.Second), 10)
		if err != nil {
			t.Fatalf("claim early: %v", err)
		}
		if len(early) != 0 {
			t.Fatalf("row claimed before next attempt: %+v", early)
		}
		retry, err := store.ClaimOutbox(ctx, now.Add(2*time.Minute), 10)
		if err != nil {
			t.Fatalf("claim retry: %v", err)
		}
		if len(retry) != 1 || retry[0].AttemptCount != 1 {
			t.Fatalf("retry = %+v", retry)
		}
		if err := store.FailOutbox(ctx, stored[1].Position, now, storage.OutboxFailure{Attempt: 2, NextAttemptAt: now, Dead: true}); err != nil {
			t.Fatalf("fail dead: %v", err)
		}
		dead, err := store.ClaimOutbox(ctx, now.Add(time.Hour), 10)
		if err != nil {
			t.Fatalf("claim dead: %v", err)
		}
		if len(dead) != 0 {
			t.Fatalf("dead row claimed: %+v", dead)
		}
		summary, err = store.OutboxSummary(ctx)
		if err != nil {
			t.Fatalf("summary: %v", err)
		}
		if summary.DeadCount != 1 {
			t.Fatalf("summary = %+v", summary)
		}
	})

	t.Run("later rows of a stream wait for earlier ones", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		first, err := store.AppendToStream(ctx, "s", []event.Event{Event("A", 1), Event("B", 2)})
		if err != nil {
			t.Fatalf("append s: %v", err)
		}
		other, err := store.AppendToStream(ctx, "t", []event.Event{Event("C", 3)})
		if err != nil {
			t.Fatalf("append t: %v", err)
		}
		now := time.Now().Add(time.Second)
		head, err := store.ClaimOutbox(ctx, now, 1)
		if err != nil {
			t.Fatalf("claim head: %v", err)
		}
		if len(head) != 1 || head[0].Event.Position != first[0].Position {
			t.Fatalf("head = %+v", head)
		}
		leased, err := store.ClaimOutbox(ctx, now, 10)
		if err != nil {
			t.Fatalf("claim while leased: %v", err)
		}
		if len(leased) != 1 || leased[0].Event.Position != other[0].Position {
			t.Fatalf("claimed behind a lease = %+v, want only %d", leased, other[0].Position)
		}

		if err := store.FailOutbox(ctx, first[0].Position, now, storage.OutboxFailure{
			Attempt:       1,
			NextAttemptAt: now.Add(time.Minute),
			LastError:     "broker down",
		}); err != nil {
			t.Fatalf("fail head: %v", err)
		}
		backoff, err := store.ClaimOutbox(ctx, now, 10)
		if err != nil {
			t.Fatalf("claim during backoff: %v", err)
		}
		if len(backoff) != 0 {
			t.Fatalf("claimed behind a backoff = %+v", backoff)
		}

		later := now.Add(2 * time.Minute)
		retry, err := store.ClaimOutbox(ctx, later, 10)
		if err != nil {
			t.Fatalf("claim retry: %v", err)
		}
		if len(retry) != 2 || retry[0].Event.Position != first[0].Position || retry[1].Event.Position != first[1].Position {
			t.Fatalf("retry = %+v, want positions %d then %d", retry, first[0].Position, first[1].Position)
		}

		if err := store.FailOutbox(ctx, first[0].Position, later, storage.OutboxFailure{Attempt: 2, NextAttemptAt: later, Dead: true}); err != nil {
			t.Fatalf("fail dead: %v", err)
		}
		if err := store.FailOutbox(ctx, first[1].Position, later, storage.OutboxFailure{NextAttemptAt: later}); err != nil {
			t.Fatalf("release: %v", err)
		}
		afterDead, err := store.ClaimOutbox(ctx, later, 10)
		if err != nil {
			t.Fatalf("claim after dead: %v", err)
		}
		if len(afterDead) != 1 || afterDead[0].Event.Position != first[1].Position {
			t.Fatalf("after dead = %+v, want %d", afterDead, first[1].Position)
		}
	})

	t.Run("stale lease is reclaimed", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		if _, err := store.AppendToStream(ctx, "s", []event.Event{Event("A", 1)}); err != nil {
			t.Fatalf("append: %v", err)
		}
		now := time.Now().Add(time.Second)
		if claimed, err := store.ClaimOutbox(ctx, now, 1); err != nil || len(claimed) != 1 {
			t.Fatalf("claim = %v, %v", claimed, err)
		}
		reclaimed, err := store.ClaimOutbox(ctx, now.Add(storage.OutboxLease+time.Second), 1)
		if err != nil {
			t.Fatalf("reclaim: %v", err)
		}
		if len(reclaimed) != 1 {
			t.Fatalf("reclaimed = %+v", reclaimed)
		}
	})

	t.Run("complete requires a claim", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		stored, err := store.AppendToStream(ctx, "s", []event.Event{Event("A", 1)})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := store.CompleteOutbox(ctx, stored[0].Position); err == nil {
			t.Fatal("expected completing an unclaimed row to fail")
		}
	})
}

// SameJSON reports whether a and b encode the same JSON value.
func SameJSON(a, b []byte) bool {
	var left, right any
	if err := json.Unmarshal(a, &left); err != nil {
		return bytes.Equal(a, b)
	}
	if err := json.Unmarshal(b, &right); err != nil {
		return false
	}
	l, _ := json.Marshal(left)
	r, _ := json.Marshal(right)
	return bytes.Equal(l, r)
}
