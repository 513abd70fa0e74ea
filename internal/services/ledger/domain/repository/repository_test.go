package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/order"
	"github.com/louisbranch/ledgerline/internal/services/ledger/storage/memory"
)

func TestLoadReplaysAndBindsID(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	repo := New[*order.Order](store, order.StreamPrefix)

	fresh, err := repo.Load(ctx, "o1", order.New)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if fresh.ID() != "o1" || fresh.Version() != 0 {
		t.Fatalf("fresh = id %q version %d", fresh.ID(), fresh.Version())
	}
	if err := fresh.Create(order.CreatePayload{OrderID: "o1", UserID: "u1", Total: 10}, "c"); err != nil {
		t.Fatalf("create: %v", err)
	}
	stored, err := repo.Save(ctx, fresh)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(stored) != 1 || stored[0].StreamID != "order-o1" || stored[0].Sequence != 1 {
		t.Fatalf("stored = %+v", stored)
	}

	loaded, err := repo.Load(ctx, "o1", order.New)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.State().Status != order.StatusCreated || loaded.Version() != 1 {
		t.Fatalf("loaded state = %+v version %d", loaded.State(), loaded.Version())
	}
	if len(loaded.UncommittedEvents()) != 0 {
		t.Fatal("loaded aggregate has uncommitted events")
	}
}

func TestSaveWithoutEventsIsNoop(t *testing.T) {
	store := memory.New()
	repo := New[*order.Order](store, order.StreamPrefix)
	agg := order.New()
	agg.BindID("o1")
	stored, err := repo.Save(context.Background(), agg)
	if err != nil || stored != nil {
		t.Fatalf("save = %v, %v", stored, err)
	}
	log, err := store.LoadLog(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("load log: %v", err)
	}
	if len(log) != 0 {
		t.Fatalf("log = %+v", log)
	}
}

func TestSaveRequiresID(t *testing.T) {
	repo := New[*order.Order](memory.New(), order.StreamPrefix)
	agg := order.New()
	if err := agg.Create(order.CreatePayload{OrderID: "o1", UserID: "u1", Total: 1}, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.Save(context.Background(), agg); !errors.Is(err, ErrMissingAggregateID) {
		t.Fatalf("err = %v, want %v", err, ErrMissingAggregateID)
	}
}

func TestLoadValidation(t *testing.T) {
	ctx := context.Background()
	var nilRepo *Repository[*order.Order]
	if _, err := nilRepo.Load(ctx, "o1", order.New); !errors.Is(err, ErrEventStoreRequired) {
		t.Fatalf("err = %v, want %v", err, ErrEventStoreRequired)
	}
	repo := New[*order.Order](memory.New(), order.StreamPrefix)
	if _, err := repo.Load(ctx, "o1", nil); !errors.Is(err, ErrFactoryRequired) {
		t.Fatalf("err = %v, want %v", err, ErrFactoryRequired)
	}
	if _, err := repo.Load(ctx, " ", order.New); !errors.Is(err, ErrMissingAggregateID) {
		t.Fatalf("err = %v, want %v", err, ErrMissingAggregateID)
	}
}

func TestConcurrentWritersBothAppend(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	repo := New[*order.Order](store, order.StreamPrefix)

	first, err := repo.Load(ctx, "o1", order.New)
	if err != nil {
		t.Fatalf("load first: %v", err)
	}
	second, err := repo.Load(ctx, "o1", order.New)
	if err != nil {
		t.Fatalf("load second: %v", err)
	}
	for _, agg := range []*order.Order{first, second} {
		if err := agg.Create(order.CreatePayload{OrderID: "o1", UserID: "u1", Total: 1}, ""); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := repo.Save(ctx, agg); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	history, err := store.LoadStream(ctx, "order-o1", 0)
	if err != nil {
		t.Fatalf("load stream: %v", err)
	}
	// Without an expected-version check both decisions land.
	if len(history) != 2 || history[0].Kind != order.EventCreated || history[1].Kind != order.EventCreated {
		t.Fatalf("history = %+v", history)
	}
	if history[0].Sequence != 1 || history[1].Sequence != 2 {
		t.Fatalf("sequences = %d, %d", history[0].Sequence, history[1].Sequence)
	}
}
