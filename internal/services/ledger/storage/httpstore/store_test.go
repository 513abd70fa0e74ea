package httpstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	apperrors "github.com/louisbranch/ledgerline/internal/platform/errors"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledgerline/internal/services/ledger/storage"
	"github.com/louisbranch/ledgerline/internal/services/ledger/storage/memory"
	"github.com/louisbranch/ledgerline/internal/services/ledger/storage/storagetest"
	ledgerhttp "github.com/louisbranch/ledgerline/internal/services/ledger/transport/http"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	router, err := ledgerhttp.NewRouter(ledgerhttp.Config{Store: memory.New()})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	store, err := New(server.URL, WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestEventStoreContract(t *testing.T) {
	storagetest.RunEventStore(t, func(t *testing.T) storage.EventStore {
		return openTestStore(t)
	})
}

func TestLoadLog(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.AppendToStream(ctx, "b", []event.Event{storagetest.Event("A", 1)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.AppendToStream(ctx, "a", []event.Event{storagetest.Event("A", 2), storagetest.Event("A", 3)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	log, err := store.LoadLog(ctx, 1, 1)
	if err != nil {
		t.Fatalf("load log: %v", err)
	}
	if len(log) != 1 || log[0].Position != 2 || log[0].StreamID != "a" {
		t.Fatalf("log = %+v", log)
	}
}

func TestNewValidatesURL(t *testing.T) {
	for _, raw := range []string{"", "  ", "ftp://example.com", "://bad"} {
		if _, err := New(raw); err == nil {
			t.Fatalf("New(%q) expected error", raw)
		}
	}
}

func TestErrorResponsesCarryStatusAndCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"message":"stream sequence already taken","code":"SEQUENCE_CONFLICT"}}`))
	}))
	defer server.Close()

	store, err := New(server.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = store.AppendToStream(context.Background(), "s", []event.Event{storagetest.Event("A", 1)})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusConflict || statusErr.Code != apperrors.CodeSequenceConflict {
		t.Fatalf("status error = %+v", statusErr)
	}
	if !errors.Is(err, storage.ErrSequenceConflict) {
		t.Fatalf("err = %v, want match on %v", err, storage.ErrSequenceConflict)
	}
}

func TestUnreachableServerIsStoreUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	store, err := New(url)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = store.LoadStream(context.Background(), "s", 0)
	if apperrors.CodeOf(err) != apperrors.CodeStoreUnavailable {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeStoreUnavailable)
	}
}

func TestNilStore(t *testing.T) {
	var store *Store
	if _, err := store.LoadAllEvents(context.Background(), 0, 0); !errors.Is(err, storage.ErrNotConfigured) {
		t.Fatalf("err = %v, want %v", err, storage.ErrNotConfigured)
	}
}
