package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	apperrors "github.com/louisbranch/ledgerline/internal/platform/errors"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledgerline/internal/services/ledger/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type failingStore struct{}

func (failingStore) AppendToStream(context.Context, string, []event.Event) ([]event.Stored, error) {
	return nil, errors.New("disk on fire")
}

func (failingStore) LoadStream(context.Context, string, uint64) ([]event.Stored, error) {
	return nil, errors.New("disk on fire")
}

func (failingStore) LoadAllEvents(context.Context, uint64, int) ([]event.Stored, error) {
	return nil, errors.New("disk on fire")
}

func newTestRouter(t *testing.T, cfg Config) *gin.Engine {
	t.Helper()
	router, err := NewRouter(cfg)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return router
}

func do(router http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var envelope ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return envelope.Error
}

func TestNewRouterRequiresStore(t *testing.T) {
	if _, err := NewRouter(Config{}); err == nil {
		t.Fatal("expected error without store")
	}
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t, Config{Store: memory.New()})
	rec := do(router, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("status = %q, want ok", body.Status)
	}
}

func TestAppendAndLoadStream(t *testing.T) {
	router := newTestRouter(t, Config{Store: memory.New()})
	rec := do(router, http.MethodPost, "/streams/order-o1/events",
		`[{"kind":"OrderCreated","payload":{"orderId":"o1","total":10},"correlationId":"c1"},{"kind":"OrderShipped","payload":{"orderId":"o1"},"correlationId":"c1"}]`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var appended AppendResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &appended); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if appended.Appended != 2 || len(appended.Events) != 2 || appended.Events[1].Sequence != 2 {
		t.Fatalf("append response = %+v", appended)
	}

	rec = do(router, http.MethodGet, "/streams/order-o1/events?from=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var events []event.Stored
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "OrderShipped" || events[0].StreamID != "order-o1" || events[0].CorrelationID != "c1" {
		t.Fatalf("events = %+v", events)
	}
}

func TestAppendRejectsNonArray(t *testing.T) {
	router := newTestRouter(t, Config{Store: memory.New()})
	rec := do(router, http.MethodPost, "/streams/order-o1/events", `{"kind":"OrderCreated"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if got := decodeError(t, rec); got.Code != string(apperrors.CodeBodyNotArray) {
		t.Fatalf("code = %q, want %q", got.Code, apperrors.CodeBodyNotArray)
	}

	rec = do(router, http.MethodPost, "/streams/order-o1/events", `[{"kind":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestAppendRejectsOversizedBody(t *testing.T) {
	store := memory.New()
	router := newTestRouter(t, Config{Store: store})
	evt := `{"kind":"OrderCreated","payload":{"note":"` + strings.Repeat("x", MaxBodyBytes) + `"}}`
	rec := do(router, http.MethodPost, "/streams/order-o1/events", "["+evt+"]")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
	if got := decodeError(t, rec); got.Code != string(apperrors.CodePayloadTooLarge) {
		t.Fatalf("code = %q, want %q", got.Code, apperrors.CodePayloadTooLarge)
	}
	stored, err := store.LoadStream(context.Background(), "order-o1", 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("stored = %d events, want 0", len(stored))
	}
}

func TestStoreErrorsAre500(t *testing.T) {
	router := newTestRouter(t, Config{Store: failingStore{}})
	for _, tc := range []struct {
		method, target, body string
	}{
		{http.MethodPost, "/streams/order-o1/events", `[]`},
		{http.MethodGet, "/streams/order-o1/events", ""},
		{http.MethodGet, "/events", ""},
	} {
		rec := do(router, tc.method, tc.target, tc.body)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("%s %s status = %d, want %d", tc.method, tc.target, rec.Code, http.StatusInternalServerError)
		}
		if got := decodeError(t, rec); got.Message != "internal error" {
			t.Fatalf("message = %q, want internal error", got.Message)
		}
	}
}

func TestLoadAllEventsAndLog(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	for _, streamID := range []string{"order-a", "order-b"} {
		if _, err := store.AppendToStream(ctx, streamID, []event.Event{
			{Kind: "OrderCreated", Payload: json.RawMessage(`{}`)},
			{Kind: "OrderShipped", Payload: json.RawMessage(`{}`)},
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	router := newTestRouter(t, Config{Store: store})

	rec := do(router, http.MethodGet, "/events?from=1&limit=1", "")
	var events []event.Stored
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 || events[0].Sequence != 2 {
		t.Fatalf("events = %+v", events)
	}

	rec = do(router, http.MethodGet, "/log?after=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("log status = %d, want %d", rec.Code, http.StatusOK)
	}
	events = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 2 || events[0].StreamID != "order-b" || events[0].Position != 3 {
		t.Fatalf("log = %+v", events)
	}
}

func TestInvalidQueries(t *testing.T) {
	router := newTestRouter(t, Config{Store: memory.New()})
	for _, target := range []string{"/events?from=-1", "/events?limit=x", "/streams/s/events?from=abc", "/log?after=1.5"} {
		rec := do(router, http.MethodGet, target, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s status = %d, want %d", target, rec.Code, http.StatusBadRequest)
		}
		if got := decodeError(t, rec); got.Code != string(apperrors.CodeQueryInvalid) {
			t.Fatalf("%s code = %q, want %q", target, got.Code, apperrors.CodeQueryInvalid)
		}
	}
}

func TestLogRouteRequiresGlobalLog(t *testing.T) {
	router := newTestRouter(t, Config{Store: failingStore{}})
	rec := do(router, http.MethodGet, "/log", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestEmptyStreamIsEmptyArray(t *testing.T) {
	router := newTestRouter(t, Config{Store: memory.New()})
	rec := do(router, http.MethodGet, "/streams/none/events", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("body = %q, want []", rec.Body.String())
	}
}
