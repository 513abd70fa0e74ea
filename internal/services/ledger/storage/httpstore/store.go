// Package httpstore is an event store client for the HTTP facade. It lets a
// process append and read events without a direct database driver.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apperrors "github.com/louisbranch/ledgerline/internal/platform/errors"
	"github.com/louisbranch/ledgerline/internal/platform/timeouts"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledgerline/internal/services/ledger/storage"
)

// StatusError is a non-2xx response from the facade. It unwraps to a platform
// error with the response code, so errors.Is matches storage sentinels.
type StatusError struct {
	StatusCode int
	Code       apperrors.Code
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("event store responded %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	return apperrors.New(e.Code, e.Message)
}

// Store implements storage.EventStore and storage.GlobalLog over HTTP.
type Store struct {
	baseURL *url.URL
	client  *http.Client
}

var (
	_ storage.EventStore = (*Store)(nil)
	_ storage.GlobalLog  = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithHTTPClient replaces the default traced client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

// New returns a client for the facade at baseURL.
func New(baseURL string, opts ...Option) (*Store, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("event store url is required")
	}
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse event store url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("event store url must be http or https: %q", baseURL)
	}
	s := &Store{
		baseURL: parsed,
		client: &http.Client{
			Timeout:   timeouts.StoreRequest,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type appendResponse struct {
	Appended int            `json:"appended"`
	Events   []event.Stored `json:"events"`
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// AppendToStream posts events to the stream.
func (s *Store) AppendToStream(ctx context.Context, streamID string, events []event.Event) ([]event.Stored, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return nil, storage.ErrStreamIDRequired
	}
	if len(events) == 0 {
		return []event.Stored{}, nil
	}
	body, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("encode events: %w", err)
	}
	var resp appendResponse
	if err := s.do(ctx, http.MethodPost, streamPath(streamID), nil, body, http.StatusCreated, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// LoadStream fetches events of streamID with sequence > from.
func (s *Store) LoadStream(ctx context.Context, streamID string, from uint64) ([]event.Stored, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return nil, storage.ErrStreamIDRequired
	}
	query := url.Values{}
	query.Set("from", strconv.FormatUint(from, 10))
	var events []event.Stored
	if err := s.do(ctx, http.MethodGet, streamPath(streamID), query, nil, http.StatusOK, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// LoadAllEvents fetches events of every stream with sequence > from.
func (s *Store) LoadAllEvents(ctx context.Context, from uint64, limit int) ([]event.Stored, error) {
	query := url.Values{}
	query.Set("from", strconv.FormatUint(from, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var events []event.Stored
	if err := s.do(ctx, http.MethodGet, []string{"events"}, query, nil, http.StatusOK, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// LoadLog fetches events with position > after.
func (s *Store) LoadLog(ctx context.Context, after uint64, limit int) ([]event.Stored, error) {
	query := url.Values{}
	query.Set("after", strconv.FormatUint(after, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var events []event.Stored
	if err := s.do(ctx, http.MethodGet, []string{"log"}, query, nil, http.StatusOK, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func streamPath(streamID string) []string {
	return []string{"streams", streamID, "events"}
}

func (s *Store) do(ctx context.Context, method string, elems []string, query url.Values, body []byte, wantStatus int, out any) error {
	if s == nil || s.client == nil || s.baseURL == nil {
		return storage.ErrNotConfigured
	}
	target := s.baseURL.JoinPath(elems...)
	path := target.EscapedPath()
	if query != nil {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "read response", err)
	}
	if resp.StatusCode != wantStatus {
		return statusError(resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func statusError(status int, raw []byte) error {
	statusErr := &StatusError{StatusCode: status, Code: apperrors.CodeUnknown, Message: http.StatusText(status)}
	var envelope errorEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		statusErr.Message = envelope.Error.Message
		if envelope.Error.Code != "" {
			statusErr.Code = apperrors.Code(envelope.Error.Code)
		}
	}
	return statusErr
}
