// Package http serves an event store over HTTP for processes without a
// direct store driver.
package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	apperrors "github.com/louisbranch/ledgerline/internal/platform/errors"
	"github.com/louisbranch/ledgerline/internal/platform/logger"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledgerline/internal/services/ledger/storage"
)

// MaxBodyBytes caps one append request body.
const MaxBodyBytes = 4 << 20

// Config wires the facade.
type Config struct {
	Store storage.EventStore
	// Log serves GET /log. When nil the store is used if it implements
	// storage.GlobalLog; otherwise the route is not registered.
	Log         storage.GlobalLog
	Logger      *logger.Logger
	ServiceName string
}

type handler struct {
	store storage.EventStore
	log   *logger.Logger
}

// NewRouter builds the facade routes on a fresh gin engine.
func NewRouter(cfg Config) (*gin.Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("event store is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "eventstore"
	}
	globalLog := cfg.Log
	if globalLog == nil {
		globalLog, _ = cfg.Store.(storage.GlobalLog)
	}

	h := &handler{store: cfg.Store, log: log.With("component", "eventstore_http")}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))
	r.Use(h.requestLog())

	r.GET("/health", h.health)
	r.POST("/streams/:id/events", h.appendToStream)
	r.GET("/streams/:id/events", h.loadStream)
	r.GET("/events", h.loadAllEvents)
	if globalLog != nil {
		r.GET("/log", func(c *gin.Context) { h.loadLog(c, globalLog) })
	}
	return r, nil
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *handler) appendToStream(c *gin.Context) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondCode(c, http.StatusRequestEntityTooLarge, apperrors.CodePayloadTooLarge, fmt.Errorf("body exceeds %d bytes", tooLarge.Limit))
		return
	}
	if err != nil {
		respondCode(c, http.StatusBadRequest, apperrors.CodePayloadInvalid, fmt.Errorf("read body: %w", err))
		return
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		respondCode(c, http.StatusBadRequest, apperrors.CodeBodyNotArray, fmt.Errorf("body must be a JSON array of events"))
		return
	}
	var events []event.Event
	if err := json.Unmarshal(trimmed, &events); err != nil {
		respondCode(c, http.StatusBadRequest, apperrors.CodePayloadInvalid, fmt.Errorf("decode events: %w", err))
		return
	}
	stored, err := h.store.AppendToStream(c.Request.Context(), c.Param("id"), events)
	if err != nil {
		h.log.Error("append failed", "stream_id", c.Param("id"), "error", err)
		respondError(c, err)
		return
	}
	if stored == nil {
		stored = []event.Stored{}
	}
	c.JSON(http.StatusCreated, AppendResponse{Appended: len(stored), Events: stored})
}

func (h *handler) loadStream(c *gin.Context) {
	from, ok := queryUint(c, "from")
	if !ok {
		return
	}
	events, err := h.store.LoadStream(c.Request.Context(), c.Param("id"), from)
	if err != nil {
		h.log.Error("load stream failed", "stream_id", c.Param("id"), "error", err)
		respondError(c, err)
		return
	}
	respondEvents(c, events)
}

func (h *handler) loadAllEvents(c *gin.Context) {
	from, ok := queryUint(c, "from")
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	events, err := h.store.LoadAllEvents(c.Request.Context(), from, limit)
	if err != nil {
		h.log.Error("load all events failed", "error", err)
		respondError(c, err)
		return
	}
	respondEvents(c, events)
}

func (h *handler) loadLog(c *gin.Context, globalLog storage.GlobalLog) {
	after, ok := queryUint(c, "after")
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	events, err := globalLog.LoadLog(c.Request.Context(), after, limit)
	if err != nil {
		h.log.Error("load log failed", "error", err)
		respondError(c, err)
		return
	}
	respondEvents(c, events)
}

func (h *handler) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func respondEvents(c *gin.Context, events []event.Stored) {
	if events == nil {
		events = []event.Stored{}
	}
	c.JSON(http.StatusOK, events)
}

func queryUint(c *gin.Context, name string) (uint64, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, true
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		respondCode(c, http.StatusBadRequest, apperrors.CodeQueryInvalid, fmt.Errorf("%s must be a non-negative integer", name))
		return 0, false
	}
	return value, true
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		respondCode(c, http.StatusBadRequest, apperrors.CodeQueryInvalid, fmt.Errorf("limit must be a non-negative integer"))
		return 0, false
	}
	return value, true
}
