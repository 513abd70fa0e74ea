package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/louisbranch/ledgerline/internal/platform/logger"
	"github.com/louisbranch/ledgerline/internal/platform/timeouts"
	ledgerhttp "github.com/louisbranch/ledgerline/internal/services/ledger/transport/http"
)

// EventStoreConfig controls the HTTP event store facade.
type EventStoreConfig struct {
	Addr  string
	Store StoreConfig
}

const defaultEventStoreAddr = ":8092"

// RunEventStore opens the configured store and serves it over HTTP until ctx
// is done.
func RunEventStore(ctx context.Context, cfg EventStoreConfig, deps Deps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Store.Backend == StoreHTTP {
		return errors.New("the event store facade cannot proxy another facade")
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultEventStoreAddr
	}

	backend, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := backend.Close(); closeErr != nil {
			log.Warn("close event store", "error", closeErr)
		}
	}()

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ServeEventStore(ctx, backend, listener, log)
}

// ServeEventStore serves backend on listener until ctx is done, then shuts
// down gracefully. It closes listener.
func ServeEventStore(ctx context.Context, backend *Backend, listener net.Listener, log *logger.Logger) error {
	if log == nil {
		log = logger.NewNop()
	}
	if backend == nil {
		return errors.New("event store is required")
	}
	router, err := ledgerhttp.NewRouter(ledgerhttp.Config{
		Store:  backend.Events,
		Log:    backend.Log,
		Logger: log,
	})
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()
	log.Info("event store listening", "addr", listener.Addr().String())

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve event store: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Shutdown)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown event store: %w", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve event store: %w", err)
	}
	return nil
}
