package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/louisbranch/ledgerline/internal/platform/config"
	"github.com/louisbranch/ledgerline/internal/platform/logger"
	"github.com/louisbranch/ledgerline/internal/services/ledger/broker"
	brokermemory "github.com/louisbranch/ledgerline/internal/services/ledger/broker/memory"
	brokerredis "github.com/louisbranch/ledgerline/internal/services/ledger/broker/redis"
	"github.com/louisbranch/ledgerline/internal/services/ledger/storage"
	"github.com/louisbranch/ledgerline/internal/services/ledger/storage/httpstore"
	storagememory "github.com/louisbranch/ledgerline/internal/services/ledger/storage/memory"
	"github.com/louisbranch/ledgerline/internal/services/ledger/storage/postgres"
	"github.com/louisbranch/ledgerline/internal/services/ledger/storage/sqlite"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreHTTP     = "http"
	StoreMemory   = "memory"
)

// Broker backends.
const (
	BrokerRedis  = "redis"
	BrokerMemory = "memory"
)

// StoreConfig selects and configures the event store.
type StoreConfig struct {
	Backend       string
	SQLitePath    string
	PostgresDSN   string
	EventStoreURL string
	// Outbox records an outbox row with every event. The HTTP backend cannot.
	Outbox bool
}

// Backend is an opened event store. Log and Outbox are nil when the backend
// does not provide them.
type Backend struct {
	Events storage.EventStore
	Log    storage.GlobalLog
	Outbox storage.Outbox
	close  func() error
}

// Close releases the backend.
func (b *Backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}

// OpenStore opens the configured event store.
func OpenStore(ctx context.Context, cfg StoreConfig) (*Backend, error) {
	backend, err := config.OneOf("store", cfg.Backend, StoreSQLite, StorePostgres, StoreHTTP, StoreMemory)
	if err != nil {
		return nil, err
	}
	switch backend {
	case StoreSQLite:
		path := strings.TrimSpace(cfg.SQLitePath)
		if path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create event store dir: %w", err)
			}
		}
		store, err := sqlite.Open(ctx, path, sqlite.WithOutbox(cfg.Outbox))
		if err != nil {
			return nil, fmt.Errorf("open sqlite event store: %w", err)
		}
		return fullBackend(store, cfg.Outbox), nil
	case StorePostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.WithOutbox(cfg.Outbox))
		if err != nil {
			return nil, fmt.Errorf("open postgres event store: %w", err)
		}
		return fullBackend(store, cfg.Outbox), nil
	case StoreHTTP:
		if cfg.Outbox {
			return nil, fmt.Errorf("the http event store does not support outbox publishing")
		}
		store, err := httpstore.New(cfg.EventStoreURL)
		if err != nil {
			return nil, err
		}
		return &Backend{Events: store, Log: store}, nil
	default:
		return fullBackend(storagememory.New(storagememory.WithOutbox(cfg.Outbox)), cfg.Outbox), nil
	}
}

func fullBackend(store storage.Store, outbox bool) *Backend {
	backend := &Backend{Events: store, Log: store, close: store.Close}
	if outbox {
		backend.Outbox = store
	}
	return backend
}

// BrokerConfig selects and configures the broker.
type BrokerConfig struct {
	Backend    string
	RedisAddr  string
	Consumer   string
	DeadLetter bool
}

// OpenBroker opens the configured broker.
func OpenBroker(ctx context.Context, cfg BrokerConfig, log *logger.Logger) (broker.Broker, error) {
	backend, err := config.OneOf("broker", cfg.Backend, BrokerRedis, BrokerMemory)
	if err != nil {
		return nil, err
	}
	if backend == BrokerMemory {
		return brokermemory.New(log), nil
	}
	b, err := brokerredis.Open(ctx, cfg.RedisAddr, log,
		brokerredis.WithConsumerName(cfg.Consumer),
		brokerredis.WithDeadLetter(cfg.DeadLetter),
	)
	if err != nil {
		return nil, fmt.Errorf("open redis broker: %w", err)
	}
	return b, nil
}
