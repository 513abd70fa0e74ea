// Package eventstore parses event store facade flags and launches the server.
package eventstore

import (
	"context"
	"flag"
	"fmt"

	entrypoint "github.com/louisbranch/ledgerline/internal/platform/cmd"
	"github.com/louisbranch/ledgerline/internal/platform/logger"
	ledgerapp "github.com/louisbranch/ledgerline/internal/services/ledger/app"
)

// Config holds event store facade configuration.
type Config struct {
	Addr        string `env:"LEDGERLINE_HTTP_ADDR" envDefault:":8092"`
	Store       string `env:"LEDGERLINE_STORE" envDefault:"sqlite"`
	SQLitePath  string `env:"LEDGERLINE_SQLITE_PATH" envDefault:"data/events.db"`
	PostgresDSN string `env:"LEDGERLINE_POSTGRES_DSN"`
	Outbox      bool   `env:"LEDGERLINE_EVENTSTORE_OUTBOX" envDefault:"false"`
	LogMode     string `env:"LEDGERLINE_LOG_MODE" envDefault:"dev"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The HTTP listen address")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "Event store backend: sqlite, postgres or memory")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "The SQLite event store path")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "The Postgres event store DSN")
	fs.BoolVar(&cfg.Outbox, "outbox", cfg.Outbox, "Record an outbox row with every appended event")
	fs.StringVar(&cfg.LogMode, "log-mode", cfg.LogMode, "Log encoding: dev or prod")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the event store facade.
func Run(ctx context.Context, cfg Config) error {
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()
	log = log.With("service", entrypoint.ServiceEventStore)

	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceEventStore, entrypoint.RunOptions{Logger: log}, func(ctx context.Context, _ entrypoint.Runtime) error {
		return ledgerapp.RunEventStore(ctx, ledgerapp.EventStoreConfig{
			Addr: cfg.Addr,
			Store: ledgerapp.StoreConfig{
				Backend:     cfg.Store,
				SQLitePath:  cfg.SQLitePath,
				PostgresDSN: cfg.PostgresDSN,
				Outbox:      cfg.Outbox,
			},
		}, ledgerapp.Deps{Logger: log})
	})
}
