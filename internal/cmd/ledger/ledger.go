// Package ledger parses ledger worker flags and launches the worker runtime.
package ledger

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/louisbranch/ledgerline/internal/platform/cmd"
	"github.com/louisbranch/ledgerline/internal/platform/logger"
	ledgerapp "github.com/louisbranch/ledgerline/internal/services/ledger/app"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/calendar"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/engine"
)

// Config holds ledger worker configuration.
type Config struct {
	HealthPort           int           `env:"LEDGERLINE_HEALTH_PORT" envDefault:"8091"`
	Store                string        `env:"LEDGERLINE_STORE" envDefault:"sqlite"`
	SQLitePath           string        `env:"LEDGERLINE_SQLITE_PATH" envDefault:"data/events.db"`
	PostgresDSN          string        `env:"LEDGERLINE_POSTGRES_DSN"`
	EventStoreURL        string        `env:"LEDGERLINE_EVENTSTORE_URL"`
	Broker               string        `env:"LEDGERLINE_BROKER" envDefault:"redis"`
	RedisAddr            string        `env:"LEDGERLINE_REDIS_ADDR" envDefault:"localhost:6379"`
	Consumer             string        `env:"LEDGERLINE_CONSUMER"`
	Consumers            int           `env:"LEDGERLINE_CONSUMERS" envDefault:"1"`
	DeadLetter           bool          `env:"LEDGERLINE_DEAD_LETTER" envDefault:"false"`
	PublishMode          string        `env:"LEDGERLINE_PUBLISH_MODE" envDefault:"direct"`
	CalendarCreatePolicy string        `env:"LEDGERLINE_CALENDAR_CREATE_POLICY" envDefault:"strict"`
	RelayPollInterval    time.Duration `env:"LEDGERLINE_RELAY_POLL_INTERVAL" envDefault:"2s"`
	RelayBatchSize       int           `env:"LEDGERLINE_RELAY_BATCH_SIZE" envDefault:"64"`
	RelayMaxAttempts     int           `env:"LEDGERLINE_RELAY_MAX_ATTEMPTS" envDefault:"8"`
	RelayRetryBackoff    time.Duration `env:"LEDGERLINE_RELAY_RETRY_BACKOFF" envDefault:"1s"`
	RelayRetryMaxDelay   time.Duration `env:"LEDGERLINE_RELAY_RETRY_MAX_DELAY" envDefault:"5m"`
	LogMode              string        `env:"LEDGERLINE_LOG_MODE" envDefault:"dev"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.HealthPort, "port", cfg.HealthPort, "The worker health gRPC server port")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "Event store backend: sqlite, postgres, http or memory")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "The SQLite event store path")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "The Postgres event store DSN")
	fs.StringVar(&cfg.EventStoreURL, "eventstore-url", cfg.EventStoreURL, "The HTTP event store base URL")
	fs.StringVar(&cfg.Broker, "broker", cfg.Broker, "Broker backend: redis or memory")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "The Redis address")
	fs.StringVar(&cfg.Consumer, "consumer", cfg.Consumer, "Stable consumer name; a restart with the same name resumes unacknowledged commands")
	fs.IntVar(&cfg.Consumers, "consumers", cfg.Consumers, "Consumers per command queue")
	fs.BoolVar(&cfg.DeadLetter, "dead-letter", cfg.DeadLetter, "Copy dropped messages to <queue>.dead")
	fs.StringVar(&cfg.PublishMode, "publish-mode", cfg.PublishMode, "Event publishing: direct or outbox")
	fs.StringVar(&cfg.CalendarCreatePolicy, "calendar-create-policy", cfg.CalendarCreatePolicy, "CreateCalendar on an existing calendar: strict or idempotent")
	fs.DurationVar(&cfg.RelayPollInterval, "relay-poll-interval", cfg.RelayPollInterval, "Outbox relay poll interval")
	fs.IntVar(&cfg.RelayMaxAttempts, "relay-max-attempts", cfg.RelayMaxAttempts, "Publish attempts before an outbox row is dead")
	fs.StringVar(&cfg.LogMode, "log-mode", cfg.LogMode, "Log encoding: dev or prod")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// runtimeConfig validates the selectors and maps cfg onto the runtime.
func runtimeConfig(cfg Config) (ledgerapp.RuntimeConfig, error) {
	mode, err := engine.ParsePublishMode(cfg.PublishMode)
	if err != nil {
		return ledgerapp.RuntimeConfig{}, err
	}
	policy, err := calendar.ParseCreatePolicy(cfg.CalendarCreatePolicy)
	if err != nil {
		return ledgerapp.RuntimeConfig{}, err
	}
	return ledgerapp.RuntimeConfig{
		HealthPort: cfg.HealthPort,
		Store: ledgerapp.StoreConfig{
			Backend:       cfg.Store,
			SQLitePath:    cfg.SQLitePath,
			PostgresDSN:   cfg.PostgresDSN,
			EventStoreURL: cfg.EventStoreURL,
		},
		Broker: ledgerapp.BrokerConfig{
			Backend:    cfg.Broker,
			RedisAddr:  cfg.RedisAddr,
			Consumer:   cfg.Consumer,
			DeadLetter: cfg.DeadLetter,
		},
		PublishMode:        mode,
		CalendarPolicy:     policy,
		Consumers:          cfg.Consumers,
		RelayPollInterval:  cfg.RelayPollInterval,
		RelayBatchSize:     cfg.RelayBatchSize,
		RelayMaxAttempts:   cfg.RelayMaxAttempts,
		RelayRetryBackoff:  cfg.RelayRetryBackoff,
		RelayRetryMaxDelay: cfg.RelayRetryMaxDelay,
	}, nil
}

// Run starts the ledger worker.
func Run(ctx context.Context, cfg Config) error {
	runtimeCfg, err := runtimeConfig(cfg)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()
	log = log.With("service", entrypoint.ServiceLedger)
	log.Info("starting", "store", cfg.Store, "broker", cfg.Broker, "postgres_dsn", cfg.PostgresDSN)

	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceLedger, entrypoint.RunOptions{Logger: log}, func(ctx context.Context, rt entrypoint.Runtime) error {
		return ledgerapp.Run(ctx, runtimeCfg, ledgerapp.Deps{Logger: log, Tracer: rt.Tracer})
	})
}
