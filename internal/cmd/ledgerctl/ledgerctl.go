// Package ledgerctl sends one command onto its queue.
package ledgerctl

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/ledgerline/internal/platform/cmd"
	platformgrpc "github.com/louisbranch/ledgerline/internal/platform/grpc"
	"github.com/louisbranch/ledgerline/internal/platform/logger"
	ledgerapp "github.com/louisbranch/ledgerline/internal/services/ledger/app"
	"github.com/louisbranch/ledgerline/internal/services/ledger/broker"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/command"
)

// Config holds ledgerctl configuration.
type Config struct {
	Broker        string `env:"LEDGERLINE_BROKER" envDefault:"redis"`
	RedisAddr     string `env:"LEDGERLINE_REDIS_ADDR" envDefault:"localhost:6379"`
	Kind          string
	Payload       string
	CorrelationID string
	Queue         string
	WaitHealth    string
	WaitTimeout   time.Duration
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Broker, "broker", cfg.Broker, "Broker backend: redis or memory")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "The Redis address")
	fs.StringVar(&cfg.Kind, "kind", cfg.Kind, "Command kind, e.g. CreateOrder")
	fs.StringVar(&cfg.Payload, "payload", cfg.Payload, "Command payload as a JSON object")
	fs.StringVar(&cfg.CorrelationID, "correlation-id", cfg.CorrelationID, "Correlation id; generated by the worker when empty")
	fs.StringVar(&cfg.Queue, "queue", cfg.Queue, "Queue override; derived from the kind when empty")
	fs.StringVar(&cfg.WaitHealth, "wait-health", cfg.WaitHealth, "Worker health address to wait on before sending")
	fs.DurationVar(&cfg.WaitTimeout, "wait-timeout", 30*time.Second, "How long to wait for worker health")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Message validates cfg and returns the command and its queue.
func Message(cfg Config) (command.Command, string, error) {
	kind := command.Kind(strings.TrimSpace(cfg.Kind))
	if kind == "" {
		return command.Command{}, "", command.ErrKindRequired
	}
	payload := json.RawMessage(strings.TrimSpace(cfg.Payload))
	if len(payload) == 0 || payload[0] != '{' || !json.Valid(payload) {
		return command.Command{}, "", fmt.Errorf("%s: %w", kind, command.ErrPayloadInvalid)
	}
	queue := strings.TrimSpace(cfg.Queue)
	if queue == "" {
		var ok bool
		if queue, ok = ledgerapp.QueueFor(kind); !ok {
			return command.Command{}, "", fmt.Errorf("no queue carries %s; pass -queue", kind)
		}
	}
	return command.Command{Kind: kind, Payload: payload, CorrelationID: strings.TrimSpace(cfg.CorrelationID)}, queue, nil
}

// Send enqueues the command described by cfg on b.
func Send(ctx context.Context, b broker.Broker, cfg Config, out io.Writer) error {
	if b == nil {
		return errors.New("broker is required")
	}
	cmd, queue, err := Message(cfg)
	if err != nil {
		return err
	}
	if err := b.Send(ctx, queue, cmd); err != nil {
		return err
	}
	if out != nil {
		fmt.Fprintf(out, "sent %s to %s\n", cmd.Kind, queue)
	}
	return nil
}

// Run opens the configured broker and sends one command. The command outcome
// is only visible on the event stream.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if _, _, err := Message(cfg); err != nil {
		return err
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceLedgerCtl, func(ctx context.Context, _ entrypoint.Runtime) error {
		if addr := strings.TrimSpace(cfg.WaitHealth); addr != "" {
			if err := waitForWorker(ctx, addr, cfg.WaitTimeout); err != nil {
				return err
			}
		}
		b, err := ledgerapp.OpenBroker(ctx, ledgerapp.BrokerConfig{Backend: cfg.Broker, RedisAddr: cfg.RedisAddr}, logger.NewNop())
		if err != nil {
			return err
		}
		defer b.Close()
		return Send(ctx, b, cfg, out)
	})
}

func waitForWorker(ctx context.Context, addr string, timeout time.Duration) error {
	conn, err := platformgrpc.NewClient(addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return platformgrpc.WaitForHealth(ctx, conn, ledgerapp.HealthService, nil)
}
