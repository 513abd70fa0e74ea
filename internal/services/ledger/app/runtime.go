package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/ledgerline/internal/platform/logger"
	"github.com/louisbranch/ledgerline/internal/services/ledger/broker"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/calendar"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/engine"
	"github.com/louisbranch/ledgerline/internal/services/ledger/outbox"
)

// HealthService is the gRPC health service name reported by the worker.
const HealthService = "ledger.runtime"

// RuntimeConfig controls worker startup, dependencies and relay behaviour.
type RuntimeConfig struct {
	HealthPort     int
	Store          StoreConfig
	Broker         BrokerConfig
	PublishMode    engine.PublishMode
	CalendarPolicy calendar.CreatePolicy
	// Queues lists the command queues to consume. Empty means both.
	Queues []string
	// Consumers is the number of consumers per queue.
	Consumers int

	RelayPollInterval  time.Duration
	RelayBatchSize     int
	RelayMaxAttempts   int
	RelayRetryBackoff  time.Duration
	RelayRetryMaxDelay time.Duration
}

// Deps carries the process-wide handles created by the entrypoint.
type Deps struct {
	Logger *logger.Logger
	Tracer trace.Tracer
}

const defaultHealthPort = 8091

// Run opens the store and broker, consumes the command queues until ctx is
// done and, in outbox mode, runs the outbox relay alongside.
func Run(ctx context.Context, cfg RuntimeConfig, deps Deps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.HealthPort <= 0 {
		cfg.HealthPort = defaultHealthPort
	}
	if cfg.PublishMode == "" {
		cfg.PublishMode = engine.PublishDirect
	}
	cfg.Store.Outbox = cfg.PublishMode == engine.PublishOutbox

	backend, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := backend.Close(); closeErr != nil {
			log.Warn("close event store", "error", closeErr)
		}
	}()

	b, err := OpenBroker(ctx, cfg.Broker, log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := b.Close(); closeErr != nil {
			log.Warn("close broker", "error", closeErr)
		}
	}()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HealthPort))
	if err != nil {
		return fmt.Errorf("listen on health port %d: %w", cfg.HealthPort, err)
	}
	defer listener.Close()

	return Serve(ctx, cfg, deps, backend, b, listener)
}

// Serve runs the worker on already opened dependencies. The caller owns and
// closes backend, b and listener.
func Serve(ctx context.Context, cfg RuntimeConfig, deps Deps, backend *Backend, b broker.Broker, listener net.Listener) error {
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	if backend == nil || backend.Events == nil {
		return errors.New("event store is required")
	}
	if b == nil {
		return errors.New("broker is required")
	}
	if cfg.PublishMode == engine.PublishOutbox && backend.Outbox == nil {
		return errors.New("outbox publishing requires a store with an outbox")
	}

	dispatcher, err := NewDispatcher(DomainConfig{
		Store:          backend.Events,
		Publisher:      b,
		Mode:           cfg.PublishMode,
		CalendarPolicy: cfg.CalendarPolicy,
		Tracer:         deps.Tracer,
	})
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}

	queues := cfg.Queues
	if len(queues) == 0 {
		queues = []string{broker.OrdersQueue, broker.CalendarsQueue}
	}
	consumers := cfg.Consumers
	if consumers <= 0 {
		consumers = 1
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve health: %w", err)
		}
		return nil
	})

	var subs []broker.Subscription
	handler := CommandConsumer(dispatcher, log.With("component", "command_consumer"))
	for _, queue := range queues {
		for i := 0; i < consumers; i++ {
			sub, err := b.ConsumeQueue(groupCtx, queue, handler)
			if err != nil {
				grpcServer.Stop()
				_ = group.Wait()
				cancelAll(subs, log)
				return fmt.Errorf("consume %s: %w", queue, err)
			}
			subs = append(subs, sub)
		}
	}

	if cfg.PublishMode == engine.PublishOutbox {
		relay := &outbox.Relay{
			Store:         backend.Outbox,
			Publisher:     b,
			BatchSize:     cfg.RelayBatchSize,
			PollInterval:  cfg.RelayPollInterval,
			MaxAttempts:   cfg.RelayMaxAttempts,
			RetryBackoff:  cfg.RelayRetryBackoff,
			RetryMaxDelay: cfg.RelayRetryMaxDelay,
			Logger:        log,
		}
		group.Go(func() error {
			return relay.Run(groupCtx)
		})
	}

	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_SERVING)
	log.Info("ledger worker started",
		"health_addr", listener.Addr().String(),
		"queues", queues,
		"consumers", consumers,
		"publish_mode", string(cfg.PublishMode),
	)

	group.Go(func() error {
		<-groupCtx.Done()
		healthServer.Shutdown()
		cancelAll(subs, log)
		grpcServer.GracefulStop()
		return nil
	})
	return group.Wait()
}

func cancelAll(subs []broker.Subscription, log *logger.Logger) {
	for _, sub := range subs {
		if err := sub.Cancel(); err != nil {
			log.Warn("cancel consumer", "error", err)
		}
	}
}
