// Package grpc holds gRPC client helpers shared by the ledger binaries.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/ledgerline/internal/platform/logger"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// ErrConnRequired indicates a health wait without a connection.
var ErrConnRequired = errors.New("gRPC connection is not configured")

// NewClient returns a lazily connecting plaintext client for in-cluster health
// probes. Calls carry trace context when a TracerProvider is registered.
func NewClient(addr string) (*gogrpc.ClientConn, error) {
	conn, err := gogrpc.NewClient(addr,
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
		gogrpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// WaitForHealth blocks until the health check for service reports SERVING or
// the context ends.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, log *logger.Logger) error {
	if conn == nil {
		return ErrConnRequired
	}
	if log == nil {
		log = logger.NewNop()
	}

	healthClient := grpc_health_v1.NewHealthClient(conn)
	backoff := 200 * time.Millisecond
	for {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		response, err := healthClient.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		cancel()
		if err == nil && response.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING {
			log.Debug("health check serving", "service", service)
			return nil
		}
		if err != nil {
			log.Debug("waiting for health", "service", service, "error", err)
		} else {
			log.Debug("waiting for health", "service", service, "status", response.GetStatus().String())
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for health: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, time.Second)
	}
}
