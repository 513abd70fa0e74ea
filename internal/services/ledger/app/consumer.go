package app

import (
	"context"
	"time"

	apperrors "github.com/louisbranch/ledgerline/internal/platform/errors"
	"github.com/louisbranch/ledgerline/internal/platform/logger"
	"github.com/louisbranch/ledgerline/internal/services/ledger/broker"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/engine"
)

// Dispatcher routes one command.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd command.Command) (engine.Result, error)
}

// CommandConsumer adapts a dispatcher to a queue consumer. Returning the
// classified error makes the broker drop the message; the log line is the
// only record of a dropped command.
func CommandConsumer(dispatcher Dispatcher, log *logger.Logger) broker.CommandHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return func(ctx context.Context, cmd command.Command) error {
		start := time.Now()
		result, err := dispatcher.Dispatch(ctx, cmd)
		if err != nil {
			err = Classify(err)
			log.Error("command failed",
				"kind", string(cmd.Kind),
				"correlation_id", cmd.CorrelationID,
				"aggregate_id", result.AggregateID,
				"code", string(apperrors.CodeOf(err)),
				"class", string(apperrors.ClassOf(err)),
				"stored", len(result.Events),
				"error", err,
			)
			return err
		}
		kinds := make([]string, len(result.Events))
		for i, stored := range result.Events {
			kinds[i] = string(stored.Kind)
		}
		log.Info("command handled",
			"kind", string(cmd.Kind),
			"correlation_id", cmd.CorrelationID,
			"aggregate_id", result.AggregateID,
			"events", kinds,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil
	}
}
