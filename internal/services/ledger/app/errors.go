package app

import (
	"errors"

	apperrors "github.com/louisbranch/ledgerline/internal/platform/errors"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/calendar"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/command"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/engine"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/order"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/repository"
)

// Classify attaches a platform code to err. Errors that already carry one are
// returned unchanged; anything unrecognised keeps CodeUnknown, which counts as
// an infrastructure failure.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	code := classifyCode(err)
	if code == apperrors.CodeUnknown {
		return err
	}
	return apperrors.Wrap(code, string(code), err)
}

func classifyCode(err error) apperrors.Code {
	switch {
	case errors.Is(err, engine.ErrUnknownCommandKind):
		return apperrors.CodeUnknownCommandKind
	case errors.Is(err, event.ErrKindUnknown):
		return apperrors.CodeUnknownEventKind
	case errors.Is(err, repository.ErrMissingAggregateID):
		return apperrors.CodeAggregateIDMissing
	case errors.Is(err, command.ErrPayloadInvalid),
		errors.Is(err, command.ErrKindRequired),
		errors.Is(err, event.ErrKindRequired),
		errors.Is(err, event.ErrPayloadRequired),
		errors.Is(err, event.ErrPayloadInvalid),
		errors.Is(err, event.ErrFailureFieldsRequired),
		errors.Is(err, order.ErrCommandUnsupported),
		errors.Is(err, calendar.ErrCommandUnsupported):
		return apperrors.CodePayloadInvalid
	case errors.Is(err, engine.ErrPublishFailed):
		return apperrors.CodePublishFailed
	default:
		return apperrors.CodeUnknown
	}
}
