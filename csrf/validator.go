package csrf

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Validator checks candidate tokens against the Store.
type Validator struct {
	store   Store
	logger  *zap.Logger
	metrics *Metrics
}

func NewValidator(store Store, logger *zap.Logger, metrics *Metrics) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{store: store, logger: logger, metrics: metrics}
}

// Validate returns OutcomeValid only when candidate matches the session's
// active, unexpired and unconsumed record. Single-use records are consumed
// by the same atomic store operation. A missing record or an unreachable
// store is never treated as valid.
func (v *Validator) Validate(ctx context.Context, sessionID, candidate string) Outcome {
	outcome := v.validate(ctx, sessionID, candidate)
	v.metrics.observeOutcome(outcome)
	if outcome != OutcomeValid {
		v.logger.Info("csrf validation rejected",
			zap.String("outcome", outcome.String()),
			zap.String("session", sessionFingerprint(sessionID)))
	}
	return outcome
}

func (v *Validator) validate(ctx context.Context, sessionID, candidate string) Outcome {
	if candidate == "" {
		return OutcomeMissingToken
	}
	if sessionID == "" || v.store == nil {
		return OutcomeTokenMismatch
	}

	outcome, err := v.store.ValidateAndConsume(ctx, sessionID, candidate)
	switch {
	case err == nil:
		return outcome
	case errors.Is(err, ErrNotFound):
		return OutcomeTokenMismatch
	default:
		v.metrics.observeStoreError("validate")
		v.logger.Error("csrf token store failed during validation",
			zap.String("session", sessionFingerprint(sessionID)),
			zap.Error(err))
		return OutcomeStoreUnavailable
	}
}
