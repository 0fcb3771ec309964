package saga

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	pkgerrors "github.com/junhyuk-baek/ticketflow-backend/pkg/errors"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/logger"
)

// CompensateFunc undoes the saga's committed side effects. It runs inside the
// caller's transaction and must be idempotent, it may run again after a
// partial failure.
type CompensateFunc func(ctx context.Context, tx *gorm.DB) error

// Orchestrator wraps the coordinator with the retry and rollback policy
// consumers need: bounded retries on version conflicts, and a compensation
// sequence that tolerates replays at every transition.
type Orchestrator struct {
	saga     Service
	attempts int
	logg     *logger.Logger
}

// NewOrchestrator builds an orchestrator retrying stale swaps up to attempts times.
func NewOrchestrator(saga Service, attempts int, logg *logger.Logger) (*Orchestrator, error) {
	if saga == nil {
		return nil, fmt.Errorf("saga service is required")
	}
	if attempts <= 0 {
		attempts = 1
	}
	return &Orchestrator{saga: saga, attempts: attempts, logg: logg}, nil
}

// Advance moves the saga one step forward, retrying when a concurrent writer
// bumped the version between load and swap.
func (o *Orchestrator) Advance(ctx context.Context, tx *gorm.DB, sagaKey string) (bool, error) {
	attempts := o.attempts
	if tx != nil {
		// Inside a caller's transaction every retry re-reads the same
		// snapshot and can never observe the newer version, so a stale
		// swap is surfaced immediately and resolved by redelivery.
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		completed, err := o.saga.Advance(ctx, tx, sagaKey)
		if err == nil {
			return completed, nil
		}
		if !isStale(err) {
			return false, err
		}
		lastErr = err
		if o.logg != nil {
			o.logg.Warn(o.logg.WithSagaKey(ctx, sagaKey),
				fmt.Sprintf("saga advance lost version race, attempt %d of %d", attempt, attempts))
		}
	}
	return false, lastErr
}

// Compensate rolls a failed flow back: mark the saga FAILED, enter
// COMPENSATING, run the compensating actions, then settle on COMPENSATED.
// Transitions that already happened on a previous run are skipped, so the
// sequence can be re-driven after a crash or a redelivery.
func (o *Orchestrator) Compensate(ctx context.Context, tx *gorm.DB, sagaKey, reason string, compensate CompensateFunc) error {
	if err := o.saga.Fail(ctx, tx, sagaKey, reason); err != nil && !isStateConflict(err) {
		return err
	}
	if err := o.saga.BeginCompensation(ctx, tx, sagaKey); err != nil && !isStateConflict(err) {
		return err
	}
	if compensate != nil {
		if err := compensate(ctx, tx); err != nil {
			return fmt.Errorf("compensating actions: %w", err)
		}
	}
	if err := o.saga.CompleteCompensation(ctx, tx, sagaKey); err != nil && !isStateConflict(err) {
		return err
	}
	if o.logg != nil {
		o.logg.Info(o.logg.WithSagaKey(ctx, sagaKey), "saga compensated: "+reason)
	}
	return nil
}

func isStale(err error) bool {
	if appErr := pkgerrors.As(err); appErr != nil {
		return appErr.Code() == pkgerrors.CodeStaleVersion
	}
	return false
}

func isStateConflict(err error) bool {
	if appErr := pkgerrors.As(err); appErr != nil {
		return appErr.Code() == pkgerrors.CodeStateConflict
	}
	return false
}
