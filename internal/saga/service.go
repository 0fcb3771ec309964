package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/junhyuk-baek/ticketflow-backend/pkg/db/models"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
	pkgerrors "github.com/junhyuk-baek/ticketflow-backend/pkg/errors"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/logger"
)

// Service coordinates multi-step distributed transactions. The state machine
// is strict: current_step only grows while the saga is live, and a saga
// never re-enters STARTED or IN_PROGRESS once it has failed.
//
// Mutations accept the caller's transaction (nil falls back to the shared
// connection) so a saga transition commits or rolls back together with the
// business write that caused it.
type Service interface {
	Start(ctx context.Context, tx *gorm.DB, input StartInput) (string, error)
	Advance(ctx context.Context, tx *gorm.DB, sagaKey string) (bool, error)
	Fail(ctx context.Context, tx *gorm.DB, sagaKey, reason string) error
	BeginCompensation(ctx context.Context, tx *gorm.DB, sagaKey string) error
	CompleteCompensation(ctx context.Context, tx *gorm.DB, sagaKey string) error
	Get(ctx context.Context, sagaKey string) (*models.SagaState, error)
}

// StartInput describes a new saga.
type StartInput struct {
	SagaType   enums.SagaType
	TotalSteps int
	Payload    interface{}
}

type service struct {
	repo Repository
	logg *logger.Logger
}

// NewService builds the saga coordinator.
func NewService(repo Repository, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("saga repository is required")
	}
	return &service{repo: repo, logg: logg}, nil
}

// BuildSagaKey mints a unique saga identifier.
func BuildSagaKey(sagaType enums.SagaType) string {
	return fmt.Sprintf("%s:%s", sagaType, uuid.NewString())
}

func (s *service) Start(ctx context.Context, tx *gorm.DB, input StartInput) (string, error) {
	if !input.SagaType.IsValid() {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "unknown saga type").WithDetails(string(input.SagaType))
	}
	if input.TotalSteps <= 0 {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "total steps must be positive")
	}

	var payload json.RawMessage
	if input.Payload != nil {
		raw, err := json.Marshal(input.Payload)
		if err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "encoding saga payload")
		}
		payload = raw
	}

	state := models.SagaState{
		ID:         uuid.New(),
		SagaKey:    BuildSagaKey(input.SagaType),
		SagaType:   input.SagaType,
		Status:     enums.SagaStatusStarted,
		TotalSteps: input.TotalSteps,
		Payload:    payload,
	}
	if err := s.repoFor(tx).Create(ctx, &state); err != nil {
		return "", err
	}
	if s.logg != nil {
		s.logg.Info(s.logg.WithSagaKey(ctx, state.SagaKey), "saga started")
	}
	return state.SagaKey, nil
}

// Advance increments current_step and reports whether the saga completed on
// this call. A stale version surfaces as a retryable STALE_VERSION error.
func (s *service) Advance(ctx context.Context, tx *gorm.DB, sagaKey string) (bool, error) {
	repo := s.repoFor(tx)
	state, err := s.load(ctx, repo, sagaKey)
	if err != nil {
		return false, err
	}
	if state.Status != enums.SagaStatusStarted && state.Status != enums.SagaStatusInProgress {
		return false, pkgerrors.New(pkgerrors.CodeStateConflict, "saga cannot advance").
			WithDetails(fmt.Sprintf("status=%s", state.Status))
	}

	nextStep := state.CurrentStep + 1
	updates := map[string]any{
		"current_step": nextStep,
		"status":       enums.SagaStatusInProgress,
	}
	completed := nextStep >= state.TotalSteps
	if completed {
		updates["status"] = enums.SagaStatusCompleted
		updates["completed_at"] = time.Now()
	}

	if err := s.swap(ctx, repo, sagaKey, state.Version, updates); err != nil {
		return false, err
	}
	if s.logg != nil {
		logCtx := s.logg.WithSagaKey(ctx, sagaKey)
		if completed {
			s.logg.Info(logCtx, "saga completed")
		} else {
			s.logg.Info(logCtx, fmt.Sprintf("saga advanced to step %d", nextStep))
		}
	}
	return completed, nil
}

func (s *service) Fail(ctx context.Context, tx *gorm.DB, sagaKey, reason string) error {
	repo := s.repoFor(tx)
	state, err := s.load(ctx, repo, sagaKey)
	if err != nil {
		return err
	}
	if state.Status != enums.SagaStatusStarted && state.Status != enums.SagaStatusInProgress {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "saga cannot fail").
			WithDetails(fmt.Sprintf("status=%s", state.Status))
	}

	if err := s.swap(ctx, repo, sagaKey, state.Version, map[string]any{
		"status":        enums.SagaStatusFailed,
		"error_message": reason,
	}); err != nil {
		return err
	}
	if s.logg != nil {
		s.logg.Warn(s.logg.WithSagaKey(ctx, sagaKey), "saga failed: "+reason)
	}
	return nil
}

func (s *service) BeginCompensation(ctx context.Context, tx *gorm.DB, sagaKey string) error {
	repo := s.repoFor(tx)
	state, err := s.load(ctx, repo, sagaKey)
	if err != nil {
		return err
	}
	if state.Status != enums.SagaStatusFailed {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "compensation requires a failed saga").
			WithDetails(fmt.Sprintf("status=%s", state.Status))
	}
	return s.swap(ctx, repo, sagaKey, state.Version, map[string]any{
		"status": enums.SagaStatusCompensating,
	})
}

func (s *service) CompleteCompensation(ctx context.Context, tx *gorm.DB, sagaKey string) error {
	repo := s.repoFor(tx)
	state, err := s.load(ctx, repo, sagaKey)
	if err != nil {
		return err
	}
	if state.Status != enums.SagaStatusCompensating {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "saga is not compensating").
			WithDetails(fmt.Sprintf("status=%s", state.Status))
	}
	return s.swap(ctx, repo, sagaKey, state.Version, map[string]any{
		"status":       enums.SagaStatusCompensated,
		"completed_at": time.Now(),
	})
}

func (s *service) Get(ctx context.Context, sagaKey string) (*models.SagaState, error) {
	return s.load(ctx, s.repo, sagaKey)
}

func (s *service) repoFor(tx *gorm.DB) Repository {
	if tx == nil {
		return s.repo
	}
	return s.repo.WithTx(tx)
}

func (s *service) load(ctx context.Context, repo Repository, sagaKey string) (*models.SagaState, error) {
	state, err := repo.FindByKey(ctx, sagaKey)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "saga not found").WithDetails(sagaKey)
	}
	return state, nil
}

func (s *service) swap(ctx context.Context, repo Repository, sagaKey string, expectedVersion int, updates map[string]any) error {
	swapped, err := repo.CompareAndSwap(ctx, sagaKey, expectedVersion, updates)
	if err != nil {
		return err
	}
	if !swapped {
		return pkgerrors.New(pkgerrors.CodeStaleVersion, "saga version moved, retry").WithDetails(sagaKey)
	}
	return nil
}
