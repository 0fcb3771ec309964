package saga

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/junhyuk-baek/ticketflow-backend/pkg/db/models"
)

// Repository is the storage surface for saga states. Every mutation goes
// through CompareAndSwap so concurrent step-advancers cannot clobber each
// other.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, state *models.SagaState) error
	FindByKey(ctx context.Context, sagaKey string) (*models.SagaState, error)
	CompareAndSwap(ctx context.Context, sagaKey string, expectedVersion int, updates map[string]any) (bool, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a saga repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, state *models.SagaState) error {
	return r.db.WithContext(ctx).Create(state).Error
}

func (r *repository) FindByKey(ctx context.Context, sagaKey string) (*models.SagaState, error) {
	var state models.SagaState
	err := r.db.WithContext(ctx).Where("saga_key = ?", sagaKey).First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

// CompareAndSwap applies updates only when the stored version still matches
// expectedVersion, bumping the version in the same statement. It reports
// false when the row moved underneath the caller.
func (r *repository) CompareAndSwap(ctx context.Context, sagaKey string, expectedVersion int, updates map[string]any) (bool, error) {
	merged := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		merged[k] = v
	}
	merged["version"] = gorm.Expr("version + 1")

	res := r.db.WithContext(ctx).Model(&models.SagaState{}).
		Where("saga_key = ? AND version = ?", sagaKey, expectedVersion).
		Updates(merged)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
