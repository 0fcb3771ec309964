package screenings

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/junhyuk-baek/ticketflow-backend/pkg/db/models"
)

// Repository is the storage surface for screenings. Seat counters only move
// through UpdateSeats so concurrent reservations cannot clobber each other.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, screening *models.Screening) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Screening, error)
	List(ctx context.Context, limit int) ([]models.Screening, error)
	UpdateSeats(ctx context.Context, id uuid.UUID, expectedVersion, reservedSeats int) (bool, error)
	UpdateSchedule(ctx context.Context, id uuid.UUID, expectedVersion int, updates map[string]any) (bool, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a screening repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, screening *models.Screening) error {
	return r.db.WithContext(ctx).Create(screening).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Screening, error) {
	var screening models.Screening
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&screening).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &screening, nil
}

func (r *repository) List(ctx context.Context, limit int) ([]models.Screening, error) {
	if limit <= 0 {
		limit = 50
	}
	var screenings []models.Screening
	err := r.db.WithContext(ctx).
		Order("starts_at ASC").
		Limit(limit).
		Find(&screenings).Error
	return screenings, err
}

// UpdateSeats moves the reserved counter only when the stored version still
// matches expectedVersion, bumping the version in the same statement.
func (r *repository) UpdateSeats(ctx context.Context, id uuid.UUID, expectedVersion, reservedSeats int) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Screening{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(map[string]any{
			"reserved_seats": reservedSeats,
			"version":        gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) UpdateSchedule(ctx context.Context, id uuid.UUID, expectedVersion int, updates map[string]any) (bool, error) {
	merged := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		merged[k] = v
	}
	merged["version"] = gorm.Expr("version + 1")

	res := r.db.WithContext(ctx).Model(&models.Screening{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(merged)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
