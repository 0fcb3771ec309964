package tickets

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/junhyuk-baek/ticketflow-backend/pkg/db/models"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
)

// Repository is the storage surface for admission tickets. Status moves are
// guarded by the current status in the WHERE clause, so a lost race shows up
// as zero affected rows instead of a silent overwrite.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateBatch(ctx context.Context, tickets []models.MovieTicket) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.MovieTicket, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.MovieTicket, error)
	MarkUsed(ctx context.Context, id uuid.UUID, usedAt time.Time) (bool, error)
	CancelByOrder(ctx context.Context, orderID uuid.UUID) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a ticket repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateBatch(ctx context.Context, tickets []models.MovieTicket) error {
	if len(tickets) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&tickets).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.MovieTicket, error) {
	var ticket models.MovieTicket
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&ticket).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ticket, nil
}

func (r *repository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.MovieTicket, error) {
	var tickets []models.MovieTicket
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("seat_number ASC").
		Find(&tickets).Error
	return tickets, err
}

// MarkUsed punches an issued ticket. It reports false when the ticket was
// already used or cancelled.
func (r *repository) MarkUsed(ctx context.Context, id uuid.UUID, usedAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.MovieTicket{}).
		Where("id = ? AND status = ?", id, enums.TicketStatusIssued).
		Updates(map[string]any{
			"status":  enums.TicketStatusUsed,
			"used_at": usedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CancelByOrder voids every still-issued ticket of the order and returns how
// many were cancelled. Running it again is a harmless zero.
func (r *repository) CancelByOrder(ctx context.Context, orderID uuid.UUID) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.MovieTicket{}).
		Where("order_id = ? AND status = ?", orderID, enums.TicketStatusIssued).
		Update("status", enums.TicketStatusCancelled)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
