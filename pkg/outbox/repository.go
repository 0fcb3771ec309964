package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/junhyuk-baek/ticketflow-backend/pkg/db/models"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
)

// ErrStaleClaim is returned when a status transition targets a row whose
// version moved underneath the caller, e.g. the sweeper reclaimed a stuck
// PUBLISHING row while a slow publisher was still sending it.
var ErrStaleClaim = errors.New("outbox row claimed by another worker")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(tx *gorm.DB, event *models.OutboxEvent) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Create(event).Error
}

// FindByEventKey looks a row up by its idempotency token. It returns
// (nil, nil) when no row exists. When tx is nil the shared connection is used.
func (r *Repository) FindByEventKey(tx *gorm.DB, eventKey string) (*models.OutboxEvent, error) {
	conn := r.db
	if tx != nil {
		conn = tx
	}
	var row models.OutboxEvent
	err := conn.Where("event_key = ?", eventKey).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// ClaimBatch locks up to limit publishable rows oldest-first, flips them to
// PUBLISHING and returns them. Rows locked by a concurrent publisher are
// skipped rather than waited on, so replicas never double-claim. Must run
// inside the caller's transaction so the claim commits as one unit.
func (r *Repository) ClaimBatch(ctx context.Context, tx *gorm.DB, limit, maxRetries int) ([]models.OutboxEvent, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	if limit <= 0 {
		return nil, nil
	}

	query := tx.WithContext(ctx).
		Where("status IN ? OR (status = ? AND retry_count < ?)",
			[]enums.OutboxEventStatus{enums.OutboxStatusCreated, enums.OutboxStatusReady},
			enums.OutboxStatusFailed, maxRetries).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit)

	// sqlite has no FOR UPDATE; the clause is only meaningful on postgres.
	if tx.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var rows []models.OutboxEvent
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	now := time.Now()
	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	err := tx.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"status":     enums.OutboxStatusPublishing,
			"claimed_at": now,
			"version":    gorm.Expr("version + 1"),
		}).Error
	if err != nil {
		return nil, err
	}

	for i := range rows {
		rows[i].Status = enums.OutboxStatusPublishing
		rows[i].ClaimedAt = &now
		rows[i].Version++
	}
	return rows, nil
}

// MarkPublished records a broker acknowledgment. The version predicate
// makes the transition a no-op when the claim went stale.
func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID, version int) error {
	res := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ? AND version = ?", id, enums.OutboxStatusPublishing, version).
		Updates(map[string]any{
			"status":       enums.OutboxStatusPublished,
			"published_at": time.Now(),
			"version":      gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("mark published %s: %w", id, ErrStaleClaim)
	}
	return nil
}

// MarkFailed records a failed publish attempt and returns the updated row so
// the caller can apply the bounded-retry rule.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, version int, cause error) (*models.OutboxEvent, error) {
	msg := truncateError(cause)
	res := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ? AND version = ?", id, enums.OutboxStatusPublishing, version).
		Updates(map[string]any{
			"status":        enums.OutboxStatusFailed,
			"error_message": msg,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"version":       gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("mark failed %s: %w", id, ErrStaleClaim)
	}

	var row models.OutboxEvent
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// MarkDLQ is the terminal transition; the row is never picked up again.
func (r *Repository) MarkDLQ(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	conn := r.db
	if tx != nil {
		conn = tx
	}
	return conn.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":  enums.OutboxStatusDLQ,
			"version": gorm.Expr("version + 1"),
		}).Error
}

// ReleaseClaim returns a claimed row to READY without burning a retry. The
// publisher uses it for rows it skipped to keep per-aggregate order after an
// earlier row failed.
func (r *Repository) ReleaseClaim(ctx context.Context, id uuid.UUID, version int) error {
	res := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ? AND version = ?", id, enums.OutboxStatusPublishing, version).
		Updates(map[string]any{
			"status":     enums.OutboxStatusReady,
			"claimed_at": nil,
			"version":    gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("release claim %s: %w", id, ErrStaleClaim)
	}
	return nil
}

// RequeueFailed flips FAILED rows that still have retry budget back to READY.
// Rows at or past maxRetries are left alone for the DLQ transition.
func (r *Repository) RequeueFailed(ctx context.Context, maxRetries int) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("status = ? AND retry_count < ?", enums.OutboxStatusFailed, maxRetries).
		Updates(map[string]any{
			"status":  enums.OutboxStatusReady,
			"version": gorm.Expr("version + 1"),
		})
	return res.RowsAffected, res.Error
}

// ListExhausted returns FAILED rows whose retry budget ran out, for the
// sweeper to dead-letter.
func (r *Repository) ListExhausted(ctx context.Context, maxRetries, limit int) ([]models.OutboxEvent, error) {
	var rows []models.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("status = ? AND retry_count >= ?", enums.OutboxStatusFailed, maxRetries).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ReclaimStuckPublishing rescues rows a crashed publisher left in PUBLISHING.
// The cutoff must comfortably exceed the publish timeout or a slow ack could
// race a reclaim; the version bump on reclaim makes that race lose cleanly.
func (r *Repository) ReclaimStuckPublishing(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("status = ? AND claimed_at < ?", enums.OutboxStatusPublishing, cutoff).
		Updates(map[string]any{
			"status":     enums.OutboxStatusReady,
			"claimed_at": nil,
			"version":    gorm.Expr("version + 1"),
		})
	return res.RowsAffected, res.Error
}

// CountByStatus reports how many rows sit in the given status.
func (r *Repository) CountByStatus(ctx context.Context, status enums.OutboxEventStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}

const maxErrorLen = 1024

func truncateError(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return &msg
}
