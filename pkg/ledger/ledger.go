// Package ledger tracks which events each consumer group has already
// applied. The unique (event_key, consumer_group) index is the only
// cross-process synchronization point for duplicate suppression, so the
// check is storage-enforced rather than check-then-insert.
package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/junhyuk-baek/ticketflow-backend/pkg/db"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/db/models"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/logger"
)

// ErrAlreadyProcessed reports that another worker committed the same
// (event key, consumer group) pair first.
var ErrAlreadyProcessed = errors.New("event already processed for consumer group")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) InsertTx(tx *gorm.DB, entry *models.ProcessedEvent) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Create(entry).Error
}

func (r *Repository) Exists(ctx context.Context, eventKey, consumerGroup string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ProcessedEvent{}).
		Where("event_key = ? AND consumer_group = ?", eventKey, consumerGroup).
		Count(&count).Error
	return count > 0, err
}

// Service is the consumer-facing surface of the ledger.
type Service struct {
	repo *Repository
	logg *logger.Logger
}

func NewService(repo *Repository, logg *logger.Logger) (*Service, error) {
	if repo == nil {
		return nil, errors.New("ledger repository is required")
	}
	return &Service{repo: repo, logg: logg}, nil
}

// IsProcessed is the fast-path duplicate check before the handler runs.
// A miss here is not authoritative; the insert in MarkProcessedTx is.
func (s *Service) IsProcessed(ctx context.Context, eventKey, consumerGroup string) (bool, error) {
	return s.repo.Exists(ctx, eventKey, consumerGroup)
}

// MarkProcessedTx records the event on the handler's transaction so the
// side effects and the ledger row commit atomically. Losing the unique-index
// race surfaces as ErrAlreadyProcessed, which rolls the duplicate handler
// work back with it.
func (s *Service) MarkProcessedTx(ctx context.Context, tx *gorm.DB, eventKey string, eventType enums.OutboxEventType, consumerGroup string) error {
	if eventKey == "" {
		return errors.New("event key is required")
	}
	if eventType == "" {
		return errors.New("event type is required")
	}
	if consumerGroup == "" {
		return errors.New("consumer group is required")
	}
	entry := models.ProcessedEvent{
		ID:            uuid.New(),
		EventKey:      eventKey,
		ConsumerGroup: consumerGroup,
		EventType:     eventType,
	}
	if err := s.repo.InsertTx(tx, &entry); err != nil {
		if dbpkg.IsUniqueViolation(err, "ux_processed_events_key_group") {
			return ErrAlreadyProcessed
		}
		return err
	}
	if s.logg != nil {
		logCtx := s.logg.WithConsumerGroup(s.logg.WithEventKey(ctx, eventKey), consumerGroup)
		s.logg.Info(logCtx, "event recorded in idempotency ledger")
	}
	return nil
}
