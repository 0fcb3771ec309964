package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/junhyuk-baek/ticketflow-backend/pkg/db"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/db/models"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
	apperrors "github.com/junhyuk-baek/ticketflow-backend/pkg/errors"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/logger"
)

// DomainEvent is what a domain service hands to the writer. EventKey is
// normally left empty so the writer mints one; a caller retrying a failed
// method call may pass the key from the first attempt to get the
// duplicate-noop behavior.
type DomainEvent struct {
	EventType     enums.OutboxEventType     `validate:"required"`
	AggregateType enums.OutboxAggregateType `validate:"required"`
	AggregateID   string                    `validate:"required"`
	Topic         string                    `validate:"required"`
	EventKey      string
	EventVersion  int
	OccurredAt    time.Time
	Data          interface{} `validate:"required"`
}

// Service is the outbox writer. Enqueue rides the caller's transaction so the
// business write and the intent to notify commit or roll back together.
type Service struct {
	repo     *Repository
	client   *dbpkg.Client
	validate *validator.Validate
	logg     *logger.Logger
}

func NewService(repo *Repository, client *dbpkg.Client, logg *logger.Logger) (*Service, error) {
	if repo == nil {
		return nil, errors.New("outbox repository is required")
	}
	return &Service{
		repo:     repo,
		client:   client,
		validate: validator.New(),
		logg:     logg,
	}, nil
}

// Enqueue inserts one CREATED row on the caller's transaction and returns it.
// If a row with the same event key already exists, the existing row is
// returned and nothing is inserted.
func (s *Service) Enqueue(ctx context.Context, tx *gorm.DB, event DomainEvent) (*models.OutboxEvent, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	if err := s.validateEvent(event); err != nil {
		return nil, err
	}

	if event.EventKey != "" {
		existing, err := s.repo.FindByEventKey(tx, event.EventKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	} else {
		event.EventKey = BuildEventKey(event.AggregateType, event.AggregateID, event.EventType)
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if event.EventVersion == 0 {
		event.EventVersion = 1
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, err, "encoding event data")
	}
	envelope := Envelope{
		EventKey:     event.EventKey,
		EventType:    event.EventType,
		EventVersion: event.EventVersion,
		OccurredAt:   event.OccurredAt,
		Data:         data,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "encoding envelope")
	}

	row := models.OutboxEvent{
		ID:            uuid.New(),
		EventKey:      event.EventKey,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Topic:         event.Topic,
		Payload:       payload,
		Status:        enums.OutboxStatusCreated,
	}
	if err := s.repo.Insert(tx, &row); err != nil {
		// Another writer on a parallel connection won the key; treat as noop.
		if dbpkg.IsUniqueViolation(err, "ux_outbox_events_event_key") {
			return s.repo.FindByEventKey(tx, event.EventKey)
		}
		return nil, err
	}

	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"event_key":      row.EventKey,
			"event_type":     row.EventType,
			"aggregate_type": row.AggregateType,
			"aggregate_id":   row.AggregateID,
			"topic":          row.Topic,
		})
		s.logg.Info(logCtx, "outbox event queued")
	}
	return &row, nil
}

// EnqueueNewTx writes the row in its own transaction, committing even when
// the caller later rolls back. Used for audit-style events that must survive
// caller failure.
func (s *Service) EnqueueNewTx(ctx context.Context, event DomainEvent) (*models.OutboxEvent, error) {
	if s.client == nil {
		return nil, errors.New("db client required for standalone enqueue")
	}
	var row *models.OutboxEvent
	err := s.client.WithTx(ctx, func(tx *gorm.DB) error {
		var enqErr error
		row, enqErr = s.Enqueue(ctx, tx, event)
		return enqErr
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Service) validateEvent(event DomainEvent) error {
	if err := s.validate.Struct(event); err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, err, "invalid outbox event")
	}
	if !event.EventType.IsValid() {
		return apperrors.New(apperrors.CodeValidation, "unknown event type").WithDetails(string(event.EventType))
	}
	if !event.AggregateType.IsValid() {
		return apperrors.New(apperrors.CodeValidation, "unknown aggregate type").WithDetails(string(event.AggregateType))
	}
	return nil
}
