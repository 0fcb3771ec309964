package tickets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/junhyuk-baek/ticketflow-backend/pkg/db"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/db/models"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
	pkgerrors "github.com/junhyuk-baek/ticketflow-backend/pkg/errors"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/logger"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/payloads"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/registry"
)

// Service exposes admission ticket operations. IssueTickets and
// CancelTicketsForOrder ride the caller's transaction because they run
// inside consumer handlers; UseTicket is gate-driven and runs its own.
type Service interface {
	IssueTickets(ctx context.Context, tx *gorm.DB, input IssueTicketsInput) ([]models.MovieTicket, error)
	GetTicket(ctx context.Context, id uuid.UUID) (*models.MovieTicket, error)
	ListTicketsForOrder(ctx context.Context, orderID uuid.UUID) ([]models.MovieTicket, error)
	UseTicket(ctx context.Context, id uuid.UUID) (*models.MovieTicket, error)
	CancelTicketsForOrder(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, reason string) (int64, error)
}

// IssueTicketsInput holds the payload to issue tickets for a paid order.
type IssueTicketsInput struct {
	OrderID     uuid.UUID
	UserID      uuid.UUID
	ScreeningID uuid.UUID
	SeatNumbers []string
	SagaKey     string
}

type service struct {
	repo     Repository
	client   *dbpkg.Client
	writer   *outbox.Service
	registry *registry.EventRegistry
	logg     *logger.Logger
}

// NewService builds the ticket service.
func NewService(repo Repository, client *dbpkg.Client, writer *outbox.Service, reg *registry.EventRegistry, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, errors.New("ticket repository is required")
	}
	if client == nil {
		return nil, errors.New("db client is required")
	}
	if writer == nil {
		return nil, errors.New("outbox writer is required")
	}
	if reg == nil {
		return nil, errors.New("event registry is required")
	}
	return &service{repo: repo, client: client, writer: writer, registry: reg, logg: logg}, nil
}

// IssueTickets creates one admission ticket per seat and announces the batch.
// If the order already has tickets, the existing batch is returned so the
// issuing consumer can be redelivered safely.
func (s *service) IssueTickets(ctx context.Context, tx *gorm.DB, input IssueTicketsInput) ([]models.MovieTicket, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	if input.OrderID == uuid.Nil || input.ScreeningID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order and screening are required")
	}
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user is required")
	}
	if len(input.SeatNumbers) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one seat is required")
	}

	repo := s.repo.WithTx(tx)
	existing, err := repo.ListByOrder(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	issued := make([]models.MovieTicket, 0, len(input.SeatNumbers))
	ticketIDs := make([]uuid.UUID, 0, len(input.SeatNumbers))
	for _, seat := range input.SeatNumbers {
		ticketID := uuid.New()
		ticket := models.MovieTicket{
			ID:           ticketID,
			TicketNumber: newTicketNumber(ticketID),
			OrderID:      input.OrderID,
			UserID:       input.UserID,
			ScreeningID:  input.ScreeningID,
			SeatNumber:   seat,
			Status:       enums.TicketStatusIssued,
		}
		issued = append(issued, ticket)
		ticketIDs = append(ticketIDs, ticket.ID)
	}
	if err := repo.CreateBatch(ctx, issued); err != nil {
		return nil, err
	}

	if err := s.emit(ctx, tx, enums.EventTicketIssued, input.OrderID, payloads.TicketIssuedEvent{
		OrderID:     input.OrderID,
		ScreeningID: input.ScreeningID,
		TicketIDs:   ticketIDs,
		SeatNumbers: input.SeatNumbers,
		SagaKey:     input.SagaKey,
	}); err != nil {
		return nil, err
	}
	return issued, nil
}

// newTicketNumber derives the gate-scannable ticket reference from the
// ticket id, so it inherits the id's uniqueness.
func newTicketNumber(id uuid.UUID) string {
	return "TKT-" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
}

func (s *service) GetTicket(ctx context.Context, id uuid.UUID) (*models.MovieTicket, error) {
	return s.load(ctx, s.repo, id)
}

func (s *service) ListTicketsForOrder(ctx context.Context, orderID uuid.UUID) ([]models.MovieTicket, error) {
	return s.repo.ListByOrder(ctx, orderID)
}

// UseTicket punches the ticket at the gate. A ticket can be used exactly
// once.
func (s *service) UseTicket(ctx context.Context, id uuid.UUID) (*models.MovieTicket, error) {
	var used *models.MovieTicket
	err := s.client.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		ticket, err := s.load(ctx, repo, id)
		if err != nil {
			return err
		}

		now := time.Now()
		punched, err := repo.MarkUsed(ctx, id, now)
		if err != nil {
			return err
		}
		if !punched {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "ticket is not usable").
				WithDetails(fmt.Sprintf("status=%s", ticket.Status))
		}
		ticket.Status = enums.TicketStatusUsed
		ticket.UsedAt = &now

		if err := s.emit(ctx, tx, enums.EventTicketUsed, ticket.OrderID, payloads.TicketUsedEvent{
			TicketID: ticket.ID,
			OrderID:  ticket.OrderID,
			UsedAt:   now,
		}); err != nil {
			return err
		}
		used = ticket
		return nil
	})
	if err != nil {
		return nil, err
	}
	return used, nil
}

// CancelTicketsForOrder voids the order's still-issued tickets on the
// caller's transaction. It is a noop when nothing is left to cancel, so
// compensation can be re-driven safely.
func (s *service) CancelTicketsForOrder(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, reason string) (int64, error) {
	if tx == nil {
		return 0, errors.New("transaction required")
	}
	if orderID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "order is required")
	}

	repo := s.repo.WithTx(tx)
	cancelled, err := repo.CancelByOrder(ctx, orderID)
	if err != nil {
		return 0, err
	}
	if cancelled == 0 {
		return 0, nil
	}

	remaining, err := repo.ListByOrder(ctx, orderID)
	if err != nil {
		return 0, err
	}
	ticketIDs := make([]uuid.UUID, 0, len(remaining))
	for _, ticket := range remaining {
		if ticket.Status == enums.TicketStatusCancelled {
			ticketIDs = append(ticketIDs, ticket.ID)
		}
	}
	if err := s.emit(ctx, tx, enums.EventTicketCancelled, orderID, payloads.TicketCancelledEvent{
		OrderID:   orderID,
		TicketIDs: ticketIDs,
		Reason:    reason,
	}); err != nil {
		return 0, err
	}
	if s.logg != nil {
		s.logg.Warn(ctx, fmt.Sprintf("cancelled %d tickets: %s", cancelled, reason))
	}
	return cancelled, nil
}

func (s *service) load(ctx context.Context, repo Repository, id uuid.UUID) (*models.MovieTicket, error) {
	ticket, err := repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ticket == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "ticket not found").WithDetails(id.String())
	}
	return ticket, nil
}

func (s *service) emit(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, orderID uuid.UUID, data interface{}) error {
	desc, ok := s.registry.Descriptor(eventType)
	if !ok {
		return fmt.Errorf("no topic registered for %s", eventType)
	}
	_, err := s.writer.Enqueue(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateTicket,
		AggregateID:   orderID.String(),
		Topic:         desc.Topic,
		Data:          data,
	})
	return err
}
