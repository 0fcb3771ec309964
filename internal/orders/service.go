package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/junhyuk-baek/ticketflow-backend/internal/saga"
	"github.com/junhyuk-baek/ticketflow-backend/internal/screenings"
	dbpkg "github.com/junhyuk-baek/ticketflow-backend/pkg/db"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/db/models"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
	pkgerrors "github.com/junhyuk-baek/ticketflow-backend/pkg/errors"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/logger"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/payloads"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/registry"
)

// purchaseSagaSteps counts the downstream milestones of a ticket purchase:
// the pending payment is created, then the approved payment is ticketed and
// the order closed.
const purchaseSagaSteps = 2

const statusSwapAttempts = 3

// paymentWindow is how long a created order may stay unpaid before it is
// eligible for cancellation.
const paymentWindow = 30 * time.Minute

// Service exposes order lifecycle operations. CreateOrder and CancelOrder
// run their own transaction; the Mark* transitions ride the caller's so a
// consumer handler commits the status move together with its ledger row.
type Service interface {
	CreateOrder(ctx context.Context, input CreateOrderInput) (*models.Order, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ListOrders(ctx context.Context, userID uuid.UUID, limit int) ([]models.Order, error)
	MarkPaymentPending(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Order, error)
	MarkPaid(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Order, error)
	CompleteOrder(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Order, error)
	CancelOrder(ctx context.Context, tx *gorm.DB, id uuid.UUID, reason string) (*models.Order, error)
}

// CreateOrderInput holds the validated payload to create an order.
type CreateOrderInput struct {
	UserID      uuid.UUID
	ScreeningID uuid.UUID
	SeatNumbers []string
}

type service struct {
	repo     Repository
	client   *dbpkg.Client
	seats    screenings.Service
	sagas    saga.Service
	writer   *outbox.Service
	registry *registry.EventRegistry
	logg     *logger.Logger
}

// NewService builds the order service.
func NewService(repo Repository, client *dbpkg.Client, seats screenings.Service, sagas saga.Service, writer *outbox.Service, reg *registry.EventRegistry, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, errors.New("order repository is required")
	}
	if client == nil {
		return nil, errors.New("db client is required")
	}
	if seats == nil {
		return nil, errors.New("screening service is required")
	}
	if sagas == nil {
		return nil, errors.New("saga service is required")
	}
	if writer == nil {
		return nil, errors.New("outbox writer is required")
	}
	if reg == nil {
		return nil, errors.New("event registry is required")
	}
	return &service{
		repo:     repo,
		client:   client,
		seats:    seats,
		sagas:    sagas,
		writer:   writer,
		registry: reg,
		logg:     logg,
	}, nil
}

// CreateOrder reserves the seats, creates the order and starts the purchase
// saga in one transaction. The ORDER_CREATED notification rides the same
// transaction through the outbox, so either everything happened or nothing
// did.
func (s *service) CreateOrder(ctx context.Context, input CreateOrderInput) (*models.Order, error) {
	if input.UserID == uuid.Nil || input.ScreeningID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user and screening are required")
	}
	if len(input.SeatNumbers) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one seat is required")
	}
	seen := make(map[string]struct{}, len(input.SeatNumbers))
	for _, seat := range input.SeatNumbers {
		if seat == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "seat number cannot be empty")
		}
		if _, dup := seen[seat]; dup {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "duplicate seat number").WithDetails(seat)
		}
		seen[seat] = struct{}{}
	}

	var created *models.Order
	err := s.client.WithTx(ctx, func(tx *gorm.DB) error {
		screening, err := s.seats.ReserveSeats(ctx, tx, input.ScreeningID, len(input.SeatNumbers))
		if err != nil {
			return err
		}

		sagaKey, err := s.sagas.Start(ctx, tx, saga.StartInput{
			SagaType:   enums.SagaTypeTicketPurchase,
			TotalSteps: purchaseSagaSteps,
			Payload:    map[string]any{"screening_id": input.ScreeningID},
		})
		if err != nil {
			return err
		}

		orderID := uuid.New()
		order := models.Order{
			ID:               orderID,
			OrderNumber:      newOrderNumber(orderID),
			UserID:           input.UserID,
			ScreeningID:      input.ScreeningID,
			Status:           enums.OrderStatusCreated,
			SeatCount:        len(input.SeatNumbers),
			TotalAmountCents: screening.SeatPriceCents * len(input.SeatNumbers),
			PaymentDeadline:  time.Now().Add(paymentWindow),
			SagaKey:          &sagaKey,
		}
		for _, seat := range input.SeatNumbers {
			order.Items = append(order.Items, models.OrderItem{
				ID:         uuid.New(),
				OrderID:    order.ID,
				SeatNumber: seat,
				PriceCents: screening.SeatPriceCents,
			})
		}
		if err := s.repo.WithTx(tx).Create(ctx, &order); err != nil {
			return err
		}

		if err := s.emit(ctx, tx, enums.EventOrderCreated, order.ID, payloads.OrderCreatedEvent{
			OrderID:          order.ID,
			UserID:           order.UserID,
			ScreeningID:      order.ScreeningID,
			SeatNumbers:      input.SeatNumbers,
			TotalAmountCents: order.TotalAmountCents,
			SagaKey:          sagaKey,
		}); err != nil {
			return err
		}
		created = &order
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.logg != nil {
		s.logg.Info(s.logg.WithSagaKey(ctx, *created.SagaKey), "order created")
	}
	return created, nil
}

func (s *service) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return s.load(ctx, s.repo, id)
}

func (s *service) ListOrders(ctx context.Context, userID uuid.UUID, limit int) ([]models.Order, error) {
	return s.repo.ListByUser(ctx, userID, limit)
}

func (s *service) MarkPaymentPending(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Order, error) {
	return s.transition(ctx, tx, id, enums.OrderStatusPaymentPending, nil)
}

func (s *service) MarkPaid(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Order, error) {
	return s.transition(ctx, tx, id, enums.OrderStatusPaid, nil)
}

// CompleteOrder closes out a paid and ticketed order and announces it.
func (s *service) CompleteOrder(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Order, error) {
	return s.transition(ctx, tx, id, enums.OrderStatusCompleted, func(ctx context.Context, tx *gorm.DB, order *models.Order) error {
		return s.emit(ctx, tx, enums.EventOrderCompleted, order.ID, payloads.OrderCompletedEvent{
			OrderID:     order.ID,
			CompletedAt: time.Now(),
			SagaKey:     sagaKeyOf(order),
		})
	})
}

// CancelOrder voids the order, releases its seats and announces the
// cancellation. An already cancelled order is a noop so compensation can be
// re-driven safely. A nil tx runs in its own transaction.
func (s *service) CancelOrder(ctx context.Context, tx *gorm.DB, id uuid.UUID, reason string) (*models.Order, error) {
	if tx == nil {
		var cancelled *models.Order
		err := s.client.WithTx(ctx, func(tx *gorm.DB) error {
			var err error
			cancelled, err = s.CancelOrder(ctx, tx, id, reason)
			return err
		})
		if err != nil {
			return nil, err
		}
		return cancelled, nil
	}

	repo := s.repo.WithTx(tx)
	order, err := s.load(ctx, repo, id)
	if err != nil {
		return nil, err
	}
	if order.Status == enums.OrderStatusCancelled {
		return order, nil
	}

	cancelled, err := s.transition(ctx, tx, id, enums.OrderStatusCancelled, func(ctx context.Context, tx *gorm.DB, order *models.Order) error {
		if _, err := s.seats.ReleaseSeats(ctx, tx, order.ScreeningID, len(order.Items)); err != nil {
			return err
		}
		seatNumbers := make([]string, 0, len(order.Items))
		for _, item := range order.Items {
			seatNumbers = append(seatNumbers, item.SeatNumber)
		}
		return s.emit(ctx, tx, enums.EventOrderCancelled, order.ID, payloads.OrderCancelledEvent{
			OrderID:     order.ID,
			ScreeningID: order.ScreeningID,
			SeatNumbers: seatNumbers,
			Reason:      reason,
			CancelledAt: time.Now(),
			SagaKey:     sagaKeyOf(order),
		})
	})
	if err != nil {
		return nil, err
	}
	if s.logg != nil {
		s.logg.Warn(ctx, "order cancelled: "+reason)
	}
	return cancelled, nil
}

// transition moves the order to next under optimistic locking, running the
// optional followup on the same transaction after the swap lands.
func (s *service) transition(ctx context.Context, tx *gorm.DB, id uuid.UUID, next enums.OrderStatus, followup func(context.Context, *gorm.DB, *models.Order) error) (*models.Order, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}

	repo := s.repo.WithTx(tx)
	for attempt := 0; attempt < statusSwapAttempts; attempt++ {
		order, err := s.load(ctx, repo, id)
		if err != nil {
			return nil, err
		}
		if !order.Status.CanTransitionTo(next) {
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "illegal order transition").
				WithDetails(fmt.Sprintf("%s -> %s", order.Status, next))
		}

		swapped, err := repo.UpdateStatus(ctx, id, order.Version, next)
		if err != nil {
			return nil, err
		}
		if !swapped {
			continue
		}
		order.Status = next
		order.Version++
		if followup != nil {
			if err := followup(ctx, tx, order); err != nil {
				return nil, err
			}
		}
		return order, nil
	}
	return nil, pkgerrors.New(pkgerrors.CodeStaleVersion, "order version moved, retry").WithDetails(id.String())
}

func (s *service) load(ctx context.Context, repo Repository, id uuid.UUID) (*models.Order, error) {
	order, err := repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found").WithDetails(id.String())
	}
	return order, nil
}

func (s *service) emit(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, orderID uuid.UUID, data interface{}) error {
	desc, ok := s.registry.Descriptor(eventType)
	if !ok {
		return fmt.Errorf("no topic registered for %s", eventType)
	}
	_, err := s.writer.Enqueue(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateOrder,
		AggregateID:   orderID.String(),
		Topic:         desc.Topic,
		Data:          data,
	})
	return err
}

// newOrderNumber derives the customer-facing order reference from the order
// id, so it inherits the id's uniqueness.
func newOrderNumber(id uuid.UUID) string {
	return "ORD-" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
}

func sagaKeyOf(order *models.Order) string {
	if order.SagaKey == nil {
		return ""
	}
	return *order.SagaKey
}
