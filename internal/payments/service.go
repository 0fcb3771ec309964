package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/junhyuk-baek/ticketflow-backend/internal/orders"
	dbpkg "github.com/junhyuk-baek/ticketflow-backend/pkg/db"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/db/models"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
	pkgerrors "github.com/junhyuk-baek/ticketflow-backend/pkg/errors"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/logger"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/payloads"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/registry"
)

// Service exposes payment operations. CreatePayment rides the caller's
// transaction because it runs inside a consumer handler; Approve and Cancel
// are API-driven and run their own.
type Service interface {
	CreatePayment(ctx context.Context, tx *gorm.DB, input CreatePaymentInput) (*models.Payment, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	GetPaymentForOrder(ctx context.Context, orderID uuid.UUID) (*models.Payment, error)
	ApprovePayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	CancelPayment(ctx context.Context, id uuid.UUID, reason string) (*models.Payment, error)
}

// CreatePaymentInput holds the validated payload to open a pending payment.
type CreatePaymentInput struct {
	OrderID     uuid.UUID
	Method      enums.PaymentMethod
	AmountCents int
}

type service struct {
	repo      Repository
	orderRepo orders.Repository
	client    *dbpkg.Client
	writer    *outbox.Service
	registry  *registry.EventRegistry
	logg      *logger.Logger
}

// NewService builds the payment service.
func NewService(repo Repository, orderRepo orders.Repository, client *dbpkg.Client, writer *outbox.Service, reg *registry.EventRegistry, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, errors.New("payment repository is required")
	}
	if orderRepo == nil {
		return nil, errors.New("order repository is required")
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
	return &service{
		repo:      repo,
		orderRepo: orderRepo,
		client:    client,
		writer:    writer,
		registry:  reg,
		logg:      logg,
	}, nil
}

// CreatePayment opens a pending payment for the order. A second call for the
// same order returns the existing payment so the creating consumer can be
// redelivered safely.
func (s *service) CreatePayment(ctx context.Context, tx *gorm.DB, input CreatePaymentInput) (*models.Payment, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	if input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order is required")
	}
	if !input.Method.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown payment method").WithDetails(string(input.Method))
	}
	if input.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}

	repo := s.repo.WithTx(tx)
	existing, err := repo.FindByOrderID(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	paymentID := uuid.New()
	payment := models.Payment{
		ID:            paymentID,
		PaymentNumber: newPaymentNumber(paymentID),
		OrderID:       input.OrderID,
		Status:        enums.PaymentStatusPending,
		Method:        input.Method,
		AmountCents:   input.AmountCents,
	}
	if err := repo.Create(ctx, &payment); err != nil {
		// the unique index on order_id is the authority; losing the race
		// aborts the caller's transaction and the redelivery finds the winner
		if dbpkg.IsUniqueViolation(err, "ux_payments_order") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "payment already exists for order")
		}
		return nil, err
	}
	return &payment, nil
}

// newPaymentNumber derives the external payment reference from the payment
// id, so it inherits the id's uniqueness.
func newPaymentNumber(id uuid.UUID) string {
	return "PAY-" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
}

func (s *service) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return s.load(ctx, s.repo, id)
}

func (s *service) GetPaymentForOrder(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	payment, err := s.repo.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found for order").WithDetails(orderID.String())
	}
	return payment, nil
}

// ApprovePayment captures a pending payment and announces the approval.
func (s *service) ApprovePayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var approved *models.Payment
	err := s.client.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		payment, err := s.load(ctx, repo, id)
		if err != nil {
			return err
		}
		if payment.Status != enums.PaymentStatusPending {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "only pending payments can be approved").
				WithDetails(fmt.Sprintf("status=%s", payment.Status))
		}

		now := time.Now()
		swapped, err := repo.UpdateStatus(ctx, id, payment.Version, map[string]any{
			"status":      enums.PaymentStatusApproved,
			"approved_at": now,
		})
		if err != nil {
			return err
		}
		if !swapped {
			return pkgerrors.New(pkgerrors.CodeStaleVersion, "payment version moved, retry").WithDetails(id.String())
		}
		payment.Status = enums.PaymentStatusApproved
		payment.ApprovedAt = &now
		payment.Version++

		sagaKey, err := s.sagaKeyForOrder(ctx, tx, payment.OrderID)
		if err != nil {
			return err
		}
		if err := s.emit(ctx, tx, enums.EventPaymentApproved, payment.ID, payloads.PaymentApprovedEvent{
			PaymentID:   payment.ID,
			OrderID:     payment.OrderID,
			Method:      payment.Method,
			AmountCents: payment.AmountCents,
			ApprovedAt:  now,
			SagaKey:     sagaKey,
		}); err != nil {
			return err
		}
		approved = payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.logg != nil {
		s.logg.Info(ctx, "payment approved")
	}
	return approved, nil
}

// CancelPayment voids a pending or approved payment and announces the
// cancellation, which triggers saga compensation downstream.
func (s *service) CancelPayment(ctx context.Context, id uuid.UUID, reason string) (*models.Payment, error) {
	var cancelled *models.Payment
	err := s.client.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		payment, err := s.load(ctx, repo, id)
		if err != nil {
			return err
		}
		if payment.Status == enums.PaymentStatusCancelled {
			cancelled = payment
			return nil
		}

		now := time.Now()
		swapped, err := repo.UpdateStatus(ctx, id, payment.Version, map[string]any{
			"status":        enums.PaymentStatusCancelled,
			"cancelled_at":  now,
			"cancel_reason": reason,
		})
		if err != nil {
			return err
		}
		if !swapped {
			return pkgerrors.New(pkgerrors.CodeStaleVersion, "payment version moved, retry").WithDetails(id.String())
		}
		payment.Status = enums.PaymentStatusCancelled
		payment.CancelledAt = &now
		payment.CancelReason = &reason
		payment.Version++

		sagaKey, err := s.sagaKeyForOrder(ctx, tx, payment.OrderID)
		if err != nil {
			return err
		}
		if err := s.emit(ctx, tx, enums.EventPaymentCancelled, payment.ID, payloads.PaymentCancelledEvent{
			PaymentID:   payment.ID,
			OrderID:     payment.OrderID,
			Reason:      reason,
			CancelledAt: now,
			SagaKey:     sagaKey,
		}); err != nil {
			return err
		}
		cancelled = payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.logg != nil {
		s.logg.Warn(ctx, "payment cancelled: "+reason)
	}
	return cancelled, nil
}

func (s *service) load(ctx context.Context, repo Repository, id uuid.UUID) (*models.Payment, error) {
	payment, err := repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found").WithDetails(id.String())
	}
	return payment, nil
}

func (s *service) sagaKeyForOrder(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (string, error) {
	order, err := s.orderRepo.WithTx(tx).FindByID(ctx, orderID)
	if err != nil {
		return "", err
	}
	if order == nil || order.SagaKey == nil {
		return "", nil
	}
	return *order.SagaKey, nil
}

func (s *service) emit(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, paymentID uuid.UUID, data interface{}) error {
	desc, ok := s.registry.Descriptor(eventType)
	if !ok {
		return fmt.Errorf("no topic registered for %s", eventType)
	}
	_, err := s.writer.Enqueue(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregatePayment,
		AggregateID:   paymentID.String(),
		Topic:         desc.Topic,
		Data:          data,
	})
	return err
}
