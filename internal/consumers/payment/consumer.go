// Package payment reacts to new orders by opening the pending payment.
package payment

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/junhyuk-baek/ticketflow-backend/internal/orders"
	"github.com/junhyuk-baek/ticketflow-backend/internal/payments"
	"github.com/junhyuk-baek/ticketflow-backend/internal/saga"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/consumer"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/logger"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/payloads"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/registry"
)

// Group is the idempotency scope of this consumer.
const Group = "payment-service"

// Consumer handles order events for the payment side of the purchase flow.
type Consumer struct {
	orders       orders.Service
	payments     payments.Service
	orchestrator *saga.Orchestrator
	decoders     *registry.DecoderRegistry
	logg         *logger.Logger
}

// NewConsumer builds the payment-service consumer.
func NewConsumer(orderSvc orders.Service, paymentSvc payments.Service, orchestrator *saga.Orchestrator, logg *logger.Logger) (*Consumer, error) {
	if orderSvc == nil {
		return nil, fmt.Errorf("order service required")
	}
	if paymentSvc == nil {
		return nil, fmt.Errorf("payment service required")
	}
	if orchestrator == nil {
		return nil, fmt.Errorf("saga orchestrator required")
	}
	return &Consumer{
		orders:       orderSvc,
		payments:     paymentSvc,
		orchestrator: orchestrator,
		decoders:     registry.NewPayloadDecoders(),
		logg:         logg,
	}, nil
}

// Routes maps event types to handlers for the harness.
func (c *Consumer) Routes() map[enums.OutboxEventType]consumer.Handler {
	return map[enums.OutboxEventType]consumer.Handler{
		enums.EventOrderCreated: c.handleOrderCreated,
	}
}

// handleOrderCreated opens a pending payment for the new order, moves the
// order to PAYMENT_PENDING and advances the purchase saga, all on the
// handler's transaction.
func (c *Consumer) handleOrderCreated(ctx context.Context, tx *gorm.DB, envelope outbox.Envelope) error {
	decoded, err := c.decoders.Decode(envelope.EventType, envelope.EventVersion, envelope.Data)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", envelope.EventType, err)
	}
	event, ok := decoded.(*payloads.OrderCreatedEvent)
	if !ok {
		return fmt.Errorf("decoding %s: unexpected payload type %T", envelope.EventType, decoded)
	}

	if _, err := c.payments.CreatePayment(ctx, tx, payments.CreatePaymentInput{
		OrderID:     event.OrderID,
		Method:      enums.PaymentMethodCard,
		AmountCents: event.TotalAmountCents,
	}); err != nil {
		return err
	}
	if _, err := c.orders.MarkPaymentPending(ctx, tx, event.OrderID); err != nil {
		return err
	}
	if event.SagaKey != "" {
		if _, err := c.orchestrator.Advance(ctx, tx, event.SagaKey); err != nil {
			return err
		}
	}
	if c.logg != nil {
		c.logg.Info(c.logg.WithEventKey(ctx, envelope.EventKey), "pending payment opened")
	}
	return nil
}
