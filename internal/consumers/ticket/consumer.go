// Package ticket turns approved payments into admission tickets and rolls
// the purchase back when the payment falls through.
package ticket

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/junhyuk-baek/ticketflow-backend/internal/orders"
	"github.com/junhyuk-baek/ticketflow-backend/internal/saga"
	"github.com/junhyuk-baek/ticketflow-backend/internal/tickets"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/consumer"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/logger"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/payloads"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/registry"
)

// Group is the idempotency scope of this consumer.
const Group = "ticket-service"

// Consumer handles payment events for the ticketing side of the purchase
// flow.
type Consumer struct {
	orders       orders.Service
	tickets      tickets.Service
	orchestrator *saga.Orchestrator
	decoders     *registry.DecoderRegistry
	logg         *logger.Logger
}

// NewConsumer builds the ticket-service consumer.
func NewConsumer(orderSvc orders.Service, ticketSvc tickets.Service, orchestrator *saga.Orchestrator, logg *logger.Logger) (*Consumer, error) {
	if orderSvc == nil {
		return nil, fmt.Errorf("order service required")
	}
	if ticketSvc == nil {
		return nil, fmt.Errorf("ticket service required")
	}
	if orchestrator == nil {
		return nil, fmt.Errorf("saga orchestrator required")
	}
	return &Consumer{
		orders:       orderSvc,
		tickets:      ticketSvc,
		orchestrator: orchestrator,
		decoders:     registry.NewPayloadDecoders(),
		logg:         logg,
	}, nil
}

// Routes maps event types to handlers for the harness.
func (c *Consumer) Routes() map[enums.OutboxEventType]consumer.Handler {
	return map[enums.OutboxEventType]consumer.Handler{
		enums.EventPaymentApproved:  c.handlePaymentApproved,
		enums.EventPaymentCancelled: c.handlePaymentCancelled,
	}
}

// handlePaymentApproved marks the order paid, issues its tickets, closes the
// order out and completes the purchase saga, all on the handler's
// transaction.
func (c *Consumer) handlePaymentApproved(ctx context.Context, tx *gorm.DB, envelope outbox.Envelope) error {
	decoded, err := c.decoders.Decode(envelope.EventType, envelope.EventVersion, envelope.Data)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", envelope.EventType, err)
	}
	event, ok := decoded.(*payloads.PaymentApprovedEvent)
	if !ok {
		return fmt.Errorf("decoding %s: unexpected payload type %T", envelope.EventType, decoded)
	}

	order, err := c.orders.MarkPaid(ctx, tx, event.OrderID)
	if err != nil {
		return err
	}

	seatNumbers := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		seatNumbers = append(seatNumbers, item.SeatNumber)
	}
	if _, err := c.tickets.IssueTickets(ctx, tx, tickets.IssueTicketsInput{
		OrderID:     order.ID,
		UserID:      order.UserID,
		ScreeningID: order.ScreeningID,
		SeatNumbers: seatNumbers,
		SagaKey:     event.SagaKey,
	}); err != nil {
		return err
	}
	if _, err := c.orders.CompleteOrder(ctx, tx, order.ID); err != nil {
		return err
	}
	if event.SagaKey != "" {
		if _, err := c.orchestrator.Advance(ctx, tx, event.SagaKey); err != nil {
			return err
		}
	}
	if c.logg != nil {
		c.logg.Info(c.logg.WithEventKey(ctx, envelope.EventKey), "tickets issued for paid order")
	}
	return nil
}

// handlePaymentCancelled rolls the purchase back: void the tickets, cancel
// the order and release its seats, then settle the saga on COMPENSATED.
func (c *Consumer) handlePaymentCancelled(ctx context.Context, tx *gorm.DB, envelope outbox.Envelope) error {
	decoded, err := c.decoders.Decode(envelope.EventType, envelope.EventVersion, envelope.Data)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", envelope.EventType, err)
	}
	event, ok := decoded.(*payloads.PaymentCancelledEvent)
	if !ok {
		return fmt.Errorf("decoding %s: unexpected payload type %T", envelope.EventType, decoded)
	}

	reason := event.Reason
	if reason == "" {
		reason = "payment cancelled"
	}

	rollback := func(ctx context.Context, tx *gorm.DB) error {
		if _, err := c.tickets.CancelTicketsForOrder(ctx, tx, event.OrderID, reason); err != nil {
			return err
		}
		_, err := c.orders.CancelOrder(ctx, tx, event.OrderID, reason)
		return err
	}

	if event.SagaKey == "" {
		return rollback(ctx, tx)
	}
	return c.orchestrator.Compensate(ctx, tx, event.SagaKey, reason, rollback)
}
