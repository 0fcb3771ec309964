package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
)

// OrderCreatedEvent starts the ticket purchase flow.
type OrderCreatedEvent struct {
	OrderID          uuid.UUID `json:"order_id"`
	UserID           uuid.UUID `json:"user_id"`
	ScreeningID      uuid.UUID `json:"screening_id"`
	SeatNumbers      []string  `json:"seat_numbers"`
	TotalAmountCents int       `json:"total_amount_cents"`
	SagaKey          string    `json:"saga_key,omitempty"`
}

// OrderCancelledEvent is emitted when an order is cancelled, either by the
// user or by saga compensation.
type OrderCancelledEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	ScreeningID uuid.UUID `json:"screening_id"`
	SeatNumbers []string  `json:"seat_numbers"`
	Reason      string    `json:"reason,omitempty"`
	CancelledAt time.Time `json:"cancelled_at"`
	SagaKey     string    `json:"saga_key,omitempty"`
}

// OrderCompletedEvent closes out a fully paid and ticketed order.
type OrderCompletedEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	CompletedAt time.Time `json:"completed_at"`
	SagaKey     string    `json:"saga_key,omitempty"`
}

// PaymentApprovedEvent reports a captured payment.
type PaymentApprovedEvent struct {
	PaymentID   uuid.UUID           `json:"payment_id"`
	OrderID     uuid.UUID           `json:"order_id"`
	Method      enums.PaymentMethod `json:"method"`
	AmountCents int                 `json:"amount_cents"`
	ApprovedAt  time.Time           `json:"approved_at"`
	SagaKey     string              `json:"saga_key,omitempty"`
}

// PaymentCancelledEvent reports a cancelled or refunded payment.
type PaymentCancelledEvent struct {
	PaymentID   uuid.UUID `json:"payment_id"`
	OrderID     uuid.UUID `json:"order_id"`
	Reason      string    `json:"reason,omitempty"`
	CancelledAt time.Time `json:"cancelled_at"`
	SagaKey     string    `json:"saga_key,omitempty"`
}

// TicketIssuedEvent reports admission tickets created for a paid order.
type TicketIssuedEvent struct {
	OrderID     uuid.UUID   `json:"order_id"`
	ScreeningID uuid.UUID   `json:"screening_id"`
	TicketIDs   []uuid.UUID `json:"ticket_ids"`
	SeatNumbers []string    `json:"seat_numbers"`
	SagaKey     string      `json:"saga_key,omitempty"`
}

// TicketUsedEvent reports a ticket scanned at the gate.
type TicketUsedEvent struct {
	TicketID uuid.UUID `json:"ticket_id"`
	OrderID  uuid.UUID `json:"order_id"`
	UsedAt   time.Time `json:"used_at"`
}

// TicketCancelledEvent reports tickets voided by compensation or refund.
type TicketCancelledEvent struct {
	OrderID   uuid.UUID   `json:"order_id"`
	TicketIDs []uuid.UUID `json:"ticket_ids"`
	Reason    string      `json:"reason,omitempty"`
}

// ScreeningUpdatedEvent reports schedule or inventory changes on a screening.
type ScreeningUpdatedEvent struct {
	ScreeningID   uuid.UUID `json:"screening_id"`
	StartsAt      time.Time `json:"starts_at"`
	TotalSeats    int       `json:"total_seats"`
	ReservedSeats int       `json:"reserved_seats"`
}
