package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
)

// Payment is the money side of an order.
// The unique index on order_id is what enforces one payment per order; the
// service-level existence check is only a fast path.
type Payment struct {
	ID            uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	PaymentNumber string              `gorm:"column:payment_number;not null;uniqueIndex:ux_payments_number"`
	OrderID       uuid.UUID           `gorm:"column:order_id;type:uuid;not null;uniqueIndex:ux_payments_order"`
	Status        enums.PaymentStatus `gorm:"column:status;not null;default:PENDING"`
	Method        enums.PaymentMethod `gorm:"column:method;not null"`
	AmountCents   int                 `gorm:"column:amount_cents;not null"`
	ApprovedAt    *time.Time          `gorm:"column:approved_at"`
	CancelledAt   *time.Time          `gorm:"column:cancelled_at"`
	CancelReason  *string             `gorm:"column:cancel_reason"`
	Version       int                 `gorm:"column:version;not null;default:0"`
	CreatedAt     time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}
