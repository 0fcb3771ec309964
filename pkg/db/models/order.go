package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
)

// Order is a ticket purchase for one screening.
type Order struct {
	ID               uuid.UUID         `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderNumber      string            `gorm:"column:order_number;not null;uniqueIndex:ux_orders_number"`
	UserID           uuid.UUID         `gorm:"column:user_id;type:uuid;not null;index:ix_orders_user"`
	ScreeningID      uuid.UUID         `gorm:"column:screening_id;type:uuid;not null"`
	Status           enums.OrderStatus `gorm:"column:status;not null;default:CREATED"`
	SeatCount        int               `gorm:"column:seat_count;not null"`
	TotalAmountCents int               `gorm:"column:total_amount_cents;not null"`
	PaymentDeadline  time.Time         `gorm:"column:payment_deadline;not null"`
	SagaKey          *string           `gorm:"column:saga_key;index:ix_orders_saga_key"`
	Items            []OrderItem       `gorm:"foreignKey:OrderID"`
	Version          int               `gorm:"column:version;not null;default:0"`
	CreatedAt        time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

// OrderItem is one reserved seat within an order.
type OrderItem struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID    uuid.UUID `gorm:"column:order_id;type:uuid;not null;index:ix_order_items_order"`
	SeatNumber string    `gorm:"column:seat_number;not null"`
	PriceCents int       `gorm:"column:price_cents;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}
