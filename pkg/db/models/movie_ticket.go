package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
)

// MovieTicket is an admission ticket issued once payment for its order is
// approved.
type MovieTicket struct {
	ID           uuid.UUID          `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	TicketNumber string             `gorm:"column:ticket_number;not null;uniqueIndex:ux_movie_tickets_number"`
	OrderID      uuid.UUID          `gorm:"column:order_id;type:uuid;not null;index:ix_movie_tickets_order"`
	UserID       uuid.UUID          `gorm:"column:user_id;type:uuid;not null"`
	ScreeningID  uuid.UUID          `gorm:"column:screening_id;type:uuid;not null"`
	SeatNumber   string             `gorm:"column:seat_number;not null"`
	Status       enums.TicketStatus `gorm:"column:status;not null;default:ISSUED"`
	IssuedAt     time.Time          `gorm:"column:issued_at;autoCreateTime"`
	UsedAt       *time.Time         `gorm:"column:used_at"`
	CreatedAt    time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}
