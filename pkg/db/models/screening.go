package models

import (
	"time"

	"github.com/google/uuid"
)

// Screening is one showing of a movie with a fixed seat inventory.
type Screening struct {
	ID             uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	MovieTitle     string    `gorm:"column:movie_title;not null"`
	ScreenName     string    `gorm:"column:screen_name;not null"`
	StartsAt       time.Time `gorm:"column:starts_at;not null"`
	SeatPriceCents int       `gorm:"column:seat_price_cents;not null"`
	TotalSeats     int       `gorm:"column:total_seats;not null"`
	ReservedSeats  int       `gorm:"column:reserved_seats;not null;default:0"`
	Version        int       `gorm:"column:version;not null;default:0"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
