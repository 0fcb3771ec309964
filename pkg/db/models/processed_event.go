package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
)

// ProcessedEvent is the consumer-side idempotency ledger. The composite
// unique index on (event_key, consumer_group) is what suppresses duplicate
// deliveries, so it must stay storage-enforced.
type ProcessedEvent struct {
	ID            uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	EventKey      string                `gorm:"column:event_key;not null;uniqueIndex:ux_processed_events_key_group"`
	ConsumerGroup string                `gorm:"column:consumer_group;not null;uniqueIndex:ux_processed_events_key_group"`
	EventType     enums.OutboxEventType `gorm:"column:event_type;not null"`
	ProcessedAt   time.Time             `gorm:"column:processed_at;autoCreateTime"`
}
