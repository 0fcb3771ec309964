package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
)

// OutboxEvent is a pending notification written in the same transaction as
// the business state it describes. The event_key doubles as the downstream
// idempotency token.
type OutboxEvent struct {
	ID            uuid.UUID                 `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	EventKey      string                    `gorm:"column:event_key;uniqueIndex:ux_outbox_events_event_key;not null"`
	EventType     enums.OutboxEventType     `gorm:"column:event_type;not null"`
	AggregateType enums.OutboxAggregateType `gorm:"column:aggregate_type;not null"`
	AggregateID   string                    `gorm:"column:aggregate_id;not null;index:ix_outbox_events_aggregate"`
	Topic         string                    `gorm:"column:topic;not null"`
	Payload       json.RawMessage           `gorm:"column:payload;type:jsonb;not null"`
	Status        enums.OutboxEventStatus   `gorm:"column:status;not null;default:CREATED;index:ix_outbox_events_status"`
	RetryCount    int                       `gorm:"column:retry_count;not null;default:0"`
	ErrorMessage  *string                   `gorm:"column:error_message"`
	ClaimedAt     *time.Time                `gorm:"column:claimed_at"`
	PublishedAt   *time.Time                `gorm:"column:published_at"`
	Version       int                       `gorm:"column:version;not null;default:0"`
	CreatedAt     time.Time                 `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time                 `gorm:"column:updated_at;autoUpdateTime"`
}
