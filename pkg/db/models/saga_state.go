package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
)

// SagaState tracks one multi-step distributed transaction. Every mutation
// goes through a compare-and-swap on Version.
type SagaState struct {
	ID           uuid.UUID        `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	SagaKey      string           `gorm:"column:saga_key;uniqueIndex:ux_saga_states_saga_key;not null"`
	SagaType     enums.SagaType   `gorm:"column:saga_type;not null"`
	Status       enums.SagaStatus `gorm:"column:status;not null;default:STARTED"`
	CurrentStep  int              `gorm:"column:current_step;not null;default:0"`
	TotalSteps   int              `gorm:"column:total_steps;not null"`
	Payload      json.RawMessage  `gorm:"column:payload;type:jsonb"`
	ErrorMessage *string          `gorm:"column:error_message"`
	CompletedAt  *time.Time       `gorm:"column:completed_at"`
	Version      int              `gorm:"column:version;not null;default:0"`
	CreatedAt    time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}
