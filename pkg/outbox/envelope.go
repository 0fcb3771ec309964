package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
)

// Envelope is the stable payload structure stored in outbox_events and sent
// on the wire. The event key travels with the payload so every consumer can
// feed its idempotency ledger without extra lookups.
type Envelope struct {
	EventKey     string                `json:"eventKey"`
	EventType    enums.OutboxEventType `json:"eventType"`
	EventVersion int                   `json:"eventVersion"`
	OccurredAt   time.Time             `json:"occurredAt"`
	Data         json.RawMessage       `json:"data"`
}

// BuildEventKey creates a globally unique idempotency token in the form
// AGGREGATETYPE:aggregateID:EVENTTYPE:uuid.
func BuildEventKey(aggregateType enums.OutboxAggregateType, aggregateID string, eventType enums.OutboxEventType) string {
	return fmt.Sprintf("%s:%s:%s:%s", aggregateType, aggregateID, eventType, uuid.NewString())
}

// ParseEventKey splits an event key back into its segments. The trailing
// uuid keeps keys unique even for repeated (aggregate, eventType) pairs.
func ParseEventKey(key string) (aggregateType, aggregateID, eventType, nonce string, err error) {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) != 4 || parts[0] == "" || parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return "", "", "", "", fmt.Errorf("malformed event key %q", key)
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}
