package enums

import "fmt"

// OutboxEventStatus maps to the status column on outbox_events and drives
// the publish lifecycle.
type OutboxEventStatus string

const (
	OutboxStatusCreated    OutboxEventStatus = "CREATED"
	OutboxStatusReady      OutboxEventStatus = "READY"
	OutboxStatusPublishing OutboxEventStatus = "PUBLISHING"
	OutboxStatusPublished  OutboxEventStatus = "PUBLISHED"
	OutboxStatusFailed     OutboxEventStatus = "FAILED"
	OutboxStatusDLQ        OutboxEventStatus = "DLQ"
)

var validOutboxEventStatuses = []OutboxEventStatus{
	OutboxStatusCreated,
	OutboxStatusReady,
	OutboxStatusPublishing,
	OutboxStatusPublished,
	OutboxStatusFailed,
	OutboxStatusDLQ,
}

// IsValid reports whether the value matches the canonical outbox status enum.
func (s OutboxEventStatus) IsValid() bool {
	for _, candidate := range validOutboxEventStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further publish attempts are allowed.
func (s OutboxEventStatus) IsTerminal() bool {
	return s == OutboxStatusPublished || s == OutboxStatusDLQ
}

// ParseOutboxEventStatus converts raw input into OutboxEventStatus.
func ParseOutboxEventStatus(value string) (OutboxEventStatus, error) {
	for _, candidate := range validOutboxEventStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox status %q", value)
}

// OutboxAggregateType maps to the aggregate_type column on outbox_events
// and is the first segment of every event key.
type OutboxAggregateType string

const (
	AggregateOrder     OutboxAggregateType = "ORDER"
	AggregatePayment   OutboxAggregateType = "PAYMENT"
	AggregateTicket    OutboxAggregateType = "TICKET"
	AggregateScreening OutboxAggregateType = "SCREENING"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateOrder,
	AggregatePayment,
	AggregateTicket,
	AggregateScreening,
}

// IsValid reports whether the value matches the canonical aggregate_type enum.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to the event_type column on outbox_events.
type OutboxEventType string

const (
	EventOrderCreated     OutboxEventType = "ORDER_CREATED"
	EventOrderCancelled   OutboxEventType = "ORDER_CANCELLED"
	EventOrderCompleted   OutboxEventType = "ORDER_COMPLETED"
	EventPaymentApproved  OutboxEventType = "PAYMENT_APPROVED"
	EventPaymentCancelled OutboxEventType = "PAYMENT_CANCELLED"
	EventTicketIssued     OutboxEventType = "TICKET_ISSUED"
	EventTicketUsed       OutboxEventType = "TICKET_USED"
	EventTicketCancelled  OutboxEventType = "TICKET_CANCELLED"
	EventScreeningUpdated OutboxEventType = "SCREENING_UPDATED"
)

var validOutboxEventTypes = []OutboxEventType{
	EventOrderCreated,
	EventOrderCancelled,
	EventOrderCompleted,
	EventPaymentApproved,
	EventPaymentCancelled,
	EventTicketIssued,
	EventTicketUsed,
	EventTicketCancelled,
	EventScreeningUpdated,
}

// IsValid reports whether the value matches the canonical event_type enum.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
