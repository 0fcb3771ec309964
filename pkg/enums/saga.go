package enums

import "fmt"

// SagaStatus maps to the status column on saga_states.
type SagaStatus string

const (
	SagaStatusStarted      SagaStatus = "STARTED"
	SagaStatusInProgress   SagaStatus = "IN_PROGRESS"
	SagaStatusCompleted    SagaStatus = "COMPLETED"
	SagaStatusFailed       SagaStatus = "FAILED"
	SagaStatusCompensating SagaStatus = "COMPENSATING"
	SagaStatusCompensated  SagaStatus = "COMPENSATED"
)

var validSagaStatuses = []SagaStatus{
	SagaStatusStarted,
	SagaStatusInProgress,
	SagaStatusCompleted,
	SagaStatusFailed,
	SagaStatusCompensating,
	SagaStatusCompensated,
}

// IsValid reports whether the value matches the canonical saga status enum.
func (s SagaStatus) IsValid() bool {
	for _, candidate := range validSagaStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the saga accepts no further transitions.
func (s SagaStatus) IsTerminal() bool {
	return s == SagaStatusCompleted || s == SagaStatusFailed || s == SagaStatusCompensated
}

// ParseSagaStatus converts raw input into SagaStatus.
func ParseSagaStatus(value string) (SagaStatus, error) {
	for _, candidate := range validSagaStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid saga status %q", value)
}

// SagaType identifies a multi-step flow tracked by a saga state row.
type SagaType string

const (
	SagaTypeTicketPurchase SagaType = "TICKET_PURCHASE"
)

var validSagaTypes = []SagaType{
	SagaTypeTicketPurchase,
}

// IsValid reports whether the value is a known SagaType.
func (t SagaType) IsValid() bool {
	for _, candidate := range validSagaTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseSagaType converts raw input into SagaType.
func ParseSagaType(value string) (SagaType, error) {
	for _, candidate := range validSagaTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid saga type %q", value)
}
