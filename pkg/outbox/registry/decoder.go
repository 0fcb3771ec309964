package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/payloads"
)

// CurrentPayloadVersion is the envelope version the outbox writer stamps
// today. Bump it together with a new decoder registration when a payload
// schema changes.
const CurrentPayloadVersion = 1

// PayloadDecoder turns a raw envelope payload into its typed event struct.
type PayloadDecoder func(data json.RawMessage) (interface{}, error)

type decoderKey struct {
	eventType enums.OutboxEventType
	version   int
}

// DecoderRegistry maps (event type, envelope version) pairs to payload
// decoders, so a consumer rejects schema revisions it does not understand
// instead of silently dropping fields.
type DecoderRegistry struct {
	mtx      sync.RWMutex
	decoders map[decoderKey]PayloadDecoder
}

// NewDecoderRegistry builds an empty registry.
func NewDecoderRegistry() *DecoderRegistry {
	return &DecoderRegistry{decoders: make(map[decoderKey]PayloadDecoder)}
}

// NewPayloadDecoders registers the current schema version of every event
// payload this system emits.
func NewPayloadDecoders() *DecoderRegistry {
	reg := NewDecoderRegistry()
	reg.Register(enums.EventOrderCreated, CurrentPayloadVersion, DecodeInto[payloads.OrderCreatedEvent]())
	reg.Register(enums.EventOrderCancelled, CurrentPayloadVersion, DecodeInto[payloads.OrderCancelledEvent]())
	reg.Register(enums.EventOrderCompleted, CurrentPayloadVersion, DecodeInto[payloads.OrderCompletedEvent]())
	reg.Register(enums.EventPaymentApproved, CurrentPayloadVersion, DecodeInto[payloads.PaymentApprovedEvent]())
	reg.Register(enums.EventPaymentCancelled, CurrentPayloadVersion, DecodeInto[payloads.PaymentCancelledEvent]())
	reg.Register(enums.EventTicketIssued, CurrentPayloadVersion, DecodeInto[payloads.TicketIssuedEvent]())
	reg.Register(enums.EventTicketUsed, CurrentPayloadVersion, DecodeInto[payloads.TicketUsedEvent]())
	reg.Register(enums.EventTicketCancelled, CurrentPayloadVersion, DecodeInto[payloads.TicketCancelledEvent]())
	reg.Register(enums.EventScreeningUpdated, CurrentPayloadVersion, DecodeInto[payloads.ScreeningUpdatedEvent]())
	return reg
}

// DecodeInto builds a decoder producing a *T from the raw payload.
func DecodeInto[T any]() PayloadDecoder {
	return func(data json.RawMessage) (interface{}, error) {
		event := new(T)
		if err := json.Unmarshal(data, event); err != nil {
			return nil, err
		}
		return event, nil
	}
}

// Register stores the decoder for an event type and version.
func (r *DecoderRegistry) Register(eventType enums.OutboxEventType, version int, decoder PayloadDecoder) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.decoders[decoderKey{eventType: eventType, version: version}] = decoder
}

// Decode runs the decoder registered for the event type and version.
func (r *DecoderRegistry) Decode(eventType enums.OutboxEventType, version int, data json.RawMessage) (interface{}, error) {
	r.mtx.RLock()
	decoder, ok := r.decoders[decoderKey{eventType: eventType, version: version}]
	r.mtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no payload decoder for %s version %d", eventType, version)
	}
	return decoder(data)
}
