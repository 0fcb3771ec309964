package registry

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/payloads"
)

func TestPayloadDecodersCoverEveryEmittedType(t *testing.T) {
	reg := NewPayloadDecoders()

	for _, eventType := range []enums.OutboxEventType{
		enums.EventOrderCreated,
		enums.EventOrderCancelled,
		enums.EventOrderCompleted,
		enums.EventPaymentApproved,
		enums.EventPaymentCancelled,
		enums.EventTicketIssued,
		enums.EventTicketUsed,
		enums.EventTicketCancelled,
		enums.EventScreeningUpdated,
	} {
		_, err := reg.Decode(eventType, CurrentPayloadVersion, json.RawMessage(`{}`))
		assert.NoError(t, err, "decoder missing for %s", eventType)
	}
}

func TestDecodeReturnsTypedPayload(t *testing.T) {
	reg := NewPayloadDecoders()
	orderID := uuid.New()

	raw, err := json.Marshal(payloads.OrderCreatedEvent{
		OrderID:          orderID,
		SeatNumbers:      []string{"A1", "A2"},
		TotalAmountCents: 3000,
	})
	require.NoError(t, err)

	decoded, err := reg.Decode(enums.EventOrderCreated, CurrentPayloadVersion, raw)
	require.NoError(t, err)

	event, ok := decoded.(*payloads.OrderCreatedEvent)
	require.True(t, ok, "unexpected payload type %T", decoded)
	assert.Equal(t, orderID, event.OrderID)
	assert.Equal(t, []string{"A1", "A2"}, event.SeatNumbers)
	assert.Equal(t, 3000, event.TotalAmountCents)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	reg := NewPayloadDecoders()

	_, err := reg.Decode(enums.EventOrderCreated, CurrentPayloadVersion+1, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no payload decoder")
}

func TestDecodePropagatesMalformedPayloadError(t *testing.T) {
	reg := NewPayloadDecoders()

	_, err := reg.Decode(enums.EventOrderCreated, CurrentPayloadVersion, json.RawMessage(`{"order_id": 12}`))
	require.Error(t, err)
}
