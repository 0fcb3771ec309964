package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	dbpkg "github.com/junhyuk-baek/ticketflow-backend/pkg/db"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/db/models"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/ledger"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/payloads"
)

type fakeDeadLetter struct {
	published [][]byte
	attrs     []map[string]string
	fail      bool
}

func (f *fakeDeadLetter) Publish(ctx context.Context, data []byte, attributes map[string]string) error {
	if f.fail {
		return errors.New("sink unavailable")
	}
	f.published = append(f.published, data)
	f.attrs = append(f.attrs, attributes)
	return nil
}

type issuedTicket struct {
	ID      uuid.UUID `gorm:"primaryKey"`
	OrderID string
}

func setupHarnessTest(t *testing.T, routes map[enums.OutboxEventType]Handler, sink DeadLetterSink) (*gorm.DB, *Harness) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.ProcessedEvent{}, &issuedTicket{}))

	client := dbpkg.NewWithConn(conn)
	ledgerSvc, err := ledger.NewService(ledger.NewRepository(conn), nil)
	require.NoError(t, err)

	harness, err := NewHarness(HarnessParams{
		ConsumerGroup: "ticket-service",
		Client:        client,
		Ledger:        ledgerSvc,
		DeadLetter:    sink,
		Routes:        routes,
	})
	require.NoError(t, err)
	return conn, harness
}

func encodeEnvelope(t *testing.T, eventType enums.OutboxEventType, eventKey string, data interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	payload, err := json.Marshal(outbox.Envelope{
		EventKey:     eventKey,
		EventType:    eventType,
		EventVersion: 1,
		OccurredAt:   time.Now(),
		Data:         raw,
	})
	require.NoError(t, err)
	return payload
}

func TestDoubleDeliveryAppliesSideEffectsOnce(t *testing.T) {
	issueTickets := func(ctx context.Context, tx *gorm.DB, envelope outbox.Envelope) error {
		var event payloads.PaymentApprovedEvent
		if err := json.Unmarshal(envelope.Data, &event); err != nil {
			return err
		}
		return tx.Create(&issuedTicket{ID: uuid.New(), OrderID: event.OrderID.String()}).Error
	}

	sink := &fakeDeadLetter{}
	conn, harness := setupHarnessTest(t, map[enums.OutboxEventType]Handler{
		enums.EventPaymentApproved: issueTickets,
	}, sink)

	orderID := uuid.New()
	eventKey := outbox.BuildEventKey(enums.AggregatePayment, orderID.String(), enums.EventPaymentApproved)
	msg := encodeEnvelope(t, enums.EventPaymentApproved, eventKey, payloads.PaymentApprovedEvent{
		PaymentID: uuid.New(),
		OrderID:   orderID,
	})

	ctx := context.Background()
	first := harness.process(ctx, msg, nil)
	assert.True(t, first.ack)
	second := harness.process(ctx, msg, nil)
	assert.True(t, second.ack)

	var tickets int64
	require.NoError(t, conn.Model(&issuedTicket{}).Count(&tickets).Error)
	assert.EqualValues(t, 1, tickets, "ticket issuance must occur exactly once")

	var ledgerRow models.ProcessedEvent
	require.NoError(t, conn.
		Where("event_key = ? AND consumer_group = ?", eventKey, "ticket-service").
		First(&ledgerRow).Error)
	assert.Equal(t, enums.EventPaymentApproved, ledgerRow.EventType)

	var ledgerRows int64
	require.NoError(t, conn.Model(&models.ProcessedEvent{}).
		Where("event_key = ? AND consumer_group = ?", eventKey, "ticket-service").
		Count(&ledgerRows).Error)
	assert.EqualValues(t, 1, ledgerRows)
	assert.Empty(t, sink.published)
}

func TestMalformedPayloadGoesToDeadLetter(t *testing.T) {
	sink := &fakeDeadLetter{}
	conn, harness := setupHarnessTest(t, map[enums.OutboxEventType]Handler{
		enums.EventPaymentApproved: func(context.Context, *gorm.DB, outbox.Envelope) error { return nil },
	}, sink)

	result := harness.process(context.Background(), []byte("not json"), map[string]string{"origin": "test"})
	assert.True(t, result.ack, "poison messages are acked after dead-lettering")
	require.Len(t, sink.published, 1)
	assert.Equal(t, "ticket-service", sink.attrs[0]["consumer_group"])
	assert.Equal(t, "malformed_payload", sink.attrs[0]["error_reason"])
	assert.Equal(t, "test", sink.attrs[0]["origin"])

	var ledgerRows int64
	require.NoError(t, conn.Model(&models.ProcessedEvent{}).Count(&ledgerRows).Error)
	assert.EqualValues(t, 0, ledgerRows)
}

func TestMissingEventKeyGoesToDeadLetter(t *testing.T) {
	sink := &fakeDeadLetter{}
	_, harness := setupHarnessTest(t, map[enums.OutboxEventType]Handler{
		enums.EventPaymentApproved: func(context.Context, *gorm.DB, outbox.Envelope) error { return nil },
	}, sink)

	msg := encodeEnvelope(t, enums.EventPaymentApproved, "", payloads.PaymentApprovedEvent{})
	result := harness.process(context.Background(), msg, nil)
	assert.True(t, result.ack)
	assert.Len(t, sink.published, 1)
}

func TestDeadLetterFailureNacks(t *testing.T) {
	sink := &fakeDeadLetter{fail: true}
	_, harness := setupHarnessTest(t, map[enums.OutboxEventType]Handler{
		enums.EventPaymentApproved: func(context.Context, *gorm.DB, outbox.Envelope) error { return nil },
	}, sink)

	result := harness.process(context.Background(), []byte("not json"), nil)
	assert.True(t, result.nack, "message must survive until the dead letter sink accepts it")
}

func TestHandlerFailureRollsBackAndNacks(t *testing.T) {
	attempts := 0
	flaky := func(ctx context.Context, tx *gorm.DB, envelope outbox.Envelope) error {
		attempts++
		if err := tx.Create(&issuedTicket{ID: uuid.New(), OrderID: "o"}).Error; err != nil {
			return err
		}
		if attempts == 1 {
			return errors.New("downstream unavailable")
		}
		return nil
	}

	sink := &fakeDeadLetter{}
	conn, harness := setupHarnessTest(t, map[enums.OutboxEventType]Handler{
		enums.EventPaymentApproved: flaky,
	}, sink)

	eventKey := outbox.BuildEventKey(enums.AggregatePayment, "7", enums.EventPaymentApproved)
	msg := encodeEnvelope(t, enums.EventPaymentApproved, eventKey, payloads.PaymentApprovedEvent{OrderID: uuid.New()})

	ctx := context.Background()
	first := harness.process(ctx, msg, nil)
	assert.True(t, first.nack)

	var tickets int64
	require.NoError(t, conn.Model(&issuedTicket{}).Count(&tickets).Error)
	assert.EqualValues(t, 0, tickets, "partial side effects must roll back")

	// redelivery finds no ledger row and reprocesses safely
	second := harness.process(ctx, msg, nil)
	assert.True(t, second.ack)
	require.NoError(t, conn.Model(&issuedTicket{}).Count(&tickets).Error)
	assert.EqualValues(t, 1, tickets)
}

func TestUnroutedEventTypeIsSkipped(t *testing.T) {
	sink := &fakeDeadLetter{}
	conn, harness := setupHarnessTest(t, map[enums.OutboxEventType]Handler{
		enums.EventPaymentApproved: func(context.Context, *gorm.DB, outbox.Envelope) error {
			return errors.New("must not be called")
		},
	}, sink)

	eventKey := outbox.BuildEventKey(enums.AggregateOrder, "1", enums.EventOrderCreated)
	msg := encodeEnvelope(t, enums.EventOrderCreated, eventKey, payloads.OrderCreatedEvent{})

	result := harness.process(context.Background(), msg, nil)
	assert.True(t, result.ack)
	assert.Empty(t, sink.published)

	var ledgerRows int64
	require.NoError(t, conn.Model(&models.ProcessedEvent{}).Count(&ledgerRows).Error)
	assert.EqualValues(t, 0, ledgerRows, "skipped events are not recorded")
}
