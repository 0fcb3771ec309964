package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	dbpkg "github.com/junhyuk-baek/ticketflow-backend/pkg/db"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/db/models"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
	apperrors "github.com/junhyuk-baek/ticketflow-backend/pkg/errors"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/payloads"
)

func setupWriterTest(t *testing.T) (*dbpkg.Client, *Service) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.OutboxEvent{}))

	client := dbpkg.NewWithConn(conn)
	svc, err := NewService(NewRepository(conn), client, nil)
	require.NoError(t, err)
	return client, svc
}

func orderCreatedEvent(orderID uuid.UUID) DomainEvent {
	return DomainEvent{
		EventType:     enums.EventOrderCreated,
		AggregateType: enums.AggregateOrder,
		AggregateID:   orderID.String(),
		Topic:         "tf-order-events",
		Data: payloads.OrderCreatedEvent{
			OrderID:          orderID,
			UserID:           uuid.New(),
			ScreeningID:      uuid.New(),
			SeatNumbers:      []string{"A1", "A2"},
			TotalAmountCents: 24000,
		},
	}
}

func TestEnqueueCommitsWithCallerTransaction(t *testing.T) {
	client, svc := setupWriterTest(t)
	ctx := context.Background()
	orderID := uuid.New()

	var row *models.OutboxEvent
	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		var enqErr error
		row, enqErr = svc.Enqueue(ctx, tx, orderCreatedEvent(orderID))
		return enqErr
	})
	require.NoError(t, err)
	require.NotNil(t, row)

	var reloaded models.OutboxEvent
	require.NoError(t, client.DB().First(&reloaded, "id = ?", row.ID).Error)
	assert.Equal(t, enums.OutboxStatusCreated, reloaded.Status)
	assert.Equal(t, orderID.String(), reloaded.AggregateID)

	aggType, aggID, eventType, nonce, err := ParseEventKey(reloaded.EventKey)
	require.NoError(t, err)
	assert.Equal(t, "ORDER", aggType)
	assert.Equal(t, orderID.String(), aggID)
	assert.Equal(t, "ORDER_CREATED", eventType)
	assert.NotEmpty(t, nonce)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(reloaded.Payload, &envelope))
	assert.Equal(t, reloaded.EventKey, envelope.EventKey)
	assert.Equal(t, 1, envelope.EventVersion)
	assert.False(t, envelope.OccurredAt.IsZero())
}

func TestEnqueueRollsBackWithCallerTransaction(t *testing.T) {
	client, svc := setupWriterTest(t)
	ctx := context.Background()

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if _, enqErr := svc.Enqueue(ctx, tx, orderCreatedEvent(uuid.New())); enqErr != nil {
			return enqErr
		}
		return errors.New("business write failed")
	})
	require.Error(t, err)

	var count int64
	require.NoError(t, client.DB().Model(&models.OutboxEvent{}).Count(&count).Error)
	assert.EqualValues(t, 0, count, "outbox row must roll back with the business write")
}

func TestEnqueueDuplicateKeyIsNoop(t *testing.T) {
	client, svc := setupWriterTest(t)
	ctx := context.Background()

	event := orderCreatedEvent(uuid.New())
	event.EventKey = BuildEventKey(event.AggregateType, event.AggregateID, event.EventType)

	var first, second *models.OutboxEvent
	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		var enqErr error
		first, enqErr = svc.Enqueue(ctx, tx, event)
		return enqErr
	}))
	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		var enqErr error
		second, enqErr = svc.Enqueue(ctx, tx, event)
		return enqErr
	}))

	assert.Equal(t, first.ID, second.ID, "retried enqueue must return the existing row")

	var count int64
	require.NoError(t, client.DB().Model(&models.OutboxEvent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestEnqueueNewTxCommitsIndependently(t *testing.T) {
	client, svc := setupWriterTest(t)
	ctx := context.Background()

	row, err := svc.EnqueueNewTx(ctx, orderCreatedEvent(uuid.New()))
	require.NoError(t, err)
	require.NotNil(t, row)

	var count int64
	require.NoError(t, client.DB().Model(&models.OutboxEvent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestEnqueueValidatesInput(t *testing.T) {
	client, svc := setupWriterTest(t)
	ctx := context.Background()

	cases := map[string]DomainEvent{
		"missing aggregate id": {
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			Topic:         "tf-order-events",
			Data:          payloads.OrderCreatedEvent{},
		},
		"missing topic": {
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   uuid.NewString(),
			Data:          payloads.OrderCreatedEvent{},
		},
		"unknown event type": {
			EventType:     enums.OutboxEventType("NOT_A_THING"),
			AggregateType: enums.AggregateOrder,
			AggregateID:   uuid.NewString(),
			Topic:         "tf-order-events",
			Data:          payloads.OrderCreatedEvent{},
		},
	}

	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			err := client.WithTx(ctx, func(tx *gorm.DB) error {
				_, enqErr := svc.Enqueue(ctx, tx, event)
				return enqErr
			})
			require.Error(t, err)
			appErr := apperrors.As(err)
			require.NotNil(t, appErr, "expected a typed application error")
			assert.Equal(t, apperrors.CodeValidation, appErr.Code())
		})
	}
}

func TestEnqueueRequiresTransaction(t *testing.T) {
	_, svc := setupWriterTest(t)
	_, err := svc.Enqueue(context.Background(), nil, orderCreatedEvent(uuid.New()))
	require.Error(t, err)
}
