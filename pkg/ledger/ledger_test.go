package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/junhyuk-baek/ticketflow-backend/pkg/db/models"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
)

func setupLedgerTest(t *testing.T) (*gorm.DB, *Service) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.ProcessedEvent{}))

	svc, err := NewService(NewRepository(db), nil)
	require.NoError(t, err)
	return db, svc
}

func TestMarkProcessedThenIsProcessed(t *testing.T) {
	db, svc := setupLedgerTest(t)
	ctx := context.Background()
	key := "ORDER:42:ORDER_CREATED:abc"

	processed, err := svc.IsProcessed(ctx, key, "ticket-service")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return svc.MarkProcessedTx(ctx, tx, key, enums.EventOrderCreated, "ticket-service")
	}))

	processed, err = svc.IsProcessed(ctx, key, "ticket-service")
	require.NoError(t, err)
	assert.True(t, processed)

	var row models.ProcessedEvent
	require.NoError(t, db.Where("event_key = ? AND consumer_group = ?", key, "ticket-service").First(&row).Error)
	assert.Equal(t, enums.EventOrderCreated, row.EventType)
	assert.False(t, row.ProcessedAt.IsZero())

	// a different group is unaffected
	processed, err = svc.IsProcessed(ctx, key, "payment-service")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestMarkProcessedDuplicateLosesRace(t *testing.T) {
	db, svc := setupLedgerTest(t)
	ctx := context.Background()
	key := "PAYMENT:7:PAYMENT_APPROVED:xyz"

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return svc.MarkProcessedTx(ctx, tx, key, enums.EventPaymentApproved, "ticket-service")
	}))

	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.MarkProcessedTx(ctx, tx, key, enums.EventPaymentApproved, "ticket-service")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyProcessed))

	var count int64
	require.NoError(t, db.Model(&models.ProcessedEvent{}).
		Where("event_key = ?", key).
		Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestMarkProcessedRollsBackWithHandler(t *testing.T) {
	db, svc := setupLedgerTest(t)
	ctx := context.Background()
	key := "ORDER:42:ORDER_CANCELLED:def"

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := svc.MarkProcessedTx(ctx, tx, key, enums.EventOrderCancelled, "ticket-service"); err != nil {
			return err
		}
		return errors.New("handler failed")
	})
	require.Error(t, err)

	processed, err := svc.IsProcessed(ctx, key, "ticket-service")
	require.NoError(t, err)
	assert.False(t, processed, "ledger row must roll back with the handler")
}

func TestMarkProcessedValidatesInput(t *testing.T) {
	db, svc := setupLedgerTest(t)
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.MarkProcessedTx(ctx, tx, "", enums.EventOrderCreated, "ticket-service")
	})
	require.Error(t, err)

	err = db.Transaction(func(tx *gorm.DB) error {
		return svc.MarkProcessedTx(ctx, tx, "ORDER:1:ORDER_CREATED:a", enums.EventOrderCreated, "")
	})
	require.Error(t, err)

	err = db.Transaction(func(tx *gorm.DB) error {
		return svc.MarkProcessedTx(ctx, tx, "ORDER:1:ORDER_CREATED:a", "", "ticket-service")
	})
	require.Error(t, err)
}
