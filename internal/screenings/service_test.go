package screenings

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/junhyuk-baek/ticketflow-backend/pkg/config"
	dbpkg "github.com/junhyuk-baek/ticketflow-backend/pkg/db"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/db/models"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
	pkgerrors "github.com/junhyuk-baek/ticketflow-backend/pkg/errors"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/registry"
)

func setupScreeningTest(t *testing.T) (Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.Screening{}, &models.OutboxEvent{}))

	client := dbpkg.NewWithConn(conn)
	writer, err := outbox.NewService(outbox.NewRepository(conn), client, nil)
	require.NoError(t, err)

	reg, err := registry.NewEventRegistry(config.PubSubConfig{
		OrderTopic:   "tf-order-events",
		PaymentTopic: "tf-payment-events",
		TicketTopic:  "tf-ticket-events",
	})
	require.NoError(t, err)

	svc, err := NewService(NewRepository(conn), client, writer, reg, nil)
	require.NoError(t, err)
	return svc, conn
}

func createScreening(t *testing.T, svc Service, totalSeats int) *models.Screening {
	t.Helper()

	screening, err := svc.CreateScreening(context.Background(), CreateScreeningInput{
		MovieTitle:     "The Last Reel",
		ScreenName:     "Screen 1",
		StartsAt:       time.Now().Add(24 * time.Hour),
		SeatPriceCents: 1200,
		TotalSeats:     totalSeats,
	})
	require.NoError(t, err)
	return screening
}

func outboxEventsFor(t *testing.T, conn *gorm.DB, aggregateID string) []models.OutboxEvent {
	t.Helper()

	var events []models.OutboxEvent
	require.NoError(t, conn.Where("aggregate_id = ?", aggregateID).Order("created_at ASC").Find(&events).Error)
	return events
}

func TestReserveSeatsTakesFromFreePool(t *testing.T) {
	svc, conn := setupScreeningTest(t)
	ctx := context.Background()
	screening := createScreening(t, svc, 10)

	err := conn.Transaction(func(tx *gorm.DB) error {
		updated, err := svc.ReserveSeats(ctx, tx, screening.ID, 3)
		require.NoError(t, err)
		assert.Equal(t, 3, updated.ReservedSeats)
		return nil
	})
	require.NoError(t, err)

	reloaded, err := svc.GetScreening(ctx, screening.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.ReservedSeats)
	assert.Equal(t, 1, reloaded.Version)

	events := outboxEventsFor(t, conn, screening.ID.String())
	require.Len(t, events, 1)
	assert.Equal(t, enums.EventScreeningUpdated, events[0].EventType)
	assert.Equal(t, "tf-ticket-events", events[0].Topic)
}

func TestReserveSeatsRejectsOverbooking(t *testing.T) {
	svc, conn := setupScreeningTest(t)
	ctx := context.Background()
	screening := createScreening(t, svc, 4)

	err := conn.Transaction(func(tx *gorm.DB) error {
		_, err := svc.ReserveSeats(ctx, tx, screening.ID, 3)
		return err
	})
	require.NoError(t, err)

	err = conn.Transaction(func(tx *gorm.DB) error {
		_, err := svc.ReserveSeats(ctx, tx, screening.ID, 2)
		return err
	})
	require.Error(t, err)
	appErr := pkgerrors.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, pkgerrors.CodeStateConflict, appErr.Code())

	reloaded, err := svc.GetScreening(ctx, screening.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.ReservedSeats)
}

func TestFailedTransactionLeaksNoReservation(t *testing.T) {
	svc, conn := setupScreeningTest(t)
	ctx := context.Background()
	screening := createScreening(t, svc, 10)

	err := conn.Transaction(func(tx *gorm.DB) error {
		if _, err := svc.ReserveSeats(ctx, tx, screening.ID, 5); err != nil {
			return err
		}
		return fmt.Errorf("order creation failed")
	})
	require.Error(t, err)

	reloaded, err := svc.GetScreening(ctx, screening.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.ReservedSeats)
	assert.Empty(t, outboxEventsFor(t, conn, screening.ID.String()))
}

func TestReleaseSeatsReturnsToFreePool(t *testing.T) {
	svc, conn := setupScreeningTest(t)
	ctx := context.Background()
	screening := createScreening(t, svc, 10)

	err := conn.Transaction(func(tx *gorm.DB) error {
		_, err := svc.ReserveSeats(ctx, tx, screening.ID, 4)
		return err
	})
	require.NoError(t, err)

	err = conn.Transaction(func(tx *gorm.DB) error {
		updated, err := svc.ReleaseSeats(ctx, tx, screening.ID, 4)
		require.NoError(t, err)
		assert.Equal(t, 0, updated.ReservedSeats)
		return nil
	})
	require.NoError(t, err)

	// Releasing more than reserved is a bug somewhere upstream.
	err = conn.Transaction(func(tx *gorm.DB) error {
		_, err := svc.ReleaseSeats(ctx, tx, screening.ID, 1)
		return err
	})
	require.Error(t, err)
	appErr := pkgerrors.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, pkgerrors.CodeStateConflict, appErr.Code())
}

func TestUpdateScheduleEmitsScreeningUpdated(t *testing.T) {
	svc, conn := setupScreeningTest(t)
	ctx := context.Background()
	screening := createScreening(t, svc, 10)

	newStart := screening.StartsAt.Add(2 * time.Hour)
	seats := 12
	updated, err := svc.UpdateSchedule(ctx, screening.ID, UpdateScheduleInput{
		StartsAt:   &newStart,
		TotalSeats: &seats,
	})
	require.NoError(t, err)
	assert.Equal(t, 12, updated.TotalSeats)
	assert.WithinDuration(t, newStart, updated.StartsAt, time.Second)

	events := outboxEventsFor(t, conn, screening.ID.String())
	require.Len(t, events, 1)
	assert.Equal(t, enums.EventScreeningUpdated, events[0].EventType)
}

func TestUpdateScheduleCannotDropBelowReserved(t *testing.T) {
	svc, conn := setupScreeningTest(t)
	ctx := context.Background()
	screening := createScreening(t, svc, 10)

	err := conn.Transaction(func(tx *gorm.DB) error {
		_, err := svc.ReserveSeats(ctx, tx, screening.ID, 6)
		return err
	})
	require.NoError(t, err)

	seats := 5
	_, err = svc.UpdateSchedule(ctx, screening.ID, UpdateScheduleInput{TotalSeats: &seats})
	require.Error(t, err)
	appErr := pkgerrors.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, pkgerrors.CodeStateConflict, appErr.Code())
}

func TestCreateScreeningValidatesInput(t *testing.T) {
	svc, _ := setupScreeningTest(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input CreateScreeningInput
	}{
		{"missing title", CreateScreeningInput{ScreenName: "Screen 1", StartsAt: time.Now(), TotalSeats: 10}},
		{"zero seats", CreateScreeningInput{MovieTitle: "The Last Reel", ScreenName: "Screen 1", StartsAt: time.Now(), TotalSeats: 0}},
		{"no start time", CreateScreeningInput{MovieTitle: "The Last Reel", ScreenName: "Screen 1", TotalSeats: 10}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateScreening(ctx, tc.input)
			require.Error(t, err)
			appErr := pkgerrors.As(err)
			require.NotNil(t, appErr)
			assert.Equal(t, pkgerrors.CodeValidation, appErr.Code())
		})
	}
}

func TestGetUnknownScreeningReturnsNotFound(t *testing.T) {
	svc, _ := setupScreeningTest(t)

	_, err := svc.GetScreening(context.Background(), uuid.New())
	require.Error(t, err)
	appErr := pkgerrors.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, pkgerrors.CodeNotFound, appErr.Code())
}
