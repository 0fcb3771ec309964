package routes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/junhyuk-baek/ticketflow-backend/internal/orders"
	"github.com/junhyuk-baek/ticketflow-backend/internal/payments"
	"github.com/junhyuk-baek/ticketflow-backend/internal/saga"
	"github.com/junhyuk-baek/ticketflow-backend/internal/screenings"
	"github.com/junhyuk-baek/ticketflow-backend/internal/tickets"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/config"
	dbpkg "github.com/junhyuk-baek/ticketflow-backend/pkg/db"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/db/models"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/registry"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/types"
)

func setupRouter(t *testing.T) *httptest.Server {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&models.Screening{},
		&models.Order{},
		&models.OrderItem{},
		&models.Payment{},
		&models.MovieTicket{},
		&models.SagaState{},
		&models.OutboxEvent{},
		&models.OutboxDLQ{},
	))

	client := dbpkg.NewWithConn(conn)
	writer, err := outbox.NewService(outbox.NewRepository(conn), client, nil)
	require.NoError(t, err)
	reg, err := registry.NewEventRegistry(config.PubSubConfig{
		OrderTopic:   "tf-order-events",
		PaymentTopic: "tf-payment-events",
		TicketTopic:  "tf-ticket-events",
	})
	require.NoError(t, err)

	screeningSvc, err := screenings.NewService(screenings.NewRepository(conn), client, writer, reg, nil)
	require.NoError(t, err)
	sagaSvc, err := saga.NewService(saga.NewRepository(conn), nil)
	require.NoError(t, err)
	orderSvc, err := orders.NewService(orders.NewRepository(conn), client, screeningSvc, sagaSvc, writer, reg, nil)
	require.NoError(t, err)
	paymentSvc, err := payments.NewService(payments.NewRepository(conn), orders.NewRepository(conn), client, writer, reg, nil)
	require.NoError(t, err)
	ticketSvc, err := tickets.NewService(tickets.NewRepository(conn), client, writer, reg, nil)
	require.NoError(t, err)

	cfg := &config.Config{App: config.AppConfig{Env: config.AppEnvDev}}
	handler := NewRouter(RouterParams{
		Config:     cfg,
		Screenings: screeningSvc,
		Orders:     orderSvc,
		Payments:   paymentSvc,
		Tickets:    ticketSvc,
		DLQ:        outbox.NewDLQRepository(conn),
	})

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, server *httptest.Server, path string, body any) *http.Response {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(server.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeData(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, dest))
}

func decodeError(t *testing.T, resp *http.Response) types.APIError {
	t.Helper()
	defer resp.Body.Close()

	var envelope types.ErrorEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Error
}

func TestHealthLive(t *testing.T) {
	server := setupRouter(t)

	resp, err := http.Get(server.URL + "/health/live")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "dev", resp.Header.Get("X-TicketFlow-Env"))

	var data map[string]string
	decodeData(t, resp, &data)
	assert.Equal(t, "live", data["status"])
}

func TestScreeningLifecycleOverHTTP(t *testing.T) {
	server := setupRouter(t)

	resp := postJSON(t, server, "/api/v1/screenings", map[string]any{
		"movie_title":      "The Last Reel",
		"screen_name":      "Screen 1",
		"starts_at":        time.Now().Add(24 * time.Hour).Format(time.RFC3339),
		"seat_price_cents": 1200,
		"total_seats":      100,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.Screening
	decodeData(t, resp, &created)
	assert.Equal(t, "The Last Reel", created.MovieTitle)
	assert.Equal(t, 100, created.TotalSeats)

	getResp, err := http.Get(server.URL + "/api/v1/screenings/" + created.ID.String())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	var fetched models.Screening
	decodeData(t, getResp, &fetched)
	assert.Equal(t, created.ID, fetched.ID)

	listResp, err := http.Get(server.URL + "/api/v1/screenings/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, listResp.StatusCode)

	var list []models.Screening
	decodeData(t, listResp, &list)
	assert.Len(t, list, 1)
}

func TestScreeningCreateRejectsBadPayload(t *testing.T) {
	server := setupRouter(t)

	resp := postJSON(t, server, "/api/v1/screenings", map[string]any{
		"movie_title": "No Seats",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	apiErr := decodeError(t, resp)
	assert.Equal(t, "VALIDATION_ERROR", apiErr.Code)
	assert.NotNil(t, apiErr.Details)
}

func TestOrderPurchaseOverHTTP(t *testing.T) {
	server := setupRouter(t)

	resp := postJSON(t, server, "/api/v1/screenings", map[string]any{
		"movie_title":      "The Last Reel",
		"screen_name":      "Screen 1",
		"starts_at":        time.Now().Add(24 * time.Hour).Format(time.RFC3339),
		"seat_price_cents": 1200,
		"total_seats":      10,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var screening models.Screening
	decodeData(t, resp, &screening)

	userID := "6f1e2c58-8a5a-4f7e-9a43-0f2b8f6f7d11"
	orderResp := postJSON(t, server, "/api/v1/orders", map[string]any{
		"user_id":      userID,
		"screening_id": screening.ID.String(),
		"seat_numbers": []string{"A1", "A2"},
	})
	require.Equal(t, http.StatusCreated, orderResp.StatusCode)

	var order models.Order
	decodeData(t, orderResp, &order)
	assert.Equal(t, 2400, order.TotalAmountCents)
	require.NotNil(t, order.SagaKey)

	listResp, err := http.Get(server.URL + "/api/v1/orders/?user_id=" + userID)
	require.NoError(t, err)
	var orderList []models.Order
	decodeData(t, listResp, &orderList)
	assert.Len(t, orderList, 1)

	cancelResp := postJSON(t, server, "/api/v1/orders/"+order.ID.String()+"/cancel", map[string]any{
		"reason": "changed my mind",
	})
	require.Equal(t, http.StatusOK, cancelResp.StatusCode)
	var cancelled models.Order
	decodeData(t, cancelResp, &cancelled)
	assert.Equal(t, "CANCELLED", string(cancelled.Status))
}

func TestOrderDetailNotFound(t *testing.T) {
	server := setupRouter(t)

	resp, err := http.Get(server.URL + "/api/v1/orders/0b6f4f0a-7e93-4a62-8f58-1d7c7a8f9b01")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	apiErr := decodeError(t, resp)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
}

func TestOrderDetailRejectsMalformedID(t *testing.T) {
	server := setupRouter(t)

	resp, err := http.Get(server.URL + "/api/v1/orders/not-a-uuid")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	apiErr := decodeError(t, resp)
	assert.Equal(t, "VALIDATION_ERROR", apiErr.Code)
}

func TestDLQListEmpty(t *testing.T) {
	server := setupRouter(t)

	resp, err := http.Get(server.URL + "/api/v1/outbox/dlq")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []models.OutboxDLQ
	decodeData(t, resp, &entries)
	assert.Empty(t, entries)
}
