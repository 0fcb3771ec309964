package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
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
	"github.com/junhyuk-baek/ticketflow-backend/pkg/logger"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/payloads"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/registry"
)

type fakePublisher struct {
	errByKey map[string]error
	messages []*gcppubsub.Message
	resumed  []string
	stopped  bool
}

func (p *fakePublisher) ResumePublish(orderingKey string) {
	p.resumed = append(p.resumed, orderingKey)
}

func (p *fakePublisher) Stop() { p.stopped = true }

type fakePublishResult struct {
	err error
}

func (r fakePublishResult) Get(context.Context) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return "msg-id", nil
}

func (p *fakePublisher) Publish(_ context.Context, msg *gcppubsub.Message) publishResult {
	p.messages = append(p.messages, msg)
	if err := p.errByKey[msg.Attributes["event_key"]]; err != nil {
		return fakePublishResult{err: err}
	}
	return fakePublishResult{}
}

type fakePubSub struct{}

func (fakePubSub) Ping(context.Context) error            { return nil }
func (fakePubSub) Publisher(string) *gcppubsub.Publisher { return nil }

type publisherTestEnv struct {
	svc    *Service
	writer *outbox.Service
	repo   *outbox.Repository
	pub    *fakePublisher
	conn   *gorm.DB
	client *dbpkg.Client

	factoryCalls *int
}

func setupPublisherTest(t *testing.T) publisherTestEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.OutboxEvent{}, &models.OutboxDLQ{}))

	client := dbpkg.NewWithConn(conn)
	repo := outbox.NewRepository(conn)
	writer, err := outbox.NewService(repo, client, nil)
	require.NoError(t, err)

	reg, err := registry.NewEventRegistry(config.PubSubConfig{
		OrderTopic:   "tf-order-events",
		PaymentTopic: "tf-payment-events",
		TicketTopic:  "tf-ticket-events",
	})
	require.NoError(t, err)

	pub := &fakePublisher{errByKey: map[string]error{}}
	factoryCalls := 0
	cfg := &config.Config{}
	cfg.Outbox.BatchSize = 10
	cfg.Outbox.MaxRetries = 3
	cfg.Outbox.PublishTimeout = time.Second
	cfg.Outbox.DisableSweeperLock = true

	svc, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logger.New(logger.Options{ServiceName: "outbox-publisher-test"}),
		DB:            client,
		PubSub:        fakePubSub{},
		Repository:    repo,
		DLQRepository: outbox.NewDLQRepository(conn),
		Registry:      reg,
		PublisherFactory: func(topic string) publisher {
			factoryCalls++
			return pub
		},
	})
	require.NoError(t, err)

	return publisherTestEnv{svc: svc, writer: writer, repo: repo, pub: pub, conn: conn, client: client, factoryCalls: &factoryCalls}
}

func (e publisherTestEnv) enqueueOrderCreated(t *testing.T, aggregateID string) models.OutboxEvent {
	t.Helper()

	var row *models.OutboxEvent
	err := e.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		event, err := e.writer.Enqueue(context.Background(), tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   aggregateID,
			Topic:         "tf-order-events",
			Data: payloads.OrderCreatedEvent{
				OrderID:          uuid.New(),
				UserID:           uuid.New(),
				ScreeningID:      uuid.New(),
				SeatNumbers:      []string{"A1"},
				TotalAmountCents: 1200,
			},
		})
		if err != nil {
			return err
		}
		row = event
		return nil
	})
	require.NoError(t, err)
	return *row
}

func (e publisherTestEnv) eventByID(t *testing.T, id uuid.UUID) models.OutboxEvent {
	t.Helper()

	var row models.OutboxEvent
	require.NoError(t, e.conn.First(&row, "id = ?", id).Error)
	return row
}

func TestProcessBatchPublishesInOrder(t *testing.T) {
	env := setupPublisherTest(t)

	aggregate := uuid.NewString()
	first := env.enqueueOrderCreated(t, aggregate)
	second := env.enqueueOrderCreated(t, aggregate)

	processed, err := env.svc.processBatch(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	require.Len(t, env.pub.messages, 2)
	assert.Equal(t, first.EventKey, env.pub.messages[0].Attributes["event_key"])
	assert.Equal(t, second.EventKey, env.pub.messages[1].Attributes["event_key"])
	assert.Equal(t, aggregate, env.pub.messages[0].OrderingKey)

	for _, row := range []models.OutboxEvent{first, second} {
		stored := env.eventByID(t, row.ID)
		assert.Equal(t, enums.OutboxStatusPublished, stored.Status)
		assert.NotNil(t, stored.PublishedAt)
	}

	processed, err = env.svc.processBatch(context.Background())
	require.NoError(t, err)
	assert.False(t, processed, "published rows must not be claimed again")
}

func TestProcessBatchHoldsAggregateOrderAfterFailure(t *testing.T) {
	env := setupPublisherTest(t)

	aggregate := uuid.NewString()
	first := env.enqueueOrderCreated(t, aggregate)
	second := env.enqueueOrderCreated(t, aggregate)
	other := env.enqueueOrderCreated(t, uuid.NewString())

	env.pub.errByKey[first.EventKey] = errors.New("broker unavailable")

	processed, err := env.svc.processBatch(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	storedFirst := env.eventByID(t, first.ID)
	assert.Equal(t, enums.OutboxStatusFailed, storedFirst.Status)
	assert.Equal(t, 1, storedFirst.RetryCount)
	require.NotNil(t, storedFirst.ErrorMessage)
	assert.Contains(t, *storedFirst.ErrorMessage, "broker unavailable")

	// The broker pauses an ordering key after a failed publish; the service
	// must lift that pause so the retry can go through.
	assert.Contains(t, env.pub.resumed, aggregate)

	// The follower was skipped without burning a retry.
	storedSecond := env.eventByID(t, second.ID)
	assert.Equal(t, enums.OutboxStatusReady, storedSecond.Status)
	assert.Equal(t, 0, storedSecond.RetryCount)

	// The unrelated aggregate still went out.
	storedOther := env.eventByID(t, other.ID)
	assert.Equal(t, enums.OutboxStatusPublished, storedOther.Status)

	// Next cycle retries the failed head and its follower in order.
	delete(env.pub.errByKey, first.EventKey)
	env.pub.messages = nil
	_, err = env.svc.processBatch(context.Background())
	require.NoError(t, err)

	require.Len(t, env.pub.messages, 2)
	assert.Equal(t, first.EventKey, env.pub.messages[0].Attributes["event_key"])
	assert.Equal(t, second.EventKey, env.pub.messages[1].Attributes["event_key"])
	assert.Equal(t, enums.OutboxStatusPublished, env.eventByID(t, first.ID).Status)
}

func TestProcessBatchDeadLettersAfterRetryBudget(t *testing.T) {
	env := setupPublisherTest(t)

	event := env.enqueueOrderCreated(t, uuid.NewString())
	env.pub.errByKey[event.EventKey] = errors.New("broker unavailable")

	for i := 0; i < 3; i++ {
		_, err := env.svc.processBatch(context.Background())
		require.NoError(t, err)
	}

	stored := env.eventByID(t, event.ID)
	assert.Equal(t, enums.OutboxStatusDLQ, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)

	var entries []models.OutboxDLQ
	require.NoError(t, env.conn.Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, event.ID, entries[0].EventID)
	assert.Equal(t, event.EventKey, entries[0].EventKey)
	assert.Equal(t, enums.OutboxDLQReasonMaxAttempts, entries[0].ErrorReason)

	// Terminal rows stay parked.
	processed, err := env.svc.processBatch(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestProcessBatchDeadLettersMalformedEvent(t *testing.T) {
	env := setupPublisherTest(t)

	// An event type the registry does not know cannot be resolved and must
	// go straight to the DLQ without burning retries.
	event := models.OutboxEvent{
		ID:            uuid.New(),
		EventKey:      "ORDER:unknown:BOGUS_EVENT:" + uuid.NewString(),
		EventType:     enums.OutboxEventType("BOGUS_EVENT"),
		AggregateType: enums.AggregateOrder,
		AggregateID:   uuid.NewString(),
		Topic:         "tf-order-events",
		Payload:       []byte(`{"eventKey":"x"}`),
		Status:        enums.OutboxStatusReady,
	}
	require.NoError(t, env.conn.Create(&event).Error)

	processed, err := env.svc.processBatch(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	stored := env.eventByID(t, event.ID)
	assert.Equal(t, enums.OutboxStatusDLQ, stored.Status)

	var entries []models.OutboxDLQ
	require.NoError(t, env.conn.Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, enums.OutboxDLQReasonNonRetryable, entries[0].ErrorReason)
	assert.Empty(t, env.pub.messages)
}

func TestPublishersAreCachedPerTopicAndStopped(t *testing.T) {
	env := setupPublisherTest(t)

	env.enqueueOrderCreated(t, uuid.NewString())
	env.enqueueOrderCreated(t, uuid.NewString())

	_, err := env.svc.processBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, env.pub.messages, 2)
	assert.Equal(t, 1, *env.factoryCalls, "one publisher per topic for the service lifetime")

	env.enqueueOrderCreated(t, uuid.NewString())
	_, err = env.svc.processBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, *env.factoryCalls)

	env.svc.stopPublishers()
	assert.True(t, env.pub.stopped)
}

func TestSweepRequeuesAndReclaims(t *testing.T) {
	env := setupPublisherTest(t)

	failed := env.enqueueOrderCreated(t, uuid.NewString())
	require.NoError(t, env.conn.Model(&models.OutboxEvent{}).
		Where("id = ?", failed.ID).
		Updates(map[string]any{"status": enums.OutboxStatusFailed, "retry_count": 1}).Error)

	stuckAt := time.Now().Add(-time.Hour)
	stuck := env.enqueueOrderCreated(t, uuid.NewString())
	require.NoError(t, env.conn.Model(&models.OutboxEvent{}).
		Where("id = ?", stuck.ID).
		Updates(map[string]any{"status": enums.OutboxStatusPublishing, "claimed_at": stuckAt}).Error)

	exhausted := env.enqueueOrderCreated(t, uuid.NewString())
	require.NoError(t, env.conn.Model(&models.OutboxEvent{}).
		Where("id = ?", exhausted.ID).
		Updates(map[string]any{"status": enums.OutboxStatusFailed, "retry_count": 3}).Error)

	require.NoError(t, env.svc.sweep(context.Background()))

	assert.Equal(t, enums.OutboxStatusReady, env.eventByID(t, failed.ID).Status)
	assert.Equal(t, enums.OutboxStatusReady, env.eventByID(t, stuck.ID).Status)
	assert.Equal(t, enums.OutboxStatusDLQ, env.eventByID(t, exhausted.ID).Status)

	var entries []models.OutboxDLQ
	require.NoError(t, env.conn.Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, exhausted.ID, entries[0].EventID)
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	base := time.Second
	b := nextBackoff(0, base, 10*time.Second)
	assert.Equal(t, 2*time.Second, b)
	b = nextBackoff(b, base, 10*time.Second)
	assert.Equal(t, 4*time.Second, b)
	b = nextBackoff(8*time.Second, base, 10*time.Second)
	assert.Equal(t, 10*time.Second, b)
}
