package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/junhyuk-baek/ticketflow-backend/pkg/config"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/db/models"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/logger"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/metrics"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/registry"
)

const (
	defaultBatchSize      = 100
	defaultPollInterval   = 5 * time.Second
	defaultPublishTimeout = 15 * time.Second
	defaultMaxRetries     = 3
	maxBackoff            = 30 * time.Second
	jitterWindow          = 250 * time.Millisecond

	sweeperLockName = "outbox-sweeper"
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type pubSubClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

type outboxRepository interface {
	ClaimBatch(ctx context.Context, tx *gorm.DB, limit, maxRetries int) ([]models.OutboxEvent, error)
	MarkPublished(ctx context.Context, id uuid.UUID, version int) error
	MarkFailed(ctx context.Context, id uuid.UUID, version int, cause error) (*models.OutboxEvent, error)
	MarkDLQ(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	ReleaseClaim(ctx context.Context, id uuid.UUID, version int) error
	RequeueFailed(ctx context.Context, maxRetries int) (int64, error)
	ListExhausted(ctx context.Context, maxRetries, limit int) ([]models.OutboxEvent, error)
	ReclaimStuckPublishing(ctx context.Context, cutoff time.Time) (int64, error)
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type registryResolver interface {
	Resolve(event models.OutboxEvent) (*registry.ResolvedEvent, error)
}

type leaderLocker interface {
	AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string) error
}

type publisherFactory func(topic string) publisher

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
	ResumePublish(orderingKey string)
	Stop()
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type ServiceParams struct {
	Config           *config.Config
	Logger           *logger.Logger
	DB               dbClient
	PubSub           pubSubClient
	Repository       outboxRepository
	DLQRepository    dlqRepository
	Registry         registryResolver
	Locker           leaderLocker
	PublisherFactory publisherFactory
	OutboxMetrics    *metrics.OutboxMetrics
	JobMetrics       *metrics.JobMetrics
}

// Service drains the outbox table into Pub/Sub. Rows are claimed in a
// transaction, published in creation order with the aggregate id as the
// ordering key, then individually acknowledged with a version check so a
// sweeper reclaim never races a slow publish.
type Service struct {
	cfg              *config.Config
	logg             *logger.Logger
	db               dbClient
	pubsub           pubSubClient
	repo             outboxRepository
	dlq              dlqRepository
	registry         registryResolver
	locker           leaderLocker
	publisherFactory publisherFactory
	publishers       map[string]publisher
	outboxMetrics    *metrics.OutboxMetrics
	jobMetrics       *metrics.JobMetrics
	holder           string

	batchSize      int
	maxRetries     int
	pollInterval   time.Duration
	publishTimeout time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.PubSub == nil {
		return nil, errors.New("pubsub client is required")
	}
	if params.Repository == nil {
		return nil, errors.New("outbox repository is required")
	}
	if params.DLQRepository == nil {
		return nil, errors.New("dlq repository is required")
	}
	if params.Registry == nil {
		return nil, errors.New("event registry is required")
	}

	factory := params.PublisherFactory
	if factory == nil {
		factory = func(topic string) publisher {
			pub := params.PubSub.Publisher(topic)
			if pub == nil {
				return nil
			}
			return newGCPPublisher(pub)
		}
	}

	batch := params.Config.Outbox.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	poll := params.Config.Outbox.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	maxRetries := params.Config.Outbox.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	publishTimeout := params.Config.Outbox.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}

	return &Service{
		cfg:              params.Config,
		logg:             params.Logger,
		db:               params.DB,
		pubsub:           params.PubSub,
		repo:             params.Repository,
		dlq:              params.DLQRepository,
		registry:         params.Registry,
		locker:           params.Locker,
		publisherFactory: factory,
		publishers:       map[string]publisher{},
		outboxMetrics:    params.OutboxMetrics,
		jobMetrics:       params.JobMetrics,
		holder:           uuid.NewString(),
		batchSize:        batch,
		maxRetries:       maxRetries,
		pollInterval:     poll,
		publishTimeout:   publishTimeout,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	if err := pingDependency(ctx, s.logg, "pubsub", s.pubsub.Ping); err != nil {
		return err
	}
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}
	defer s.stopPublishers()

	go s.runSweeper(ctx)

	interval := s.pollInterval
	backoff := interval

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "outbox publisher context canceled")
			return ctx.Err()
		default:
		}

		processed, err := s.processBatch(ctx)
		if err != nil {
			s.logg.Error(ctx, "outbox publisher batch error", err)
			backoff = nextBackoff(backoff, interval, maxBackoff)
			if err := s.sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = interval

		if processed {
			continue
		}

		if err := s.sleep(ctx, withJitter(interval)); err != nil {
			return err
		}
	}
}

// processBatch claims a batch and publishes it. When a publish for an
// aggregate fails, the remaining rows for the same aggregate are skipped so
// the per-aggregate order is preserved across retries.
func (s *Service) processBatch(ctx context.Context) (bool, error) {
	var events []models.OutboxEvent
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		claimed, err := s.repo.ClaimBatch(ctx, tx, s.batchSize, s.maxRetries)
		if err != nil {
			return err
		}
		events = claimed
		return nil
	})
	if err != nil {
		return false, err
	}
	if len(events) == 0 {
		return false, nil
	}
	s.outboxMetrics.AddClaimed(len(events))

	blocked := map[string]bool{}
	for _, event := range events {
		if blocked[event.AggregateID] {
			if err := s.releaseClaim(ctx, event); err != nil {
				return true, err
			}
			continue
		}

		resolved, err := s.registry.Resolve(event)
		if err != nil {
			if dlqErr := s.deadLetter(ctx, event, enums.OutboxDLQReasonNonRetryable, err); dlqErr != nil {
				return true, dlqErr
			}
			continue
		}

		fields := s.eventFields(event, resolved.Descriptor.Topic)
		if err := s.publishResolved(ctx, event, resolved); err != nil {
			s.outboxMetrics.IncFailed(resolved.Descriptor.Topic)
			// A failed publish pauses the ordering key broker-side; lift the
			// pause so later events for the aggregate are not stuck forever.
			s.resumeOrdering(resolved.Descriptor.Topic, event.AggregateID)

			var nonRetry registry.NonRetryableError
			if errors.As(err, &nonRetry) {
				if dlqErr := s.deadLetter(ctx, event, enums.OutboxDLQReasonNonRetryable, err); dlqErr != nil {
					return true, dlqErr
				}
				continue
			}

			blocked[event.AggregateID] = true
			updated, markErr := s.markFailed(ctx, event, err)
			if markErr != nil {
				return true, markErr
			}

			fields["retry_count"] = updated.RetryCount
			ctxWithFields := s.logg.WithField(s.logg.WithFields(ctx, fields), "error", err.Error())
			s.logg.Warn(ctxWithFields, "outbox publish failed")

			if updated.RetryCount >= s.maxRetries {
				terminalErr := fmt.Errorf("max publish attempts reached: %w", err)
				if dlqErr := s.deadLetter(ctx, *updated, enums.OutboxDLQReasonMaxAttempts, terminalErr); dlqErr != nil {
					return true, dlqErr
				}
			}
			continue
		}

		if markErr := s.repo.MarkPublished(ctx, event.ID, event.Version); markErr != nil {
			if errors.Is(markErr, outbox.ErrStaleClaim) {
				s.logg.Warn(s.logg.WithFields(ctx, fields), "claim went stale before acknowledgment")
				continue
			}
			return true, fmt.Errorf("mark published %s: %w", event.ID, markErr)
		}
		s.outboxMetrics.IncPublished(resolved.Descriptor.Topic)
		s.logg.Info(s.logg.WithFields(ctx, fields), "outbox event published")
	}
	return true, nil
}

func (s *Service) releaseClaim(ctx context.Context, event models.OutboxEvent) error {
	if err := s.repo.ReleaseClaim(ctx, event.ID, event.Version); err != nil {
		if errors.Is(err, outbox.ErrStaleClaim) {
			return nil
		}
		return fmt.Errorf("release claim %s: %w", event.ID, err)
	}
	return nil
}

func (s *Service) markFailed(ctx context.Context, event models.OutboxEvent, cause error) (*models.OutboxEvent, error) {
	updated, err := s.repo.MarkFailed(ctx, event.ID, event.Version, cause)
	if err != nil {
		if errors.Is(err, outbox.ErrStaleClaim) {
			return &event, nil
		}
		return nil, fmt.Errorf("mark failed %s: %w", event.ID, err)
	}
	return updated, nil
}

// deadLetter writes the DLQ entry and the terminal status flip in one
// transaction so the row cannot land in the queue twice.
func (s *Service) deadLetter(ctx context.Context, event models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error) error {
	fields := s.eventFields(event, event.Topic)
	fields["error_reason"] = reason
	ctxWithFields := s.logg.WithField(s.logg.WithFields(ctx, fields), "error", cause.Error())
	s.logg.Warn(ctxWithFields, "outbox event will not be retried")

	entry := models.OutboxDLQ{
		EventID:       event.ID,
		EventKey:      event.EventKey,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Topic:         event.Topic,
		Payload:       event.Payload,
		ErrorReason:   reason,
		ErrorMessage:  dlqErrorMessage(cause),
		RetryCount:    event.RetryCount,
		FailedAt:      time.Now().UTC(),
	}
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.dlq.InsertTx(tx, entry); err != nil {
			return fmt.Errorf("insert dlq %s: %w", event.ID, err)
		}
		if err := s.repo.MarkDLQ(ctx, tx, event.ID); err != nil {
			return fmt.Errorf("mark dlq %s: %w", event.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.outboxMetrics.IncDeadLettered(string(reason))
	return nil
}

func dlqErrorMessage(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}

// publisherFor returns the cached publisher for a topic, minting one on first
// use. Publishers live for the service lifetime; only the Run loop publishes,
// so the map needs no locking.
func (s *Service) publisherFor(topic string) publisher {
	if pub, ok := s.publishers[topic]; ok {
		return pub
	}
	pub := s.publisherFactory(topic)
	if pub == nil {
		return nil
	}
	s.publishers[topic] = pub
	return pub
}

func (s *Service) resumeOrdering(topic, orderingKey string) {
	if pub, ok := s.publishers[topic]; ok {
		pub.ResumePublish(orderingKey)
	}
}

func (s *Service) stopPublishers() {
	for _, pub := range s.publishers {
		pub.Stop()
	}
}

func (s *Service) publishResolved(ctx context.Context, event models.OutboxEvent, resolved *registry.ResolvedEvent) error {
	topic := resolved.Descriptor.Topic
	pub := s.publisherFor(topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher not configured for topic %s", topic))
	}

	msg := &gcppubsub.Message{
		Data:        event.Payload,
		OrderingKey: event.AggregateID,
		Attributes: map[string]string{
			"event_key":      event.EventKey,
			"event_type":     string(event.EventType),
			"aggregate_type": string(event.AggregateType),
			"aggregate_id":   event.AggregateID,
			"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
		},
	}

	publishCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()
	result := pub.Publish(publishCtx, msg)
	if result == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher returned nil for topic %s", topic))
	}
	if _, err := result.Get(publishCtx); err != nil {
		return err
	}
	return nil
}

// runSweeper periodically requeues retryable failures, parks exhausted rows
// and reclaims claims abandoned by a crashed publisher. With multiple
// publisher replicas a Redis leader lock keeps one sweeper active at a time.
func (s *Service) runSweeper(ctx context.Context) {
	interval := s.cfg.Outbox.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !s.acquireSweepLock(ctx) {
			continue
		}

		start := time.Now()
		err := s.sweep(ctx)
		s.jobMetrics.ObserveDuration("outbox-sweep", time.Since(start))
		if err != nil {
			s.jobMetrics.IncFailure("outbox-sweep")
			s.logg.Error(ctx, "outbox sweep failed", err)
		} else {
			s.jobMetrics.IncSuccess("outbox-sweep")
		}

		s.releaseSweepLock(ctx)
	}
}

func (s *Service) acquireSweepLock(ctx context.Context) bool {
	if s.cfg.Outbox.DisableSweeperLock || s.locker == nil {
		return true
	}
	ttl := s.cfg.Outbox.SweepLockTTL
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	acquired, err := s.locker.AcquireLock(ctx, sweeperLockName, s.holder, ttl)
	if err != nil {
		s.logg.Error(ctx, "sweeper lock acquisition failed", err)
		return false
	}
	return acquired
}

func (s *Service) releaseSweepLock(ctx context.Context) {
	if s.cfg.Outbox.DisableSweeperLock || s.locker == nil {
		return
	}
	if err := s.locker.ReleaseLock(ctx, sweeperLockName); err != nil {
		s.logg.Error(ctx, "sweeper lock release failed", err)
	}
}

func (s *Service) sweep(ctx context.Context) error {
	requeued, err := s.repo.RequeueFailed(ctx, s.maxRetries)
	if err != nil {
		return fmt.Errorf("requeue failed events: %w", err)
	}
	if requeued > 0 {
		s.outboxMetrics.AddRequeued(int(requeued))
		s.logg.Info(s.logg.WithField(ctx, "requeued", requeued), "sweeper requeued failed events")
	}

	exhausted, err := s.repo.ListExhausted(ctx, s.maxRetries, s.batchSize)
	if err != nil {
		return fmt.Errorf("list exhausted events: %w", err)
	}
	for _, event := range exhausted {
		cause := errors.New("retry budget exhausted")
		if event.ErrorMessage != nil {
			cause = errors.New(*event.ErrorMessage)
		}
		if err := s.deadLetter(ctx, event, enums.OutboxDLQReasonMaxAttempts, cause); err != nil {
			return err
		}
	}

	cutoff := time.Now().Add(-s.stuckClaimTimeout())
	reclaimed, err := s.repo.ReclaimStuckPublishing(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("reclaim stuck claims: %w", err)
	}
	if reclaimed > 0 {
		s.logg.Warn(s.logg.WithField(ctx, "reclaimed", reclaimed), "sweeper reclaimed stuck claims")
	}
	return nil
}

func (s *Service) stuckClaimTimeout() time.Duration {
	if s.cfg.Outbox.StuckClaimTimeout > 0 {
		return s.cfg.Outbox.StuckClaimTimeout
	}
	return 5 * time.Minute
}

func (s *Service) eventFields(event models.OutboxEvent, topic string) map[string]any {
	fields := map[string]any{
		"outbox_id":      event.ID.String(),
		"event_key":      event.EventKey,
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"retry_count":    event.RetryCount,
	}
	if topic != "" {
		fields["topic"] = topic
	}
	if event.ErrorMessage != nil {
		fields["last_error"] = *event.ErrorMessage
	}
	return fields
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	return d + jitter
}

func newGCPPublisher(p *gcppubsub.Publisher) publisher {
	if p == nil {
		return nil
	}
	return &gcpPublisher{Publisher: p}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}
