// Package consumer wraps event handlers with the idempotency ledger so
// at-least-once delivery from the broker behaves as effectively-once.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"gorm.io/gorm"

	dbpkg "github.com/junhyuk-baek/ticketflow-backend/pkg/db"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/ledger"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/logger"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/metrics"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox"
)

// Handler applies one event's side effects on the supplied transaction. The
// harness commits the ledger row on the same transaction, so a handler that
// returns an error rolls everything back and the broker redelivers.
type Handler func(ctx context.Context, tx *gorm.DB, envelope outbox.Envelope) error

// DeadLetterSink receives payloads that can never be processed, such as
// events that fail to deserialize.
type DeadLetterSink interface {
	Publish(ctx context.Context, data []byte, attributes map[string]string) error
}

// PubsubDeadLetter adapts a Pub/Sub publisher into a DeadLetterSink.
type PubsubDeadLetter struct {
	Publisher *pubsub.Publisher
}

func (p *PubsubDeadLetter) Publish(ctx context.Context, data []byte, attributes map[string]string) error {
	if p == nil || p.Publisher == nil {
		return errors.New("dead letter publisher not configured")
	}
	result := p.Publisher.Publish(ctx, &pubsub.Message{Data: data, Attributes: attributes})
	_, err := result.Get(ctx)
	return err
}

// HarnessParams carries the dependencies for a consumer harness.
type HarnessParams struct {
	ConsumerGroup string
	Client        *dbpkg.Client
	Ledger        *ledger.Service
	DeadLetter    DeadLetterSink
	Routes        map[enums.OutboxEventType]Handler
	Metrics       *metrics.ConsumerMetrics
	Logger        *logger.Logger
}

// Harness is one consumer group's idempotent message pump.
type Harness struct {
	group      string
	client     *dbpkg.Client
	ledger     *ledger.Service
	deadLetter DeadLetterSink
	routes     map[enums.OutboxEventType]Handler
	metrics    *metrics.ConsumerMetrics
	logg       *logger.Logger
}

func NewHarness(params HarnessParams) (*Harness, error) {
	if params.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group required")
	}
	if params.Client == nil {
		return nil, fmt.Errorf("db client required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if params.DeadLetter == nil {
		return nil, fmt.Errorf("dead letter sink required")
	}
	if len(params.Routes) == 0 {
		return nil, fmt.Errorf("at least one handler route required")
	}
	return &Harness{
		group:      params.ConsumerGroup,
		client:     params.Client,
		ledger:     params.Ledger,
		deadLetter: params.DeadLetter,
		routes:     params.Routes,
		metrics:    params.Metrics,
		logg:       params.Logger,
	}, nil
}

// Run starts the receive loop until the context is canceled. Messages
// sharing an ordering key are delivered one at a time, which preserves
// per-aggregate ordering end to end.
func (h *Harness) Run(ctx context.Context, subscription *pubsub.Subscriber) error {
	if subscription == nil {
		return fmt.Errorf("subscription required")
	}
	return subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		result := h.process(ctx, msg.Data, msg.Attributes)
		if result.nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

func (h *Harness) process(ctx context.Context, data []byte, attributes map[string]string) processResult {
	logCtx := ctx
	if h.logg != nil {
		logCtx = h.logg.WithConsumerGroup(ctx, h.group)
	}

	var envelope outbox.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		// retrying a malformed payload cannot succeed
		return h.poison(logCtx, data, attributes, fmt.Errorf("decode envelope: %w", err))
	}
	if envelope.EventKey == "" {
		return h.poison(logCtx, data, attributes, fmt.Errorf("envelope missing event key"))
	}
	if h.logg != nil {
		logCtx = h.logg.WithEventKey(logCtx, envelope.EventKey)
	}

	handler, ok := h.routes[envelope.EventType]
	if !ok {
		if h.logg != nil {
			h.logg.Debug(logCtx, "skipping unrouted event type")
		}
		return processResult{ack: true}
	}

	processed, err := h.ledger.IsProcessed(logCtx, envelope.EventKey, h.group)
	if err != nil {
		if h.logg != nil {
			h.logg.Error(logCtx, "ledger lookup failed", err)
		}
		return processResult{nack: true}
	}
	if processed {
		h.metrics.IncDuplicate(h.group)
		if h.logg != nil {
			h.logg.Info(logCtx, "duplicate delivery suppressed")
		}
		return processResult{ack: true}
	}

	err = h.client.WithTx(logCtx, func(tx *gorm.DB) error {
		if err := handler(logCtx, tx, envelope); err != nil {
			return err
		}
		return h.ledger.MarkProcessedTx(logCtx, tx, envelope.EventKey, envelope.EventType, h.group)
	})
	if err != nil {
		// lost the unique-index race to a concurrent redelivery; the other
		// worker's commit stands and this copy is safe to drop
		if errors.Is(err, ledger.ErrAlreadyProcessed) {
			h.metrics.IncDuplicate(h.group)
			if h.logg != nil {
				h.logg.Info(logCtx, "concurrent duplicate suppressed")
			}
			return processResult{ack: true}
		}
		h.metrics.IncHandlerError(h.group)
		if h.logg != nil {
			h.logg.Error(logCtx, "handler failed, leaving message for redelivery", err)
		}
		return processResult{nack: true}
	}

	h.metrics.IncProcessed(h.group)
	return processResult{ack: true}
}

func (h *Harness) poison(ctx context.Context, data []byte, attributes map[string]string, cause error) processResult {
	attrs := map[string]string{
		"consumer_group": h.group,
		"error_reason":   string(enums.OutboxDLQReasonMalformed),
		"error_message":  cause.Error(),
	}
	for k, v := range attributes {
		if _, taken := attrs[k]; !taken {
			attrs[k] = v
		}
	}
	if err := h.deadLetter.Publish(ctx, data, attrs); err != nil {
		if h.logg != nil {
			h.logg.Error(ctx, "dead letter publish failed", err)
		}
		return processResult{nack: true}
	}
	h.metrics.IncPoisoned(h.group)
	if h.logg != nil {
		h.logg.Error(ctx, "malformed event routed to dead letter topic", cause)
	}
	return processResult{ack: true}
}
