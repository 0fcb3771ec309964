package metrics

import "github.com/prometheus/client_golang/prometheus"

// OutboxMetrics tracks the publish pipeline: rows claimed, broker outcomes,
// requeues and dead-letter transitions.
type OutboxMetrics struct {
	claimed      prometheus.Counter
	published    *prometheus.CounterVec
	failed       *prometheus.CounterVec
	requeued     prometheus.Counter
	deadLettered *prometheus.CounterVec
}

// NewOutboxMetrics registers the outbox metrics on the provided registerer.
func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	claimed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_claimed_total",
		Help: "Outbox rows claimed for publishing.",
	})
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_published_total",
		Help: "Outbox rows acknowledged by the broker.",
	}, []string{"topic"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_failed_total",
		Help: "Outbox rows that failed a publish attempt.",
	}, []string{"topic"})
	requeued := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_requeued_total",
		Help: "Failed outbox rows flipped back to READY by the sweeper.",
	})
	deadLettered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_dead_lettered_total",
		Help: "Outbox rows moved to the DLQ.",
	}, []string{"reason"})
	reg.MustRegister(claimed, published, failed, requeued, deadLettered)
	return &OutboxMetrics{
		claimed:      claimed,
		published:    published,
		failed:       failed,
		requeued:     requeued,
		deadLettered: deadLettered,
	}
}

// AddClaimed records rows claimed in one publish cycle.
func (o *OutboxMetrics) AddClaimed(n int) {
	if o == nil || o.claimed == nil {
		return
	}
	o.claimed.Add(float64(n))
}

// IncPublished records a broker-acknowledged publish for the topic.
func (o *OutboxMetrics) IncPublished(topic string) {
	if o == nil || o.published == nil {
		return
	}
	o.published.WithLabelValues(normalizeLabel(topic)).Inc()
}

// IncFailed records a failed publish attempt for the topic.
func (o *OutboxMetrics) IncFailed(topic string) {
	if o == nil || o.failed == nil {
		return
	}
	o.failed.WithLabelValues(normalizeLabel(topic)).Inc()
}

// AddRequeued records rows requeued by the sweeper.
func (o *OutboxMetrics) AddRequeued(n int) {
	if o == nil || o.requeued == nil {
		return
	}
	o.requeued.Add(float64(n))
}

// IncDeadLettered records a terminal DLQ transition.
func (o *OutboxMetrics) IncDeadLettered(reason string) {
	if o == nil || o.deadLettered == nil {
		return
	}
	o.deadLettered.WithLabelValues(normalizeLabel(reason)).Inc()
}

// ConsumerMetrics tracks the idempotent consumer harness.
type ConsumerMetrics struct {
	processed  *prometheus.CounterVec
	duplicates *prometheus.CounterVec
	poisoned   *prometheus.CounterVec
	handlerErr *prometheus.CounterVec
}

// NewConsumerMetrics registers the consumer metrics on the provided registerer.
func NewConsumerMetrics(reg prometheus.Registerer) *ConsumerMetrics {
	if reg == nil {
		return &ConsumerMetrics{}
	}
	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_events_processed_total",
		Help: "Events processed and recorded in the ledger.",
	}, []string{"consumer_group"})
	duplicates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_events_duplicate_total",
		Help: "Redeliveries suppressed by the idempotency ledger.",
	}, []string{"consumer_group"})
	poisoned := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_events_poisoned_total",
		Help: "Malformed events routed to the dead-letter topic.",
	}, []string{"consumer_group"})
	handlerErr := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_handler_errors_total",
		Help: "Handler failures that triggered broker redelivery.",
	}, []string{"consumer_group"})
	reg.MustRegister(processed, duplicates, poisoned, handlerErr)
	return &ConsumerMetrics{
		processed:  processed,
		duplicates: duplicates,
		poisoned:   poisoned,
		handlerErr: handlerErr,
	}
}

// IncProcessed records a successfully handled event.
func (c *ConsumerMetrics) IncProcessed(group string) {
	if c == nil || c.processed == nil {
		return
	}
	c.processed.WithLabelValues(normalizeLabel(group)).Inc()
}

// IncDuplicate records a suppressed redelivery.
func (c *ConsumerMetrics) IncDuplicate(group string) {
	if c == nil || c.duplicates == nil {
		return
	}
	c.duplicates.WithLabelValues(normalizeLabel(group)).Inc()
}

// IncPoisoned records a malformed event sent to the dead-letter topic.
func (c *ConsumerMetrics) IncPoisoned(group string) {
	if c == nil || c.poisoned == nil {
		return
	}
	c.poisoned.WithLabelValues(normalizeLabel(group)).Inc()
}

// IncHandlerError records a handler failure.
func (c *ConsumerMetrics) IncHandlerError(group string) {
	if c == nil || c.handlerErr == nil {
		return
	}
	c.handlerErr.WithLabelValues(normalizeLabel(group)).Inc()
}
