// Package publisher fans admitted telemetry out to the durable stream, the
// analytical sink and the audit index. Publishing is asynchronous with
// respect to ingestion: the producer acked the event at admission, so
// retries here delay visibility but never duplicate admission.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"telemetry-service/internal/metrics"
	"telemetry-service/internal/model"
	"telemetry-service/internal/util"
)

// MessageProducer writes keyed messages to a topic.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// BatchSink performs batched analytical inserts.
type BatchSink interface {
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

// AuditIndexer records suppressed and corrected events for auditors.
type AuditIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

const (
	maxPublishAttempts = 3
	retryBackoff       = 200 * time.Millisecond

	sinkBatchSize     = 500
	sinkFlushInterval = 5 * time.Second

	insertEventsQuery = `INSERT INTO telemetry_events (
        event_id, delivery_id, user_id, org_id, kind, occurred_at,
        received_at, source, fingerprint, is_bot, suppressed, corrects_id)`
)

// Options carries the topic and index names.
type Options struct {
	EventTopic     string
	DirectiveTopic string
	AuditIndex     string
	PublishTimeout time.Duration
}

// Publisher is the fan-out stage.
type Publisher struct {
	producer MessageProducer
	sink     BatchSink
	audit    AuditIndexer
	opts     Options

	sinkQueue chan *model.Event
}

func New(producer MessageProducer, sink BatchSink, audit AuditIndexer, opts Options) *Publisher {
	return &Publisher{
		producer:  producer,
		sink:      sink,
		audit:     audit,
		opts:      opts,
		sinkQueue: make(chan *model.Event, 4*sinkBatchSize),
	}
}

// PublishEvent writes the event to the durable stream, keyed by user so
// per-user ordering holds within a partition.
func (p *Publisher) PublishEvent(ctx context.Context, ev *model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)
	}

	headers := map[string]string{
		"kind":   string(ev.Kind),
		"org_id": ev.OrgID,
	}

	return p.produceWithRetry(ctx, p.opts.EventTopic, []byte(ev.UserID), payload, headers)
}

// PublishDirective writes a directive, keyed by user. The idempotency key
// rides in a header so consumers can dedupe without parsing the body.
func (p *Publisher) PublishDirective(ctx context.Context, d *model.Directive) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal directive: %w", err)
	}

	headers := map[string]string{
		"type":            string(d.Type),
		"idempotency_key": d.IdempotencyKey,
	}

	return p.produceWithRetry(ctx, p.opts.DirectiveTopic, []byte(d.UserID), payload, headers)
}

func (p *Publisher) produceWithRetry(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	if p.producer == nil {
		// Broker disabled or degraded at startup; the event log is still
		// authoritative.
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= maxPublishAttempts; attempt++ {
		publishCtx, cancel := context.WithTimeout(ctx, p.opts.PublishTimeout)
		err := p.producer.ProduceMessage(publishCtx, topic, key, value, headers)
		cancel()
		if err == nil {
			return nil
		}

		lastErr = err
		metrics.PublishRetries.WithLabelValues("kafka").Inc()
		util.Warn("Publish attempt failed",
			zap.String("topic", topic),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	return fmt.Errorf("failed to publish to %s after %d attempts: %w", topic, maxPublishAttempts, lastErr)
}

// EnqueueSink queues the event for the batched analytical insert. The sink
// is best-effort: a full queue drops the row and counts it rather than
// stalling the pipeline.
func (p *Publisher) EnqueueSink(ev *model.Event) {
	select {
	case p.sinkQueue <- ev:
	default:
		metrics.PublishRetries.WithLabelValues("clickhouse").Inc()
		util.Warn("Analytical sink queue full, row dropped",
			zap.String("event_id", ev.ID))
	}
}

// RunSink batches queued events into the analytical store until ctx is
// done, flushing on size or interval, whichever comes first. The final
// partial batch is flushed on shutdown.
func (p *Publisher) RunSink(ctx context.Context) {
	if p.sink == nil {
		return
	}

	ticker := time.NewTicker(sinkFlushInterval)
	defer ticker.Stop()

	batch := make([]*model.Event, 0, sinkBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.flushBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case ev := <-p.sinkQueue:
			batch = append(batch, ev)
			if len(batch) >= sinkBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (p *Publisher) flushBatch(batch []*model.Event) {
	rows := make([][]interface{}, 0, len(batch))
	for _, ev := range batch {
		rows = append(rows, []interface{}{
			ev.ID, ev.DeliveryID, ev.UserID, ev.OrgID, string(ev.Kind),
			ev.OccurredAt, ev.ReceivedAt, ev.Source, ev.Fingerprint,
			ev.IsBot, ev.Suppressed, ev.CorrectsID,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.PublishTimeout)
	defer cancel()

	if err := p.sink.BatchInsert(ctx, insertEventsQuery, rows); err != nil {
		metrics.PublishRetries.WithLabelValues("clickhouse").Inc()
		util.Error("Analytical batch insert failed",
			zap.Int("rows", len(rows)),
			zap.Error(err))
		return
	}

	util.Debug("Analytical batch flushed", zap.Int("rows", len(rows)))
}

// auditRecord is what auditors see for each filtered or corrected event.
type auditRecord struct {
	Event     *model.Event `json:"event"`
	Reason    string       `json:"reason"`
	AuditedAt time.Time    `json:"audited_at"`
}

// Audit indexes a suppressed or corrected event with the signal that
// caused it. Audit failures are logged, never propagated: the audit trail
// must not block the pipeline.
func (p *Publisher) Audit(ctx context.Context, ev *model.Event, reason string) {
	if p.audit == nil {
		return
	}

	record := auditRecord{
		Event:     ev,
		Reason:    reason,
		AuditedAt: time.Now().UTC(),
	}

	if err := p.audit.IndexDocument(ctx, p.opts.AuditIndex, ev.ID, record); err != nil {
		util.Warn("Failed to index audit record",
			zap.String("event_id", ev.ID),
			zap.String("reason", reason),
			zap.Error(err))
	}
}
