package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"telemetry-service/internal/model"
)

type producedMessage struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

type fakeProducer struct {
	mu       sync.Mutex
	failures int
	messages []producedMessage
}

func (p *fakeProducer) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.messages = append(p.messages, producedMessage{topic, string(key), value, headers})
	return nil
}

func (p *fakeProducer) produced() []producedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]producedMessage(nil), p.messages...)
}

type fakeSink struct {
	mu      sync.Mutex
	batches [][][]interface{}
}

func (s *fakeSink) BatchInsert(ctx context.Context, query string, data [][]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, data)
	return nil
}

func (s *fakeSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

type fakeAudit struct {
	mu   sync.Mutex
	docs map[string]interface{}
	err  error
}

func (a *fakeAudit) IndexDocument(ctx context.Context, index, id string, document interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.docs == nil {
		a.docs = make(map[string]interface{})
	}
	a.docs[index+"/"+id] = document
	return nil
}

func testOptions() Options {
	return Options{
		EventTopic:     "telemetry.events",
		DirectiveTopic: "telemetry.directives",
		AuditIndex:     "telemetry-audit",
		PublishTimeout: time.Second,
	}
}

func sinkEvent(id string) *model.Event {
	return &model.Event{
		ID:         id,
		DeliveryID: "dlv-1",
		UserID:     "u1",
		OrgID:      "org-1",
		Kind:       model.KindClicked,
		ReceivedAt: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}
}

func TestPublishEventKeyedByUser(t *testing.T) {
	producer := &fakeProducer{}
	p := New(producer, nil, nil, testOptions())

	ev := sinkEvent("ev-1")
	if err := p.PublishEvent(context.Background(), ev); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	msgs := producer.produced()
	if len(msgs) != 1 {
		t.Fatalf("produced %d messages, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.topic != "telemetry.events" {
		t.Errorf("topic = %s", msg.topic)
	}
	if msg.key != "u1" {
		t.Errorf("key = %s, want the user id for partition affinity", msg.key)
	}
	if msg.headers["kind"] != "clicked" || msg.headers["org_id"] != "org-1" {
		t.Errorf("headers = %v", msg.headers)
	}

	var decoded model.Event
	if err := json.Unmarshal(msg.value, &decoded); err != nil {
		t.Fatalf("payload not valid json: %v", err)
	}
	if decoded.ID != "ev-1" {
		t.Errorf("payload id = %s", decoded.ID)
	}
}

func TestPublishDirectiveCarriesIdempotencyHeader(t *testing.T) {
	producer := &fakeProducer{}
	p := New(producer, nil, nil, testOptions())

	d := &model.Directive{
		Type:           model.DirectiveEscalateCampaign,
		UserID:         "u1",
		OrgID:          "org-1",
		IdempotencyKey: "key-123",
	}
	if err := p.PublishDirective(context.Background(), d); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	msgs := producer.produced()
	if len(msgs) != 1 {
		t.Fatalf("produced %d messages, want 1", len(msgs))
	}
	if msgs[0].headers["idempotency_key"] != "key-123" {
		t.Errorf("headers = %v, idempotency key must ride outside the body", msgs[0].headers)
	}
}

func TestPublishRetriesTransientFailures(t *testing.T) {
	producer := &fakeProducer{failures: 2}
	p := New(producer, nil, nil, testOptions())

	if err := p.PublishEvent(context.Background(), sinkEvent("ev-1")); err != nil {
		t.Fatalf("publish should recover within the retry budget: %v", err)
	}
	if len(producer.produced()) != 1 {
		t.Error("message lost despite successful retry")
	}
}

func TestPublishGivesUpAfterMaxAttempts(t *testing.T) {
	producer := &fakeProducer{failures: maxPublishAttempts}
	p := New(producer, nil, nil, testOptions())

	if err := p.PublishEvent(context.Background(), sinkEvent("ev-1")); err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
}

func TestRunSinkFlushesOnShutdown(t *testing.T) {
	sink := &fakeSink{}
	p := New(nil, sink, nil, testOptions())

	p.EnqueueSink(sinkEvent("ev-1"))
	p.EnqueueSink(sinkEvent("ev-2"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.RunSink(ctx)
		close(done)
	}()

	// Give the loop a moment to drain the queue, then shut down.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if sink.batchCount() != 1 {
		t.Fatalf("flushed %d batches, want 1", sink.batchCount())
	}
	sink.mu.Lock()
	rows := sink.batches[0]
	sink.mu.Unlock()
	if len(rows) != 2 {
		t.Errorf("batch has %d rows, want 2", len(rows))
	}
}

func TestAuditRecordsSuppression(t *testing.T) {
	audit := &fakeAudit{}
	p := New(nil, nil, audit, testOptions())

	ev := sinkEvent("ev-1")
	ev.IsBot = true
	ev.Suppressed = true
	p.Audit(context.Background(), ev, "user_agent")

	audit.mu.Lock()
	doc, ok := audit.docs["telemetry-audit/ev-1"]
	audit.mu.Unlock()
	if !ok {
		t.Fatal("suppressed event not indexed")
	}
	record, ok := doc.(auditRecord)
	if !ok {
		t.Fatalf("unexpected document type %T", doc)
	}
	if record.Reason != "user_agent" || record.Event.ID != "ev-1" {
		t.Errorf("record = %+v", record)
	}
}

func TestAuditFailureIsSwallowed(t *testing.T) {
	audit := &fakeAudit{err: errors.New("index unavailable")}
	p := New(nil, nil, audit, testOptions())

	// Must not panic or propagate.
	p.Audit(context.Background(), sinkEvent("ev-1"), "reputation")
}
