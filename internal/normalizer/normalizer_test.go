package normalizer

import (
	"errors"
	"testing"
	"time"

	"telemetry-service/internal/model"
)

var testClock = func() time.Time {
	return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
}

func TestNormalizePixelHit(t *testing.T) {
	n := NewWithClock(testClock)

	ev, err := n.Normalize(&RawPayload{
		Source: SourceEmailPixel,
		Params: map[string]string{"d": "dlv-7", "u": "user-3", "o": "org-1"},
		Headers: map[string]string{
			"user_agent": "Mozilla/5.0",
			"remote_ip":  "203.0.113.9",
		},
	})
	if err != nil {
		t.Fatalf("pixel normalize failed: %v", err)
	}

	if ev.Kind != model.KindOpened {
		t.Errorf("kind = %s, want opened", ev.Kind)
	}
	if ev.DeliveryID != "dlv-7" || ev.UserID != "user-3" || ev.OrgID != "org-1" {
		t.Errorf("correlation fields wrong: %+v", ev)
	}
	if ev.ID == "" {
		t.Error("event must get a server-assigned id")
	}
	if !ev.ReceivedAt.Equal(testClock()) {
		t.Errorf("received_at = %v, want ingestion clock", ev.ReceivedAt)
	}
	if ev.Attributes["user_agent"] != "Mozilla/5.0" {
		t.Error("request metadata not attached")
	}
}

func TestNormalizeQRHit(t *testing.T) {
	n := NewWithClock(testClock)

	ev, err := n.Normalize(&RawPayload{
		Source: SourceQR,
		Params: map[string]string{"delivery_id": "dlv-7", "user_id": "user-3", "org_id": "org-1"},
	})
	if err != nil {
		t.Fatalf("qr normalize failed: %v", err)
	}
	if ev.Kind != model.KindQRScanned {
		t.Errorf("kind = %s, want qr_scanned", ev.Kind)
	}
}

func TestNormalizeWebhook(t *testing.T) {
	n := NewWithClock(testClock)

	tests := []struct {
		name     string
		body     string
		wantKind model.EventKind
		wantTime time.Time
	}{
		{
			name:     "canonical fields",
			body:     `{"delivery_id":"dlv-1","user_id":"u1","org_id":"o1","kind":"clicked","occurred_at":"2026-03-14T11:59:00Z"}`,
			wantKind: model.KindClicked,
			wantTime: time.Date(2026, 3, 14, 11, 59, 0, 0, time.UTC),
		},
		{
			name:     "provider aliases",
			body:     `{"deliveryId":"dlv-1","user_id":"u1","org_id":"o1","event_type":"email_opened","ts":1773489540}`,
			wantKind: model.KindOpened,
			wantTime: time.Unix(1773489540, 0).UTC(),
		},
		{
			name:     "training completion",
			body:     `{"correlation_id":"dlv-1","user_id":"u1","org_id":"o1","event":"course_completed"}`,
			wantKind: model.KindTrainingCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := n.Normalize(&RawPayload{Source: SourceWebhook, Body: []byte(tt.body)})
			if err != nil {
				t.Fatalf("normalize failed: %v", err)
			}
			if ev.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", ev.Kind, tt.wantKind)
			}
			if !tt.wantTime.IsZero() && !ev.OccurredAt.Equal(tt.wantTime) {
				t.Errorf("occurred_at = %v, want %v", ev.OccurredAt, tt.wantTime)
			}
		})
	}
}

func TestNormalizeLandingAndReport(t *testing.T) {
	n := NewWithClock(testClock)

	ev, err := n.Normalize(&RawPayload{
		Source: SourceLandingPage,
		Body:   []byte(`{"delivery_id":"dlv-1","user_id":"u1","org_id":"o1"}`),
	})
	if err != nil {
		t.Fatalf("landing normalize failed: %v", err)
	}
	if ev.Kind != model.KindFormSubmitted {
		t.Errorf("landing kind = %s, want form_submitted", ev.Kind)
	}

	ev, err = n.Normalize(&RawPayload{
		Source: SourceReport,
		Body:   []byte(`{"delivery_id":"dlv-1","user_id":"u1","org_id":"o1","reported_at":"2026-03-14T11:00:00Z"}`),
	})
	if err != nil {
		t.Fatalf("report normalize failed: %v", err)
	}
	if ev.Kind != model.KindReported {
		t.Errorf("report kind = %s, want reported", ev.Kind)
	}
}

func TestNormalizeSlack(t *testing.T) {
	n := NewWithClock(testClock)

	ev, err := n.Normalize(&RawPayload{
		Source: SourceSlack,
		Body:   []byte(`{"callback_id":"dlv-9","user_id":"u1","team_id":"o1","action":"report","ts":1773489000}`),
	})
	if err != nil {
		t.Fatalf("slack normalize failed: %v", err)
	}
	if ev.Kind != model.KindReported {
		t.Errorf("kind = %s, want reported", ev.Kind)
	}
	if ev.DeliveryID != "dlv-9" || ev.OrgID != "o1" {
		t.Errorf("slack correlation wrong: %+v", ev)
	}
}

func TestNormalizeRejectsInvalid(t *testing.T) {
	n := NewWithClock(testClock)

	tests := []struct {
		name string
		raw  *RawPayload
	}{
		{"pixel missing params", &RawPayload{Source: SourceEmailPixel, Params: map[string]string{"d": "dlv-1"}}},
		{"webhook bad json", &RawPayload{Source: SourceWebhook, Body: []byte("{nope")}},
		{"webhook no correlation", &RawPayload{Source: SourceWebhook, Body: []byte(`{"kind":"opened"}`)}},
		{"webhook unknown kind", &RawPayload{Source: SourceWebhook, Body: []byte(`{"delivery_id":"d","user_id":"u","org_id":"o","kind":"levitated"}`)}},
		{"slack no action", &RawPayload{Source: SourceSlack, Body: []byte(`{"callback_id":"d","user_id":"u","team_id":"o"}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.raw)
			if !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("expected ErrInvalidPayload, got %v", err)
			}
		})
	}
}

func TestNormalizeUnknownSource(t *testing.T) {
	n := NewWithClock(testClock)

	_, err := n.Normalize(&RawPayload{Source: "carrier_pigeon"})
	if !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
}

func TestParseTimestampFormats(t *testing.T) {
	tests := []struct {
		name string
		s    string
		unix int64
		want time.Time
	}{
		{"rfc3339", "2026-03-14T10:00:00Z", 0, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)},
		{"unix seconds string", "1773489540", 0, time.Unix(1773489540, 0).UTC()},
		{"unix millis", "", 1773489540123, time.UnixMilli(1773489540123).UTC()},
		{"absent", "", 0, time.Time{}},
		{"garbage", "soon", 0, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseTimestamp(tt.s, tt.unix); !got.Equal(tt.want) {
				t.Errorf("parseTimestamp(%q, %d) = %v, want %v", tt.s, tt.unix, got, tt.want)
			}
		})
	}
}
