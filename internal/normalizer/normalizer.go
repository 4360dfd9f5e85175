// Package normalizer parses heterogeneous inbound payloads into the
// canonical Event record. Normalization is pure and CPU-bound: no I/O, no
// enrichment — geolocation and user-agent classification belong to the bot
// filter, persistence to the caller.
package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"telemetry-service/internal/model"
)

var (
	// ErrInvalidPayload marks payloads missing required correlation fields;
	// these are dropped and logged, never retried.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrUnknownSource marks payloads from an unregistered channel.
	ErrUnknownSource = errors.New("unknown source")
)

// Known source tags.
const (
	SourceEmailPixel  = "email_pixel"
	SourceQR          = "qr"
	SourceWebhook     = "webhook"
	SourceLandingPage = "landing_page"
	SourceReport      = "report"
	SourceSlack       = "slack"
)

// RawPayload is the transport-level input: a provider body plus the request
// metadata the handlers extracted.
type RawPayload struct {
	Source  string
	Body    []byte            // provider JSON, may be empty for pixel hits
	Params  map[string]string // query parameters (pixel, QR)
	Headers map[string]string // user-agent, remote IP, referrer
}

// Normalizer converts raw payloads into canonical Events.
type Normalizer struct {
	now func() time.Time
}

// New creates a Normalizer using the wall clock.
func New() *Normalizer {
	return &Normalizer{now: time.Now}
}

// NewWithClock creates a Normalizer with an injected clock.
func NewWithClock(now func() time.Time) *Normalizer {
	return &Normalizer{now: now}
}

// Normalize parses one raw payload into an Event. The event ID is assigned
// here, never taken from the sender; ReceivedAt comes from the ingestion
// clock and is authoritative for ordering.
func (n *Normalizer) Normalize(raw *RawPayload) (*model.Event, error) {
	var (
		ev  *model.Event
		err error
	)

	switch raw.Source {
	case SourceEmailPixel:
		ev, err = n.fromPixel(raw, model.KindOpened)
	case SourceQR:
		ev, err = n.fromPixel(raw, model.KindQRScanned)
	case SourceWebhook:
		ev, err = n.fromWebhook(raw)
	case SourceLandingPage:
		ev, err = n.fromLandingPage(raw)
	case SourceReport:
		ev, err = n.fromReport(raw)
	case SourceSlack:
		ev, err = n.fromSlack(raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, raw.Source)
	}
	if err != nil {
		return nil, err
	}

	ev.ID = uuid.NewString()
	ev.Source = raw.Source
	ev.ReceivedAt = n.now().UTC()
	n.attachRequestAttributes(ev, raw)

	return ev, nil
}

// fromPixel handles tracking-pixel and QR-code hits: all correlation data
// rides in the query string.
func (n *Normalizer) fromPixel(raw *RawPayload, kind model.EventKind) (*model.Event, error) {
	deliveryID := firstParam(raw.Params, "d", "delivery_id")
	userID := firstParam(raw.Params, "u", "user_id")
	orgID := firstParam(raw.Params, "o", "org_id")
	if deliveryID == "" || userID == "" || orgID == "" {
		return nil, fmt.Errorf("%w: pixel hit missing correlation params", ErrInvalidPayload)
	}

	return &model.Event{
		DeliveryID: deliveryID,
		UserID:     userID,
		OrgID:      orgID,
		Kind:       kind,
	}, nil
}

// webhookBody tolerates the field aliases used by the mail/chat/voice
// plugins.
type webhookBody struct {
	DeliveryID    string `json:"delivery_id"`
	DeliveryIDAlt string `json:"deliveryId"`
	CorrelationID string `json:"correlation_id"`
	UserID        string `json:"user_id"`
	OrgID         string `json:"org_id"`
	Kind          string `json:"kind"`
	Event         string `json:"event"`
	EventType     string `json:"event_type"`
	OccurredAt    string `json:"occurred_at"`
	Timestamp     string `json:"timestamp"`
	TS            int64  `json:"ts"`
}

func (n *Normalizer) fromWebhook(raw *RawPayload) (*model.Event, error) {
	var body webhookBody
	if err := json.Unmarshal(raw.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: webhook body: %v", ErrInvalidPayload, err)
	}

	deliveryID := firstNonEmpty(body.DeliveryID, body.DeliveryIDAlt, body.CorrelationID)
	if deliveryID == "" || body.UserID == "" || body.OrgID == "" {
		return nil, fmt.Errorf("%w: webhook missing correlation fields", ErrInvalidPayload)
	}

	kind, ok := mapKind(firstNonEmpty(body.Kind, body.Event, body.EventType))
	if !ok {
		return nil, fmt.Errorf("%w: webhook has no usable event kind", ErrInvalidPayload)
	}

	return &model.Event{
		DeliveryID: deliveryID,
		UserID:     body.UserID,
		OrgID:      body.OrgID,
		Kind:       kind,
		OccurredAt: parseTimestamp(firstNonEmpty(body.OccurredAt, body.Timestamp), body.TS),
	}, nil
}

type landingBody struct {
	DeliveryID string `json:"delivery_id"`
	UserID     string `json:"user_id"`
	OrgID      string `json:"org_id"`
	OccurredAt string `json:"occurred_at"`
}

func (n *Normalizer) fromLandingPage(raw *RawPayload) (*model.Event, error) {
	var body landingBody
	if err := json.Unmarshal(raw.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: landing page body: %v", ErrInvalidPayload, err)
	}
	if body.DeliveryID == "" || body.UserID == "" || body.OrgID == "" {
		return nil, fmt.Errorf("%w: landing page missing correlation fields", ErrInvalidPayload)
	}

	// Landing notifications are submission signals only; captured form
	// content never enters the pipeline.
	return &model.Event{
		DeliveryID: body.DeliveryID,
		UserID:     body.UserID,
		OrgID:      body.OrgID,
		Kind:       model.KindFormSubmitted,
		OccurredAt: parseTimestamp(body.OccurredAt, 0),
	}, nil
}

type reportBody struct {
	DeliveryID string `json:"delivery_id"`
	UserID     string `json:"user_id"`
	OrgID      string `json:"org_id"`
	ReportedAt string `json:"reported_at"`
}

func (n *Normalizer) fromReport(raw *RawPayload) (*model.Event, error) {
	var body reportBody
	if err := json.Unmarshal(raw.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: report body: %v", ErrInvalidPayload, err)
	}
	if body.DeliveryID == "" || body.UserID == "" || body.OrgID == "" {
		return nil, fmt.Errorf("%w: report missing correlation fields", ErrInvalidPayload)
	}

	return &model.Event{
		DeliveryID: body.DeliveryID,
		UserID:     body.UserID,
		OrgID:      body.OrgID,
		Kind:       model.KindReported,
		OccurredAt: parseTimestamp(body.ReportedAt, 0),
	}, nil
}

type slackBody struct {
	CallbackID string `json:"callback_id"`
	UserID     string `json:"user_id"`
	TeamID     string `json:"team_id"`
	Action     string `json:"action"`
	TS         int64  `json:"ts"`
}

func (n *Normalizer) fromSlack(raw *RawPayload) (*model.Event, error) {
	var body slackBody
	if err := json.Unmarshal(raw.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: slack body: %v", ErrInvalidPayload, err)
	}
	if body.CallbackID == "" || body.UserID == "" || body.TeamID == "" {
		return nil, fmt.Errorf("%w: slack interaction missing correlation fields", ErrInvalidPayload)
	}

	kind, ok := mapKind(body.Action)
	if !ok {
		return nil, fmt.Errorf("%w: slack interaction has no usable action", ErrInvalidPayload)
	}

	return &model.Event{
		DeliveryID: body.CallbackID,
		UserID:     body.UserID,
		OrgID:      body.TeamID,
		Kind:       kind,
		OccurredAt: parseTimestamp("", body.TS),
	}, nil
}

func (n *Normalizer) attachRequestAttributes(ev *model.Event, raw *RawPayload) {
	if len(raw.Headers) == 0 {
		return
	}
	if ev.Attributes == nil {
		ev.Attributes = make(map[string]string, len(raw.Headers))
	}
	for k, v := range raw.Headers {
		if v != "" {
			ev.Attributes[k] = v
		}
	}
}

// mapKind resolves provider-specific event names onto canonical kinds.
func mapKind(name string) (model.EventKind, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if k := model.EventKind(name); k.Valid() {
		return k, true
	}

	switch {
	case strings.HasSuffix(name, "_delivered"), name == "delivery":
		return model.KindDelivered, true
	case strings.HasSuffix(name, "_opened"), name == "open":
		return model.KindOpened, true
	case strings.HasSuffix(name, "_clicked"), name == "click", name == "link_clicked":
		return model.KindClicked, true
	case strings.HasSuffix(name, "_reported"), name == "report", name == "phish_reported":
		return model.KindReported, true
	case name == "qr_scan", name == "qr":
		return model.KindQRScanned, true
	case strings.HasSuffix(name, "_submitted"):
		return model.KindFormSubmitted, true
	case name == "training_done", name == "course_completed":
		return model.KindTrainingCompleted, true
	}
	return "", false
}

// parseTimestamp accepts RFC3339 strings or unix seconds/millis; provider
// timestamps are advisory only and may legitimately be absent.
func parseTimestamp(s string, unix int64) time.Time {
	if s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC()
		}
		if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromUnix(sec)
		}
	}
	if unix > 0 {
		return fromUnix(unix)
	}
	return time.Time{}
}

func fromUnix(v int64) time.Time {
	// Values this large are milliseconds.
	if v > 1e12 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

func firstParam(params map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := params[k]; v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
