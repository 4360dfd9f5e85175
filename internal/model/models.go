package model

import (
	"time"
)

// EventKind identifies the behavioral signal carried by an Event.
type EventKind string

const (
	KindDelivered         EventKind = "delivered"
	KindOpened            EventKind = "opened"
	KindClicked           EventKind = "clicked"
	KindQRScanned         EventKind = "qr_scanned"
	KindFormSubmitted     EventKind = "form_submitted"
	KindReported          EventKind = "reported"
	KindTrainingCompleted EventKind = "training_completed"
)

// Kinds lists every valid event kind.
var Kinds = []EventKind{
	KindDelivered, KindOpened, KindClicked, KindQRScanned,
	KindFormSubmitted, KindReported, KindTrainingCompleted,
}

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindDelivered, KindOpened, KindClicked, KindQRScanned,
		KindFormSubmitted, KindReported, KindTrainingCompleted:
		return true
	}
	return false
}

// Event is the canonical unit of telemetry. An Event is immutable once
// admitted; corrections are new Events carrying CorrectsID, never updates.
type Event struct {
	ID          string            `json:"id"`
	DeliveryID  string            `json:"delivery_id"`
	UserID      string            `json:"user_id"`
	OrgID       string            `json:"org_id"`
	Kind        EventKind         `json:"kind"`
	OccurredAt  time.Time         `json:"occurred_at"`  // provider-reported, may be skewed or zero
	ReceivedAt  time.Time         `json:"received_at"`  // ingestion clock, authoritative for ordering
	Source      string            `json:"source"`       // email_pixel, webhook, landing_page, slack, report
	Fingerprint string            `json:"fingerprint"`  // dedup hash, see fingerprint package
	IsBot       bool              `json:"is_bot"`       // automated traffic, excluded from scoring
	Suppressed  bool              `json:"suppressed"`   // retained for audit, not scored
	CorrectsID  string            `json:"corrects_id,omitempty"` // set on retroactive reclassifications
	Attributes  map[string]string `json:"attributes,omitempty"`  // UA, IP, referrer; never credentials
}

// ScoreTime returns the timestamp decay is computed against: the provider
// timestamp when present, the ingestion timestamp otherwise.
func (e *Event) ScoreTime() time.Time {
	if !e.OccurredAt.IsZero() {
		return e.OccurredAt
	}
	return e.ReceivedAt
}

// RiskScore is the live, derived score for one (user, org) pair. Score is
// always recomputed from the event window, never incremented in place.
type RiskScore struct {
	UserID        string    `json:"user_id"`
	OrgID         string    `json:"org_id"`
	Score         float64   `json:"score"` // bounded [0,100], higher means riskier
	Trend         float64   `json:"trend"` // short-window slope, points per evaluation
	LastUpdatedAt time.Time `json:"last_updated_at"`
	EventCount    int       `json:"event_count"`   // scorable events in the window
	SkippedCount  int       `json:"skipped_count"` // malformed rows skipped, never fatal
}

// CohortScore is a derived rollup over a named group. It is eventually
// consistent; individual RiskScores remain the source of truth.
type CohortScore struct {
	CohortID      string    `json:"cohort_id"`
	OrgID         string    `json:"org_id"`
	AverageScore  float64   `json:"average_score"`
	HighRiskUsers int       `json:"high_risk_users"`
	TotalUsers    int       `json:"total_users"`
	Trend         string    `json:"trend"` // improving, stable, declining
	ComputedAt    time.Time `json:"computed_at"`
}

// TriggerSnapshot is the persisted per-user state of the adaptive trigger
// machine. It survives restarts so hysteresis and debounce counting resume
// where they left off.
type TriggerSnapshot struct {
	State        string    `json:"state"`
	PendingState string    `json:"pending_state,omitempty"`
	Cycles       int       `json:"cycles"` // consecutive evaluations favoring PendingState
	Notified     bool      `json:"notified"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DirectiveType names an instruction emitted for external collaborators.
type DirectiveType string

const (
	DirectiveEscalateCampaign   DirectiveType = "escalate_campaign"
	DirectiveDeescalateCampaign DirectiveType = "deescalate_campaign"
	DirectiveNotifyManager      DirectiveType = "notify_manager"
	DirectiveCoachUser          DirectiveType = "coach_user"
)

// Directive is emitted by the trigger engine (or pipeline, for coaching) and
// executed by the campaign-orchestration and notification collaborators.
// Directives are idempotent under at-least-once delivery: consumers key on
// IdempotencyKey.
type Directive struct {
	Type           DirectiveType `json:"type"`
	UserID         string        `json:"user_id"`
	OrgID          string        `json:"org_id"`
	FromState      string        `json:"from_state,omitempty"`
	ToState        string        `json:"to_state,omitempty"`
	Score          float64       `json:"score"`
	TriggerEventID string        `json:"trigger_event_id,omitempty"`
	Department     string        `json:"department,omitempty"` // directory enrichment, best-effort
	ManagerID      string        `json:"manager_id,omitempty"`
	IdempotencyKey string        `json:"idempotency_key"`
	EmittedAt      time.Time     `json:"emitted_at"`
}
