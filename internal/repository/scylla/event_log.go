package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"telemetry-service/internal/fingerprint"
	"telemetry-service/internal/model"
	"telemetry-service/internal/util"
)

// EventLog is the append-only record of admitted events. Rows are written
// once at admission and read back as per-user windows during recompute.
// The only mutation is the suppression flip when the bot filter corrects
// an earlier fail-open admission.
type EventLog struct {
	client  *ScyllaClient
	buckets int
}

func NewEventLog(client *ScyllaClient, buckets int) *EventLog {
	return &EventLog{client: client, buckets: buckets}
}

// Append persists one admitted event.
func (r *EventLog) Append(ctx context.Context, ev *model.Event) error {
	bucket := fingerprint.UserBucket(ev.UserID, r.buckets)

	query := r.client.Query(r.client.Prepared.AppendEvent,
		appendArgs(bucket, ev)...).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to append event %s: %w", ev.ID, err)
	}

	util.Debug("Event appended",
		zap.String("event_id", ev.ID),
		zap.String("user_id", ev.UserID),
		zap.String("kind", string(ev.Kind)))
	return nil
}

// appendArgs builds the bind values for one event row, in the insert's
// column order. A fresh slice per call: rows from concurrent workers never
// share bind state.
func appendArgs(bucket int, ev *model.Event) []interface{} {
	return []interface{}{
		bucket, ev.UserID, ev.ReceivedAt, ev.ID, ev.DeliveryID, ev.OrgID,
		string(ev.Kind), ev.OccurredAt, ev.Source, ev.Fingerprint,
		ev.IsBot, ev.Suppressed, ev.CorrectsID, ev.Attributes,
	}
}

// UserWindow returns the user's events received at or after since, oldest
// first. Suppressed rows are included; the scoring engine decides what to
// skip.
func (r *EventLog) UserWindow(ctx context.Context, userID string, since time.Time) ([]*model.Event, error) {
	bucket := fingerprint.UserBucket(userID, r.buckets)

	iter := r.client.Query(r.client.Prepared.EventsByUser, bucket, userID, since).
		WithContext(ctx).Iter()

	var events []*model.Event
	for {
		ev := &model.Event{UserID: userID}
		var kind string
		if !iter.Scan(&ev.ID, &ev.DeliveryID, &ev.OrgID, &kind, &ev.OccurredAt,
			&ev.ReceivedAt, &ev.Source, &ev.Fingerprint, &ev.IsBot,
			&ev.Suppressed, &ev.CorrectsID, &ev.Attributes) {
			break
		}
		ev.Kind = model.EventKind(kind)
		events = append(events, ev)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to read event window for user %s: %w", userID, err)
	}

	return events, nil
}

// MarkSuppressed flips the suppression flags on an already-written row.
// Used when a deferred reputation verdict reclassifies an event as bot
// traffic after it was admitted.
func (r *EventLog) MarkSuppressed(ctx context.Context, userID string, receivedAt time.Time, eventID string) error {
	bucket := fingerprint.UserBucket(userID, r.buckets)

	query := r.client.Query(r.client.Prepared.MarkSuppressed,
		true, true, bucket, userID, receivedAt, eventID).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to mark event %s suppressed: %w", eventID, err)
	}
	return nil
}

// UsersByOrg lists the user ids seen for an org, for cohort aggregation.
func (r *EventLog) UsersByOrg(ctx context.Context, orgID string) ([]string, error) {
	iter := r.client.Query(r.client.Prepared.UsersByOrg, orgID).WithContext(ctx).Iter()

	var users []string
	var userID string
	for iter.Scan(&userID) {
		users = append(users, userID)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list users for org %s: %w", orgID, err)
	}

	return users, nil
}

// RegisterOrgUser records the org membership of a user on first sight.
// The insert is LWT-guarded so repeated registrations are cheap no-ops.
func (r *EventLog) RegisterOrgUser(ctx context.Context, orgID, userID string, seenAt time.Time) error {
	applied, err := r.client.Query(r.client.Prepared.RegisterOrgUser, orgID, userID, seenAt).
		WithContext(ctx).ScanCAS(nil, nil, nil)
	if err != nil && err != gocql.ErrNotFound {
		return fmt.Errorf("failed to register user %s for org %s: %w", userID, orgID, err)
	}
	if applied {
		util.Debug("Org membership registered",
			zap.String("org_id", orgID),
			zap.String("user_id", userID))
	}
	return nil
}
