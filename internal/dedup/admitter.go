// Package dedup implements admission control: exactly one event per
// logical occurrence enters the pipeline, decided by an atomic
// check-and-set on the occurrence fingerprint.
package dedup

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"telemetry-service/internal/fingerprint"
	"telemetry-service/internal/metrics"
	"telemetry-service/internal/model"
	"telemetry-service/internal/policy"
	redisrepo "telemetry-service/internal/repository/redis"
	"telemetry-service/internal/util"
)

// Decision is the admission verdict for one event.
type Decision int

const (
	// Admitted means this event is the first writer for its fingerprint.
	Admitted Decision = iota
	// Duplicate means another event already claimed the fingerprint.
	Duplicate
	// Deferred means the store was unreachable; the event is parked on the
	// pending queue and will be re-decided, never silently admitted.
	Deferred
)

// Store is the fingerprint claim store. Admit returns true when the caller
// is the first writer; errors wrapping ErrDedupStoreUnavailable indicate no
// verdict could be obtained.
type Store interface {
	Admit(ctx context.Context, orgID, fp string, ttl time.Duration) (bool, error)
}

// Admitter decides admission for normalized events. On store outage it
// fails closed: events queue up bounded and are retried, because a
// duplicate directive downstream is worse than a delayed one.
type Admitter struct {
	store    Store
	hasher   *fingerprint.Hasher
	policies func() *policy.Policy

	pending chan *model.Event
	retry   time.Duration
}

// NewAdmitter creates an Admitter with a bounded pending queue of depth
// pendingDepth, retried every retry interval while the store is down.
func NewAdmitter(store Store, hasher *fingerprint.Hasher, policies func() *policy.Policy, pendingDepth int, retry time.Duration) *Admitter {
	return &Admitter{
		store:    store,
		hasher:   hasher,
		policies: policies,
		pending:  make(chan *model.Event, pendingDepth),
		retry:    retry,
	}
}

// Admit computes the event's fingerprint and claims it. The fingerprint is
// written onto the event regardless of the verdict.
func (a *Admitter) Admit(ctx context.Context, ev *model.Event) (Decision, error) {
	ev.Fingerprint = a.hasher.Fingerprint(ev.OrgID, ev.DeliveryID, ev.Kind, ev.ScoreTime())

	window := a.policies().DedupWindow(ev.Kind)

	won, err := a.store.Admit(ctx, ev.OrgID, ev.Fingerprint, window)
	if err != nil {
		if errors.Is(err, redisrepo.ErrDedupStoreUnavailable) {
			a.park(ev)
			return Deferred, nil
		}
		return Deferred, err
	}

	if !won {
		metrics.DuplicatesSuppressed.WithLabelValues(string(ev.Kind)).Inc()
		util.Debug("Duplicate suppressed",
			zap.String("event_id", ev.ID),
			zap.String("fingerprint", ev.Fingerprint))
		return Duplicate, nil
	}

	metrics.EventsAdmitted.WithLabelValues(string(ev.Kind)).Inc()
	return Admitted, nil
}

// park queues an undecided event. When the queue is full the newest event
// is dropped and counted; backpressure belongs at the ingest edge, not
// here.
func (a *Admitter) park(ev *model.Event) {
	select {
	case a.pending <- ev:
		metrics.PendingQueued.Inc()
		util.Warn("Admission deferred, event parked",
			zap.String("event_id", ev.ID),
			zap.Int("pending", len(a.pending)))
	default:
		metrics.PendingDropped.Inc()
		util.Error("Pending queue full, event dropped",
			zap.String("event_id", ev.ID))
	}
}

// PendingDepth reports how many events are parked awaiting a verdict.
func (a *Admitter) PendingDepth() int {
	return len(a.pending)
}

// RunRetry re-decides parked events until ctx is done. Events that win
// admission on retry are handed to admitted; duplicates are dropped with
// the usual accounting.
func (a *Admitter) RunRetry(ctx context.Context, admitted func(context.Context, *model.Event)) {
	ticker := time.NewTicker(a.retry)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.drainPending(ctx, admitted)
		}
	}
}

func (a *Admitter) drainPending(ctx context.Context, admitted func(context.Context, *model.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.pending:
			decision, err := a.Admit(ctx, ev)
			if err != nil || decision == Deferred {
				// Store still down; the event went back on the queue.
				return
			}
			if decision == Admitted {
				admitted(ctx, ev)
			}
		default:
			return
		}
	}
}
