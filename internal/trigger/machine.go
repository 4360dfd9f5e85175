// Package trigger drives the per-user adaptive state machine. Transitions
// use asymmetric enter/exit thresholds and a debounce count so scores
// oscillating around a boundary cannot flap campaign intensity, and every
// transition emits idempotent directives for the orchestration consumers.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"telemetry-service/internal/metrics"
	"telemetry-service/internal/model"
	"telemetry-service/internal/policy"
	"telemetry-service/internal/util"
)

// State is the campaign-intensity state for one user.
type State int

const (
	StateNominal State = iota
	StateWatch
	StateEscalated
	StateCritical
)

var stateNames = map[State]string{
	StateNominal:   "nominal",
	StateWatch:     "watch",
	StateEscalated: "escalated",
	StateCritical:  "critical",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState resolves a persisted state name; unknown names fall back to
// nominal so corrupt snapshots degrade safely.
func ParseState(name string) State {
	for s, n := range stateNames {
		if n == name {
			return s
		}
	}
	return StateNominal
}

// SnapshotStore persists per-user machine state across restarts.
type SnapshotStore interface {
	GetTriggerSnapshot(ctx context.Context, orgID, userID string) (*model.TriggerSnapshot, error)
	SetTriggerSnapshot(ctx context.Context, orgID, userID string, snap *model.TriggerSnapshot) error
}

// Machine evaluates scores against the trigger policy.
type Machine struct {
	store    SnapshotStore
	policies func() *policy.Policy
	now      func() time.Time
}

func NewMachine(store SnapshotStore, policies func() *policy.Policy) *Machine {
	return &Machine{
		store:    store,
		policies: policies,
		now:      time.Now,
	}
}

// NewMachineWithClock is NewMachine with an injected clock.
func NewMachineWithClock(store SnapshotStore, policies func() *policy.Policy, now func() time.Time) *Machine {
	m := NewMachine(store, policies)
	m.now = now
	return m
}

// Evaluate runs one evaluation cycle for the user and returns the
// directives the cycle produced, possibly none. The updated machine state
// is persisted before directives are returned.
func (m *Machine) Evaluate(ctx context.Context, orgID, userID string, score float64, triggerEventID string) ([]*model.Directive, error) {
	pol := m.policies()

	snap, err := m.store.GetTriggerSnapshot(ctx, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load trigger state: %w", err)
	}
	if snap == nil {
		snap = &model.TriggerSnapshot{State: StateNominal.String()}
	}

	current := ParseState(snap.State)
	target := targetState(pol, current, score)

	var directives []*model.Directive

	if target == current {
		snap.PendingState = ""
		snap.Cycles = 0
	} else {
		if snap.PendingState == target.String() {
			snap.Cycles++
		} else {
			snap.PendingState = target.String()
			snap.Cycles = 1
		}

		if snap.Cycles >= pol.Trigger.DebounceCycles {
			directives = m.transition(snap, orgID, userID, current, target, score, triggerEventID)
		}
	}

	snap.UpdatedAt = m.now().UTC()
	if err := m.store.SetTriggerSnapshot(ctx, orgID, userID, snap); err != nil {
		return nil, fmt.Errorf("failed to persist trigger state: %w", err)
	}

	return directives, nil
}

// transition commits the debounced state change and emits its directives.
func (m *Machine) transition(snap *model.TriggerSnapshot, orgID, userID string, from, to State, score float64, triggerEventID string) []*model.Directive {
	snap.State = to.String()
	snap.PendingState = ""
	snap.Cycles = 0

	// Leaving critical re-arms the one-time manager notification.
	if from == StateCritical && to != StateCritical {
		snap.Notified = false
	}

	dirType := model.DirectiveEscalateCampaign
	if to < from {
		dirType = model.DirectiveDeescalateCampaign
	}

	directives := []*model.Directive{
		m.directive(dirType, orgID, userID, from, to, score, triggerEventID),
	}

	if to == StateCritical && !snap.Notified {
		snap.Notified = true
		directives = append(directives,
			m.directive(model.DirectiveNotifyManager, orgID, userID, from, to, score, triggerEventID))
	}

	util.Info("Trigger state transition",
		zap.String("org_id", orgID),
		zap.String("user_id", userID),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Float64("score", score))

	for _, d := range directives {
		metrics.DirectivesEmitted.WithLabelValues(string(d.Type)).Inc()
	}

	return directives
}

func (m *Machine) directive(dirType model.DirectiveType, orgID, userID string, from, to State, score float64, triggerEventID string) *model.Directive {
	return &model.Directive{
		Type:           dirType,
		UserID:         userID,
		OrgID:          orgID,
		FromState:      from.String(),
		ToState:        to.String(),
		Score:          score,
		TriggerEventID: triggerEventID,
		IdempotencyKey: IdempotencyKey(string(dirType), orgID, userID, from.String(), to.String(), triggerEventID),
		EmittedAt:      m.now().UTC(),
	}
}

// IdempotencyKey derives a stable key for one logical directive, so
// at-least-once delivery cannot double-execute it downstream.
func IdempotencyKey(parts ...string) string {
	joined := ""
	for i, p := range parts {
		if i > 0 {
			joined += ":"
		}
		joined += p
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(joined)).String()
}

// targetState applies the threshold ladder with hysteresis: promotion
// requires crossing a state's enter threshold, demotion requires falling
// below the occupied state's exit threshold.
func targetState(pol *policy.Policy, current State, score float64) State {
	up := ladder(pol, score)
	if up > current {
		return up
	}

	target := current
	for target > StateNominal && score < exitThreshold(pol, target) {
		target--
	}
	if up > target {
		target = up
	}
	return target
}

// ladder returns the highest state whose enter threshold the score meets.
func ladder(pol *policy.Policy, score float64) State {
	switch {
	case score >= pol.Trigger.Critical.Enter:
		return StateCritical
	case score >= pol.Trigger.Escalated.Enter:
		return StateEscalated
	case score >= pol.Trigger.Watch.Enter:
		return StateWatch
	default:
		return StateNominal
	}
}

func exitThreshold(pol *policy.Policy, s State) float64 {
	switch s {
	case StateCritical:
		return pol.Trigger.Critical.Exit
	case StateEscalated:
		return pol.Trigger.Escalated.Exit
	case StateWatch:
		return pol.Trigger.Watch.Exit
	default:
		return 0
	}
}
