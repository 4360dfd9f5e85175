// Package scoring computes the per-user risk score as an exponentially
// decayed weighted sum over the event window. Scores are always recomputed
// from the event log, never mutated incrementally: replaying the same
// window yields the same score bit for bit.
package scoring

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"telemetry-service/internal/metrics"
	"telemetry-service/internal/model"
	"telemetry-service/internal/policy"
	"telemetry-service/internal/util"
)

// EventSource reads a user's event window, oldest first.
type EventSource interface {
	UserWindow(ctx context.Context, userID string, since time.Time) ([]*model.Event, error)
}

// Cache holds the derived scores.
type Cache interface {
	GetRiskScore(ctx context.Context, orgID, userID string) (*model.RiskScore, error)
	SetRiskScore(ctx context.Context, score *model.RiskScore) error
	OrgScores(ctx context.Context, orgID string) (map[string]float64, error)
	HighRiskCount(ctx context.Context, orgID string, threshold float64) (int, error)
	GetCohortScore(ctx context.Context, orgID, cohortID string) (*model.CohortScore, error)
	SetCohortScore(ctx context.Context, cohort *model.CohortScore, ttl time.Duration) error
	CohortHistory(ctx context.Context, orgID, cohortID string) ([]float64, error)
}

// Engine recomputes risk scores.
type Engine struct {
	source   EventSource
	cache    Cache
	policies func() *policy.Policy
	now      func() time.Time

	group singleflight.Group
}

func NewEngine(source EventSource, cache Cache, policies func() *policy.Policy) *Engine {
	return &Engine{
		source:   source,
		cache:    cache,
		policies: policies,
		now:      time.Now,
	}
}

// NewEngineWithClock is NewEngine with an injected clock.
func NewEngineWithClock(source EventSource, cache Cache, policies func() *policy.Policy, now func() time.Time) *Engine {
	e := NewEngine(source, cache, policies)
	e.now = now
	return e
}

// Recompute rebuilds the user's score from the event window and caches the
// result. Concurrent recomputes of the same user coalesce into one read of
// the log.
func (e *Engine) Recompute(ctx context.Context, orgID, userID string) (*model.RiskScore, error) {
	v, err, _ := e.group.Do(orgID+":"+userID, func() (interface{}, error) {
		return e.recompute(ctx, orgID, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.RiskScore), nil
}

func (e *Engine) recompute(ctx context.Context, orgID, userID string) (*model.RiskScore, error) {
	pol := e.policies()
	now := e.now().UTC()
	since := now.Add(-pol.Scoring.Window)

	events, err := e.source.UserWindow(ctx, userID, since)
	if err != nil {
		return nil, err
	}

	score, counted, skipped := Compute(pol, events, now)

	previous, err := e.cache.GetRiskScore(ctx, orgID, userID)
	if err != nil {
		util.Warn("Failed to read previous score, trend unavailable",
			zap.String("user_id", userID),
			zap.Error(err))
	}

	result := &model.RiskScore{
		UserID:        userID,
		OrgID:         orgID,
		Score:         score,
		LastUpdatedAt: now,
		EventCount:    counted,
		SkippedCount:  skipped,
	}
	if previous != nil {
		result.Trend = score - previous.Score
	}

	if err := e.cache.SetRiskScore(ctx, result); err != nil {
		return nil, err
	}

	if skipped > 0 {
		metrics.ScoringSkippedRows.Add(float64(skipped))
	}

	util.Debug("Risk score recomputed",
		zap.String("user_id", userID),
		zap.Float64("score", score),
		zap.Int("events", counted),
		zap.Int("skipped", skipped))

	return result, nil
}

// Score returns the cached score, recomputing on a miss.
func (e *Engine) Score(ctx context.Context, orgID, userID string) (*model.RiskScore, error) {
	cached, err := e.cache.GetRiskScore(ctx, orgID, userID)
	if err == nil && cached != nil {
		return cached, nil
	}
	return e.Recompute(ctx, orgID, userID)
}

// Compute is the pure scoring function: floor plus the decayed weighted
// contributions of every scorable event, clamped to [0,100].
//
// An event contributes weight * 0.5^(age/halfLife). Suppressed rows,
// correction markers, rows a correction points at, unknown kinds and rows
// with no usable timestamp are skipped, counted, and never abort the
// computation.
func Compute(pol *policy.Policy, events []*model.Event, now time.Time) (score float64, counted, skipped int) {
	corrected := make(map[string]struct{})
	for _, ev := range events {
		if ev.CorrectsID != "" {
			corrected[ev.CorrectsID] = struct{}{}
		}
	}

	halfLife := pol.Scoring.HalfLife.Seconds()
	sum := pol.Scoring.Floor

	for _, ev := range events {
		if ev.Suppressed || ev.IsBot || ev.CorrectsID != "" {
			continue
		}
		if _, isCorrected := corrected[ev.ID]; isCorrected {
			continue
		}
		if !ev.Kind.Valid() {
			skipped++
			continue
		}
		at := ev.ScoreTime()
		if at.IsZero() {
			skipped++
			continue
		}

		age := now.Sub(at).Seconds()
		if age < 0 {
			// Clock skew: a future timestamp decays nothing.
			age = 0
		}

		sum += pol.Weight(ev.Kind) * math.Pow(0.5, age/halfLife)
		counted++
	}

	if sum < 0 {
		sum = 0
	}
	if sum > 100 {
		sum = 100
	}
	return sum, counted, skipped
}
