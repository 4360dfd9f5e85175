package scoring

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"telemetry-service/internal/model"
	"telemetry-service/internal/util"
)

// DefaultCohort is the implicit whole-org cohort.
const DefaultCohort = "org"

// trendEpsilon is how far the latest average must move from the recent
// baseline before the cohort is called improving or declining.
const trendEpsilon = 1.0

// Cohort returns the org rollup, serving a cached copy when one is fresh.
// Rollups are eventually consistent; individual scores remain the source
// of truth.
func (e *Engine) Cohort(ctx context.Context, orgID string, ttl time.Duration) (*model.CohortScore, error) {
	cached, err := e.cache.GetCohortScore(ctx, orgID, DefaultCohort)
	if err == nil && cached != nil {
		return cached, nil
	}

	v, err, _ := e.group.Do("cohort:"+orgID, func() (interface{}, error) {
		return e.computeCohort(ctx, orgID, ttl)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.CohortScore), nil
}

// RefreshCohort recomputes the rollup unconditionally, for the periodic
// refresh loop.
func (e *Engine) RefreshCohort(ctx context.Context, orgID string, ttl time.Duration) (*model.CohortScore, error) {
	v, err, _ := e.group.Do("cohort:"+orgID, func() (interface{}, error) {
		return e.computeCohort(ctx, orgID, ttl)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.CohortScore), nil
}

func (e *Engine) computeCohort(ctx context.Context, orgID string, ttl time.Duration) (*model.CohortScore, error) {
	pol := e.policies()

	scores, err := e.cache.OrgScores(ctx, orgID)
	if err != nil {
		return nil, err
	}

	cohort := &model.CohortScore{
		CohortID:   DefaultCohort,
		OrgID:      orgID,
		TotalUsers: len(scores),
		Trend:      "stable",
		ComputedAt: e.now().UTC(),
	}

	if len(scores) > 0 {
		var sum float64
		for _, s := range scores {
			sum += s
		}
		cohort.AverageScore = sum / float64(len(scores))

		highRisk, err := e.cache.HighRiskCount(ctx, orgID, pol.Scoring.HighRiskThreshold)
		if err != nil {
			return nil, err
		}
		cohort.HighRiskUsers = highRisk
	}

	history, err := e.cache.CohortHistory(ctx, orgID, DefaultCohort)
	if err != nil {
		util.Warn("Failed to read cohort history, trend unavailable",
			zap.String("org_id", orgID),
			zap.Error(err))
	} else {
		cohort.Trend = classifyTrend(cohort.AverageScore, history)
	}

	if err := e.cache.SetCohortScore(ctx, cohort, ttl); err != nil {
		return nil, err
	}

	util.Debug("Cohort recomputed",
		zap.String("org_id", orgID),
		zap.Float64("average", cohort.AverageScore),
		zap.Int("high_risk", cohort.HighRiskUsers),
		zap.Int("users", cohort.TotalUsers))

	return cohort, nil
}

// classifyTrend compares the current average against the mean of recent
// history. Lower risk is improvement.
func classifyTrend(current float64, history []float64) string {
	if len(history) == 0 {
		return "stable"
	}

	var sum float64
	for _, v := range history {
		sum += v
	}
	baseline := sum / float64(len(history))

	switch {
	case math.Abs(current-baseline) <= trendEpsilon:
		return "stable"
	case current < baseline:
		return "improving"
	default:
		return "declining"
	}
}
