package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"telemetry-service/internal/client"
	"telemetry-service/internal/model"
	"telemetry-service/internal/util"
)

const (
	riskScorePrefix    = "risk:"
	orgScoresPrefix    = "org_scores:"
	cohortPrefix       = "cohort:"
	cohortHistPrefix   = "cohort_hist:"
	triggerStatePrefix = "trigstate:"
	realtimePrefix     = "rt:"

	cohortHistoryKeep = 24
	realtimeTTL       = 24 * time.Hour
)

// ScoreCache holds the live risk scores, cohort rollups, trigger-machine
// snapshots and realtime dashboard counters. Everything here is derived
// state: the ScyllaDB event log is the source of truth and any key can be
// rebuilt by recompute.
type ScoreCache struct {
	client *client.RedisClient
}

func NewScoreCache(client *client.RedisClient) *ScoreCache {
	return &ScoreCache{client: client}
}

// SetRiskScore stores the recomputed score and mirrors it into the org's
// sorted set for cohort aggregation.
func (c *ScoreCache) SetRiskScore(ctx context.Context, score *model.RiskScore) error {
	payload, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("failed to marshal risk score: %w", err)
	}

	key := riskScorePrefix + score.OrgID + ":" + score.UserID
	if err := c.client.Set(ctx, key, payload, 0); err != nil {
		util.Error("Failed to cache risk score",
			zap.String("user_id", score.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to cache risk score: %w", err)
	}

	if err := c.client.ZAdd(ctx, orgScoresPrefix+score.OrgID, goredis.Z{
		Score:  score.Score,
		Member: score.UserID,
	}); err != nil {
		return fmt.Errorf("failed to update org score set: %w", err)
	}

	util.Debug("Risk score cached",
		zap.String("user_id", score.UserID),
		zap.Float64("score", score.Score))
	return nil
}

// GetRiskScore returns the cached score, or nil when the user has none yet.
func (c *ScoreCache) GetRiskScore(ctx context.Context, orgID, userID string) (*model.RiskScore, error) {
	key := riskScorePrefix + orgID + ":" + userID

	payload, err := c.client.Get(ctx, key)
	if err != nil {
		if err == client.ErrKeyNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get risk score: %w", err)
	}

	var score model.RiskScore
	if err := json.Unmarshal([]byte(payload), &score); err != nil {
		return nil, fmt.Errorf("failed to unmarshal risk score: %w", err)
	}
	return &score, nil
}

// OrgScores returns every (userID, score) pair the org currently has.
func (c *ScoreCache) OrgScores(ctx context.Context, orgID string) (map[string]float64, error) {
	members, err := c.client.ZRangeWithScores(ctx, orgScoresPrefix+orgID, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to read org scores: %w", err)
	}

	scores := make(map[string]float64, len(members))
	for _, m := range members {
		if userID, ok := m.Member.(string); ok {
			scores[userID] = m.Score
		}
	}
	return scores, nil
}

// HighRiskCount returns how many users in the org sit at or above threshold.
func (c *ScoreCache) HighRiskCount(ctx context.Context, orgID string, threshold float64) (int, error) {
	count, err := c.client.ZCount(ctx, orgScoresPrefix+orgID,
		strconv.FormatFloat(threshold, 'f', -1, 64), "+inf")
	if err != nil {
		return 0, fmt.Errorf("failed to count high-risk users: %w", err)
	}
	return int(count), nil
}

// SetCohortScore caches the rollup and appends the average to the trend
// history list.
func (c *ScoreCache) SetCohortScore(ctx context.Context, cohort *model.CohortScore, ttl time.Duration) error {
	payload, err := json.Marshal(cohort)
	if err != nil {
		return fmt.Errorf("failed to marshal cohort score: %w", err)
	}

	key := cohortPrefix + cohort.OrgID + ":" + cohort.CohortID
	if err := c.client.Set(ctx, key, payload, ttl); err != nil {
		return fmt.Errorf("failed to cache cohort score: %w", err)
	}

	histKey := cohortHistPrefix + cohort.OrgID + ":" + cohort.CohortID
	avg := strconv.FormatFloat(cohort.AverageScore, 'f', 2, 64)
	if err := c.client.LPushTrim(ctx, histKey, cohortHistoryKeep, avg); err != nil {
		return fmt.Errorf("failed to append cohort history: %w", err)
	}
	return nil
}

// GetCohortScore returns the cached rollup, or nil on a miss.
func (c *ScoreCache) GetCohortScore(ctx context.Context, orgID, cohortID string) (*model.CohortScore, error) {
	key := cohortPrefix + orgID + ":" + cohortID

	payload, err := c.client.Get(ctx, key)
	if err != nil {
		if err == client.ErrKeyNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cohort score: %w", err)
	}

	var cohort model.CohortScore
	if err := json.Unmarshal([]byte(payload), &cohort); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cohort score: %w", err)
	}
	return &cohort, nil
}

// CohortHistory returns recent average scores, most recent first.
func (c *ScoreCache) CohortHistory(ctx context.Context, orgID, cohortID string) ([]float64, error) {
	histKey := cohortHistPrefix + orgID + ":" + cohortID

	raw, err := c.client.LRange(ctx, histKey, 0, cohortHistoryKeep-1)
	if err != nil {
		return nil, fmt.Errorf("failed to read cohort history: %w", err)
	}

	history := make([]float64, 0, len(raw))
	for _, s := range raw {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		history = append(history, v)
	}
	return history, nil
}

// SetTriggerSnapshot persists the per-user trigger machine state.
func (c *ScoreCache) SetTriggerSnapshot(ctx context.Context, orgID, userID string, snap *model.TriggerSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger snapshot: %w", err)
	}

	key := triggerStatePrefix + orgID + ":" + userID
	if err := c.client.Set(ctx, key, payload, 0); err != nil {
		util.Error("Failed to persist trigger snapshot",
			zap.String("user_id", userID),
			zap.Error(err))
		return fmt.Errorf("failed to persist trigger snapshot: %w", err)
	}
	return nil
}

// GetTriggerSnapshot returns the persisted machine state, or nil when the
// user has never been evaluated.
func (c *ScoreCache) GetTriggerSnapshot(ctx context.Context, orgID, userID string) (*model.TriggerSnapshot, error) {
	key := triggerStatePrefix + orgID + ":" + userID

	payload, err := c.client.Get(ctx, key)
	if err != nil {
		if err == client.ErrKeyNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get trigger snapshot: %w", err)
	}

	var snap model.TriggerSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger snapshot: %w", err)
	}
	return &snap, nil
}

// IncrementRealtime bumps today's per-kind counter for the org dashboard.
// Counters expire after 24 hours; they are convenience aggregates only.
func (c *ScoreCache) IncrementRealtime(ctx context.Context, orgID string, kind model.EventKind, day time.Time) error {
	key := realtimePrefix + orgID + ":" + day.UTC().Format("20060102")

	if err := c.client.HIncrByWithExpire(ctx, key, string(kind), 1, realtimeTTL); err != nil {
		return fmt.Errorf("failed to increment realtime counter: %w", err)
	}
	return nil
}

// RealtimeCounters returns today's per-kind counts for the org.
func (c *ScoreCache) RealtimeCounters(ctx context.Context, orgID string, day time.Time) (map[string]int64, error) {
	key := realtimePrefix + orgID + ":" + day.UTC().Format("20060102")

	raw, err := c.client.HGetAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read realtime counters: %w", err)
	}

	counters := make(map[string]int64, len(raw))
	for kind, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		counters[kind] = n
	}
	return counters, nil
}
