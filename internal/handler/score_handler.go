package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"telemetry-service/internal/model"
	"telemetry-service/internal/util"
)

// ScoreReader serves score queries. Reads come from the derived cache;
// Recompute forces a rebuild from the event log.
type ScoreReader interface {
	Score(ctx context.Context, orgID, userID string) (*model.RiskScore, error)
	Recompute(ctx context.Context, orgID, userID string) (*model.RiskScore, error)
	Cohort(ctx context.Context, orgID string, ttl time.Duration) (*model.CohortScore, error)
}

// RealtimeReader serves the per-org dashboard counters.
type RealtimeReader interface {
	RealtimeCounters(ctx context.Context, orgID string, day time.Time) (map[string]int64, error)
}

// ScoreHandler exposes the risk-score query API.
type ScoreHandler struct {
	scores    ScoreReader
	realtime  RealtimeReader
	cohortTTL time.Duration
	logger    *zap.Logger
}

func NewScoreHandler(scores ScoreReader, realtime RealtimeReader, cohortTTL time.Duration, logger *zap.Logger) *ScoreHandler {
	return &ScoreHandler{
		scores:    scores,
		realtime:  realtime,
		cohortTTL: cohortTTL,
		logger:    logger,
	}
}

func (h *ScoreHandler) RegisterRoutes(router chi.Router) {
	router.Route("/orgs/{orgID}", func(r chi.Router) {
		r.Get("/users/{userID}/score", h.GetScore)
		r.Post("/users/{userID}/score/recompute", h.RecomputeScore)
		r.Get("/cohort", h.GetCohort)
		r.Get("/realtime", h.GetRealtime)
	})
}

// GetScore returns the user's current risk score.
func (h *ScoreHandler) GetScore(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	userID := chi.URLParam(r, "userID")

	score, err := h.scores.Score(r.Context(), orgID, userID)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to load score")
		return
	}

	h.respondWithJSON(w, http.StatusOK, score)
}

// RecomputeScore forces a rebuild from the event log, for operators
// verifying a correction landed.
func (h *ScoreHandler) RecomputeScore(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	userID := chi.URLParam(r, "userID")
	start := time.Now()

	score, err := h.scores.Recompute(r.Context(), orgID, userID)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to recompute score")
		return
	}

	h.logger.Info("Score recomputed via HTTP",
		util.String("org_id", orgID),
		util.String("user_id", userID),
		util.Float64("score", score.Score),
		util.Duration("duration", time.Since(start)))

	h.respondWithJSON(w, http.StatusOK, score)
}

// GetCohort returns the org rollup.
func (h *ScoreHandler) GetCohort(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	cohort, err := h.scores.Cohort(r.Context(), orgID, h.cohortTTL)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to load cohort")
		return
	}

	h.respondWithJSON(w, http.StatusOK, cohort)
}

// GetRealtime returns today's per-kind event counts for the org.
func (h *ScoreHandler) GetRealtime(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	counters, err := h.realtime.RealtimeCounters(r.Context(), orgID, time.Now())
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to load realtime counters")
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"org_id":   orgID,
		"counters": counters,
	})
}

func (h *ScoreHandler) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *ScoreHandler) respondWithError(w http.ResponseWriter, status int, err error, message string) {
	h.respondWithJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   err.Error(),
		"message": message,
	})
}
