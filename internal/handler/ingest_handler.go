package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"telemetry-service/internal/botfilter"
	"telemetry-service/internal/model"
	"telemetry-service/internal/normalizer"
	"telemetry-service/internal/pipeline"
	"telemetry-service/internal/util"
)

// maxBodyBytes bounds inbound payloads; provider webhooks are small.
const maxBodyBytes = 64 << 10

// transparentGIF is the 1x1 tracking pixel body. Pixel requests always get
// a valid image back, whatever the pipeline decided.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21,
	0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
	0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
	0x01, 0x00, 0x3b,
}

// Ingestor is the pipeline's synchronous entry point.
type Ingestor interface {
	Ingest(ctx context.Context, raw *normalizer.RawPayload) (pipeline.Outcome, *model.Event, error)
	Stats() pipeline.Stats
}

// RateLimiter enforces the per-tenant ingest budget.
type RateLimiter interface {
	AllowIngest(ctx context.Context, orgID string, limit int, window time.Duration) (bool, int, error)
}

// IngestHandler terminates the inbound telemetry endpoints.
type IngestHandler struct {
	pipeline  Ingestor
	limiter   RateLimiter
	rateLimit int
	logger    *zap.Logger
}

func NewIngestHandler(p Ingestor, limiter RateLimiter, rateLimit int, logger *zap.Logger) *IngestHandler {
	return &IngestHandler{
		pipeline:  p,
		limiter:   limiter,
		rateLimit: rateLimit,
		logger:    logger,
	}
}

// RegisterRoutes mounts the API event endpoints. The tracking endpoints
// (pixel, QR) are mounted at the router root, outside the API prefix.
func (h *IngestHandler) RegisterRoutes(router chi.Router) {
	router.Route("/events", func(r chi.Router) {
		r.Use(h.rateLimitMiddleware)
		r.Post("/webhook", h.eventEndpoint(normalizer.SourceWebhook))
		r.Post("/landing", h.eventEndpoint(normalizer.SourceLandingPage))
		r.Post("/report", h.eventEndpoint(normalizer.SourceReport))
		r.Post("/slack", h.eventEndpoint(normalizer.SourceSlack))
	})

	router.Get("/pipeline/stats", h.PipelineStats)
}

// Pixel handles tracking-pixel hits. The response is always the image with
// no-store caching; errors are logged, never surfaced to the mail client.
func (h *IngestHandler) Pixel(w http.ResponseWriter, r *http.Request) {
	h.trackingHit(r, normalizer.SourceEmailPixel)

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	w.Write(transparentGIF)
}

// QRScan handles QR-code scan hits.
func (h *IngestHandler) QRScan(w http.ResponseWriter, r *http.Request) {
	h.trackingHit(r, normalizer.SourceQR)
	w.WriteHeader(http.StatusNoContent)
}

func (h *IngestHandler) trackingHit(r *http.Request, source string) {
	raw := &normalizer.RawPayload{
		Source:  source,
		Params:  queryParams(r),
		Headers: requestHeaders(r),
	}

	if _, _, err := h.pipeline.Ingest(r.Context(), raw); err != nil {
		h.logger.Warn("Tracking hit rejected",
			util.String("source", source),
			util.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
	}
}

// eventEndpoint builds the POST handler for one source. Producers are
// acked with 202 once admission decides; duplicates and deferred events
// are acked too, with the outcome in the body.
func (h *IngestHandler) eventEndpoint(source string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Failed to read request body")
			return
		}

		raw := &normalizer.RawPayload{
			Source:  source,
			Body:    body,
			Params:  queryParams(r),
			Headers: requestHeaders(r),
		}

		outcome, ev, err := h.pipeline.Ingest(r.Context(), raw)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, normalizer.ErrInvalidPayload) || errors.Is(err, normalizer.ErrUnknownSource) {
				status = http.StatusBadRequest
			}
			h.respondWithError(w, status, err, "Event rejected")
			return
		}

		resp := map[string]interface{}{
			"status":   "accepted",
			"event_id": ev.ID,
		}
		switch outcome {
		case pipeline.OutcomeDuplicate:
			resp["duplicate"] = true
		case pipeline.OutcomeDeferred:
			resp["deferred"] = true
		}

		h.respondWithJSON(w, http.StatusAccepted, resp)
	}
}

// PipelineStats serves the operational snapshot.
func (h *IngestHandler) PipelineStats(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, h.pipeline.Stats())
}

// rateLimitMiddleware enforces the per-tenant sliding window. The tenant
// comes from the org query param or header; requests without one are
// limited by client IP instead. A limiter outage admits the request.
func (h *IngestHandler) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil || h.rateLimit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := r.URL.Query().Get("org_id")
		if key == "" {
			key = r.Header.Get("X-Org-ID")
		}
		if key == "" {
			key = "ip:" + r.RemoteAddr
		}

		allowed, count, err := h.limiter.AllowIngest(r.Context(), key, h.rateLimit, time.Minute)
		if err != nil {
			h.logger.Warn("Rate limiter unavailable, admitting request", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			h.logger.Warn("Ingest rate limit exceeded",
				util.String("key", key),
				util.Int("count", count))
			h.respondWithError(w, http.StatusTooManyRequests,
				errors.New("rate limit exceeded"), "Slow down")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func queryParams(r *http.Request) map[string]string {
	params := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}

func requestHeaders(r *http.Request) map[string]string {
	return map[string]string{
		botfilter.AttrUserAgent: r.UserAgent(),
		botfilter.AttrRemoteIP:  clientIP(r),
		"referer":               r.Referer(),
	}
}

// clientIP strips the port off the socket address. RealIP middleware has
// already substituted forwarded addresses where trusted.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (h *IngestHandler) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *IngestHandler) respondWithError(w http.ResponseWriter, status int, err error, message string) {
	h.respondWithJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   err.Error(),
		"message": message,
	})
}
