package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"telemetry-service/internal/model"
	"telemetry-service/internal/normalizer"
	"telemetry-service/internal/pipeline"
)

type fakeIngestor struct {
	mu      sync.Mutex
	outcome pipeline.Outcome
	err     error
	last    *normalizer.RawPayload
}

func (f *fakeIngestor) Ingest(ctx context.Context, raw *normalizer.RawPayload) (pipeline.Outcome, *model.Event, error) {
	f.mu.Lock()
	f.last = raw
	f.mu.Unlock()
	if f.err != nil {
		return f.outcome, nil, f.err
	}
	return f.outcome, &model.Event{ID: "ev-1", Kind: model.KindClicked}, nil
}

func (f *fakeIngestor) Stats() pipeline.Stats {
	return pipeline.Stats{QueueLen: 3, QueueCap: 64, PendingDepth: 1}
}

func (f *fakeIngestor) lastPayload() *normalizer.RawPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (l *fakeLimiter) AllowIngest(ctx context.Context, orgID string, limit int, window time.Duration) (bool, int, error) {
	l.keys = append(l.keys, orgID)
	return l.allow, limit, l.err
}

func newTestRouter(ing *fakeIngestor, limiter RateLimiter) *chi.Mux {
	h := NewIngestHandler(ing, limiter, 100, zap.NewNop())
	r := chi.NewRouter()
	r.Get("/t/p.gif", h.Pixel)
	r.Get("/t/qr", h.QRScan)
	r.Route("/api/v1", func(api chi.Router) {
		h.RegisterRoutes(api)
	})
	return r
}

func TestPixelAlwaysServesImage(t *testing.T) {
	tests := []struct {
		name string
		ing  *fakeIngestor
	}{
		{"admitted", &fakeIngestor{outcome: pipeline.OutcomeAdmitted}},
		{"duplicate", &fakeIngestor{outcome: pipeline.OutcomeDuplicate}},
		{"pipeline error", &fakeIngestor{err: normalizer.ErrInvalidPayload}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(tt.ing, nil)
			req := httptest.NewRequest(http.MethodGet, "/t/p.gif?d=dlv-1&u=u1&o=org-1", nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "image/gif" {
				t.Errorf("content type = %s, want image/gif", ct)
			}
			if !bytes.Equal(rec.Body.Bytes(), transparentGIF) {
				t.Error("body is not the tracking pixel")
			}
			if cc := rec.Header().Get("Cache-Control"); cc == "" {
				t.Error("pixel must disable caching")
			}
		})
	}
}

func TestPixelForwardsRequestMetadata(t *testing.T) {
	ing := &fakeIngestor{outcome: pipeline.OutcomeAdmitted}
	router := newTestRouter(ing, nil)

	req := httptest.NewRequest(http.MethodGet, "/t/p.gif?d=dlv-1&u=u1&o=org-1", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.RemoteAddr = "203.0.113.9:51234"
	router.ServeHTTP(httptest.NewRecorder(), req)

	raw := ing.lastPayload()
	if raw == nil {
		t.Fatal("pixel hit never reached the pipeline")
	}
	if raw.Source != normalizer.SourceEmailPixel {
		t.Errorf("source = %s, want email_pixel", raw.Source)
	}
	if raw.Params["d"] != "dlv-1" {
		t.Errorf("params = %v, missing delivery id", raw.Params)
	}
	if raw.Headers["user_agent"] != "Mozilla/5.0" {
		t.Errorf("headers = %v, missing user agent", raw.Headers)
	}
	if raw.Headers["remote_ip"] != "203.0.113.9" {
		t.Errorf("remote_ip = %s, want port stripped", raw.Headers["remote_ip"])
	}
}

func TestQRScanReturnsNoContent(t *testing.T) {
	router := newTestRouter(&fakeIngestor{outcome: pipeline.OutcomeAdmitted}, nil)
	req := httptest.NewRequest(http.MethodGet, "/t/qr?d=dlv-1&u=u1&o=org-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

func TestWebhookAccepted(t *testing.T) {
	tests := []struct {
		name     string
		outcome  pipeline.Outcome
		wantFlag string
	}{
		{"admitted", pipeline.OutcomeAdmitted, ""},
		{"duplicate", pipeline.OutcomeDuplicate, "duplicate"},
		{"deferred", pipeline.OutcomeDeferred, "deferred"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&fakeIngestor{outcome: tt.outcome}, nil)
			body := `{"delivery_id":"dlv-1","user_id":"u1","org_id":"org-1","kind":"clicked"}`
			req := httptest.NewRequest(http.MethodPost, "/api/v1/events/webhook", bytes.NewBufferString(body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != http.StatusAccepted {
				t.Fatalf("status = %d, want 202", rec.Code)
			}

			var resp map[string]interface{}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("bad response body: %v", err)
			}
			if resp["status"] != "accepted" || resp["event_id"] != "ev-1" {
				t.Errorf("response = %v", resp)
			}
			if tt.wantFlag != "" && resp[tt.wantFlag] != true {
				t.Errorf("response missing %s flag: %v", tt.wantFlag, resp)
			}
		})
	}
}

func TestWebhookRejectsInvalidPayload(t *testing.T) {
	router := newTestRouter(&fakeIngestor{err: normalizer.ErrInvalidPayload}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events/webhook", bytes.NewBufferString("{}"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRateLimitDenies(t *testing.T) {
	limiter := &fakeLimiter{allow: false}
	router := newTestRouter(&fakeIngestor{outcome: pipeline.OutcomeAdmitted}, limiter)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events/webhook?org_id=org-1", bytes.NewBufferString("{}"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if len(limiter.keys) != 1 || limiter.keys[0] != "org-1" {
		t.Errorf("limiter keys = %v, want [org-1]", limiter.keys)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	limiter := &fakeLimiter{allow: false, err: context.DeadlineExceeded}
	router := newTestRouter(&fakeIngestor{outcome: pipeline.OutcomeAdmitted}, limiter)

	body := `{"delivery_id":"dlv-1","user_id":"u1","org_id":"org-1","kind":"clicked"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events/webhook", bytes.NewBufferString(body))
	req.Header.Set("X-Org-ID", "org-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202 when the limiter is down", rec.Code)
	}
}

func TestPipelineStats(t *testing.T) {
	router := newTestRouter(&fakeIngestor{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/pipeline/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats pipeline.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("bad stats body: %v", err)
	}
	if stats.QueueLen != 3 || stats.QueueCap != 64 || stats.PendingDepth != 1 {
		t.Errorf("stats = %+v", stats)
	}
}
