package fingerprint

import (
	"testing"
	"time"

	"telemetry-service/internal/model"
)

func TestFingerprintDeterministic(t *testing.T) {
	h := NewHasher(5 * time.Minute)
	at := time.Date(2026, 3, 14, 10, 2, 30, 0, time.UTC)

	a := h.Fingerprint("org-1", "dlv-1", model.KindClicked, at)
	b := h.Fingerprint("org-1", "dlv-1", model.KindClicked, at)

	if a != b {
		t.Fatalf("same inputs produced different fingerprints: %s vs %s", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("expected 128-bit hex fingerprint, got %d chars", len(a))
	}
}

func TestFingerprintBucketCoarsening(t *testing.T) {
	h := NewHasher(5 * time.Minute)
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		a, b time.Time
		same bool
	}{
		{"same instant", base, base, true},
		{"within bucket", base.Add(time.Second), base.Add(4 * time.Minute), true},
		{"across buckets", base.Add(time.Minute), base.Add(6 * time.Minute), false},
		{"bucket boundary", base, base.Add(5 * time.Minute), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa := h.Fingerprint("org-1", "dlv-1", model.KindOpened, tt.a)
			fb := h.Fingerprint("org-1", "dlv-1", model.KindOpened, tt.b)
			if (fa == fb) != tt.same {
				t.Errorf("bucket behavior wrong: %v vs %v, same=%v want %v", tt.a, tt.b, fa == fb, tt.same)
			}
		})
	}
}

func TestFingerprintFieldSensitivity(t *testing.T) {
	h := NewHasher(5 * time.Minute)
	at := time.Date(2026, 3, 14, 10, 2, 0, 0, time.UTC)
	base := h.Fingerprint("org-1", "dlv-1", model.KindOpened, at)

	if h.Fingerprint("org-2", "dlv-1", model.KindOpened, at) == base {
		t.Error("different org should change fingerprint")
	}
	if h.Fingerprint("org-1", "dlv-2", model.KindOpened, at) == base {
		t.Error("different delivery should change fingerprint")
	}
	if h.Fingerprint("org-1", "dlv-1", model.KindClicked, at) == base {
		t.Error("different kind should change fingerprint")
	}
}

func TestFingerprintConcurrent(t *testing.T) {
	h := NewHasher(5 * time.Minute)
	at := time.Date(2026, 3, 14, 10, 2, 0, 0, time.UTC)
	want := h.Fingerprint("org-1", "dlv-1", model.KindOpened, at)

	done := make(chan string, 50)
	for i := 0; i < 50; i++ {
		go func() {
			done <- h.Fingerprint("org-1", "dlv-1", model.KindOpened, at)
		}()
	}
	for i := 0; i < 50; i++ {
		if got := <-done; got != want {
			t.Fatalf("concurrent fingerprint mismatch: %s want %s", got, want)
		}
	}
}

func TestUserBucket(t *testing.T) {
	if a, b := UserBucket("user-1", 64), UserBucket("user-1", 64); a != b {
		t.Fatalf("user bucket not stable: %d vs %d", a, b)
	}

	for _, id := range []string{"a", "user-42", "f7c9e1", ""} {
		got := UserBucket(id, 64)
		if got < 0 || got >= 64 {
			t.Errorf("UserBucket(%q) = %d, outside [0,64)", id, got)
		}
	}

	if got := UserBucket("user-1", 0); got != 0 {
		t.Errorf("zero buckets should collapse to bucket 0, got %d", got)
	}
}
