package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"telemetry-service/internal/model"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("built-in defaults must validate: %v", err)
	}
}

func TestValidateRejectsBadPolicies(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"negative floor", func(p *Policy) { p.Scoring.Floor = -1 }},
		{"floor above range", func(p *Policy) { p.Scoring.Floor = 150 }},
		{"zero half life", func(p *Policy) { p.Scoring.HalfLife = 0 }},
		{"zero window", func(p *Policy) { p.Scoring.Window = 0 }},
		{"unknown weight kind", func(p *Policy) { p.Scoring.Weights["teleported"] = 5 }},
		{"zero dedup bucket", func(p *Policy) { p.Dedup.Bucket = 0 }},
		{"negative dedup window", func(p *Policy) { p.Dedup.Windows[model.KindOpened] = -time.Hour }},
		{"zero debounce", func(p *Policy) { p.Trigger.DebounceCycles = 0 }},
		{"exit above enter", func(p *Policy) { p.Trigger.Watch.Exit = 45 }},
		{"non increasing ladder", func(p *Policy) { p.Trigger.Escalated.Enter = 30; p.Trigger.Escalated.Exit = 20 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Default()
			tt.mutate(p)
			if err := p.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestDedupWindowUnboundedKinds(t *testing.T) {
	p := Default()

	if w := p.DedupWindow(model.KindReported); w != 0 {
		t.Errorf("reported should dedup unbounded, got %v", w)
	}
	if w := p.DedupWindow(model.KindOpened); w != 24*time.Hour {
		t.Errorf("opened window = %v, want 24h", w)
	}
}

func TestWeightSigns(t *testing.T) {
	p := Default()

	if p.Weight(model.KindClicked) <= 0 {
		t.Error("clicking must raise risk")
	}
	if p.Weight(model.KindReported) >= 0 {
		t.Error("reporting must lower risk")
	}
	if p.Weight(model.KindDelivered) != 0 {
		t.Error("delivery alone is not a behavior signal")
	}
	if p.Weight("unknown") != 0 {
		t.Error("unconfigured kinds weigh zero")
	}
}

func TestLoaderMissingFileUsesDefaults(t *testing.T) {
	l, err := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing policy file must not fail: %v", err)
	}
	if l.Current().Scoring.Floor != Default().Scoring.Floor {
		t.Error("expected built-in defaults")
	}
}

func TestLoaderPartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := "scoring:\n  floor: 25\ntrigger:\n  debounce_cycles: 5\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	l, err := NewLoader(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	p := l.Current()
	if p.Scoring.Floor != 25 {
		t.Errorf("floor = %v, want 25", p.Scoring.Floor)
	}
	if p.Trigger.DebounceCycles != 5 {
		t.Errorf("debounce = %d, want 5", p.Trigger.DebounceCycles)
	}
	// Untouched sections keep defaults.
	if p.Trigger.Critical.Enter != 85 {
		t.Errorf("critical enter = %v, want default 85", p.Trigger.Critical.Enter)
	}
}

func TestLoaderRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	// Exit above enter breaks hysteresis.
	content := "trigger:\n  watch:\n    enter: 40\n    exit: 50\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewLoader(path); err == nil {
		t.Fatal("expected invalid policy to fail loading")
	}
}

func TestLoaderReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("scoring:\n  floor: 20\n"), 0644); err != nil {
		t.Fatal(err)
	}

	l, err := NewLoader(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(":::not yaml"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Reload(); err == nil {
		t.Fatal("expected reload of broken file to fail")
	}
	if l.Current().Scoring.Floor != 20 {
		t.Error("previous policy must survive a failed reload")
	}
}
