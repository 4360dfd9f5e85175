// Package policy holds the tunable pipeline policy: event weights, decay,
// dedup windows, trigger thresholds and bot patterns. The policy file is
// YAML and hot-reloads on change, so operators can tune thresholds without
// restarting ingestion.
package policy

import (
	"fmt"
	"time"

	"telemetry-service/internal/model"
)

// Policy is the root of the policy file.
type Policy struct {
	Scoring   ScoringPolicy   `yaml:"scoring"`
	Dedup     DedupPolicy     `yaml:"dedup"`
	Trigger   TriggerPolicy   `yaml:"trigger"`
	BotFilter BotFilterPolicy `yaml:"botfilter"`
}

// ScoringPolicy configures the decayed weighted-sum model. Positive weights
// raise risk (clicking), negative weights lower it (reporting, training).
type ScoringPolicy struct {
	Floor             float64                     `yaml:"floor"`
	HalfLife          time.Duration               `yaml:"half_life"`
	Window            time.Duration               `yaml:"window"`
	HighRiskThreshold float64                     `yaml:"high_risk_threshold"`
	Weights           map[model.EventKind]float64 `yaml:"weights"`
}

// DedupPolicy configures admission control. A window of zero means the
// fingerprint never expires (unbounded dedup for rare, high-signal kinds).
type DedupPolicy struct {
	Bucket  time.Duration                     `yaml:"bucket"`
	Windows map[model.EventKind]time.Duration `yaml:"windows"`
}

// TriggerPolicy configures the per-user state machine. Enter thresholds are
// intentionally above exit thresholds (hysteresis) so one good action cannot
// instantly erase an escalated state.
type TriggerPolicy struct {
	DebounceCycles int             `yaml:"debounce_cycles"`
	Watch          StateThresholds `yaml:"watch"`
	Escalated      StateThresholds `yaml:"escalated"`
	Critical       StateThresholds `yaml:"critical"`
}

// StateThresholds holds the asymmetric enter/exit bounds for one state.
type StateThresholds struct {
	Enter float64 `yaml:"enter"`
	Exit  float64 `yaml:"exit"`
}

// BotFilterPolicy configures synchronous bot classification.
type BotFilterPolicy struct {
	AgentPatterns []string `yaml:"agent_patterns"`
	ScannerCIDRs  []string `yaml:"scanner_cidrs"`
	// PrefetchWindow is how soon after delivery an open is considered a
	// likely mail-gateway prefetch rather than a human open.
	PrefetchWindow time.Duration `yaml:"prefetch_window"`
}

// Default returns the built-in policy used when no file is configured and
// as the base for partial files.
func Default() *Policy {
	return &Policy{
		Scoring: ScoringPolicy{
			Floor:             10,
			HalfLife:          30 * 24 * time.Hour,
			Window:            90 * 24 * time.Hour,
			HighRiskThreshold: 75,
			Weights: map[model.EventKind]float64{
				model.KindDelivered:         0,
				model.KindOpened:            5,
				model.KindClicked:           20,
				model.KindQRScanned:         20,
				model.KindFormSubmitted:     30,
				model.KindReported:          -15,
				model.KindTrainingCompleted: -10,
			},
		},
		Dedup: DedupPolicy{
			Bucket: 5 * time.Minute,
			Windows: map[model.EventKind]time.Duration{
				model.KindDelivered:         24 * time.Hour,
				model.KindOpened:            24 * time.Hour,
				model.KindClicked:           24 * time.Hour,
				model.KindQRScanned:         24 * time.Hour,
				model.KindFormSubmitted:     0,
				model.KindReported:          0,
				model.KindTrainingCompleted: 0,
			},
		},
		Trigger: TriggerPolicy{
			DebounceCycles: 3,
			Watch:          StateThresholds{Enter: 40, Exit: 30},
			Escalated:      StateThresholds{Enter: 65, Exit: 55},
			Critical:       StateThresholds{Enter: 85, Exit: 75},
		},
		BotFilter: BotFilterPolicy{
			AgentPatterns: []string{
				"bot", "crawler", "spider", "scraper", "scanner",
				"monitor", "probe", "preview", "validator",
				"curl", "wget", "python-requests", "go-http-client",
				"headlesschrome", "phantomjs",
			},
			ScannerCIDRs:   nil,
			PrefetchWindow: 10 * time.Second,
		},
	}
}

// Validate checks the policy for values that would break pipeline
// invariants.
func (p *Policy) Validate() error {
	if p.Scoring.Floor < 0 || p.Scoring.Floor > 100 {
		return fmt.Errorf("scoring.floor %v outside [0,100]", p.Scoring.Floor)
	}
	if p.Scoring.HalfLife <= 0 {
		return fmt.Errorf("scoring.half_life must be positive, got %v", p.Scoring.HalfLife)
	}
	if p.Scoring.Window <= 0 {
		return fmt.Errorf("scoring.window must be positive, got %v", p.Scoring.Window)
	}
	for kind := range p.Scoring.Weights {
		if !kind.Valid() {
			return fmt.Errorf("scoring.weights: unknown event kind %q", kind)
		}
	}
	if p.Dedup.Bucket <= 0 {
		return fmt.Errorf("dedup.bucket must be positive, got %v", p.Dedup.Bucket)
	}
	for kind, w := range p.Dedup.Windows {
		if !kind.Valid() {
			return fmt.Errorf("dedup.windows: unknown event kind %q", kind)
		}
		if w < 0 {
			return fmt.Errorf("dedup.windows[%s] must be >= 0, got %v", kind, w)
		}
	}
	if p.Trigger.DebounceCycles < 1 {
		return fmt.Errorf("trigger.debounce_cycles must be >= 1, got %d", p.Trigger.DebounceCycles)
	}
	for _, st := range []struct {
		name string
		t    StateThresholds
	}{
		{"watch", p.Trigger.Watch},
		{"escalated", p.Trigger.Escalated},
		{"critical", p.Trigger.Critical},
	} {
		if st.t.Exit >= st.t.Enter {
			return fmt.Errorf("trigger.%s: exit %v must be below enter %v (hysteresis)",
				st.name, st.t.Exit, st.t.Enter)
		}
	}
	if p.Trigger.Watch.Enter >= p.Trigger.Escalated.Enter ||
		p.Trigger.Escalated.Enter >= p.Trigger.Critical.Enter {
		return fmt.Errorf("trigger thresholds must be strictly increasing: watch %v, escalated %v, critical %v",
			p.Trigger.Watch.Enter, p.Trigger.Escalated.Enter, p.Trigger.Critical.Enter)
	}
	return nil
}

// Weight returns the scoring weight for kind, zero when unconfigured.
func (p *Policy) Weight(kind model.EventKind) float64 {
	return p.Scoring.Weights[kind]
}

// DedupWindow returns the admission TTL for kind. Zero means unbounded.
func (p *Policy) DedupWindow(kind model.EventKind) time.Duration {
	return p.Dedup.Windows[kind]
}
