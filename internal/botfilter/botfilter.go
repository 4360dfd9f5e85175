// Package botfilter classifies admitted events as human or automated.
// Cheap synchronous checks (user-agent patterns, prefetch timing, scanner
// ranges) run inline; the reputation lookup is bounded and fails open, with
// a deferred recheck that issues corrections when a verdict arrives late.
package botfilter

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"telemetry-service/internal/metrics"
	"telemetry-service/internal/model"
	"telemetry-service/internal/policy"
	"telemetry-service/internal/util"
)

// Verdict is the classification outcome for one event.
type Verdict int

const (
	// Human means no automation signal fired; the event is scorable.
	Human Verdict = iota
	// Bot means a definite automation signal fired; the event is
	// suppressed before scoring.
	Bot
	// Unverified means the reputation lookup did not answer in time. The
	// event is admitted as human and rechecked in the background.
	Unverified
)

// Suppression reasons, used as metric labels and audit fields.
const (
	ReasonUserAgent  = "user_agent"
	ReasonPrefetch   = "prefetch"
	ReasonScannerIP  = "scanner_ip"
	ReasonReputation = "reputation"
)

// Attribute keys the normalizer populates from request metadata.
const (
	AttrUserAgent = "user_agent"
	AttrRemoteIP  = "remote_ip"
)

// ReputationProvider answers whether an IP belongs to known scanning
// infrastructure. Implementations are expected to be slow and unreliable;
// the filter bounds every call.
type ReputationProvider interface {
	Lookup(ctx context.Context, ip string) (isScanner bool, err error)
}

// ReputationCache stores verdicts so repeated hits from one gateway only
// pay the lookup once.
type ReputationCache interface {
	CacheReputation(ctx context.Context, ip string, isScanner bool, ttl time.Duration) error
	GetReputation(ctx context.Context, ip string) (isScanner, found bool, err error)
}

// DeliveryIndex answers when a delivery landed, for the prefetch heuristic.
type DeliveryIndex interface {
	DeliveredAt(ctx context.Context, orgID, deliveryID string) (time.Time, bool, error)
}

// Result carries the verdict plus the signal that produced it.
type Result struct {
	Verdict Verdict
	Reason  string
}

// Filter is the synchronous classifier.
type Filter struct {
	policies   func() *policy.Policy
	provider   ReputationProvider
	cache      ReputationCache
	deliveries DeliveryIndex

	lookupTimeout time.Duration
	repTTL        time.Duration

	recheck chan *model.Event

	mu        sync.Mutex
	cidrsFor  *policy.Policy
	cidrs     []*net.IPNet
}

// NewFilter creates a Filter. provider may be nil, in which case reputation
// checks are skipped entirely.
func NewFilter(policies func() *policy.Policy, provider ReputationProvider, cache ReputationCache, deliveries DeliveryIndex, lookupTimeout time.Duration) *Filter {
	return &Filter{
		policies:      policies,
		provider:      provider,
		cache:         cache,
		deliveries:    deliveries,
		lookupTimeout: lookupTimeout,
		repTTL:        6 * time.Hour,
		recheck:       make(chan *model.Event, 1024),
	}
}

// Classify runs the bot checks in cost order and returns the first definite
// signal. A definite Bot verdict marks the event suppressed in place.
func (f *Filter) Classify(ctx context.Context, ev *model.Event) Result {
	pol := f.policies()

	ua := ev.Attributes[AttrUserAgent]
	if ua != "" && f.matchesAgentPattern(pol, ua) {
		return f.suppress(ev, ReasonUserAgent)
	}

	if ev.Kind == model.KindOpened || ev.Kind == model.KindClicked {
		if f.isPrefetch(ctx, pol, ev) {
			return f.suppress(ev, ReasonPrefetch)
		}
	}

	ip := ev.Attributes[AttrRemoteIP]
	if ip != "" {
		if f.inScannerRange(pol, ip) {
			return f.suppress(ev, ReasonScannerIP)
		}

		if verdict, decided := f.checkReputation(ctx, ev, ip); decided {
			return verdict
		}
		if f.provider != nil {
			// No verdict in time: admit now, verify later.
			f.enqueueRecheck(ev)
			return Result{Verdict: Unverified}
		}
	}

	return Result{Verdict: Human}
}

func (f *Filter) suppress(ev *model.Event, reason string) Result {
	ev.IsBot = true
	ev.Suppressed = true
	metrics.BotsSuppressed.WithLabelValues(reason).Inc()
	util.Debug("Bot traffic suppressed",
		zap.String("event_id", ev.ID),
		zap.String("reason", reason))
	return Result{Verdict: Bot, Reason: reason}
}

func (f *Filter) matchesAgentPattern(pol *policy.Policy, ua string) bool {
	lower := strings.ToLower(ua)
	for _, pattern := range pol.BotFilter.AgentPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// isPrefetch flags opens and clicks that arrive implausibly fast after the
// delivery landed. Mail gateways fetch pixels and rewrite links within
// seconds; humans do not.
func (f *Filter) isPrefetch(ctx context.Context, pol *policy.Policy, ev *model.Event) bool {
	if f.deliveries == nil || pol.BotFilter.PrefetchWindow <= 0 {
		return false
	}

	deliveredAt, found, err := f.deliveries.DeliveredAt(ctx, ev.OrgID, ev.DeliveryID)
	if err != nil || !found {
		return false
	}

	return ev.ScoreTime().Sub(deliveredAt) < pol.BotFilter.PrefetchWindow
}

func (f *Filter) inScannerRange(pol *policy.Policy, ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}

	for _, cidr := range f.compiledCIDRs(pol) {
		if cidr.Contains(parsed) {
			return true
		}
	}
	return false
}

// compiledCIDRs caches the parsed scanner ranges per policy generation so
// hot reloads pick up new ranges without reparsing per event.
func (f *Filter) compiledCIDRs(pol *policy.Policy) []*net.IPNet {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cidrsFor == pol {
		return f.cidrs
	}

	cidrs := make([]*net.IPNet, 0, len(pol.BotFilter.ScannerCIDRs))
	for _, raw := range pol.BotFilter.ScannerCIDRs {
		_, ipNet, err := net.ParseCIDR(raw)
		if err != nil {
			util.Warn("Ignoring invalid scanner CIDR", zap.String("cidr", raw))
			continue
		}
		cidrs = append(cidrs, ipNet)
	}

	f.cidrsFor = pol
	f.cidrs = cidrs
	return cidrs
}

// checkReputation consults the cache, then the provider under the bounded
// timeout. decided is false when no verdict could be obtained.
func (f *Filter) checkReputation(ctx context.Context, ev *model.Event, ip string) (Result, bool) {
	if f.cache != nil {
		isScanner, found, err := f.cache.GetReputation(ctx, ip)
		if err == nil && found {
			if isScanner {
				return f.suppress(ev, ReasonReputation), true
			}
			return Result{Verdict: Human}, true
		}
	}

	if f.provider == nil {
		return Result{Verdict: Human}, true
	}

	lookupCtx, cancel := context.WithTimeout(ctx, f.lookupTimeout)
	defer cancel()

	isScanner, err := f.provider.Lookup(lookupCtx, ip)
	if err != nil {
		return Result{}, false
	}

	if f.cache != nil {
		if cacheErr := f.cache.CacheReputation(ctx, ip, isScanner, f.repTTL); cacheErr != nil {
			util.Warn("Failed to cache reputation verdict", zap.Error(cacheErr))
		}
	}

	if isScanner {
		return f.suppress(ev, ReasonReputation), true
	}
	return Result{Verdict: Human}, true
}

func (f *Filter) enqueueRecheck(ev *model.Event) {
	select {
	case f.recheck <- ev:
	default:
		util.Warn("Reputation recheck queue full, skipping deferred verification",
			zap.String("event_id", ev.ID))
	}
}

// RunRechecks re-verifies events admitted without a reputation verdict.
// When a deferred lookup identifies a scanner, correct is called with the
// original event so the pipeline can emit the correction.
func (f *Filter) RunRechecks(ctx context.Context, correct func(context.Context, *model.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-f.recheck:
			f.recheckOne(ctx, ev, correct)
		}
	}
}

func (f *Filter) recheckOne(ctx context.Context, ev *model.Event, correct func(context.Context, *model.Event)) {
	ip := ev.Attributes[AttrRemoteIP]
	if ip == "" || f.provider == nil {
		return
	}

	// Deferred checks get a generous timeout; latency no longer matters.
	lookupCtx, cancel := context.WithTimeout(ctx, 10*f.lookupTimeout)
	defer cancel()

	isScanner, err := f.provider.Lookup(lookupCtx, ip)
	if err != nil {
		util.Warn("Deferred reputation lookup failed",
			zap.String("event_id", ev.ID),
			zap.String("ip", ip),
			zap.Error(err))
		return
	}

	if f.cache != nil {
		if cacheErr := f.cache.CacheReputation(ctx, ip, isScanner, f.repTTL); cacheErr != nil {
			util.Warn("Failed to cache reputation verdict", zap.Error(cacheErr))
		}
	}

	if isScanner {
		metrics.BotsSuppressed.WithLabelValues(ReasonReputation).Inc()
		correct(ctx, ev)
	}
}
