// Package pipeline wires the processing stages together: normalize, admit,
// classify, persist, then fan out to scoring, triggers and publication.
// Producers are acked as soon as admission decides; everything after the
// event log write happens on the worker pool.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"telemetry-service/internal/botfilter"
	"telemetry-service/internal/config"
	"telemetry-service/internal/dedup"
	"telemetry-service/internal/directory"
	"telemetry-service/internal/metrics"
	"telemetry-service/internal/model"
	"telemetry-service/internal/normalizer"
	"telemetry-service/internal/policy"
	redisrepo "telemetry-service/internal/repository/redis"
	"telemetry-service/internal/repository/scylla"
	"telemetry-service/internal/scoring"
	"telemetry-service/internal/trigger"
	"telemetry-service/internal/util"
)

// Outcome is the admission result reported back to the producer.
type Outcome int

const (
	// OutcomeAdmitted means the event entered the pipeline.
	OutcomeAdmitted Outcome = iota
	// OutcomeDuplicate means an earlier event already claimed the
	// occurrence; the producer is still acked.
	OutcomeDuplicate
	// OutcomeDeferred means the admission store was unreachable and the
	// event is parked for retry.
	OutcomeDeferred
)

// coachableKinds are the behaviors that earn an immediate coaching moment,
// independent of the trigger state machine.
var coachableKinds = map[model.EventKind]bool{
	model.KindClicked:       true,
	model.KindQRScanned:     true,
	model.KindFormSubmitted: true,
}

// sweepConcurrency bounds how many users a periodic sweep re-evaluates at
// once.
const sweepConcurrency = 16

// Publisher is the fan-out stage the pipeline hands completed work to.
type Publisher interface {
	PublishEvent(ctx context.Context, ev *model.Event) error
	PublishDirective(ctx context.Context, d *model.Directive) error
	EnqueueSink(ev *model.Event)
	Audit(ctx context.Context, ev *model.Event, reason string)
	RunSink(ctx context.Context)
}

// Pipeline owns the stage instances and the worker pool between them.
type Pipeline struct {
	normalizer *normalizer.Normalizer
	admitter   *dedup.Admitter
	filter     *botfilter.Filter
	engine     *scoring.Engine
	machine    *trigger.Machine
	publisher  Publisher

	eventLog   *scylla.EventLog
	scoreCache *redisrepo.ScoreCache
	dedupStore *redisrepo.DedupStore
	directory  *directory.Client

	policies func() *policy.Policy
	cfg      config.PipelineConfig

	pool *workerPool[*model.Event]

	// orgs tracks tenants seen since startup, for the periodic sweeps.
	orgs sync.Map

	cancel context.CancelFunc
	done   sync.WaitGroup
}

// Deps collects the pipeline's collaborators.
type Deps struct {
	Normalizer *normalizer.Normalizer
	Admitter   *dedup.Admitter
	Filter     *botfilter.Filter
	Engine     *scoring.Engine
	Machine    *trigger.Machine
	Publisher  Publisher
	EventLog   *scylla.EventLog
	ScoreCache *redisrepo.ScoreCache
	DedupStore *redisrepo.DedupStore
	Directory  *directory.Client
	Policies   func() *policy.Policy
}

func New(deps Deps, cfg config.PipelineConfig) *Pipeline {
	return &Pipeline{
		normalizer: deps.Normalizer,
		admitter:   deps.Admitter,
		filter:     deps.Filter,
		engine:     deps.Engine,
		machine:    deps.Machine,
		publisher:  deps.Publisher,
		eventLog:   deps.EventLog,
		scoreCache: deps.ScoreCache,
		dedupStore: deps.DedupStore,
		directory:  deps.Directory,
		policies:   deps.Policies,
		cfg:        cfg,
	}
}

// Start launches the worker pool and the background loops. Call Stop to
// shut down.
func (p *Pipeline) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.pool = newWorkerPool(ctx, p.cfg.Workers, p.cfg.QueueDepth, p.process)

	p.spawn(func() { p.publisher.RunSink(ctx) })
	p.spawn(func() { p.admitter.RunRetry(ctx, p.continueAdmitted) })
	p.spawn(func() { p.filter.RunRechecks(ctx, p.emitCorrection) })
	p.spawn(func() { p.runSweep(ctx) })
	p.spawn(func() { p.runCohortRefresh(ctx) })
	p.spawn(func() { p.runQueueGauge(ctx) })

	util.Info("Pipeline started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_depth", p.cfg.QueueDepth))
}

// Stop drains the worker pool and stops the background loops.
func (p *Pipeline) Stop() {
	if p.pool != nil {
		p.pool.Drain()
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.done.Wait()
	util.Info("Pipeline stopped")
}

func (p *Pipeline) spawn(fn func()) {
	p.done.Add(1)
	go func() {
		defer p.done.Done()
		fn()
	}()
}

// Ingest runs the synchronous half of the pipeline: normalize, admit,
// classify, persist. It returns once the producer can be acked; scoring
// and publication continue on the worker pool.
func (p *Pipeline) Ingest(ctx context.Context, raw *normalizer.RawPayload) (Outcome, *model.Event, error) {
	timer := time.Now()
	defer func() {
		metrics.ProcessingDuration.Observe(time.Since(timer).Seconds())
	}()

	metrics.EventsReceived.WithLabelValues(raw.Source).Inc()

	ev, err := p.normalizer.Normalize(raw)
	if err != nil {
		metrics.InvalidPayloads.WithLabelValues(raw.Source).Inc()
		return 0, nil, err
	}

	decision, err := p.admitter.Admit(ctx, ev)
	if err != nil {
		return 0, nil, fmt.Errorf("admission failed: %w", err)
	}

	switch decision {
	case dedup.Duplicate:
		return OutcomeDuplicate, ev, nil
	case dedup.Deferred:
		return OutcomeDeferred, ev, nil
	}

	if err := p.persistAdmitted(ctx, ev); err != nil {
		return 0, nil, err
	}

	if !p.pool.Submit(ev) {
		// Queue saturated: finish inline rather than drop an event that
		// already claimed its fingerprint.
		p.process(ctx, ev)
	}

	return OutcomeAdmitted, ev, nil
}

// continueAdmitted resumes events that won admission on pending-queue
// retry.
func (p *Pipeline) continueAdmitted(ctx context.Context, ev *model.Event) {
	if err := p.persistAdmitted(ctx, ev); err != nil {
		util.Error("Failed to persist retried event",
			zap.String("event_id", ev.ID),
			zap.Error(err))
		return
	}
	if !p.pool.Submit(ev) {
		p.process(ctx, ev)
	}
}

// persistAdmitted classifies the event and writes it to the log. A log
// write failure releases the fingerprint claim so a producer retry can win
// again.
func (p *Pipeline) persistAdmitted(ctx context.Context, ev *model.Event) error {
	result := p.filter.Classify(ctx, ev)
	if result.Verdict == botfilter.Bot {
		if ev.Attributes == nil {
			ev.Attributes = make(map[string]string, 1)
		}
		ev.Attributes["suppress_reason"] = result.Reason
	}

	p.orgs.Store(ev.OrgID, struct{}{})

	if err := p.eventLog.Append(ctx, ev); err != nil {
		if relErr := p.dedupStore.Release(ctx, ev.OrgID, ev.Fingerprint); relErr != nil {
			util.Error("Failed to release fingerprint after append failure",
				zap.String("event_id", ev.ID),
				zap.Error(relErr))
		}
		return fmt.Errorf("failed to persist event: %w", err)
	}

	if err := p.eventLog.RegisterOrgUser(ctx, ev.OrgID, ev.UserID, ev.ReceivedAt); err != nil {
		util.Warn("Failed to register org membership",
			zap.String("user_id", ev.UserID),
			zap.Error(err))
	}

	return nil
}

// process is the asynchronous half: publication, counters, scoring and
// trigger evaluation for one admitted event.
func (p *Pipeline) process(ctx context.Context, ev *model.Event) {
	if ev.Kind == model.KindDelivered {
		if err := p.dedupStore.RecordDelivery(ctx, ev.OrgID, ev.DeliveryID, ev.ScoreTime()); err != nil {
			util.Warn("Failed to record delivery time",
				zap.String("delivery_id", ev.DeliveryID),
				zap.Error(err))
		}
	}

	if err := p.publisher.PublishEvent(ctx, ev); err != nil {
		util.Error("Failed to publish event",
			zap.String("event_id", ev.ID),
			zap.Error(err))
	}
	p.publisher.EnqueueSink(ev)

	if ev.Suppressed {
		p.publisher.Audit(ctx, ev, ev.Attributes["suppress_reason"])
		return
	}

	if err := p.scoreCache.IncrementRealtime(ctx, ev.OrgID, ev.Kind, ev.ReceivedAt); err != nil {
		util.Warn("Failed to bump realtime counter",
			zap.String("org_id", ev.OrgID),
			zap.Error(err))
	}

	p.evaluateUser(ctx, ev.OrgID, ev.UserID, ev.ID)

	if coachableKinds[ev.Kind] {
		p.emitCoachDirective(ctx, ev)
	}
}

// evaluateUser recomputes the score and runs the trigger machine, emitting
// whatever directives the cycle produced.
func (p *Pipeline) evaluateUser(ctx context.Context, orgID, userID, triggerEventID string) {
	score, err := p.engine.Recompute(ctx, orgID, userID)
	if err != nil {
		util.Error("Score recompute failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}

	directives, err := p.machine.Evaluate(ctx, orgID, userID, score.Score, triggerEventID)
	if err != nil {
		util.Error("Trigger evaluation failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}

	for _, d := range directives {
		if d.Type == model.DirectiveNotifyManager {
			p.enrichDirective(ctx, d)
		}
		if err := p.publisher.PublishDirective(ctx, d); err != nil {
			util.Error("Failed to publish directive",
				zap.String("type", string(d.Type)),
				zap.String("user_id", d.UserID),
				zap.Error(err))
		}
	}
}

// enrichDirective attaches department and manager from the directory.
// Failure leaves the directive unenriched; notification consumers fall
// back to their own lookup.
func (p *Pipeline) enrichDirective(ctx context.Context, d *model.Directive) {
	if p.directory == nil {
		return
	}
	info, err := p.directory.Lookup(ctx, d.OrgID, d.UserID)
	if err != nil {
		util.Warn("Directory enrichment failed",
			zap.String("user_id", d.UserID),
			zap.Error(err))
		return
	}
	d.Department = info.Department
	d.ManagerID = info.ManagerID
}

// emitCoachDirective issues the just-in-time coaching instruction for a
// risky action. Keyed by the triggering event, so redelivery of the same
// admission cannot double-coach.
func (p *Pipeline) emitCoachDirective(ctx context.Context, ev *model.Event) {
	d := &model.Directive{
		Type:           model.DirectiveCoachUser,
		UserID:         ev.UserID,
		OrgID:          ev.OrgID,
		TriggerEventID: ev.ID,
		IdempotencyKey: trigger.IdempotencyKey(string(model.DirectiveCoachUser), ev.OrgID, ev.UserID, ev.ID),
		EmittedAt:      time.Now().UTC(),
	}

	metrics.DirectivesEmitted.WithLabelValues(string(model.DirectiveCoachUser)).Inc()

	if err := p.publisher.PublishDirective(ctx, d); err != nil {
		util.Error("Failed to publish coach directive",
			zap.String("user_id", ev.UserID),
			zap.Error(err))
	}
}

// emitCorrection handles a deferred bot verdict: the original row is
// flagged in the log, a correction event is appended and published, and
// the user's score is rebuilt without the corrected row.
func (p *Pipeline) emitCorrection(ctx context.Context, original *model.Event) {
	if err := p.eventLog.MarkSuppressed(ctx, original.UserID, original.ReceivedAt, original.ID); err != nil {
		util.Error("Failed to flag corrected event",
			zap.String("event_id", original.ID),
			zap.Error(err))
		return
	}

	correction := &model.Event{
		ID:         uuid.NewString(),
		DeliveryID: original.DeliveryID,
		UserID:     original.UserID,
		OrgID:      original.OrgID,
		Kind:       original.Kind,
		OccurredAt: original.OccurredAt,
		ReceivedAt: time.Now().UTC(),
		Source:     original.Source,
		IsBot:      true,
		Suppressed: true,
		CorrectsID: original.ID,
	}

	if err := p.eventLog.Append(ctx, correction); err != nil {
		util.Error("Failed to append correction event",
			zap.String("corrects_id", original.ID),
			zap.Error(err))
		return
	}

	metrics.CorrectionsEmitted.Inc()

	if err := p.publisher.PublishEvent(ctx, correction); err != nil {
		util.Error("Failed to publish correction",
			zap.String("event_id", correction.ID),
			zap.Error(err))
	}
	p.publisher.Audit(ctx, correction, botfilter.ReasonReputation)

	p.evaluateUser(ctx, original.OrgID, original.UserID, correction.ID)

	util.Info("Correction emitted",
		zap.String("corrects_id", original.ID),
		zap.String("user_id", original.UserID))
}

// runSweep periodically re-evaluates every known user so decay alone can
// move scores and trigger states even when a user goes quiet.
func (p *Pipeline) runSweep(ctx context.Context) {
	if p.cfg.SweepInterval <= 0 {
		return
	}

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepOnce(ctx)
		}
	}
}

func (p *Pipeline) sweepOnce(ctx context.Context) {
	start := time.Now()
	var swept int

	p.orgs.Range(func(key, _ interface{}) bool {
		orgID := key.(string)

		users, err := p.eventLog.UsersByOrg(ctx, orgID)
		if err != nil {
			util.Error("Sweep failed to list org users",
				zap.String("org_id", orgID),
				zap.Error(err))
			return true
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(sweepConcurrency)
		for _, userID := range users {
			userID := userID
			g.Go(func() error {
				p.evaluateUser(gctx, orgID, userID, "")
				return nil
			})
		}
		_ = g.Wait()
		swept += len(users)
		return ctx.Err() == nil
	})

	util.Info("Periodic sweep completed",
		zap.Int("users", swept),
		zap.Duration("took", time.Since(start)))
}

// runCohortRefresh keeps org rollups warm on the configured cadence.
func (p *Pipeline) runCohortRefresh(ctx context.Context) {
	if p.cfg.CohortRefresh <= 0 {
		return
	}

	ticker := time.NewTicker(p.cfg.CohortRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.orgs.Range(func(key, _ interface{}) bool {
				orgID := key.(string)
				if _, err := p.engine.RefreshCohort(ctx, orgID, 2*p.cfg.CohortRefresh); err != nil {
					util.Warn("Cohort refresh failed",
						zap.String("org_id", orgID),
						zap.Error(err))
				}
				return ctx.Err() == nil
			})
		}
	}
}

func (p *Pipeline) runQueueGauge(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.pool != nil && p.pool.QueueCap() > 0 {
				metrics.QueueUtilization.Set(float64(p.pool.QueueLen()) / float64(p.pool.QueueCap()))
			}
		}
	}
}

// Stats is the operational snapshot served by the stats endpoint.
type Stats struct {
	QueueLen     int `json:"queue_len"`
	QueueCap     int `json:"queue_cap"`
	PendingDepth int `json:"pending_depth"`
}

func (p *Pipeline) Stats() Stats {
	s := Stats{PendingDepth: p.admitter.PendingDepth()}
	if p.pool != nil {
		s.QueueLen = p.pool.QueueLen()
		s.QueueCap = p.pool.QueueCap()
	}
	return s
}
