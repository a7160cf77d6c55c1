// Package coordinator implements the Request Coordinator (C8): the
// top-level state machine that drives one request through detection,
// planning, anonymization, dispatch, and aggregation, publishing a
// ProgressEvent at every stage transition (spec.md §4.8).
package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"ai-privacy-router/internal/aggregator"
	"ai-privacy-router/internal/clock"
	"ai-privacy-router/internal/detect"
	"ai-privacy-router/internal/dispatch"
	"ai-privacy-router/internal/logger"
	"ai-privacy-router/internal/metrics"
	"ai-privacy-router/internal/model"
	"ai-privacy-router/internal/planner"
	"ai-privacy-router/internal/progressbus"
	"ai-privacy-router/internal/providerrouter"
	"ai-privacy-router/internal/statestore"
	"ai-privacy-router/internal/telemetry"
)

// Policy carries every per-request knob the Coordinator threads down into
// the Planner, Router, and Scheduler (spec.md §6's configuration table).
type Policy struct {
	MaxFragments             int
	MinProvidersForSensitive int
	ChunkSizeCap             int
	MaxInFlight              int
	FragmentTimeout          time.Duration
	TotalDeadline            time.Duration
	Retries                  int
	RetryAlternateProvider   bool
	RouterWeights            providerrouter.Weights
	StateTTL                 time.Duration
}

// DefaultPolicy matches spec.md §6's configuration defaults.
var DefaultPolicy = Policy{
	MaxFragments:             5,
	MinProvidersForSensitive: 2,
	ChunkSizeCap:             400,
	MaxInFlight:              8,
	FragmentTimeout:          8 * time.Second,
	TotalDeadline:            30 * time.Second,
	Retries:                  2,
	RetryAlternateProvider:   true,
	RouterWeights:            providerrouter.DefaultWeights,
	StateTTL:                 time.Hour,
}

// entry is the Coordinator's private handle on one in-flight or sealed
// request: the exclusively-owned RequestRecord plus the cancel func for its
// top-level deadline context.
type entry struct {
	mu     sync.Mutex
	record *model.RequestRecord
	cancel context.CancelFunc
}

// Coordinator drives requests through the pipeline (spec.md §4.8). One
// Coordinator instance is shared process-wide; each Submit call starts an
// independent goroutine for that request.
type Coordinator struct {
	detect    *detect.Engine
	registry  *providerrouter.Registry
	scheduler *dispatch.Scheduler
	bus       *progressbus.Bus
	store     statestore.StateStore
	clock     clock.Clock
	log       *logger.Logger
	tracer    *telemetry.Provider

	mu      sync.Mutex
	entries map[string]*entry
}

// New returns a Coordinator wired to its collaborators. store may be nil,
// meaning RequestRecords are kept in memory only (spec.md §7:
// StateStoreUnavailable is a soft failure the Coordinator already
// tolerates by design). tracer may be nil, in which case stage spans are
// skipped entirely rather than created and discarded.
func New(
	detectEngine *detect.Engine,
	registry *providerrouter.Registry,
	scheduler *dispatch.Scheduler,
	bus *progressbus.Bus,
	store statestore.StateStore,
	clk clock.Clock,
	log *logger.Logger,
	tracer *telemetry.Provider,
) *Coordinator {
	return &Coordinator{
		detect:    detectEngine,
		registry:  registry,
		scheduler: scheduler,
		bus:       bus,
		store:     store,
		clock:     clk,
		log:       log,
		tracer:    tracer,
		entries:   make(map[string]*entry),
	}
}

// startSpan opens a span named for the pipeline stage it brackets, scoped
// to the same tracer cmd/router initializes for provider HTTP calls
// (internal/providerclient), so a request's detection/planning/dispatch/
// aggregation stages nest under the same trace as the provider spans its
// dispatch attempts produce. Returns ctx unchanged and a no-op end func
// when no tracer was wired (e.g. in tests), so callers never nil-check.
func (c *Coordinator) startSpan(ctx context.Context, name string) (context.Context, func()) {
	if c.tracer == nil {
		return ctx, func() {}
	}
	spanCtx, span := c.tracer.StartSpan(ctx, name)
	return spanCtx, func() { span.End() }
}

// Submit accepts a query, allocates a RequestId, and starts the pipeline
// asynchronously, returning immediately (spec.md §6's Submit surface).
func (c *Coordinator) Submit(ctx context.Context, query string, policy Policy) string {
	id := uuid.NewString()
	runCtx, cancel := context.WithTimeout(detachDeadline(ctx), policy.TotalDeadline)

	rec := &model.RequestRecord{
		RequestID:   id,
		Query:       query,
		SubmittedAt: c.clock.Now(),
	}
	e := &entry{record: rec, cancel: cancel}
	c.mu.Lock()
	c.entries[id] = e
	c.mu.Unlock()

	metrics.RequestsTotal.Inc()
	go c.run(runCtx, e, policy)
	return id
}

// detachDeadline strips any deadline already on ctx while preserving
// cancellation propagation, so policy.TotalDeadline is the sole source of
// the request's own deadline (an external caller's shorter deadline still
// cancels early through ctx.Done(), just not through ctx.Err()'s reason).
func detachDeadline(ctx context.Context) context.Context {
	return contextWithoutDeadline{ctx}
}

type contextWithoutDeadline struct{ context.Context }

func (contextWithoutDeadline) Deadline() (time.Time, bool) { return time.Time{}, false }

// Cancel aborts an in-flight request. The pipeline transitions to
// FAILED(CANCELED) the next time it checks ctx (spec.md §8 property 9: "<
// 100ms"). A no-op for unknown or already-sealed requests.
func (c *Coordinator) Cancel(requestID string) {
	c.mu.Lock()
	e, ok := c.entries[requestID]
	c.mu.Unlock()
	if !ok {
		return
	}
	e.cancel()
}

// Fetch returns the sealed AggregatedResponse for requestID (spec.md §6's
// Fetch surface). ok=false means the request is unknown; a known request
// that is still processing returns ok=true with nil agg and terminal.
func (c *Coordinator) Fetch(requestID string) (agg *model.AggregatedResponse, terminal *model.TerminalOutcome, ok bool) {
	c.mu.Lock()
	e, found := c.entries[requestID]
	c.mu.Unlock()
	if !found {
		return nil, nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record.Terminal == nil {
		return nil, nil, true // known, still processing
	}
	return e.record.Aggregated, e.record.Terminal, true
}

// Subscribe returns a live ProgressEvent stream for requestID (spec.md §6's
// Stream surface), delegating to the Progress Bus.
func (c *Coordinator) Subscribe(requestID string) *progressbus.Subscription {
	return c.bus.Subscribe(requestID)
}

func (c *Coordinator) run(ctx context.Context, e *entry, policy Policy) {
	defer e.cancel()
	rec := e.record
	start := c.clock.Now()

	ctx, endSpan := c.startSpan(ctx, "pipeline.request")
	defer endSpan()

	c.emit(rec.RequestID, model.StageReceived, model.EventStarted, 0, "request received", nil)
	c.emit(rec.RequestID, model.StageReceived, model.EventCompleted, 2, "", nil)

	if c.canceled(ctx, e, model.StageReceived) {
		return
	}

	report := c.runDetection(ctx, e, rec.Query)
	if c.canceled(ctx, e, model.StageDetection) {
		return
	}

	plan := c.runPlanning(ctx, e, rec.Query, report, policy)
	if plan == nil {
		return // PlanUnfeasible already sealed the request FAILED
	}
	rec.Plan = plan
	if c.canceled(ctx, e, model.StagePlanning) {
		return
	}

	c.runAnonymization(ctx, rec.RequestID, plan)
	if c.canceled(ctx, e, model.StageAnonymization) {
		return
	}

	results := c.runDispatch(ctx, e, plan, policy)
	if results == nil {
		return // NoProviderAvailable already sealed the request FAILED
	}
	rec.Results = results
	if c.canceled(ctx, e, model.StageDispatch) {
		return
	}

	agg := c.runAggregation(ctx, e, plan, results, policy)
	if agg == nil {
		return // AggregationEmpty already sealed the request FAILED
	}

	e.mu.Lock()
	rec.Aggregated = agg
	rec.Terminal = &model.TerminalOutcome{OK: true}
	e.mu.Unlock()

	c.persist(rec, policy.StateTTL)
	metrics.RecordTerminal(true)
	metrics.RecordAggregation(agg.PrivacyScore, agg.QualityScore)
	metrics.RecordStageLatency("total", c.clock.Now().Sub(start))

	c.emit(rec.RequestID, model.StageComplete, model.EventCompleted, 100, "request complete", agg)
}

// canceled checks ctx and, if it is done, seals the request FAILED(CANCELED)
// and returns true. Every stage boundary calls this so cancellation is
// observed promptly rather than only between major stages.
func (c *Coordinator) canceled(ctx context.Context, e *entry, stage model.Stage) bool {
	if ctx.Err() == nil {
		return false
	}
	c.fail(e, stage, model.ErrCanceled, "request canceled")
	return true
}

func (c *Coordinator) runDetection(ctx context.Context, e *entry, query string) *model.DetectionReport {
	ctx, endSpan := c.startSpan(ctx, "pipeline.detection")
	defer endSpan()

	c.emit(e.record.RequestID, model.StageDetection, model.EventStarted, 5, "", nil)
	started := c.clock.Now()
	report, err := c.detect.Analyze(ctx, query)
	metrics.RecordStageLatency("detection", c.clock.Now().Sub(started))
	if err != nil {
		// DetectionUnavailable is soft: proceed with the (possibly empty)
		// report rather than fail the request (spec.md §4.1, §7).
		c.log.Warnf("detection", "degraded for request %s: %v", e.record.RequestID, err)
		c.emit(e.record.RequestID, model.StageDetection, model.EventCompleted, 20, "degraded: "+err.Error(), nil)
		return report
	}
	c.emit(e.record.RequestID, model.StageDetection, model.EventCompleted, 20, "", report)
	return report
}

func (c *Coordinator) runPlanning(ctx context.Context, e *entry, query string, report *model.DetectionReport, policy Policy) *model.FragmentationPlan {
	_, endSpan := c.startSpan(ctx, "pipeline.planning")
	defer endSpan()

	c.emit(e.record.RequestID, model.StagePlanning, model.EventStarted, 25, "", nil)
	started := c.clock.Now()
	plan, err := planner.Plan(query, report, planner.Policy{
		MaxFragments:             policy.MaxFragments,
		MinProvidersForSensitive: policy.MinProvidersForSensitive,
		ChunkSizeCap:             policy.ChunkSizeCap,
	})
	metrics.RecordStageLatency("planning", c.clock.Now().Sub(started))
	if err != nil {
		pe, _ := err.(*model.PipelineError)
		kind := model.ErrPlanUnfeasible
		if pe != nil {
			kind = pe.Kind
		}
		c.fail(e, model.StagePlanning, kind, err.Error())
		return nil
	}
	c.emit(e.record.RequestID, model.StagePlanning, model.EventCompleted, 40, string(plan.Strategy), plan)
	return plan
}

func (c *Coordinator) runAnonymization(ctx context.Context, requestID string, plan *model.FragmentationPlan) {
	_, endSpan := c.startSpan(ctx, "pipeline.anonymization")
	defer endSpan()

	// Substitution already happened inside the Planner (spec.md §4.3: "Apply
	// the plan's entity map ... already folded into plan"); this stage
	// exists purely so a subscriber sees the stage transition spec.md §8's
	// ordering property requires.
	c.emit(requestID, model.StageAnonymization, model.EventStarted, 45, "", nil)
	c.emit(requestID, model.StageAnonymization, model.EventCompleted, 50, "", nil)
}

func (c *Coordinator) runDispatch(ctx context.Context, e *entry, plan *model.FragmentationPlan, policy Policy) []model.FragmentResult {
	ctx, endSpan := c.startSpan(ctx, "pipeline.dispatch")
	defer endSpan()

	requestID := e.record.RequestID
	c.emit(requestID, model.StageDispatch, model.EventStarted, 55, "", nil)

	snapshot := c.registry.Snapshot()
	assignments, err := providerrouter.Route(plan.Fragments, snapshot, policy.RouterWeights, policy.MinProvidersForSensitive)
	if err != nil {
		fallback, ok := leastUnhealthy(snapshot)
		if !ok {
			c.fail(e, model.StageDispatch, model.ErrNoProviderAvailable, "no provider available")
			return nil
		}
		assignments = passThroughAssignments(plan.Fragments, fallback)
	}

	dispatchAssignments := make([]dispatch.Assignment, len(assignments))
	for i, a := range assignments {
		dispatchAssignments[i] = dispatch.Assignment{Fragment: fragmentByID(plan, a.FragmentID), ProviderID: a.ProviderID}
	}

	started := c.clock.Now()
	results := c.scheduler.Run(ctx, dispatchAssignments, dispatch.Policy{
		MaxInFlight:            policy.MaxInFlight,
		FragmentTimeout:        policy.FragmentTimeout,
		TotalDeadline:          policy.TotalDeadline,
		Retries:                policy.Retries,
		RetryAlternateProvider: policy.RetryAlternateProvider,
		BackoffBase:            dispatch.DefaultPolicy.BackoffBase,
		BackoffFactor:          dispatch.DefaultPolicy.BackoffFactor,
	}, c.alternateProvider(policy), func(p model.DispatchProgressPayload) {
		c.emit(requestID, model.StageDispatch, model.EventProgress, 70, string(p.Phase), p)
	})
	metrics.RecordStageLatency("dispatch", c.clock.Now().Sub(started))

	for _, r := range results {
		c.registry.RecordResult(r.ProviderID, r.Latency, r.Cost, r.Status == model.StatusOK)
	}

	anyOK := false
	for _, r := range results {
		if r.Status == model.StatusOK {
			anyOK = true
			break
		}
	}
	if !anyOK {
		c.fail(e, model.StageDispatch, model.ErrAggregationEmpty, "every fragment failed")
		return nil
	}

	c.emit(requestID, model.StageDispatch, model.EventCompleted, 80, "", results)
	return results
}

// alternateProvider builds the Dispatch Scheduler's AlternatePicker from a
// live registry snapshot, per spec.md §4.5's "may select an alternate
// provider from the Router's ranking".
func (c *Coordinator) alternateProvider(policy Policy) dispatch.AlternatePicker {
	return func(fragment model.FragmentSpec, exclude string) (string, bool) {
		snapshot := c.registry.Snapshot()
		filtered := make([]providerrouter.Snapshot, 0, len(snapshot))
		for _, s := range snapshot {
			if s.Provider.ID != exclude {
				filtered = append(filtered, s)
			}
		}
		assignments, err := providerrouter.Route([]model.FragmentSpec{fragment}, filtered, policy.RouterWeights, 1)
		if err != nil || len(assignments) == 0 {
			return "", false
		}
		return assignments[0].ProviderID, true
	}
}

func (c *Coordinator) runAggregation(ctx context.Context, e *entry, plan *model.FragmentationPlan, results []model.FragmentResult, policy Policy) *model.AggregatedResponse {
	_, endSpan := c.startSpan(ctx, "pipeline.aggregation")
	defer endSpan()

	requestID := e.record.RequestID
	c.emit(requestID, model.StageAggregation, model.EventStarted, 85, "", nil)
	started := c.clock.Now()
	agg, err := aggregator.Aggregate(plan, results, aggregator.Config{
		ProviderWeight:  c.providerWeight,
		ProviderCapable: c.providerCapable,
		FragmentTimeout: policy.FragmentTimeout,
	})
	metrics.RecordStageLatency("aggregation", c.clock.Now().Sub(started))
	if err != nil {
		c.fail(e, model.StageAggregation, model.ErrAggregationEmpty, err.Error())
		return nil
	}
	c.emit(requestID, model.StageAggregation, model.EventCompleted, 95, "", nil)
	return agg
}

// providerWeight is a static per-provider quality factor; absent a
// deployment-supplied rate card, every provider is weighted equally (spec.md
// §4.6 names the term without a source — recorded as an Open Question
// decision in DESIGN.md).
func (c *Coordinator) providerWeight(string) float64 { return 0.75 }

func (c *Coordinator) providerCapable(providerID string, kind model.FragmentKind) bool {
	for _, s := range c.registry.Snapshot() {
		if s.Provider.ID != providerID {
			continue
		}
		want := map[model.FragmentKind]string{
			model.FragmentCode: "code",
			model.FragmentPII:  "sensitive",
		}[kind]
		if want == "" {
			return true
		}
		for _, cap := range s.Provider.Capabilities {
			if cap == want {
				return true
			}
		}
		return false
	}
	return false
}

// fail seals rec as FAILED with the given kind/message, publishes the
// terminal event, and records metrics. Safe to call at most once per
// request; the pipeline returns immediately after calling it.
func (c *Coordinator) fail(e *entry, stage model.Stage, kind model.ErrorKind, message string) {
	e.mu.Lock()
	e.record.Terminal = &model.TerminalOutcome{OK: false, Error: model.NewPipelineError(kind, message, nil)}
	e.mu.Unlock()

	c.persist(e.record, 0)
	metrics.RecordTerminal(false)
	c.emit(e.record.RequestID, model.StageFailed, model.EventFailed, 100, message, map[string]string{
		"stage": string(stage),
		"kind":  string(kind),
	})
}

func (c *Coordinator) emit(requestID string, stage model.Stage, status model.EventStatus, pct float64, message string, payload any) {
	var sinceSubmit int64
	c.mu.Lock()
	e, ok := c.entries[requestID]
	c.mu.Unlock()
	if ok {
		sinceSubmit = c.clock.Now().Sub(e.record.SubmittedAt).Milliseconds()
	}
	c.bus.Publish(model.ProgressEvent{
		RequestID:   requestID,
		Stage:       stage,
		Status:      status,
		ProgressPct: pct,
		Message:     message,
		Payload:     payload,
		TimestampMs: sinceSubmit,
	})
}

func (c *Coordinator) persist(rec *model.RequestRecord, ttl time.Duration) {
	if c.store == nil {
		return
	}
	snap := rec.Snapshot()
	data, err := encodeRecord(&snap)
	if err != nil {
		c.log.Warnf("persist", "encode request %s: %v", rec.RequestID, err)
		return
	}
	if err := c.store.Put("req:"+rec.RequestID, data, ttl); err != nil {
		// StateStoreUnavailable is soft (spec.md §7): the Coordinator keeps
		// running in-memory and simply logs the failure.
		c.log.Warnf("persist", "store request %s: %v", rec.RequestID, err)
	}
}

// encodeRecord marshals a RequestRecord snapshot the same way the teacher's
// DomainRegistry persists state: plain JSON, no custom wire format
// (management.go's persist).
func encodeRecord(rec *model.RequestRecord) ([]byte, error) {
	return json.Marshal(rec)
}

func fragmentByID(plan *model.FragmentationPlan, id string) model.FragmentSpec {
	for _, f := range plan.Fragments {
		if f.ID == id {
			return f
		}
	}
	return model.FragmentSpec{ID: id}
}

func passThroughAssignments(fragments []model.FragmentSpec, providerID string) []providerrouter.Assignment {
	out := make([]providerrouter.Assignment, len(fragments))
	for i, f := range fragments {
		out[i] = providerrouter.Assignment{FragmentID: f.ID, ProviderID: providerID}
	}
	return out
}

// leastUnhealthy picks a single provider to attempt even though none is
// reported healthy (spec.md §4.4: "degrades to a single provider attempt
// against the least-unhealthy one"). Lacking a graded unhealthiness signal,
// it returns the provider with the lowest rolling latency; cost is not
// considered, and on a tie the earlier snapshot entry wins.
func leastUnhealthy(snapshot []providerrouter.Snapshot) (string, bool) {
	if len(snapshot) == 0 {
		return "", false
	}
	best := snapshot[0]
	for _, s := range snapshot[1:] {
		if s.RollingLatency < best.RollingLatency {
			best = s
		}
	}
	return best.Provider.ID, true
}
