// Package scheduler drives the autonomous pricing loop. A single worker
// goroutine walks the configured (SKU, store) targets through the pricing
// graph, monitors active promotions once per completed pass, then sleeps
// until the next cycle. The loop is pausable and resumable: a cursor
// tracks the position inside the target list and survives pause/resume
// without skipping or repeating a target.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"repricer/pkg/config"
	"repricer/pkg/graph"
	"repricer/pkg/logx"
	"repricer/pkg/metrics"
	"repricer/pkg/proto"
	"repricer/pkg/tools"
	"repricer/pkg/tracker"
	"repricer/pkg/utils"
)

// State names one phase of the scheduler loop.
type State string

const (
	StatePaused     State = "paused"
	StateAdvancing  State = "advancing"
	StateMonitoring State = "monitoring"
	StateSleeping   State = "sleeping"
)

// Loop timing. The 1s ticks bound pause latency; the 5s waits keep the
// idle and failure paths from busy-looping.
const (
	pauseTick    = 1 * time.Second
	targetPacing = 1 * time.Second
	idlePoll     = 5 * time.Second
	errorBackoff = 5 * time.Second
)

// The error ring keeps errorRingCap entries; the status payload shows the
// statusErrorTail most recent.
const (
	errorRingCap    = 100
	statusErrorTail = 10
)

var (
	// ErrNoTargets is returned by Start when no targets are configured.
	ErrNoTargets = errors.New("no targets configured")

	// ErrRunInProgress is returned by Trigger while cycle processing or
	// another triggered run holds the single-flight guard.
	ErrRunInProgress = errors.New("a graph run is already in progress")
)

// Journal persists run and cycle records. Implementations must not block
// the scheduler loop; writes are fire-and-forget.
type Journal interface {
	RecordRun(rec proto.RunRecord)
	RecordCycle(rec proto.CycleRecord)
}

// cursor is the resumable position inside the target list. Mutated only
// by the worker goroutine, read by status snapshots.
type cursor struct {
	nextIndex      int
	inProgress     *proto.Target
	lastProcessed  *proto.Target
	cycleStartedAt time.Time
}

// CycleScheduler owns the pricing loop. Run executes on one worker
// goroutine; the control and status methods are safe from any goroutine
// and never block on the loop.
type CycleScheduler struct {
	pricing    *graph.Compiled[*proto.PipelineState]
	monitoring *graph.Compiled[*proto.MonitorState]
	invoker    tools.Invoker
	track      *tracker.RuntimeTracker
	journal    Journal
	stageMet   *metrics.StageMetrics
	schedMet   *metrics.SchedulerMetrics
	cfg        *config.Config
	logger     *logx.Logger

	targets  []proto.Target
	interval time.Duration

	// Tunable copies of the loop timing constants; tests shrink them.
	tick    time.Duration
	pace    time.Duration
	idle    time.Duration
	backoff time.Duration

	mu              sync.Mutex
	running         bool
	workerAlive     bool
	busy            bool
	state           State
	cur             cursor
	cyclesCompleted int
	lastRun         time.Time
	errs            []ErrorEntry
}

// New creates a scheduler over the compiled graphs. The target list and
// cycle interval come from cfg and are fixed for the scheduler's lifetime.
// The tracker, journal and metrics sinks may each be nil.
func New(cfg *config.Config, pricing *graph.Compiled[*proto.PipelineState], monitoring *graph.Compiled[*proto.MonitorState], invoker tools.Invoker, trk *tracker.RuntimeTracker, journal Journal, stage *metrics.StageMetrics, sched *metrics.SchedulerMetrics) *CycleScheduler {
	interval := cfg.Agent.MonitoringInterval()
	if interval < time.Second {
		interval = time.Second
	}
	return &CycleScheduler{
		pricing:    pricing,
		monitoring: monitoring,
		invoker:    invoker,
		track:      trk,
		journal:    journal,
		stageMet:   stage,
		schedMet:   sched,
		cfg:        cfg,
		logger:     logx.NewLogger("scheduler"),
		targets:    cfg.CycleTargets(),
		interval:   interval,
		tick:       pauseTick,
		pace:       targetPacing,
		idle:       idlePoll,
		backoff:    errorBackoff,
		running:    cfg.Agent.AutoStart,
		state:      StatePaused,
	}
}

// Run executes the scheduler loop until ctx is cancelled. It is the
// worker body handed to the supervisor; at most one Run may be active.
func (s *CycleScheduler) Run(ctx context.Context) error {
	s.setWorkerAlive(true)
	defer s.setWorkerAlive(false)
	defer s.transitionTo(StatePaused)

	s.transitionTo(s.currentState())
	s.logger.Info("Scheduler worker started: %d targets per cycle, interval %s", len(s.targets), s.interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler worker stopping: %v", ctx.Err())
			return ctx.Err()
		default:
		}

		next, err := s.step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.recordError(ErrorEntry{Error: err.Error(), Timestamp: time.Now().UTC()})
			s.logger.Error("Scheduler loop error in state %s: %v", s.currentState(), err)
			s.sleepCtx(ctx, s.backoff)
			continue
		}
		s.transitionTo(next)
	}
}

// step performs one unit of work for the current state and names the
// state to enter next.
func (s *CycleScheduler) step(ctx context.Context) (State, error) {
	switch state := s.currentState(); state {
	case StatePaused:
		return s.stepPaused(ctx)
	case StateAdvancing:
		return s.stepAdvancing(ctx)
	case StateMonitoring:
		return s.stepMonitoring(ctx)
	case StateSleeping:
		return s.stepSleeping(ctx)
	default:
		return StatePaused, fmt.Errorf("unknown scheduler state %q", state)
	}
}

// stepPaused idles until a start signal flips the running flag.
func (s *CycleScheduler) stepPaused(ctx context.Context) (State, error) {
	if !s.isRunning() {
		s.sleepCtx(ctx, s.tick)
		return StatePaused, nil
	}
	return StateAdvancing, nil
}

// stepAdvancing processes the target under the cursor. Pause and
// empty-target conditions are observed here, at the target boundary.
func (s *CycleScheduler) stepAdvancing(ctx context.Context) (State, error) {
	if !s.isRunning() {
		s.logger.Info("Agent paused at target index %d. Waiting for resume signal...", s.nextIndex())
		return StatePaused, nil
	}
	if len(s.targets) == 0 {
		s.logger.Warn("No targets configured. Waiting for configuration...")
		s.sleepCtx(ctx, s.idle)
		return StateAdvancing, nil
	}

	if !s.acquireRun() {
		// A triggered run is mid-flight; let it finish first.
		s.sleepCtx(ctx, s.tick)
		return StateAdvancing, nil
	}
	target, ok := s.beginTarget()
	if !ok {
		s.releaseRun()
		return StateMonitoring, nil
	}
	_, err := s.execPricing(ctx, target)
	s.releaseRun()
	if err != nil && ctx.Err() != nil {
		// Interrupted, not completed: the cursor stays put so the
		// target reruns on resume.
		s.clearInProgress()
		return StateAdvancing, nil
	}
	s.finishTarget(target)

	s.sleepCtx(ctx, s.pace)
	return StateAdvancing, nil
}

// stepMonitoring checks every active promotion, then closes out the
// cycle. A monitoring failure is recorded but never blocks completion.
func (s *CycleScheduler) stepMonitoring(ctx context.Context) (State, error) {
	if !s.acquireRun() {
		s.sleepCtx(ctx, s.tick)
		return StateMonitoring, nil
	}
	checked, err := s.monitorActivePromotions(ctx)
	s.releaseRun()
	if err != nil {
		if ctx.Err() != nil {
			return StateMonitoring, nil
		}
		s.recordError(ErrorEntry{Error: fmt.Sprintf("monitor active promotions: %v", err), Timestamp: time.Now().UTC()})
		s.logger.Error("Monitoring pass failed: %v", err)
	}
	s.completeCycle(checked)
	return StateSleeping, nil
}

// stepSleeping waits out the inter-cycle interval at tick granularity so
// a pause request takes effect within about one tick.
func (s *CycleScheduler) stepSleeping(ctx context.Context) (State, error) {
	deadline := time.Now().Add(s.interval)
	for time.Now().Before(deadline) {
		if !s.isRunning() {
			return StatePaused, nil
		}
		if !s.sleepCtx(ctx, s.tick) {
			return StatePaused, nil
		}
	}
	if !s.isRunning() {
		return StatePaused, nil
	}
	return StateAdvancing, nil
}

// Start resumes processing from the preserved cursor. Starting an already
// running scheduler is a no-op.
func (s *CycleScheduler) Start() error {
	if len(s.targets) == 0 {
		return ErrNoTargets
	}
	s.mu.Lock()
	already := s.running
	s.running = true
	s.mu.Unlock()

	if already {
		s.logger.Info("Agent loop already running.")
	} else {
		s.logger.Info("Agent loop started.")
	}
	return nil
}

// Stop pauses the loop at the next target boundary, preserving the
// cursor. Idempotent.
func (s *CycleScheduler) Stop() {
	s.mu.Lock()
	was := s.running
	s.running = false
	s.mu.Unlock()

	if was {
		s.logger.Info("Agent loop paused. Cursor preserved for resume.")
	}
}

// Trigger runs the pricing graph once for an explicit target, outside the
// cycle rotation. It is refused while cycle processing or another
// triggered run is active, keeping graph execution single-flight.
func (s *CycleScheduler) Trigger(ctx context.Context, skuID, storeID int) (*proto.PipelineState, error) {
	if !s.acquireRun() {
		return nil, ErrRunInProgress
	}
	defer s.releaseRun()
	return s.execPricing(ctx, proto.Target{SKUID: skuID, StoreID: storeID})
}

// Status returns a point-in-time snapshot for the status endpoint.
func (s *CycleScheduler) Status() Status {
	var trackState tracker.State
	if s.track != nil {
		trackState = s.track.Snapshot()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, current, nextAfter := statusTargets(s.targets, s.cur.nextIndex, s.cur.inProgress, trackState.SKUID, trackState.StoreID)

	tail := s.errs
	if len(tail) > statusErrorTail {
		tail = tail[len(tail)-statusErrorTail:]
	}

	st := Status{
		Running:             s.running,
		WorkerRunning:       s.workerAlive,
		State:               string(s.state),
		CyclesCompleted:     s.cyclesCompleted,
		NextTargetIndex:     s.cur.nextIndex,
		TargetsInCycle:      len(s.targets),
		NextTarget:          next,
		CurrentTarget:       current,
		NextAfterCurrent:    nextAfter,
		LastProcessedTarget: copyTarget(s.cur.lastProcessed),
		InProgressTarget:    copyTarget(s.cur.inProgress),
		CurrentAgent:        trackState.CurrentAgent,
		CurrentSKUID:        trackState.SKUID,
		CurrentStoreID:      trackState.StoreID,
		CurrentPromotionID:  trackState.PromotionID,
		Errors:              append([]ErrorEntry(nil), tail...),
	}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		st.LastRun = &t
	}
	if !s.cur.cycleStartedAt.IsZero() {
		t := s.cur.cycleStartedAt
		st.CycleStartedAt = &t
	}
	if !trackState.UpdatedAt.IsZero() {
		t := trackState.UpdatedAt
		st.CurrentAgentUpdatedAt = &t
	}
	return st
}

// execPricing runs the pricing graph for one target. Failures are
// recorded in the error ring; the run and its outcome go to the journal
// either way.
func (s *CycleScheduler) execPricing(ctx context.Context, target proto.Target) (*proto.PipelineState, error) {
	state, err := proto.NewPipelineState(target.SKUID, target.StoreID)
	if err != nil {
		return nil, err
	}
	rc := s.newRunContext(target.SKUID, target.StoreID, 0)
	state.RunID = rc.RunID
	state.StartedAt = time.Now().UTC()

	s.logger.Info("Analyzing SKU %d at store %d...", target.SKUID, target.StoreID)
	if s.track != nil {
		defer s.track.Clear()
	}

	started := time.Now()
	final, runErr := s.pricing.Run(ctx, state, rc)
	outcome := pricingOutcome(final, runErr)
	if s.stageMet != nil {
		s.stageMet.IncRun(proto.GraphPricing, outcome)
	}
	s.recordRun(proto.RunRecord{
		RunID:       rc.RunID,
		Graph:       proto.GraphPricing,
		Cycle:       rc.Cycle,
		SKUID:       target.SKUID,
		StoreID:     target.StoreID,
		PromotionID: final.PromotionID,
		Outcome:     outcome,
		Err:         runErrText(final.Err, runErr),
		StartedAt:   state.StartedAt,
		DurationMS:  time.Since(started).Milliseconds(),
	})
	if runErr != nil {
		if !errors.Is(runErr, context.Canceled) {
			s.recordError(ErrorEntry{SKUID: target.SKUID, StoreID: target.StoreID, Error: runErr.Error(), Timestamp: time.Now().UTC()})
			s.logger.Error("Pricing run failed for %s: %v", target, runErr)
		}
		return final, runErr
	}
	return final, nil
}

// monitorActivePromotions fetches the live promotions and runs the
// monitoring graph once per promotion. A fetch failure skips the whole
// pass; a single promotion's failure skips that promotion only.
func (s *CycleScheduler) monitorActivePromotions(ctx context.Context) (int, error) {
	if s.track != nil {
		defer s.track.Clear()
	}

	raw, err := s.invoker.Invoke(ctx, "postgres", "get_active_promotions", map[string]any{})
	if err != nil {
		return 0, fmt.Errorf("get_active_promotions: %w", err)
	}
	promos := utils.GetListOfMaps(raw)
	s.logger.Info("Monitoring %d active promotions...", len(promos))

	checked := 0
	for _, promo := range promos {
		if ctx.Err() != nil {
			return checked, ctx.Err()
		}
		mstate := monitorStateFrom(promo)
		if mstate.PromotionID == 0 {
			continue
		}
		rc := s.newRunContext(mstate.SKUID, mstate.StoreID, mstate.PromotionID)

		started := time.Now()
		final, runErr := s.monitoring.Run(ctx, mstate, rc)
		outcome := monitoringOutcome(final, runErr)
		if s.stageMet != nil {
			s.stageMet.IncRun(proto.GraphMonitoring, outcome)
		}
		s.recordRun(proto.RunRecord{
			RunID:       rc.RunID,
			Graph:       proto.GraphMonitoring,
			Cycle:       rc.Cycle,
			SKUID:       mstate.SKUID,
			StoreID:     mstate.StoreID,
			PromotionID: mstate.PromotionID,
			Outcome:     outcome,
			Err:         runErrText(final.Err, runErr),
			StartedAt:   started.UTC(),
			DurationMS:  time.Since(started).Milliseconds(),
		})
		if runErr != nil {
			if errors.Is(runErr, context.Canceled) {
				return checked, runErr
			}
			s.recordError(ErrorEntry{SKUID: mstate.SKUID, StoreID: mstate.StoreID, Error: runErr.Error(), Timestamp: time.Now().UTC()})
			s.logger.Error("Monitoring run failed for promotion %d: %v", mstate.PromotionID, runErr)
			continue
		}
		checked++
	}
	return checked, nil
}

// completeCycle stamps the finished pass, writes the cycle record and
// resets the cursor for the next pass.
func (s *CycleScheduler) completeCycle(promotionsChecked int) {
	now := time.Now().UTC()

	s.mu.Lock()
	startedAt := s.cur.cycleStartedAt
	s.cyclesCompleted++
	cycle := s.cyclesCompleted
	s.lastRun = now
	s.cur = cursor{lastProcessed: s.cur.lastProcessed}
	s.mu.Unlock()

	if startedAt.IsZero() {
		startedAt = now
	}
	if s.schedMet != nil {
		s.schedMet.IncCycle()
	}
	s.recordCycle(proto.CycleRecord{
		Cycle:       cycle,
		Targets:     len(s.targets),
		Promotions:  promotionsChecked,
		StartedAt:   startedAt,
		CompletedAt: now,
		DurationMS:  now.Sub(startedAt).Milliseconds(),
	})
	s.logger.Info("Cycle %d completed in %.2f seconds (%d promotions checked). Next cycle in %s.",
		cycle, now.Sub(startedAt).Seconds(), promotionsChecked, s.interval)
}

// beginTarget stamps the cycle start on a fresh pass and marks the cursor
// target in progress. ok is false once the cursor is past the last
// target, meaning the pass is complete.
func (s *CycleScheduler) beginTarget() (proto.Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur.nextIndex >= len(s.targets) {
		return proto.Target{}, false
	}
	if s.cur.cycleStartedAt.IsZero() {
		s.cur.cycleStartedAt = time.Now().UTC()
		s.logger.Info("Cycle %d starting: %d targets", s.cyclesCompleted+1, len(s.targets))
	}
	target := s.targets[s.cur.nextIndex]
	s.cur.inProgress = &target
	return target, true
}

// finishTarget advances the cursor past a completed target.
func (s *CycleScheduler) finishTarget(target proto.Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.lastProcessed = &target
	s.cur.nextIndex++
	s.cur.inProgress = nil
}

func (s *CycleScheduler) clearInProgress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.inProgress = nil
}

func (s *CycleScheduler) nextIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.nextIndex
}

// newRunContext snapshots the per-run inputs. Flags are copied here so a
// config change cannot flip a route mid-run.
func (s *CycleScheduler) newRunContext(skuID, storeID int, promotionID int64) graph.RunContext {
	return graph.RunContext{
		RunID:           uuid.NewString(),
		Cycle:           s.currentCycle(),
		SKUID:           skuID,
		StoreID:         storeID,
		PromotionID:     promotionID,
		Flags:           s.cfg.Features,
		RequireApproval: s.cfg.Agent.RequireManualApproval,
	}
}

// recordError appends to the error ring, trimming to the cap.
func (s *CycleScheduler) recordError(entry ErrorEntry) {
	s.mu.Lock()
	s.errs = append(s.errs, entry)
	if len(s.errs) > errorRingCap {
		s.errs = s.errs[len(s.errs)-errorRingCap:]
	}
	s.mu.Unlock()

	if s.schedMet != nil {
		s.schedMet.IncError()
	}
}

// transitionTo moves the loop to a new state and mirrors it to the state
// gauge.
func (s *CycleScheduler) transitionTo(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	if s.schedMet != nil {
		s.schedMet.SetState(string(next))
	}
	if prev != next {
		s.logger.Debug("Scheduler state %s -> %s", prev, next)
	}
}

func (s *CycleScheduler) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CycleScheduler) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *CycleScheduler) setWorkerAlive(alive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workerAlive = alive
}

// acquireRun takes the single-flight guard shared by cycle processing and
// manual triggers.
func (s *CycleScheduler) acquireRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

func (s *CycleScheduler) releaseRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
}

func (s *CycleScheduler) recordRun(rec proto.RunRecord) {
	if s.journal != nil {
		s.journal.RecordRun(rec)
	}
}

func (s *CycleScheduler) recordCycle(rec proto.CycleRecord) {
	if s.journal != nil {
		s.journal.RecordCycle(rec)
	}
}

func (s *CycleScheduler) currentCycle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cyclesCompleted + 1
}

// sleepCtx sleeps for d or until ctx is cancelled, reporting false on
// cancellation.
func (s *CycleScheduler) sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// pricingOutcome classifies a finished pricing run for metrics and the
// journal.
func pricingOutcome(state *proto.PipelineState, err error) string {
	switch {
	case err != nil:
		return "error"
	case state.Execution != nil && state.Execution.Status == proto.ExecutionStatusActive:
		return "executed"
	case state.Execution != nil && state.Execution.Status == proto.ExecutionStatusPendingApproval:
		return "pending_approval"
	case state.CriticDecision != nil && state.CriticDecision.Action == proto.RecommendReject:
		return "rejected"
	case state.Analysis != nil && state.Analysis.ParseFailed:
		return "analysis_parse_failure"
	case !state.ShouldAct():
		return "no_action"
	default:
		return "no_promotion"
	}
}

// monitoringOutcome classifies a finished monitoring run.
func monitoringOutcome(state *proto.MonitorState, err error) string {
	switch {
	case err != nil:
		return "error"
	case state.Retracted:
		return "retracted"
	case state.Err != "":
		return "check_failed"
	default:
		return "healthy"
	}
}

// monitorStateFrom builds the monitoring input from one stored promotion
// row.
func monitorStateFrom(promo map[string]any) *proto.MonitorState {
	return &proto.MonitorState{
		PromotionID:   int64(utils.GetIntOr(promo, "id", 0)),
		SKUID:         utils.GetIntOr(promo, "sku_id", 0),
		StoreID:       utils.GetIntOr(promo, "store_id", 0),
		Promotion:     promo,
		ExpectedUnits: utils.GetIntOr(promo, "expected_units_sold", 0),
	}
}

func runErrText(stateErr string, runErr error) string {
	if runErr != nil {
		return runErr.Error()
	}
	return stateErr
}
