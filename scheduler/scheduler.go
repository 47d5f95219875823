// Package scheduler turns a run request into dispatch units, fans them
// out over a bounded worker pool, and tracks run lifecycle state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/alignedwithwhat/engine/core"
	"github.com/alignedwithwhat/engine/pkg/logging"
	"github.com/alignedwithwhat/engine/pkg/metrics"
	"github.com/alignedwithwhat/engine/pkg/tracing"
	"github.com/alignedwithwhat/engine/provider"
	"github.com/alignedwithwhat/engine/store"
)

// Config holds scheduler tuning.
type Config struct {
	// Workers is the pool size per run.
	Workers int
	// DispatchTimeout bounds a single model invocation.
	DispatchTimeout time.Duration
	// Catalog lists dispatchable model IDs. Empty disables the check.
	Catalog []string
}

// DefaultConfig returns sane defaults for local use.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		DispatchTimeout: 120 * time.Second,
	}
}

type job struct {
	runID   string
	model   string
	params  core.GenParams
	tracker *core.StateTracker
	queue   *unitQueue
	idle    chan struct{} // closed when the current worker pool drains

	// persistMu serializes snapshot writes so a later snapshot is
	// never overwritten by an earlier worker's stale read.
	persistMu sync.Mutex
}

// Scheduler owns active execution runs. Completed and failed runs are
// dropped from the in-memory table once their terminal state is
// persisted; reads for them fall through to the store.
type Scheduler struct {
	store   store.Store
	gateway provider.Gateway
	cfg     Config
	sem     *semaphore.Weighted
	logger  *logging.Logger
	metrics *metrics.PrometheusMetrics
	tracer  *tracing.Tracer

	mu      sync.Mutex
	jobs    map[string]*job
	catalog map[string]struct{}
}

// New creates a scheduler. sem bounds in-flight provider calls across
// every run (shared with the judge engine); nil means unbounded is
// replaced with a ceiling of 32.
func New(st store.Store, gw provider.Gateway, cfg Config, sem *semaphore.Weighted, logger *logging.Logger, m *metrics.PrometheusMetrics, tracer *tracing.Tracer) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultConfig().DispatchTimeout
	}
	if sem == nil {
		sem = semaphore.NewWeighted(32)
	}

	s := &Scheduler{
		store:   st,
		gateway: gw,
		cfg:     cfg,
		sem:     sem,
		logger:  logger,
		metrics: m,
		tracer:  tracer,
		jobs:    make(map[string]*job),
	}
	if len(cfg.Catalog) > 0 {
		s.catalog = make(map[string]struct{}, len(cfg.Catalog))
		for _, id := range cfg.Catalog {
			s.catalog[id] = struct{}{}
		}
	}
	return s
}

// Submit validates the request, enumerates dispatch units and starts
// the run. It returns once the run is persisted and dispatch has
// begun; progress is observed via Status.
func (s *Scheduler) Submit(ctx context.Context, cfg core.RunConfig) (*core.ExecutionRun, error) {
	if cfg.Model == "" {
		return nil, core.ErrUnknownModel
	}
	if s.catalog != nil {
		if _, ok := s.catalog[cfg.Model]; !ok {
			return nil, fmt.Errorf("%w: %s", core.ErrUnknownModel, cfg.Model)
		}
	}

	pairs, err := s.store.ListScenarioPairs(ctx, cfg.Filter)
	if err != nil {
		return nil, fmt.Errorf("list scenario pairs: %w", err)
	}
	if len(pairs) == 0 {
		return nil, core.ErrEmptySelection
	}

	pairIDs := make([]string, 0, len(pairs))
	units := make([]core.DispatchUnit, 0, len(pairs)*2)
	for _, pair := range pairs {
		pairIDs = append(pairIDs, pair.ID)
		for _, side := range core.Perspectives() {
			units = append(units, core.DispatchUnit{PairID: pair.ID, Side: side})
		}
	}

	run := &core.ExecutionRun{
		ID:          uuid.NewString(),
		Model:       cfg.Model,
		Description: cfg.Description,
		Filter:      cfg.Filter,
		PairIDs:     pairIDs,
		Params:      cfg.Params,
		State:       core.StateQueued,
		Counts:      core.Counts{Total: len(units)},
		CreatedAt:   time.Now().UTC(),
	}
	for i := range units {
		units[i].RunID = run.ID
	}

	if err := s.store.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	j := &job{
		runID:   run.ID,
		model:   run.Model,
		params:  run.Params,
		tracker: core.NewStateTracker(len(units)),
		queue:   newUnitQueue(units),
	}
	if err := s.start(ctx, j, run); err != nil {
		return nil, err
	}
	return run, nil
}

// start transitions the job to running, registers it and launches the
// worker pool.
func (s *Scheduler) start(ctx context.Context, j *job, run *core.ExecutionRun) error {
	from := j.tracker.State()
	if err := j.tracker.Transition(core.StateRunning); err != nil {
		return err
	}
	j.idle = make(chan struct{})
	run.State = core.StateRunning
	if err := s.store.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("persist run: %w", err)
	}

	s.mu.Lock()
	s.jobs[j.runID] = j
	active := len(s.jobs)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RunsActive.Set(float64(active))
	}

	_, counts := j.tracker.Snapshot()
	s.logger.LogRunTransition(ctx, j.runID, string(from), string(core.StateRunning),
		counts.Completed, counts.Failed, counts.Total)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.work(context.WithoutCancel(ctx), j)
		}()
	}
	go s.finish(context.WithoutCancel(ctx), j, &wg)
	return nil
}

func (s *Scheduler) work(ctx context.Context, j *job) {
	for {
		unit, ok := j.queue.pop()
		if !ok {
			return
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		s.dispatch(ctx, j, unit)
		s.sem.Release(1)
		if s.metrics != nil {
			s.metrics.SetQueueDepth(j.runID, j.queue.pending())
		}
	}
}

// dispatch runs one unit to its terminal outcome. Counters are
// advanced and persisted before the response row, so a reader never
// sees a response the run's accounting does not yet reflect.
func (s *Scheduler) dispatch(ctx context.Context, j *job, unit core.DispatchUnit) {
	if s.tracer != nil {
		var end func()
		ctx, end = s.span(ctx, j, unit)
		defer end()
	}

	pair, err := s.store.ScenarioPair(ctx, unit.PairID)

	resp := &core.ModelResponse{
		RunID:     unit.RunID,
		PairID:    unit.PairID,
		Side:      unit.Side,
		Model:     j.model,
		CreatedAt: time.Now().UTC(),
	}

	if err != nil {
		resp.ErrKind = core.ErrKindTransportFailure
		resp.ErrMessage = fmt.Sprintf("load pair: %v", err)
	} else {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
		comp, err := s.gateway.Invoke(callCtx, j.model, "", pair.Prompt(unit.Side), provider.FromGenParams(j.params))
		cancel()

		if err != nil {
			resp.ErrKind = provider.KindOf(err)
			resp.ErrMessage = err.Error()
		} else {
			resp.Text = comp.Text
			resp.FinishReason = comp.FinishReason
			resp.PromptTokens = comp.PromptTokens
			resp.CompletionTokens = comp.CompletionTokens
			resp.TotalTokens = comp.TotalTokens
			resp.Latency = comp.Latency
		}
	}

	if resp.OK() {
		_ = j.tracker.RecordCompleted()
	} else {
		_ = j.tracker.RecordFailed()
	}
	s.persistSnapshot(ctx, j)

	if err := s.store.SaveResponse(ctx, resp); err != nil {
		s.logger.Error("persist response failed",
			"run_id", unit.RunID, "pair_id", unit.PairID, "side", string(unit.Side), "error", err.Error())
	}

	s.logger.LogDispatch(ctx, unit.RunID, unit.PairID, string(unit.Side), j.model,
		resp.OK(), string(resp.ErrKind), resp.Latency, resp.TotalTokens)
}

func (s *Scheduler) span(ctx context.Context, j *job, unit core.DispatchUnit) (context.Context, func()) {
	ctx, span := s.tracer.StartDispatchSpan(ctx, unit.RunID, unit.PairID, string(unit.Side), j.model)
	return ctx, func() { span.End() }
}

// persistSnapshot writes the run's current state and counters. The
// read-snapshot-write sequence holds the job's persist lock so counts
// in the store only move forward.
func (s *Scheduler) persistSnapshot(ctx context.Context, j *job) {
	j.persistMu.Lock()
	defer j.persistMu.Unlock()

	run, err := s.store.Run(ctx, j.runID)
	if err != nil {
		s.logger.Error("load run for snapshot failed", "run_id", j.runID, "error", err.Error())
		return
	}
	state, counts := j.tracker.Snapshot()
	run.State = state
	run.Counts = counts
	if state.Terminal() && run.CompletedAt == nil {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}
	if err := s.store.SaveRun(ctx, run); err != nil {
		s.logger.Error("persist run snapshot failed", "run_id", j.runID, "error", err.Error())
	}
}

// finish waits for the pool to drain, then either completes the run or
// leaves it paused.
func (s *Scheduler) finish(ctx context.Context, j *job, wg *sync.WaitGroup) {
	wg.Wait()
	defer close(j.idle)

	state, counts := j.tracker.Snapshot()
	switch {
	case counts.Done():
		if err := j.tracker.Transition(core.StateCompleted); err == nil {
			s.logger.LogRunTransition(ctx, j.runID, string(state), string(core.StateCompleted),
				counts.Completed, counts.Failed, counts.Total)
		}
		s.persistSnapshot(ctx, j)
		s.drop(j.runID)
	case state == core.StatePaused:
		// Pending units stay persisted implicitly: resume re-derives
		// them from the responses already written.
		s.persistSnapshot(ctx, j)
	default:
		// Workers exited without draining (shutdown); persist what we
		// have and keep the run resumable.
		s.persistSnapshot(ctx, j)
		s.drop(j.runID)
	}
}

func (s *Scheduler) drop(runID string) {
	s.mu.Lock()
	delete(s.jobs, runID)
	active := len(s.jobs)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RunsActive.Set(float64(active))
		s.metrics.DropQueueDepth(runID)
	}
}

// Pause stops dequeuing for a running run. In-flight dispatches finish
// and are accounted normally.
func (s *Scheduler) Pause(ctx context.Context, runID string) error {
	s.mu.Lock()
	j, ok := s.jobs[runID]
	s.mu.Unlock()
	if !ok {
		return core.ErrRunNotFound
	}

	if err := j.tracker.Transition(core.StatePaused); err != nil {
		return err
	}
	j.queue.pause()
	s.persistSnapshot(ctx, j)

	_, counts := j.tracker.Snapshot()
	s.logger.LogRunTransition(ctx, runID, string(core.StateRunning), string(core.StatePaused),
		counts.Completed, counts.Failed, counts.Total)
	return nil
}

// Resume restarts a paused run. Units that already have a persisted
// response are not re-dispatched; their outcomes count as-is. Resume
// also recovers paused runs that are no longer in memory (restart).
func (s *Scheduler) Resume(ctx context.Context, runID string) error {
	s.mu.Lock()
	prev, ok := s.jobs[runID]
	s.mu.Unlock()
	if ok {
		if st := prev.tracker.State(); st != core.StatePaused {
			return fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, st, core.StateRunning)
		}
		// Let in-flight dispatches of the paused pool settle so the
		// pending-unit derivation below sees their responses.
		select {
		case <-prev.idle:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		delete(s.jobs, runID)
		s.mu.Unlock()
	}

	run, err := s.store.Run(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return core.ErrRunNotFound
	}
	if err != nil {
		return err
	}
	if run.State != core.StatePaused {
		return fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, run.State, core.StateRunning)
	}

	// The unit set was frozen at submission; pairs ingested since must
	// not enter the run.
	var pending []core.DispatchUnit
	counts := core.Counts{Total: len(run.PairIDs) * 2}
	for _, pairID := range run.PairIDs {
		for _, side := range core.Perspectives() {
			prev, err := s.store.Response(ctx, runID, pairID, side)
			switch {
			case errors.Is(err, store.ErrNotFound):
				pending = append(pending, core.DispatchUnit{RunID: runID, PairID: pairID, Side: side})
			case err != nil:
				return err
			case prev.OK():
				counts.Completed++
			default:
				counts.Failed++
			}
		}
	}

	j := &job{
		runID:   runID,
		model:   run.Model,
		params:  run.Params,
		tracker: core.ResumeTracker(core.StatePaused, counts),
		queue:   newUnitQueue(pending),
	}
	run.Counts = counts
	return s.start(ctx, j, run)
}

// Status returns the run with live state overlaid for active runs.
func (s *Scheduler) Status(ctx context.Context, runID string) (*core.ExecutionRun, error) {
	run, err := s.store.Run(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, core.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	j, ok := s.jobs[runID]
	s.mu.Unlock()
	if ok {
		state, counts := j.tracker.Snapshot()
		run.State = state
		run.Counts = counts
	}
	return run, nil
}

// QuickTest dispatches both perspectives of one pair synchronously
// without creating a run. Used to sanity-check a model before a sweep.
func (s *Scheduler) QuickTest(ctx context.Context, model, pairID string, params core.GenParams) (map[core.Perspective]*provider.Completion, error) {
	if s.catalog != nil {
		if _, ok := s.catalog[model]; !ok {
			return nil, fmt.Errorf("%w: %s", core.ErrUnknownModel, model)
		}
	}
	pair, err := s.store.ScenarioPair(ctx, pairID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, core.ErrEmptySelection
	}
	if err != nil {
		return nil, err
	}

	out := make(map[core.Perspective]*provider.Completion, 2)
	for _, side := range core.Perspectives() {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
		comp, err := s.gateway.Invoke(callCtx, model, "", pair.Prompt(side), provider.FromGenParams(params))
		cancel()
		if err != nil {
			return nil, err
		}
		out[side] = comp
	}
	return out, nil
}

// Wait blocks until the run's current worker pool drains (completion
// or pause) or the context expires. Tests use it to observe state
// deterministically.
func (s *Scheduler) Wait(ctx context.Context, runID string) error {
	s.mu.Lock()
	j, active := s.jobs[runID]
	s.mu.Unlock()
	if !active {
		return nil
	}
	select {
	case <-j.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
