// Package judge scores persisted run responses with a second model and
// derives the volatility and archetype classification for each pair.
package judge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/alignedwithwhat/engine/avm"
	"github.com/alignedwithwhat/engine/core"
	"github.com/alignedwithwhat/engine/pkg/logging"
	"github.com/alignedwithwhat/engine/pkg/metrics"
	"github.com/alignedwithwhat/engine/pkg/tracing"
	"github.com/alignedwithwhat/engine/provider"
	"github.com/alignedwithwhat/engine/store"
)

// Config holds judge engine tuning.
type Config struct {
	// Workers is the pool size per judge run.
	Workers int
	// EvalTimeout bounds a single judge invocation.
	EvalTimeout time.Duration
	// ParseRetries is how many times a syntactically bad verdict is
	// re-requested before the evaluation is recorded as failed.
	ParseRetries int
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      2,
		EvalTimeout:  180 * time.Second,
		ParseRetries: 2,
	}
}

// unit is one (pair, source run) evaluation cell.
type unit struct {
	pairID      string
	sourceRunID string
	model       string
}

type judgeJob struct {
	runID   string
	model   string
	params  core.GenParams
	tracker *core.StateTracker
	queue   *evalQueue
	idle    chan struct{} // closed when the current worker pool drains

	// persistMu serializes snapshot writes so a later snapshot is
	// never overwritten by an earlier worker's stale read.
	persistMu sync.Mutex
}

// Engine owns active judge runs. Like the scheduler it drops runs from
// memory once their terminal state is persisted.
type Engine struct {
	store   store.Store
	gateway provider.Gateway
	cfg     Config
	sem     *semaphore.Weighted
	logger  *logging.Logger
	metrics *metrics.PrometheusMetrics
	tracer  *tracing.Tracer

	mu   sync.Mutex
	jobs map[string]*judgeJob
}

// New creates a judge engine sharing the scheduler's in-flight
// semaphore so subject and judge traffic respect one global ceiling.
func New(st store.Store, gw provider.Gateway, cfg Config, sem *semaphore.Weighted, logger *logging.Logger, m *metrics.PrometheusMetrics, tracer *tracing.Tracer) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = DefaultConfig().EvalTimeout
	}
	if cfg.ParseRetries < 0 {
		cfg.ParseRetries = 0
	}
	if sem == nil {
		sem = semaphore.NewWeighted(32)
	}
	return &Engine{
		store:   st,
		gateway: gw,
		cfg:     cfg,
		sem:     sem,
		logger:  logger,
		metrics: m,
		tracer:  tracer,
		jobs:    make(map[string]*judgeJob),
	}
}

// Submit validates the request and starts the judge run. A single
// source run is judged over its full pair scope; with multiple sources
// the pair set narrows to the intersection of pairs every run covered
// with both perspectives, so all evaluations are comparable.
func (e *Engine) Submit(ctx context.Context, cfg core.JudgeConfig) (*core.JudgeRun, error) {
	if cfg.JudgeModel == "" {
		return nil, core.ErrUnknownModel
	}
	if len(cfg.RunIDs) == 0 {
		return nil, fmt.Errorf("%w: no source runs", core.ErrEmptySelection)
	}

	params := provider.Deterministic()
	if cfg.Params != nil {
		p := provider.FromGenParams(*cfg.Params)
		if !p.IsDeterministic() {
			return nil, core.ErrNonDeterministic
		}
		params = p
	}

	models, err := e.sourceModels(ctx, cfg.RunIDs)
	if err != nil {
		return nil, err
	}

	pairs, err := e.commonPairs(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, core.ErrNoCommonPairs
	}

	units := enumerateUnits(pairs, cfg.RunIDs, models)

	run := &core.JudgeRun{
		ID:          uuid.NewString(),
		JudgeModel:  cfg.JudgeModel,
		Description: cfg.Description,
		RunIDs:      append([]string(nil), cfg.RunIDs...),
		PairIDs:     pairs,
		Params:      params.ToGenParams(),
		State:       core.StateQueued,
		Counts:      core.Counts{Total: len(units)},
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.SaveJudgeRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist judge run: %w", err)
	}

	j := &judgeJob{
		runID:   run.ID,
		model:   run.JudgeModel,
		params:  run.Params,
		tracker: core.NewStateTracker(len(units)),
		queue:   newEvalQueue(units),
	}
	if err := e.start(ctx, j, run); err != nil {
		return nil, err
	}
	return run, nil
}

// sourceModels checks every source run exists and is completed, and
// returns its subject model keyed by run ID.
func (e *Engine) sourceModels(ctx context.Context, runIDs []string) (map[string]string, error) {
	models := make(map[string]string, len(runIDs))
	for _, runID := range runIDs {
		run, err := e.store.Run(ctx, runID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", core.ErrRunNotFound, runID)
		}
		if err != nil {
			return nil, err
		}
		if run.State != core.StateCompleted {
			return nil, fmt.Errorf("%w: %s is %s", core.ErrRunNotCompleted, runID, run.State)
		}
		models[runID] = run.Model
	}
	return models, nil
}

func enumerateUnits(pairs, runIDs []string, models map[string]string) []unit {
	units := make([]unit, 0, len(pairs)*len(runIDs))
	for _, pairID := range pairs {
		for _, runID := range runIDs {
			units = append(units, unit{pairID: pairID, sourceRunID: runID, model: models[runID]})
		}
	}
	return units
}

// start transitions the job to running, registers it and launches the
// worker pool.
func (e *Engine) start(ctx context.Context, j *judgeJob, run *core.JudgeRun) error {
	from := j.tracker.State()
	if err := j.tracker.Transition(core.StateRunning); err != nil {
		return err
	}
	j.idle = make(chan struct{})
	run.State = core.StateRunning
	if err := e.store.SaveJudgeRun(ctx, run); err != nil {
		return fmt.Errorf("persist judge run: %w", err)
	}

	e.mu.Lock()
	e.jobs[j.runID] = j
	e.mu.Unlock()

	_, counts := j.tracker.Snapshot()
	e.logger.LogRunTransition(ctx, j.runID, string(from), string(core.StateRunning),
		counts.Completed, counts.Failed, counts.Total)

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.work(context.WithoutCancel(ctx), j)
		}()
	}
	go e.finish(context.WithoutCancel(ctx), j, &wg)
	return nil
}

// commonPairs resolves the pair set to judge, then applies the
// optional explicit subset and cap. A single source run is judged over
// its full enumerated scope: a pair missing a usable response is still
// a cell, and fails on its own when the responses are loaded. With
// multiple sources the set narrows to pairs every run fully covered,
// so every evaluation in a comparative run is comparable.
func (e *Engine) commonPairs(ctx context.Context, cfg core.JudgeConfig) ([]string, error) {
	var common []string
	if len(cfg.RunIDs) == 1 {
		run, err := e.store.Run(ctx, cfg.RunIDs[0])
		if err != nil {
			return nil, err
		}
		common = append([]string(nil), run.PairIDs...)
	} else {
		for i, runID := range cfg.RunIDs {
			covered, err := e.store.CoveredPairIDs(ctx, runID)
			if err != nil {
				return nil, err
			}
			if i == 0 {
				common = covered
				continue
			}
			set := make(map[string]struct{}, len(covered))
			for _, id := range covered {
				set[id] = struct{}{}
			}
			kept := common[:0]
			for _, id := range common {
				if _, ok := set[id]; ok {
					kept = append(kept, id)
				}
			}
			common = kept
		}
	}

	if len(cfg.PairIDs) > 0 {
		want := make(map[string]struct{}, len(cfg.PairIDs))
		for _, id := range cfg.PairIDs {
			want[id] = struct{}{}
		}
		kept := common[:0]
		for _, id := range common {
			if _, ok := want[id]; ok {
				kept = append(kept, id)
			}
		}
		common = kept
	}
	if cfg.MaxPairs > 0 && len(common) > cfg.MaxPairs {
		common = common[:cfg.MaxPairs]
	}
	return common, nil
}

func (e *Engine) work(ctx context.Context, j *judgeJob) {
	for {
		u, ok := j.queue.pop()
		if !ok {
			return
		}
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return
		}
		e.evaluate(ctx, j, u)
		e.sem.Release(1)
		if e.metrics != nil {
			e.metrics.SetQueueDepth(j.runID, j.queue.pending())
		}
	}
}

// evaluate runs one cell to a terminal outcome and persists it.
func (e *Engine) evaluate(ctx context.Context, j *judgeJob, u unit) {
	start := time.Now()
	if e.tracer != nil {
		spanCtx, span := e.tracer.StartJudgeSpan(ctx, j.runID, u.pairID, u.sourceRunID, j.model)
		defer span.End()
		ctx = spanCtx
	}

	ev, err := e.evaluateOnce(ctx, j, u)
	if err != nil {
		ev = &core.JudgeEvaluation{
			JudgeRunID:    j.runID,
			PairID:        u.pairID,
			SourceRunID:   u.sourceRunID,
			Model:         u.model,
			Failed:        true,
			FailureReason: err.Error(),
			CreatedAt:     time.Now().UTC(),
		}
	}

	if ev.Failed {
		_ = j.tracker.RecordFailed()
	} else {
		_ = j.tracker.RecordCompleted()
	}
	e.persistSnapshot(ctx, j)

	if err := e.store.SaveEvaluation(ctx, ev); err != nil {
		e.logger.Error("persist evaluation failed",
			"judge_run_id", j.runID, "pair_id", u.pairID, "error", err.Error())
	}

	if e.metrics != nil {
		status := "ok"
		if ev.Failed {
			status = "error"
		}
		e.metrics.RecordEvaluation(j.model, status)
		e.metrics.RecordJudgeLatency(j.model, time.Since(start))
		if !ev.Failed {
			e.metrics.RecordVolatility(u.model, ev.Volatility)
		}
	}
	e.logger.LogJudgeEvaluation(ctx, j.runID, u.pairID, u.sourceRunID, !ev.Failed, ev.Volatility, time.Since(start))
}

func (e *Engine) evaluateOnce(ctx context.Context, j *judgeJob, u unit) (*core.JudgeEvaluation, error) {
	pair, err := e.store.ScenarioPair(ctx, u.pairID)
	if err != nil {
		return nil, fmt.Errorf("load pair %s: %w", u.pairID, err)
	}

	respA, err := e.loadResponse(ctx, u, core.PerspectiveA)
	if err != nil {
		return nil, err
	}
	respB, err := e.loadResponse(ctx, u, core.PerspectiveB)
	if err != nil {
		return nil, err
	}

	prompt, err := buildReviewPrompt(pair, respA, respB)
	if err != nil {
		return nil, err
	}

	params := provider.FromGenParams(j.params)
	var v *verdict
	var lastErr error
	for attempt := 0; attempt <= e.cfg.ParseRetries; attempt++ {
		if attempt > 0 && e.metrics != nil {
			e.metrics.RecordRetry(j.model, "verdict_parse")
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.EvalTimeout)
		comp, err := e.gateway.Invoke(callCtx, j.model, systemPrompt, prompt, params)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("judge invocation: %w", err)
		}

		v, lastErr = parseVerdict(comp.Text)
		if lastErr == nil {
			break
		}
		e.logger.Warn("judge verdict rejected",
			"judge_run_id", j.runID, "pair_id", u.pairID, "attempt", attempt+1, "error", lastErr.Error())
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%s: %w", string(core.ErrKindMalformedOutput), lastErr)
	}

	derivedA := avm.Code(v.ScoresA)
	derivedB := avm.Code(v.ScoresB)
	disagree := (v.ArchetypeA != "" && v.ArchetypeA != derivedA) ||
		(v.ArchetypeB != "" && v.ArchetypeB != derivedB)

	return &core.JudgeEvaluation{
		JudgeRunID:        j.runID,
		PairID:            u.pairID,
		SourceRunID:       u.sourceRunID,
		Model:             u.model,
		ScoresA:           v.ScoresA,
		ScoresB:           v.ScoresB,
		JudgeArchetypeA:   v.ArchetypeA,
		JudgeArchetypeB:   v.ArchetypeB,
		DerivedArchetypeA: derivedA,
		DerivedArchetypeB: derivedB,
		Disagreement:      disagree,
		Volatility:        avm.Volatility(v.ScoresA, v.ScoresB),
		Stance:            avm.Stance(v.ScoresA, v.ScoresB),
		RationaleA:        v.RationaleA,
		RationaleB:        v.RationaleB,
		Summary:           v.Summary,
		CreatedAt:         time.Now().UTC(),
	}, nil
}

// loadResponse fetches one side's response and rejects unusable ones,
// so a missing or failed response poisons only its own cell.
func (e *Engine) loadResponse(ctx context.Context, u unit, side core.Perspective) (*core.ModelResponse, error) {
	resp, err := e.store.Response(ctx, u.sourceRunID, u.pairID, side)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("run %s pair %s side %s: no response", u.sourceRunID, u.pairID, side)
	}
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("run %s pair %s side %s: response failed with %s", u.sourceRunID, u.pairID, side, resp.ErrKind)
	}
	return resp, nil
}

// persistSnapshot writes the judge run's current state and counters.
// The read-snapshot-write sequence holds the job's persist lock so
// counts in the store only move forward.
func (e *Engine) persistSnapshot(ctx context.Context, j *judgeJob) {
	j.persistMu.Lock()
	defer j.persistMu.Unlock()

	run, err := e.store.JudgeRun(ctx, j.runID)
	if err != nil {
		e.logger.Error("load judge run for snapshot failed", "judge_run_id", j.runID, "error", err.Error())
		return
	}
	state, counts := j.tracker.Snapshot()
	run.State = state
	run.Counts = counts
	if state.Terminal() && run.CompletedAt == nil {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}
	if err := e.store.SaveJudgeRun(ctx, run); err != nil {
		e.logger.Error("persist judge run snapshot failed", "judge_run_id", j.runID, "error", err.Error())
	}
}

func (e *Engine) finish(ctx context.Context, j *judgeJob, wg *sync.WaitGroup) {
	wg.Wait()
	defer close(j.idle)

	state, counts := j.tracker.Snapshot()
	switch {
	case counts.Done():
		if err := j.tracker.Transition(core.StateCompleted); err == nil {
			e.logger.LogRunTransition(ctx, j.runID, string(state), string(core.StateCompleted),
				counts.Completed, counts.Failed, counts.Total)
		}
		e.persistSnapshot(ctx, j)
		e.drop(j.runID)
	case state == core.StatePaused:
		// Pending cells stay derivable: resume re-enumerates them from
		// the persisted pair set minus the evaluations already written.
		e.persistSnapshot(ctx, j)
	default:
		e.persistSnapshot(ctx, j)
		e.drop(j.runID)
	}
}

func (e *Engine) drop(judgeRunID string) {
	e.mu.Lock()
	delete(e.jobs, judgeRunID)
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.DropQueueDepth(judgeRunID)
	}
}

// Pause stops dequeuing for a running judge run. In-flight evaluations
// finish and are accounted normally.
func (e *Engine) Pause(ctx context.Context, judgeRunID string) error {
	e.mu.Lock()
	j, ok := e.jobs[judgeRunID]
	e.mu.Unlock()
	if !ok {
		return core.ErrRunNotFound
	}

	if err := j.tracker.Transition(core.StatePaused); err != nil {
		return err
	}
	j.queue.pause()
	e.persistSnapshot(ctx, j)

	_, counts := j.tracker.Snapshot()
	e.logger.LogRunTransition(ctx, judgeRunID, string(core.StateRunning), string(core.StatePaused),
		counts.Completed, counts.Failed, counts.Total)
	return nil
}

// Resume restarts a paused judge run. Cells that already have a
// persisted evaluation are not re-judged; their outcomes count as-is.
// Resume also recovers paused runs no longer in memory (restart).
func (e *Engine) Resume(ctx context.Context, judgeRunID string) error {
	e.mu.Lock()
	prev, ok := e.jobs[judgeRunID]
	e.mu.Unlock()
	if ok {
		if st := prev.tracker.State(); st != core.StatePaused {
			return fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, st, core.StateRunning)
		}
		// Let in-flight evaluations of the paused pool settle so the
		// pending-cell derivation below sees their rows.
		select {
		case <-prev.idle:
		case <-ctx.Done():
			return ctx.Err()
		}
		e.drop(judgeRunID)
	}

	run, err := e.store.JudgeRun(ctx, judgeRunID)
	if errors.Is(err, store.ErrNotFound) {
		return core.ErrRunNotFound
	}
	if err != nil {
		return err
	}
	if run.State != core.StatePaused {
		return fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, run.State, core.StateRunning)
	}

	models, err := e.sourceModels(ctx, run.RunIDs)
	if err != nil {
		return err
	}

	all := enumerateUnits(run.PairIDs, run.RunIDs, models)
	var pending []unit
	counts := core.Counts{Total: len(all)}
	for _, u := range all {
		ev, err := e.store.Evaluation(ctx, judgeRunID, u.pairID, u.sourceRunID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			pending = append(pending, u)
		case err != nil:
			return err
		case ev.Failed:
			counts.Failed++
		default:
			counts.Completed++
		}
	}

	j := &judgeJob{
		runID:   judgeRunID,
		model:   run.JudgeModel,
		params:  run.Params,
		tracker: core.ResumeTracker(core.StatePaused, counts),
		queue:   newEvalQueue(pending),
	}
	run.Counts = counts
	return e.start(ctx, j, run)
}

// Status returns the judge run with live state overlaid when active.
func (e *Engine) Status(ctx context.Context, judgeRunID string) (*core.JudgeRun, error) {
	run, err := e.store.JudgeRun(ctx, judgeRunID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, core.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	j, ok := e.jobs[judgeRunID]
	e.mu.Unlock()
	if ok {
		state, counts := j.tracker.Snapshot()
		run.State = state
		run.Counts = counts
	}
	return run, nil
}

// Wait blocks until the judge run's current worker pool drains
// (completion or pause) or the context expires.
func (e *Engine) Wait(ctx context.Context, judgeRunID string) error {
	e.mu.Lock()
	j, active := e.jobs[judgeRunID]
	e.mu.Unlock()
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
