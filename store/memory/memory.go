// Package memory provides an in-memory Store used by tests and by the
// server when no database path is configured.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/alignedwithwhat/engine/core"
	"github.com/alignedwithwhat/engine/store"
)

type respKey struct {
	runID  string
	pairID string
	side   core.Perspective
}

type evalKey struct {
	judgeRunID  string
	pairID      string
	sourceRunID string
}

// Store implements store.Store with mutex-guarded maps. Values are
// copied on the way in and out so callers cannot alias internal state.
type Store struct {
	mu        sync.RWMutex
	pairs     map[string]core.ScenarioPair
	pairOrder []string
	runs      map[string]core.ExecutionRun
	runOrder  []string
	responses map[respKey]core.ModelResponse
	judges    map[string]core.JudgeRun
	judgeOrd  []string
	evals     map[evalKey]core.JudgeEvaluation
	evalOrd   []evalKey
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		pairs:     make(map[string]core.ScenarioPair),
		runs:      make(map[string]core.ExecutionRun),
		responses: make(map[respKey]core.ModelResponse),
		judges:    make(map[string]core.JudgeRun),
		evals:     make(map[evalKey]core.JudgeEvaluation),
	}
}

func (s *Store) PutScenarioPair(ctx context.Context, pair *core.ScenarioPair) error {
	if err := pair.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pairs[pair.ID]; !exists {
		s.pairOrder = append(s.pairOrder, pair.ID)
	}
	s.pairs[pair.ID] = *pair
	return nil
}

func (s *Store) ScenarioPair(ctx context.Context, id string) (*core.ScenarioPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pair, ok := s.pairs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := pair
	return &out, nil
}

func (s *Store) ListScenarioPairs(ctx context.Context, filter core.ScenarioFilter) ([]*core.ScenarioPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.ScenarioPair
	for _, id := range s.pairOrder {
		pair := s.pairs[id]
		if filter.Matches(&pair) {
			p := pair
			out = append(out, &p)
		}
	}
	return store.ApplyLimit(out, filter.MaxPairs), nil
}

func (s *Store) SaveRun(ctx context.Context, run *core.ExecutionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; !exists {
		s.runOrder = append(s.runOrder, run.ID)
	}
	s.runs[run.ID] = *run
	return nil
}

func (s *Store) Run(ctx context.Context, id string) (*core.ExecutionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := run
	return &out, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]*core.ExecutionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.ExecutionRun, 0, len(s.runOrder))
	// Newest first
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		run := s.runs[s.runOrder[i]]
		out = append(out, &run)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) SaveResponse(ctx context.Context, resp *core.ModelResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[respKey{resp.RunID, resp.PairID, resp.Side}] = *resp
	return nil
}

func (s *Store) Response(ctx context.Context, runID, pairID string, side core.Perspective) (*core.ModelResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resp, ok := s.responses[respKey{runID, pairID, side}]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := resp
	return &out, nil
}

func (s *Store) ResponsesForRun(ctx context.Context, runID string) ([]*core.ModelResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.ModelResponse
	for key, resp := range s.responses {
		if key.runID == runID {
			r := resp
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PairID != out[j].PairID {
			return out[i].PairID < out[j].PairID
		}
		return out[i].Side < out[j].Side
	})
	return out, nil
}

func (s *Store) CoveredPairIDs(ctx context.Context, runID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sides := make(map[string]int)
	for key, resp := range s.responses {
		if key.runID == runID && resp.OK() {
			sides[key.pairID]++
		}
	}
	var out []string
	for pairID, n := range sides {
		if n == 2 {
			out = append(out, pairID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) SaveJudgeRun(ctx context.Context, run *core.JudgeRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.judges[run.ID]; !exists {
		s.judgeOrd = append(s.judgeOrd, run.ID)
	}
	s.judges[run.ID] = *run
	return nil
}

func (s *Store) JudgeRun(ctx context.Context, id string) (*core.JudgeRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.judges[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := run
	return &out, nil
}

func (s *Store) ListJudgeRuns(ctx context.Context, limit int) ([]*core.JudgeRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.JudgeRun, 0, len(s.judgeOrd))
	for i := len(s.judgeOrd) - 1; i >= 0; i-- {
		run := s.judges[s.judgeOrd[i]]
		out = append(out, &run)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) SaveEvaluation(ctx context.Context, ev *core.JudgeEvaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := evalKey{ev.JudgeRunID, ev.PairID, ev.SourceRunID}
	if _, exists := s.evals[key]; !exists {
		s.evalOrd = append(s.evalOrd, key)
	}
	s.evals[key] = *ev
	return nil
}

func (s *Store) Evaluation(ctx context.Context, judgeRunID, pairID, sourceRunID string) (*core.JudgeEvaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.evals[evalKey{judgeRunID, pairID, sourceRunID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := ev
	return &out, nil
}

func (s *Store) EvaluationsForJudgeRun(ctx context.Context, judgeRunID string) ([]*core.JudgeEvaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.JudgeEvaluation
	for _, key := range s.evalOrd {
		if key.judgeRunID == judgeRunID {
			ev := s.evals[key]
			out = append(out, &ev)
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
