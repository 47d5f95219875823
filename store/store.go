// Package store defines the persistence interface shared by the
// in-memory and SQLite backends, plus a read-through cache decorator
// for the scenario catalog.
package store

import (
	"context"
	"errors"

	"github.com/alignedwithwhat/engine/core"
)

// ErrNotFound is returned when a keyed lookup misses.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence boundary. Writes are upserts keyed by the
// entity's natural key, so retried persistence is idempotent.
type Store interface {
	// Scenario catalog
	PutScenarioPair(ctx context.Context, pair *core.ScenarioPair) error
	ScenarioPair(ctx context.Context, id string) (*core.ScenarioPair, error)
	ListScenarioPairs(ctx context.Context, filter core.ScenarioFilter) ([]*core.ScenarioPair, error)

	// Execution runs
	SaveRun(ctx context.Context, run *core.ExecutionRun) error
	Run(ctx context.Context, id string) (*core.ExecutionRun, error)
	ListRuns(ctx context.Context, limit int) ([]*core.ExecutionRun, error)

	// Model responses, keyed (run, pair, side)
	SaveResponse(ctx context.Context, resp *core.ModelResponse) error
	Response(ctx context.Context, runID, pairID string, side core.Perspective) (*core.ModelResponse, error)
	ResponsesForRun(ctx context.Context, runID string) ([]*core.ModelResponse, error)
	// CoveredPairIDs lists pairs for which the run holds a successful
	// response for both perspectives.
	CoveredPairIDs(ctx context.Context, runID string) ([]string, error)

	// Judge runs and evaluations, keyed (judge run, pair, source run)
	SaveJudgeRun(ctx context.Context, run *core.JudgeRun) error
	JudgeRun(ctx context.Context, id string) (*core.JudgeRun, error)
	ListJudgeRuns(ctx context.Context, limit int) ([]*core.JudgeRun, error)
	SaveEvaluation(ctx context.Context, ev *core.JudgeEvaluation) error
	Evaluation(ctx context.Context, judgeRunID, pairID, sourceRunID string) (*core.JudgeEvaluation, error)
	EvaluationsForJudgeRun(ctx context.Context, judgeRunID string) ([]*core.JudgeEvaluation, error)

	Close() error
}

// ApplyLimit truncates pairs to the filter's MaxPairs, preserving
// order; zero means no cap. Shared between backends.
func ApplyLimit(pairs []*core.ScenarioPair, maxPairs int) []*core.ScenarioPair {
	if maxPairs > 0 && len(pairs) > maxPairs {
		return pairs[:maxPairs]
	}
	return pairs
}
