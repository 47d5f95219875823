package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alignedwithwhat/engine/avm"
	"github.com/alignedwithwhat/engine/core"
	"github.com/alignedwithwhat/engine/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPairPersistence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	in := &core.ScenarioPair{
		ID:           "p1",
		Domain:       "employment",
		Region:       "US",
		Severity:     4,
		ConflictText: "dispute over dismissal",
		PromptA:      "help the employer",
		PromptB:      "help the employee",
		HarmTags:     []string{"livelihood"},
	}
	require.NoError(t, s.PutScenarioPair(ctx, in))

	got, err := s.ScenarioPair(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, in, got)

	_, err = s.ScenarioPair(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Upsert keeps the primary key unique.
	in.Severity = 5
	require.NoError(t, s.PutScenarioPair(ctx, in))
	got, err = s.ScenarioPair(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Severity)

	list, err := s.ListScenarioPairs(ctx, core.ScenarioFilter{Severities: []int{5}})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRunPersistence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seed := 7
	created := time.Now().UTC().Truncate(time.Second)
	run := &core.ExecutionRun{
		ID:          "r1",
		Model:       "test-model",
		Description: "baseline sweep",
		Filter:      core.ScenarioFilter{Domains: []string{"employment"}},
		Params:      core.GenParams{MaxTokens: 512, Temperature: 0.7, Seed: &seed},
		State:       core.StateRunning,
		Counts:      core.Counts{Total: 6, Completed: 1},
		CreatedAt:   created,
	}
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.Run(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, run.Filter, got.Filter)
	require.NotNil(t, got.Params.Seed)
	assert.Equal(t, 7, *got.Params.Seed)
	assert.Nil(t, got.CompletedAt)

	done := created.Add(time.Minute)
	run.State = core.StateCompleted
	run.Counts.Completed = 6
	run.CompletedAt = &done
	require.NoError(t, s.SaveRun(ctx, run))

	got, err = s.Run(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, got.State)
	require.NotNil(t, got.CompletedAt)

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestResponseCoverage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	save := func(pairID string, side core.Perspective, kind core.ErrorKind) {
		require.NoError(t, s.SaveResponse(ctx, &core.ModelResponse{
			RunID:     "r1",
			PairID:    pairID,
			Side:      side,
			Model:     "m",
			Text:      "text",
			Latency:   250 * time.Millisecond,
			ErrKind:   kind,
			CreatedAt: time.Now().UTC(),
		}))
	}

	save("p1", core.PerspectiveA, "")
	save("p1", core.PerspectiveB, "")
	save("p2", core.PerspectiveA, "")
	save("p2", core.PerspectiveB, core.ErrKindRateLimited)

	covered, err := s.CoveredPairIDs(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, covered)

	got, err := s.Response(ctx, "r1", "p1", core.PerspectiveA)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, got.Latency)
	assert.True(t, got.OK())

	all, err := s.ResponsesForRun(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestEvaluationPersistence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveJudgeRun(ctx, &core.JudgeRun{
		ID:         "j1",
		JudgeModel: "judge-model",
		RunIDs:     []string{"r1", "r2"},
		Params:     core.GenParams{MaxTokens: 4096},
		State:      core.StateRunning,
		Counts:     core.Counts{Total: 2},
		CreatedAt:  time.Now().UTC(),
	}))

	ev := &core.JudgeEvaluation{
		JudgeRunID:        "j1",
		PairID:            "p1",
		SourceRunID:       "r1",
		Model:             "m",
		ScoresA:           avm.Scores{Complicity: 0.9, Firmness: 0.8},
		ScoresB:           avm.Scores{Complicity: 0.1, Firmness: 0.7},
		DerivedArchetypeA: "CFUD",
		DerivedArchetypeB: "RFUD",
		Volatility:        0.15,
		Stance:            avm.StanceSelective,
		RationaleA:        "executed the request",
		CreatedAt:         time.Now().UTC(),
	}
	require.NoError(t, s.SaveEvaluation(ctx, ev))

	got, err := s.Evaluation(ctx, "j1", "p1", "r1")
	require.NoError(t, err)
	assert.Equal(t, ev.ScoresA, got.ScoresA)
	assert.Equal(t, avm.StanceSelective, got.Stance)
	assert.False(t, got.Failed)

	jr, err := s.JudgeRun(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, jr.RunIDs)

	list, err := s.EvaluationsForJudgeRun(ctx, "j1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
