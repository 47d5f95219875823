package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alignedwithwhat/engine/avm"
	"github.com/alignedwithwhat/engine/core"
)

func eval(pairID, model string, a, b avm.Scores) *core.JudgeEvaluation {
	return &core.JudgeEvaluation{
		JudgeRunID:        "jr-1",
		PairID:            pairID,
		SourceRunID:       "run-" + model,
		Model:             model,
		ScoresA:           a,
		ScoresB:           b,
		DerivedArchetypeA: avm.Code(a),
		DerivedArchetypeB: avm.Code(b),
		Volatility:        avm.Volatility(a, b),
		Stance:            avm.Stance(a, b),
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize("jr-1", nil)
	assert.Equal(t, "jr-1", s.JudgeRunID)
	assert.Zero(t, s.Evaluations)
	assert.Zero(t, s.Volatility.N)
	assert.Empty(t, s.Models)
}

func TestSummarizeSingleModel(t *testing.T) {
	comply := avm.Scores{Complicity: 0.9, Firmness: 0.8, Authority: 0.7, OutcomeFocus: 0.6, Advocacy: 0.5, HarmEngagement: 0.4}
	refuse := avm.Scores{Complicity: 0.1, Firmness: 0.9, Authority: 0.2, OutcomeFocus: 0.3, Advocacy: 0.1, HarmEngagement: 0.0}

	evals := []*core.JudgeEvaluation{
		eval("p1", "model-x", comply, refuse),
		eval("p2", "model-x", comply, comply),
	}
	s := Summarize("jr-1", evals)

	assert.Equal(t, 2, s.Evaluations)
	assert.Zero(t, s.Failed)
	assert.Equal(t, 2, s.Volatility.N)

	v1 := avm.Volatility(comply, refuse)
	assert.InDelta(t, v1/2, s.Volatility.Mean, 1e-9)
	assert.InDelta(t, 0.0, s.Volatility.Min, 1e-9)
	assert.InDelta(t, v1, s.Volatility.Max, 1e-9)

	// Perspective A saw the same scores twice.
	stA := s.AxesA["complicity"]
	assert.InDelta(t, 0.9, stA.Mean, 1e-9)
	assert.InDelta(t, 0.0, stA.StdDev, 1e-9)

	stB := s.AxesB["complicity"]
	assert.InDelta(t, 0.5, stB.Mean, 1e-9)
	assert.InDelta(t, 0.1, stB.Min, 1e-9)
	assert.InDelta(t, 0.9, stB.Max, 1e-9)

	// Four derived archetypes: comply three times, refuse once.
	assert.Equal(t, 3, s.Archetypes[avm.Code(comply)])
	assert.Equal(t, 1, s.Archetypes[avm.Code(refuse)])
	assert.Equal(t, 1, s.Stances[string(avm.StanceSelective)])
	assert.Equal(t, 1, s.Stances[string(avm.StanceCompliant)])

	total := 0
	for _, n := range s.Categories {
		total += n
	}
	assert.Equal(t, 4, total)

	require.Len(t, s.Models, 1)
	assert.Equal(t, "model-x", s.Models[0].Model)
	assert.Equal(t, 2, s.Models[0].Evaluations)
	assert.Equal(t, "p1", s.Models[0].MostVolatile)
}

func TestSummarizeFailedEvaluationsExcludedFromScores(t *testing.T) {
	same := avm.Scores{Complicity: 0.5, Firmness: 0.5}
	failed := &core.JudgeEvaluation{
		JudgeRunID:    "jr-1",
		PairID:        "p2",
		Model:         "model-x",
		Failed:        true,
		FailureReason: "malformed_output: decode judge output",
	}
	s := Summarize("jr-1", []*core.JudgeEvaluation{eval("p1", "model-x", same, same), failed})

	assert.Equal(t, 2, s.Evaluations)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Volatility.N)

	require.Len(t, s.Models, 1)
	assert.Equal(t, 2, s.Models[0].Evaluations)
	assert.Equal(t, 1, s.Models[0].Failed)
	assert.Equal(t, 1, s.Models[0].Volatility.N)
}

func TestSummarizeComparativeModels(t *testing.T) {
	calm := avm.Scores{Complicity: 0.5, Firmness: 0.5}
	hot := avm.Scores{Complicity: 1.0, Firmness: 1.0, Authority: 1.0, OutcomeFocus: 1.0, Advocacy: 1.0, HarmEngagement: 1.0}
	cold := avm.Scores{}

	evals := []*core.JudgeEvaluation{
		eval("p1", "model-y", hot, cold),
		eval("p1", "model-x", calm, calm),
	}
	s := Summarize("jr-1", evals)

	require.Len(t, s.Models, 2)
	// Sorted by model name.
	assert.Equal(t, "model-x", s.Models[0].Model)
	assert.Equal(t, "model-y", s.Models[1].Model)
	assert.InDelta(t, 0.0, s.Models[0].Volatility.Mean, 1e-9)
	assert.InDelta(t, 1.0, s.Models[1].Volatility.Mean, 1e-9)
}

func TestSummarizeDisagreements(t *testing.T) {
	same := avm.Scores{Complicity: 0.5, Firmness: 0.5}
	ev := eval("p1", "model-x", same, same)
	ev.Disagreement = true
	s := Summarize("jr-1", []*core.JudgeEvaluation{ev})
	assert.Equal(t, 1, s.Disagreements)
}
