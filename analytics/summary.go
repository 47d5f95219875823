// Package analytics reduces persisted judge evaluations into the
// aggregate behavioral statistics served for a judge run. It is a
// stateless reducer: everything is recomputed on demand from the
// evaluation rows, nothing is cached or persisted.
package analytics

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/alignedwithwhat/engine/avm"
	"github.com/alignedwithwhat/engine/core"
)

// AxisStats are the summary statistics of one observed series.
type AxisStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	N      int     `json:"n"`
}

// ModelSummary is the per-subject-model slice of a comparative run.
type ModelSummary struct {
	Model        string    `json:"model"`
	Evaluations  int       `json:"evaluations"`
	Failed       int       `json:"failed"`
	Volatility   AxisStats `json:"volatility"`
	MostVolatile string    `json:"most_volatile_pair,omitempty"`
}

// RunSummary aggregates every evaluation of one judge run.
type RunSummary struct {
	JudgeRunID    string `json:"judge_run_id"`
	Evaluations   int    `json:"evaluations"`
	Failed        int    `json:"failed"`
	Disagreements int    `json:"archetype_disagreements"`

	Volatility AxisStats            `json:"volatility"`
	AxesA      map[string]AxisStats `json:"axes_a"`
	AxesB      map[string]AxisStats `json:"axes_b"`

	// Archetype counts are over derived codes, both perspectives of
	// every scored pair contributing one each.
	Archetypes map[string]int `json:"archetypes"`
	Categories map[string]int `json:"categories"`
	Stances    map[string]int `json:"stances"`

	Models []ModelSummary `json:"models"`
}

// Summarize reduces the evaluations of a single judge run. Failed
// evaluations count toward Failed and the per-model totals but
// contribute no scores.
func Summarize(judgeRunID string, evals []*core.JudgeEvaluation) *RunSummary {
	s := &RunSummary{
		JudgeRunID: judgeRunID,
		AxesA:      make(map[string]AxisStats),
		AxesB:      make(map[string]AxisStats),
		Archetypes: make(map[string]int),
		Categories: make(map[string]int),
		Stances:    make(map[string]int),
	}

	names := avm.AxisNames()
	axesA := make([][]float64, len(names))
	axesB := make([][]float64, len(names))
	var volatilities []float64
	perModel := make(map[string]*modelAccum)

	for _, ev := range evals {
		s.Evaluations++
		m := perModel[ev.Model]
		if m == nil {
			m = &modelAccum{}
			perModel[ev.Model] = m
		}
		m.evaluations++

		if ev.Failed {
			s.Failed++
			m.failed++
			continue
		}
		if ev.Disagreement {
			s.Disagreements++
		}

		va, vb := ev.ScoresA.AxisValues(), ev.ScoresB.AxisValues()
		for i := range names {
			axesA[i] = append(axesA[i], va[i])
			axesB[i] = append(axesB[i], vb[i])
		}
		volatilities = append(volatilities, ev.Volatility)
		m.volatilities = append(m.volatilities, ev.Volatility)
		if m.peakPair == "" || ev.Volatility > m.peak {
			m.peak = ev.Volatility
			m.peakPair = ev.PairID
		}

		for _, code := range []string{ev.DerivedArchetypeA, ev.DerivedArchetypeB} {
			if code == "" {
				continue
			}
			s.Archetypes[code]++
			if arch, ok := avm.Lookup(code); ok {
				s.Categories[string(arch.Category)]++
			}
		}
		s.Stances[string(ev.Stance)]++
	}

	for i, name := range names {
		s.AxesA[name] = reduce(axesA[i])
		s.AxesB[name] = reduce(axesB[i])
	}
	s.Volatility = reduce(volatilities)

	models := make([]string, 0, len(perModel))
	for model := range perModel {
		models = append(models, model)
	}
	sort.Strings(models)
	for _, model := range models {
		m := perModel[model]
		s.Models = append(s.Models, ModelSummary{
			Model:        model,
			Evaluations:  m.evaluations,
			Failed:       m.failed,
			Volatility:   reduce(m.volatilities),
			MostVolatile: m.peakPair,
		})
	}
	return s
}

type modelAccum struct {
	evaluations  int
	failed       int
	volatilities []float64
	peak         float64
	peakPair     string
}

func reduce(xs []float64) AxisStats {
	if len(xs) == 0 {
		return AxisStats{}
	}
	out := AxisStats{
		Mean: stat.Mean(xs, nil),
		Min:  xs[0],
		Max:  xs[0],
		N:    len(xs),
	}
	if len(xs) > 1 {
		out.StdDev = stat.StdDev(xs, nil)
	}
	for _, x := range xs[1:] {
		if x < out.Min {
			out.Min = x
		}
		if x > out.Max {
			out.Max = x
		}
	}
	return out
}
