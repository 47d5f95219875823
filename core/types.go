// Package core defines the domain entities shared by the scheduler,
// judge engine, stores and transport: mirrored scenario pairs,
// execution runs over them, per-dispatch model responses, and judge
// runs with their evaluations.
package core

import (
	"fmt"
	"time"

	"github.com/alignedwithwhat/engine/avm"
)

// Perspective names one side of a mirrored pair.
type Perspective string

const (
	PerspectiveA Perspective = "A"
	PerspectiveB Perspective = "B"
)

// Perspectives lists both sides in dispatch order.
func Perspectives() [2]Perspective {
	return [2]Perspective{PerspectiveA, PerspectiveB}
}

// ScenarioPair is one conflict rendered as two opposing prompts. Both
// prompts describe the same underlying situation; only the side the
// requester stands on differs.
type ScenarioPair struct {
	ID           string   `json:"id" yaml:"id"`
	Domain       string   `json:"domain" yaml:"domain"`
	Region       string   `json:"region" yaml:"region"`
	Severity     int      `json:"severity" yaml:"severity"` // 1 (mild) .. 5 (severe)
	ConflictText string   `json:"conflict_text" yaml:"conflict_text"`
	PromptA      string   `json:"prompt_a" yaml:"prompt_a"`
	PromptB      string   `json:"prompt_b" yaml:"prompt_b"`
	HarmTags     []string `json:"harm_tags,omitempty" yaml:"harm_tags,omitempty"`
}

// Prompt returns the prompt text for the given side.
func (p *ScenarioPair) Prompt(side Perspective) string {
	if side == PerspectiveB {
		return p.PromptB
	}
	return p.PromptA
}

// Validate checks structural integrity of an ingested pair.
func (p *ScenarioPair) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("scenario pair: missing id")
	}
	if p.PromptA == "" || p.PromptB == "" {
		return fmt.Errorf("scenario pair %s: both prompts are required", p.ID)
	}
	if p.Severity < 1 || p.Severity > 5 {
		return fmt.Errorf("scenario pair %s: severity %d outside 1..5", p.ID, p.Severity)
	}
	return nil
}

// ScenarioFilter selects a subset of the catalog for a run.
// Empty slices mean "no constraint on that attribute".
type ScenarioFilter struct {
	PairIDs    []string `json:"pair_ids,omitempty" yaml:"pair_ids,omitempty"`
	Domains    []string `json:"domains,omitempty" yaml:"domains,omitempty"`
	Regions    []string `json:"regions,omitempty" yaml:"regions,omitempty"`
	Severities []int    `json:"severities,omitempty" yaml:"severities,omitempty"`
	MaxPairs   int      `json:"max_pairs,omitempty" yaml:"max_pairs,omitempty"`
}

// Matches reports whether the pair passes every set constraint.
// MaxPairs is applied by the caller, not here.
func (f ScenarioFilter) Matches(p *ScenarioPair) bool {
	if len(f.PairIDs) > 0 && !containsStr(f.PairIDs, p.ID) {
		return false
	}
	if len(f.Domains) > 0 && !containsStr(f.Domains, p.Domain) {
		return false
	}
	if len(f.Regions) > 0 && !containsStr(f.Regions, p.Region) {
		return false
	}
	if len(f.Severities) > 0 {
		found := false
		for _, s := range f.Severities {
			if s == p.Severity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsStr(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// GenParams are the sampling parameters attached to every dispatch of
// a run. Judge runs pin these to the deterministic profile.
type GenParams struct {
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature float32 `json:"temperature" yaml:"temperature"`
	TopP        float32 `json:"top_p" yaml:"top_p"`
	Seed        *int    `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// RunConfig is the request to schedule a new execution run.
type RunConfig struct {
	Model       string         `json:"model" yaml:"model"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Filter      ScenarioFilter `json:"filter" yaml:"filter"`
	Params      GenParams      `json:"params" yaml:"params"`
}

// Counts tracks dispatch accounting for a run. Completed and Failed
// are disjoint and their sum never exceeds Total.
type Counts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Done reports whether every unit reached a terminal outcome.
func (c Counts) Done() bool { return c.Completed+c.Failed >= c.Total }

// ExecutionRun is one sweep of a single model over the selected pairs,
// both perspectives per pair.
type ExecutionRun struct {
	ID          string         `json:"id"`
	Model       string         `json:"model"`
	Description string         `json:"description,omitempty"`
	Filter      ScenarioFilter `json:"filter"`
	// PairIDs is the pair set enumerated at submission. Resume and the
	// judge engine work from it, not from the live catalog, so pairs
	// ingested later never enter an existing run.
	PairIDs     []string   `json:"pair_ids"`
	Params      GenParams  `json:"params"`
	State       RunState   `json:"state"`
	Counts      Counts     `json:"counts"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DispatchUnit is one schedulable prompt: a (pair, side) cell of a run.
type DispatchUnit struct {
	RunID  string      `json:"run_id"`
	PairID string      `json:"pair_id"`
	Side   Perspective `json:"side"`
}

// ModelResponse is the persisted outcome of one dispatch unit, whether
// it succeeded or failed. A failed response carries its error kind and
// no text.
type ModelResponse struct {
	RunID            string        `json:"run_id"`
	PairID           string        `json:"pair_id"`
	Side             Perspective   `json:"side"`
	Model            string        `json:"model"`
	Text             string        `json:"text,omitempty"`
	FinishReason     string        `json:"finish_reason,omitempty"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	Latency          time.Duration `json:"latency_ns"`
	ErrKind          ErrorKind     `json:"error_kind,omitempty"`
	ErrMessage       string        `json:"error_message,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// OK reports whether the dispatch produced usable output.
func (r *ModelResponse) OK() bool { return r.ErrKind == "" }

// JudgeConfig is the request to schedule a judge run over one or more
// completed execution runs.
type JudgeConfig struct {
	JudgeModel  string     `json:"judge_model" yaml:"judge_model"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	RunIDs      []string   `json:"run_ids" yaml:"run_ids"`
	PairIDs     []string   `json:"pair_ids,omitempty" yaml:"pair_ids,omitempty"` // optional subset
	MaxPairs    int        `json:"max_pairs,omitempty" yaml:"max_pairs,omitempty"`
	Params      *GenParams `json:"params,omitempty" yaml:"params,omitempty"` // nil means the deterministic profile
}

// JudgeRun scores the responses of one or more source runs with a
// second model. With multiple sources the pair set is the intersection
// of pairs every source fully covered, so evaluations are comparable
// across models.
type JudgeRun struct {
	ID          string   `json:"id"`
	JudgeModel  string   `json:"judge_model"`
	Description string   `json:"description,omitempty"`
	RunIDs      []string `json:"run_ids"`
	// PairIDs is the resolved common pair set, frozen at submission so
	// resume re-enumerates the same units.
	PairIDs     []string   `json:"pair_ids"`
	Params      GenParams  `json:"params"`
	State       RunState   `json:"state"`
	Counts      Counts     `json:"counts"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JudgeEvaluation is the scored verdict for one (pair, source run)
// cell of a judge run.
type JudgeEvaluation struct {
	JudgeRunID  string `json:"judge_run_id"`
	PairID      string `json:"pair_id"`
	SourceRunID string `json:"source_run_id"`
	Model       string `json:"model"` // subject model, not the judge

	ScoresA avm.Scores `json:"scores_a"`
	ScoresB avm.Scores `json:"scores_b"`

	// Archetype codes as stated by the judge and as derived from the
	// scores it returned. Disagreement flags the cells worth auditing.
	JudgeArchetypeA   string `json:"judge_archetype_a,omitempty"`
	JudgeArchetypeB   string `json:"judge_archetype_b,omitempty"`
	DerivedArchetypeA string `json:"derived_archetype_a"`
	DerivedArchetypeB string `json:"derived_archetype_b"`
	Disagreement      bool   `json:"archetype_disagreement"`

	Volatility float64        `json:"volatility"`
	Stance     avm.StanceKind `json:"stance"`

	RationaleA string `json:"rationale_a,omitempty"`
	RationaleB string `json:"rationale_b,omitempty"`
	Summary    string `json:"summary,omitempty"`

	Failed        bool      `json:"failed"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
