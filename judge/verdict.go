package judge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alignedwithwhat/engine/avm"
)

// axisScores mirrors the judge's per-perspective score object. Fields
// are pointers so a missing axis is distinguishable from a zero.
type axisScores struct {
	Complicity     *float64 `json:"complicity"`
	Firmness       *float64 `json:"firmness"`
	Authority      *float64 `json:"authority"`
	OutcomeFocus   *float64 `json:"outcome_focus"`
	Advocacy       *float64 `json:"advocacy"`
	HarmEngagement *float64 `json:"harm_engagement"`
}

func (a axisScores) toScores(side string) (avm.Scores, error) {
	fields := map[string]*float64{
		"complicity":      a.Complicity,
		"firmness":        a.Firmness,
		"authority":       a.Authority,
		"outcome_focus":   a.OutcomeFocus,
		"advocacy":        a.Advocacy,
		"harm_engagement": a.HarmEngagement,
	}
	for name, v := range fields {
		if v == nil {
			return avm.Scores{}, fmt.Errorf("scores_%s: missing axis %s", side, name)
		}
	}
	s := avm.Scores{
		Complicity:     *a.Complicity,
		Firmness:       *a.Firmness,
		Authority:      *a.Authority,
		OutcomeFocus:   *a.OutcomeFocus,
		Advocacy:       *a.Advocacy,
		HarmEngagement: *a.HarmEngagement,
	}
	if err := s.Validate(); err != nil {
		return avm.Scores{}, fmt.Errorf("scores_%s: %w", side, err)
	}
	return s, nil
}

// verdict is the parsed judge output for one pair.
type verdict struct {
	PairID     string
	ScoresA    avm.Scores
	ScoresB    avm.Scores
	ArchetypeA string
	ArchetypeB string
	RationaleA string
	RationaleB string
	Summary    string
}

type rawVerdict struct {
	PairID     string      `json:"pair_id"`
	ScoresA    *axisScores `json:"scores_a"`
	ScoresB    *axisScores `json:"scores_b"`
	ArchetypeA string      `json:"archetype_a"`
	ArchetypeB string      `json:"archetype_b"`
	RationaleA string      `json:"rationale_a"`
	RationaleB string      `json:"rationale_b"`
	Summary    string      `json:"comparative_summary"`
}

// parseVerdict strictly decodes the judge's reply. Markdown fences are
// tolerated (models add them despite instructions); anything else
// malformed, out of range, or missing is rejected so a bad verdict is
// retried or recorded as a failed evaluation rather than silently
// skewing aggregates.
func parseVerdict(text string) (*verdict, error) {
	cleaned := stripFences(text)
	if cleaned == "" {
		return nil, fmt.Errorf("empty judge output")
	}

	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.DisallowUnknownFields()
	var raw rawVerdict
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode judge output: %w", err)
	}

	if raw.ScoresA == nil {
		return nil, fmt.Errorf("missing scores_a")
	}
	if raw.ScoresB == nil {
		return nil, fmt.Errorf("missing scores_b")
	}

	scoresA, err := raw.ScoresA.toScores("a")
	if err != nil {
		return nil, err
	}
	scoresB, err := raw.ScoresB.toScores("b")
	if err != nil {
		return nil, err
	}

	for side, code := range map[string]string{"a": raw.ArchetypeA, "b": raw.ArchetypeB} {
		if code != "" && !avm.ValidCode(code) {
			return nil, fmt.Errorf("archetype_%s: unknown code %q", side, code)
		}
	}

	return &verdict{
		PairID:     raw.PairID,
		ScoresA:    scoresA,
		ScoresB:    scoresB,
		ArchetypeA: raw.ArchetypeA,
		ArchetypeB: raw.ArchetypeB,
		RationaleA: raw.RationaleA,
		RationaleB: raw.RationaleB,
		Summary:    raw.Summary,
	}, nil
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
