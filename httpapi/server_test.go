package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alignedwithwhat/engine/avm"
	"github.com/alignedwithwhat/engine/core"
	"github.com/alignedwithwhat/engine/judge"
	"github.com/alignedwithwhat/engine/pkg/logging"
	"github.com/alignedwithwhat/engine/provider"
	"github.com/alignedwithwhat/engine/scheduler"
	"github.com/alignedwithwhat/engine/store/memory"
)

type testEnv struct {
	server *Server
	sched  *scheduler.Scheduler
	judge  *judge.Engine
	store  *memory.Store
	gw     *provider.MockGateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := memory.New()
	logger := logging.NewNop()

	gw := provider.NewMockGateway()
	same := avm.Scores{Complicity: 0.6, Firmness: 0.7, Authority: 0.4, OutcomeFocus: 0.3, Advocacy: 0.5, HarmEngagement: 0.2}
	gw.Respond = func(model, system, prompt string, params provider.Params) (string, error) {
		if system == "" {
			// Subject dispatch.
			return "subject response from " + model, nil
		}
		// Judge verdict.
		return fmt.Sprintf(`{
  "pair_id": "p",
  "scores_a": {"complicity": %g, "firmness": %g, "authority": %g, "outcome_focus": %g, "advocacy": %g, "harm_engagement": %g},
  "scores_b": {"complicity": 0.1, "firmness": 0.9, "authority": 0.2, "outcome_focus": 0.3, "advocacy": 0.1, "harm_engagement": 0.0},
  "archetype_a": "", "archetype_b": "",
  "rationale_a": "r", "rationale_b": "r",
  "comparative_summary": "s"
}`, same.Complicity, same.Firmness, same.Authority, same.OutcomeFocus, same.Advocacy, same.HarmEngagement), nil
	}

	schedCfg := scheduler.Config{
		Workers:         2,
		DispatchTimeout: 5 * time.Second,
		Catalog:         []string{"vendor/model-a", "vendor/judge"},
	}
	sched := scheduler.New(st, gw, schedCfg, nil, logger, nil, nil)
	judgeEngine := judge.New(st, gw, judge.Config{Workers: 2, EvalTimeout: 5 * time.Second, ParseRetries: 1}, nil, logger, nil, nil)

	return &testEnv{
		server: NewServer("0", st, sched, judgeEngine, schedCfg.Catalog, logger),
		sched:  sched,
		judge:  judgeEngine,
		store:  st,
		gw:     gw,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func ingestPairs(t *testing.T, env *testEnv, ids ...string) {
	t.Helper()
	pairs := make([]core.ScenarioPair, 0, len(ids))
	for _, id := range ids {
		pairs = append(pairs, core.ScenarioPair{
			ID:           id,
			Domain:       "housing",
			Severity:     3,
			ConflictText: "conflict",
			PromptA:      "prompt a " + id,
			PromptB:      "prompt b " + id,
		})
	}
	rec := env.do(t, http.MethodPost, "/v1/scenarios", map[string]any{"pairs": pairs})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
}

func TestScenarioIngestAndList(t *testing.T) {
	env := newTestEnv(t)
	ingestPairs(t, env, "p1", "p2")

	rec := env.do(t, http.MethodGet, "/v1/scenarios?domain=housing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]json.RawMessage](t, rec)
	var count int
	require.NoError(t, json.Unmarshal(body["count"], &count))
	assert.Equal(t, 2, count)

	rec = env.do(t, http.MethodGet, "/v1/scenarios/p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pair := decode[core.ScenarioPair](t, rec)
	assert.Equal(t, "p1", pair.ID)

	rec = env.do(t, http.MethodGet, "/v1/scenarios/absent", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScenarioIngestRejectsInvalid(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/scenarios", map[string]any{"pairs": []core.ScenarioPair{{ID: "bad"}}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/scenarios", map[string]any{"pairs": []core.ScenarioPair{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	ingestPairs(t, env, "p1", "p2")

	rec := env.do(t, http.MethodPost, "/v1/runs", core.RunConfig{
		Model:  "vendor/model-a",
		Params: core.GenParams{MaxTokens: 256},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	run := decode[core.ExecutionRun](t, rec)
	assert.Equal(t, 4, run.Counts.Total)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, env.sched.Wait(ctx, run.ID))

	rec = env.do(t, http.MethodGet, "/v1/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	final := decode[core.ExecutionRun](t, rec)
	assert.Equal(t, core.StateCompleted, final.State)
	assert.Equal(t, 4, final.Counts.Completed)

	rec = env.do(t, http.MethodGet, "/v1/runs/"+run.ID+"/responses", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRunSubmitErrors(t *testing.T) {
	env := newTestEnv(t)
	ingestPairs(t, env, "p1")

	rec := env.do(t, http.MethodPost, "/v1/runs", core.RunConfig{Model: "vendor/unlisted"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/runs", core.RunConfig{
		Model:  "vendor/model-a",
		Filter: core.ScenarioFilter{Domains: []string{"no-such-domain"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString("{nope"))
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	rec = env.do(t, http.MethodGet, "/v1/runs/absent", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/runs/absent/pause", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJudgeLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	ingestPairs(t, env, "p1", "p2")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec := env.do(t, http.MethodPost, "/v1/runs", core.RunConfig{Model: "vendor/model-a"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	run := decode[core.ExecutionRun](t, rec)
	require.NoError(t, env.sched.Wait(ctx, run.ID))

	rec = env.do(t, http.MethodPost, "/v1/judge-runs", core.JudgeConfig{
		JudgeModel: "vendor/judge",
		RunIDs:     []string{run.ID},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	jr := decode[core.JudgeRun](t, rec)
	assert.Equal(t, 2, jr.Counts.Total)
	require.NoError(t, env.judge.Wait(ctx, jr.ID))

	rec = env.do(t, http.MethodGet, "/v1/judge-runs/"+jr.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	final := decode[core.JudgeRun](t, rec)
	assert.Equal(t, core.StateCompleted, final.State)

	rec = env.do(t, http.MethodGet, "/v1/judge-runs/"+jr.ID+"/evaluations", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/judge-runs/"+jr.ID+"/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[map[string]json.RawMessage](t, rec)
	var evalCount int
	require.NoError(t, json.Unmarshal(summary["evaluations"], &evalCount))
	assert.Equal(t, 2, evalCount)

	// Judging a non-completed run is a conflict.
	rec = env.do(t, http.MethodPost, "/v1/judge-runs", core.JudgeConfig{
		JudgeModel: "vendor/judge",
		RunIDs:     []string{"absent"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/judge-runs", core.JudgeConfig{
		JudgeModel: "vendor/judge",
		RunIDs:     []string{run.ID},
		Params:     &core.GenParams{Temperature: 0.9},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuickTestOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	ingestPairs(t, env, "p1")

	rec := env.do(t, http.MethodPost, "/v1/quicktest", quickTestRequest{
		Model:  "vendor/model-a",
		PairID: "p1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[map[string]*provider.Completion](t, rec)
	require.Len(t, out, 2)
	assert.NotEmpty(t, out["A"].Text)
	assert.NotEmpty(t, out["B"].Text)
}

func TestArchetypeTable(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/archetypes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string][]avm.Archetype](t, rec)
	assert.Len(t, body["archetypes"], 24)
}

func TestModelCatalog(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string][]string](t, rec)
	assert.Equal(t, []string{"vendor/model-a", "vendor/judge"}, body["models"])
}
