package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alignedwithwhat/engine/core"
	"github.com/alignedwithwhat/engine/pkg/logging"
	"github.com/alignedwithwhat/engine/provider"
	"github.com/alignedwithwhat/engine/store"
	"github.com/alignedwithwhat/engine/store/memory"
)

func seedPairs(t *testing.T, st *memory.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, st.PutScenarioPair(context.Background(), &core.ScenarioPair{
			ID:           id,
			Domain:       "housing",
			Region:       "EU",
			Severity:     3,
			ConflictText: "conflict " + id,
			PromptA:      "side A of " + id,
			PromptB:      "side B of " + id,
		}))
	}
}

func newScheduler(st *memory.Store, gw provider.Gateway, workers int) *Scheduler {
	cfg := DefaultConfig()
	cfg.Workers = workers
	cfg.DispatchTimeout = 2 * time.Second
	return New(st, gw, cfg, nil, logging.NewNop(), nil, nil)
}

func TestSubmitRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedPairs(t, st, "p1", "p2")
	gw := provider.NewMockGateway()
	s := newScheduler(st, gw, 3)

	run, err := s.Submit(ctx, core.RunConfig{Model: "test-model", Params: core.GenParams{MaxTokens: 64}})
	require.NoError(t, err)
	assert.Equal(t, core.StateRunning, run.State)
	assert.Equal(t, 4, run.Counts.Total, "two pairs give four dispatch units")

	require.NoError(t, s.Wait(ctx, run.ID))

	got, err := s.Status(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, got.State)
	assert.Equal(t, core.Counts{Total: 4, Completed: 4, Failed: 0}, got.Counts)
	require.NotNil(t, got.CompletedAt)

	responses, err := st.ResponsesForRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, responses, 4)
	for _, resp := range responses {
		assert.True(t, resp.OK())
		assert.Equal(t, "test-model", resp.Model)
	}
	assert.Equal(t, 4, gw.CallCount())
}

func TestFailedUnitDoesNotPoisonRun(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedPairs(t, st, "p1", "p2")
	gw := provider.NewMockGateway()
	gw.FailWith("side B of p2", core.ErrKindTimeout, 1)
	s := newScheduler(st, gw, 2)

	run, err := s.Submit(ctx, core.RunConfig{Model: "m"})
	require.NoError(t, err)
	require.NoError(t, s.Wait(ctx, run.ID))

	got, err := s.Status(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, got.State, "unit failures do not fail the run")
	assert.Equal(t, core.Counts{Total: 4, Completed: 3, Failed: 1}, got.Counts)

	failed, err := st.Response(ctx, run.ID, "p2", core.PerspectiveB)
	require.NoError(t, err)
	assert.Equal(t, core.ErrKindTimeout, failed.ErrKind)
	assert.Empty(t, failed.Text)

	covered, err := st.CoveredPairIDs(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, covered)
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedPairs(t, st, "p1")
	gw := provider.NewMockGateway()

	cfg := DefaultConfig()
	cfg.Catalog = []string{"allowed-model"}
	s := New(st, gw, cfg, nil, logging.NewNop(), nil, nil)

	_, err := s.Submit(ctx, core.RunConfig{Model: "other-model"})
	assert.ErrorIs(t, err, core.ErrUnknownModel)

	_, err = s.Submit(ctx, core.RunConfig{
		Model:  "allowed-model",
		Filter: core.ScenarioFilter{Domains: []string{"no-such-domain"}},
	})
	assert.ErrorIs(t, err, core.ErrEmptySelection)

	assert.Zero(t, gw.CallCount(), "validation failures must not dispatch")
}

// gatedGateway blocks each call until released, so tests control
// exactly how far a run progresses.
type gatedGateway struct {
	inner   *provider.MockGateway
	started chan string
	release chan struct{}
}

func (g *gatedGateway) Invoke(ctx context.Context, model, system, prompt string, params provider.Params) (*provider.Completion, error) {
	g.started <- prompt
	<-g.release
	return g.inner.Invoke(ctx, model, system, prompt, params)
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedPairs(t, st, "p1", "p2")
	gw := &gatedGateway{
		inner:   provider.NewMockGateway(),
		started: make(chan string, 8),
		release: make(chan struct{}, 8),
	}
	s := newScheduler(st, gw, 1)

	run, err := s.Submit(ctx, core.RunConfig{Model: "m"})
	require.NoError(t, err)

	// First unit is in flight; pause before it finishes.
	<-gw.started
	require.NoError(t, s.Pause(ctx, run.ID))
	gw.release <- struct{}{}
	require.NoError(t, s.Wait(ctx, run.ID))

	got, err := s.Status(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatePaused, got.State)
	assert.Equal(t, 1, got.Counts.Completed+got.Counts.Failed, "in-flight unit finishes and is accounted")

	// Pausing a paused run is rejected.
	assert.ErrorIs(t, s.Pause(ctx, run.ID), core.ErrInvalidTransition)

	// Resume dispatches only the remaining three units.
	for i := 0; i < 3; i++ {
		gw.release <- struct{}{}
	}
	require.NoError(t, s.Resume(ctx, run.ID))
	for i := 0; i < 3; i++ {
		<-gw.started
	}
	require.NoError(t, s.Wait(ctx, run.ID))

	got, err = s.Status(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, got.State)
	assert.Equal(t, core.Counts{Total: 4, Completed: 4, Failed: 0}, got.Counts)
	assert.Equal(t, 4, gw.inner.CallCount(), "already-dispatched units are not re-sent")
}

func TestResumeRecoversFromStore(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedPairs(t, st, "p1", "p2")
	gw := provider.NewMockGateway()
	s := newScheduler(st, gw, 2)

	// A paused run persisted by a previous process: p1 fully done,
	// p2 untouched.
	run := &core.ExecutionRun{
		ID:        "r-recovered",
		Model:     "m",
		PairIDs:   []string{"p1", "p2"},
		State:     core.StatePaused,
		Counts:    core.Counts{Total: 4, Completed: 2},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.SaveRun(ctx, run))
	for _, side := range core.Perspectives() {
		require.NoError(t, st.SaveResponse(ctx, &core.ModelResponse{
			RunID: run.ID, PairID: "p1", Side: side, Model: "m", Text: "done earlier",
			CreatedAt: time.Now().UTC(),
		}))
	}

	require.NoError(t, s.Resume(ctx, run.ID))
	require.NoError(t, s.Wait(ctx, run.ID))

	got, err := s.Status(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, got.State)
	assert.Equal(t, core.Counts{Total: 4, Completed: 4}, got.Counts)
	assert.Equal(t, 2, gw.CallCount(), "only p2's two units are dispatched")

	// Pre-existing responses are untouched.
	prev, err := st.Response(ctx, run.ID, "p1", core.PerspectiveA)
	require.NoError(t, err)
	assert.Equal(t, "done earlier", prev.Text)
}

func TestResumeValidation(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedPairs(t, st, "p1")
	s := newScheduler(st, provider.NewMockGateway(), 1)

	assert.ErrorIs(t, s.Resume(ctx, "missing"), core.ErrRunNotFound)

	run := &core.ExecutionRun{
		ID: "r-done", Model: "m", State: core.StateCompleted,
		Counts: core.Counts{Total: 2, Completed: 2}, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.SaveRun(ctx, run))
	assert.ErrorIs(t, s.Resume(ctx, "r-done"), core.ErrInvalidTransition)
}

func TestQuickTest(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedPairs(t, st, "p1")
	gw := provider.NewMockGateway()
	gw.Respond = func(model, system, prompt string, params provider.Params) (string, error) {
		return "reply to " + prompt, nil
	}
	s := newScheduler(st, gw, 1)

	out, err := s.QuickTest(ctx, "m", "p1", core.GenParams{MaxTokens: 32})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "reply to side A of p1", out[core.PerspectiveA].Text)
	assert.Equal(t, "reply to side B of p1", out[core.PerspectiveB].Text)

	runs, err := st.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, runs, "quick tests do not create runs")
}

func TestResumeKeepsSubmittedPairSet(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedPairs(t, st, "p1", "p2")
	gw := &gatedGateway{
		inner:   provider.NewMockGateway(),
		started: make(chan string, 8),
		release: make(chan struct{}, 8),
	}
	s := newScheduler(st, gw, 1)

	run, err := s.Submit(ctx, core.RunConfig{Model: "m"})
	require.NoError(t, err)
	require.Equal(t, 4, run.Counts.Total)

	<-gw.started
	require.NoError(t, s.Pause(ctx, run.ID))
	gw.release <- struct{}{}
	require.NoError(t, s.Wait(ctx, run.ID))

	// A pair ingested while the run sits paused must not join it.
	seedPairs(t, st, "p3")

	for i := 0; i < 3; i++ {
		gw.release <- struct{}{}
	}
	require.NoError(t, s.Resume(ctx, run.ID))
	require.NoError(t, s.Wait(ctx, run.ID))

	got, err := s.Status(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, got.State)
	assert.Equal(t, core.Counts{Total: 4, Completed: 4}, got.Counts)
	assert.Equal(t, 4, gw.inner.CallCount())

	_, err = st.Response(ctx, run.ID, "p3", core.PerspectiveA)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// auditStore checks, on every response write, that the run's persisted
// counters already account for every response written so far.
type auditStore struct {
	store.Store
	mu         sync.Mutex
	saved      int
	violations []string
}

func (a *auditStore) SaveResponse(ctx context.Context, resp *core.ModelResponse) error {
	a.mu.Lock()
	a.saved++
	n := a.saved
	a.mu.Unlock()

	run, err := a.Store.Run(ctx, resp.RunID)
	if err == nil && run.Counts.Completed+run.Counts.Failed < n {
		a.mu.Lock()
		a.violations = append(a.violations,
			fmt.Sprintf("response %d written with only %d accounted", n, run.Counts.Completed+run.Counts.Failed))
		a.mu.Unlock()
	}
	return a.Store.SaveResponse(ctx, resp)
}

func TestAccountingNeverTrailsResponses(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	ids := make([]string, 8)
	for i := range ids {
		ids[i] = fmt.Sprintf("p%d", i+1)
	}
	seedPairs(t, mem, ids...)

	st := &auditStore{Store: mem}
	gw := provider.NewMockGateway()
	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.DispatchTimeout = 2 * time.Second
	s := New(st, gw, cfg, nil, logging.NewNop(), nil, nil)

	run, err := s.Submit(ctx, core.RunConfig{Model: "m"})
	require.NoError(t, err)
	require.NoError(t, s.Wait(ctx, run.ID))

	got, err := s.Status(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.Counts{Total: 16, Completed: 16}, got.Counts)

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Empty(t, st.violations)
}
