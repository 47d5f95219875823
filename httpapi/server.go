// Package httpapi exposes the engine over HTTP: scenario ingestion,
// run and judge run lifecycle, and read-only analytics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alignedwithwhat/engine/analytics"
	"github.com/alignedwithwhat/engine/avm"
	"github.com/alignedwithwhat/engine/core"
	"github.com/alignedwithwhat/engine/judge"
	"github.com/alignedwithwhat/engine/pkg/logging"
	"github.com/alignedwithwhat/engine/scheduler"
	"github.com/alignedwithwhat/engine/store"
)

// Server represents the HTTP server
type Server struct {
	port      string
	logger    *logging.Logger
	router    *http.ServeMux
	store     store.Store
	scheduler *scheduler.Scheduler
	judge     *judge.Engine
	catalog   []string

	httpServer *http.Server
}

// NewServer creates a new HTTP server
func NewServer(port string, st store.Store, sched *scheduler.Scheduler, judgeEngine *judge.Engine, catalog []string, logger *logging.Logger) *Server {
	s := &Server{
		port:      port,
		logger:    logger,
		router:    http.NewServeMux(),
		store:     st,
		scheduler: sched,
		judge:     judgeEngine,
		catalog:   catalog,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.Handle("GET /metrics", promhttp.Handler())

	s.router.HandleFunc("POST /v1/scenarios", s.handleScenariosIngest)
	s.router.HandleFunc("GET /v1/scenarios", s.handleScenariosList)
	s.router.HandleFunc("GET /v1/scenarios/{id}", s.handleScenarioGet)

	s.router.HandleFunc("POST /v1/runs", s.handleRunSubmit)
	s.router.HandleFunc("GET /v1/runs", s.handleRunList)
	s.router.HandleFunc("GET /v1/runs/{id}", s.handleRunStatus)
	s.router.HandleFunc("POST /v1/runs/{id}/pause", s.handleRunPause)
	s.router.HandleFunc("POST /v1/runs/{id}/resume", s.handleRunResume)
	s.router.HandleFunc("GET /v1/runs/{id}/responses", s.handleRunResponses)

	s.router.HandleFunc("POST /v1/judge-runs", s.handleJudgeSubmit)
	s.router.HandleFunc("GET /v1/judge-runs", s.handleJudgeList)
	s.router.HandleFunc("GET /v1/judge-runs/{id}", s.handleJudgeStatus)
	s.router.HandleFunc("POST /v1/judge-runs/{id}/pause", s.handleJudgePause)
	s.router.HandleFunc("POST /v1/judge-runs/{id}/resume", s.handleJudgeResume)
	s.router.HandleFunc("GET /v1/judge-runs/{id}/evaluations", s.handleJudgeEvaluations)
	s.router.HandleFunc("GET /v1/judge-runs/{id}/summary", s.handleJudgeSummary)

	s.router.HandleFunc("POST /v1/quicktest", s.handleQuickTest)
	s.router.HandleFunc("GET /v1/models", s.handleModels)
	s.router.HandleFunc("GET /v1/archetypes", s.handleArchetypes)
}

// Handler returns the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting HTTP server", "port", s.port)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   "engine",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type scenariosIngestRequest struct {
	Pairs []core.ScenarioPair `json:"pairs"`
}

// handleScenariosIngest upserts a batch of scenario pairs.
func (s *Server) handleScenariosIngest(w http.ResponseWriter, r *http.Request) {
	var req scenariosIngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "invalid JSON body", "INVALID_JSON", http.StatusBadRequest)
		return
	}
	if len(req.Pairs) == 0 {
		s.writeError(w, "no pairs in request", "EMPTY_BATCH", http.StatusBadRequest)
		return
	}

	for i := range req.Pairs {
		pair := req.Pairs[i]
		if err := pair.Validate(); err != nil {
			s.writeError(w, err.Error(), "INVALID_PAIR", http.StatusBadRequest)
			return
		}
		if err := s.store.PutScenarioPair(r.Context(), &pair); err != nil {
			s.serveError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"ingested": len(req.Pairs)})
}

func (s *Server) handleScenariosList(w http.ResponseWriter, r *http.Request) {
	filter := core.ScenarioFilter{MaxPairs: queryInt(r, "max")}
	if v := r.URL.Query().Get("domain"); v != "" {
		filter.Domains = []string{v}
	}
	if v := r.URL.Query().Get("region"); v != "" {
		filter.Regions = []string{v}
	}
	if sev := queryInt(r, "severity"); sev > 0 {
		filter.Severities = []int{sev}
	}

	pairs, err := s.store.ListScenarioPairs(r.Context(), filter)
	if err != nil {
		s.serveError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pairs": pairs, "count": len(pairs)})
}

func (s *Server) handleScenarioGet(w http.ResponseWriter, r *http.Request) {
	pair, err := s.store.ScenarioPair(r.Context(), r.PathValue("id"))
	if err != nil {
		s.serveError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pair)
}

// handleRunSubmit schedules a new execution run.
func (s *Server) handleRunSubmit(w http.ResponseWriter, r *http.Request) {
	var cfg core.RunConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, "invalid JSON body", "INVALID_JSON", http.StatusBadRequest)
		return
	}

	run, err := s.scheduler.Submit(r.Context(), cfg)
	if err != nil {
		s.serveError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context(), queryInt(r, "limit"))
	if err != nil {
		s.serveError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.scheduler.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.serveError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunPause(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scheduler.Pause(r.Context(), id); err != nil {
		s.serveError(w, err)
		return
	}
	run, err := s.scheduler.Status(r.Context(), id)
	if err != nil {
		s.serveError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scheduler.Resume(r.Context(), id); err != nil {
		s.serveError(w, err)
		return
	}
	run, err := s.scheduler.Status(r.Context(), id)
	if err != nil {
		s.serveError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunResponses(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.scheduler.Status(r.Context(), id); err != nil {
		s.serveError(w, err)
		return
	}
	responses, err := s.store.ResponsesForRun(r.Context(), id)
	if err != nil {
		s.serveError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"responses": responses, "count": len(responses)})
}

// handleJudgeSubmit schedules a judge run over completed source runs.
func (s *Server) handleJudgeSubmit(w http.ResponseWriter, r *http.Request) {
	var cfg core.JudgeConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, "invalid JSON body", "INVALID_JSON", http.StatusBadRequest)
		return
	}

	run, err := s.judge.Submit(r.Context(), cfg)
	if err != nil {
		s.serveError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleJudgeList(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListJudgeRuns(r.Context(), queryInt(r, "limit"))
	if err != nil {
		s.serveError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"judge_runs": runs, "count": len(runs)})
}

func (s *Server) handleJudgeStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.judge.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.serveError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleJudgePause(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.judge.Pause(r.Context(), id); err != nil {
		s.serveError(w, err)
		return
	}
	run, err := s.judge.Status(r.Context(), id)
	if err != nil {
		s.serveError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleJudgeResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.judge.Resume(r.Context(), id); err != nil {
		s.serveError(w, err)
		return
	}
	run, err := s.judge.Status(r.Context(), id)
	if err != nil {
		s.serveError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleJudgeEvaluations(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.judge.Status(r.Context(), id); err != nil {
		s.serveError(w, err)
		return
	}
	evals, err := s.store.EvaluationsForJudgeRun(r.Context(), id)
	if err != nil {
		s.serveError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"evaluations": evals, "count": len(evals)})
}

// handleJudgeSummary computes the aggregate statistics on demand.
func (s *Server) handleJudgeSummary(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.judge.Status(r.Context(), id); err != nil {
		s.serveError(w, err)
		return
	}
	evals, err := s.store.EvaluationsForJudgeRun(r.Context(), id)
	if err != nil {
		s.serveError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, analytics.Summarize(id, evals))
}

type quickTestRequest struct {
	Model  string         `json:"model"`
	PairID string         `json:"pair_id"`
	Params core.GenParams `json:"params"`
}

// handleQuickTest dispatches both perspectives of one pair
// synchronously without creating a run.
func (s *Server) handleQuickTest(w http.ResponseWriter, r *http.Request) {
	var req quickTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "invalid JSON body", "INVALID_JSON", http.StatusBadRequest)
		return
	}

	out, err := s.scheduler.QuickTest(r.Context(), req.Model, req.PairID, req.Params)
	if err != nil {
		s.serveError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"models": s.catalog})
}

// handleArchetypes serves the fixed 24-entry taxonomy table.
func (s *Server) handleArchetypes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"archetypes": avm.All()})
}

// serveError maps domain errors onto HTTP status codes.
func (s *Server) serveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrRunNotFound), errors.Is(err, store.ErrNotFound):
		s.writeError(w, err.Error(), "NOT_FOUND", http.StatusNotFound)
	case errors.Is(err, core.ErrUnknownModel):
		s.writeError(w, err.Error(), "UNKNOWN_MODEL", http.StatusBadRequest)
	case errors.Is(err, core.ErrEmptySelection):
		s.writeError(w, err.Error(), "EMPTY_SELECTION", http.StatusBadRequest)
	case errors.Is(err, core.ErrNonDeterministic):
		s.writeError(w, err.Error(), "NON_DETERMINISTIC_PARAMS", http.StatusBadRequest)
	case errors.Is(err, core.ErrNoCommonPairs):
		s.writeError(w, err.Error(), "NO_COMMON_PAIRS", http.StatusBadRequest)
	case errors.Is(err, core.ErrRunNotCompleted):
		s.writeError(w, err.Error(), "RUN_NOT_COMPLETED", http.StatusConflict)
	case errors.Is(err, core.ErrInvalidTransition):
		s.writeError(w, err.Error(), "INVALID_TRANSITION", http.StatusConflict)
	default:
		s.logger.Error("request failed", "error", err.Error())
		s.writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response failed", "error", err.Error())
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, message, code string, statusCode int) {
	s.writeJSON(w, statusCode, map[string]string{"error": message, "code": code})
}

func queryInt(r *http.Request, key string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
