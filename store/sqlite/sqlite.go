// Package sqlite implements the Store interface over a local SQLite
// database. Structured attributes (filters, params, run ID lists,
// score vectors) are stored as JSON text columns.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alignedwithwhat/engine/avm"
	"github.com/alignedwithwhat/engine/core"
	"github.com/alignedwithwhat/engine/store"
)

// Store implements store.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (and if necessary initializes) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

func (s *Store) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS scenario_pairs (
		id TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		region TEXT NOT NULL,
		severity INTEGER NOT NULL,
		conflict_text TEXT NOT NULL,
		prompt_a TEXT NOT NULL,
		prompt_b TEXT NOT NULL,
		harm_tags TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		filter_json TEXT NOT NULL,
		pair_ids TEXT NOT NULL DEFAULT '[]',
		params_json TEXT NOT NULL,
		state TEXT NOT NULL,
		total INTEGER NOT NULL,
		completed INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS responses (
		run_id TEXT NOT NULL,
		pair_id TEXT NOT NULL,
		side TEXT NOT NULL,
		model TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		finish_reason TEXT NOT NULL DEFAULT '',
		prompt_tokens INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		total_tokens INTEGER NOT NULL,
		latency_ns INTEGER NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, pair_id, side)
	);

	CREATE TABLE IF NOT EXISTS judge_runs (
		id TEXT PRIMARY KEY,
		judge_model TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		run_ids TEXT NOT NULL,
		pair_ids TEXT NOT NULL,
		params_json TEXT NOT NULL,
		state TEXT NOT NULL,
		total INTEGER NOT NULL,
		completed INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS evaluations (
		judge_run_id TEXT NOT NULL,
		pair_id TEXT NOT NULL,
		source_run_id TEXT NOT NULL,
		model TEXT NOT NULL,
		scores_a TEXT NOT NULL,
		scores_b TEXT NOT NULL,
		judge_archetype_a TEXT NOT NULL DEFAULT '',
		judge_archetype_b TEXT NOT NULL DEFAULT '',
		derived_archetype_a TEXT NOT NULL DEFAULT '',
		derived_archetype_b TEXT NOT NULL DEFAULT '',
		disagreement INTEGER NOT NULL DEFAULT 0,
		volatility REAL NOT NULL DEFAULT 0,
		stance TEXT NOT NULL DEFAULT '',
		rationale_a TEXT NOT NULL DEFAULT '',
		rationale_b TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		failed INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		PRIMARY KEY (judge_run_id, pair_id, source_run_id)
	);

	CREATE INDEX IF NOT EXISTS idx_pairs_domain ON scenario_pairs(domain);
	CREATE INDEX IF NOT EXISTS idx_pairs_region ON scenario_pairs(region);
	CREATE INDEX IF NOT EXISTS idx_responses_run ON responses(run_id);
	CREATE INDEX IF NOT EXISTS idx_evaluations_judge_run ON evaluations(judge_run_id);
	`

	_, err := s.db.Exec(query)
	return err
}

func (s *Store) PutScenarioPair(ctx context.Context, pair *core.ScenarioPair) error {
	if err := pair.Validate(); err != nil {
		return err
	}
	tags, err := json.Marshal(pair.HarmTags)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO scenario_pairs (id, domain, region, severity, conflict_text, prompt_a, prompt_b, harm_tags)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		domain = excluded.domain,
		region = excluded.region,
		severity = excluded.severity,
		conflict_text = excluded.conflict_text,
		prompt_a = excluded.prompt_a,
		prompt_b = excluded.prompt_b,
		harm_tags = excluded.harm_tags
	`

	_, err = s.db.ExecContext(ctx, query,
		pair.ID, pair.Domain, pair.Region, pair.Severity,
		pair.ConflictText, pair.PromptA, pair.PromptB, string(tags),
	)
	return err
}

func (s *Store) ScenarioPair(ctx context.Context, id string) (*core.ScenarioPair, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, domain, region, severity, conflict_text, prompt_a, prompt_b, harm_tags
		 FROM scenario_pairs WHERE id = ?`, id)
	return scanPair(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPair(row rowScanner) (*core.ScenarioPair, error) {
	var pair core.ScenarioPair
	var tags string
	err := row.Scan(&pair.ID, &pair.Domain, &pair.Region, &pair.Severity,
		&pair.ConflictText, &pair.PromptA, &pair.PromptB, &tags)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &pair.HarmTags); err != nil {
		return nil, fmt.Errorf("decode harm tags for %s: %w", pair.ID, err)
	}
	return &pair, nil
}

func (s *Store) ListScenarioPairs(ctx context.Context, filter core.ScenarioFilter) ([]*core.ScenarioPair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, domain, region, severity, conflict_text, prompt_a, prompt_b, harm_tags
		 FROM scenario_pairs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.ScenarioPair
	for rows.Next() {
		pair, err := scanPair(rows)
		if err != nil {
			return nil, err
		}
		if filter.Matches(pair) {
			out = append(out, pair)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return store.ApplyLimit(out, filter.MaxPairs), nil
}

func (s *Store) SaveRun(ctx context.Context, run *core.ExecutionRun) error {
	filterJSON, err := json.Marshal(run.Filter)
	if err != nil {
		return err
	}
	pairIDsJSON, err := json.Marshal(run.PairIDs)
	if err != nil {
		return err
	}
	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO runs (id, model, description, filter_json, pair_ids, params_json, state, total, completed, failed, created_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		state = excluded.state,
		total = excluded.total,
		completed = excluded.completed,
		failed = excluded.failed,
		completed_at = excluded.completed_at
	`

	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.Model, run.Description, string(filterJSON), string(pairIDsJSON), string(paramsJSON),
		string(run.State), run.Counts.Total, run.Counts.Completed, run.Counts.Failed,
		run.CreatedAt, nullableTime(run.CompletedAt),
	)
	return err
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func (s *Store) Run(ctx context.Context, id string) (*core.ExecutionRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, model, description, filter_json, pair_ids, params_json, state, total, completed, failed, created_at, completed_at
		 FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

func scanRun(row rowScanner) (*core.ExecutionRun, error) {
	var run core.ExecutionRun
	var filterJSON, pairIDsJSON, paramsJSON, state string
	var completedAt sql.NullTime
	err := row.Scan(&run.ID, &run.Model, &run.Description, &filterJSON, &pairIDsJSON, &paramsJSON,
		&state, &run.Counts.Total, &run.Counts.Completed, &run.Counts.Failed,
		&run.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(filterJSON), &run.Filter); err != nil {
		return nil, fmt.Errorf("decode filter for run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(pairIDsJSON), &run.PairIDs); err != nil {
		return nil, fmt.Errorf("decode pair ids for run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
		return nil, fmt.Errorf("decode params for run %s: %w", run.ID, err)
	}
	run.State = core.RunState(state)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]*core.ExecutionRun, error) {
	query := `SELECT id, model, description, filter_json, pair_ids, params_json, state, total, completed, failed, created_at, completed_at
		 FROM runs ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.ExecutionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) SaveResponse(ctx context.Context, resp *core.ModelResponse) error {
	query := `
	INSERT INTO responses (run_id, pair_id, side, model, text, finish_reason,
		prompt_tokens, completion_tokens, total_tokens, latency_ns,
		error_kind, error_message, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id, pair_id, side) DO UPDATE SET
		model = excluded.model,
		text = excluded.text,
		finish_reason = excluded.finish_reason,
		prompt_tokens = excluded.prompt_tokens,
		completion_tokens = excluded.completion_tokens,
		total_tokens = excluded.total_tokens,
		latency_ns = excluded.latency_ns,
		error_kind = excluded.error_kind,
		error_message = excluded.error_message,
		created_at = excluded.created_at
	`

	_, err := s.db.ExecContext(ctx, query,
		resp.RunID, resp.PairID, string(resp.Side), resp.Model, resp.Text, resp.FinishReason,
		resp.PromptTokens, resp.CompletionTokens, resp.TotalTokens, int64(resp.Latency),
		string(resp.ErrKind), resp.ErrMessage, resp.CreatedAt,
	)
	return err
}

func (s *Store) Response(ctx context.Context, runID, pairID string, side core.Perspective) (*core.ModelResponse, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, pair_id, side, model, text, finish_reason,
			prompt_tokens, completion_tokens, total_tokens, latency_ns,
			error_kind, error_message, created_at
		 FROM responses WHERE run_id = ? AND pair_id = ? AND side = ?`,
		runID, pairID, string(side))
	return scanResponse(row)
}

func scanResponse(row rowScanner) (*core.ModelResponse, error) {
	var resp core.ModelResponse
	var side, errKind string
	var latencyNS int64
	err := row.Scan(&resp.RunID, &resp.PairID, &side, &resp.Model, &resp.Text, &resp.FinishReason,
		&resp.PromptTokens, &resp.CompletionTokens, &resp.TotalTokens, &latencyNS,
		&errKind, &resp.ErrMessage, &resp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	resp.Side = core.Perspective(side)
	resp.ErrKind = core.ErrorKind(errKind)
	resp.Latency = time.Duration(latencyNS)
	return &resp, nil
}

func (s *Store) ResponsesForRun(ctx context.Context, runID string) ([]*core.ModelResponse, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, pair_id, side, model, text, finish_reason,
			prompt_tokens, completion_tokens, total_tokens, latency_ns,
			error_kind, error_message, created_at
		 FROM responses WHERE run_id = ? ORDER BY pair_id, side`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.ModelResponse
	for rows.Next() {
		resp, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, rows.Err()
}

func (s *Store) CoveredPairIDs(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pair_id FROM responses
		 WHERE run_id = ? AND error_kind = ''
		 GROUP BY pair_id HAVING COUNT(DISTINCT side) = 2
		 ORDER BY pair_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) SaveJudgeRun(ctx context.Context, run *core.JudgeRun) error {
	runIDs, err := json.Marshal(run.RunIDs)
	if err != nil {
		return err
	}
	pairIDs, err := json.Marshal(run.PairIDs)
	if err != nil {
		return err
	}
	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO judge_runs (id, judge_model, description, run_ids, pair_ids, params_json, state, total, completed, failed, created_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		state = excluded.state,
		total = excluded.total,
		completed = excluded.completed,
		failed = excluded.failed,
		completed_at = excluded.completed_at
	`

	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.JudgeModel, run.Description, string(runIDs), string(pairIDs), string(paramsJSON),
		string(run.State), run.Counts.Total, run.Counts.Completed, run.Counts.Failed,
		run.CreatedAt, nullableTime(run.CompletedAt),
	)
	return err
}

func (s *Store) JudgeRun(ctx context.Context, id string) (*core.JudgeRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, judge_model, description, run_ids, pair_ids, params_json, state, total, completed, failed, created_at, completed_at
		 FROM judge_runs WHERE id = ?`, id)
	return scanJudgeRun(row)
}

func scanJudgeRun(row rowScanner) (*core.JudgeRun, error) {
	var run core.JudgeRun
	var runIDs, pairIDs, paramsJSON, state string
	var completedAt sql.NullTime
	err := row.Scan(&run.ID, &run.JudgeModel, &run.Description, &runIDs, &pairIDs, &paramsJSON,
		&state, &run.Counts.Total, &run.Counts.Completed, &run.Counts.Failed,
		&run.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(runIDs), &run.RunIDs); err != nil {
		return nil, fmt.Errorf("decode run ids for judge run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(pairIDs), &run.PairIDs); err != nil {
		return nil, fmt.Errorf("decode pair ids for judge run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
		return nil, fmt.Errorf("decode params for judge run %s: %w", run.ID, err)
	}
	run.State = core.RunState(state)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

func (s *Store) ListJudgeRuns(ctx context.Context, limit int) ([]*core.JudgeRun, error) {
	query := `SELECT id, judge_model, description, run_ids, pair_ids, params_json, state, total, completed, failed, created_at, completed_at
		 FROM judge_runs ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.JudgeRun
	for rows.Next() {
		run, err := scanJudgeRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) SaveEvaluation(ctx context.Context, ev *core.JudgeEvaluation) error {
	scoresA, err := json.Marshal(ev.ScoresA)
	if err != nil {
		return err
	}
	scoresB, err := json.Marshal(ev.ScoresB)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO evaluations (judge_run_id, pair_id, source_run_id, model,
		scores_a, scores_b, judge_archetype_a, judge_archetype_b,
		derived_archetype_a, derived_archetype_b, disagreement,
		volatility, stance, rationale_a, rationale_b, summary,
		failed, failure_reason, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(judge_run_id, pair_id, source_run_id) DO UPDATE SET
		model = excluded.model,
		scores_a = excluded.scores_a,
		scores_b = excluded.scores_b,
		judge_archetype_a = excluded.judge_archetype_a,
		judge_archetype_b = excluded.judge_archetype_b,
		derived_archetype_a = excluded.derived_archetype_a,
		derived_archetype_b = excluded.derived_archetype_b,
		disagreement = excluded.disagreement,
		volatility = excluded.volatility,
		stance = excluded.stance,
		rationale_a = excluded.rationale_a,
		rationale_b = excluded.rationale_b,
		summary = excluded.summary,
		failed = excluded.failed,
		failure_reason = excluded.failure_reason,
		created_at = excluded.created_at
	`

	_, err = s.db.ExecContext(ctx, query,
		ev.JudgeRunID, ev.PairID, ev.SourceRunID, ev.Model,
		string(scoresA), string(scoresB), ev.JudgeArchetypeA, ev.JudgeArchetypeB,
		ev.DerivedArchetypeA, ev.DerivedArchetypeB, boolToInt(ev.Disagreement),
		ev.Volatility, string(ev.Stance), ev.RationaleA, ev.RationaleB, ev.Summary,
		boolToInt(ev.Failed), ev.FailureReason, ev.CreatedAt,
	)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const evalColumns = `judge_run_id, pair_id, source_run_id, model,
		scores_a, scores_b, judge_archetype_a, judge_archetype_b,
		derived_archetype_a, derived_archetype_b, disagreement,
		volatility, stance, rationale_a, rationale_b, summary,
		failed, failure_reason, created_at`

func (s *Store) Evaluation(ctx context.Context, judgeRunID, pairID, sourceRunID string) (*core.JudgeEvaluation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+evalColumns+` FROM evaluations
		 WHERE judge_run_id = ? AND pair_id = ? AND source_run_id = ?`,
		judgeRunID, pairID, sourceRunID)
	return scanEvaluation(row)
}

func scanEvaluation(row rowScanner) (*core.JudgeEvaluation, error) {
	var ev core.JudgeEvaluation
	var scoresA, scoresB, stance string
	var disagreement, failed int
	err := row.Scan(&ev.JudgeRunID, &ev.PairID, &ev.SourceRunID, &ev.Model,
		&scoresA, &scoresB, &ev.JudgeArchetypeA, &ev.JudgeArchetypeB,
		&ev.DerivedArchetypeA, &ev.DerivedArchetypeB, &disagreement,
		&ev.Volatility, &stance, &ev.RationaleA, &ev.RationaleB, &ev.Summary,
		&failed, &ev.FailureReason, &ev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scoresA), &ev.ScoresA); err != nil {
		return nil, fmt.Errorf("decode scores_a: %w", err)
	}
	if err := json.Unmarshal([]byte(scoresB), &ev.ScoresB); err != nil {
		return nil, fmt.Errorf("decode scores_b: %w", err)
	}
	ev.Stance = avm.StanceKind(stance)
	ev.Disagreement = disagreement != 0
	ev.Failed = failed != 0
	return &ev, nil
}

func (s *Store) EvaluationsForJudgeRun(ctx context.Context, judgeRunID string) ([]*core.JudgeEvaluation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+evalColumns+` FROM evaluations
		 WHERE judge_run_id = ? ORDER BY pair_id, source_run_id`, judgeRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.JudgeEvaluation
	for rows.Next() {
		ev, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
