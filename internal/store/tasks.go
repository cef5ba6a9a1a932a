package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/civicsignal/billcost/internal/model"
)

// ErrInvalidTransition is returned when a status change is not allowed
// from the task's current state.
var ErrInvalidTransition = errors.New("invalid task transition")

func (s *PostgresStore) CreateTask(ctx context.Context, t model.AnalysisTask) (*model.AnalysisTask, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.Status = model.TaskQueued
	t.CreatedAt = nowUTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO analysis_tasks (id, task_type, bill_id, jurisdiction_id, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, string(t.Type), nullIfEmpty(t.BillID), t.JurisdictionID, string(t.Status), t.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert task")
	}
	return &t, nil
}

// CreateSkippedTask records a stage that was deliberately bypassed. The
// row is terminal from birth so it never enters the worker queue.
func (s *PostgresStore) CreateSkippedTask(ctx context.Context, t model.AnalysisTask) (*model.AnalysisTask, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.Status = model.TaskSkipped
	t.CreatedAt = nowUTC()
	now := t.CreatedAt
	t.CompletedAt = &now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO analysis_tasks (id, task_type, bill_id, jurisdiction_id, status, created_at, completed_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, string(t.Type), nullIfEmpty(t.BillID), t.JurisdictionID, string(t.Status), t.CreatedAt, t.CompletedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert skipped task")
	}
	return &t, nil
}

const taskColumns = `id, task_type, bill_id, jurisdiction_id, status, model_used, context_ref, result, error, created_at, started_at, completed_at`

func scanTask(row pgx.Row) (*model.AnalysisTask, error) {
	var t model.AnalysisTask
	var billID, modelUsed, contextRef, errMsg *string
	err := row.Scan(&t.ID, &t.Type, &billID, &t.JurisdictionID, &t.Status,
		&modelUsed, &contextRef, &t.Result, &errMsg, &t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	t.BillID = deref(billID)
	t.ModelUsed = deref(modelUsed)
	t.ContextRef = deref(contextRef)
	t.Error = deref(errMsg)
	return &t, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.AnalysisTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, "get_task", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: task %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get task %s", id)
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]model.AnalysisTask, error) {
	query := `SELECT ` + taskColumns + ` FROM analysis_tasks WHERE true`
	args := []any{}
	argIdx := 1

	add := func(clause string, val any) {
		query += ` AND ` + clause + placeholder(argIdx)
		args = append(args, val)
		argIdx++
	}
	if filter.BillID != "" {
		add(`bill_id = `, filter.BillID)
	}
	if filter.JurisdictionID != "" {
		add(`jurisdiction_id = `, filter.JurisdictionID)
	}
	if filter.Type != "" {
		add(`task_type = `, string(filter.Type))
	}
	if filter.Status != "" {
		add(`status = `, string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		add(`created_at >= `, filter.CreatedAfter)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + placeholder(argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += ` OFFSET ` + placeholder(argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tasks")
	}
	defer rows.Close()

	var out []model.AnalysisTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list tasks iterate")
}

// MarkTaskRunning moves a queued task to running. The status guard is in
// the WHERE clause so the transition check and the write are atomic; a
// task cancelled after being dequeued stays cancelled.
func (s *PostgresStore) MarkTaskRunning(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_tasks SET status = $1, started_at = $2 WHERE id = $3 AND status = $4`,
		string(model.TaskRunning), nowUTC(), id, string(model.TaskQueued),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark task running %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrInvalidTransition, "postgres: task %s not queued", id)
	}
	return nil
}

// CompleteTask records a successful result. Only running tasks complete;
// a late result arriving after cancellation is discarded by the guard.
func (s *PostgresStore) CompleteTask(ctx context.Context, id string, modelUsed, contextRef string, result []byte) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_tasks SET status = $1, model_used = $2, context_ref = $3, result = $4, completed_at = $5 WHERE id = $6 AND status = $7`,
		string(model.TaskCompleted), modelUsed, contextRef, result, nowUTC(), id, string(model.TaskRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete task %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrInvalidTransition, "postgres: task %s not running", id)
	}
	return nil
}

func (s *PostgresStore) FailTask(ctx context.Context, id string, modelUsed, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_tasks SET status = $1, model_used = $2, error = $3, completed_at = $4 WHERE id = $5 AND status = $6`,
		string(model.TaskFailed), nullIfEmpty(modelUsed), errMsg, nowUTC(), id, string(model.TaskRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail task %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrInvalidTransition, "postgres: task %s not running", id)
	}
	return nil
}

// CancelTask cancels a task that is still queued or running. Completed,
// failed and already-cancelled tasks are unaffected.
func (s *PostgresStore) CancelTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_tasks SET status = $1, completed_at = $2 WHERE id = $3 AND status IN ($4, $5)`,
		string(model.TaskCancelled), nowUTC(), id, string(model.TaskQueued), string(model.TaskRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: cancel task %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrInvalidTransition, "postgres: task %s not cancellable", id)
	}
	return nil
}

// LatestTask returns the most recent task of the given type for a bill,
// or ErrNotFound if the stage has never run. Stage gating reads this to
// decide whether a pipeline step is eligible.
func (s *PostgresStore) LatestTask(ctx context.Context, billID string, taskType model.TaskType) (*model.AnalysisTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM analysis_tasks WHERE bill_id = $1 AND task_type = $2 ORDER BY created_at DESC LIMIT 1`,
		billID, string(taskType),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: no %s task for bill %s", taskType, billID)
		}
		return nil, eris.Wrap(err, "postgres: latest task")
	}
	return t, nil
}

func (s *PostgresStore) InsertImpact(ctx context.Context, imp model.Impact) (*model.Impact, error) {
	if !imp.Ladder.Monotonic() {
		return nil, eris.Errorf("postgres: impact ladder for bill %s not monotonic", imp.BillID)
	}
	if imp.ID == "" {
		imp.ID = uuid.New().String()
	}
	imp.CreatedAt = nowUTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO impacts (id, bill_id, description, relevant_clause, evidence, chain_of_causality, confidence, p10, p25, p50, p75, p90, model_used, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		imp.ID, imp.BillID, imp.Description, imp.RelevantClause, imp.Evidence, imp.ChainOfCausality,
		imp.Confidence, imp.Ladder.P10, imp.Ladder.P25, imp.Ladder.P50, imp.Ladder.P75, imp.Ladder.P90,
		imp.ModelUsed, imp.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert impact")
	}
	return &imp, nil
}

// DeleteImpact removes a single impact version. Only the task manager
// calls this, to roll back the insert of a cancelled review run.
func (s *PostgresStore) DeleteImpact(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM impacts WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: delete impact")
}

// ListImpacts returns all impact versions for a bill, newest first.
func (s *PostgresStore) ListImpacts(ctx context.Context, billID string) ([]model.Impact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, bill_id, description, relevant_clause, evidence, chain_of_causality, confidence, p10, p25, p50, p75, p90, model_used, created_at
		 FROM impacts WHERE bill_id = $1 ORDER BY created_at DESC`,
		billID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list impacts")
	}
	defer rows.Close()

	var out []model.Impact
	for rows.Next() {
		var imp model.Impact
		var clause, modelUsed *string
		if err := rows.Scan(&imp.ID, &imp.BillID, &imp.Description, &clause, &imp.Evidence, &imp.ChainOfCausality,
			&imp.Confidence, &imp.Ladder.P10, &imp.Ladder.P25, &imp.Ladder.P50, &imp.Ladder.P75, &imp.Ladder.P90,
			&modelUsed, &imp.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan impact")
		}
		imp.RelevantClause = deref(clause)
		imp.ModelUsed = deref(modelUsed)
		out = append(out, imp)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list impacts iterate")
}

func (s *PostgresStore) ListModelConfigs(ctx context.Context) ([]model.ModelConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, provider, model_name, use_case, priority, enabled, created_at FROM model_configs ORDER BY created_at`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list model configs")
	}
	defer rows.Close()

	var out []model.ModelConfig
	for rows.Next() {
		var m model.ModelConfig
		if err := rows.Scan(&m.ID, &m.Provider, &m.ModelName, &m.UseCase, &m.Priority, &m.Enabled, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan model config")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list model configs iterate")
}

// ActivePrompt returns the single active prompt of the given type. The
// partial unique index on (prompt_type) WHERE is_active guarantees at
// most one row.
func (s *PostgresStore) ActivePrompt(ctx context.Context, pt model.PromptType) (*model.SystemPrompt, error) {
	var p model.SystemPrompt
	err := s.pool.QueryRow(ctx,
		`SELECT id, prompt_type, version, content, is_active, created_at FROM system_prompts WHERE prompt_type = $1 AND is_active`,
		string(pt),
	).Scan(&p.ID, &p.PromptType, &p.Version, &p.Content, &p.IsActive, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: no active %s prompt", pt)
		}
		return nil, eris.Wrapf(err, "postgres: active prompt %s", pt)
	}
	return &p, nil
}

// InsertCandidate proposes a discovered source. Re-discovering a URL for
// the same jurisdiction is a no-op and returns inserted=false.
func (s *PostgresStore) InsertCandidate(ctx context.Context, c model.SourceCandidate) (*model.SourceCandidate, bool, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = model.CandidateProposed
	}
	c.CreatedAt = nowUTC()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO source_candidates (id, jurisdiction_id, url, category, query, score, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (jurisdiction_id, url) DO NOTHING`,
		c.ID, c.JurisdictionID, c.URL, string(c.Category), c.Query, c.Score, string(c.Status), c.CreatedAt,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: insert candidate")
	}
	return &c, tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListCandidates(ctx context.Context, status model.CandidateStatus) ([]model.SourceCandidate, error) {
	query := `SELECT id, jurisdiction_id, url, category, query, score, status, created_at FROM source_candidates`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY score DESC, created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list candidates")
	}
	defer rows.Close()

	var out []model.SourceCandidate
	for rows.Next() {
		var c model.SourceCandidate
		if err := rows.Scan(&c.ID, &c.JurisdictionID, &c.URL, &c.Category, &c.Query, &c.Score, &c.Status, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list candidates iterate")
}

func (s *PostgresStore) UpdateCandidateStatus(ctx context.Context, id string, status model.CandidateStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE source_candidates SET status = $1 WHERE id = $2`,
		string(status), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update candidate %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: candidate %s", id)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
