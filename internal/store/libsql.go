package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/pipetick/pipetick/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

var terminalStatuses = []string{
	string(schema.StatusCompleted),
	string(schema.StatusError),
	string(schema.StatusCanceled),
}

func terminalList() string {
	return "'" + strings.Join(terminalStatuses, "', '") + "'"
}

// --- Pipeline runs ---

const runColumns = `id, pipeline_id, pipeline_name, start, finish, status, final_status, last_executed_step, created_at, updated_at`

// CreateRun inserts a run and its step runs in one transaction. A non-terminal
// run over the identical (pipeline_id, start, finish) window yields a
// CONFLICTING_WINDOW error and nothing is written.
func (s *LibSQLStore) CreateRun(ctx context.Context, run *PipelineRun, stepRuns []*PipelineStepRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var conflicts int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pipeline_runs
		 WHERE pipeline_id = ? AND start = ? AND finish = ? AND status NOT IN (`+terminalList()+`)`,
		run.PipelineID, run.Start, run.Finish,
	).Scan(&conflicts)
	if err != nil {
		return fmt.Errorf("check window conflict: %w", err)
	}
	if conflicts > 0 {
		return schema.NewErrorf(schema.ErrCodeConflictingWindow,
			"open run already exists for pipeline %q window [%s, %s]",
			run.PipelineID, run.Start.Format(time.RFC3339), run.Finish.Format(time.RFC3339))
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pipeline_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.PipelineID, run.PipelineName, run.Start, run.Finish,
		string(run.Status), nullStatus(run.FinalStatus), run.LastExecutedStep,
		timeOrNow(run.CreatedAt), timeOrNow(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert pipeline run: %w", err)
	}

	for _, sr := range stepRuns {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO pipeline_step_runs (id, pipeline_run_id, step_order, workflow_id, status, final_status, retries, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sr.ID, run.ID, sr.Order, sr.WorkflowID, string(sr.Status),
			nullStatus(sr.FinalStatus), sr.Retries, timeOrNow(sr.CreatedAt), timeOrNow(sr.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert step run %d: %w", sr.Order, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// GetRun loads a run with its step runs ordered by step_order.
func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*PipelineRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("pipeline run", id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.attachStepRuns(ctx, []*PipelineRun{run}); err != nil {
		return nil, err
	}
	return run, nil
}

// LatestRuns returns the most recent run per pipeline in the given id set,
// with step runs attached, ordered by pipeline_id.
func (s *LibSQLStore) LatestRuns(ctx context.Context, pipelineIDs []string) ([]*PipelineRun, error) {
	if len(pipelineIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?, ", len(pipelineIDs)-1) + "?"
	args := make([]any, len(pipelineIDs))
	for i, id := range pipelineIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs r
		 WHERE r.pipeline_id IN (`+placeholders+`)
		   AND r.id = (SELECT id FROM pipeline_runs
		               WHERE pipeline_id = r.pipeline_id
		               ORDER BY created_at DESC, rowid DESC LIMIT 1)
		 ORDER BY r.pipeline_id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachStepRuns(ctx, runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// UpdateRunStatus performs the CAS-style status write: the update applies
// only while the current status is non-terminal. Writing the status the run
// already has is a no-op; a different status over a terminal run is an
// INVALID_TRANSITION.
func (s *LibSQLStore) UpdateRunStatus(ctx context.Context, id string, update RunStatusUpdate) error {
	if !update.Status.Valid() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "unknown status %q", string(update.Status))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs
		 SET status = ?, final_status = COALESCE(?, final_status), updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status NOT IN (`+terminalList()+`)`,
		string(update.Status), nullStatus(update.FinalStatus), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// Nothing updated: distinguish no-op, illegal transition, and not found.
	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM pipeline_runs WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return storeNotFound("pipeline run", id)
	}
	if err != nil {
		return err
	}
	if current == string(update.Status) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"pipeline run %q is terminal (%s); cannot move to %s", id, current, string(update.Status))
}

// UpdateRunInfo refreshes updated_at against a newer pipeline definition and
// forces the run status back to PENDING.
func (s *LibSQLStore) UpdateRunInfo(ctx context.Context, id string, update RunInfoUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET updated_at = ?, status = ? WHERE id = ?`,
		update.UpdatedAt, string(schema.StatusPending), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "pipeline run", id)
}

// IncrementLastExecutedStep advances the completed-step counter, bounded by
// the run's step count.
func (s *LibSQLStore) IncrementLastExecutedStep(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs
		 SET last_executed_step = last_executed_step + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?
		   AND last_executed_step < (SELECT COUNT(*) FROM pipeline_step_runs WHERE pipeline_run_id = ?)`,
		id, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either missing or already at the bound; the bound case is a no-op.
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pipeline_runs WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return storeNotFound("pipeline run", id)
		}
	}
	return nil
}

// attachStepRuns loads the step runs for the given runs in one query.
func (s *LibSQLStore) attachStepRuns(ctx context.Context, runs []*PipelineRun) error {
	if len(runs) == 0 {
		return nil
	}
	byID := make(map[string]*PipelineRun, len(runs))
	placeholders := make([]string, 0, len(runs))
	args := make([]any, 0, len(runs))
	for _, run := range runs {
		byID[run.ID] = run
		placeholders = append(placeholders, "?")
		args = append(args, run.ID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepRunColumns+` FROM pipeline_step_runs
		 WHERE pipeline_run_id IN (`+strings.Join(placeholders, ", ")+`)
		 ORDER BY pipeline_run_id, step_order ASC`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		sr, err := scanStepRun(rows)
		if err != nil {
			return err
		}
		if run, ok := byID[sr.PipelineRunID]; ok {
			run.StepRuns = append(run.StepRuns, sr)
		}
	}
	return rows.Err()
}

// --- Step runs ---

const stepRunColumns = `id, pipeline_run_id, step_order, workflow_id, status, final_status, retries, created_at, updated_at`

func (s *LibSQLStore) GetStepRun(ctx context.Context, id string) (*PipelineStepRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepRunColumns+` FROM pipeline_step_runs WHERE id = ?`, id)
	sr, err := scanStepRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step run", id)
	}
	if err != nil {
		return nil, err
	}
	return sr, nil
}

func (s *LibSQLStore) UpdateStepRunStatus(ctx context.Context, id string, update StepRunStatusUpdate) error {
	if !update.Status.Valid() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "unknown status %q", string(update.Status))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_step_runs
		 SET status = ?, final_status = COALESCE(?, final_status), updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		string(update.Status), nullStatus(update.FinalStatus), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step run", id)
}

func (s *LibSQLStore) ListStepRunsByStatus(ctx context.Context, status string) ([]*PipelineStepRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepRunColumns+` FROM pipeline_step_runs WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stepRuns []*PipelineStepRun
	for rows.Next() {
		sr, err := scanStepRun(rows)
		if err != nil {
			return nil, err
		}
		stepRuns = append(stepRuns, sr)
	}
	return stepRuns, rows.Err()
}

// --- Step run logs ---

func (s *LibSQLStore) AppendStepRunLog(ctx context.Context, log *StepRunLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_step_run_logs (step_run_id, level, message, created_at) VALUES (?, ?, ?, ?)`,
		log.StepRunID, log.Level, log.Message, timeOrNow(log.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListStepRunLogs(ctx context.Context, stepRunID string) ([]*StepRunLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, step_run_id, level, message, created_at
		 FROM pipeline_step_run_logs WHERE step_run_id = ? ORDER BY created_at ASC, id ASC`, stepRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*StepRunLog
	for rows.Next() {
		l := &StepRunLog{}
		if err := rows.Scan(&l.ID, &l.StepRunID, &l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- Jobs ---

const jobColumns = `id, pipeline_step_run_id, workflow_id, status, started_at, finished_at, updated_at`

func (s *LibSQLStore) CreateJob(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, nullStr(job.StepRunID), job.WorkflowID, string(job.Status),
		timeOrNow(job.StartedAt), nullTime(job.FinishedAt), timeOrNow(job.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("job", id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *LibSQLStore) UpdateJobStatus(ctx context.Context, id string, update JobStatusUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, finished_at = COALESCE(?, finished_at), updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(update.Status), nullTime(update.FinishedAt), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "job", id)
}

// LatestJobForStepRun returns the most recently started job attached to the
// step run, or a NOT_FOUND error when none exists.
func (s *LibSQLStore) LatestJobForStepRun(ctx context.Context, stepRunID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE pipeline_step_run_id = ?
		 ORDER BY started_at DESC, rowid DESC LIMIT 1`, stepRunID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("job for step run", stepRunID)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// --- Scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*PipelineRun, error) {
	run := &PipelineRun{}
	var status string
	var finalStatus sql.NullString
	if err := row.Scan(&run.ID, &run.PipelineID, &run.PipelineName, &run.Start, &run.Finish,
		&status, &finalStatus, &run.LastExecutedStep, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = schema.Status(status)
	run.FinalStatus = statusOrNil(finalStatus)
	return run, nil
}

func scanStepRun(row rowScanner) (*PipelineStepRun, error) {
	sr := &PipelineStepRun{}
	var status string
	var finalStatus sql.NullString
	if err := row.Scan(&sr.ID, &sr.PipelineRunID, &sr.Order, &sr.WorkflowID,
		&status, &finalStatus, &sr.Retries, &sr.CreatedAt, &sr.UpdatedAt); err != nil {
		return nil, err
	}
	sr.Status = schema.Status(status)
	sr.FinalStatus = statusOrNil(finalStatus)
	return sr, nil
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	var status string
	var stepRunID sql.NullString
	var finishedAt sql.NullTime
	if err := row.Scan(&job.ID, &stepRunID, &job.WorkflowID, &status,
		&job.StartedAt, &finishedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.StepRunID = stepRunID.String
	job.Status = schema.Status(status)
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	return job, nil
}

// --- Value helpers ---

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStatus(s *schema.Status) any {
	if s == nil {
		return nil
	}
	return string(*s)
}

func statusOrNil(ns sql.NullString) *schema.Status {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	st := schema.Status(ns.String)
	return &st
}
