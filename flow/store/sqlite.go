package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dshills/procflow-go/flow/emit"
)

// SQLiteStore is the SQLite implementation of Store.
//
// It keeps the whole orchestrator state in a single-file database.
// Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments (one worker binary)
//   - Prototyping before migrating to Postgres
//
// Job claiming uses an optimistic conditional UPDATE instead of
// FOR UPDATE SKIP LOCKED: SQLite serializes writers, so the
// rows-affected check is enough to make a claim exclusive.
//
// Timestamps are stored as RFC3339Nano text.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (or creates) the database at path and runs the
// schema migration. Use ":memory:" for an in-memory database in tests.
//
// WAL mode is enabled so readers don't block behind the writer, and the
// pool is pinned to one connection because SQLite supports a single
// writer at a time.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			procedure_id TEXT NOT NULL,
			procedure_version INTEGER NOT NULL,
			status TEXT NOT NULL,
			input_vars TEXT NOT NULL DEFAULT '{}',
			last_node_id TEXT NOT NULL DEFAULT '',
			last_step_id TEXT NOT NULL DEFAULT '',
			cancellation_requested INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, finished_at)`,

		`CREATE TABLE IF NOT EXISTS procedures (
			procedure_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			document TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (procedure_id, version)
		)`,

		`CREATE TABLE IF NOT EXISTS run_jobs (
			job_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			available_at TEXT NOT NULL,
			locked_by TEXT NOT NULL DEFAULT '',
			locked_until TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON run_jobs(status, available_at, priority)`,

		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			node_id TEXT NOT NULL DEFAULT '',
			step_id TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,

		`CREATE TABLE IF NOT EXISTS step_idempotency (
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (run_id, node_id, step_id)
		)`,

		`CREATE TABLE IF NOT EXISTS resource_leases (
			lease_id TEXT PRIMARY KEY,
			resource_key TEXT NOT NULL,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL DEFAULT '',
			step_id TEXT NOT NULL DEFAULT '',
			acquired_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			released_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_leases_resource ON resource_leases(resource_key, released_at, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_leases_run ON resource_leases(run_id)`,

		`CREATE TABLE IF NOT EXISTS agent_instances (
			agent_id TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			base_url TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'online',
			concurrency_limit INTEGER NOT NULL DEFAULT 1,
			resource_key TEXT NOT NULL DEFAULT '',
			capabilities TEXT NOT NULL DEFAULT '[]',
			circuit_open_at TEXT,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			pool_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_channel ON agent_instances(channel)`,

		`CREATE TABLE IF NOT EXISTS approvals (
			approval_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			prompt TEXT NOT NULL DEFAULT '',
			decision_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			decision TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			decided_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_run_node ON approvals(run_id, node_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT NOT NULL DEFAULT '',
			step INTEGER NOT NULL,
			state TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id),
			UNIQUE (thread_id, step)
		)`,

		`CREATE TABLE IF NOT EXISTS workers (
			worker_id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'active',
			last_heartbeat_at TEXT NOT NULL,
			is_leader INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// --- RunStore ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if err := s.guard(); err != nil {
		return err
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = RunCreated
	}
	input := run.InputVarsJSON
	if len(input) == 0 {
		input = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, procedure_id, procedure_version, status, input_vars, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.ProcedureID, run.ProcedureVersion, string(run.Status), string(input), fmtTime(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, procedure_id, procedure_version, status, input_vars,
		       last_node_id, last_step_id, cancellation_requested,
		       created_at, started_at, finished_at
		FROM runs WHERE run_id = ?`, runID)

	var (
		run                 Run
		status              string
		input               string
		cancelled           int
		createdAt           string
		startedAt, finished sql.NullString
	)
	err := row.Scan(&run.RunID, &run.ProcedureID, &run.ProcedureVersion, &status, &input,
		&run.LastNodeID, &run.LastStepID, &cancelled, &createdAt, &startedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	run.Status = RunStatus(status)
	run.InputVarsJSON = []byte(input)
	run.CancellationRequested = cancelled != 0
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if run.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if run.FinishedAt, err = parseTimePtr(finished); err != nil {
		return nil, fmt.Errorf("failed to parse finished_at: %w", err)
	}
	return &run, nil
}

func (s *SQLiteStore) SetRunStatus(ctx context.Context, runID string, status RunStatus) error {
	if err := s.guard(); err != nil {
		return err
	}
	now := fmtTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?,
			started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN ? ELSE started_at END,
			finished_at = CASE WHEN ? IN ('completed','failed','canceled') AND finished_at IS NULL THEN ? ELSE finished_at END
		WHERE run_id = ?`,
		string(status), string(status), now, string(status), now, runID)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) UpdateRunPosition(ctx context.Context, runID, lastNodeID, lastStepID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET last_node_id = ?, last_step_id = ? WHERE run_id = ?`,
		lastNodeID, lastStepID, runID)
	if err != nil {
		return fmt.Errorf("failed to update run position: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, runID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET cancellation_requested = 1 WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) CancellationRequested(ctx context.Context, runID string) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancellation_requested FROM runs WHERE run_id = ?`, runID).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancellation flag: %w", err)
	}
	return flag != 0, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- ProcedureStore ---

func (s *SQLiteStore) PutProcedure(ctx context.Context, rec *ProcedureRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	status := rec.Status
	if status == "" {
		status = "active"
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO procedures (procedure_id, version, status, document, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ProcedureID, rec.Version, status, string(rec.Document), fmtTime(created))
	if err != nil {
		return fmt.Errorf("failed to store procedure: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProcedure(ctx context.Context, procedureID string, version int) (*ProcedureRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `
		SELECT procedure_id, version, status, document, created_at
		FROM procedures WHERE procedure_id = ?`
	args := []any{procedureID}
	if version != 0 {
		query += ` AND version = ?`
		args = append(args, version)
	}
	query += ` ORDER BY version DESC LIMIT 1`

	var (
		rec       ProcedureRecord
		document  string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&rec.ProcedureID, &rec.Version, &rec.Status, &document, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load procedure: %w", err)
	}
	rec.Document = []byte(document)
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return &rec, nil
}

// --- JobQueue ---

func (s *SQLiteStore) Enqueue(ctx context.Context, runID string, priority, maxAttempts int) (*Job, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	job := &Job{
		JobID:       uuid.NewString(),
		RunID:       runID,
		Status:      JobQueued,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		AvailableAt: time.Now(),
		CreatedAt:   time.Now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_jobs (job_id, run_id, status, priority, max_attempts, available_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, runID, string(JobQueued), priority, maxAttempts,
		fmtTime(job.AvailableAt), fmtTime(job.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) Requeue(ctx context.Context, runID string, priority int) error {
	if err := s.guard(); err != nil {
		return err
	}
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_jobs (job_id, run_id, status, priority, max_attempts, available_at, created_at)
		VALUES (?, ?, 'queued', ?, 3, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = 'queued',
			priority = excluded.priority,
			attempts = 0,
			available_at = excluded.available_at,
			locked_by = '',
			locked_until = NULL`,
		uuid.NewString(), runID, priority, now, now)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return nil
}

// ClaimJobs selects claimable candidates, then takes each with a
// conditional UPDATE and keeps only the rows it actually won.
func (s *SQLiteStore) ClaimJobs(ctx context.Context, workerID string, limit int, lockDuration time.Duration) ([]*Job, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	now := time.Now()
	nowStr := fmtTime(now)

	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id FROM run_jobs
		WHERE (status = 'queued' AND available_at <= ?)
		   OR (status = 'running' AND locked_until IS NOT NULL AND locked_until < ?)
		ORDER BY priority DESC, available_at ASC
		LIMIT ?`, nowStr, nowStr, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query claimable jobs: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating job rows: %w", err)
	}
	_ = rows.Close()

	lockedUntil := fmtTime(now.Add(lockDuration))
	var claimed []*Job
	for _, jobID := range candidates {
		res, err := s.db.ExecContext(ctx, `
			UPDATE run_jobs
			SET status = 'running', locked_by = ?, locked_until = ?, attempts = attempts + 1
			WHERE job_id = ?
			  AND ((status = 'queued' AND available_at <= ?)
			    OR (status = 'running' AND locked_until IS NOT NULL AND locked_until < ?))`,
			workerID, lockedUntil, jobID, nowStr, nowStr)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", jobID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			continue // lost the race
		}
		job, err := s.getJobByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, job)
	}
	return claimed, nil
}

func (s *SQLiteStore) getJobByID(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, run_id, status, priority, attempts, max_attempts,
		       available_at, locked_by, locked_until, created_at
		FROM run_jobs WHERE job_id = ?`, jobID)
	return scanJob(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job         Job
		status      string
		availableAt string
		lockedUntil sql.NullString
		createdAt   string
	)
	err := row.Scan(&job.JobID, &job.RunID, &status, &job.Priority, &job.Attempts,
		&job.MaxAttempts, &availableAt, &job.LockedBy, &lockedUntil, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	job.Status = JobStatus(status)
	if job.AvailableAt, err = parseTime(availableAt); err != nil {
		return nil, fmt.Errorf("failed to parse available_at: %w", err)
	}
	if job.LockedUntil, err = parseTimePtr(lockedUntil); err != nil {
		return nil, fmt.Errorf("failed to parse locked_until: %w", err)
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return &job, nil
}

func (s *SQLiteStore) ExtendJobLock(ctx context.Context, jobID, workerID string, lockDuration time.Duration) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_jobs SET locked_until = ?
		WHERE job_id = ? AND status = 'running' AND locked_by = ?`,
		fmtTime(time.Now().Add(lockDuration)), jobID, workerID)
	if err != nil {
		return fmt.Errorf("failed to extend job lock: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) MarkJobDone(ctx context.Context, jobID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_jobs SET status = 'done', locked_by = '', locked_until = NULL
		WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job done: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) MarkJobFailed(ctx context.Context, jobID string, retryAt *time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}
	if retryAt != nil {
		res, err := s.db.ExecContext(ctx, `
			UPDATE run_jobs SET status = 'queued', available_at = ?, locked_by = '', locked_until = NULL
			WHERE job_id = ? AND attempts < max_attempts`,
			fmtTime(*retryAt), jobID)
		if err != nil {
			return fmt.Errorf("failed to requeue failed job: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_jobs SET status = 'failed', locked_by = '', locked_until = NULL
		WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) GetJob(ctx context.Context, runID string) (*Job, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, run_id, status, priority, attempts, max_attempts,
		       available_at, locked_by, locked_until, created_at
		FROM run_jobs WHERE run_id = ?`, runID)
	return scanJob(row)
}

// --- EventLog ---

// AppendEvent assigns the next per-run sequence number inside a
// transaction so concurrent appenders never collide.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *emit.Event) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var seq int64
	if err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = ?`,
		event.RunID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to compute next seq: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_events (run_id, seq, type, node_id, step_id, attempt, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, seq, string(event.Type), event.NodeID, event.StepID,
		event.Attempt, string(payload), fmtTime(event.Timestamp))
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit event: %w", err)
	}
	event.Seq = seq
	return seq, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]emit.Event, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, node_id, step_id, attempt, payload, created_at
		FROM run_events
		WHERE run_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`, runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []emit.Event
	for rows.Next() {
		var (
			ev        emit.Event
			evType    string
			payload   string
			createdAt string
		)
		if err := rows.Scan(&ev.Seq, &evType, &ev.NodeID, &ev.StepID, &ev.Attempt, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev.RunID = runID
		ev.Type = emit.EventType(evType)
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}
		if ev.Timestamp, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// --- IdempotencyStore ---

func (s *SQLiteStore) PutIdempotency(ctx context.Context, rec *IdempotencyRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_idempotency (run_id, node_id, step_id, status, result, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, node_id, step_id) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			updated_at = excluded.updated_at`,
		rec.RunID, rec.NodeID, rec.StepID, string(rec.Status),
		string(rec.ResultJSON), fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetIdempotency(ctx context.Context, runID, nodeID, stepID string) (*IdempotencyRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var (
		rec       IdempotencyRecord
		status    string
		result    sql.NullString
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT status, result, updated_at FROM step_idempotency
		WHERE run_id = ? AND node_id = ? AND step_id = ?`,
		runID, nodeID, stepID).Scan(&status, &result, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load idempotency record: %w", err)
	}
	rec.RunID, rec.NodeID, rec.StepID = runID, nodeID, stepID
	rec.Status = IdemStatus(status)
	if result.Valid {
		rec.ResultJSON = []byte(result.String)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &rec, nil
}

// --- LeaseStore ---

// TryAcquireLease counts active leases and inserts inside one
// transaction; with SQLite's single writer this cannot oversubscribe.
func (s *SQLiteStore) TryAcquireLease(ctx context.Context, resourceKey, runID, nodeID, stepID string, ttl time.Duration) (*Lease, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	limit := 1
	var agentLimit sql.NullInt64
	if err = tx.QueryRowContext(ctx, `
		SELECT MAX(concurrency_limit) FROM agent_instances WHERE resource_key = ?`,
		resourceKey).Scan(&agentLimit); err != nil {
		return nil, fmt.Errorf("failed to read lease limit: %w", err)
	}
	if agentLimit.Valid && agentLimit.Int64 > 0 {
		limit = int(agentLimit.Int64)
	}

	var active int
	if err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM resource_leases
		WHERE resource_key = ? AND released_at IS NULL AND expires_at > ?`,
		resourceKey, fmtTime(now)).Scan(&active); err != nil {
		return nil, fmt.Errorf("failed to count active leases: %w", err)
	}
	if active >= limit {
		_ = tx.Rollback()
		return nil, nil
	}

	lease := &Lease{
		LeaseID:     uuid.NewString(),
		ResourceKey: resourceKey,
		RunID:       runID,
		NodeID:      nodeID,
		StepID:      stepID,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO resource_leases (lease_id, resource_key, run_id, node_id, step_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lease.LeaseID, resourceKey, runID, nodeID, stepID,
		fmtTime(lease.AcquiredAt), fmtTime(lease.ExpiresAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert lease: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}
	return lease, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, leaseID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE resource_leases SET released_at = ?
		WHERE lease_id = ? AND released_at IS NULL`,
		fmtTime(time.Now()), leaseID)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Already released or never existed; releasing twice is fine,
		// a missing lease is not.
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM resource_leases WHERE lease_id = ?`, leaseID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check lease: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}

func (s *SQLiteStore) ReleaseRunLeases(ctx context.Context, runID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE resource_leases SET released_at = ?
		WHERE run_id = ? AND released_at IS NULL`,
		fmtTime(time.Now()), runID)
	if err != nil {
		return fmt.Errorf("failed to release run leases: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListActiveLeases(ctx context.Context, resourceKey string) ([]*Lease, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `
		SELECT lease_id, resource_key, run_id, node_id, step_id, acquired_at, expires_at
		FROM resource_leases
		WHERE released_at IS NULL AND expires_at > ?`
	args := []any{fmtTime(time.Now())}
	if resourceKey != "" {
		query += ` AND resource_key = ?`
		args = append(args, resourceKey)
	}
	query += ` ORDER BY acquired_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query leases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var leases []*Lease
	for rows.Next() {
		var (
			lease      Lease
			acquiredAt string
			expiresAt  string
		)
		if err := rows.Scan(&lease.LeaseID, &lease.ResourceKey, &lease.RunID,
			&lease.NodeID, &lease.StepID, &acquiredAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan lease row: %w", err)
		}
		if lease.AcquiredAt, err = parseTime(acquiredAt); err != nil {
			return nil, fmt.Errorf("failed to parse acquired_at: %w", err)
		}
		if lease.ExpiresAt, err = parseTime(expiresAt); err != nil {
			return nil, fmt.Errorf("failed to parse expires_at: %w", err)
		}
		leases = append(leases, &lease)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lease rows: %w", err)
	}
	return leases, nil
}

// --- AgentStore ---

func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *AgentInstance) error {
	if err := s.guard(); err != nil {
		return err
	}
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	status := agent.Status
	if status == "" {
		status = AgentOnline
	}
	limit := agent.ConcurrencyLimit
	if limit <= 0 {
		limit = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_instances
			(agent_id, channel, base_url, status, concurrency_limit, resource_key, capabilities, pool_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			channel = excluded.channel,
			base_url = excluded.base_url,
			status = excluded.status,
			concurrency_limit = excluded.concurrency_limit,
			resource_key = excluded.resource_key,
			capabilities = excluded.capabilities,
			pool_id = excluded.pool_id`,
		agent.AgentID, agent.Channel, agent.BaseURL, string(status),
		limit, agent.ResourceKey, string(caps), agent.PoolID)
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*AgentInstance, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, channel, base_url, status, concurrency_limit, resource_key,
		       capabilities, circuit_open_at, consecutive_failures, pool_id
		FROM agent_instances WHERE agent_id = ?`, agentID)
	agent, err := scanAgent(row)
	if err != nil {
		return nil, err
	}
	return agent, nil
}

func scanAgent(row rowScanner) (*AgentInstance, error) {
	var (
		agent       AgentInstance
		status      string
		caps        string
		circuitOpen sql.NullString
	)
	err := row.Scan(&agent.AgentID, &agent.Channel, &agent.BaseURL, &status,
		&agent.ConcurrencyLimit, &agent.ResourceKey, &caps, &circuitOpen,
		&agent.ConsecutiveFailures, &agent.PoolID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	agent.Status = AgentStatus(status)
	if caps != "" {
		if err := json.Unmarshal([]byte(caps), &agent.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
		}
	}
	if agent.CircuitOpenAt, err = parseTimePtr(circuitOpen); err != nil {
		return nil, fmt.Errorf("failed to parse circuit_open_at: %w", err)
	}
	return &agent, nil
}

func (s *SQLiteStore) ListAgentsByChannel(ctx context.Context, channel string) ([]*AgentInstance, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, channel, base_url, status, concurrency_limit, resource_key,
		       capabilities, circuit_open_at, consecutive_failures, pool_id
		FROM agent_instances
		WHERE channel = ? COLLATE NOCASE
		ORDER BY agent_id ASC`, channel)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*AgentInstance
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agent rows: %w", err)
	}
	return agents, nil
}

func (s *SQLiteStore) SetAgentStatus(ctx context.Context, agentID string, status AgentStatus) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_instances SET status = ? WHERE agent_id = ?`,
		string(status), agentID)
	if err != nil {
		return fmt.Errorf("failed to set agent status: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) RecordAgentFailure(ctx context.Context, agentID string, threshold int) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_instances
		SET consecutive_failures = consecutive_failures + 1,
		    circuit_open_at = CASE
			WHEN ? > 0 AND consecutive_failures + 1 >= ? AND circuit_open_at IS NULL
			THEN ? ELSE circuit_open_at END
		WHERE agent_id = ?`,
		threshold, threshold, fmtTime(time.Now()), agentID)
	if err != nil {
		return fmt.Errorf("failed to record agent failure: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) RecordAgentSuccess(ctx context.Context, agentID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_instances
		SET consecutive_failures = 0, circuit_open_at = NULL
		WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("failed to record agent success: %w", err)
	}
	return requireRow(res)
}

// --- ApprovalStore ---

func (s *SQLiteStore) CreateApproval(ctx context.Context, approval *Approval) error {
	if err := s.guard(); err != nil {
		return err
	}
	if approval.ApprovalID == "" {
		approval.ApprovalID = uuid.NewString()
	}
	if approval.Status == "" {
		approval.Status = ApprovalPending
	}
	if approval.CreatedAt.IsZero() {
		approval.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, run_id, node_id, prompt, decision_type, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		approval.ApprovalID, approval.RunID, approval.NodeID, approval.Prompt,
		approval.DecisionType, string(approval.Status), fmtTime(approval.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create approval: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DecideApproval(ctx context.Context, approvalID string, status ApprovalStatus, decision string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, decision = ?, decided_at = ?
		WHERE approval_id = ?`,
		string(status), decision, fmtTime(time.Now()), approvalID)
	if err != nil {
		return fmt.Errorf("failed to decide approval: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) LatestApproval(ctx context.Context, runID, nodeID string) (*Approval, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT approval_id, run_id, node_id, prompt, decision_type, status, decision, created_at, decided_at
		FROM approvals
		WHERE run_id = ? AND node_id = ?
		ORDER BY created_at DESC
		LIMIT 1`, runID, nodeID)

	var (
		approval  Approval
		status    string
		createdAt string
		decidedAt sql.NullString
	)
	err := row.Scan(&approval.ApprovalID, &approval.RunID, &approval.NodeID,
		&approval.Prompt, &approval.DecisionType, &status, &approval.Decision,
		&createdAt, &decidedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load approval: %w", err)
	}
	approval.Status = ApprovalStatus(status)
	if approval.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if approval.DecidedAt, err = parseTimePtr(decidedAt); err != nil {
		return nil, fmt.Errorf("failed to parse decided_at: %w", err)
	}
	return &approval, nil
}

// --- CheckpointStore ---

func (s *SQLiteStore) PutCheckpoint(ctx context.Context, cp *Checkpoint) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	if cp.CheckpointID == "" {
		cp.CheckpointID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if cp.Step == 0 || cp.ParentCheckpointID == "" {
		var (
			maxStep  sql.NullInt64
			parentID sql.NullString
		)
		if err = tx.QueryRowContext(ctx, `
			SELECT MAX(step),
			       (SELECT checkpoint_id FROM checkpoints c2
			        WHERE c2.thread_id = ? ORDER BY step DESC LIMIT 1)
			FROM checkpoints WHERE thread_id = ?`,
			cp.ThreadID, cp.ThreadID).Scan(&maxStep, &parentID); err != nil {
			return "", fmt.Errorf("failed to read checkpoint head: %w", err)
		}
		if cp.Step == 0 {
			cp.Step = int(maxStep.Int64) + 1
		}
		if cp.ParentCheckpointID == "" && parentID.Valid {
			cp.ParentCheckpointID = parentID.String
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, checkpoint_id, parent_checkpoint_id, step, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ThreadID, cp.CheckpointID, cp.ParentCheckpointID, cp.Step,
		string(cp.StateJSON), fmtTime(cp.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return cp.CheckpointID, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT checkpoint_id, parent_checkpoint_id, step, state, created_at
		FROM checkpoints WHERE thread_id = ? ORDER BY step ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cps []*Checkpoint
	for rows.Next() {
		var (
			cp        Checkpoint
			state     string
			createdAt string
		)
		if err := rows.Scan(&cp.CheckpointID, &cp.ParentCheckpointID, &cp.Step, &state, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		cp.ThreadID = threadID
		cp.StateJSON = []byte(state)
		if cp.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		cps = append(cps, &cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}
	return cps, nil
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `
		SELECT checkpoint_id, parent_checkpoint_id, step, state, created_at
		FROM checkpoints WHERE thread_id = ?`
	args := []any{threadID}
	if checkpointID != "" {
		query += ` AND checkpoint_id = ?`
		args = append(args, checkpointID)
	}
	query += ` ORDER BY step DESC LIMIT 1`

	var (
		cp        Checkpoint
		state     string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&cp.CheckpointID, &cp.ParentCheckpointID, &cp.Step, &state, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp.ThreadID = threadID
	cp.StateJSON = []byte(state)
	if cp.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return &cp, nil
}

// --- WorkerStore ---

func (s *SQLiteStore) RegisterWorker(ctx context.Context, workerID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (worker_id, status, last_heartbeat_at)
		VALUES (?, 'active', ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			status = 'active',
			last_heartbeat_at = excluded.last_heartbeat_at`,
		workerID, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	return nil
}

func (s *SQLiteStore) WorkerHeartbeat(ctx context.Context, workerID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET last_heartbeat_at = ? WHERE worker_id = ?`,
		fmtTime(time.Now()), workerID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat worker: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) PruneWorkers(ctx context.Context, cutoff time.Time) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workers WHERE last_heartbeat_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune workers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

// --- RetentionStore ---

func (s *SQLiteStore) PruneTerminalRuns(ctx context.Context, horizon time.Time) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT run_id FROM runs
		WHERE status IN ('completed','failed','canceled')
		  AND finished_at IS NOT NULL AND finished_at < ?`,
		fmtTime(horizon))
	if err != nil {
		return 0, fmt.Errorf("failed to query prunable runs: %w", err)
	}
	var runIDs []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan run id: %w", err)
		}
		runIDs = append(runIDs, id)
	}
	if err = rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("error iterating run rows: %w", err)
	}
	_ = rows.Close()

	for _, runID := range runIDs {
		for _, stmt := range []string{
			`DELETE FROM run_events WHERE run_id = ?`,
			`DELETE FROM step_idempotency WHERE run_id = ?`,
			`DELETE FROM resource_leases WHERE run_id = ?`,
			`DELETE FROM approvals WHERE run_id = ?`,
			`DELETE FROM checkpoints WHERE thread_id = ?`,
			`DELETE FROM run_jobs WHERE run_id = ?`,
			`DELETE FROM runs WHERE run_id = ?`,
		} {
			if _, err = tx.ExecContext(ctx, stmt, runID); err != nil {
				return 0, fmt.Errorf("failed to prune run %s: %w", runID, err)
			}
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return len(runIDs), nil
}

// Close closes the database connection. Double-close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

var _ Store = (*SQLiteStore)(nil)
