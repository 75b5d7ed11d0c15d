// Package sqlite implements store.Store using the pure-Go modernc.org/sqlite
// driver, following the reference store/sqlite package's shape: a single shared
// connection (SetMaxOpenConns(1)) so all goroutines serialize through one
// connection, a WithLogger option backed by log/slog, and a nop discard
// logger used when none is configured.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codespin-ai/maxq/internal/domain"
	"github.com/codespin-ai/maxq/internal/store"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits a debug log when Init completes; it does not log individual
// queries. When unset, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Store implements store.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New opens (but does not yet initialize) a Store at dbPath. Call Init to
// create the schema, enable WAL, and enforce foreign keys (spec §6.6).
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Init enables WAL + foreign keys and applies every pending migration in
// schema_migrations order (spec §6.6).
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("sqlite: enable WAL: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("sqlite: create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("sqlite: read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("sqlite: scan schema_migrations: %w", err)
		}
		applied[v] = true
	}
	rows.Close()

	for i, ddl := range migrations {
		version := i + 1
		if applied[version] {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlite: begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite: apply migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, version, time.Now().UnixMilli()); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite: record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: commit migration %d: %w", version, err)
		}
	}

	s.logger.Debug("sqlite: init complete", "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// --- helpers ---

func nullStr(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func ptrStr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func ptrInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func jsonOrNil(j domain.JSON) any {
	if len(j) == 0 {
		return nil
	}
	return string(j)
}

func jsonFromCol(n sql.NullString) domain.JSON {
	if !n.Valid || n.String == "" {
		return nil
	}
	return domain.JSON(n.String)
}

func terminationOrNil(t *domain.TerminationReason) any {
	if t == nil {
		return nil
	}
	return string(*t)
}

func terminationFromCol(n sql.NullString) *domain.TerminationReason {
	if !n.Valid {
		return nil
	}
	v := domain.TerminationReason(n.String)
	return &v
}

func marshalStrSlice(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func unmarshalStrSlice(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func marshalEnv(m map[string]string) any {
	if len(m) == 0 {
		return nil
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func unmarshalEnv(n sql.NullString) map[string]string {
	if !n.Valid || n.String == "" {
		return nil
	}
	var out map[string]string
	_ = json.Unmarshal([]byte(n.String), &out)
	return out
}

// --- Run ---

func (s *Store) CreateRun(ctx context.Context, r domain.Run) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO runs
		(id, flow_name, status, input, output, error, metadata, created_at, started_at,
		 completed_at, duration_ms, stdout, stderr, name, description, flow_title, termination_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.FlowName, string(r.Status), jsonOrNil(r.Input), jsonOrNil(r.Output), jsonOrNil(r.Error),
		jsonOrNil(r.Metadata), r.CreatedAt, nullInt(r.StartedAt), nullInt(r.CompletedAt), nullInt(r.DurationMs),
		nullStr(r.Stdout), nullStr(r.Stderr), nullStr(r.Name), nullStr(r.Description), nullStr(r.FlowTitle),
		terminationOrNil(r.Termination))
	if err != nil {
		return fmt.Errorf("sqlite: create run: %w", err)
	}
	return nil
}

const runColumns = `id, flow_name, status, input, output, error, metadata, created_at, started_at,
	completed_at, duration_ms, stdout, stderr, name, description, flow_title, termination_reason`

func scanRun(row interface{ Scan(...any) error }) (domain.Run, error) {
	var r domain.Run
	var status string
	var input, output, rerr, metadata sql.NullString
	var startedAt, completedAt, durationMs sql.NullInt64
	var stdout, stderr, name, description, flowTitle, termination sql.NullString
	if err := row.Scan(&r.ID, &r.FlowName, &status, &input, &output, &rerr, &metadata, &r.CreatedAt,
		&startedAt, &completedAt, &durationMs, &stdout, &stderr, &name, &description, &flowTitle, &termination); err != nil {
		return domain.Run{}, err
	}
	r.Status = domain.RunStatus(status)
	r.Input = jsonFromCol(input)
	r.Output = jsonFromCol(output)
	r.Error = jsonFromCol(rerr)
	r.Metadata = jsonFromCol(metadata)
	r.StartedAt = ptrInt(startedAt)
	r.CompletedAt = ptrInt(completedAt)
	r.DurationMs = ptrInt(durationMs)
	r.Stdout = ptrStr(stdout)
	r.Stderr = ptrStr(stderr)
	r.Name = ptrStr(name)
	r.Description = ptrStr(description)
	r.FlowTitle = ptrStr(flowTitle)
	r.Termination = terminationFromCol(termination)
	return r, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return domain.Run{}, &notFound{"run", id}
	}
	if err != nil {
		return domain.Run{}, fmt.Errorf("sqlite: get run: %w", err)
	}
	return r, nil
}

func (s *Store) ListRuns(ctx context.Context, f store.ListRunsFilter) ([]domain.Run, int, error) {
	where := []string{"1=1"}
	args := []any{}
	if f.FlowName != "" {
		where = append(where, "flow_name = ?")
		args = append(args, f.FlowName)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE `+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count runs: %w", err)
	}

	sortBy := "created_at"
	switch f.SortBy {
	case "created_at", "started_at", "completed_at", "flow_name", "status":
		sortBy = f.SortBy
	}
	sortOrder := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		sortOrder = "ASC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	q := fmt.Sprintf(`SELECT %s FROM runs WHERE %s ORDER BY %s %s LIMIT ? OFFSET ?`, runColumns, whereClause, sortBy, sortOrder)
	args = append(args, limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("sqlite: scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func (s *Store) UpdateRun(ctx context.Context, r domain.Run) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET
		flow_name=?, status=?, input=?, output=?, error=?, metadata=?, started_at=?, completed_at=?,
		duration_ms=?, stdout=?, stderr=?, name=?, description=?, flow_title=?, termination_reason=?
		WHERE id=?`,
		r.FlowName, string(r.Status), jsonOrNil(r.Input), jsonOrNil(r.Output), jsonOrNil(r.Error), jsonOrNil(r.Metadata),
		nullInt(r.StartedAt), nullInt(r.CompletedAt), nullInt(r.DurationMs), nullStr(r.Stdout), nullStr(r.Stderr),
		nullStr(r.Name), nullStr(r.Description), nullStr(r.FlowTitle), terminationOrNil(r.Termination), r.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update run: %w", err)
	}
	return checkRowsAffected(res, "run", r.ID)
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return &notFound{kind, id}
	}
	return nil
}

type notFound struct {
	kind, id string
}

func (e *notFound) Error() string { return fmt.Sprintf("%s not found: %s", e.kind, e.id) }

// --- Stage ---

const stageColumns = `id, run_id, name, final, status, created_at, started_at, completed_at, termination_reason`

func scanStage(row interface{ Scan(...any) error }) (domain.Stage, error) {
	var st domain.Stage
	var final int
	var status string
	var startedAt, completedAt sql.NullInt64
	var termination sql.NullString
	if err := row.Scan(&st.ID, &st.RunID, &st.Name, &final, &status, &st.CreatedAt, &startedAt, &completedAt, &termination); err != nil {
		return domain.Stage{}, err
	}
	st.Final = final != 0
	st.Status = domain.StageStatus(status)
	st.StartedAt = ptrInt(startedAt)
	st.CompletedAt = ptrInt(completedAt)
	st.Termination = terminationFromCol(termination)
	return st, nil
}

func (s *Store) CreateStage(ctx context.Context, st domain.Stage) error {
	finalInt := 0
	if st.Final {
		finalInt = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO stages
		(id, run_id, name, final, status, created_at, started_at, completed_at, termination_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.RunID, st.Name, finalInt, string(st.Status), st.CreatedAt, nullInt(st.StartedAt),
		nullInt(st.CompletedAt), terminationOrNil(st.Termination))
	if err != nil {
		return fmt.Errorf("sqlite: create stage: %w", err)
	}
	return nil
}

func (s *Store) GetStage(ctx context.Context, id string) (domain.Stage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id = ?`, id)
	st, err := scanStage(row)
	if err == sql.ErrNoRows {
		return domain.Stage{}, &notFound{"stage", id}
	}
	if err != nil {
		return domain.Stage{}, fmt.Errorf("sqlite: get stage: %w", err)
	}
	return st, nil
}

func (s *Store) ListStagesByRun(ctx context.Context, runID string) ([]domain.Stage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list stages: %w", err)
	}
	defer rows.Close()
	var out []domain.Stage
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan stage: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) UpdateStage(ctx context.Context, st domain.Stage) error {
	finalInt := 0
	if st.Final {
		finalInt = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE stages SET
		name=?, final=?, status=?, started_at=?, completed_at=?, termination_reason=? WHERE id=?`,
		st.Name, finalInt, string(st.Status), nullInt(st.StartedAt), nullInt(st.CompletedAt),
		terminationOrNil(st.Termination), st.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update stage: %w", err)
	}
	return checkRowsAffected(res, "stage", st.ID)
}

// --- Step ---

const stepColumns = `id, run_id, stage_id, name, status, depends_on, retry_count, max_retries, env, fields,
	error, created_at, started_at, completed_at, duration_ms, stdout, stderr, queued_at, claimed_at,
	heartbeat_at, worker_id, termination_reason`

func scanStep(row interface{ Scan(...any) error }) (domain.Step, error) {
	var st domain.Step
	var status string
	var dependsOn string
	var env, fields, serr sql.NullString
	var startedAt, completedAt, durationMs, queuedAt, claimedAt, heartbeatAt sql.NullInt64
	var stdout, stderr, workerID, termination sql.NullString
	if err := row.Scan(&st.ID, &st.RunID, &st.StageID, &st.Name, &status, &dependsOn, &st.RetryCount, &st.MaxRetries,
		&env, &fields, &serr, &st.CreatedAt, &startedAt, &completedAt, &durationMs, &stdout, &stderr, &queuedAt,
		&claimedAt, &heartbeatAt, &workerID, &termination); err != nil {
		return domain.Step{}, err
	}
	st.Status = domain.StepStatus(status)
	st.DependsOn = unmarshalStrSlice(dependsOn)
	st.Env = unmarshalEnv(env)
	st.Fields = jsonFromCol(fields)
	st.Error = jsonFromCol(serr)
	st.StartedAt = ptrInt(startedAt)
	st.CompletedAt = ptrInt(completedAt)
	st.DurationMs = ptrInt(durationMs)
	st.Stdout = ptrStr(stdout)
	st.Stderr = ptrStr(stderr)
	st.QueuedAt = ptrInt(queuedAt)
	st.ClaimedAt = ptrInt(claimedAt)
	st.HeartbeatAt = ptrInt(heartbeatAt)
	st.WorkerID = ptrStr(workerID)
	st.Termination = terminationFromCol(termination)
	return st, nil
}

func (s *Store) CreateSteps(ctx context.Context, steps []domain.Step) error {
	if len(steps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin create steps: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO steps
		(id, run_id, stage_id, name, status, depends_on, retry_count, max_retries, env, fields, error,
		 created_at, started_at, completed_at, duration_ms, stdout, stderr, queued_at, claimed_at,
		 heartbeat_at, worker_id, termination_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare create steps: %w", err)
	}
	defer stmt.Close()

	for _, st := range steps {
		_, err := stmt.ExecContext(ctx, st.ID, st.RunID, st.StageID, st.Name, string(st.Status),
			marshalStrSlice(st.DependsOn), st.RetryCount, st.MaxRetries, marshalEnv(st.Env), jsonOrNil(st.Fields),
			jsonOrNil(st.Error), st.CreatedAt, nullInt(st.StartedAt), nullInt(st.CompletedAt), nullInt(st.DurationMs),
			nullStr(st.Stdout), nullStr(st.Stderr), nullInt(st.QueuedAt), nullInt(st.ClaimedAt),
			nullInt(st.HeartbeatAt), nullStr(st.WorkerID), terminationOrNil(st.Termination))
		if err != nil {
			return fmt.Errorf("sqlite: insert step %s: %w", st.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetStep(ctx context.Context, runID, stepID string) (domain.Step, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND id = ?`, runID, stepID)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return domain.Step{}, &notFound{"step", stepID}
	}
	if err != nil {
		return domain.Step{}, fmt.Errorf("sqlite: get step: %w", err)
	}
	return st, nil
}

func (s *Store) ListStepsByRun(ctx context.Context, runID string) ([]domain.Step, error) {
	return s.queryStepRows(ctx, `SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY created_at ASC`, runID)
}

func (s *Store) ListStepsByStage(ctx context.Context, stageID string) ([]domain.Step, error) {
	return s.queryStepRows(ctx, `SELECT `+stepColumns+` FROM steps WHERE stage_id = ? ORDER BY created_at ASC`, stageID)
}

func (s *Store) queryStepRows(ctx context.Context, q string, args ...any) ([]domain.Step, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query steps: %w", err)
	}
	defer rows.Close()
	var out []domain.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan step: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) UpdateStep(ctx context.Context, st domain.Step) error {
	res, err := s.db.ExecContext(ctx, `UPDATE steps SET
		name=?, status=?, depends_on=?, retry_count=?, max_retries=?, env=?, fields=?, error=?,
		started_at=?, completed_at=?, duration_ms=?, stdout=?, stderr=?, queued_at=?, claimed_at=?,
		heartbeat_at=?, worker_id=?, termination_reason=?
		WHERE run_id=? AND id=?`,
		st.Name, string(st.Status), marshalStrSlice(st.DependsOn), st.RetryCount, st.MaxRetries,
		marshalEnv(st.Env), jsonOrNil(st.Fields), jsonOrNil(st.Error), nullInt(st.StartedAt),
		nullInt(st.CompletedAt), nullInt(st.DurationMs), nullStr(st.Stdout), nullStr(st.Stderr),
		nullInt(st.QueuedAt), nullInt(st.ClaimedAt), nullInt(st.HeartbeatAt), nullStr(st.WorkerID),
		terminationOrNil(st.Termination), st.RunID, st.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update step: %w", err)
	}
	return checkRowsAffected(res, "step", st.ID)
}

// ClaimStep is the single atomic claim predicate required by spec §4.6 step 3
// and invariant I2: a step with queued_at NULL can never be claimed.
func (s *Store) ClaimStep(ctx context.Context, runID, stepID, workerID string, now int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE steps SET
		status='running', claimed_at=?, heartbeat_at=?, worker_id=?, started_at=?
		WHERE run_id=? AND id=? AND status='pending' AND claimed_at IS NULL AND queued_at IS NOT NULL`,
		now, now, workerID, now, runID, stepID)
	if err != nil {
		return false, fmt.Errorf("sqlite: claim step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: claim step rows affected: %w", err)
	}
	return n > 0, nil
}

// SelectCandidateSteps implements spec §4.6 step 2.
func (s *Store) SelectCandidateSteps(ctx context.Context, limit int) ([]domain.Step, error) {
	return s.queryStepRows(ctx, `SELECT `+stepColumns+` FROM steps
		WHERE status = 'pending' AND queued_at IS NOT NULL
		AND run_id IN (SELECT id FROM runs WHERE status = 'running' AND termination_reason IS NULL)
		ORDER BY queued_at ASC LIMIT ?`, limit)
}

func (s *Store) CountRunningSteps(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM steps WHERE status = 'running'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count running steps: %w", err)
	}
	return n, nil
}

func (s *Store) ResetStepForRetry(ctx context.Context, runID, stepID string, clear store.ClearedClaim, bumpRetryCount bool) error {
	retryIncr := 0
	if bumpRetryCount {
		retryIncr = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE steps SET
		status='pending', queued_at=?, claimed_at=?, heartbeat_at=?, worker_id=?, started_at=?,
		completed_at=NULL, duration_ms=NULL, stdout=?, stderr=?, termination_reason=NULL,
		retry_count = retry_count + ?
		WHERE run_id=? AND id=?`,
		nullInt(clear.QueuedAt), nullInt(clear.ClaimedAt), nullInt(clear.HeartbeatAt), nullStr(clear.WorkerID),
		nullInt(clear.StartedAt), nullStr(clear.Stdout), nullStr(clear.Stderr), retryIncr, runID, stepID)
	if err != nil {
		return fmt.Errorf("sqlite: reset step for retry: %w", err)
	}
	return checkRowsAffected(res, "step", stepID)
}

func (s *Store) MergeStepFields(ctx context.Context, runID, stepID string, fields domain.JSON) (domain.Step, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Step{}, fmt.Errorf("sqlite: begin merge fields: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE run_id=? AND id=?`, runID, stepID)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return domain.Step{}, &notFound{"step", stepID}
	}
	if err != nil {
		return domain.Step{}, fmt.Errorf("sqlite: get step for merge: %w", err)
	}

	merged := map[string]any{}
	if len(st.Fields) > 0 {
		_ = json.Unmarshal(st.Fields, &merged)
	}
	var incoming map[string]any
	if err := json.Unmarshal(fields, &incoming); err != nil {
		return domain.Step{}, fmt.Errorf("sqlite: unmarshal incoming fields: %w", err)
	}
	for k, v := range incoming {
		merged[k] = v
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return domain.Step{}, fmt.Errorf("sqlite: marshal merged fields: %w", err)
	}
	st.Fields = b

	if _, err := tx.ExecContext(ctx, `UPDATE steps SET fields=? WHERE run_id=? AND id=?`, string(b), runID, stepID); err != nil {
		return domain.Step{}, fmt.Errorf("sqlite: update fields: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Step{}, fmt.Errorf("sqlite: commit merge fields: %w", err)
	}
	return st, nil
}

func (s *Store) QueryFields(ctx context.Context, runID, stepID, fieldName string) ([]store.FieldEntry, error) {
	q := `SELECT id, fields FROM steps WHERE run_id = ? AND fields IS NOT NULL`
	args := []any{runID}
	if stepID != "" {
		q += ` AND id = ?`
		args = append(args, stepID)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query fields: %w", err)
	}
	defer rows.Close()

	var out []store.FieldEntry
	for rows.Next() {
		var id string
		var fields sql.NullString
		if err := rows.Scan(&id, &fields); err != nil {
			return nil, fmt.Errorf("sqlite: scan fields: %w", err)
		}
		if !fields.Valid {
			continue
		}
		if fieldName == "" {
			out = append(out, store.FieldEntry{StepID: id, Fields: domain.JSON(fields.String)})
			continue
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal([]byte(fields.String), &m); err != nil {
			continue
		}
		if v, ok := m[fieldName]; ok {
			out = append(out, store.FieldEntry{StepID: id, Name: fieldName, Fields: v})
		}
	}
	return out, rows.Err()
}

// --- run_log ---

func (s *Store) InsertRunLog(ctx context.Context, e domain.RunLog) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO run_logs
		(id, run_id, entity_type, entity_id, level, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.EntityType, nullStr(e.EntityID), string(e.Level), e.Message, jsonOrNil(e.Metadata), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: insert run_log: %w", err)
	}
	return nil
}

func (s *Store) ListRunLogs(ctx context.Context, runID string) ([]domain.RunLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, entity_type, entity_id, level, message, metadata, created_at
		FROM run_logs WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list run_logs: %w", err)
	}
	defer rows.Close()

	var out []domain.RunLog
	for rows.Next() {
		var e domain.RunLog
		var entityID, metadata sql.NullString
		var level string
		if err := rows.Scan(&e.ID, &e.RunID, &e.EntityType, &entityID, &level, &e.Message, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan run_log: %w", err)
		}
		e.EntityID = ptrStr(entityID)
		e.Level = domain.LogLevel(level)
		e.Metadata = jsonFromCol(metadata)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Startup Reconciler ---

func (s *Store) ReconcileRunningToFailed(ctx context.Context, reason domain.TerminationReason, now int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin reconcile: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE runs SET status='failed', termination_reason=?, completed_at=?
		WHERE status IN ('running', 'pending')`, string(reason), now)
	if err != nil {
		return 0, fmt.Errorf("sqlite: reconcile runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: reconcile runs affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE stages SET status='failed', termination_reason=?, completed_at=?
		WHERE status IN ('running', 'pending')`, string(reason), now); err != nil {
		return 0, fmt.Errorf("sqlite: reconcile stages: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE steps SET status='failed', termination_reason=?, completed_at=?,
		queued_at=NULL, claimed_at=NULL, heartbeat_at=NULL, worker_id=NULL
		WHERE status IN ('running', 'pending')`, string(reason), now); err != nil {
		return 0, fmt.Errorf("sqlite: reconcile steps: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit reconcile: %w", err)
	}
	return int(n), nil
}
