// Package store defines the persistence boundary for MaxQ's four entities
// (spec §3): run, stage, step, run_log. It is the system's single source of
// truth; every other component is stateless between ticks (spec §2.1).
package store

import (
	"context"

	"github.com/codespin-ai/maxq/internal/domain"
)

// ListRunsFilter narrows GET /runs (spec §6.3).
type ListRunsFilter struct {
	FlowName  string
	Status    string
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string
}

// FieldEntry is one (step, fields) pair returned by GET /runs/:runId/fields.
type FieldEntry struct {
	StepID string
	Name   string
	Fields domain.JSON
}

// ClearedClaim holds the values ResetStepForRetry writes into a step's
// claim, timing and output columns; a nil field writes NULL (spec §4.7,
// I6). Pause and the startup reconciler clear claim fields on their own.
type ClearedClaim struct {
	QueuedAt    *int64
	ClaimedAt   *int64
	HeartbeatAt *int64
	WorkerID    *string
	StartedAt   *int64
	Stdout      *string
	Stderr      *string
}

// Store is the persistence boundary. Implementations must serialize writes
// (the modernc.org/sqlite store does this with SetMaxOpenConns(1))
// and must implement ClaimStep as a single atomic UPDATE...WHERE so that two
// concurrent callers can never both claim the same step (spec §4.6, I2).
type Store interface {
	Init(ctx context.Context) error
	Close() error

	// --- Run ---
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, error)
	ListRuns(ctx context.Context, filter ListRunsFilter) ([]domain.Run, int, error)
	UpdateRun(ctx context.Context, run domain.Run) error

	// --- Stage ---
	CreateStage(ctx context.Context, stage domain.Stage) error
	GetStage(ctx context.Context, id string) (domain.Stage, error)
	ListStagesByRun(ctx context.Context, runID string) ([]domain.Stage, error)
	UpdateStage(ctx context.Context, stage domain.Stage) error

	// --- Step ---
	// CreateSteps persists an entire stage's steps in one transaction
	// (spec §4.7: "persist each declared step ... only after all rows are
	// inserted"). Each row is written as given, including its QueuedAt;
	// the orchestrator inserts with QueuedAt nil and sets it afterwards.
	CreateSteps(ctx context.Context, steps []domain.Step) error
	GetStep(ctx context.Context, runID, stepID string) (domain.Step, error)
	ListStepsByRun(ctx context.Context, runID string) ([]domain.Step, error)
	ListStepsByStage(ctx context.Context, stageID string) ([]domain.Step, error)
	UpdateStep(ctx context.Context, step domain.Step) error

	// ClaimStep atomically transitions a step from pending+unclaimed to
	// running (spec §4.6 step 3). Returns claimed=false (no error) if
	// another worker/tick already claimed it.
	ClaimStep(ctx context.Context, runID, stepID, workerID string, now int64) (claimed bool, err error)

	// SelectCandidateSteps returns up to limit steps eligible for a claim
	// attempt: status=pending, queued_at set, owning run running and not
	// terminated, ordered by queued_at ASC (spec §4.6 step 2).
	SelectCandidateSteps(ctx context.Context, limit int) ([]domain.Step, error)

	// CountRunningSteps returns COUNT(step WHERE status='running') across
	// all runs (spec §4.6 step 1, P1).
	CountRunningSteps(ctx context.Context) (int, error)

	// ResetStepForRetry clears claim/timing/output fields, bumps
	// retry_count when bumpRetryCount is true, and leaves the step pending
	// (spec §4.7 step-attempt retry,
	// §4.5 cascade retry, §4.7 retryStep).
	ResetStepForRetry(ctx context.Context, runID, stepID string, clear ClearedClaim, bumpRetryCount bool) error

	// MergeStepFields merges posted fields into step.fields (spec §4.4,
	// §6.3 POST .../fields). Returns the updated step.
	MergeStepFields(ctx context.Context, runID, stepID string, fields domain.JSON) (domain.Step, error)

	// QueryFields implements GET /runs/:runId/fields (spec §6.3).
	QueryFields(ctx context.Context, runID, stepID, fieldName string) ([]FieldEntry, error)

	// --- run_log ---
	InsertRunLog(ctx context.Context, entry domain.RunLog) error
	ListRunLogs(ctx context.Context, runID string) ([]domain.RunLog, error)

	// --- Startup Reconciler (spec §4.8) ---
	// ReconcileRunningToFailed marks every run/stage/step still
	// running/pending as failed with the given termination reason, clearing
	// claim fields. Returns the number of runs affected.
	ReconcileRunningToFailed(ctx context.Context, reason domain.TerminationReason, now int64) (int, error)
}
