// Package orchestrator is the run-level state machine (spec §4.7): it
// drives a run from creation through repeated stages to a terminal state,
// owns the pause/resume/retry/abort control surface, and reacts to step
// settlement notifications pushed by the Scheduler. Grounded on the App
// (app.go) composition-root shape (a constructor over a
// store/registry/flowExec triple with a discard-logger default), and
// conceptually on Workflow.runDAG
// (workflow_exec.go) for the cascade-on-failure propagation it delegates to
// internal/dag.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codespin-ai/maxq/internal/dag"
	"github.com/codespin-ai/maxq/internal/domain"
	"github.com/codespin-ai/maxq/internal/errorsx"
	"github.com/codespin-ai/maxq/internal/flowexec"
	"github.com/codespin-ai/maxq/internal/registry"
	"github.com/codespin-ai/maxq/internal/store"
)

// Config holds the orchestrator's tunables (spec §6.4, §6.5).
type Config struct {
	FlowsRoot     string
	APIURL        string
	MaxLogCapture int
	AbortGraceMs  int
}

// Orchestrator implements the run-level state machine described in spec
// §4.7 and the scheduler.Notifier interface so the Scheduler can push step
// settlement events back in without importing this package.
type Orchestrator struct {
	store    store.Store
	registry *registry.Registry
	flowExec *flowexec.Executor
	logger   *slog.Logger
	cfg      Config

	runLocksMu sync.Mutex
	runLocks   map[string]*sync.Mutex
}

// New constructs an Orchestrator. logger may be nil to disable logging.
func New(st store.Store, reg *registry.Registry, flowExec *flowexec.Executor, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	if cfg.AbortGraceMs <= 0 {
		cfg.AbortGraceMs = 5000
	}
	return &Orchestrator{
		store:    st,
		registry: reg,
		flowExec: flowExec,
		logger:   logger,
		cfg:      cfg,
		runLocks: make(map[string]*sync.Mutex),
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

func (o *Orchestrator) lockFor(runID string) *sync.Mutex {
	o.runLocksMu.Lock()
	defer o.runLocksMu.Unlock()
	l, ok := o.runLocks[runID]
	if !ok {
		l = &sync.Mutex{}
		o.runLocks[runID] = l
	}
	return l
}

func nowMs() int64 { return time.Now().UnixMilli() }

func (o *Orchestrator) log(ctx context.Context, runID, entityType, entityID string, level domain.LogLevel, message string) {
	if err := o.store.InsertRunLog(ctx, domain.RunLog{
		ID: uuid.NewString(), RunID: runID, EntityType: entityType,
		EntityID: optionalPtr(entityID), Level: level, Message: message, CreatedAt: nowMs(),
	}); err != nil {
		o.logger.Error("orchestrator: insert run_log failed", "run_id", runID, "err", err)
	}
}

func optionalPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StartRun creates a run row, transitions it to running, and invokes the
// Flow Executor in initial mode (spec §4.7 startRun).
func (o *Orchestrator) StartRun(ctx context.Context, flowName string, input domain.JSON) (domain.Run, error) {
	if err := flowexec.ValidateName(flowName); err != nil {
		return domain.Run{}, &errorsx.ValidationError{Message: err.Error()}
	}

	run := domain.Run{
		ID:        uuid.NewString(),
		FlowName:  flowName,
		Status:    domain.RunPending,
		Input:     input,
		CreatedAt: nowMs(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return domain.Run{}, &errorsx.PersistenceError{Op: "CreateRun", Err: err}
	}

	started := nowMs()
	run.Status = domain.RunRunning
	run.StartedAt = &started
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return domain.Run{}, &errorsx.PersistenceError{Op: "UpdateRun", Err: err}
	}
	o.log(ctx, run.ID, "run", run.ID, domain.LogInfo, "run started")

	if err := o.invokeFlowAndAdvance(ctx, run.ID, flowexec.ModeInitial, "", ""); err != nil {
		o.logger.Error("orchestrator: initial flow invocation failed", "run_id", run.ID, "err", err)
	}

	return o.store.GetRun(ctx, run.ID)
}

// invokeFlowAndAdvance calls flow.sh for the given mode, captures its
// stdout/stderr onto the run, and either creates the next stage or fails
// the run if the response was nil (spec §4.3, §4.7).
func (o *Orchestrator) invokeFlowAndAdvance(ctx context.Context, runID string, mode flowexec.Mode, completedStage, failedStage string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	result, err := o.flowExec.Invoke(ctx, flowexec.Request{
		RunID: runID, FlowName: run.FlowName, FlowsRoot: o.cfg.FlowsRoot, APIURL: o.cfg.APIURL,
		MaxLogCapture: o.cfg.MaxLogCapture, Mode: mode, CompletedStage: completedStage, FailedStage: failedStage,
	})
	if err != nil {
		return o.failRun(ctx, run, "flow invocation error: "+err.Error())
	}

	stdout, stderr := result.Spawn.Stdout, result.Spawn.Stderr
	run.Stdout, run.Stderr = &stdout, &stderr
	if err := o.store.UpdateRun(ctx, run); err != nil {
		o.logger.Error("orchestrator: persist flow capture failed", "run_id", runID, "err", err)
	}

	if mode == flowexec.ModeStageFailed {
		// Informational only: any steps the stage-failed callback declares
		// are never persisted, since the caller marks the run failed right
		// after this returns (I3 forbids pending steps on a terminal run).
		return nil
	}

	if result.Response == nil {
		return o.failRun(ctx, run, "flow exited non-zero or produced no parseable stage plan")
	}

	return o.createStage(ctx, run, *result.Response)
}

// createStage persists a stage and its declared steps (spec §4.7
// executeStages): the DAG is validated before any row is written, and
// queued_at is set only after every sibling step has been inserted (I2).
func (o *Orchestrator) createStage(ctx context.Context, run domain.Run, resp flowexec.FlowResponse) error {
	steps := make([]domain.Step, 0, len(resp.Steps))
	stageID := uuid.NewString()
	for _, d := range resp.Steps {
		steps = append(steps, domain.Step{
			ID: d.ID, RunID: run.ID, StageID: stageID, Name: d.Name,
			Status: domain.StepPending, DependsOn: d.DependsOn, MaxRetries: d.MaxRetries,
			Env: d.Env, CreatedAt: nowMs(),
		})
	}

	if err := dag.Validate(steps); err != nil {
		return o.failRun(ctx, run, fmt.Sprintf("stage %q rejected: %s", resp.Stage, err))
	}

	stage := domain.Stage{
		ID: stageID, RunID: run.ID, Name: resp.Stage, Final: resp.Final,
		Status: domain.StageRunning, CreatedAt: nowMs(),
	}
	started := nowMs()
	stage.StartedAt = &started
	if err := o.store.CreateStage(ctx, stage); err != nil {
		return &errorsx.PersistenceError{Op: "CreateStage", Err: err}
	}

	if len(steps) > 0 {
		if err := o.store.CreateSteps(ctx, steps); err != nil {
			return &errorsx.PersistenceError{Op: "CreateSteps", Err: err}
		}
		queuedAt := nowMs()
		for i := range steps {
			steps[i].QueuedAt = &queuedAt
			if err := o.store.UpdateStep(ctx, steps[i]); err != nil {
				return &errorsx.PersistenceError{Op: "UpdateStep(queued_at)", Err: err}
			}
		}
	} else {
		// A stage with no steps settles immediately.
		return o.settleStage(ctx, run.ID, stage.ID)
	}

	o.log(ctx, run.ID, "stage", stage.ID, domain.LogInfo, "stage "+stage.Name+" started")
	return nil
}

func (o *Orchestrator) failRun(ctx context.Context, run domain.Run, reason string) error {
	completed := nowMs()
	run.Status = domain.RunFailed
	run.CompletedAt = &completed
	errMsg := fmt.Sprintf(`{"message":%q}`, reason)
	run.Error = domain.JSON(errMsg)
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return &errorsx.PersistenceError{Op: "UpdateRun(fail)", Err: err}
	}
	o.log(ctx, run.ID, "run", run.ID, domain.LogError, reason)
	return nil
}

// StepSettled is called by the Scheduler once a step reaches a terminal
// state. It checks whether the owning stage has fully settled and, if so,
// advances the run (spec §4.7's stage-settlement wait, modeled here as
// in-process signaling rather than polling — see DESIGN.md).
func (o *Orchestrator) StepSettled(ctx context.Context, runID, stepID string) {
	lock := o.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		o.logger.Error("orchestrator: lookup run failed", "run_id", runID, "err", err)
		return
	}
	if run.Status != domain.RunRunning {
		return
	}

	stages, err := o.store.ListStagesByRun(ctx, runID)
	if err != nil {
		o.logger.Error("orchestrator: list stages failed", "run_id", runID, "err", err)
		return
	}
	var current *domain.Stage
	for i := range stages {
		if stages[i].Status == domain.StageRunning {
			current = &stages[i]
			break
		}
	}
	if current == nil {
		return
	}

	if err := o.settleStage(ctx, runID, current.ID); err != nil {
		o.logger.Error("orchestrator: settle stage failed", "run_id", runID, "stage_id", current.ID, "err", err)
	}
}

// settleStage implements the stage-settlement wait: automatic step-attempt
// retries, the cascade-failure closure, and the stage→run transition (spec
// §4.7).
func (o *Orchestrator) settleStage(ctx context.Context, runID, stageID string) error {
	stage, err := o.store.GetStage(ctx, stageID)
	if err != nil {
		return err
	}
	steps, err := o.store.ListStepsByStage(ctx, stageID)
	if err != nil {
		return err
	}

	retryable := false
	for _, s := range steps {
		if s.Status == domain.StepFailed && s.RetryCount < s.MaxRetries {
			retryable = true
			queuedAt := nowMs()
			if err := o.store.ResetStepForRetry(ctx, runID, s.ID, store.ClearedClaim{QueuedAt: &queuedAt}, true); err != nil {
				return err
			}
			o.log(ctx, runID, "step", s.ID, domain.LogInfo, "step-attempt retry "+fmt.Sprint(s.RetryCount+1)+"/"+fmt.Sprint(s.MaxRetries))
		}
	}
	if retryable {
		return nil
	}

	// Dependents of a failed step can never be claimed; they are settled by
	// the cascade below rather than waited on.
	blocked := make(map[string]bool)
	for _, s := range steps {
		if s.Status == domain.StepFailed {
			for _, f := range dag.CascadeFail(s.ID, steps).Failed {
				blocked[f.StepID] = true
			}
		}
	}
	for _, s := range steps {
		if !s.Terminal() && !blocked[s.ID] {
			return nil // still waiting on at least one in-flight step
		}
	}

	var failedRoots []domain.Step
	for _, s := range steps {
		if s.Status == domain.StepFailed {
			failedRoots = append(failedRoots, s)
		}
	}

	if len(failedRoots) == 0 {
		return o.completeStage(ctx, runID, stage)
	}
	return o.cascadeAndFailStage(ctx, runID, stage, failedRoots)
}

func (o *Orchestrator) completeStage(ctx context.Context, runID string, stage domain.Stage) error {
	completed := nowMs()
	stage.Status = domain.StageCompleted
	stage.CompletedAt = &completed
	if err := o.store.UpdateStage(ctx, stage); err != nil {
		return err
	}
	o.log(ctx, runID, "stage", stage.ID, domain.LogInfo, "stage "+stage.Name+" completed")

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	if stage.Final {
		run.Status = domain.RunCompleted
		run.CompletedAt = &completed
		if err := o.store.UpdateRun(ctx, run); err != nil {
			return err
		}
		o.log(ctx, runID, "run", runID, domain.LogInfo, "run completed")
		return nil
	}

	return o.invokeFlowAndAdvance(ctx, runID, flowexec.ModeStageCompleted, stage.Name, "")
}

func (o *Orchestrator) cascadeAndFailStage(ctx context.Context, runID string, stage domain.Stage, failedRoots []domain.Step) error {
	allSteps, err := o.store.ListStepsByRun(ctx, runID)
	if err != nil {
		return err
	}

	for _, root := range failedRoots {
		outcome := dag.CascadeFail(root.ID, allSteps)
		for _, f := range outcome.Failed {
			if f.StepID == root.ID {
				continue // already persisted as failed by the scheduler
			}
			step, err := o.store.GetStep(ctx, runID, f.StepID)
			if err != nil || step.Terminal() {
				continue
			}
			completed := nowMs()
			msg := dag.CascadeMessage(f.Root)
			step.Status = domain.StepFailed
			step.CompletedAt = &completed
			step.Stderr = &msg
			step.Termination = nil
			if err := o.store.UpdateStep(ctx, step); err != nil {
				return err
			}
			o.log(ctx, runID, "step", step.ID, domain.LogWarn, msg)
		}
	}

	completed := nowMs()
	stage.Status = domain.StageFailed
	stage.CompletedAt = &completed
	if err := o.store.UpdateStage(ctx, stage); err != nil {
		return err
	}
	o.log(ctx, runID, "stage", stage.ID, domain.LogError, "stage "+stage.Name+" failed")

	if err := o.invokeFlowAndAdvance(ctx, runID, flowexec.ModeStageFailed, "", stage.Name); err != nil {
		o.logger.Error("orchestrator: stage-failed callback error", "run_id", runID, "err", err)
	}

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	run.Status = domain.RunFailed
	run.CompletedAt = &completed
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	o.log(ctx, runID, "run", runID, domain.LogError, "run failed")
	return nil
}

// --- Control surface (spec §4.7) ---

// AbortResult is the body of POST /runs/:runId/abort.
type AbortResult struct {
	Run              domain.Run
	AlreadyCompleted bool
	ProcessesKilled  int
}

// Abort kills every registered process for the run, then marks every
// pending/running run/stage/step row failed with termination_reason=aborted.
// Idempotent: a no-op on an already-terminal run.
func (o *Orchestrator) Abort(ctx context.Context, runID string, grace time.Duration) (AbortResult, error) {
	lock := o.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return AbortResult{}, &errorsx.NotFoundError{Kind: "run", ID: runID}
	}
	if run.Terminal() {
		return AbortResult{Run: run, AlreadyCompleted: true}, nil
	}

	procs := o.registry.ProcessesForRun(runID)
	if o.registry != nil {
		o.registry.KillProcessesForRun(runID, grace)
	}

	if err := o.terminateRun(ctx, runID, domain.TerminationAborted); err != nil {
		return AbortResult{}, err
	}
	o.log(ctx, runID, "run", runID, domain.LogWarn, "run aborted")

	updated, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return AbortResult{}, err
	}
	return AbortResult{Run: updated, ProcessesKilled: len(procs)}, nil
}

func (o *Orchestrator) terminateRun(ctx context.Context, runID string, reason domain.TerminationReason) error {
	now := nowMs()
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	run.Status = domain.RunFailed
	run.Termination = &reason
	run.CompletedAt = &now
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	stages, err := o.store.ListStagesByRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, s := range stages {
		if s.Status == domain.StagePending || s.Status == domain.StageRunning {
			s.Status = domain.StageFailed
			s.Termination = &reason
			s.CompletedAt = &now
			if err := o.store.UpdateStage(ctx, s); err != nil {
				return err
			}
		}
	}

	steps, err := o.store.ListStepsByRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s.Status == domain.StepPending || s.Status == domain.StepRunning {
			s.Status = domain.StepFailed
			s.Termination = &reason
			s.CompletedAt = &now
			s.QueuedAt, s.ClaimedAt, s.HeartbeatAt, s.WorkerID = nil, nil, nil, nil
			if err := o.store.UpdateStep(ctx, s); err != nil {
				return err
			}
		}
	}
	return nil
}

// PauseResult is the body of POST /runs/:runId/pause.
type PauseResult struct {
	Run             domain.Run
	AlreadyPaused   bool
	ProcessesKilled int
}

// Pause kills registered processes and resets every pending/running step
// back to an unqueued pending state so the scheduler ignores them (I2)
// until resume re-queues (spec §4.7).
func (o *Orchestrator) Pause(ctx context.Context, runID string, grace time.Duration) (PauseResult, error) {
	lock := o.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return PauseResult{}, &errorsx.NotFoundError{Kind: "run", ID: runID}
	}
	if run.Status == domain.RunPaused {
		return PauseResult{Run: run, AlreadyPaused: true}, nil
	}
	if run.Status != domain.RunRunning {
		return PauseResult{}, &errorsx.ConflictError{Message: "pause only allowed from running"}
	}

	var killed int
	if o.registry != nil {
		procs := o.registry.ProcessesForRun(runID)
		killed = len(procs)
		o.registry.KillProcessesForRun(runID, grace)
	}

	steps, err := o.store.ListStepsByRun(ctx, runID)
	if err != nil {
		return PauseResult{}, err
	}
	for _, s := range steps {
		if s.Status == domain.StepPending || s.Status == domain.StepRunning {
			s.Status = domain.StepPending
			s.QueuedAt, s.ClaimedAt, s.HeartbeatAt, s.WorkerID, s.StartedAt = nil, nil, nil, nil, nil
			if err := o.store.UpdateStep(ctx, s); err != nil {
				return PauseResult{}, err
			}
		}
	}

	run.Status = domain.RunPaused
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return PauseResult{}, err
	}
	o.log(ctx, runID, "run", runID, domain.LogInfo, "run paused")

	updated, err := o.store.GetRun(ctx, runID)
	return PauseResult{Run: updated, ProcessesKilled: killed}, err
}

// Resume re-queues a paused run's steps and returns it to running (spec
// §4.7). The scheduler will naturally re-engage since queued_at gets reset
// on the steps it finds still pending.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (domain.Run, error) {
	lock := o.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, &errorsx.NotFoundError{Kind: "run", ID: runID}
	}
	if run.Status != domain.RunPaused {
		return domain.Run{}, &errorsx.ConflictError{Message: "resume only allowed from paused"}
	}

	steps, err := o.store.ListStepsByRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	now := nowMs()
	for _, s := range steps {
		if s.Status != domain.StepPending {
			continue
		}
		s.QueuedAt = &now
		if err := o.store.UpdateStep(ctx, s); err != nil {
			return domain.Run{}, err
		}
	}

	run.Status = domain.RunRunning
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return domain.Run{}, err
	}
	o.log(ctx, runID, "run", runID, domain.LogInfo, "run resumed")
	return o.store.GetRun(ctx, runID)
}

// Retry sets a failed run's non-completed stages back to running and its
// non-completed steps back to pending, then restarts it (spec §4.7). Refuses completed runs and running runs without
// a termination reason.
func (o *Orchestrator) Retry(ctx context.Context, runID string) (domain.Run, error) {
	lock := o.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, &errorsx.NotFoundError{Kind: "run", ID: runID}
	}
	if run.Status == domain.RunCompleted {
		return domain.Run{}, &errorsx.ConflictError{Message: "cannot retry a completed run"}
	}
	if run.Status == domain.RunRunning && run.Termination == nil {
		return domain.Run{}, &errorsx.ConflictError{Message: "cannot retry a run that is actively running"}
	}

	stages, err := o.store.ListStagesByRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	var currentStage *domain.Stage
	for i := range stages {
		if stages[i].Status != domain.StageCompleted {
			stages[i].Status = domain.StageRunning
			stages[i].Termination = nil
			if err := o.store.UpdateStage(ctx, stages[i]); err != nil {
				return domain.Run{}, err
			}
			currentStage = &stages[i]
		}
	}

	steps, err := o.store.ListStepsByRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	now := nowMs()
	for _, s := range steps {
		if s.Status == domain.StepCompleted {
			continue
		}
		s.Status, s.RetryCount = domain.StepPending, 0
		s.QueuedAt, s.ClaimedAt, s.HeartbeatAt, s.WorkerID = &now, nil, nil, nil
		s.StartedAt, s.CompletedAt, s.DurationMs = nil, nil, nil
		s.Stdout, s.Stderr, s.Termination = nil, nil, nil
		if err := o.store.UpdateStep(ctx, s); err != nil {
			return domain.Run{}, err
		}
	}

	run.Status = domain.RunRunning
	run.Termination = nil
	run.CompletedAt = nil
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return domain.Run{}, err
	}
	o.log(ctx, runID, "run", runID, domain.LogInfo, "run retried")

	if currentStage == nil {
		// Every stage had already completed but the run was marked failed
		// out-of-band (e.g. a manual abort after the final stage) — nothing
		// left to resettle, so re-invoke the flow as if the last stage had
		// just completed.
		if len(stages) > 0 {
			last := stages[len(stages)-1]
			if err := o.invokeFlowAndAdvance(ctx, runID, flowexec.ModeStageCompleted, last.Name, ""); err != nil {
				o.logger.Error("orchestrator: retry re-advance failed", "run_id", runID, "err", err)
			}
		}
	}

	return o.store.GetRun(ctx, runID)
}

// RetryStepResult is the body of POST /runs/:runId/steps/:stepId/retry.
type RetryStepResult struct {
	Step          domain.Step
	CascadedSteps []string
}

// RetryStep resets a single failed step (and, if requested, its transitive
// dependents) back to pending, re-engaging the run if it was failed or
// paused (spec §4.7).
func (o *Orchestrator) RetryStep(ctx context.Context, runID, stepID string, cascadeDownstream bool) (RetryStepResult, error) {
	lock := o.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return RetryStepResult{}, &errorsx.NotFoundError{Kind: "run", ID: runID}
	}
	if run.Status == domain.RunCompleted {
		return RetryStepResult{}, &errorsx.ConflictError{Message: "cannot retry a step on a completed run"}
	}

	step, err := o.store.GetStep(ctx, runID, stepID)
	if err != nil {
		return RetryStepResult{}, &errorsx.NotFoundError{Kind: "step", ID: stepID}
	}
	if step.Status != domain.StepFailed {
		return RetryStepResult{}, &errorsx.ConflictError{Message: "retry-step only allowed on a failed step"}
	}

	targets := []string{stepID}
	if cascadeDownstream {
		allSteps, err := o.store.ListStepsByRun(ctx, runID)
		if err != nil {
			return RetryStepResult{}, err
		}
		targets = dag.CascadeRetry(stepID, allSteps)
	}

	now := nowMs()
	for _, id := range targets {
		if err := o.store.ResetStepForRetry(ctx, runID, id, store.ClearedClaim{QueuedAt: &now}, id == stepID); err != nil {
			return RetryStepResult{}, err
		}
	}

	if run.Status == domain.RunFailed || run.Status == domain.RunPaused {
		run.Status = domain.RunRunning
		run.Termination = nil
		if err := o.store.UpdateRun(ctx, run); err != nil {
			return RetryStepResult{}, err
		}
	}
	o.log(ctx, runID, "step", stepID, domain.LogInfo, "step retried (cascade="+fmt.Sprint(cascadeDownstream)+")")

	updated, err := o.store.GetStep(ctx, runID, stepID)
	if err != nil {
		return RetryStepResult{}, err
	}

	var cascaded []string
	for _, id := range targets {
		if id != stepID {
			cascaded = append(cascaded, id)
		}
	}
	return RetryStepResult{Step: updated, CascadedSteps: cascaded}, nil
}

// Reconcile runs the Startup Reconciler (spec §4.8): before accepting
// traffic, every running/pending run/stage/step is marked failed with
// termination_reason=server_restart, without sending any signals (no child
// processes survive a restart of this service).
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	n, err := o.store.ReconcileRunningToFailed(ctx, domain.TerminationServerRestart, nowMs())
	if err != nil {
		return 0, &errorsx.PersistenceError{Op: "ReconcileRunningToFailed", Err: err}
	}
	if n > 0 {
		o.logger.Info("startup reconciler: marked runs as failed", "count", n, "reason", domain.TerminationServerRestart)
	}
	return n, nil
}
