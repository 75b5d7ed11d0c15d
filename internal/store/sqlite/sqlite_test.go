package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/codespin-ai/maxq/internal/domain"
	"github.com/codespin-ai/maxq/internal/store"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitIdempotent(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "init.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestRunCRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := domain.Run{ID: "run-1", FlowName: "deploy", Status: domain.RunPending, CreatedAt: 1000}
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.FlowName != "deploy" || got.Status != domain.RunPending {
		t.Errorf("unexpected run: %+v", got)
	}

	started := int64(1500)
	got.Status = domain.RunRunning
	got.StartedAt = &started
	if err := s.UpdateRun(ctx, got); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	again, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun after update: %v", err)
	}
	if again.Status != domain.RunRunning || again.StartedAt == nil || *again.StartedAt != started {
		t.Errorf("update not applied: %+v", again)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetRun(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing run")
	}
}

func TestListRunsFilterAndPaging(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i, st := range []domain.RunStatus{domain.RunCompleted, domain.RunFailed, domain.RunCompleted} {
		r := domain.Run{ID: idFor(i), FlowName: "deploy", Status: st, CreatedAt: int64(1000 + i)}
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun %d: %v", i, err)
		}
	}

	completed, total, err := s.ListRuns(ctx, store.ListRunsFilter{Status: "completed"})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total != 2 || len(completed) != 2 {
		t.Errorf("expected 2 completed runs, got total=%d len=%d", total, len(completed))
	}

	paged, total2, err := s.ListRuns(ctx, store.ListRunsFilter{Limit: 1, Offset: 0})
	if err != nil {
		t.Fatalf("ListRuns paged: %v", err)
	}
	if total2 != 3 || len(paged) != 1 {
		t.Errorf("expected 3 total, 1 page, got total=%d len=%d", total2, len(paged))
	}
}

func idFor(i int) string {
	return "run-" + string(rune('a'+i))
}

func TestStageAndStepLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := domain.Run{ID: "run-1", FlowName: "deploy", Status: domain.RunRunning, CreatedAt: 1}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	stage := domain.Stage{ID: "stage-1", RunID: "run-1", Name: "build", Status: domain.StagePending, CreatedAt: 1}
	if err := s.CreateStage(ctx, stage); err != nil {
		t.Fatalf("CreateStage: %v", err)
	}

	queuedAt := int64(10)
	steps := []domain.Step{
		{ID: "compile", RunID: "run-1", StageID: "stage-1", Name: "compile", Status: domain.StepPending, CreatedAt: 1, QueuedAt: &queuedAt},
		{ID: "test", RunID: "run-1", StageID: "stage-1", Name: "test", Status: domain.StepPending, DependsOn: []string{"compile"}, CreatedAt: 2},
	}
	if err := s.CreateSteps(ctx, steps); err != nil {
		t.Fatalf("CreateSteps: %v", err)
	}

	got, err := s.GetStep(ctx, "run-1", "test")
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "compile" {
		t.Errorf("depends_on not round-tripped: %+v", got.DependsOn)
	}

	claimed, err := s.ClaimStep(ctx, "run-1", "compile", "worker-1", 20)
	if err != nil {
		t.Fatalf("ClaimStep: %v", err)
	}
	if !claimed {
		t.Fatal("expected claim to succeed")
	}

	claimedAgain, err := s.ClaimStep(ctx, "run-1", "compile", "worker-2", 21)
	if err != nil {
		t.Fatalf("ClaimStep second attempt: %v", err)
	}
	if claimedAgain {
		t.Fatal("expected second claim to fail — step already claimed")
	}
}

func TestClaimStepRequiresQueuedAt(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := domain.Run{ID: "run-1", FlowName: "deploy", Status: domain.RunRunning, CreatedAt: 1}
	s.CreateRun(ctx, run)
	stage := domain.Stage{ID: "stage-1", RunID: "run-1", Name: "build", Status: domain.StagePending, CreatedAt: 1}
	s.CreateStage(ctx, stage)
	if err := s.CreateSteps(ctx, []domain.Step{
		{ID: "compile", RunID: "run-1", StageID: "stage-1", Name: "compile", Status: domain.StepPending, CreatedAt: 1},
	}); err != nil {
		t.Fatalf("CreateSteps: %v", err)
	}

	claimed, err := s.ClaimStep(ctx, "run-1", "compile", "worker-1", 20)
	if err != nil {
		t.Fatalf("ClaimStep: %v", err)
	}
	if claimed {
		t.Fatal("step with no queued_at must never be claimable")
	}
}

func TestSameStepIDDifferentRuns(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, runID := range []string{"run-a", "run-b"} {
		s.CreateRun(ctx, domain.Run{ID: runID, FlowName: "deploy", Status: domain.RunRunning, CreatedAt: 1})
		s.CreateStage(ctx, domain.Stage{ID: runID + "-stage", RunID: runID, Name: "build", Status: domain.StagePending, CreatedAt: 1})
		if err := s.CreateSteps(ctx, []domain.Step{
			{ID: "compile", RunID: runID, StageID: runID + "-stage", Name: "compile", Status: domain.StepPending, CreatedAt: 1},
		}); err != nil {
			t.Fatalf("CreateSteps for %s: %v", runID, err)
		}
	}

	a, err := s.GetStep(ctx, "run-a", "compile")
	if err != nil {
		t.Fatalf("GetStep run-a: %v", err)
	}
	b, err := s.GetStep(ctx, "run-b", "compile")
	if err != nil {
		t.Fatalf("GetStep run-b: %v", err)
	}
	if a.RunID == b.RunID {
		t.Fatal("expected distinct rows for the same step id across different runs")
	}
}

func TestResetStepForRetryBumpsCount(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.CreateRun(ctx, domain.Run{ID: "run-1", FlowName: "deploy", Status: domain.RunRunning, CreatedAt: 1})
	s.CreateStage(ctx, domain.Stage{ID: "stage-1", RunID: "run-1", Name: "build", Status: domain.StagePending, CreatedAt: 1})
	queuedAt := int64(5)
	s.CreateSteps(ctx, []domain.Step{
		{ID: "compile", RunID: "run-1", StageID: "stage-1", Name: "compile", Status: domain.StepFailed, CreatedAt: 1, QueuedAt: &queuedAt, RetryCount: 1},
	})

	newQueuedAt := int64(100)
	if err := s.ResetStepForRetry(ctx, "run-1", "compile", store.ClearedClaim{QueuedAt: &newQueuedAt}, true); err != nil {
		t.Fatalf("ResetStepForRetry: %v", err)
	}

	got, err := s.GetStep(ctx, "run-1", "compile")
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if got.Status != domain.StepPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if got.RetryCount != 2 {
		t.Errorf("expected retry_count 2, got %d", got.RetryCount)
	}
	if got.QueuedAt == nil || *got.QueuedAt != newQueuedAt {
		t.Errorf("expected queued_at %d, got %v", newQueuedAt, got.QueuedAt)
	}
}

func TestMergeStepFields(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.CreateRun(ctx, domain.Run{ID: "run-1", FlowName: "deploy", Status: domain.RunRunning, CreatedAt: 1})
	s.CreateStage(ctx, domain.Stage{ID: "stage-1", RunID: "run-1", Name: "build", Status: domain.StagePending, CreatedAt: 1})
	s.CreateSteps(ctx, []domain.Step{
		{ID: "compile", RunID: "run-1", StageID: "stage-1", Name: "compile", Status: domain.StepRunning, CreatedAt: 1, Fields: domain.JSON(`{"a":1}`)},
	})

	updated, err := s.MergeStepFields(ctx, "run-1", "compile", domain.JSON(`{"b":2}`))
	if err != nil {
		t.Fatalf("MergeStepFields: %v", err)
	}
	if string(updated.Fields) != `{"a":1,"b":2}` && string(updated.Fields) != `{"b":2,"a":1}` {
		t.Errorf("unexpected merged fields: %s", updated.Fields)
	}

	again, err := s.MergeStepFields(ctx, "run-1", "compile", domain.JSON(`{"a":99}`))
	if err != nil {
		t.Fatalf("MergeStepFields overwrite: %v", err)
	}
	var m map[string]int
	if err := json.Unmarshal(again.Fields, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["a"] != 99 || m["b"] != 2 {
		t.Errorf("expected overwrite of a and retention of b, got %+v", m)
	}
}

func TestReconcileRunningToFailed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.CreateRun(ctx, domain.Run{ID: "run-1", FlowName: "deploy", Status: domain.RunRunning, CreatedAt: 1})
	s.CreateStage(ctx, domain.Stage{ID: "stage-1", RunID: "run-1", Name: "build", Status: domain.StageRunning, CreatedAt: 1})
	queuedAt := int64(5)
	s.CreateSteps(ctx, []domain.Step{
		{ID: "compile", RunID: "run-1", StageID: "stage-1", Name: "compile", Status: domain.StepRunning, CreatedAt: 1, QueuedAt: &queuedAt},
	})

	n, err := s.ReconcileRunningToFailed(ctx, domain.TerminationServerRestart, 500)
	if err != nil {
		t.Fatalf("ReconcileRunningToFailed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 run reconciled, got %d", n)
	}

	run, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != domain.RunFailed || run.Termination == nil || *run.Termination != domain.TerminationServerRestart {
		t.Errorf("run not reconciled: %+v", run)
	}

	step, err := s.GetStep(ctx, "run-1", "compile")
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if step.Status != domain.StepFailed || step.QueuedAt != nil {
		t.Errorf("step not reconciled: %+v", step)
	}
}

func TestCandidateStepsOrderedAndCapacity(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.CreateRun(ctx, domain.Run{ID: "run-1", FlowName: "deploy", Status: domain.RunRunning, CreatedAt: 1})
	s.CreateStage(ctx, domain.Stage{ID: "stage-1", RunID: "run-1", Name: "build", Status: domain.StagePending, CreatedAt: 1})

	later, earlier := int64(200), int64(100)
	s.CreateSteps(ctx, []domain.Step{
		{ID: "b", RunID: "run-1", StageID: "stage-1", Name: "b", Status: domain.StepPending, CreatedAt: 1, QueuedAt: &later},
		{ID: "a", RunID: "run-1", StageID: "stage-1", Name: "a", Status: domain.StepPending, CreatedAt: 1, QueuedAt: &earlier},
	})

	candidates, err := s.SelectCandidateSteps(ctx, 10)
	if err != nil {
		t.Fatalf("SelectCandidateSteps: %v", err)
	}
	if len(candidates) != 2 || candidates[0].ID != "a" || candidates[1].ID != "b" {
		t.Errorf("expected [a, b] ordered by queued_at, got %+v", candidates)
	}

	running, err := s.CountRunningSteps(ctx)
	if err != nil {
		t.Fatalf("CountRunningSteps: %v", err)
	}
	if running != 0 {
		t.Errorf("expected 0 running steps, got %d", running)
	}
}

func TestRunLogAppendAndList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.CreateRun(ctx, domain.Run{ID: "run-1", FlowName: "deploy", Status: domain.RunRunning, CreatedAt: 1})
	if err := s.InsertRunLog(ctx, domain.RunLog{ID: "log-1", RunID: "run-1", EntityType: "run", Level: domain.LogInfo, Message: "started", CreatedAt: 1}); err != nil {
		t.Fatalf("InsertRunLog: %v", err)
	}
	if err := s.InsertRunLog(ctx, domain.RunLog{ID: "log-2", RunID: "run-1", EntityType: "run", Level: domain.LogError, Message: "boom", CreatedAt: 2}); err != nil {
		t.Fatalf("InsertRunLog: %v", err)
	}

	logs, err := s.ListRunLogs(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListRunLogs: %v", err)
	}
	if len(logs) != 2 || logs[0].Message != "started" || logs[1].Message != "boom" {
		t.Errorf("unexpected logs: %+v", logs)
	}
}
