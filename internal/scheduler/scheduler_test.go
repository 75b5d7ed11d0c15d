package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/codespin-ai/maxq/internal/domain"
	"github.com/codespin-ai/maxq/internal/registry"
	"github.com/codespin-ai/maxq/internal/stepexec"
	"github.com/codespin-ai/maxq/internal/store/sqlite"
)

type recordingNotifier struct {
	mu  sync.Mutex
	got []string
}

func (n *recordingNotifier) StepSettled(_ context.Context, runID, stepID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, runID+"/"+stepID)
}

func (n *recordingNotifier) snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.got))
	copy(out, n.got)
	return out
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "scheduler.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeStepScript(t *testing.T, flowsRoot, flowName, stepName, body string) {
	t.Helper()
	dir := filepath.Join(flowsRoot, flowName, "steps", stepName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "step.sh"), []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write step.sh: %v", err)
	}
}

func TestTickClaimsAndCompletesReadyStep(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	flowsRoot := t.TempDir()
	writeStepScript(t, flowsRoot, "deploy", "compile", "exit 0\n")

	if err := st.CreateRun(ctx, domain.Run{ID: "run-1", FlowName: "deploy", Status: domain.RunRunning, CreatedAt: 1}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := st.CreateStage(ctx, domain.Stage{ID: "stage-1", RunID: "run-1", Name: "build", Status: domain.StageRunning, CreatedAt: 1}); err != nil {
		t.Fatalf("CreateStage: %v", err)
	}
	queuedAt := time.Now().UnixMilli()
	if err := st.CreateSteps(ctx, []domain.Step{
		{ID: "compile", RunID: "run-1", StageID: "stage-1", Name: "compile", Status: domain.StepPending, CreatedAt: 1, QueuedAt: &queuedAt},
	}); err != nil {
		t.Fatalf("CreateSteps: %v", err)
	}

	notifier := &recordingNotifier{}
	sched := New(st, stepexec.New(registry.New(nil)), notifier, Config{
		FlowsRoot: flowsRoot, APIURL: "http://localhost:0", MaxConcurrentSteps: 5, BatchSize: 5,
	}, nil)

	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(notifier.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := notifier.snapshot(); len(got) != 1 || got[0] != "run-1/compile" {
		t.Fatalf("expected exactly one settlement notification for run-1/compile, got %+v", got)
	}

	step, err := st.GetStep(ctx, "run-1", "compile")
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if step.Status != domain.StepCompleted {
		t.Errorf("expected completed, got %s (stderr=%v)", step.Status, step.Stderr)
	}
	if step.StartedAt == nil {
		t.Error("expected started_at to survive the terminal update, got nil")
	}
	if step.DurationMs == nil {
		t.Error("expected duration_ms to be set")
	} else if *step.DurationMs < 0 {
		t.Errorf("expected a non-negative duration_ms, got %d", *step.DurationMs)
	}
	if step.CompletedAt == nil || step.StartedAt == nil {
		t.Fatal("expected both started_at and completed_at to be set")
	}
	if *step.CompletedAt < *step.StartedAt {
		t.Errorf("completed_at (%d) before started_at (%d)", *step.CompletedAt, *step.StartedAt)
	}
}

func TestTickSkipsStepWithUnsatisfiedDependency(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	flowsRoot := t.TempDir()
	writeStepScript(t, flowsRoot, "deploy", "test", "exit 0\n")

	st.CreateRun(ctx, domain.Run{ID: "run-1", FlowName: "deploy", Status: domain.RunRunning, CreatedAt: 1})
	st.CreateStage(ctx, domain.Stage{ID: "stage-1", RunID: "run-1", Name: "build", Status: domain.StageRunning, CreatedAt: 1})
	queuedAt := time.Now().UnixMilli()
	st.CreateSteps(ctx, []domain.Step{
		{ID: "build", RunID: "run-1", StageID: "stage-1", Name: "build", Status: domain.StepPending, CreatedAt: 1, QueuedAt: &queuedAt},
		{ID: "test", RunID: "run-1", StageID: "stage-1", Name: "test", Status: domain.StepPending, CreatedAt: 1, QueuedAt: &queuedAt, DependsOn: []string{"build"}},
	})

	notifier := &recordingNotifier{}
	sched := New(st, stepexec.New(registry.New(nil)), notifier, Config{
		FlowsRoot: flowsRoot, APIURL: "http://localhost:0", MaxConcurrentSteps: 5, BatchSize: 5,
	}, nil)

	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	testStep, err := st.GetStep(ctx, "run-1", "test")
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if testStep.Status != domain.StepPending || testStep.ClaimedAt != nil {
		t.Errorf("expected test to remain unclaimed while build is pending, got %+v", testStep)
	}
}

func TestTickRespectsMaxConcurrentSteps(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	flowsRoot := t.TempDir()
	writeStepScript(t, flowsRoot, "deploy", "slow", "sleep 5\n")

	st.CreateRun(ctx, domain.Run{ID: "run-1", FlowName: "deploy", Status: domain.RunRunning, CreatedAt: 1})
	st.CreateStage(ctx, domain.Stage{ID: "stage-1", RunID: "run-1", Name: "build", Status: domain.StageRunning, CreatedAt: 1})
	q1, q2 := time.Now().UnixMilli(), time.Now().UnixMilli()+1
	st.CreateSteps(ctx, []domain.Step{
		{ID: "a", RunID: "run-1", StageID: "stage-1", Name: "slow", Status: domain.StepPending, CreatedAt: 1, QueuedAt: &q1},
		{ID: "b", RunID: "run-1", StageID: "stage-1", Name: "slow", Status: domain.StepPending, CreatedAt: 1, QueuedAt: &q2},
	})

	notifier := &recordingNotifier{}
	sched := New(st, stepexec.New(registry.New(nil)), notifier, Config{
		FlowsRoot: flowsRoot, APIURL: "http://localhost:0", MaxConcurrentSteps: 1, BatchSize: 5,
	}, nil)

	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	running, err := st.CountRunningSteps(ctx)
	if err != nil {
		t.Fatalf("CountRunningSteps: %v", err)
	}
	if running != 1 {
		t.Fatalf("expected exactly 1 running step under the concurrency cap, got %d", running)
	}
}
