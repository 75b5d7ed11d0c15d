// Package scheduler is MaxQ's pull-based step scheduler: a single polling
// loop that claims runnable steps up to a global concurrency cap and
// launches each through the Step Executor as a fire-and-forget task.
// Grounded on internal/scheduling.Scheduler's ticker-based Run(ctx) loop,
// tick-logged via structured logging per the ambient-stack decision in
// SPEC_FULL.md.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/codespin-ai/maxq/internal/dag"
	"github.com/codespin-ai/maxq/internal/domain"
	"github.com/codespin-ai/maxq/internal/stepexec"
	"github.com/codespin-ai/maxq/internal/store"
)

// Notifier is how the Scheduler reports a step reaching a terminal state,
// so the Orchestrator can check stage settlement and run the cascade
// closure (spec §4.5, §4.7). The Scheduler itself never computes cascades.
type Notifier interface {
	StepSettled(ctx context.Context, runID, stepID string)
}

// Config holds the scheduler's tunables (spec §6.4, §6.5).
type Config struct {
	IntervalMs          int
	BatchSize           int
	MaxConcurrentSteps  int
	FlowsRoot           string
	APIURL              string
	MaxLogCapture       int
}

// Scheduler is the single polling loop described in spec §4.6.
type Scheduler struct {
	store    store.Store
	stepExec *stepexec.Executor
	notifier Notifier
	logger   *slog.Logger
	workerID string
	cfg      Config
}

// New constructs a Scheduler. logger may be nil to disable logging.
func New(st store.Store, stepExec *stepexec.Executor, notifier Notifier, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = 200
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxConcurrentSteps <= 0 {
		cfg.MaxConcurrentSteps = 10
	}
	return &Scheduler{
		store:    st,
		stepExec: stepExec,
		notifier: notifier,
		logger:   logger,
		workerID: uuid.NewString(),
		cfg:      cfg,
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Run blocks, ticking every cfg.IntervalMs, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "worker_id", s.workerID, "interval_ms", s.cfg.IntervalMs)
	ticker := time.NewTicker(time.Duration(s.cfg.IntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", "err", err)
			}
		}
	}
}

// Tick runs one scheduling pass (spec §4.6 steps 1–4).
func (s *Scheduler) Tick(ctx context.Context) error {
	running, err := s.store.CountRunningSteps(ctx)
	if err != nil {
		return err
	}
	if running >= s.cfg.MaxConcurrentSteps {
		return nil
	}

	limit := s.cfg.BatchSize
	if remaining := s.cfg.MaxConcurrentSteps - running; remaining < limit {
		limit = remaining
	}
	if limit <= 0 {
		return nil
	}

	candidates, err := s.store.SelectCandidateSteps(ctx, limit)
	if err != nil {
		return err
	}

	siblingsByRun := make(map[string]map[string]domain.Step)
	for _, c := range candidates {
		if _, ok := siblingsByRun[c.RunID]; ok {
			continue
		}
		siblings, err := s.store.ListStepsByRun(ctx, c.RunID)
		if err != nil {
			s.logger.Error("scheduler: list siblings failed", "run_id", c.RunID, "err", err)
			continue
		}
		byID := make(map[string]domain.Step, len(siblings))
		for _, sib := range siblings {
			byID[sib.ID] = sib
		}
		siblingsByRun[c.RunID] = byID
	}

	now := time.Now().UnixMilli()
	for _, c := range candidates {
		byID, ok := siblingsByRun[c.RunID]
		if !ok || !dag.Ready(c, byID) {
			continue
		}

		claimed, err := s.store.ClaimStep(ctx, c.RunID, c.ID, s.workerID, now)
		if err != nil {
			s.logger.Error("scheduler: claim failed", "run_id", c.RunID, "step_id", c.ID, "err", err)
			continue
		}
		if !claimed {
			continue
		}

		claimedAt := now
		c.StartedAt = &claimedAt
		go s.runStep(context.WithoutCancel(ctx), c)
	}

	return nil
}

// runStep invokes the Step Executor for a claimed step and persists the
// terminal outcome, then notifies the Orchestrator (spec §4.4, §4.6 step 4).
func (s *Scheduler) runStep(ctx context.Context, step domain.Step) {
	run, err := s.store.GetRun(ctx, step.RunID)
	if err != nil {
		s.logger.Error("scheduler: lookup run failed", "run_id", step.RunID, "step_id", step.ID, "err", err)
		return
	}

	outcome, err := s.stepExec.Invoke(ctx, stepexec.Request{
		RunID:         step.RunID,
		StepID:        step.ID,
		StageID:       step.StageID,
		FlowName:      run.FlowName,
		StepName:      step.Name,
		FlowsRoot:     s.cfg.FlowsRoot,
		APIURL:        s.cfg.APIURL,
		MaxLogCapture: s.cfg.MaxLogCapture,
		Env:           step.Env,
	})
	if err != nil {
		s.logger.Error("scheduler: step invocation failed", "run_id", step.RunID, "step_id", step.ID, "err", err)
		outcome = stepexec.Outcome{Completed: false}
	}

	completedAt := time.Now().UnixMilli()
	duration := outcome.Spawn.DurationMs
	step.CompletedAt = &completedAt
	step.DurationMs = &duration
	stdout, stderr := outcome.Spawn.Stdout, outcome.Spawn.Stderr
	step.Stdout = &stdout
	step.Stderr = &stderr
	if outcome.Completed {
		step.Status = domain.StepCompleted
	} else {
		step.Status = domain.StepFailed
	}

	if err := s.store.UpdateStep(ctx, step); err != nil {
		s.logger.Error("scheduler: persist step outcome failed", "run_id", step.RunID, "step_id", step.ID, "err", err)
		return
	}

	if s.notifier != nil {
		s.notifier.StepSettled(ctx, step.RunID, step.ID)
	}
}

