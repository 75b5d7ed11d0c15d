// Package stepexec is the Step Executor: invokes a single claimed step's
// step.sh with a per-step sanitized environment, registers its process with
// the Process Registry, and reports completion purely from the child's
// exit code (spec §4.4). Fields POSTed by the step through the HTTP
// boundary are merged into the step row independently, at the moment of
// the POST — this package never reads them.
package stepexec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/codespin-ai/maxq/internal/flowexec"
	"github.com/codespin-ai/maxq/internal/registry"
	"github.com/codespin-ai/maxq/internal/spawner"
)

// BuildStepPath resolves <flowsRoot>/<flowName>/steps/<stepName>/step.sh
// after validating both flowName and stepName (same allowlist as
// flow.sh — spec §6.1).
func BuildStepPath(flowsRoot, flowName, stepName string) (string, error) {
	if err := flowexec.ValidateName(flowName); err != nil {
		return "", fmt.Errorf("flow name: %w", err)
	}
	if err := flowexec.ValidateName(stepName); err != nil {
		return "", fmt.Errorf("step name: %w", err)
	}
	return filepath.Join(flowsRoot, flowName, "steps", stepName, "step.sh"), nil
}

// Request carries everything the Step Executor needs for a single
// invocation of one claimed step.
type Request struct {
	RunID         string
	StepID        string
	StageID       string
	FlowName      string
	StepName      string
	FlowsRoot     string
	APIURL        string
	MaxLogCapture int
	Env           map[string]string // the step's declared env, not yet sanitized
	Cwd           string
}

// Outcome is the terminal status the Step Executor determined for the step,
// plus the captured spawn result for persistence.
type Outcome struct {
	Completed bool
	Spawn     spawner.Result
}

// Executor invokes step.sh and registers its process with the Process
// Registry for the duration of the call.
type Executor struct {
	Registry *registry.Registry
}

// New constructs a Step Executor backed by the given Process Registry.
func New(reg *registry.Registry) *Executor {
	return &Executor{Registry: reg}
}

// Invoke runs step.sh to completion. The returned Outcome.Completed is true
// iff the child exited 0; any other exit code, or a launch-time error, is a
// failure (spec §4.4).
func (e *Executor) Invoke(ctx context.Context, req Request) (Outcome, error) {
	path, err := BuildStepPath(req.FlowsRoot, req.FlowName, req.StepName)
	if err != nil {
		return Outcome{}, err
	}

	env := spawner.SanitizeEnv(req.Env)
	env["MAXQ_RUN_ID"] = req.RunID
	env["MAXQ_STEP_ID"] = req.StepID
	env["MAXQ_STAGE_ID"] = req.StageID
	env["MAXQ_API"] = req.APIURL

	cwd := req.Cwd
	if cwd == "" {
		cwd = filepath.Join(req.FlowsRoot, req.FlowName, "steps", req.StepName)
	}

	spawnRes := spawner.Spawn(ctx, spawner.Request{
		ExecutablePath: path,
		Dir:            cwd,
		Env:            env,
		MaxLogCapture:  req.MaxLogCapture,
	}, func(p *os.Process) {
		if e.Registry != nil {
			e.Registry.Register(req.RunID, registry.KindStep, req.StepID, p)
		}
	})
	if e.Registry != nil {
		e.Registry.Unregister(req.RunID, registry.KindStep, req.StepID)
	}

	return Outcome{Completed: spawnRes.ExitCode == 0, Spawn: spawnRes}, nil
}
