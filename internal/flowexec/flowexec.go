// Package flowexec is the Flow Executor: invokes a flow's flow.sh for one of
// three callback reasons (initial, stage-completed, stage-failed) and parses
// its stdout as the declarative plan for the next stage. Grounded on the
// reference runner.go (cmd/sandbox/runner.go) for the "build env, spawn,
// parse structured stdout" shape, adapted from an embedded-prelude script
// runner to a direct invocation of a user-authored executable.
package flowexec

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/codespin-ai/maxq/internal/registry"
	"github.com/codespin-ai/maxq/internal/spawner"
)

var validNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateName enforces the flow/step directory naming rule (spec §6.1):
// no path separators, no "..", no NUL, and only the allowlisted charset.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if strings.ContainsRune(name, 0) || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid name %q", name)
	}
	if !validNamePattern.MatchString(name) {
		return fmt.Errorf("name %q does not match the allowed pattern", name)
	}
	return nil
}

// BuildFlowPath resolves <flowsRoot>/<flowName>/flow.sh after validating
// flowName.
func BuildFlowPath(flowsRoot, flowName string) (string, error) {
	if err := ValidateName(flowName); err != nil {
		return "", fmt.Errorf("flow name: %w", err)
	}
	return filepath.Join(flowsRoot, flowName, "flow.sh"), nil
}

// Mode identifies why flow.sh is being invoked (spec §6.2). Exactly one of
// CompletedStage/FailedStage is set on the non-initial modes.
type Mode int

const (
	ModeInitial Mode = iota
	ModeStageCompleted
	ModeStageFailed
)

// StepDecl is one entry of a FlowResponse's steps array.
type StepDecl struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	DependsOn  []string          `json:"dependsOn"`
	MaxRetries int               `json:"maxRetries"`
	Env        map[string]string `json:"env"`
}

// FlowResponse is the declarative plan emitted by flow.sh on stdout (spec
// §6.2).
type FlowResponse struct {
	Stage string     `json:"stage"`
	Final bool       `json:"final"`
	Steps []StepDecl `json:"steps"`
}

// Request carries everything the Flow Executor needs for a single
// invocation.
type Request struct {
	RunID         string
	FlowName      string
	FlowsRoot     string
	APIURL        string
	MaxLogCapture int
	Cwd           string
	Mode          Mode
	CompletedStage string
	FailedStage    string
}

// Result is the outcome of one flow.sh invocation: the spawn result plus
// the parsed plan, if any.
type Result struct {
	Spawn    spawner.Result
	Response *FlowResponse
}

// Executor invokes flow.sh and registers its process with the Process
// Registry for the duration of the call.
type Executor struct {
	Registry *registry.Registry
}

// New constructs a Flow Executor backed by the given Process Registry.
func New(reg *registry.Registry) *Executor {
	return &Executor{Registry: reg}
}

// Invoke runs flow.sh for req.Mode and parses its stdout as a FlowResponse.
// A non-zero exit or an unparseable/empty stdout yields Response=nil — per
// spec §4.3 that is a fatal error for the current stage, for the caller
// (the Orchestrator) to act on.
func (e *Executor) Invoke(ctx context.Context, req Request) (Result, error) {
	path, err := BuildFlowPath(req.FlowsRoot, req.FlowName)
	if err != nil {
		return Result{}, err
	}

	env := map[string]string{
		"MAXQ_RUN_ID":   req.RunID,
		"MAXQ_FLOW_NAME": req.FlowName,
		"MAXQ_API":      req.APIURL,
	}
	switch req.Mode {
	case ModeStageCompleted:
		env["MAXQ_COMPLETED_STAGE"] = req.CompletedStage
	case ModeStageFailed:
		env["MAXQ_FAILED_STAGE"] = req.FailedStage
	}

	cwd := req.Cwd
	if cwd == "" {
		cwd = filepath.Join(req.FlowsRoot, req.FlowName)
	}

	spawnRes := spawner.Spawn(ctx, spawner.Request{
		ExecutablePath: path,
		Dir:            cwd,
		Env:            env,
		MaxLogCapture:  req.MaxLogCapture,
	}, func(p *os.Process) {
		if e.Registry != nil {
			e.Registry.Register(req.RunID, registry.KindFlow, "", p)
		}
	})
	if e.Registry != nil {
		e.Registry.Unregister(req.RunID, registry.KindFlow, "")
	}

	result := Result{Spawn: spawnRes}
	if spawnRes.ExitCode != 0 || strings.TrimSpace(spawnRes.Stdout) == "" {
		return result, nil
	}

	var resp FlowResponse
	if err := json.Unmarshal([]byte(spawnRes.Stdout), &resp); err != nil {
		return result, nil
	}
	result.Response = &resp
	return result, nil
}
