// Package dag is the DAG Resolver: cycle detection over a stage's step
// declarations, readiness evaluation, and the cascade-failure/cascade-retry
// closures that propagate a terminal outcome through dependents. The
// reactive propagation shape (a dependents adjacency map walked outward
// from the triggering step) is grounded on Workflow.runDAG
// (workflow_exec.go) — adapted from an in-process goroutine scheduler to a
// closure computed once over persisted step rows and handed back to the
// orchestrator to apply.
package dag

import (
	"fmt"
	"strings"

	"github.com/codespin-ai/maxq/internal/domain"
)

// CycleError reports a dependency cycle found during stage submission.
type CycleError struct {
	Step string
}

func (e *CycleError) Error() string { return fmt.Sprintf("dependency cycle detected at step %q", e.Step) }

// UnknownDependencyError reports a dependsOn entry with no matching step in
// the same stage submission.
type UnknownDependencyError struct {
	Step, DependsOn string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("step %q depends on unknown step %q", e.Step, e.DependsOn)
}

// DuplicateStepIDError reports two or more step declarations in the same
// stage submission sharing the same id (including two omitting the optional
// id, which both collapse to the empty string) — spec §6.3's documented
// `400 cycle/duplicate id`.
type DuplicateStepIDError struct {
	Step string
}

func (e *DuplicateStepIDError) Error() string {
	if e.Step == "" {
		return "duplicate step id: two or more steps omit \"id\""
	}
	return fmt.Sprintf("duplicate step id: %q", e.Step)
}

// Validate checks a stage's step declarations for duplicate ids, unknown
// dependencies, and cycles before any row is persisted (spec §4.5, §4.7,
// §6.3).
func Validate(steps []domain.Step) error {
	byID := make(map[string]domain.Step, len(steps))
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if seen[s.ID] {
			return &DuplicateStepIDError{Step: s.ID}
		}
		seen[s.ID] = true
		byID[s.ID] = s
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return &UnknownDependencyError{Step: s.ID, DependsOn: dep}
			}
		}
	}
	return detectCycle(steps)
}

const (
	colorWhite = 0
	colorGray  = 1
	colorBlack = 2
)

// detectCycle runs standard depth-first coloring over the dependsOn graph.
func detectCycle(steps []domain.Step) error {
	dependsOn := make(map[string][]string, len(steps))
	for _, s := range steps {
		dependsOn[s.ID] = s.DependsOn
	}

	color := make(map[string]int, len(steps))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = colorGray
		for _, dep := range dependsOn[id] {
			switch color[dep] {
			case colorGray:
				return &CycleError{Step: id}
			case colorWhite:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = colorBlack
		return nil
	}

	for _, s := range steps {
		if color[s.ID] == colorWhite {
			if err := visit(s.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// dependentsOf builds the reverse adjacency (who depends on me) for every
// step in the run, so a failure or retry at one step can be walked outward
// to whatever it unblocks.
func dependentsOf(steps []domain.Step) map[string][]string {
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}
	return dependents
}

// Ready reports whether step is eligible for scheduling: pending, queued,
// and every dependency completed (spec §4.5 "Ready set").
func Ready(step domain.Step, byID map[string]domain.Step) bool {
	if step.Status != domain.StepPending || step.QueuedAt == nil {
		return false
	}
	for _, dep := range step.DependsOn {
		d, ok := byID[dep]
		if !ok || d.Status != domain.StepCompleted {
			return false
		}
	}
	return true
}

// CascadeOutcome is the set of changes the cascade-failure closure computed
// for a single failed step: either the step itself is retried (no cascade),
// or it and its transitive dependents are marked failed.
type CascadeOutcome struct {
	// SelfRetry is true when the failed step had retries remaining and must
	// be reset to pending instead of cascading (spec §4.5).
	SelfRetry bool
	// Failed lists, in dependency order, every step (including the
	// triggering one when SelfRetry is false) to mark failed with a
	// cascade message.
	Failed []CascadeFailure
}

// CascadeFailure is one step to mark failed as part of a cascade.
type CascadeFailure struct {
	StepID string
	// Root is the step whose failure triggered this one's cascade; empty
	// for the triggering step itself.
	Root string
}

// CascadeFail computes the cascade-failure closure rooted at failedStepID
// (spec §4.5). steps may be every step of the run or only the failed
// step's stage; since Validate accepts only dependencies inside one stage
// submission, both give the same closure. Callers pass the step's current
// retry counters; CascadeFail itself never mutates state.
func CascadeFail(failedStepID string, steps []domain.Step) CascadeOutcome {
	byID := make(map[string]domain.Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	failed, ok := byID[failedStepID]
	if !ok {
		return CascadeOutcome{}
	}
	if failed.MaxRetries > failed.RetryCount {
		return CascadeOutcome{SelfRetry: true}
	}

	dependents := dependentsOf(steps)
	visited := map[string]bool{failedStepID: true}
	outcome := CascadeOutcome{Failed: []CascadeFailure{{StepID: failedStepID}}}

	var walk func(root, id string)
	walk = func(root, id string) {
		for _, dep := range dependents[id] {
			if visited[dep] {
				continue
			}
			s, ok := byID[dep]
			if !ok {
				continue
			}
			if s.Status != domain.StepPending && s.Status != domain.StepRunning {
				continue
			}
			visited[dep] = true
			outcome.Failed = append(outcome.Failed, CascadeFailure{StepID: dep, Root: root})
			walk(root, dep)
		}
	}
	walk(failedStepID, failedStepID)

	return outcome
}

// CascadeMessage is the stderr message attached to a cascade-skipped step
// (spec §4.5).
func CascadeMessage(rootStepID string) string {
	return "skipped: dependency " + rootStepID + " failed"
}

// CascadeRetry computes the same transitive closure as CascadeFail, rooted
// at stepID, for a manual retry with cascadeDownstream=true (spec §4.5).
// Unlike CascadeFail it does not special-case self-retries: the caller
// always resets the root plus every dependent currently pending, running,
// failed or cancelled back to pending; completed dependents (and anything
// reachable only through them) are left out.
func CascadeRetry(stepID string, steps []domain.Step) []string {
	byID := make(map[string]domain.Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	if _, ok := byID[stepID]; !ok {
		return nil
	}

	dependents := dependentsOf(steps)
	visited := map[string]bool{stepID: true}
	order := []string{stepID}

	var walk func(id string)
	walk = func(id string) {
		for _, dep := range dependents[id] {
			if visited[dep] {
				continue
			}
			s, ok := byID[dep]
			if !ok {
				continue
			}
			if s.Status != domain.StepPending && s.Status != domain.StepRunning && s.Status != domain.StepFailed && s.Status != domain.StepCancelled {
				continue
			}
			visited[dep] = true
			order = append(order, dep)
			walk(dep)
		}
	}
	walk(stepID)

	return order
}

// DescribeCycle is a convenience for error messages that lists the step
// IDs involved, used by the httpapi boundary when rejecting a submission.
func DescribeCycle(steps []domain.Step) string {
	var names []string
	for _, s := range steps {
		names = append(names, s.ID)
	}
	return strings.Join(names, ", ")
}
