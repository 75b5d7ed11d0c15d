// Package errorsx defines MaxQ's error taxonomy (spec §7): small sentinel
// structs with an Error() method, in the style of the reference
// implementation's root errors.go (ErrLLM, ErrHTTP). The HTTP boundary maps
// these to status codes.
package errorsx

import "fmt"

// ValidationError surfaces as HTTP 400: bad paths/names, JSON parse
// failures, DAG cycles, unknown dependsOn IDs, ineligible retries.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NotFoundError surfaces as HTTP 404: the run, stage, or step does not exist.
type NotFoundError struct {
	Kind string // "run" | "stage" | "step"
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %s", e.Kind, e.ID) }

// ConflictError surfaces as HTTP 409: a retry/resume was requested on a run
// or step whose state forbids it (running without termination, completed).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// PersistenceError wraps an unexpected store failure. Surfaces as HTTP 500;
// the row is left in whatever state the store last committed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }
