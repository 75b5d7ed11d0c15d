// Package httpapi is MaxQ's HTTP boundary (spec §6.3): a thin,
// net/http.ServeMux-only adapter over the Orchestrator and the Store.
// Routing, auth, and request parsing are intentionally minimal — spec §1
// marks the transport layer as an external collaborator, specified only as
// a route table, so this package exists to make the core reachable for
// tests and for flow.sh/step.sh's $MAXQ_API callbacks, not to be a
// full-featured REST framework. Grounded on cmd/sandbox/handler.go
// (writeJSON/writeError helpers, method checking per handler) — no
// chi/gin/echo, matching that service's own boundary layer.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/codespin-ai/maxq/internal/dag"
	"github.com/codespin-ai/maxq/internal/domain"
	"github.com/codespin-ai/maxq/internal/errorsx"
	"github.com/codespin-ai/maxq/internal/orchestrator"
	"github.com/codespin-ai/maxq/internal/store"
)

// Server wires the Store and Orchestrator behind the §6.3 route table.
type Server struct {
	store  store.Store
	orch   *orchestrator.Orchestrator
	apiKey string
	logger *slog.Logger
}

// New constructs a Server. An empty apiKey disables bearer-token auth
// (useful for local development and tests); logger may be nil.
func New(st store.Store, orch *orchestrator.Orchestrator, apiKey string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &Server{store: st, orch: orch, apiKey: apiKey, logger: logger}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Mux builds the routed http.Handler for this server (spec §6.3).
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /runs", s.auth(s.handleCreateRun))
	mux.HandleFunc("GET /runs", s.auth(s.handleListRuns))
	mux.HandleFunc("GET /runs/{runId}", s.auth(s.handleGetRun))
	mux.HandleFunc("POST /runs/{runId}/steps", s.auth(s.handleDeclareStage))
	mux.HandleFunc("POST /runs/{runId}/steps/{stepId}/fields", s.auth(s.handlePostFields))
	mux.HandleFunc("GET /runs/{runId}/fields", s.auth(s.handleGetFields))
	mux.HandleFunc("POST /runs/{runId}/abort", s.auth(s.handleAbort))
	mux.HandleFunc("POST /runs/{runId}/pause", s.auth(s.handlePause))
	mux.HandleFunc("POST /runs/{runId}/resume", s.auth(s.handleResume))
	mux.HandleFunc("POST /runs/{runId}/retry", s.auth(s.handleRetry))
	mux.HandleFunc("POST /runs/{runId}/steps/{stepId}/retry", s.auth(s.handleRetryStep))

	return mux
}

// auth wraps a handler with bearer-token enforcement, a no-op when apiKey
// is unset.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" || got != s.apiKey {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

// --- JSON wire types ---

type runView struct {
	ID          string          `json:"id"`
	FlowName    string          `json:"flowName"`
	Status      string          `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
	StartedAt   *int64          `json:"startedAt,omitempty"`
	CompletedAt *int64          `json:"completedAt,omitempty"`
	DurationMs  *int64          `json:"durationMs,omitempty"`
	Stdout      *string         `json:"stdout,omitempty"`
	Stderr      *string         `json:"stderr,omitempty"`
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	FlowTitle   *string         `json:"flowTitle,omitempty"`
	Termination *string         `json:"terminationReason,omitempty"`
}

func toRunView(r domain.Run) runView {
	v := runView{
		ID: r.ID, FlowName: r.FlowName, Status: string(r.Status),
		Input: r.Input, Output: r.Output, Error: r.Error, Metadata: r.Metadata,
		CreatedAt: r.CreatedAt, StartedAt: r.StartedAt, CompletedAt: r.CompletedAt,
		DurationMs: r.DurationMs, Stdout: r.Stdout, Stderr: r.Stderr,
		Name: r.Name, Description: r.Description, FlowTitle: r.FlowTitle,
	}
	if r.Termination != nil {
		s := string(*r.Termination)
		v.Termination = &s
	}
	return v
}

type stepView struct {
	ID          string            `json:"id"`
	RunID       string            `json:"runId"`
	StageID     string            `json:"stageId"`
	Name        string            `json:"name"`
	Status      string            `json:"status"`
	DependsOn   []string          `json:"dependsOn,omitempty"`
	RetryCount  int               `json:"retryCount"`
	MaxRetries  int               `json:"maxRetries"`
	Env         map[string]string `json:"env,omitempty"`
	Fields      json.RawMessage   `json:"fields,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	CreatedAt   int64             `json:"createdAt"`
	StartedAt   *int64            `json:"startedAt,omitempty"`
	CompletedAt *int64            `json:"completedAt,omitempty"`
	DurationMs  *int64            `json:"durationMs,omitempty"`
	Stdout      *string           `json:"stdout,omitempty"`
	Stderr      *string           `json:"stderr,omitempty"`
}

func toStepView(st domain.Step) stepView {
	return stepView{
		ID: st.ID, RunID: st.RunID, StageID: st.StageID, Name: st.Name, Status: string(st.Status),
		DependsOn: st.DependsOn, RetryCount: st.RetryCount, MaxRetries: st.MaxRetries,
		Env: st.Env, Fields: st.Fields, Error: st.Error, CreatedAt: st.CreatedAt,
		StartedAt: st.StartedAt, CompletedAt: st.CompletedAt, DurationMs: st.DurationMs,
		Stdout: st.Stdout, Stderr: st.Stderr,
	}
}

// --- POST /runs ---

type createRunRequest struct {
	FlowName    string          `json:"flowName"`
	Input       json.RawMessage `json:"input,omitempty"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.orch.StartRun(r.Context(), req.FlowName, domain.JSON(req.Input))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if req.Name != "" || req.Description != "" {
		if req.Name != "" {
			run.Name = &req.Name
		}
		if req.Description != "" {
			run.Description = &req.Description
		}
		if err := s.store.UpdateRun(r.Context(), run); err != nil {
			s.logger.Error("httpapi: update run display fields failed", "run_id", run.ID, "err", err)
		}
	}

	writeJSON(w, http.StatusOK, toRunView(run))
}

// --- GET /runs/:id ---

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("runId"))
	if err != nil {
		writeDomainError(w, &errorsx.NotFoundError{Kind: "run", ID: r.PathValue("runId")})
		return
	}
	writeJSON(w, http.StatusOK, toRunView(run))
}

// --- GET /runs ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListRunsFilter{
		FlowName:  q.Get("flowName"),
		Status:    q.Get("status"),
		Limit:     atoiDefault(q.Get("limit"), 50),
		Offset:    atoiDefault(q.Get("offset"), 0),
		SortBy:    q.Get("sortBy"),
		SortOrder: q.Get("sortOrder"),
	}

	runs, total, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeDomainError(w, &errorsx.PersistenceError{Op: "ListRuns", Err: err})
		return
	}

	views := make([]runView, len(runs))
	for i, run := range runs {
		views[i] = toRunView(run)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data": views,
		"pagination": map[string]any{
			"total":  total,
			"limit":  filter.Limit,
			"offset": filter.Offset,
		},
	})
}

// --- POST /runs/:runId/steps ---
//
// Per spec §9's open question on flow-response delivery, this server
// treats stdout JSON from flow.sh as authoritative and this HTTP path as
// purely informational: the DAG is still validated so callers see the same
// 400 on a cycle/duplicate id that stdout delivery would produce, but a
// valid submission here never creates rows — see DESIGN.md.
type declareStageRequest struct {
	Stage string `json:"stage"`
	Final bool   `json:"final"`
	Steps []struct {
		ID         string            `json:"id"`
		Name       string            `json:"name"`
		DependsOn  []string          `json:"dependsOn"`
		MaxRetries int               `json:"maxRetries"`
		Env        map[string]string `json:"env"`
	} `json:"steps"`
}

func (s *Server) handleDeclareStage(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		writeDomainError(w, &errorsx.NotFoundError{Kind: "run", ID: runID})
		return
	}

	var req declareStageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	steps := make([]domain.Step, 0, len(req.Steps))
	for _, d := range req.Steps {
		steps = append(steps, domain.Step{
			ID: d.ID, RunID: runID, Name: d.Name, DependsOn: d.DependsOn,
			MaxRetries: d.MaxRetries, Env: d.Env,
		})
	}
	if err := dag.Validate(steps); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// --- POST /runs/:runId/steps/:stepId/fields ---

type postFieldsRequest struct {
	Fields json.RawMessage `json:"fields"`
}

func (s *Server) handlePostFields(w http.ResponseWriter, r *http.Request) {
	runID, stepID := r.PathValue("runId"), r.PathValue("stepId")

	var req postFieldsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	step, err := s.store.MergeStepFields(r.Context(), runID, stepID, domain.JSON(req.Fields))
	if err != nil {
		writeDomainError(w, &errorsx.NotFoundError{Kind: "step", ID: stepID})
		return
	}
	writeJSON(w, http.StatusOK, toStepView(step))
}

// --- GET /runs/:runId/fields ---

func (s *Server) handleGetFields(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	q := r.URL.Query()

	entries, err := s.store.QueryFields(r.Context(), runID, q.Get("stepId"), q.Get("fieldName"))
	if err != nil {
		writeDomainError(w, &errorsx.ValidationError{Message: err.Error()})
		return
	}

	out := make([]map[string]any, len(entries))
	for i, e := range entries {
		out[i] = map[string]any{"stepId": e.StepID, "name": e.Name, "fields": e.Fields}
	}
	writeJSON(w, http.StatusOK, map[string]any{"fields": out})
}

// --- POST /runs/:runId/abort ---

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	grace := graceFromQuery(r, 5*time.Second)
	result, err := s.orch.Abort(r.Context(), r.PathValue("runId"), grace)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":              toRunView(result.Run),
		"alreadyCompleted": result.AlreadyCompleted,
		"processesKilled":  result.ProcessesKilled,
	})
}

// --- POST /runs/:runId/pause ---

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	grace := graceFromQuery(r, 5*time.Second)
	result, err := s.orch.Pause(r.Context(), r.PathValue("runId"), grace)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":             toRunView(result.Run),
		"alreadyPaused":   result.AlreadyPaused,
		"processesKilled": result.ProcessesKilled,
	})
}

// --- POST /runs/:runId/resume ---

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.Resume(r.Context(), r.PathValue("runId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunView(run))
}

// --- POST /runs/:runId/retry ---

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.Retry(r.Context(), r.PathValue("runId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunView(run))
}

// --- POST /runs/:runId/steps/:stepId/retry ---

type retryStepRequest struct {
	CascadeDownstream bool `json:"cascadeDownstream"`
}

func (s *Server) handleRetryStep(w http.ResponseWriter, r *http.Request) {
	var req retryStepRequest
	// Body is optional for this endpoint; an empty body means no cascade.
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	result, err := s.orch.RetryStep(r.Context(), r.PathValue("runId"), r.PathValue("stepId"), req.CascadeDownstream)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"step":          toStepView(result.Step),
		"cascadedSteps": result.CascadedSteps,
	})
}

// --- GET /health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	code := http.StatusOK
	if _, _, err := s.store.ListRuns(r.Context(), store.ListRunsFilter{Limit: 1}); err != nil {
		dbStatus = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":   dbStatus,
		"services": map[string]string{"database": dbStatus},
	})
}

// --- helpers ---

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func graceFromQuery(r *http.Request, def time.Duration) time.Duration {
	v := r.URL.Query().Get("graceMs")
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeDomainError maps the errorsx taxonomy (spec §7) onto HTTP status
// codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch e := err.(type) {
	case *errorsx.ValidationError:
		writeError(w, http.StatusBadRequest, e.Error())
	case *errorsx.NotFoundError:
		writeError(w, http.StatusNotFound, e.Error())
	case *errorsx.ConflictError:
		writeError(w, http.StatusConflict, e.Error())
	case *errorsx.PersistenceError:
		writeError(w, http.StatusInternalServerError, e.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
