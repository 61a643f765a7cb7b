package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"codequest-sandbox/internal/runtime"
	"codequest-sandbox/internal/sandbox"
	"codequest-sandbox/internal/storage"
)

// ExecutionStore is the read side of the audit trail.
type ExecutionStore interface {
	GetExecution(ctx context.Context, id string) (*storage.Execution, error)
	ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error)
	Healthy(ctx context.Context) error
}

type healthReporter interface {
	Health(ctx context.Context) error
}

type Handlers struct {
	executor    sandbox.Executor
	runtimes    *runtime.Registry
	store       ExecutionStore
	auditWriter *storage.AuditWriter
	startTime   time.Time
}

func NewHandlers(executor sandbox.Executor, runtimes *runtime.Registry, store ExecutionStore, auditWriter *storage.AuditWriter) *Handlers {
	if runtimes == nil {
		runtimes = runtime.NewRegistry()
	}
	return &Handlers{
		executor:    executor,
		runtimes:    runtimes,
		store:       store,
		auditWriter: auditWriter,
		startTime:   time.Now(),
	}
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	execReq := sandbox.ExecutionRequest{Code: req.Code, Language: req.Language}
	if err := sandbox.ValidateRequest(execReq, h.runtimes); err != nil {
		writeValidationError(w, err, r)
		return
	}

	if h.executor == nil {
		writeError(w, "sandbox backend unavailable", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	start := time.Now()
	result, err := h.executor.Execute(r.Context(), execReq)
	if err != nil {
		if errors.Is(err, sandbox.ErrInvalidRequest) || errors.Is(err, sandbox.ErrUnsupportedLang) {
			writeValidationError(w, err, r)
			return
		}
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution failed")
		writeError(w, "Execution error: "+err.Error(), "EXECUTION_FAILED", http.StatusInternalServerError, r)
		return
	}

	h.logAudit(result, start, r)

	w.Header().Set("X-Execution-ID", result.ID)
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) HandleLanguages(w http.ResponseWriter, _ *http.Request) {
	names := h.runtimes.Languages()
	resp := LanguagesResponse{Languages: make([]LanguageInfo, 0, len(names))}
	for _, name := range names {
		rt, err := h.runtimes.Get(name)
		if err != nil {
			continue
		}
		resp.Languages = append(resp.Languages, LanguageInfo{
			ID:      rt.Name(),
			Name:    rt.DisplayName(),
			Version: rt.Version(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:  "healthy",
		Message: "API is running smoothly!",
		Checks:  map[string]string{},
		Uptime:  time.Since(h.startTime).Round(time.Second).String(),
	}

	if hr, ok := h.executor.(healthReporter); ok {
		resp.Checks["sandbox"] = checkResult(hr.Health(ctx))
	} else if h.executor == nil {
		resp.Checks["sandbox"] = "unavailable"
	}
	if h.store != nil {
		resp.Checks["database"] = checkResult(h.store.Healthy(ctx))
	}

	for _, v := range resp.Checks {
		if v != "ok" {
			resp.Status = "degraded"
			resp.Message = "One or more dependencies are unavailable."
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *Handlers) HandleRoot(w http.ResponseWriter, r *http.Request) {
	// "GET /" matches every unrouted path.
	if r.URL.Path != "/" {
		writeError(w, "not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, RootResponse{
		Message: "Welcome to the CodeQuest execution API",
		Status:  "running",
		Version: "1.0.0",
	})
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	exec, err := h.store.GetExecution(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("exec_id", id).Msg("fetching execution failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := storage.ExecutionFilter{
		Language: q.Get("language"),
		Status:   q.Get("status"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, "limit must be an integer", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil || filter.Offset < 0 {
		writeError(w, "offset must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if v := q.Get("policy_blocked"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, "policy_blocked must be true or false", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.PolicyBlocked = &b
	}

	execs, err := h.store.ListExecutions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("listing executions failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}

	writeJSON(w, http.StatusOK, execs)
}

func (h *Handlers) logAudit(result *sandbox.ExecutionResult, start time.Time, r *http.Request) {
	if h.auditWriter == nil {
		return
	}

	h.auditWriter.Log(&storage.Execution{
		ID:              result.ID,
		Language:        result.Language,
		CodeHash:        result.CodeHash,
		Status:          result.Status,
		Output:          result.Output,
		Error:           result.Error,
		ExecutionTimeMS: int64(result.ExecutionTime * 1000),
		Provider:        result.Provider,
		PolicyBlocked:   result.PolicyBlocked,
		RequestIP:       clientIP(r),
		CreatedAt:       start,
	})
}

func writeValidationError(w http.ResponseWriter, err error, r *http.Request) {
	code := "INVALID_REQUEST"
	if errors.Is(err, sandbox.ErrUnsupportedLang) {
		code = "UNSUPPORTED_LANGUAGE"
	}
	writeError(w, err.Error(), code, http.StatusBadRequest, r)
}

func checkResult(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
