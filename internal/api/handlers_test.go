package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codequest-sandbox/internal/config"
	"codequest-sandbox/internal/monitor"
	"codequest-sandbox/internal/runtime"
	"codequest-sandbox/internal/sandbox"
	"codequest-sandbox/internal/storage"
)

// mockExecutor implements sandbox.Executor for handler tests.
type mockExecutor struct {
	result    *sandbox.ExecutionResult
	err       error
	healthErr error
	calls     int
}

func (m *mockExecutor) Execute(_ context.Context, _ sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	m.calls++
	return m.result, m.err
}

func (m *mockExecutor) Health(context.Context) error { return m.healthErr }

type mockStore struct {
	execs      map[string]*storage.Execution
	lastFilter storage.ExecutionFilter
	err        error
}

func (m *mockStore) GetExecution(_ context.Context, id string) (*storage.Execution, error) {
	if m.err != nil {
		return nil, m.err
	}
	e, ok := m.execs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (m *mockStore) ListExecutions(_ context.Context, f storage.ExecutionFilter) ([]storage.Execution, error) {
	m.lastFilter = f
	if m.err != nil {
		return nil, m.err
	}
	var out []storage.Execution
	for _, e := range m.execs {
		out = append(out, *e)
	}
	return out, nil
}

func (m *mockStore) Healthy(context.Context) error { return m.err }

func newTestServer(exec sandbox.Executor, store ExecutionStore) http.Handler {
	return NewServer(config.DefaultConfig(), exec, runtime.NewRegistry(), store, nil, monitor.NewMetrics()).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHandleExecute_Success(t *testing.T) {
	exec := &mockExecutor{result: &sandbox.ExecutionResult{
		Status:        sandbox.StatusSuccess,
		Output:        "hi\n",
		ExecutionTime: 0.012,
		Language:      "python",
		ID:            "exec-1",
		CodeHash:      "abc",
	}}
	rec := do(t, newTestServer(exec, nil), http.MethodPost, "/execute",
		ExecuteRequest{Code: "print('hi')", Language: "python"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "exec-1", rec.Header().Get("X-Execution-ID"))

	var got map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, map[string]any{
		"status":         "success",
		"output":         "hi\n",
		"error":          "",
		"execution_time": 0.012,
		"language":       "python",
	}, got, "bookkeeping fields must not leak into the response")
}

func TestHandleExecute_APIAlias(t *testing.T) {
	exec := &mockExecutor{result: &sandbox.ExecutionResult{Status: sandbox.StatusSuccess, Language: "html"}}
	rec := do(t, newTestServer(exec, nil), http.MethodPost, "/api/execute",
		ExecuteRequest{Code: "<b>hi</b>", Language: "html"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, exec.calls)
}

func TestHandleExecute_Validation(t *testing.T) {
	tests := []struct {
		name     string
		body     any
		wantCode string
	}{
		{"empty code", ExecuteRequest{Code: "", Language: "python"}, "INVALID_REQUEST"},
		{"blank code", ExecuteRequest{Code: "   \n", Language: "python"}, "INVALID_REQUEST"},
		{"too long", ExecuteRequest{Code: strings.Repeat("a", runtime.MaxCodeLength+1), Language: "python"}, "INVALID_REQUEST"},
		{"missing language", ExecuteRequest{Code: "print(1)"}, "INVALID_REQUEST"},
		{"unsupported language", ExecuteRequest{Code: "puts 1", Language: "ruby"}, "UNSUPPORTED_LANGUAGE"},
		{"malformed json", "not an object", "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &mockExecutor{}
			rec := do(t, newTestServer(exec, nil), http.MethodPost, "/execute", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
			assert.Zero(t, exec.calls, "invalid requests must not reach the executor")
		})
	}
}

func TestHandleExecute_MaxLengthAccepted(t *testing.T) {
	exec := &mockExecutor{result: &sandbox.ExecutionResult{Status: sandbox.StatusSuccess, Language: "python"}}
	code := strings.Repeat("é", runtime.MaxCodeLength) // counted in characters, not bytes
	rec := do(t, newTestServer(exec, nil), http.MethodPost, "/execute",
		ExecuteRequest{Code: code, Language: "python"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleExecute_ExecutorError(t *testing.T) {
	exec := &mockExecutor{err: errors.New("boom")}
	rec := do(t, newTestServer(exec, nil), http.MethodPost, "/execute",
		ExecuteRequest{Code: "print(1)", Language: "python"})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "EXECUTION_FAILED", decodeError(t, rec).Code)
}

func TestHandleExecute_NilExecutor(t *testing.T) {
	rec := do(t, newTestServer(nil, nil), http.MethodPost, "/execute",
		ExecuteRequest{Code: "print(1)", Language: "python"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleExecute_MethodNotAllowed(t *testing.T) {
	rec := do(t, newTestServer(&mockExecutor{}, nil), http.MethodPut, "/execute", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleLanguages(t *testing.T) {
	for _, path := range []string{"/languages", "/api/languages"} {
		t.Run(path, func(t *testing.T) {
			rec := do(t, newTestServer(&mockExecutor{}, nil), http.MethodGet, path, nil)
			require.Equal(t, http.StatusOK, rec.Code)

			var resp LanguagesResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.ElementsMatch(t, []LanguageInfo{
				{ID: "html", Name: "HTML", Version: "HTML5"},
				{ID: "javascript", Name: "JavaScript", Version: "Node 20"},
				{ID: "python", Name: "Python", Version: "3.11"},
			}, resp.Languages)
		})
	}
}

func TestHandleHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		rec := do(t, newTestServer(&mockExecutor{}, &mockStore{}), http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp HealthResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "ok", resp.Checks["sandbox"])
		assert.Equal(t, "ok", resp.Checks["database"])
	})

	t.Run("sandbox degraded", func(t *testing.T) {
		exec := &mockExecutor{healthErr: errors.New("docker: connection refused")}
		rec := do(t, newTestServer(exec, nil), http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var resp HealthResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Contains(t, resp.Checks["sandbox"], "connection refused")
	})
}

func TestHandleRoot(t *testing.T) {
	h := newTestServer(&mockExecutor{}, nil)

	rec := do(t, h, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp RootResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "running", resp.Status)

	rec = do(t, h, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleExecutions(t *testing.T) {
	store := &mockStore{execs: map[string]*storage.Execution{
		"e1": {ID: "e1", Language: "python", Status: "success", CreatedAt: time.Now()},
	}}
	h := newTestServer(&mockExecutor{}, store)

	rec := do(t, h, http.MethodGet, "/executions/e1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got storage.Execution
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "python", got.Language)

	rec = do(t, h, http.MethodGet, "/executions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/executions?language=python&limit=5&offset=10&policy_blocked=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "python", store.lastFilter.Language)
	assert.Equal(t, 5, store.lastFilter.Limit)
	assert.Equal(t, 10, store.lastFilter.Offset)
	require.NotNil(t, store.lastFilter.PolicyBlocked)
	assert.True(t, *store.lastFilter.PolicyBlocked)

	rec = do(t, h, http.MethodGet, "/executions?limit=ten", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleExecutions_NoDatabase(t *testing.T) {
	h := newTestServer(&mockExecutor{}, nil)
	for _, path := range []string{"/executions", "/executions/e1"} {
		rec := do(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		assert.Equal(t, "DB_UNAVAILABLE", decodeError(t, rec).Code)
	}
}

func TestHandleExecute_AuditLogged(t *testing.T) {
	store := &recordingLogger{}
	writer := storage.NewAuditWriter(store, 10)
	writer.Start()

	exec := &mockExecutor{result: &sandbox.ExecutionResult{
		Status:        sandbox.StatusError,
		Error:         "Code contains restricted operations: import os",
		Language:      "python",
		ID:            "exec-9",
		PolicyBlocked: true,
	}}
	s := NewServer(config.DefaultConfig(), exec, runtime.NewRegistry(), nil, writer, nil)
	rec := do(t, s.Handler(), http.MethodPost, "/execute", ExecuteRequest{Code: "import os", Language: "python"})
	require.Equal(t, http.StatusOK, rec.Code)

	writer.Flush(2 * time.Second)
	require.Len(t, store.got, 1)
	assert.Equal(t, "exec-9", store.got[0].ID)
	assert.True(t, store.got[0].PolicyBlocked)
	assert.Equal(t, "192.0.2.1", store.got[0].RequestIP)
}

type recordingLogger struct {
	got []*storage.Execution
}

func (r *recordingLogger) LogExecution(_ context.Context, e *storage.Execution) error {
	r.got = append(r.got, e)
	return nil
}
