package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"viz-sandbox/internal/config"
	"viz-sandbox/internal/execution"
	"viz-sandbox/internal/monitor"
	"viz-sandbox/internal/runtime"
	"viz-sandbox/internal/sandbox"
	"viz-sandbox/internal/workspace"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake-chart")

// mockBackend implements sandbox.Backend for handler tests.
type mockBackend struct {
	exitCode int
	stderr   string
	err      error
	artifact bool
	healthy  error
	block    bool
}

func (m *mockBackend) Name() string { return "mock" }

func (m *mockBackend) Run(ctx context.Context, inv sandbox.Invocation) (*sandbox.Process, error) {
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.artifact {
		p := filepath.Join(inv.HostDir, workspace.DefaultArtifactName)
		if err := os.WriteFile(p, pngBytes, 0o644); err != nil {
			return nil, err
		}
		mtime := time.Unix(1_700_000_123, 0)
		if err := os.Chtimes(p, mtime, mtime); err != nil {
			return nil, err
		}
	}
	return &sandbox.Process{ExitCode: m.exitCode, Stderr: m.stderr}, nil
}

func (m *mockBackend) Healthy(context.Context) error { return m.healthy }
func (m *mockBackend) ActiveCount() int64            { return 0 }
func (m *mockBackend) Close() error                  { return nil }

type testEnv struct {
	server  *Server
	ws      *workspace.Workspace
	metrics *monitor.Metrics
}

func newTestEnv(t *testing.T, backend sandbox.Backend, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Workspace.Dir = t.TempDir()
	for _, m := range mutate {
		m(cfg)
	}

	ws, err := workspace.New(cfg.Workspace.Dir, cfg.Workspace.ArtifactName)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ws.Close() })

	var runner *sandbox.Runner
	if backend != nil {
		runner, err = sandbox.NewRunner(backend, sandbox.ResourceLimits{}, 5*time.Second)
		if err != nil {
			t.Fatal(err)
		}
	}

	metrics := monitor.NewMetrics()
	pipeline := execution.NewPipeline(runtime.NewRegistry(nil), runner, metrics, nil, cfg.Sandbox.MaxTimeout)
	svc := execution.NewService(pipeline, ws, cfg.Workspace.Isolation)

	return &testEnv{
		server:  NewServer(cfg, svc, metrics),
		ws:      ws,
		metrics: metrics,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postJSON(t *testing.T, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return resp
}

func TestHandleExecute_Success(t *testing.T) {
	env := newTestEnv(t, &mockBackend{artifact: true})

	rec := env.postJSON(t, ExecuteRequest{
		Language: "python",
		Code:     "import matplotlib.pyplot as plt\nplt.plot([1,2])\nplt.savefig('/app/output/visualization.png')",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body)
	}
	var resp ExecuteResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Message != "Success" {
		t.Errorf("Message = %q, want Success", resp.Message)
	}
	if resp.Image != "/output/visualization.png?t=1700000123" {
		t.Errorf("Image = %q", resp.Image)
	}
	if resp.ID == "" {
		t.Error("ID is empty")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	// The returned URL must be fetchable and serve the fresh bytes.
	get := env.do(httptest.NewRequest(http.MethodGet, resp.Image, nil))
	if get.Code != http.StatusOK {
		t.Fatalf("GET %s: status %d", resp.Image, get.Code)
	}
	if !bytes.Equal(get.Body.Bytes(), pngBytes) {
		t.Errorf("served %q", get.Body.Bytes())
	}
	if ct := get.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
}

func TestHandleExecute_Errors(t *testing.T) {
	tests := []struct {
		name        string
		backend     sandbox.Backend
		body        any
		wantStatus  int
		wantCode    string
		wantError   string
		wantDetails string
	}{
		{
			name:       "empty body",
			backend:    &mockBackend{},
			body:       map[string]string{},
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
			wantError:  "Invalid input",
		},
		{
			name:       "missing code",
			backend:    &mockBackend{},
			body:       ExecuteRequest{Language: "python"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "unsupported language",
			backend:    &mockBackend{},
			body:       ExecuteRequest{Language: "javascript", Code: "console.log(1)"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "timeout above maximum",
			backend:    &mockBackend{},
			body:       map[string]any{"language": "python", "code": "x", "timeout": "1h"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:        "runtime failure",
			backend:     &mockBackend{exitCode: 1, stderr: "Error in library(ggplot3): there is no package called 'ggplot3'\n"},
			body:        ExecuteRequest{Language: "r", Code: "library(ggplot3)"},
			wantStatus:  http.StatusInternalServerError,
			wantCode:    "RUNTIME_FAILED",
			wantError:   "Docker execution failed",
			wantDetails: "Error in library(ggplot3): there is no package called 'ggplot3'\n",
		},
		{
			name:       "no output",
			backend:    &mockBackend{},
			body:       ExecuteRequest{Language: "python", Code: "print(1)"},
			wantStatus: http.StatusInternalServerError,
			wantCode:   "NO_OUTPUT",
			wantError:  "No output generated",
		},
		{
			name:       "launch failure",
			backend:    &mockBackend{err: errors.New("Cannot connect to the Docker daemon")},
			body:       ExecuteRequest{Language: "python", Code: "print(1)"},
			wantStatus: http.StatusInternalServerError,
			wantCode:   "LAUNCH_FAILURE",
		},
		{
			name:       "timeout",
			backend:    &mockBackend{err: sandbox.ErrTimeout},
			body:       ExecuteRequest{Language: "python", Code: "while True: pass"},
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "TIMED_OUT",
		},
		{
			name:       "no backend",
			backend:    nil,
			body:       ExecuteRequest{Language: "python", Code: "print(1)"},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "BACKEND_UNAVAILABLE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.backend)
			rec := env.postJSON(t, tt.body)

			if rec.Code != tt.wantStatus {
				t.Fatalf("got status %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body)
			}
			resp := decodeError(t, rec)
			if resp.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", resp.Code, tt.wantCode)
			}
			if tt.wantError != "" && resp.Error != tt.wantError {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantError)
			}
			if tt.wantDetails != "" && resp.Details != tt.wantDetails {
				t.Errorf("details = %q, want %q", resp.Details, tt.wantDetails)
			}
			if resp.RequestID == "" {
				t.Error("request_id missing from error body")
			}
		})
	}
}

func TestHandleExecute_MalformedJSON(t *testing.T) {
	env := newTestEnv(t, &mockBackend{})

	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"code": `))
	rec := env.do(req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
	if resp := decodeError(t, rec); !strings.HasPrefix(resp.Details, "invalid JSON") {
		t.Errorf("details = %q", resp.Details)
	}
}

func TestHandleExecute_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t, &mockBackend{}, func(c *config.Config) {
		c.Server.MaxRequestBody = 64
	})

	body, _ := json.Marshal(ExecuteRequest{Language: "python", Code: strings.Repeat("#", 500)})
	rec := env.do(httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body)))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("got status %d, want 413", rec.Code)
	}
}

func TestHandleExecute_InvalidRequestLeavesWorkspaceUntouched(t *testing.T) {
	env := newTestEnv(t, &mockBackend{artifact: true})

	rec := env.postJSON(t, ExecuteRequest{Language: "matlab", Code: "plot(1)"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
	entries, err := os.ReadDir(env.ws.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("workspace has %d entries after invalid request", len(entries))
	}
}

func TestHandleExecute_PerRequestIsolation(t *testing.T) {
	env := newTestEnv(t, &mockBackend{artifact: true}, func(c *config.Config) {
		c.Workspace.Isolation = "per_request"
	})

	rec := env.postJSON(t, ExecuteRequest{Language: "r", Code: "plot(1:3)"})
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", rec.Code, rec.Body)
	}
	var resp ExecuteResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Image == "/output/visualization.png?t=1700000123" || !strings.HasSuffix(resp.Image, "/visualization.png?t=1700000123") {
		t.Errorf("Image = %q, want a scoped path", resp.Image)
	}

	get := env.do(httptest.NewRequest(http.MethodGet, resp.Image, nil))
	if get.Code != http.StatusOK {
		t.Errorf("GET %s: status %d", resp.Image, get.Code)
	}
}

func TestHandleExecute_ClientGone(t *testing.T) {
	env := newTestEnv(t, &mockBackend{block: true})

	ctx, cancel := context.WithCancel(context.Background())
	b, _ := json.Marshal(ExecuteRequest{Language: "python", Code: "import time; time.sleep(100)"})
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(b)).WithContext(ctx)

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- env.do(req) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case rec := <-done:
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("got status %d, want 503", rec.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after client cancellation")
	}

	// The workspace lock must have been released.
	release, err := env.ws.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	release()
}

func TestHandleOutput(t *testing.T) {
	env := newTestEnv(t, &mockBackend{})
	if err := os.WriteFile(filepath.Join(env.ws.Dir(), "visualization.png"), pngBytes, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"artifact", "/output/visualization.png", http.StatusOK},
		{"with token", "/output/visualization.png?t=123", http.StatusOK},
		{"missing", "/output/other.png", http.StatusNotFound},
		{"traversal", "/output/../../etc/passwd", http.StatusNotFound},
		{"encoded traversal", "/output/..%2f..%2fetc%2fpasswd", http.StatusNotFound},
		{"directory", "/output/", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(httptest.NewRequest(http.MethodGet, tt.path, nil))
			// ServeMux may redirect cleaned paths; never a 200 for an escape.
			if tt.wantStatus != http.StatusOK && rec.Code == http.StatusOK {
				t.Fatalf("got 200 for %s: %q", tt.path, rec.Body)
			}
			if tt.wantStatus == http.StatusOK && rec.Code != http.StatusOK {
				t.Fatalf("got status %d, want 200", rec.Code)
			}
		})
	}
}

func TestHandleLanguages(t *testing.T) {
	env := newTestEnv(t, &mockBackend{})

	rec := env.do(httptest.NewRequest(http.MethodGet, "/languages", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	var resp LanguagesResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if strings.Join(resp.Languages, ",") != "python,r" {
		t.Errorf("languages = %v", resp.Languages)
	}
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		backend    sandbox.Backend
		wantStatus int
		wantState  string
	}{
		{"healthy", &mockBackend{}, http.StatusOK, "ok"},
		{"backend down", &mockBackend{healthy: errors.New("docker daemon not responding")}, http.StatusServiceUnavailable, "degraded"},
		{"no backend", nil, http.StatusServiceUnavailable, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.backend)
			rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Status != tt.wantState {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantState)
			}
			if resp.Isolation != "shared" {
				t.Errorf("isolation = %q", resp.Isolation)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, &mockBackend{artifact: true})
	env.postJSON(t, ExecuteRequest{Language: "python", Code: "plot()"})

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`viz_executions_total{language="python",outcome="success"} 1`,
		`viz_api_requests_total{code="200",route="POST /execute"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, &mockBackend{})
	rec := env.do(httptest.NewRequest(http.MethodGet, "/execute", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("got status %d, want 405", rec.Code)
	}
}
