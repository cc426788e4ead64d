package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/kestrelsec/reconforge/internal/queue"
	"github.com/kestrelsec/reconforge/internal/recon"
	"github.com/kestrelsec/reconforge/internal/storage"
	"github.com/kestrelsec/reconforge/internal/workspace"
)

type stubModule struct {
	name    string
	version string
}

func (m *stubModule) Name() string    { return m.name }
func (m *stubModule) Version() string { return m.version }
func (m *stubModule) Run(ctx context.Context, req recon.Request) (*recon.Result, error) {
	return &recon.Result{
		Module:  m.name,
		Version: m.version,
		Target:  req.Target,
		Status:  recon.StatusDryRun,
	}, nil
}

func newTestServer(t *testing.T, apiKey string) *Server {
	t.Helper()

	dir := t.TempDir()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg := recon.Build([]recon.Factory{
		{Name: "subdomains", New: func() (recon.Module, error) {
			return &stubModule{name: "subdomains", version: "1.2.0"}, nil
		}},
	}, nil)

	ws, err := workspace.NewStore(db, filepath.Join(dir, "workspaces"))
	if err != nil {
		t.Fatalf("workspace store: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{Listen: "127.0.0.1:0", APIKey: apiKey, MaxAttempts: 3},
		queue.New(db), reg, ws, nil, nil, nil, logger)
}

func submitJob(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestSubmitJob(t *testing.T) {
	s := newTestServer(t, "")
	handler := s.routes()

	w := submitJob(t, handler, `{"module":"subdomains","target":"example.com"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp SubmitJobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID == "" {
		t.Fatal("expected a job ID")
	}
	if resp.Status != "queued" {
		t.Fatalf("expected status queued, got %q", resp.Status)
	}
	if resp.Workspace != "default" {
		t.Fatalf("expected default workspace, got %q", resp.Workspace)
	}
}

func TestSubmitJobUnknownModule(t *testing.T) {
	s := newTestServer(t, "")
	handler := s.routes()

	w := submitJob(t, handler, `{"module":"nope","target":"example.com"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == "" {
		t.Fatal("expected an error message")
	}
}

func TestSubmitJobInvalidTarget(t *testing.T) {
	s := newTestServer(t, "")
	handler := s.routes()

	w := submitJob(t, handler, `{"module":"subdomains","target":"bad target!"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetJob(t *testing.T) {
	s := newTestServer(t, "")
	handler := s.routes()

	w := submitJob(t, handler, `{"module":"subdomains","target":"example.com","workspace":"acme"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit failed: %d", w.Code)
	}
	var sub SubmitJobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &sub); err != nil {
		t.Fatalf("decode submit: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+sub.JobID, nil)
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w2.Code)
	}

	var job JobResponse
	if err := json.Unmarshal(w2.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.JobID != sub.JobID {
		t.Fatalf("job ID mismatch: %q vs %q", job.JobID, sub.JobID)
	}
	if job.Workspace != "acme" {
		t.Fatalf("expected workspace acme, got %q", job.Workspace)
	}
	if job.Status != "queued" {
		t.Fatalf("expected queued, got %q", job.Status)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestServer(t, "")
	handler := s.routes()

	req := httptest.NewRequest(http.MethodGet, "/jobs/does-not-exist", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListJobsWorkspaceFilter(t *testing.T) {
	s := newTestServer(t, "")
	handler := s.routes()

	submitJob(t, handler, `{"module":"subdomains","target":"a.example.com","workspace":"one"}`)
	submitJob(t, handler, `{"module":"subdomains","target":"b.example.com","workspace":"two"}`)

	req := httptest.NewRequest(http.MethodGet, "/jobs?workspace=one", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var jobs []JobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].Workspace != "one" {
		t.Fatalf("expected workspace one, got %q", jobs[0].Workspace)
	}
}

func TestListModules(t *testing.T) {
	s := newTestServer(t, "")
	handler := s.routes()

	req := httptest.NewRequest(http.MethodGet, "/modules", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var mods []ModuleResponse
	if err := json.Unmarshal(w.Body.Bytes(), &mods); err != nil {
		t.Fatalf("decode modules: %v", err)
	}
	if len(mods) != 1 || mods[0].Name != "subdomains" || mods[0].Version != "1.2.0" {
		t.Fatalf("unexpected modules: %+v", mods)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, "")
	handler := s.routes()

	submitJob(t, handler, `{"module":"subdomains","target":"example.com"}`)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var health HealthzResponse
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("expected ok, got %q", health.Status)
	}
	if health.QueueDepth != 1 {
		t.Fatalf("expected depth 1, got %d", health.QueueDepth)
	}
	if health.ModulesLoaded != 1 {
		t.Fatalf("expected 1 module, got %d", health.ModulesLoaded)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, "sekrit")
	handler := s.routes()

	// No token.
	req := httptest.NewRequest(http.MethodGet, "/modules", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	// Wrong token.
	req = httptest.NewRequest(http.MethodGet, "/modules", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", w.Code)
	}

	// Correct token.
	req = httptest.NewRequest(http.MethodGet, "/modules", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with correct token, got %d", w.Code)
	}

	// Healthz stays open.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected healthz to be unauthenticated, got %d", w.Code)
	}
}
