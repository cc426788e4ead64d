package modules

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/kestrelsec/reconforge/internal/recon"
)

const shodanFixture = `{"data":[{"port":22},{"port":443}],"hostnames":["example.com"],"org":"Example Org","country_name":"Iceland"}`

func newShodanTest(t *testing.T, handler http.HandlerFunc) (*Shodan, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	m := NewShodan()
	m.client = srv.Client()
	m.baseURL = srv.URL
	m.getenv = func(name string) string {
		if name == shodanEnvKey {
			return "test-key"
		}
		return ""
	}
	return m, srv
}

func TestShodanDryRunMakesNoCalls(t *testing.T) {
	var calls atomic.Int64
	m, _ := newShodanTest(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	res, err := m.Run(context.Background(), recon.Request{Target: "1.2.3.4", OutDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != recon.StatusDryRun {
		t.Fatalf("expected dry-run, got %q", res.Status)
	}
	if calls.Load() != 0 {
		t.Fatalf("dry-run must not call the API, saw %d calls", calls.Load())
	}
}

func TestShodanMissingKeyIsConfigError(t *testing.T) {
	m, _ := newShodanTest(t, func(w http.ResponseWriter, r *http.Request) {})
	m.getenv = func(string) string { return "" }

	_, err := m.Run(context.Background(), recon.Request{Target: "1.2.3.4", OutDir: t.TempDir(), Execute: true})
	if !recon.IsConfig(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestShodanCachesResponse(t *testing.T) {
	var calls atomic.Int64
	m, _ := newShodanTest(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(shodanFixture))
	})

	dir := t.TempDir()
	req := recon.Request{Target: "1.2.3.4", OutDir: dir, Execute: true}

	first, err := m.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.Summary["cached"] != false {
		t.Fatal("first run must not be cached")
	}
	if first.Summary["ports"] != 2 {
		t.Fatalf("expected 2 ports, got %v", first.Summary["ports"])
	}

	second, err := m.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Summary["cached"] != true {
		t.Fatal("second run inside the TTL must be served from cache")
	}

	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 remote call, saw %d", calls.Load())
	}

	if _, err := os.Stat(filepath.Join(dir, "shodan_results.json")); err != nil {
		t.Fatalf("results artifact missing: %v", err)
	}
}

func TestShodanNotFound(t *testing.T) {
	m, _ := newShodanTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	res, err := m.Run(context.Background(), recon.Request{Target: "10.9.8.7", OutDir: t.TempDir(), Execute: true})
	if err != nil {
		t.Fatalf("404 must not fail the run: %v", err)
	}
	if res.Status != recon.StatusCompleted {
		t.Fatalf("expected completed, got %q", res.Status)
	}
	if res.Summary["found"] != false {
		t.Fatalf("expected found=false, got %v", res.Summary["found"])
	}
	if len(res.Artifacts) != 0 {
		t.Fatalf("expected no artifacts, got %v", res.Artifacts)
	}
}

func TestShodanServerErrorIsTransient(t *testing.T) {
	m, _ := newShodanTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := m.Run(context.Background(), recon.Request{Target: "1.2.3.4", OutDir: t.TempDir(), Execute: true})
	if !recon.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestShodanBadKeyIsConfigError(t *testing.T) {
	m, _ := newShodanTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := m.Run(context.Background(), recon.Request{Target: "1.2.3.4", OutDir: t.TempDir(), Execute: true})
	if !recon.IsConfig(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}
