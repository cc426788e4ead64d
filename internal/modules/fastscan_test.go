package modules

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/kestrelsec/reconforge/internal/recon"
)

const masscanFixture = `[
  {"ip": "10.0.0.5", "timestamp": "1700000000", "ports": [{"port": 22, "proto": "tcp", "status": "open"}]},
  {"ip": "10.0.0.6", "timestamp": "1700000001", "ports": [{"port": 80, "proto": "tcp", "status": "open"}, {"port": 443, "proto": "tcp", "status": "open"}]}
]`

func masscanOutFile(argv []string) string {
	for i, a := range argv {
		if a == "--output-file" {
			return argv[i+1]
		}
	}
	return ""
}

func TestFastscanDryRun(t *testing.T) {
	m := NewFastscan()
	res, err := m.Run(context.Background(), recon.Request{Target: "10.0.0.0/24", OutDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != recon.StatusDryRun {
		t.Fatalf("expected dry-run, got %q", res.Status)
	}

	joined := strings.Join(res.Raw.(map[string]any)["argv"].([]string), " ")
	if !strings.Contains(joined, "masscan") || !strings.Contains(joined, "10.0.0.0/24") {
		t.Fatalf("incomplete argv: %s", joined)
	}
}

func TestFastscanParsesJSON(t *testing.T) {
	m := NewFastscan()
	m.run = func(ctx context.Context, argv []string) ([]byte, error) {
		return nil, os.WriteFile(masscanOutFile(argv), []byte(masscanFixture), 0o644)
	}

	res, err := m.Run(context.Background(), recon.Request{Target: "10.0.0.0/24", OutDir: t.TempDir(), Execute: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != recon.StatusCompleted {
		t.Fatalf("expected completed, got %q", res.Status)
	}
	if res.Summary["open_ports_found"] != 3 {
		t.Fatalf("expected 3 open ports, got %v", res.Summary["open_ports_found"])
	}
	if len(res.Artifacts) != 1 {
		t.Fatalf("expected 1 artifact, got %v", res.Artifacts)
	}
}

func TestFastscanNoOutputFile(t *testing.T) {
	m := NewFastscan()
	m.run = func(ctx context.Context, argv []string) ([]byte, error) {
		// masscan produced nothing
		return nil, nil
	}

	res, err := m.Run(context.Background(), recon.Request{Target: "10.0.0.9", OutDir: t.TempDir(), Execute: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Summary["open_ports_found"] != 0 {
		t.Fatalf("expected 0 open ports, got %v", res.Summary["open_ports_found"])
	}
	if len(res.Artifacts) != 0 {
		t.Fatalf("expected no artifacts, got %v", res.Artifacts)
	}
}

func TestFastscanOptionsOverride(t *testing.T) {
	m := NewFastscan()
	res, err := m.Run(context.Background(), recon.Request{
		Target:  "10.0.0.1",
		OutDir:  t.TempDir(),
		Options: map[string]any{"ports": "80,443", "rate": float64(500)},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	joined := strings.Join(res.Raw.(map[string]any)["argv"].([]string), " ")
	if !strings.Contains(joined, "--ports 80,443") || !strings.Contains(joined, "--rate 500") {
		t.Fatalf("options not reflected in argv: %s", joined)
	}
}
