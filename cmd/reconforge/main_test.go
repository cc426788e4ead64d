package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kestrelsec/reconforge/internal/recon"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `service:
  name: reconforge
  log_level: ERROR
storage:
  path: ` + filepath.Join(dir, "reconforge.db") + `
workspaces:
  dir: ` + filepath.Join(dir, "workspaces") + `
api:
  enabled: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"bogus"})
	})
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr, "Unknown command") {
		t.Fatalf("expected unknown-command message, got %q", stderr)
	}
}

func TestRunVersionJSON(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"-json"})
	})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}

	var info map[string]string
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", stdout, err)
	}
	if info["version"] == "" {
		t.Fatal("expected a version field")
	}
}

func TestRunModuleList(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runModuleNoun([]string{"list"})
	})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	for _, name := range []string{"subdomains", "portscan", "httpprobe", "shodan", "harvester", "vulnscan", "fastscan"} {
		if !strings.Contains(stdout, name) {
			t.Fatalf("expected %q in module list:\n%s", name, stdout)
		}
	}
}

func TestRunDirectDryRun(t *testing.T) {
	outDir := t.TempDir()
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runDirect([]string{"-module", "portscan", "-target", "example.com", "-out", outDir})
	})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr: %s)", code, stderr)
	}

	var result recon.Result
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("expected envelope JSON, got %q: %v", stdout, err)
	}
	if result.Status != recon.StatusDryRun {
		t.Fatalf("expected dry-run status, got %q", result.Status)
	}
	if result.Module != "portscan" {
		t.Fatalf("expected portscan envelope, got %q", result.Module)
	}
}

func TestRunDirectUnknownModule(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runDirect([]string{"-module", "bogus", "-target", "example.com"})
	})
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr, "Unknown module") {
		t.Fatalf("expected unknown-module message, got %q", stderr)
	}
}

func TestScanEnqueuesAndJobShowFindsIt(t *testing.T) {
	cfgPath := writeTestConfig(t)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runScan([]string{"-config", cfgPath, "-target", "example.com", "-modules", "subdomains,portscan"})
	})
	if code != 0 {
		t.Fatalf("scan failed with %d: %s", code, stderr)
	}

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 enqueued lines, got %q", stdout)
	}
	jobID := strings.Fields(lines[0])[1]

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runJobShow([]string{"-config", cfgPath, jobID})
	})
	if code != 0 {
		t.Fatalf("job show failed with %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, jobID) || !strings.Contains(stdout, "queued") {
		t.Fatalf("unexpected job show output: %s", stdout)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runJobList([]string{"-config", cfgPath})
	})
	if code != 0 {
		t.Fatalf("job list failed with %d", code)
	}
	if !strings.Contains(stdout, "subdomains") || !strings.Contains(stdout, "portscan") {
		t.Fatalf("expected both jobs listed: %s", stdout)
	}
}

func TestScanRejectsUnknownModule(t *testing.T) {
	cfgPath := writeTestConfig(t)

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runScan([]string{"-config", cfgPath, "-target", "example.com", "-modules", "bogus"})
	})
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr, "Unknown module") {
		t.Fatalf("expected unknown-module message, got %q", stderr)
	}
}

func TestDoctorRunsOnCleanConfig(t *testing.T) {
	cfgPath := writeTestConfig(t)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runDoctor([]string{"-config", cfgPath})
	})
	if code != 0 {
		t.Fatalf("doctor failed with %d: %s%s", code, stdout, stderr)
	}
	if !strings.Contains(stdout, "Configuration valid") {
		t.Fatalf("unexpected doctor output: %s", stdout)
	}
}
