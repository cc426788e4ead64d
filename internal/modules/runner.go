package modules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kestrelsec/reconforge/internal/recon"
)

// runCommand executes an external tool and classifies its failure modes:
// a missing binary is a dependency error, a deadline is transient, and a
// non-zero exit is transient with the tool's stderr attached.
func runCommand(ctx context.Context, argv []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	if errors.Is(err, exec.ErrNotFound) {
		return nil, &recon.DependencyError{Tool: argv[0], Reason: "not found in PATH"}
	}
	if ctx.Err() != nil {
		return nil, &recon.TransientError{Op: argv[0], Err: ctx.Err()}
	}

	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		msg = err.Error()
	}
	return nil, &recon.TransientError{Op: argv[0], Err: fmt.Errorf("%s", msg)}
}

// deps bundles the host interactions a module performs, injectable in tests.
type deps struct {
	lookPath func(string) (string, error)
	run      func(ctx context.Context, argv []string) ([]byte, error)
	getenv   func(string) string
}

func defaultDeps() deps {
	return deps{
		lookPath: exec.LookPath,
		run:      runCommand,
		getenv:   os.Getenv,
	}
}

// newResult starts an envelope stamped with the run's start time.
func newResult(m recon.Module, target string) *recon.Result {
	return &recon.Result{
		Module:    m.Name(),
		Version:   m.Version(),
		Target:    target,
		StartedAt: time.Now().UTC(),
		Summary:   map[string]any{},
	}
}

// finish stamps the end time and returns the envelope.
func finish(r *recon.Result, status recon.Status) (*recon.Result, error) {
	r.Status = status
	r.EndedAt = time.Now().UTC()
	return r, nil
}

func ensureOutDir(dir string) error {
	if dir == "" {
		return &recon.ValidationError{Field: "outdir", Reason: "outdir is empty"}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	return nil
}

// optString reads a string option, falling back to def when absent.
func optString(opts map[string]any, key, def string) string {
	if v, ok := opts[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

// optInt reads an integer option. JSON round-trips numbers as float64.
func optInt(opts map[string]any, key string, def int) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

func optDuration(opts map[string]any, key string, def time.Duration) time.Duration {
	if s := optString(opts, key, ""); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// readLines returns the non-empty trimmed lines of a file, or nil when the
// file is missing or unreadable.
func readLines(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func writeLines(path string, lines []string) error {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
