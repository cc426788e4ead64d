// Package recon defines the module contract every reconnaissance module
// implements, the result envelope every module returns, and the registry
// that indexes module implementations by name.
package recon

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Status enumerates the terminal states a module run can report.
type Status string

const (
	// StatusDryRun means the run planned its actions without side effects.
	StatusDryRun Status = "dry-run"
	// StatusCompleted means the run executed and produced results.
	StatusCompleted Status = "completed"
	// StatusFailed means the run executed but the wrapped capability failed.
	StatusFailed Status = "failed"
	// StatusFallback means the preferred tool was unavailable and a
	// secondary tool produced the results.
	StatusFallback Status = "fallback"
	// StatusError means the run aborted before producing results.
	StatusError Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDryRun, StatusCompleted, StatusFailed, StatusFallback, StatusError:
		return true
	}
	return false
}

// Request carries the inputs of a single module run. OutDir (and its cache
// subdirectory) is the only location a module may write to.
type Request struct {
	Target  string         `json:"target"`
	OutDir  string         `json:"outdir"`
	Execute bool           `json:"execute"`
	Options map[string]any `json:"options,omitempty"`
}

// Result is the envelope every module returns. It is the only shape the
// dispatcher and API understand; module internals stay invisible behind it.
type Result struct {
	Module    string         `json:"module"`
	Version   string         `json:"version"`
	Target    string         `json:"target"`
	Status    Status         `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Summary   map[string]any `json:"summary,omitempty"`
	Artifacts []string       `json:"artifacts,omitempty"`
	Raw       any            `json:"raw,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Module is the contract a reconnaissance module satisfies.
//
// Run with Execute=false must perform zero network or process side effects,
// fully describe the actions it would take, and succeed even when the
// wrapped tool is absent. Run with Execute=true must be idempotent in effect
// for identical parameters within a cache TTL window. Blocking work must
// honor ctx cancellation so a job timeout aborts in-flight operations.
type Module interface {
	Name() string
	Version() string
	Run(ctx context.Context, req Request) (*Result, error)
}

// Validate checks envelope invariants: an enumerated status and artifact
// paths that exist on disk.
func (r *Result) Validate() error {
	if r.Module == "" {
		return fmt.Errorf("result has empty module name")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("result has invalid status %q", r.Status)
	}
	for _, a := range r.Artifacts {
		if _, err := os.Stat(a); err != nil {
			return fmt.Errorf("artifact %q does not exist: %w", a, err)
		}
	}
	return nil
}

// PruneArtifacts drops artifact paths that do not exist on disk, keeping the
// envelope invariant without failing the run over a missing side file.
func (r *Result) PruneArtifacts() {
	kept := r.Artifacts[:0]
	for _, a := range r.Artifacts {
		if _, err := os.Stat(a); err == nil {
			kept = append(kept, a)
		}
	}
	r.Artifacts = kept
}

var targetPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._:/-]*$`)

// NormalizeTarget lowercases and trims a target and rejects anything that is
// not a plausible hostname, IP address, or CIDR range.
func NormalizeTarget(target string) (string, error) {
	t := strings.ToLower(strings.TrimSpace(target))
	if t == "" {
		return "", &ValidationError{Field: "target", Reason: "target is empty"}
	}
	if !targetPattern.MatchString(t) {
		return "", &ValidationError{Field: "target", Reason: fmt.Sprintf("target %q contains invalid characters", t)}
	}
	return t, nil
}
