// Package doctor validates reconforge configuration and the external tools
// and credentials the registered modules depend on.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kestrelsec/reconforge/internal/config"
	"github.com/kestrelsec/reconforge/internal/recon"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// toolRequirer is implemented by modules that shell out to external scanners.
type toolRequirer interface {
	RequiredTools() []string
}

// envRequirer is implemented by modules that need credential env vars.
type envRequirer interface {
	RequiredEnv() []string
}

// Doctor validates configuration against the module registry and the host.
type Doctor struct {
	cfg      *config.Config
	registry *recon.Registry
	lookPath func(string) (string, error)
	getenv   func(string) string
}

// New creates a Doctor from a loaded config and module registry.
func New(cfg *config.Config, registry *recon.Registry) *Doctor {
	return &Doctor{
		cfg:      cfg,
		registry: registry,
		lookPath: exec.LookPath,
		getenv:   os.Getenv,
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateStorage(r)
	d.validateModuleRefs(r)
	d.validateAPIConfig(r)
	d.checkTools(r)
	d.checkEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.Service.Workers <= 0 {
		d.addError(r, "service", "service.workers", "workers must be positive")
	}
	if d.cfg.Service.TickInterval <= 0 {
		d.addError(r, "service", "service.tick_interval", "tick_interval must be positive")
	}
	if d.cfg.Service.JobTimeout <= 0 {
		d.addError(r, "service", "service.job_timeout", "job_timeout must be positive")
	}
	if d.cfg.Service.Retry.MaxAttempts <= 0 {
		d.addError(r, "service", "service.retry.max_attempts", "max_attempts must be positive")
	}
	if d.cfg.Service.Retry.BackoffBase <= 0 {
		d.addWarning(r, "service", "service.retry.backoff_base",
			"backoff_base is zero; failed jobs retry immediately")
	}
}

func (d *Doctor) validateStorage(r *Result) {
	if d.cfg.Storage.Path == "" {
		d.addError(r, "storage", "storage.path", "storage.path is required")
	} else if dir := filepath.Dir(d.cfg.Storage.Path); dir != "." {
		if info, err := os.Stat(dir); err == nil && !info.IsDir() {
			d.addError(r, "storage", "storage.path",
				fmt.Sprintf("parent of storage.path is not a directory: %s", dir))
		}
	}
	if d.cfg.Workspaces.Dir == "" {
		d.addError(r, "storage", "workspaces.dir", "workspaces.dir is required")
	}
}

// validateModuleRefs checks that configured module sections name real modules.
func (d *Doctor) validateModuleRefs(r *Result) {
	for name, mc := range d.cfg.Modules {
		if _, ok := d.registry.Resolve(name); !ok {
			d.addError(r, "module_refs", fmt.Sprintf("modules.%s", name),
				fmt.Sprintf("module %q configured but not registered", name))
			continue
		}
		if mc.Timeout < 0 {
			d.addError(r, "module_refs", fmt.Sprintf("modules.%s.timeout", name),
				"timeout must not be negative")
		}
		if mc.CacheTTL < 0 {
			d.addError(r, "module_refs", fmt.Sprintf("modules.%s.cache_ttl", name),
				"cache_ttl must not be negative")
		}
	}
}

func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.APIKey == "" {
		d.addWarning(r, "api", "api.api_key", "API enabled without an API key; all endpoints are open")
	}
}

// checkTools verifies each module's external scanners are on PATH. A missing
// tool is a warning, not an error: modules with fallbacks still run, and the
// rest fail their own jobs with a dependency error.
func (d *Doctor) checkTools(r *Result) {
	seen := make(map[string]bool)
	for _, desc := range d.registry.All() {
		tr, ok := desc.Module.(toolRequirer)
		if !ok {
			continue
		}
		for _, tool := range tr.RequiredTools() {
			if seen[tool] {
				continue
			}
			seen[tool] = true
			if _, err := d.lookPath(tool); err != nil {
				d.addWarning(r, "tools", fmt.Sprintf("modules.%s", desc.Name),
					fmt.Sprintf("tool %q not found in PATH", tool))
			}
		}
	}
}

func (d *Doctor) checkEnvVars(r *Result) {
	for _, desc := range d.registry.All() {
		er, ok := desc.Module.(envRequirer)
		if !ok {
			continue
		}
		for _, name := range er.RequiredEnv() {
			if d.getenv(name) == "" {
				d.addWarning(r, "env_vars", fmt.Sprintf("modules.%s", desc.Name),
					fmt.Sprintf("environment variable %s not set", name))
			}
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
