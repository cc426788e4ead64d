package modules

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kestrelsec/reconforge/internal/recon"
)

// Vulnscan wraps nuclei templated scanning with JSONL findings output.
type Vulnscan struct {
	deps
}

func NewVulnscan() *Vulnscan {
	return &Vulnscan{deps: defaultDeps()}
}

func (m *Vulnscan) Name() string    { return "vulnscan" }
func (m *Vulnscan) Version() string { return "1.0.0" }

func (m *Vulnscan) RequiredTools() []string { return []string{"nuclei"} }

// Finding is one nuclei result line, with the fields the summary needs
// lifted out and the full record kept alongside.
type Finding struct {
	TemplateID string          `json:"template_id"`
	Name       string          `json:"name,omitempty"`
	Severity   string          `json:"severity"`
	Host       string          `json:"host,omitempty"`
	MatchedAt  string          `json:"matched_at,omitempty"`
	Record     json.RawMessage `json:"record"`
}

type nucleiLine struct {
	TemplateID string `json:"template-id"`
	Host       string `json:"host"`
	MatchedAt  string `json:"matched-at"`
	Info       struct {
		Name     string `json:"name"`
		Severity string `json:"severity"`
	} `json:"info"`
}

var severityOrder = []string{"critical", "high", "medium", "low", "info"}

func (m *Vulnscan) command(target, outFile string, opts map[string]any) []string {
	argv := []string{
		"nuclei",
		"-u", target,
		"-jsonl",
		"-severity", optString(opts, "severity", "critical,high,medium"),
		"-c", strconv.Itoa(optInt(opts, "threads", 10)),
		"-o", outFile,
	}
	if templates := optString(opts, "templates", ""); templates != "" {
		argv = append(argv, "-t", templates)
	}
	return argv
}

func (m *Vulnscan) Run(ctx context.Context, req recon.Request) (*recon.Result, error) {
	target, err := recon.NormalizeTarget(req.Target)
	if err != nil {
		return nil, err
	}

	outFile := filepath.Join(req.OutDir, "nuclei_findings.jsonl")
	argv := m.command(target, outFile, req.Options)

	res := newResult(m, target)
	res.Raw = map[string]any{"argv": argv}

	if !req.Execute {
		return finish(res, recon.StatusDryRun)
	}

	if err := ensureOutDir(req.OutDir); err != nil {
		return nil, err
	}
	if _, err := m.run(ctx, argv); err != nil {
		return nil, err
	}

	findings, err := parseNucleiJSONL(outFile)
	if err != nil {
		res.Error = err.Error()
	}

	bySeverity := map[string]int{}
	for _, f := range findings {
		bySeverity[f.Severity]++
	}

	if _, statErr := os.Stat(outFile); statErr == nil {
		res.Artifacts = append(res.Artifacts, outFile)
	}
	res.Summary["total_findings"] = len(findings)
	for _, sev := range severityOrder {
		if n := bySeverity[sev]; n > 0 {
			res.Summary[sev] = n
		}
	}
	res.Raw = map[string]any{"argv": argv, "findings": findings}

	return finish(res, recon.StatusCompleted)
}

// parseNucleiJSONL reads findings line by line, keeping what parsed when a
// later line is mangled.
func parseNucleiJSONL(path string) ([]Finding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &recon.ParseError{Source: path, Err: err}
	}

	var findings []Finding
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec nucleiLine
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return findings, &recon.ParseError{Source: path, Err: err}
		}
		severity := strings.ToLower(rec.Info.Severity)
		if severity == "" {
			severity = "info"
		}
		findings = append(findings, Finding{
			TemplateID: rec.TemplateID,
			Name:       rec.Info.Name,
			Severity:   severity,
			Host:       rec.Host,
			MatchedAt:  rec.MatchedAt,
			Record:     json.RawMessage(line),
		})
	}
	return findings, nil
}
