package modules

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelsec/reconforge/internal/fanout"
	"github.com/kestrelsec/reconforge/internal/recon"
	"github.com/kestrelsec/reconforge/internal/retry"
)

// Subdomains enumerates subdomains with every passive tool available on the
// host and merges their outputs into one deduplicated list.
type Subdomains struct {
	deps
	tools []string
	retry retry.Policy
}

func NewSubdomains() *Subdomains {
	return &Subdomains{
		deps:  defaultDeps(),
		tools: []string{"subfinder", "amass", "findomain"},
		retry: retry.Policy{Attempts: 3, Base: 2 * time.Second},
	}
}

func (m *Subdomains) Name() string    { return "subdomains" }
func (m *Subdomains) Version() string { return "1.0.0" }

func (m *Subdomains) RequiredTools() []string { return m.tools }

type plannedCommand struct {
	Tool       string   `json:"tool"`
	Argv       []string `json:"argv"`
	OutputFile string   `json:"output_file"`
}

func (m *Subdomains) command(tool, target, outFile string, timeout time.Duration) []string {
	secs := strconv.Itoa(int(timeout.Seconds()))
	switch tool {
	case "subfinder":
		return []string{"subfinder", "-d", target, "-o", outFile, "-timeout", secs, "-silent"}
	case "amass":
		return []string{"amass", "enum", "-passive", "-d", target, "-o", outFile, "-timeout", secs}
	case "findomain":
		return []string{"findomain", "-t", target, "-u", outFile, "--quiet"}
	}
	return nil
}

func (m *Subdomains) Run(ctx context.Context, req recon.Request) (*recon.Result, error) {
	target, err := recon.NormalizeTarget(req.Target)
	if err != nil {
		return nil, err
	}

	timeout := optDuration(req.Options, "tool_timeout", 5*time.Minute)
	res := newResult(m, target)

	planned := make([]plannedCommand, 0, len(m.tools))
	for _, tool := range m.tools {
		outFile := filepath.Join(req.OutDir, tool+".txt")
		planned = append(planned, plannedCommand{
			Tool:       tool,
			Argv:       m.command(tool, target, outFile, timeout),
			OutputFile: outFile,
		})
	}
	res.Raw = map[string]any{"commands": planned}

	if !req.Execute {
		res.Summary["tools"] = m.tools
		return finish(res, recon.StatusDryRun)
	}

	if err := ensureOutDir(req.OutDir); err != nil {
		return nil, err
	}

	available := make([]plannedCommand, 0, len(planned))
	for _, pc := range planned {
		if _, err := m.lookPath(pc.Tool); err == nil {
			available = append(available, pc)
		}
	}
	if len(available) == 0 {
		return nil, &recon.DependencyError{
			Tool:   strings.Join(m.tools, ", "),
			Reason: "no subdomain enumeration tool found in PATH",
		}
	}

	outcomes := fanout.Run(ctx, available, len(available), func(ctx context.Context, pc plannedCommand) ([]string, error) {
		err := retry.Do(ctx, m.retry, func(ctx context.Context) error {
			_, err := m.run(ctx, pc.Argv)
			return err
		})
		if err != nil {
			return nil, err
		}
		lines := readLines(pc.OutputFile)
		if lines == nil {
			lines = []string{}
		}
		return lines, nil
	})

	producers := make(map[string][]string, len(outcomes))
	succeeded := 0
	for _, o := range outcomes {
		if o.Err != nil {
			producers[o.Item.Tool] = nil
			continue
		}
		producers[o.Item.Tool] = o.Value
		succeeded++
	}
	if succeeded == 0 {
		return nil, &recon.TransientError{
			Op:  "subdomain enumeration",
			Err: fmt.Errorf("all %d available tools failed", len(available)),
		}
	}

	report := recon.Merge(producers)
	mergedFile := filepath.Join(req.OutDir, "subdomains.txt")
	if err := writeLines(mergedFile, report.Values); err != nil {
		return nil, fmt.Errorf("write merged subdomains: %w", err)
	}

	res.Artifacts = append(res.Artifacts, mergedFile)
	for _, pc := range available {
		res.Artifacts = append(res.Artifacts, pc.OutputFile)
	}
	res.Summary["total_subdomains"] = len(report.Values)
	res.Summary["tools_requested"] = len(m.tools)
	res.Summary["tools_available"] = len(available)
	res.Summary["tools_succeeded"] = succeeded
	res.Raw = map[string]any{"commands": planned, "producers": report.Producers}

	// Partial coverage still counts, but is flagged as such.
	if succeeded < len(m.tools) {
		return finish(res, recon.StatusFallback)
	}
	return finish(res, recon.StatusCompleted)
}
