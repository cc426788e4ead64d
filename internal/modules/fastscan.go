package modules

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kestrelsec/reconforge/internal/recon"
)

// Fastscan wraps masscan for high-rate port sweeps over large ranges.
type Fastscan struct {
	deps
}

func NewFastscan() *Fastscan {
	return &Fastscan{deps: defaultDeps()}
}

func (m *Fastscan) Name() string    { return "fastscan" }
func (m *Fastscan) Version() string { return "1.0.0" }

func (m *Fastscan) RequiredTools() []string { return []string{"masscan"} }

// FastscanHit is one masscan result record.
type FastscanHit struct {
	IP        string `json:"ip"`
	Timestamp string `json:"timestamp,omitempty"`
	Ports     []struct {
		Port   int    `json:"port"`
		Proto  string `json:"proto"`
		Status string `json:"status"`
	} `json:"ports"`
}

func (m *Fastscan) Run(ctx context.Context, req recon.Request) (*recon.Result, error) {
	target, err := recon.NormalizeTarget(req.Target)
	if err != nil {
		return nil, err
	}

	ports := optString(req.Options, "ports", "1-65535")
	rate := optInt(req.Options, "rate", 10000)
	resultsFile := filepath.Join(req.OutDir, "masscan_results.json")

	argv := []string{
		"masscan",
		"--ports", ports,
		"--rate", strconv.Itoa(rate),
		"--output-format", "json",
		"--output-file", resultsFile,
		target,
	}

	res := newResult(m, target)
	res.Raw = map[string]any{"argv": argv}
	res.Summary["ports_scanned"] = ports
	res.Summary["rate"] = rate

	if !req.Execute {
		return finish(res, recon.StatusDryRun)
	}

	if err := ensureOutDir(req.OutDir); err != nil {
		return nil, err
	}
	if _, err := m.run(ctx, argv); err != nil {
		return nil, err
	}

	hits, err := parseMasscanJSON(resultsFile)
	if err != nil {
		res.Error = err.Error()
	}

	openPorts := 0
	for _, h := range hits {
		openPorts += len(h.Ports)
	}

	// masscan writes no file at all when nothing was found
	if _, statErr := os.Stat(resultsFile); statErr == nil {
		res.Artifacts = append(res.Artifacts, resultsFile)
	}
	res.Summary["open_ports_found"] = openPorts
	res.Raw = map[string]any{"argv": argv, "hits": hits}

	return finish(res, recon.StatusCompleted)
}

func parseMasscanJSON(path string) ([]FastscanHit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &recon.ParseError{Source: path, Err: err}
	}
	if len(data) == 0 {
		return nil, nil
	}

	var hits []FastscanHit
	if err := json.Unmarshal(data, &hits); err != nil {
		return nil, &recon.ParseError{Source: path, Err: err}
	}
	return hits, nil
}
