package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kestrelsec/reconforge/internal/fanout"
	"github.com/kestrelsec/reconforge/internal/recon"
)

const (
	probeConcurrency  = 20
	probeMaxSubdomain = 100
	probeBodyLimit    = 256 << 10
)

var titlePattern = regexp.MustCompile(`(?is)<title[^>]*>([^<]+)</title>`)

// HTTPProbe checks which hosts answer HTTP/HTTPS, recording status, server
// header, and page title per URL. It probes the target plus any subdomains
// a previous enumeration left in the output directory.
type HTTPProbe struct {
	client  *http.Client
	schemes []string
}

func NewHTTPProbe() *HTTPProbe {
	return &HTTPProbe{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		schemes: []string{"http", "https"},
	}
}

func (m *HTTPProbe) Name() string    { return "httpprobe" }
func (m *HTTPProbe) Version() string { return "1.0.0" }

// ProbeOutcome is the per-URL record written to the results artifact.
type ProbeOutcome struct {
	URL           string  `json:"url"`
	StatusCode    int     `json:"status_code,omitempty"`
	ResponseTime  float64 `json:"response_time,omitempty"`
	Server        string  `json:"server,omitempty"`
	Title         string  `json:"title,omitempty"`
	ContentLength int64   `json:"content_length,omitempty"`
	FinalURL      string  `json:"final_url,omitempty"`
	Error         string  `json:"error,omitempty"`
}

func (m *HTTPProbe) targets(target, outDir string) []string {
	hosts := []string{target}
	subs := readLines(filepath.Join(outDir, "subdomains.txt"))
	if len(subs) > probeMaxSubdomain {
		subs = subs[:probeMaxSubdomain]
	}
	hosts = append(hosts, subs...)

	seen := make(map[string]struct{})
	var urls []string
	for _, host := range hosts {
		for _, scheme := range m.schemes {
			u := scheme + "://" + host
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			urls = append(urls, u)
		}
	}
	return urls
}

func (m *HTTPProbe) Run(ctx context.Context, req recon.Request) (*recon.Result, error) {
	target, err := recon.NormalizeTarget(req.Target)
	if err != nil {
		return nil, err
	}

	urls := m.targets(target, req.OutDir)
	res := newResult(m, target)
	res.Summary["urls_planned"] = len(urls)

	if !req.Execute {
		res.Raw = map[string]any{"urls": urls}
		return finish(res, recon.StatusDryRun)
	}

	if err := ensureOutDir(req.OutDir); err != nil {
		return nil, err
	}

	outcomes := fanout.Run(ctx, urls, probeConcurrency, func(ctx context.Context, url string) (ProbeOutcome, error) {
		return m.probe(ctx, url), nil
	})

	probes := make([]ProbeOutcome, 0, len(outcomes))
	responsive := 0
	for _, o := range outcomes {
		if o.Err != nil {
			probes = append(probes, ProbeOutcome{URL: o.Item, Error: o.Err.Error()})
			continue
		}
		probes = append(probes, o.Value)
		if o.Value.Error == "" {
			responsive++
		}
	}

	resultsFile := filepath.Join(req.OutDir, "http_probe.json")
	data, err := json.MarshalIndent(probes, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode probe results: %w", err)
	}
	if err := os.WriteFile(resultsFile, data, 0o644); err != nil {
		return nil, fmt.Errorf("write probe results: %w", err)
	}

	res.Artifacts = append(res.Artifacts, resultsFile)
	res.Summary["urls_probed"] = len(probes)
	res.Summary["responsive"] = responsive
	res.Raw = probes

	return finish(res, recon.StatusCompleted)
}

// probe issues a HEAD first, then a GET on 200 to pull the page title.
// Failures are recorded as outcomes rather than errors; one dead host must
// not fail the whole probe run.
func (m *HTTPProbe) probe(ctx context.Context, url string) ProbeOutcome {
	outcome := ProbeOutcome{URL: url}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	resp, err := m.client.Do(req)
	if err != nil {
		outcome.Error = classifyProbeError(err)
		return outcome
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	outcome.StatusCode = resp.StatusCode
	outcome.ResponseTime = time.Since(start).Seconds()
	outcome.Server = resp.Header.Get("Server")
	outcome.ContentLength = resp.ContentLength
	outcome.FinalURL = resp.Request.URL.String()

	if resp.StatusCode == http.StatusOK {
		if title, server := m.fetchPage(ctx, url); title != "" || server != "" {
			outcome.Title = title
			if outcome.Server == "" {
				outcome.Server = server
			}
		}
	}
	return outcome
}

func (m *HTTPProbe) fetchPage(ctx context.Context, url string) (title, server string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", ""
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", ""
	}
	defer resp.Body.Close()

	server = resp.Header.Get("Server")
	if resp.StatusCode != http.StatusOK {
		return "", server
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, probeBodyLimit))
	if err != nil {
		return "", server
	}
	if match := titlePattern.FindSubmatch(body); match != nil {
		title = strings.TrimSpace(string(match[1]))
	}
	return title, server
}

func classifyProbeError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "context deadline exceeded"), strings.Contains(msg, "Client.Timeout"):
		return "timeout"
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"):
		return "connection_failed"
	}
	return msg
}
