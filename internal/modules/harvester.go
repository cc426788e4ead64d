package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelsec/reconforge/internal/cache"
	"github.com/kestrelsec/reconforge/internal/recon"
	"github.com/kestrelsec/reconforge/internal/retry"
)

const hunterEnvKey = "HUNTER_API_KEY"

// Harvester gathers OSINT for a domain: theHarvester for the base sweep,
// then certificate transparency from crt.sh and, when a key is present,
// hunter.io for email discovery. Enrichment responses are cached on disk
// so repeated runs inside the TTL window stay off the public APIs.
type Harvester struct {
	deps
	client    *http.Client
	crtshURL  string
	hunterURL string
	cacheTTL  time.Duration
	retry     retry.Policy
}

func NewHarvester() *Harvester {
	return &Harvester{
		deps:      defaultDeps(),
		client:    &http.Client{Timeout: 30 * time.Second},
		crtshURL:  "https://crt.sh",
		hunterURL: "https://api.hunter.io",
		cacheTTL:  time.Hour,
		retry:     retry.Policy{Attempts: 3, Base: 2 * time.Second},
	}
}

func (m *Harvester) Name() string    { return "harvester" }
func (m *Harvester) Version() string { return "1.0.0" }

func (m *Harvester) RequiredTools() []string { return []string{"theHarvester"} }
func (m *Harvester) RequiredEnv() []string   { return []string{hunterEnvKey} }

// harvesterReport is the slice of theHarvester's JSON output we consume.
type harvesterReport struct {
	Emails []string `json:"emails"`
	Hosts  []string `json:"hosts"`
}

type crtshEntry struct {
	CommonName string `json:"common_name"`
	NameValue  string `json:"name_value"`
}

type hunterResponse struct {
	Data struct {
		Emails []struct {
			Value     string `json:"value"`
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
		} `json:"emails"`
	} `json:"data"`
}

func (m *Harvester) command(target, outFile string, limit int, sources string) []string {
	argv := []string{"theHarvester", "-d", target, "-f", "json", "-o", outFile, "-l", strconv.Itoa(limit)}
	if sources != "" {
		argv = append(argv, "-b", sources)
	}
	return argv
}

func (m *Harvester) Run(ctx context.Context, req recon.Request) (*recon.Result, error) {
	target, err := recon.NormalizeTarget(req.Target)
	if err != nil {
		return nil, err
	}

	limit := optInt(req.Options, "limit", 100)
	sources := optString(req.Options, "sources", "")
	res := newResult(m, target)

	outFile := filepath.Join(req.OutDir, "theharvester.json")
	argv := m.command(target, outFile, limit, sources)

	enrichment := []string{"crt.sh certificate transparency"}
	if m.getenv(hunterEnvKey) != "" {
		enrichment = append(enrichment, "hunter.io domain search")
	} else {
		enrichment = append(enrichment, "hunter.io (skipped: no "+hunterEnvKey+")")
	}
	res.Raw = map[string]any{"command": argv, "enrichment": enrichment}

	if !req.Execute {
		return finish(res, recon.StatusDryRun)
	}

	if _, err := m.lookPath("theHarvester"); err != nil {
		return nil, &recon.DependencyError{Tool: "theHarvester", Reason: "not found in PATH"}
	}
	if err := ensureOutDir(req.OutDir); err != nil {
		return nil, err
	}

	runErr := retry.Do(ctx, m.retry, func(ctx context.Context) error {
		_, err := m.run(ctx, argv)
		return err
	})
	if runErr != nil {
		return nil, runErr
	}

	base, parseErr := parseHarvesterJSON(outFile)
	if parseErr != nil {
		res.Error = parseErr.Error()
	}

	ttl := optDuration(req.Options, "cache_ttl", m.cacheTTL)
	store := cache.New(filepath.Join(req.OutDir, "cache"), ttl)

	crtDomains, crtErr := m.enrichCrtsh(ctx, store, target)
	hunterEmails, hunterNames := []string{}, []string{}
	if key := m.getenv(hunterEnvKey); key != "" {
		var hunterErr error
		hunterEmails, hunterNames, hunterErr = m.enrichHunter(ctx, store, target, key)
		// Enrichment is additive; a dead API degrades the run, never fails it.
		if hunterErr != nil && res.Error == "" {
			res.Error = hunterErr.Error()
		}
	}
	if crtErr != nil && res.Error == "" {
		res.Error = crtErr.Error()
	}

	hosts := recon.Merge(map[string][]string{
		"theharvester": base.Hosts,
		"crt.sh":       crtDomains,
	})
	emails := recon.Merge(map[string][]string{
		"theharvester": base.Emails,
		"hunter.io":    hunterEmails,
	})

	combined := map[string]any{
		"emails":         emails.Values,
		"hosts":          hosts.Values,
		"employee_names": hunterNames,
	}
	payload, err := json.MarshalIndent(combined, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode harvester results: %w", err)
	}
	resultsFile := filepath.Join(req.OutDir, "harvester_results.json")
	if err := os.WriteFile(resultsFile, payload, 0o644); err != nil {
		return nil, fmt.Errorf("write harvester results: %w", err)
	}
	res.Artifacts = append(res.Artifacts, resultsFile)
	if _, err := os.Stat(outFile); err == nil {
		res.Artifacts = append(res.Artifacts, outFile)
	}

	res.Summary["emails"] = len(emails.Values)
	res.Summary["hosts"] = len(hosts.Values)
	res.Summary["employee_names"] = len(hunterNames)
	res.Raw = map[string]any{
		"command":         argv,
		"enrichment":      enrichment,
		"host_producers":  hosts.Producers,
		"email_producers": emails.Producers,
	}

	if crtErr != nil {
		return finish(res, recon.StatusFallback)
	}
	return finish(res, recon.StatusCompleted)
}

// parseHarvesterJSON reads theHarvester's JSON output. A missing file is an
// empty sweep; a mangled file yields empty sets plus a parse error.
func parseHarvesterJSON(path string) (harvesterReport, error) {
	var report harvesterReport
	data, err := os.ReadFile(path)
	if err != nil {
		return report, nil
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return harvesterReport{}, &recon.ParseError{Source: path, Err: err}
	}
	return report, nil
}

// enrichCrtsh pulls issued-certificate names for the domain. crt.sh is
// public and rate-limited, so hits inside the TTL come from the cache.
func (m *Harvester) enrichCrtsh(ctx context.Context, store *cache.Cache, target string) ([]string, error) {
	key := cache.Key(map[string]string{"module": m.Name(), "source": "crt.sh", "target": target})
	body, hit := store.Get(key)
	if !hit {
		var err error
		body, err = m.fetch(ctx, fmt.Sprintf("%s/?q=%s&output=json", m.crtshURL, url.QueryEscape(target)), nil)
		if err != nil {
			return nil, err
		}
		if err := store.Put(key, body); err != nil {
			return nil, fmt.Errorf("cache crt.sh response: %w", err)
		}
	}

	var entries []crtshEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, &recon.ParseError{Source: "crt.sh", Err: err}
	}

	var domains []string
	for _, e := range entries {
		if e.CommonName != "" {
			domains = append(domains, e.CommonName)
		}
		for _, name := range strings.Split(e.NameValue, "\n") {
			if name = strings.TrimSpace(name); name != "" {
				domains = append(domains, name)
			}
		}
	}
	return domains, nil
}

func (m *Harvester) enrichHunter(ctx context.Context, store *cache.Cache, target, apiKey string) ([]string, []string, error) {
	key := cache.Key(map[string]string{"module": m.Name(), "source": "hunter.io", "target": target})
	body, hit := store.Get(key)
	if !hit {
		endpoint := fmt.Sprintf("%s/v2/domain-search?domain=%s&api_key=%s", m.hunterURL, url.QueryEscape(target), apiKey)
		var err error
		body, err = m.fetch(ctx, endpoint, nil)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Put(key, body); err != nil {
			return nil, nil, fmt.Errorf("cache hunter.io response: %w", err)
		}
	}

	var resp hunterResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, &recon.ParseError{Source: "hunter.io", Err: err}
	}

	var emails, names []string
	for _, e := range resp.Data.Emails {
		if e.Value != "" {
			emails = append(emails, e.Value)
		}
		if e.FirstName != "" && e.LastName != "" {
			names = append(names, e.FirstName+" "+e.LastName)
		}
	}
	return emails, names, nil
}

func (m *Harvester) fetch(ctx context.Context, endpoint string, headers map[string]string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build enrichment request: %w", err)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, &recon.TransientError{Op: "enrichment fetch", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &recon.ConfigError{Reason: "enrichment API rejected the credentials"}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &recon.TransientError{Op: "enrichment fetch", Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return nil, fmt.Errorf("enrichment fetch failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &recon.TransientError{Op: "enrichment read body", Err: err}
	}
	return body, nil
}
