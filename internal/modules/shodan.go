package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/kestrelsec/reconforge/internal/cache"
	"github.com/kestrelsec/reconforge/internal/recon"
)

const shodanEnvKey = "SHODAN_API_KEY"

// Shodan enriches a target with host data from the Shodan API. Responses
// are cached on disk so repeated runs inside the TTL window make exactly
// one remote call.
type Shodan struct {
	deps
	client   *http.Client
	baseURL  string
	cacheTTL time.Duration
}

func NewShodan() *Shodan {
	return &Shodan{
		deps:     defaultDeps(),
		client:   &http.Client{Timeout: 30 * time.Second},
		baseURL:  "https://api.shodan.io",
		cacheTTL: 24 * time.Hour,
	}
}

func (m *Shodan) Name() string    { return "shodan" }
func (m *Shodan) Version() string { return "1.0.0" }

func (m *Shodan) RequiredEnv() []string { return []string{shodanEnvKey} }

type shodanHost struct {
	Data      []json.RawMessage `json:"data"`
	Hostnames []string          `json:"hostnames"`
	Org       string            `json:"org"`
	Country   string            `json:"country_name"`
}

func (m *Shodan) Run(ctx context.Context, req recon.Request) (*recon.Result, error) {
	target, err := recon.NormalizeTarget(req.Target)
	if err != nil {
		return nil, err
	}

	res := newResult(m, target)
	res.Raw = map[string]any{"endpoint": m.baseURL + "/shodan/host/" + target}

	if !req.Execute {
		return finish(res, recon.StatusDryRun)
	}

	apiKey := m.getenv(shodanEnvKey)
	if apiKey == "" {
		return nil, &recon.ConfigError{Reason: shodanEnvKey + " environment variable not set"}
	}

	if err := ensureOutDir(req.OutDir); err != nil {
		return nil, err
	}

	ttl := optDuration(req.Options, "cache_ttl", m.cacheTTL)
	store := cache.New(filepath.Join(req.OutDir, "cache"), ttl)
	key := cache.Key(map[string]string{"module": m.Name(), "target": target})

	cached := false
	payload, hit := store.Get(key)
	if hit {
		cached = true
	} else {
		payload, err = m.query(ctx, target, apiKey)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			if err := store.Put(key, payload); err != nil {
				return nil, fmt.Errorf("cache shodan response: %w", err)
			}
		}
	}

	res.Summary["cached"] = cached
	res.Summary["found"] = payload != nil
	if payload == nil {
		return finish(res, recon.StatusCompleted)
	}

	resultsFile := filepath.Join(req.OutDir, "shodan_results.json")
	if err := os.WriteFile(resultsFile, payload, 0o644); err != nil {
		return nil, fmt.Errorf("write shodan results: %w", err)
	}
	res.Artifacts = append(res.Artifacts, resultsFile)

	var host shodanHost
	if err := json.Unmarshal(payload, &host); err == nil {
		res.Summary["ports"] = len(host.Data)
		res.Summary["hostnames"] = host.Hostnames
		res.Summary["org"] = host.Org
		res.Summary["country"] = host.Country
	}
	res.Raw = json.RawMessage(payload)

	return finish(res, recon.StatusCompleted)
}

// query calls the Shodan host endpoint. A 404 means the target is simply
// unknown to Shodan and returns a nil payload without error.
func (m *Shodan) query(ctx context.Context, target, apiKey string) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/shodan/host/%s?key=%s", m.baseURL, target, apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build shodan request: %w", err)
	}

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, &recon.TransientError{Op: "shodan query", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &recon.ConfigError{Reason: "shodan rejected the API key"}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &recon.TransientError{Op: "shodan query", Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return nil, fmt.Errorf("shodan query failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &recon.TransientError{Op: "shodan read body", Err: err}
	}
	return body, nil
}
