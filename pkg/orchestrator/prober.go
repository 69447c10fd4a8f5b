package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Prober checks whether a central server answers with a parseable
// version string.
type Prober interface {
	Probe(ctx context.Context, address string) (string, error)
}

// HTTPProber probes a GitLab-style version endpoint.
type HTTPProber struct {
	Client *http.Client
}

var _ Prober = &HTTPProber{}

func NewHTTPProber() *HTTPProber {
	return &HTTPProber{Client: &http.Client{Timeout: 10 * time.Second}}
}

func (p *HTTPProber) Probe(ctx context.Context, address string) (string, error) {
	url := strings.TrimSuffix(address, "/") + "/api/v4/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", address, err)
	}
	defer resp.Body.Close()

	// an unauthenticated probe may get 401 back; a speaking endpoint is
	// still a reachable endpoint
	if resp.StatusCode == http.StatusUnauthorized {
		return "unknown (authentication required)", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("probe %s: unexpected status %s", address, resp.Status)
	}

	body := struct {
		Version string `json:"version"`
	}{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		return "", fmt.Errorf("probe %s: unparseable version response: %w", address, err)
	}
	if body.Version == "" {
		return "", fmt.Errorf("probe %s: empty version string", address)
	}
	return body.Version, nil
}
