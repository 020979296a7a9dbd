package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
)

// Endpoint is one candidate debug endpoint. Endpoints are probed in slice
// order; lower index wins when several expose a matching target.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) HostPort() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

func (e Endpoint) httpBase() string { return "http://" + e.HostPort() }

// Discoverer probes a fixed, ordered set of local debug endpoints for pages
// belonging to the watched application.
type Discoverer struct {
	endpoints    []Endpoint
	appFilter    string
	probeTimeout time.Duration
	client       *http.Client
}

// NewDiscoverer creates a discoverer. appFilter is matched case-insensitively
// against each page's URL and title.
func NewDiscoverer(endpoints []Endpoint, appFilter string, probeTimeout time.Duration) *Discoverer {
	return &Discoverer{
		endpoints:    endpoints,
		appFilter:    strings.ToLower(strings.TrimSpace(appFilter)),
		probeTimeout: probeTimeout,
		client:       http.DefaultClient,
	}
}

// DiscoverOne probes every endpoint concurrently and returns the first match
// from the earliest endpoint in priority order. The result does not depend on
// which probe finishes first: all probes are joined before selection.
func (d *Discoverer) DiscoverOne(ctx context.Context) (Target, error) {
	results := d.probeAll(ctx)
	for i, matches := range results {
		if len(matches) > 0 {
			slog.Debug("discovery matched", "endpoint", d.endpoints[i].HostPort(), "targets", len(matches))
			return matches[0], nil
		}
	}
	return Target{}, newError(CodeNoTargetFound, "no debuggable target found on any endpoint", nil)
}

// DiscoverAll returns every match across every endpoint, de-duplicated by
// target ID, in endpoint priority order.
func (d *Discoverer) DiscoverAll(ctx context.Context) ([]Target, error) {
	results := d.probeAll(ctx)
	seen := make(map[target.ID]bool)
	var out []Target
	for _, matches := range results {
		for _, t := range matches {
			if seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			out = append(out, t)
		}
	}
	return out, nil
}

// probeAll runs one probe per endpoint concurrently and collects results
// indexed by endpoint priority. A probe that errors or times out contributes
// no matches and never fails the overall operation.
func (d *Discoverer) probeAll(ctx context.Context) [][]Target {
	results := make([][]Target, len(d.endpoints))
	var wg sync.WaitGroup
	for i, ep := range d.endpoints {
		wg.Add(1)
		go func(i int, ep Endpoint) {
			defer wg.Done()
			matches, err := d.probeEndpoint(ctx, ep)
			if err != nil {
				slog.Debug("discovery probe failed", "endpoint", ep.HostPort(), "error", err)
				return
			}
			results[i] = matches
		}(i, ep)
	}
	wg.Wait()
	return results
}

// probeEndpoint fetches the endpoint's target list via /json/list and filters
// it to non-worker pages matching the application filter.
func (d *Discoverer) probeEndpoint(ctx context.Context, ep Endpoint) ([]Target, error) {
	probeCtx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, ep.httpBase()+"/json/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery: /json/list: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var entries []jsonListEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, err
	}

	var out []Target
	for _, e := range entries {
		if !d.matches(e) {
			continue
		}
		wsURL := e.WSURL
		if wsURL == "" {
			wsURL = fmt.Sprintf("ws://%s/devtools/page/%s", ep.HostPort(), e.ID)
		}
		out = append(out, Target{
			ID:       e.ID,
			Endpoint: ep.HostPort(),
			URL:      e.URL,
			Title:    e.Title,
			WSURL:    wsURL,
		})
	}
	return out, nil
}

// jsonListEntry is one element of the /json/list response. The discovery
// endpoint predates the Target domain and uses its own field names.
type jsonListEntry struct {
	ID    target.ID `json:"id"`
	Type  string    `json:"type"`
	Title string    `json:"title"`
	URL   string    `json:"url"`
	WSURL string    `json:"webSocketDebuggerUrl"`
}

func (d *Discoverer) matches(e jsonListEntry) bool {
	if e.Type != "page" {
		return false
	}
	if d.appFilter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(e.URL), d.appFilter) ||
		strings.Contains(strings.ToLower(e.Title), d.appFilter)
}
