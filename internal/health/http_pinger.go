package health

import (
	"context"
	"net/http"
	"time"
)

// HTTPPinger probes reachability of a third-party HTTP API (the LLM
// provider backends in internal/tools/llm) with a HEAD request against its
// base URL. These providers expose no public health endpoint, so this
// pinger only asks "is the network path to the host alive", not "is the
// model reachable" -- any response, including an auth-rejected 4xx, counts
// as reachable; only a transport-level failure counts as unavailable.
type HTTPPinger struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPPinger wraps url under the given dependency name using a private
// http.Client so the probe's own timeout never depends on http.DefaultClient
// being left alone by other code.
func NewHTTPPinger(name, url string) *HTTPPinger {
	return &HTTPPinger{name: name, url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (p *HTTPPinger) Name() string { return p.name }

func (p *HTTPPinger) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
