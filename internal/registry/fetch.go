package registry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sandarb-ai/sandarb/internal/errs"
)

// maxCardBytes caps the agent-card response body.
const maxCardBytes = 1 << 20

// CardFetcher retrieves agent cards from remote A2A endpoints. Every
// fetch is bounded by the configured timeout; failures surface as
// UpstreamTimeout so the caller maps them to a 502, never a 500.
type CardFetcher struct {
	client *http.Client
}

// NewCardFetcher creates a fetcher. timeout <= 0 uses DefaultFetchTimeout.
func NewCardFetcher(timeout time.Duration) *CardFetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &CardFetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch retrieves and validates an agent card from url.
func (f *CardFetcher) Fetch(ctx context.Context, url string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, err, "invalid agent card url %q", url)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamTimeout, err, "agent card fetch from %s failed", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.UpstreamTimeout, "agent card fetch from %s returned %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCardBytes))
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamTimeout, err, "agent card read from %s failed", url)
	}
	if !json.Valid(body) {
		return nil, errs.New(errs.UpstreamTimeout, "agent card from %s is not valid JSON", url)
	}
	return json.RawMessage(body), nil
}
