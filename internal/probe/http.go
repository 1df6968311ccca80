package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTPChecker reports healthy when a GET against the target URL returns a
// 2xx status.
type HTTPChecker struct {
	url    string
	client *http.Client
}

func NewHTTP(rawURL string) (*HTTPChecker, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("http probe: url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("http probe: invalid url %q", rawURL)
	}
	return &HTTPChecker{
		url: rawURL,
		// No client timeout here: the scheduler task wraps each check in a
		// per-check context deadline.
		client: &http.Client{},
	}, nil
}

func (c *HTTPChecker) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("http probe: %w", err)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http probe: %w", err)
	}
	defer res.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("http probe: %s returned %s", c.url, res.Status)
	}
	return nil
}
