// Package upstream implements the HTTP client for the paginated event API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ama66/datasync/internal/ingest"
)

const (
	apiKeyHeader     = "X-API-Key"
	retryAfterHeader = "Retry-After"
	maxSnippetBytes  = 200
)

// Config controls client behavior.
type Config struct {
	BaseURL   string
	APIKey    string
	PageSize  int
	Timeout   time.Duration
	UserAgent string
}

// Client fetches event pages from the upstream API. It implements
// ingest.PageFetcher: HTTP-level failures are reported through the
// FetchResult status so the walker can classify them; only network
// failures and undecodable bodies surface as errors.
type Client struct {
	cfg      Config
	endpoint *url.URL
	http     *http.Client
}

// New builds a Client for the /events endpoint under cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:      cfg,
		endpoint: base.JoinPath("events"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: newHTTPTransport(),
		},
	}, nil
}

type eventsEnvelope struct {
	Data       []ingest.RawEvent `json:"data"`
	Pagination pagination        `json:"pagination"`
	Meta       meta              `json:"meta"`
}

type pagination struct {
	NextCursor string `json:"nextCursor"`
	HasMore    bool   `json:"hasMore"`
}

type meta struct {
	Total    int64 `json:"total"`
	Returned int64 `json:"returned"`
}

// FetchPage requests one page of events. An empty cursor asks for the
// start of the stream. Bodies are decoded with UseNumber so timestamps
// keep their wire shape for the normalizer.
func (c *Client) FetchPage(ctx context.Context, cursor string) (ingest.FetchResult, error) {
	u := *c.endpoint
	q := u.Query()
	q.Set("limit", strconv.Itoa(c.cfg.PageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return ingest.FetchResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set(apiKeyHeader, c.cfg.APIKey)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ingest.FetchResult{}, fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read side already decided

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ingest.FetchResult{}, fmt.Errorf("read response body: %w", err)
	}

	result := ingest.FetchResult{StatusCode: resp.StatusCode, Raw: body}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		var envelope eventsEnvelope
		if err := dec.Decode(&envelope); err != nil {
			return ingest.FetchResult{}, fmt.Errorf("%w: decode page at cursor %q: %v", ingest.ErrMalformedResponse, cursor, err)
		}
		result.Records = envelope.Data
		result.NextCursor = envelope.Pagination.NextCursor
		result.HasMore = envelope.Pagination.HasMore
		result.Total = envelope.Meta.Total
		return result, nil
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		result.RetryAfter = parseRetryAfter(resp.Header.Get(retryAfterHeader), time.Now)
	}
	result.Snippet = snippet(body)
	return result, nil
}

// parseRetryAfter handles both forms the header may take: delay seconds
// or an HTTP date. Unparseable or past values yield zero so the governor
// falls back to its default penalty.
func parseRetryAfter(value string, now func() time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := when.Sub(now()); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxSnippetBytes {
		s = s[:maxSnippetBytes] + "..."
	}
	return s
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
