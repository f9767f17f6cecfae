// Package upstream sends requests to the public medical data APIs the
// lookup service is built on and decodes their JSON responses.
package upstream

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.elastic.co/apm"
	"golang.org/x/time/rate"
)

// ErrMissingAPIKey is returned by clients that cannot call their upstream
// without a server-side key.
var ErrMissingAPIKey = errors.New("upstream api key not configured")

// StatusError reports a response with a status code of 400 or above.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request %s failed (%d): %s", e.URL, e.StatusCode, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Options configures a Client.
type Options struct {
	Timeout time.Duration
	RPS     float64
	Burst   int
	Headers map[string]string
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Timeout: 30 * time.Second,
		RPS:     10,
		Burst:   20,
	}
}

// Client is a rate limited JSON client shared by the upstream packages.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	headers    map[string]string
}

// New creates a Client from opts.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}

	headers := map[string]string{
		"Accept":          "application/json",
		"Accept-Encoding": "gzip",
	}
	for key, value := range opts.Headers {
		headers[key] = value
	}

	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(limit, opts.Burst),
		headers:    headers,
	}
}

// GetJSON sends a GET request to rawURL with params and decodes the body
// into out. The name labels the APM span for the call.
func (c *Client) GetJSON(ctx context.Context, name, rawURL string, params url.Values, out any) error {
	body, err := c.Get(ctx, name, rawURL, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("error decoding %s response: %w", name, err)
	}
	return nil
}

// Get sends a GET request and returns the raw response body.
func (c *Client) Get(ctx context.Context, name, rawURL string, params url.Values) ([]byte, error) {
	span, ctx := apm.StartSpan(ctx, name, "external.http")
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	// Set query parameters if provided
	if params != nil {
		req.URL.RawQuery = params.Encode()
	}

	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// url.Error prints the full request URL
		var ue *url.Error
		if errors.As(err, &ue) {
			ue.URL = redact(req.URL)
		}
		return nil, fmt.Errorf("%s request failed: %w", name, err)
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, &StatusError{
			URL:        redact(req.URL),
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), 200),
		}
	}

	return body, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	// Read the body and set up a defer to close the body to avoid
	// leaking resources.
	defer resp.Body.Close()

	var reader io.Reader = resp.Body

	// Check for gzipped "Content-Encoding" header
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gzipReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("error creating gzip reader: %w", err)
		}
		defer gzipReader.Close()
		reader = gzipReader
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

// redact strips API keys from a URL before it ends up in an error message.
func redact(u *url.URL) string {
	copied := *u
	q := copied.Query()
	for _, key := range []string{"apiKey", "api_key"} {
		if q.Has(key) {
			q.Set(key, "REDACTED")
		}
	}
	copied.RawQuery = q.Encode()
	return copied.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
