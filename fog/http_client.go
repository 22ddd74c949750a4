package fog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for enrichment
	// lookups.
	DefaultFetchTimeout = 5 * time.Second

	// DefaultMaxRetries is the default number of attempts per lookup.
	DefaultMaxRetries = 2

	// defaultBaseBackoff is the base delay for exponential backoff.
	defaultBaseBackoff = 250 * time.Millisecond

	// maxResponseBytes limits the response body to 4 MB.
	maxResponseBytes = 4 << 20
)

// FetchOption configures FetchJSON behavior.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// statusError is a non-200 response.
type statusError struct {
	url    string
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP GET %s: status %d", e.url, e.status)
}

// retryable reports whether a later attempt could succeed.
func (e *statusError) retryable() bool {
	return e.status == http.StatusTooManyRequests || e.status >= 500
}

// FetchJSON GETs rawURL and decodes the JSON body into v. Transport errors,
// 429 and 5xx responses are retried with exponential backoff; other client
// errors and malformed bodies are returned immediately.
func FetchJSON(ctx context.Context, rawURL string, v any, opts ...FetchOption) error {
	if rawURL == "" {
		return fmt.Errorf("fetch: URL is empty")
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	var lastErr error
	for attempt := range cfg.maxRetries {
		if attempt > 0 {
			backoff := cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return fmt.Errorf("fetch: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		body, err := doFetch(ctx, client, rawURL)
		if err != nil {
			lastErr = err
			if se, ok := err.(*statusError); ok && !se.retryable() {
				return fmt.Errorf("fetch: %w", err)
			}
			if ctx.Err() != nil {
				return fmt.Errorf("fetch: %w", ctx.Err())
			}
			continue
		}

		if err := json.Unmarshal(body, v); err != nil {
			// Parse errors are not transient; do not retry.
			return fmt.Errorf("fetch: decoding %s: %w", redactURL(rawURL), err)
		}
		return nil
	}

	return fmt.Errorf("fetch: all %d attempts failed: %w", cfg.maxRetries, lastErr)
}

// doFetch performs a single HTTP GET and returns the response body bytes.
func doFetch(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", redactURL(rawURL), unwrapURLError(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{url: redactURL(rawURL), status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", redactURL(rawURL), err)
	}
	return body, nil
}

// redactURL strips the query string, which carries the access token.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}

// unwrapURLError drops the *url.Error wrapper, whose message repeats the
// full URL including the token.
func unwrapURLError(err error) error {
	if ue, ok := err.(*url.Error); ok {
		return ue.Err
	}
	return err
}
