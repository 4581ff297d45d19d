// Package outbound is the HTTP helper shared by the web-based aircraft
// sources. It adds a per-client rate limiter, retry with exponential backoff,
// typed errors for 404 and 429 responses, an optional short-lived response
// cache keyed by URL, and header redaction for logging.
package outbound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fregster/hangar-assistant/internal/logger"
	"github.com/fregster/hangar-assistant/pkg/cache"
)

const (
	// DefaultTimeout for a single HTTP request
	DefaultTimeout = 10 * time.Second

	// maxErrorBody bounds how much of an error response is kept
	maxErrorBody = 512
)

// Config configures a Client.
type Config struct {
	// Name identifies the client in logs
	Name string

	// Timeout for a single request attempt (default: 10s)
	Timeout time.Duration

	// MinInterval is the minimum spacing between requests. Zero disables
	// rate limiting.
	MinInterval time.Duration

	// Retry controls backoff. A zero value means DefaultRetryConfig.
	Retry RetryConfig

	// CacheTTL enables the response cache when positive.
	CacheTTL time.Duration

	// CacheSize bounds the response cache (default: cache.DefaultCapacity)
	CacheSize int

	// UserAgent is sent with every request when set
	UserAgent string

	// HTTPClient overrides the underlying client
	HTTPClient *http.Client
}

// Client performs rate-limited, retried GET requests.
// It is safe for concurrent use.
type Client struct {
	name       string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      RetryConfig
	responses  *cache.Cache[[]byte]
	userAgent  string
	log        *logger.Logger
}

// New creates a Client.
func New(cfg Config, log *logger.Logger) (*Client, error) {
	log = logger.OrNop(log)

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialDelay == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = log
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	c := &Client{
		name:       cfg.Name,
		httpClient: httpClient,
		retry:      cfg.Retry,
		userAgent:  cfg.UserAgent,
		log:        log.With("client", cfg.Name),
	}

	if cfg.MinInterval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}

	if cfg.CacheTTL > 0 {
		responses, err := cache.New[[]byte](cfg.CacheSize, cfg.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("create response cache: %w", err)
		}
		c.responses = responses
	}

	return c, nil
}

// Get fetches url and returns the response body.
//
// A cached body is returned when the response cache is enabled and holds a
// fresh copy. Otherwise the request is sent through the rate limiter and
// retried with backoff on network errors, 5xx and 429 responses. A 404
// yields ErrNotFound; other 4xx responses yield a *StatusError without retry.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	if c.responses != nil {
		if body, ok := c.responses.Get(url); ok {
			c.log.Debug("response cache hit", "url", url)
			return bytes.Clone(body), nil
		}
	}

	body, err := RetryWithBackoffResult(ctx, c.retry, func() ([]byte, error) {
		return c.do(ctx, url, headers)
	})
	if err != nil {
		return nil, err
	}

	if c.responses != nil {
		c.responses.Put(url, bytes.Clone(body))
	}
	return body, nil
}

// ClearCache drops every cached response.
func (c *Client) ClearCache() {
	if c.responses != nil {
		c.responses.Clear()
	}
}

// do performs one attempt.
func (c *Client) do(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, Permanent(fmt.Errorf("rate limiter: %w", err))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	c.log.Debug("outbound request", "url", url, "headers", RedactHeaders(headers))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Permanent(fmt.Errorf("http request: %w", err))
		}
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.log.Debug("outbound response",
		"url", url,
		"status", resp.StatusCode,
		"bytes", len(body),
		"duration", time.Since(start),
	)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header),
			Message:    "Rate limit exceeded",
			Headers:    extractRateLimitHeaders(resp.Header),
		}
	case resp.StatusCode == http.StatusNotFound:
		return nil, Permanent(ErrNotFound)
	case resp.StatusCode >= 500:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(body)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, Permanent(&StatusError{StatusCode: resp.StatusCode, Body: truncate(body)})
	}

	return body, nil
}

// RedactHeaders returns a copy of headers with credential values replaced,
// suitable for logging.
func RedactHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if logger.IsSensitiveKey(strings.ToLower(k)) {
			v = "[REDACTED]"
		}
		out[k] = v
	}
	return out
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	return s
}
