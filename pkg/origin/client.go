// Package origin fetches page content from an upstream HTTP server with
// retry and backoff. It is the content source behind cache misses.
package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/pagecache/pkg/cache"
)

const (
	// DefaultTTL is the fallback lifetime when the origin sends no Expires header
	DefaultTTL = 5 * time.Minute

	// HeaderCacheTags carries comma separated invalidation tags
	HeaderCacheTags = "X-Cache-Tags"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL of the origin server, e.g. "http://backend:8000"
	BaseURL string

	// User-Agent header sent with every request
	UserAgent string

	// Timeout per HTTP attempt
	Timeout time.Duration

	// DefaultTTL applies when the origin sends no Expires header
	DefaultTTL time.Duration

	// Retry controls backoff for server and network errors
	Retry RetryConfig

	Logger zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, userAgent string) Config {
	return Config{
		BaseURL:    baseURL,
		UserAgent:  userAgent,
		Timeout:    30 * time.Second,
		DefaultTTL: DefaultTTL,
		Retry:      DefaultRetryConfig(),
		Logger:     zerolog.Nop(),
	}
}

// Client fetches content from the origin.
type Client struct {
	httpClient *http.Client
	baseURL    string
	config     Config
	logger     zerolog.Logger
}

// New creates a new origin client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		config:  cfg,
		logger:  cfg.Logger.With().Str("component", "origin").Logger(),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Builder adapts Fetch to a cache builder for path.
func (c *Client) Builder(path string) cache.Builder {
	return func(ctx context.Context) (*cache.Content, error) {
		return c.Fetch(ctx, path)
	}
}

// Fetch GETs path (including any query) from the origin and converts a 200
// response to cache content. Other statuses are returned as *OriginError;
// server and network errors are retried.
func (c *Client) Fetch(ctx context.Context, path string) (*cache.Content, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := c.baseURL + path

	startTime := time.Now()
	defer func() {
		originDuration.Observe(time.Since(startTime).Seconds())
	}()

	var content *cache.Content
	err := retryWithBackoff(ctx, c.config.Retry, c.logger, func() error {
		var fetchErr error
		content, fetchErr = c.fetchOnce(ctx, target)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("path", path).
		Int("size", len(content.Body)).
		Strs("tags", content.Tags).
		Dur("duration", time.Since(startTime)).
		Msg("Fetched from origin")
	return content, nil
}

func (c *Client) fetchOnce(ctx context.Context, target string) (*cache.Content, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &OriginError{Class: ErrorClassClient, Message: "create request", Err: err}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		originRequests.WithLabelValues("network_error").Inc()
		return nil, &OriginError{Class: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	originRequests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		class := classifyStatus(resp.StatusCode)
		if class == "" {
			class = ErrorClassClient
		}
		io.Copy(io.Discard, resp.Body)
		c.logger.Warn().
			Str("url", target).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Origin request error")
		return nil, &OriginError{StatusCode: resp.StatusCode, Class: class, Message: resp.Status}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &OriginError{StatusCode: resp.StatusCode, Class: ErrorClassNetwork, Message: "read body", Err: err}
	}
	return ResponseToContent(resp.Header, body, time.Now(), c.config.DefaultTTL), nil
}

// ResponseToContent converts origin response headers and body to content.
func ResponseToContent(h http.Header, body []byte, now time.Time, defaultTTL time.Duration) *cache.Content {
	c := &cache.Content{
		Body:        body,
		ContentType: h.Get("Content-Type"),
		ETag:        h.Get("ETag"),
		Expires:     parseExpires(h, now, defaultTTL),
		Tags:        parseTags(h.Get(HeaderCacheTags)),
	}
	if lm := h.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			c.LastModified = t
		}
	}
	return c
}

// parseExpires parses the Expires header.
// Returns the parsed expiration time, or now + defaultTTL if parsing fails.
func parseExpires(h http.Header, now time.Time, defaultTTL time.Duration) time.Time {
	expiresStr := h.Get("Expires")
	if expiresStr == "" {
		return now.Add(defaultTTL)
	}

	expires, err := http.ParseTime(expiresStr)
	if err != nil {
		return now.Add(defaultTTL)
	}

	// Already expired - use minimal TTL
	if expires.Before(now) {
		return now
	}
	return expires
}

func parseTags(v string) []string {
	if v == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
