// Package httpclient provides an HTTP client for calls between castrelay
// services, with retries, a circuit breaker and transparent decompression.
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/browsercast/castrelay/internal/version"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrMaxRetries  = errors.New("max retries exceeded")
)

const (
	DefaultTimeout           = 10 * time.Second
	DefaultRetryAttempts     = 2
	DefaultRetryDelay        = 200 * time.Millisecond
	DefaultRetryMaxDelay     = 2 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultCircuitThreshold  = 5
	DefaultCircuitCooldown   = 15 * time.Second

	acceptEncoding = "gzip, deflate, br"
)

// Config configures a Client.
type Config struct {
	Timeout           time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
	RetryMaxDelay     time.Duration
	BackoffMultiplier float64

	// CircuitThreshold is the number of consecutive failures that opens the
	// breaker. Zero disables it.
	CircuitThreshold int
	CircuitCooldown  time.Duration

	UserAgent           string
	EnableDecompression bool
	Logger              *slog.Logger

	// BaseClient is used for the actual round trips when set.
	BaseClient *http.Client
}

// DefaultConfig returns settings suited to calls on a local network.
func DefaultConfig() Config {
	return Config{
		Timeout:             DefaultTimeout,
		RetryAttempts:       DefaultRetryAttempts,
		RetryDelay:          DefaultRetryDelay,
		RetryMaxDelay:       DefaultRetryMaxDelay,
		BackoffMultiplier:   DefaultBackoffMultiplier,
		CircuitThreshold:    DefaultCircuitThreshold,
		CircuitCooldown:     DefaultCircuitCooldown,
		UserAgent:           version.UserAgent(),
		EnableDecompression: true,
	}
}

// Client is a retrying HTTP client guarded by a circuit breaker.
type Client struct {
	config  Config
	http    *http.Client
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := cfg.BaseClient
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	return &Client{
		config:  cfg,
		http:    base,
		breaker: NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown, 1),
		logger:  logger,
	}
}

// Do sends req, retrying transport errors and 429/502/503/504 responses.
// Requests with a body are retried only when req.GetBody is set, which
// http.NewRequest does for in-memory bodies.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if req.Header.Get("User-Agent") == "" && c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.EnableDecompression && req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}

	target := obfuscateURL(req.URL)
	attempts := c.config.RetryAttempts
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		attempts = 0
	}

	var lastErr error
	delay := c.config.RetryDelay

	for attempt := 0; attempt <= attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.config.BackoffMultiplier)
			if c.config.RetryMaxDelay > 0 && delay > c.config.RetryMaxDelay {
				delay = c.config.RetryMaxDelay
			}

			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("rewinding request body: %w", err)
				}
				req.Body = body
			}
			c.logger.Debug("retrying request",
				slog.String("method", req.Method),
				slog.String("url", target),
				slog.Int("attempt", attempt),
			)
		}

		if !c.breaker.Allow() {
			lastErr = ErrCircuitOpen
			continue
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		elapsed := time.Since(start)

		if err != nil {
			c.breaker.RecordFailure()
			lastErr = err
			if ctx.Err() != nil {
				return nil, err
			}
			c.logger.Warn("request failed",
				slog.String("method", req.Method),
				slog.String("url", target),
				slog.Duration("duration", elapsed),
				slog.String("error", err.Error()),
			)
			continue
		}

		if isRetryableStatus(resp.StatusCode) {
			c.breaker.RecordFailure()
			lastErr = fmt.Errorf("upstream returned %d", resp.StatusCode)
			c.logger.Warn("retryable response",
				slog.String("method", req.Method),
				slog.String("url", target),
				slog.Int("status", resp.StatusCode),
			)
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			continue
		}

		c.breaker.RecordSuccess()
		c.logger.Debug("request completed",
			slog.String("method", req.Method),
			slog.String("url", target),
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", elapsed),
		)
		if c.config.EnableDecompression {
			resp.Body = c.decompress(resp)
		}
		return resp, nil
	}

	if errors.Is(lastErr, ErrCircuitOpen) {
		return nil, ErrCircuitOpen
	}
	return nil, fmt.Errorf("%w: %w", ErrMaxRetries, lastErr)
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.Do(req)
}

// PostForm issues a POST with an application/x-www-form-urlencoded body.
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.Do(req)
}

// CircuitState returns the breaker state.
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}

func (c *Client) decompress(resp *http.Response) io.ReadCloser {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "":
		return resp.Body
	case "gzip":
		r, err := gzip.NewReader(resp.Body)
		if err != nil {
			c.logger.Warn("invalid gzip body, passing through", slog.String("error", err.Error()))
			return resp.Body
		}
		return &decompressReader{Reader: r, body: resp.Body}
	case "deflate":
		return &decompressReader{Reader: flate.NewReader(resp.Body), body: resp.Body}
	case "br":
		return &decompressReader{Reader: brotli.NewReader(resp.Body), body: resp.Body}
	default:
		return resp.Body
	}
}

type decompressReader struct {
	io.Reader
	body io.Closer
}

func (d *decompressReader) Close() error {
	if c, ok := d.Reader.(io.Closer); ok {
		_ = c.Close()
	}
	return d.body.Close()
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

var sensitiveParams = []string{"password", "secret", "token", "key", "api_key", "auth"}

// obfuscateURL masks credentials in query parameters for logging.
func obfuscateURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clean := *u
	clean.User = nil
	q := clean.Query()
	for _, p := range sensitiveParams {
		if q.Has(p) {
			q.Set(p, "***")
		}
	}
	clean.RawQuery = q.Encode()
	return clean.String()
}
