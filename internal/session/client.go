package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/muurk/castlink/internal/casterr"
	"github.com/muurk/castlink/internal/logging"
	"go.uber.org/zap"
)

const (
	// DefaultHTTPTimeout is the default HTTP request timeout
	DefaultHTTPTimeout = 10 * time.Second

	// maxBodySize caps how much of a response body is read
	maxBodySize = 1 << 20
)

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client performs the application control requests. It never retries and
// never caches.
type Client struct {
	// HTTPClient is the underlying HTTP client
	HTTPClient *http.Client

	// UserAgent is sent with every request when set
	UserAgent string
}

// NewClient creates a control client with the given request timeout
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// SetTimeout sets the HTTP request timeout
func (c *Client) SetTimeout(timeout time.Duration) {
	c.HTTPClient.Timeout = timeout
}

// Get fetches target
func (c *Client) Get(ctx context.Context, target string) (*Response, error) {
	return c.do(ctx, http.MethodGet, target, "", nil)
}

// Post sends body to target
func (c *Client) Post(ctx context.Context, target, contentType string, body []byte) (*Response, error) {
	return c.do(ctx, http.MethodPost, target, contentType, body)
}

// Delete sends a DELETE to target
func (c *Client) Delete(ctx context.Context, target string) (*Response, error) {
	return c.do(ctx, http.MethodDelete, target, "", nil)
}

func (c *Client) do(ctx context.Context, method, target, contentType string, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, casterr.NewNetworkError(fmt.Sprintf("failed to create %s request", method), target, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		logging.Debug("HTTP request failed",
			zap.String("method", method),
			zap.String("url", target),
			zap.Error(err),
		)
		return nil, casterr.NewNetworkError("device unreachable", target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, casterr.NewNetworkError("failed to read response body", target, err)
	}

	logging.Debug("HTTP request",
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
		zap.Int("body_length", len(data)),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}
