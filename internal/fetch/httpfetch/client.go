// Package httpfetch is the reference fetcher: it polls plain URLs and
// hands back JSON, HTML or text documents.
package httpfetch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fliws/immortyx/internal/cache"
	"github.com/fliws/immortyx/internal/fetch"
	"github.com/fliws/immortyx/internal/model"
	"github.com/fliws/immortyx/internal/worker"
)

const fetchMaxRetries = 3

// fetchSleepFunc is the sleep function used between retries (injectable for tests)
var fetchSleepFunc = time.Sleep

// ErrDisallowed is returned for URLs excluded by robots.txt
var ErrDisallowed = errors.New("httpfetch: disallowed by robots.txt")

// Response is a fetched body
type Response struct {
	Body        []byte
	ContentType string
	FinalURL    string
	StatusCode  int
	FromCache   bool
}

// cachedResponse is the cache layout of a Response
type cachedResponse struct {
	ContentType string
	FinalURL    string
	Body        []byte
}

// Client performs polite GETs: robots.txt, per-host rate limits, response
// caching, bounded retries.
type Client struct {
	httpClient *http.Client
	userAgent  string
	maxBytes   int64
	robots     *RobotsChecker
	limiter    *worker.Limiter
	cache      cache.Cache
	cacheTTL   time.Duration
	logger     *zap.Logger
}

// NewClient creates a client. limiter and c may be nil.
func NewClient(cfg model.HTTPConfig, limiter *worker.Limiter, c cache.Cache, logger *zap.Logger) (*Client, error) {
	proxyFunc, err := NewProxyFunc(cfg.Proxy)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 * 1024 * 1024
	}

	transport := &http.Transport{Proxy: proxyFunc}
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- opt-in via config
	}
	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return fmt.Errorf("stopped after 3 redirects")
			}
			return nil
		},
	}

	cl := &Client{
		httpClient: httpClient,
		userAgent:  cfg.UserAgent,
		maxBytes:   cfg.MaxBytes,
		limiter:    limiter,
		cache:      c,
		cacheTTL:   cfg.CacheTTL,
		logger:     logger,
	}
	if cfg.RespectRobots {
		cl.robots = NewRobotsChecker(httpClient, cfg.UserAgent)
	}
	return cl, nil
}

// Get fetches rawURL for sourceID. Failures are *fetch.FetchError.
func (c *Client) Get(ctx context.Context, sourceID, rawURL string) (*Response, error) {
	key := cache.FetchKey(sourceID, rawURL)
	if resp, ok := c.cached(key); ok {
		return resp, nil
	}

	if c.robots != nil {
		allowed, delay, err := c.robots.CanFetch(ctx, rawURL)
		if err != nil {
			return nil, fetch.PermanentError(sourceID, err)
		}
		if !allowed {
			return nil, fetch.PermanentError(sourceID, fmt.Errorf("%w: %s", ErrDisallowed, rawURL))
		}
		if delay > 0 && c.limiter != nil {
			if host, err := hostOf(rawURL); err == nil {
				c.limiter.SetRate(host, 1/delay.Seconds(), 1)
			}
		}
	}

	resp, err := c.getWithRetry(ctx, sourceID, rawURL)
	if err != nil {
		return nil, err
	}
	c.store(key, resp)
	return resp, nil
}

func (c *Client) cached(key string) (*Response, bool) {
	if c.cache == nil {
		return nil, false
	}
	data, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	var entry cachedResponse
	if err := decodeCached(data, &entry); err != nil {
		_ = c.cache.Delete(key)
		return nil, false
	}
	return &Response{
		Body:        entry.Body,
		ContentType: entry.ContentType,
		FinalURL:    entry.FinalURL,
		StatusCode:  http.StatusOK,
		FromCache:   true,
	}, true
}

func (c *Client) store(key string, resp *Response) {
	if c.cache == nil {
		return
	}
	data, err := encodeCached(cachedResponse{ContentType: resp.ContentType, FinalURL: resp.FinalURL, Body: resp.Body})
	if err != nil {
		return
	}
	if err := c.cache.Set(key, data, c.cacheTTL); err != nil {
		c.logger.Warn("fetch cache write failed", zap.Error(err))
	}
}

// getWithRetry retries transient failures with exponential backoff
func (c *Client) getWithRetry(ctx context.Context, sourceID, rawURL string) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < fetchMaxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.WaitURL(ctx, rawURL); err != nil {
				return nil, fetch.TransientError(sourceID, err)
			}
		}
		resp, err := c.get(ctx, rawURL)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) || ctx.Err() != nil {
			break
		}
		if attempt < fetchMaxRetries-1 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			c.logger.Debug("retrying fetch", zap.String("url", rawURL), zap.Int("attempt", attempt+1), zap.Error(err))
			fetchSleepFunc(backoff)
		}
	}

	if isRetryable(lastErr) {
		return nil, fetch.TransientError(sourceID, lastErr)
	}
	return nil, fetch.PermanentError(sourceID, lastErr)
}

// statusError is a non-2xx response
type statusError struct {
	Code   int
	Status string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status: %s", e.Status)
}

func (c *Client) get(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json,text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{Code: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &Response{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
	}, nil
}

// isRetryable reports transient failures: 5xx, 429 and network errors
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || (se.Code >= 500 && se.Code < 600)
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if worker.IsTimeout(err) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isRetryableNetworkError(urlErr.Error())
	}
	return isRetryableNetworkError(err.Error())
}

// isRetryableNetworkError checks error strings for transient network failures
func isRetryableNetworkError(errMsg string) bool {
	s := strings.ToLower(errMsg)
	return strings.Contains(s, "timeout") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "eof")
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Host, nil
}

func encodeCached(entry cachedResponse) ([]byte, error) {
	return json.Marshal(entry)
}

func decodeCached(data []byte, entry *cachedResponse) error {
	return json.Unmarshal(data, entry)
}
