package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fliws/immortyx/internal/cache"
	"github.com/fliws/immortyx/internal/fetch"
	"github.com/fliws/immortyx/internal/model"
)

func init() {
	// Disable retry sleep in all tests for fast execution
	fetchSleepFunc = func(d time.Duration) {}
}

func testConfig() model.HTTPConfig {
	cfg := model.DefaultConfig().HTTP
	cfg.Timeout = 5 * time.Second
	cfg.UserAgent = "immortyx-test/1.0"
	return cfg
}

func newTestClient(t *testing.T, cfg model.HTTPConfig, c cache.Cache) *Client {
	t.Helper()
	client, err := NewClient(cfg, nil, c, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestClient_Get_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.Header.Get("User-Agent"); got != "immortyx-test/1.0" {
			t.Errorf("Expected user agent immortyx-test/1.0, got %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"title":"ok"}`)
	}))
	defer server.Close()

	client := newTestClient(t, testConfig(), nil)
	resp, err := client.Get(context.Background(), "src", server.URL+"/doc")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if string(resp.Body) != `{"title":"ok"}` {
		t.Errorf("Unexpected body: %s", resp.Body)
	}
	if resp.ContentType != "application/json" {
		t.Errorf("Expected application/json, got %s", resp.ContentType)
	}
}

func TestClient_Get_TransientThenSuccess(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = fmt.Fprint(w, "OK")
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.RespectRobots = false
	client := newTestClient(t, cfg, nil)

	resp, err := client.Get(context.Background(), "src", server.URL)
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if string(resp.Body) != "OK" {
		t.Errorf("Unexpected body: %s", resp.Body)
	}
	if attempts.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts.Load())
	}
}

func TestClient_Get_ErrorKinds(t *testing.T) {
	tests := []struct {
		status       int
		wantKind     fetch.ErrorKind
		wantAttempts int32
	}{
		{http.StatusNotFound, fetch.Permanent, 1},
		{http.StatusGone, fetch.Permanent, 1},
		{http.StatusForbidden, fetch.Permanent, 1},
		{http.StatusTooManyRequests, fetch.Transient, 3},
		{http.StatusBadGateway, fetch.Transient, 3},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var attempts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			cfg := testConfig()
			cfg.RespectRobots = false
			client := newTestClient(t, cfg, nil)

			_, err := client.Get(context.Background(), "src", server.URL)
			var fe *fetch.FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("Expected FetchError, got %v", err)
			}
			if fe.Kind != tt.wantKind {
				t.Errorf("Expected %s, got %s", tt.wantKind, fe.Kind)
			}
			if fe.SourceID != "src" {
				t.Errorf("Expected source src, got %s", fe.SourceID)
			}
			if attempts.Load() != tt.wantAttempts {
				t.Errorf("Expected %d attempts, got %d", tt.wantAttempts, attempts.Load())
			}
		})
	}
}

func TestClient_Get_NetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	cfg := testConfig()
	cfg.RespectRobots = false
	client := newTestClient(t, cfg, nil)

	_, err := client.Get(context.Background(), "src", addr)
	if !fetch.IsTransient(err) {
		t.Errorf("Expected transient error for refused connection, got %v", err)
	}
}

func TestClient_Get_RespectsRobots(t *testing.T) {
	var pageHits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = fmt.Fprint(w, "User-agent: immortyx-test\nDisallow: /private\n")
			return
		}
		pageHits.Add(1)
		_, _ = fmt.Fprint(w, "page")
	}))
	defer server.Close()

	client := newTestClient(t, testConfig(), nil)

	_, err := client.Get(context.Background(), "src", server.URL+"/private/paper")
	if !errors.Is(err, ErrDisallowed) {
		t.Fatalf("Expected ErrDisallowed, got %v", err)
	}
	if fetch.IsTransient(err) {
		t.Error("Expected robots exclusion to be permanent")
	}
	if pageHits.Load() != 0 {
		t.Errorf("Expected no page request, got %d", pageHits.Load())
	}

	if _, err := client.Get(context.Background(), "src", server.URL+"/public/paper"); err != nil {
		t.Errorf("Expected public path to be allowed, got %v", err)
	}
}

func TestClient_Get_UsesCache(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprint(w, "cached body")
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.RespectRobots = false
	client := newTestClient(t, cfg, cache.NewLayeredCache(time.Minute, "", 0))

	first, err := client.Get(context.Background(), "src", server.URL)
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	second, err := client.Get(context.Background(), "src", server.URL)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}

	if hits.Load() != 1 {
		t.Errorf("Expected 1 request, got %d", hits.Load())
	}
	if first.FromCache || !second.FromCache {
		t.Errorf("Expected only the second response from cache, got %v %v", first.FromCache, second.FromCache)
	}
	if string(second.Body) != "cached body" || second.ContentType != "text/plain" {
		t.Errorf("Unexpected cached response: %q %q", second.Body, second.ContentType)
	}
}

func TestNewProxyFunc(t *testing.T) {
	if _, err := NewProxyFunc(""); err != nil {
		t.Errorf("Expected environment fallback, got %v", err)
	}

	fn, err := NewProxyFunc("http://proxy.local:3128")
	if err != nil {
		t.Fatalf("Expected valid proxy, got %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "https://example.org", nil)
	u, err := fn(req)
	if err != nil || u.Host != "proxy.local:3128" {
		t.Errorf("Expected proxy.local:3128, got %v (%v)", u, err)
	}

	if _, err := NewProxyFunc("not a url"); err == nil {
		t.Error("Expected error for invalid proxy")
	}
}

func TestNormalizeUserAgent(t *testing.T) {
	tests := []struct {
		ua   string
		want string
	}{
		{"immortyx/0.1 (+https://github.com/fliws/immortyx)", "immortyx"},
		{"bot", "bot"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeUserAgent(tt.ua); got != tt.want {
			t.Errorf("NormalizeUserAgent(%q) = %q, want %q", tt.ua, got, tt.want)
		}
	}
}
