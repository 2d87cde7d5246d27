package httpfetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

// robotsTTL bounds how long a host's parsed robots.txt is trusted
const robotsTTL = 6 * time.Hour

// RobotsChecker answers robots.txt questions per host. Rules are fetched
// once per host and TTL, concurrent lookups for one host share a fetch.
type RobotsChecker struct {
	client    *http.Client
	userAgent string
	agent     string
	rules     *gocache.Cache
	inflight  singleflight.Group
}

// NewRobotsChecker creates a checker that fetches with client
func NewRobotsChecker(client *http.Client, userAgent string) *RobotsChecker {
	return &RobotsChecker{
		client:    client,
		userAgent: userAgent,
		agent:     NormalizeUserAgent(userAgent),
		rules:     gocache.New(robotsTTL, robotsTTL),
	}
}

// CanFetch reports whether rawURL may be fetched and the crawl delay the
// host asks for. An unreachable robots.txt allows the fetch.
func (r *RobotsChecker) CanFetch(ctx context.Context, rawURL string) (bool, time.Duration, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, 0, fmt.Errorf("parse URL: %w", err)
	}

	data, err := r.rulesFor(ctx, u.Scheme, u.Host)
	if err != nil {
		return true, 0, nil
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	var delay time.Duration
	if group := data.FindGroup(r.agent); group != nil {
		delay = group.CrawlDelay
	}
	return data.TestAgent(path, r.agent), delay, nil
}

func (r *RobotsChecker) rulesFor(ctx context.Context, scheme, host string) (*robotstxt.RobotsData, error) {
	key := scheme + "://" + host
	if v, ok := r.rules.Get(key); ok {
		return v.(*robotstxt.RobotsData), nil
	}

	v, err, _ := r.inflight.Do(key, func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, key+"/robots.txt", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", r.userAgent)

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch robots.txt: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		// 4xx allows everything, 5xx disallows everything
		data, err := robotstxt.FromResponse(resp)
		if err != nil {
			return nil, fmt.Errorf("parse robots.txt: %w", err)
		}
		r.rules.SetDefault(key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*robotstxt.RobotsData), nil
}

// NormalizeUserAgent reduces a user agent to its product token for
// robots.txt matching: "immortyx/0.1 (+https://...)" becomes "immortyx"
func NormalizeUserAgent(ua string) string {
	if fields := strings.Fields(ua); len(fields) > 0 {
		product, _, _ := strings.Cut(fields[0], "/")
		return product
	}
	return ua
}
