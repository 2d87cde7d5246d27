package httpfetch

import (
	"fmt"
	"net/http"
	"net/url"
)

// NewProxyFunc creates a proxy function from configuration. An empty
// proxyURL falls back to the environment variables.
func NewProxyFunc(proxyURL string) (func(*http.Request) (*url.URL, error), error) {
	if proxyURL == "" {
		return http.ProxyFromEnvironment, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("httpfetch: invalid proxy %q", proxyURL)
	}
	return http.ProxyURL(u), nil
}
