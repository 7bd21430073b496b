// Package httpx configures outbound HTTP for the provider adapters: a tuned
// transport with optional proxy, browser-like headers, retries with
// exponential backoff, and tolerance for servers that gzip without saying so.
package httpx

import (
	"net"
	"net/http"
	"net/url"
	"time"
)

// Browser-like headers. Some public ArcGIS hosts refuse obvious bots.
var defaultHeaders = map[string]string{
	"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36" +
		" (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Accept": "application/json,text/plain,*/*",
	// never advertise brotli; there is no decoder on this path
	"Accept-Encoding": "gzip, deflate",
	"Accept-Language": "en-US,en;q=0.9",
}

// NewClient creates an outbound client. proxyURL may be empty; a bad proxy
// URL falls back to the environment proxy settings.
func NewClient(proxyURL string, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil && u.Scheme != "" {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

func applyHeaders(req *http.Request) {
	for k, v := range defaultHeaders {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
}
