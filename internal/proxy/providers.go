package proxy

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/spheraform/spheraform/internal/httpx"
	"github.com/spheraform/spheraform/internal/model"
)

const poolTTL = 15 * time.Minute

type poolEntry struct {
	URL     string
	Country string
}

// freePool fetches a public proxy list and caches it for 15 minutes.
type freePool struct {
	endpoint string
	log      zerolog.Logger
	cache    *expirable.LRU[string, []poolEntry]
	next     atomic.Uint64
}

func newFreePool(endpoint string, log zerolog.Logger) *freePool {
	return &freePool{
		endpoint: endpoint,
		log:      log,
		cache:    expirable.NewLRU[string, []poolEntry](1, nil, poolTTL),
	}
}

func (p *freePool) Name() string  { return "free_pool" }
func (p *freePool) Priority() int { return 100 }
func (p *freePool) Enabled() bool { return p.endpoint != "" }

func (p *freePool) Proxy(countries []string) (string, bool) {
	pool, ok := p.cache.Get("pool")
	if !ok {
		fetched, err := p.fetch()
		if err != nil {
			p.log.Warn().Err(err).Msg("free proxy pool refresh failed")
			return "", false
		}
		pool = fetched
		p.cache.Add("pool", pool)
	}
	if len(pool) == 0 {
		return "", false
	}
	return pick(pool, countries, &p.next)
}

func (p *freePool) fetch() ([]poolEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var doc struct {
		Proxies []struct {
			Protocol string `json:"protocol"`
			IP       string `json:"ip"`
			Port     int    `json:"port"`
			Proxy    string `json:"proxy"`
			IPData   struct {
				CountryCode string `json:"countryCode"`
			} `json:"ip_data"`
		} `json:"proxies"`
	}
	params := url.Values{
		"request":      {"display_proxies"},
		"protocol":     {"http"},
		"proxy_format": {"protocolipport"},
		"format":       {"json"},
	}
	client := httpx.NewClient("", 20*time.Second)
	if err := httpx.GetJSON(ctx, client, p.endpoint, params, &doc); err != nil {
		return nil, fmt.Errorf("free pool fetch: %w", err)
	}

	out := make([]poolEntry, 0, len(doc.Proxies))
	for _, pr := range doc.Proxies {
		u := pr.Proxy
		if u == "" && pr.IP != "" && pr.Port > 0 {
			proto := pr.Protocol
			if proto == "" {
				proto = "http"
			}
			u = fmt.Sprintf("%s://%s:%d", proto, pr.IP, pr.Port)
		}
		if u == "" {
			continue
		}
		out = append(out, poolEntry{URL: u, Country: strings.ToUpper(pr.IPData.CountryCode)})
	}
	p.log.Info().Int("proxies", len(out)).Msg("free proxy pool refreshed")
	return out, nil
}

// paidProvider builds rotating-gateway credentials; the country code is
// appended to the API key as "key_CC" when present.
type paidProvider struct {
	apiKey   string
	endpoint string
	country  string
}

func (p *paidProvider) Name() string  { return "paid" }
func (p *paidProvider) Priority() int { return 50 }
func (p *paidProvider) Enabled() bool { return p.apiKey != "" && p.endpoint != "" }

func (p *paidProvider) Proxy(countries []string) (string, bool) {
	cc := p.country
	if len(countries) > 0 {
		cc = countries[0]
	}
	user := p.apiKey
	if cc != "" {
		user = p.apiKey + "_" + strings.ToUpper(cc)
	}

	ep := p.endpoint
	if !strings.Contains(ep, "://") {
		ep = "http://" + ep
	}
	u, err := url.Parse(ep)
	if err != nil || u.Host == "" {
		return "", false
	}
	u.User = url.User(user)
	return u.String(), true
}

// staticPool parses "url;country|url;country|..." from the environment.
type staticPool struct {
	entries []poolEntry
	next    atomic.Uint64
}

func newStaticPool(spec string) *staticPool {
	var entries []poolEntry
	for _, part := range strings.Split(spec, "|") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ";", 2)
		e := poolEntry{URL: strings.TrimSpace(fields[0])}
		if len(fields) == 2 {
			e.Country = strings.ToUpper(strings.TrimSpace(fields[1]))
		}
		if e.URL != "" {
			entries = append(entries, e)
		}
	}
	return &staticPool{entries: entries}
}

func (p *staticPool) Name() string  { return "static" }
func (p *staticPool) Priority() int { return 0 }
func (p *staticPool) Enabled() bool { return len(p.entries) > 0 }

func (p *staticPool) Proxy(countries []string) (string, bool) {
	return pick(p.entries, countries, &p.next)
}

// serverProvider is transient, built from a server's connection blob. The
// blob may carry "proxy" as a plain URL string or as {"url":..,"country":..}.
type serverProvider struct {
	entry poolEntry
}

func serverProviderFrom(conn model.JSONMap) Provider {
	if conn == nil {
		return nil
	}
	switch v := conn["proxy"].(type) {
	case string:
		if v != "" {
			return &serverProvider{entry: poolEntry{URL: v}}
		}
	case map[string]any:
		e := poolEntry{}
		if s, ok := v["url"].(string); ok {
			e.URL = s
		}
		if s, ok := v["country"].(string); ok {
			e.Country = strings.ToUpper(s)
		}
		if e.URL != "" {
			return &serverProvider{entry: e}
		}
	}
	return nil
}

func (p *serverProvider) Name() string  { return "server" }
func (p *serverProvider) Priority() int { return 1000 }
func (p *serverProvider) Enabled() bool { return p.entry.URL != "" }

func (p *serverProvider) Proxy([]string) (string, bool) {
	return p.entry.URL, true
}

// pick walks the country preferences in order and round-robins inside the
// matching subset; with no match it round-robins the whole pool.
func pick(pool []poolEntry, countries []string, next *atomic.Uint64) (string, bool) {
	if len(pool) == 0 {
		return "", false
	}
	for _, cc := range countries {
		var match []poolEntry
		for _, e := range pool {
			if e.Country == cc {
				match = append(match, e)
			}
		}
		if len(match) > 0 {
			i := next.Add(1) - 1
			return match[i%uint64(len(match))].URL, true
		}
	}
	i := next.Add(1) - 1
	return pool[i%uint64(len(pool))].URL, true
}
