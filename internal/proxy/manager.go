// Package proxy selects outbound proxy URLs from a priority-ordered chain of
// providers. A provider failure is swallowed and the chain continues.
package proxy

import (
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/spheraform/spheraform/internal/config"
	"github.com/spheraform/spheraform/internal/model"
	"github.com/spheraform/spheraform/internal/observability"
)

type Provider interface {
	Name() string
	Priority() int
	Enabled() bool
	// Proxy returns a proxy URL honoring the country preferences in order,
	// falling back to any proxy when none match.
	Proxy(countries []string) (string, bool)
}

// Manager is a process-wide singleton configured once at startup.
type Manager struct {
	providers []Provider
	log       zerolog.Logger
}

func NewManager(log zerolog.Logger, providers ...Provider) *Manager {
	ps := make([]Provider, len(providers))
	copy(ps, providers)
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Priority() > ps[j].Priority() })
	return &Manager{providers: ps, log: log}
}

// FromConfig builds the registered chain: free pool (100), paid rotating
// (50), static pool (0). Server-specific providers are merged per call.
func FromConfig(cfg config.ProxyCfg, log zerolog.Logger) *Manager {
	var ps []Provider
	if cfg.FreePoolEnabled {
		ps = append(ps, newFreePool(cfg.FreePoolURL, log))
	}
	if cfg.PaidAPIKey != "" && cfg.PaidEndpoint != "" {
		ps = append(ps, &paidProvider{apiKey: cfg.PaidAPIKey, endpoint: cfg.PaidEndpoint, country: cfg.PaidCountry})
	}
	if cfg.StaticProxies != "" {
		ps = append(ps, newStaticPool(cfg.StaticProxies))
	}
	return NewManager(log, ps...)
}

// SplitCountries normalizes a comma-separated country hint.
func SplitCountries(hint string) []string {
	var out []string
	for _, c := range strings.Split(hint, ",") {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Get returns the first proxy URL offered by the chain, or "".
func (m *Manager) Get(countryHint string) string {
	return m.get(SplitCountries(countryHint), nil)
}

// ForServer merges a transient server-specific provider (priority 1000)
// built from the server's connection blob ahead of the registered chain.
func (m *Manager) ForServer(conn model.JSONMap, countryHint string) string {
	return m.get(SplitCountries(countryHint), serverProviderFrom(conn))
}

func (m *Manager) get(countries []string, override Provider) string {
	chain := m.providers
	if override != nil && override.Enabled() {
		chain = append([]Provider{override}, chain...)
	}
	for _, p := range chain {
		if !p.Enabled() {
			continue
		}
		u, ok := p.Proxy(countries)
		if !ok || u == "" {
			continue
		}
		observability.IncProxySelection(p.Name())
		m.log.Debug().Str("provider", p.Name()).Msg("proxy selected")
		return u
	}
	return ""
}
