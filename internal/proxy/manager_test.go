package proxy

import (
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/spheraform/spheraform/internal/model"
)

type fakeProvider struct {
	name     string
	priority int
	enabled  bool
	url      string
}

func (f *fakeProvider) Name() string  { return f.name }
func (f *fakeProvider) Priority() int { return f.priority }
func (f *fakeProvider) Enabled() bool { return f.enabled }
func (f *fakeProvider) Proxy([]string) (string, bool) {
	return f.url, f.url != ""
}

func testLog() zerolog.Logger { return zerolog.New(io.Discard) }

func TestChainOrderedByPriority(t *testing.T) {
	low := &fakeProvider{name: "low", priority: 0, enabled: true, url: "http://low"}
	high := &fakeProvider{name: "high", priority: 100, enabled: true, url: "http://high"}
	m := NewManager(testLog(), low, high)
	if got := m.Get(""); got != "http://high" {
		t.Fatalf("got %q, want the high-priority proxy", got)
	}
}

func TestChainSkipsDisabledAndEmpty(t *testing.T) {
	disabled := &fakeProvider{name: "a", priority: 100, enabled: false, url: "http://a"}
	empty := &fakeProvider{name: "b", priority: 50, enabled: true, url: ""}
	last := &fakeProvider{name: "c", priority: 0, enabled: true, url: "http://c"}
	m := NewManager(testLog(), disabled, empty, last)
	if got := m.Get(""); got != "http://c" {
		t.Fatalf("got %q", got)
	}
}

func TestChainEmptyReturnsNothing(t *testing.T) {
	m := NewManager(testLog())
	if got := m.Get("SE,NO"); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestServerOverrideWinsChain(t *testing.T) {
	reg := &fakeProvider{name: "pool", priority: 100, enabled: true, url: "http://pool"}
	m := NewManager(testLog(), reg)

	conn := model.JSONMap{"proxy": "http://override:3128"}
	if got := m.ForServer(conn, ""); got != "http://override:3128" {
		t.Fatalf("got %q", got)
	}

	// structured form with country
	conn = model.JSONMap{"proxy": map[string]any{"url": "http://se-proxy", "country": "se"}}
	if got := m.ForServer(conn, "SE"); got != "http://se-proxy" {
		t.Fatalf("got %q", got)
	}

	// no override falls through to the chain
	if got := m.ForServer(model.JSONMap{}, ""); got != "http://pool" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitCountries(t *testing.T) {
	got := SplitCountries(" se, no ,")
	if len(got) != 2 || got[0] != "SE" || got[1] != "NO" {
		t.Fatalf("got %v", got)
	}
	if out := SplitCountries(""); out != nil {
		t.Fatalf("got %v, want nil", out)
	}
}

func TestStaticPoolCountryFallback(t *testing.T) {
	p := newStaticPool("http://a;US|http://b;SE|http://c;SE")
	if !p.Enabled() {
		t.Fatal("pool should be enabled")
	}
	u, ok := p.Proxy([]string{"SE"})
	if !ok || (u != "http://b" && u != "http://c") {
		t.Fatalf("got %q ok=%v", u, ok)
	}
	// unmatched hint falls back to any proxy
	u, ok = p.Proxy([]string{"DE"})
	if !ok || u == "" {
		t.Fatalf("fallback failed: %q ok=%v", u, ok)
	}
}

func TestPaidProviderCredentials(t *testing.T) {
	p := &paidProvider{apiKey: "key123", endpoint: "gw.example.com:9000"}
	u, ok := p.Proxy([]string{"SE"})
	if !ok {
		t.Fatal("expected proxy")
	}
	if u != "http://key123_SE@gw.example.com:9000" {
		t.Fatalf("got %q", u)
	}

	// no country keeps the bare key
	u, _ = p.Proxy(nil)
	if u != "http://key123@gw.example.com:9000" {
		t.Fatalf("got %q", u)
	}
}
