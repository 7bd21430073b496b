package adapter_test

import (
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/spheraform/spheraform/internal/adapter"
	_ "github.com/spheraform/spheraform/internal/adapter/arcgis"
	"github.com/spheraform/spheraform/internal/model"
)

func TestNewRegisteredKind(t *testing.T) {
	ad, err := adapter.New(model.ProviderArcGIS, adapter.Deps{
		BaseURL: "https://example.com/arcgis/rest/services",
		Log:     zerolog.New(io.Discard),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ad.Provider() != model.ProviderArcGIS {
		t.Fatalf("provider = %s", ad.Provider())
	}
	if _, ok := ad.(adapter.OIDRanger); !ok {
		t.Fatal("arcgis adapter should support oid-range downloads")
	}
	if _, ok := ad.(adapter.ServiceLister); !ok {
		t.Fatal("arcgis adapter should list services")
	}
}

func TestNewUnsupportedKind(t *testing.T) {
	_, err := adapter.New(model.ProviderWFS, adapter.Deps{})
	if !errors.Is(err, adapter.ErrUnsupportedProvider) {
		t.Fatalf("err = %v", err)
	}
}

func TestForServer(t *testing.T) {
	srv := &model.Server{
		BaseURL:  "https://example.com/arcgis/rest/services",
		Provider: model.ProviderArcGIS,
	}
	ad, err := adapter.ForServer(srv, nil, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("ForServer: %v", err)
	}
	if ad.Provider() != model.ProviderArcGIS {
		t.Fatalf("provider = %s", ad.Provider())
	}
}

func TestSelectStrategy(t *testing.T) {
	oid := adapter.Capabilities{SupportsOIDQuery: true}
	noOID := adapter.Capabilities{}

	cases := []struct {
		name string
		n    int64
		caps adapter.Capabilities
		want model.DownloadStrategy
	}{
		{"small known count", 1200, oid, model.StrategyPaged},
		{"large with oid support", 80000, oid, model.StrategyChunked},
		{"large without oid support", 80000, noOID, model.StrategyPaged},
		{"unknown count with oid support", 0, oid, model.StrategyChunked},
		{"unknown count without oid support", 0, noOID, model.StrategyPaged},
	}
	for _, tc := range cases {
		if got := adapter.SelectStrategy(tc.n, tc.caps); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}
