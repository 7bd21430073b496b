// Package arcgis implements the adapter contract for ArcGIS REST
// FeatureServer/MapServer catalogs.
package arcgis

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/spheraform/spheraform/internal/adapter"
	"github.com/spheraform/spheraform/internal/httpx"
	"github.com/spheraform/spheraform/internal/model"
	"github.com/spheraform/spheraform/internal/observability"
)

const (
	defaultPageSize = 1000
	minPageSize     = 100
	defaultOIDField = "OBJECTID"
)

func init() {
	adapter.Register(model.ProviderArcGIS, func(d adapter.Deps) adapter.Adapter {
		return New(d)
	})
}

type Adapter struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

func New(d adapter.Deps) *Adapter {
	client := d.Client
	if client == nil {
		client = httpx.NewClient("", 120*time.Second)
	}
	return &Adapter{
		baseURL: strings.TrimRight(d.BaseURL, "/"),
		client:  client,
		log:     d.Log,
	}
}

func (a *Adapter) Provider() model.ProviderKind { return model.ProviderArcGIS }

// get fetches a JSON document, defaulting to f=pjson as the REST API expects.
func (a *Adapter) get(ctx context.Context, rawURL string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	if params.Get("f") == "" {
		params.Set("f", "pjson")
	}
	start := time.Now()
	err := httpx.GetJSON(ctx, a.client, rawURL, params, out)
	observability.ObserveUpstream("arcgis", err, time.Since(start).Seconds())
	return err
}

func (a *Adapter) getRaw(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if params.Get("f") == "" {
		params.Set("f", "pjson")
	}
	start := time.Now()
	b, err := httpx.GetBytes(ctx, a.client, rawURL, params)
	observability.ObserveUpstream("arcgis", err, time.Since(start).Seconds())
	return b, err
}

// layerURL resolves the layer endpoint, preferring the recorded access URL.
func (a *Adapter) layerURL(ref adapter.DatasetRef) string {
	if ref.AccessURL != "" {
		return strings.TrimRight(ref.AccessURL, "/")
	}
	return a.baseURL + "/FeatureServer/" + ref.ExternalID
}

func (a *Adapter) queryURL(ref adapter.DatasetRef) string {
	return a.layerURL(ref) + "/query"
}

func defaultCapabilities() adapter.Capabilities {
	return adapter.Capabilities{
		MaxFeaturesPerRequest: defaultPageSize,
		SupportsPagination:    true,
		SupportsOIDQuery:      true,
		OIDFieldName:          defaultOIDField,
		SupportsBBoxFilter:    true,
		OutputFormats:         []string{"geojson", "json"},
	}
}

// ProbeCapabilities checks the first FeatureServer for its real page limit
// and falls back to the ArcGIS defaults when anything goes wrong.
func (a *Adapter) ProbeCapabilities(ctx context.Context) adapter.Capabilities {
	caps := defaultCapabilities()

	var catalog catalogDoc
	if err := a.get(ctx, a.baseURL, nil, &catalog); err != nil {
		a.log.Debug().Err(err).Msg("capabilities probe failed, using defaults")
		return caps
	}

	for _, svc := range catalog.Services {
		if svc.Type != "FeatureServer" {
			continue
		}
		var info serviceDoc
		svcURL := fmt.Sprintf("%s/%s/%s", a.baseURL, svc.Name, svc.Type)
		if err := a.get(ctx, svcURL, nil, &info); err != nil {
			break
		}
		if info.MaxRecordCount > 0 {
			caps.MaxFeaturesPerRequest = info.MaxRecordCount
		}
		break
	}
	return caps
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	var doc catalogDoc
	return a.get(ctx, a.baseURL, nil, &doc) == nil
}
