package arcgis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spheraform/spheraform/internal/adapter"
	"github.com/spheraform/spheraform/internal/geom"
	"github.com/spheraform/spheraform/internal/model"
	"github.com/spheraform/spheraform/internal/themes"
)

// ListServices walks the root catalog and every folder, returning the URLs
// of all FeatureServer and MapServer services. Folder service names already
// include the folder prefix.
func (a *Adapter) ListServices(ctx context.Context) ([]string, error) {
	var root catalogDoc
	if err := a.get(ctx, a.baseURL, nil, &root); err != nil {
		return nil, fmt.Errorf("catalog root: %w", err)
	}

	var out []string
	add := func(services []serviceEntry) {
		for _, svc := range services {
			if svc.Type != "FeatureServer" && svc.Type != "MapServer" {
				continue
			}
			out = append(out, fmt.Sprintf("%s/%s/%s", a.baseURL, svc.Name, svc.Type))
		}
	}
	add(root.Services)

	for _, folder := range root.Folders {
		var doc catalogDoc
		if err := a.get(ctx, a.baseURL+"/"+folder, nil, &doc); err != nil {
			a.log.Warn().Err(err).Str("folder", folder).Msg("folder listing failed")
			continue
		}
		add(doc.Services)
	}
	return out, nil
}

// DiscoverDatasets enumerates every layer of every service sequentially.
// The crawl orchestrator parallelizes over services via ServiceDatasets.
func (a *Adapter) DiscoverDatasets(ctx context.Context, emit func(adapter.DatasetMetadata) error) error {
	services, err := a.ListServices(ctx)
	if err != nil {
		return err
	}
	for _, svcURL := range services {
		if err := a.ServiceDatasets(ctx, svcURL, emit); err != nil {
			return err
		}
	}
	return nil
}

// ServiceDatasets emits one DatasetMetadata per layer of a single service.
// A failing layer is skipped; a failing service surfaces to the caller.
func (a *Adapter) ServiceDatasets(ctx context.Context, serviceURL string, emit func(adapter.DatasetMetadata) error) error {
	serviceURL = strings.TrimRight(serviceURL, "/")

	var svc serviceDoc
	if err := a.get(ctx, serviceURL, nil, &svc); err != nil {
		return fmt.Errorf("service %s: %w", serviceURL, err)
	}

	serviceName := serviceNameFromURL(serviceURL)
	for _, entry := range svc.Layers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		layerURL := serviceURL + "/" + entry.ID.String()

		raw, err := a.getRaw(ctx, layerURL, nil)
		if err != nil {
			a.log.Warn().Err(err).Str("layer", layerURL).Msg("layer fetch failed")
			continue
		}
		var layer layerDoc
		if err := json.Unmarshal(raw, &layer); err != nil {
			a.log.Warn().Err(err).Str("layer", layerURL).Msg("layer decode failed")
			continue
		}

		md := a.extractMetadata(serviceName, svc, layer, layerURL, raw)

		// accurate count needs its own query; layer info rarely carries one
		if n, err := a.FeatureCount(ctx, adapter.DatasetRef{AccessURL: layerURL}); err == nil {
			md.FeatureCount = &n
		}

		if err := emit(md); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) extractMetadata(serviceName string, svc serviceDoc, layer layerDoc, layerURL string, raw []byte) adapter.DatasetMetadata {
	name := layer.Name
	if name == "" {
		name = "Unnamed Layer"
	}
	if serviceName != "" {
		name = serviceName + " - " + name
	}

	md := adapter.DatasetMetadata{
		ExternalID:     layer.ID.String(),
		Name:           name,
		Description:    layer.Description,
		Keywords:       keywordsFrom(layer.Description),
		Themes:         themes.Classify(name, layer.Description),
		AccessURL:      layerURL,
		ServiceItemID:  svc.ServiceItemID,
		GeometryType:   strings.TrimPrefix(layer.GeometryType, "esriGeometry"),
		MaxRecordCount: layer.MaxRecordCount,
		LastEditDate:   parseEditDate(layer.EditingInfo),
		Attribution:    layer.CopyrightText,
	}
	if md.MaxRecordCount == 0 {
		md.MaxRecordCount = svc.MaxRecordCount
	}

	if layer.Extent != nil {
		wkid := layer.Extent.SpatialReference.WKID
		if wkid == 0 {
			wkid = layer.Extent.SpatialReference.LatestWKID
		}
		md.SourceSRID = wkid
		src := geom.BBox{
			MinX: layer.Extent.XMin, MinY: layer.Extent.YMin,
			MaxX: layer.Extent.XMax, MaxY: layer.Extent.YMax,
		}
		if bb, ok := geom.ToWGS84(src, wkid); ok && bb.Valid() {
			md.BBox = &bb
		} else if !ok {
			a.log.Debug().Int("wkid", wkid).Str("layer", layerURL).Msg("extent crs unsupported, dropping bbox")
		}
	}

	var srcMeta model.JSONMap
	if err := json.Unmarshal(raw, &srcMeta); err == nil {
		md.SourceMetadata = srcMeta
	}
	return md
}

// serviceNameFromURL pulls "Roads" out of ".../services/Roads/FeatureServer";
// the last path element of a folder-qualified name wins.
func serviceNameFromURL(serviceURL string) string {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}

// keywordsFrom falls back to the first ten whitespace tokens of the
// description; the REST API has no standard keyword field.
func keywordsFrom(description string) []string {
	fields := strings.Fields(description)
	if len(fields) > 10 {
		fields = fields[:10]
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func parseEditDate(ei *editingInfo) *time.Time {
	if ei == nil || ei.LastEditDate <= 0 {
		return nil
	}
	t := time.UnixMilli(ei.LastEditDate).UTC()
	return &t
}
