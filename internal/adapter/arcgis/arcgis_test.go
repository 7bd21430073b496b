package arcgis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/spheraform/spheraform/internal/adapter"
)

const lastEditMillis = int64(1638360000000) // 2021-12-01T12:00:00Z

var testFeatures = []string{
	`{"type":"Feature","geometry":{"type":"Point","coordinates":[-122.4,37.8]},"properties":{"OBJECTID":1,"name":"sf"}}`,
	`{"type":"Feature","geometry":{"type":"Point","coordinates":[-118.2,34.0]},"properties":{"OBJECTID":2,"name":"la"}}`,
}

// fakeCatalog implements just enough of the REST API for the adapter.
func fakeCatalog(t *testing.T) *httptest.Server {
	t.Helper()

	layer0 := map[string]any{
		"id":             0,
		"name":           "Streets",
		"description":    "Street centrelines for the national road network, maintained weekly by the transport department",
		"geometryType":   "esriGeometryPolyline",
		"copyrightText":  "City of Example",
		"maxRecordCount": 1000,
		"extent": map[string]any{
			"xmin": -13638000.0, "ymin": 4540000.0,
			"xmax": -13620000.0, "ymax": 4560000.0,
			"spatialReference": map[string]any{"wkid": 102100, "latestWkid": 3857},
		},
		"fields":      []map[string]any{{"name": "OBJECTID", "type": "esriFieldTypeOID"}},
		"editingInfo": map[string]any{"lastEditDate": lastEditMillis},
	}

	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]any{
			"services": []map[string]any{
				{"name": "Roads", "type": "FeatureServer"},
				{"name": "Elevation", "type": "GPServer"}, // skipped
			},
			"folders": []string{"env"},
		})
	})
	mux.HandleFunc("/env", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"services": []map[string]any{{"name": "env/Rivers", "type": "MapServer"}},
		})
	})
	mux.HandleFunc("/Roads/FeatureServer", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"serviceItemId":  "svc-item-1",
			"maxRecordCount": 2000,
			"layers":         []map[string]any{{"id": 0, "name": "Streets"}},
		})
	})
	mux.HandleFunc("/Roads/FeatureServer/0", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, layer0)
	})
	mux.HandleFunc("/env/Rivers/MapServer", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"layers": []map[string]any{}})
	})
	mux.HandleFunc("/Roads/FeatureServer/0/query", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("returnCountOnly") == "true":
			writeJSON(w, map[string]any{"count": len(testFeatures)})
		case q.Get("outStatistics") != "":
			writeJSON(w, map[string]any{
				"features": []map[string]any{{"attributes": map[string]any{"MIN_OID": 1, "MAX_OID": 2}}},
			})
		case strings.Contains(q.Get("where"), ">="):
			lo, hi := parseRange(t, q.Get("where"))
			var feats []string
			for i, f := range testFeatures {
				oid := int64(i + 1)
				if oid >= lo && oid <= hi {
					feats = append(feats, f)
				}
			}
			_, _ = fmt.Fprintf(w, `{"type":"FeatureCollection","features":[%s]}`, strings.Join(feats, ","))
		default:
			offset, _ := strconv.Atoi(q.Get("resultOffset"))
			feats := testFeatures
			if offset < len(feats) {
				feats = feats[offset:]
			} else {
				feats = nil
			}
			if limit, _ := strconv.Atoi(q.Get("resultRecordCount")); limit > 0 && limit < len(feats) {
				feats = feats[:limit]
			}
			_, _ = fmt.Fprintf(w, `{"type":"FeatureCollection","features":[%s]}`, strings.Join(feats, ","))
		}
	})

	return httptest.NewServer(mux)
}

func parseRange(t *testing.T, where string) (int64, int64) {
	t.Helper()
	var lo, hi int64
	if _, err := fmt.Sscanf(where, "OBJECTID >= %d AND OBJECTID <= %d", &lo, &hi); err != nil {
		t.Fatalf("unexpected where clause %q: %v", where, err)
	}
	return lo, hi
}

func newTestAdapter(srv *httptest.Server) *Adapter {
	return New(adapter.Deps{
		BaseURL: srv.URL,
		Client:  srv.Client(),
		Log:     zerolog.New(io.Discard),
	})
}

func TestProbeFallbackDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"services":[]}`))
	}))
	defer srv.Close()

	caps := newTestAdapter(srv).ProbeCapabilities(context.Background())
	if caps.MaxFeaturesPerRequest != 1000 {
		t.Fatalf("max features = %d", caps.MaxFeaturesPerRequest)
	}
	if !caps.SupportsPagination || !caps.SupportsOIDQuery {
		t.Fatalf("pagination/oid defaults wrong: %+v", caps)
	}
	if caps.OIDFieldName != "OBJECTID" {
		t.Fatalf("oid field = %q", caps.OIDFieldName)
	}
	if !slices.Contains(caps.OutputFormats, "geojson") {
		t.Fatalf("output formats = %v", caps.OutputFormats)
	}
}

func TestProbeReadsServiceLimit(t *testing.T) {
	srv := fakeCatalog(t)
	defer srv.Close()

	caps := newTestAdapter(srv).ProbeCapabilities(context.Background())
	if caps.MaxFeaturesPerRequest != 2000 {
		t.Fatalf("max features = %d, want service maxRecordCount", caps.MaxFeaturesPerRequest)
	}
}

func TestListServicesWalksFolders(t *testing.T) {
	srv := fakeCatalog(t)
	defer srv.Close()

	services, err := newTestAdapter(srv).ListServices(context.Background())
	if err != nil {
		t.Fatalf("ListServices: %v", err)
	}
	if len(services) != 2 {
		t.Fatalf("services = %v", services)
	}
	if !strings.HasSuffix(services[0], "/Roads/FeatureServer") {
		t.Fatalf("first service = %s", services[0])
	}
	if !strings.HasSuffix(services[1], "/env/Rivers/MapServer") {
		t.Fatalf("second service = %s", services[1])
	}
}

func TestDiscoverDatasets(t *testing.T) {
	srv := fakeCatalog(t)
	defer srv.Close()

	var got []adapter.DatasetMetadata
	err := newTestAdapter(srv).DiscoverDatasets(context.Background(), func(md adapter.DatasetMetadata) error {
		got = append(got, md)
		return nil
	})
	if err != nil {
		t.Fatalf("DiscoverDatasets: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("datasets = %d", len(got))
	}

	md := got[0]
	if md.Name != "Roads - Streets" {
		t.Fatalf("name = %q", md.Name)
	}
	if md.ExternalID != "0" {
		t.Fatalf("external id = %q", md.ExternalID)
	}
	if md.GeometryType != "Polyline" {
		t.Fatalf("geometry type = %q", md.GeometryType)
	}
	if md.ServiceItemID != "svc-item-1" {
		t.Fatalf("service item id = %q", md.ServiceItemID)
	}
	if md.SourceSRID != 102100 {
		t.Fatalf("source srid = %d", md.SourceSRID)
	}
	if md.BBox == nil {
		t.Fatal("bbox missing")
	}
	if md.BBox.MinX < -180 || md.BBox.MaxX > 180 {
		t.Fatalf("bbox not reprojected: %+v", md.BBox)
	}
	if len(md.Keywords) == 0 || len(md.Keywords) > 10 {
		t.Fatalf("keywords = %v", md.Keywords)
	}
	if !slices.Contains(md.Themes, "transport") {
		t.Fatalf("themes = %v", md.Themes)
	}
	if md.FeatureCount == nil || *md.FeatureCount != 2 {
		t.Fatalf("feature count = %v", md.FeatureCount)
	}
	if md.LastEditDate == nil || md.LastEditDate.UnixMilli() != lastEditMillis {
		t.Fatalf("last edit = %v", md.LastEditDate)
	}
	if md.Attribution != "City of Example" {
		t.Fatalf("attribution = %q", md.Attribution)
	}
	if md.MaxRecordCount != 1000 {
		t.Fatalf("max record count = %d", md.MaxRecordCount)
	}
}

func TestCheckChangedPositive(t *testing.T) {
	srv := fakeCatalog(t)
	defer srv.Close()

	cached := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	info := newTestAdapter(srv).CheckChanged(context.Background(),
		adapter.DatasetRef{AccessURL: srv.URL + "/Roads/FeatureServer/0"},
		adapter.Hints{SourceUpdatedAt: &cached})

	if info.Method != "arcgis_edit_date" {
		t.Fatalf("method = %q", info.Method)
	}
	if !info.Changed || !info.Conclusive {
		t.Fatalf("changed=%v conclusive=%v", info.Changed, info.Conclusive)
	}
	if info.Details["current_date"] == "" {
		t.Fatalf("details = %v", info.Details)
	}
}

func TestCheckChangedUnchanged(t *testing.T) {
	srv := fakeCatalog(t)
	defer srv.Close()

	cached := time.UnixMilli(lastEditMillis).Add(time.Hour)
	info := newTestAdapter(srv).CheckChanged(context.Background(),
		adapter.DatasetRef{AccessURL: srv.URL + "/Roads/FeatureServer/0"},
		adapter.Hints{SourceUpdatedAt: &cached})
	if info.Changed || !info.Conclusive {
		t.Fatalf("changed=%v conclusive=%v", info.Changed, info.Conclusive)
	}
}

func TestCheckChangedFallsBackToMetadataHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":0,"name":"NoDates"}`))
	}))
	defer srv.Close()

	ad := newTestAdapter(srv)
	ref := adapter.DatasetRef{AccessURL: srv.URL + "/svc/FeatureServer/0"}

	// first probe has no cached hash to compare against
	info := ad.CheckChanged(context.Background(), ref, adapter.Hints{})
	if info.Method != "metadata_hash" {
		t.Fatalf("method = %q", info.Method)
	}
	if info.Changed || info.Conclusive {
		t.Fatalf("changed=%v conclusive=%v", info.Changed, info.Conclusive)
	}
	hash, _ := info.Details["metadata_hash"].(string)
	if hash == "" {
		t.Fatalf("details = %v", info.Details)
	}

	// same document hashes the same
	info = ad.CheckChanged(context.Background(), ref, adapter.Hints{MetadataHash: hash})
	if info.Changed || !info.Conclusive {
		t.Fatalf("changed=%v conclusive=%v", info.Changed, info.Conclusive)
	}

	// a stale hash means the metadata moved
	info = ad.CheckChanged(context.Background(), ref, adapter.Hints{MetadataHash: "deadbeef"})
	if !info.Changed || !info.Conclusive {
		t.Fatalf("changed=%v conclusive=%v", info.Changed, info.Conclusive)
	}
}

func TestDownloadPagedSmall(t *testing.T) {
	srv := fakeCatalog(t)
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "out.geojson")
	ref := adapter.DatasetRef{AccessURL: srv.URL + "/Roads/FeatureServer/0", MaxRecordCount: 1000}

	var lastDone, lastTotal int64
	res, err := newTestAdapter(srv).DownloadPaged(context.Background(), ref, out, adapter.PagedOptions{
		Progress: func(done, total int64) { lastDone, lastTotal = done, total },
	})
	if err != nil {
		t.Fatalf("DownloadPaged: %v", err)
	}
	if res.FeatureCount != 2 {
		t.Fatalf("feature count = %d", res.FeatureCount)
	}
	if lastDone != 2 || lastTotal != 2 {
		t.Fatalf("progress = %d/%d", lastDone, lastTotal)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if res.Bytes != int64(len(data)) {
		t.Fatalf("bytes = %d, file has %d", res.Bytes, len(data))
	}

	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(data, &fc); err != nil {
		t.Fatalf("output invalid: %v", err)
	}
	if fc.Type != "FeatureCollection" || len(fc.Features) != 2 {
		t.Fatalf("bad collection: %+v", fc)
	}
	if fc.Features[0].Properties["name"] != "sf" || fc.Features[1].Properties["name"] != "la" {
		t.Fatal("feature order not preserved")
	}
}

func TestDownloadPagedEmptyLayer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("returnCountOnly") == "true" {
			_, _ = w.Write([]byte(`{"count":0}`))
			return
		}
		_, _ = w.Write([]byte(`{"type":"FeatureCollection","features":[]}`))
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "empty.geojson")
	res, err := newTestAdapter(srv).DownloadPaged(context.Background(),
		adapter.DatasetRef{AccessURL: srv.URL + "/svc/FeatureServer/0"}, out, adapter.PagedOptions{})
	if err != nil {
		t.Fatalf("DownloadPaged: %v", err)
	}
	if res.FeatureCount != 0 {
		t.Fatalf("feature count = %d", res.FeatureCount)
	}
	data, _ := os.ReadFile(out)
	if string(data) != `{"type":"FeatureCollection","features":[]}` {
		t.Fatalf("empty output = %s", data)
	}
}

func TestDownloadPagedServerCapsPageSize(t *testing.T) {
	// three features, but the server ignores resultRecordCount and returns
	// at most one per request (stale maxRecordCount metadata)
	feats := []string{
		`{"type":"Feature","geometry":{"type":"Point","coordinates":[0,0]},"properties":{"name":"one"}}`,
		`{"type":"Feature","geometry":{"type":"Point","coordinates":[1,1]},"properties":{"name":"two"}}`,
		`{"type":"Feature","geometry":{"type":"Point","coordinates":[2,2]},"properties":{"name":"three"}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("returnCountOnly") == "true" {
			_, _ = fmt.Fprintf(w, `{"count":%d}`, len(feats))
			return
		}
		offset, _ := strconv.Atoi(q.Get("resultOffset"))
		page := ""
		if offset < len(feats) {
			page = feats[offset]
		}
		_, _ = fmt.Fprintf(w, `{"type":"FeatureCollection","features":[%s]}`, page)
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "capped.geojson")
	ref := adapter.DatasetRef{AccessURL: srv.URL + "/svc/FeatureServer/0", MaxRecordCount: 1000}
	res, err := newTestAdapter(srv).DownloadPaged(context.Background(), ref, out, adapter.PagedOptions{})
	if err != nil {
		t.Fatalf("DownloadPaged: %v", err)
	}
	if res.FeatureCount != 3 {
		t.Fatalf("feature count = %d, want 3", res.FeatureCount)
	}
	if res.Pages != 3 {
		t.Fatalf("pages = %d, want 3", res.Pages)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var fc struct {
		Features []struct {
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(data, &fc); err != nil {
		t.Fatalf("output invalid: %v", err)
	}
	if len(fc.Features) != 3 || fc.Features[2].Properties["name"] != "three" {
		t.Fatalf("truncated or reordered output: %+v", fc)
	}
}

func TestPageSizerHalvesOnConsecutiveCloses(t *testing.T) {
	p := &pageSizer{size: 1000}

	if !p.onRemoteClose() {
		t.Fatal("first close should retry")
	}
	if p.size != 1000 {
		t.Fatalf("size after one close = %d", p.size)
	}
	if !p.onRemoteClose() {
		t.Fatal("second close should retry")
	}
	if p.size != 500 {
		t.Fatalf("size after two closes = %d", p.size)
	}

	// success resets the streak
	p.onSuccess()
	p.onRemoteClose()
	if p.size != 500 {
		t.Fatalf("size changed after single close: %d", p.size)
	}

	// drive to the floor
	for range 20 {
		if !p.onRemoteClose() {
			break
		}
	}
	if p.size != minPageSize {
		t.Fatalf("floor = %d, want %d", p.size, minPageSize)
	}

	// at the floor the sizer eventually gives up
	gaveUp := false
	for range 20 {
		if !p.onRemoteClose() {
			gaveUp = true
			break
		}
	}
	if !gaveUp {
		t.Fatal("sizer never gave up at the floor")
	}
}

func TestOIDRange(t *testing.T) {
	srv := fakeCatalog(t)
	defer srv.Close()

	ref := adapter.DatasetRef{AccessURL: srv.URL + "/Roads/FeatureServer/0"}
	lo, hi, err := newTestAdapter(srv).OIDRange(context.Background(), ref)
	if err != nil {
		t.Fatalf("OIDRange: %v", err)
	}
	if lo != 1 || hi != 2 {
		t.Fatalf("range = [%d,%d]", lo, hi)
	}
}

func TestDownloadParallelConcatenatesInOrder(t *testing.T) {
	srv := fakeCatalog(t)
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "par.geojson")
	ref := adapter.DatasetRef{AccessURL: srv.URL + "/Roads/FeatureServer/0", OIDField: "OBJECTID"}

	res, err := newTestAdapter(srv).DownloadParallel(context.Background(), ref, out, 2)
	if err != nil {
		t.Fatalf("DownloadParallel: %v", err)
	}
	if res.FeatureCount != 2 {
		t.Fatalf("feature count = %d", res.FeatureCount)
	}

	data, _ := os.ReadFile(out)
	var fc struct {
		Features []struct {
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(data, &fc); err != nil {
		t.Fatalf("output invalid: %v", err)
	}
	if len(fc.Features) != 2 {
		t.Fatalf("features = %d", len(fc.Features))
	}
	if fc.Features[0].Properties["name"] != "sf" {
		t.Fatal("range order not preserved")
	}
}

func TestPreviewAndCount(t *testing.T) {
	srv := fakeCatalog(t)
	defer srv.Close()

	ad := newTestAdapter(srv)
	ref := adapter.DatasetRef{AccessURL: srv.URL + "/Roads/FeatureServer/0"}

	n, err := ad.FeatureCount(context.Background(), ref)
	if err != nil || n != 2 {
		t.Fatalf("count = %d err = %v", n, err)
	}

	raw, err := ad.Preview(context.Background(), ref, 1)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	var fc struct {
		Features []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(raw, &fc); err != nil {
		t.Fatalf("preview invalid: %v", err)
	}
	if len(fc.Features) != 1 {
		t.Fatalf("preview features = %d", len(fc.Features))
	}
}

func TestHealthCheck(t *testing.T) {
	srv := fakeCatalog(t)
	if !newTestAdapter(srv).HealthCheck(context.Background()) {
		t.Fatal("live server reported unhealthy")
	}
	srv.Close()

	down := newTestAdapter(srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if down.HealthCheck(ctx) {
		t.Fatal("closed server reported healthy")
	}
}
