package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spheraform/spheraform/internal/adapter"
	"github.com/spheraform/spheraform/internal/catalog"
	"github.com/spheraform/spheraform/internal/changedetect"
	"github.com/spheraform/spheraform/internal/model"
)

type fakeCatalog struct {
	servers  map[uuid.UUID]*model.Server
	datasets map[uuid.UUID]*model.Dataset

	lastSearch   catalog.SearchQuery
	searchResult []model.Dataset

	crawlJobs    map[uuid.UUID]*model.CrawlJob
	downloadJobs map[uuid.UUID]*model.DownloadJob
	exportJobs   map[uuid.UUID]*model.ExportJob

	cancelOK bool
	chunks   []model.DownloadChunk
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		servers:      map[uuid.UUID]*model.Server{},
		datasets:     map[uuid.UUID]*model.Dataset{},
		crawlJobs:    map[uuid.UUID]*model.CrawlJob{},
		downloadJobs: map[uuid.UUID]*model.DownloadJob{},
		exportJobs:   map[uuid.UUID]*model.ExportJob{},
		cancelOK:     true,
	}
}

func (f *fakeCatalog) CreateServer(ctx context.Context, srv *model.Server) error {
	srv.ID = uuid.New()
	f.servers[srv.ID] = srv
	return nil
}

func (f *fakeCatalog) GetServer(ctx context.Context, id uuid.UUID) (*model.Server, error) {
	srv, ok := f.servers[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return srv, nil
}

func (f *fakeCatalog) ListServers(ctx context.Context) ([]model.Server, error) {
	var out []model.Server
	for _, s := range f.servers {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeCatalog) UpdateServer(ctx context.Context, srv *model.Server) error {
	f.servers[srv.ID] = srv
	return nil
}

func (f *fakeCatalog) DeleteServer(ctx context.Context, id uuid.UUID) error {
	delete(f.servers, id)
	return nil
}

func (f *fakeCatalog) GetDataset(ctx context.Context, id uuid.UUID) (*model.Dataset, error) {
	ds, ok := f.datasets[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return ds, nil
}

func (f *fakeCatalog) SearchDatasets(ctx context.Context, q catalog.SearchQuery) ([]model.Dataset, error) {
	f.lastSearch = q
	return f.searchResult, nil
}

func (f *fakeCatalog) ThemeFacets(ctx context.Context) (map[string]int, error) {
	return map[string]int{"transport": 2}, nil
}

func (f *fakeCatalog) ListThemes(ctx context.Context) ([]model.Theme, error) {
	return []model.Theme{{Code: "transport", Name: "Transport"}}, nil
}

func (f *fakeCatalog) ChangeHistory(ctx context.Context, datasetID uuid.UUID, limit int) ([]model.ChangeCheck, error) {
	return nil, nil
}

func (f *fakeCatalog) CreateCrawlJob(ctx context.Context, serverID uuid.UUID) (*model.CrawlJob, error) {
	job := &model.CrawlJob{ID: uuid.New(), ServerID: serverID, Status: model.StatusPending}
	f.crawlJobs[job.ID] = job
	return job, nil
}

func (f *fakeCatalog) CreateDownloadJob(ctx context.Context, datasetID uuid.UUID, strategy model.DownloadStrategy) (*model.DownloadJob, error) {
	job := &model.DownloadJob{ID: uuid.New(), DatasetID: datasetID, Strategy: strategy, Status: model.StatusPending}
	f.downloadJobs[job.ID] = job
	return job, nil
}

func (f *fakeCatalog) CreateExportJob(ctx context.Context, job *model.ExportJob) error {
	job.ID = uuid.New()
	job.Status = model.StatusPending
	f.exportJobs[job.ID] = job
	return nil
}

func (f *fakeCatalog) GetCrawlJob(ctx context.Context, id uuid.UUID) (*model.CrawlJob, error) {
	job, ok := f.crawlJobs[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return job, nil
}

func (f *fakeCatalog) GetDownloadJob(ctx context.Context, id uuid.UUID) (*model.DownloadJob, error) {
	job, ok := f.downloadJobs[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return job, nil
}

func (f *fakeCatalog) GetExportJob(ctx context.Context, id uuid.UUID) (*model.ExportJob, error) {
	job, ok := f.exportJobs[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return job, nil
}

func (f *fakeCatalog) JobChunks(ctx context.Context, jobID uuid.UUID) ([]model.DownloadChunk, error) {
	return f.chunks, nil
}

func (f *fakeCatalog) RequestCancel(ctx context.Context, kind model.JobKind, id uuid.UUID) (bool, error) {
	return f.cancelOK, nil
}

type fakeQueue struct {
	enqueued []struct {
		kind model.JobKind
		id   uuid.UUID
	}
	err error
}

func (q *fakeQueue) Enqueue(kind model.JobKind, jobID uuid.UUID) error {
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, struct {
		kind model.JobKind
		id   uuid.UUID
	}{kind, jobID})
	return nil
}

type fakeCancels struct {
	published []uuid.UUID
}

func (c *fakeCancels) PublishCancel(ctx context.Context, jobID uuid.UUID) error {
	c.published = append(c.published, jobID)
	return nil
}

type fakePresigner struct{}

func (fakePresigner) Presign(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}

type fakeChecker struct {
	outcome changedetect.Outcome
}

func (c *fakeChecker) Check(ctx context.Context, datasetID uuid.UUID) (changedetect.Outcome, error) {
	return c.outcome, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

type fixture struct {
	store   *fakeCatalog
	queue   *fakeQueue
	cancels *fakeCancels
	srv     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newFakeCatalog()
	queue := &fakeQueue{}
	cancels := &fakeCancels{}
	a := New(Deps{
		Store:   store,
		Queue:   queue,
		Cancels: cancels,
		Presign: fakePresigner{},
		Checker: &fakeChecker{},
		Adapters: func(srv *model.Server) (adapter.Adapter, error) {
			return nil, errors.New("no adapter in tests")
		},
		PresignExpiry: time.Hour,
		Readiness:     map[string]Pinger{"postgres": fakePinger{}},
		Log:           zerolog.Nop(),
	})
	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)
	return &fixture{store: store, queue: queue, cancels: cancels, srv: srv}
}

func get(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestSearchDatasetsParsesQuery(t *testing.T) {
	fx := newFixture(t)
	fx.store.searchResult = []model.Dataset{{Name: "Streets"}}

	resp, body := get(t, fx.srv.URL+"/api/v1/datasets?q=roads&bbox=-123,37,-122,38.5&rel=intersects&themes=transport,water&cached=true&limit=10&offset=20")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	q := fx.store.lastSearch
	if q.Text != "roads" {
		t.Fatalf("text = %q", q.Text)
	}
	if q.BBox == nil || q.BBox.MinX != -123 || q.BBox.MaxY != 38.5 {
		t.Fatalf("bbox = %+v", q.BBox)
	}
	if q.Rel != catalog.RelIntersects {
		t.Fatalf("rel = %q", q.Rel)
	}
	if len(q.Themes) != 2 || q.Themes[0] != "transport" {
		t.Fatalf("themes = %v", q.Themes)
	}
	if !q.OnlyCached || q.Limit != 10 || q.Offset != 20 {
		t.Fatalf("cached/limit/offset = %v/%d/%d", q.OnlyCached, q.Limit, q.Offset)
	}
	if body["count"].(float64) != 1 {
		t.Fatalf("count = %v", body["count"])
	}
}

func TestSearchDatasetsRejectsBadBBox(t *testing.T) {
	fx := newFixture(t)
	resp, _ := get(t, fx.srv.URL+"/api/v1/datasets?bbox=1,2,3")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCrawlServerEnqueues(t *testing.T) {
	fx := newFixture(t)
	srv := &model.Server{Name: "sf-open-data", BaseURL: "http://example.test", Provider: model.ProviderArcGIS}
	_ = fx.store.CreateServer(context.Background(), srv)

	resp, body := post(t, fx.srv.URL+"/api/v1/servers/"+srv.ID.String()+"/crawl", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if len(fx.queue.enqueued) != 1 || fx.queue.enqueued[0].kind != model.JobCrawl {
		t.Fatalf("enqueued = %v", fx.queue.enqueued)
	}
	if body["id"] == nil {
		t.Fatal("job id missing from response")
	}
}

func TestDownloadDatasetEnqueues(t *testing.T) {
	fx := newFixture(t)
	ds := &model.Dataset{ID: uuid.New(), Name: "Streets"}
	fx.store.datasets[ds.ID] = ds

	resp, _ := post(t, fx.srv.URL+"/api/v1/datasets/"+ds.ID.String()+"/download", `{"strategy":"paged"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if len(fx.queue.enqueued) != 1 || fx.queue.enqueued[0].kind != model.JobDownload {
		t.Fatalf("enqueued = %v", fx.queue.enqueued)
	}
	job := fx.store.downloadJobs[fx.queue.enqueued[0].id]
	if job.Strategy != model.StrategyPaged {
		t.Fatalf("strategy = %q", job.Strategy)
	}
}

func TestDownloadDatasetRejectsUnknownStrategy(t *testing.T) {
	fx := newFixture(t)
	ds := &model.Dataset{ID: uuid.New()}
	fx.store.datasets[ds.ID] = ds

	resp, _ := post(t, fx.srv.URL+"/api/v1/datasets/"+ds.ID.String()+"/download", `{"strategy":"turbo"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if len(fx.queue.enqueued) != 0 {
		t.Fatalf("job enqueued despite bad strategy")
	}
}

func TestGetServerNotFound(t *testing.T) {
	fx := newFixture(t)
	resp, _ := get(t, fx.srv.URL+"/api/v1/servers/"+uuid.NewString())
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelJob(t *testing.T) {
	fx := newFixture(t)
	id := uuid.New()

	resp, _ := post(t, fx.srv.URL+"/api/v1/jobs/download/"+id.String()+"/cancel", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if len(fx.cancels.published) != 1 || fx.cancels.published[0] != id {
		t.Fatalf("broadcast = %v", fx.cancels.published)
	}
}

func TestCancelFinishedJobConflicts(t *testing.T) {
	fx := newFixture(t)
	fx.store.cancelOK = false

	resp, _ := post(t, fx.srv.URL+"/api/v1/jobs/download/"+uuid.NewString()+"/cancel", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if len(fx.cancels.published) != 0 {
		t.Fatal("broadcast sent for a finished job")
	}
}

func TestGetDownloadJobProgress(t *testing.T) {
	fx := newFixture(t)
	total := int64(200)
	job := &model.DownloadJob{
		ID: uuid.New(), Status: model.StatusRunning,
		TotalFeatures: &total, FeaturesDownloaded: 50,
	}
	fx.store.downloadJobs[job.ID] = job

	resp, body := get(t, fx.srv.URL+"/api/v1/jobs/download/"+job.ID.String())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	progress := body["progress"].(map[string]any)
	if progress["done"].(float64) != 50 {
		t.Fatalf("done = %v", progress["done"])
	}
	if progress["percent"].(float64) != 25 {
		t.Fatalf("percent = %v", progress["percent"])
	}
}

func TestCreateExportValidates(t *testing.T) {
	fx := newFixture(t)

	resp, _ := post(t, fx.srv.URL+"/api/v1/exports/", `{"format":"xlsx","dataset_ids":["`+uuid.NewString()+`"]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad format: status = %d, want 400", resp.StatusCode)
	}

	resp, _ = post(t, fx.srv.URL+"/api/v1/exports/", `{"format":"geojson","dataset_ids":[]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty ids: status = %d, want 400", resp.StatusCode)
	}

	resp, _ = post(t, fx.srv.URL+"/api/v1/exports/", `{"format":"geojson","dataset_ids":["`+uuid.NewString()+`"]}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("valid: status = %d, want 202", resp.StatusCode)
	}
	if len(fx.queue.enqueued) != 1 || fx.queue.enqueued[0].kind != model.JobExport {
		t.Fatalf("enqueued = %v", fx.queue.enqueued)
	}
}

func TestGetExportIncludesURLWhenDone(t *testing.T) {
	fx := newFixture(t)
	key := "exports/abc/export.geojson"
	job := &model.ExportJob{ID: uuid.New(), Format: model.FormatGeoJSON, Status: model.StatusCompleted, OutputKey: &key}
	fx.store.exportJobs[job.ID] = job

	resp, body := get(t, fx.srv.URL+"/api/v1/exports/"+job.ID.String())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["url"] != "https://signed.example/"+key {
		t.Fatalf("url = %v", body["url"])
	}
}

func TestDatasetFilePresigns(t *testing.T) {
	fx := newFixture(t)
	key := "datasets/x/data.parquet"
	ds := &model.Dataset{ID: uuid.New(), IsCached: true, S3DataKey: &key, StorageMode: model.StorageGeoParquet}
	fx.store.datasets[ds.ID] = ds

	resp, body := get(t, fx.srv.URL+"/api/v1/datasets/"+ds.ID.String()+"/file")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["url"] != "https://signed.example/"+key {
		t.Fatalf("url = %v", body["url"])
	}
}

func TestDatasetFileConflictsForPostGIS(t *testing.T) {
	fx := newFixture(t)
	table := "cache_abc"
	ds := &model.Dataset{ID: uuid.New(), IsCached: true, CacheTable: &table, StorageMode: model.StoragePostGIS}
	fx.store.datasets[ds.ID] = ds

	resp, _ := get(t, fx.srv.URL+"/api/v1/datasets/"+ds.ID.String()+"/file")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestReadyzReportsFailures(t *testing.T) {
	store := newFakeCatalog()
	a := New(Deps{
		Store:   store,
		Queue:   &fakeQueue{},
		Presign: fakePresigner{},
		Checker: &fakeChecker{},
		Adapters: func(srv *model.Server) (adapter.Adapter, error) {
			return nil, errors.New("no adapter")
		},
		Readiness: map[string]Pinger{
			"postgres": fakePinger{},
			"redis":    fakePinger{err: errors.New("connection refused")},
		},
		Log: zerolog.Nop(),
	})
	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	resp, body := get(t, srv.URL+"/readyz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	deps := body["dependencies"].(map[string]any)
	if deps["postgres"] != "ok" {
		t.Fatalf("postgres = %v", deps["postgres"])
	}
	if deps["redis"] == "ok" {
		t.Fatal("redis reported ok")
	}
}

func TestHealthz(t *testing.T) {
	fx := newFixture(t)
	resp, _ := get(t, fx.srv.URL+"/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
