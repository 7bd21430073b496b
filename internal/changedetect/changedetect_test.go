package changedetect

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spheraform/spheraform/internal/adapter"
	"github.com/spheraform/spheraform/internal/geom"
	"github.com/spheraform/spheraform/internal/model"
)

type fakeStore struct {
	dataset *model.Dataset
	server  *model.Server
	checks  []model.ChangeCheck

	recordedChanged bool
	recordedSource  *time.Time
	recordedHash    *string
}

func (f *fakeStore) GetDataset(_ context.Context, id uuid.UUID) (*model.Dataset, error) {
	return f.dataset, nil
}
func (f *fakeStore) GetServer(_ context.Context, id uuid.UUID) (*model.Server, error) {
	return f.server, nil
}
func (f *fakeStore) InsertChangeCheck(_ context.Context, c *model.ChangeCheck) error {
	f.checks = append(f.checks, *c)
	return nil
}
func (f *fakeStore) RecordCheck(_ context.Context, _ uuid.UUID, changed bool, src *time.Time, hash *string) error {
	f.recordedChanged = changed
	f.recordedSource = src
	f.recordedHash = hash
	return nil
}

type stubAdapter struct {
	adapter.Adapter
	info adapter.ChangeInfo
}

func (s *stubAdapter) CheckChanged(context.Context, adapter.DatasetRef, adapter.Hints) adapter.ChangeInfo {
	return s.info
}
func (s *stubAdapter) Provider() model.ProviderKind { return model.ProviderArcGIS }
func (s *stubAdapter) ProbeCapabilities(context.Context) adapter.Capabilities {
	return adapter.Capabilities{}
}
func (s *stubAdapter) HealthCheck(context.Context) bool { return true }
func (s *stubAdapter) DiscoverDatasets(context.Context, func(adapter.DatasetMetadata) error) error {
	return nil
}
func (s *stubAdapter) DownloadSimple(context.Context, adapter.DatasetRef, string, *geom.BBox) (adapter.DownloadResult, error) {
	return adapter.DownloadResult{}, nil
}
func (s *stubAdapter) DownloadPaged(context.Context, adapter.DatasetRef, string, adapter.PagedOptions) (adapter.DownloadResult, error) {
	return adapter.DownloadResult{}, nil
}
func (s *stubAdapter) DownloadParallel(context.Context, adapter.DatasetRef, string, int) (adapter.DownloadResult, error) {
	return adapter.DownloadResult{}, nil
}
func (s *stubAdapter) Preview(context.Context, adapter.DatasetRef, int) (json.RawMessage, error) {
	return nil, nil
}
func (s *stubAdapter) FeatureCount(context.Context, adapter.DatasetRef) (int64, error) {
	return 0, nil
}

func newDetector(store *fakeStore, info adapter.ChangeInfo) *Detector {
	return New(store, func(*model.Server) (adapter.Adapter, error) {
		return &stubAdapter{info: info}, nil
	}, zerolog.New(io.Discard))
}

func TestCheckConclusiveChange(t *testing.T) {
	cached := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{
		dataset: &model.Dataset{ID: uuid.New(), ServerID: uuid.New(), SourceUpdatedAt: &cached, IsCached: true},
		server:  &model.Server{ID: uuid.New(), Provider: model.ProviderArcGIS},
	}
	current := time.UnixMilli(1638360000000).UTC()
	det := newDetector(store, adapter.ChangeInfo{
		Method:     model.MethodArcGISEditDate,
		Changed:    true,
		Conclusive: true,
		Details: map[string]any{
			"cached_date":  cached.Format(time.RFC3339),
			"current_date": current.Format(time.RFC3339),
		},
	})

	out, err := det.Check(context.Background(), store.dataset.ID)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !out.Check.Changed || !out.Check.Conclusive {
		t.Fatalf("check = %+v", out.Check)
	}
	if out.Check.Method != model.MethodArcGISEditDate {
		t.Fatalf("method = %s", out.Check.Method)
	}
	if len(store.checks) != 1 {
		t.Fatalf("checks inserted = %d", len(store.checks))
	}
	if !store.recordedChanged {
		t.Fatal("dataset change flag not set")
	}
	if store.recordedSource == nil || !store.recordedSource.Equal(current) {
		t.Fatalf("source updated = %v", store.recordedSource)
	}
	if !out.ShouldDownload() {
		t.Fatal("conclusive change should trigger download")
	}
}

func TestCheckUnchanged(t *testing.T) {
	store := &fakeStore{
		dataset: &model.Dataset{ID: uuid.New(), ServerID: uuid.New(), IsCached: true},
		server:  &model.Server{ID: uuid.New(), Provider: model.ProviderArcGIS},
	}
	det := newDetector(store, adapter.ChangeInfo{
		Method: model.MethodArcGISEditDate, Changed: false, Conclusive: true,
	})

	out, err := det.Check(context.Background(), store.dataset.ID)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if out.ShouldDownload() {
		t.Fatal("unchanged dataset should not trigger download")
	}
	if store.recordedChanged {
		t.Fatal("change flag must stay clear")
	}
}

func TestCheckInconclusiveUncachedTriggersDownload(t *testing.T) {
	store := &fakeStore{
		dataset: &model.Dataset{ID: uuid.New(), ServerID: uuid.New(), IsCached: false},
		server:  &model.Server{ID: uuid.New(), Provider: model.ProviderArcGIS},
	}
	det := newDetector(store, adapter.ChangeInfo{
		Method: model.MethodArcGISEditDate, Conclusive: false,
	})

	out, err := det.Check(context.Background(), store.dataset.ID)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !out.ShouldDownload() {
		t.Fatal("inconclusive probe on an uncached dataset should download")
	}
	if store.recordedChanged {
		t.Fatal("inconclusive probe must not set the change flag")
	}
}

func TestCheckPersistsMetadataHash(t *testing.T) {
	store := &fakeStore{
		dataset: &model.Dataset{ID: uuid.New(), ServerID: uuid.New(), IsCached: true},
		server:  &model.Server{ID: uuid.New(), Provider: model.ProviderArcGIS},
	}
	det := newDetector(store, adapter.ChangeInfo{
		Method:     model.MethodMetadataHash,
		Changed:    true,
		Conclusive: true,
		Details:    map[string]any{"metadata_hash": "9f6e5d4c3b2a1908"},
	})

	if _, err := det.Check(context.Background(), store.dataset.ID); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if store.recordedHash == nil || *store.recordedHash != "9f6e5d4c3b2a1908" {
		t.Fatalf("recorded hash = %v", store.recordedHash)
	}
}

func TestCheckRecordsProbeError(t *testing.T) {
	store := &fakeStore{
		dataset: &model.Dataset{ID: uuid.New(), ServerID: uuid.New(), IsCached: true},
		server:  &model.Server{ID: uuid.New(), Provider: model.ProviderArcGIS},
	}
	det := newDetector(store, adapter.ChangeInfo{
		Method: model.MethodArcGISEditDate, Conclusive: false, Err: "connection refused",
	})

	out, err := det.Check(context.Background(), store.dataset.ID)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if out.Check.Error == nil || *out.Check.Error != "connection refused" {
		t.Fatalf("error = %v", out.Check.Error)
	}
	if out.ShouldDownload() {
		t.Fatal("inconclusive probe on a cached dataset should not download")
	}
}
