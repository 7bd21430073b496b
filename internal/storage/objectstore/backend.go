package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spheraform/spheraform/internal/geom"
	"github.com/spheraform/spheraform/internal/model"
	"github.com/spheraform/spheraform/internal/observability"
	"github.com/spheraform/spheraform/internal/storage"
	"github.com/spheraform/spheraform/internal/storage/geoparquet"
	"github.com/spheraform/spheraform/internal/storage/tiles"
)

// Backend stores datasets as GeoParquet objects, with an optional PMTiles
// sidecar when tippecanoe is installed.
type Backend struct {
	client    *Client
	tiles     *tiles.Generator
	tmpDir    string
	batchSize int
	log       zerolog.Logger
}

func NewBackend(client *Client, gen *tiles.Generator, tmpDir string, batchSize int, log zerolog.Logger) *Backend {
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	if batchSize <= 0 {
		batchSize = 10000
	}
	return &Backend{client: client, tiles: gen, tmpDir: tmpDir, batchSize: batchSize, log: log}
}

func (b *Backend) Mode() model.StorageMode { return model.StorageGeoParquet }

func DataKey(datasetID uuid.UUID) string {
	return "datasets/" + datasetID.String() + "/data.parquet"
}

func TilesKey(datasetID uuid.UUID) string {
	return "datasets/" + datasetID.String() + "/tiles.pmtiles"
}

func (b *Backend) Store(ctx context.Context, datasetID uuid.UUID, path string, cancelled storage.CancelCheck) (storage.Result, error) {
	start := time.Now()

	tmp, err := os.MkdirTemp(b.tmpDir, "objstore-")
	if err != nil {
		return storage.Result{}, fmt.Errorf("object store: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	pqPath := filepath.Join(tmp, "data.parquet")
	conv, err := geoparquet.FromGeoJSON(path, pqPath, b.batchSize)
	if err != nil {
		return storage.Result{}, fmt.Errorf("object store: %w", err)
	}
	observability.AddStorageRows("geoparquet", int(conv.FeatureCount))

	if cancelled != nil {
		stop, err := cancelled(ctx)
		if err != nil {
			return storage.Result{}, fmt.Errorf("object store: %w", err)
		}
		if stop {
			return storage.Result{}, storage.ErrCancelled
		}
	}

	dataKey := DataKey(datasetID)
	size, err := b.client.UploadFile(ctx, dataKey, pqPath, "application/vnd.apache.parquet")
	if err != nil {
		return storage.Result{}, fmt.Errorf("object store: %w", err)
	}

	res := storage.Result{
		Mode:         model.StorageGeoParquet,
		S3DataKey:    &dataKey,
		FeatureCount: conv.FeatureCount,
		Bytes:        size,
	}

	if b.tiles != nil && b.tiles.Available() {
		tilesPath := filepath.Join(tmp, "tiles.pmtiles")
		if err := b.tiles.Generate(ctx, path, tilesPath, datasetID.String(), conv.FeatureCount); err != nil {
			// data object is already durable; tiles are an enhancement
			b.log.Warn().Err(err).Str("dataset_id", datasetID.String()).Msg("tile generation failed")
		} else {
			tilesKey := TilesKey(datasetID)
			tilesSize, err := b.client.UploadFile(ctx, tilesKey, tilesPath, "application/vnd.pmtiles")
			if err != nil {
				b.log.Warn().Err(err).Msg("tiles upload failed")
			} else {
				res.S3TilesKey = &tilesKey
				res.TilesBytes = tilesSize
			}
		}
	}

	observability.ObserveStorageOp("geoparquet", "store", time.Since(start).Seconds())
	return res, nil
}

func (b *Backend) Retrieve(ctx context.Context, ds *model.Dataset, outPath string, bbox *geom.BBox) (int64, error) {
	if ds.S3DataKey == nil {
		return 0, fmt.Errorf("dataset %s has no data object", ds.ID)
	}
	start := time.Now()

	tmp, err := os.CreateTemp(b.tmpDir, "retrieve-*.parquet")
	if err != nil {
		return 0, fmt.Errorf("object retrieve: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(tmpPath) }()

	if err := b.client.DownloadFile(ctx, *ds.S3DataKey, tmpPath); err != nil {
		return 0, fmt.Errorf("object retrieve: %w", err)
	}
	n, err := geoparquet.ToGeoJSON(tmpPath, outPath, bbox)
	if err != nil {
		return 0, fmt.Errorf("object retrieve: %w", err)
	}

	observability.ObserveStorageOp("geoparquet", "retrieve", time.Since(start).Seconds())
	return n, nil
}

func (b *Backend) Drop(ctx context.Context, ds *model.Dataset) error {
	return b.client.DeletePrefix(ctx, "datasets/"+ds.ID.String()+"/")
}
