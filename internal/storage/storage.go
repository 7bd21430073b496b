// Package storage defines where downloaded feature data ends up: PostGIS
// cache tables for query-heavy datasets, GeoParquet on object storage for
// bulk ones. A dataset lives in exactly one backend at a time.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/spheraform/spheraform/internal/geom"
	"github.com/spheraform/spheraform/internal/model"
)

// ErrCancelled aborts a store mid-write; partial output is rolled back.
var ErrCancelled = errors.New("storage: cancelled")

// Result reports where the data landed.
type Result struct {
	Mode         model.StorageMode
	CacheTable   *string
	S3DataKey    *string
	S3TilesKey   *string
	TilesBytes   int64
	FeatureCount int64
	Bytes        int64
}

// CancelCheck is polled between batches; returning true aborts the store.
type CancelCheck func(ctx context.Context) (bool, error)

// Backend ingests a GeoJSON file and serves it back as GeoJSON.
type Backend interface {
	Mode() model.StorageMode

	// Store ingests the FeatureCollection at path for the dataset. cancelled
	// may be nil.
	Store(ctx context.Context, datasetID uuid.UUID, path string, cancelled CancelCheck) (Result, error)

	// Retrieve writes the dataset back out as GeoJSON, optionally filtered to
	// features intersecting bbox.
	Retrieve(ctx context.Context, ds *model.Dataset, outPath string, bbox *geom.BBox) (int64, error)

	// Drop removes the dataset's stored data.
	Drop(ctx context.Context, ds *model.Dataset) error
}

// Policy picks the backend for a dataset. Explicit postgis/geoparquet modes
// are honored; hybrid lets the feature count and strategy decide.
type Policy struct {
	PostGIS           Backend
	Object            Backend
	MinObjectFeatures int64
}

func (p Policy) Choose(mode model.StorageMode, featureCount int64, strategy model.DownloadStrategy) Backend {
	switch mode {
	case model.StoragePostGIS:
		return p.PostGIS
	case model.StorageGeoParquet:
		return p.Object
	}
	if p.Object == nil {
		return p.PostGIS
	}
	if strategy == model.StrategyChunked || strategy == model.StrategyDistributed {
		return p.Object
	}
	if p.MinObjectFeatures > 0 && featureCount >= p.MinObjectFeatures {
		return p.Object
	}
	return p.PostGIS
}
