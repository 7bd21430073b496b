// Package changedetect decides whether a cached dataset is stale by probing
// its source with the cheapest method the provider supports.
package changedetect

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spheraform/spheraform/internal/adapter"
	"github.com/spheraform/spheraform/internal/model"
)

// Store is the slice of the catalog the detector needs.
type Store interface {
	GetDataset(ctx context.Context, id uuid.UUID) (*model.Dataset, error)
	GetServer(ctx context.Context, id uuid.UUID) (*model.Server, error)
	InsertChangeCheck(ctx context.Context, c *model.ChangeCheck) error
	RecordCheck(ctx context.Context, id uuid.UUID, changed bool, sourceUpdatedAt *time.Time, metadataHash *string) error
}

// AdapterFactory builds the provider adapter for a server. Indirection keeps
// the detector testable without live registries.
type AdapterFactory func(srv *model.Server) (adapter.Adapter, error)

type Detector struct {
	store    Store
	adapters AdapterFactory
	log      zerolog.Logger
}

func New(store Store, adapters AdapterFactory, log zerolog.Logger) *Detector {
	return &Detector{store: store, adapters: adapters, log: log}
}

// Outcome is what a single check concluded.
type Outcome struct {
	Check   model.ChangeCheck
	Dataset *model.Dataset
}

// Check probes one dataset and records the result. Inconclusive probes are
// recorded too; the caller decides whether to fall back to a re-download.
func (d *Detector) Check(ctx context.Context, datasetID uuid.UUID) (Outcome, error) {
	ds, err := d.store.GetDataset(ctx, datasetID)
	if err != nil {
		return Outcome{}, err
	}
	srv, err := d.store.GetServer(ctx, ds.ServerID)
	if err != nil {
		return Outcome{}, err
	}
	ad, err := d.adapters(srv)
	if err != nil {
		return Outcome{}, fmt.Errorf("change check: %w", err)
	}

	hints := adapter.Hints{
		SourceUpdatedAt: ds.SourceUpdatedAt,
		FeatureCount:    ds.FeatureCount,
	}
	if ds.CachedETag != nil {
		hints.ETag = *ds.CachedETag
	}
	if ds.CachedLastModified != nil {
		hints.LastModified = *ds.CachedLastModified
	}
	if ds.MetadataHash != nil {
		hints.MetadataHash = *ds.MetadataHash
	}

	info := ad.CheckChanged(ctx, adapter.DatasetRef{
		ExternalID:     ds.ExternalID,
		AccessURL:      ds.AccessURL,
		MaxRecordCount: ds.MaxRecordCount,
	}, hints)

	check := model.ChangeCheck{
		DatasetID:  ds.ID,
		CheckedAt:  time.Now().UTC(),
		Method:     info.Method,
		Changed:    info.Changed,
		Conclusive: info.Conclusive,
		ElapsedMS:  info.ElapsedMS,
		Details:    info.Details,
	}
	if info.Err != "" {
		msg := info.Err
		check.Error = &msg
	}
	if err := d.store.InsertChangeCheck(ctx, &check); err != nil {
		return Outcome{}, err
	}

	var sourceUpdated *time.Time
	if info.Conclusive {
		if raw, ok := info.Details["current_date"].(string); ok {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				sourceUpdated = &t
			}
		}
	}
	var metaHash *string
	if raw, ok := info.Details["metadata_hash"].(string); ok && raw != "" {
		metaHash = &raw
	}
	if err := d.store.RecordCheck(ctx, ds.ID, info.Changed && info.Conclusive, sourceUpdated, metaHash); err != nil {
		return Outcome{}, err
	}

	d.log.Debug().Str("dataset_id", ds.ID.String()).Str("method", string(info.Method)).
		Bool("changed", info.Changed).Bool("conclusive", info.Conclusive).
		Msg("change check recorded")
	return Outcome{Check: check, Dataset: ds}, nil
}

// ShouldDownload says whether the outcome warrants a re-download: a
// conclusive change, or an inconclusive probe on a dataset never cached.
func (o Outcome) ShouldDownload() bool {
	if o.Check.Conclusive {
		return o.Check.Changed
	}
	return o.Dataset != nil && !o.Dataset.IsCached
}
