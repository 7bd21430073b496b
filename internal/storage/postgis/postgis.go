// Package postgis stores feature data in per-dataset cache tables. Geometry
// is kept in EPSG:3857 so tile rendering reads it without a transform.
package postgis

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/spheraform/spheraform/internal/geojson"
	"github.com/spheraform/spheraform/internal/geom"
	"github.com/spheraform/spheraform/internal/model"
	"github.com/spheraform/spheraform/internal/observability"
	"github.com/spheraform/spheraform/internal/storage"
)

type Backend struct {
	db        *sqlx.DB
	batchSize int
	log       zerolog.Logger
}

func New(db *sqlx.DB, batchSize int, log zerolog.Logger) *Backend {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Backend{db: db, batchSize: batchSize, log: log}
}

func (b *Backend) Mode() model.StorageMode { return model.StoragePostGIS }

// TableName derives the cache table for a dataset: "cache_" plus the UUID
// hex. Deterministic, so re-downloads land in the same table.
func TableName(datasetID uuid.UUID) string {
	return "cache_" + strings.ReplaceAll(datasetID.String(), "-", "")
}

// Store replaces the dataset's cache table with the features at path.
// Cancellation is checked between batches; a cancelled store drops the
// partial table and returns storage.ErrCancelled.
func (b *Backend) Store(ctx context.Context, datasetID uuid.UUID, path string, cancelled storage.CancelCheck) (storage.Result, error) {
	start := time.Now()
	table := TableName(datasetID)

	f, err := os.Open(path)
	if err != nil {
		return storage.Result{}, fmt.Errorf("postgis store: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := b.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+pgIdent(table)); err != nil {
		return storage.Result{}, fmt.Errorf("drop stale cache table: %w", err)
	}
	_, err = b.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE %s (
			id SERIAL PRIMARY KEY,
			geom GEOMETRY(Geometry, 3857),
			properties JSONB
		)`, pgIdent(table)))
	if err != nil {
		return storage.Result{}, fmt.Errorf("create cache table: %w", err)
	}

	r := geojson.NewReader(bufio.NewReaderSize(f, 1<<20))
	var total int64
	for {
		batch, err := b.readBatch(r)
		if err != nil {
			b.dropQuiet(table)
			return storage.Result{}, fmt.Errorf("postgis store: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		if err := b.insertBatch(ctx, table, batch); err != nil {
			b.dropQuiet(table)
			return storage.Result{}, fmt.Errorf("postgis store: %w", err)
		}
		total += int64(len(batch))
		observability.AddStorageRows("postgis", len(batch))

		if cancelled != nil {
			stop, err := cancelled(ctx)
			if err != nil {
				b.dropQuiet(table)
				return storage.Result{}, fmt.Errorf("postgis store: %w", err)
			}
			if stop {
				b.dropQuiet(table)
				return storage.Result{}, storage.ErrCancelled
			}
		}
	}

	_, err = b.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE INDEX %s ON %s USING GIST (geom)`,
		pgIdent(table+"_geom_idx"), pgIdent(table)))
	if err != nil {
		b.dropQuiet(table)
		return storage.Result{}, fmt.Errorf("index cache table: %w", err)
	}

	observability.ObserveStorageOp("postgis", "store", time.Since(start).Seconds())
	return storage.Result{
		Mode:         model.StoragePostGIS,
		CacheTable:   &table,
		FeatureCount: total,
	}, nil
}

type featureRow struct {
	geometry   []byte
	properties []byte
}

func (b *Backend) readBatch(r *geojson.Reader) ([]featureRow, error) {
	batch := make([]featureRow, 0, b.batchSize)
	for len(batch) < b.batchSize {
		raw, err := r.NextRaw()
		if err == io.EOF {
			return batch, nil
		}
		if err != nil {
			return nil, err
		}
		var feat struct {
			Geometry   json.RawMessage `json:"geometry"`
			Properties json.RawMessage `json:"properties"`
		}
		if err := json.Unmarshal(raw, &feat); err != nil {
			return nil, fmt.Errorf("decode feature: %w", err)
		}
		if len(feat.Geometry) == 0 || string(feat.Geometry) == "null" {
			continue
		}
		props := feat.Properties
		if len(props) == 0 {
			props = json.RawMessage("{}")
		}
		batch = append(batch, featureRow{geometry: feat.Geometry, properties: props})
	}
	return batch, nil
}

func (b *Backend) insertBatch(ctx context.Context, table string, batch []featureRow) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (geom, properties)
		VALUES (ST_Transform(ST_SetSRID(ST_GeomFromGeoJSON($1), 4326), 3857), $2)`,
		pgIdent(table)))
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, row := range batch {
		if _, err := stmt.ExecContext(ctx, string(row.geometry), string(row.properties)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Retrieve streams the cache table back out as WGS84 GeoJSON.
func (b *Backend) Retrieve(ctx context.Context, ds *model.Dataset, outPath string, bbox *geom.BBox) (int64, error) {
	if ds.CacheTable == nil {
		return 0, fmt.Errorf("dataset %s has no cache table", ds.ID)
	}
	start := time.Now()

	query := fmt.Sprintf(`
		SELECT jsonb_build_object(
			'type', 'Feature',
			'geometry', ST_AsGeoJSON(ST_Transform(geom, 4326))::jsonb,
			'properties', properties
		) FROM %s`, pgIdent(*ds.CacheTable))
	var args []any
	if bbox != nil && bbox.Valid() {
		query += ` WHERE ST_Intersects(geom,
			ST_Transform(ST_MakeEnvelope($1, $2, $3, $4, 4326), 3857))`
		args = []any{bbox.MinX, bbox.MinY, bbox.MaxX, bbox.MaxY}
	}
	query += ` ORDER BY id`

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("postgis retrieve: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("postgis retrieve: %w", err)
	}
	defer func() { _ = out.Close() }()

	bw := bufio.NewWriterSize(out, 1<<20)
	w := geojson.NewWriter(bw)
	var n int64
	for rows.Next() {
		var feat []byte
		if err := rows.Scan(&feat); err != nil {
			return 0, fmt.Errorf("postgis retrieve: %w", err)
		}
		if err := w.WriteRaw(feat); err != nil {
			return 0, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("postgis retrieve: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	if err := bw.Flush(); err != nil {
		return 0, err
	}

	observability.ObserveStorageOp("postgis", "retrieve", time.Since(start).Seconds())
	return n, nil
}

func (b *Backend) Drop(ctx context.Context, ds *model.Dataset) error {
	if ds.CacheTable == nil {
		return nil
	}
	if _, err := b.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+pgIdent(*ds.CacheTable)); err != nil {
		return fmt.Errorf("drop cache table: %w", err)
	}
	return nil
}

func (b *Backend) dropQuiet(table string) {
	// best effort on a fresh background context; the caller's may be dead
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := b.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+pgIdent(table)); err != nil {
		b.log.Warn().Err(err).Str("table", table).Msg("partial cache table not dropped")
	}
}

// pgIdent quotes an identifier. Table names here are machine-generated but
// they still pass through quoting.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
