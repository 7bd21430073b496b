package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/spheraform/spheraform/internal/geom"
	"github.com/spheraform/spheraform/internal/model"
)

const datasetColumns = `id, server_id, external_id, name, description, keywords,
	themes, access_url, feature_count, service_item_id, geometry_type,
	source_srid, max_record_count, cached_etag, cached_last_modified,
	metadata_hash, source_updated_at, last_checked_at, change_detected, is_cached, cached_at,
	cache_table, s3_data_key, s3_tiles_key, storage_mode, tiles_generated,
	tiles_size_bytes, download_strategy, license, attribution, quality_score,
	has_geometry_errors, last_validated_at, source_metadata, is_active,
	created_at, updated_at`

const datasetBBoxColumns = `, ST_XMin(bbox) AS bbox_minx, ST_YMin(bbox) AS bbox_miny,
	ST_XMax(bbox) AS bbox_maxx, ST_YMax(bbox) AS bbox_maxy`

// datasetRow flattens the bbox geometry into scalar columns.
type datasetRow struct {
	model.Dataset
	BBoxMinX *float64 `db:"bbox_minx"`
	BBoxMinY *float64 `db:"bbox_miny"`
	BBoxMaxX *float64 `db:"bbox_maxx"`
	BBoxMaxY *float64 `db:"bbox_maxy"`
}

func (r datasetRow) toDataset() model.Dataset {
	d := r.Dataset
	if r.BBoxMinX != nil && r.BBoxMinY != nil && r.BBoxMaxX != nil && r.BBoxMaxY != nil {
		d.BBox = &geom.BBox{MinX: *r.BBoxMinX, MinY: *r.BBoxMinY, MaxX: *r.BBoxMaxX, MaxY: *r.BBoxMaxY}
	}
	return d
}

func bboxWKT(b *geom.BBox) *string {
	if b == nil || !b.Valid() {
		return nil
	}
	w := b.WKT()
	return &w
}

// UpsertDataset inserts or refreshes a dataset keyed by (server_id,
// access_url) and reports whether a new row was created. Cache state and
// change-detection columns are left untouched on update.
func (s *Store) UpsertDataset(ctx context.Context, d *model.Dataset) (created bool, err error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.StorageMode == "" {
		d.StorageMode = model.StorageHybrid
	}
	if d.DownloadStrategy == "" {
		d.DownloadStrategy = model.StrategyPaged
	}
	now := time.Now().UTC()

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO datasets (id, server_id, external_id, name, description,
			keywords, themes, access_url, bbox, feature_count, service_item_id,
			geometry_type, source_srid, max_record_count, source_updated_at,
			storage_mode, download_strategy, license, attribution,
			source_metadata, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
			ST_GeomFromText($9, 4326), $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, true, $21, $21)
		ON CONFLICT (server_id, access_url) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			keywords = EXCLUDED.keywords,
			themes = EXCLUDED.themes,
			bbox = EXCLUDED.bbox,
			feature_count = EXCLUDED.feature_count,
			service_item_id = EXCLUDED.service_item_id,
			geometry_type = EXCLUDED.geometry_type,
			source_srid = EXCLUDED.source_srid,
			max_record_count = EXCLUDED.max_record_count,
			license = EXCLUDED.license,
			attribution = EXCLUDED.attribution,
			source_metadata = EXCLUDED.source_metadata,
			is_active = true,
			updated_at = EXCLUDED.updated_at
		RETURNING id, (xmax = 0) AS created`,
		d.ID, d.ServerID, d.ExternalID, d.Name, d.Description, d.Keywords,
		d.Themes, d.AccessURL, bboxWKT(d.BBox), d.FeatureCount, d.ServiceItemID,
		d.GeometryType, d.SourceSRID, d.MaxRecordCount, d.SourceUpdatedAt,
		d.StorageMode, d.DownloadStrategy, d.License, d.Attribution,
		d.SourceMetadata, now).Scan(&d.ID, &created)
	if err != nil {
		return false, fmt.Errorf("upsert dataset: %w", err)
	}
	return created, nil
}

func (s *Store) GetDataset(ctx context.Context, id uuid.UUID) (*model.Dataset, error) {
	var row datasetRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+datasetColumns+datasetBBoxColumns+` FROM datasets WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dataset %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset: %w", err)
	}
	d := row.toDataset()
	return &d, nil
}

// SpatialRel selects the predicate a bbox search applies.
type SpatialRel string

const (
	RelIntersects SpatialRel = "intersects"
	RelContains   SpatialRel = "contains"
	RelWithin     SpatialRel = "within"
)

// SearchQuery narrows the dataset listing. Zero values mean "no filter".
type SearchQuery struct {
	Text       string
	BBox       *geom.BBox
	Rel        SpatialRel
	Themes     []string
	ServerID   uuid.UUID
	OnlyCached bool
	OnlyActive bool
	Limit      int
	Offset     int
}

// SearchDatasets lists datasets matching the query, newest first.
func (s *Store) SearchDatasets(ctx context.Context, q SearchQuery) ([]model.Dataset, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if q.OnlyActive {
		where = append(where, "is_active")
	}
	if q.OnlyCached {
		where = append(where, "is_cached")
	}
	if q.ServerID != uuid.Nil {
		where = append(where, "server_id = "+arg(q.ServerID))
	}
	if q.Text != "" {
		where = append(where, fmt.Sprintf(
			"(to_tsvector('english', name || ' ' || description) @@ plainto_tsquery('english', %s))",
			arg(q.Text)))
	}
	for _, theme := range q.Themes {
		where = append(where, fmt.Sprintf("themes @> %s::jsonb", arg(`["`+theme+`"]`)))
	}
	if q.BBox != nil && q.BBox.Valid() {
		env := fmt.Sprintf("ST_MakeEnvelope(%s, %s, %s, %s, 4326)",
			arg(q.BBox.MinX), arg(q.BBox.MinY), arg(q.BBox.MaxX), arg(q.BBox.MaxY))
		switch q.Rel {
		case RelContains:
			where = append(where, fmt.Sprintf("ST_Contains(bbox, %s)", env))
		case RelWithin:
			where = append(where, fmt.Sprintf("ST_Within(bbox, %s)", env))
		default:
			where = append(where, fmt.Sprintf("ST_Intersects(bbox, %s)", env))
		}
	}

	query := `SELECT ` + datasetColumns + datasetBBoxColumns + ` FROM datasets`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}
	if q.Offset > 0 {
		query += " OFFSET " + arg(q.Offset)
	}

	var rows []datasetRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("search datasets: %w", err)
	}
	out := make([]model.Dataset, len(rows))
	for i, r := range rows {
		out[i] = r.toDataset()
	}
	return out, nil
}

// ThemeFacets counts active datasets per theme code.
func (s *Store) ThemeFacets(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.value, count(*)
		FROM datasets, jsonb_array_elements_text(themes) AS t(value)
		WHERE is_active
		GROUP BY t.value`)
	if err != nil {
		return nil, fmt.Errorf("theme facets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]int{}
	for rows.Next() {
		var code string
		var n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, fmt.Errorf("theme facets: %w", err)
		}
		out[code] = n
	}
	return out, rows.Err()
}

// MarkCached records where a completed download put the data.
func (s *Store) MarkCached(ctx context.Context, id uuid.UUID, mode model.StorageMode, cacheTable, s3DataKey, s3TilesKey *string, tilesBytes int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE datasets SET is_cached = true, cached_at = now(),
			storage_mode = $2, cache_table = $3, s3_data_key = $4,
			s3_tiles_key = $5, tiles_generated = ($5 IS NOT NULL),
			tiles_size_bytes = $6, change_detected = false, updated_at = now()
		WHERE id = $1`,
		id, mode, cacheTable, s3DataKey, s3TilesKey, tilesBytes)
	if err != nil {
		return fmt.Errorf("mark cached: %w", err)
	}
	return nil
}

// RecordCheck updates the change-detection columns after a probe.
func (s *Store) RecordCheck(ctx context.Context, id uuid.UUID, changed bool, sourceUpdatedAt *time.Time, metadataHash *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE datasets SET last_checked_at = now(),
			change_detected = $2,
			source_updated_at = COALESCE($3, source_updated_at),
			metadata_hash = COALESCE($4, metadata_hash),
			updated_at = now()
		WHERE id = $1`, id, changed, sourceUpdatedAt, metadataHash)
	if err != nil {
		return fmt.Errorf("record check: %w", err)
	}
	return nil
}

// DeactivateMissing flags datasets the latest crawl did not re-emit.
func (s *Store) DeactivateMissing(ctx context.Context, serverID uuid.UUID, crawlStart time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE datasets SET is_active = false, updated_at = now()
		WHERE server_id = $1 AND is_active AND updated_at < $2`,
		serverID, crawlStart)
	if err != nil {
		return 0, fmt.Errorf("deactivate missing: %w", err)
	}
	return res.RowsAffected()
}

// CachedDatasets lists cached, active datasets; the export fan-out uses it.
func (s *Store) CachedDatasets(ctx context.Context, ids []uuid.UUID) ([]model.Dataset, error) {
	query, args, err := sqlx.In(
		`SELECT `+datasetColumns+datasetBBoxColumns+` FROM datasets WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("cached datasets: %w", err)
	}
	var rows []datasetRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("cached datasets: %w", err)
	}
	out := make([]model.Dataset, len(rows))
	for i, r := range rows {
		out[i] = r.toDataset()
	}
	return out, nil
}
