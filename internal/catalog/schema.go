package catalog

import (
	"context"
	"fmt"
)

// Migrate creates the catalog schema. Statements are idempotent so the
// services can run it unconditionally at startup.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE EXTENSION IF NOT EXISTS postgis`,

	`CREATE TABLE IF NOT EXISTS servers (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		base_url TEXT NOT NULL UNIQUE,
		provider TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		contact_email TEXT NOT NULL DEFAULT '',
		organization TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL DEFAULT '',
		auth JSONB,
		capabilities JSONB,
		connection JSONB,
		rate_limits JSONB,
		health TEXT NOT NULL DEFAULT 'unknown',
		crawl_interval_hours INT NOT NULL DEFAULT 24,
		dataset_count INT NOT NULL DEFAULT 0,
		active_dataset_count INT NOT NULL DEFAULT 0,
		last_crawled_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS datasets (
		id UUID PRIMARY KEY,
		server_id UUID NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		external_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		keywords JSONB,
		themes JSONB,
		access_url TEXT NOT NULL,
		bbox GEOMETRY(Polygon, 4326),
		feature_count BIGINT,
		service_item_id TEXT NOT NULL DEFAULT '',
		geometry_type TEXT NOT NULL DEFAULT '',
		source_srid INT NOT NULL DEFAULT 0,
		max_record_count INT NOT NULL DEFAULT 0,
		cached_etag TEXT,
		cached_last_modified TEXT,
		metadata_hash TEXT,
		source_updated_at TIMESTAMPTZ,
		last_checked_at TIMESTAMPTZ,
		change_detected BOOLEAN NOT NULL DEFAULT false,
		is_cached BOOLEAN NOT NULL DEFAULT false,
		cached_at TIMESTAMPTZ,
		cache_table TEXT,
		s3_data_key TEXT,
		s3_tiles_key TEXT,
		storage_mode TEXT NOT NULL DEFAULT 'hybrid',
		tiles_generated BOOLEAN NOT NULL DEFAULT false,
		tiles_size_bytes BIGINT NOT NULL DEFAULT 0,
		download_strategy TEXT NOT NULL DEFAULT 'paged',
		license TEXT NOT NULL DEFAULT '',
		attribution TEXT NOT NULL DEFAULT '',
		quality_score DOUBLE PRECISION,
		has_geometry_errors BOOLEAN NOT NULL DEFAULT false,
		last_validated_at TIMESTAMPTZ,
		source_metadata JSONB,
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (server_id, access_url)
	)`,
	`CREATE INDEX IF NOT EXISTS datasets_bbox_idx ON datasets USING GIST (bbox)`,
	`CREATE INDEX IF NOT EXISTS datasets_server_idx ON datasets (server_id)`,
	`CREATE INDEX IF NOT EXISTS datasets_name_idx ON datasets USING GIN (to_tsvector('english', name || ' ' || description))`,

	`CREATE TABLE IF NOT EXISTS crawl_jobs (
		id UUID PRIMARY KEY,
		server_id UUID NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		status TEXT NOT NULL DEFAULT 'pending',
		stage TEXT NOT NULL DEFAULT '',
		total_services INT NOT NULL DEFAULT 0,
		services_processed INT NOT NULL DEFAULT 0,
		datasets_discovered INT NOT NULL DEFAULT 0,
		datasets_new INT NOT NULL DEFAULT 0,
		datasets_updated INT NOT NULL DEFAULT 0,
		retry_count INT NOT NULL DEFAULT 0,
		task_id TEXT NOT NULL DEFAULT '',
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS download_jobs (
		id UUID PRIMARY KEY,
		dataset_id UUID NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
		status TEXT NOT NULL DEFAULT 'pending',
		stage TEXT NOT NULL DEFAULT '',
		strategy TEXT NOT NULL DEFAULT 'paged',
		total_chunks INT NOT NULL DEFAULT 0,
		completed_chunks INT NOT NULL DEFAULT 0,
		total_features BIGINT,
		features_downloaded BIGINT NOT NULL DEFAULT 0,
		features_stored BIGINT NOT NULL DEFAULT 0,
		output_path TEXT,
		retry_count INT NOT NULL DEFAULT 0,
		task_id TEXT NOT NULL DEFAULT '',
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS download_chunks (
		id UUID PRIMARY KEY,
		job_id UUID NOT NULL REFERENCES download_jobs(id) ON DELETE CASCADE,
		ordinal INT NOT NULL,
		strategy TEXT NOT NULL,
		params JSONB,
		status TEXT NOT NULL DEFAULT 'pending',
		output_key TEXT,
		feature_count BIGINT NOT NULL DEFAULT 0,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		error TEXT,
		UNIQUE (job_id, ordinal)
	)`,

	`CREATE TABLE IF NOT EXISTS export_jobs (
		id UUID PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'pending',
		stage TEXT NOT NULL DEFAULT '',
		format TEXT NOT NULL,
		dataset_ids JSONB NOT NULL,
		clip_geojson TEXT,
		params JSONB,
		requested_by TEXT,
		output_key TEXT,
		output_size_bytes BIGINT NOT NULL DEFAULT 0,
		expires_at TIMESTAMPTZ,
		retry_count INT NOT NULL DEFAULT 0,
		task_id TEXT NOT NULL DEFAULT '',
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS change_checks (
		id UUID PRIMARY KEY,
		dataset_id UUID NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
		checked_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		method TEXT NOT NULL,
		changed BOOLEAN NOT NULL,
		conclusive BOOLEAN NOT NULL,
		elapsed_ms BIGINT NOT NULL DEFAULT 0,
		triggered_download BOOLEAN NOT NULL DEFAULT false,
		details JSONB,
		error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS change_checks_dataset_idx ON change_checks (dataset_id, checked_at DESC)`,

	`CREATE TABLE IF NOT EXISTS themes (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		aliases JSONB,
		parent_code TEXT REFERENCES themes(code),
		display_order INT NOT NULL DEFAULT 0
	)`,
}
