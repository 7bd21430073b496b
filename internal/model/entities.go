package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/spheraform/spheraform/internal/geom"
)

type Server struct {
	ID                 uuid.UUID    `db:"id" json:"id"`
	Name               string       `db:"name" json:"name"`
	BaseURL            string       `db:"base_url" json:"base_url"`
	Provider           ProviderKind `db:"provider" json:"provider"`
	Description        string       `db:"description" json:"description,omitempty"`
	ContactEmail       string       `db:"contact_email" json:"contact_email,omitempty"`
	Organization       string       `db:"organization" json:"organization,omitempty"`
	Country            string       `db:"country" json:"country,omitempty"`
	Auth               JSONMap      `db:"auth" json:"-"`
	Capabilities       JSONMap      `db:"capabilities" json:"capabilities,omitempty"`
	Connection         JSONMap      `db:"connection" json:"-"`
	RateLimits         JSONMap      `db:"rate_limits" json:"rate_limits,omitempty"`
	Health             Health       `db:"health" json:"health"`
	CrawlIntervalHours int          `db:"crawl_interval_hours" json:"crawl_interval_hours"`
	DatasetCount       int          `db:"dataset_count" json:"dataset_count"`
	ActiveDatasetCount int          `db:"active_dataset_count" json:"active_dataset_count"`
	LastCrawledAt      *time.Time   `db:"last_crawled_at" json:"last_crawled_at,omitempty"`
	CreatedAt          time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at" json:"updated_at"`
}

type Dataset struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	ServerID    uuid.UUID  `db:"server_id" json:"server_id"`
	ExternalID  string     `db:"external_id" json:"external_id"`
	Name        string     `db:"name" json:"name"`
	Description string     `db:"description" json:"description,omitempty"`
	Keywords    StringList `db:"keywords" json:"keywords,omitempty"`
	Themes      StringList `db:"themes" json:"themes,omitempty"`
	AccessURL   string     `db:"access_url" json:"access_url"`

	// Always EPSG:4326; reprojected on ingestion when the source differs.
	BBox *geom.BBox `db:"-" json:"bbox,omitempty"`

	FeatureCount   *int64 `db:"feature_count" json:"feature_count,omitempty"`
	ServiceItemID  string `db:"service_item_id" json:"service_item_id,omitempty"`
	GeometryType   string `db:"geometry_type" json:"geometry_type,omitempty"`
	SourceSRID     int    `db:"source_srid" json:"source_srid,omitempty"`
	MaxRecordCount int    `db:"max_record_count" json:"max_record_count,omitempty"`

	CachedETag         *string    `db:"cached_etag" json:"-"`
	CachedLastModified *string    `db:"cached_last_modified" json:"-"`
	MetadataHash       *string    `db:"metadata_hash" json:"-"`
	SourceUpdatedAt    *time.Time `db:"source_updated_at" json:"source_updated_at,omitempty"`
	LastCheckedAt      *time.Time `db:"last_checked_at" json:"last_checked_at,omitempty"`
	ChangeDetected     bool       `db:"change_detected" json:"change_detected"`

	IsCached       bool        `db:"is_cached" json:"is_cached"`
	CachedAt       *time.Time  `db:"cached_at" json:"cached_at,omitempty"`
	CacheTable     *string     `db:"cache_table" json:"cache_table,omitempty"`
	S3DataKey      *string     `db:"s3_data_key" json:"s3_data_key,omitempty"`
	S3TilesKey     *string     `db:"s3_tiles_key" json:"s3_tiles_key,omitempty"`
	StorageMode    StorageMode `db:"storage_mode" json:"storage_mode,omitempty"`
	TilesGenerated bool        `db:"tiles_generated" json:"tiles_generated"`
	TilesSizeBytes int64       `db:"tiles_size_bytes" json:"tiles_size_bytes,omitempty"`

	DownloadStrategy DownloadStrategy `db:"download_strategy" json:"download_strategy"`

	License     string `db:"license" json:"license,omitempty"`
	Attribution string `db:"attribution" json:"attribution,omitempty"`

	QualityScore      *float64   `db:"quality_score" json:"quality_score,omitempty"`
	HasGeometryErrors bool       `db:"has_geometry_errors" json:"has_geometry_errors"`
	LastValidatedAt   *time.Time `db:"last_validated_at" json:"last_validated_at,omitempty"`

	SourceMetadata JSONMap   `db:"source_metadata" json:"source_metadata,omitempty"`
	IsActive       bool      `db:"is_active" json:"is_active"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

type CrawlJob struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	ServerID           uuid.UUID  `db:"server_id" json:"server_id"`
	Status             JobStatus  `db:"status" json:"status"`
	Stage              string     `db:"stage" json:"stage,omitempty"`
	TotalServices      int        `db:"total_services" json:"total_services"`
	ServicesProcessed  int        `db:"services_processed" json:"services_processed"`
	DatasetsDiscovered int        `db:"datasets_discovered" json:"datasets_discovered"`
	DatasetsNew        int        `db:"datasets_new" json:"datasets_new"`
	DatasetsUpdated    int        `db:"datasets_updated" json:"datasets_updated"`
	RetryCount         int        `db:"retry_count" json:"retry_count"`
	TaskID             string     `db:"task_id" json:"task_id,omitempty"`
	Error              *string    `db:"error" json:"error,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	StartedAt          *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt        *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

type DownloadJob struct {
	ID                 uuid.UUID        `db:"id" json:"id"`
	DatasetID          uuid.UUID        `db:"dataset_id" json:"dataset_id"`
	Status             JobStatus        `db:"status" json:"status"`
	Stage              string           `db:"stage" json:"stage,omitempty"`
	Strategy           DownloadStrategy `db:"strategy" json:"strategy"`
	TotalChunks        int              `db:"total_chunks" json:"total_chunks"`
	CompletedChunks    int              `db:"completed_chunks" json:"completed_chunks"`
	TotalFeatures      *int64           `db:"total_features" json:"total_features,omitempty"`
	FeaturesDownloaded int64            `db:"features_downloaded" json:"features_downloaded"`
	FeaturesStored     int64            `db:"features_stored" json:"features_stored"`
	OutputPath         *string          `db:"output_path" json:"output_path,omitempty"`
	RetryCount         int              `db:"retry_count" json:"retry_count"`
	TaskID             string           `db:"task_id" json:"task_id,omitempty"`
	Error              *string          `db:"error" json:"error,omitempty"`
	CreatedAt          time.Time        `db:"created_at" json:"created_at"`
	StartedAt          *time.Time       `db:"started_at" json:"started_at,omitempty"`
	CompletedAt        *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
}

// Progress reports (done, total, pct). pct is meaningful only when ok.
func (j DownloadJob) Progress() (done, total int64, pct float64, ok bool) {
	done = j.FeaturesDownloaded
	if j.FeaturesStored > done {
		done = j.FeaturesStored
	}
	if j.TotalFeatures == nil || *j.TotalFeatures <= 0 {
		return done, 0, 0, false
	}
	total = *j.TotalFeatures
	pct = float64(done) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	return done, total, pct, true
}

type ExportJob struct {
	ID              uuid.UUID    `db:"id" json:"id"`
	Status          JobStatus    `db:"status" json:"status"`
	Stage           string       `db:"stage" json:"stage,omitempty"`
	Format          ExportFormat `db:"format" json:"format"`
	DatasetIDs      UUIDList     `db:"dataset_ids" json:"dataset_ids"`
	ClipGeoJSON     *string      `db:"clip_geojson" json:"clip_geojson,omitempty"`
	Params          JSONMap      `db:"params" json:"params,omitempty"`
	RequestedBy     *string      `db:"requested_by" json:"requested_by,omitempty"`
	OutputKey       *string      `db:"output_key" json:"output_key,omitempty"`
	OutputSizeBytes int64        `db:"output_size_bytes" json:"output_size_bytes,omitempty"`
	ExpiresAt       *time.Time   `db:"expires_at" json:"expires_at,omitempty"`
	RetryCount      int          `db:"retry_count" json:"retry_count"`
	TaskID          string       `db:"task_id" json:"task_id,omitempty"`
	Error           *string      `db:"error" json:"error,omitempty"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
	StartedAt       *time.Time   `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
}

type DownloadChunk struct {
	ID           uuid.UUID     `db:"id" json:"id"`
	JobID        uuid.UUID     `db:"job_id" json:"job_id"`
	Ordinal      int           `db:"ordinal" json:"ordinal"`
	Strategy     ChunkStrategy `db:"strategy" json:"strategy"`
	Params       JSONMap       `db:"params" json:"params,omitempty"`
	Status       JobStatus     `db:"status" json:"status"`
	OutputKey    *string       `db:"output_key" json:"output_key,omitempty"`
	FeatureCount int64         `db:"feature_count" json:"feature_count"`
	SizeBytes    int64         `db:"size_bytes" json:"size_bytes"`
	StartedAt    *time.Time    `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
	Error        *string       `db:"error" json:"error,omitempty"`
}

type ChangeCheck struct {
	ID                uuid.UUID    `db:"id" json:"id"`
	DatasetID         uuid.UUID    `db:"dataset_id" json:"dataset_id"`
	CheckedAt         time.Time    `db:"checked_at" json:"checked_at"`
	Method            ChangeMethod `db:"method" json:"method"`
	Changed           bool         `db:"changed" json:"changed"`
	Conclusive        bool         `db:"conclusive" json:"conclusive"`
	ElapsedMS         int64        `db:"elapsed_ms" json:"elapsed_ms"`
	TriggeredDownload bool         `db:"triggered_download" json:"triggered_download"`
	Details           JSONMap      `db:"details" json:"details,omitempty"`
	Error             *string      `db:"error" json:"error,omitempty"`
}

type Theme struct {
	Code         string     `db:"code" json:"code"`
	Name         string     `db:"name" json:"name"`
	Description  string     `db:"description" json:"description,omitempty"`
	Aliases      StringList `db:"aliases" json:"aliases,omitempty"`
	ParentCode   *string    `db:"parent_code" json:"parent_code,omitempty"`
	DisplayOrder int        `db:"display_order" json:"display_order"`
}
