// Package model holds the catalog domain types shared across services.
package model

type ProviderKind string

const (
	ProviderArcGIS       ProviderKind = "arcgis"
	ProviderWFS          ProviderKind = "wfs"
	ProviderWCS          ProviderKind = "wcs"
	ProviderCKAN         ProviderKind = "ckan"
	ProviderOpenDataSoft ProviderKind = "opendatasoft"
	ProviderS3Listing    ProviderKind = "s3_listing"
	ProviderAtom         ProviderKind = "atom"
	ProviderDirect       ProviderKind = "direct"
	ProviderGEE          ProviderKind = "gee"
)

func (p ProviderKind) Valid() bool {
	switch p {
	case ProviderArcGIS, ProviderWFS, ProviderWCS, ProviderCKAN, ProviderOpenDataSoft,
		ProviderS3Listing, ProviderAtom, ProviderDirect, ProviderGEE:
		return true
	}
	return false
}

type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthOffline  Health = "offline"
	HealthUnknown  Health = "unknown"
)

type JobKind string

const (
	JobCrawl    JobKind = "crawl"
	JobDownload JobKind = "download"
	JobExport   JobKind = "export"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal states are sinks; no transition leaves them.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type DownloadStrategy string

const (
	StrategySimple      DownloadStrategy = "simple"
	StrategyPaged       DownloadStrategy = "paged"
	StrategyChunked     DownloadStrategy = "chunked"
	StrategyDistributed DownloadStrategy = "distributed"
)

func (s DownloadStrategy) Valid() bool {
	switch s {
	case StrategySimple, StrategyPaged, StrategyChunked, StrategyDistributed:
		return true
	}
	return false
}

type StorageMode string

const (
	StoragePostGIS    StorageMode = "postgis"
	StorageGeoParquet StorageMode = "geoparquet"
	StorageHybrid     StorageMode = "hybrid"
)

type ChunkStrategy string

const (
	ChunkOIDRange    ChunkStrategy = "oid_range"
	ChunkOffset      ChunkStrategy = "offset"
	ChunkSpatialGrid ChunkStrategy = "spatial_grid"
)

type ChangeMethod string

const (
	MethodETag              ChangeMethod = "etag"
	MethodLastModified      ChangeMethod = "last_modified"
	MethodArcGISEditDate    ChangeMethod = "arcgis_edit_date"
	MethodWFSUpdateSequence ChangeMethod = "wfs_update_sequence"
	MethodCKANModified      ChangeMethod = "ckan_modified"
	MethodFeatureCount      ChangeMethod = "feature_count"
	MethodSampleChecksum    ChangeMethod = "sample_checksum"
	MethodMetadataHash      ChangeMethod = "metadata_hash"
)

type ExportFormat string

const (
	FormatGeoJSON    ExportFormat = "geojson"
	FormatGPKG       ExportFormat = "gpkg"
	FormatSHP        ExportFormat = "shp"
	FormatMBTiles    ExportFormat = "mbtiles"
	FormatPMTiles    ExportFormat = "pmtiles"
	FormatGeoParquet ExportFormat = "geoparquet"
	FormatCSV        ExportFormat = "csv"
	FormatKML        ExportFormat = "kml"
	FormatFGB        ExportFormat = "fgb"
)

func (f ExportFormat) Valid() bool {
	switch f {
	case FormatGeoJSON, FormatGPKG, FormatSHP, FormatMBTiles, FormatPMTiles,
		FormatGeoParquet, FormatCSV, FormatKML, FormatFGB:
		return true
	}
	return false
}
