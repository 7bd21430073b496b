// Package adapter defines the contract every provider implementation
// satisfies: probe, discover, change-check, download, preview. Concrete
// adapters register themselves by provider kind and are selected per server.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/spheraform/spheraform/internal/geom"
	"github.com/spheraform/spheraform/internal/model"
)

var ErrUnsupportedProvider = errors.New("unsupported provider kind")

// Capabilities describes what a remote server can do, probed once per crawl.
type Capabilities struct {
	MaxFeaturesPerRequest int      `json:"max_features_per_request"`
	SupportsPagination    bool     `json:"supports_pagination"`
	SupportsOIDQuery      bool     `json:"supports_oid_query"`
	OIDFieldName          string   `json:"oid_field_name"`
	SupportsBBoxFilter    bool     `json:"supports_bbox_filter"`
	OutputFormats         []string `json:"output_formats"`
}

// DatasetMetadata is one normalized layer emitted by discovery.
type DatasetMetadata struct {
	ExternalID     string
	Name           string
	Description    string
	Keywords       []string
	Themes         []string
	AccessURL      string
	BBox           *geom.BBox
	FeatureCount   *int64
	ServiceItemID  string
	GeometryType   string
	SourceSRID     int
	MaxRecordCount int
	LastEditDate   *time.Time
	Attribution    string
	License        string
	SourceMetadata model.JSONMap
}

// DatasetRef is the minimal handle an adapter needs to address one layer.
type DatasetRef struct {
	ExternalID     string
	AccessURL      string
	MaxRecordCount int
	OIDField       string
}

// Hints carries the cached change-detection signals for a dataset.
type Hints struct {
	ETag            string
	LastModified    string
	MetadataHash    string
	SourceUpdatedAt *time.Time
	FeatureCount    *int64
}

// ChangeInfo is always returned, even on probe failure.
type ChangeInfo struct {
	Method     model.ChangeMethod
	Changed    bool
	Conclusive bool
	ElapsedMS  int64
	Details    map[string]any
	Err        string
}

type DownloadResult struct {
	Path         string
	FeatureCount int64
	Bytes        int64
	Pages        int
	Duration     time.Duration
}

// ProgressFunc receives (features done, total). total may be 0 when unknown.
type ProgressFunc func(done, total int64)

type PagedOptions struct {
	PageSize int
	Filter   *geom.BBox
	Progress ProgressFunc
}

type Adapter interface {
	Provider() model.ProviderKind

	// ProbeCapabilities never fails hard; it returns provider defaults when
	// the probe cannot reach the server.
	ProbeCapabilities(ctx context.Context) Capabilities
	HealthCheck(ctx context.Context) bool

	// DiscoverDatasets pushes layers to emit as they are found. The sequence
	// is finite and not restartable. A non-nil error from emit stops the walk.
	DiscoverDatasets(ctx context.Context, emit func(DatasetMetadata) error) error

	CheckChanged(ctx context.Context, ref DatasetRef, hints Hints) ChangeInfo

	DownloadSimple(ctx context.Context, ref DatasetRef, outPath string, filter *geom.BBox) (DownloadResult, error)
	DownloadPaged(ctx context.Context, ref DatasetRef, outPath string, opts PagedOptions) (DownloadResult, error)
	DownloadParallel(ctx context.Context, ref DatasetRef, outPath string, workers int) (DownloadResult, error)

	Preview(ctx context.Context, ref DatasetRef, limit int) (json.RawMessage, error)
	FeatureCount(ctx context.Context, ref DatasetRef) (int64, error)
}

// OIDRanger is implemented by adapters whose provider supports ID-range
// queries; the chunked download path requires it.
type OIDRanger interface {
	OIDRange(ctx context.Context, ref DatasetRef) (min, max int64, err error)
	DownloadOIDRange(ctx context.Context, ref DatasetRef, outPath string, min, max int64) (DownloadResult, error)
}

// ServiceLister is implemented by adapters whose catalog is organized into
// services; the crawl fan-out parallelizes over them.
type ServiceLister interface {
	ListServices(ctx context.Context) ([]string, error)
	ServiceDatasets(ctx context.Context, serviceURL string, emit func(DatasetMetadata) error) error
}

// Deps is what a concrete adapter gets to work with.
type Deps struct {
	BaseURL string
	Client  *http.Client
	Auth    model.JSONMap
	Log     zerolog.Logger
}

type Builder func(Deps) Adapter

var registry = map[model.ProviderKind]Builder{}

// Register wires a concrete adapter in; called from package init.
func Register(kind model.ProviderKind, b Builder) {
	registry[kind] = b
}

func New(kind model.ProviderKind, deps Deps) (Adapter, error) {
	b, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, kind)
	}
	return b(deps), nil
}

// ForServer builds the adapter for a server row.
func ForServer(srv *model.Server, client *http.Client, log zerolog.Logger) (Adapter, error) {
	return New(srv.Provider, Deps{
		BaseURL: srv.BaseURL,
		Client:  client,
		Auth:    srv.Auth,
		Log:     log,
	})
}

// parallelThreshold is the feature count above which range-parallel fetch
// pays off.
const parallelThreshold = 5000

// SelectStrategy picks the download strategy when the caller knows the
// feature count.
func SelectStrategy(n int64, caps Capabilities) model.DownloadStrategy {
	if n > 0 && n < parallelThreshold {
		return model.StrategyPaged
	}
	if caps.SupportsOIDQuery {
		return model.StrategyChunked
	}
	return model.StrategyPaged
}
