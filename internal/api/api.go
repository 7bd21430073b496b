// Package api exposes the catalog and job system over JSON HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spheraform/spheraform/internal/adapter"
	"github.com/spheraform/spheraform/internal/catalog"
	"github.com/spheraform/spheraform/internal/changedetect"
	"github.com/spheraform/spheraform/internal/model"
)

// Catalog is the slice of the catalog store the handlers use.
type Catalog interface {
	CreateServer(ctx context.Context, srv *model.Server) error
	GetServer(ctx context.Context, id uuid.UUID) (*model.Server, error)
	ListServers(ctx context.Context) ([]model.Server, error)
	UpdateServer(ctx context.Context, srv *model.Server) error
	DeleteServer(ctx context.Context, id uuid.UUID) error

	GetDataset(ctx context.Context, id uuid.UUID) (*model.Dataset, error)
	SearchDatasets(ctx context.Context, q catalog.SearchQuery) ([]model.Dataset, error)
	ThemeFacets(ctx context.Context) (map[string]int, error)
	ListThemes(ctx context.Context) ([]model.Theme, error)
	ChangeHistory(ctx context.Context, datasetID uuid.UUID, limit int) ([]model.ChangeCheck, error)

	CreateCrawlJob(ctx context.Context, serverID uuid.UUID) (*model.CrawlJob, error)
	CreateDownloadJob(ctx context.Context, datasetID uuid.UUID, strategy model.DownloadStrategy) (*model.DownloadJob, error)
	CreateExportJob(ctx context.Context, job *model.ExportJob) error
	GetCrawlJob(ctx context.Context, id uuid.UUID) (*model.CrawlJob, error)
	GetDownloadJob(ctx context.Context, id uuid.UUID) (*model.DownloadJob, error)
	GetExportJob(ctx context.Context, id uuid.UUID) (*model.ExportJob, error)
	JobChunks(ctx context.Context, jobID uuid.UUID) ([]model.DownloadChunk, error)
	RequestCancel(ctx context.Context, kind model.JobKind, id uuid.UUID) (bool, error)
}

// Enqueuer pushes accepted jobs onto the work queues.
type Enqueuer interface {
	Enqueue(kind model.JobKind, jobID uuid.UUID) error
}

// CancelBroadcaster tells running workers about a cancellation; the job row
// is the source of truth, the broadcast just makes it fast.
type CancelBroadcaster interface {
	PublishCancel(ctx context.Context, jobID uuid.UUID) error
}

// Presigner mints temporary URLs for stored artifacts.
type Presigner interface {
	Presign(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Checker runs an on-demand change check.
type Checker interface {
	Check(ctx context.Context, datasetID uuid.UUID) (changedetect.Outcome, error)
}

// Pinger reports dependency liveness for readiness probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

type AdapterFactory func(srv *model.Server) (adapter.Adapter, error)

type Deps struct {
	Store    Catalog
	Queue    Enqueuer
	Cancels  CancelBroadcaster
	Presign  Presigner
	Checker  Checker
	Adapters AdapterFactory

	PresignExpiry time.Duration
	Readiness     map[string]Pinger

	Log zerolog.Logger
}

type API struct {
	deps Deps
	log  zerolog.Logger
}

func New(deps Deps) *API {
	if deps.PresignExpiry <= 0 {
		deps.PresignExpiry = time.Hour
	}
	return &API{deps: deps, log: deps.Log}
}

type errorBody struct {
	Error string `json:"error"`
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func respondErr(w http.ResponseWriter, status int, msg string) {
	respond(w, status, errorBody{Error: msg})
}

// fail maps store errors onto HTTP statuses.
func (a *API) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, catalog.ErrNotFound) {
		respondErr(w, http.StatusNotFound, err.Error())
		return
	}
	a.log.Error().Err(err).Msg("request failed")
	respondErr(w, http.StatusInternalServerError, "internal error")
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func pathID(r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(urlParam(r, param))
	return id, err == nil
}
