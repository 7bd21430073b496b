package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/spheraform/spheraform/internal/adapter"
	"github.com/spheraform/spheraform/internal/catalog"
	"github.com/spheraform/spheraform/internal/geom"
	"github.com/spheraform/spheraform/internal/model"
)

const maxSearchLimit = 500

// handleSearchDatasets answers /datasets?q=&bbox=&rel=&themes=&server_id=&cached=&limit=&offset=.
func (a *API) handleSearchDatasets(w http.ResponseWriter, r *http.Request) {
	qv := r.URL.Query()
	q := catalog.SearchQuery{
		Text:   strings.TrimSpace(qv.Get("q")),
		Limit:  50,
		Offset: 0,
	}

	if raw := qv.Get("bbox"); raw != "" {
		bbox, err := geom.ParseBBox(raw)
		if err != nil {
			respondErr(w, http.StatusBadRequest, err.Error())
			return
		}
		q.BBox = &bbox
		rel := catalog.SpatialRel(qv.Get("rel"))
		if rel == "" {
			rel = catalog.RelIntersects
		}
		switch rel {
		case catalog.RelIntersects, catalog.RelContains, catalog.RelWithin:
			q.Rel = rel
		default:
			respondErr(w, http.StatusBadRequest, "rel must be intersects, contains, or within")
			return
		}
	}

	if raw := qv.Get("themes"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				q.Themes = append(q.Themes, t)
			}
		}
	}
	if raw := qv.Get("server_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondErr(w, http.StatusBadRequest, "invalid server_id")
			return
		}
		q.ServerID = id
	}
	q.OnlyCached = qv.Get("cached") == "true"
	if n, err := strconv.Atoi(qv.Get("limit")); err == nil && n > 0 {
		q.Limit = min(n, maxSearchLimit)
	}
	if n, err := strconv.Atoi(qv.Get("offset")); err == nil && n >= 0 {
		q.Offset = n
	}

	datasets, err := a.deps.Store.SearchDatasets(r.Context(), q)
	if err != nil {
		a.fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"datasets": datasets,
		"count":    len(datasets),
		"limit":    q.Limit,
		"offset":   q.Offset,
	})
}

func (a *API) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid dataset id")
		return
	}
	ds, err := a.deps.Store.GetDataset(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	respond(w, http.StatusOK, ds)
}

// handlePreviewDataset proxies a small feature sample straight from the
// source server, bypassing the cache.
func (a *API) handlePreviewDataset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid dataset id")
		return
	}
	ds, err := a.deps.Store.GetDataset(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	srv, err := a.deps.Store.GetServer(r.Context(), ds.ServerID)
	if err != nil {
		a.fail(w, err)
		return
	}
	ad, err := a.deps.Adapters(srv)
	if err != nil {
		a.fail(w, err)
		return
	}

	limit := 10
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 100 {
		limit = n
	}
	preview, err := ad.Preview(r.Context(), adapter.DatasetRef{
		ExternalID:     ds.ExternalID,
		AccessURL:      ds.AccessURL,
		MaxRecordCount: ds.MaxRecordCount,
	}, limit)
	if err != nil {
		respondErr(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(preview)
}

// handleDatasetFile hands out a presigned URL for object-stored data.
func (a *API) handleDatasetFile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid dataset id")
		return
	}
	ds, err := a.deps.Store.GetDataset(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	if !ds.IsCached {
		respondErr(w, http.StatusConflict, "dataset is not cached")
		return
	}
	if ds.S3DataKey == nil {
		respondErr(w, http.StatusConflict, "dataset is cached in postgis; request an export instead")
		return
	}
	url, err := a.deps.Presign.Presign(r.Context(), *ds.S3DataKey, a.deps.PresignExpiry)
	if err != nil {
		a.fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_in": int(a.deps.PresignExpiry.Seconds()),
	})
}

func (a *API) handleChangeHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid dataset id")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	checks, err := a.deps.Store.ChangeHistory(r.Context(), id, limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"checks": checks, "count": len(checks)})
}

// handleCheckDataset runs a change check now. With ?download=true a detected
// (or undetectable) change queues a refresh download.
func (a *API) handleCheckDataset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid dataset id")
		return
	}
	outcome, err := a.deps.Checker.Check(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}

	resp := map[string]any{
		"check":           outcome.Check,
		"should_download": outcome.ShouldDownload(),
	}
	if r.URL.Query().Get("download") == "true" && outcome.ShouldDownload() {
		job, err := a.deps.Store.CreateDownloadJob(r.Context(), id, "")
		if err != nil {
			a.fail(w, err)
			return
		}
		if err := a.deps.Queue.Enqueue(model.JobDownload, job.ID); err != nil {
			a.fail(w, err)
			return
		}
		resp["download_job"] = job
	}
	respond(w, http.StatusOK, resp)
}

type downloadRequest struct {
	Strategy string `json:"strategy"`
}

// handleDownloadDataset queues a download job for the dataset.
func (a *API) handleDownloadDataset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid dataset id")
		return
	}
	if _, err := a.deps.Store.GetDataset(r.Context(), id); err != nil {
		a.fail(w, err)
		return
	}

	var strategy model.DownloadStrategy
	if r.ContentLength > 0 {
		var req downloadRequest
		if err := decodeBody(r, &req); err != nil {
			respondErr(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Strategy != "" {
			strategy = model.DownloadStrategy(req.Strategy)
			if !strategy.Valid() {
				respondErr(w, http.StatusBadRequest, "unknown strategy "+req.Strategy)
				return
			}
		}
	}

	job, err := a.deps.Store.CreateDownloadJob(r.Context(), id, strategy)
	if err != nil {
		a.fail(w, err)
		return
	}
	if err := a.deps.Queue.Enqueue(model.JobDownload, job.ID); err != nil {
		a.fail(w, err)
		return
	}
	respond(w, http.StatusAccepted, job)
}

func (a *API) handleListThemes(w http.ResponseWriter, r *http.Request) {
	themes, err := a.deps.Store.ListThemes(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"themes": themes})
}

func (a *API) handleThemeFacets(w http.ResponseWriter, r *http.Request) {
	facets, err := a.deps.Store.ThemeFacets(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"facets": facets})
}
