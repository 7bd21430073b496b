package api

import (
	"net/http"

	"github.com/spheraform/spheraform/internal/model"
)

func jobKind(raw string) (model.JobKind, bool) {
	switch kind := model.JobKind(raw); kind {
	case model.JobCrawl, model.JobDownload, model.JobExport:
		return kind, true
	default:
		return "", false
	}
}

type progressInfo struct {
	Done    int64   `json:"done"`
	Total   int64   `json:"total,omitempty"`
	Percent float64 `json:"percent,omitempty"`
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	kind, ok := jobKind(urlParam(r, "kind"))
	if !ok {
		respondErr(w, http.StatusBadRequest, "job kind must be crawl, download, or export")
		return
	}
	id, ok := pathID(r, "id")
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid job id")
		return
	}

	resp := map[string]any{"kind": kind}
	switch kind {
	case model.JobCrawl:
		job, err := a.deps.Store.GetCrawlJob(r.Context(), id)
		if err != nil {
			a.fail(w, err)
			return
		}
		resp["job"] = job
	case model.JobDownload:
		job, err := a.deps.Store.GetDownloadJob(r.Context(), id)
		if err != nil {
			a.fail(w, err)
			return
		}
		resp["job"] = job
		done, total, pct, known := job.Progress()
		p := progressInfo{Done: done}
		if known {
			p.Total = total
			p.Percent = pct
		}
		resp["progress"] = p
	case model.JobExport:
		job, err := a.deps.Store.GetExportJob(r.Context(), id)
		if err != nil {
			a.fail(w, err)
			return
		}
		resp["job"] = job
	}
	respond(w, http.StatusOK, resp)
}

// handleCancelJob flips the job row; the broadcast just shortens the time
// until a running worker notices.
func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	kind, ok := jobKind(urlParam(r, "kind"))
	if !ok {
		respondErr(w, http.StatusBadRequest, "job kind must be crawl, download, or export")
		return
	}
	id, ok := pathID(r, "id")
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid job id")
		return
	}

	cancelled, err := a.deps.Store.RequestCancel(r.Context(), kind, id)
	if err != nil {
		a.fail(w, err)
		return
	}
	if !cancelled {
		respondErr(w, http.StatusConflict, "job is already finished")
		return
	}
	if a.deps.Cancels != nil {
		if err := a.deps.Cancels.PublishCancel(r.Context(), id); err != nil {
			a.log.Warn().Err(err).Str("job_id", id.String()).Msg("cancel broadcast failed")
		}
	}
	respond(w, http.StatusAccepted, map[string]any{"cancelled": true})
}

func (a *API) handleJobChunks(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid job id")
		return
	}
	chunks, err := a.deps.Store.JobChunks(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"chunks": chunks, "count": len(chunks)})
}
