package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/spheraform/spheraform/internal/model"
)

type createExportRequest struct {
	Format      string        `json:"format"`
	DatasetIDs  []uuid.UUID   `json:"dataset_ids"`
	ClipGeoJSON *string       `json:"clip_geojson,omitempty"`
	Params      model.JSONMap `json:"params,omitempty"`
	RequestedBy *string       `json:"requested_by,omitempty"`
}

func (a *API) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	var req createExportRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	format := model.ExportFormat(req.Format)
	if !format.Valid() {
		respondErr(w, http.StatusBadRequest, "unsupported format "+req.Format)
		return
	}
	if len(req.DatasetIDs) == 0 {
		respondErr(w, http.StatusBadRequest, "dataset_ids is required")
		return
	}

	job := &model.ExportJob{
		Format:      format,
		DatasetIDs:  req.DatasetIDs,
		ClipGeoJSON: req.ClipGeoJSON,
		Params:      req.Params,
		RequestedBy: req.RequestedBy,
	}
	if err := a.deps.Store.CreateExportJob(r.Context(), job); err != nil {
		a.fail(w, err)
		return
	}
	if err := a.deps.Queue.Enqueue(model.JobExport, job.ID); err != nil {
		a.fail(w, err)
		return
	}
	respond(w, http.StatusAccepted, job)
}

// handleGetExport returns the job, plus a presigned download URL once the
// artifact exists.
func (a *API) handleGetExport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid export id")
		return
	}
	job, err := a.deps.Store.GetExportJob(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}

	resp := map[string]any{"job": job}
	if job.Status == model.StatusCompleted && job.OutputKey != nil {
		url, err := a.deps.Presign.Presign(r.Context(), *job.OutputKey, a.deps.PresignExpiry)
		if err != nil {
			a.fail(w, err)
			return
		}
		resp["url"] = url
		resp["expires_in"] = int(a.deps.PresignExpiry.Seconds())
	}
	respond(w, http.StatusOK, resp)
}
