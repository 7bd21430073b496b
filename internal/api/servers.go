package api

import (
	"net/http"

	"github.com/spheraform/spheraform/internal/model"
)

type createServerRequest struct {
	Name               string        `json:"name"`
	BaseURL            string        `json:"base_url"`
	Provider           string        `json:"provider"`
	Description        string        `json:"description"`
	ContactEmail       string        `json:"contact_email"`
	Organization       string        `json:"organization"`
	Country            string        `json:"country"`
	Auth               model.JSONMap `json:"auth"`
	Connection         model.JSONMap `json:"connection"`
	RateLimits         model.JSONMap `json:"rate_limits"`
	CrawlIntervalHours int           `json:"crawl_interval_hours"`
}

func (a *API) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" || req.BaseURL == "" {
		respondErr(w, http.StatusBadRequest, "name and base_url are required")
		return
	}
	provider := model.ProviderKind(req.Provider)
	if !provider.Valid() {
		respondErr(w, http.StatusBadRequest, "unknown provider "+req.Provider)
		return
	}

	srv := &model.Server{
		Name:               req.Name,
		BaseURL:            req.BaseURL,
		Provider:           provider,
		Description:        req.Description,
		ContactEmail:       req.ContactEmail,
		Organization:       req.Organization,
		Country:            req.Country,
		Auth:               req.Auth,
		Connection:         req.Connection,
		RateLimits:         req.RateLimits,
		CrawlIntervalHours: req.CrawlIntervalHours,
	}
	if err := a.deps.Store.CreateServer(r.Context(), srv); err != nil {
		a.fail(w, err)
		return
	}
	respond(w, http.StatusCreated, srv)
}

func (a *API) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := a.deps.Store.ListServers(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"servers": servers, "count": len(servers)})
}

func (a *API) handleGetServer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid server id")
		return
	}
	srv, err := a.deps.Store.GetServer(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	respond(w, http.StatusOK, srv)
}

func (a *API) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid server id")
		return
	}
	srv, err := a.deps.Store.GetServer(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}

	var req createServerRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name != "" {
		srv.Name = req.Name
	}
	if req.BaseURL != "" {
		srv.BaseURL = req.BaseURL
	}
	if req.Description != "" {
		srv.Description = req.Description
	}
	if req.ContactEmail != "" {
		srv.ContactEmail = req.ContactEmail
	}
	if req.Organization != "" {
		srv.Organization = req.Organization
	}
	if req.Country != "" {
		srv.Country = req.Country
	}
	if req.Auth != nil {
		srv.Auth = req.Auth
	}
	if req.Connection != nil {
		srv.Connection = req.Connection
	}
	if req.RateLimits != nil {
		srv.RateLimits = req.RateLimits
	}
	if req.CrawlIntervalHours > 0 {
		srv.CrawlIntervalHours = req.CrawlIntervalHours
	}
	if err := a.deps.Store.UpdateServer(r.Context(), srv); err != nil {
		a.fail(w, err)
		return
	}
	respond(w, http.StatusOK, srv)
}

func (a *API) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid server id")
		return
	}
	if err := a.deps.Store.DeleteServer(r.Context(), id); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCrawlServer creates a crawl job and queues it.
func (a *API) handleCrawlServer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid server id")
		return
	}
	if _, err := a.deps.Store.GetServer(r.Context(), id); err != nil {
		a.fail(w, err)
		return
	}
	job, err := a.deps.Store.CreateCrawlJob(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	if err := a.deps.Queue.Enqueue(model.JobCrawl, job.ID); err != nil {
		a.fail(w, err)
		return
	}
	respond(w, http.StatusAccepted, job)
}
