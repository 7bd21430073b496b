package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spheraform/spheraform/internal/middleware"
)

func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// Router assembles the full HTTP surface.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recover(a.log))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging(a.log))
	r.Use(middleware.CORS())

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/servers", func(r chi.Router) {
			r.Post("/", a.handleCreateServer)
			r.Get("/", a.handleListServers)
			r.Get("/{id}", a.handleGetServer)
			r.Put("/{id}", a.handleUpdateServer)
			r.Delete("/{id}", a.handleDeleteServer)
			r.Post("/{id}/crawl", a.handleCrawlServer)
		})

		r.Route("/datasets", func(r chi.Router) {
			r.Get("/", a.handleSearchDatasets)
			r.Get("/{id}", a.handleGetDataset)
			r.Get("/{id}/preview", a.handlePreviewDataset)
			r.Get("/{id}/file", a.handleDatasetFile)
			r.Get("/{id}/changes", a.handleChangeHistory)
			r.Post("/{id}/check", a.handleCheckDataset)
			r.Post("/{id}/download", a.handleDownloadDataset)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/{kind}/{id}", a.handleGetJob)
			r.Post("/{kind}/{id}/cancel", a.handleCancelJob)
			r.Get("/download/{id}/chunks", a.handleJobChunks)
		})

		r.Route("/exports", func(r chi.Router) {
			r.Post("/", a.handleCreateExport)
			r.Get("/{id}", a.handleGetExport)
		})

		r.Get("/themes", a.handleListThemes)
		r.Get("/themes/facets", a.handleThemeFacets)
	})

	return r
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz pings every registered dependency with a short deadline.
func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := map[string]string{}
	ready := true
	for name, p := range a.deps.Readiness {
		if err := p.Ping(ctx); err != nil {
			deps[name] = err.Error()
			ready = false
		} else {
			deps[name] = "ok"
		}
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	respond(w, status, map[string]any{"ready": ready, "dependencies": deps})
}
