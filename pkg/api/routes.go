package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	if s.cfg.Server.BasePath == "" {
		s.mountRoutes(r)
	} else {
		r.Route(s.cfg.Server.BasePath, s.mountRoutes)
	}

	return r
}

// mountRoutes registers every endpoint relative to the base path.
func (s *server) mountRoutes(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.handler())
	r.Get("/config", s.handleConfig)

	// Read endpoints used by the dashboard.
	r.Group(func(r chi.Router) {
		if s.cfg.Server.RateLimit.Enabled {
			r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.Public))
		}

		r.Get("/reports", s.handleListReports)
		r.Get("/reports/{id}", s.handleGetReport)
		r.Get("/reports/{id}/details", s.handleGetReportDetails)
		r.Get("/reports/{id}/download", s.handleDownloadReport)
		r.Get("/projects", s.handleListProjects)
		r.Get("/types", s.handleListTypes)

		r.Get("/preview/*", s.previewFiles.ServeHTTP)
		r.Head("/preview/*", s.previewFiles.ServeHTTP)
	})

	// Mutating endpoints.
	r.Group(func(r chi.Router) {
		if s.cfg.Server.RateLimit.Enabled {
			r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.Upload))
		}

		r.Post("/reports", s.handleUpload)
		r.Patch("/reports/{id}", s.handleRenameReport)
		r.Delete("/reports/{id}", s.handleDeleteReport)
		r.Delete("/reports", s.handleDeleteReports)
	})
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
