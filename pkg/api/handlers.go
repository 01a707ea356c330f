package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/reportoor/pkg/ingest"
	"github.com/ethpandaops/reportoor/pkg/storage"
	"github.com/ethpandaops/reportoor/pkg/store"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// messageResponse is a standard acknowledgement payload.
type messageResponse struct {
	Message string `json:"message"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps err to a status code and writes a generic body. The
// detailed error only goes to the log.
func (s *server) writeError(
	w http.ResponseWriter, log logrus.FieldLogger, err error, fallback string,
) {
	var verr *ingest.ValidationError

	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{verr.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"report not found"})
	case errors.Is(err, storage.ErrNotFound):
		log.WithError(err).Warn("Report artifact is missing from storage")
		writeJSON(w, http.StatusNotFound, errorResponse{"report artifact not found"})
	default:
		log.WithError(err).Error(fallback)
		writeJSON(w, http.StatusInternalServerError, errorResponse{fallback})
	}
}

// --- Public handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfig returns the settings the dashboard needs.
func (s *server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"logo_url":  s.cfg.UI.LogoURL,
		"base_path": s.cfg.Server.BasePath,
		"download":  s.presigner != nil,
	})
}

// handleListProjects returns the distinct project labels.
func (s *server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.writeError(w, s.log, err, "failed to list projects")

		return
	}

	writeJSON(w, http.StatusOK, projects)
}

// handleListTypes returns the distinct report types.
func (s *server) handleListTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.store.ListTypes(r.Context())
	if err != nil {
		s.writeError(w, s.log, err, "failed to list types")

		return
	}

	writeJSON(w, http.StatusOK, types)
}
