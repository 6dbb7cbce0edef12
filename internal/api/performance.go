package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handlePerformanceHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.mdl.PerformanceHistory(r.Context(), chi.URLParam(r, "tileID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handlePerformanceAnomalies(w http.ResponseWriter, r *http.Request) {
	entries, err := s.mdl.Anomalies(r.Context(), chi.URLParam(r, "tileID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
