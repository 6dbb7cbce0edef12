package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/forestshield/forestshield/internal/fserr"
	"github.com/forestshield/forestshield/internal/models"
)

type regionRequest struct {
	Name                string             `json:"name" validate:"required,min=1,max=128"`
	Center              models.Coordinates `json:"center" validate:"required"`
	RadiusKm            float64            `json:"radiusKm" validate:"gt=0,lte=500"`
	CloudCoverThreshold float64            `json:"cloudCoverThreshold" validate:"gte=0,lte=100"`
}

type regionStatusRequest struct {
	Status models.RegionStatus `json:"status" validate:"required,oneof=ACTIVE PAUSED"`
}

func (s *Server) handleListRegions(w http.ResponseWriter, r *http.Request) {
	regions, err := s.state.ListRegions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, regions)
}

func (s *Server) handleCreateRegion(w http.ResponseWriter, r *http.Request) {
	var req regionRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	region := &models.Region{
		ID:                  uuid.NewString(),
		Name:                req.Name,
		Center:              req.Center,
		RadiusKm:            req.RadiusKm,
		CloudCoverThreshold: req.CloudCoverThreshold,
		Status:              models.RegionStatusActive,
		CreatedAt:           time.Now().UTC(),
	}
	if err := s.state.CreateRegion(r.Context(), region); err != nil {
		writeError(w, err)
		return
	}
	log.Info().Str("region", region.ID).Str("name", region.Name).Msg("Region created")
	writeJSON(w, http.StatusCreated, region)
}

func (s *Server) handleGetRegion(w http.ResponseWriter, r *http.Request) {
	region, err := s.state.GetRegion(r.Context(), chi.URLParam(r, "regionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, region)
}

func (s *Server) handleUpdateRegion(w http.ResponseWriter, r *http.Request) {
	var req regionRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	region, err := s.state.GetRegion(r.Context(), chi.URLParam(r, "regionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	region.Name = req.Name
	region.Center = req.Center
	region.RadiusKm = req.RadiusKm
	region.CloudCoverThreshold = req.CloudCoverThreshold
	if err := s.state.UpdateRegion(r.Context(), region); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, region)
}

func (s *Server) handleDeleteRegion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "regionID")
	if s.sched != nil {
		s.sched.Stop(id)
	}
	if err := s.state.DeleteRegion(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	log.Info().Str("region", id).Msg("Region deleted")
	writeJSON(w, http.StatusNoContent, nil)
}

// handleSetRegionStatus flips a region between ACTIVE and PAUSED. Pausing a
// region also tears down its schedule; completing runs are unaffected.
func (s *Server) handleSetRegionStatus(w http.ResponseWriter, r *http.Request) {
	var req regionStatusRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "regionID")
	if err := s.state.SetRegionStatus(r.Context(), id, req.Status); err != nil {
		writeError(w, err)
		return
	}
	if req.Status == models.RegionStatusPaused && s.sched != nil {
		s.sched.Stop(id)
	}
	region, err := s.state.GetRegion(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, region)
}

func parseLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fserr.Ef(fserr.KindValidation, "parse_limit", "invalid limit %q", raw)
	}
	if n > max {
		n = max
	}
	return n, nil
}
