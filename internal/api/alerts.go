package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/forestshield/forestshield/internal/fserr"
	"github.com/forestshield/forestshield/internal/models"
)

// HeatmapPoint is one weighted sample for an external heatmap renderer.
// Intensity is the deforestation percentage scaled by confidence and
// normalized into [0,1] against the critical-risk threshold.
type HeatmapPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Intensity float64 `json:"intensity"`
	AlertID   string  `json:"alertId"`
	Level     string  `json:"level"`
}

const heatmapFullScalePct = 20.0

// handleHeatmap returns alert-derived points for the requested window,
// positioned at each alert's region center. The result is capped at
// MaxHeatmapPoints regardless of the requested limit.
func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseWindow(r)
	if err != nil {
		writeError(w, err)
		return
	}
	alerts, err := s.state.AlertsInWindow(r.Context(), from, to, models.MaxHeatmapPoints)
	if err != nil {
		writeError(w, err)
		return
	}

	// Region centers are fetched once; many alerts share a region.
	centers := make(map[string]models.Coordinates)
	points := make([]HeatmapPoint, 0, len(alerts))
	for _, a := range alerts {
		center, ok := centers[a.RegionID]
		if !ok {
			region, err := s.state.GetRegion(r.Context(), a.RegionID)
			if err != nil {
				if fserr.Is(err, fserr.KindNotFound) {
					continue // region deleted after the alert fired
				}
				writeError(w, err)
				return
			}
			center = region.Center
			centers[a.RegionID] = center
		}
		intensity := a.DeforestationPct / heatmapFullScalePct * a.ConfidenceScore
		if intensity > 1 {
			intensity = 1
		}
		points = append(points, HeatmapPoint{
			Latitude:  center.Latitude,
			Longitude: center.Longitude,
			Intensity: intensity,
			AlertID:   a.ID,
			Level:     string(a.Level),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"from":   from,
		"to":     to,
		"points": points,
	})
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "alertID")
	if err := s.state.AcknowledgeAlert(r.Context(), id, time.Now().UTC()); err != nil {
		writeError(w, err)
		return
	}
	alert, err := s.state.GetAlert(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.hub != nil {
		s.hub.Broadcast("alerts", alert)
	}
	writeJSON(w, http.StatusOK, alert)
}

// parseWindow reads from/to query params (RFC3339 or date-only); defaults to
// the last 30 days ending now.
func parseWindow(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from, to := now.AddDate(0, 0, -30), now
	var err error
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = parseTimeParam(raw); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = parseTimeParam(raw); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, fserr.Ef(fserr.KindValidation, "parse_window", "window end must follow start")
	}
	return from, to, nil
}

func parseTimeParam(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fserr.Ef(fserr.KindValidation, "parse_time", "invalid timestamp %q", raw)
}
