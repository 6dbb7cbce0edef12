package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/forestshield/forestshield/internal/models"
	"github.com/forestshield/forestshield/pkg/reporting"
)

const downloadURLTTL = time.Hour

// trendFromAlerts reverses a newest-first alert listing into oldest-first
// trend points.
func trendFromAlerts(alerts []*models.Alert) []reporting.TrendPoint {
	points := make([]reporting.TrendPoint, 0, len(alerts))
	for i := len(alerts) - 1; i >= 0; i-- {
		a := alerts[i]
		points = append(points, reporting.TrendPoint{
			Timestamp:        a.Timestamp,
			DeforestationPct: a.DeforestationPct,
			Confidence:       a.ConfidenceScore,
		})
	}
	return points
}

// handleRegionTrend returns the region's deforestation measurements oldest
// first, derived from its alert history.
func (s *Server) handleRegionTrend(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 100, 1000)
	if err != nil {
		writeError(w, err)
		return
	}
	regionID := chi.URLParam(r, "regionID")
	if _, err := s.state.GetRegion(r.Context(), regionID); err != nil {
		writeError(w, err)
		return
	}
	alerts, err := s.state.AlertsByRegion(r.Context(), regionID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trendFromAlerts(alerts))
}

type objectListing struct {
	Key          string    `json:"key"`
	SizeBytes    int64     `json:"sizeBytes"`
	LastModified time.Time `json:"lastModified"`
	URL          string    `json:"url,omitempty"`
}

// handleRegionVisualizations lists the charts generated for a region, each
// with a signed download URL.
func (s *Server) handleRegionVisualizations(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 100, 1000)
	if err != nil {
		writeError(w, err)
		return
	}
	regionID := chi.URLParam(r, "regionID")
	infos, err := s.objects.List(r.Context(), "visualizations/"+regionID+"/", limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]objectListing, 0, len(infos))
	for _, info := range infos {
		entry := objectListing{Key: info.Key, SizeBytes: info.Size, LastModified: info.LastModified}
		if url, err := s.objects.SignedURL(info.Key, downloadURLTTL); err == nil {
			entry.URL = url
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGeospatialListing lists stored pixel-data objects for one UTC day, the
// partition shape an external heatmap engine consumes. The date defaults to
// today.
func (s *Server) handleGeospatialListing(w http.ResponseWriter, r *http.Request) {
	day := time.Now().UTC()
	if raw := r.URL.Query().Get("date"); raw != "" {
		var err error
		if day, err = parseTimeParam(raw); err != nil {
			writeError(w, err)
			return
		}
	}
	prefix := fmt.Sprintf("geospatial-data/year=%d/month=%02d/day=%02d/",
		day.Year(), int(day.Month()), day.Day())
	infos, err := s.objects.List(r.Context(), prefix, models.MaxHeatmapPoints)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]objectListing, 0, len(infos))
	for _, info := range infos {
		out = append(out, objectListing{Key: info.Key, SizeBytes: info.Size, LastModified: info.LastModified})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"date":      day.Format("2006-01-02"),
		"maxPoints": models.MaxHeatmapPoints,
		"objects":   out,
	})
}
