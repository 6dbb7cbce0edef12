package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/forestshield/forestshield/internal/fserr"
	"github.com/forestshield/forestshield/internal/objectstore"
	"github.com/forestshield/forestshield/pkg/reporting"
)

const reportURLTTL = time.Hour

// handleRegionReport renders a PDF summary for the requested window, stores
// it, and returns a signed download URL.
func (s *Server) handleRegionReport(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseWindow(r)
	if err != nil {
		writeError(w, err)
		return
	}
	regionID := chi.URLParam(r, "regionID")
	region, err := s.state.GetRegion(r.Context(), regionID)
	if err != nil {
		writeError(w, err)
		return
	}
	alerts, err := s.state.AlertsInWindow(r.Context(), from, to, 1000)
	if err != nil {
		writeError(w, err)
		return
	}
	regionAlerts := alerts[:0]
	for _, a := range alerts {
		if a.RegionID == regionID {
			regionAlerts = append(regionAlerts, a)
		}
	}
	runs, err := s.state.RunsByRegion(r.Context(), regionID, 500)
	if err != nil {
		writeError(w, err)
		return
	}

	// AlertsInWindow is already oldest first, the order the trend chart wants.
	trend := make([]reporting.TrendPoint, 0, len(regionAlerts))
	for _, a := range regionAlerts {
		trend = append(trend, reporting.TrendPoint{
			Timestamp:        a.Timestamp,
			DeforestationPct: a.DeforestationPct,
			Confidence:       a.ConfidenceScore,
		})
	}

	data := &reporting.ReportData{
		RegionID:    regionID,
		RegionName:  region.Name,
		PeriodStart: from,
		PeriodEnd:   to,
		GeneratedAt: time.Now().UTC(),
		Alerts:      regionAlerts,
		Runs:        runs,
		Trend:       trend,
	}
	pdf, err := s.reporter.Generate(data)
	if err != nil {
		writeError(w, err)
		return
	}

	key := objectstore.ReportKey(data.GeneratedAt, string(data.HighestLevel()))
	if err := s.objects.Put(r.Context(), key, pdf); err != nil {
		writeError(w, err)
		return
	}
	url, err := s.objects.SignedURL(key, reportURLTTL)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Info().Str("region", regionID).Str("key", key).Int("bytes", len(pdf)).Msg("Report generated")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":       key,
		"url":       url,
		"sizeBytes": len(pdf),
		"expiresIn": reportURLTTL.String(),
	})
}

// handleObjectDownload serves a stored object after verifying the signed URL
// produced by SignedURL.
func (s *Server) handleObjectDownload(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(key); err == nil {
		key = unescaped
	}
	if key == "" {
		writeError(w, fserr.Ef(fserr.KindValidation, "object_download", "missing object key"))
		return
	}
	q := r.URL.Query()
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		writeError(w, fserr.Ef(fserr.KindValidation, "object_download", "invalid expires parameter"))
		return
	}
	if err := s.objects.VerifySignedURL(key, expires, q.Get("signature")); err != nil {
		writeError(w, err)
		return
	}
	data, err := s.objects.Get(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentTypeForKey(key))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Object download interrupted")
	}
}

func contentTypeForKey(key string) string {
	switch {
	case strings.HasSuffix(key, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	}
	return "application/octet-stream"
}
