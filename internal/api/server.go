// Package api is the HTTP surface: region CRUD, analysis triggers, schedule
// management, alert and performance queries, report downloads, live streams.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/forestshield/forestshield/internal/coordinator"
	"github.com/forestshield/forestshield/internal/fserr"
	"github.com/forestshield/forestshield/internal/mlm"
	"github.com/forestshield/forestshield/internal/notifications"
	"github.com/forestshield/forestshield/internal/objectstore"
	"github.com/forestshield/forestshield/internal/orchestrator"
	"github.com/forestshield/forestshield/internal/scheduler"
	"github.com/forestshield/forestshield/internal/statestore"
	"github.com/forestshield/forestshield/internal/websocket"
	"github.com/forestshield/forestshield/pkg/reporting"
)

// Server wires the HTTP handlers to the core components.
type Server struct {
	state    *statestore.Store
	objects  *objectstore.FSStore
	engine   *orchestrator.Engine
	sched    *scheduler.Scheduler
	mdl      *mlm.Manager
	hub      *websocket.Hub
	notif    *notifications.Manager
	coord    coordinator.Coordinator
	reporter *reporting.PDFGenerator
	validate *validator.Validate
}

// NewServer builds the server. sched, hub, notif, and coord may be nil; the
// corresponding routes degrade to 503 or no-ops.
func NewServer(state *statestore.Store, objects *objectstore.FSStore, engine *orchestrator.Engine,
	sched *scheduler.Scheduler, mdl *mlm.Manager, hub *websocket.Hub,
	notif *notifications.Manager, coord coordinator.Coordinator) *Server {
	return &Server{
		state:    state,
		objects:  objects,
		engine:   engine,
		sched:    sched,
		mdl:      mdl,
		hub:      hub,
		notif:    notif,
		coord:    coord,
		reporter: reporting.NewPDFGenerator(),
		validate: validator.New(),
	}
}

// Routes assembles the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	if s.hub != nil {
		r.Get("/ws", s.hub.ServeWS)
	}
	r.Get("/objects/*", s.handleObjectDownload)

	r.Route("/api", func(r chi.Router) {
		r.Route("/regions", func(r chi.Router) {
			r.Get("/", s.handleListRegions)
			r.Post("/", s.handleCreateRegion)
			r.Route("/{regionID}", func(r chi.Router) {
				r.Get("/", s.handleGetRegion)
				r.Put("/", s.handleUpdateRegion)
				r.Delete("/", s.handleDeleteRegion)
				r.Post("/status", s.handleSetRegionStatus)
				r.Post("/analyze", s.handleAnalyzeRegion)
				r.Get("/runs", s.handleRegionRuns)
				r.Get("/alerts", s.handleRegionAlerts)
				r.Get("/trend", s.handleRegionTrend)
				r.Get("/visualizations", s.handleRegionVisualizations)
				r.Post("/schedule", s.handleStartSchedule)
				r.Delete("/schedule", s.handleStopSchedule)
				r.Get("/report", s.handleRegionReport)
			})
		})

		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/jobs", s.handleSchedulerJobs)
			r.Get("/stats", s.handleSchedulerStats)
			r.Post("/pause", s.handleSchedulerPause)
			r.Post("/resume", s.handleSchedulerResume)
			r.Post("/cleanup", s.handleSchedulerCleanup)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/heatmap", s.handleHeatmap)
			r.Post("/{alertID}/ack", s.handleAcknowledgeAlert)
		})

		r.Get("/geospatial", s.handleGeospatialListing)

		r.Route("/performance", func(r chi.Router) {
			r.Get("/{tileID}", s.handlePerformanceHistory)
			r.Get("/{tileID}/anomalies", s.handlePerformanceAnomalies)
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Get("/", s.handleListWebhooks)
			r.Post("/", s.handleAddWebhook)
		})
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", ww.Status()).Dur("elapsed", time.Since(start)).Msg("HTTP request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{"status": "ok"}
	if s.coord != nil {
		h := s.coord.Health(r.Context())
		health["coordinator"] = h
	}
	if s.hub != nil {
		health["streamClients"] = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, health)
}

// writeJSON writes a JSON response body with status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Debug().Err(err).Msg("Failed to encode response body")
		}
	}
}

// writeError maps an internal error kind onto its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status := fserr.HTTPStatus(err)
	if status >= 500 {
		log.Error().Err(err).Int("status", status).Msg("Request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeBody decodes and validates a JSON request body.
func (s *Server) decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fserr.E(fserr.KindValidation, "decode_request", err)
	}
	if err := s.validate.Struct(v); err != nil {
		return fserr.E(fserr.KindValidation, "validate_request", err)
	}
	return nil
}

func (s *Server) requireScheduler(w http.ResponseWriter) bool {
	if s.sched == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler not configured"})
		return false
	}
	return true
}
