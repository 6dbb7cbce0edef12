package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/forestshield/forestshield/internal/orchestrator"
)

type analyzeRequest struct {
	StartDate string `json:"startDate" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"endDate" validate:"required,datetime=2006-01-02"`
}

type scheduleRequest struct {
	Expression       string `json:"expression" validate:"required"`
	StartDate        string `json:"startDate" validate:"omitempty,datetime=2006-01-02"`
	EndDate          string `json:"endDate" validate:"omitempty,datetime=2006-01-02"`
	TriggerImmediate bool   `json:"triggerImmediate"`
}

// handleAnalyzeRegion creates a run and executes it in the background. The
// 202 response carries the pending run record; poll /runs for the outcome.
func (s *Server) handleAnalyzeRegion(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	regionID := chi.URLParam(r, "regionID")
	if _, err := s.state.GetRegion(r.Context(), regionID); err != nil {
		writeError(w, err)
		return
	}
	params := orchestrator.Params{StartDate: req.StartDate, EndDate: req.EndDate}
	run, err := s.engine.StartRun(r.Context(), regionID, params)
	if err != nil {
		writeError(w, err)
		return
	}
	go func() {
		if err := s.engine.Execute(context.WithoutCancel(r.Context()), run.ID); err != nil {
			log.Error().Err(err).Str("run", run.ID).Msg("Triggered run did not reach a terminal status")
		}
	}()
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleRegionRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 50, 500)
	if err != nil {
		writeError(w, err)
		return
	}
	runs, err := s.state.RunsByRegion(r.Context(), chi.URLParam(r, "regionID"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRegionAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 50, 500)
	if err != nil {
		writeError(w, err)
		return
	}
	alerts, err := s.state.AlertsByRegion(r.Context(), chi.URLParam(r, "regionID"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleStartSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	var req scheduleRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	regionID := chi.URLParam(r, "regionID")
	if _, err := s.state.GetRegion(r.Context(), regionID); err != nil {
		writeError(w, err)
		return
	}
	params := orchestrator.Params{StartDate: req.StartDate, EndDate: req.EndDate}
	if err := s.sched.StartJob(r.Context(), regionID, req.Expression, params, req.TriggerImmediate); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"regionId":   regionID,
		"expression": req.Expression,
	})
}

func (s *Server) handleStopSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	s.sched.Stop(chi.URLParam(r, "regionID"))
	writeJSON(w, http.StatusNoContent, nil)
}
