package api

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

func (s *Server) handleSchedulerJobs(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.sched.ActiveJobs())
}

func (s *Server) handleSchedulerStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.sched.Stats())
}

func (s *Server) handleSchedulerPause(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	s.sched.PauseAll()
	log.Info().Msg("Scheduler paused via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleSchedulerResume(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	s.sched.ResumeAll()
	log.Info().Msg("Scheduler resumed via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleSchedulerCleanup(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	removed, err := s.sched.CleanupOldJobs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}
