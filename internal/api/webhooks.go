package api

import (
	"net/http"

	"github.com/forestshield/forestshield/internal/notifications"
)

type webhookRequest struct {
	Name    string            `json:"name" validate:"required,min=1,max=64"`
	URL     string            `json:"url" validate:"required,url"`
	Headers map[string]string `json:"headers"`
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	if s.notif == nil {
		writeJSON(w, http.StatusOK, []notifications.WebhookConfig{})
		return
	}
	writeJSON(w, http.StatusOK, s.notif.Webhooks())
}

func (s *Server) handleAddWebhook(w http.ResponseWriter, r *http.Request) {
	if s.notif == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "notifications not configured"})
		return
	}
	var req webhookRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	hook := notifications.WebhookConfig{Name: req.Name, URL: req.URL, Headers: req.Headers}
	s.notif.AddWebhook(hook)
	writeJSON(w, http.StatusCreated, hook)
}
