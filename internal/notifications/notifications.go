// Package notifications fans alert summaries out to the notifier worker,
// configured webhooks, and live stream subscribers. Deliveries are
// best-effort: a channel failure is logged, never propagated to the run.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/forestshield/forestshield/internal/consolidator"
	"github.com/forestshield/forestshield/internal/models"
	"github.com/forestshield/forestshield/internal/workers"
)

var deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "forestshield_notification_deliveries_total",
	Help: "Notification deliveries by channel and outcome.",
}, []string{"channel", "outcome"})

// WebhookConfig is one outbound webhook endpoint.
type WebhookConfig struct {
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Broadcaster pushes an event to live stream subscribers. Satisfied by the
// websocket hub; nil disables streaming.
type Broadcaster interface {
	Broadcast(channel string, event interface{})
}

// Event is the wire shape pushed to every channel.
type Event struct {
	Type             string           `json:"type"`
	AlertID          string           `json:"alertId"`
	RegionID         string           `json:"regionId"`
	RegionName       string           `json:"regionName"`
	Level            models.RiskLevel `json:"level"`
	DeforestationPct float64          `json:"deforestationPercentage"`
	Confidence       float64          `json:"confidence"`
	Message          string           `json:"message"`
	Timestamp        time.Time        `json:"timestamp"`
}

// Manager dispatches alert notifications with a per-(region, level) cooldown.
type Manager struct {
	invoker     workers.Invoker
	broadcaster Broadcaster
	client      *http.Client
	cooldown    time.Duration

	mu       sync.Mutex
	webhooks []WebhookConfig
	lastSent map[string]time.Time
}

// NewManager builds a dispatcher. invoker and broadcaster may be nil; the
// corresponding channels are skipped.
func NewManager(invoker workers.Invoker, broadcaster Broadcaster, cooldown time.Duration) *Manager {
	if cooldown <= 0 {
		cooldown = 15 * time.Minute
	}
	return &Manager{
		invoker:     invoker,
		broadcaster: broadcaster,
		client:      &http.Client{Timeout: 10 * time.Second},
		cooldown:    cooldown,
		lastSent:    make(map[string]time.Time),
	}
}

// AddWebhook registers an endpoint.
func (m *Manager) AddWebhook(w WebhookConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks = append(m.webhooks, w)
	log.Info().Str("name", w.Name).Msg("Webhook registered")
}

// Webhooks returns the registered endpoints.
func (m *Manager) Webhooks() []WebhookConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WebhookConfig, len(m.webhooks))
	copy(out, m.webhooks)
	return out
}

// NotifyAlert implements the consolidator's notification hook. Repeated
// alerts for the same (region, level) inside the cooldown window are dropped.
func (m *Manager) NotifyAlert(ctx context.Context, alert *models.Alert, assessment *consolidator.Assessment) {
	key := alert.RegionID + ":" + string(alert.Level)
	m.mu.Lock()
	if last, ok := m.lastSent[key]; ok && time.Since(last) < m.cooldown {
		m.mu.Unlock()
		log.Debug().Str("region", alert.RegionID).Str("level", string(alert.Level)).
			Msg("Alert notification in cooldown")
		deliveriesTotal.WithLabelValues("all", "cooldown").Inc()
		return
	}
	m.lastSent[key] = time.Now()
	hooks := make([]WebhookConfig, len(m.webhooks))
	copy(hooks, m.webhooks)
	m.mu.Unlock()

	event := Event{
		Type:             "alert",
		AlertID:          alert.ID,
		RegionID:         alert.RegionID,
		RegionName:       alert.RegionName,
		Level:            alert.Level,
		DeforestationPct: alert.DeforestationPct,
		Confidence:       alert.ConfidenceScore,
		Message:          alert.Message,
		Timestamp:        alert.Timestamp,
	}

	if m.broadcaster != nil {
		m.broadcaster.Broadcast("alerts", event)
		m.broadcaster.Broadcast("region:"+alert.RegionID, event)
	}
	if m.invoker != nil {
		m.sendWorkerNotification(ctx, alert)
	}
	for _, hook := range hooks {
		m.sendWebhook(ctx, hook, event)
	}
}

func (m *Manager) sendWorkerNotification(ctx context.Context, alert *models.Alert) {
	_, err := workers.Call[workers.NotifierResult](ctx, m.invoker, workers.WorkerNotifier, workers.NotifierInput{
		Channel: "deforestation-alerts",
		Subject: fmt.Sprintf("%s deforestation alert: %s", alert.Level, alert.RegionName),
		Body:    alert.Message,
	})
	if err != nil {
		deliveriesTotal.WithLabelValues("worker", "error").Inc()
		log.Warn().Err(err).Str("alert", alert.ID).Msg("Notifier worker delivery failed")
		return
	}
	deliveriesTotal.WithLabelValues("worker", "ok").Inc()
}

// sendWebhook posts the event, retrying once on a retryable status.
func (m *Manager) sendWebhook(ctx context.Context, hook WebhookConfig, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("webhook", hook.Name).Msg("Failed to encode webhook payload")
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		status, err := m.postWebhook(ctx, hook, payload)
		if err == nil && status < 300 {
			deliveriesTotal.WithLabelValues("webhook", "ok").Inc()
			log.Debug().Str("webhook", hook.Name).Int("status", status).Msg("Webhook delivered")
			return
		}
		retryable := err != nil || status == http.StatusTooManyRequests || status >= 500
		log.Warn().Err(err).Str("webhook", hook.Name).Int("status", status).
			Int("attempt", attempt+1).Msg("Webhook delivery failed")
		if !retryable {
			break
		}
		select {
		case <-ctx.Done():
			deliveriesTotal.WithLabelValues("webhook", "error").Inc()
			return
		case <-time.After(time.Second):
		}
	}
	deliveriesTotal.WithLabelValues("webhook", "error").Inc()
}

func (m *Manager) postWebhook(ctx context.Context, hook WebhookConfig, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}
