package notifications

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forestshield/forestshield/internal/consolidator"
	"github.com/forestshield/forestshield/internal/models"
	"github.com/forestshield/forestshield/internal/workers"
)

func testAlert(level models.RiskLevel) *models.Alert {
	return &models.Alert{
		ID:               "r1:2022061514",
		RegionID:         "r1",
		RegionName:       "Novo Progresso",
		Level:            level,
		DeforestationPct: 7.2,
		ConfidenceScore:  0.81,
		Message:          "MODERATE: 7.2% vegetation loss",
		Timestamp:        time.Date(2022, 6, 15, 14, 12, 0, 0, time.UTC),
	}
}

func TestNotifyAlertDeliversWebhook(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "token-123", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewManager(nil, nil, time.Minute)
	m.AddWebhook(WebhookConfig{Name: "ops", URL: srv.URL, Headers: map[string]string{"Authorization": "token-123"}})

	m.NotifyAlert(context.Background(), testAlert(models.RiskModerate), &consolidator.Assessment{})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	var event Event
	require.NoError(t, json.Unmarshal(bodies[0], &event))
	assert.Equal(t, "alert", event.Type)
	assert.Equal(t, "r1", event.RegionID)
	assert.Equal(t, models.RiskModerate, event.Level)
	assert.InDelta(t, 7.2, event.DeforestationPct, 1e-9)
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer srv.Close()

	m := NewManager(nil, nil, time.Hour)
	m.AddWebhook(WebhookConfig{Name: "ops", URL: srv.URL})
	ctx := context.Background()

	m.NotifyAlert(ctx, testAlert(models.RiskModerate), &consolidator.Assessment{})
	m.NotifyAlert(ctx, testAlert(models.RiskModerate), &consolidator.Assessment{})
	mu.Lock()
	assert.Equal(t, 1, hits, "same region and level inside the window is suppressed")
	mu.Unlock()

	// A different severity for the same region is a different event.
	m.NotifyAlert(ctx, testAlert(models.RiskCritical), &consolidator.Assessment{})
	mu.Lock()
	assert.Equal(t, 2, hits)
	mu.Unlock()
}

func TestNotifyAlertInvokesWorker(t *testing.T) {
	stub := workers.NewStubInvoker()
	stub.Respond(workers.WorkerNotifier, workers.NotifierResult{Delivered: true})

	m := NewManager(stub, nil, time.Minute)
	m.NotifyAlert(context.Background(), testAlert(models.RiskHigh), &consolidator.Assessment{})

	assert.Equal(t, 1, stub.Calls(workers.WorkerNotifier))
}

type captureBroadcaster struct {
	mu       sync.Mutex
	channels []string
}

func (b *captureBroadcaster) Broadcast(channel string, _ interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append(b.channels, channel)
}

func TestNotifyAlertBroadcastsToStreams(t *testing.T) {
	b := &captureBroadcaster{}
	m := NewManager(nil, b, time.Minute)

	m.NotifyAlert(context.Background(), testAlert(models.RiskModerate), &consolidator.Assessment{})

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.ElementsMatch(t, []string{"alerts", "region:r1"}, b.channels)
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		n := hits
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewManager(nil, nil, time.Minute)
	m.AddWebhook(WebhookConfig{Name: "flaky", URL: srv.URL})
	m.NotifyAlert(context.Background(), testAlert(models.RiskModerate), &consolidator.Assessment{})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, hits)
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	m := NewManager(nil, nil, time.Minute)
	m.AddWebhook(WebhookConfig{Name: "strict", URL: srv.URL})
	m.NotifyAlert(context.Background(), testAlert(models.RiskModerate), &consolidator.Assessment{})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, hits)
}
