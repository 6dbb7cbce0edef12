package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/forestshield/forestshield/internal/fserr"
)

var invokeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "forestshield",
	Name:      "worker_invoke_duration_seconds",
	Help:      "Latency of task worker invocations.",
	Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
}, []string{"worker", "outcome"})

// HTTPInvoker calls workers over HTTP: POST {base}/{worker} with a JSON body.
// Each worker gets its own circuit breaker so one failing kernel does not
// starve the rest of the pipeline.
type HTTPInvoker struct {
	baseURL  string
	client   *http.Client
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewHTTPInvoker builds an invoker for the worker fleet at baseURL.
func NewHTTPInvoker(baseURL string, timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	inv := &HTTPInvoker{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, worker := range []string{
		WorkerSearchImages, WorkerVegetationAnalyzer, WorkerKSelector,
		WorkerClusterTrainer, WorkerVisualization, WorkerConsolidator,
		WorkerNotifier,
	} {
		inv.breakers[worker] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    worker,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("worker", name).
					Str("from", from.String()).Str("to", to.String()).
					Msg("Worker circuit breaker state changed")
			},
		})
	}
	return inv
}

// Invoke executes one worker call.
func (inv *HTTPInvoker) Invoke(ctx context.Context, worker string, payload interface{}) (json.RawMessage, error) {
	breaker, ok := inv.breakers[worker]
	if !ok {
		return nil, fserr.Ef(fserr.KindValidation, "invoke", "unknown worker %q", worker)
	}

	start := time.Now()
	result, err := breaker.Execute(func() (interface{}, error) {
		return inv.post(ctx, worker, payload)
	})
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	invokeDuration.WithLabelValues(worker, outcome).Observe(time.Since(start).Seconds())

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, fserr.E(fserr.KindTransient, worker, err)
	}
	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}

func (inv *HTTPInvoker) post(ctx context.Context, worker string, payload interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fserr.E(fserr.KindFatal, worker, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		inv.baseURL+"/"+worker, bytes.NewReader(body))
	if err != nil {
		return nil, fserr.E(fserr.KindFatal, worker, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := inv.client.Do(req)
	if err != nil {
		return nil, fserr.E(fserr.KindTransient, worker, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fserr.E(fserr.KindTransient, worker, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fserr.FromHTTPStatus(worker, resp.StatusCode,
			fmt.Errorf("worker returned %d: %s", resp.StatusCode, truncate(respBody, 512)))
	}
	return json.RawMessage(respBody), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
