package mlm

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/forestshield/forestshield/internal/fserr"
	"github.com/forestshield/forestshield/internal/workers"
)

// Warnings emitted by K selection.
const (
	WarnKSelectionPartial  = "KSelectionPartial"
	WarnKSelectionFallback = "KSelectionFallback"
)

// fallbackK is used when too few candidate jobs succeed to run the elbow.
const fallbackK = 3

// KSelection is the outcome of elbow-method hyperparameter selection.
type KSelection struct {
	OptimalK   int             `json:"optimal_k"`
	Confidence float64         `json:"confidence"`
	SSEByK     map[int]float64 `json:"sse_by_k"`
	Warning    string          `json:"warning,omitempty"`
}

// SelectOptimalK launches one clustering job per candidate K in parallel and
// picks the elbow of the SSE curve. Individual job failures degrade the
// selection rather than failing it: with at least three surviving candidates
// the elbow still runs (KSelectionPartial); with fewer the selection falls
// back to K=3 with zero confidence (KSelectionFallback). Either way the
// orchestrator continues.
func (m *Manager) SelectOptimalK(ctx context.Context, trainingDataRef string) (*KSelection, error) {
	candidates := m.kCandidates
	if len(candidates) < 3 {
		return nil, fserr.Ef(fserr.KindValidation, "select_optimal_k",
			"need at least 3 k candidates, got %d", len(candidates))
	}

	sseByK := make(map[int]float64, len(candidates))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, k := range candidates {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			result, err := workers.Call[workers.TrainerResult](ctx, m.invoker,
				workers.WorkerClusterTrainer, workers.TrainerInput{
					TrainingDataRef: trainingDataRef,
					K:               k,
					FeatureDim:      featureDim,
				})
			if err != nil {
				log.Warn().Err(err).Int("k", k).Msg("K-candidate clustering job failed")
				return
			}
			mu.Lock()
			sseByK[k] = result.SSE
			mu.Unlock()
		}(k)
	}
	wg.Wait()

	sel := PickElbow(sseByK)
	switch {
	case len(sseByK) == len(candidates):
		// full curve, no warning
	case len(sseByK) >= 3:
		sel.Warning = WarnKSelectionPartial
		log.Warn().Int("succeeded", len(sseByK)).Int("candidates", len(candidates)).
			Msg("K selection ran on a partial SSE curve")
	default:
		sel = &KSelection{OptimalK: fallbackK, Confidence: 0, SSEByK: sseByK, Warning: WarnKSelectionFallback}
		log.Warn().Int("succeeded", len(sseByK)).
			Msg("Too few K-candidate jobs succeeded; falling back to default K")
	}
	return sel, nil
}

// PickElbow locates the elbow of an SSE-vs-K curve: the candidate with the
// greatest perpendicular distance to the chord through the curve's endpoints.
// Confidence is that distance over the mean distance. Candidates within 1% of
// the maximum tie-break toward the smaller K.
//
// The pick and the confidence are invariant under uniform scaling of the SSE
// values and under constant offset.
func PickElbow(sseByK map[int]float64) *KSelection {
	ks := make([]int, 0, len(sseByK))
	for k := range sseByK {
		ks = append(ks, k)
	}
	sort.Ints(ks)

	sel := &KSelection{SSEByK: sseByK}
	if len(ks) == 0 {
		sel.OptimalK = fallbackK
		return sel
	}
	if len(ks) < 3 {
		sel.OptimalK = ks[0]
		return sel
	}

	x1, y1 := float64(ks[0]), sseByK[ks[0]]
	x2, y2 := float64(ks[len(ks)-1]), sseByK[ks[len(ks)-1]]
	lineLen := math.Hypot(x2-x1, y2-y1)

	distances := make([]float64, 0, len(ks)-2)
	bestK, bestDist := ks[0], -1.0
	for _, k := range ks[1 : len(ks)-1] {
		x, y := float64(k), sseByK[k]
		dist := math.Abs((x2-x1)*(y-y1)-(y2-y1)*(x-x1)) / lineLen
		distances = append(distances, dist)
		if dist > bestDist*(1+0.01) {
			bestK, bestDist = k, dist
		}
		// Within 1% of the current best: keep the smaller k already held.
	}

	var sum float64
	for _, d := range distances {
		sum += d
	}
	mean := sum / float64(len(distances))

	sel.OptimalK = bestK
	if mean > 0 {
		sel.Confidence = bestDist / mean
	}
	return sel
}
