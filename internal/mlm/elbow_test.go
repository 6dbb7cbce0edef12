package mlm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forestshield/forestshield/internal/fserr"
	"github.com/forestshield/forestshield/internal/workers"
)

func TestPickElbowKneeCurve(t *testing.T) {
	// Sharp knee at k=3.
	sel := PickElbow(map[int]float64{2: 1000, 3: 600, 4: 580, 5: 570, 6: 565})
	assert.Equal(t, 3, sel.OptimalK)
	assert.Greater(t, sel.Confidence, 0.0)
}

func TestPickElbowInvariantUnderScalingAndOffset(t *testing.T) {
	base := map[int]float64{2: 1000, 3: 600, 4: 580, 5: 570, 6: 565}
	ref := PickElbow(base)

	scaled := make(map[int]float64, len(base))
	offset := make(map[int]float64, len(base))
	for k, v := range base {
		scaled[k] = v * 42.5
		offset[k] = v + 12345
	}

	selScaled := PickElbow(scaled)
	assert.Equal(t, ref.OptimalK, selScaled.OptimalK)
	assert.InDelta(t, ref.Confidence, selScaled.Confidence, 1e-9)

	selOffset := PickElbow(offset)
	assert.Equal(t, ref.OptimalK, selOffset.OptimalK)
	assert.InDelta(t, ref.Confidence, selOffset.Confidence, 1e-9)
}

func TestPickElbowReturnsInputCandidate(t *testing.T) {
	curves := []map[int]float64{
		{2: 100, 3: 90, 4: 80, 5: 70, 6: 60},     // linear, zero distances
		{2: 500, 3: 100, 4: 90, 5: 85, 6: 83},    // knee at 3
		{2: 500, 3: 400, 4: 100, 5: 90, 6: 85},   // knee at 4
		{3: 900, 5: 300, 7: 250, 9: 240},         // sparse candidate set
	}
	for _, curve := range curves {
		sel := PickElbow(curve)
		_, ok := curve[sel.OptimalK]
		assert.True(t, ok, "optimal_k %d not in candidate set %v", sel.OptimalK, curve)
	}
}

func TestPickElbowTieBreakPrefersSmallerK(t *testing.T) {
	// k=3 and k=5 have identical perpendicular distances by symmetry.
	sel := PickElbow(map[int]float64{2: 1000, 3: 700, 4: 550, 5: 400, 6: 100})
	assert.Equal(t, 3, sel.OptimalK)
}

func newSelectorManager(t *testing.T, stub *workers.StubInvoker) *Manager {
	t.Helper()
	// K selection touches neither store, so the stores can be nil here.
	return NewManager(nil, nil, stub, Config{})
}

func sseResponder(sse map[int]float64, failing map[int]bool) func(json.RawMessage) (interface{}, error) {
	return func(payload json.RawMessage) (interface{}, error) {
		var in workers.TrainerInput
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, err
		}
		if failing[in.K] {
			return nil, fserr.Ef(fserr.KindTransient, "cluster_trainer", "job for k=%d failed", in.K)
		}
		return workers.TrainerResult{SSE: sse[in.K], ModelArtifactRef: "models/x"}, nil
	}
}

func TestSelectOptimalKFullCurve(t *testing.T) {
	stub := workers.NewStubInvoker()
	stub.Handle(workers.WorkerClusterTrainer,
		sseResponder(map[int]float64{2: 1000, 3: 600, 4: 580, 5: 570, 6: 565}, nil))
	m := newSelectorManager(t, stub)

	sel, err := m.SelectOptimalK(context.Background(), "geospatial-data/year=2022/month=06/day=01/run.json")
	require.NoError(t, err)
	assert.Equal(t, 3, sel.OptimalK)
	assert.Greater(t, sel.Confidence, 0.0)
	assert.Empty(t, sel.Warning)
	assert.Equal(t, 5, stub.Calls(workers.WorkerClusterTrainer))
}

func TestSelectOptimalKPartial(t *testing.T) {
	stub := workers.NewStubInvoker()
	stub.Handle(workers.WorkerClusterTrainer,
		sseResponder(map[int]float64{2: 1000, 3: 600, 4: 580, 5: 570, 6: 565},
			map[int]bool{6: true}))
	m := newSelectorManager(t, stub)

	sel, err := m.SelectOptimalK(context.Background(), "ref")
	require.NoError(t, err)
	assert.Equal(t, WarnKSelectionPartial, sel.Warning)
	assert.Equal(t, 3, sel.OptimalK)
	assert.Len(t, sel.SSEByK, 4)
}

func TestSelectOptimalKFallback(t *testing.T) {
	stub := workers.NewStubInvoker()
	stub.Handle(workers.WorkerClusterTrainer,
		sseResponder(map[int]float64{3: 600},
			map[int]bool{2: true, 4: true, 5: true, 6: true}))
	m := newSelectorManager(t, stub)

	sel, err := m.SelectOptimalK(context.Background(), "ref")
	require.NoError(t, err)
	assert.Equal(t, 3, sel.OptimalK)
	assert.Zero(t, sel.Confidence)
	assert.Equal(t, WarnKSelectionFallback, sel.Warning)
}

func TestSelectOptimalKAllFailing(t *testing.T) {
	stub := workers.NewStubInvoker()
	stub.Fail(workers.WorkerClusterTrainer, errors.New("fleet down"))
	m := newSelectorManager(t, stub)

	sel, err := m.SelectOptimalK(context.Background(), "ref")
	require.NoError(t, err)
	assert.Equal(t, 3, sel.OptimalK)
	assert.Zero(t, sel.Confidence)
	assert.Equal(t, WarnKSelectionFallback, sel.Warning)
}
