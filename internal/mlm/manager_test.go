package mlm

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forestshield/forestshield/internal/fserr"
	"github.com/forestshield/forestshield/internal/models"
	"github.com/forestshield/forestshield/internal/objectstore"
	"github.com/forestshield/forestshield/internal/statestore"
)

func newTestManager(t *testing.T) (*Manager, *statestore.Store, *objectstore.FSStore) {
	t.Helper()
	dir := t.TempDir()
	state, err := statestore.NewStore(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })
	objects, err := objectstore.NewFSStore(filepath.Join(dir, "objects"), "http://localhost:7800")
	require.NoError(t, err)
	return NewManager(state, objects, nil, Config{}), state, objects
}

func TestGetLatestModelAbsent(t *testing.T) {
	m, _, _ := newTestManager(t)

	model, err := m.GetLatestModel(context.Background(), "T1", "amazon")
	require.NoError(t, err)
	assert.Nil(t, model)
}

func TestSaveNewModelPromotesLatest(t *testing.T) {
	m, _, objects := newTestManager(t)
	ctx := context.Background()

	model, err := m.SaveNewModel(ctx, "T1", "amazon", []byte("artifact-bytes"), "job-1", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, model.OptimalK)
	assert.Equal(t, 5, model.FeatureDim)

	// Artifact and metadata land under the versioned namespace.
	artifact, err := objects.Get(ctx, model.ArtifactRef)
	require.NoError(t, err)
	assert.Equal(t, []byte("artifact-bytes"), artifact)

	metaRaw, err := objects.Get(ctx, objectstore.ModelMetadataKey("T1", "amazon", model.Version))
	require.NoError(t, err)
	var meta models.TileModel
	require.NoError(t, json.Unmarshal(metaRaw, &meta))
	assert.Equal(t, model.Version, meta.Version)
	assert.Equal(t, "job-1", meta.SourceTrainingJob)

	latest, err := m.GetLatestModel(ctx, "T1", "amazon")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, model.Version, latest.Version)

	// A later save supersedes; the old artifact remains.
	time.Sleep(2 * time.Millisecond) // version strings are timestamp-derived
	model2, err := m.SaveNewModel(ctx, "T1", "amazon", []byte("artifact-v2"), "job-2", 3)
	require.NoError(t, err)
	assert.Greater(t, model2.Version, model.Version)

	_, err = objects.Get(ctx, model.ArtifactRef)
	require.NoError(t, err)
}

func TestSaveNewModelRejectsBadK(t *testing.T) {
	m, _, _ := newTestManager(t)

	for _, k := range []int{1, 0, 11} {
		_, err := m.SaveNewModel(context.Background(), "T1", "amazon", []byte("x"), "job", k)
		assert.True(t, fserr.Is(err, fserr.KindValidation), "k=%d", k)
	}
}

// racingState makes the pointer move between a saver's baseline read and its
// compare-and-swap, reproducing two concurrent savers with the same baseline.
type racingState struct {
	StateStore
	once    sync.Once
	compete func()
}

func (r *racingState) CompareAndSwapModelPointer(ctx context.Context, m *models.TileModel, prev string) error {
	r.once.Do(r.compete)
	return r.StateStore.CompareAndSwapModelPointer(ctx, m, prev)
}

func TestSaveNewModelConcurrentConflict(t *testing.T) {
	_, state, objects := newTestManager(t)
	ctx := context.Background()

	// Seed a baseline version both savers will read.
	seed := NewManager(state, objects, nil, Config{})
	_, err := seed.SaveNewModel(ctx, "T1", "amazon", []byte("v0"), "job-0", 3)
	require.NoError(t, err)

	racing := &racingState{StateStore: state}
	racing.compete = func() {
		// The competing saver wins the flip first.
		time.Sleep(2 * time.Millisecond)
		_, err := seed.SaveNewModel(ctx, "T1", "amazon", []byte("winner"), "job-w", 4)
		require.NoError(t, err)
	}

	loser := NewManager(racing, objects, nil, Config{})
	_, err = loser.SaveNewModel(ctx, "T1", "amazon", []byte("loser"), "job-l", 5)
	require.Error(t, err)
	assert.True(t, fserr.Is(err, fserr.KindConflict))

	// Exactly one winner holds latest.
	latest, err := seed.GetLatestModel(ctx, "T1", "amazon")
	require.NoError(t, err)
	assert.Equal(t, 4, latest.OptimalK)
	assert.Equal(t, "job-w", latest.SourceTrainingJob)
}

func TestTrackPerformanceAppendsWithAnomalies(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	base := time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		m.TrackPerformance(ctx, "T1", models.PerformanceEntry{
			Timestamp:         base.Add(time.Duration(i) * time.Hour),
			OverallConfidence: 0.8,
			DataQuality:       0.9,
			SpatialCoherence:  0.85,
			ProcessingTimeMs:  1000,
			PixelsAnalyzed:    50000,
			ModelReused:       i > 0,
		})
	}

	// Low confidence triggers a high-severity anomaly.
	m.TrackPerformance(ctx, "T1", models.PerformanceEntry{
		Timestamp:         base.Add(11 * time.Hour),
		OverallConfidence: 0.2,
		DataQuality:       0.9,
		SpatialCoherence:  0.85,
		ProcessingTimeMs:  1000,
	})

	history, err := m.PerformanceHistory(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, history, 11)
	last := history[len(history)-1]
	require.NotEmpty(t, last.Anomalies)
	assert.Equal(t, models.AnomalyHigh, last.Anomalies[0].Severity)

	flagged, err := m.Anomalies(ctx, "T1")
	require.NoError(t, err)
	assert.Len(t, flagged, 1)
}

func TestTrackPerformanceTruncatesHistory(t *testing.T) {
	m, _, objects := newTestManager(t)
	ctx := context.Background()

	// Seed a full history blob directly.
	full := make([]models.PerformanceEntry, historyMaxEntries)
	for i := range full {
		full[i] = models.PerformanceEntry{TileID: "T1", OverallConfidence: 0.9, ProcessingTimeMs: 900}
	}
	payload, err := json.Marshal(full)
	require.NoError(t, err)
	require.NoError(t, objects.Put(ctx, objectstore.PerformanceHistoryKey("T1"), payload))

	m.TrackPerformance(ctx, "T1", models.PerformanceEntry{OverallConfidence: 0.9, ProcessingTimeMs: 950})

	history, err := m.PerformanceHistory(ctx, "T1")
	require.NoError(t, err)
	assert.Len(t, history, historyMaxEntries)
	assert.Equal(t, int64(950), history[len(history)-1].ProcessingTimeMs)
}

func TestDetectAnomalies(t *testing.T) {
	history := make([]models.PerformanceEntry, 20)
	for i := range history {
		history[i] = models.PerformanceEntry{
			OverallConfidence: 0.8,
			DataQuality:       0.9,
			SpatialCoherence:  0.8,
			ProcessingTimeMs:  1000 + int64(i%3), // tiny spread, small sigma
		}
	}

	t.Run("clean entry", func(t *testing.T) {
		anomalies := DetectAnomalies(history, models.PerformanceEntry{
			OverallConfidence: 0.85, DataQuality: 0.9, SpatialCoherence: 0.8, ProcessingTimeMs: 1001,
		})
		assert.Empty(t, anomalies)
	})

	t.Run("slow processing", func(t *testing.T) {
		anomalies := DetectAnomalies(history, models.PerformanceEntry{
			OverallConfidence: 0.85, DataQuality: 0.9, SpatialCoherence: 0.8, ProcessingTimeMs: 60000,
		})
		require.Len(t, anomalies, 1)
		assert.Equal(t, models.AnomalyHigh, anomalies[0].Severity)
	})

	t.Run("component drop", func(t *testing.T) {
		anomalies := DetectAnomalies(history, models.PerformanceEntry{
			OverallConfidence: 0.85, DataQuality: 0.5, SpatialCoherence: 0.8, ProcessingTimeMs: 1001,
		})
		require.Len(t, anomalies, 1)
		assert.Equal(t, models.AnomalyMedium, anomalies[0].Severity)
	})

	t.Run("empty history still flags low confidence", func(t *testing.T) {
		anomalies := DetectAnomalies(nil, models.PerformanceEntry{OverallConfidence: 0.1})
		require.Len(t, anomalies, 1)
		assert.Equal(t, models.AnomalyHigh, anomalies[0].Severity)
	})
}
