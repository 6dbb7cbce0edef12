package statestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forestshield/forestshield/internal/fserr"
	"github.com/forestshield/forestshield/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testRegion(id string) *models.Region {
	return &models.Region{
		ID:                  id,
		Name:                "amazon-east",
		Center:              models.Coordinates{Latitude: -6.0, Longitude: -53.0},
		RadiusKm:            10,
		CloudCoverThreshold: 20,
		Status:              models.RegionStatusActive,
		CreatedAt:           time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestRegionCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r := testRegion("r1")
	require.NoError(t, store.CreateRegion(ctx, r))

	got, err := store.GetRegion(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, r.Name, got.Name)
	assert.Equal(t, r.Center, got.Center)
	assert.Equal(t, models.RegionStatusActive, got.Status)
	assert.Nil(t, got.LastAnalysisAt)

	// Duplicate IDs are rejected.
	err = store.CreateRegion(ctx, testRegion("r1"))
	assert.True(t, fserr.Is(err, fserr.KindConflict))

	got.RadiusKm = 25
	got.Status = models.RegionStatusPaused
	require.NoError(t, store.UpdateRegion(ctx, got))
	got2, err := store.GetRegion(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 25.0, got2.RadiusKm)
	assert.Equal(t, models.RegionStatusPaused, got2.Status)

	require.NoError(t, store.DeleteRegion(ctx, "r1"))
	_, err = store.GetRegion(ctx, "r1")
	assert.True(t, fserr.Is(err, fserr.KindNotFound))
	assert.True(t, fserr.Is(store.DeleteRegion(ctx, "r1"), fserr.KindNotFound))
}

func TestRecordRegionAnalysis(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRegion(ctx, testRegion("r1")))

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.RecordRegionAnalysis(ctx, "r1", 7.5, at))
	got, err := store.GetRegion(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 7.5, got.LastDeforestationPct)
	require.NotNil(t, got.LastAnalysisAt)
	assert.Equal(t, at, *got.LastAnalysisAt)

	// Negative pct means "no new measurement", only the timestamp moves.
	later := at.Add(time.Hour)
	require.NoError(t, store.RecordRegionAnalysis(ctx, "r1", -1, later))
	got, err = store.GetRegion(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 7.5, got.LastDeforestationPct)
	assert.Equal(t, later, *got.LastAnalysisAt)
}

func TestAlertDedupInsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2022, 6, 15, 14, 30, 0, 0, time.UTC)
	alert := &models.Alert{
		ID:               models.DedupAlertID("r1", ts),
		RegionID:         "r1",
		RegionName:       "amazon-east",
		Level:            models.RiskModerate,
		DeforestationPct: 7.2,
		ConfidenceScore:  0.8,
		Message:          "vegetation loss detected",
		Timestamp:        ts,
	}
	require.NoError(t, store.PutAlert(ctx, alert))

	// Same region + hour dedups to Conflict.
	dup := *alert
	dup.Timestamp = ts.Add(10 * time.Minute)
	dup.ID = models.DedupAlertID("r1", dup.Timestamp)
	err := store.PutAlert(ctx, &dup)
	assert.True(t, fserr.Is(err, fserr.KindConflict))
}

func TestAlertsByRegionNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2022, 6, 15, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * 2 * time.Hour)
		require.NoError(t, store.PutAlert(ctx, &models.Alert{
			ID: models.DedupAlertID("r1", ts), RegionID: "r1", RegionName: "n",
			Level: models.RiskLow, Message: "m", Timestamp: ts,
		}))
	}

	alerts, err := store.AlertsByRegion(ctx, "r1", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 3)
	assert.True(t, alerts[0].Timestamp.After(alerts[1].Timestamp))
	assert.True(t, alerts[1].Timestamp.After(alerts[2].Timestamp))

	window, err := store.AlertsInWindow(ctx, base, base.Add(3*time.Hour), 0)
	require.NoError(t, err)
	assert.Len(t, window, 2)
}

func TestAcknowledgeAlert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2022, 6, 15, 14, 0, 0, 0, time.UTC)
	alert := &models.Alert{
		ID: models.DedupAlertID("r1", ts), RegionID: "r1", RegionName: "n",
		Level: models.RiskHigh, Message: "m", Timestamp: ts,
	}
	require.NoError(t, store.PutAlert(ctx, alert))

	ackAt := ts.Add(time.Hour)
	require.NoError(t, store.AcknowledgeAlert(ctx, alert.ID, ackAt))
	got, err := store.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.True(t, got.Acknowledged)
	require.NotNil(t, got.AckTime)

	// Acknowledging twice is a no-op, not an error.
	require.NoError(t, store.AcknowledgeAlert(ctx, alert.ID, ackAt.Add(time.Hour)))
	got, err = store.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, ackAt, *got.AckTime)

	assert.True(t, fserr.Is(store.AcknowledgeAlert(ctx, "missing", ackAt), fserr.KindNotFound))
}

func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := &models.AnalysisRun{
		ID: "run1", RegionID: "r1", Status: models.RunPending,
		StartedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.PutRun(ctx, run))

	require.NoError(t, store.CheckpointRun(ctx, "run1", "SearchImages", `{"region":"r1"}`, 5))
	got, err := store.GetRun(ctx, "run1")
	require.NoError(t, err)
	assert.Equal(t, models.RunInProgress, got.Status)
	assert.Equal(t, "SearchImages", got.State)
	assert.Nil(t, got.EndedAt)

	active, err := store.HasActiveRun(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, active)

	endAt := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.CompleteRun(ctx, "run1", models.RunSucceeded, `{"ok":true}`, "", endAt))
	got, err = store.GetRun(ctx, "run1")
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, got.Status)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, endAt, *got.EndedAt)

	// Terminal runs reject further transitions.
	assert.True(t, fserr.Is(
		store.CompleteRun(ctx, "run1", models.RunFailed, "", "late", endAt),
		fserr.KindConflict))
	assert.True(t, fserr.Is(
		store.CheckpointRun(ctx, "run1", "SendAlert", "", 90),
		fserr.KindConflict))

	active, err = store.HasActiveRun(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, active)

	// Non-terminal status rejected by CompleteRun.
	run2 := &models.AnalysisRun{ID: "run2", RegionID: "r1", Status: models.RunPending, StartedAt: time.Now()}
	require.NoError(t, store.PutRun(ctx, run2))
	assert.True(t, fserr.Is(
		store.CompleteRun(ctx, "run2", models.RunInProgress, "", "", time.Now()),
		fserr.KindFatal))
}

func TestRunsByStatusAndCleanup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.PutRun(ctx, &models.AnalysisRun{
			ID: id, RegionID: "r1", Status: models.RunPending,
			StartedAt: now.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.CheckpointRun(ctx, "a", "SearchImages", "", 0))
	require.NoError(t, store.CompleteRun(ctx, "b", models.RunFailed, "", "boom", now.Add(-48*time.Hour)))

	inProgress, err := store.RunsByStatus(ctx, models.RunInProgress)
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	assert.Equal(t, "a", inProgress[0].ID)

	removed, err := store.CleanupRuns(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestModelPointerCAS(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.LatestModelPointer(ctx, "T1", "amazon")
	assert.True(t, fserr.Is(err, fserr.KindNotFound))

	v1 := &models.TileModel{
		TileID: "T1", RegionTag: "amazon", Version: "v1", OptimalK: 4,
		ArtifactRef: "models/T1/amazon/v1/model.bin", SourceTrainingJob: "job-1",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CompareAndSwapModelPointer(ctx, v1, ""))

	// A second baseline-"" writer loses.
	v1b := *v1
	v1b.Version = "v1b"
	assert.True(t, fserr.Is(store.CompareAndSwapModelPointer(ctx, &v1b, ""), fserr.KindConflict))

	got, err := store.LatestModelPointer(ctx, "T1", "amazon")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Version)
	assert.Equal(t, 5, got.FeatureDim)

	v2 := *v1
	v2.Version = "v2"
	v2.OptimalK = 3
	require.NoError(t, store.CompareAndSwapModelPointer(ctx, &v2, "v1"))

	// Stale baseline loses after the flip.
	v2b := *v1
	v2b.Version = "v2b"
	assert.True(t, fserr.Is(store.CompareAndSwapModelPointer(ctx, &v2b, "v1"), fserr.KindConflict))

	got, err = store.LatestModelPointer(ctx, "T1", "amazon")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Version)
	assert.Equal(t, 3, got.OptimalK)
}
