package mlm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/forestshield/forestshield/internal/fserr"
	"github.com/forestshield/forestshield/internal/models"
	"github.com/forestshield/forestshield/internal/objectstore"
)

const (
	historyMaxEntries = 1000
	anomalyWindow     = 20
)

// TrackPerformance appends an analysis outcome to the tile's history blob,
// attaching anomaly flags computed against the trailing window. Object-store
// failures are logged and skipped: performance tracking must never fail an
// analysis run.
func (m *Manager) TrackPerformance(ctx context.Context, tileID string, entry models.PerformanceEntry) {
	lock := m.lockForTile(tileID)
	lock.Lock()
	defer lock.Unlock()

	key := objectstore.PerformanceHistoryKey(tileID)
	history, err := m.loadHistory(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("tile", tileID).Msg("Skipping performance tracking: history unreadable")
		return
	}

	entry.TileID = tileID
	entry.Anomalies = DetectAnomalies(history, entry)
	history = append(history, entry)
	if len(history) > historyMaxEntries {
		history = history[len(history)-historyMaxEntries:]
	}

	payload, err := json.Marshal(history)
	if err != nil {
		log.Error().Err(err).Str("tile", tileID).Msg("Failed to encode performance history")
		return
	}
	if err := m.objects.Put(ctx, key, payload); err != nil {
		log.Warn().Err(err).Str("tile", tileID).Msg("Skipping performance tracking: history write failed")
	}
}

// PerformanceHistory returns the recorded entries for a tile, newest last.
func (m *Manager) PerformanceHistory(ctx context.Context, tileID string) ([]models.PerformanceEntry, error) {
	return m.loadHistory(ctx, objectstore.PerformanceHistoryKey(tileID))
}

// Anomalies returns only the history entries carrying anomaly flags.
func (m *Manager) Anomalies(ctx context.Context, tileID string) ([]models.PerformanceEntry, error) {
	history, err := m.PerformanceHistory(ctx, tileID)
	if err != nil {
		return nil, err
	}
	var flagged []models.PerformanceEntry
	for _, e := range history {
		if len(e.Anomalies) > 0 {
			flagged = append(flagged, e)
		}
	}
	return flagged, nil
}

func (m *Manager) loadHistory(ctx context.Context, key string) ([]models.PerformanceEntry, error) {
	data, err := m.objects.Get(ctx, key)
	if err != nil {
		if fserr.Is(err, fserr.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var history []models.PerformanceEntry
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fserr.E(fserr.KindFatal, "load_performance_history", err).WithResource(key)
	}
	return history, nil
}

func (m *Manager) lockForTile(tileID string) *sync.Mutex {
	m.tileMu.Lock()
	defer m.tileMu.Unlock()
	lock, ok := m.tileLock[tileID]
	if !ok {
		lock = &sync.Mutex{}
		m.tileLock[tileID] = lock
	}
	return lock
}

// DetectAnomalies flags an entry against the trailing window of history:
// high severity on very low confidence or processing time beyond three
// standard deviations of the trailing mean, medium severity on a component
// score dropping more than 0.25 below its trailing mean.
func DetectAnomalies(history []models.PerformanceEntry, entry models.PerformanceEntry) []models.Anomaly {
	var anomalies []models.Anomaly

	if entry.OverallConfidence < 0.3 {
		anomalies = append(anomalies, models.Anomaly{
			Severity: models.AnomalyHigh,
			Reason:   "overall confidence below 0.3",
			Value:    entry.OverallConfidence,
			Baseline: 0.3,
		})
	}

	window := history
	if len(window) > anomalyWindow {
		window = window[len(window)-anomalyWindow:]
	}
	if len(window) == 0 {
		return anomalies
	}

	var sum, sumSq float64
	for _, e := range window {
		t := float64(e.ProcessingTimeMs)
		sum += t
		sumSq += t * t
	}
	n := float64(len(window))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	std := math.Sqrt(variance)
	if std > 0 && float64(entry.ProcessingTimeMs) > mean+3*std {
		anomalies = append(anomalies, models.Anomaly{
			Severity: models.AnomalyHigh,
			Reason:   "processing time beyond 3 sigma of trailing mean",
			Value:    float64(entry.ProcessingTimeMs),
			Baseline: mean,
		})
	}

	for _, comp := range []struct {
		name    string
		value   float64
		extract func(models.PerformanceEntry) float64
	}{
		{"data quality", entry.DataQuality, func(e models.PerformanceEntry) float64 { return e.DataQuality }},
		{"spatial coherence", entry.SpatialCoherence, func(e models.PerformanceEntry) float64 { return e.SpatialCoherence }},
		{"historical consistency", entry.HistoricalConsistency, func(e models.PerformanceEntry) float64 { return e.HistoricalConsistency }},
	} {
		var compSum float64
		for _, e := range window {
			compSum += comp.extract(e)
		}
		compMean := compSum / n
		if compMean-comp.value > 0.25 {
			anomalies = append(anomalies, models.Anomaly{
				Severity: models.AnomalyMedium,
				Reason:   fmt.Sprintf("%s dropped more than 0.25 below trailing mean", comp.name),
				Value:    comp.value,
				Baseline: compMean,
			})
		}
	}
	return anomalies
}
