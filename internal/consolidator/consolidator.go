// Package consolidator aggregates parallel per-image analysis results into a
// risk assessment, scores confidence, and records the resulting alert.
package consolidator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/forestshield/forestshield/internal/config"
	"github.com/forestshield/forestshield/internal/fserr"
	"github.com/forestshield/forestshield/internal/models"
	"github.com/forestshield/forestshield/internal/statestore"
	"github.com/forestshield/forestshield/internal/workers"
)

// Thresholds for cluster-shift change detection.
const (
	degradationNDVIDrop  = 0.15 // centroid NDVI drop marking a degradation shift
	degradationShareGrow = 5.0  // pixel-share growth in percentage points
	nominalRevisit       = 5 * 24 * time.Hour
)

// ClusterResult carries the trained model's view of one image.
type ClusterResult struct {
	Centroids [][]float64 `json:"cluster_centroids"` // centroid[i][0] is NDVI
	Sizes     []int64     `json:"cluster_sizes"`
}

// ImageResult is one per-image branch outcome handed to consolidation.
type ImageResult struct {
	ImageID          string                       `json:"image_id"`
	Date             time.Time                    `json:"date"`
	Success          bool                         `json:"success"`
	Statistics       workers.VegetationStatistics `json:"statistics"`
	ClusterResult    *ClusterResult               `json:"cluster_results,omitempty"`
	ModelUsed        string                       `json:"model_used"`
	ModelReused      bool                         `json:"model_reused"`
	TileID           string                       `json:"tile_id"`
	TrainingJobName  string                       `json:"training_job_name,omitempty"`
	ProcessingTimeMs int64                        `json:"processing_time_ms"`
}

// AggregateStats summarizes all successful images.
type AggregateStats struct {
	MeanVegetationCoverage float64 `json:"mean_vegetation_coverage"`
	MeanNDVI               float64 `json:"mean_ndvi"`
	TotalPixels            int64   `json:"total_pixels"`
	DataQualityPct         float64 `json:"data_quality_pct"`
	ImagesAnalyzed         int     `json:"images_analyzed"`
	ImagesFailed           int     `json:"images_failed"`
}

// Assessment is the consolidated risk verdict for a run.
type Assessment struct {
	RiskLevel        models.RiskLevel `json:"risk_level"`
	DeforestationPct float64          `json:"deforestation_percentage"`
	Confidence       float64          `json:"confidence_score"`
	DataQuality      float64          `json:"data_quality"`
	SpatialCoherence float64          `json:"spatial_coherence"`
	TemporalAccuracy float64          `json:"temporal_accuracy"`
	ModelAgreement   float64          `json:"model_agreement"`
	Stats            AggregateStats   `json:"stats"`
	Message          string           `json:"message"`
}

// PerformanceTracker receives per-image outcomes asynchronously.
type PerformanceTracker interface {
	TrackPerformance(ctx context.Context, tileID string, entry models.PerformanceEntry)
}

// Notifier receives the alert summary after a successful commit.
type Notifier interface {
	NotifyAlert(ctx context.Context, alert *models.Alert, assessment *Assessment)
}

// Consolidator computes assessments and commits alerts.
type Consolidator struct {
	state    *statestore.Store
	perf     PerformanceTracker
	notifier Notifier
	weights  config.ConfidenceWeights
}

// New wires a consolidator. perf and notifier may be nil in tests.
func New(state *statestore.Store, perf PerformanceTracker, notifier Notifier, weights config.ConfidenceWeights) *Consolidator {
	if weights.Sum() == 0 {
		weights = config.Default().ConfidenceWeights
	}
	return &Consolidator{state: state, perf: perf, notifier: notifier, weights: weights}
}

// Consolidate computes the deterministic risk assessment for a run's
// per-image results. At least one successful image is required.
func (c *Consolidator) Consolidate(results []ImageResult) (*Assessment, error) {
	succeeded := make([]ImageResult, 0, len(results))
	failed := 0
	for _, r := range results {
		if r.Success {
			succeeded = append(succeeded, r)
		} else {
			failed++
		}
	}
	if len(succeeded) == 0 {
		return nil, fserr.Ef(fserr.KindPartial, "consolidate_results",
			"no successful image analyses among %d", len(results))
	}
	sort.Slice(succeeded, func(i, j int) bool { return succeeded[i].Date.Before(succeeded[j].Date) })

	stats := aggregate(succeeded, failed)
	deforestation := deforestationPct(succeeded)
	level := models.ClassifyRisk(deforestation)

	shifts := degradationShifts(succeeded)
	a := &Assessment{
		RiskLevel:        level,
		DeforestationPct: deforestation,
		DataQuality:      dataQuality(succeeded, failed),
		SpatialCoherence: spatialCoherence(shifts),
		TemporalAccuracy: temporalAccuracy(succeeded),
		ModelAgreement:   modelAgreement(shifts),
		Stats:            stats,
	}
	a.Confidence = clamp01(c.weights.DataQuality*a.DataQuality +
		c.weights.SpatialCoherence*a.SpatialCoherence +
		c.weights.TemporalAccuracy*a.TemporalAccuracy +
		c.weights.ModelAgreement*a.ModelAgreement)
	a.Message = fmt.Sprintf("%s: %.1f%% vegetation loss across %d images (confidence %.2f)",
		level, deforestation, len(succeeded), a.Confidence)
	return a, nil
}

// Commit records the alert for an assessment and fans out side effects:
// asynchronous performance tracking for every image and a notification event.
// The alert ID is derived from (region, hour), so re-committing the same
// consolidation is a no-op rather than a duplicate; the previously stored
// alert is returned in that case. INFO assessments record no alert.
func (c *Consolidator) Commit(ctx context.Context, region *models.Region, results []ImageResult, a *Assessment, at time.Time) (*models.Alert, error) {
	c.trackAsync(results, a)

	if a.RiskLevel == models.RiskInfo {
		return nil, nil
	}

	alert := &models.Alert{
		ID:               models.DedupAlertID(region.ID, at),
		RegionID:         region.ID,
		RegionName:       region.Name,
		Level:            a.RiskLevel,
		DeforestationPct: a.DeforestationPct,
		ConfidenceScore:  a.Confidence,
		Message:          a.Message,
		Timestamp:        at,
	}

	err := c.state.PutAlert(ctx, alert)
	if fserr.Is(err, fserr.KindConflict) {
		log.Debug().Str("alert", alert.ID).Msg("Alert already recorded for this hour; treating as no-op")
		return c.state.GetAlert(ctx, alert.ID)
	}
	if err != nil {
		return nil, err
	}

	if c.notifier != nil {
		c.notifier.NotifyAlert(ctx, alert, a)
	}
	return alert, nil
}

func (c *Consolidator) trackAsync(results []ImageResult, a *Assessment) {
	if c.perf == nil {
		return
	}
	for _, r := range results {
		if !r.Success || r.TileID == "" {
			continue
		}
		entry := models.PerformanceEntry{
			Timestamp:             r.Date,
			OverallConfidence:     a.Confidence,
			DataQuality:           a.DataQuality,
			SpatialCoherence:      a.SpatialCoherence,
			HistoricalConsistency: a.TemporalAccuracy,
			ProcessingTimeMs:      r.ProcessingTimeMs,
			PixelsAnalyzed:        r.Statistics.ValidPixels,
			ModelReused:           r.ModelReused,
			TrainingJobName:       r.TrainingJobName,
		}
		go func(tile string, entry models.PerformanceEntry) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			c.perf.TrackPerformance(ctx, tile, entry)
		}(r.TileID, entry)
	}
}

func aggregate(succeeded []ImageResult, failed int) AggregateStats {
	var stats AggregateStats
	stats.ImagesAnalyzed = len(succeeded)
	stats.ImagesFailed = failed
	for _, r := range succeeded {
		stats.MeanVegetationCoverage += r.Statistics.VegetationCoverage
		stats.MeanNDVI += r.Statistics.MeanNDVI
		stats.TotalPixels += r.Statistics.ValidPixels
	}
	n := float64(len(succeeded))
	stats.MeanVegetationCoverage /= n
	stats.MeanNDVI /= n
	stats.DataQualityPct = 100 * float64(len(succeeded)) / float64(len(succeeded)+failed)
	return stats
}

// deforestationPct is the vegetation-coverage loss from the earliest to the
// latest image, floored at zero. Regrowth is not negative deforestation.
func deforestationPct(sorted []ImageResult) float64 {
	if len(sorted) < 2 {
		return 0
	}
	initial := sorted[0].Statistics.VegetationCoverage
	final := sorted[len(sorted)-1].Statistics.VegetationCoverage
	return math.Max(0, initial-final)
}

// degradationShift is one cluster observed degrading between two images.
type degradationShift struct {
	clusterIdx int
	ndviDrop   float64
	centroid   []float64
}

// degradationShifts runs the cluster-shift analysis over consecutive image
// pairs: a cluster degrades when its centroid NDVI drops by at least 0.15
// while its pixel share grows by at least five percentage points.
func degradationShifts(sorted []ImageResult) []degradationShift {
	var shifts []degradationShift
	for i := 0; i+1 < len(sorted); i++ {
		prev, next := sorted[i].ClusterResult, sorted[i+1].ClusterResult
		if prev == nil || next == nil {
			continue
		}
		// Workers are external; a response with mismatched centroid and size
		// counts is truncated to the consistent prefix rather than trusted.
		k := min(len(prev.Centroids), len(next.Centroids), len(prev.Sizes), len(next.Sizes))
		prevTotal := total(prev.Sizes)
		nextTotal := total(next.Sizes)
		if prevTotal == 0 || nextTotal == 0 {
			continue
		}
		for c := 0; c < k; c++ {
			if len(prev.Centroids[c]) == 0 || len(next.Centroids[c]) == 0 {
				continue
			}
			drop := prev.Centroids[c][0] - next.Centroids[c][0]
			shareGrow := 100*float64(next.Sizes[c])/float64(nextTotal) -
				100*float64(prev.Sizes[c])/float64(prevTotal)
			if drop >= degradationNDVIDrop && shareGrow >= degradationShareGrow {
				shifts = append(shifts, degradationShift{
					clusterIdx: c,
					ndviDrop:   drop,
					centroid:   next.Centroids[c],
				})
			}
		}
	}
	return shifts
}

// dataQuality is the fraction of branches that produced valid pixel data.
func dataQuality(succeeded []ImageResult, failed int) float64 {
	valid := 0
	for _, r := range succeeded {
		if r.Statistics.ValidPixels > 0 {
			valid++
		}
	}
	return float64(valid) / float64(len(succeeded)+failed)
}

// spatialCoherence is one minus the normalized spread of the degradation
// clusters' NDVI centroids. A single tight degradation front scores high;
// scattered inconsistent shifts score low. No shifts at all means the scene
// is stable, which is maximally coherent.
func spatialCoherence(shifts []degradationShift) float64 {
	if len(shifts) == 0 {
		return 1
	}
	var sum, sumSq float64
	for _, s := range shifts {
		v := s.centroid[0]
		sum += v
		sumSq += v * v
	}
	n := float64(len(shifts))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	// NDVI lives in [-1,1]; a std of 1 is maximal scatter.
	return clamp01(1 - math.Sqrt(variance))
}

// temporalAccuracy saturates at 1 when the sampled span covers the nominal
// revisit interval between consecutive acquisitions.
func temporalAccuracy(sorted []ImageResult) float64 {
	if len(sorted) < 2 {
		return 0
	}
	span := sorted[len(sorted)-1].Date.Sub(sorted[0].Date)
	want := nominalRevisit * time.Duration(len(sorted)-1)
	if want <= 0 {
		return 0
	}
	return clamp01(float64(span) / float64(want))
}

// modelAgreement is the fraction of degradation observations that point at
// the population-mode cluster.
func modelAgreement(shifts []degradationShift) float64 {
	if len(shifts) == 0 {
		// No observed degradation: models trivially agree.
		return 1
	}
	counts := make(map[int]int)
	for _, s := range shifts {
		counts[s.clusterIdx]++
	}
	mode := 0
	for _, c := range counts {
		if c > mode {
			mode = c
		}
	}
	return float64(mode) / float64(len(shifts))
}

func total(sizes []int64) int64 {
	var t int64
	for _, s := range sizes {
		t += s
	}
	return t
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
