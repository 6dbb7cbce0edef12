// Package models holds the entities shared across ForestShield components.
package models

import (
	"fmt"
	"time"
)

// RegionStatus drives scheduler registration for a region.
type RegionStatus string

const (
	RegionStatusActive RegionStatus = "ACTIVE"
	RegionStatusPaused RegionStatus = "PAUSED"
)

// Coordinates is a WGS84 point.
type Coordinates struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

// Region is a user-declared area to monitor for deforestation.
type Region struct {
	ID                   string       `json:"id"`
	Name                 string       `json:"name" validate:"required"`
	Center               Coordinates  `json:"center"`
	RadiusKm             float64      `json:"radiusKm" validate:"gt=0"`
	CloudCoverThreshold  float64      `json:"cloudCoverThreshold" validate:"gte=0,lte=100"`
	Status               RegionStatus `json:"status"`
	CreatedAt            time.Time    `json:"createdAt"`
	LastDeforestationPct float64      `json:"lastDeforestationPercentage"`
	LastAnalysisAt       *time.Time   `json:"lastAnalysisAt,omitempty"`
}

// Clone returns a copy safe to share across goroutines.
func (r *Region) Clone() *Region {
	if r == nil {
		return nil
	}
	clone := *r
	if r.LastAnalysisAt != nil {
		t := *r.LastAnalysisAt
		clone.LastAnalysisAt = &t
	}
	return &clone
}

// RiskLevel is the severity of a deforestation finding.
type RiskLevel string

const (
	RiskInfo     RiskLevel = "INFO"
	RiskLow      RiskLevel = "LOW"
	RiskModerate RiskLevel = "MODERATE"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// ClassifyRisk buckets a deforestation percentage into a risk level.
func ClassifyRisk(deforestationPct float64) RiskLevel {
	switch {
	case deforestationPct > 15:
		return RiskCritical
	case deforestationPct > 10:
		return RiskHigh
	case deforestationPct > 5:
		return RiskModerate
	case deforestationPct > 3:
		return RiskLow
	default:
		return RiskInfo
	}
}

// Alert is a persisted deforestation event.
type Alert struct {
	ID               string     `json:"id"`
	RegionID         string     `json:"regionId"`
	RegionName       string     `json:"regionName"`
	Level            RiskLevel  `json:"level"`
	DeforestationPct float64    `json:"deforestationPercentage"`
	ConfidenceScore  float64    `json:"confidenceScore"`
	Message          string     `json:"message"`
	Acknowledged     bool       `json:"acknowledged"`
	AckTime          *time.Time `json:"ackTime,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
}

// DedupAlertID derives the deterministic alert identity from the region and
// the hour-floored event time. Re-running a consolidation within the same hour
// reproduces the same ID, which is what makes alert emission idempotent.
func DedupAlertID(regionID string, ts time.Time) string {
	return fmt.Sprintf("%s:%s", regionID, ts.UTC().Truncate(time.Hour).Format("2006010215"))
}

// RunStatus is the lifecycle state of an analysis run record.
type RunStatus string

const (
	RunPending       RunStatus = "PENDING"
	RunInProgress    RunStatus = "IN_PROGRESS"
	RunSucceeded     RunStatus = "SUCCEEDED"
	RunFailed        RunStatus = "FAILED"
	RunTimedOut      RunStatus = "TIMED_OUT"
	RunNoImagesFound RunStatus = "NO_IMAGES_FOUND"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunTimedOut, RunNoImagesFound:
		return true
	}
	return false
}

// AnalysisRun is an in-flight or completed orchestrator execution.
type AnalysisRun struct {
	ID        string     `json:"id"`
	RegionID  string     `json:"regionId"`
	Status    RunStatus  `json:"status"`
	State     string     `json:"state"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Progress  int        `json:"progress"`
	Input     string     `json:"input,omitempty"`
	Output    string     `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// TileModel is the metadata of a trained K-means artifact for one
// (tile_id, region_tag) pair. Artifacts are immutable; only the latest
// pointer moves.
type TileModel struct {
	TileID            string    `json:"tile_id"`
	RegionTag         string    `json:"region_tag"`
	Version           string    `json:"version"`
	OptimalK          int       `json:"optimal_k"`
	ArtifactRef       string    `json:"model_ref"`
	SourceTrainingJob string    `json:"source_training_job"`
	CreatedAt         time.Time `json:"created_at"`
	FeatureDim        int       `json:"feature_dim"`
}

// PerformanceEntry is a single analysis outcome appended to a tile's history.
type PerformanceEntry struct {
	TileID                string    `json:"tileId"`
	Timestamp             time.Time `json:"timestamp"`
	OverallConfidence     float64   `json:"overallConfidence"`
	DataQuality           float64   `json:"dataQuality"`
	SpatialCoherence      float64   `json:"spatialCoherence"`
	HistoricalConsistency float64   `json:"historicalConsistency"`
	ProcessingTimeMs      int64     `json:"processingTimeMs"`
	PixelsAnalyzed        int64     `json:"pixelsAnalyzed"`
	ModelReused           bool      `json:"modelReused"`
	TrainingJobName       string    `json:"trainingJobName,omitempty"`
	Anomalies             []Anomaly `json:"anomalies,omitempty"`
}

// AnomalySeverity grades a performance anomaly.
type AnomalySeverity string

const (
	AnomalyHigh   AnomalySeverity = "high"
	AnomalyMedium AnomalySeverity = "medium"
)

// Anomaly is attached to a PerformanceEntry when insert-time detection fires.
type Anomaly struct {
	Severity AnomalySeverity `json:"severity"`
	Reason   string          `json:"reason"`
	Value    float64         `json:"value"`
	Baseline float64         `json:"baseline"`
}

// PixelData is the persisted training-data blob: one 5-dimensional vector
// [ndvi, red, nir, lat, lon] per pixel.
type PixelData struct {
	Pixels [][5]float64 `json:"pixels"`
}

// MaxHeatmapPoints caps the point count any heatmap query may return.
const MaxHeatmapPoints = 10000
