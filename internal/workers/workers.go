// Package workers defines the invocation protocol for the external compute
// workers. Workers are black boxes with declared JSON input/output contracts;
// the orchestrator only ever sees references to object-store artifacts, never
// pixel-scale payloads.
package workers

import (
	"context"
	"encoding/json"

	"github.com/forestshield/forestshield/internal/fserr"
)

// Worker names, one per declared contract.
const (
	WorkerSearchImages       = "search_images"
	WorkerVegetationAnalyzer = "vegetation_analyzer"
	WorkerKSelector          = "k_selector"
	WorkerClusterTrainer     = "cluster_trainer"
	WorkerVisualization      = "visualization_generator"
	WorkerConsolidator       = "results_consolidator"
	WorkerNotifier           = "notifier"
)

// Invoker executes one worker call.
type Invoker interface {
	Invoke(ctx context.Context, worker string, payload interface{}) (json.RawMessage, error)
}

// SearchImagesInput asks the STAC search client for candidate scenes.
type SearchImagesInput struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	StartDate  string  `json:"start_date"`
	EndDate    string  `json:"end_date"`
	CloudCover float64 `json:"cloud_cover"`
}

// ImageAssets carries per-band asset URLs.
type ImageAssets struct {
	RedURL string `json:"red_url"`
	NirURL string `json:"nir_url"`
}

// SatelliteImage is one discovered scene.
type SatelliteImage struct {
	ID         string      `json:"id"`
	Date       string      `json:"date"`
	Assets     ImageAssets `json:"assets"`
	CloudCover float64     `json:"cloud_cover"`
	BBox       []float64   `json:"bbox,omitempty"`
}

// SearchImagesResult is the search worker's output.
type SearchImagesResult struct {
	Count  int              `json:"count"`
	Images []SatelliteImage `json:"images"`
}

// VegetationInput drives the NDVI computation kernel for one image.
type VegetationInput struct {
	ImageID      string `json:"image_id"`
	RedURL       string `json:"red_url"`
	NirURL       string `json:"nir_url"`
	OutputBucket string `json:"output_bucket"`
	Region       string `json:"region"`
}

// VegetationStatistics summarizes per-image NDVI output.
type VegetationStatistics struct {
	MeanNDVI           float64 `json:"mean_ndvi"`
	MinNDVI            float64 `json:"min_ndvi"`
	MaxNDVI            float64 `json:"max_ndvi"`
	StdNDVI            float64 `json:"std_ndvi"`
	VegetationCoverage float64 `json:"vegetation_coverage"`
	ValidPixels        int64   `json:"valid_pixels"`
}

// VegetationResult is the NDVI worker's output. Pixel data goes to the object
// store; only TrainingDataRef travels through the state machine.
type VegetationResult struct {
	Success         bool                 `json:"success"`
	Statistics      VegetationStatistics `json:"statistics"`
	TrainingDataRef string               `json:"training_data_ref"`
}

// KSelectorInput is the declared contract of the fleet's k_selector worker.
// This service does not invoke it: hyperparameter selection runs in-process
// (mlm.SelectOptimalK fans out cluster_trainer jobs and picks the elbow
// itself), so the types exist only to pin the wire format for fleets that
// offload selection.
type KSelectorInput struct {
	TrainingDataRef string `json:"training_data_ref"`
	KCandidates     []int  `json:"k_candidates"`
}

// KSelectorResult reports per-candidate SSE. Failed candidates are absent
// from SSEByK.
type KSelectorResult struct {
	OptimalK   int                `json:"optimal_k"`
	Confidence float64            `json:"confidence"`
	SSEByK     map[string]float64 `json:"sse_by_k"`
}

// TrainerInput runs one K-means training job.
type TrainerInput struct {
	TrainingDataRef string `json:"training_data_ref"`
	K               int    `json:"k"`
	FeatureDim      int    `json:"feature_dim"`
}

// TrainerResult is the trained model with its quality measures.
type TrainerResult struct {
	ModelArtifactRef string      `json:"model_artifact_ref"`
	SSE              float64     `json:"sse"`
	ClusterCentroids [][]float64 `json:"cluster_centroids"`
	ClusterSizes     []int64     `json:"cluster_sizes"`
	TrainingJobName  string      `json:"training_job_name"`
}

// VisualizationInput renders charts for one analyzed image.
type VisualizationInput struct {
	ModelArtifactRef string `json:"model_artifact_ref"`
	TrainingDataRef  string `json:"training_data_ref"`
	TileID           string `json:"tile_id"`
	RegionID         string `json:"region_id"`
	Timestamp        string `json:"timestamp"`
}

// VisualizationResult lists the generated chart objects.
type VisualizationResult struct {
	ChartRefs []string `json:"chart_refs"`
}

// NotifierInput delivers one notification.
type NotifierInput struct {
	Channel string `json:"channel"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NotifierResult acknowledges delivery.
type NotifierResult struct {
	Delivered bool `json:"delivered"`
}

// Call invokes a worker and decodes its output into T.
func Call[T any](ctx context.Context, inv Invoker, worker string, payload interface{}) (T, error) {
	var out T
	raw, err := inv.Invoke(ctx, worker, payload)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fserr.E(fserr.KindFatal, worker, err)
	}
	return out, nil
}
