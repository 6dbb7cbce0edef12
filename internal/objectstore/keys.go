package objectstore

import (
	"fmt"
	"time"
)

// Key builders for the store's namespaces. The formats are bit-exact for
// interoperability with downstream tooling that reads the bucket directly.

// GeospatialKey is the partitioned pixel-data path for a run.
func GeospatialKey(t time.Time, runID string) string {
	t = t.UTC()
	return fmt.Sprintf("geospatial-data/year=%d/month=%02d/day=%02d/%s.json",
		t.Year(), int(t.Month()), t.Day(), runID)
}

// ModelArtifactKey is the location of a model binary.
func ModelArtifactKey(tileID, regionTag, version string) string {
	return fmt.Sprintf("models/%s/%s/%s/model.bin", tileID, regionTag, version)
}

// ModelMetadataKey is the location of a model's metadata document.
func ModelMetadataKey(tileID, regionTag, version string) string {
	return fmt.Sprintf("models/%s/%s/%s/metadata.json", tileID, regionTag, version)
}

// PerformanceHistoryKey is a tile's append-only performance history blob.
func PerformanceHistoryKey(tileID string) string {
	return fmt.Sprintf("model-performance/%s/history.json", tileID)
}

// VisualizationKey is a generated chart image.
func VisualizationKey(regionID, tileID string, t time.Time, chartType string) string {
	return fmt.Sprintf("visualizations/%s/%s/%s/%s.png",
		regionID, tileID, t.UTC().Format("20060102T150405Z"), chartType)
}

// RunPayloadKey holds a checkpoint payload too large for the state record.
func RunPayloadKey(runID, state string) string {
	return fmt.Sprintf("runs/%s/%s.json", runID, state)
}

// ReportKey is a rendered PDF report.
func ReportKey(t time.Time, riskLevel string) string {
	stamp := t.UTC().Format("20060102T150405Z")
	return fmt.Sprintf("reports/%s/report_%s_%s.pdf", stamp, riskLevel, stamp)
}
