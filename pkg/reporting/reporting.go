// Package reporting renders deforestation summary reports as PDF documents.
package reporting

import (
	"time"

	"github.com/forestshield/forestshield/internal/models"
)

// ReportData is everything a region report needs.
type ReportData struct {
	RegionID    string
	RegionName  string
	PeriodStart time.Time
	PeriodEnd   time.Time
	GeneratedAt time.Time

	Alerts []*models.Alert
	Runs   []*models.AnalysisRun

	// Trend points, oldest first.
	Trend []TrendPoint
}

// TrendPoint is one observed deforestation measurement.
type TrendPoint struct {
	Timestamp        time.Time
	DeforestationPct float64
	Confidence       float64
}

// HighestLevel returns the most severe alert level in the period, or INFO.
func (d *ReportData) HighestLevel() models.RiskLevel {
	rank := map[models.RiskLevel]int{
		models.RiskInfo:     0,
		models.RiskLow:      1,
		models.RiskModerate: 2,
		models.RiskHigh:     3,
		models.RiskCritical: 4,
	}
	highest := models.RiskInfo
	for _, a := range d.Alerts {
		if rank[a.Level] > rank[highest] {
			highest = a.Level
		}
	}
	return highest
}
