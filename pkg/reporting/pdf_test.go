package reporting

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forestshield/forestshield/internal/models"
)

func sampleData() *ReportData {
	base := time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)
	return &ReportData{
		RegionID:    "r1",
		RegionName:  "Novo Progresso",
		PeriodStart: base,
		PeriodEnd:   base.AddDate(0, 3, 0),
		GeneratedAt: base.AddDate(0, 3, 1),
		Alerts: []*models.Alert{
			{ID: "r1:2022061514", Level: models.RiskModerate, DeforestationPct: 7.2,
				ConfidenceScore: 0.81, Timestamp: base.AddDate(0, 0, 14)},
			{ID: "r1:2022072010", Level: models.RiskHigh, DeforestationPct: 11.4,
				ConfidenceScore: 0.77, Timestamp: base.AddDate(0, 1, 19), Acknowledged: true},
		},
		Runs: []*models.AnalysisRun{
			{ID: "run-1", Status: models.RunSucceeded},
			{ID: "run-2", Status: models.RunNoImagesFound},
			{ID: "run-3", Status: models.RunFailed},
		},
		Trend: []TrendPoint{
			{Timestamp: base, DeforestationPct: 2.1, Confidence: 0.9},
			{Timestamp: base.AddDate(0, 0, 14), DeforestationPct: 7.2, Confidence: 0.81},
			{Timestamp: base.AddDate(0, 1, 19), DeforestationPct: 11.4, Confidence: 0.77},
		},
	}
}

func TestGenerateProducesPDF(t *testing.T) {
	out, err := NewPDFGenerator().Generate(sampleData())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")), "output must be a PDF document")
	assert.Greater(t, len(out), 1000)
}

func TestGenerateHandlesEmptyReport(t *testing.T) {
	data := &ReportData{
		RegionID:    "r2",
		RegionName:  "Empty Region",
		PeriodStart: time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2022, 9, 1, 0, 0, 0, 0, time.UTC),
		GeneratedAt: time.Now().UTC(),
	}
	out, err := NewPDFGenerator().Generate(data)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}

func TestHighestLevel(t *testing.T) {
	assert.Equal(t, models.RiskHigh, sampleData().HighestLevel())
	assert.Equal(t, models.RiskInfo, (&ReportData{}).HighestLevel())
}
