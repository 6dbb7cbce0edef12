package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyRisk(t *testing.T) {
	tests := []struct {
		pct  float64
		want RiskLevel
	}{
		{0, RiskInfo},
		{3, RiskInfo},
		{3.01, RiskLow},
		{5, RiskLow},
		{5.5, RiskModerate},
		{10, RiskModerate},
		{10.1, RiskHigh},
		{15, RiskHigh},
		{15.2, RiskCritical},
		{80, RiskCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyRisk(tt.pct), "pct=%v", tt.pct)
	}
}

func TestDedupAlertID(t *testing.T) {
	base := time.Date(2022, 6, 15, 14, 5, 0, 0, time.UTC)
	sameHour := time.Date(2022, 6, 15, 14, 59, 59, 0, time.UTC)
	nextHour := time.Date(2022, 6, 15, 15, 0, 0, 0, time.UTC)

	assert.Equal(t, DedupAlertID("r1", base), DedupAlertID("r1", sameHour))
	assert.NotEqual(t, DedupAlertID("r1", base), DedupAlertID("r1", nextHour))
	assert.NotEqual(t, DedupAlertID("r1", base), DedupAlertID("r2", base))
	assert.Equal(t, "r1:2022061514", DedupAlertID("r1", base))
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunPending.Terminal())
	assert.False(t, RunInProgress.Terminal())
	assert.True(t, RunSucceeded.Terminal())
	assert.True(t, RunFailed.Terminal())
	assert.True(t, RunTimedOut.Terminal())
	assert.True(t, RunNoImagesFound.Terminal())
}

func TestRegionClone(t *testing.T) {
	now := time.Now()
	r := &Region{ID: "r1", Name: "amazon-east", LastAnalysisAt: &now}
	clone := r.Clone()
	assert.Equal(t, r, clone)

	later := now.Add(time.Hour)
	clone.LastAnalysisAt = &later
	assert.Equal(t, now, *r.LastAnalysisAt)
}
