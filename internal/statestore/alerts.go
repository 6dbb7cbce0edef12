package statestore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/forestshield/forestshield/internal/fserr"
	"github.com/forestshield/forestshield/internal/models"
)

// PutAlert inserts an alert. The alert ID is the deduplication key, so a
// second insert for the same (region, hour) returns Conflict; callers treat
// that as an idempotent no-op.
func (s *Store) PutAlert(ctx context.Context, a *models.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, region_id, region_name, level, deforestation_pct,
			confidence, message, acknowledged, ack_time, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RegionID, a.RegionName, string(a.Level), a.DeforestationPct,
		a.ConfidenceScore, a.Message, boolInt(a.Acknowledged),
		nullableMilli(a.AckTime), a.Timestamp.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return fserr.E(fserr.KindConflict, "put_alert", err).WithResource(a.ID)
		}
		return fserr.E(fserr.KindTransient, "put_alert", err).WithResource(a.ID)
	}
	return nil
}

// GetAlert fetches one alert by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, alertSelect+` WHERE id = ?`, id)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fserr.Ef(fserr.KindNotFound, "get_alert", "alert %s not found", id).WithResource(id)
	}
	if err != nil {
		return nil, fserr.E(fserr.KindTransient, "get_alert", err).WithResource(id)
	}
	return alert, nil
}

// AlertsByRegion returns a region's alerts newest first, up to limit.
func (s *Store) AlertsByRegion(ctx context.Context, regionID string, limit int) ([]*models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		alertSelect+` WHERE region_id = ? ORDER BY timestamp DESC LIMIT ?`,
		regionID, limit)
	if err != nil {
		return nil, fserr.E(fserr.KindTransient, "alerts_by_region", err).WithResource(regionID)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// AlertsInWindow returns alerts in [from, to), oldest first. This is the read
// path an external heatmap engine partitions over; it takes no locks that
// would block writers.
func (s *Store) AlertsInWindow(ctx context.Context, from, to time.Time, limit int) ([]*models.Alert, error) {
	if limit <= 0 || limit > models.MaxHeatmapPoints {
		limit = models.MaxHeatmapPoints
	}
	rows, err := s.db.QueryContext(ctx,
		alertSelect+` WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp ASC LIMIT ?`,
		from.UnixMilli(), to.UnixMilli(), limit)
	if err != nil {
		return nil, fserr.E(fserr.KindTransient, "alerts_in_window", err)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// AcknowledgeAlert marks an alert acknowledged. Acknowledgement only moves
// false to true; acknowledging twice is a no-op success.
func (s *Store) AcknowledgeAlert(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET acknowledged = 1, ack_time = ?
		WHERE id = ? AND acknowledged = 0`, at.UnixMilli(), id)
	if err != nil {
		return fserr.E(fserr.KindTransient, "acknowledge_alert", err).WithResource(id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either absent or already acknowledged; distinguish for the caller.
		if _, getErr := s.GetAlert(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

const alertSelect = `
	SELECT id, region_id, region_name, level, deforestation_pct, confidence,
		message, acknowledged, ack_time, timestamp
	FROM alerts`

func scanAlert(row rowScanner) (*models.Alert, error) {
	var a models.Alert
	var level string
	var acked int
	var ackTime sql.NullInt64
	var ts int64
	err := row.Scan(&a.ID, &a.RegionID, &a.RegionName, &level, &a.DeforestationPct,
		&a.ConfidenceScore, &a.Message, &acked, &ackTime, &ts)
	if err != nil {
		return nil, err
	}
	a.Level = models.RiskLevel(level)
	a.Acknowledged = acked != 0
	if ackTime.Valid {
		t := time.UnixMilli(ackTime.Int64).UTC()
		a.AckTime = &t
	}
	a.Timestamp = time.UnixMilli(ts).UTC()
	return &a, nil
}

func collectAlerts(rows *sql.Rows) ([]*models.Alert, error) {
	var alerts []*models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fserr.E(fserr.KindTransient, "scan_alert", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
