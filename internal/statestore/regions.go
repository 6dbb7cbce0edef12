package statestore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/forestshield/forestshield/internal/fserr"
	"github.com/forestshield/forestshield/internal/models"
)

// CreateRegion inserts a new region. The ID must be unique.
func (s *Store) CreateRegion(ctx context.Context, r *models.Region) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO regions (id, name, latitude, longitude, radius_km,
			cloud_cover_threshold, status, created_at, last_deforestation_pct, last_analysis_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Center.Latitude, r.Center.Longitude, r.RadiusKm,
		r.CloudCoverThreshold, string(r.Status), r.CreatedAt.UnixMilli(),
		r.LastDeforestationPct, nullableMilli(r.LastAnalysisAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fserr.E(fserr.KindConflict, "create_region", err).WithResource(r.ID)
		}
		return fserr.E(fserr.KindTransient, "create_region", err).WithResource(r.ID)
	}
	return nil
}

// GetRegion fetches one region by ID.
func (s *Store) GetRegion(ctx context.Context, id string) (*models.Region, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, latitude, longitude, radius_km, cloud_cover_threshold,
			status, created_at, last_deforestation_pct, last_analysis_at
		FROM regions WHERE id = ?`, id)
	region, err := scanRegion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fserr.Ef(fserr.KindNotFound, "get_region", "region %s not found", id).WithResource(id)
	}
	if err != nil {
		return nil, fserr.E(fserr.KindTransient, "get_region", err).WithResource(id)
	}
	return region, nil
}

// ListRegions returns all regions ordered by creation time.
func (s *Store) ListRegions(ctx context.Context) ([]*models.Region, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, latitude, longitude, radius_km, cloud_cover_threshold,
			status, created_at, last_deforestation_pct, last_analysis_at
		FROM regions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fserr.E(fserr.KindTransient, "list_regions", err)
	}
	defer rows.Close()

	var regions []*models.Region
	for rows.Next() {
		region, err := scanRegion(rows)
		if err != nil {
			return nil, fserr.E(fserr.KindTransient, "list_regions", err)
		}
		regions = append(regions, region)
	}
	return regions, rows.Err()
}

// UpdateRegion overwrites the mutable attributes of a region.
func (s *Store) UpdateRegion(ctx context.Context, r *models.Region) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE regions SET name = ?, latitude = ?, longitude = ?, radius_km = ?,
			cloud_cover_threshold = ?, status = ?
		WHERE id = ?`,
		r.Name, r.Center.Latitude, r.Center.Longitude, r.RadiusKm,
		r.CloudCoverThreshold, string(r.Status), r.ID)
	if err != nil {
		return fserr.E(fserr.KindTransient, "update_region", err).WithResource(r.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fserr.Ef(fserr.KindNotFound, "update_region", "region %s not found", r.ID).WithResource(r.ID)
	}
	return nil
}

// SetRegionStatus flips a region between ACTIVE and PAUSED.
func (s *Store) SetRegionStatus(ctx context.Context, id string, status models.RegionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE regions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fserr.E(fserr.KindTransient, "set_region_status", err).WithResource(id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fserr.Ef(fserr.KindNotFound, "set_region_status", "region %s not found", id).WithResource(id)
	}
	return nil
}

// RecordRegionAnalysis stamps the last-analysis fields after a terminal run.
// deforestationPct is ignored when negative (NO_IMAGES_FOUND runs carry none).
func (s *Store) RecordRegionAnalysis(ctx context.Context, id string, deforestationPct float64, at time.Time) error {
	var err error
	if deforestationPct >= 0 {
		_, err = s.db.ExecContext(ctx, `
			UPDATE regions SET last_deforestation_pct = ?, last_analysis_at = ? WHERE id = ?`,
			deforestationPct, at.UnixMilli(), id)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE regions SET last_analysis_at = ? WHERE id = ?`,
			at.UnixMilli(), id)
	}
	if err != nil {
		return fserr.E(fserr.KindTransient, "record_region_analysis", err).WithResource(id)
	}
	return nil
}

// DeleteRegion removes a region.
func (s *Store) DeleteRegion(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM regions WHERE id = ?`, id)
	if err != nil {
		return fserr.E(fserr.KindTransient, "delete_region", err).WithResource(id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fserr.Ef(fserr.KindNotFound, "delete_region", "region %s not found", id).WithResource(id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRegion(row rowScanner) (*models.Region, error) {
	var r models.Region
	var status string
	var createdAt int64
	var lastAnalysis sql.NullInt64
	err := row.Scan(&r.ID, &r.Name, &r.Center.Latitude, &r.Center.Longitude,
		&r.RadiusKm, &r.CloudCoverThreshold, &status, &createdAt,
		&r.LastDeforestationPct, &lastAnalysis)
	if err != nil {
		return nil, err
	}
	r.Status = models.RegionStatus(status)
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	if lastAnalysis.Valid {
		t := time.UnixMilli(lastAnalysis.Int64).UTC()
		r.LastAnalysisAt = &t
	}
	return &r, nil
}

func nullableMilli(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
