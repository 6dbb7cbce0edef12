package statestore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/forestshield/forestshield/internal/fserr"
	"github.com/forestshield/forestshield/internal/models"
)

// LatestModelPointer reads the latest-model pointer for (tile, regionTag).
// Absence is a normal "no prior model" result reported as NotFound.
func (s *Store) LatestModelPointer(ctx context.Context, tileID, regionTag string) (*models.TileModel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tile_id, region_tag, version, optimal_k, artifact_ref,
			source_training_job, created_at
		FROM model_pointers WHERE tile_id = ? AND region_tag = ?`, tileID, regionTag)

	var m models.TileModel
	var createdAt int64
	err := row.Scan(&m.TileID, &m.RegionTag, &m.Version, &m.OptimalK,
		&m.ArtifactRef, &m.SourceTrainingJob, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fserr.Ef(fserr.KindNotFound, "latest_model",
			"no model for tile %s tag %s", tileID, regionTag).WithResource(tileID)
	}
	if err != nil {
		return nil, fserr.E(fserr.KindTransient, "latest_model", err).WithResource(tileID)
	}
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.FeatureDim = 5
	return &m, nil
}

// CompareAndSwapModelPointer flips the latest pointer to m, guarded on the
// version the caller read. prevVersion "" asserts no pointer exists yet.
// A lost race returns Conflict; the caller rereads and retries.
func (s *Store) CompareAndSwapModelPointer(ctx context.Context, m *models.TileModel, prevVersion string) error {
	var res sql.Result
	var err error
	if prevVersion == "" {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO model_pointers (tile_id, region_tag, version, optimal_k,
				artifact_ref, source_training_job, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tile_id, region_tag) DO NOTHING`,
			m.TileID, m.RegionTag, m.Version, m.OptimalK, m.ArtifactRef,
			m.SourceTrainingJob, m.CreatedAt.UnixMilli())
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE model_pointers SET version = ?, optimal_k = ?, artifact_ref = ?,
				source_training_job = ?, created_at = ?
			WHERE tile_id = ? AND region_tag = ? AND version = ?`,
			m.Version, m.OptimalK, m.ArtifactRef, m.SourceTrainingJob,
			m.CreatedAt.UnixMilli(), m.TileID, m.RegionTag, prevVersion)
	}
	if err != nil {
		return fserr.E(fserr.KindTransient, "cas_model_pointer", err).WithResource(m.TileID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fserr.Ef(fserr.KindConflict, "cas_model_pointer",
			"latest pointer for %s/%s moved past %q", m.TileID, m.RegionTag, prevVersion).WithResource(m.TileID)
	}
	return nil
}
