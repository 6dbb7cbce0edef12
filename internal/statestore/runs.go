package statestore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/forestshield/forestshield/internal/fserr"
	"github.com/forestshield/forestshield/internal/models"
)

// PutRun inserts a new analysis run record.
func (s *Store) PutRun(ctx context.Context, r *models.AnalysisRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_runs (id, region_id, status, state, started_at,
			ended_at, progress, input, output, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RegionID, string(r.Status), r.State, r.StartedAt.UnixMilli(),
		nullableMilli(r.EndedAt), r.Progress, r.Input, r.Output, r.Error)
	if err != nil {
		if isUniqueViolation(err) {
			return fserr.E(fserr.KindConflict, "put_run", err).WithResource(r.ID)
		}
		return fserr.E(fserr.KindTransient, "put_run", err).WithResource(r.ID)
	}
	return nil
}

// GetRun fetches one run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*models.AnalysisRun, error) {
	row := s.db.QueryRowContext(ctx, runSelect+` WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fserr.Ef(fserr.KindNotFound, "get_run", "run %s not found", id).WithResource(id)
	}
	if err != nil {
		return nil, fserr.E(fserr.KindTransient, "get_run", err).WithResource(id)
	}
	return run, nil
}

// CheckpointRun records the state the orchestrator is about to enter together
// with that state's input. Written before entry so recovery can resume there.
func (s *Store) CheckpointRun(ctx context.Context, id, state, input string, progress int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE analysis_runs SET state = ?, input = ?, progress = ?, status = ?
		WHERE id = ? AND ended_at IS NULL`,
		state, input, progress, string(models.RunInProgress), id)
	if err != nil {
		return fserr.E(fserr.KindTransient, "checkpoint_run", err).WithResource(id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fserr.Ef(fserr.KindConflict, "checkpoint_run", "run %s already terminal", id).WithResource(id)
	}
	return nil
}

// CompleteRun transitions a run to a terminal status. ended_at is set here and
// only here, keeping "terminal iff ended_at present" true.
func (s *Store) CompleteRun(ctx context.Context, id string, status models.RunStatus, output, errMsg string, at time.Time) error {
	if !status.Terminal() {
		return fserr.Ef(fserr.KindFatal, "complete_run", "status %s is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE analysis_runs SET status = ?, output = ?, error = ?, ended_at = ?, progress = 100
		WHERE id = ? AND ended_at IS NULL`,
		string(status), output, errMsg, at.UnixMilli(), id)
	if err != nil {
		return fserr.E(fserr.KindTransient, "complete_run", err).WithResource(id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fserr.Ef(fserr.KindConflict, "complete_run", "run %s already terminal", id).WithResource(id)
	}
	return nil
}

// RunsByRegion returns a region's runs newest first.
func (s *Store) RunsByRegion(ctx context.Context, regionID string, limit int) ([]*models.AnalysisRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		runSelect+` WHERE region_id = ? ORDER BY started_at DESC LIMIT ?`, regionID, limit)
	if err != nil {
		return nil, fserr.E(fserr.KindTransient, "runs_by_region", err).WithResource(regionID)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// RunsByStatus returns runs in the given status, oldest first.
func (s *Store) RunsByStatus(ctx context.Context, status models.RunStatus) ([]*models.AnalysisRun, error) {
	rows, err := s.db.QueryContext(ctx,
		runSelect+` WHERE status = ? ORDER BY started_at ASC`, string(status))
	if err != nil {
		return nil, fserr.E(fserr.KindTransient, "runs_by_status", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// HasActiveRun reports whether the region has a PENDING or IN_PROGRESS run.
// The scheduler uses this to skip firings while analysis is still going.
func (s *Store) HasActiveRun(ctx context.Context, regionID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM analysis_runs
		WHERE region_id = ? AND status IN (?, ?)`,
		regionID, string(models.RunPending), string(models.RunInProgress)).Scan(&count)
	if err != nil {
		return false, fserr.E(fserr.KindTransient, "has_active_run", err).WithResource(regionID)
	}
	return count > 0, nil
}

// CleanupRuns deletes terminal runs older than the cutoff and returns how many
// were removed.
func (s *Store) CleanupRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM analysis_runs WHERE ended_at IS NOT NULL AND ended_at < ?`,
		olderThan.UnixMilli())
	if err != nil {
		return 0, fserr.E(fserr.KindTransient, "cleanup_runs", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const runSelect = `
	SELECT id, region_id, status, state, started_at, ended_at, progress,
		input, output, error
	FROM analysis_runs`

func scanRun(row rowScanner) (*models.AnalysisRun, error) {
	var r models.AnalysisRun
	var status string
	var startedAt int64
	var endedAt sql.NullInt64
	err := row.Scan(&r.ID, &r.RegionID, &status, &r.State, &startedAt,
		&endedAt, &r.Progress, &r.Input, &r.Output, &r.Error)
	if err != nil {
		return nil, err
	}
	r.Status = models.RunStatus(status)
	r.StartedAt = time.UnixMilli(startedAt).UTC()
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64).UTC()
		r.EndedAt = &t
	}
	return &r, nil
}

func collectRuns(rows *sql.Rows) ([]*models.AnalysisRun, error) {
	var runs []*models.AnalysisRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fserr.E(fserr.KindTransient, "scan_run", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
