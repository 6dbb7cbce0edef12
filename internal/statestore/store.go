// Package statestore is the durable system of record for regions, alerts,
// analysis runs, and model pointers, backed by SQLite.
//
// SQLite with a single-writer pool gives us per-item linearizable writes; the
// conditional updates (alert dedup insert, model pointer compare-and-swap)
// are what the model lifecycle and consolidator lean on for correctness.
package statestore

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store provides persistent state storage.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the state database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	// Pragmas go in the DSN so every pool connection is configured.
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("State store initialized")
	return store, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS regions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		radius_km REAL NOT NULL,
		cloud_cover_threshold REAL NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_deforestation_pct REAL NOT NULL DEFAULT 0,
		last_analysis_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		region_id TEXT NOT NULL,
		region_name TEXT NOT NULL,
		level TEXT NOT NULL,
		deforestation_pct REAL NOT NULL,
		confidence REAL NOT NULL,
		message TEXT NOT NULL,
		acknowledged INTEGER NOT NULL DEFAULT 0,
		ack_time INTEGER,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_region_time
		ON alerts(region_id, timestamp DESC);

	CREATE TABLE IF NOT EXISTS analysis_runs (
		id TEXT PRIMARY KEY,
		region_id TEXT NOT NULL,
		status TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		progress INTEGER NOT NULL DEFAULT 0,
		input TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_runs_region ON analysis_runs(region_id, started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON analysis_runs(status);

	CREATE TABLE IF NOT EXISTS model_pointers (
		tile_id TEXT NOT NULL,
		region_tag TEXT NOT NULL,
		version TEXT NOT NULL,
		optimal_k INTEGER NOT NULL,
		artifact_ref TEXT NOT NULL,
		source_training_job TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (tile_id, region_tag)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}
