// Package runlog records pipeline run history in PostgreSQL. Writes are
// best-effort: the run log is operational telemetry, not a stage of the
// pipeline, so a database failure never fails a run.
package runlog

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/entrykit/entrybridge/internal/upload"
	"github.com/entrykit/entrybridge/pkg/postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	id          UUID PRIMARY KEY,
	document_id TEXT NOT NULL,
	job_id      TEXT,
	outcome     TEXT,
	error       TEXT,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS pipeline_run_objects (
	run_id      UUID NOT NULL REFERENCES pipeline_runs(id) ON DELETE CASCADE,
	position    INT NOT NULL,
	path        TEXT NOT NULL,
	storage_key TEXT NOT NULL,
	etag        TEXT,
	size_bytes  BIGINT,
	PRIMARY KEY (run_id, position)
);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_document ON pipeline_runs (document_id, started_at DESC);
`

// Store writes run history rows.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

// New creates a Store over the given database client.
func New(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "run-log"),
	}
}

// EnsureSchema creates the run-history tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.DB.ExecContext(ctx, schema)
	return err
}

// Start records the beginning of a run.
func (s *Store) Start(ctx context.Context, runID, documentID string) {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, document_id, started_at) VALUES ($1, $2, $3)`,
		runID, documentID, time.Now().UTC(),
	)
	if err != nil {
		s.logger.Warn("recording run start failed", "run_id", runID, "error", err)
	}
}

// Finish records the run's terminal outcome and, for successful runs, the
// uploaded object set.
func (s *Store) Finish(ctx context.Context, runID, jobID, outcome, errText string, manifest upload.Manifest) {
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE pipeline_runs SET job_id=$2, outcome=$3, error=NULLIF($4,''), finished_at=$5 WHERE id=$1`,
			runID, jobID, outcome, errText, time.Now().UTC(),
		); err != nil {
			return err
		}
		for i, rec := range manifest {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO pipeline_run_objects (run_id, position, path, storage_key, etag, size_bytes)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				runID, i, rec.Path, rec.StorageKey, rec.ETag, rec.Size,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("recording run outcome failed", "run_id", runID, "error", err)
	}
}
