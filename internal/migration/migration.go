package migration

import (
	"context"

	"github.com/jmoiron/sqlx"

	"neurostat/internal"
	"neurostat/internal/errors"
)

// Migrator defines the interface for database migration operations
type Migrator interface {
	Run(ctx context.Context, db *sqlx.DB) error
	Version() string
}

// Step is one idempotent schema change
type Step struct {
	Name string
	SQL  string
}

// MigrationRunner handles database schema migrations
type MigrationRunner struct {
	version string
	logger  *internal.Logger
}

var _ Migrator = (*MigrationRunner)(nil)

// NewRunner creates a new migration runner
func NewRunner(logger *internal.Logger) *MigrationRunner {
	return &MigrationRunner{
		version: "1.0.0",
		logger:  logger,
	}
}

// Version returns the migration version
func (r *MigrationRunner) Version() string {
	return r.version
}

// Run executes all database migrations in order. Every step can be re-run.
func (r *MigrationRunner) Run(ctx context.Context, db *sqlx.DB) error {
	for _, step := range Steps() {
		r.logger.Debug("running migration %s", step.Name)
		if _, err := db.ExecContext(ctx, step.SQL); err != nil {
			return errors.WithCode(errors.CodeDatabaseError, errors.Wrapf(err, "failed to run migration %s", step.Name))
		}
	}
	r.logger.Info("database schema at version %s", r.version)
	return nil
}

// Steps returns the schema changes in the order they are applied
func Steps() []Step {
	return []Step{
		{Name: "001_create_cluster_runs", SQL: createClusterRuns},
		{Name: "002_create_cluster_results", SQL: createClusterResults},
		{Name: "003_create_indexes", SQL: createIndexes},
	}
}

const createClusterRuns = `
CREATE TABLE IF NOT EXISTS cluster_runs (
	run_id UUID PRIMARY KEY,
	statistic VARCHAR(50) NOT NULL,
	tail SMALLINT NOT NULL CHECK (tail IN (-1, 0, 1)),
	two_tailed_policy VARCHAR(20),
	threshold DOUBLE PRECISION NOT NULL,
	requested_permutations INTEGER NOT NULL,
	completed_permutations INTEGER NOT NULL,
	exact BOOLEAN NOT NULL DEFAULT false,
	partial BOOLEAN NOT NULL DEFAULT false,
	seed BIGINT NOT NULL,
	n_clusters INTEGER NOT NULL,
	min_p_value DOUBLE PRECISION,
	fingerprint VARCHAR(64) NOT NULL,
	result JSONB NOT NULL,
	started_at TIMESTAMP WITH TIME ZONE,
	finished_at TIMESTAMP WITH TIME ZONE,
	created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
)`

const createClusterResults = `
CREATE TABLE IF NOT EXISTS cluster_results (
	cluster_id UUID PRIMARY KEY,
	run_id UUID NOT NULL REFERENCES cluster_runs(run_id) ON DELETE CASCADE,
	ordinal INTEGER NOT NULL,
	sign SMALLINT NOT NULL CHECK (sign IN (-1, 1)),
	score DOUBLE PRECISION NOT NULL,
	p_value DOUBLE PRECISION NOT NULL CHECK (p_value > 0 AND p_value <= 1),
	size INTEGER NOT NULL,
	time_start INTEGER NOT NULL,
	time_end INTEGER NOT NULL,
	channels INTEGER[] NOT NULL,
	UNIQUE (run_id, ordinal)
)`

const createIndexes = `
CREATE INDEX IF NOT EXISTS idx_cluster_runs_finished_at ON cluster_runs(finished_at DESC);
CREATE INDEX IF NOT EXISTS idx_cluster_runs_fingerprint ON cluster_runs(fingerprint);
CREATE INDEX IF NOT EXISTS idx_cluster_results_run_id ON cluster_results(run_id);
CREATE INDEX IF NOT EXISTS idx_cluster_results_p_value ON cluster_results(p_value)`
