package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"neurostat/domain/cluster"
	"neurostat/domain/core"
	"neurostat/ports"
)

// RunRepository stores cluster test runs in cluster_runs, with one row per
// observed cluster in cluster_results for querying by p-value
type RunRepository struct {
	db *sqlx.DB
}

var _ ports.RunRepository = (*RunRepository)(nil)

// NewRunRepository creates a new run repository
func NewRunRepository(db *sqlx.DB) *RunRepository {
	return &RunRepository{db: db}
}

// clusterRow is one cluster_results row
type clusterRow struct {
	ClusterID string  `db:"cluster_id"`
	RunID     string  `db:"run_id"`
	Ordinal   int     `db:"ordinal"`
	Sign      int     `db:"sign"`
	Score     float64 `db:"score"`
	PValue    float64 `db:"p_value"`
	Size      int     `db:"size"`
	TimeStart int     `db:"time_start"`
	TimeEnd   int     `db:"time_end"`
	Channels  []int64 `db:"channels"`
}

// runRow is the listing projection of cluster_runs
type runRow struct {
	RunID       string          `db:"run_id"`
	Statistic   string          `db:"statistic"`
	Tail        int             `db:"tail"`
	Threshold   float64         `db:"threshold"`
	NClusters   int             `db:"n_clusters"`
	MinPValue   sql.NullFloat64 `db:"min_p_value"`
	Completed   int             `db:"completed_permutations"`
	Fingerprint string          `db:"fingerprint"`
	FinishedAt  sql.NullTime    `db:"finished_at"`
}

// SaveRun upserts the run and replaces its cluster rows in one transaction
func (r *RunRepository) SaveRun(ctx context.Context, result *cluster.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", result.RunID, err)
	}
	summary := ports.NewRunSummary(result)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cluster_runs (
			run_id, statistic, tail, two_tailed_policy, threshold,
			requested_permutations, completed_permutations, exact, partial, seed,
			n_clusters, min_p_value, fingerprint, result, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (run_id) DO UPDATE SET
			completed_permutations = EXCLUDED.completed_permutations,
			partial = EXCLUDED.partial,
			n_clusters = EXCLUDED.n_clusters,
			min_p_value = EXCLUDED.min_p_value,
			fingerprint = EXCLUDED.fingerprint,
			result = EXCLUDED.result,
			finished_at = EXCLUDED.finished_at`,
		result.RunID.String(),
		result.Statistic,
		int(result.Tail),
		nullString(string(result.Policy)),
		result.Threshold,
		result.Requested,
		result.Completed,
		result.Exact,
		result.Partial,
		result.Seed,
		summary.NClusters,
		summary.MinPValue,
		result.Fingerprint.String(),
		payload,
		nullTime(result.StartedAt),
		nullTime(result.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", result.RunID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM cluster_results WHERE run_id = $1`, result.RunID.String()); err != nil {
		return fmt.Errorf("failed to clear clusters of run %s: %w", result.RunID, err)
	}
	for _, row := range clusterRows(result) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cluster_results (
				cluster_id, run_id, ordinal, sign, score, p_value, size, time_start, time_end, channels
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			row.ClusterID, row.RunID, row.Ordinal, row.Sign, row.Score, row.PValue,
			row.Size, row.TimeStart, row.TimeEnd, pq.Array(row.Channels),
		)
		if err != nil {
			return fmt.Errorf("failed to insert cluster %d of run %s: %w", row.Ordinal, result.RunID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", result.RunID, err)
	}
	return nil
}

// GetRun loads a stored run
func (r *RunRepository) GetRun(ctx context.Context, runID core.RunID) (*cluster.Result, error) {
	var payload []byte
	err := r.db.GetContext(ctx, &payload, `SELECT result FROM cluster_runs WHERE run_id = $1`, runID.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, core.NewRunNotFoundError(runID)
		}
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}

	var result cluster.Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", runID, err)
	}
	return &result, nil
}

// ListRuns returns the most recently finished runs first
func (r *RunRepository) ListRuns(ctx context.Context, limit int) ([]ports.RunSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []runRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT run_id, statistic, tail, threshold, n_clusters, min_p_value,
			completed_permutations, fingerprint, finished_at
		FROM cluster_runs
		ORDER BY finished_at DESC NULLS LAST, run_id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	summaries := make([]ports.RunSummary, len(rows))
	for i, row := range rows {
		summaries[i] = ports.RunSummary{
			RunID:       core.RunID(row.RunID),
			Statistic:   row.Statistic,
			Tail:        row.Tail,
			Threshold:   row.Threshold,
			NClusters:   row.NClusters,
			Completed:   row.Completed,
			Fingerprint: core.Hash(row.Fingerprint),
		}
		if row.MinPValue.Valid {
			p := row.MinPValue.Float64
			summaries[i].MinPValue = &p
		}
		if row.FinishedAt.Valid {
			summaries[i].FinishedAt = core.NewTimestamp(row.FinishedAt.Time)
		}
	}
	return summaries, nil
}

// SignificantClusters returns the stored clusters of a run with p below alpha
func (r *RunRepository) SignificantClusters(ctx context.Context, runID core.RunID, alpha float64) ([]cluster.ClusterPValue, error) {
	result, err := r.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	var ordinals []int
	err = r.db.SelectContext(ctx, &ordinals, `
		SELECT ordinal FROM cluster_results
		WHERE run_id = $1 AND p_value < $2
		ORDER BY p_value, ordinal`, runID.String(), alpha)
	if err != nil {
		return nil, fmt.Errorf("failed to query clusters of run %s: %w", runID, err)
	}

	pairs := result.Pairs()
	out := make([]cluster.ClusterPValue, 0, len(ordinals))
	for _, o := range ordinals {
		if o >= 0 && o < len(pairs) {
			out = append(out, pairs[o])
		}
	}
	return out, nil
}

func clusterRows(result *cluster.Result) []clusterRow {
	rows := make([]clusterRow, len(result.Clusters))
	for i, c := range result.Clusters {
		start, end := c.TimeSpan()
		channels := c.Channels()
		ch64 := make([]int64, len(channels))
		for j, ch := range channels {
			ch64[j] = int64(ch)
		}
		rows[i] = clusterRow{
			ClusterID: c.ID.String(),
			RunID:     result.RunID.String(),
			Ordinal:   i,
			Sign:      c.Sign,
			Score:     c.Score,
			PValue:    result.PValues[i],
			Size:      c.Size(),
			TimeStart: start,
			TimeEnd:   end,
			Channels:  ch64,
		}
	}
	return rows
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t core.Timestamp) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.Time().UTC(), Valid: true}
}
