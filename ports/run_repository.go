package ports

import (
	"context"

	"neurostat/domain/cluster"
	"neurostat/domain/core"
)

// RunSummary is the listing view of a stored cluster test run
type RunSummary struct {
	RunID       core.RunID     `json:"run_id" db:"run_id"`
	Statistic   string         `json:"statistic" db:"statistic"`
	Tail        int            `json:"tail" db:"tail"`
	Threshold   float64        `json:"threshold" db:"threshold"`
	NClusters   int            `json:"n_clusters" db:"n_clusters"`
	MinPValue   *float64       `json:"min_p_value,omitempty" db:"min_p_value"`
	Completed   int            `json:"completed_permutations" db:"completed_permutations"`
	Fingerprint core.Hash      `json:"fingerprint" db:"fingerprint"`
	FinishedAt  core.Timestamp `json:"finished_at" db:"-"`
}

// RunRepository persists cluster test results
type RunRepository interface {
	// SaveRun stores a finished run; saving the same RunID twice replaces it
	SaveRun(ctx context.Context, result *cluster.Result) error

	// GetRun retrieves a run, returning core.ErrRunNotFound when absent
	GetRun(ctx context.Context, runID core.RunID) (*cluster.Result, error)

	// ListRuns returns the most recent runs first, optionally limited
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)
}

// NewRunSummary builds the listing view of a result
func NewRunSummary(result *cluster.Result) RunSummary {
	summary := RunSummary{
		RunID:       result.RunID,
		Statistic:   result.Statistic,
		Tail:        int(result.Tail),
		Threshold:   result.Threshold,
		NClusters:   len(result.Clusters),
		Completed:   result.Completed,
		Fingerprint: result.Fingerprint,
		FinishedAt:  result.FinishedAt,
	}
	for _, p := range result.PValues {
		if summary.MinPValue == nil || p < *summary.MinPValue {
			v := p
			summary.MinPValue = &v
		}
	}
	return summary
}
