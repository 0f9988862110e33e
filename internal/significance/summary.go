package significance

import (
	"fmt"

	"github.com/montanaflynn/stats"
)

// NullSummary describes a null distribution for diagnostics and reports
type NullSummary struct {
	N            int     `json:"n"`
	Mean         float64 `json:"mean"`
	StdDev       float64 `json:"std_dev"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Median       float64 `json:"median"`
	Percentile95 float64 `json:"percentile_95"`
	Percentile99 float64 `json:"percentile_99"`
}

// Summarize computes moments and percentiles of a null distribution
func Summarize(null []float64) (NullSummary, error) {
	if len(null) == 0 {
		return NullSummary{}, fmt.Errorf("cannot summarize an empty null distribution")
	}

	summary := NullSummary{N: len(null)}

	mean, err := stats.Mean(null)
	if err != nil {
		return summary, err
	}
	summary.Mean = mean

	if len(null) > 1 {
		sd, err := stats.StandardDeviationSample(null)
		if err != nil {
			return summary, err
		}
		summary.StdDev = sd
	}

	lo, err := stats.Min(null)
	if err != nil {
		return summary, err
	}
	hi, err := stats.Max(null)
	if err != nil {
		return summary, err
	}
	summary.Min, summary.Max = lo, hi

	median, err := stats.Median(null)
	if err != nil {
		return summary, err
	}
	summary.Median = median

	p95, err := stats.Percentile(null, 95)
	if err != nil {
		return summary, err
	}
	p99, err := stats.Percentile(null, 99)
	if err != nil {
		return summary, err
	}
	summary.Percentile95, summary.Percentile99 = p95, p99

	return summary, nil
}

// Percentile returns the share of null entries less than or equal to score,
// i.e. where an observed score falls in the permutation distribution
func Percentile(score float64, null []float64) float64 {
	if len(null) == 0 {
		return 0
	}
	return float64(countAtMost(null, score)) / float64(len(null))
}
