package cluster

import (
	"fmt"
	"sort"

	"neurostat/domain/core"
	"neurostat/domain/trials"
)

// Tail selects which direction of effect a test looks for
type Tail int

const (
	TailNegative Tail = -1 // keep cells below -threshold
	TailBoth     Tail = 0  // keep both signs, clustered independently
	TailPositive Tail = 1  // keep cells above +threshold
)

// Validate checks the tail is one of -1, 0, 1
func (t Tail) Validate() error {
	switch t {
	case TailNegative, TailBoth, TailPositive:
		return nil
	}
	return fmt.Errorf("%w: got %d", core.ErrTail, int(t))
}

// String returns a readable tail name
func (t Tail) String() string {
	switch t {
	case TailNegative:
		return "negative"
	case TailBoth:
		return "two-tailed"
	case TailPositive:
		return "positive"
	}
	return fmt.Sprintf("tail(%d)", int(t))
}

// TwoTailedPolicy decides how two-tailed p-values combine the max and min
// null distributions. It must be chosen explicitly in configuration.
type TwoTailedPolicy string

const (
	// PolicyAbsMax records max(|max|, |min|) per permutation and compares |S|
	// against it.
	PolicyAbsMax TwoTailedPolicy = "abs_max"
	// PolicyPerSign compares positive clusters with the max null and negative
	// clusters with the min null, then doubles the one-tailed estimate.
	PolicyPerSign TwoTailedPolicy = "per_sign"
)

// Validate checks the policy is known
func (p TwoTailedPolicy) Validate() error {
	switch p {
	case PolicyAbsMax, PolicyPerSign:
		return nil
	}
	return fmt.Errorf("%w: unknown two-tailed policy %q", core.ErrConfig, string(p))
}

// Cell is one (time, channel) coordinate of the statistic grid
type Cell struct {
	Time    int `json:"time"`
	Channel int `json:"channel"`
}

// Cluster is one connected component of suprathreshold cells
type Cluster struct {
	ID    core.ClusterID `json:"id,omitempty"` // set for observed clusters only
	Sign  int            `json:"sign"`         // +1 above threshold, -1 below
	Cells []Cell         `json:"cells"`
	Score float64        `json:"score"`
}

// Size returns the number of cells
func (c *Cluster) Size() int { return len(c.Cells) }

// TimeSpan returns the first and last time bin the cluster covers
func (c *Cluster) TimeSpan() (int, int) {
	if len(c.Cells) == 0 {
		return 0, 0
	}
	lo, hi := c.Cells[0].Time, c.Cells[0].Time
	for _, cell := range c.Cells[1:] {
		if cell.Time < lo {
			lo = cell.Time
		}
		if cell.Time > hi {
			hi = cell.Time
		}
	}
	return lo, hi
}

// Channels returns the distinct channels in ascending order
func (c *Cluster) Channels() []int {
	seen := make(map[int]struct{})
	for _, cell := range c.Cells {
		seen[cell.Channel] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for ch := range seen {
		out = append(out, ch)
	}
	sort.Ints(out)
	return out
}

// NullDistribution holds the per-permutation extreme cluster scores.
// Max is populated for upper and two-tailed tests, Min for lower and
// two-tailed tests. A one-tailed null is sorted ascending. A two-tailed null
// keeps Max[i] and Min[i] from the same permutation, sorted by Max then Min.
type NullDistribution struct {
	Max []float64 `json:"max,omitempty"`
	Min []float64 `json:"min,omitempty"`
}

// Len returns the number of completed permutations
func (n *NullDistribution) Len() int {
	if len(n.Max) > len(n.Min) {
		return len(n.Max)
	}
	return len(n.Min)
}

// ClusterPValue pairs an observed cluster with its corrected p-value
type ClusterPValue struct {
	Cluster *Cluster `json:"cluster"`
	PValue  float64  `json:"p_value"`
}

// Result is the complete outcome of one cluster permutation test
type Result struct {
	RunID        core.RunID       `json:"run_id"`
	Statistic    string           `json:"statistic"`
	Threshold    float64          `json:"threshold"`
	Tail         Tail             `json:"tail"`
	Policy       TwoTailedPolicy  `json:"two_tailed_policy,omitempty"`
	Observed     *trials.Grid     `json:"observed"`
	Clusters     []*Cluster       `json:"clusters"`
	PValues      []float64        `json:"p_values"`
	Null         NullDistribution `json:"null"`
	Requested    int              `json:"requested_permutations"`
	Completed    int              `json:"completed_permutations"`
	Exact        bool             `json:"exact"`
	Partial      bool             `json:"partial"`
	StepDownRuns int              `json:"step_down_runs,omitempty"`
	Warnings     []Warning        `json:"warnings,omitempty"`
	Seed         int64            `json:"seed"`
	Fingerprint  core.Hash        `json:"fingerprint"`
	StartedAt    core.Timestamp   `json:"started_at"`
	FinishedAt   core.Timestamp   `json:"finished_at"`
}

// Pairs zips clusters with their p-values
func (r *Result) Pairs() []ClusterPValue {
	out := make([]ClusterPValue, len(r.Clusters))
	for i, c := range r.Clusters {
		out[i] = ClusterPValue{Cluster: c, PValue: r.PValues[i]}
	}
	return out
}

// Significant returns the indices of clusters with p below alpha.
// Filtering is left to callers; the engine never drops clusters itself.
func (r *Result) Significant(alpha float64) []int {
	var idx []int
	for i, p := range r.PValues {
		if p < alpha {
			idx = append(idx, i)
		}
	}
	return idx
}

// WarningCode represents structured warning types
type WarningCode string

const (
	WarningDegenerateStatistic WarningCode = "DEGENERATE_STATISTIC" // NaN/Inf cells in a grid
	WarningPartialNull         WarningCode = "PARTIAL_NULL"         // cancelled before N permutations
	WarningExactEnumeration    WarningCode = "EXACT_ENUMERATION"    // all sign flips enumerated
	WarningNoClusters          WarningCode = "NO_CLUSTERS"          // nothing passed the threshold
)

// Warning is a non-fatal anomaly surfaced to the caller
type Warning struct {
	Code    WarningCode `json:"code"`
	Message string      `json:"message"`
	Count   int         `json:"count,omitempty"`
}
