package ports

import (
	"neurostat/domain/trials"
)

// Design names the exchangeability structure a statistic assumes, which in
// turn decides how the permutation engine reshuffles trials.
type Design string

const (
	// DesignIndependent pools trials from all conditions and relabels them
	DesignIndependent Design = "independent"
	// DesignPaired swaps condition labels within each trial pair
	DesignPaired Design = "paired"
	// DesignOneSample flips the sign of whole trials of a single condition
	DesignOneSample Design = "one_sample"
)

// StatisticFunc computes a per-cell test statistic over every (time, channel)
// cell at once. Implementations must be pure: the engine calls Compute
// concurrently from several workers with freshly permuted tensors.
type StatisticFunc interface {
	// Name identifies the statistic in results and logs
	Name() string

	// Design reports how trials may be exchanged under the null hypothesis
	Design() Design

	// ConditionRange returns the accepted number of conditions; max 0 means unbounded
	ConditionRange() (min, max int)

	// NonNegative reports whether the statistic can only take values >= 0,
	// in which case only an upper-tail test is meaningful
	NonNegative() bool

	// DegreesOfFreedom returns the (numerator, denominator) degrees of freedom
	// used to derive a default threshold from the trial counts. Statistics
	// with a single df return it as the denominator.
	DegreesOfFreedom(trialCounts []int) (dfn, dfd float64)

	// Compute returns a times × channels grid of statistic values
	Compute(conditions []*trials.TrialTensor) (*trials.Grid, error)
}
