package statfn

import (
	"fmt"

	"gonum.org/v1/gonum/stat/distuv"

	"neurostat/domain/cluster"
	"neurostat/domain/core"
	"neurostat/ports"
)

// DefaultPThreshold is the cluster-forming p-value used when no explicit
// threshold is configured
const DefaultPThreshold = 0.05

// AutoThreshold derives a cluster-forming threshold from the statistic's
// null distribution: the F quantile at 1-p for F statistics, and the
// Student t quantile at 1-p (1-p/2 when two-tailed) for t statistics.
// The returned value is positive; negative tails use its negation.
func AutoThreshold(fn ports.StatisticFunc, trialCounts []int, pThreshold float64, tail cluster.Tail) (float64, error) {
	if pThreshold <= 0 || pThreshold >= 1 {
		return 0, fmt.Errorf("%w: p threshold must lie in (0, 1), got %g", core.ErrConfig, pThreshold)
	}
	if err := tail.Validate(); err != nil {
		return 0, err
	}
	dfn, dfd := fn.DegreesOfFreedom(trialCounts)
	if dfd < 1 {
		return 0, fmt.Errorf("%w: %s has %g denominator degrees of freedom",
			core.ErrTooFewTrials, fn.Name(), dfd)
	}

	if fn.NonNegative() {
		if dfn < 1 {
			return 0, fmt.Errorf("%w: %s has %g numerator degrees of freedom",
				core.ErrTooFewConditions, fn.Name(), dfn)
		}
		return distuv.F{D1: dfn, D2: dfd}.Quantile(1 - pThreshold), nil
	}

	p := pThreshold
	if tail == cluster.TailBoth {
		p /= 2
	}
	return distuv.StudentsT{Mu: 0, Sigma: 1, Nu: dfd}.Quantile(1 - p), nil
}
