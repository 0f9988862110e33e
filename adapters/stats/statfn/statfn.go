// Package statfn provides the per-cell test statistics used by the cluster
// permutation engine. Every statistic is vectorised over the whole
// (time × channel) plane and is safe for concurrent use.
package statfn

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"neurostat/domain/core"
	"neurostat/domain/trials"
	"neurostat/ports"
)

// Statistic names accepted by New
const (
	NameFOneWay          = "f_oneway"
	NameTTestOneSample   = "ttest_1samp"
	NameTTestPaired      = "ttest_paired"
	NameTTestIndependent = "ttest_ind"
)

// Options tunes statistics that accept extra parameters
type Options struct {
	// Sigma adds sigma*max(variance) to every cell variance of t statistics
	// ("hat" regularisation); 0 disables it.
	Sigma float64 `json:"sigma"`
}

// New selects a statistic by name. The choice is explicit configuration;
// callers that need something else can pass their own ports.StatisticFunc.
func New(name string, opts Options) (ports.StatisticFunc, error) {
	if opts.Sigma < 0 {
		return nil, fmt.Errorf("%w: sigma must be >= 0, got %g", core.ErrConfig, opts.Sigma)
	}
	switch name {
	case NameFOneWay, "":
		return NewFOneWay(), nil
	case NameTTestOneSample:
		return NewTTestOneSample(opts.Sigma), nil
	case NameTTestPaired:
		return NewTTestPaired(opts.Sigma), nil
	case NameTTestIndependent:
		return NewTTestIndependent(), nil
	}
	return nil, fmt.Errorf("%w: unknown statistic %q", core.ErrConfig, name)
}

// Names lists the built-in statistics
func Names() []string {
	return []string{NameFOneWay, NameTTestOneSample, NameTTestPaired, NameTTestIndependent}
}

// checkConditions validates the condition count and shared shape
func checkConditions(fn ports.StatisticFunc, conditions []*trials.TrialTensor) error {
	lo, hi := fn.ConditionRange()
	if len(conditions) < lo {
		return fmt.Errorf("%w: %s needs at least %d, got %d",
			core.ErrTooFewConditions, fn.Name(), lo, len(conditions))
	}
	if hi > 0 && len(conditions) > hi {
		return fmt.Errorf("%w: %s takes at most %d, got %d",
			core.ErrTooManyConditions, fn.Name(), hi, len(conditions))
	}
	for k, c := range conditions {
		if c == nil {
			return fmt.Errorf("%w: condition %d is nil", core.ErrInvalidTensor, k)
		}
		if !c.SameShape(conditions[0]) {
			return fmt.Errorf("%w: condition %d is %dx%d, condition 0 is %dx%d", core.ErrShapeMismatch,
				k, c.Times(), c.Channels(), conditions[0].Times(), conditions[0].Channels())
		}
	}
	return nil
}

// cellMean averages trials cell-wise
func cellMean(x *trials.TrialTensor) []float64 {
	mean := make([]float64, x.CellCount())
	for tr := 0; tr < x.Trials(); tr++ {
		floats.Add(mean, x.Trial(tr))
	}
	if x.Trials() > 0 {
		floats.Scale(1/float64(x.Trials()), mean)
	}
	return mean
}

// cellMeanVar returns the cell-wise mean and unbiased variance (ddof=1)
func cellMeanVar(x *trials.TrialTensor) ([]float64, []float64) {
	mean := cellMean(x)
	variance := make([]float64, len(mean))
	for tr := 0; tr < x.Trials(); tr++ {
		for i, v := range x.Trial(tr) {
			d := v - mean[i]
			variance[i] += d * d
		}
	}
	if x.Trials() > 1 {
		floats.Scale(1/float64(x.Trials()-1), variance)
	}
	return mean, variance
}

func trialCounts(conditions []*trials.TrialTensor) []int {
	counts := make([]int, len(conditions))
	for i, c := range conditions {
		counts[i] = c.Trials()
	}
	return counts
}
