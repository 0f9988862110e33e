package statfn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"neurostat/domain/core"
	"neurostat/domain/trials"
	"neurostat/ports"
)

// TTestOneSample is the one-sample t statistic against zero. Permutations
// flip the sign of whole trials.
type TTestOneSample struct {
	sigma float64
}

// NewTTestOneSample creates a one-sample t statistic with optional variance regularisation
func NewTTestOneSample(sigma float64) *TTestOneSample {
	return &TTestOneSample{sigma: sigma}
}

func (s *TTestOneSample) Name() string               { return NameTTestOneSample }
func (s *TTestOneSample) Design() ports.Design       { return ports.DesignOneSample }
func (s *TTestOneSample) ConditionRange() (int, int) { return 1, 1 }
func (s *TTestOneSample) NonNegative() bool          { return false }

// DegreesOfFreedom returns (0, n-1)
func (s *TTestOneSample) DegreesOfFreedom(counts []int) (float64, float64) {
	if len(counts) == 0 {
		return 0, 0
	}
	return 0, float64(counts[0] - 1)
}

// Compute returns mean / sqrt(var/n) per cell
func (s *TTestOneSample) Compute(conditions []*trials.TrialTensor) (*trials.Grid, error) {
	if err := checkConditions(s, conditions); err != nil {
		return nil, err
	}
	return oneSampleT(conditions[0], s.sigma)
}

func oneSampleT(x *trials.TrialTensor, sigma float64) (*trials.Grid, error) {
	n := x.Trials()
	if n < 2 {
		return nil, fmt.Errorf("%w: one-sample t needs >= 2 trials, got %d", core.ErrTooFewTrials, n)
	}
	mean, variance := cellMeanVar(x)
	if sigma > 0 {
		floats.AddConst(sigma*floats.Max(variance), variance)
	}

	grid := trials.NewGrid(x.Times(), x.Channels())
	for i := range grid.Values {
		grid.Values[i] = mean[i] / math.Sqrt(variance[i]/float64(n))
	}
	return grid, nil
}

var _ ports.StatisticFunc = (*TTestOneSample)(nil)

// TTestPaired is the paired t statistic of condition A minus condition B.
// Permutations swap the two labels within each trial pair, which is the
// same as flipping the sign of the difference.
type TTestPaired struct {
	sigma float64
}

// NewTTestPaired creates a paired t statistic
func NewTTestPaired(sigma float64) *TTestPaired {
	return &TTestPaired{sigma: sigma}
}

func (s *TTestPaired) Name() string               { return NameTTestPaired }
func (s *TTestPaired) Design() ports.Design       { return ports.DesignPaired }
func (s *TTestPaired) ConditionRange() (int, int) { return 2, 2 }
func (s *TTestPaired) NonNegative() bool          { return false }

// DegreesOfFreedom returns (0, n-1) for n pairs
func (s *TTestPaired) DegreesOfFreedom(counts []int) (float64, float64) {
	if len(counts) == 0 {
		return 0, 0
	}
	return 0, float64(counts[0] - 1)
}

// Compute returns the one-sample t of the per-trial differences
func (s *TTestPaired) Compute(conditions []*trials.TrialTensor) (*trials.Grid, error) {
	if err := checkConditions(s, conditions); err != nil {
		return nil, err
	}
	diff, err := trials.Difference(conditions[0], conditions[1])
	if err != nil {
		return nil, err
	}
	return oneSampleT(diff, s.sigma)
}

var _ ports.StatisticFunc = (*TTestPaired)(nil)

// TTestIndependent is Welch's t statistic for two independent conditions
type TTestIndependent struct{}

// NewTTestIndependent creates a Welch t statistic
func NewTTestIndependent() *TTestIndependent {
	return &TTestIndependent{}
}

func (s *TTestIndependent) Name() string               { return NameTTestIndependent }
func (s *TTestIndependent) Design() ports.Design       { return ports.DesignIndependent }
func (s *TTestIndependent) ConditionRange() (int, int) { return 2, 2 }
func (s *TTestIndependent) NonNegative() bool          { return false }

// DegreesOfFreedom returns (0, n1+n2-2); the per-cell Welch-Satterthwaite
// df is not used for the threshold.
func (s *TTestIndependent) DegreesOfFreedom(counts []int) (float64, float64) {
	total := 0
	for _, n := range counts {
		total += n
	}
	return 0, float64(total - 2)
}

// Compute returns (mean_a - mean_b) / sqrt(var_a/n_a + var_b/n_b) per cell
func (s *TTestIndependent) Compute(conditions []*trials.TrialTensor) (*trials.Grid, error) {
	if err := checkConditions(s, conditions); err != nil {
		return nil, err
	}
	a, b := conditions[0], conditions[1]
	if a.Trials() < 2 || b.Trials() < 2 {
		return nil, fmt.Errorf("%w: Welch t needs >= 2 trials per condition", core.ErrTooFewTrials)
	}
	ma, va := cellMeanVar(a)
	mb, vb := cellMeanVar(b)
	na, nb := float64(a.Trials()), float64(b.Trials())

	grid := trials.NewGrid(a.Times(), a.Channels())
	for i := range grid.Values {
		grid.Values[i] = (ma[i] - mb[i]) / math.Sqrt(va[i]/na+vb[i]/nb)
	}
	return grid, nil
}

var _ ports.StatisticFunc = (*TTestIndependent)(nil)
