package statfn

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"neurostat/domain/core"
	"neurostat/domain/trials"
	"neurostat/ports"
)

// FOneWay is the one-way ANOVA F statistic across two or more conditions
type FOneWay struct{}

// NewFOneWay creates the F statistic
func NewFOneWay() *FOneWay {
	return &FOneWay{}
}

// Name returns the statistic name
func (f *FOneWay) Name() string { return NameFOneWay }

// Design reports that trials are exchangeable across conditions
func (f *FOneWay) Design() ports.Design { return ports.DesignIndependent }

// ConditionRange accepts two or more conditions
func (f *FOneWay) ConditionRange() (int, int) { return 2, 0 }

// NonNegative is true: F is a ratio of sums of squares
func (f *FOneWay) NonNegative() bool { return true }

// DegreesOfFreedom returns (k-1, N-k)
func (f *FOneWay) DegreesOfFreedom(counts []int) (float64, float64) {
	total := 0
	for _, n := range counts {
		total += n
	}
	return float64(len(counts) - 1), float64(total - len(counts))
}

// Compute returns F = (SSB/(k-1)) / (SSW/(N-k)) for every cell. A cell with
// zero within-group variance yields +Inf or NaN, which the engine sanitises.
func (f *FOneWay) Compute(conditions []*trials.TrialTensor) (*trials.Grid, error) {
	if err := checkConditions(f, conditions); err != nil {
		return nil, err
	}
	dfn, dfd := f.DegreesOfFreedom(trialCounts(conditions))
	if dfd < 1 {
		return nil, fmt.Errorf("%w: F needs more trials than conditions", core.ErrTooFewTrials)
	}

	ref := conditions[0]
	cells := ref.CellCount()
	means := make([][]float64, len(conditions))
	grand := make([]float64, cells)
	total := 0
	for k, c := range conditions {
		means[k] = cellMean(c)
		floats.AddScaled(grand, float64(c.Trials()), means[k])
		total += c.Trials()
	}
	floats.Scale(1/float64(total), grand)

	ssb := make([]float64, cells)
	ssw := make([]float64, cells)
	for k, c := range conditions {
		n := float64(c.Trials())
		for i, m := range means[k] {
			d := m - grand[i]
			ssb[i] += n * d * d
		}
		for tr := 0; tr < c.Trials(); tr++ {
			for i, v := range c.Trial(tr) {
				d := v - means[k][i]
				ssw[i] += d * d
			}
		}
	}

	grid := trials.NewGrid(ref.Times(), ref.Channels())
	for i := range grid.Values {
		grid.Values[i] = (ssb[i] / dfn) / (ssw[i] / dfd)
	}
	return grid, nil
}

var _ ports.StatisticFunc = (*FOneWay)(nil)
