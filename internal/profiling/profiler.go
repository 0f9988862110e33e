package profiling

import (
	"fmt"

	"neurostat/domain/trials"
)

// ConditionProfile describes the pooled values of one condition. Cluster
// tests make no normality assumption, but heavy tails and non-finite cells
// are worth seeing before a long permutation run.
type ConditionProfile struct {
	Name      string  `json:"name"`
	Trials    int     `json:"trials"`
	Times     int     `json:"times"`
	Channels  int     `json:"channels"`
	NonFinite int     `json:"non_finite"`
	Outliers  int     `json:"outliers"`
	Summary   Summary `json:"summary"`
	Shape     Shape   `json:"shape"`
}

// DataProfiler profiles trial tensors ahead of a cluster test
type DataProfiler struct {
	analyzer *DistributionAnalyzer
}

// NewDataProfiler creates a new data profiler
func NewDataProfiler() *DataProfiler {
	return &DataProfiler{analyzer: NewDistributionAnalyzer(0.05)}
}

// ProfileCondition pools every finite value of the tensor
func (dp *DataProfiler) ProfileCondition(name string, x *trials.TrialTensor) (ConditionProfile, error) {
	profile := ConditionProfile{
		Name:     name,
		Trials:   x.Trials(),
		Times:    x.Times(),
		Channels: x.Channels(),
	}

	pooled := make([]float64, 0, x.Trials()*x.CellCount())
	for tr := 0; tr < x.Trials(); tr++ {
		pooled = append(pooled, x.Trial(tr)...)
	}
	values, dropped := finiteValues(pooled)
	profile.NonFinite = dropped
	if len(values) == 0 {
		return profile, fmt.Errorf("condition %s has no finite values", name)
	}

	summary, shape, err := dp.analyzer.AnalyzeDistribution(values)
	if err != nil {
		return profile, fmt.Errorf("failed to profile condition %s: %w", name, err)
	}
	profile.Summary = summary
	profile.Shape = shape
	profile.Outliers = detectOutliers(values, summary.Q25, summary.Q75)
	return profile, nil
}

// ProfileConditions profiles each condition in order
func (dp *DataProfiler) ProfileConditions(names []string, conditions []*trials.TrialTensor) ([]ConditionProfile, error) {
	if len(names) != len(conditions) {
		return nil, fmt.Errorf("got %d names for %d conditions", len(names), len(conditions))
	}
	profiles := make([]ConditionProfile, 0, len(conditions))
	for i, x := range conditions {
		p, err := dp.ProfileCondition(names[i], x)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}
