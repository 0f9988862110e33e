// Package significance turns observed cluster scores and a permutation null
// distribution into corrected p-values.
//
// All p-values use the add-one estimator (count + 1) / (N + 1), so they lie
// in (0, 1] for any N >= 1 and the calculator works on a partial null left
// by a cancelled run.
package significance

import (
	"fmt"
	"math"

	"neurostat/domain/cluster"
	"neurostat/domain/core"
)

// Calculator computes cluster p-values for one tail and two-tailed policy
type Calculator struct {
	tail   cluster.Tail
	policy cluster.TwoTailedPolicy
}

// NewCalculator creates a calculator. The policy is only consulted for
// two-tailed tests but must always be valid.
func NewCalculator(tail cluster.Tail, policy cluster.TwoTailedPolicy) (*Calculator, error) {
	if err := tail.Validate(); err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{tail: tail, policy: policy}, nil
}

// PValue returns the corrected p-value for one observed cluster score.
// sign is the cluster's sign (+1 or -1) and matters for two-tailed tests.
func (c *Calculator) PValue(score float64, sign int, null *cluster.NullDistribution) (float64, error) {
	switch c.tail {
	case cluster.TailPositive:
		if len(null.Max) == 0 {
			return 0, fmt.Errorf("%w: empty max null distribution", core.ErrNoPermutations)
		}
		return addOne(countAtLeast(null.Max, score), len(null.Max)), nil

	case cluster.TailNegative:
		if len(null.Min) == 0 {
			return 0, fmt.Errorf("%w: empty min null distribution", core.ErrNoPermutations)
		}
		return addOne(countAtMost(null.Min, score), len(null.Min)), nil
	}

	if len(null.Max) == 0 || len(null.Max) != len(null.Min) {
		return 0, fmt.Errorf("%w: two-tailed null needs paired max/min entries, got %d/%d",
			core.ErrNoPermutations, len(null.Max), len(null.Min))
	}
	n := len(null.Max)

	if c.policy == cluster.PolicyPerSign {
		var count int
		if sign < 0 {
			count = countAtMost(null.Min, score)
		} else {
			count = countAtLeast(null.Max, score)
		}
		return math.Min(1, 2*addOne(count, n)), nil
	}

	target := math.Abs(score)
	count := 0
	for i := range null.Max {
		if math.Max(math.Abs(null.Max[i]), math.Abs(null.Min[i])) >= target {
			count++
		}
	}
	return addOne(count, n), nil
}

// PValues returns one p-value per cluster, in cluster order. No cluster is
// dropped, whatever its p-value.
func (c *Calculator) PValues(clusters []*cluster.Cluster, null *cluster.NullDistribution) ([]float64, error) {
	out := make([]float64, len(clusters))
	for i, cl := range clusters {
		p, err := c.PValue(cl.Score, cl.Sign, null)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func addOne(count, n int) float64 {
	return float64(count+1) / float64(n+1)
}

func countAtLeast(values []float64, x float64) int {
	n := 0
	for _, v := range values {
		if v >= x {
			n++
		}
	}
	return n
}

func countAtMost(values []float64, x float64) int {
	n := 0
	for _, v := range values {
		if v <= x {
			n++
		}
	}
	return n
}
