package significance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neurostat/domain/cluster"
	"neurostat/domain/core"
)

func uniformNull(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i + 1)
	}
	return out
}

func TestPValue_ObservedAboveEveryNullEntry(t *testing.T) {
	calc, err := NewCalculator(cluster.TailPositive, cluster.PolicyAbsMax)
	require.NoError(t, err)

	null := &cluster.NullDistribution{Max: uniformNull(99)}
	p, err := calc.PValue(1000, 1, null)
	require.NoError(t, err)
	assert.InDelta(t, 0.01, p, 1e-12)
}

func TestPValue_ObservedBelowEveryNullEntry(t *testing.T) {
	calc, err := NewCalculator(cluster.TailPositive, cluster.PolicyAbsMax)
	require.NoError(t, err)

	null := &cluster.NullDistribution{Max: uniformNull(99)}
	p, err := calc.PValue(0, 1, null)
	require.NoError(t, err)
	assert.Equal(t, 1.0, p)
}

func TestPValue_Monotonic(t *testing.T) {
	calc, err := NewCalculator(cluster.TailPositive, cluster.PolicyAbsMax)
	require.NoError(t, err)
	null := &cluster.NullDistribution{Max: uniformNull(50)}

	prev := 2.0
	for score := 0.0; score <= 60; score += 0.5 {
		p, err := calc.PValue(score, 1, null)
		require.NoError(t, err)
		assert.LessOrEqual(t, p, prev, "score %v", score)
		assert.Greater(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
		prev = p
	}
}

func TestPValue_SingleNullEntry(t *testing.T) {
	calc, err := NewCalculator(cluster.TailPositive, cluster.PolicyAbsMax)
	require.NoError(t, err)

	null := &cluster.NullDistribution{Max: []float64{3}}
	p, err := calc.PValue(5, 1, null)
	require.NoError(t, err)
	assert.Equal(t, 0.5, p)

	p, err = calc.PValue(3, 1, null)
	require.NoError(t, err)
	assert.Equal(t, 1.0, p)
}

func TestPValue_NegativeTail(t *testing.T) {
	calc, err := NewCalculator(cluster.TailNegative, cluster.PolicyAbsMax)
	require.NoError(t, err)

	null := &cluster.NullDistribution{Min: []float64{-1, -2, -3, 0}}
	p, err := calc.PValue(-2.5, -1, null)
	require.NoError(t, err)
	// only -3 is at or below -2.5
	assert.InDelta(t, 2.0/5.0, p, 1e-12)
}

func TestPValue_TwoTailedAbsMax(t *testing.T) {
	calc, err := NewCalculator(cluster.TailBoth, cluster.PolicyAbsMax)
	require.NoError(t, err)

	null := &cluster.NullDistribution{
		Max: []float64{1, 4, 0, 2},
		Min: []float64{-5, -1, 0, -1},
	}
	// |extremes| per permutation: 5, 4, 0, 2
	p, err := calc.PValue(-4, -1, null)
	require.NoError(t, err)
	assert.InDelta(t, 3.0/5.0, p, 1e-12)

	pos, err := calc.PValue(4, 1, null)
	require.NoError(t, err)
	assert.Equal(t, p, pos)
}

func TestPValue_TwoTailedPerSign(t *testing.T) {
	calc, err := NewCalculator(cluster.TailBoth, cluster.PolicyPerSign)
	require.NoError(t, err)

	null := &cluster.NullDistribution{
		Max: []float64{1, 4, 0, 2},
		Min: []float64{-5, -1, 0, -1},
	}
	p, err := calc.PValue(3, 1, null)
	require.NoError(t, err)
	assert.InDelta(t, 2*2.0/5.0, p, 1e-12)

	p, err = calc.PValue(-0.5, -1, null)
	require.NoError(t, err)
	assert.Equal(t, 1.0, p, "doubled p-values are capped at 1")
}

func TestPValue_EmptyNull(t *testing.T) {
	calc, err := NewCalculator(cluster.TailPositive, cluster.PolicyAbsMax)
	require.NoError(t, err)

	_, err = calc.PValue(1, 1, &cluster.NullDistribution{})
	assert.ErrorIs(t, err, core.ErrNoPermutations)

	both, err := NewCalculator(cluster.TailBoth, cluster.PolicyAbsMax)
	require.NoError(t, err)
	_, err = both.PValue(1, 1, &cluster.NullDistribution{Max: []float64{1}})
	assert.ErrorIs(t, err, core.ErrNoPermutations)
}

func TestNewCalculator_Validation(t *testing.T) {
	_, err := NewCalculator(cluster.Tail(2), cluster.PolicyAbsMax)
	assert.Error(t, err)

	_, err = NewCalculator(cluster.TailBoth, cluster.TwoTailedPolicy("bonferroni"))
	assert.Error(t, err)
}

func TestPValues_KeepsEveryCluster(t *testing.T) {
	calc, err := NewCalculator(cluster.TailPositive, cluster.PolicyAbsMax)
	require.NoError(t, err)

	clusters := []*cluster.Cluster{
		{Sign: 1, Score: 100},
		{Sign: 1, Score: 0.5},
	}
	ps, err := calc.PValues(clusters, &cluster.NullDistribution{Max: uniformNull(9)})
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.InDelta(t, 0.1, ps[0], 1e-12)
	assert.Equal(t, 1.0, ps[1])
}
