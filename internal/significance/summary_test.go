package significance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	summary, err := Summarize([]float64{1, 2, 3, 4, 5})
	require.NoError(t, err)

	assert.Equal(t, 5, summary.N)
	assert.InDelta(t, 3.0, summary.Mean, 1e-12)
	assert.InDelta(t, 1.5811388, summary.StdDev, 1e-6)
	assert.Equal(t, 1.0, summary.Min)
	assert.Equal(t, 5.0, summary.Max)
	assert.Equal(t, 3.0, summary.Median)
	assert.LessOrEqual(t, summary.Percentile95, summary.Max)
	assert.LessOrEqual(t, summary.Percentile95, summary.Percentile99)
}

func TestSummarize_SingleValue(t *testing.T) {
	summary, err := Summarize([]float64{7})
	require.NoError(t, err)
	assert.Equal(t, 0.0, summary.StdDev)
	assert.Equal(t, 7.0, summary.Mean)
}

func TestSummarize_Empty(t *testing.T) {
	_, err := Summarize(nil)
	assert.Error(t, err)
}

func TestPercentile(t *testing.T) {
	null := []float64{1, 2, 3, 4}
	assert.Equal(t, 0.5, Percentile(2, null))
	assert.Equal(t, 1.0, Percentile(10, null))
	assert.Equal(t, 0.0, Percentile(0, null))
	assert.Equal(t, 0.0, Percentile(1, nil))
}
