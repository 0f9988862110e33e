package excel

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"neurostat/domain/cluster"
	"neurostat/domain/core"
	"neurostat/domain/trials"
)

func sampleResult() *cluster.Result {
	started := core.NewTimestamp(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return &cluster.Result{
		RunID:     core.NewRunID(),
		Statistic: "f_oneway",
		Threshold: 4.1,
		Tail:      cluster.TailPositive,
		Observed:  trials.NewGrid(3, 2),
		Clusters: []*cluster.Cluster{
			{ID: core.NewClusterID(), Sign: 1, Score: 42.5, Cells: []cluster.Cell{{Time: 1, Channel: 0}, {Time: 2, Channel: 1}}},
			{ID: core.NewClusterID(), Sign: 1, Score: 5, Cells: []cluster.Cell{{Time: 0, Channel: 1}}},
		},
		PValues:     []float64{0.01, 0.4},
		Null:        cluster.NullDistribution{Max: []float64{1, 2, 3, 4}},
		Requested:   4,
		Completed:   4,
		Seed:        7,
		Fingerprint: core.HashFloats([]float64{1, 2}),
		Warnings:    []cluster.Warning{{Code: cluster.WarningPartialNull, Message: "stopped early"}},
		StartedAt:   started,
		FinishedAt:  started,
	}
}

func TestReportWriter_Build(t *testing.T) {
	f, err := NewReportWriter(0.05).Build(sampleResult())
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{ClustersSheet, NullSheet, ConfigSheet}, f.GetSheetList())

	rows, err := f.GetRows(ClustersSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "p_value", rows[0][4])
	assert.Equal(t, "42.5", rows[1][3])
	assert.Equal(t, "0,1", rows[1][8])
	assert.Equal(t, "TRUE", rows[1][9])
	assert.Equal(t, "FALSE", rows[2][9])

	nullRows, err := f.GetRows(NullSheet)
	require.NoError(t, err)
	require.Len(t, nullRows, 5)
	assert.Equal(t, "4", nullRows[4][1])

	config, err := f.GetRows(ConfigSheet)
	require.NoError(t, err)
	values := make(map[string]string)
	for _, row := range config[1:] {
		if len(row) == 2 {
			values[row[0]] = row[1]
		}
	}
	assert.Equal(t, "f_oneway", values["statistic"])
	assert.Equal(t, "positive", values["tail"])
	assert.Equal(t, "2.5", values["null_mean"])
	assert.Equal(t, "stopped early", values["warning_partial_null"])
}

func TestReportWriter_WriteReport(t *testing.T) {
	var buf bytes.Buffer
	w := NewReportWriter(0.05)
	require.NoError(t, w.WriteReport(context.Background(), &buf, sampleResult()))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(ClustersSheet)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.Contains(t, w.ContentType(), "spreadsheetml")
}

func TestReportWriter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	err := NewReportWriter(0.05).WriteReport(ctx, &buf, sampleResult())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, buf.Len())
}
