package excel

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"neurostat/domain/cluster"
	"neurostat/internal/significance"
	"neurostat/ports"
)

// Report sheet names
const (
	ClustersSheet = "clusters"
	NullSheet     = "null"
	ConfigSheet   = "config"
)

// ReportWriter renders a run as an xlsx workbook with one sheet for the
// observed clusters, one for the null distribution and one for run metadata
type ReportWriter struct {
	alpha float64
}

var _ ports.ReportWriter = (*ReportWriter)(nil)

// NewReportWriter creates a writer that flags clusters with p < alpha
func NewReportWriter(alpha float64) *ReportWriter {
	return &ReportWriter{alpha: alpha}
}

// ContentType is the xlsx MIME type
func (w *ReportWriter) ContentType() string {
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// WriteReport writes the workbook to out
func (w *ReportWriter) WriteReport(ctx context.Context, out io.Writer, result *cluster.Result) error {
	f, err := w.Build(result)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.Write(out); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// Build assembles the workbook in memory
func (w *ReportWriter) Build(result *cluster.Result) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", ClustersSheet); err != nil {
		f.Close()
		return nil, err
	}
	for _, sheet := range []string{NullSheet, ConfigSheet} {
		if _, err := f.NewSheet(sheet); err != nil {
			f.Close()
			return nil, err
		}
	}

	steps := []func(*excelize.File, *cluster.Result) error{w.writeClusters, w.writeNull, w.writeConfig}
	for _, step := range steps {
		if err := step(f, result); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (w *ReportWriter) writeClusters(f *excelize.File, result *cluster.Result) error {
	header := []interface{}{"cluster", "id", "sign", "score", "p_value", "size", "time_start", "time_end", "channels", "significant"}
	if err := setRow(f, ClustersSheet, 1, header); err != nil {
		return err
	}
	for i, pair := range result.Pairs() {
		c := pair.Cluster
		start, end := c.TimeSpan()
		row := []interface{}{
			i, c.ID.String(), c.Sign, c.Score, pair.PValue, c.Size(), start, end,
			joinInts(c.Channels()), pair.PValue < w.alpha,
		}
		if err := setRow(f, ClustersSheet, i+2, row); err != nil {
			return err
		}
	}
	return nil
}

func (w *ReportWriter) writeNull(f *excelize.File, result *cluster.Result) error {
	if err := setRow(f, NullSheet, 1, []interface{}{"rank", "max", "min"}); err != nil {
		return err
	}
	for i := 0; i < result.Null.Len(); i++ {
		row := []interface{}{i + 1, nil, nil}
		if i < len(result.Null.Max) {
			row[1] = result.Null.Max[i]
		}
		if i < len(result.Null.Min) {
			row[2] = result.Null.Min[i]
		}
		if err := setRow(f, NullSheet, i+2, row); err != nil {
			return err
		}
	}
	return nil
}

func (w *ReportWriter) writeConfig(f *excelize.File, result *cluster.Result) error {
	pairs := [][]interface{}{
		{"key", "value"},
		{"run_id", result.RunID.String()},
		{"statistic", result.Statistic},
		{"threshold", result.Threshold},
		{"tail", result.Tail.String()},
		{"two_tailed_policy", string(result.Policy)},
		{"requested_permutations", result.Requested},
		{"completed_permutations", result.Completed},
		{"exact", result.Exact},
		{"partial", result.Partial},
		{"step_down_runs", result.StepDownRuns},
		{"seed", result.Seed},
		{"fingerprint", result.Fingerprint.String()},
		{"started_at", result.StartedAt.Time().Format(time.RFC3339)},
		{"finished_at", result.FinishedAt.Time().Format(time.RFC3339)},
		{"alpha", w.alpha},
	}

	null := result.Null.Max
	if result.Tail == cluster.TailNegative {
		null = result.Null.Min
	}
	if summary, err := significance.Summarize(null); err == nil {
		pairs = append(pairs,
			[]interface{}{"null_mean", summary.Mean},
			[]interface{}{"null_std_dev", summary.StdDev},
			[]interface{}{"null_percentile_95", summary.Percentile95},
			[]interface{}{"null_percentile_99", summary.Percentile99},
		)
	}
	for _, warning := range result.Warnings {
		pairs = append(pairs, []interface{}{"warning_" + strings.ToLower(string(warning.Code)), warning.Message})
	}

	for i, row := range pairs {
		if err := setRow(f, ConfigSheet, i+1, row); err != nil {
			return err
		}
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
