// Package report renders finished cluster test runs as markdown and HTML.
package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"

	"neurostat/domain/cluster"
	"neurostat/internal/significance"
	"neurostat/ports"
)

// Markdown builds the run summary: metadata, the cluster table, a summary of
// the null distribution and any warnings. Clusters with p < alpha are marked.
func Markdown(result *cluster.Result, alpha float64) []byte {
	var b bytes.Buffer

	fmt.Fprintf(&b, "# Cluster test %s\n\n", result.RunID)
	b.WriteString("| Field | Value |\n|---|---|\n")
	fields := [][2]string{
		{"Statistic", result.Statistic},
		{"Threshold", formatFloat(result.Threshold)},
		{"Tail", result.Tail.String()},
		{"Permutations", fmt.Sprintf("%d of %d", result.Completed, result.Requested)},
		{"Exact", strconv.FormatBool(result.Exact)},
		{"Partial", strconv.FormatBool(result.Partial)},
		{"Seed", strconv.FormatInt(result.Seed, 10)},
		{"Fingerprint", "`" + result.Fingerprint.String() + "`"},
		{"Finished", result.FinishedAt.Time().UTC().Format(time.RFC3339)},
	}
	if result.Policy != "" {
		fields = append(fields, [2]string{"Two-tailed policy", string(result.Policy)})
	}
	if result.StepDownRuns > 0 {
		fields = append(fields, [2]string{"Step-down passes", strconv.Itoa(result.StepDownRuns)})
	}
	for _, f := range fields {
		fmt.Fprintf(&b, "| %s | %s |\n", f[0], f[1])
	}

	fmt.Fprintf(&b, "\n## Clusters\n\n")
	if len(result.Clusters) == 0 {
		b.WriteString("No cluster passed the threshold.\n")
	} else {
		fmt.Fprintf(&b, "%d clusters, %d with p < %g.\n\n", len(result.Clusters), len(result.Significant(alpha)), alpha)
		b.WriteString("| # | Sign | Score | p | Size | Time | Channels | |\n|---|---|---|---|---|---|---|---|\n")
		for i, pair := range result.Pairs() {
			c := pair.Cluster
			start, end := c.TimeSpan()
			mark := ""
			if pair.PValue < alpha {
				mark = "**\\***"
			}
			fmt.Fprintf(&b, "| %d | %+d | %s | %s | %d | %d–%d | %s | %s |\n",
				i, c.Sign, formatFloat(c.Score), formatFloat(pair.PValue), c.Size(), start, end,
				joinInts(c.Channels()), mark)
		}
	}

	null := result.Null.Max
	if result.Tail == cluster.TailNegative {
		null = result.Null.Min
	}
	if summary, err := significance.Summarize(null); err == nil {
		fmt.Fprintf(&b, "\n## Null distribution\n\n")
		b.WriteString("| N | Mean | SD | Median | 95th | 99th | Max |\n|---|---|---|---|---|---|---|\n")
		fmt.Fprintf(&b, "| %d | %s | %s | %s | %s | %s | %s |\n",
			summary.N, formatFloat(summary.Mean), formatFloat(summary.StdDev), formatFloat(summary.Median),
			formatFloat(summary.Percentile95), formatFloat(summary.Percentile99), formatFloat(summary.Max))
	}

	if len(result.Warnings) > 0 {
		fmt.Fprintf(&b, "\n## Warnings\n\n")
		for _, w := range result.Warnings {
			fmt.Fprintf(&b, "- **%s**: %s\n", w.Code, w.Message)
		}
	}
	return b.Bytes()
}

// HTML converts the markdown summary into a standalone page
func HTML(result *cluster.Result, alpha float64) []byte {
	p := parser.NewWithExtensions(parser.CommonExtensions)
	renderer := html.NewRenderer(html.RendererOptions{
		Flags: html.CommonFlags | html.CompletePage,
		Title: "Cluster test " + result.RunID.String(),
	})
	return markdown.ToHTML(Markdown(result, alpha), p, renderer)
}

// Writer is a ports.ReportWriter producing either markdown or HTML
type Writer struct {
	alpha float64
	html  bool
}

var _ ports.ReportWriter = (*Writer)(nil)

// NewHTMLWriter creates a writer for standalone HTML pages
func NewHTMLWriter(alpha float64) *Writer { return &Writer{alpha: alpha, html: true} }

// NewMarkdownWriter creates a writer for the raw markdown summary
func NewMarkdownWriter(alpha float64) *Writer { return &Writer{alpha: alpha} }

// ContentType returns the MIME type of the rendered report
func (w *Writer) ContentType() string {
	if w.html {
		return "text/html; charset=utf-8"
	}
	return "text/markdown; charset=utf-8"
}

// WriteReport renders result to out
func (w *Writer) WriteReport(ctx context.Context, out io.Writer, result *cluster.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var body []byte
	if w.html {
		body = HTML(result, w.alpha)
	} else {
		body = Markdown(result, w.alpha)
	}
	if _, err := out.Write(body); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ", ")
}
