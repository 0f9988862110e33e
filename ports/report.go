package ports

import (
	"context"
	"io"

	"neurostat/domain/cluster"
)

// ReportWriter renders a finished run for downstream reporting
type ReportWriter interface {
	// ContentType is the MIME type of the rendered report
	ContentType() string

	WriteReport(ctx context.Context, w io.Writer, result *cluster.Result) error
}
