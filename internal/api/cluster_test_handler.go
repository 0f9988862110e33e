package api

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"neurostat/adapters/excel"
	"neurostat/domain/core"
	"neurostat/internal"
	"neurostat/internal/clustertest"
	"neurostat/internal/config"
	"neurostat/internal/errors"
	"neurostat/internal/profiling"
	"neurostat/internal/report"
	"neurostat/ports"
)

// ClusterTestHandler serves the cluster test endpoints
type ClusterTestHandler struct {
	service  *clustertest.Service
	defaults config.EngineConfig
	hub      *SSEHub
	logger   *internal.Logger
}

// NewClusterTestHandler creates a handler. hub may be nil, which disables
// progress streaming.
func NewClusterTestHandler(service *clustertest.Service, defaults config.EngineConfig, hub *SSEHub, logger *internal.Logger) *ClusterTestHandler {
	return &ClusterTestHandler{service: service, defaults: defaults, hub: hub, logger: logger}
}

// SubmitResponse is returned by POST /api/cluster-tests
type SubmitResponse struct {
	RunID       core.RunID  `json:"run_id"`
	Significant []int       `json:"significant"`
	Result      interface{} `json:"result"`
}

// Profile summarizes each condition of a request body without running a test
func (h *ClusterTestHandler) Profile(c *gin.Context) {
	var req clustertest.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.InvalidInput("malformed request body: "+err.Error()))
		return
	}
	in, err := req.Decode(h.defaults)
	if err != nil {
		respondError(c, err)
		return
	}
	profiles, err := profiling.NewDataProfiler().ProfileConditions(in.ConditionNames, in.Conditions)
	if err != nil {
		respondError(c, errors.InvalidInput(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"conditions": profiles})
}

// Submit runs a cluster test synchronously. When the "stream" query
// parameter is set, progress is published to that SSE stream.
func (h *ClusterTestHandler) Submit(c *gin.Context) {
	var req clustertest.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.InvalidInput("malformed request body: "+err.Error()))
		return
	}
	in, err := req.Decode(h.defaults)
	if err != nil {
		respondError(c, err)
		return
	}

	stream := c.Query("stream")
	var obs ports.ProgressObserver
	if stream != "" && h.hub != nil {
		obs = h.hub.Observer(stream)
	}

	result, err := h.service.Run(c.Request.Context(), in, obs)
	if err != nil {
		h.publish(stream, ProgressEvent{EventType: EventFailed, Error: err.Error()})
		h.logger.Warn("[api] cluster test failed: %v", err)
		respondError(c, err)
		return
	}
	h.publish(stream, ProgressEvent{
		EventType: EventCompleted,
		RunID:     result.RunID.String(),
		Done:      result.Completed,
		Total:     result.Requested,
		Progress:  1,
	})

	significant := result.Significant(h.defaults.ReportAlpha)
	if significant == nil {
		significant = []int{}
	}
	c.JSON(http.StatusCreated, SubmitResponse{RunID: result.RunID, Significant: significant, Result: result})
}

func (h *ClusterTestHandler) publish(stream string, event ProgressEvent) {
	if stream == "" || h.hub == nil {
		return
	}
	event.Stream = stream
	h.hub.Broadcast(event)
}

// List returns run summaries, newest first
func (h *ClusterTestHandler) List(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(c, errors.InvalidInput("limit must be a positive integer"))
			return
		}
		limit = n
	}
	runs, err := h.service.List(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if runs == nil {
		runs = []ports.RunSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// Get returns one stored run
func (h *ClusterTestHandler) Get(c *gin.Context) {
	runID, err := core.ParseRunID(c.Param("id"))
	if err != nil {
		respondError(c, errors.InvalidInput(err.Error()))
		return
	}
	result, err := h.service.Get(c.Request.Context(), runID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Report renders a stored run as html (default), md or xlsx
func (h *ClusterTestHandler) Report(c *gin.Context) {
	runID, err := core.ParseRunID(c.Param("id"))
	if err != nil {
		respondError(c, errors.InvalidInput(err.Error()))
		return
	}
	writer, err := reportWriter(c.DefaultQuery("format", "html"), h.defaults.ReportAlpha)
	if err != nil {
		respondError(c, err)
		return
	}
	result, err := h.service.Get(c.Request.Context(), runID)
	if err != nil {
		respondError(c, err)
		return
	}

	var buf bytes.Buffer
	if err := writer.WriteReport(c.Request.Context(), &buf, result); err != nil {
		respondError(c, errors.Wrap(err, "failed to render report"))
		return
	}
	c.Data(http.StatusOK, writer.ContentType(), buf.Bytes())
}

// Statistics lists the statistic names accepted in requests
func (h *ClusterTestHandler) Statistics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"statistics": clustertest.Statistics(), "default": h.defaults.Statistic})
}

func reportWriter(format string, alpha float64) (ports.ReportWriter, error) {
	switch format {
	case "html":
		return report.NewHTMLWriter(alpha), nil
	case "md", "markdown":
		return report.NewMarkdownWriter(alpha), nil
	case "xlsx":
		return excel.NewReportWriter(alpha), nil
	}
	return nil, errors.InvalidInput("unknown report format " + strconv.Quote(format))
}

func respondError(c *gin.Context, err error) {
	appErr := errors.FromDomain(err)
	c.JSON(errors.HTTPStatus(appErr.Code), gin.H{"error": appErr.Error(), "code": appErr.Code})
}
