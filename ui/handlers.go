package ui

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"neurostat/adapters/excel"
	"neurostat/domain/core"
	"neurostat/domain/sensor"
	"neurostat/internal/clustertest"
	"neurostat/internal/errors"
	"neurostat/internal/report"
	"neurostat/ports"
)

const maxUploadBytes = 64 << 20

type indexPage struct {
	Runs         []ports.RunSummary
	Statistics   []string
	Default      string
	Permutations int
	Tail         int
	Error        string
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	a.renderIndex(w, r, "")
}

func (a *App) renderIndex(w http.ResponseWriter, r *http.Request, message string) {
	runs, err := a.service.List(r.Context(), 100)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.renderTemplate(w, "runs.html", indexPage{
		Runs:         runs,
		Statistics:   clustertest.Statistics(),
		Default:      a.defaults.Statistic,
		Permutations: a.defaults.Permutations,
		Tail:         a.defaults.Tail,
		Error:        message,
	})
}

// handleUpload runs a cluster test on an uploaded xlsx or csv trial file and
// redirects to its report
func (a *App) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		a.renderIndex(w, r, "upload failed: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		a.renderIndex(w, r, "no trial file uploaded")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext != ".xlsx" && ext != ".csv" {
		a.renderIndex(w, r, fmt.Sprintf("unsupported file type %q", ext))
		return
	}
	tmp, err := os.CreateTemp("", "neurostat-upload-*"+ext)
	if err != nil {
		a.writeError(w, err)
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		a.writeError(w, err)
		return
	}
	tmp.Close()

	data, err := excel.NewDataReader(tmp.Name(), a.logger).ReadData()
	if err != nil {
		a.renderIndex(w, r, err.Error())
		return
	}

	in := &clustertest.Input{
		ConditionNames: data.ConditionNames,
		Conditions:     data.Conditions,
		Adjacency:      data.Adjacency,
		Statistic:      r.FormValue("statistic"),
		Config:         a.formOverrides(r).Apply(a.defaults.Battery()),
	}
	if err := a.defaults.CheckLimits(in.Config); err != nil {
		a.renderIndex(w, r, err.Error())
		return
	}
	if in.Statistic == "" {
		in.Statistic = a.defaults.Statistic
	}
	if in.Adjacency == nil {
		a.logger.Warn("[ui] %s has no adjacency sheet, channels only connect across time", header.Filename)
		in.Adjacency = sensor.Isolated(data.Conditions[0].Channels())
	}

	result, err := a.service.Run(r.Context(), in, nil)
	if err != nil {
		a.renderIndex(w, r, err.Error())
		return
	}
	http.Redirect(w, r, "/runs/"+result.RunID.String(), http.StatusSeeOther)
}

func (a *App) formOverrides(r *http.Request) clustertest.Overrides {
	var o clustertest.Overrides
	if n, err := strconv.Atoi(r.FormValue("n_permutations")); err == nil {
		o.Permutations = &n
	}
	if tail, err := strconv.Atoi(r.FormValue("tail")); err == nil {
		o.Tail = &tail
	}
	return o
}

func (a *App) handleRun(w http.ResponseWriter, r *http.Request) {
	runID, err := core.ParseRunID(chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, errors.InvalidInput(err.Error()))
		return
	}
	result, err := a.service.Get(r.Context(), runID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(report.HTML(result, a.defaults.ReportAlpha))
}

func (a *App) handleDownload(w http.ResponseWriter, r *http.Request) {
	runID, err := core.ParseRunID(chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, errors.InvalidInput(err.Error()))
		return
	}
	var writer ports.ReportWriter
	format := chi.URLParam(r, "format")
	switch format {
	case "md":
		writer = report.NewMarkdownWriter(a.defaults.ReportAlpha)
	case "xlsx":
		writer = excel.NewReportWriter(a.defaults.ReportAlpha)
	default:
		a.writeError(w, errors.InvalidInput("unknown report format "+strconv.Quote(format)))
		return
	}
	result, err := a.service.Get(r.Context(), runID)
	if err != nil {
		a.writeError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := writer.WriteReport(r.Context(), &buf, result); err != nil {
		a.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", writer.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", runID.String()+"."+format))
	buf.WriteTo(w)
}

func (a *App) writeError(w http.ResponseWriter, err error) {
	appErr := errors.FromDomain(err)
	status := errors.HTTPStatus(appErr.Code)
	if status >= http.StatusInternalServerError {
		a.logger.Error("[ui] %v", err)
	}
	http.Error(w, appErr.Error(), status)
}
