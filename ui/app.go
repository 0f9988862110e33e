// Package ui serves a small browser front end for stored cluster test runs.
package ui

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"neurostat/internal"
	"neurostat/internal/clustertest"
	"neurostat/internal/config"
)

//go:embed templates/*.html
var embeddedFiles embed.FS

// App represents the UI application
type App struct {
	router    *chi.Mux
	service   *clustertest.Service
	defaults  config.EngineConfig
	templates *template.Template
	logger    *internal.Logger
}

// Config holds UI application configuration
type Config struct {
	Port     string
	Defaults config.EngineConfig
}

// NewApp creates a new UI application
func NewApp(cfg Config, service *clustertest.Service, logger *internal.Logger) (*App, error) {
	funcMap := template.FuncMap{
		"pvalue": func(p *float64) string {
			if p == nil {
				return "n/a"
			}
			return fmt.Sprintf("%.4g", *p)
		},
		"significant": func(p *float64) bool { return p != nil && *p < cfg.Defaults.ReportAlpha },
	}
	templates, err := template.New("").Funcs(funcMap).ParseFS(embeddedFiles, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	app := &App{
		router:    chi.NewRouter(),
		service:   service,
		defaults:  cfg.Defaults,
		templates: templates,
		logger:    logger,
	}

	app.setupMiddleware()
	app.setupRoutes()

	return app, nil
}

// setupMiddleware configures HTTP middleware
func (a *App) setupMiddleware() {
	a.router.Use(middleware.Logger)
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Compress(5))
}

// setupRoutes configures the application routes
func (a *App) setupRoutes() {
	a.router.Get("/", a.handleIndex)
	a.router.Post("/runs", a.handleUpload)
	a.router.Get("/runs/{id}", a.handleRun)
	a.router.Get("/runs/{id}/report.{format}", a.handleDownload)
}

// ServeHTTP lets the app be mounted or tested as a plain handler
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// Start starts the HTTP server
func (a *App) Start(port string) error {
	addr := ":" + port
	a.logger.Info("Starting neurostat UI server on %s", addr)
	return http.ListenAndServe(addr, a.router)
}

// renderTemplate renders to a buffer first so template errors never leave a
// half-written page behind
func (a *App) renderTemplate(w http.ResponseWriter, templateName string, data interface{}) {
	var buf bytes.Buffer
	if err := a.templates.ExecuteTemplate(&buf, templateName, data); err != nil {
		a.logger.Error("template error for %s: %v", templateName, err)
		http.Error(w, "Template error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := buf.WriteTo(w); err != nil {
		a.logger.Error("error writing template response: %v", err)
	}
}
