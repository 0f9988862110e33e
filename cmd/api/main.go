package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"neurostat/internal"
	"neurostat/internal/api"
	"neurostat/internal/config"
	"neurostat/internal/container"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to load .env: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if internal.ParseLogLevel(cfg.Log.Level) < internal.LogLevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := container.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create container: %v", err)
	}
	if err := c.Connect(ctx); err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	handler := api.NewClusterTestHandler(c.Service, cfg.Engine, c.SSEHub, c.Logger)
	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: api.NewRouter(handler, c.SSEHub, c.Logger),
	}

	go func() {
		c.Logger.Info("Starting neurostat API server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	c.Logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		c.Logger.Error("server shutdown: %v", err)
	}
	if err := c.Shutdown(shutdownCtx); err != nil {
		c.Logger.Error("container shutdown: %v", err)
	}
}
