package main

import (
	"context"
	"log"
	"os"

	"github.com/joho/godotenv"

	"neurostat/internal/config"
	"neurostat/internal/container"
	"neurostat/ui"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to load .env: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	c, err := container.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create container: %v", err)
	}
	defer c.Shutdown(context.Background())
	if err := c.Connect(context.Background()); err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	app, err := ui.NewApp(ui.Config{Port: cfg.Server.Port, Defaults: cfg.Engine}, c.Service, c.Logger)
	if err != nil {
		log.Fatal("Failed to create UI app:", err)
	}

	log.Printf("Starting neurostat UI on http://localhost:%s", cfg.Server.Port)
	log.Fatal(app.Start(cfg.Server.Port))
}
