package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"neurostat/adapters/postgres"
	"neurostat/domain/cluster"
	"neurostat/internal"
	"neurostat/internal/migration"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to load .env: %v", err)
	}

	databaseURL := os.Getenv("DATABASE_URL")
	var resultsDir string
	if len(os.Args) > 1 {
		databaseURL = os.Args[1]
	}
	if len(os.Args) > 2 {
		resultsDir = os.Args[2]
	}
	if databaseURL == "" {
		log.Fatal("Usage: migrate [database_url] [results_dir] (database_url defaults to DATABASE_URL)")
	}

	logger := internal.NewDefaultLogger()
	ctx := context.Background()

	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := migration.NewRunner(logger).Run(ctx, db); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	if resultsDir == "" {
		return
	}

	files, err := findResultFiles(resultsDir)
	if err != nil {
		log.Fatalf("Failed to find result files: %v", err)
	}
	log.Printf("Found %d result files to import", len(files))

	repo := postgres.NewRunRepository(db)
	imported, skipped := 0, 0
	for _, file := range files {
		result, err := loadResultFromFile(file)
		if err != nil {
			log.Printf("Failed to load result from %s: %v", file, err)
			skipped++
			continue
		}
		if err := repo.SaveRun(ctx, result); err != nil {
			log.Printf("Failed to save run %s: %v", result.RunID, err)
			skipped++
			continue
		}
		imported++
		log.Printf("Imported run %s from %s", result.RunID, filepath.Base(file))
	}

	log.Printf("Import complete: %d imported, %d skipped", imported, skipped)
}

func findResultFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".json") {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func loadResultFromFile(filePath string) (*cluster.Result, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var result cluster.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	if result.RunID == "" {
		return nil, fmt.Errorf("%s has no run_id", filepath.Base(filePath))
	}
	return &result, nil
}
