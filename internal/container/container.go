package container

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"neurostat/adapters/postgres"
	rngadapter "neurostat/adapters/rng"
	"neurostat/internal"
	"neurostat/internal/api"
	"neurostat/internal/clustertest"
	"neurostat/internal/config"
	"neurostat/internal/migration"
	"neurostat/internal/testkit"
	"neurostat/ports"
)

// Container holds all application dependencies and manages their lifecycle
type Container struct {
	Config *config.Config
	Logger *internal.Logger

	// Infrastructure
	DB  *sqlx.DB
	RNG ports.RNGPort

	// Repositories (data access layer)
	RunRepo ports.RunRepository

	// Cluster test components
	Service *clustertest.Service
	SSEHub  *api.SSEHub

	// Supplies the in-memory run store when no database is configured
	TestKit *testkit.TestKit
}

// New creates a container backed by the in-memory run store. Call Connect
// or InitWithDatabase to switch to PostgreSQL.
func New(cfg *config.Config) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	kit, err := testkit.NewTestKit()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize test kit: %w", err)
	}

	c := &Container{
		Config:  cfg,
		Logger:  internal.NewLogger(internal.ParseLogLevel(cfg.Log.Level)),
		RNG:     rngadapter.NewAdapter(),
		RunRepo: kit.RunRepository(),
		TestKit: kit,
	}
	c.SSEHub = api.NewSSEHub(c.Logger)
	c.initService()
	return c, nil
}

// Connect opens the configured database, if any, and initializes the
// components that depend on it
func (c *Container) Connect(ctx context.Context) error {
	if c.Config.Database.URL == "" {
		c.Logger.Warn("DATABASE_URL not set, runs are kept in memory only")
		return nil
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", c.Config.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := c.InitWithDatabase(ctx, db); err != nil {
		db.Close()
		return err
	}
	return nil
}

// InitWithDatabase migrates the schema and switches the run store to db
func (c *Container) InitWithDatabase(ctx context.Context, db *sqlx.DB) error {
	if db == nil {
		return fmt.Errorf("database connection cannot be nil")
	}

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database connection test failed: %w", err)
	}
	if err := migration.NewRunner(c.Logger).Run(ctx, db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	c.DB = db
	c.RunRepo = postgres.NewRunRepository(db)
	c.initService()

	c.Logger.Info("Container initialized successfully with database connection")
	return nil
}

func (c *Container) initService() {
	c.Service = clustertest.NewService(c.RNG, c.RunRepo, c.Logger)
}

// Shutdown gracefully shuts down all components
func (c *Container) Shutdown(ctx context.Context) error {
	if c.SSEHub != nil {
		c.SSEHub.Close()
	}
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}
