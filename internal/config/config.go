package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"neurostat/adapters/battery"
	"neurostat/domain/cluster"
	"neurostat/domain/core"
	"neurostat/internal/errors"
)

// Config represents the complete application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Log      LogConfig
	Engine   EngineConfig
}

// DatabaseConfig holds database connection settings. An empty URL selects
// the in-memory run store.
type DatabaseConfig struct {
	URL     string
	SSLMode string
}

// ServerConfig holds web server settings
type ServerConfig struct {
	Port string
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string
}

// EngineConfig holds the default cluster test parameters. Requests may
// override every field.
type EngineConfig struct {
	Statistic    string
	Permutations int
	Workers      int
	Seed         int64
	Tail         int
	Policy       string
	MaxStep      int
	TPower       float64
	PThreshold   float64
	StepDownP    float64
	ReportAlpha  float64

	// Upper bounds on what a request may ask for; 0 disables the bound
	MaxPermutations int
	MaxWorkers      int
}

// Load reads configuration from environment variables and validates it
func Load() (*Config, error) {
	config := &Config{
		Database: loadDatabaseConfig(),
		Server:   loadServerConfig(),
		Log:      LogConfig{Level: getEnvOrDefault("LOG_LEVEL", "INFO")},
		Engine:   loadEngineConfig(),
	}

	if err := validateConfig(config); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return config, nil
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:     os.Getenv("DATABASE_URL"),
		SSLMode: getEnvOrDefault("SSL_MODE", "disable"),
	}
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Port: getEnvOrDefault("PORT", "8080"),
	}
}

func loadEngineConfig() EngineConfig {
	return EngineConfig{
		Statistic:    getEnvOrDefault("NEUROSTAT_STATISTIC", "f_oneway"),
		Permutations: getEnvIntOrDefault("NEUROSTAT_PERMUTATIONS", 1000),
		Workers:      getEnvIntOrDefault("NEUROSTAT_WORKERS", runtime.NumCPU()),
		Seed:         getEnvInt64OrDefault("NEUROSTAT_SEED", 42),
		Tail:         getEnvIntOrDefault("NEUROSTAT_TAIL", 1),
		Policy:       getEnvOrDefault("NEUROSTAT_TWO_TAILED_POLICY", string(cluster.PolicyAbsMax)),
		MaxStep:      getEnvIntOrDefault("NEUROSTAT_MAX_STEP", 1),
		TPower:       getEnvFloatOrDefault("NEUROSTAT_T_POWER", 1),
		PThreshold:   getEnvFloatOrDefault("NEUROSTAT_P_THRESHOLD", 0.05),
		StepDownP:    getEnvFloatOrDefault("NEUROSTAT_STEP_DOWN_P", 0),
		ReportAlpha:  getEnvFloatOrDefault("NEUROSTAT_REPORT_ALPHA", 0.05),

		MaxPermutations: getEnvIntOrDefault("NEUROSTAT_MAX_PERMUTATIONS", 100000),
		MaxWorkers:      getEnvIntOrDefault("NEUROSTAT_MAX_WORKERS", 4*runtime.NumCPU()),
	}
}

func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return errors.ConfigInvalid("PORT must not be empty")
	}
	if config.Engine.ReportAlpha <= 0 || config.Engine.ReportAlpha > 1 {
		return errors.ConfigInvalid("NEUROSTAT_REPORT_ALPHA must lie in (0, 1]")
	}
	if config.Engine.MaxPermutations < 0 || config.Engine.MaxWorkers < 0 {
		return errors.ConfigInvalid("NEUROSTAT_MAX_PERMUTATIONS and NEUROSTAT_MAX_WORKERS must be >= 0")
	}
	engine := config.Engine.Battery()
	if err := engine.Validate(); err != nil {
		return errors.WithCode(errors.CodeConfigInvalid, err)
	}
	if err := config.Engine.CheckLimits(engine); err != nil {
		return errors.WithCode(errors.CodeConfigInvalid, err)
	}
	return nil
}

// CheckLimits rejects an engine configuration that asks for more
// permutations or workers than the configured maximums
func (e EngineConfig) CheckLimits(cfg battery.Config) error {
	if e.MaxPermutations > 0 && cfg.NPermutations > e.MaxPermutations {
		return fmt.Errorf("%w: n_permutations %d exceeds the limit of %d", core.ErrConfig, cfg.NPermutations, e.MaxPermutations)
	}
	if e.MaxWorkers > 0 && cfg.NWorkers > e.MaxWorkers {
		return fmt.Errorf("%w: n_workers %d exceeds the limit of %d", core.ErrConfig, cfg.NWorkers, e.MaxWorkers)
	}
	return nil
}

// Battery converts the engine defaults into an engine configuration
func (e EngineConfig) Battery() battery.Config {
	cfg := battery.DefaultConfig()
	cfg.NPermutations = e.Permutations
	cfg.NWorkers = e.Workers
	cfg.Seed = e.Seed
	cfg.Tail = cluster.Tail(e.Tail)
	cfg.Policy = cluster.TwoTailedPolicy(e.Policy)
	cfg.MaxStep = e.MaxStep
	cfg.TPower = e.TPower
	cfg.PThreshold = e.PThreshold
	cfg.StepDownP = e.StepDownP
	return cfg
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
