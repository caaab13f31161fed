// Package config provides configuration management functionality.
//
// Configuration is loaded from environment variables (.env file supported
// via godotenv) with sensible defaults. Provider and broker credentials live
// in a user-owned key/value file under the data directory (see
// credentials.go) so they can be updated through the control plane without
// restarting the daemon.
//
// Data directory priority (highest to lowest):
// 1. --data-dir CLI flag (if provided)
// 2. SQ_DATA_DIR environment variable
// 3. ~/.stratequeue (default)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds daemon configuration.
type Config struct {
	DataDir           string        // Base directory for journal, snapshots, uploaded strategies
	Port              int           // HTTP control-plane port (default: 8400)
	LogLevel          string        // Log level (debug, info, warn, error)
	DevMode           bool          // Development mode flag (pretty logging, no compression)
	EvaluatorTimeout  time.Duration // Per-call evaluator budget (default: 5s)
	BrokerRPCTimeout  time.Duration // Per-call broker budget (default: 10s)
	WarmupTimeout     time.Duration // History warmup budget (default: 60s)
	SettleDelay       time.Duration // Delay after a bar boundary before evaluating (default: 2s)
	MaxStrategyErrors int           // Consecutive evaluator errors before ERRORED (default: 5)
	PollInterval      time.Duration // Order status poll cadence for working orders (default: 1s)
}

// Load reads configuration from environment variables.
//
// Loads .env first if present, then reads SQ_* variables with defaults,
// resolves the data directory to an absolute path and creates it.
func Load(dataDirOverride ...string) (*Config, error) {
	// godotenv returns an error when .env does not exist, which is fine
	_ = godotenv.Load()

	var dataDir string
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("SQ_DATA_DIR", "")
		if dataDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to resolve home directory: %w", err)
			}
			dataDir = filepath.Join(home, ".stratequeue")
		}
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:           absDataDir,
		Port:              getEnvAsInt("SQ_PORT", 8400),
		LogLevel:          getEnv("SQ_LOG_LEVEL", "info"),
		DevMode:           getEnvAsBool("SQ_DEV_MODE", false),
		EvaluatorTimeout:  getEnvAsDuration("SQ_EVALUATOR_TIMEOUT", 5*time.Second),
		BrokerRPCTimeout:  getEnvAsDuration("SQ_BROKER_RPC_TIMEOUT", 10*time.Second),
		WarmupTimeout:     getEnvAsDuration("SQ_WARMUP_TIMEOUT", 60*time.Second),
		SettleDelay:       getEnvAsDuration("SQ_SETTLE_DELAY", 2*time.Second),
		MaxStrategyErrors: getEnvAsInt("SQ_MAX_STRATEGY_ERRORS", 5),
		PollInterval:      getEnvAsDuration("SQ_POLL_INTERVAL", time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration bounds.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.EvaluatorTimeout <= 0 {
		return fmt.Errorf("evaluator timeout must be positive")
	}
	if c.MaxStrategyErrors <= 0 {
		return fmt.Errorf("max strategy errors must be positive")
	}
	return nil
}

// StrategiesDir returns the directory uploaded strategy files are saved to.
func (c *Config) StrategiesDir() string {
	return filepath.Join(c.DataDir, "strategies")
}

// SnapshotsDir returns the directory final strategy snapshots are written to.
func (c *Config) SnapshotsDir() string {
	return filepath.Join(c.DataDir, "snapshots")
}

// JournalPath returns the fill-journal database path.
func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDir, "journal.db")
}

// ==========================================
// Helper Functions
// ==========================================

// getEnv retrieves an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer with a default.
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean with a default.
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsDuration retrieves an environment variable as a duration with a
// default. Accepts time.ParseDuration syntax ("5s", "1m30s").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
