// Package config loads process configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the execd service.
type Config struct {
	// Server settings
	Port        int
	CORSOrigins []string

	// Database
	DatabaseDSN    string
	DatabaseDriver string // "postgres" or "sqlite", auto-detected from DSN

	// Environment catalog
	EnvironmentsFile string

	// Docker-specific settings
	DockerHost     string
	ImagePrefix    string
	WorkspaceDir   string
	ExecutorUser   string
	NetworkEnabled bool
	ReadOnlyRootfs bool

	// Resource limits applied to every sandbox
	MemoryLimitMB int
	CPULimit      float64 // fraction of one core, e.g. 0.5
	PidsLimit     int64
	TmpfsSizeMB   int

	// Execution behavior
	ExecutionTimeout time.Duration // hard timeout wrapped around the run command
	SessionTTL       time.Duration // sliding TTL for session records

	// Task Runtime settings
	DispatcherConcurrency int           // number of independent worker goroutines
	ReapInterval          time.Duration // periodic reap cadence (default 300s)

	// Job retry policy
	JobMaxAttempts  int
	JobRetryBackoff time.Duration
}

// Load reads configuration from environment variables, applying the same
// defaults the reference service documents in its process-configuration table.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Port = getEnvInt("API_BIND_PORT", 8080)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", []string{"*"})

	cfg.DatabaseDSN = getEnv("DATABASE_DSN", "sqlite://./execd.db")
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	cfg.EnvironmentsFile = getEnv("ENVIRONMENTS_FILE", "environments.yaml")

	cfg.DockerHost = getEnv("DOCKER_HOST", "")
	cfg.ImagePrefix = getEnv("IMAGE_PREFIX", "code-executor")
	cfg.WorkspaceDir = getEnv("WORKSPACE_DIR", "/workspace")
	cfg.ExecutorUser = getEnv("EXECUTOR_USER", "sandbox")
	cfg.NetworkEnabled = getEnvBool("NETWORK_ENABLED", false)
	cfg.ReadOnlyRootfs = getEnvBool("READONLY_ROOTFS", false)

	cfg.MemoryLimitMB = getEnvInt("MEMORY_LIMIT_MB", 256)
	cfg.CPULimit = getEnvFloat("CPU_LIMIT", 0.5)
	cfg.PidsLimit = int64(getEnvInt("PIDS_LIMIT", 64))
	cfg.TmpfsSizeMB = getEnvInt("TMPFS_SIZE_MB", 64)

	cfg.ExecutionTimeout = getEnvDuration("EXECUTION_TIMEOUT", 30*time.Second)
	cfg.SessionTTL = getEnvDuration("SESSION_TTL", 30*time.Minute)

	cfg.DispatcherConcurrency = getEnvInt("DISPATCHER_CONCURRENCY", 4)
	cfg.ReapInterval = getEnvDuration("REAP_INTERVAL", 300*time.Second)

	cfg.JobMaxAttempts = getEnvInt("JOB_MAX_ATTEMPTS", 3)
	cfg.JobRetryBackoff = getEnvDuration("JOB_RETRY_BACKOFF", 5*time.Second)

	return cfg, nil
}

// detectDriver determines the database driver from the DSN scheme.
func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(dsn, "sqlite://") || strings.HasPrefix(dsn, "sqlite3://") {
		return "sqlite"
	}
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") {
		return "sqlite"
	}
	return "postgres"
}

// CleanDSN strips the driver prefix this package adds for readability, since
// the underlying drivers expect their own native DSN shape.
func (c *Config) CleanDSN() string {
	dsn := c.DatabaseDSN
	dsn = strings.TrimPrefix(dsn, "postgres://")
	dsn = strings.TrimPrefix(dsn, "postgresql://")
	dsn = strings.TrimPrefix(dsn, "sqlite3://")
	dsn = strings.TrimPrefix(dsn, "sqlite://")

	if c.DatabaseDriver == "postgres" {
		return "postgres://" + dsn
	}
	return dsn
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// Validate performs basic sanity checks on the loaded configuration.
func (c *Config) Validate() error {
	if c.DispatcherConcurrency < 1 {
		return fmt.Errorf("DISPATCHER_CONCURRENCY must be >= 1")
	}
	if c.MemoryLimitMB < 1 {
		return fmt.Errorf("MEMORY_LIMIT_MB must be >= 1")
	}
	return nil
}
