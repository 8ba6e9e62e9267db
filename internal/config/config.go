package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/artemis/taskmesh/internal/observability"
)

// Role constants identify which binary role cmd/taskmesh is running as.
const (
	RoleCoordinator = "coordinator"
	RoleWorker      = "worker"
)

// Config holds the environment-first configuration for both the coordinator
// and worker roles. Every field below corresponds directly to one of the
// recognized environment variables; there is deliberately no config-file
// layer (unlike the teacher's JSON-file-based Config) because the control
// plane here is meant to be driven entirely by process environment, per the
// external-interface contract.
type Config struct {
	Role string

	// Coordinator-side settings.
	CoordinatorPort         int
	HeartbeatInterval       time.Duration
	HeartbeatTimeout        time.Duration
	CheckInterval           time.Duration
	CheckpointIntervalSteps int
	AutoMigrationCPUThreshold float64
	AutoMigrationDuration    time.Duration

	// Worker-side settings.
	WorkerID       string
	WorkerName     string
	CoordinatorURL string

	LogLevel string
}

// Defaults matches spec §6 exactly.
func Defaults() *Config {
	return &Config{
		CoordinatorPort:           3001,
		HeartbeatInterval:         1000 * time.Millisecond,
		HeartbeatTimeout:          4000 * time.Millisecond,
		CheckInterval:             2000 * time.Millisecond,
		CheckpointIntervalSteps:   10,
		AutoMigrationCPUThreshold: 90,
		AutoMigrationDuration:     5000 * time.Millisecond,
		WorkerID:                  "",
		WorkerName:                "",
		CoordinatorURL:            "ws://localhost:3001",
		LogLevel:                  "info",
	}
}

// envKeys lists every viper key that is bound directly to an identically
// named (uppercased) environment variable. Keep this in lock-step with the
// Config fields above and with spec §6's closed option list.
var envKeys = []string{
	"coordinator_port",
	"heartbeat_interval",
	"heartbeat_timeout",
	"check_interval",
	"checkpoint_interval_steps",
	"auto_migration_cpu_threshold",
	"auto_migration_duration_ms",
	"worker_id",
	"worker_name",
	"coordinator_url",
	"log_level",
}

// Load builds configuration from the process environment, falling back to
// spec-mandated defaults for anything unset. Grounded on the teacher's
// role-aware Config shape, generalized from JSON-file loading to viper's
// env-first binding (the rest of the retrieval pack's daemon configs bind
// every option through viper.New() the same way).
func Load(role string) (*Config, error) {
	v := viper.New()
	d := Defaults()

	v.SetDefault("coordinator_port", d.CoordinatorPort)
	v.SetDefault("heartbeat_interval", int(d.HeartbeatInterval/time.Millisecond))
	v.SetDefault("heartbeat_timeout", int(d.HeartbeatTimeout/time.Millisecond))
	v.SetDefault("check_interval", int(d.CheckInterval/time.Millisecond))
	v.SetDefault("checkpoint_interval_steps", d.CheckpointIntervalSteps)
	v.SetDefault("auto_migration_cpu_threshold", d.AutoMigrationCPUThreshold)
	v.SetDefault("auto_migration_duration_ms", int(d.AutoMigrationDuration/time.Millisecond))
	v.SetDefault("worker_id", d.WorkerID)
	v.SetDefault("worker_name", d.WorkerName)
	v.SetDefault("coordinator_url", d.CoordinatorURL)
	v.SetDefault("log_level", d.LogLevel)

	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	cfg := &Config{
		Role:                      role,
		CoordinatorPort:           v.GetInt("coordinator_port"),
		HeartbeatInterval:         time.Duration(v.GetInt("heartbeat_interval")) * time.Millisecond,
		HeartbeatTimeout:          time.Duration(v.GetInt("heartbeat_timeout")) * time.Millisecond,
		CheckInterval:             time.Duration(v.GetInt("check_interval")) * time.Millisecond,
		CheckpointIntervalSteps:   v.GetInt("checkpoint_interval_steps"),
		AutoMigrationCPUThreshold: v.GetFloat64("auto_migration_cpu_threshold"),
		AutoMigrationDuration:     time.Duration(v.GetInt("auto_migration_duration_ms")) * time.Millisecond,
		WorkerID:                  v.GetString("worker_id"),
		WorkerName:                v.GetString("worker_name"),
		CoordinatorURL:            v.GetString("coordinator_url"),
		LogLevel:                  v.GetString("log_level"),
	}

	return cfg, nil
}

// IsCoordinator returns true if this process is running the coordinator role.
func (c *Config) IsCoordinator() bool {
	return c.Role == RoleCoordinator
}

// IsWorker returns true if this process is running the worker role.
func (c *Config) IsWorker() bool {
	return c.Role == RoleWorker
}

// Redact returns a copy of the config safe for structured logging: the
// worker ID is not secret but is kept here for symmetry with the teacher's
// Redact() convention of returning a flat loggable map rather than the
// struct itself.
func (c *Config) Redact() map[string]interface{} {
	return map[string]interface{}{
		"role":                          c.Role,
		"coordinator_port":              c.CoordinatorPort,
		"heartbeat_interval":            c.HeartbeatInterval,
		"heartbeat_timeout":             c.HeartbeatTimeout,
		"check_interval":                c.CheckInterval,
		"checkpoint_interval_steps":     c.CheckpointIntervalSteps,
		"auto_migration_cpu_threshold":  c.AutoMigrationCPUThreshold,
		"auto_migration_duration":       c.AutoMigrationDuration,
		"worker_id":                     c.WorkerID,
		"worker_name":                   c.WorkerName,
		"coordinator_url":               observability.RedactString(c.CoordinatorURL),
		"log_level":                     c.LogLevel,
	}
}
