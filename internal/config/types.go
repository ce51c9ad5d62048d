package config

import "time"

// BackendConfig selects the transport that carries tasks to an agent.
type BackendConfig struct {
	Type    string        `mapstructure:"type"`     // "command" or "echo" (default)
	Command string        `mapstructure:"command"`  // Binary to run for "command"
	Args    []string      `mapstructure:"args"`     // Arguments appended to every invocation
	WorkDir string        `mapstructure:"work_dir"` // Working directory for the command
	Env     []string      `mapstructure:"env"`      // Extra KEY=VALUE pairs
	Delay   time.Duration `mapstructure:"delay"`    // Simulated latency for "echo"
}

// AgentConfig announces one agent of the pool.
type AgentConfig struct {
	Skills   []string      `mapstructure:"skills"`
	Capacity string        `mapstructure:"capacity"` // low, medium or high
	Backend  BackendConfig `mapstructure:"backend"`
}

// SchedulerConfig controls wave execution and agent assignment.
type SchedulerConfig struct {
	Policy         string        `mapstructure:"policy"`      // least_loaded or scored
	Concurrency    int           `mapstructure:"concurrency"` // Max concurrent tasks per wave
	TaskTimeout    time.Duration `mapstructure:"task_timeout"`
	MaxWaves       int           `mapstructure:"max_waves"` // 0 disables the total bound
	MaxIdleWaves   int           `mapstructure:"max_idle_waves"`
	IdleBackoff    time.Duration `mapstructure:"idle_backoff"`
	IdleBackoffMax time.Duration `mapstructure:"idle_backoff_max"`
}

// RetryConfig controls backoff retry around backend calls.
type RetryConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

// BreakerConfig controls the per-agent circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// HealthConfig controls the probe loop and the metrics feed.
type HealthConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	Managed         bool          `mapstructure:"managed"` // Use the slower managed-server interval
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	StaleAfter      time.Duration `mapstructure:"stale_after"` // 0 disables the staleness probe
	Samples         string        `mapstructure:"samples"`     // YAML samples file, empty disables the collector
	CollectInterval time.Duration `mapstructure:"collect_interval"`
}

// ThresholdsConfig sets the resource percentages above which an agent is stressed.
type ThresholdsConfig struct {
	CPU    float64 `mapstructure:"cpu"`
	Memory float64 `mapstructure:"memory"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
	File   string `mapstructure:"file"`   // Empty logs to stderr
}

// StoreConfig configures run history.
type StoreConfig struct {
	Path string `mapstructure:"path"` // SQLite file, empty disables history
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // e.g. ":9090", empty disables
}

// Config is the top-level configuration.
type Config struct {
	Scheduler  SchedulerConfig        `mapstructure:"scheduler"`
	Retry      RetryConfig            `mapstructure:"retry"`
	Breaker    BreakerConfig          `mapstructure:"breaker"`
	Health     HealthConfig           `mapstructure:"health"`
	Thresholds ThresholdsConfig       `mapstructure:"thresholds"`
	Agents     map[string]AgentConfig `mapstructure:"agents"` // Keyed by agent ID
	Logging    LoggingConfig          `mapstructure:"logging"`
	Store      StoreConfig            `mapstructure:"store"`
	Metrics    MetricsConfig          `mapstructure:"metrics"`
}
