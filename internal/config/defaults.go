package config

import "github.com/spf13/viper"

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.policy", "least_loaded")
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.task_timeout", "5m")
	v.SetDefault("scheduler.max_waves", 0)
	v.SetDefault("scheduler.max_idle_waves", 10)
	v.SetDefault("scheduler.idle_backoff", "100ms")
	v.SetDefault("scheduler.idle_backoff_max", "2s")

	v.SetDefault("retry.enabled", true)
	v.SetDefault("retry.initial_interval", "100ms")
	v.SetDefault("retry.max_interval", "10s")
	v.SetDefault("retry.max_elapsed_time", "2m")
	v.SetDefault("retry.multiplier", 2.0)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.max_requests", 3)
	v.SetDefault("breaker.timeout", "30s")

	v.SetDefault("health.interval", "5s")
	v.SetDefault("health.managed", false)
	v.SetDefault("health.probe_timeout", "2s")
	v.SetDefault("health.stale_after", "0s")
	v.SetDefault("health.samples", "")
	v.SetDefault("health.collect_interval", "5s")

	v.SetDefault("thresholds.cpu", 80.0)
	v.SetDefault("thresholds.memory", 80.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")

	v.SetDefault("store.path", "")
	v.SetDefault("metrics.addr", "")
}

// defaultAgents is the pool used when no config file announces any agent.
func defaultAgents() map[string]AgentConfig {
	return map[string]AgentConfig{
		"local": {
			Capacity: "medium",
			Backend:  BackendConfig{Type: "echo"},
		},
	}
}

// DefaultConfig returns the built-in configuration: one local echo agent and
// the default scheduler, retry, breaker and health settings.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	// Defaults always decode
	cfg, _ := decode(v)
	return cfg
}
