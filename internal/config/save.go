package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Save persists the configuration to a YAML file.
// Creates parent directories if they don't exist.
func Save(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	v := cfg.viper()
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Encode renders cfg as the YAML that Save would write.
func Encode(cfg *Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg.viper().AllSettings())
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return out, nil
}

func (c *Config) viper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	for key, value := range c.settings() {
		v.Set(key, value)
	}
	return v
}

// settings flattens cfg into viper keys. Durations are written as Go
// duration strings so the file stays readable.
func (c *Config) settings() map[string]any {
	agents := make(map[string]any, len(c.Agents))
	for id, a := range c.Agents {
		agents[id] = map[string]any{
			"skills":   a.Skills,
			"capacity": a.Capacity,
			"backend": map[string]any{
				"type":     a.Backend.Type,
				"command":  a.Backend.Command,
				"args":     a.Backend.Args,
				"work_dir": a.Backend.WorkDir,
				"env":      a.Backend.Env,
				"delay":    a.Backend.Delay.String(),
			},
		}
	}

	return map[string]any{
		"scheduler.policy":           c.Scheduler.Policy,
		"scheduler.concurrency":      c.Scheduler.Concurrency,
		"scheduler.task_timeout":     c.Scheduler.TaskTimeout.String(),
		"scheduler.max_waves":        c.Scheduler.MaxWaves,
		"scheduler.max_idle_waves":   c.Scheduler.MaxIdleWaves,
		"scheduler.idle_backoff":     c.Scheduler.IdleBackoff.String(),
		"scheduler.idle_backoff_max": c.Scheduler.IdleBackoffMax.String(),

		"retry.enabled":          c.Retry.Enabled,
		"retry.initial_interval": c.Retry.InitialInterval.String(),
		"retry.max_interval":     c.Retry.MaxInterval.String(),
		"retry.max_elapsed_time": c.Retry.MaxElapsedTime.String(),
		"retry.multiplier":       c.Retry.Multiplier,

		"breaker.failure_threshold": c.Breaker.FailureThreshold,
		"breaker.max_requests":      c.Breaker.MaxRequests,
		"breaker.timeout":           c.Breaker.Timeout.String(),

		"health.interval":         c.Health.Interval.String(),
		"health.managed":          c.Health.Managed,
		"health.probe_timeout":    c.Health.ProbeTimeout.String(),
		"health.stale_after":      c.Health.StaleAfter.String(),
		"health.samples":          c.Health.Samples,
		"health.collect_interval": c.Health.CollectInterval.String(),

		"thresholds.cpu":    c.Thresholds.CPU,
		"thresholds.memory": c.Thresholds.Memory,

		"agents": agents,

		"logging.level":  c.Logging.Level,
		"logging.format": c.Logging.Format,
		"logging.file":   c.Logging.File,

		"store.path":   c.Store.Path,
		"metrics.addr": c.Metrics.Addr,
	}
}
