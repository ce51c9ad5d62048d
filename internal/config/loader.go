// Package config loads the swarm configuration: built-in defaults, then the
// global file, then the project file, then SWARM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SWARM_SCHEDULER_POLICY.
const EnvPrefix = "SWARM"

// ErrInvalid marks a configuration that decoded but cannot be used.
var ErrInvalid = errors.New("invalid config")

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): environment, project config, global config, defaults.
// Missing files are not errors; malformed files return an error.
func Load(globalPath, projectPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if globalPath != "" {
		if err := mergeConfigFile(v, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	// Project config has the highest file precedence
	if projectPath != "" {
		if err := mergeConfigFile(v, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.swarm/config.yaml
// Project: .swarm/config.yaml (relative to cwd)
func LoadDefault() (*Config, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, ProjectPath())
}

// GlobalPath returns the per-user config file path.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".swarm", "config.yaml"), nil
}

// ProjectPath returns the project config file path relative to the working directory.
func ProjectPath() string {
	return filepath.Join(".swarm", "config.yaml")
}

// mergeConfigFile reads a config file and merges it into v.
// Missing files are silently skipped.
func mergeConfigFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	fv := viper.New()
	fv.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		fv.SetConfigType("yaml")
	}
	if err := fv.ReadInConfig(); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := v.MergeConfigMap(fv.AllSettings()); err != nil {
		return fmt.Errorf("merging %s: %w", path, err)
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if len(cfg.Agents) == 0 {
		cfg.Agents = defaultAgents()
	}
	return cfg, nil
}

// Validate reports every setting that cannot be used, joined.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}

	switch c.Scheduler.Policy {
	case "least_loaded", "scored":
	default:
		invalid("scheduler.policy %q (want least_loaded or scored)", c.Scheduler.Policy)
	}
	if c.Scheduler.Concurrency < 1 {
		invalid("scheduler.concurrency must be at least 1")
	}
	if c.Scheduler.MaxIdleWaves < 1 {
		invalid("scheduler.max_idle_waves must be at least 1")
	}
	if c.Scheduler.MaxWaves < 0 {
		invalid("scheduler.max_waves must not be negative")
	}
	for name, pct := range map[string]float64{"thresholds.cpu": c.Thresholds.CPU, "thresholds.memory": c.Thresholds.Memory} {
		if pct <= 0 || pct > 100 {
			invalid("%s %.1f outside (0, 100]", name, pct)
		}
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		invalid("logging.format %q (want text or json)", c.Logging.Format)
	}

	for id, a := range c.Agents {
		switch a.Capacity {
		case "", "low", "medium", "high":
		default:
			invalid("agents.%s.capacity %q", id, a.Capacity)
		}
		switch a.Backend.Type {
		case "", "echo":
		case "command":
			if a.Backend.Command == "" {
				invalid("agents.%s.backend.command is required for command backends", id)
			}
		default:
			invalid("agents.%s.backend.type %q", id, a.Backend.Type)
		}
	}

	return errors.Join(errs...)
}
