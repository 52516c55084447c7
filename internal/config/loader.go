package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// DEVQ_DISPATCHER_STOP_TIMEOUT=10s.
const EnvPrefix = "DEVQ"

// ErrConfigNotFound is returned when an explicitly named config file does not exist.
var ErrConfigNotFound = errors.New("config file not found")

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader. An empty path searches the default
// locations and falls back to DefaultConfig.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file (JSON or YAML), applies DEVQ_ environment
// overrides on top of the defaults and validates the result.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath, err := l.resolve()
	if err != nil {
		return nil, err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if ext := strings.TrimPrefix(filepath.Ext(configPath), "."); ext == "yml" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if v.IsSet("devices") {
		cfg.Devices = nil
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// resolve returns the config file to read, or "" when none exists.
func (l *Loader) resolve() (string, error) {
	if l.configPath != "" {
		if _, err := os.Stat(l.configPath); err != nil {
			if os.IsNotExist(err) {
				return "", fmt.Errorf("%w: %s", ErrConfigNotFound, l.configPath)
			}
			return "", fmt.Errorf("failed to stat config file: %w", err)
		}
		return l.configPath, nil
	}

	for _, candidate := range searchPaths() {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

// GetConfigPath returns the config file that Load would read, or "" when
// defaults are used.
func (l *Loader) GetConfigPath() string {
	path, err := l.resolve()
	if err != nil {
		return l.configPath
	}
	return path
}

func searchPaths() []string {
	paths := []string{"devq.yaml", "devq.yml", "devq.json"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".devq", "devq.yaml"),
			filepath.Join(home, ".devq", "devq.json"),
		)
	}
	return paths
}

// setDefaults registers every scalar key so that AutomaticEnv can override
// keys that are absent from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("dispatcher.dedup_ttl", cfg.Dispatcher.DedupTTL)
	v.SetDefault("dispatcher.slow_command_threshold", cfg.Dispatcher.SlowCommandThreshold)
	v.SetDefault("dispatcher.stop_timeout", cfg.Dispatcher.StopTimeout)
	v.SetDefault("dispatcher.dead_letter_capacity", cfg.Dispatcher.DeadLetterCapacity)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.exporter", cfg.Tracing.Exporter)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)

	v.SetDefault("audit.file", cfg.Audit.File)

	v.SetDefault("inbox.dir", cfg.Inbox.Dir)
	v.SetDefault("inbox.stability_threshold", cfg.Inbox.StabilityThreshold)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
