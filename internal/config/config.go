package config

import (
	"encoding/json"
	"time"
)

// Config represents the main devq configuration
type Config struct {
	// Dispatcher tuning
	Dispatcher DispatcherConfig `json:"dispatcher" mapstructure:"dispatcher"`

	// Devices available to scripts
	Devices []DeviceConfig `json:"devices" mapstructure:"devices" validate:"unique=Name,dive"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Audit log
	Audit AuditConfig `json:"audit" mapstructure:"audit"`

	// Inbox watched by "devq serve"
	Inbox InboxConfig `json:"inbox" mapstructure:"inbox"`

	// Shell hooks run on dispatcher events
	Hooks []HookConfig `json:"hooks" mapstructure:"hooks" validate:"dive"`
}

// DispatcherConfig holds command dispatcher settings
type DispatcherConfig struct {
	DedupTTL             time.Duration `json:"dedup_ttl" mapstructure:"dedup_ttl"`
	SlowCommandThreshold time.Duration `json:"slow_command_threshold" mapstructure:"slow_command_threshold"`
	StopTimeout          time.Duration `json:"stop_timeout" mapstructure:"stop_timeout" validate:"gt=0"`
	DeadLetterCapacity   int           `json:"dead_letter_capacity" mapstructure:"dead_letter_capacity" validate:"gte=1,lte=100000"`
}

// DeviceConfig describes one simulated device
type DeviceConfig struct {
	Name            string        `json:"name" mapstructure:"name" validate:"required,devicename"`
	Type            string        `json:"type" mapstructure:"type" validate:"required,oneof=display lab"`
	MeasureLatency  time.Duration `json:"measure_latency" mapstructure:"measure_latency" validate:"gte=0"`
	FaultyProtocols []int         `json:"faulty_protocols" mapstructure:"faulty_protocols" validate:"dive,gte=0"`
	PowerInterlock  bool          `json:"power_interlock" mapstructure:"power_interlock"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	File   string `json:"file" mapstructure:"file"`
	Pretty bool   `json:"pretty" mapstructure:"pretty"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr" validate:"required_if=Enabled true,omitempty,hostname_port"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	Exporter    string `json:"exporter" mapstructure:"exporter" validate:"oneof=none stdout"`
	ServiceName string `json:"service_name" mapstructure:"service_name" validate:"required_if=Enabled true"`
}

// AuditConfig holds audit log configuration
type AuditConfig struct {
	File string `json:"file" mapstructure:"file"`
}

// InboxConfig holds the script inbox configuration
type InboxConfig struct {
	Dir                string        `json:"dir" mapstructure:"dir"`
	StabilityThreshold time.Duration `json:"stability_threshold" mapstructure:"stability_threshold" validate:"gte=0"`
}

// HookConfig runs Script whenever the dispatcher emits Event
type HookConfig struct {
	ID      string        `json:"id" mapstructure:"id"`
	Event   string        `json:"event" mapstructure:"event" validate:"required,oneof=submitted started completed failed cancelled"`
	Script  string        `json:"script" mapstructure:"script" validate:"required"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout" validate:"gte=0"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Dispatcher: DispatcherConfig{
			DedupTTL:             5 * time.Minute,
			SlowCommandThreshold: 5 * time.Second,
			StopTimeout:          30 * time.Second,
			DeadLetterCapacity:   100,
		},
		Devices: []DeviceConfig{
			{Name: "display", Type: "display"},
			{Name: "analyzer", Type: "lab", MeasureLatency: 50 * time.Millisecond},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "devq",
		},
		Inbox: InboxConfig{
			Dir:                "",
			StabilityThreshold: 200 * time.Millisecond,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return NewValidator().Struct(c)
}

// Device returns the device configuration with the given name.
func (c *Config) Device(name string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceConfig{}, false
}
