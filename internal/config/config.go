// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"icc.tech/flowsync/pkg/timesync"
)

// GlobalConfig represents the top-level static configuration.
// Maps to the `flowsync:` root key in YAML.
type GlobalConfig struct {
	Sync   SyncConfig   `mapstructure:"sync" yaml:"sync"`
	Source SourceConfig `mapstructure:"source" yaml:"source"`
	Sinks  []SinkConfig `mapstructure:"sinks" yaml:"sinks"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
	API    APIConfig    `mapstructure:"api" yaml:"api"`
}

// ─── Synchronization ───

// SyncConfig contains the time-window matcher settings.
type SyncConfig struct {
	// Window is the maximum timestamp spread within a group, e.g. "50ms".
	// Empty or "0" means an infinite window.
	Window string `mapstructure:"window" yaml:"window"`

	// StartTime rejects messages with timestamps at or below it.
	StartTime string `mapstructure:"start_time" yaml:"start_time,omitempty"`

	// BufferSize is the per-stream buffer capacity (minimum 2).
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`

	// DropPolicy is "reject_new" or "drop_oldest".
	DropPolicy string `mapstructure:"drop_policy" yaml:"drop_policy"`

	Staleness StalenessConfig `mapstructure:"staleness" yaml:"staleness"`
}

// StalenessConfig enables pro-active wall-clock expiration.
type StalenessConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Preset is one of "default", "high_frequency", "low_frequency",
	// "batch".
	Preset string `mapstructure:"preset" yaml:"preset"`
}

// ─── Sources ───

// SourceConfig selects and configures the input source.
type SourceConfig struct {
	// Type is "synthetic" or "pcap".
	Type string `mapstructure:"type" yaml:"type"`

	Synthetic SyntheticSourceConfig `mapstructure:"synthetic" yaml:"synthetic,omitempty"`
	Pcap      PcapSourceConfig      `mapstructure:"pcap" yaml:"pcap,omitempty"`
}

// SyntheticSourceConfig configures generated test streams.
type SyntheticSourceConfig struct {
	Streams []SyntheticStreamConfig `mapstructure:"streams" yaml:"streams"`
}

// SyntheticStreamConfig describes one generated stream.
type SyntheticStreamConfig struct {
	Name string `mapstructure:"name" yaml:"name"`

	// Period between messages, e.g. "33ms".
	Period string `mapstructure:"period" yaml:"period"`

	// Jitter is the maximum random offset added to each period.
	Jitter string `mapstructure:"jitter" yaml:"jitter,omitempty"`

	// Count limits the number of messages; 0 runs until shutdown.
	Count int `mapstructure:"count" yaml:"count,omitempty"`

	// MessageTimeout is the per-message dwell budget; empty disables it.
	MessageTimeout string `mapstructure:"message_timeout" yaml:"message_timeout,omitempty"`
}

// PcapSourceConfig replays a capture file, mapping ports to streams.
type PcapSourceConfig struct {
	Path    string             `mapstructure:"path" yaml:"path"`
	Streams []PcapStreamConfig `mapstructure:"streams" yaml:"streams"`
}

// PcapStreamConfig binds a UDP/TCP destination port to a stream name.
type PcapStreamConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	Port uint16 `mapstructure:"port" yaml:"port"`
}

// ─── Sinks ───

// SinkConfig selects one output sink. Options are decoded per sink type.
type SinkConfig struct {
	Type    string         `mapstructure:"type" yaml:"type"`
	Options map[string]any `mapstructure:"options" yaml:"options,omitempty"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs,omitempty"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file,omitempty"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path,omitempty"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation,omitempty"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── API ───

// APIConfig contains the status/metrics HTTP server settings.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure
// `flowsync: ...`.
type configRoot struct {
	Flowsync GlobalConfig `mapstructure:"flowsync"`
}

// Load loads configuration from file. The YAML file uses `flowsync:` as the
// root key; env vars use the FLOWSYNC_ prefix (e.g. FLOWSYNC_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// The `flowsync.` key prefix naturally maps to FLOWSYNC_ env vars via
	// the key replacer (key "flowsync.log.level" → env "FLOWSYNC_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Flowsync

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration. All keys use the
// "flowsync." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Sync defaults
	v.SetDefault("flowsync.sync.window", "50ms")
	v.SetDefault("flowsync.sync.buffer_size", 16)
	v.SetDefault("flowsync.sync.drop_policy", "drop_oldest")
	v.SetDefault("flowsync.sync.staleness.enabled", false)
	v.SetDefault("flowsync.sync.staleness.preset", "default")

	// Source defaults
	v.SetDefault("flowsync.source.type", "synthetic")

	// Log defaults
	v.SetDefault("flowsync.log.level", "info")
	v.SetDefault("flowsync.log.format", "json")
	v.SetDefault("flowsync.log.outputs.file.enabled", false)
	v.SetDefault("flowsync.log.outputs.file.path", "/var/log/flowsync/flowsync.log")
	v.SetDefault("flowsync.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("flowsync.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("flowsync.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("flowsync.log.outputs.file.rotation.compress", true)

	// API defaults
	v.SetDefault("flowsync.api.enabled", true)
	v.SetDefault("flowsync.api.listen", ":9603")
}

// ValidateAndApplyDefaults validates configuration and applies runtime
// defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	// ── Sync validation ──
	if cfg.Sync.BufferSize < 2 {
		return fmt.Errorf("sync.buffer_size must be at least 2, got %d", cfg.Sync.BufferSize)
	}
	if cfg.Sync.Window != "" {
		d, err := time.ParseDuration(cfg.Sync.Window)
		if err != nil {
			return fmt.Errorf("invalid sync.window: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("sync.window must not be negative, got %s", cfg.Sync.Window)
		}
	}
	if cfg.Sync.StartTime != "" {
		if _, err := time.ParseDuration(cfg.Sync.StartTime); err != nil {
			return fmt.Errorf("invalid sync.start_time: %w", err)
		}
	}
	switch cfg.Sync.DropPolicy {
	case "reject_new", "drop_oldest":
	default:
		return fmt.Errorf("invalid sync.drop_policy: %s (must be reject_new/drop_oldest)", cfg.Sync.DropPolicy)
	}
	if cfg.Sync.Staleness.Enabled {
		switch cfg.Sync.Staleness.Preset {
		case "default", "high_frequency", "low_frequency", "batch":
		default:
			return fmt.Errorf("invalid sync.staleness.preset: %s", cfg.Sync.Staleness.Preset)
		}
	}

	// ── Source validation ──
	switch cfg.Source.Type {
	case "synthetic":
		if len(cfg.Source.Synthetic.Streams) == 0 {
			return fmt.Errorf("source.synthetic.streams must not be empty")
		}
		for i, s := range cfg.Source.Synthetic.Streams {
			if s.Name == "" {
				return fmt.Errorf("source.synthetic.streams[%d].name must not be empty", i)
			}
			if s.Period == "" {
				return fmt.Errorf("source.synthetic.streams[%d].period is required", i)
			}
			if _, err := time.ParseDuration(s.Period); err != nil {
				return fmt.Errorf("source.synthetic.streams[%d].period: %w", i, err)
			}
			if s.Jitter != "" {
				if _, err := time.ParseDuration(s.Jitter); err != nil {
					return fmt.Errorf("source.synthetic.streams[%d].jitter: %w", i, err)
				}
			}
			if s.MessageTimeout != "" {
				if _, err := time.ParseDuration(s.MessageTimeout); err != nil {
					return fmt.Errorf("source.synthetic.streams[%d].message_timeout: %w", i, err)
				}
			}
		}
	case "pcap":
		if cfg.Source.Pcap.Path == "" {
			return fmt.Errorf("source.pcap.path is required")
		}
		if len(cfg.Source.Pcap.Streams) == 0 {
			return fmt.Errorf("source.pcap.streams must not be empty")
		}
		for i, s := range cfg.Source.Pcap.Streams {
			if s.Name == "" {
				return fmt.Errorf("source.pcap.streams[%d].name must not be empty", i)
			}
			if s.Port == 0 {
				return fmt.Errorf("source.pcap.streams[%d].port is required", i)
			}
		}
	default:
		return fmt.Errorf("unsupported source.type: %s (must be synthetic/pcap)", cfg.Source.Type)
	}

	// ── Duplicate stream names ──
	seen := map[string]bool{}
	for _, name := range cfg.StreamNames() {
		if seen[name] {
			return fmt.Errorf("duplicate stream name: %s", name)
		}
		seen[name] = true
	}

	// ── Sink validation ──
	if len(cfg.Sinks) == 0 {
		cfg.Sinks = []SinkConfig{{Type: "console"}}
	}
	for i, s := range cfg.Sinks {
		switch s.Type {
		case "console", "jsonl":
		default:
			return fmt.Errorf("unsupported sinks[%d].type: %s (must be console/jsonl)", i, s.Type)
		}
	}

	return nil
}

// StreamNames returns the configured stream names in declaration order.
func (cfg *GlobalConfig) StreamNames() []string {
	var names []string
	switch cfg.Source.Type {
	case "synthetic":
		for _, s := range cfg.Source.Synthetic.Streams {
			names = append(names, s.Name)
		}
	case "pcap":
		for _, s := range cfg.Source.Pcap.Streams {
			names = append(names, s.Name)
		}
	}
	return names
}

// ToSyncConfig converts the validated settings into the engine config.
func (cfg *GlobalConfig) ToSyncConfig() (timesync.Config, error) {
	out := timesync.Config{BufSize: cfg.Sync.BufferSize}

	if cfg.Sync.Window != "" {
		d, err := time.ParseDuration(cfg.Sync.Window)
		if err != nil {
			return out, fmt.Errorf("invalid sync.window: %w", err)
		}
		out.WindowSize = d
	}
	if cfg.Sync.StartTime != "" {
		d, err := time.ParseDuration(cfg.Sync.StartTime)
		if err != nil {
			return out, fmt.Errorf("invalid sync.start_time: %w", err)
		}
		out.StartTime = &d
	}

	switch cfg.Sync.DropPolicy {
	case "reject_new":
		out.DropPolicy = timesync.RejectNew
	case "drop_oldest":
		out.DropPolicy = timesync.DropOldest
	}

	if cfg.Sync.Staleness.Enabled {
		var sc timesync.StalenessConfig
		switch cfg.Sync.Staleness.Preset {
		case "high_frequency":
			sc = timesync.HighFrequencyStaleness()
		case "low_frequency":
			sc = timesync.LowFrequencyStaleness()
		case "batch":
			sc = timesync.BatchStaleness()
		default:
			sc = timesync.DefaultStalenessConfig()
		}
		out.Staleness = &sc
	}

	return out, nil
}
