package config

import (
	"strings"
	"time"

	"github.com/marmos91/unifyfs/internal/bytesize"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and
// environment variables to fill in any missing values with sensible
// defaults.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyClientDefaults(&cfg.Client)
	applyLogIODefaults(&cfg.LogIO)
	applyMetaDefaults(&cfg.Meta)
	applyServerDefaults(&cfg.Server)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
}

// applyMetricsDefaults sets Prometheus metrics server defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// applyClientDefaults sets mount-side client defaults (spec.md §6).
func applyClientDefaults(cfg *ClientConfig) {
	if cfg.MaxFiles == 0 {
		cfg.MaxFiles = 128
	}
	if cfg.WriteIndexSize == 0 {
		cfg.WriteIndexSize = bytesize.ByteSize(16 * bytesize.MiB)
	}
	if cfg.RecvDataSize == 0 {
		cfg.RecvDataSize = bytesize.ByteSize(128 * bytesize.MiB)
	}
	// LocalExtents defaults to true; FlattenWrites defaults to false.
	// Neither can be distinguished from "unset" once decoded, so the
	// default is baked into GetDefaultConfig's literal instead.
}

// applyLogIODefaults sets backing-store spill directory defaults.
func applyLogIODefaults(cfg *LogIOConfig) {
	if cfg.SpillDir == "" {
		cfg.SpillDir = "/tmp/unifyfs-logio"
	}
}

// applyMetaDefaults sets MDS shard table defaults.
func applyMetaDefaults(cfg *MetaConfig) {
	if cfg.RangeSize == 0 {
		cfg.RangeSize = 512
	}
}

// applyServerDefaults sets per-rank RPC server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = 10 * time.Second
	}
	if cfg.RPCRetries == 0 {
		cfg.RPCRetries = 3
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for generating sample configuration files, tests, and
// documentation.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Client: ClientConfig{
			LocalExtents: true,
		},
	}
	ApplyDefaults(cfg)
	return cfg
}
