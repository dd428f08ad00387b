package config

import (
	"fmt"
	"strings"
)

var validLogLevels = map[string]bool{
	"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true,
}

var validLogFormats = map[string]bool{
	"text": true, "json": true,
}

// Validate checks a Config for internally consistent, in-range values. It
// does not normalize anything — ApplyDefaults is responsible for that.
func Validate(cfg *Config) error {
	if err := validateLogging(&cfg.Logging); err != nil {
		return err
	}
	if err := validateTelemetry(&cfg.Telemetry); err != nil {
		return err
	}
	if err := validateMetrics(&cfg.Metrics); err != nil {
		return err
	}
	if err := validateLogIO(&cfg.LogIO); err != nil {
		return err
	}
	if err := validateServer(&cfg.Server); err != nil {
		return err
	}
	if cfg.Meta.RangeSize < 0 {
		return fmt.Errorf("meta.range_size: min=1 violated (got %d)", cfg.Meta.RangeSize)
	}
	if cfg.Client.MaxFiles < 0 {
		return fmt.Errorf("client.max_files: min=1 violated (got %d)", cfg.Client.MaxFiles)
	}
	return nil
}

func validateLogging(cfg *LoggingConfig) error {
	if !validLogLevels[strings.ToUpper(cfg.Level)] {
		return fmt.Errorf("logging.level: oneof=DEBUG INFO WARN ERROR violated (got %q)", cfg.Level)
	}
	if !validLogFormats[cfg.Format] {
		return fmt.Errorf("logging.format: oneof=text json violated (got %q)", cfg.Format)
	}
	if cfg.Output == "" {
		return fmt.Errorf("logging.output: required")
	}
	return nil
}

func validateTelemetry(cfg *TelemetryConfig) error {
	if cfg.Enabled && cfg.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint: required when telemetry is enabled")
	}
	if cfg.SampleRate < 0 || cfg.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate: gte=0,lte=1 violated (got %f)", cfg.SampleRate)
	}
	return nil
}

func validateMetrics(cfg *MetricsConfig) error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("metrics.port: min=1,max=65535 violated (got %d)", cfg.Port)
	}
	return nil
}

func validateLogIO(cfg *LogIOConfig) error {
	if cfg.SpillDir == "" {
		return fmt.Errorf("logio.spill_dir: required (backing-store cache path must be set)")
	}
	return nil
}

func validateServer(cfg *ServerConfig) error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr: required")
	}
	if cfg.RPCRetries < 0 {
		return fmt.Errorf("server.rpc_retries: min=0 violated (got %d)", cfg.RPCRetries)
	}
	return nil
}
