package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/marmos91/unifyfs/internal/bytesize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the unifyfs client/server configuration, covering both the
// per-rank client runtime (superblock sizing, intercept behavior, local
// extent tracking) and the co-located server (shard rank, RPC listener,
// metadata range size).
//
// Configuration precedence (highest to lowest):
//  1. CLI flags
//  2. Environment variables (UNIFYFS_*)
//  3. Configuration file (YAML)
//  4. Default values
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Client configures the per-rank mount-side runtime (superblock, fd
	// intercept, extent tracking).
	Client ClientConfig `mapstructure:"client" yaml:"client"`

	// LogIO configures the per-rank backing-store spill location.
	LogIO LogIOConfig `mapstructure:"logio" yaml:"logio"`

	// Meta configures the MDS shard table.
	Meta MetaConfig `mapstructure:"meta" yaml:"meta"`

	// Server configures the co-located RPC server that hosts the MDS
	// shard and LSM for this rank.
	Server ServerConfig `mapstructure:"server" yaml:"server"`
}

// ClientConfig holds the client-side options named in the unifyfs mount API.
type ClientConfig struct {
	// MaxFiles bounds the superblock's filename/filemeta table capacity.
	// Default: 128
	MaxFiles int `mapstructure:"max_files" validate:"omitempty,min=1" yaml:"max_files"`

	// FlattenWrites, if true, tracks each file's written regions in an
	// extent tree that coalesces overlapping and abutting writes; every
	// write still appends its own write-index entry.
	// Default: false
	FlattenWrites bool `mapstructure:"flatten_writes" yaml:"flatten_writes"`

	// LocalExtents, if true, allows reads to be satisfied from this
	// rank's own uncommitted writes without a round trip to the MDS.
	// Default: true
	LocalExtents bool `mapstructure:"local_extents" yaml:"local_extents"`

	// WriteIndexSize is the size, in bytes, of the write-index log region
	// of the superblock; each entry takes 32 bytes.
	// Default: 16MiB (512Ki entries), see defaults.go
	WriteIndexSize bytesize.ByteSize `mapstructure:"write_index_size" yaml:"write_index_size"`

	// RecvDataSize is the size of the per-rank shared-memory receive
	// buffer used to stage the replies to cross-rank reads.
	// Default: 128MiB
	RecvDataSize bytesize.ByteSize `mapstructure:"recv_data_size" yaml:"recv_data_size"`
}

// LogIOConfig configures node-local backing storage for the LSM.
type LogIOConfig struct {
	// SpillDir is the directory backing files are materialized under.
	SpillDir string `mapstructure:"spill_dir" validate:"required" yaml:"spill_dir"`
}

// MetaConfig configures the MDS shard table and optional attribute mirror.
type MetaConfig struct {
	// RangeSize is read, defaulted and validated, but pkg/mds does not
	// consult it: the shard table's capacity is the fixed mds.MaxEntries,
	// and creates beyond it fail with mds.ErrNoSpace.
	// Default: 512
	RangeSize int `mapstructure:"range_size" validate:"omitempty,min=1" yaml:"range_size"`

	// KVDir, if set, persists the attrstore's stat-snapshot mirror to an
	// on-disk Badger instance instead of an in-memory one.
	KVDir string `mapstructure:"kv_dir" yaml:"kv_dir,omitempty"`
}

// ServerConfig configures the per-rank RPC listener.
type ServerConfig struct {
	// ListenAddr is read, defaulted and validated, but pkg/client does not
	// bind it: the RPC listener binds Peers[rank], or 127.0.0.1:0 when
	// Peers has no address for this rank.
	ListenAddr string `mapstructure:"listen_addr" validate:"required" yaml:"listen_addr"`

	// RPCTimeout is read and defaulted; rpc.Client.Call does not consult
	// it and sets no deadline on a call.
	RPCTimeout time.Duration `mapstructure:"rpc_timeout" yaml:"rpc_timeout"`

	// RPCRetries is read, defaulted and validated; rpc.Client.Call does
	// not consult it and makes a single attempt, returning transport
	// errors without retry or backoff.
	RPCRetries int `mapstructure:"rpc_retries" validate:"omitempty,min=0" yaml:"rpc_retries"`

	// Peers lists every rank's RPC listen address, in rank order, standing in for
	// the MPI-based rank-discovery collaborator the spec treats as an
	// external dependency: this rank dials peers[i] to reach rank i's
	// co-located shard and local storage manager.
	Peers []string `mapstructure:"peers" yaml:"peers,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output: DEBUG, INFO, WARN, ERROR.
	// Mirrors the spec's log.verbosity option.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages pointing at
// `unifyfsd init` when the default location has nothing in it.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  unifyfsd init\n\n"+
				"Or specify a custom config file:\n"+
				"  unifyfsd <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  unifyfsd init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("UNIFYFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv alone only consults the environment for keys viper
	// already knows from the file, so bind every Config key explicitly.
	var bindKeys func(t reflect.Type, prefix string)
	bindKeys = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			key := prefix + f.Tag.Get("mapstructure")
			if f.Type.Kind() == reflect.Struct {
				bindKeys(f.Type, key+".")
				continue
			}
			_ = v.BindEnv(key)
		}
	}
	bindKeys(reflect.TypeOf(Config{}), "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings/numbers to bytesize.ByteSize so config
// files can use "1Gi", "500Mi", "128MB", or plain byte counts.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings like "30s", "5m" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory, preferring
// XDG_CONFIG_HOME, falling back to ~/.config, then the working directory.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "unifyfs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "unifyfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
