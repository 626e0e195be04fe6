// Package config loads the eosns configuration from YAML, environment
// variables and defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. EOSNS_LOGGING_LEVEL.
const EnvPrefix = "EOSNS"

// Config represents the eosns configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (EOSNS_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry tracing and Pyroscope profiling
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout bounds the final flush of every queue on exit
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics enables the Prometheus collectors
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Admin configures the operator HTTP endpoint
	Admin AdminConfig `mapstructure:"admin" yaml:"admin"`

	// Namespace selects and configures the persistence backend
	Namespace NamespaceConfig `mapstructure:"namespace" yaml:"namespace"`

	// Archive uploads journals replaced by compaction to S3
	Archive ArchiveConfig `mapstructure:"archive" yaml:"archive"`
}

// LoggingConfig configures internal/logger.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR in any case
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is text or json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr or a file the logger appends to
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig configures span export and profiling.
type TelemetryConfig struct {
	// Enabled exports journal, remote and flusher spans over OTLP
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the collector host:port
	// Default: "localhost:4317"
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure disables TLS towards the collector
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate is the fraction of root spans kept
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling pushes pprof profiles to Pyroscope
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig configures the Pyroscope client.
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the server URL
	// Default: "http://localhost:4040"
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes lists the profiles to push; unknown names fail startup
	// Default: cpu, alloc_space, inuse_space, goroutines
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig enables the Prometheus collectors. They are served by the
// admin endpoint under /metrics.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// AdminConfig configures the operator HTTP endpoint.
type AdminConfig struct {
	// Enabled starts the endpoint with serve
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Listen is the host:port to bind
	// Default: "127.0.0.1:9095"
	Listen string `mapstructure:"listen" validate:"omitempty,hostname_port" yaml:"listen"`

	// ReadTimeout and WriteTimeout bound one request
	// Default: 10s and 5m (online compaction is slow on large journals)
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// NamespaceConfig selects the persistence backend.
type NamespaceConfig struct {
	// Backend is "changelog" (local journals) or "remote" (key/value cluster)
	Backend string `mapstructure:"backend" validate:"required,oneof=changelog remote" yaml:"backend"`

	Changelog ChangelogConfig `mapstructure:"changelog" yaml:"changelog"`
	Remote    RemoteConfig    `mapstructure:"remote" yaml:"remote"`
}

// ChangelogConfig configures the journal backend.
type ChangelogConfig struct {
	// FilesPath and ContainersPath are the two journals
	FilesPath      string `mapstructure:"files_path" yaml:"files_path"`
	ContainersPath string `mapstructure:"containers_path" yaml:"containers_path"`

	// SlaveMode follows journals written by another process
	SlaveMode bool `mapstructure:"slave_mode" yaml:"slave_mode"`

	// PollInterval is the follower sleep between two rounds
	// Default: 1ms
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"omitempty,gte=1us" yaml:"poll_interval"`

	// Sync fsyncs every append. Turning it off keeps appends across a
	// process crash but not across power loss.
	// Default: true
	Sync *bool `mapstructure:"sync" yaml:"sync"`
}

// RemoteConfig configures the key/value backend.
type RemoteConfig struct {
	// Cluster is the dial string of the key/value cluster
	// Examples: "consul://host:8500", "postgres://user@host/db", "badger:///var/eos/kv"
	Cluster string `mapstructure:"cluster" yaml:"cluster"`

	// FlusherMD is the id of the metadata flusher
	// Default: "eosns_md"
	FlusherMD string `mapstructure:"flusher_md" yaml:"flusher_md"`

	// FlusherQuota enables quota counters through a second flusher
	FlusherQuota string `mapstructure:"flusher_quota" yaml:"flusher_quota,omitempty"`

	// NumBuckets is the number of record buckets, a power of two
	// Default: 1048576
	NumBuckets uint64 `mapstructure:"num_buckets" yaml:"num_buckets"`

	// FileCacheSize and ContainerCacheSize bound the record caches
	FileCacheSize      int `mapstructure:"file_cache_size" validate:"gte=0" yaml:"file_cache_size"`
	ContainerCacheSize int `mapstructure:"container_cache_size" validate:"gte=0" yaml:"container_cache_size"`

	// QueuePath is the parent directory of the flusher spill queues
	// Default: "/var/eos/ns-queue/"
	QueuePath string `mapstructure:"queue_path" yaml:"queue_path"`

	// Persistency is the spill format: mmap, badger or memory
	// Default: "mmap"
	Persistency string `mapstructure:"persistency" validate:"omitempty,oneof=mmap badger memory" yaml:"persistency"`

	// SizeLimit bounds the unacknowledged commands of one flusher
	SizeLimit int64 `mapstructure:"size_limit" validate:"gte=0" yaml:"size_limit,omitempty"`

	// PipelineLength is the maximum number of commands per batch
	PipelineLength int `mapstructure:"pipeline_length" validate:"gte=0" yaml:"pipeline_length,omitempty"`
}

// ArchiveConfig configures the upload of replaced journals.
type ArchiveConfig struct {
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
	Bucket         string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Region         string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	KeyPrefix      string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`
	AccessKey      string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey      string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style,omitempty"`
	DeleteLocal    bool   `mapstructure:"delete_local" yaml:"delete_local"`
}

// Load merges the file, the environment and the defaults, then validates.
// An empty configPath searches the default location; a missing file
// yields the defaults with environment overrides applied.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
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

// MustLoad is Load with a friendly error when an explicit file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  eosns config init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML, creating the parent directory.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Archive credentials may be stored in the file.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper wires the EOSNS_ environment and the file location.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v, reflect.TypeOf(Config{}), "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// bindEnv registers every leaf key so AutomaticEnv also applies to keys
// absent from the file.
func bindEnv(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			bindEnv(v, field.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}

// readConfigFile reads the file viper was pointed at. A missing file is
// not an error.
func readConfigFile(v *viper.Viper) (found bool, err error) {
	err = v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &notFound), errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

var durationType = reflect.TypeOf(time.Duration(0))

// durationDecodeHook accepts "30s" style strings. Bare numbers, which YAML
// may hand over as int or float64, are nanoseconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType {
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
		}
		return data, nil
	}
}

// getConfigDir is $XDG_CONFIG_HOME/eosns, else ~/.config/eosns, else ".".
func getConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "eosns")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "eosns")
	}
	return "."
}

// GetDefaultConfigPath is the file loaded when --config is not given.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether GetDefaultConfigPath exists.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
