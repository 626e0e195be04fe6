package config

import (
	"strings"
	"time"

	"github.com/synnove/eos/pkg/metadata/store/changelog"
	"github.com/synnove/eos/pkg/metadata/store/remote"
	"github.com/synnove/eos/pkg/registry"
)

// Default locations of the two journals.
const (
	DefaultFilesJournal      = "/var/eos/md/files.mdlog"
	DefaultContainersJournal = "/var/eos/md/directories.mdlog"
	DefaultFlusherMD         = "eosns_md"
	DefaultAdminListen       = "127.0.0.1:9095"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	applyAdminDefaults(&cfg.Admin)
	applyNamespaceDefaults(&cfg.Namespace)
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

// applyTelemetryDefaults sets OpenTelemetry and Pyroscope defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = "http://localhost:4040"
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = []string{"cpu", "alloc_space", "inuse_space", "goroutines"}
	}
}

func applyAdminDefaults(cfg *AdminConfig) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultAdminListen
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Minute
	}
}

func applyNamespaceDefaults(cfg *NamespaceConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "changelog"
	}

	cl := &cfg.Changelog
	if cl.FilesPath == "" {
		cl.FilesPath = DefaultFilesJournal
	}
	if cl.ContainersPath == "" {
		cl.ContainersPath = DefaultContainersJournal
	}
	if cl.PollInterval == 0 {
		cl.PollInterval = changelog.DefaultPollInterval
	}
	if cl.Sync == nil {
		on := true
		cl.Sync = &on
	}

	r := &cfg.Remote
	if r.FlusherMD == "" {
		r.FlusherMD = DefaultFlusherMD
	}
	if r.NumBuckets == 0 {
		r.NumBuckets = remote.DefaultNumBuckets
	}
	if r.FileCacheSize == 0 {
		r.FileCacheSize = remote.DefaultFileCacheSize
	}
	if r.ContainerCacheSize == 0 {
		r.ContainerCacheSize = remote.DefaultContainerCacheSize
	}
	if r.QueuePath == "" {
		r.QueuePath = registry.DefaultQueuePath
	}
	if r.Persistency == "" {
		r.Persistency = string(registry.PersistencyMmap)
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
