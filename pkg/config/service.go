package config

import (
	"strconv"

	"github.com/synnove/eos/internal/logger"
	"github.com/synnove/eos/internal/telemetry"
	"github.com/synnove/eos/pkg/archive"
	"github.com/synnove/eos/pkg/flusher"
	"github.com/synnove/eos/pkg/metadata"
	"github.com/synnove/eos/pkg/namespace"
	"github.com/synnove/eos/pkg/registry"
)

// ServiceKind selects one of the two services of a namespace.
type ServiceKind string

const (
	FileService      ServiceKind = "files"
	ContainerService ServiceKind = "containers"
)

// ServiceMap renders the configuration map handed to Configure of the
// given service of the selected backend.
func (c *NamespaceConfig) ServiceMap(kind ServiceKind) map[string]string {
	switch c.Backend {
	case string(namespace.KindRemote):
		return c.Remote.serviceMap(kind)
	default:
		return c.Changelog.serviceMap(kind)
	}
}

func (c *ChangelogConfig) serviceMap(kind ServiceKind) map[string]string {
	path := c.FilesPath
	if kind == ContainerService {
		path = c.ContainersPath
	}
	m := map[string]string{
		metadata.ConfigChangelogPath: path,
		metadata.ConfigSlaveMode:     strconv.FormatBool(c.SlaveMode),
	}
	if c.Sync != nil {
		m[metadata.ConfigSyncOnAppend] = strconv.FormatBool(*c.Sync)
	}
	if us := c.PollInterval.Microseconds(); us > 0 {
		m[metadata.ConfigPollIntervalUs] = strconv.FormatInt(us, 10)
	}
	return m
}

func (c *RemoteConfig) serviceMap(kind ServiceKind) map[string]string {
	m := map[string]string{
		metadata.ConfigCluster:    c.Cluster,
		metadata.ConfigFlusherMD:  c.FlusherMD,
		metadata.ConfigNumBuckets: strconv.FormatUint(c.NumBuckets, 10),
	}
	if c.FlusherQuota != "" {
		m[metadata.ConfigFlusherQuota] = c.FlusherQuota
	}
	switch kind {
	case FileService:
		if c.FileCacheSize > 0 {
			m[metadata.ConfigFileCacheSize] = strconv.Itoa(c.FileCacheSize)
		}
	case ContainerService:
		if c.ContainerCacheSize > 0 {
			m[metadata.ConfigContainerCache] = strconv.Itoa(c.ContainerCacheSize)
		}
	}
	return m
}

// Options returns the namespace.Open options of the selected backend.
func (c *NamespaceConfig) Options() namespace.Options {
	return namespace.Options{
		Kind:       namespace.Kind(c.Backend),
		Files:      c.ServiceMap(FileService),
		Containers: c.ServiceMap(ContainerService),
	}
}

// RegistryOptions returns the registry options of the remote backend.
// Metrics are attached by the caller.
func (c *RemoteConfig) RegistryOptions() registry.Options {
	return registry.Options{
		QueuePath:   c.QueuePath,
		Persistency: registry.PersistencyKind(c.Persistency),
		FlusherOptions: flusher.Options{
			SizeLimit:      c.SizeLimit,
			PipelineLength: c.PipelineLength,
		},
	}
}

// ArchiveOptions returns the uploader configuration.
func (c *ArchiveConfig) ArchiveOptions() archive.Config {
	return archive.Config{
		Bucket:         c.Bucket,
		Region:         c.Region,
		Endpoint:       c.Endpoint,
		KeyPrefix:      c.KeyPrefix,
		AccessKey:      c.AccessKey,
		SecretKey:      c.SecretKey,
		ForcePathStyle: c.ForcePathStyle,
		DeleteLocal:    c.DeleteLocal,
	}
}

// LoggerConfig returns the logger configuration.
func (c *LoggingConfig) LoggerConfig() logger.Config {
	return logger.Config{Level: c.Level, Format: c.Format, Output: c.Output}
}

// TracingConfig returns the tracer configuration for the given version.
func (c *TelemetryConfig) TracingConfig(version string) telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Enabled = c.Enabled
	cfg.ServiceVersion = version
	cfg.Endpoint = c.Endpoint
	cfg.Insecure = c.Insecure
	cfg.SampleRate = c.SampleRate
	return cfg
}

// ProfilerConfig returns the profiler configuration for the given version.
func (c *TelemetryConfig) ProfilerConfig(version string) telemetry.ProfilingConfig {
	return telemetry.ProfilingConfig{
		Enabled:        c.Profiling.Enabled,
		ServiceName:    telemetry.DefaultConfig().ServiceName,
		ServiceVersion: version,
		Endpoint:       c.Profiling.Endpoint,
		ProfileTypes:   c.Profiling.ProfileTypes,
	}
}
