package telemetry

// Config configures OTLP trace export.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	// Endpoint is the collector host:port.
	Endpoint string
	// Insecure dials the collector without TLS.
	Insecure bool

	// SampleRate is the fraction of root spans kept, in [0, 1]. Child spans
	// follow their parent.
	SampleRate float64

	// Attributes are added to the resource of every span, e.g. the backend
	// or the master/slave role.
	Attributes map[string]string
}

// DefaultConfig returns tracing disabled, pointed at a local collector.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "eosns",
		ServiceVersion: "dev",
		Endpoint:       "localhost:4317",
		Insecure:       true,
		SampleRate:     1.0,
	}
}

// ProfilingConfig configures Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	// Endpoint is the Pyroscope server URL.
	Endpoint string

	// ProfileTypes lists the profiles to push. See profileTypes for names.
	ProfileTypes []string

	// Tags are attached to every profile next to the version.
	Tags map[string]string
}
