package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/synnove/eos/internal/admin"
	"github.com/synnove/eos/internal/logger"
	"github.com/synnove/eos/internal/telemetry"
	"github.com/synnove/eos/pkg/archive"
	"github.com/synnove/eos/pkg/config"
	"github.com/synnove/eos/pkg/metrics"

	// Registers the prometheus archive metrics constructor.
	_ "github.com/synnove/eos/pkg/metrics/prometheus"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the namespace and serve the admin endpoint",
	Long: `Open the configured namespace and keep it open until interrupted.

With the changelog backend in slave mode the journals written by the master
are followed continuously. With the remote backend the flushers drain their
queues on shutdown, bounded by shutdown_timeout.

Examples:
  # Serve with the default configuration file
  eosns serve

  # Follow a master's journals
  EOSNS_NAMESPACE_CHANGELOG_SLAVE_MODE=true eosns serve --config /etc/eosns/config.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tags := deploymentTags(cfg)
	tracing := cfg.Telemetry.TracingConfig(Version)
	tracing.Attributes = tags
	telemetryShutdown, err := telemetry.Init(ctx, tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", logger.KeyError, err)
		}
	}()

	profiling := cfg.Telemetry.ProfilerConfig(Version)
	profiling.Tags = tags
	profilingShutdown, err := telemetry.InitProfiling(profiling)
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.KeyError, err)
		}
	}()

	logger.Info("Configuration loaded",
		"source", configSource(GetConfigFile()),
		"backend", cfg.Namespace.Backend,
		"level", cfg.Logging.Level)

	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		gatherer = metrics.InitRegistry()
		logger.Info("Metrics enabled")
	}

	rt, err := openNamespace(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open namespace: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer closeCancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Error("Namespace close error", logger.KeyError, err)
		}
	}()

	if rt.ns.IsSlave() {
		if err := rt.ns.StartSlave(); err != nil {
			return fmt.Errorf("failed to start follower: %w", err)
		}
		logger.Info("Following master journals", logger.KeyMode, "slave")
	}

	uploader, err := newUploader(ctx, cfg)
	if err != nil {
		return err
	}

	serverDone := make(chan error, 1)
	if cfg.Admin.Enabled {
		deps := admin.Deps{Namespace: rt.ns, Gatherer: gatherer}
		if uploader != nil {
			deps.Archiver = uploader
		}
		srv := admin.NewServer(admin.Config{
			Listen:       cfg.Admin.Listen,
			ReadTimeout:  cfg.Admin.ReadTimeout,
			WriteTimeout: cfg.Admin.WriteTimeout,
		}, deps)
		go func() { serverDone <- srv.Start(ctx) }()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("Namespace is open. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()
		if cfg.Admin.Enabled {
			if err := <-serverDone; err != nil {
				logger.Error("Admin server shutdown error", logger.KeyError, err)
			}
		}
	case err := <-serverDone:
		if err != nil {
			logger.Error("Admin server error", logger.KeyError, err)
			return err
		}
	}
	return nil
}

// newUploader returns nil when archiving is disabled.
func newUploader(ctx context.Context, cfg *config.Config) (*archive.Uploader, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}
	u, err := archive.NewFromConfig(ctx, cfg.Archive.ArchiveOptions(), metrics.NewArchiveMetrics())
	if err != nil {
		return nil, fmt.Errorf("failed to create archive uploader: %w", err)
	}
	logger.Info("Journal archiving enabled", "bucket", cfg.Archive.Bucket)
	return u, nil
}

// configSource returns a description of where the config was loaded from.
func configSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}

// deploymentTags describes this process on spans and profiles.
func deploymentTags(cfg *config.Config) map[string]string {
	tags := map[string]string{"eos.backend": cfg.Namespace.Backend}
	switch cfg.Namespace.Backend {
	case "changelog":
		role := "master"
		if cfg.Namespace.Changelog.SlaveMode {
			role = "slave"
		}
		tags["eos.role"] = role
	case "remote":
		tags["eos.cluster"] = cfg.Namespace.Remote.Cluster
	}
	return tags
}
