package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/synnove/eos/internal/cli/output"
	"github.com/synnove/eos/internal/logger"
	"github.com/synnove/eos/pkg/config"
	"github.com/synnove/eos/pkg/metrics"
	promMetrics "github.com/synnove/eos/pkg/metrics/prometheus"
	"github.com/synnove/eos/pkg/namespace"
	"github.com/synnove/eos/pkg/registry"
)

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	if err := logger.Init(cfg.Logging.LoggerConfig()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// loadConfig loads the configuration and initializes the logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return nil, err
	}
	if err := InitLogger(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// printer returns a printer for the --output flag.
func printer(cmd *cobra.Command) (*output.Printer, error) {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return nil, err
	}
	return output.NewPrinter(cmd.OutOrStdout(), format), nil
}

// nsRuntime is an open namespace and, for the remote backend, the registry
// owning its flushers.
type nsRuntime struct {
	ns  *namespace.Namespace
	reg *registry.Registry
}

// openNamespace opens the configured backend. Metrics sinks are attached
// when the registry was initialized by the caller.
func openNamespace(ctx context.Context, cfg *config.Config) (*nsRuntime, error) {
	opts := cfg.Namespace.Options()
	if metrics.IsEnabled() {
		opts.ChangelogMetrics = promMetrics.NewJournalMetrics()
		opts.RemoteMetrics = promMetrics.NewRemoteMetrics()
	}

	rt := &nsRuntime{}
	if opts.Kind == namespace.KindRemote {
		ropts := cfg.Namespace.Remote.RegistryOptions()
		if metrics.IsEnabled() {
			ropts.Metrics = promMetrics.NewFlusherMetrics()
		}
		reg, err := registry.New(ropts)
		if err != nil {
			return nil, err
		}
		rt.reg = reg
	}

	ns, err := namespace.Open(ctx, opts, rt.reg)
	if err != nil {
		if rt.reg != nil {
			_ = rt.reg.Close(ctx)
		}
		return nil, err
	}
	rt.ns = ns
	return rt, nil
}

// Close finalizes the namespace, then drains and closes every flusher
// within ctx.
func (rt *nsRuntime) Close(ctx context.Context) error {
	err := rt.ns.Close()
	if rt.reg != nil {
		if cerr := rt.reg.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
