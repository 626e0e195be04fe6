package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/synnove/eos/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the eosns configuration file.

Checks for syntax errors, missing backend settings and invalid values.

Examples:
  eosns config validate
  eosns config validate --config /etc/eosns/config.yaml`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := configPath(cmd)
	cfg, err := config.MustLoad(path)
	if err != nil {
		return err
	}
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	var warnings []string
	ns := cfg.Namespace
	switch ns.Backend {
	case "changelog":
		if ns.Changelog.SlaveMode && cfg.Archive.Enabled {
			warnings = append(warnings, "archive is enabled but a slave never compacts")
		}
	case "remote":
		if ns.Remote.Persistency == "memory" {
			warnings = append(warnings, "memory persistency loses queued updates on crash")
		}
		if cfg.Archive.Enabled {
			warnings = append(warnings, "archive only applies to the changelog backend")
		}
	}
	if !cfg.Admin.Enabled && cfg.Metrics.Enabled {
		warnings = append(warnings, "metrics are enabled but the admin endpoint serving /metrics is not")
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file: %s\n", path)
	_, _ = fmt.Fprintln(out, "Validation: OK")
	if len(warnings) > 0 {
		_, _ = fmt.Fprintln(out, "\nWarnings:")
		for _, w := range warnings {
			_, _ = fmt.Fprintf(out, "  - %s\n", w)
		}
	}

	_, _ = fmt.Fprintln(out, "\nConfiguration summary:")
	_, _ = fmt.Fprintf(out, "  Backend:    %s\n", ns.Backend)
	if ns.Backend == "remote" {
		_, _ = fmt.Fprintf(out, "  Cluster:    %s\n", ns.Remote.Cluster)
	} else {
		_, _ = fmt.Fprintf(out, "  Journals:   %s, %s\n", ns.Changelog.FilesPath, ns.Changelog.ContainersPath)
	}
	_, _ = fmt.Fprintf(out, "  Log level:  %s\n", cfg.Logging.Level)
	return nil
}
