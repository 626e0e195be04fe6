package config

import (
	"github.com/spf13/cobra"

	"github.com/synnove/eos/internal/cli/output"
	"github.com/synnove/eos/pkg/config"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective configuration",
	Long: `Display the configuration after defaults and environment overrides.

Outputs YAML unless --output json is given.

Examples:
  eosns config show
  EOSNS_NAMESPACE_BACKEND=remote eosns config show -o json`,
	RunE: runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(configPath(cmd))
	if err != nil {
		return err
	}

	if cfg.Archive.SecretKey != "" {
		cfg.Archive.SecretKey = "********"
	}

	flag, _ := cmd.Flags().GetString("output")
	format, err := output.ParseFormat(flag)
	if err != nil {
		return err
	}
	if format == output.FormatTable {
		format = output.FormatYAML
	}
	return output.NewPrinter(cmd.OutOrStdout(), format).Print(cfg, nil)
}
