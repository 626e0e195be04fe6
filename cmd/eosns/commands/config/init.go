package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/synnove/eos/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a configuration file",
	Long: `Write a configuration file holding every default value.

By default the file is created at $XDG_CONFIG_HOME/eosns/config.yaml.
Use --config to specify a custom path.

Examples:
  eosns config init
  eosns config init --config /etc/eosns/config.yaml --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath(cmd)

	var err error
	if path != "" {
		err = config.InitConfigToPath(path, initForce)
	} else {
		path, err = config.InitConfig(initForce)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file created at: %s\n", path)
	_, _ = fmt.Fprintln(out, "\nNext steps:")
	_, _ = fmt.Fprintln(out, "  1. Set namespace.backend and its journal paths or cluster")
	_, _ = fmt.Fprintf(out, "  2. Check it with: eosns config validate --config %s\n", path)
	_, _ = fmt.Fprintf(out, "  3. Start with: eosns serve --config %s\n", path)
	return nil
}
