package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/synnove/eos/internal/cli/output"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify and repair the file-system views",
	Long: `Take every id queued for verification by the remote backend, compare
the file-system views with the file records and repair the differences.
Ids of files that no longer exist are dropped from the queue.

Examples:
  eosns check --config /etc/eosns/config.yaml`,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	p, err := printer(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Namespace.Backend != "remote" {
		return fmt.Errorf("file checks need the remote backend, configured: %s", cfg.Namespace.Backend)
	}

	ctx := cmd.Context()
	rt, err := openNamespace(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open namespace: %w", err)
	}

	rep, err := rt.ns.CheckFiles(ctx)
	closeErr := rt.Close(ctx)
	if err != nil {
		return err
	}
	if closeErr != nil {
		return fmt.Errorf("repairs may not all be flushed: %w", closeErr)
	}

	table := output.NewTable("Checked", "Missing", "Locations", "Unlinked", "No replica +", "No replica -", "Duration")
	table.AddRow(
		strconv.Itoa(rep.Checked),
		strconv.Itoa(rep.Missing),
		strconv.Itoa(rep.Repaired.Locations),
		strconv.Itoa(rep.Repaired.Unlinked),
		strconv.Itoa(rep.Repaired.NoReplicaAdded),
		strconv.Itoa(rep.Repaired.NoReplicaRemoved),
		rep.Duration.String(),
	)
	return p.Print(rep, table)
}
