package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/synnove/eos/internal/cli/output"
	"github.com/synnove/eos/pkg/namespace"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Open the namespace and print its counters",
	Long: `Open the configured namespace, print its record counts and next free
ids, and close it again. A changelog master must not be running on the
same journals.

Examples:
  eosns status
  eosns status -o yaml`,
	RunE: runStatus,
}

func statusPairs(st namespace.Status) [][2]string {
	pairs := [][2]string{
		{"Backend", string(st.Backend)},
		{"Files", strconv.FormatUint(st.Files, 10)},
		{"Containers", strconv.FormatUint(st.Containers, 10)},
		{"First free file id", strconv.FormatUint(st.FirstFreeFileID, 10)},
		{"First free container id", strconv.FormatUint(st.FirstFreeContainerID, 10)},
	}
	switch st.Backend {
	case namespace.KindChangelog:
		pairs = append(pairs,
			[2]string{"Slave", strconv.FormatBool(st.Slave)},
			[2]string{"Files journal", st.FilesJournal},
			[2]string{"Containers journal", st.ContainersJournal})
	case namespace.KindRemote:
		pairs = append(pairs, [2]string{"Quota", strconv.FormatBool(st.Quota)})
		for _, f := range st.Flushers {
			pairs = append(pairs, [2]string{"Flusher " + f.ID, fmt.Sprintf("%d pending (%s)", f.Pending, f.Cluster)})
		}
	}
	return pairs
}

func runStatus(cmd *cobra.Command, args []string) error {
	p, err := printer(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	rt, err := openNamespace(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open namespace: %w", err)
	}
	defer func() { _ = rt.Close(ctx) }()

	st := rt.ns.Status()
	if format, _ := output.ParseFormat(outputFormat); format == output.FormatTable {
		return output.PrintPairs(cmd.OutOrStdout(), statusPairs(st))
	}
	return p.Print(st, nil)
}
