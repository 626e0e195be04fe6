package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/synnove/eos/internal/cli/output"
	"github.com/synnove/eos/internal/logger"
	"github.com/synnove/eos/pkg/metadata/store/changelog"
)

var compactArchive bool

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Compact both journals offline",
	Long: `Compact the container journal, then the file journal, of a stopped
changelog namespace. Every replaced journal is kept next to the live one with
a ".<unix-time>.replaced" suffix, or uploaded to the archive bucket with
--archive.

Use POST /compact on the admin endpoint to compact a running master.

Examples:
  eosns compact --config /etc/eosns/config.yaml
  eosns compact --archive -o json`,
	RunE: runCompact,
}

func init() {
	compactCmd.Flags().BoolVar(&compactArchive, "archive", false, "upload replaced journals to the configured archive bucket")
}

// compactionRows is the table form of a compaction.
type compactionRows []*changelog.CompactionResult

func (c compactionRows) Headers() []string {
	return []string{"Journal", "Records", "Reclaimed", "Duration", "Replaced"}
}

func (c compactionRows) Rows() [][]string {
	rows := make([][]string, 0, len(c))
	for _, r := range c {
		rows = append(rows, []string{
			r.NewPath,
			strconv.Itoa(r.Records),
			strconv.FormatUint(r.Removed, 10),
			r.Duration.Round(time.Millisecond).String(),
			r.OldPath,
		})
	}
	return rows
}

func runCompact(cmd *cobra.Command, args []string) error {
	p, err := printer(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Namespace.Backend != "changelog" {
		return fmt.Errorf("compaction needs the changelog backend, configured: %s", cfg.Namespace.Backend)
	}

	ctx := cmd.Context()

	if compactArchive && !cfg.Archive.Enabled {
		return fmt.Errorf("--archive needs archive.enabled and archive.bucket in the configuration")
	}
	uploader, err := newUploader(ctx, cfg)
	if err != nil {
		return err
	}

	rt, err := openNamespace(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open namespace: %w", err)
	}
	defer func() { _ = rt.Close(ctx) }()

	results, err := rt.ns.Compact(ctx)
	if err != nil {
		return err
	}

	if compactArchive && uploader != nil {
		paths := make([]string, 0, len(results))
		for _, r := range results {
			paths = append(paths, r.OldPath)
		}
		if err := uploader.UploadAll(ctx, paths...); err != nil {
			logger.Warn("Some replaced journals were not archived", logger.KeyError, err)
		}
	}

	rows := compactionRows(results)
	return p.Print(results, output.TableRenderer(rows))
}
