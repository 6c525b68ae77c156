package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/cli/appctx"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/journal"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/render"
	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log [migration]",
	Short: "Show local run history",
	Long: `Show runs recorded in the local journal, newest first.

Examples:
  kkmigrate log                              # Last 20 runs
  kkmigrate log 000005_link_lookup_ids       # Runs of one migration
  kkmigrate log --limit 0 --json             # Full history as JSON
`,
	Args: cobra.MaximumNArgs(1),
	RunE: appctx.WithApp(appctx.JournalOnly(), runLog),
}

var (
	logLimit int
	logJSON  bool
)

func init() {
	rootCmd.AddCommand(logCmd)

	logCmd.Flags().IntVar(&logLimit, "limit", 20, "Limit number of runs (0 = unlimited)")
	logCmd.Flags().BoolVar(&logJSON, "json", false, "Output as JSON")
}

type logTable []journal.Entry

func (logTable) Headers() []string {
	return []string{"STARTED", "RUN_ID", "MIGRATION", "STATUS", "INSERTED", "MODIFIED", "REMOVED", "FAILED"}
}

func (t logTable) Rows() [][]string {
	rows := make([][]string, len(t))
	for i, e := range t {
		status := string(e.Status)
		if e.DryRun {
			status += " (dry run)"
		}
		rows[i] = []string{
			e.StartedAt.UTC().Format(time.RFC3339),
			e.RunID,
			e.Migration,
			status,
			strconv.FormatInt(e.Inserted, 10),
			strconv.FormatInt(e.Modified, 10),
			strconv.FormatInt(e.Removed, 10),
			strconv.FormatInt(e.Failed, 10),
		}
	}
	return rows
}

func runLog(app *appctx.App, cmd *cobra.Command, args []string) error {
	if logLimit < 0 {
		return exitError(2, fmt.Errorf("--limit must not be negative"))
	}
	format, err := outputFormat(logJSON, app.Config.Output)
	if err != nil {
		return exitError(2, err)
	}

	opts := journal.ListOptions{Limit: logLimit}
	if len(args) == 1 {
		opts.Migration = args[0]
	}
	entries, err := app.Journal.List(opts)
	if err != nil {
		return exitError(1, err)
	}

	if format == render.FormatTable && len(entries) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No runs recorded in %s\n", app.Journal.Path())
		return nil
	}
	return render.NewRenderer(cmd.OutOrStdout(), format).Render(logTable(entries))
}
