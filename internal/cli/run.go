package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/cli/appctx"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/journal"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/metrics"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/migrations"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/webhooks"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [name...]",
	Short: "Apply pending migrations",
	Long: `Apply migrations in catalog order. Without names every pending migration
runs; applied migrations are skipped unless --force is given.

Examples:
  kkmigrate run                                  # Apply everything pending
  kkmigrate run 000003_asset_references --force  # Re-apply one migration
  kkmigrate run --dry-run --diff                 # Show what would change

Exit codes: 0 success, 5 some records failed, 1 failure.
`,
	RunE: appctx.WithApp(appctx.DefaultOptions(), runRun),
}

var (
	runDryRun    bool
	runDiff      bool
	runForce     bool
	runJSON      bool
	runBatchSize int
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Plan changes without writing")
	runCmd.Flags().BoolVar(&runDiff, "diff", false, "Print a unified diff of every change")
	runCmd.Flags().BoolVar(&runForce, "force", false, "Re-apply migrations that are already applied")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Output as JSON")
	runCmd.Flags().IntVar(&runBatchSize, "batch-size", 0, "Documents per bulk write (default from config)")
}

func runRun(app *appctx.App, cmd *cobra.Command, args []string) error {
	if runBatchSize < 0 {
		return exitError(2, fmt.Errorf("--batch-size must not be negative"))
	}

	runner := migrations.NewRunner(app.Store, app.Journal, app.Config, app.Logger)

	if app.Config.WebhookURL != "" {
		notifier := webhooks.New(app.Config.WebhookURL, app.Logger)
		runner.OnComplete(func(ctx context.Context, res *migrations.Result) {
			notifier.Notify(context.WithoutCancel(ctx), res)
		})
	}
	if app.Config.PushgatewayURL != "" {
		runner.OnComplete(func(ctx context.Context, res *migrations.Result) {
			m := metrics.NewRun()
			m.Observe(res)
			if err := m.Push(context.WithoutCancel(ctx), app.Config.PushgatewayURL, app.Config.Database); err != nil {
				app.Logger.Warn("failed to push metrics", "url", app.Config.PushgatewayURL, "error", err)
			}
		})
	}

	res, runErr := runner.Run(cmd.Context(), migrations.RunOptions{
		Names:          args,
		DryRun:         runDryRun,
		Force:          runForce,
		CollectChanges: runDiff,
		BatchSize:      runBatchSize,
	})
	if res == nil {
		return exitError(1, runErr)
	}

	out := cmd.OutOrStdout()
	if runJSON {
		if err := writeJSON(out, res); err != nil {
			return err
		}
	} else {
		printResult(out, res, runDiff)
	}

	if runErr != nil {
		return exitError(1, runErr)
	}
	if code := res.ExitCode(); code != 0 {
		return exitError(code, fmt.Errorf("%d records failed", res.Totals().Failed))
	}
	return nil
}

func printResult(w io.Writer, res *migrations.Result, withDiff bool) {
	if res.DryRun {
		fmt.Fprintf(w, "Dry run %s on %s (nothing written)\n", res.RunID, res.Database)
	}

	for _, o := range res.Outcomes {
		switch {
		case o.Status == migrations.StatusSkipped:
			fmt.Fprintf(w, "○ Already applied: %s\n", o.Name)
			continue
		case o.Status == journal.StatusFailed:
			fmt.Fprintf(w, "✗ Failed migration: %s: %s\n", o.Name, o.Error)
		case res.DryRun:
			fmt.Fprintf(w, "✓ Planned migration: %s\n", o.Name)
		case o.Status == journal.StatusPartial:
			fmt.Fprintf(w, "⚠ Partially applied migration: %s\n", o.Name)
		default:
			fmt.Fprintf(w, "✓ Applied migration: %s\n", o.Name)
		}

		if o.Report == nil {
			continue
		}
		o.Report.PrintSummary(w)

		if !withDiff {
			continue
		}
		for _, c := range o.Report.Changes {
			d, err := c.Diff()
			if err != nil {
				fmt.Fprintf(w, "  (diff of %s unavailable: %v)\n", c.ID, err)
				continue
			}
			fmt.Fprint(w, d)
		}
	}
}
