package cli

import (
	"fmt"
	"time"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/cli/appctx"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/migrations"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/render"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	Long: `Lists every migration in the catalog with its applied marker from the
target database, and the current run lock if one is held.`,
	Args: cobra.NoArgs,
	RunE: appctx.WithApp(appctx.Options{NeedsDB: true}, runStatus),
}

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

type statusTable []migrations.MigrationStatus

func (statusTable) Headers() []string {
	return []string{"NAME", "STRATEGY", "APPLIED", "APPLIED_AT", "RUN_ID"}
}

func (t statusTable) Rows() [][]string {
	rows := make([][]string, len(t))
	for i, s := range t {
		applied, appliedAt := "no", "-"
		if s.Applied {
			applied = "yes"
		}
		if s.AppliedAt != nil {
			appliedAt = s.AppliedAt.UTC().Format(time.RFC3339)
		}
		runID := s.RunID
		if runID == "" {
			runID = "-"
		}
		rows[i] = []string{s.Name, string(s.Strategy), applied, appliedAt, runID}
	}
	return rows
}

func runStatus(app *appctx.App, cmd *cobra.Command, args []string) error {
	format, err := outputFormat(statusJSON, app.Config.Output)
	if err != nil {
		return exitError(2, err)
	}

	runner := migrations.NewRunner(app.Store, nil, app.Config, app.Logger)
	statuses, err := runner.Status(cmd.Context())
	if err != nil {
		return exitError(1, err)
	}
	lock, err := runner.Lock(cmd.Context())
	if err != nil {
		return exitError(1, err)
	}

	r := render.NewRenderer(cmd.OutOrStdout(), format)
	if format != render.FormatTable {
		if format == render.FormatTSV {
			return r.Render(statusTable(statuses))
		}
		return r.Render(map[string]any{"migrations": statuses, "lock": lock})
	}

	if err := r.Render(statusTable(statuses)); err != nil {
		return err
	}
	if lock != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "\nLock %q held by %s until %s\n", lock.Name, lock.Owner, lock.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}
