package cli

import (
	"fmt"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/cli/appctx"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/migrations"
	"github.com/spf13/cobra"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Force-release the run lock",
	Long: `Deletes the run lock regardless of its owner. Use this only when the
process holding it is known to be gone.`,
	Args: cobra.NoArgs,
	RunE: appctx.WithApp(appctx.Options{NeedsDB: true}, runUnlock),
}

var unlockName string

func init() {
	rootCmd.AddCommand(unlockCmd)
	unlockCmd.Flags().StringVar(&unlockName, "name", "", "Lock collection (default from config)")
}

func runUnlock(app *appctx.App, cmd *cobra.Command, args []string) error {
	if unlockName != "" {
		app.Config.Collections.Locks = unlockName
	}

	runner := migrations.NewRunner(app.Store, nil, app.Config, app.Logger)
	lock, err := runner.Lock(cmd.Context())
	if err != nil {
		return exitError(1, err)
	}

	released, err := runner.Unlock(cmd.Context())
	if err != nil {
		return exitError(1, err)
	}

	if !released {
		fmt.Fprintf(cmd.OutOrStdout(), "○ No lock held in %s\n", app.Config.Collections.Locks)
		return nil
	}
	owner := "unknown"
	if lock != nil {
		owner = lock.Owner
	}
	app.Logger.Warn("lock force-released", "collection", app.Config.Collections.Locks, "owner", owner)
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Released lock held by %s\n", owner)
	return nil
}
