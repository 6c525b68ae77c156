package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kkmigrate",
	Short: "Reconcile kicherkrabbe projections and clean up event collections",
	Long: `kkmigrate applies idempotent data migrations to the kicherkrabbe MongoDB.
Each migration rebuilds a derived projection from its source collections or
sweeps obsolete events. Re-running a migration converges to the same state.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("uri", "", "MongoDB connection string (overrides KK_MONGO_URI)")
	rootCmd.PersistentFlags().String("database", "", "Database name (overrides KK_MONGO_DATABASE)")
	rootCmd.PersistentFlags().String("journal", "", "Path to local run journal (overrides KK_JOURNAL_PATH)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("config", "", "Path to config file")
}
