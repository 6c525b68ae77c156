package cli

import (
	"fmt"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/migrations"
	"github.com/spf13/cobra"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Displays version, commit, and build date information.`,
	RunE:  runVersion,
}

var versionJSON bool

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
}

func runVersion(cmd *cobra.Command, args []string) error {
	catalog := migrations.Catalog()
	names := make([]string, len(catalog))
	for i, m := range catalog {
		names[i] = m.Name
	}

	if versionJSON {
		return writeJSON(cmd.OutOrStdout(), map[string]any{
			"version":    Version,
			"commit":     GitCommit,
			"build_date": BuildDate,
			"migrations": names,
			"supported_commands": []string{
				"run", "status", "log", "unlock", "version", "completion",
			},
			"supported_formats": []string{"table", "json", "yaml", "tsv"},
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "kkmigrate version %s\n", Version)
	fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", GitCommit)
	fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", BuildDate)
	fmt.Fprintf(cmd.OutOrStdout(), "  migrations: %d\n", len(names))

	return nil
}
