package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		info := map[string]string{
			"version":    versionInfo.Version,
			"commit":     versionInfo.Commit,
			"build_date": versionInfo.BuildDate,
			"go":         runtime.Version(),
			"gofulmen":   crucible.GetVersion().Gofulmen,
		}
		if format != formatTable {
			return writeStructured(cmd.OutOrStdout(), format, info)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "goflock %s (commit %s, built %s, %s)\n",
			versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate, runtime.Version())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	addOutputFlag(versionCmd, formatTable, formatJSON, formatYAML)
}
