// Package cli implements the syncd command tree using cobra.
package cli

import (
	"github.com/spf13/cobra"
)

var versionStr string

// SetVersion sets the version string cobra reports for --version.
func SetVersion(v string) {
	versionStr = v
	rootCmd.Version = v
}

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "Local-first bidirectional sync daemon and client",
	Long: `syncd runs the sync server (push/pull/realtime) or drives a local
embedded replica against one: init a replica, trigger syncs, inspect
conflicts, and watch live status.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(monitorCmd)
}
