package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/replikit/sync/internal/uiformat"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List and resolve pending manual-resolution conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeFn, err := openInitializedClient(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		conflicts := eng.Conflicts()
		if len(conflicts) == 0 {
			uiformat.Info("No pending conflicts.")
			return nil
		}

		uiformat.Info("Pending conflicts:")
		fmt.Printf("  %-4s %-10s %-8s %s\n", "#", "TABLE", "OP ID", "TIMESTAMP")
		for i, c := range conflicts {
			fmt.Printf("  %-4d %-10s %-8s %s\n", i, c.Operation.Table, c.Operation.ID, c.Operation.Timestamp.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <index> --keep client|server",
	Short: "Resolve one pending conflict by index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid conflict index %q", args[0])
		}
		keep, _ := cmd.Flags().GetString("keep")
		if keep != "client" && keep != "server" {
			return fmt.Errorf("--keep must be \"client\" or \"server\"")
		}

		eng, closeFn, err := openInitializedClient(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		conflicts := eng.Conflicts()
		if idx < 0 || idx >= len(conflicts) {
			return fmt.Errorf("no conflict at index %d (have %d)", idx, len(conflicts))
		}

		if err := eng.ResolveManual(context.Background(), conflicts[idx].Operation.ID, keep == "client"); err != nil {
			uiformat.Error("resolve failed: %v", err)
			return err
		}
		uiformat.Success("conflict %d resolved, keeping %s data", idx, keep)
		return nil
	},
}

func init() {
	conflictsResolveCmd.Flags().String("keep", "server", "which side to keep: client or server")
	conflictsResolveCmd.Flags().String("schema", "", "path to a JSON sync schema file")
	conflictsCmd.Flags().String("schema", "", "path to a JSON sync schema file")
	conflictsCmd.AddCommand(conflictsResolveCmd)
}
