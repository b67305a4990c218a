package commands

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"diskmap/internal/common"
	"diskmap/internal/deletion"
	"diskmap/internal/tree"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <path>",
	Short: "Delete a file or directory and report what was freed",
	Long: `Delete a file or directory tree from disk. Symlinks are removed, never followed.

Without --yes nothing is deleted; the command only shows what would be removed.
Entries that cannot be removed are listed individually; everything else is
still deleted.

Examples:
  # Preview
  diskmap delete ~/Downloads/old-isos

  # Delete
  diskmap delete ~/Downloads/old-isos --yes`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

var deleteYes bool

func init() {
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "actually delete")
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
	target, err := common.CleanRoot(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	parent := filepath.Dir(target)
	if parent == target {
		return common.ErrCannotDeleteRoot
	}

	// The parent is scanned fully so the freed size covers the whole subtree.
	plan := &scanPlan{root: parent, opts: settings.EngineOptions()}
	plan.opts.Defaults.Excludes = nil
	plan.opts.Defaults.SkipSystemDirs = false
	plan.opts.Monitor.Enabled = false

	e, snap, err := plan.start(cmd.Context())
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	defer e.Close()

	id, ok := snap.Tree.LookupPath(target)
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrNodeNotFound, target)
	}
	n := snap.Tree.Get(id)
	out := cmd.OutOrStdout()

	if !deleteYes {
		var entries int
		snap.Tree.Walk(id, func(tree.NodeID, *tree.Node, int) bool {
			entries++
			return true
		})
		fmt.Fprintf(out, "Would delete %s (%s, %d entries). Re-run with --yes to delete.\n",
			target, common.FormatSize(n.Size), entries)
		return nil
	}

	report, err := e.Delete(cmd.Context(), target)
	fmt.Fprintf(out, "Removed %d entries, freed %s\n", report.Removed, common.FormatSize(report.FreedBytes))

	var de *deletion.DeleteError
	if errors.As(err, &de) {
		for _, f := range report.Failures {
			fmt.Fprintf(out, "  failed: %s: %v\n", f.Path, f.Err)
		}
		return fmt.Errorf("%d entries could not be deleted", len(report.Failures))
	}
	return err
}
