package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan [path]",
	Short: "Scan a directory and print its size breakdown",
	Long: `Scan a directory tree once and print it largest-first.

Directories deeper than the scan depth are shown as "not scanned"; entries that
could not be read are listed with the reason and counted in the summary.
If no path is specified, uses the current directory.

Examples:
  # Scan the current directory with the configured depth
  diskmap scan

  # Scan everything below /var, showing the 5 largest entries per directory
  diskmap scan /var --depth 0 --top 5

  # Skip build output and count hard-linked files once
  diskmap scan ~/src -x 'build/' -x '*.o' --hard-links once`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

var scanOpts scanFlags
var scanTop int
var scanLevels int

func init() {
	addScanFlags(scanCmd, &scanOpts)
	scanCmd.Flags().IntVarP(&scanTop, "top", "n", 10, "entries shown per directory, 0 = all")
	scanCmd.Flags().IntVar(&scanLevels, "levels", 2, "levels printed below the root, 0 = all")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	plan, err := scanOpts.plan(cmd, pathArg(args, 0))
	if err != nil {
		return err
	}
	plan.opts.Monitor.Enabled = false

	e, snap, err := plan.start(cmd.Context())
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	defer e.Close()

	out := cmd.OutOrStdout()
	printTree(out, snap.Tree, snap.View, scanLevels, scanTop)
	printStats(out, snap.Stats)
	return nil
}
