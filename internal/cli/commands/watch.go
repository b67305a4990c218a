package commands

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"diskmap/internal/common"
	"diskmap/internal/engine"
	"diskmap/internal/metrics"
	"diskmap/internal/monitor"
)

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Scan a directory and report changes as they happen",
	Long: `Scan a directory tree and keep re-walking it on an interval, printing every
added, removed or updated entry. Runs until interrupted or until the root
disappears.

Examples:
  # Watch the current directory with the configured interval
  diskmap watch

  # Re-walk every second and expose Prometheus metrics
  diskmap watch /data --interval 1s --metrics-addr :9090`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

var watchOpts scanFlags
var watchInterval time.Duration
var watchMetricsAddr string

func init() {
	addScanFlags(watchCmd, &watchOpts)
	watchCmd.Flags().DurationVarP(&watchInterval, "interval", "i", 0, "time between re-walks (default from settings)")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	plan, err := watchOpts.plan(cmd, pathArg(args, 0))
	if err != nil {
		return err
	}
	plan.opts.Monitor.Enabled = true
	if cmd.Flags().Changed("interval") {
		if watchInterval <= 0 {
			return fmt.Errorf("invalid --interval %v: must be positive", watchInterval)
		}
		plan.opts.Monitor.Interval = watchInterval
	}

	if watchMetricsAddr != "" {
		srv := metrics.StartMetricsServer(watchMetricsAddr)
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, snap, err := plan.start(ctx)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	defer e.Close()

	out := cmd.OutOrStdout()
	root := snap.Tree.Get(snap.Tree.Root())
	fmt.Fprintf(out, "Watching %s (%s, every %v). Press Ctrl+C to stop.\n",
		snap.Root, common.FormatSize(root.Size), plan.opts.Monitor.Interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-e.Events():
			if !ok {
				return nil
			}
			switch ev := ev.(type) {
			case engine.TreeChanged:
				printDiff(cmd, ev.Diff)
			case engine.MonitorStopped:
				if monitor.IsRootUnavailable(ev.Reason) {
					return fmt.Errorf("%s is no longer available: %w", snap.Root, ev.Reason)
				}
				return fmt.Errorf("monitoring stopped: %w", ev.Reason)
			}
		}
	}
}

func printDiff(cmd *cobra.Command, d monitor.Diff) {
	out := cmd.OutOrStdout()
	stamp := time.Now().Format("15:04:05")
	for _, c := range d.Changes {
		var mark string
		switch c.Kind {
		case monitor.Added:
			mark = "+"
		case monitor.Removed:
			mark = "-"
		default:
			mark = "~"
		}
		fmt.Fprintf(out, "%s %s %s\n", stamp, mark, c.Path)
	}
}
