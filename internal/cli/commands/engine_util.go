package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"diskmap/internal/common"
	"diskmap/internal/engine"
	"diskmap/internal/scan"
	"diskmap/internal/tree"
)

// scanFlags are the walk settings every scanning command accepts. Unset
// flags fall back to the settings file.
type scanFlags struct {
	depth          uint
	followSymlinks bool
	hardLinks      string
	excludes       []string
	includeSystem  bool
}

func addScanFlags(cmd *cobra.Command, f *scanFlags) {
	cmd.Flags().UintVarP(&f.depth, "depth", "d", 0, "maximum scan depth, 0 = unlimited (default from settings)")
	cmd.Flags().BoolVarP(&f.followSymlinks, "follow-symlinks", "L", false, "descend into symlinked directories")
	cmd.Flags().StringVar(&f.hardLinks, "hard-links", "", "hard link accounting: count or once")
	cmd.Flags().StringArrayVarP(&f.excludes, "exclude", "x", nil, "gitignore-style pattern to skip (repeatable)")
	cmd.Flags().BoolVar(&f.includeSystem, "include-system", false, "do not skip system directories")
}

// scanPlan is a resolved scan: root, walk parameters and engine options.
type scanPlan struct {
	root           string
	depth          uint
	followSymlinks bool
	opts           engine.Options
}

func (f *scanFlags) plan(cmd *cobra.Command, path string) (*scanPlan, error) {
	s := *settings
	s.Scan.Excludes = append([]string(nil), settings.Scan.Excludes...)

	flags := cmd.Flags()
	if flags.Changed("depth") {
		s.Scan.MaxDepth = f.depth
	}
	if flags.Changed("follow-symlinks") {
		s.Scan.FollowSymlinks = f.followSymlinks
	}
	if flags.Changed("hard-links") {
		s.Scan.HardLinks = f.hardLinks
	}
	if flags.Changed("exclude") {
		s.Scan.Excludes = append(s.Scan.Excludes, f.excludes...)
	}
	if flags.Changed("include-system") {
		s.Scan.SkipSystemDirs = !f.includeSystem
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	root, err := common.CleanRoot(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	return &scanPlan{
		root:           root,
		depth:          s.Scan.MaxDepth,
		followSymlinks: s.Scan.FollowSymlinks,
		opts:           s.EngineOptions(),
	}, nil
}

// start creates an engine and runs the initial scan. The caller closes the
// engine.
func (p *scanPlan) start(ctx context.Context) (*engine.Engine, *engine.Snapshot, error) {
	e := engine.New(p.opts)
	snap, err := e.StartScan(ctx, p.root, p.depth, p.followSymlinks)
	if err != nil {
		_ = e.Close()
		return nil, nil, err
	}
	return e, snap, nil
}

func pathArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return "."
}

// printTree writes the subtree of id, largest entries first, limited to
// levels below id (0 = no limit) and top entries per directory (0 = all).
func printTree(w io.Writer, t *tree.Tree, id tree.NodeID, levels, top int) {
	var visit func(nid tree.NodeID, depth int)
	visit = func(nid tree.NodeID, depth int) {
		n := t.Get(nid)
		name := n.Name
		if depth == 0 {
			name = t.Path(nid)
		}
		indent := strings.Repeat("  ", depth)
		fmt.Fprintf(w, "%s%10s  %s%s\n", indent, common.FormatSize(n.Size), name, nodeSuffix(n))
		if levels > 0 && depth >= levels {
			return
		}

		shown := n.Children
		if top > 0 && len(shown) > top {
			shown = shown[:top]
		}
		for _, c := range shown {
			visit(c, depth+1)
		}
		if hidden := n.Children[len(shown):]; len(hidden) > 0 {
			var rest uint64
			for _, c := range hidden {
				rest += t.Get(c).Size
			}
			fmt.Fprintf(w, "%s  %10s  (%d more)\n", indent, common.FormatSize(rest), len(hidden))
		}
	}
	visit(id, 0)
}

func nodeSuffix(n *tree.Node) string {
	switch {
	case n.Kind == tree.KindInaccessible:
		return fmt.Sprintf(" [%v]", n.Reason.Err())
	case n.Truncated:
		return "/ [not scanned]"
	case n.Kind == tree.KindSymlinkDirectory || n.Kind == tree.KindSymlinkFile:
		return " ->"
	case n.Kind == tree.KindDirectory:
		return "/"
	default:
		return ""
	}
}

func printStats(w io.Writer, stats scan.Statistics) {
	fmt.Fprintf(w, "\n%d files, %d directories scanned in %v\n",
		stats.FilesScanned, stats.DirsScanned, stats.Elapsed.Round(1e6))
	if stats.Skipped() > 0 {
		fmt.Fprintf(w, "Skipped: %d permission denied, %d symlink cycles, %d errors\n",
			stats.PermissionDenied, stats.SymlinkCycles, stats.Errors)
	}
	if stats.Excluded > 0 {
		fmt.Fprintf(w, "Excluded: %d\n", stats.Excluded)
	}
	if stats.HardLinksDeduped > 0 {
		fmt.Fprintf(w, "Hard links counted once: %d\n", stats.HardLinksDeduped)
	}
}
