package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"diskmap/internal/common"
	"diskmap/internal/tree"
)

var searchCmd = &cobra.Command{
	Use:   "search <query> [path]",
	Short: "Find entries whose name contains a string",
	Long: `Scan a directory and list the entries whose name contains the query,
case-insensitively, with their sizes. With --tree the matches are shown in
place, together with the directories leading to them.

Examples:
  diskmap search .iso ~/Downloads
  diskmap search node_modules ~/src --tree
  diskmap search cache/ ~ --match-path`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSearch,
}

var searchOpts scanFlags
var searchMatchPath bool
var searchAsTree bool

func init() {
	addScanFlags(searchCmd, &searchOpts)
	searchCmd.Flags().BoolVar(&searchMatchPath, "match-path", false, "match against the full path instead of the name")
	searchCmd.Flags().BoolVar(&searchAsTree, "tree", false, "print matches inside the tree, hiding non-matching entries")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	plan, err := searchOpts.plan(cmd, pathArg(args, 1))
	if err != nil {
		return err
	}
	plan.opts.Monitor.Enabled = false
	if cmd.Flags().Changed("match-path") {
		plan.opts.MatchPath = searchMatchPath
	}

	e, _, err := plan.start(cmd.Context())
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	defer e.Close()

	res, err := e.Search(args[0], searchAsTree)
	if err != nil {
		return err
	}
	snap, err := e.Snapshot()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if searchAsTree {
		if res.Direct > 0 {
			printMatches(cmd, snap.Tree, snap.View)
		}
	} else {
		var total uint64
		for _, id := range res.Matches {
			n := snap.Tree.Get(id)
			total += n.Size
			fmt.Fprintf(out, "%10s  %s%s\n", common.FormatSize(n.Size), snap.Tree.Path(id), nodeSuffix(n))
		}
		if len(res.Matches) > 0 {
			fmt.Fprintf(out, "%10s  total\n", common.FormatSize(total))
		}
	}
	fmt.Fprintf(out, "\n%d matches\n", res.Direct)
	return nil
}

func printMatches(cmd *cobra.Command, t *tree.Tree, id tree.NodeID) {
	out := cmd.OutOrStdout()
	t.Walk(id, func(nid tree.NodeID, n *tree.Node, depth int) bool {
		if !n.Match.Visible() {
			return false
		}
		name := n.Name
		if depth == 0 {
			name = t.Path(nid)
		}
		marker := " "
		if n.Match == tree.MatchDirect {
			marker = "*"
		}
		fmt.Fprintf(out, "%s%s %10s  %s%s\n", marker, strings.Repeat("  ", depth), common.FormatSize(n.Size), name, nodeSuffix(n))
		return true
	})
}
