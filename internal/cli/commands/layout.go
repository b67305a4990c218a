package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"diskmap/internal/common"
	"diskmap/internal/layout"
)

var layoutCmd = &cobra.Command{
	Use:   "layout [path]",
	Short: "Print the treemap rectangles of a directory",
	Long: `Scan a directory and print its slice-and-dice treemap for a canvas of the given
size. Each line is one tile: position, size, bytes and path, in pre-order.
Tiles that merge several small entries are shown as "(other)".

Examples:
  diskmap layout --width 1920 --height 1080
  diskmap layout ~/Downloads --width 800 --height 600 --min-area 64`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLayout,
}

var layoutOpts scanFlags
var layoutWidth, layoutHeight float64
var layoutMinArea, layoutMinSide float64
var layoutInto string

func init() {
	addScanFlags(layoutCmd, &layoutOpts)
	layoutCmd.Flags().Float64Var(&layoutWidth, "width", 1024, "canvas width")
	layoutCmd.Flags().Float64Var(&layoutHeight, "height", 768, "canvas height")
	layoutCmd.Flags().Float64Var(&layoutMinArea, "min-area", 0, "smallest tile area subdivided (default from settings)")
	layoutCmd.Flags().Float64Var(&layoutMinSide, "min-side", 0, "smallest tile side subdivided (default from settings)")
	layoutCmd.Flags().StringVar(&layoutInto, "into", "", "lay out this directory below the scanned root")
	rootCmd.AddCommand(layoutCmd)
}

func runLayout(cmd *cobra.Command, args []string) error {
	if layoutWidth <= 0 || layoutHeight <= 0 {
		return fmt.Errorf("canvas must have a positive size, got %gx%g", layoutWidth, layoutHeight)
	}
	plan, err := layoutOpts.plan(cmd, pathArg(args, 0))
	if err != nil {
		return err
	}
	plan.opts.Monitor.Enabled = false
	if cmd.Flags().Changed("min-area") {
		plan.opts.Layout.MinTileArea = layoutMinArea
	}
	if cmd.Flags().Changed("min-side") {
		plan.opts.Layout.MinTileSide = layoutMinSide
	}

	e, _, err := plan.start(cmd.Context())
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	defer e.Close()

	if layoutInto != "" {
		if _, err := e.NavigateInto(layoutInto); err != nil {
			return err
		}
	}

	frame, err := e.Layout(cmd.Context(), layout.Rect{W: layoutWidth, H: layoutHeight})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, tile := range frame.Tiles {
		name := frame.Tree.Path(tile.ID)
		if tile.IsOther() {
			name = fmt.Sprintf("%s/(other: %d entries)", frame.Tree.Path(tile.Parent), tile.Merged)
		}
		fmt.Fprintf(out, "%8.1f %8.1f %8.1f %8.1f %10s  %s\n",
			tile.Rect.X, tile.Rect.Y, tile.Rect.W, tile.Rect.H, common.FormatSize(tile.Size), name)
	}
	return nil
}
