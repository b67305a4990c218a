package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"diskmap/internal/config"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change persistent settings",
	Long: `Show or change the settings stored in ~/.diskmap/settings.yaml.

Keys are the dotted yaml paths of the file. Values are parsed as yaml, so
lists and durations are written the way they appear in the file.

Examples:
  # Show current settings
  diskmap settings

  # Scan without a depth limit by default
  diskmap settings set scan.max_depth 0

  # Re-walk every 10 seconds
  diskmap settings set monitor.interval 10s

  # Always skip these directories
  diskmap settings set scan.excludes '[node_modules/, .git/]'`,
	Args: cobra.NoArgs,
	RunE: runSettingsShow,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting",
	Args:  cobra.ExactArgs(2),
	RunE:  runSettingsSet,
}

var settingsPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the settings file location",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), config.SettingsPath())
		return nil
	},
}

func init() {
	settingsCmd.AddCommand(settingsSetCmd)
	settingsCmd.AddCommand(settingsPathCmd)
	rootCmd.AddCommand(settingsCmd)
}

func runSettingsShow(cmd *cobra.Command, args []string) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# %s\n", config.SettingsPath())
	_, err = out.Write(data)
	return err
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	if err := settings.Set(key, value); err != nil {
		return err
	}
	if err := config.Save(cmd.Context(), settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, value)
	return nil
}
