// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"diskmap/internal/config"
	"diskmap/internal/util"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// settings is loaded before every command runs
var settings *config.Settings

var logLevelFlag string

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		// Dev build: include epoch and commit for troubleshooting
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var rootCmd = &cobra.Command{
	Use:   "diskmap",
	Short: "Show where disk space goes",
	Long: `Scan a directory tree, keep the model in sync with the disk and lay it out as a treemap.

Settings are read from ~/.diskmap/settings.yaml (or $DISKMAP_CONFIG_DIR/settings.yaml);
command line flags override them for a single run.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip initialization for help commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := config.InitConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}
		settings = loaded

		level := settings.LogLevel
		if logLevelFlag != "" {
			level = logLevelFlag
		}
		return util.ConfigureLogging(level, os.Stderr)
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("diskmap version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "",
		"log level: trace, debug, info, warn, error, off (default from settings)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
