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

// Package config loads and saves the diskmap settings file.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"diskmap/internal/artifacts"
	"diskmap/internal/engine"
	"diskmap/internal/layout"
	"diskmap/internal/scan"
	"diskmap/internal/search"
	"diskmap/internal/util"
)

// getConfigDir returns the config directory path.
// Uses DISKMAP_CONFIG_DIR env var if set, otherwise defaults to ~/.diskmap.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("DISKMAP_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".diskmap")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// SettingsPath returns the settings file path
func SettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// LockPath returns the lock file guarding settings writes
func LockPath() string {
	return filepath.Join(getConfigDir(), "settings.lock")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir creates the config directory and writes the default settings
// file if none exists yet.
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	path := SettingsPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, artifacts.DefaultSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// Settings mirrors settings.yaml.
type Settings struct {
	LogLevel string          `yaml:"log_level"` // trace, debug, info, warn, error, off
	Scan     ScanSettings    `yaml:"scan"`
	Monitor  MonitorSettings `yaml:"monitor"`
	Layout   LayoutSettings  `yaml:"layout"`
	Search   SearchSettings  `yaml:"search"`
}

type ScanSettings struct {
	MaxDepth       uint     `yaml:"max_depth"` // 0 = unlimited
	FollowSymlinks bool     `yaml:"follow_symlinks"`
	HardLinks      string   `yaml:"hard_links"` // count, once
	Excludes       []string `yaml:"excludes"`
	SkipSystemDirs bool     `yaml:"skip_system_dirs"`
}

type MonitorSettings struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Scope    string        `yaml:"scope"` // view, root
}

type LayoutSettings struct {
	MinTileArea float64 `yaml:"min_tile_area"`
	MinTileSide float64 `yaml:"min_tile_side"`
	MergeSmall  bool    `yaml:"merge_small"`
}

type SearchSettings struct {
	MatchPath          bool `yaml:"match_path"`
	IncludeDescendants bool `yaml:"include_descendants"`
}

var logLevels = map[string]bool{
	"": true, "off": true, "none": true,
	"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

// Validate reports the first invalid field.
func (s *Settings) Validate() error {
	if !logLevels[strings.ToLower(s.LogLevel)] {
		return fmt.Errorf("invalid log_level %q", s.LogLevel)
	}
	if _, err := scan.ParseHardLinkPolicy(s.Scan.HardLinks); err != nil {
		return fmt.Errorf("invalid scan.hard_links: %w", err)
	}
	if s.Monitor.Interval <= 0 {
		return fmt.Errorf("invalid monitor.interval %v: must be positive", s.Monitor.Interval)
	}
	if _, err := engine.ParseMonitorScope(s.Monitor.Scope); err != nil {
		return fmt.Errorf("invalid monitor.scope: %w", err)
	}
	if s.Layout.MinTileArea < 0 || s.Layout.MinTileSide < 0 {
		return fmt.Errorf("invalid layout thresholds: must not be negative")
	}
	return nil
}

// Default returns the embedded default settings.
func Default() *Settings {
	var settings Settings
	if err := yaml.Unmarshal(artifacts.DefaultSettings, &settings); err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	return &settings
}

// Load reads settings.yaml from the config directory. Keys missing from the
// file keep their default; a missing file yields the defaults.
func Load() (*Settings, error) {
	return LoadFromPath(SettingsPath())
}

// LoadFromPath is Load for an explicit file.
func LoadFromPath(path string) (*Settings, error) {
	settings := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return settings, nil
}

var settingsHeader = []byte("# diskmap settings\n# See: diskmap settings --help\n\n")

// Save validates settings and writes them to settings.yaml. Writers in other
// processes are excluded with a file lock; the file is replaced atomically.
func Save(ctx context.Context, settings *Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}

	lock := flock.New(LockPath())
	var lockErr error
	err = util.PollUntil(ctx, util.DefaultPollConfig(), func() bool {
		var locked bool
		locked, lockErr = lock.TryLock()
		return locked || lockErr != nil
	})
	if lockErr != nil {
		return fmt.Errorf("failed to lock settings: %w", lockErr)
	}
	if err != nil {
		return fmt.Errorf("settings are locked by another process: %w", err)
	}
	defer lock.Unlock()

	tmp, err := os.CreateTemp(getConfigDir(), "settings-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(settingsHeader, data...)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), SettingsPath())
}

// ScanRequest builds the walk configuration for root.
func (s *Settings) ScanRequest(root string) scan.ScanRequest {
	policy, _ := scan.ParseHardLinkPolicy(s.Scan.HardLinks)
	return scan.ScanRequest{
		Root:           root,
		MaxDepth:       s.Scan.MaxDepth,
		FollowSymlinks: s.Scan.FollowSymlinks,
		HardLinks:      policy,
		Excludes:       append([]string(nil), s.Scan.Excludes...),
		SkipSystemDirs: s.Scan.SkipSystemDirs,
	}
}

// LayoutOptions returns the treemap thresholds.
func (s *Settings) LayoutOptions() layout.Options {
	return layout.Options{
		MinTileArea: s.Layout.MinTileArea,
		MinTileSide: s.Layout.MinTileSide,
		MergeSmall:  s.Layout.MergeSmall,
	}
}

// SearchOptions returns the match annotation options.
func (s *Settings) SearchOptions() search.Options {
	return search.Options{IncludeDescendants: s.Search.IncludeDescendants}
}

// EngineOptions assembles the engine configuration. Walker and deleter are
// left nil so the engine uses the OS file system.
func (s *Settings) EngineOptions() engine.Options {
	scope, _ := engine.ParseMonitorScope(s.Monitor.Scope)
	return engine.Options{
		Defaults: s.ScanRequest(""),
		Monitor: engine.MonitorOptions{
			Enabled:  s.Monitor.Enabled,
			Interval: s.Monitor.Interval,
			Scope:    scope,
		},
		Layout:    s.LayoutOptions(),
		Search:    s.SearchOptions(),
		MatchPath: s.Search.MatchPath,
	}
}

// Set assigns one setting by its dotted yaml key, e.g. "scan.max_depth".
// The value is parsed as yaml so lists and durations work as in the file.
func (s *Settings) Set(key, value string) error {
	var doc map[string]any
	raw, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}

	var parsed any
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
		return fmt.Errorf("invalid value %q: %w", value, err)
	}

	parts := strings.Split(key, ".")
	node := doc
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			return fmt.Errorf("unknown setting %q", key)
		}
		node = child
	}
	last := parts[len(parts)-1]
	if _, ok := node[last]; !ok {
		return fmt.Errorf("unknown setting %q", key)
	}
	if _, isMap := node[last].(map[string]any); isMap {
		return fmt.Errorf("setting %q is a section, not a value", key)
	}
	node[last] = parsed

	raw, err = yaml.Marshal(doc)
	if err != nil {
		return err
	}
	var updated Settings
	if err := yaml.Unmarshal(raw, &updated); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := updated.Validate(); err != nil {
		return err
	}
	*s = updated
	return nil
}
