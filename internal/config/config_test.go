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

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diskmap/internal/engine"
	"diskmap/internal/scan"
)

func useConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DISKMAP_CONFIG_DIR", dir)
	return dir
}

func TestConfigDir(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv("DISKMAP_CONFIG_DIR", "")
		dir := ConfigDir()
		assert.NotEmpty(t, dir)
		assert.True(t, strings.HasSuffix(dir, ".diskmap"), "should end with .diskmap")
	})

	t.Run("override with DISKMAP_CONFIG_DIR", func(t *testing.T) {
		t.Setenv("DISKMAP_CONFIG_DIR", "/tmp/test-diskmap-config")
		assert.Equal(t, "/tmp/test-diskmap-config", ConfigDir())
		assert.Equal(t, "/tmp/test-diskmap-config/settings.yaml", SettingsPath())
		assert.Equal(t, "/tmp/test-diskmap-config/settings.lock", LockPath())
	})
}

func TestDefaults(t *testing.T) {
	s := Default()
	require.NoError(t, s.Validate())

	assert.Equal(t, "off", s.LogLevel)
	assert.Equal(t, uint(4), s.Scan.MaxDepth)
	assert.False(t, s.Scan.FollowSymlinks)
	assert.Equal(t, "count", s.Scan.HardLinks)
	assert.Empty(t, s.Scan.Excludes)
	assert.True(t, s.Scan.SkipSystemDirs)
	assert.True(t, s.Monitor.Enabled)
	assert.Equal(t, 5*time.Second, s.Monitor.Interval)
	assert.Equal(t, "view", s.Monitor.Scope)
	assert.Equal(t, 16.0, s.Layout.MinTileArea)
	assert.True(t, s.Layout.MergeSmall)
	assert.False(t, s.Search.MatchPath)
}

func TestLoad(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		useConfigDir(t)
		s, err := Load()
		require.NoError(t, err)
		assert.Equal(t, Default(), s)
	})

	t.Run("partial file keeps other defaults", func(t *testing.T) {
		dir := useConfigDir(t)
		content := "scan:\n  max_depth: 7\n  excludes: [node_modules/, '*.iso']\nmonitor:\n  interval: 750ms\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.yaml"), []byte(content), 0600))

		s, err := Load()
		require.NoError(t, err)
		assert.Equal(t, uint(7), s.Scan.MaxDepth)
		assert.Equal(t, []string{"node_modules/", "*.iso"}, s.Scan.Excludes)
		assert.Equal(t, 750*time.Millisecond, s.Monitor.Interval)
		assert.True(t, s.Scan.SkipSystemDirs)
		assert.Equal(t, "view", s.Monitor.Scope)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		dir := useConfigDir(t)
		content := "scan:\n  hard_links: sometimes\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.yaml"), []byte(content), 0600))

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hard_links")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		dir := useConfigDir(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.yaml"), []byte("scan: [\n"), 0600))

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestInitConfigDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	t.Setenv("DISKMAP_CONFIG_DIR", dir)

	require.NoError(t, InitConfigDir())
	data, err := os.ReadFile(SettingsPath())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# diskmap settings"))

	// An existing file is left alone
	require.NoError(t, os.WriteFile(SettingsPath(), []byte("log_level: debug\n"), 0600))
	require.NoError(t, InitConfigDir())
	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", s.LogLevel)
}

func TestSaveRoundTrip(t *testing.T) {
	useConfigDir(t)

	s := Default()
	s.Scan.MaxDepth = 0
	s.Scan.HardLinks = "once"
	s.Scan.Excludes = []string{"build/"}
	s.Monitor.Interval = 2 * time.Second
	s.Monitor.Scope = "root"
	require.NoError(t, Save(context.Background(), s))

	data, err := os.ReadFile(SettingsPath())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# diskmap settings\n"))

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, s, loaded)

	entries, err := os.ReadDir(ConfigDir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "settings-"), "temporary file left behind: %s", e.Name())
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	useConfigDir(t)
	s := Default()
	s.Monitor.Interval = 0
	assert.Error(t, Save(context.Background(), s))
	_, err := os.Stat(SettingsPath())
	assert.True(t, os.IsNotExist(err))
}

func TestSaveWaitsForLock(t *testing.T) {
	useConfigDir(t)
	require.NoError(t, EnsureConfigDir())

	held := flock.New(LockPath())
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = Save(ctx, Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")

	require.NoError(t, held.Unlock())
	assert.NoError(t, Save(context.Background(), Default()))
}

func TestSet(t *testing.T) {
	tests := []struct {
		key, value string
		check      func(t *testing.T, s *Settings)
		wantErr    bool
	}{
		{key: "scan.max_depth", value: "9", check: func(t *testing.T, s *Settings) {
			assert.Equal(t, uint(9), s.Scan.MaxDepth)
		}},
		{key: "monitor.interval", value: "30s", check: func(t *testing.T, s *Settings) {
			assert.Equal(t, 30*time.Second, s.Monitor.Interval)
		}},
		{key: "scan.excludes", value: "[a/, b/]", check: func(t *testing.T, s *Settings) {
			assert.Equal(t, []string{"a/", "b/"}, s.Scan.Excludes)
		}},
		{key: "scan.follow_symlinks", value: "true", check: func(t *testing.T, s *Settings) {
			assert.True(t, s.Scan.FollowSymlinks)
		}},
		{key: "log_level", value: "debug", check: func(t *testing.T, s *Settings) {
			assert.Equal(t, "debug", s.LogLevel)
		}},
		{key: "scan.max_depth", value: "deep", wantErr: true},
		{key: "scan.hard_links", value: "twice", wantErr: true},
		{key: "monitor.scope", value: "galaxy", wantErr: true},
		{key: "scan.colour", value: "1", wantErr: true},
		{key: "scan", value: "1", wantErr: true},
		{key: "nope.max_depth", value: "1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Parallel()
			s := Default()
			before := *s
			err := s.Set(tt.key, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, before, *s, "failed Set must not modify settings")
				return
			}
			require.NoError(t, err)
			tt.check(t, s)
		})
	}
}

func TestConverters(t *testing.T) {
	s := Default()
	s.Scan.HardLinks = "once"
	s.Scan.Excludes = []string{"*.tmp"}
	s.Search.MatchPath = true
	s.Search.IncludeDescendants = true

	req := s.ScanRequest("/data")
	assert.Equal(t, "/data", req.Root)
	assert.Equal(t, uint(4), req.MaxDepth)
	assert.Equal(t, scan.HardLinksOnce, req.HardLinks)
	assert.Equal(t, []string{"*.tmp"}, req.Excludes)
	assert.True(t, req.SkipSystemDirs)

	lo := s.LayoutOptions()
	assert.Equal(t, 16.0, lo.MinTileArea)
	assert.Equal(t, 2.0, lo.MinTileSide)
	assert.True(t, lo.MergeSmall)

	assert.True(t, s.SearchOptions().IncludeDescendants)

	eo := s.EngineOptions()
	assert.True(t, eo.Monitor.Enabled)
	assert.Equal(t, 5*time.Second, eo.Monitor.Interval)
	assert.Equal(t, engine.ScopeView, eo.Monitor.Scope)
	assert.True(t, eo.MatchPath)
	assert.Equal(t, scan.HardLinksOnce, eo.Defaults.HardLinks)
	assert.Nil(t, eo.Walker)
}
