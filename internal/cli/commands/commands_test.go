package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diskmap/internal/config"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DISKMAP_CONFIG_DIR", t.TempDir())
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func cliFixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.bin"), make([]byte, 2048), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "small.txt"), make([]byte, 10), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "x"), make([]byte, 5), 0644))
	return root
}

func TestScanCommand(t *testing.T) {
	root := cliFixture(t)
	out, err := runCLI(t, "scan", root, "--depth", "0", "--top", "0", "--levels", "0")
	require.NoError(t, err)

	lines := strings.Split(out, "\n")
	assert.Contains(t, lines[0], "2.0 KB")
	assert.Contains(t, lines[0], root)
	assert.Contains(t, lines[1], "big.bin")
	assert.Contains(t, out, "sub/")
	assert.Contains(t, out, "3 files, 2 directories scanned")
}

func TestScanCommandMissingRoot(t *testing.T) {
	_, err := runCLI(t, "scan", filepath.Join(t.TempDir(), "missing"))
	assert.ErrorContains(t, err, "root not found")
}

func TestSearchCommand(t *testing.T) {
	root := cliFixture(t)
	out, err := runCLI(t, "search", "BIG", root)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(root, "big.bin"))
	assert.Contains(t, out, "1 matches")
	assert.NotContains(t, out, "small.txt")
}

func TestLayoutCommand(t *testing.T) {
	root := cliFixture(t)
	out, err := runCLI(t, "layout", root, "--width", "100", "--height", "50", "--min-area", "0", "--min-side", "0")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasSuffix(lines[0], root))
	assert.Contains(t, lines[0], "100.0")
	assert.True(t, strings.HasSuffix(lines[1], filepath.Join(root, "big.bin")))
}

func TestDeleteCommand(t *testing.T) {
	root := cliFixture(t)
	target := filepath.Join(root, "sub")

	out, err := runCLI(t, "delete", target)
	require.NoError(t, err)
	assert.Contains(t, out, "Would delete")
	assert.DirExists(t, target)

	out, err = runCLI(t, "delete", target, "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 2 entries, freed 5 B")
	assert.NoDirExists(t, target)
	deleteYes = false
}

func TestSettingsCommands(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DISKMAP_CONFIG_DIR", dir)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"settings", "set", "scan.max_depth", "7"})
	require.NoError(t, rootCmd.Execute())

	loaded, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, uint(7), loaded.Scan.MaxDepth)

	out.Reset()
	rootCmd.SetArgs([]string{"settings"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "max_depth: 7")

	rootCmd.SetArgs([]string{"settings", "set", "scan.nope", "1"})
	assert.Error(t, rootCmd.Execute())

	out.Reset()
	rootCmd.SetArgs([]string{"settings", "path"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, filepath.Join(dir, "settings.yaml")+"\n", out.String())
}
