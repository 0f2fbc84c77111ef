package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PieroV/mirror-to-onedrive/internal/config"
)

// saveFlags snapshots the global flag state and restores it after the
// test. newRootCmd() rebinds flags and resets the globals, so tests set
// them only after any command construction.
func saveFlags(t *testing.T) {
	t.Helper()

	oldConfig := flagConfigPath
	oldVerbose := flagVerbose
	oldQuiet := flagQuiet
	oldCfg := loadedCfg

	t.Cleanup(func() {
		flagConfigPath = oldConfig
		flagVerbose = oldVerbose
		flagQuiet = oldQuiet
		loadedCfg = oldCfg
	})
}

func TestBuildLogger_Default(t *testing.T) {
	saveFlags(t)

	flagVerbose = false
	flagQuiet = false

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_Verbose(t *testing.T) {
	saveFlags(t)

	flagVerbose = true
	flagQuiet = false

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_Quiet(t *testing.T) {
	saveFlags(t)

	flagVerbose = false
	flagQuiet = true

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
}

func TestNewRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd()

	assert.True(t, cmd.SilenceErrors)
	assert.True(t, cmd.SilenceUsage)
	assert.Equal(t, version, cmd.Version)

	names := make([]string, 0, len(cmd.Commands()))
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}

	assert.Contains(t, names, "login")
	assert.Contains(t, names, "service")
}

// writeTestConfig writes a minimal valid config file and returns its path.
func writeTestConfig(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := fmt.Sprintf(`client_id = "app-123"
client_secret = "hunter2"

[synchronize]
"Pictures/Camera" = %q
`, filepath.Join(dir, "camera"))

	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadRootConfig_FromFlag(t *testing.T) {
	saveFlags(t)

	flagConfigPath = writeTestConfig(t)

	require.NoError(t, loadRootConfig())
	require.NotNil(t, loadedCfg)

	assert.Equal(t, "app-123", loadedCfg.ClientID)
	assert.Equal(t, config.DefaultRedirectURI, loadedCfg.RedirectURI)

	mappings := loadedCfg.Mappings()
	require.Len(t, mappings, 1)
	assert.Equal(t, "Pictures/Camera", mappings[0].Remote)
}

func TestLoadRootConfig_MissingFile(t *testing.T) {
	saveFlags(t)

	flagConfigPath = filepath.Join(t.TempDir(), "nope.toml")

	err := loadRootConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestRootCmd_HelpRunsWithoutConfig(t *testing.T) {
	saveFlags(t)

	cmd := newRootCmd()
	cmd.SetArgs([]string{"help"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	require.NoError(t, cmd.Execute())
}
