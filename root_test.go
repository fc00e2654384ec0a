package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	// Persistent flags are package globals; reset between runs.
	flagConfigPath = defaultConfigPath
	flagJSON = false
	flagVerbose = false
	flagQuiet = false

	cmd := newRootCmd()

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.Execute()

	return out.String(), err
}

func writeTestConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "shadowd.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	return path
}

func TestConfigShowPrintsEffectiveConfig(t *testing.T) {
	path := writeTestConfig(t, "[logging]\nlevel = \"debug\"\n")

	out, err := execute(t, "config", "show", "--config", path)
	require.NoError(t, err)

	assert.Contains(t, out, `level = "debug"`)
	// Defaults are filled in for sections the file omits.
	assert.Contains(t, out, `direction = "betweenDeviceAndCloud"`)
}

func TestConfigCheckValid(t *testing.T) {
	path := writeTestConfig(t, "[logging]\nlevel = \"warn\"\n")

	out, err := execute(t, "config", "check", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "valid")
}

func TestConfigCheckRejectsBadConfig(t *testing.T) {
	path := writeTestConfig(t, "[synchronize]\ndirection = \"sideways\"\n")

	_, err := execute(t, "config", "check", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "synchronize.direction")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "shadowd dev")

	out, err = execute(t, "version", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `{"version":"dev"}`)
}

func TestStatusWithoutDaemon(t *testing.T) {
	path := writeTestConfig(t,
		"[database]\npath = \""+filepath.Join(t.TempDir(), "shadow.db")+"\"\n")

	out, err := execute(t, "status", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "not running")
}

func TestWritePIDFileLocksOutSecondDaemon(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shadowd.pid")

	cleanup, err := writePIDFile(path)
	require.NoError(t, err)
	defer cleanup()

	pid, err := readPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	_, err = writePIDFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	assert.True(t, processAlive(pid))
}
