package main

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"
)

// TestHelper isolates a test from the process environment and the standard
// logger.
type TestHelper struct {
	originalEnv map[string]*string
	logBuffer   *bytes.Buffer
}

// configEnvVars are the environment variables read by LoadConfig.
var configEnvVars = []string{
	"STATIC_PORT",
	"STATIC_HOST",
	"STATIC_ROOT",
	"STATIC_LOG_LEVEL",
	"STATIC_CONFIG_FILE",
}

// SetupTestEnv captures and clears the configuration environment and
// redirects log output. Both are restored when the test ends.
func SetupTestEnv(t *testing.T) *TestHelper {
	t.Helper()

	helper := &TestHelper{
		originalEnv: make(map[string]*string),
		logBuffer:   &bytes.Buffer{},
	}

	for _, envVar := range configEnvVars {
		if value, ok := os.LookupEnv(envVar); ok {
			helper.originalEnv[envVar] = &value
		} else {
			helper.originalEnv[envVar] = nil
		}
		os.Unsetenv(envVar)
	}

	log.SetOutput(helper.logBuffer)
	noColor := color.NoColor
	color.NoColor = true

	t.Cleanup(func() {
		helper.restoreEnv()
		log.SetOutput(os.Stderr)
		color.NoColor = noColor
	})

	return helper
}

// restoreEnv restores the original environment.
func (h *TestHelper) restoreEnv() {
	for key, value := range h.originalEnv {
		if value == nil {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, *value)
		}
	}
}

// SetEnv sets an environment variable for the rest of the test.
func (h *TestHelper) SetEnv(key, value string) {
	os.Setenv(key, value)
}

// GetLogs returns the captured log output.
func (h *TestHelper) GetLogs() string {
	return h.logBuffer.String()
}

// ClearLogs clears the log buffer.
func (h *TestHelper) ClearLogs() {
	h.logBuffer.Reset()
}

// writeSite creates the specified files beneath a fresh temporary directory
// and returns the directory.
func writeSite(t *testing.T, files map[string]string) string {
	t.Helper()

	root := t.TempDir()
	for name, content := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return root
}

// writeConfigFile writes a configuration file into a temporary directory.
func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
