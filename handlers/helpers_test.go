package handlers

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"template-server/logging"
)

// captureLogs redirects the standard logger into a buffer for the duration
// of the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()

	buffer := &bytes.Buffer{}
	log.SetOutput(buffer)
	noColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		color.NoColor = noColor
	})
	return buffer
}

// testLogger returns a logger that emits everything.
func testLogger() *logging.Logger {
	return logging.NewLogger(logging.LevelTrace)
}

// writeTree creates the specified files beneath a fresh temporary directory
// and returns the directory.
func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()

	root := t.TempDir()
	for name, content := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return root
}
