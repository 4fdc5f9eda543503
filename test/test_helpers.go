// Package test provides shared fixtures for harness tests: a fake IIS Express
// installation, a web project directory, and process liveness assertions.
package test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// FakeServerArgsFile is written next to the fake executable with the argv it received.
const FakeServerArgsFile = "args.txt"

// fakeServerScript stays alive until signalled and records its arguments.
const fakeServerScript = `#!/bin/sh
trap 'exit 0' TERM INT
dir=$(dirname "$0")
for arg in "$@"; do
  printf '%s\n' "$arg"
done > "$dir/args.tmp"
mv "$dir/args.tmp" "$dir/` + FakeServerArgsFile + `"
while :; do
  sleep 1
done
`

// Context returns a context cancelled when the test completes.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// SkipOnWindows skips tests that rely on a POSIX shell fake server.
func SkipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake IIS Express server requires a POSIX shell")
	}
}

// SkipIfShort skips the test if -short flag is provided
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping test in short mode")
	}
}

// FakeProgramFiles creates a program-files root containing a runnable
// "IIS Express/iisexpress.exe" and returns the root.
func FakeProgramFiles(t *testing.T) string {
	t.Helper()
	SkipOnWindows(t)

	root := t.TempDir()
	exe := filepath.Join(root, "IIS Express", "iisexpress.exe")
	require.NoError(t, os.MkdirAll(filepath.Dir(exe), 0o750), "create fake IIS Express directory")
	// #nosec G306 -- the fake server must be executable.
	require.NoError(t, os.WriteFile(exe, []byte(fakeServerScript), 0o755), "write fake IIS Express executable")
	return root
}

// FakeServerArgs waits for the fake server under root to record its argv.
func FakeServerArgs(t *testing.T, root string) []string {
	t.Helper()
	path := filepath.Join(root, "IIS Express", FakeServerArgsFile)

	var content []byte
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		if err != nil || len(data) == 0 || !strings.HasSuffix(string(data), "\n") {
			return false
		}
		content = data
		return true
	}, 5*time.Second, 20*time.Millisecond, "fake server never recorded arguments")

	return strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
}

// WebProject creates a project directory containing a Web.config marker and
// returns its absolute path.
func WebProject(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "WebApp")
	require.NoError(t, os.MkdirAll(dir, 0o750), "create web project")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Web.config"), []byte("<configuration />\n"), 0o600), "write Web.config")
	return dir
}

// Chdir changes to dir for the duration of the test.
func Chdir(t *testing.T, dir string) {
	t.Helper()
	original, err := os.Getwd()
	require.NoError(t, err, "failed to get working directory")

	err = os.Chdir(dir)
	require.NoError(t, err, "failed to change directory")

	t.Cleanup(func() {
		err := os.Chdir(original)
		assert.NoError(t, err, "failed to restore working directory")
	})
}

// ProcessAlive reports whether pid refers to a running, non-zombie process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	statuses, err := proc.Status()
	if err != nil {
		return false
	}
	for _, status := range statuses {
		if status == process.Zombie {
			return false
		}
	}
	return true
}

// RequireExited waits until pid is no longer running.
func RequireExited(t *testing.T, pid int, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !ProcessAlive(pid)
	}, timeout, 20*time.Millisecond, "pid %d still running", pid)
}

// AssertFileContent checks if a file has the expected content
func AssertFileContent(t *testing.T, path, expectedContent string) {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err, "failed to read file: %s", path)
	assert.Equal(t, expectedContent, string(content), "file content mismatch")
}

// AssertFileNotExists checks if a file does not exist
func AssertFileNotExists(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist, "file should not exist: %s", path)
}
