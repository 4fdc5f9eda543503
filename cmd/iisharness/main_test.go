package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/openrnd/iisharness/iisexpress"
	"github.com/openrnd/iisharness/internal/config"
	"github.com/openrnd/iisharness/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	defer func() {
		Version = originalVersion
	}()
	Version = "v0.1.0-test"
	cfg := config.Defaults()
	cmd := newRootCommand(&cfg, testLogger())

	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	output := strings.TrimSpace(stdout.String())
	if output != "v0.1.0-test" {
		t.Fatalf("version output = %q, want %q", output, "v0.1.0-test")
	}
}

func TestRootCommandHelpListsExpectedSubcommands(t *testing.T) {
	cfg := config.Defaults()
	cmd := newRootCommand(&cfg, testLogger())
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	output := stdout.String()
	for _, name := range []string{"start", "stop", "status", "bugreport"} {
		if !strings.Contains(output, name) {
			t.Fatalf("help output missing %q: %s", name, output)
		}
	}
}

func TestStatusWithoutRecord(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid.txt")
	output, err := execute(t, context.Background(), "status", "--pid-file", pidFile)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(output, "no server recorded") {
		t.Fatalf("status output = %q", output)
	}
}

func TestStatusReportsLiveProcess(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid.txt")
	writePID(t, pidFile, os.Getpid())

	output, err := execute(t, context.Background(), "status", "--pid-file", pidFile)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	want := "pid " + strconv.Itoa(os.Getpid()) + " running"
	if strings.TrimSpace(output) != want {
		t.Fatalf("status output = %q, want %q", output, want)
	}
}

func TestStatusRejectsCorruptRecord(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid.txt")
	if err := os.WriteFile(pidFile, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	if _, err := execute(t, context.Background(), "status", "--pid-file", pidFile); err == nil {
		t.Fatal("expected error for corrupt record")
	}
}

func TestStopClearsRecordOfExitedProcess(t *testing.T) {
	exited := exec.Command("true")
	if err := exited.Run(); err != nil {
		t.Skipf("true unavailable: %v", err)
	}
	pidFile := filepath.Join(t.TempDir(), "pid.txt")
	writePID(t, pidFile, exited.Process.Pid)

	output, err := execute(t, context.Background(), "stop", "--pid-file", pidFile)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !strings.Contains(output, "pid "+strconv.Itoa(exited.Process.Pid)+" already exited") {
		t.Fatalf("stop output = %q", output)
	}
	test.AssertFileNotExists(t, pidFile)
}

func TestStopLeavesProcessWithAnotherNameRunning(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid.txt")
	writePID(t, pidFile, os.Getpid())

	output, err := execute(t, context.Background(), "stop", "--pid-file", pidFile)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !strings.Contains(output, "left pid "+strconv.Itoa(os.Getpid())+" running") {
		t.Fatalf("stop output = %q", output)
	}
	if strings.Contains(output, "stopped pid") {
		t.Fatalf("stop claimed to stop a process it left alone: %q", output)
	}
	test.AssertFileNotExists(t, pidFile)
}

func TestStatusRejectsRecordOutsidePIDRange(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid.txt")
	if err := os.WriteFile(pidFile, []byte("4294967297\n"), 0o600); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	if _, err := execute(t, context.Background(), "status", "--pid-file", pidFile); err == nil {
		t.Fatal("expected error for out-of-range record")
	}
}

func TestStopWithoutRecord(t *testing.T) {
	output, err := execute(t, context.Background(), "stop", "--pid-file", filepath.Join(t.TempDir(), "pid.txt"))
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !strings.Contains(output, "no server recorded") {
		t.Fatalf("stop output = %q", output)
	}
}

func TestStartRejectsInvalidPort(t *testing.T) {
	project := test.WebProject(t)
	_, err := execute(t, context.Background(), "start",
		"--project", project,
		"--port", "70000",
		"--pid-file", filepath.Join(t.TempDir(), "pid.txt"),
	)
	if !errors.Is(err, iisexpress.ErrConfiguration) {
		t.Fatalf("start error = %v, want configuration failure", err)
	}
}

func TestStartRejectsUnknownArch(t *testing.T) {
	_, err := execute(t, context.Background(), "start", "--project", t.TempDir(), "--port", "8080", "--arch", "arm")
	if !errors.Is(err, iisexpress.ErrConfiguration) {
		t.Fatalf("start error = %v, want configuration failure", err)
	}
}

func TestStartRequiresFlags(t *testing.T) {
	if _, err := execute(t, context.Background(), "start"); err == nil {
		t.Fatal("expected missing flag error")
	}
}

func TestStartHoldsServerUntilCancelled(t *testing.T) {
	test.SkipIfShort(t)
	programFiles := test.FakeProgramFiles(t)
	project := test.WebProject(t)
	pidFile := filepath.Join(t.TempDir(), "pid.txt")
	test.Chdir(t, filepath.Dir(project))

	cfg := config.Defaults()
	cfg.ProgramFilesX86 = programFiles
	cfg.TerminationGrace = 3 * time.Second
	cfg.ForcedExitWait = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := newRootCommand(&cfg, testLogger())
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"start", "--project", "WebApp", "--port", "8080", "--pid-file", pidFile, "--quiet"})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	var pid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil && pid > 0
	}, 5*time.Second, 20*time.Millisecond, "server pid never recorded")
	assert.Equal(t, []string{"/path:" + project, "/port:8080"}, test.FakeServerArgs(t, programFiles))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("start did not return after cancellation")
	}
	test.RequireExited(t, pid, 5*time.Second)
	assert.Contains(t, stdout.String(), "IIS Express running (pid "+strconv.Itoa(pid)+")")
}

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	cfg := config.Defaults()
	cmd := newRootCommand(&cfg, testLogger())
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), err
}

func writePID(t *testing.T, path string, pid int) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
}

func testLogger() *log.Logger {
	return log.NewWithOptions(&bytes.Buffer{}, log.Options{})
}
