package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestRunBugReportCreatesArchiveWithRedactedConfigAndArtifacts(t *testing.T) {
	restore := snapshotBugreportHooks()
	defer restore()

	home, cwd := bugreportDirs(t)
	logsDir := filepath.Join(home, ".iisharness", "logs")
	mustMkdir(t, logsDir)
	base := time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC)
	for i := range 4 {
		path := filepath.Join(logsDir, fmt.Sprintf("iisharness-%d.log", i))
		line := fmt.Sprintf(`{"msg":"iis express running","run_id":"run-%d","trace_id":"trace-%d"}`, i, i)
		mustWrite(t, path, line+"\n")
		modTime := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, modTime, modTime); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	mustWrite(t, filepath.Join(home, ".iisharness", "config.toml"), "architecture = \"x64\"\nauth_token = \"supersecret\"\n")
	mustWrite(t, filepath.Join(cwd, ".iisharness", "config.toml"), "marker_file = \"web.config\"\n")
	mustWrite(t, filepath.Join(cwd, "pid.txt"), strconv.Itoa(os.Getpid())+"\n")

	bugreportNowFn = func() time.Time { return time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC) }

	var out bytes.Buffer
	if err := runBugReport(context.Background(), &out, "pid.txt"); err != nil {
		t.Fatalf("run bugreport: %v", err)
	}
	if !strings.Contains(out.String(), "Bug report written to:") {
		t.Fatalf("unexpected output: %q", out.String())
	}

	contents := extractTarballTextFiles(t, filepath.Join(cwd, ".iisharness-bugreport-20260211-100000.tar.gz"))
	for _, name := range []string{"README.txt", "version.txt", "last-run.txt", "pid-state.txt", "config-home.toml", "config-project.toml"} {
		if _, ok := contents[name]; !ok {
			t.Fatalf("archive missing %s; have %v", name, keys(contents))
		}
	}

	logCount := 0
	for name := range contents {
		if strings.HasPrefix(name, "logs/") {
			logCount++
		}
	}
	if logCount != bugreportLogLimit {
		t.Fatalf("log file count = %d, want %d most recent logs", logCount, bugreportLogLimit)
	}
	if _, ok := contents["logs/iisharness-0.log"]; ok {
		t.Fatal("oldest log should not be bundled")
	}
	if strings.Contains(contents["config-home.toml"], "supersecret") {
		t.Fatalf("config should be redacted: %q", contents["config-home.toml"])
	}
	if !strings.Contains(contents["config-home.toml"], `architecture = "x64"`) {
		t.Fatalf("non-sensitive config lost: %q", contents["config-home.toml"])
	}
	if !strings.Contains(contents["last-run.txt"], "run-3") || !strings.Contains(contents["last-run.txt"], "trace-3") {
		t.Fatalf("missing newest run/trace IDs: %q", contents["last-run.txt"])
	}
	if !strings.Contains(contents["pid-state.txt"], "alive: true") {
		t.Fatalf("pid state should report the live test process: %q", contents["pid-state.txt"])
	}
}

func TestRunBugReportHandlesMissingOptionalArtifacts(t *testing.T) {
	restore := snapshotBugreportHooks()
	defer restore()

	_, cwd := bugreportDirs(t)
	bugreportNowFn = func() time.Time { return time.Date(2026, 2, 11, 11, 0, 0, 0, time.UTC) }

	var out bytes.Buffer
	if err := runBugReport(context.Background(), &out, ""); err != nil {
		t.Fatalf("run bugreport: %v", err)
	}

	contents := extractTarballTextFiles(t, filepath.Join(cwd, ".iisharness-bugreport-20260211-110000.tar.gz"))
	readme := contents["README.txt"]
	if !strings.Contains(readme, "unable to read logs directory") {
		t.Fatalf("readme should include missing logs warning: %q", readme)
	}
	if !strings.Contains(readme, "no run_id/trace_id found") {
		t.Fatalf("readme should include missing correlation warning: %q", readme)
	}
	if !strings.Contains(contents["config-home.toml"], "config unavailable") {
		t.Fatalf("expected config placeholder, got: %q", contents["config-home.toml"])
	}
	if !strings.Contains(contents["pid-state.txt"], "record: unavailable") {
		t.Fatalf("expected missing pid record note, got: %q", contents["pid-state.txt"])
	}
}

func TestRedactSensitiveConfig(t *testing.T) {
	input := "# auth comments stay\nlog_level = \"debug\"\napi_password = \"pass123\"\n"
	got := redactSensitiveConfig(input)
	if strings.Contains(got, "pass123") {
		t.Fatalf("password not redacted: %q", got)
	}
	if !strings.Contains(got, "# auth comments stay") || !strings.Contains(got, `log_level = "debug"`) {
		t.Fatalf("unexpected redaction: %q", got)
	}
}

func TestDescribePIDRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"abc", "-3", "4294967297"} {
		if got := describePID(context.Background(), raw); !strings.Contains(got, "unparseable") {
			t.Fatalf("describePID(%q) = %q", raw, got)
		}
	}
}

func bugreportDirs(t *testing.T) (string, string) {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home")
	cwd := filepath.Join(t.TempDir(), "cwd")
	mustMkdir(t, home)
	mustMkdir(t, cwd)
	bugreportHomeDirFn = func() (string, error) { return home, nil }
	bugreportGetwdFn = func() (string, error) { return cwd, nil }
	return home, cwd
}

func snapshotBugreportHooks() func() {
	prevNow := bugreportNowFn
	prevHomeDir := bugreportHomeDirFn
	prevGetwd := bugreportGetwdFn
	return func() {
		bugreportNowFn = prevNow
		bugreportHomeDirFn = prevHomeDir
		bugreportGetwdFn = prevGetwd
	}
}

func extractTarballTextFiles(t *testing.T, archivePath string) map[string]string {
	t.Helper()

	// #nosec G304 -- archivePath is generated in the test-owned temp directory.
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer func() { _ = archiveFile.Close() }()

	gzipReader, err := gzip.NewReader(archiveFile)
	if err != nil {
		t.Fatalf("open gzip reader: %v", err)
	}
	defer func() { _ = gzipReader.Close() }()

	contents := map[string]string{}
	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read tar entry: %v", err)
		}
		data, err := io.ReadAll(tarReader)
		if err != nil {
			t.Fatalf("read tar file %s: %v", header.Name, err)
		}
		contents[header.Name] = string(data)
	}
	return contents
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func mustMkdir(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	mustMkdir(t, filepath.Dir(path))
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
