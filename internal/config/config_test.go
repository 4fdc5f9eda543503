package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.PIDFile != defaultPIDFile {
		t.Fatalf("pid_file = %q, want %q", cfg.PIDFile, defaultPIDFile)
	}
	if cfg.MarkerFile != defaultMarkerFile {
		t.Fatalf("marker_file = %q, want %q", cfg.MarkerFile, defaultMarkerFile)
	}
	if cfg.ProcessName != defaultProcessName {
		t.Fatalf("process_name = %q, want %q", cfg.ProcessName, defaultProcessName)
	}
	if cfg.Architecture != defaultArchitecture {
		t.Fatalf("architecture = %q, want %q", cfg.Architecture, defaultArchitecture)
	}
	if cfg.TerminationGrace != defaultTerminationGrace {
		t.Fatalf("termination_grace = %s, want %s", cfg.TerminationGrace, defaultTerminationGrace)
	}
	if cfg.ForcedExitWait != defaultForcedExitWait {
		t.Fatalf("forced_exit_wait = %s, want %s", cfg.ForcedExitWait, defaultForcedExitWait)
	}
	if cfg.Level() != log.InfoLevel {
		t.Fatalf("level = %s, want info", cfg.Level())
	}
	if cfg.ProgramFiles != "" || cfg.ProgramFilesX86 != "" || cfg.OTELEndpoint != "" {
		t.Fatalf("unexpected non-empty optional fields: %+v", cfg)
	}
}

func TestLoadOverlayProjectOverHome(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)

	writeFile(t, filepath.Join(home, DirName, FileName), `
pid_file = "/var/run/iisharness/pid.txt"
architecture = "x64"
termination_grace = "9s"
program_files = 'D:\Programs'
log_level = "debug"

[otel]
endpoint = "http://home-collector:4318"
`)

	writeFile(t, filepath.Join(work, DirName, FileName), `
marker_file = "web.config"
forced_exit_wait = "750ms"
program_files_x86 = 'D:\Programs (x86)'

[otel]
endpoint = "http://project-collector:4318"
`)
	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.PIDFile != "/var/run/iisharness/pid.txt" {
		t.Fatalf("pid_file = %q", cfg.PIDFile)
	}
	if cfg.MarkerFile != "web.config" {
		t.Fatalf("marker_file = %q", cfg.MarkerFile)
	}
	if cfg.Architecture != "x64" {
		t.Fatalf("architecture = %q", cfg.Architecture)
	}
	if cfg.TerminationGrace != 9*time.Second {
		t.Fatalf("termination_grace = %s, want 9s", cfg.TerminationGrace)
	}
	if cfg.ForcedExitWait != 750*time.Millisecond {
		t.Fatalf("forced_exit_wait = %s, want 750ms", cfg.ForcedExitWait)
	}
	if cfg.ProgramFiles != `D:\Programs` {
		t.Fatalf("program_files = %q", cfg.ProgramFiles)
	}
	if cfg.ProgramFilesX86 != `D:\Programs (x86)` {
		t.Fatalf("program_files_x86 = %q", cfg.ProgramFilesX86)
	}
	if cfg.Level() != log.DebugLevel {
		t.Fatalf("level = %s, want debug", cfg.Level())
	}
	if cfg.OTELEndpoint != "http://project-collector:4318" {
		t.Fatalf("otel endpoint = %q", cfg.OTELEndpoint)
	}
}

func TestLoadFilesRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "bad duration", content: `termination_grace = "soon"`, wantErr: "termination_grace"},
		{name: "zero duration", content: `forced_exit_wait = "0s"`, wantErr: "must be > 0"},
		{name: "empty pid file", content: `pid_file = "  "`, wantErr: "pid_file"},
		{name: "bad log level", content: `log_level = "chatty"`, wantErr: "log_level"},
		{name: "unknown key", content: `wip_limit = 3`, wantErr: "unsupported key"},
		{name: "malformed toml", content: `pid_file = `, wantErr: "decode config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), FileName)
			writeFile(t, path, tt.content)

			_, err := LoadFiles(context.Background(), path)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFilesSkipsMissingPaths(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFiles(context.Background(), filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if *cfg != Defaults() {
		t.Fatalf("cfg = %+v, want defaults", *cfg)
	}
}

func TestLevelFallsBackToInfo(t *testing.T) {
	t.Parallel()

	cfg := Defaults()
	cfg.LogLevel = "nonsense"
	if cfg.Level() != log.InfoLevel {
		t.Fatalf("level = %s, want info", cfg.Level())
	}

	var nilCfg *Config
	if nilCfg.Level() != log.InfoLevel {
		t.Fatal("nil config should report info level")
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		if chdirErr := os.Chdir(cwd); chdirErr != nil {
			t.Fatalf("restore cwd: %v", chdirErr)
		}
	})
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
