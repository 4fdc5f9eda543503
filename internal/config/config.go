package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
)

const (
	defaultPIDFile          = "pid.txt"
	defaultMarkerFile       = "Web.config"
	defaultProcessName      = "iisexpress"
	defaultArchitecture     = "x86"
	defaultTerminationGrace = 5 * time.Second
	defaultForcedExitWait   = 2 * time.Second
	defaultLogLevel         = "info"

	// DirName is the per-user and per-project configuration directory.
	DirName = ".iisharness"
	// FileName is the configuration file inside DirName.
	FileName = "config.toml"
)

// Config stores harness settings loaded from TOML files.
type Config struct {
	PIDFile          string
	MarkerFile       string
	ProcessName      string
	Architecture     string
	TerminationGrace time.Duration
	ForcedExitWait   time.Duration
	ProgramFiles     string
	ProgramFilesX86  string
	LogLevel         string
	OTELEndpoint     string
}

type fileConfig struct {
	PIDFile          *string     `toml:"pid_file"`
	MarkerFile       *string     `toml:"marker_file"`
	ProcessName      *string     `toml:"process_name"`
	Architecture     *string     `toml:"architecture"`
	TerminationGrace *string     `toml:"termination_grace"`
	ForcedExitWait   *string     `toml:"forced_exit_wait"`
	ProgramFiles     *string     `toml:"program_files"`
	ProgramFilesX86  *string     `toml:"program_files_x86"`
	LogLevel         *string     `toml:"log_level"`
	OTEL             *otelConfig `toml:"otel"`
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.iisharness/config.toml and overlays a
// project-local .iisharness/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	return LoadFiles(ctx,
		filepath.Join(homeDir, DirName, FileName),
		filepath.Join(workingDir, DirName, FileName),
	)
}

// LoadFiles overlays each existing path, in order, on top of the defaults.
func LoadFiles(ctx context.Context, paths ...string) (*Config, error) {
	cfg := Defaults()
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	_ = ctx
	return &cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		PIDFile:          defaultPIDFile,
		MarkerFile:       defaultMarkerFile,
		ProcessName:      defaultProcessName,
		Architecture:     defaultArchitecture,
		TerminationGrace: defaultTerminationGrace,
		ForcedExitWait:   defaultForcedExitWait,
		LogLevel:         defaultLogLevel,
	}
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() log.Level {
	if c == nil {
		return log.InfoLevel
	}
	level, err := log.ParseLevel(strings.TrimSpace(c.LogLevel))
	if err != nil {
		return log.InfoLevel
	}
	return level
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("parse %s in %q: unsupported key", undecoded[0].String(), path)
	}

	if err := applyStringOverrides(cfg, decoded, path); err != nil {
		return err
	}
	return applyDurationOverrides(cfg, decoded, path)
}

func applyStringOverrides(cfg *Config, decoded fileConfig, path string) error {
	required := []struct {
		key    string
		value  *string
		target *string
	}{
		{"pid_file", decoded.PIDFile, &cfg.PIDFile},
		{"marker_file", decoded.MarkerFile, &cfg.MarkerFile},
		{"process_name", decoded.ProcessName, &cfg.ProcessName},
		{"architecture", decoded.Architecture, &cfg.Architecture},
	}
	for _, field := range required {
		if field.value == nil {
			continue
		}
		text := strings.TrimSpace(*field.value)
		if text == "" {
			return fmt.Errorf("parse %s in %q: must not be empty", field.key, path)
		}
		*field.target = text
	}

	if decoded.ProgramFiles != nil {
		cfg.ProgramFiles = strings.TrimSpace(*decoded.ProgramFiles)
	}
	if decoded.ProgramFilesX86 != nil {
		cfg.ProgramFilesX86 = strings.TrimSpace(*decoded.ProgramFilesX86)
	}
	if decoded.LogLevel != nil {
		level := strings.ToLower(strings.TrimSpace(*decoded.LogLevel))
		if _, err := log.ParseLevel(level); err != nil {
			return fmt.Errorf("parse log_level in %q: %w", path, err)
		}
		cfg.LogLevel = level
	}
	if decoded.OTEL != nil && decoded.OTEL.Endpoint != nil {
		cfg.OTELEndpoint = strings.TrimSpace(*decoded.OTEL.Endpoint)
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.TerminationGrace != nil {
		value, err := parseDuration(*decoded.TerminationGrace, "termination_grace", path)
		if err != nil {
			return err
		}
		cfg.TerminationGrace = value
	}
	if decoded.ForcedExitWait != nil {
		value, err := parseDuration(*decoded.ForcedExitWait, "forced_exit_wait", path)
		if err != nil {
			return err
		}
		cfg.ForcedExitWait = value
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return parsed, nil
}
