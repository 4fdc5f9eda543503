package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/openrnd/iisharness/internal/config"
	"github.com/openrnd/iisharness/internal/pidfile"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/cobra"
)

const bugreportLogLimit = 3

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
)

func newBugreportCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect a diagnostic bundle for debugging",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if logger != nil {
				logger.With("command", "bugreport").Info("collecting diagnostic bundle")
			}
			return runBugReport(cmd.Context(), cmd.OutOrStdout(), cfg.PIDFile)
		},
	}
}

func runBugReport(ctx context.Context, out io.Writer, pidFile string) error {
	homeDir, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	homeDir = filepath.Clean(homeDir)
	if strings.TrimSpace(homeDir) == "" || homeDir == "." {
		return fmt.Errorf("home directory is not valid")
	}

	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}
	cwd = filepath.Clean(cwd)
	if pidFile == "" {
		pidFile = pidfile.DefaultPath
	}
	if !filepath.IsAbs(pidFile) {
		pidFile = filepath.Join(cwd, pidFile)
	}

	timestamp := bugreportNowFn().Format("20060102-150405")
	bundlePath := filepath.Join(cwd, fmt.Sprintf(".iisharness-bugreport-%s.tar.gz", timestamp))

	stagingDir, err := os.MkdirTemp("", "iisharness-bugreport-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(stagingDir) }()

	summary, err := collectBugreportArtifacts(ctx, homeDir, cwd, pidFile, stagingDir)
	if err != nil {
		return err
	}
	if err := writeBugreportREADME(stagingDir, summary); err != nil {
		return err
	}
	if err := archiveBugreport(stagingDir, bundlePath); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(out, "Bug report written to: %s. Share for debugging.\n", bundlePath); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

type bugreportSummary struct {
	Timestamp string
	Version   string
	LogFiles  []string
	RunID     string
	TraceID   string
	Warnings  []string
}

func collectBugreportArtifacts(ctx context.Context, homeDir, cwd, pidFile, stagingDir string) (bugreportSummary, error) {
	summary := bugreportSummary{
		Timestamp: bugreportNowFn().Format(time.RFC3339),
		Version:   Version,
	}

	logFiles, warnings := copyRecentLogs(filepath.Join(homeDir, config.DirName, "logs"), stagingDir, bugreportLogLimit)
	summary.LogFiles = logFiles
	summary.Warnings = append(summary.Warnings, warnings...)

	summary.RunID, summary.TraceID = extractLastCorrelation(logFiles)
	if summary.RunID == "" && summary.TraceID == "" {
		summary.Warnings = append(summary.Warnings, "no run_id/trace_id found in copied logs")
	}

	lastRun := fmt.Sprintf("run_id: %s\ntrace_id: %s\n", summary.RunID, summary.TraceID)
	if err := os.WriteFile(filepath.Join(stagingDir, "last-run.txt"), []byte(lastRun), 0o600); err != nil {
		return bugreportSummary{}, fmt.Errorf("write last-run.txt: %w", err)
	}
	version := fmt.Sprintf("iisharness version: %s\n", strings.TrimSpace(summary.Version))
	if err := os.WriteFile(filepath.Join(stagingDir, "version.txt"), []byte(version), 0o600); err != nil {
		return bugreportSummary{}, fmt.Errorf("write version.txt: %w", err)
	}

	configs := map[string]string{
		"config-home.toml":    filepath.Join(homeDir, config.DirName, config.FileName),
		"config-project.toml": filepath.Join(cwd, config.DirName, config.FileName),
	}
	for name, path := range configs {
		if err := copyRedactedConfig(path, filepath.Join(stagingDir, name), &summary); err != nil {
			return bugreportSummary{}, err
		}
	}

	if err := writePIDState(ctx, pidFile, stagingDir); err != nil {
		return bugreportSummary{}, err
	}
	return summary, nil
}

func copyRecentLogs(logsDir, stagingDir string, limit int) ([]string, []string) {
	files, err := newestFiles(logsDir, limit)
	if err != nil {
		return nil, []string{fmt.Sprintf("unable to read logs directory: %v", err)}
	}

	destDir := filepath.Join(stagingDir, "logs")
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, []string{fmt.Sprintf("unable to create logs staging directory: %v", err)}
	}

	var warnings []string
	copied := make([]string, 0, len(files))
	for _, file := range files {
		// #nosec G304 -- source path comes from the fixed log directory listing.
		data, err := os.ReadFile(file.path)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("unable to read log %s: %v", file.path, err))
			continue
		}
		if err := os.WriteFile(filepath.Join(destDir, filepath.Base(file.path)), data, 0o600); err != nil {
			warnings = append(warnings, fmt.Sprintf("unable to stage log %s: %v", file.path, err))
			continue
		}
		copied = append(copied, file.path)
	}
	return copied, warnings
}

func extractLastCorrelation(logPaths []string) (string, string) {
	for _, logPath := range logPaths {
		// #nosec G304 -- log paths are selected from the fixed log directory.
		data, err := os.ReadFile(logPath)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			record := map[string]any{}
			if err := json.Unmarshal([]byte(strings.TrimSpace(lines[i])), &record); err != nil {
				continue
			}
			runID := asString(record["run_id"])
			traceID := asString(record["trace_id"])
			if runID == "" && traceID == "" {
				continue
			}
			return runID, traceID
		}
	}
	return "", ""
}

func copyRedactedConfig(src, dst string, summary *bugreportSummary) error {
	// #nosec G304 -- config paths are fixed locations under home and cwd.
	data, err := os.ReadFile(src)
	if err != nil {
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("unable to read config %s: %v", src, err))
		data = []byte("# config unavailable\n")
	}
	if err := os.WriteFile(dst, []byte(redactSensitiveConfig(string(data))), 0o600); err != nil {
		return fmt.Errorf("write redacted config: %w", err)
	}
	return nil
}

func redactSensitiveConfig(configText string) string {
	lines := strings.Split(configText, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, _, ok := strings.Cut(line, "=")
		if !ok || !isSensitiveToken(strings.ToLower(strings.TrimSpace(key))) {
			continue
		}
		lines[i] = key + `= "***REDACTED***"`
	}
	return strings.Join(lines, "\n")
}

func isSensitiveToken(value string) bool {
	for _, candidate := range []string{"token", "password", "passwd", "secret", "apikey", "auth", "header"} {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

func writePIDState(ctx context.Context, pidFile, stagingDir string) error {
	// #nosec G304 -- pid record path is the configured harness record.
	data, err := os.ReadFile(pidFile)
	content := fmt.Sprintf("pid_file: %s\nrecord: unavailable (%v)\n", pidFile, err)
	if err == nil {
		raw := strings.TrimSpace(string(data))
		content = fmt.Sprintf("pid_file: %s\nrecord: %q\n", pidFile, raw) + describePID(ctx, raw)
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "pid-state.txt"), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write pid-state.txt: %w", err)
	}
	return nil
}

func describePID(ctx context.Context, raw string) string {
	pid, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || pid <= 0 {
		return "alive: unknown (unparseable record)\n"
	}
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return "alive: false\n"
	}
	name, err := proc.NameWithContext(ctx)
	if err != nil {
		return fmt.Sprintf("alive: true\nname: unavailable (%v)\n", err)
	}
	return fmt.Sprintf("alive: true\nname: %s\n", name)
}

func writeBugreportREADME(stagingDir string, summary bugreportSummary) error {
	var b strings.Builder
	b.WriteString("IIS Express Harness Bug Report\n")
	b.WriteString("==============================\n\n")
	fmt.Fprintf(&b, "Generated: %s\n", summary.Timestamp)
	fmt.Fprintf(&b, "Version: %s\n", summary.Version)
	fmt.Fprintf(&b, "run_id: %s\n", summary.RunID)
	fmt.Fprintf(&b, "trace_id: %s\n\n", summary.TraceID)
	b.WriteString("Included artifacts:\n")
	b.WriteString("- logs/ (up to last 3 log files)\n")
	b.WriteString("- config-home.toml, config-project.toml (redacted)\n")
	b.WriteString("- pid-state.txt\n")
	b.WriteString("- version.txt\n")
	b.WriteString("- last-run.txt\n")
	if len(summary.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, warning := range summary.Warnings {
			b.WriteString("- " + warning + "\n")
		}
	}

	if err := os.WriteFile(filepath.Join(stagingDir, "README.txt"), []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write README.txt: %w", err)
	}
	return nil
}

func archiveBugreport(stagingDir, destination string) (err error) {
	// #nosec G304 -- destination is generated in the working directory with a fixed name.
	archiveFile, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	gzipWriter := gzip.NewWriter(archiveFile)
	tarWriter := tar.NewWriter(gzipWriter)
	defer func() {
		for _, closer := range []io.Closer{tarWriter, gzipWriter, archiveFile} {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("finalize archive %s: %w", destination, closeErr)
			}
		}
	}()

	walkErr := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read file info for %s: %w", path, err)
		}
		relPath, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return fmt.Errorf("compute archive path for %s: %w", path, err)
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("create tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relPath)
		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", path, err)
		}

		// #nosec G304 -- walk paths originate from the staging directory.
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s for archive: %w", path, err)
		}
		defer func() { _ = file.Close() }()
		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("copy %s into archive: %w", path, err)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("archive bugreport: %w", walkErr)
	}
	return nil
}

type datedFile struct {
	path    string
	modTime time.Time
}

func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

func asString(value any) string {
	if typed, ok := value.(string); ok {
		return strings.TrimSpace(typed)
	}
	return ""
}
