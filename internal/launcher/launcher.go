package launcher

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/openrnd/iisharness/internal/faults"
	"github.com/spf13/afero"
)

const (
	envProgramFiles    = "ProgramFiles"
	envProgramFilesX86 = "ProgramFiles(x86)"

	defaultProgramFiles    = `C:\Program Files`
	defaultProgramFilesX86 = `C:\Program Files (x86)`
)

// ExecutableRelativePath is the server binary location under a program-files root.
var ExecutableRelativePath = filepath.Join("IIS Express", "iisexpress.exe")

// Options configures a Launcher.
type Options struct {
	Fs     afero.Fs
	Getenv func(string) string
	// ProgramFiles and ProgramFilesX86 override the environment-derived roots.
	ProgramFiles    string
	ProgramFilesX86 string
	// BaseDir anchors relative target directories. Defaults to the directory
	// of the running executable.
	BaseDir string
	Stdout  io.Writer
	Stderr  io.Writer
	Logger  *log.Logger
}

// Launcher locates and starts the IIS Express server.
type Launcher struct {
	fs              afero.Fs
	getenv          func(string) string
	programFiles    string
	programFilesX86 string
	baseDir         string
	stdout          io.Writer
	stderr          io.Writer
	logger          *log.Logger
}

// New creates a Launcher with defaults where options are omitted.
func New(opts Options) (*Launcher, error) {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	baseDir := strings.TrimSpace(opts.BaseDir)
	if baseDir == "" {
		resolved, err := executableDir()
		if err != nil {
			return nil, faults.Configuration("resolve harness executable directory", err)
		}
		baseDir = resolved
	}
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, faults.Configuration("resolve base directory", err)
	}

	return &Launcher{
		fs:              fs,
		getenv:          getenv,
		programFiles:    strings.TrimSpace(opts.ProgramFiles),
		programFilesX86: strings.TrimSpace(opts.ProgramFilesX86),
		baseDir:         absBase,
		stdout:          opts.Stdout,
		stderr:          opts.Stderr,
		logger:          logger,
	}, nil
}

// BaseDir returns the absolute directory relative target paths resolve against.
func (l *Launcher) BaseDir() string {
	if l == nil {
		return ""
	}
	return l.baseDir
}

// ResolveExecutablePath maps an architecture to its program-files root and
// appends the server's relative path.
func (l *Launcher) ResolveExecutablePath(arch Architecture) (string, error) {
	if l == nil {
		return "", errors.New("launcher is nil")
	}

	var root string
	switch arch {
	case ArchX86:
		root = firstNonEmpty(l.programFilesX86, l.getenv(envProgramFilesX86), l.getenv(envProgramFiles), defaultProgramFilesX86)
	case ArchX64:
		root = firstNonEmpty(l.programFiles, l.getenv(envProgramFiles), defaultProgramFiles)
	default:
		return "", faults.Configuration("resolve executable path", fmt.Errorf("unsupported architecture %s", arch))
	}

	return filepath.Join(root, ExecutableRelativePath), nil
}

// VerifyExecutableExists fails with a not-found error when path is missing or
// is a directory.
func (l *Launcher) VerifyExecutableExists(path string) error {
	if l == nil {
		return errors.New("launcher is nil")
	}
	info, err := l.fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return faults.NotFound("verify executable", fmt.Errorf("IIS Express path not found (%s)", path))
		}
		return faults.NotFound("verify executable", fmt.Errorf("stat %s: %w", path, err))
	}
	if info.IsDir() {
		return faults.NotFound("verify executable", fmt.Errorf("IIS Express path %s is a directory", path))
	}
	return nil
}

// ResolveTargetDirectory anchors target to the base directory and returns
// the canonical absolute path. Absolute targets are used as given.
func (l *Launcher) ResolveTargetDirectory(target string) (string, error) {
	if l == nil {
		return "", errors.New("launcher is nil")
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return "", faults.Configuration("resolve target directory", errors.New("project path is required"))
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(l.baseDir, target)
	}
	resolved, err := filepath.Abs(target)
	if err != nil {
		return "", faults.Configuration("resolve target directory", err)
	}
	return resolved, nil
}

// BuildArguments formats the served directory and port as
// `/path:"<dir>" /port:<port>`.
func (l *Launcher) BuildArguments(targetDirectory string, port int) (string, error) {
	dir, err := l.ResolveTargetDirectory(targetDirectory)
	if err != nil {
		return "", err
	}
	return `/path:"` + dir + `" /port:` + strconv.Itoa(port), nil
}

// Start spawns the server and returns without waiting for it to accept
// connections.
func (l *Launcher) Start(executablePath, arguments string) (*Process, error) {
	if l == nil {
		return nil, errors.New("launcher is nil")
	}
	executablePath = strings.TrimSpace(executablePath)
	if executablePath == "" {
		return nil, faults.Launch("start server", errors.New("executable path is required"))
	}

	cmd, err := newCommand(executablePath, arguments)
	if err != nil {
		return nil, faults.Launch("start server", err)
	}
	cmd.Dir = l.baseDir
	cmd.Stdout = l.stdout
	cmd.Stderr = l.stderr

	if err := cmd.Start(); err != nil {
		return nil, faults.Launch("start server", fmt.Errorf("start %s: %w", executablePath, err))
	}

	proc := newProcess(cmd)
	l.logger.Info("server process started", "pid", proc.PID(), "executable", executablePath, "args", arguments)
	return proc, nil
}

func executableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
