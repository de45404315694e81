package agentloop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

type GrepOptions struct {
	GlobFilter      string
	CaseInsensitive bool
	MaxResults      int
}

// ExecutionEnvironment is where tools touch the filesystem and run
// commands. Relative paths resolve against WorkingDirectory.
type ExecutionEnvironment interface {
	ReadFile(path string) (string, error)
	WriteFile(path, content string) error
	RemoveFile(path string) error
	FileExists(path string) bool
	ListDirectory(path string) ([]DirEntry, error)
	ExecCommand(ctx context.Context, command string, timeoutMs int, workingDir string, envVars map[string]string) (*ExecResult, error)
	Grep(ctx context.Context, pattern, path string, opts GrepOptions) (string, error)
	Glob(pattern, path string) ([]string, error)
	Resolve(path string) string
	WorkingDirectory() string
	Platform() string
	OSVersion() string
}

// Environment variables with these suffixes are not passed to commands.
var sensitiveEnvSuffixes = []string{"_API_KEY", "_SECRET", "_TOKEN", "_PASSWORD", "_CREDENTIAL"}

var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "CARGO_HOME": true,
	"NVM_DIR": true, "RUSTUP_HOME": true, "PYENV_ROOT": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

func filterEnvironment() []string {
	var filtered []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}

// Directories skipped by Glob.
var globSkipDirs = []string{".git", "node_modules", ".stratuscode"}

const maxGlobResults = 1000

// LocalEnvironment runs tools on the local machine.
type LocalEnvironment struct {
	workingDir string
}

func NewLocalEnvironment(workingDir string) *LocalEnvironment {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	return &LocalEnvironment{workingDir: workingDir}
}

func (e *LocalEnvironment) WorkingDirectory() string { return e.workingDir }
func (e *LocalEnvironment) Platform() string         { return runtime.GOOS }
func (e *LocalEnvironment) OSVersion() string        { return runtime.GOOS + "/" + runtime.GOARCH }

func (e *LocalEnvironment) Resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(e.workingDir, path)
}

func (e *LocalEnvironment) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(e.Resolve(path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *LocalEnvironment) WriteFile(path, content string) error {
	resolved := e.Resolve(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

func (e *LocalEnvironment) RemoveFile(path string) error {
	err := os.Remove(e.Resolve(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (e *LocalEnvironment) FileExists(path string) bool {
	_, err := os.Stat(e.Resolve(path))
	return err == nil
}

func (e *LocalEnvironment) ListDirectory(path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(e.Resolve(path))
	if err != nil {
		return nil, err
	}
	result := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		de := DirEntry{Name: entry.Name(), IsDir: entry.IsDir()}
		if info, err := entry.Info(); err == nil && !de.IsDir {
			de.Size = info.Size()
		}
		result = append(result, de)
	}
	return result, nil
}

// ExecCommand runs command through the shell in its own process group so a
// timeout can kill the whole tree.
func (e *LocalEnvironment) ExecCommand(ctx context.Context, command string, timeoutMs int, workingDir string, envVars map[string]string) (*ExecResult, error) {
	if workingDir == "" {
		workingDir = e.workingDir
	} else {
		workingDir = e.Resolve(workingDir)
	}
	if timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	shell, flag := "/bin/sh", "-c"
	if _, err := exec.LookPath("bash"); err == nil {
		shell = "bash"
	}
	cmd := exec.CommandContext(ctx, shell, flag, command)
	cmd.Dir = workingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	env := filterEnvironment()
	for k, v := range envVars {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.TimedOut = true
			result.ExitCode = -1
		case ctx.Err() != nil:
			return result, ctx.Err()
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("exec: %w", err)
		}
	}
	return result, nil
}

// Grep searches with ripgrep when installed, otherwise grep -rn.
func (e *LocalEnvironment) Grep(ctx context.Context, pattern, path string, opts GrepOptions) (string, error) {
	if path == "" {
		path = e.workingDir
	} else {
		path = e.Resolve(path)
	}

	var cmd *exec.Cmd
	if rg, err := exec.LookPath("rg"); err == nil {
		args := []string{"--line-number", "--no-heading", "--color=never"}
		if opts.CaseInsensitive {
			args = append(args, "-i")
		}
		if opts.GlobFilter != "" {
			args = append(args, "--glob", opts.GlobFilter)
		}
		if opts.MaxResults > 0 {
			args = append(args, "--max-count", strconv.Itoa(opts.MaxResults))
		}
		args = append(args, "-e", pattern, path)
		cmd = exec.CommandContext(ctx, rg, args...)
	} else {
		args := []string{"-rnE", "--exclude-dir=.git", "--exclude-dir=node_modules"}
		if opts.CaseInsensitive {
			args = append(args, "-i")
		}
		if opts.GlobFilter != "" {
			args = append(args, "--include="+opts.GlobFilter)
		}
		if opts.MaxResults > 0 {
			args = append(args, "-m", strconv.Itoa(opts.MaxResults))
		}
		args = append(args, "-e", pattern, path)
		cmd = exec.CommandContext(ctx, "grep", args...)
	}
	cmd.Dir = e.workingDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		// Exit status 1 means no matches.
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("grep: %s", msg)
		}
		return "", fmt.Errorf("grep: %w", err)
	}
	return e.relativize(stdout.String()), nil
}

func (e *LocalEnvironment) relativize(out string) string {
	prefix := strings.TrimSuffix(e.workingDir, string(filepath.Separator)) + string(filepath.Separator)
	return strings.ReplaceAll(out, prefix, "")
}

// Glob matches a doublestar pattern (e.g. "**/*.go") under path and returns
// file paths relative to the working directory, newest first.
func (e *LocalEnvironment) Glob(pattern, path string) ([]string, error) {
	base := e.workingDir
	if path != "" {
		base = e.Resolve(path)
	}
	if _, err := os.Stat(base); err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}
	found, err := doublestar.FilepathGlob(filepath.Join(base, pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
	}

	type match struct {
		path string
		mod  int64
	}
	var matches []match
	for _, f := range found {
		if rel, err := filepath.Rel(base, f); err == nil && skipGlobPath(rel) {
			continue
		}
		info, err := os.Stat(f)
		if err != nil || info.IsDir() {
			continue
		}
		matches = append(matches, match{path: f, mod: info.ModTime().UnixNano()})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].mod > matches[j].mod })
	if len(matches) > maxGlobResults {
		matches = matches[:maxGlobResults]
	}

	result := make([]string, len(matches))
	for i, m := range matches {
		if rel, err := filepath.Rel(e.workingDir, m.path); err == nil {
			result[i] = rel
		} else {
			result[i] = m.path
		}
	}
	return result, nil
}

func skipGlobPath(p string) bool {
	parts := strings.Split(filepath.ToSlash(p), "/")
	for _, part := range parts {
		if slices.Contains(globSkipDirs, part) {
			return true
		}
	}
	return false
}
