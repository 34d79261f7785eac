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
	"sort"
	"strings"
	"syscall"
	"time"
)

// ErrOutsideWorkspace is returned for paths that resolve outside the
// workspace root.
var ErrOutsideWorkspace = errors.New("path escapes workspace")

// CommandResult is what a shell command produced.
type CommandResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// Output joins stdout and stderr.
func (r CommandResult) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// DirEntry is one listing row.
type DirEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// Workspace is the filesystem and process surface the local tools run
// against. Every path is relative to, and confined within, Root.
type Workspace interface {
	Root() string
	Resolve(path string) (string, error)
	ReadFile(path string, offset, limit int) (string, error)
	ReadRaw(path string) (string, error)
	WriteFile(path, content string) error
	List(path string, depth int) ([]DirEntry, error)
	Run(ctx context.Context, command string, timeout time.Duration) (CommandResult, error)
	Grep(ctx context.Context, pattern, path, include string, maxResults int) (string, error)
	Glob(pattern, path string) ([]string, error)
}

var sensitiveEnvSuffixes = []string{"_API_KEY", "_SECRET", "_TOKEN", "_PASSWORD", "_CREDENTIAL"}

var passthroughEnv = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "GOCACHE": true, "CARGO_HOME": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

// commandEnv strips credentials from the environment handed to commands.
func commandEnv() []string {
	var out []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if passthroughEnv[name] || !hasSensitiveSuffix(name) {
			out = append(out, kv)
		}
	}
	return out
}

func hasSensitiveSuffix(name string) bool {
	upper := strings.ToUpper(name)
	for _, s := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, s) {
			return true
		}
	}
	return false
}

// LocalWorkspace runs tools against a directory on the local machine.
type LocalWorkspace struct {
	root string
}

// NewLocalWorkspace returns a workspace rooted at dir (the current
// directory when empty).
func NewLocalWorkspace(dir string) (*LocalWorkspace, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	return &LocalWorkspace{root: filepath.Clean(abs)}, nil
}

func (w *LocalWorkspace) Root() string { return w.root }

// Resolve maps path onto the workspace and rejects anything outside it.
func (w *LocalWorkspace) Resolve(path string) (string, error) {
	if path == "" {
		return w.root, nil
	}
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(w.root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(w.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, path)
	}
	return p, nil
}

func (w *LocalWorkspace) relative(p string) string {
	if rel, err := filepath.Rel(w.root, p); err == nil {
		return filepath.ToSlash(rel)
	}
	return p
}

// ReadFile returns line-numbered content. offset is 1-based; limit <= 0
// reads to the end.
func (w *LocalWorkspace) ReadFile(path string, offset, limit int) (string, error) {
	raw, err := w.ReadRaw(path)
	if err != nil {
		return "", err
	}
	lines := strings.Split(raw, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return sb.String(), nil
}

// ReadRaw returns the file content unchanged.
func (w *LocalWorkspace) ReadRaw(path string) (string, error) {
	p, err := w.Resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile creates parent directories as needed.
func (w *LocalWorkspace) WriteFile(path, content string) error {
	p, err := w.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	return os.WriteFile(p, []byte(content), 0o644)
}

// List walks path up to depth levels (1 lists direct children). Hidden
// entries are skipped below the top level.
func (w *LocalWorkspace) List(path string, depth int) ([]DirEntry, error) {
	base, err := w.Resolve(path)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 1
	}
	var out []DirEntry
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == base {
				return err
			}
			return nil
		}
		if p == base {
			return nil
		}
		rel, _ := filepath.Rel(base, p)
		level := strings.Count(rel, string(filepath.Separator)) + 1
		if strings.HasPrefix(d.Name(), ".") && d.IsDir() {
			return filepath.SkipDir
		}
		entry := DirEntry{Path: filepath.ToSlash(rel), IsDir: d.IsDir()}
		if info, err := d.Info(); err == nil && !d.IsDir() {
			entry.Size = info.Size()
		}
		out = append(out, entry)
		if d.IsDir() && level >= depth {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Run executes command through the shell in the workspace root. The process
// group is killed on timeout or cancellation.
func (w *LocalWorkspace) Run(ctx context.Context, command string, timeout time.Duration) (CommandResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shell, flag := "/bin/bash", "-c"
	if runtime.GOOS == "windows" {
		shell, flag = "cmd.exe", "/c"
	}
	cmd := exec.CommandContext(ctx, shell, flag, command)
	cmd.Dir = w.root
	cmd.Env = commandEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := CommandResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err == nil {
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, fmt.Errorf("run command: %w", err)
}

// Grep searches with ripgrep when installed and grep otherwise.
func (w *LocalWorkspace) Grep(ctx context.Context, pattern, path, include string, maxResults int) (string, error) {
	target, err := w.Resolve(path)
	if err != nil {
		return "", err
	}
	var cmd *exec.Cmd
	if rg, err := exec.LookPath("rg"); err == nil {
		args := []string{"--line-number", "--no-heading", "--color", "never"}
		if include != "" {
			args = append(args, "--glob", include)
		}
		args = append(args, "--", pattern, target)
		cmd = exec.CommandContext(ctx, rg, args...)
	} else {
		args := []string{"-rnE"}
		if include != "" {
			args = append(args, "--include", include)
		}
		args = append(args, "--", pattern, target)
		cmd = exec.CommandContext(ctx, "grep", args...)
	}
	cmd.Dir = w.root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var exitErr *exec.ExitError
		// Exit status 1 means no matches for both tools.
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
			return "", fmt.Errorf("grep: %s", strings.TrimSpace(stderr.String()+" "+err.Error()))
		}
	}

	out := strings.ReplaceAll(stdout.String(), w.root+string(filepath.Separator), "")
	if maxResults > 0 {
		lines := strings.SplitAfter(out, "\n")
		if len(lines) > maxResults {
			out = strings.Join(lines[:maxResults], "") + fmt.Sprintf("[%d more matches omitted]\n", len(lines)-maxResults)
		}
	}
	return out, nil
}

// Glob matches pattern under path. "**" matches any number of directories.
func (w *LocalWorkspace) Glob(pattern, path string) ([]string, error) {
	base, err := w.Resolve(path)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(pattern, "**") {
		matches, err := filepath.Glob(filepath.Join(base, pattern))
		if err != nil {
			return nil, err
		}
		out := make([]string, len(matches))
		for i, m := range matches {
			out[i] = w.relative(m)
		}
		return out, nil
	}

	var out []string
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != base && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(base, p)
		if matchDoubleStar(pattern, filepath.ToSlash(rel)) {
			out = append(out, w.relative(p))
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// matchDoubleStar matches slash-separated name against pattern, where a
// "**" segment matches zero or more segments.
func matchDoubleStar(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pat, name []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			for i := 0; i <= len(name); i++ {
				if matchSegments(pat[1:], name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		if ok, _ := filepath.Match(pat[0], name[0]); !ok {
			return false
		}
		pat, name = pat[1:], name[1:]
	}
	return len(name) == 0
}
