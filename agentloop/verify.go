package agentloop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Willebrew/stratuscode/logging"
)

// VerifyResult reports problems found in a freshly written file.
type VerifyResult struct {
	Success bool
	Errors  []string
}

// Verifier checks a file after a write or edit. Its findings are advisory.
type Verifier interface {
	Verify(ctx context.Context, path, content string) (VerifyResult, error)
}

// linter is one command that checks a single file.
type linter struct {
	name string
	args func(path string) []string
}

// LintVerifier runs the project's linters on edited files. Available
// linters are detected once per project root.
type LintVerifier struct {
	Timeout time.Duration

	mu       sync.Mutex
	detected map[string]map[string]*linter // root -> extension -> linter
}

func NewLintVerifier() *LintVerifier {
	return &LintVerifier{Timeout: 30 * time.Second, detected: make(map[string]map[string]*linter)}
}

func (v *LintVerifier) Verify(ctx context.Context, path, content string) (VerifyResult, error) {
	root := projectRootFor(path)
	l := v.linters(root)[strings.ToLower(filepath.Ext(path))]
	if l == nil {
		return VerifyResult{Success: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.Timeout)
	defer cancel()
	argv := l.args(path)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = root
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err == nil {
		return VerifyResult{Success: true}, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return VerifyResult{Success: true}, fmt.Errorf("run %s: %w", l.name, err)
	}
	var problems []string
	for _, line := range strings.Split(out.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			problems = append(problems, line)
		}
	}
	if len(problems) == 0 {
		problems = []string{fmt.Sprintf("%s exited with status %d", l.name, exitErr.ExitCode())}
	}
	return VerifyResult{Success: false, Errors: problems}, nil
}

func (v *LintVerifier) linters(root string) map[string]*linter {
	v.mu.Lock()
	defer v.mu.Unlock()
	if found, ok := v.detected[root]; ok {
		return found
	}
	found := detectLinters(root)
	v.detected[root] = found
	names := make([]string, 0, len(found))
	for ext, l := range found {
		names = append(names, ext+"="+l.name)
	}
	logging.Debug("linters detected", "root", root, "linters", names)
	return found
}

func detectLinters(root string) map[string]*linter {
	found := make(map[string]*linter)
	if _, err := exec.LookPath("gofmt"); err == nil {
		found[".go"] = &linter{name: "gofmt", args: func(p string) []string { return []string{"gofmt", "-e", "-l", p} }}
	}
	if _, err := exec.LookPath("ruff"); err == nil {
		found[".py"] = &linter{name: "ruff", args: func(p string) []string { return []string{"ruff", "check", "--quiet", p} }}
	} else if _, err := exec.LookPath("python3"); err == nil {
		found[".py"] = &linter{name: "py_compile", args: func(p string) []string { return []string{"python3", "-m", "py_compile", p} }}
	}
	if hasESLintConfig(root) {
		if _, err := exec.LookPath("npx"); err == nil {
			eslint := &linter{name: "eslint", args: func(p string) []string { return []string{"npx", "--no-install", "eslint", p} }}
			for _, ext := range []string{".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs"} {
				found[ext] = eslint
			}
		}
	}
	return found
}

func hasESLintConfig(root string) bool {
	for _, name := range []string{
		"eslint.config.js", "eslint.config.mjs", "eslint.config.cjs", "eslint.config.ts",
		".eslintrc", ".eslintrc.js", ".eslintrc.cjs", ".eslintrc.json", ".eslintrc.yml", ".eslintrc.yaml",
	} {
		if _, err := os.Stat(filepath.Join(root, name)); err == nil {
			return true
		}
	}
	return false
}

// projectRootFor walks up from path to the nearest directory holding a
// project marker, or returns the file's directory.
func projectRootFor(path string) string {
	start := filepath.Dir(path)
	for dir := start; ; {
		for _, marker := range []string{".git", "go.mod", "package.json", "pyproject.toml"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return start
		}
		dir = parent
	}
}

// verificationNote renders lint findings appended to a tool result.
func verificationNote(path string, r VerifyResult) string {
	const maxLines = 20
	lines := r.Errors
	extra := 0
	if len(lines) > maxLines {
		extra = len(lines) - maxLines
		lines = lines[:maxLines]
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n\n<lint_errors file=%q>\n", path)
	sb.WriteString(strings.Join(lines, "\n"))
	if extra > 0 {
		fmt.Fprintf(&sb, "\n... %d more", extra)
	}
	sb.WriteString("\n</lint_errors>\nThe write succeeded, but the linter reported the problems above. Fix them if they were introduced by this change.")
	return sb.String()
}
