package agentloop

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// toolRunner executes core tools from one registry against one tracker.
type toolRunner struct {
	t   *testing.T
	reg *ToolRegistry
	ec  ExecContext
}

func newToolRunner(t *testing.T, dir string) *toolRunner {
	reg := NewToolRegistry()
	RegisterCoreTools(reg, 5000, 10000)
	return &toolRunner{t: t, reg: reg, ec: ExecContext{SessionID: "s", Env: NewLocalEnvironment(dir), Changes: NewChangeTracker(0)}}
}

func (r *toolRunner) run(name string, args map[string]any) string {
	r.t.Helper()
	out, err := r.reg.Get(name).Executor(context.Background(), args, r.ec)
	if err != nil {
		r.t.Fatalf("%s: %v", name, err)
	}
	return out
}

func readString(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestRevertRestoresEditsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "main.go"), "package main\n")
	r := newToolRunner(t, dir)

	r.run(WriteToolName, map[string]any{"file_path": "main.go", "content": "package main\n\nfunc main() {}\n"})
	r.run(EditToolName, map[string]any{"file_path": "main.go", "old_string": "func main() {}", "new_string": "func main() { run() }"})
	r.run(WriteToolName, map[string]any{"file_path": "util/run.go", "content": "package util\n"})
	if n := r.ec.Changes.Len(); n != 3 {
		t.Fatalf("tracked %d changes, want 3", n)
	}

	out := r.run(RevertToolName, map[string]any{})
	if !strings.Contains(out, "Deleted") || !strings.Contains(out, "2 earlier change(s)") {
		t.Errorf("revert output = %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "util", "run.go")); !os.IsNotExist(err) {
		t.Errorf("created file still present: %v", err)
	}

	r.run(RevertToolName, map[string]any{"count": float64(1)})
	if got := readString(t, filepath.Join(dir, "main.go")); got != "package main\n\nfunc main() {}\n" {
		t.Errorf("after reverting edit: %q", got)
	}

	r.run(RevertToolName, map[string]any{"all": true})
	if got := readString(t, filepath.Join(dir, "main.go")); got != "package main\n" {
		t.Errorf("after reverting write: %q", got)
	}
	if out := r.run(RevertToolName, map[string]any{}); out != "Nothing to revert." {
		t.Errorf("empty revert = %q", out)
	}
}

func TestFailedEditIsNotTracked(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "alpha")
	r := newToolRunner(t, dir)
	_, err := r.reg.Get(EditToolName).Executor(context.Background(), map[string]any{"file_path": "a.txt", "old_string": "zzz", "new_string": "y"}, r.ec)
	if err == nil {
		t.Fatal("expected not-found error")
	}
	if n := r.ec.Changes.Len(); n != 0 {
		t.Errorf("tracked %d changes after a failed edit", n)
	}
}

func TestChangeTrackerDropsOldest(t *testing.T) {
	dir := t.TempDir()
	env := NewLocalEnvironment(dir)
	tr := NewChangeTracker(2)
	for _, content := range []string{"1", "2", "3"} {
		if err := tr.Track(env, "f.txt", WriteToolName, func() error { return env.WriteFile("f.txt", content) }); err != nil {
			t.Fatal(err)
		}
	}
	reverted, err := tr.Revert(env, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(reverted) != 2 {
		t.Fatalf("reverted %d changes, want 2", len(reverted))
	}
	if got := readString(t, filepath.Join(dir, "f.txt")); got != "1" {
		t.Errorf("content = %q, want the oldest kept snapshot", got)
	}
}

func TestNilChangeTrackerStillWrites(t *testing.T) {
	dir := t.TempDir()
	out, err := runTool(t, NewLocalEnvironment(dir), WriteToolName, map[string]any{"file_path": "x.txt", "content": "x"})
	if err != nil || !strings.Contains(out, "Wrote 1 bytes") {
		t.Fatalf("out = %q, err = %v", out, err)
	}
	if out, _ := runTool(t, NewLocalEnvironment(dir), RevertToolName, map[string]any{}); out != "Nothing to revert." {
		t.Errorf("revert without tracker = %q", out)
	}
}

func TestCodeSearchRanksFilesAndReindexes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "session", "store.go"), "package session\n\n// SaveSession writes a session to the store.\nfunc SaveSession() {}\n")
	writeFile(t, filepath.Join(dir, "api", "handler.go"), "package api\n\nfunc handle() { SaveSession() }\n")
	writeFile(t, filepath.Join(dir, "readme.md"), "nothing relevant\n")
	r := newToolRunner(t, dir)

	out := r.run(CodeSearchToolName, map[string]any{"query": "save session store"})
	lines := strings.Split(out, "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], filepath.Join("session", "store.go")+":3:") {
		t.Errorf("codesearch = %q", out)
	}

	writeFile(t, filepath.Join(dir, "late", "session_cache.go"), "package late\n\nvar sessionStore = 1\n")
	if out := r.run(CodeSearchToolName, map[string]any{"query": "session_cache"}); !strings.HasPrefix(out, "No files match") {
		t.Errorf("new file visible before reindex: %q", out)
	}
	out = r.run(CodeSearchToolName, map[string]any{"query": "session_cache", "reindex": true})
	if !strings.HasPrefix(out, "Indexed 4 files.") || !strings.Contains(out, filepath.Join("late", "session_cache.go")) {
		t.Errorf("after reindex = %q", out)
	}
}

func TestSearchTerms(t *testing.T) {
	got := strings.Join(searchTerms("Save the session, save_Session! a"), ",")
	if got != "save,the,session,save_session" {
		t.Errorf("terms = %s", got)
	}
}
