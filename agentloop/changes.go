package agentloop

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultMaxChanges = 100

// FileChange is the content a file had before a tool changed it.
type FileChange struct {
	ID        string
	Path      string
	Tool      string
	Before    string
	Existed   bool
	Timestamp time.Time
}

// ChangeTracker keeps pre-edit snapshots of files changed by the write and
// edit tools so they can be reverted newest first. A nil tracker records
// nothing.
type ChangeTracker struct {
	mu      sync.Mutex
	changes []FileChange
	max     int
}

// NewChangeTracker keeps at most limit snapshots, dropping the oldest.
func NewChangeTracker(limit int) *ChangeTracker {
	if limit <= 0 {
		limit = defaultMaxChanges
	}
	return &ChangeTracker{max: limit}
}

// Track snapshots path, runs write and records the snapshot if write
// succeeds.
func (t *ChangeTracker) Track(env ExecutionEnvironment, path, tool string, write func() error) error {
	if t == nil {
		return write()
	}
	change := FileChange{
		ID:        uuid.NewString(),
		Path:      env.Resolve(path),
		Tool:      tool,
		Existed:   env.FileExists(path),
		Timestamp: time.Now(),
	}
	if change.Existed {
		before, err := env.ReadFile(path)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", path, err)
		}
		change.Before = before
	}
	if err := write(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.changes) >= t.max {
		t.changes = t.changes[1:]
	}
	t.changes = append(t.changes, change)
	return nil
}

// Revert undoes up to n of the most recent changes; n <= 0 undoes all of
// them. It stops at the first change that cannot be restored and leaves that
// change tracked.
func (t *ChangeTracker) Revert(env ExecutionEnvironment, n int) ([]FileChange, error) {
	if t == nil {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 || n > len(t.changes) {
		n = len(t.changes)
	}
	var reverted []FileChange
	for range n {
		change := t.changes[len(t.changes)-1]
		var err error
		if change.Existed {
			err = env.WriteFile(change.Path, change.Before)
		} else {
			err = env.RemoveFile(change.Path)
		}
		if err != nil {
			return reverted, fmt.Errorf("revert %s: %w", change.Path, err)
		}
		t.changes = t.changes[:len(t.changes)-1]
		reverted = append(reverted, change)
	}
	return reverted, nil
}

// Len returns the number of tracked changes.
func (t *ChangeTracker) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.changes)
}

// Clear forgets every snapshot.
func (t *ChangeTracker) Clear() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.changes = nil
	t.mu.Unlock()
}

func revertTool() Tool {
	return Tool{
		Name:        RevertToolName,
		Description: "Undo recent file changes made by write and edit, newest first. Modified files get their previous content back; files those tools created are deleted.",
		Parameters: objectSchema(nil, map[string]any{
			"count": prop("integer", "Number of changes to undo. Default: 1."),
			"all":   prop("boolean", "Undo every tracked change."),
		}),
		Executor: func(_ context.Context, args map[string]any, ec ExecContext) (string, error) {
			env, err := envFor(ec)
			if err != nil {
				return "", err
			}
			if ec.Changes.Len() == 0 {
				return "Nothing to revert.", nil
			}
			n := 1
			if count, ok := GetIntArg(args, "count"); ok && count > 0 {
				n = count
			}
			if all, _ := GetBoolArg(args, "all"); all {
				n = 0
			}
			reverted, err := ec.Changes.Revert(env, n)
			if err != nil && len(reverted) == 0 {
				return "", err
			}
			var sb strings.Builder
			for _, c := range reverted {
				if c.Existed {
					fmt.Fprintf(&sb, "Restored %s to its content before %s\n", c.Path, c.Tool)
				} else {
					fmt.Fprintf(&sb, "Deleted %s (created by %s)\n", c.Path, c.Tool)
				}
			}
			if err != nil {
				fmt.Fprintf(&sb, "Stopped: %v\n", err)
			}
			if left := ec.Changes.Len(); left > 0 {
				fmt.Fprintf(&sb, "%d earlier change(s) can still be reverted.", left)
			}
			return strings.TrimSuffix(sb.String(), "\n"), nil
		},
	}
}
