package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Willebrew/stratuscode/logging"
)

// ErrBlocked is matched by every BlockedError.
var ErrBlocked = errors.New("blocked by hook")

// BlockedError carries the reason a pre_tool hook vetoed a call.
type BlockedError struct {
	Hook   string
	Reason string
}

func (e *BlockedError) Error() string { return e.Reason }

func (e *BlockedError) Unwrap() error { return ErrBlocked }

// Result is the outcome of one hook run.
type Result struct {
	Hook    *Hook
	Output  string
	Err     error
	Elapsed time.Duration
}

// Manager holds the configured hooks for one project directory.
type Manager struct {
	mu      sync.RWMutex
	hooks   []*Hook
	workDir string
	timeout time.Duration
}

// NewManager builds a manager over the given hooks.
func NewManager(workDir string, hooks []Hook) *Manager {
	m := &Manager{workDir: workDir, timeout: 30 * time.Second}
	for i := range hooks {
		h := hooks[i]
		m.hooks = append(m.hooks, &h)
	}
	return m
}

// SetTimeout bounds every hook command.
func (m *Manager) SetTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = d
}

// Len returns the number of configured hooks.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hooks)
}

// Run executes every hook matching t for hctx.ToolName, in order.
func (m *Manager) Run(ctx context.Context, t Type, hctx *Context) []Result {
	m.mu.RLock()
	hooks := m.hooks
	timeout := m.timeout
	m.mu.RUnlock()

	if hctx.WorkDir == "" {
		hctx.WorkDir = m.workDir
	}
	var results []Result
	for _, h := range hooks {
		if !h.Matches(t, hctx.ToolName) {
			continue
		}
		results = append(results, m.exec(ctx, h, hctx, timeout))
	}
	return results
}

// BeforeTool runs pre_tool hooks. The first failing hook vetoes the call with
// a *BlockedError. A hook whose stdout is a JSON object replaces
// the arguments seen by later hooks and by the tool.
func (m *Manager) BeforeTool(ctx context.Context, sessionID, tool string, args map[string]any) (map[string]any, error) {
	m.mu.RLock()
	hooks := m.hooks
	timeout := m.timeout
	m.mu.RUnlock()

	for _, h := range hooks {
		if !h.Matches(PreTool, tool) {
			continue
		}
		res := m.exec(ctx, h, &Context{SessionID: sessionID, ToolName: tool, Args: args, WorkDir: m.workDir}, timeout)
		if res.Err != nil {
			reason := strings.TrimSpace(res.Output)
			if reason == "" {
				reason = h.Name
			}
			return nil, &BlockedError{Hook: h.Name, Reason: reason}
		}
		out := strings.TrimSpace(res.Output)
		if strings.HasPrefix(out, "{") {
			var rewritten map[string]any
			if err := json.Unmarshal([]byte(out), &rewritten); err == nil {
				args = rewritten
			}
		}
	}
	return args, nil
}

// AfterTool runs post_tool hooks, or on_error hooks when toolErr is set, and
// joins their failures.
func (m *Manager) AfterTool(ctx context.Context, sessionID, tool string, args map[string]any, result string, toolErr error) error {
	hctx := &Context{SessionID: sessionID, ToolName: tool, Args: args, Result: result}
	t := PostTool
	if toolErr != nil {
		t = OnError
		hctx.Error = toolErr.Error()
	}
	var errs []error
	for _, r := range m.Run(ctx, t, hctx) {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) exec(ctx context.Context, h *Hook, hctx *Context, timeout time.Duration) Result {
	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command("sh", "-c", hctx.Expand(h.Command))
	cmd.Dir = hctx.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{Hook: h, Err: fmt.Errorf("start hook %q: %w", h.Name, err), Elapsed: time.Since(start)}
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-execCtx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			<-done
		}
		err = fmt.Errorf("hook %q cancelled: %w", h.Name, execCtx.Err())
	}

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += stderr.String()
	}
	if err != nil && execCtx.Err() == nil {
		err = fmt.Errorf("hook %q failed: %w", h.Name, err)
	}
	logging.Debug("hook finished", "hook", h.Name, "type", h.Type, "tool", hctx.ToolName, "elapsed", time.Since(start), "error", err)
	return Result{Hook: h, Output: output, Err: err, Elapsed: time.Since(start)}
}
