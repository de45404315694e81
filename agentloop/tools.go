package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/Willebrew/stratuscode/unifiedllm"
)

// ToolExecutor runs one tool call. Arguments are already parsed and
// validated against the tool's schema.
type ToolExecutor func(ctx context.Context, args map[string]any, ec ExecContext) (string, error)

// Tool is a callable capability exposed to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	// TimeoutMs bounds a single execution. Zero uses Config.ToolTimeoutMs.
	TimeoutMs int
	// MaxResultSize caps the content returned to the model. Zero uses
	// Config.ToolOutputLimit.
	MaxResultSize int
	Executor      ToolExecutor
}

// Definition exports the tool's schema for a provider request.
func (t *Tool) Definition() unifiedllm.ToolDefinition {
	return unifiedllm.ToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
}

// ExecContext is what an executor knows about the invocation it runs in.
type ExecContext struct {
	SessionID   string
	ProjectRoot string
	CallID      string
	Env         ExecutionEnvironment
	Approvals   *ApprovalStore
	Changes     *ChangeTracker
}

// ToolRegistry maps tool names to tools. It is built before a loop starts
// and only read while the loop runs.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*Tool)}
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = &tool
}

func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the named tool, or nil.
func (r *ToolRegistry) Get(name string) *Tool {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered tool names in sorted order.
func (r *ToolRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *ToolRegistry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions exports every tool schema, sorted by name so requests are
// stable across calls.
func (r *ToolRegistry) Definitions() []unifiedllm.ToolDefinition {
	names := r.Names()
	defs := make([]unifiedllm.ToolDefinition, 0, len(names))
	for _, name := range names {
		if t := r.Get(name); t != nil {
			defs = append(defs, t.Definition())
		}
	}
	return defs
}

// Filter returns a new registry holding only the allowed tools. Unknown
// names are ignored.
func (r *ToolRegistry) Filter(allow []string) *ToolRegistry {
	out := NewToolRegistry()
	if r == nil {
		return out
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, tool := range r.tools {
		if slices.Contains(allow, name) {
			cloned := *tool
			out.tools[name] = &cloned
		}
	}
	return out
}

// Clone returns a copy that can be modified independently.
func (r *ToolRegistry) Clone() *ToolRegistry {
	out := NewToolRegistry()
	out.MergeFrom(r)
	return out
}

// MergeFrom copies all tools from other, replacing same-named tools.
func (r *ToolRegistry) MergeFrom(other *ToolRegistry) {
	if other == nil || other == r {
		return
	}
	other.mu.RLock()
	defer other.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, tool := range other.tools {
		cloned := *tool
		r.tools[name] = &cloned
	}
}

// ParseToolArguments decodes a tool call payload. An empty payload is an
// empty object.
func ParseToolArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func GetStringArg(args map[string]any, key string) (string, bool) {
	s, ok := args[key].(string)
	return s, ok
}

// GetIntArg accepts JSON numbers decoded as float64 as well as ints.
func GetIntArg(args map[string]any, key string) (int, bool) {
	switch n := args[key].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

func GetBoolArg(args map[string]any, key string) (bool, bool) {
	b, ok := args[key].(bool)
	return b, ok
}

// GetStringSliceArg reads an array of strings, skipping non-string items.
func GetStringSliceArg(args map[string]any, key string) []string {
	items, _ := args[key].([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
