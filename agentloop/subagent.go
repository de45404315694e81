package agentloop

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Willebrew/stratuscode/logging"
	"github.com/Willebrew/stratuscode/observe"
	"github.com/Willebrew/stratuscode/unifiedllm"
)

const (
	// DelegationMarker separates lineage segments in a child session id.
	DelegationMarker = "::sub::"
	// DelegateToolName is routed to the Delegator instead of an executor.
	DelegateToolName = "task"

	errMaxDepthExceeded = "max_depth_exceeded"
)

// SubagentDefinition describes a child agent the model may delegate to.
type SubagentDefinition struct {
	Name         string   `yaml:"name" json:"name"`
	Description  string   `yaml:"description" json:"description"`
	SystemPrompt string   `yaml:"system_prompt" json:"systemPrompt"`
	Tools        []string `yaml:"tools" json:"tools"`
	// MaxDepth bounds the child's loop iterations. Zero inherits the parent's.
	MaxDepth    int      `yaml:"max_depth" json:"maxDepth"`
	Temperature *float64 `yaml:"temperature" json:"temperature,omitempty"`
}

// SubagentResult is what a delegation returns to the parent.
type SubagentResult struct {
	Content      string
	InputTokens  int
	OutputTokens int
	Error        string
}

// DefaultSubagents returns the built-in child agents.
func DefaultSubagents() []SubagentDefinition {
	return []SubagentDefinition{
		{
			Name:        "explore",
			Description: "Read-only codebase exploration: finds files, searches code and summarizes what it learned.",
			SystemPrompt: "You are an exploration agent. Investigate the codebase to answer the task. " +
				"You cannot modify files. Finish with a concise report of what you found, citing file paths.",
			Tools:    []string{ReadToolName, ListToolName, GrepToolName, GlobToolName, CodeSearchToolName},
			MaxDepth: 25,
		},
		{
			Name:        "general",
			Description: "General-purpose agent for self-contained multi-step tasks that may edit files and run commands.",
			SystemPrompt: "You are a focused coding agent working on one delegated task. " +
				"Complete it, then reply with a short summary of what you changed and anything left undone.",
			Tools:    []string{ReadToolName, WriteToolName, EditToolName, ListToolName, GrepToolName, GlobToolName, BashToolName},
			MaxDepth: 40,
		},
	}
}

// LookupSubagent finds a definition by name.
func LookupSubagent(defs []SubagentDefinition, name string) (SubagentDefinition, bool) {
	for _, d := range defs {
		if d.Name == name {
			return d, true
		}
	}
	return SubagentDefinition{}, false
}

// DelegateTool builds the delegate tool advertised to the model. It has no
// executor; the Dispatcher routes calls to a Delegator.
func DelegateTool(defs []SubagentDefinition) Tool {
	names := make([]any, 0, len(defs))
	var sb strings.Builder
	sb.WriteString("Delegate a self-contained task to a subagent that runs with its own context and tools. Available agents:\n")
	for _, d := range defs {
		names = append(names, d.Name)
		fmt.Fprintf(&sb, "- %s: %s\n", d.Name, d.Description)
	}
	return Tool{
		Name:        DelegateToolName,
		Description: strings.TrimRight(sb.String(), "\n"),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent":   map[string]any{"type": "string", "enum": names, "description": "Which subagent to run."},
				"task":    map[string]any{"type": "string", "description": "What the subagent should do."},
				"context": map[string]any{"type": "string", "description": "Optional background the subagent needs."},
			},
			"required": []any{"agent", "task"},
		},
		TimeoutMs: -1,
	}
}

// Delegator runs child loops for delegated tasks.
type Delegator struct{}

func NewDelegator() *Delegator { return &Delegator{} }

// LineageDepth counts how many delegations produced sessionID.
func LineageDepth(sessionID string) int {
	return strings.Count(sessionID, DelegationMarker)
}

// Delegate runs def on task in an isolated child context and returns its
// final text. The parent's history is never touched; cancelling ctx cancels
// the child.
func (d *Delegator) Delegate(ctx context.Context, def SubagentDefinition, task, extra string, parent *AgentContext) SubagentResult {
	cfg := parent.Config.withDefaults()
	depth := LineageDepth(parent.SessionID)
	if depth+1 >= cfg.MaxSubagentDepth {
		logging.Warn("subagent depth exceeded", "session", parent.SessionID, "agent", def.Name, "depth", depth)
		cfg.Metrics.Subagent(def.Name, "rejected")
		return SubagentResult{Error: errMaxDepthExceeded}
	}

	child := d.childContext(def, task, extra, parent, cfg)
	info := SubagentInfo{SessionID: child.SessionID, Agent: def.Name, Task: task, Depth: depth + 1}

	ctx, span := observe.StartSpan(ctx, "agentloop.subagent",
		attribute.String("subagent.name", def.Name),
		attribute.String("session.id", child.SessionID),
		attribute.Int("subagent.depth", depth+1))
	parent.Callbacks.subagentStart(info)
	logging.Debug("subagent started", "session", child.SessionID, "agent", def.Name)

	res, err := RunTurn(ctx, child, 0, TokenTotals{})
	out := SubagentResult{}
	status := "success"
	if res != nil {
		out.Content = res.Text
		out.InputTokens = res.InputTokens
		out.OutputTokens = res.OutputTokens
	}
	if err != nil {
		out.Error = err.Error()
		status = "error"
		logging.Warn("subagent failed", "session", child.SessionID, "agent", def.Name, "error", err)
	}
	observe.EndSpan(span, err)
	cfg.Metrics.Subagent(def.Name, status)
	parent.Callbacks.subagentEnd(info, out)
	return out
}

func (d *Delegator) childContext(def SubagentDefinition, task, extra string, parent *AgentContext, cfg Config) *AgentContext {
	childCfg := parent.Config
	childCfg.Subagents = append([]SubagentDefinition(nil), parent.Config.Subagents...)
	if def.Temperature != nil {
		t := *def.Temperature
		childCfg.Temperature = &t
	}
	if def.MaxDepth > 0 {
		childCfg.MaxDepth = def.MaxDepth
	}

	prompt := task
	if extra = strings.TrimSpace(extra); extra != "" {
		prompt = task + "\n\n<context>\n" + extra + "\n</context>"
	}

	systemPrompt := def.SystemPrompt
	if parent.Env != nil {
		systemPrompt += "\n\n" + BuildEnvironmentContext(parent.Env, cfg.Model)
	}

	forward := parent.Callbacks
	return &AgentContext{
		SessionID:    parent.SessionID + DelegationMarker + def.Name + "-" + uuid.NewString()[:8],
		ProjectRoot:  parent.ProjectRoot,
		SystemPrompt: systemPrompt,
		Messages:     []unifiedllm.Message{unifiedllm.UserMessage(prompt)},
		Tools:        parent.Tools.Filter(def.Tools),
		Env:          parent.Env,
		Approvals:    parent.Approvals,
		Changes:      parent.Changes,
		Config:       childCfg,
		Context:      parent.Context,
		Callbacks: Callbacks{
			OnToken:         func(text string) { forward.subagentToken(def.Name, text) },
			OnSubagentToken: forward.OnSubagentToken,
			OnError:         forward.OnError,
		},
	}
}
