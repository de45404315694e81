package agentloop

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Willebrew/stratuscode/observe"
	"github.com/Willebrew/stratuscode/unifiedllm"
)

// Defaults used when a Config field is zero.
const (
	DefaultMaxDepth         = 50
	DefaultMaxSubagentDepth = 3
	DefaultToolOutputLimit  = 50000
	DefaultToolTimeoutMs    = 120000
	DefaultLoopWindow       = 10
)

// ProviderFactory builds the adapter a top-level context streams from.
type ProviderFactory func(cfg unifiedllm.ProviderConfig) (unifiedllm.ProviderAdapter, error)

// DefaultProviderFactory wraps the configured adapter in a unifiedllm.Client
// with logging and retry.
func DefaultProviderFactory(cfg unifiedllm.ProviderConfig) (unifiedllm.ProviderAdapter, error) {
	return unifiedllm.NewClientFromConfig(cfg)
}

// BeforeToolFunc may rewrite a call's arguments. A non-nil error vetoes the
// call and its message becomes the block reason.
type BeforeToolFunc func(ctx context.Context, sessionID, tool string, args map[string]any) (map[string]any, error)

// AfterToolFunc observes a finished call. Its error is only logged.
type AfterToolFunc func(ctx context.Context, sessionID, tool string, args map[string]any, result string, toolErr error) error

// Config is the static configuration of an agent invocation.
type Config struct {
	Model    string
	Provider unifiedllm.ProviderConfig
	// Continuation is "", "stateful" or "full_replay".
	Continuation         string
	FullReplayEndpoints  []string
	ContinuationDenylist []string

	Temperature     *float64
	MaxTokens       int
	ReasoningEffort string

	MaxDepth         int
	MaxSubagentDepth int
	MaxParallelTools int
	ToolOutputLimit  int
	ToolTimeoutMs    int
	LoopWindow       int

	Subagents []SubagentDefinition

	BeforeTool  BeforeToolFunc
	AfterTool   AfterToolFunc
	Verifier    Verifier
	Metrics     *observe.Metrics
	NewProvider ProviderFactory
}

func (c Config) withDefaults() Config {
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.MaxSubagentDepth <= 0 {
		c.MaxSubagentDepth = DefaultMaxSubagentDepth
	}
	if c.ToolOutputLimit <= 0 {
		c.ToolOutputLimit = DefaultToolOutputLimit
	}
	if c.ToolTimeoutMs <= 0 {
		c.ToolTimeoutMs = DefaultToolTimeoutMs
	}
	if c.LoopWindow <= 0 {
		c.LoopWindow = DefaultLoopWindow
	}
	if c.NewProvider == nil {
		c.NewProvider = DefaultProviderFactory
	}
	if c.Model == "" {
		c.Model = c.Provider.Model
	}
	if c.ContinuationDenylist == nil {
		c.ContinuationDenylist = DefaultContinuationDenylist()
	}
	if c.FullReplayEndpoints == nil {
		c.FullReplayEndpoints = DefaultFullReplayEndpoints()
	}
	return c
}

// Policy returns the continuation policy for this configuration.
func (c Config) Policy() ContinuationPolicy {
	return ContinuationPolicy{
		Mode:                c.Continuation,
		ProviderType:        c.Provider.Type,
		Endpoint:            c.Provider.BaseURL,
		FullReplayEndpoints: c.FullReplayEndpoints,
		Denylist:            c.ContinuationDenylist,
	}
}

// AgentContext is the state one RunTurn invocation works on. RunTurn never
// mutates the caller's AgentContext; it iterates on shallow copies.
type AgentContext struct {
	SessionID    string
	ProjectRoot  string
	SystemPrompt string

	// Messages is the full conversation history.
	Messages []unifiedllm.Message
	// Outgoing, when set together with ContinuationID, is what a stateful
	// provider still needs: the messages added since that id was issued.
	Outgoing       []unifiedllm.Message
	ContinuationID string
	Summary        string

	Tools     *ToolRegistry
	Env       ExecutionEnvironment
	Approvals *ApprovalStore
	Changes   *ChangeTracker
	Config    Config
	Callbacks Callbacks
	Context   ContextManager

	client *clientCache
	meter  *usageMeter
}

type clientCache struct {
	once    sync.Once
	adapter unifiedllm.ProviderAdapter
	err     error
}

// provider returns the context's adapter, creating it on first use. Copies
// of the context share the same adapter.
func (ac *AgentContext) provider(cfg Config) (unifiedllm.ProviderAdapter, error) {
	if ac.client == nil {
		ac.client = &clientCache{}
	}
	c := ac.client
	c.once.Do(func() {
		pc := cfg.Provider
		if pc.Model == "" {
			pc.Model = cfg.Model
		}
		c.adapter, c.err = cfg.NewProvider(pc)
	})
	return c.adapter, c.err
}

// usageMeter collects tokens spent by subagents during a dispatch.
type usageMeter struct {
	input  atomic.Int64
	output atomic.Int64
}

func (m *usageMeter) add(in, out int) {
	if m == nil {
		return
	}
	m.input.Add(int64(in))
	m.output.Add(int64(out))
}

func (m *usageMeter) drain() (int, int) {
	if m == nil {
		return 0, 0
	}
	return int(m.input.Swap(0)), int(m.output.Swap(0))
}

// TokenTotals is a running input/output token count.
type TokenTotals struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

func (t TokenTotals) Add(in, out int) TokenTotals {
	return TokenTotals{Input: t.Input + in, Output: t.Output + out}
}

// AgentResult is the outcome of a completed invocation.
type AgentResult struct {
	Text         string
	Reasoning    string
	ToolCalls    []unifiedllm.ToolCall
	InputTokens  int
	OutputTokens int
	Summary      string
	// ContinuationID is the id a stateful provider issued for the final
	// step, empty when the next request must replay the history.
	ContinuationID string
	// Transcript holds the messages produced by this invocation.
	Transcript []unifiedllm.Message
	// History is the full conversation after this invocation.
	History []unifiedllm.Message
	Depth   int
}
