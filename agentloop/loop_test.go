package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Willebrew/stratuscode/unifiedllm"
)

// scriptedAdapter replays one event list per Stream call and records every
// request it receives.
type scriptedAdapter struct {
	mu       sync.Mutex
	turns    [][]unifiedllm.StreamEvent
	requests []unifiedllm.Request
}

func (a *scriptedAdapter) Name() string { return "scripted" }

func (a *scriptedAdapter) Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	i := len(a.requests) - 1
	a.mu.Unlock()
	if i >= len(a.turns) {
		return nil, errors.New("script exhausted")
	}
	ch := make(chan unifiedllm.StreamEvent, len(a.turns[i]))
	for _, ev := range a.turns[i] {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (a *scriptedAdapter) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

func (a *scriptedAdapter) request(i int) unifiedllm.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[i]
}

func textTurn(text string, in, out int) []unifiedllm.StreamEvent {
	return []unifiedllm.StreamEvent{
		{Type: unifiedllm.TextDelta, Delta: text},
		{Type: unifiedllm.StreamFinish, Usage: &unifiedllm.Usage{InputTokens: in, OutputTokens: out}},
	}
}

func call(id, name, args string) unifiedllm.ToolCall {
	return unifiedllm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// toolTurn streams calls the way adapters do: start, one argument delta, end.
func toolTurn(continuationID string, calls ...unifiedllm.ToolCall) []unifiedllm.StreamEvent {
	var evs []unifiedllm.StreamEvent
	for _, c := range calls {
		evs = append(evs,
			unifiedllm.StreamEvent{Type: unifiedllm.ToolCallStart, ToolCall: &unifiedllm.ToolCall{ID: c.ID, Name: c.Name}},
			unifiedllm.StreamEvent{Type: unifiedllm.ToolCallDelta, ToolCall: &unifiedllm.ToolCall{ID: c.ID}, Delta: string(c.Arguments)},
			unifiedllm.StreamEvent{Type: unifiedllm.ToolCallEnd, ToolCall: &unifiedllm.ToolCall{ID: c.ID, Name: c.Name}},
		)
	}
	return append(evs, unifiedllm.StreamEvent{
		Type:           unifiedllm.StreamFinish,
		ContinuationID: continuationID,
		Usage:          &unifiedllm.Usage{InputTokens: 10, OutputTokens: 5},
	})
}

func newTestContext(adapter unifiedllm.ProviderAdapter, providerType, model string, tools *ToolRegistry) *AgentContext {
	if tools == nil {
		tools = NewToolRegistry()
	}
	return &AgentContext{
		SessionID:    "sess-1",
		SystemPrompt: "system",
		Messages:     []unifiedllm.Message{unifiedllm.UserMessage("hello")},
		Tools:        tools,
		Approvals:    NewApprovalStore(nil),
		Config: Config{
			Model:    model,
			Provider: unifiedllm.ProviderConfig{Type: providerType, Model: model},
			NewProvider: func(unifiedllm.ProviderConfig) (unifiedllm.ProviderAdapter, error) {
				return adapter, nil
			},
		},
	}
}

func echoTool(name string) Tool {
	return Tool{
		Name:       name,
		Parameters: map[string]any{"type": "object"},
		Executor: func(_ context.Context, args map[string]any, ec ExecContext) (string, error) {
			return fmt.Sprintf("%s:%s", name, ec.CallID), nil
		},
	}
}

func toolMessages(msgs []unifiedllm.Message) []unifiedllm.Message {
	var out []unifiedllm.Message
	for _, m := range msgs {
		if m.Role == unifiedllm.RoleTool {
			out = append(out, m)
		}
	}
	return out
}

func TestRunTurnReturnsFinalText(t *testing.T) {
	adapter := &scriptedAdapter{turns: [][]unifiedllm.StreamEvent{textTurn("hi there", 12, 3)}}
	ac := newTestContext(adapter, unifiedllm.ProviderChat, "test-model", nil)

	var tokens []string
	ac.Callbacks.OnToken = func(s string) { tokens = append(tokens, s) }

	res, err := RunTurn(context.Background(), ac, 0, TokenTotals{Input: 100, Output: 50})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Text != "hi there" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.InputTokens != 112 || res.OutputTokens != 53 {
		t.Errorf("tokens = %d/%d, want 112/53", res.InputTokens, res.OutputTokens)
	}
	if len(tokens) != 1 || tokens[0] != "hi there" {
		t.Errorf("OnToken got %v", tokens)
	}
	if len(res.History) != 2 || res.History[1].Role != unifiedllm.RoleAssistant {
		t.Errorf("History = %+v", res.History)
	}
	if len(ac.Messages) != 1 {
		t.Errorf("caller's history was modified: %d messages", len(ac.Messages))
	}
	if got := adapter.request(0).System; got != "system" {
		t.Errorf("System = %q", got)
	}
}

func TestRunTurnMaxDepthMakesNoProviderCalls(t *testing.T) {
	adapter := &scriptedAdapter{turns: [][]unifiedllm.StreamEvent{textTurn("unreachable", 1, 1)}}
	ac := newTestContext(adapter, unifiedllm.ProviderChat, "m", nil)
	ac.Config.MaxDepth = 4

	_, err := RunTurn(context.Background(), ac, 4, TokenTotals{})
	var mde *MaxDepthError
	if !errors.As(err, &mde) {
		t.Fatalf("err = %v, want MaxDepthError", err)
	}
	if mde.MaxDepth != 4 {
		t.Errorf("MaxDepth = %d", mde.MaxDepth)
	}
	if adapter.calls() != 0 {
		t.Errorf("provider called %d times", adapter.calls())
	}
}

func TestRunTurnStopsAtMaxDepthWhileLooping(t *testing.T) {
	adapter := &scriptedAdapter{turns: [][]unifiedllm.StreamEvent{
		toolTurn("", call("c1", "echo", `{}`)),
		toolTurn("", call("c2", "echo", `{"n":1}`)),
		textTurn("unreachable", 1, 1),
	}}
	reg := NewToolRegistry()
	reg.Register(echoTool("echo"))
	ac := newTestContext(adapter, unifiedllm.ProviderChat, "m", reg)
	ac.Config.MaxDepth = 2

	_, err := RunTurn(context.Background(), ac, 0, TokenTotals{})
	var mde *MaxDepthError
	if !errors.As(err, &mde) {
		t.Fatalf("err = %v, want MaxDepthError", err)
	}
	if adapter.calls() != 2 {
		t.Errorf("provider called %d times, want 2", adapter.calls())
	}
}

func TestRunTurnCancelledBeforeStart(t *testing.T) {
	adapter := &scriptedAdapter{turns: [][]unifiedllm.StreamEvent{textTurn("x", 1, 1)}}
	ac := newTestContext(adapter, unifiedllm.ProviderChat, "m", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RunTurn(ctx, ac, 0, TokenTotals{})
	var ce *CancellationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want CancellationError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("CancellationError should unwrap to context.Canceled")
	}
	if adapter.calls() != 0 {
		t.Errorf("provider called %d times", adapter.calls())
	}
}

func TestRunTurnParallelResultsCorrelatedByID(t *testing.T) {
	const n = 3
	var started sync.WaitGroup
	started.Add(n)
	allStarted := make(chan struct{})
	go func() { started.Wait(); close(allStarted) }()

	reg := NewToolRegistry()
	reg.Register(Tool{
		Name:       "slow",
		Parameters: map[string]any{"type": "object", "properties": map[string]any{"ms": map[string]any{"type": "integer"}}},
		Executor: func(ctx context.Context, args map[string]any, ec ExecContext) (string, error) {
			started.Done()
			select {
			case <-allStarted:
			case <-time.After(5 * time.Second):
				return "", errors.New("calls did not run concurrently")
			}
			ms, _ := GetIntArg(args, "ms")
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return "done " + ec.CallID, nil
		},
	})

	adapter := &scriptedAdapter{turns: [][]unifiedllm.StreamEvent{
		toolTurn("", call("a", "slow", `{"ms":30}`), call("b", "slow", `{"ms":1}`), call("c", "slow", `{"ms":15}`)),
		textTurn("all done", 1, 1),
	}}
	ac := newTestContext(adapter, unifiedllm.ProviderChat, "m", reg)

	res, err := RunTurn(context.Background(), ac, 0, TokenTotals{})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Text != "all done" {
		t.Errorf("Text = %q", res.Text)
	}

	second := adapter.request(1)
	results := toolMessages(second.Messages)
	if len(results) != n {
		t.Fatalf("next request has %d tool results, want %d", len(results), n)
	}
	for i, id := range []string{"a", "b", "c"} {
		tr := results[i].ToolResult()
		if results[i].ToolCallID != id || tr == nil || tr.Content != "done "+id || tr.IsError {
			t.Errorf("result %d = %+v", i, results[i])
		}
	}
}

func TestRunTurnUnknownToolDoesNotAbortSiblings(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(echoTool("echo"))
	adapter := &scriptedAdapter{turns: [][]unifiedllm.StreamEvent{
		toolTurn("", call("c1", "missing", `{}`), call("c2", "echo", `{}`)),
		textTurn("ok", 1, 1),
	}}
	ac := newTestContext(adapter, unifiedllm.ProviderChat, "m", reg)

	if _, err := RunTurn(context.Background(), ac, 0, TokenTotals{}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	results := toolMessages(adapter.request(1).Messages)
	if len(results) != 2 {
		t.Fatalf("got %d tool results", len(results))
	}
	missing := results[0].ToolResult()
	if !missing.IsError || missing.Content != `{"error":true,"message":"Tool not found: missing"}` {
		t.Errorf("missing tool result = %+v", missing)
	}
	if got := results[1].ToolResult(); got.IsError || got.Content != "echo:c2" {
		t.Errorf("sibling result = %+v", got)
	}
}

func TestRunTurnReadAndGrep(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := NewToolRegistry()
	RegisterCoreTools(reg, 10000, 60000)

	adapter := &scriptedAdapter{turns: [][]unifiedllm.StreamEvent{
		toolTurn("", call("r", "read", `{"file_path":"main.go"}`), call("g", "grep", `{"pattern":"func main"}`)),
		textTurn("found it", 1, 1),
	}}
	ac := newTestContext(adapter, unifiedllm.ProviderChat, "m", reg)
	ac.Env = NewLocalEnvironment(dir)
	ac.ProjectRoot = dir

	if _, err := RunTurn(context.Background(), ac, 0, TokenTotals{}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	msgs := adapter.request(1).Messages
	// user, assistant, tool, tool
	if len(msgs) != 4 {
		t.Fatalf("next request has %d messages, want 4", len(msgs))
	}
	if msgs[1].Role != unifiedllm.RoleAssistant || len(msgs[1].ToolCalls()) != 2 {
		t.Fatalf("message 1 = %+v", msgs[1])
	}
	read, grep := msgs[2].ToolResult(), msgs[3].ToolResult()
	if read.IsError || !strings.Contains(read.Content, "1 | package main") {
		t.Errorf("read result = %+v", read)
	}
	if grep.IsError || !strings.Contains(grep.Content, "main.go:3:func main() {}") {
		t.Errorf("grep result = %+v", grep)
	}
}

func TestRunTurnStatefulSendsOnlyToolResults(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(echoTool("echo"))
	adapter := &scriptedAdapter{turns: [][]unifiedllm.StreamEvent{
		toolTurn("resp_1", call("c1", "echo", `{}`)),
		textTurn("done", 1, 1),
	}}
	ac := newTestContext(adapter, unifiedllm.ProviderResponses, "gpt-5.2", reg)

	res, err := RunTurn(context.Background(), ac, 0, TokenTotals{})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	second := adapter.request(1)
	if second.ContinuationID != "resp_1" {
		t.Errorf("ContinuationID = %q, want resp_1", second.ContinuationID)
	}
	if len(second.Messages) != 1 || second.Messages[0].ToolCallID != "c1" {
		t.Errorf("stateful request should carry only the tool result, got %+v", second.Messages)
	}
	// The full history is still kept locally.
	if len(res.History) != 4 {
		t.Errorf("History has %d messages, want 4", len(res.History))
	}
}

func TestRunTurnCodexForcesFullReplay(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(echoTool("echo"))
	adapter := &scriptedAdapter{turns: [][]unifiedllm.StreamEvent{
		toolTurn("resp_1", call("c1", "echo", `{}`)),
		textTurn("done", 1, 1),
	}}
	ac := newTestContext(adapter, unifiedllm.ProviderResponses, "gpt-5.2-codex", reg)

	if _, err := RunTurn(context.Background(), ac, 0, TokenTotals{}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	second := adapter.request(1)
	if second.ContinuationID != "" {
		t.Errorf("ContinuationID = %q, want empty", second.ContinuationID)
	}
	if len(second.Messages) != 3 {
		t.Fatalf("full replay should resend 3 messages, got %d", len(second.Messages))
	}
	asst := second.Messages[1]
	if asst.Role != unifiedllm.RoleAssistant || len(asst.ToolCalls()) != 1 {
		t.Errorf("assistant turn missing from replay: %+v", asst)
	}
}

func TestRunTurnStatefulWithoutIDFallsBackToReplay(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(echoTool("echo"))
	adapter := &scriptedAdapter{turns: [][]unifiedllm.StreamEvent{
		toolTurn("", call("c1", "echo", `{}`)),
		textTurn("done", 1, 1),
	}}
	ac := newTestContext(adapter, unifiedllm.ProviderResponses, "gpt-5.2", reg)

	if _, err := RunTurn(context.Background(), ac, 0, TokenTotals{}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if got := len(adapter.request(1).Messages); got != 3 {
		t.Errorf("got %d messages, want full history of 3", got)
	}
}

func TestRunTurnStreamErrorIsReturned(t *testing.T) {
	boom := &unifiedllm.ServerError{ProviderError: unifiedllm.ProviderError{SDKError: unifiedllm.SDKError{Message: "boom"}, StatusCode: 500}}
	adapter := &scriptedAdapter{turns: [][]unifiedllm.StreamEvent{{
		{Type: unifiedllm.TextDelta, Delta: "partial"},
		{Type: unifiedllm.StreamError, Error: boom},
	}}}
	ac := newTestContext(adapter, unifiedllm.ProviderChat, "m", nil)
	var reported error
	ac.Callbacks.OnError = func(err error) { reported = err }

	_, err := RunTurn(context.Background(), ac, 0, TokenTotals{})
	var se *unifiedllm.ServerError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want ServerError in chain", err)
	}
	if reported == nil {
		t.Error("OnError was not called")
	}
}

func TestRunTurnFoldsToolRoundTokens(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(echoTool("echo"))
	adapter := &scriptedAdapter{turns: [][]unifiedllm.StreamEvent{
		toolTurn("", call("c1", "echo", `{}`)),
		textTurn("done", 7, 2),
	}}
	ac := newTestContext(adapter, unifiedllm.ProviderChat, "m", reg)

	var iterations []int
	ac.Callbacks.OnLoopIteration = func(d int) { iterations = append(iterations, d) }

	res, err := RunTurn(context.Background(), ac, 0, TokenTotals{})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.InputTokens != 17 || res.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d, want 17/7", res.InputTokens, res.OutputTokens)
	}
	if res.Depth != 1 || len(iterations) != 1 || iterations[0] != 1 {
		t.Errorf("depth %d, iterations %v", res.Depth, iterations)
	}
	if len(res.Transcript) != 3 {
		t.Errorf("Transcript has %d messages, want 3", len(res.Transcript))
	}
}

func TestRunTurnDropsNamelessCalls(t *testing.T) {
	adapter := &scriptedAdapter{turns: [][]unifiedllm.StreamEvent{{
		{Type: unifiedllm.TextDelta, Delta: "answer"},
		{Type: unifiedllm.ToolCallStart, ToolCall: &unifiedllm.ToolCall{ID: "x"}},
		{Type: unifiedllm.StreamFinish},
	}}}
	ac := newTestContext(adapter, unifiedllm.ProviderChat, "m", nil)

	res, err := RunTurn(context.Background(), ac, 0, TokenTotals{})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Text != "answer" || adapter.calls() != 1 {
		t.Errorf("Text = %q after %d calls", res.Text, adapter.calls())
	}
}

func TestRunTurnLoopDetectionWarns(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(echoTool("echo"))
	turns := make([][]unifiedllm.StreamEvent, 0, 4)
	for i := range 3 {
		turns = append(turns, toolTurn("", call(fmt.Sprintf("c%d", i), "echo", `{"same":true}`)))
	}
	turns = append(turns, textTurn("stopped", 1, 1))
	adapter := &scriptedAdapter{turns: turns}
	ac := newTestContext(adapter, unifiedllm.ProviderChat, "m", reg)
	ac.Config.LoopWindow = 3

	var statuses []string
	ac.Callbacks.OnStatusChange = func(s string) { statuses = append(statuses, s) }

	if _, err := RunTurn(context.Background(), ac, 0, TokenTotals{}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	found := false
	for _, s := range statuses {
		if s == StatusLoopDetected {
			found = true
		}
	}
	if !found {
		t.Errorf("statuses %v lack %q", statuses, StatusLoopDetected)
	}
	last := adapter.request(3).Messages
	if warn := last[len(last)-1]; warn.Role != unifiedllm.RoleUser || !strings.Contains(warn.TextContent(), "Loop detected") {
		t.Errorf("last message = %+v", warn)
	}
}

func TestRunTurnCompactionClearsContinuation(t *testing.T) {
	adapter := &scriptedAdapter{turns: [][]unifiedllm.StreamEvent{textTurn("ok", 1, 1)}}
	ac := newTestContext(adapter, unifiedllm.ProviderResponses, "gpt-5.2", nil)
	ac.ContinuationID = "resp_old"
	ac.Outgoing = []unifiedllm.Message{unifiedllm.UserMessage("hello")}
	ac.Context = compactingManager{}

	if _, err := RunTurn(context.Background(), ac, 0, TokenTotals{}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	req := adapter.request(0)
	if req.ContinuationID != "" {
		t.Errorf("ContinuationID = %q after compaction", req.ContinuationID)
	}
	if !strings.Contains(req.System, "<conversation_summary>") {
		t.Errorf("System = %q", req.System)
	}
}

type compactingManager struct{}

func (compactingManager) Manage(_ context.Context, in ContextInput) (ContextOutput, error) {
	return ContextOutput{
		Messages:     in.Messages,
		SystemPrompt: WithSummary(in.SystemPrompt, "earlier work"),
		Summary:      "earlier work",
		Compacted:    true,
	}, nil
}
