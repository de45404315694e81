package unifiedllm

import (
	"encoding/json"
	"testing"
)

func TestAssistantTurnOrdering(t *testing.T) {
	calls := []ToolCall{
		{ID: "c1", Name: "read", Arguments: json.RawMessage(`{"file_path":"a"}`)},
		{ID: "c2", Name: "grep", Arguments: json.RawMessage(`{"pattern":"b"}`)},
	}
	msg := AssistantTurn("looking", "need context", calls)

	if msg.Role != RoleAssistant {
		t.Errorf("role = %q", msg.Role)
	}
	if msg.Content[0].Kind != ContentThinking || msg.Content[1].Kind != ContentText {
		t.Errorf("unexpected part order: %+v", msg.Content)
	}
	if msg.TextContent() != "looking" || msg.Reasoning() != "need context" {
		t.Errorf("text=%q reasoning=%q", msg.TextContent(), msg.Reasoning())
	}
	got := msg.ToolCalls()
	if len(got) != 2 || got[0].ID != "c1" || got[1].Name != "grep" {
		t.Errorf("tool calls = %+v", got)
	}
}

func TestAssistantTurnEmptyParts(t *testing.T) {
	msg := AssistantTurn("", "", nil)
	if len(msg.Content) != 0 {
		t.Errorf("expected no parts, got %d", len(msg.Content))
	}
}

func TestToolResultMessage(t *testing.T) {
	msg := ToolResultMessage("call_1", `{"error":true}`, true)
	if msg.Role != RoleTool || msg.ToolCallID != "call_1" {
		t.Errorf("unexpected message: %+v", msg)
	}
	tr := msg.ToolResult()
	if tr == nil || !tr.IsError || tr.Content != `{"error":true}` {
		t.Errorf("tool result = %+v", tr)
	}
	if UserMessage("x").ToolResult() != nil {
		t.Error("user message has no tool result")
	}
}

func TestUsageAdd(t *testing.T) {
	r := 5
	a := Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30, ReasoningTokens: &r}
	b := Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}
	sum := a.Add(b)
	if sum.InputTokens != 11 || sum.OutputTokens != 22 || sum.TotalTokens != 33 {
		t.Errorf("sum = %+v", sum)
	}
	if sum.ReasoningTokens == nil || *sum.ReasoningTokens != 5 {
		t.Errorf("reasoning = %v", sum.ReasoningTokens)
	}
	if sum.CacheReadTokens != nil {
		t.Error("both nil should stay nil")
	}
}

func TestUserTextIncludesImages(t *testing.T) {
	msg := Message{Role: RoleUser, Content: []ContentPart{TextPart("see"), ImageURLPart("file:///a.png", "image/png")}}
	if got := userText(msg); got != "see\n[image: file:///a.png]" {
		t.Errorf("userText = %q", got)
	}
}
