package agentloop

import (
	"context"
	"strings"
	"testing"

	"github.com/Willebrew/stratuscode/unifiedllm"
)

func longHistory(rounds int) []unifiedllm.Message {
	var msgs []unifiedllm.Message
	for i := range rounds {
		msgs = append(msgs,
			unifiedllm.UserMessage(strings.Repeat("q", 400)),
			unifiedllm.AssistantTurn("", "", []unifiedllm.ToolCall{call("c"+string(rune('a'+i)), "grep", `{}`)}),
			unifiedllm.ToolResultMessage("c"+string(rune('a'+i)), strings.Repeat("r", 400), false),
			unifiedllm.AssistantTurn(strings.Repeat("a", 400), "", nil),
		)
	}
	return msgs
}

func TestWindowManagerUnderThresholdIsNoop(t *testing.T) {
	w := NewWindowManager(100000, 0.8, 4)
	in := ContextInput{Messages: longHistory(2), SystemPrompt: "sys"}
	out, err := w.Manage(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if out.Compacted || len(out.Messages) != len(in.Messages) || out.SystemPrompt != "sys" {
		t.Errorf("unexpected compaction: %+v", out)
	}
}

func TestWindowManagerDropsAtUserBoundary(t *testing.T) {
	w := NewWindowManager(1000, 0.5, 4)
	in := ContextInput{Messages: longHistory(6), SystemPrompt: "sys"}
	out, err := w.Manage(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Compacted {
		t.Fatal("expected compaction")
	}
	if len(out.Messages) >= len(in.Messages) || len(out.Messages) < 4 {
		t.Errorf("kept %d of %d messages", len(out.Messages), len(in.Messages))
	}
	if out.Messages[0].Role != unifiedllm.RoleUser {
		t.Errorf("kept history starts with %s", out.Messages[0].Role)
	}
	if !strings.Contains(out.Summary, "User asked") || !strings.Contains(out.Summary, "grep x") {
		t.Errorf("summary = %q", out.Summary)
	}
	if strings.Count(out.SystemPrompt, "<conversation_summary>") != 1 {
		t.Errorf("prompt = %q", out.SystemPrompt)
	}

	// A second pass replaces the summary block instead of adding another.
	again, err := w.Manage(context.Background(), ContextInput{
		Messages:     append(out.Messages, longHistory(6)...),
		SystemPrompt: out.SystemPrompt,
		Summary:      out.Summary,
	})
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(again.SystemPrompt, "<conversation_summary>"); n != 1 {
		t.Errorf("%d summary blocks after second compaction", n)
	}
}

func TestWindowManagerKeepsRecentMessages(t *testing.T) {
	w := NewWindowManager(10, 0.5, 100)
	in := ContextInput{Messages: longHistory(3)}
	out, err := w.Manage(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if out.Compacted || len(out.Messages) != 12 {
		t.Errorf("KeepRecent violated: %d messages, compacted=%v", len(out.Messages), out.Compacted)
	}
}
