package agentloop

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/Willebrew/stratuscode/unifiedllm"
)

// ContextInput is what the loop hands the context manager before each
// request.
type ContextInput struct {
	Model        string
	Messages     []unifiedllm.Message
	SystemPrompt string
	Summary      string
}

// ContextOutput replaces the loop's history, prompt and summary. Compacted
// reports that messages were dropped.
type ContextOutput struct {
	Messages     []unifiedllm.Message
	SystemPrompt string
	Summary      string
	Compacted    bool
}

// ContextManager keeps a conversation within the model's context window.
type ContextManager interface {
	Manage(ctx context.Context, in ContextInput) (ContextOutput, error)
}

// Summariser condenses dropped messages into a note.
type Summariser interface {
	Summarise(ctx context.Context, previous string, dropped []unifiedllm.Message) (string, error)
}

const charsPerToken = 4

// WindowManager drops the oldest messages once the estimated token count
// passes Threshold of the context window. Dropped messages are folded into a
// summary carried in the system prompt.
type WindowManager struct {
	// ContextWindow overrides the catalog window for the model.
	ContextWindow int
	// Threshold is the fraction of the window that triggers trimming.
	Threshold float64
	// KeepRecent is the minimum number of trailing messages kept.
	KeepRecent int
	Summariser Summariser
}

func NewWindowManager(contextWindow int, threshold float64, keepRecent int) *WindowManager {
	return &WindowManager{ContextWindow: contextWindow, Threshold: threshold, KeepRecent: keepRecent, Summariser: noteSummariser{}}
}

func (w *WindowManager) window(model string) int {
	if w.ContextWindow > 0 {
		return w.ContextWindow
	}
	return unifiedllm.ContextWindow(model)
}

func (w *WindowManager) Manage(ctx context.Context, in ContextInput) (ContextOutput, error) {
	out := ContextOutput{Messages: in.Messages, SystemPrompt: in.SystemPrompt, Summary: in.Summary}
	threshold := w.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	limit := int(float64(w.window(in.Model)) * threshold)
	used := EstimateTokens(in.SystemPrompt) + estimateMessages(in.Messages)
	if used <= limit {
		return out, nil
	}

	cut := w.cutPoint(in.Messages, used-limit)
	if cut <= 0 {
		return out, nil
	}
	summariser := w.Summariser
	if summariser == nil {
		summariser = noteSummariser{}
	}
	summary, err := summariser.Summarise(ctx, in.Summary, in.Messages[:cut])
	if err != nil {
		return out, fmt.Errorf("summarise %d messages: %w", cut, err)
	}
	out.Messages = append([]unifiedllm.Message(nil), in.Messages[cut:]...)
	out.Summary = summary
	out.SystemPrompt = WithSummary(in.SystemPrompt, summary)
	out.Compacted = true
	return out, nil
}

// cutPoint returns how many leading messages to drop to free at least excess
// tokens. The kept history always starts at a user message so tool results
// never lose their calls.
func (w *WindowManager) cutPoint(msgs []unifiedllm.Message, excess int) int {
	keep := w.KeepRecent
	if keep <= 0 {
		keep = 8
	}
	maxCut := len(msgs) - keep
	if maxCut <= 0 {
		return 0
	}
	freed, cut := 0, 0
	for i := 1; i <= maxCut; i++ {
		freed += estimateMessage(msgs[i-1])
		if i < len(msgs) && msgs[i].Role == unifiedllm.RoleUser {
			cut = i
			if freed >= excess {
				break
			}
		}
	}
	return cut
}

var summaryBlock = regexp.MustCompile(`(?s)\n*<conversation_summary>.*?</conversation_summary>`)

// WithSummary replaces any earlier summary block in prompt with summary.
func WithSummary(prompt, summary string) string {
	prompt = summaryBlock.ReplaceAllString(prompt, "")
	if summary == "" {
		return prompt
	}
	return prompt + "\n\n<conversation_summary>\n" + summary + "\n</conversation_summary>"
}

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return len(s)/charsPerToken + 1
}

func estimateMessage(m unifiedllm.Message) int {
	n := 4
	for _, p := range m.Content {
		n += EstimateTokens(p.Text)
		if p.ToolCall != nil {
			n += EstimateTokens(p.ToolCall.Name) + len(p.ToolCall.Arguments)/charsPerToken
		}
		if p.ToolResult != nil {
			n += EstimateTokens(p.ToolResult.Content)
		}
		if p.Thinking != nil {
			n += EstimateTokens(p.Thinking.Text)
		}
	}
	return n
}

func estimateMessages(msgs []unifiedllm.Message) int {
	total := 0
	for _, m := range msgs {
		total += estimateMessage(m)
	}
	return total
}

// noteSummariser keeps the user requests and a tally of tool use from the
// dropped messages without calling a model.
type noteSummariser struct{}

func (noteSummariser) Summarise(_ context.Context, previous string, dropped []unifiedllm.Message) (string, error) {
	var sb strings.Builder
	if previous != "" {
		sb.WriteString(previous)
		sb.WriteString("\n")
	}
	tools := map[string]int{}
	var order []string
	for _, m := range dropped {
		switch m.Role {
		case unifiedllm.RoleUser:
			if text := strings.TrimSpace(m.TextContent()); text != "" {
				fmt.Fprintf(&sb, "- User asked: %s\n", clip(text, 300))
			}
		case unifiedllm.RoleAssistant:
			for _, c := range m.ToolCalls() {
				if tools[c.Name] == 0 {
					order = append(order, c.Name)
				}
				tools[c.Name]++
			}
			if text := strings.TrimSpace(m.TextContent()); text != "" {
				fmt.Fprintf(&sb, "- Assistant said: %s\n", clip(text, 300))
			}
		}
	}
	if len(order) > 0 {
		parts := make([]string, len(order))
		for i, name := range order {
			parts[i] = fmt.Sprintf("%s x%d", name, tools[name])
		}
		fmt.Fprintf(&sb, "- Tools used: %s\n", strings.Join(parts, ", "))
	}
	return strings.TrimSpace(sb.String()), nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
