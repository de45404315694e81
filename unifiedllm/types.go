package unifiedllm

import (
	"encoding/json"
	"strings"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind is the discriminator tag for ContentPart.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentImage      ContentKind = "image"
	ContentToolCall   ContentKind = "tool_call"
	ContentToolResult ContentKind = "tool_result"
	ContentThinking   ContentKind = "thinking"
)

// ImageData references an image by URL or path.
type ImageData struct {
	URL       string `json:"url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// ToolCallData is a model-initiated tool invocation stored in a message.
type ToolCallData struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResultData is the output of one tool call.
type ToolResultData struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ThinkingData holds model reasoning text.
type ThinkingData struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

// ContentPart is a tagged union representing one part of a message.
type ContentPart struct {
	Kind       ContentKind     `json:"kind"`
	Text       string          `json:"text,omitempty"`
	Image      *ImageData      `json:"image,omitempty"`
	ToolCall   *ToolCallData   `json:"tool_call,omitempty"`
	ToolResult *ToolResultData `json:"tool_result,omitempty"`
	Thinking   *ThinkingData   `json:"thinking,omitempty"`
}

func TextPart(text string) ContentPart {
	return ContentPart{Kind: ContentText, Text: text}
}

func ImageURLPart(url, mediaType string) ContentPart {
	return ContentPart{Kind: ContentImage, Image: &ImageData{URL: url, MediaType: mediaType}}
}

func ToolCallPart(id, name string, args json.RawMessage) ContentPart {
	return ContentPart{Kind: ContentToolCall, ToolCall: &ToolCallData{ID: id, Name: name, Arguments: args}}
}

func ToolResultPart(toolCallID, content string, isError bool) ContentPart {
	return ContentPart{Kind: ContentToolResult, ToolResult: &ToolResultData{ToolCallID: toolCallID, Content: content, IsError: isError}}
}

func ThinkingPart(text, signature string) ContentPart {
	return ContentPart{Kind: ContentThinking, Thinking: &ThinkingData{Text: text, Signature: signature}}
}

// Message is one entry of a conversation. Messages are never mutated after
// they are appended to a history.
type Message struct {
	Role       Role          `json:"role"`
	Content    []ContentPart `json:"content"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Usage      *Usage        `json:"usage,omitempty"`
}

// TextContent returns the concatenation of all text parts.
func (m Message) TextContent() string {
	var sb strings.Builder
	for _, part := range m.Content {
		if part.Kind == ContentText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// Reasoning returns the concatenation of all thinking parts.
func (m Message) Reasoning() string {
	var sb strings.Builder
	for _, part := range m.Content {
		if part.Kind == ContentThinking && part.Thinking != nil {
			sb.WriteString(part.Thinking.Text)
		}
	}
	return sb.String()
}

// ToolCalls extracts the tool calls carried by the message.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, part := range m.Content {
		if part.Kind == ContentToolCall && part.ToolCall != nil {
			calls = append(calls, ToolCall{ID: part.ToolCall.ID, Name: part.ToolCall.Name, Arguments: part.ToolCall.Arguments})
		}
	}
	return calls
}

// ToolResult returns the tool result part, if any.
func (m Message) ToolResult() *ToolResultData {
	for _, part := range m.Content {
		if part.Kind == ContentToolResult && part.ToolResult != nil {
			return part.ToolResult
		}
	}
	return nil
}

func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentPart{TextPart(text)}}
}

func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentPart{TextPart(text)}}
}

// AssistantTurn builds the assistant message for one streamed turn: reasoning
// first, then text, then tool calls.
func AssistantTurn(text, reasoning string, calls []ToolCall) Message {
	var parts []ContentPart
	if reasoning != "" {
		parts = append(parts, ThinkingPart(reasoning, ""))
	}
	if text != "" {
		parts = append(parts, TextPart(text))
	}
	for _, c := range calls {
		parts = append(parts, ToolCallPart(c.ID, c.Name, c.Arguments))
	}
	return Message{Role: RoleAssistant, Content: parts}
}

func ToolResultMessage(toolCallID, content string, isError bool) Message {
	return Message{
		Role:       RoleTool,
		Content:    []ContentPart{ToolResultPart(toolCallID, content, isError)},
		ToolCallID: toolCallID,
	}
}

// ToolDefinition is the schema exported to the model for one tool.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a tool invocation assembled from a stream.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// FinishReason describes why generation stopped.
type FinishReason struct {
	Reason string `json:"reason"` // stop, length, tool_calls, content_filter, error, other
	Raw    string `json:"raw,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens     int  `json:"input_tokens"`
	OutputTokens    int  `json:"output_tokens"`
	TotalTokens     int  `json:"total_tokens"`
	ReasoningTokens *int `json:"reasoning_tokens,omitempty"`
	CacheReadTokens *int `json:"cache_read_tokens,omitempty"`
}

// Add returns a new Usage that is the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:     u.InputTokens + other.InputTokens,
		OutputTokens:    u.OutputTokens + other.OutputTokens,
		TotalTokens:     u.TotalTokens + other.TotalTokens,
		ReasoningTokens: addOptionalInt(u.ReasoningTokens, other.ReasoningTokens),
		CacheReadTokens: addOptionalInt(u.CacheReadTokens, other.CacheReadTokens),
	}
}

func addOptionalInt(a, b *int) *int {
	if a == nil && b == nil {
		return nil
	}
	sum := 0
	if a != nil {
		sum += *a
	}
	if b != nil {
		sum += *b
	}
	return &sum
}

// Request is one model turn.
//
// Messages is either the full history (full replay) or only the messages new
// since ContinuationID (stateful continuation). Adapters that cannot continue
// server-side ignore ContinuationID.
type Request struct {
	Model           string           `json:"model"`
	System          string           `json:"system,omitempty"`
	Messages        []Message        `json:"messages"`
	Provider        string           `json:"provider,omitempty"`
	ToolDefs        []ToolDefinition `json:"tools,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	MaxTokens       *int             `json:"max_tokens,omitempty"`
	ReasoningEffort string           `json:"reasoning_effort,omitempty"`
	ContinuationID  string           `json:"continuation_id,omitempty"`
	ProviderOptions map[string]any   `json:"provider_options,omitempty"`
}

// StreamEventType identifies the kind of stream event.
type StreamEventType string

const (
	TextDelta      StreamEventType = "text_delta"
	ReasoningDelta StreamEventType = "reasoning_delta"
	ToolCallStart  StreamEventType = "tool_call_start"
	ToolCallDelta  StreamEventType = "tool_call_delta"
	ToolCallEnd    StreamEventType = "tool_call_end"
	StreamFinish   StreamEventType = "finish"
	StreamError    StreamEventType = "error"
)

// StreamEvent is one normalized event.
//
// Tool call events carry the call id in ToolCall.ID; ToolCallDelta carries an
// argument fragment in Delta, and ToolCallEnd carries the complete arguments
// when the provider reports them. StreamFinish carries Usage and, for
// providers that keep conversation state, ContinuationID.
type StreamEvent struct {
	Type           StreamEventType `json:"type"`
	Delta          string          `json:"delta,omitempty"`
	ReasoningDelta string          `json:"reasoning_delta,omitempty"`
	ToolCall       *ToolCall       `json:"tool_call,omitempty"`
	FinishReason   *FinishReason   `json:"finish_reason,omitempty"`
	Usage          *Usage          `json:"usage,omitempty"`
	ContinuationID string          `json:"continuation_id,omitempty"`
	Error          error           `json:"-"`
}
