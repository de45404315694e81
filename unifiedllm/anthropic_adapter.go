package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 8192

// AnthropicAdapter talks to the Anthropic Messages API. Messages has no
// server-side conversation state, so it always uses full replay.
type AnthropicAdapter struct {
	client anthropic.Client
}

// NewAnthropicAdapter creates an adapter. An empty apiKey falls back to
// ANTHROPIC_API_KEY.
func NewAnthropicAdapter(apiKey, baseURL string) *AnthropicAdapter {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	opts = append(opts, option.WithMaxRetries(0))
	return &AnthropicAdapter{client: anthropic.NewClient(opts...)}
}

func (a *AnthropicAdapter) Name() string { return ProviderAnthropic }

func (a *AnthropicAdapter) params(req Request) (anthropic.MessageNewParams, error) {
	msgs, err := anthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	maxTokens := int64(anthropicDefaultMaxTokens)
	if req.MaxTokens != nil {
		maxTokens = int64(*req.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	for _, t := range req.ToolDefs {
		raw, err := json.Marshal(t.Parameters)
		if err != nil {
			return params, err
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return params, err
		}
		tool := anthropic.ToolUnionParamOfTool(schema, t.Name)
		tool.OfTool.Description = anthropic.String(t.Description)
		params.Tools = append(params.Tools, tool)
	}
	return params, nil
}

// anthropicMessages converts the history. Consecutive tool results are merged
// into a single user message, as the API requires.
func anthropicMessages(msgs []Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion
	flush := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, m := range msgs {
		switch m.Role {
		case RoleTool:
			if tr := m.ToolResult(); tr != nil {
				pendingResults = append(pendingResults, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
			}
		case RoleUser, RoleSystem:
			flush()
			if text := userText(m); text != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
			}
		case RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if text := m.TextContent(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, c := range m.ToolCalls() {
				var input map[string]any
				if err := json.Unmarshal([]byte(argsOrEmpty(c.Arguments)), &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(c.ID, input, c.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		}
	}
	flush()
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out, nil
}

// Stream opens a streaming message.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params, err := a.params(req)
	if err != nil {
		return nil, &InvalidRequestError{ProviderError: ProviderError{SDKError: SDKError{Message: "convert request", Cause: err}, Provider: ProviderAnthropic}}
	}
	stream := a.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, translateAnthropicError(err)
	}
	ch := make(chan StreamEvent, 64)

	go func() {
		defer close(ch)
		defer stream.Close()
		send := sender(ctx, ch)

		var usage Usage
		var current *ToolCall
		var args []byte
		finish := FinishReason{Reason: "stop"}

		for stream.Next() {
			ev := stream.Current()
			ok := true
			switch ev.Type {
			case "message_start":
				usage.InputTokens = int(ev.AsMessageStart().Message.Usage.InputTokens)
			case "content_block_start":
				block := ev.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					tu := block.AsToolUse()
					current = &ToolCall{ID: tu.ID, Name: tu.Name}
					args = args[:0]
					ok = send(StreamEvent{Type: ToolCallStart, ToolCall: &ToolCall{ID: tu.ID, Name: tu.Name}})
				}
			case "content_block_delta":
				delta := ev.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						ok = send(StreamEvent{Type: TextDelta, Delta: delta.Text})
					}
				case "thinking_delta":
					if delta.Thinking != "" {
						ok = send(StreamEvent{Type: ReasoningDelta, ReasoningDelta: delta.Thinking})
					}
				case "input_json_delta":
					if current != nil && delta.PartialJSON != "" {
						args = append(args, delta.PartialJSON...)
						ok = send(StreamEvent{Type: ToolCallDelta, Delta: delta.PartialJSON, ToolCall: &ToolCall{ID: current.ID, Name: current.Name}})
					}
				}
			case "content_block_stop":
				if current != nil {
					current.Arguments = json.RawMessage(argsOrEmpty(args))
					ok = send(StreamEvent{Type: ToolCallEnd, ToolCall: current})
					current = nil
				}
			case "message_delta":
				md := ev.AsMessageDelta()
				usage.OutputTokens = int(md.Usage.OutputTokens)
				if r := string(md.Delta.StopReason); r != "" {
					finish = FinishReason{Reason: anthropicStopReason(r), Raw: r}
				}
			}
			if !ok {
				return
			}
		}
		if err := stream.Err(); err != nil {
			send(StreamEvent{Type: StreamError, Error: translateAnthropicError(err)})
			return
		}
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		send(StreamEvent{Type: StreamFinish, FinishReason: &finish, Usage: &usage})
	}()
	return ch, nil
}

func anthropicStopReason(r string) string {
	switch r {
	case "end_turn", "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "other"
	}
}

func translateAnthropicError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return ErrorFromStatusCode(apiErr.StatusCode, err.Error(), ProviderAnthropic, "", retryAfterHeader(apiErr.Response))
	}
	return &NetworkError{SDKError: SDKError{Message: "anthropic stream failed", Cause: err}}
}
