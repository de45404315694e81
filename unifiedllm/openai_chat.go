package unifiedllm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// ChatAdapter talks to any OpenAI-compatible Chat Completions endpoint. The
// protocol has no server-side state, so every request carries the full
// history.
type ChatAdapter struct {
	client openai.Client
}

// NewChatAdapter creates an adapter for the given endpoint.
func NewChatAdapter(apiKey, baseURL string) *ChatAdapter {
	return &ChatAdapter{client: openai.NewClient(openAIOptions(apiKey, baseURL)...)}
}

func (a *ChatAdapter) Name() string { return ProviderChat }

func (a *ChatAdapter) params(req Request) openai.ChatCompletionNewParams {
	var msgs []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	msgs = append(msgs, chatMessages(req.Messages)...)

	params := openai.ChatCompletionNewParams{
		Model:         shared.ChatModel(req.Model),
		Messages:      msgs,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)},
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = param.NewOpt(int64(*req.MaxTokens))
	}
	if req.ReasoningEffort != "" {
		params.ReasoningEffort = shared.ReasoningEffort(req.ReasoningEffort)
	}
	for _, t := range req.ToolDefs {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		})
	}
	return params
}

func chatMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.TextContent()))
		case RoleUser:
			out = append(out, openai.UserMessage(userText(m)))
		case RoleAssistant:
			asst := openai.ChatCompletionAssistantMessageParam{}
			if text := m.TextContent(); text != "" {
				asst.Content.OfString = openai.String(text)
			}
			for _, c := range m.ToolCalls() {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: c.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      c.Name,
						Arguments: argsOrEmpty(c.Arguments),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case RoleTool:
			if tr := m.ToolResult(); tr != nil {
				out = append(out, openai.ToolMessage(tr.Content, tr.ToolCallID))
			}
		}
	}
	return out
}

// Stream opens a streaming chat completion. Tool call fragments arrive keyed
// by index; the first fragment of each index carries its id and name.
func (a *ChatAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	stream := a.client.Chat.Completions.NewStreaming(ctx, a.params(req))
	if err := stream.Err(); err != nil {
		return nil, translateOpenAIError(ProviderChat, err)
	}
	ch := make(chan StreamEvent, 64)

	go func() {
		defer close(ch)
		defer stream.Close()
		send := sender(ctx, ch)

		type partial struct {
			id, name string
			args     []byte
		}
		var order []int64
		calls := map[int64]*partial{}
		var usage Usage
		finish := FinishReason{Reason: "stop"}

		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
				usage = Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:  int(chunk.Usage.TotalTokens),
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if d := choice.Delta.Content; d != "" {
				if !send(StreamEvent{Type: TextDelta, Delta: d}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				p, ok := calls[tc.Index]
				if !ok {
					p = &partial{id: tc.ID, name: tc.Function.Name}
					if p.id == "" {
						p.id = fmt.Sprintf("call_%d", tc.Index)
					}
					calls[tc.Index] = p
					order = append(order, tc.Index)
					if !send(StreamEvent{Type: ToolCallStart, ToolCall: &ToolCall{ID: p.id, Name: p.name}}) {
						return
					}
				}
				if p.name == "" && tc.Function.Name != "" {
					p.name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					p.args = append(p.args, tc.Function.Arguments...)
					if !send(StreamEvent{Type: ToolCallDelta, Delta: tc.Function.Arguments, ToolCall: &ToolCall{ID: p.id, Name: p.name}}) {
						return
					}
				}
			}
			if choice.FinishReason != "" {
				finish = FinishReason{Reason: choice.FinishReason, Raw: choice.FinishReason}
			}
		}
		if err := stream.Err(); err != nil {
			send(StreamEvent{Type: StreamError, Error: translateOpenAIError(ProviderChat, err)})
			return
		}
		for _, idx := range order {
			p := calls[idx]
			if !send(StreamEvent{Type: ToolCallEnd, ToolCall: &ToolCall{ID: p.id, Name: p.name, Arguments: []byte(argsOrEmpty(p.args))}}) {
				return
			}
		}
		send(StreamEvent{Type: StreamFinish, FinishReason: &finish, Usage: &usage})
	}()
	return ch, nil
}
