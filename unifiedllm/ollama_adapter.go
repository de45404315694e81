package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

const ollamaDefaultURL = "http://localhost:11434"

// OllamaAdapter talks to a local or remote Ollama server. Ollama chat is
// stateless, so it always uses full replay.
type OllamaAdapter struct {
	client *api.Client
}

// NewOllamaAdapter creates an adapter for baseURL. A trailing /v1 (the
// OpenAI-compatible path) is stripped.
func NewOllamaAdapter(baseURL string) (*OllamaAdapter, error) {
	if baseURL == "" {
		baseURL = ollamaDefaultURL
	}
	baseURL = strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/v1")
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "invalid ollama url", Cause: err}}
	}
	return &OllamaAdapter{client: api.NewClient(u, http.DefaultClient)}, nil
}

func (a *OllamaAdapter) Name() string { return ProviderOllama }

func ollamaMessages(system string, msgs []Message) []api.Message {
	out := make([]api.Message, 0, len(msgs)+1)
	if system != "" {
		out = append(out, api.Message{Role: "system", Content: system})
	}
	names := map[string]string{}
	for _, m := range msgs {
		switch m.Role {
		case RoleUser, RoleSystem:
			out = append(out, api.Message{Role: "user", Content: userText(m)})
		case RoleAssistant:
			msg := api.Message{Role: "assistant", Content: m.TextContent(), Thinking: m.Reasoning()}
			for _, c := range m.ToolCalls() {
				names[c.ID] = c.Name
				var decoded map[string]any
				_ = json.Unmarshal([]byte(argsOrEmpty(c.Arguments)), &decoded)
				args := api.NewToolCallFunctionArguments()
				for k, v := range decoded {
					args.Set(k, v)
				}
				msg.ToolCalls = append(msg.ToolCalls, api.ToolCall{
					ID:       c.ID,
					Function: api.ToolCallFunction{Name: c.Name, Arguments: args},
				})
			}
			out = append(out, msg)
		case RoleTool:
			if tr := m.ToolResult(); tr != nil {
				out = append(out, api.Message{Role: "tool", Content: tr.Content, ToolName: names[tr.ToolCallID], ToolCallID: tr.ToolCallID})
			}
		}
	}
	return out
}

// ollamaTools maps flat JSON schemas onto Ollama's typed tool parameters.
func ollamaTools(defs []ToolDefinition) []api.Tool {
	tools := make([]api.Tool, 0, len(defs))
	for _, d := range defs {
		params := api.ToolFunctionParameters{Type: "object", Properties: api.NewToolPropertiesMap()}
		if req, ok := d.Parameters["required"].([]string); ok {
			params.Required = req
		}
		props, _ := d.Parameters["properties"].(map[string]any)
		for name, raw := range props {
			schema, _ := raw.(map[string]any)
			prop := api.ToolProperty{}
			if desc, ok := schema["description"].(string); ok {
				prop.Description = desc
			}
			if t, ok := schema["type"].(string); ok {
				prop.Type = api.PropertyType{t}
			}
			if enum, ok := schema["enum"].([]string); ok {
				for _, v := range enum {
					prop.Enum = append(prop.Enum, v)
				}
			}
			params.Properties.Set(name, prop)
		}
		tools = append(tools, api.Tool{
			Type:     "function",
			Function: api.ToolFunction{Name: d.Name, Description: d.Description, Parameters: params},
		})
	}
	return tools
}

// Stream runs one chat turn. Ollama delivers each tool call whole, so start
// and end events are emitted together.
func (a *OllamaAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	stream := true
	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: ollamaMessages(req.System, req.Messages),
		Tools:    ollamaTools(req.ToolDefs),
		Stream:   &stream,
		Options:  map[string]any{},
	}
	if req.Temperature != nil {
		chatReq.Options["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		chatReq.Options["num_predict"] = *req.MaxTokens
	}

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		send := sender(ctx, ch)
		var n int
		var usage Usage
		finish := FinishReason{Reason: "stop"}

		err := a.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			if resp.Message.Thinking != "" && !send(StreamEvent{Type: ReasoningDelta, ReasoningDelta: resp.Message.Thinking}) {
				return ctx.Err()
			}
			if resp.Message.Content != "" && !send(StreamEvent{Type: TextDelta, Delta: resp.Message.Content}) {
				return ctx.Err()
			}
			for _, tc := range resp.Message.ToolCalls {
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("call_%d", n)
				}
				n++
				raw, err := json.Marshal(tc.Function.Arguments.ToMap())
				if err != nil {
					raw = []byte("{}")
				}
				if !send(StreamEvent{Type: ToolCallStart, ToolCall: &ToolCall{ID: id, Name: tc.Function.Name}}) ||
					!send(StreamEvent{Type: ToolCallEnd, ToolCall: &ToolCall{ID: id, Name: tc.Function.Name, Arguments: raw}}) {
					return ctx.Err()
				}
				finish.Reason = "tool_calls"
			}
			if resp.Done {
				usage = Usage{InputTokens: resp.PromptEvalCount, OutputTokens: resp.EvalCount, TotalTokens: resp.PromptEvalCount + resp.EvalCount}
				finish.Raw = resp.DoneReason
				if resp.DoneReason == "length" {
					finish.Reason = "length"
				}
			}
			return nil
		})
		if err != nil {
			send(StreamEvent{Type: StreamError, Error: translateOllamaError(err)})
			return
		}
		send(StreamEvent{Type: StreamFinish, FinishReason: &finish, Usage: &usage})
	}()
	return ch, nil
}

func translateOllamaError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return ErrorFromStatusCode(statusErr.StatusCode, statusErr.ErrorMessage, ProviderOllama, "", nil)
	}
	var statusErrPtr *api.StatusError
	if errors.As(err, &statusErrPtr) {
		return ErrorFromStatusCode(statusErrPtr.StatusCode, statusErrPtr.ErrorMessage, ProviderOllama, "", nil)
	}
	return &NetworkError{SDKError: SDKError{Message: "ollama request failed", Cause: err}}
}
