package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
)

// ResponsesAdapter talks to the OpenAI Responses API. It supports stateful
// continuation: the finish event carries the response id, and a request with
// ContinuationID sets previous_response_id so only new items are sent.
type ResponsesAdapter struct {
	client openai.Client
}

// NewResponsesAdapter creates an adapter. An empty apiKey falls back to
// OPENAI_API_KEY; an empty baseURL uses the SDK default.
func NewResponsesAdapter(apiKey, baseURL string) *ResponsesAdapter {
	return &ResponsesAdapter{client: openai.NewClient(openAIOptions(apiKey, baseURL)...)}
}

func openAIOptions(apiKey, baseURL string) []option.RequestOption {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	opts = append(opts, option.WithMaxRetries(0))
	return opts
}

func (a *ResponsesAdapter) Name() string { return ProviderResponses }

func (a *ResponsesAdapter) params(req Request) responses.ResponseNewParams {
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(req.Model),
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: responsesInput(req.Messages)},
	}
	if req.System != "" {
		params.Instructions = openai.String(req.System)
	}
	if req.ContinuationID != "" {
		params.PreviousResponseID = openai.String(req.ContinuationID)
	}
	if req.MaxTokens != nil {
		params.MaxOutputTokens = openai.Int(int64(*req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.ReasoningEffort != "" {
		params.Reasoning = shared.ReasoningParam{Effort: shared.ReasoningEffort(req.ReasoningEffort)}
	}
	for _, t := range req.ToolDefs {
		params.Tools = append(params.Tools, responses.ToolParamOfFunction(t.Name, t.Parameters, false))
	}
	return params
}

// responsesInput converts messages to input items. Reasoning parts are not
// replayed; the server keeps its own reasoning state.
func responsesInput(msgs []Message) responses.ResponseInputParam {
	items := make(responses.ResponseInputParam, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleUser, RoleSystem:
			if text := userText(msg); text != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(text, responses.EasyInputMessageRoleUser))
			}
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(text, responses.EasyInputMessageRoleAssistant))
			}
			for _, c := range msg.ToolCalls() {
				items = append(items, responses.ResponseInputItemParamOfFunctionCall(argsOrEmpty(c.Arguments), c.ID, c.Name))
			}
		case RoleTool:
			if tr := msg.ToolResult(); tr != nil {
				items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(tr.ToolCallID, tr.Content))
			}
		}
	}
	if len(items) == 0 {
		items = append(items, responses.ResponseInputItemParamOfMessage("Continue.", responses.EasyInputMessageRoleUser))
	}
	return items
}

// Stream opens a streaming response.
func (a *ResponsesAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	stream := a.client.Responses.NewStreaming(ctx, a.params(req))
	if err := stream.Err(); err != nil {
		return nil, translateOpenAIError(ProviderResponses, err)
	}
	ch := make(chan StreamEvent, 64)

	go func() {
		defer close(ch)
		defer stream.Close()
		send := sender(ctx, ch)

		// item id -> call id; argument deltas are keyed by item id.
		callIDs := map[string]string{}
		names := map[string]string{}
		ended := map[string]bool{}
		var sawCall bool

		end := func(itemID, args string) bool {
			id := callIDs[itemID]
			if id == "" || ended[itemID] {
				return true
			}
			ended[itemID] = true
			return send(StreamEvent{Type: ToolCallEnd, ToolCall: &ToolCall{ID: id, Name: names[itemID], Arguments: json.RawMessage(argsOrEmpty(json.RawMessage(args)))}})
		}

		for stream.Next() {
			ev := stream.Current()
			ok := true
			switch ev.Type {
			case "response.output_text.delta":
				if d := ev.Delta.OfString; d != "" {
					ok = send(StreamEvent{Type: TextDelta, Delta: d})
				}
			case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
				if d := ev.Delta.OfString; d != "" {
					ok = send(StreamEvent{Type: ReasoningDelta, ReasoningDelta: d})
				}
			case "response.output_item.added":
				if ev.Item.Type != "function_call" {
					continue
				}
				id := ev.Item.CallID
				if id == "" {
					id = ev.Item.ID
				}
				callIDs[ev.Item.ID] = id
				names[ev.Item.ID] = ev.Item.Name
				sawCall = true
				ok = send(StreamEvent{Type: ToolCallStart, ToolCall: &ToolCall{ID: id, Name: ev.Item.Name}})
			case "response.function_call_arguments.delta":
				if id := callIDs[ev.ItemID]; id != "" && ev.Delta.OfString != "" {
					ok = send(StreamEvent{Type: ToolCallDelta, Delta: ev.Delta.OfString, ToolCall: &ToolCall{ID: id, Name: names[ev.ItemID]}})
				}
			case "response.function_call_arguments.done":
				ok = end(ev.ItemID, ev.Arguments)
			case "response.output_item.done":
				if ev.Item.Type == "function_call" {
					ok = end(ev.Item.ID, ev.Item.Arguments)
				}
			case "response.completed", "response.incomplete":
				resp := ev.Response
				usage := Usage{
					InputTokens:  int(resp.Usage.InputTokens),
					OutputTokens: int(resp.Usage.OutputTokens),
					TotalTokens:  int(resp.Usage.TotalTokens),
				}
				if r := int(resp.Usage.OutputTokensDetails.ReasoningTokens); r > 0 {
					usage.ReasoningTokens = &r
				}
				reason := FinishReason{Reason: "stop", Raw: string(resp.Status)}
				if sawCall {
					reason.Reason = "tool_calls"
				} else if ev.Type == "response.incomplete" {
					reason.Reason = "length"
				}
				send(StreamEvent{Type: StreamFinish, FinishReason: &reason, Usage: &usage, ContinuationID: resp.ID})
				return
			case "response.failed", "error":
				msg := ev.Message
				if msg == "" {
					msg = ev.Response.Error.Message
				}
				send(StreamEvent{Type: StreamError, Error: &ProviderError{SDKError: SDKError{Message: msg}, Provider: ProviderResponses}})
				return
			}
			if !ok {
				return
			}
		}
		if err := stream.Err(); err != nil {
			send(StreamEvent{Type: StreamError, Error: translateOpenAIError(ProviderResponses, err)})
			return
		}
		send(StreamEvent{Type: StreamError, Error: &StreamErrorType{SDKError: SDKError{Message: "stream ended without a completed response"}}})
	}()
	return ch, nil
}

// sender returns a send function that gives up when ctx is done.
func sender(ctx context.Context, ch chan<- StreamEvent) func(StreamEvent) bool {
	return func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
}

func argsOrEmpty(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return "{}"
	}
	return s
}

// userText renders text and image references of a user message.
func userText(msg Message) string {
	var parts []string
	for _, p := range msg.Content {
		switch p.Kind {
		case ContentText:
			if p.Text != "" {
				parts = append(parts, p.Text)
			}
		case ContentImage:
			if p.Image != nil {
				parts = append(parts, "[image: "+p.Image.URL+"]")
			}
		}
	}
	return strings.Join(parts, "\n")
}

func translateOpenAIError(provider string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = err.Error()
		}
		return ErrorFromStatusCode(apiErr.StatusCode, msg, provider, apiErr.Code, retryAfterHeader(apiErr.Response))
	}
	return &NetworkError{SDKError: SDKError{Message: "openai stream failed", Cause: err}}
}
