package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter serves any backend gollm supports. gollm has no native
// multi-turn tool protocol, so the conversation is flattened into one prompt
// and tool calls are recovered from a JSON array in the reply. It always uses
// full replay.
type GollmAdapter struct {
	backend string
	llm     gollm.LLM
	model   string
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithGollmModel sets the default model.
func WithGollmModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.model = model }
}

// WithGollmOptions adds raw gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// NewGollmAdapter creates an adapter for the given gollm backend, e.g.
// "openai" or "groq". An empty apiKey lets gollm read its environment.
func NewGollmAdapter(backend, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{maxTokens: 4096, temperature: 0.2}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.model == "" {
		cfg.model = "gpt-5.2-mini"
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(backend),
		gollm.SetModel(cfg.model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // Client owns retries
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gollm backend %s: %w", backend, err)
	}
	return &GollmAdapter{backend: backend, llm: llm, model: cfg.model}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM.
func NewGollmAdapterFromLLM(backend string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{backend: backend, llm: llm}
}

func (a *GollmAdapter) Name() string { return ProviderGollm }

// Stream runs one turn. Text is streamed as it arrives; tool calls are
// parsed from the complete reply and emitted before the finish event.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt := a.buildPrompt(req)
	a.applyRequestOptions(req)

	ch := make(chan StreamEvent, 64)
	send := func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !a.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				send(StreamEvent{Type: StreamError, Error: a.translateError(err)})
				return
			}
			if send(StreamEvent{Type: TextDelta, Delta: text}) {
				a.finish(req, text, send)
			}
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}
	go func() {
		defer close(ch)
		defer stream.Close()

		var full strings.Builder
		for {
			token, err := stream.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				send(StreamEvent{Type: StreamError, Error: a.translateError(err)})
				return
			}
			if token == nil || token.Text == "" {
				continue
			}
			full.WriteString(token.Text)
			if !send(StreamEvent{Type: TextDelta, Delta: token.Text}) {
				return
			}
		}
		a.finish(req, full.String(), send)
	}()
	return ch, nil
}

func (a *GollmAdapter) finish(req Request, text string, send func(StreamEvent) bool) {
	calls := parseEmbeddedToolCalls(text)
	for i := range calls {
		c := calls[i]
		if !send(StreamEvent{Type: ToolCallStart, ToolCall: &ToolCall{ID: c.ID, Name: c.Name}}) {
			return
		}
		if !send(StreamEvent{Type: ToolCallEnd, ToolCall: &c}) {
			return
		}
	}
	reason := FinishReason{Reason: "stop"}
	if len(calls) > 0 {
		reason.Reason = "tool_calls"
	}
	in := estimateTokens(req)
	out := len(text) / 4
	send(StreamEvent{Type: StreamFinish, FinishReason: &reason, Usage: &Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}})
}

// buildPrompt flattens the conversation into a single gollm prompt.
func (a *GollmAdapter) buildPrompt(req Request) *gollm.Prompt {
	var parts []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			parts = append(parts, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				parts = append(parts, "[Assistant]: "+text)
			}
			for _, c := range msg.ToolCalls() {
				parts = append(parts, fmt.Sprintf("[Tool Call %s]: %s %s", c.ID, c.Name, string(c.Arguments)))
			}
		case RoleTool:
			if tr := msg.ToolResult(); tr != nil {
				prefix := "[Tool Result " + tr.ToolCallID + "]"
				if tr.IsError {
					prefix = "[Tool Error " + tr.ToolCallID + "]"
				}
				parts = append(parts, prefix+": "+tr.Content)
			}
		}
	}
	text := strings.Join(parts, "\n")
	if text == "" {
		text = "Continue."
	}

	system := req.System
	if len(req.ToolDefs) > 0 {
		system += "\n\nTo call tools, reply with a JSON array such as " +
			`[{"name":"read","arguments":{"file_path":"main.go"}}]` + " and nothing after it."
	}

	var opts []gollm.PromptOption
	if s := strings.TrimSpace(system); s != "" {
		opts = append(opts, gollm.WithSystemPrompt(s, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		opts = append(opts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type:     "function",
				Function: gollm.Function{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
			})
		}
		opts = append(opts, gollm.WithTools(tools))
	}
	return gollm.NewPrompt(text, opts...)
}

func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// parseEmbeddedToolCalls extracts a trailing `[{"name":...,"arguments":...}]`
// array from reply text.
func parseEmbeddedToolCalls(text string) []ToolCall {
	start := strings.Index(text, `[{"name"`)
	if start == -1 {
		return nil
	}
	var raw []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	dec := json.NewDecoder(strings.NewReader(text[start:]))
	if err := dec.Decode(&raw); err != nil {
		return nil
	}
	calls := make([]ToolCall, 0, len(raw))
	for _, rc := range raw {
		args := rc.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		calls = append(calls, ToolCall{ID: "call_" + uuid.NewString()[:8], Name: rc.Name, Arguments: args})
	}
	return calls
}

// translateError classifies a gollm error by its message.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	base := SDKError{Message: msg, Cause: err}
	pe := func(status int, retryable bool) ProviderError {
		return ProviderError{SDKError: base, Provider: a.backend, StatusCode: status, Retryable: retryable}
	}
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		return &AuthenticationError{ProviderError: pe(401, false)}
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		return &AccessDeniedError{ProviderError: pe(403, false)}
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		return &NotFoundError{ProviderError: pe(404, false)}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		return &RateLimitError{ProviderError: pe(429, true)}
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		return &ContextLengthError{ProviderError: pe(413, false)}
	case strings.Contains(lower, "500") || strings.Contains(lower, "internal server"):
		return &ServerError{ProviderError: pe(500, true)}
	case strings.Contains(lower, "timeout"):
		return &RequestTimeoutError{SDKError: base}
	default:
		p := pe(0, true)
		return &p
	}
}

// estimateTokens approximates prompt size at four bytes per token.
func estimateTokens(req Request) int {
	total := len(req.System) / 4
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				total += len(part.Text) / 4
			case ContentToolResult:
				total += len(part.ToolResult.Content) / 4
			case ContentToolCall:
				total += len(part.ToolCall.Arguments) / 4
			}
		}
	}
	if total == 0 {
		total = 1
	}
	return total
}
