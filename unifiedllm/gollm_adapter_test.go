package unifiedllm

import (
	"errors"
	"testing"
)

func TestGollmAdapterTranslateError(t *testing.T) {
	adapter := &GollmAdapter{backend: "openai"}

	tests := []struct {
		msg   string
		check func(error) bool
	}{
		{"401 Unauthorized", func(e error) bool { var x *AuthenticationError; return errors.As(e, &x) }},
		{"403 Forbidden", func(e error) bool { var x *AccessDeniedError; return errors.As(e, &x) }},
		{"404 not found", func(e error) bool { var x *NotFoundError; return errors.As(e, &x) }},
		{"429 rate limit exceeded", func(e error) bool { var x *RateLimitError; return errors.As(e, &x) }},
		{"context length exceeded", func(e error) bool { var x *ContextLengthError; return errors.As(e, &x) }},
		{"500 internal server error", func(e error) bool { var x *ServerError; return errors.As(e, &x) }},
		{"timeout waiting for response", func(e error) bool { var x *RequestTimeoutError; return errors.As(e, &x) }},
		{"something unknown", func(e error) bool { var x *ProviderError; return errors.As(e, &x) }},
	}
	for _, tt := range tests {
		if err := adapter.translateError(errors.New(tt.msg)); !tt.check(err) {
			t.Errorf("%q classified as %T", tt.msg, err)
		}
	}
	if adapter.translateError(nil) != nil {
		t.Error("nil should stay nil")
	}
}

func TestParseEmbeddedToolCalls(t *testing.T) {
	text := `I'll look at the file.
[{"name":"read","arguments":{"file_path":"main.go"}},{"name":"grep","arguments":{"pattern":"TODO"}}]`
	calls := parseEmbeddedToolCalls(text)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Name != "read" || string(calls[0].Arguments) != `{"file_path":"main.go"}` {
		t.Errorf("call 0 = %+v", calls[0])
	}
	if calls[0].ID == "" || calls[0].ID == calls[1].ID {
		t.Error("calls need distinct ids")
	}

	if parseEmbeddedToolCalls("just prose") != nil {
		t.Error("expected no calls")
	}
	if parseEmbeddedToolCalls(`[{"name": broken`) != nil {
		t.Error("malformed JSON should yield no calls")
	}
}

func TestEstimateTokens(t *testing.T) {
	req := Request{
		System: "12345678",
		Messages: []Message{
			UserMessage("abcdefgh"),
			ToolResultMessage("c1", "abcdefghijkl", false),
		},
	}
	if got := estimateTokens(req); got != 2+2+3 {
		t.Errorf("estimateTokens = %d", got)
	}
}
