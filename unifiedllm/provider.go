package unifiedllm

import (
	"context"
	"fmt"
	"strings"
)

// ProviderAdapter is the interface every provider backend implements.
//
// Stream returns once the request is accepted. The channel is closed after a
// StreamFinish or StreamError event, or when ctx is cancelled.
type ProviderAdapter interface {
	// Name returns the provider type, e.g. "responses" or "anthropic".
	Name() string

	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Closer is implemented by adapters that hold resources.
type Closer interface {
	Close() error
}

// Provider types accepted by NewAdapter.
const (
	ProviderResponses = "responses"
	ProviderChat      = "chat"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderGollm     = "gollm"
)

// ProviderConfig selects and configures one adapter.
type ProviderConfig struct {
	Type    string
	BaseURL string
	APIKey  string
	Model   string
	// GollmProvider is the backend name passed to gollm, e.g. "openai".
	GollmProvider string
}

// InferProviderType guesses an adapter from the endpoint when no type is set.
func InferProviderType(baseURL string) string {
	u := strings.ToLower(baseURL)
	switch {
	case u == "" || strings.Contains(u, "api.openai.com"):
		return ProviderResponses
	case strings.Contains(u, "anthropic.com"):
		return ProviderAnthropic
	case strings.Contains(u, ":11434") || strings.Contains(u, "ollama"):
		return ProviderOllama
	default:
		return ProviderChat
	}
}

// StatefulByDefault reports whether a provider type keeps conversation state
// server-side, so a step can be continued by id.
func StatefulByDefault(providerType string) (stateful, known bool) {
	switch providerType {
	case ProviderResponses:
		return true, true
	case ProviderChat, ProviderAnthropic, ProviderOllama, ProviderGollm:
		return false, true
	}
	return false, false
}

// NewAdapter builds the adapter named by cfg.Type, inferring it from the
// endpoint when empty.
func NewAdapter(cfg ProviderConfig) (ProviderAdapter, error) {
	t := cfg.Type
	if t == "" {
		t = InferProviderType(cfg.BaseURL)
	}
	switch t {
	case ProviderResponses:
		return NewResponsesAdapter(cfg.APIKey, cfg.BaseURL), nil
	case ProviderChat:
		return NewChatAdapter(cfg.APIKey, cfg.BaseURL), nil
	case ProviderAnthropic:
		return NewAnthropicAdapter(cfg.APIKey, cfg.BaseURL), nil
	case ProviderOllama:
		a, err := NewOllamaAdapter(cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		return a, nil
	case ProviderGollm:
		backend := cfg.GollmProvider
		if backend == "" {
			backend = "openai"
		}
		a, err := NewGollmAdapter(backend, cfg.APIKey, WithGollmModel(cfg.Model))
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	return nil, &ConfigurationError{SDKError: SDKError{Message: fmt.Sprintf("unknown provider type %q", t)}}
}
