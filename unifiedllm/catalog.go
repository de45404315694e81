package unifiedllm

import "strings"

// ModelInfo describes a known model.
type ModelInfo struct {
	ID                string   `json:"id"`
	Provider          string   `json:"provider"`
	DisplayName       string   `json:"displayName"`
	ContextWindow     int      `json:"contextWindow"`
	MaxOutput         int      `json:"maxOutput,omitempty"`
	SupportsTools     bool     `json:"supportsTools"`
	SupportsReasoning bool     `json:"supportsReasoning"`
	Aliases           []string `json:"aliases,omitempty"`
}

// DefaultContextWindow is assumed for models missing from the catalog.
const DefaultContextWindow = 128000

// Models is the built-in model catalog. Provider is the adapter type that
// serves the model by default.
var Models = []ModelInfo{
	{ID: "gpt-5.2", Provider: ProviderResponses, DisplayName: "GPT-5.2", ContextWindow: 400000, MaxOutput: 128000, SupportsTools: true, SupportsReasoning: true, Aliases: []string{"gpt5"}},
	{ID: "gpt-5.2-mini", Provider: ProviderResponses, DisplayName: "GPT-5.2 Mini", ContextWindow: 400000, MaxOutput: 128000, SupportsTools: true, SupportsReasoning: true, Aliases: []string{"gpt5-mini"}},
	{ID: "gpt-5.2-codex", Provider: ProviderResponses, DisplayName: "GPT-5.2 Codex", ContextWindow: 400000, MaxOutput: 128000, SupportsTools: true, SupportsReasoning: true, Aliases: []string{"codex"}},
	{ID: "claude-opus-4-6", Provider: ProviderAnthropic, DisplayName: "Claude Opus 4.6", ContextWindow: 200000, MaxOutput: 32768, SupportsTools: true, SupportsReasoning: true, Aliases: []string{"opus"}},
	{ID: "claude-sonnet-4-5", Provider: ProviderAnthropic, DisplayName: "Claude Sonnet 4.5", ContextWindow: 200000, MaxOutput: 16384, SupportsTools: true, SupportsReasoning: true, Aliases: []string{"sonnet"}},
	{ID: "qwen3-coder", Provider: ProviderOllama, DisplayName: "Qwen3 Coder (local)", ContextWindow: 262144, MaxOutput: 32768, SupportsTools: true},
	{ID: "moonshotai/kimi-k2", Provider: ProviderChat, DisplayName: "Kimi K2 (OpenRouter)", ContextWindow: 131072, MaxOutput: 16384, SupportsTools: true, Aliases: []string{"kimi-k2"}},
}

// GetModelInfo returns the catalog entry for an id or alias, or nil.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if strings.EqualFold(Models[i].ID, modelID) {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if strings.EqualFold(alias, modelID) {
				return &Models[i]
			}
		}
	}
	return nil
}

// ContextWindow returns the model's context window, or DefaultContextWindow.
func ContextWindow(modelID string) int {
	if info := GetModelInfo(modelID); info != nil && info.ContextWindow > 0 {
		return info.ContextWindow
	}
	return DefaultContextWindow
}

// ListModels returns all known models, optionally filtered by provider type.
func ListModels(provider string) []ModelInfo {
	var result []ModelInfo
	for _, m := range Models {
		if provider == "" || m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}
