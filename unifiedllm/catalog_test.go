package unifiedllm

import "testing"

func TestGetModelInfo(t *testing.T) {
	info := GetModelInfo("claude-opus-4-6")
	if info == nil {
		t.Fatal("expected to find claude-opus-4-6")
	}
	if info.Provider != ProviderAnthropic || info.ContextWindow != 200000 {
		t.Errorf("unexpected entry: %+v", info)
	}

	info = GetModelInfo("CODEX")
	if info == nil || info.ID != "gpt-5.2-codex" {
		t.Errorf("alias lookup failed: %+v", info)
	}

	if GetModelInfo("nonexistent-model") != nil {
		t.Error("expected nil for unknown model")
	}
}

func TestContextWindow(t *testing.T) {
	if got := ContextWindow("sonnet"); got != 200000 {
		t.Errorf("sonnet = %d", got)
	}
	if got := ContextWindow("mystery"); got != DefaultContextWindow {
		t.Errorf("unknown = %d", got)
	}
}

func TestListModels(t *testing.T) {
	if all := ListModels(""); len(all) != len(Models) {
		t.Errorf("expected %d models, got %d", len(Models), len(all))
	}
	for _, m := range ListModels(ProviderResponses) {
		if m.Provider != ProviderResponses {
			t.Errorf("filter leaked %q", m.ID)
		}
	}
	if len(ListModels("gemini")) != 0 {
		t.Error("expected no gemini models")
	}
}
