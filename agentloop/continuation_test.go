package agentloop

import (
	"testing"

	"github.com/Willebrew/stratuscode/unifiedllm"
)

func TestContinuationPolicyStrategy(t *testing.T) {
	tests := []struct {
		name   string
		policy ContinuationPolicy
		model  string
		want   Strategy
	}{
		{"responses is stateful", ContinuationPolicy{ProviderType: unifiedllm.ProviderResponses}, "gpt-5.2", StrategyStateful},
		{"chat replays", ContinuationPolicy{ProviderType: unifiedllm.ProviderChat}, "gpt-5.2", StrategyFullReplay},
		{"anthropic replays", ContinuationPolicy{ProviderType: unifiedllm.ProviderAnthropic}, "claude-sonnet-4-5", StrategyFullReplay},
		{"explicit mode wins over type", ContinuationPolicy{Mode: "full_replay", ProviderType: unifiedllm.ProviderResponses}, "gpt-5.2", StrategyFullReplay},
		{"explicit stateful", ContinuationPolicy{Mode: "stateful", ProviderType: unifiedllm.ProviderChat}, "m", StrategyStateful},
		{"endpoint table", ContinuationPolicy{Endpoint: "https://openrouter.ai/api/v1", FullReplayEndpoints: DefaultFullReplayEndpoints()}, "m", StrategyFullReplay},
		{"unknown endpoint is stateful", ContinuationPolicy{Endpoint: "https://llm.internal", FullReplayEndpoints: DefaultFullReplayEndpoints()}, "m", StrategyStateful},
		{"endpoint match ignores case", ContinuationPolicy{Endpoint: "http://LOCALHOST:11434/v1", FullReplayEndpoints: DefaultFullReplayEndpoints()}, "m", StrategyFullReplay},
		{"denylisted model", ContinuationPolicy{ProviderType: unifiedllm.ProviderResponses, Denylist: DefaultContinuationDenylist()}, "gpt-5.2-Codex", StrategyFullReplay},
		{"denylist beats explicit mode", ContinuationPolicy{Mode: "stateful", Denylist: []string{"codex"}}, "codex-mini", StrategyFullReplay},
		{"denylisted endpoint", ContinuationPolicy{ProviderType: unifiedllm.ProviderResponses, Endpoint: "https://codex.example.com", Denylist: []string{"codex"}}, "gpt-5.2", StrategyFullReplay},
		{"custom denylist", ContinuationPolicy{ProviderType: unifiedllm.ProviderResponses, Denylist: []string{"o4"}}, "o4-mini", StrategyFullReplay},
		{"empty denylist allows codex", ContinuationPolicy{ProviderType: unifiedllm.ProviderResponses, Denylist: []string{}}, "gpt-5.2-codex", StrategyStateful},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Strategy(tt.model); got != tt.want {
				t.Errorf("Strategy(%q) = %s, want %s", tt.model, got, tt.want)
			}
		})
	}
}

func TestConfigPolicyUsesDefaults(t *testing.T) {
	cfg := Config{Provider: unifiedllm.ProviderConfig{Type: unifiedllm.ProviderResponses, Model: "gpt-5.2-codex"}}.withDefaults()
	if cfg.Model != "gpt-5.2-codex" {
		t.Errorf("Model = %q", cfg.Model)
	}
	if got := cfg.Policy().Strategy(cfg.Model); got != StrategyFullReplay {
		t.Errorf("default denylist not applied: %s", got)
	}
}

func TestPlanNextAndRequestMessages(t *testing.T) {
	results := []unifiedllm.Message{unifiedllm.ToolResultMessage("c1", "ok", false)}

	next := planNext(StrategyStateful, "resp_9", results)
	if next.strategy != StrategyStateful || next.continuationID != "resp_9" || len(next.outgoing) != 1 {
		t.Errorf("stateful plan = %+v", next)
	}
	if next := planNext(StrategyStateful, "", results); next.strategy != StrategyFullReplay || next.outgoing != nil {
		t.Errorf("missing id should replay, got %+v", next)
	}
	if next := planNext(StrategyFullReplay, "resp_9", results); next.continuationID != "" {
		t.Errorf("full replay kept id %q", next.continuationID)
	}

	ac := &AgentContext{
		Messages:       []unifiedllm.Message{unifiedllm.UserMessage("a"), unifiedllm.UserMessage("b")},
		Outgoing:       results,
		ContinuationID: "resp_9",
	}
	if msgs, id := requestMessages(StrategyStateful, ac); len(msgs) != 1 || id != "resp_9" {
		t.Errorf("stateful request = %d msgs, id %q", len(msgs), id)
	}
	if msgs, id := requestMessages(StrategyFullReplay, ac); len(msgs) != 2 || id != "" {
		t.Errorf("replay request = %d msgs, id %q", len(msgs), id)
	}
}
