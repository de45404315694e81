package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFromReaderDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.MaxDepth != 50 || cfg.Agent.MaxSubagentDepth != 3 {
		t.Errorf("unexpected agent defaults: %+v", cfg.Agent)
	}
	if len(cfg.Continuation.Denylist) != 1 || cfg.Continuation.Denylist[0] != "codex" {
		t.Errorf("denylist = %v", cfg.Continuation.Denylist)
	}
	if !cfg.Agent.VerifyEnabled() {
		t.Error("verification should default on")
	}
}

func TestLoadFromReaderFull(t *testing.T) {
	doc := `
provider:
  type: chat
  base_url: https://openrouter.ai/api/v1
  model: anthropic/claude-sonnet-4.5
  temperature: 0.3
continuation:
  denylist: [codex, o4-mini]
agent:
  max_depth: 10
  subagents:
    - name: explore
      tools: [read, grep]
hooks:
  - name: guard
    type: pre_tool
    tool_name: bash
    command: ./guard.sh
    enabled: true
`
	cfg, err := LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.Type != "chat" || *cfg.Provider.Temperature != 0.3 {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if len(cfg.Continuation.Denylist) != 2 {
		t.Errorf("denylist = %v", cfg.Continuation.Denylist)
	}
	if len(cfg.Continuation.FullReplayEndpoints) == 0 {
		t.Error("endpoint table should default when omitted")
	}
	if cfg.Agent.MaxDepth != 10 || len(cfg.Agent.Subagents) != 1 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if len(cfg.Hooks) != 1 || cfg.Hooks[0].ToolName != "bash" {
		t.Errorf("hooks = %+v", cfg.Hooks)
	}
}

func TestLoadFromReaderLoopWindow(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.LoopWindow != 10 {
		t.Errorf("default loop_window = %d", cfg.Agent.LoopWindow)
	}

	cfg, err = LoadFromReader(strings.NewReader("agent:\n  loop_window: 6\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.LoopWindow != 6 {
		t.Errorf("loop_window = %d, want 6", cfg.Agent.LoopWindow)
	}

	_, err = LoadFromReader(strings.NewReader("agent:\n  loop_window: 1\n"))
	if err == nil || !strings.Contains(err.Error(), "agent.loop_window") {
		t.Errorf("loop_window 1 accepted: %v", err)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("provider:\n  modle: x\n"))
	if err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	doc := `
provider:
  type: carrier-pigeon
  continuation: sometimes
agent:
  subagents:
    - name: ""
    - name: a::b
hooks:
  - type: whenever
`
	_, err := LoadFromReader(strings.NewReader(doc))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"provider.type", "provider.continuation", "subagents[0].name", "subagents[1].name", "hooks[0].type", "hooks[0].command"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("STRATUSCODE_MODEL", "gpt-5.2-codex")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.Model != "gpt-5.2-codex" {
		t.Errorf("model = %q", cfg.Provider.Model)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
}
