// Package config loads the stratuscode backend configuration from YAML.
package config

import (
	"os"
	"path/filepath"

	"github.com/Willebrew/stratuscode/agentloop"
	"github.com/Willebrew/stratuscode/hooks"
)

// Continuation selects how a multi-step tool conversation is resent.
type Continuation string

const (
	ContinuationAuto       Continuation = ""
	ContinuationStateful   Continuation = "stateful"
	ContinuationFullReplay Continuation = "full_replay"
)

// IsValid reports whether c is a recognised continuation mode.
func (c Continuation) IsValid() bool {
	switch c {
	case ContinuationAuto, ContinuationStateful, ContinuationFullReplay, "auto":
		return true
	}
	return false
}

// Config is the root configuration document.
type Config struct {
	Provider     ProviderConfig     `yaml:"provider"`
	Continuation ContinuationConfig `yaml:"continuation"`
	Agent        AgentConfig        `yaml:"agent"`
	Context      ContextConfig      `yaml:"context"`
	Hooks        []hooks.Hook       `yaml:"hooks"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ProviderConfig describes the model endpoint.
type ProviderConfig struct {
	// Type is one of responses, chat, anthropic, ollama, gollm. Empty picks
	// responses for OpenAI endpoints and chat for everything else.
	Type            string       `yaml:"type"`
	BaseURL         string       `yaml:"base_url"`
	APIKey          string       `yaml:"api_key"`
	Model           string       `yaml:"model"`
	Temperature     *float64     `yaml:"temperature"`
	MaxTokens       int          `yaml:"max_tokens"`
	ReasoningEffort string       `yaml:"reasoning_effort"`
	Continuation    Continuation `yaml:"continuation"`
	// GollmProvider names the backend gollm should talk to when Type is gollm.
	GollmProvider string `yaml:"gollm_provider"`
}

// ContinuationConfig holds the injectable endpoint and model tables.
type ContinuationConfig struct {
	FullReplayEndpoints []string `yaml:"full_replay_endpoints"`
	Denylist            []string `yaml:"denylist"`
}

// AgentConfig bounds the tool loop.
type AgentConfig struct {
	MaxDepth         int              `yaml:"max_depth"`
	MaxSubagentDepth int              `yaml:"max_subagent_depth"`
	MaxParallelTools int              `yaml:"max_parallel_tools"`
	ToolOutputLimit  int              `yaml:"tool_output_limit"`
	ToolTimeoutMs    int              `yaml:"tool_timeout_ms"`
	LoopWindow       int              `yaml:"loop_window"` // recent tool calls checked for repetition
	Verify           *bool            `yaml:"verify"`
	Subagents        []SubagentConfig `yaml:"subagents"`
}

// SubagentConfig declares a delegation target.
type SubagentConfig struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	SystemPrompt string   `yaml:"system_prompt"`
	Tools        []string `yaml:"tools"`
	MaxDepth     int      `yaml:"max_depth"`
	Temperature  *float64 `yaml:"temperature"`
}

// ContextConfig tunes history trimming.
type ContextConfig struct {
	// Threshold is the fraction of the model context window at which older
	// messages are dropped.
	Threshold     float64 `yaml:"threshold"`
	KeepRecent    int     `yaml:"keep_recent"`
	ContextWindow int     `yaml:"context_window"`
}

// LoggingConfig selects log level and destination directory.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// MetricsConfig exposes Prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Provider.Model == "" {
		c.Provider.Model = "gpt-5.2"
	}
	if c.Provider.MaxTokens == 0 {
		c.Provider.MaxTokens = 16384
	}
	if c.Continuation.FullReplayEndpoints == nil {
		c.Continuation.FullReplayEndpoints = agentloop.DefaultFullReplayEndpoints()
	}
	if c.Continuation.Denylist == nil {
		c.Continuation.Denylist = agentloop.DefaultContinuationDenylist()
	}
	if c.Agent.MaxDepth == 0 {
		c.Agent.MaxDepth = 50
	}
	if c.Agent.MaxSubagentDepth == 0 {
		c.Agent.MaxSubagentDepth = 3
	}
	if c.Agent.ToolOutputLimit == 0 {
		c.Agent.ToolOutputLimit = 50000
	}
	if c.Agent.ToolTimeoutMs == 0 {
		c.Agent.ToolTimeoutMs = 120000
	}
	if c.Agent.LoopWindow == 0 {
		c.Agent.LoopWindow = agentloop.DefaultLoopWindow
	}
	if c.Context.Threshold == 0 {
		c.Context.Threshold = 0.8
	}
	if c.Context.KeepRecent == 0 {
		c.Context.KeepRecent = 8
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// VerifyEnabled reports whether post-edit lint verification runs.
func (a AgentConfig) VerifyEnabled() bool {
	return a.Verify == nil || *a.Verify
}

// DefaultPath returns $HOME/.config/stratuscode/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "stratuscode", "config.yaml")
}
