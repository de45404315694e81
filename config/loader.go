package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Willebrew/stratuscode/logging"
)

var validProviderTypes = []string{"", "responses", "chat", "anthropic", "ollama", "gollm"}

// Load reads the YAML file at path. A missing file yields defaults.
// Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		logging.Debug("config file not found, using defaults", "path", path)
		cfg := &Config{}
		applyEnv(cfg)
		cfg.applyDefaults()
		return cfg, Validate(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, fills defaults and validates.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("STRATUSCODE_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("STRATUSCODE_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if cfg.Provider.APIKey != "" {
		return
	}
	keys := []string{"STRATUSCODE_API_KEY", "OPENAI_API_KEY"}
	if cfg.Provider.Type == "anthropic" {
		keys = []string{"STRATUSCODE_API_KEY", "ANTHROPIC_API_KEY"}
	}
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			cfg.Provider.APIKey = v
			return
		}
	}
}

// Validate returns every problem found in cfg joined into one error.
func Validate(cfg *Config) error {
	var errs []error

	valid := false
	for _, t := range validProviderTypes {
		if cfg.Provider.Type == t {
			valid = true
		}
	}
	if !valid {
		errs = append(errs, fmt.Errorf("provider.type %q is invalid; valid values: %s", cfg.Provider.Type, strings.Join(validProviderTypes[1:], ", ")))
	}
	if !cfg.Provider.Continuation.IsValid() {
		errs = append(errs, fmt.Errorf("provider.continuation %q is invalid; valid values: auto, stateful, full_replay", cfg.Provider.Continuation))
	}
	if t := cfg.Provider.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("provider.temperature %.2f is out of range [0, 2]", *t))
	}
	switch cfg.Provider.ReasoningEffort {
	case "", "minimal", "low", "medium", "high":
	default:
		errs = append(errs, fmt.Errorf("provider.reasoning_effort %q is invalid", cfg.Provider.ReasoningEffort))
	}
	if cfg.Agent.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("agent.max_depth must be positive"))
	}
	if cfg.Agent.MaxSubagentDepth < 1 {
		errs = append(errs, fmt.Errorf("agent.max_subagent_depth must be positive"))
	}
	if cfg.Agent.MaxParallelTools < 0 {
		errs = append(errs, fmt.Errorf("agent.max_parallel_tools must not be negative"))
	}
	if cfg.Agent.LoopWindow < 2 {
		errs = append(errs, fmt.Errorf("agent.loop_window must be at least 2"))
	}
	if cfg.Context.Threshold <= 0 || cfg.Context.Threshold > 1 {
		errs = append(errs, fmt.Errorf("context.threshold %.2f is out of range (0, 1]", cfg.Context.Threshold))
	}

	seen := make(map[string]int, len(cfg.Agent.Subagents))
	for i, sa := range cfg.Agent.Subagents {
		prefix := fmt.Sprintf("agent.subagents[%d]", i)
		if sa.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[sa.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of agent.subagents[%d]", prefix, sa.Name, prev))
		}
		seen[sa.Name] = i
		if strings.Contains(sa.Name, ":") {
			errs = append(errs, fmt.Errorf("%s.name %q must not contain ':'", prefix, sa.Name))
		}
	}

	for i, h := range cfg.Hooks {
		prefix := fmt.Sprintf("hooks[%d]", i)
		if !h.Type.Valid() {
			errs = append(errs, fmt.Errorf("%s.type %q is invalid; valid values: pre_tool, post_tool, on_error", prefix, h.Type))
		}
		if strings.TrimSpace(h.Command) == "" {
			errs = append(errs, fmt.Errorf("%s.command is required", prefix))
		}
	}

	return errors.Join(errs...)
}
