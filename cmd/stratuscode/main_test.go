package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Willebrew/stratuscode/rpc"
	"github.com/Willebrew/stratuscode/session"
)

func TestLoadConfigAppliesFlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("provider:\n  type: chat\n  model: base\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(&rootOptions{configPath: path, model: "other", logLevel: "debug"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.Model != "other" || cfg.Provider.Type != "chat" || cfg.Logging.Level != "debug" {
		t.Errorf("cfg = %+v / %+v", cfg.Provider, cfg.Logging)
	}

	if _, err := loadConfig(&rootOptions{configPath: path, provider: "carrier-pigeon"}); err == nil {
		t.Error("invalid provider override accepted")
	}
}

func TestVersionCommand(t *testing.T) {
	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "stratuscode ") {
		t.Errorf("out = %q", out.String())
	}
}

func TestModelsCommandFiltersByProvider(t *testing.T) {
	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"models", "--provider", "anthropic"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) < 2 {
		t.Fatalf("no models listed: %q", out.String())
	}
	for _, l := range lines[1:] {
		if !strings.Contains(l, "anthropic") {
			t.Errorf("unexpected row %q", l)
		}
	}
}

func TestOptionLabel(t *testing.T) {
	q := &session.PendingQuestion{Questions: []session.QuestionItem{{
		Question: "Which database?",
		Options:  []session.QuestionOption{{Label: "sqlite"}, {Label: "postgres"}},
	}}}
	for in, want := range map[string]string{"2": "postgres", "9": "9", "mysql": "mysql"} {
		if got := optionLabel(q, in); got != want {
			t.Errorf("optionLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestManagerFactoryRejectsMissingDir(t *testing.T) {
	cfg, err := loadConfig(&rootOptions{configPath: filepath.Join(t.TempDir(), "none.yaml")})
	if err != nil {
		t.Fatal(err)
	}
	factory := managerFactory(cfg, nil)
	if _, err := factory(rpc.InitializeParams{ProjectDir: filepath.Join(t.TempDir(), "missing")}, nil); err == nil {
		t.Error("missing project dir accepted")
	}
	mgr, err := factory(rpc.InitializeParams{ProjectDir: t.TempDir(), Agent: "plan"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s := mgr.NewSession(""); s.Agent() != "plan" {
		t.Errorf("agent = %q", s.Agent())
	}
}
