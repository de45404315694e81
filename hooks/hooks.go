// Package hooks runs user-configured shell commands around tool execution.
//
// A pre_tool hook that exits non-zero vetoes the call; its output becomes the
// block reason. A pre_tool hook that prints a JSON object replaces the call
// arguments. post_tool hooks are informational.
package hooks

import (
	"encoding/json"
	"os"
	"strings"
)

// Type is the point in a tool call at which a hook fires.
type Type string

const (
	PreTool  Type = "pre_tool"
	PostTool Type = "post_tool"
	OnError  Type = "on_error"
)

// Valid reports whether t is a known hook type.
func (t Type) Valid() bool {
	switch t {
	case PreTool, PostTool, OnError:
		return true
	}
	return false
}

// Hook is one configured command.
type Hook struct {
	Name     string `yaml:"name"`
	Type     Type   `yaml:"type"`
	ToolName string `yaml:"tool_name"` // empty matches every tool
	Command  string `yaml:"command"`
	Enabled  bool   `yaml:"enabled"`
}

// Matches reports whether h fires for the given type and tool.
func (h *Hook) Matches(t Type, tool string) bool {
	if !h.Enabled || h.Type != t {
		return false
	}
	return h.ToolName == "" || h.ToolName == tool
}

// Context carries the variables a hook command may reference.
type Context struct {
	SessionID string
	ToolName  string
	Args      map[string]any
	Result    string
	Error     string
	WorkDir   string
}

// Expand substitutes ${TOOL_NAME}, ${SESSION_ID}, ${WORK_DIR}, ${RESULT},
// ${ERROR}, ${ARGS} and string arguments such as ${FILE_PATH} or ${COMMAND}.
// Anything else falls back to the process environment.
func (c *Context) Expand(command string) string {
	vars := map[string]string{
		"TOOL_NAME":  c.ToolName,
		"SESSION_ID": c.SessionID,
		"WORK_DIR":   c.WorkDir,
		"RESULT":     truncate(c.Result, 4000),
		"ERROR":      c.Error,
	}
	if raw, err := json.Marshal(c.Args); err == nil {
		vars["ARGS"] = string(raw)
	}
	for k, v := range c.Args {
		if s, ok := v.(string); ok {
			vars[strings.ToUpper(k)] = truncate(s, 200)
		}
	}
	return os.Expand(command, func(key string) string {
		if v, ok := vars[key]; ok {
			return v
		}
		return os.Getenv(key)
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
