package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Core tool names, as terminal clients label them.
const (
	ReadToolName       = "read"
	WriteToolName      = "write"
	EditToolName       = "edit"
	ListToolName       = "ls"
	BashToolName       = "bash"
	GrepToolName       = "grep"
	GlobToolName       = "glob"
	CodeSearchToolName = "codesearch"
	RevertToolName     = "revert"
)

// ReadOnlyTools are the core tools that never modify the project.
var ReadOnlyTools = []string{ReadToolName, ListToolName, GrepToolName, GlobToolName, CodeSearchToolName}

const (
	defaultReadLimit  = 2000
	maxReadLineLength = 2000
)

// RegisterCoreTools adds the file, search, revert and shell tools to reg.
// Shell commands run for defaultTimeoutMs unless the call asks for longer,
// capped at maxTimeoutMs.
func RegisterCoreTools(reg *ToolRegistry, defaultTimeoutMs, maxTimeoutMs int) {
	reg.Register(readFileTool())
	reg.Register(writeFileTool())
	reg.Register(editFileTool())
	reg.Register(listDirTool())
	reg.Register(shellTool(defaultTimeoutMs, maxTimeoutMs))
	reg.Register(grepTool())
	reg.Register(globTool())
	reg.Register(codeSearchTool())
	reg.Register(revertTool())
}

func objectSchema(required []string, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func envFor(ec ExecContext) (ExecutionEnvironment, error) {
	if ec.Env == nil {
		return nil, errors.New("no execution environment")
	}
	return ec.Env, nil
}

func readFileTool() Tool {
	return Tool{
		Name:        ReadToolName,
		Description: "Read a file from the filesystem. Returns line-numbered content.",
		Parameters: objectSchema([]string{"file_path"}, map[string]any{
			"file_path": prop("string", "Path to the file, absolute or relative to the project root."),
			"offset":    prop("integer", "1-based line number to start reading from."),
			"limit":     prop("integer", "Maximum number of lines to read. Default: 2000."),
		}),
		Executor: func(_ context.Context, args map[string]any, ec ExecContext) (string, error) {
			env, err := envFor(ec)
			if err != nil {
				return "", err
			}
			path, _ := GetStringArg(args, "file_path")
			if path == "" {
				return "", errors.New("file_path is required")
			}
			offset, _ := GetIntArg(args, "offset")
			limit, _ := GetIntArg(args, "limit")
			content, err := env.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("read %s: %w", path, err)
			}
			return numberLines(content, offset, limit), nil
		},
	}
}

// numberLines renders content as "N | line" starting at the 1-based offset.
func numberLines(content string, offset, limit int) string {
	if content == "" {
		return "(empty file)"
	}
	if offset < 1 {
		offset = 1
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	if offset > len(lines) {
		return fmt.Sprintf("(offset %d is past the end of the file, which has %d lines)", offset, len(lines))
	}
	end := min(offset-1+limit, len(lines))
	width := len(fmt.Sprint(end))
	var sb strings.Builder
	for i := offset - 1; i < end; i++ {
		line := lines[i]
		if len(line) > maxReadLineLength {
			line = line[:maxReadLineLength] + "..."
		}
		fmt.Fprintf(&sb, "%*d | %s\n", width, i+1, line)
	}
	if end < len(lines) {
		fmt.Fprintf(&sb, "(%d more lines; continue with offset=%d)\n", len(lines)-end, end+1)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func writeFileTool() Tool {
	return Tool{
		Name:        WriteToolName,
		Description: "Write content to a file. Creates the file and parent directories if needed.",
		Parameters: objectSchema([]string{"file_path", "content"}, map[string]any{
			"file_path": prop("string", "Path to write to."),
			"content":   prop("string", "The full file content to write."),
		}),
		Executor: func(_ context.Context, args map[string]any, ec ExecContext) (string, error) {
			env, err := envFor(ec)
			if err != nil {
				return "", err
			}
			path, _ := GetStringArg(args, "file_path")
			content, ok := GetStringArg(args, "content")
			if path == "" || !ok {
				return "", errors.New("file_path and content are required")
			}
			err = ec.Changes.Track(env, path, WriteToolName, func() error { return env.WriteFile(path, content) })
			if err != nil {
				return "", fmt.Errorf("write %s: %w", path, err)
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
		},
	}
}

func editFileTool() Tool {
	return Tool{
		Name:        EditToolName,
		Description: "Replace an exact string in a file. old_string must be unique in the file unless replace_all is true.",
		Parameters: objectSchema([]string{"file_path", "old_string", "new_string"}, map[string]any{
			"file_path":   prop("string", "Path to the file to edit."),
			"old_string":  prop("string", "Exact text to find."),
			"new_string":  prop("string", "Replacement text."),
			"replace_all": prop("boolean", "Replace every occurrence. Default: false."),
		}),
		Executor: func(_ context.Context, args map[string]any, ec ExecContext) (string, error) {
			env, err := envFor(ec)
			if err != nil {
				return "", err
			}
			path, _ := GetStringArg(args, "file_path")
			oldString, _ := GetStringArg(args, "old_string")
			newString, _ := GetStringArg(args, "new_string")
			replaceAll, _ := GetBoolArg(args, "replace_all")
			if oldString == "" {
				return "", errors.New("old_string must not be empty")
			}
			if oldString == newString {
				return "", errors.New("old_string and new_string are identical")
			}

			content, err := env.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("read %s: %w", path, err)
			}
			count := strings.Count(content, oldString)
			switch {
			case count == 0:
				return "", fmt.Errorf("old_string not found in %s", path)
			case count > 1 && !replaceAll:
				return "", fmt.Errorf("old_string found %d times in %s; add surrounding context or set replace_all", count, path)
			}
			n := 1
			if replaceAll {
				n = -1
			}
			updated := strings.Replace(content, oldString, newString, n)
			err = ec.Changes.Track(env, path, EditToolName, func() error { return env.WriteFile(path, updated) })
			if err != nil {
				return "", fmt.Errorf("write %s: %w", path, err)
			}
			if !replaceAll {
				count = 1
			}
			return fmt.Sprintf("Replaced %d occurrence(s) in %s", count, path), nil
		},
	}
}

func listDirTool() Tool {
	return Tool{
		Name:        ListToolName,
		Description: "List the entries of a directory. Directories end with a slash.",
		Parameters: objectSchema(nil, map[string]any{
			"path": prop("string", "Directory to list. Default: project root."),
		}),
		Executor: func(_ context.Context, args map[string]any, ec ExecContext) (string, error) {
			env, err := envFor(ec)
			if err != nil {
				return "", err
			}
			path, _ := GetStringArg(args, "path")
			if path == "" {
				path = "."
			}
			entries, err := env.ListDirectory(path)
			if err != nil {
				return "", fmt.Errorf("list %s: %w", path, err)
			}
			if len(entries) == 0 {
				return "(empty directory)", nil
			}
			var sb strings.Builder
			for _, e := range entries {
				if e.IsDir {
					fmt.Fprintf(&sb, "%s/\n", e.Name)
				} else {
					fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Name, e.Size)
				}
			}
			return strings.TrimSuffix(sb.String(), "\n"), nil
		},
	}
}

func shellTool(defaultTimeoutMs, maxTimeoutMs int) Tool {
	return Tool{
		Name:        BashToolName,
		Description: "Execute a shell command in the project root. Returns stdout, stderr and the exit code.",
		Parameters: objectSchema([]string{"command"}, map[string]any{
			"command":     prop("string", "The command to run."),
			"timeout_ms":  prop("integer", "Override the default command timeout in milliseconds."),
			"description": prop("string", "Short description of what the command does."),
		}),
		// The command enforces its own timeout.
		TimeoutMs: -1,
		Executor: func(ctx context.Context, args map[string]any, ec ExecContext) (string, error) {
			env, err := envFor(ec)
			if err != nil {
				return "", err
			}
			command, _ := GetStringArg(args, "command")
			if strings.TrimSpace(command) == "" {
				return "", errors.New("command is required")
			}
			timeoutMs, _ := GetIntArg(args, "timeout_ms")
			if timeoutMs <= 0 {
				timeoutMs = defaultTimeoutMs
			}
			if maxTimeoutMs > 0 && timeoutMs > maxTimeoutMs {
				timeoutMs = maxTimeoutMs
			}

			result, err := env.ExecCommand(ctx, command, timeoutMs, "", nil)
			if err != nil {
				return "", err
			}
			var sb strings.Builder
			sb.WriteString(result.Output())
			if result.TimedOut {
				fmt.Fprintf(&sb, "\n\n[Command timed out after %dms. Partial output is shown above. "+
					"Retry with a larger timeout_ms if the command needs longer.]", timeoutMs)
			} else if result.ExitCode != 0 {
				fmt.Fprintf(&sb, "\n\n[Exit code: %d]", result.ExitCode)
			}
			if sb.Len() == 0 {
				return "(no output)", nil
			}
			return sb.String(), nil
		},
	}
}

func grepTool() Tool {
	return Tool{
		Name:        GrepToolName,
		Description: "Search file contents with a regular expression. Returns matching lines with paths and line numbers.",
		Parameters: objectSchema([]string{"pattern"}, map[string]any{
			"pattern":          prop("string", "Regular expression to search for."),
			"path":             prop("string", "Directory or file to search. Default: project root."),
			"glob_filter":      prop("string", "Only search files matching this glob, e.g. \"*.go\"."),
			"case_insensitive": prop("boolean", "Ignore case. Default: false."),
			"max_results":      prop("integer", "Maximum matches per file. Default: 100."),
		}),
		Executor: func(ctx context.Context, args map[string]any, ec ExecContext) (string, error) {
			env, err := envFor(ec)
			if err != nil {
				return "", err
			}
			pattern, _ := GetStringArg(args, "pattern")
			if pattern == "" {
				return "", errors.New("pattern is required")
			}
			path, _ := GetStringArg(args, "path")
			globFilter, _ := GetStringArg(args, "glob_filter")
			caseInsensitive, _ := GetBoolArg(args, "case_insensitive")
			maxResults, _ := GetIntArg(args, "max_results")
			if maxResults <= 0 {
				maxResults = 100
			}
			out, err := env.Grep(ctx, pattern, path, GrepOptions{
				GlobFilter:      globFilter,
				CaseInsensitive: caseInsensitive,
				MaxResults:      maxResults,
			})
			if err != nil {
				return "", err
			}
			if strings.TrimSpace(out) == "" {
				return "No matches found.", nil
			}
			return strings.TrimSuffix(out, "\n"), nil
		},
	}
}

func globTool() Tool {
	return Tool{
		Name:        GlobToolName,
		Description: "Find files matching a glob pattern such as \"**/*.ts\". Returns paths newest first.",
		Parameters: objectSchema([]string{"pattern"}, map[string]any{
			"pattern": prop("string", "Glob pattern; ** matches any number of directories."),
			"path":    prop("string", "Base directory. Default: project root."),
		}),
		Executor: func(_ context.Context, args map[string]any, ec ExecContext) (string, error) {
			env, err := envFor(ec)
			if err != nil {
				return "", err
			}
			pattern, _ := GetStringArg(args, "pattern")
			if pattern == "" {
				return "", errors.New("pattern is required")
			}
			path, _ := GetStringArg(args, "path")
			matches, err := env.Glob(pattern, path)
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No files matched the pattern.", nil
			}
			return strings.Join(matches, "\n"), nil
		},
	}
}
