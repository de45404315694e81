package agentloop

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const maxProjectDocBytes = 32 * 1024

// Instruction files loaded into the system prompt, in order.
var projectDocNames = []string{"AGENTS.md", "CLAUDE.md", "STRATUSCODE.md"}

// Agent modes a host can run the loop in.
const (
	ModePlan  = "plan"
	ModeBuild = "build"
)

const basePrompt = `You are stratuscode, a coding agent working inside the user's project.
Use the tools to inspect and change the code. Read before you edit, keep changes minimal and consistent with the surrounding code, and verify your work by running the project's tests or build when you can.
Run independent tool calls in the same turn; they execute in parallel.
When the task is done, reply with a short summary of what you did.`

const planPrompt = `You are in PLAN mode. Do not modify files or run commands that change state.
Investigate the codebase, ask the user with the question tool when requirements are unclear, and record the plan as todo items with todowrite.
When the plan is ready, call plan_exit to ask the user to approve it. Building starts only after approval.`

const buildPrompt = `You are in BUILD mode. Implement the task, keeping the todo list current with todowrite as you complete items.
Use task for self-contained side tasks such as broad code exploration.`

// PromptOptions selects what BuildSystemPrompt includes.
type PromptOptions struct {
	Mode             string
	Model            string
	UserInstructions string
}

// BuildSystemPrompt assembles the base instructions, mode guidance,
// environment context, git context and project instruction files.
func BuildSystemPrompt(env ExecutionEnvironment, opts PromptOptions) string {
	parts := []string{basePrompt}
	switch opts.Mode {
	case ModePlan:
		parts = append(parts, planPrompt)
	case ModeBuild:
		parts = append(parts, buildPrompt)
	}
	if env != nil {
		parts = append(parts, BuildEnvironmentContext(env, opts.Model))
		if git := GetGitContext(env.WorkingDirectory()); git != "" {
			parts = append(parts, git)
		}
		if docs := DiscoverProjectDocs(env.WorkingDirectory()); docs != "" {
			parts = append(parts, "<project_instructions>\n"+docs+"\n</project_instructions>")
		}
	}
	if s := strings.TrimSpace(opts.UserInstructions); s != "" {
		parts = append(parts, "# User Instructions\n\n"+s)
	}
	return strings.Join(parts, "\n\n")
}

// BuildEnvironmentContext renders the <environment> block.
func BuildEnvironmentContext(env ExecutionEnvironment, model string) string {
	dir := env.WorkingDirectory()
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", dir)
	isGit := isGitRepository(dir)
	fmt.Fprintf(&sb, "Is git repository: %v\n", isGit)
	if isGit {
		if branch := getGitBranch(dir); branch != "" {
			fmt.Fprintf(&sb, "Git branch: %s\n", branch)
		}
	}
	fmt.Fprintf(&sb, "Platform: %s\n", env.Platform())
	fmt.Fprintf(&sb, "OS version: %s\n", env.OSVersion())
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// DiscoverProjectDocs loads instruction files from the git root down to
// workingDir, at most 32KB in total.
func DiscoverProjectDocs(workingDir string) string {
	root := gitRoot(workingDir)
	if root == "" {
		root = workingDir
	}
	const notice = "[Project instructions truncated at 32KB]"

	var docs []string
	total := 0
	for _, dir := range collectPathHierarchy(root, workingDir) {
		for _, name := range projectDocNames {
			content, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			remaining := maxProjectDocBytes - total
			if remaining <= 0 {
				return strings.Join(append(docs, notice), "\n\n---\n\n")
			}
			text := string(content)
			if len(text) > remaining {
				text = text[:remaining] + "\n" + notice
			}
			docs = append(docs, fmt.Sprintf("# %s (from %s)\n\n%s", name, dir, text))
			total += len(text)
		}
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// GetGitContext summarizes branch, working tree and recent commits.
func GetGitContext(workingDir string) string {
	root := gitRoot(workingDir)
	if root == "" {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<git_context>\n")
	if branch := getGitBranch(root); branch != "" {
		fmt.Fprintf(&sb, "Branch: %s\n", branch)
	}
	if status := strings.TrimSpace(runGitCommand(root, "status", "--short")); status != "" {
		fmt.Fprintf(&sb, "Modified/untracked files: %d\n", len(strings.Split(status, "\n")))
	}
	if log := runGitCommand(root, "log", "--oneline", "-10"); log != "" {
		sb.WriteString("Recent commits:\n")
		sb.WriteString(log)
		if !strings.HasSuffix(log, "\n") {
			sb.WriteString("\n")
		}
	}
	sb.WriteString("</git_context>")
	return sb.String()
}

// collectPathHierarchy returns the directories from root to target,
// inclusive.
func collectPathHierarchy(root, target string) []string {
	root, target = filepath.Clean(root), filepath.Clean(target)
	dirs := []string{root}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return dirs
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func isGitRepository(dir string) bool {
	return strings.TrimSpace(runGitCommand(dir, "rev-parse", "--is-inside-work-tree")) == "true"
}

func gitRoot(dir string) string {
	return strings.TrimSpace(runGitCommand(dir, "rev-parse", "--show-toplevel"))
}

func getGitBranch(dir string) string {
	return strings.TrimSpace(runGitCommand(dir, "rev-parse", "--abbrev-ref", "HEAD"))
}

func runGitCommand(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}
