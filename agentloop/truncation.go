package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// Search-style tools keep their most recent lines; everything else keeps
// both ends.
var truncationModes = map[string]TruncationMode{
	"grep": TruncateTail,
	"glob": TruncateTail,
}

// Line limits applied after character truncation.
var toolLineLimits = map[string]int{
	"bash": 400,
	"grep": 300,
	"glob": 500,
}

// TruncateOutput cuts output to at most maxChars characters plus a notice.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars
	if mode == TruncateTail {
		return fmt.Sprintf("[Output truncated: the first %d characters were removed. "+
			"Narrow the search to see more.]\n\n", removed) +
			output[len(output)-maxChars:]
	}
	half := maxChars / 2
	return output[:half] +
		fmt.Sprintf("\n\n[Output truncated: %d characters were removed from the middle. "+
			"Re-run the tool with more targeted parameters to see specific parts.]\n\n", removed) +
		output[len(output)-half:]
}

// TruncateLines keeps the first and last lines of output when it exceeds
// maxLines.
func TruncateLines(output string, maxLines int) string {
	if maxLines <= 0 {
		return output
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}
	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount
	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateToolOutput applies the character limit for a tool, then its line
// limit if it has one.
func TruncateToolOutput(output, toolName string, maxChars int) string {
	mode, ok := truncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}
	result := TruncateOutput(output, maxChars, mode)
	if limit, ok := toolLineLimits[toolName]; ok {
		result = TruncateLines(result, limit)
	}
	return result
}
