package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/Willebrew/stratuscode/unifiedllm"
)

func toolCallSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// loopDetector remembers the most recent tool call signatures of one
// invocation.
type loopDetector struct {
	window int
	sigs   []string
}

func newLoopDetector(window int) *loopDetector {
	return &loopDetector{window: window}
}

// Record adds calls and reports whether the last window signatures cycle
// through a pattern of length 1, 2 or 3 at least twice.
func (d *loopDetector) Record(calls []unifiedllm.ToolCall) bool {
	for _, c := range calls {
		d.sigs = append(d.sigs, toolCallSignature(c.Name, c.Arguments))
	}
	if len(d.sigs) > d.window {
		d.sigs = d.sigs[len(d.sigs)-d.window:]
	}
	return repeats(d.sigs, d.window)
}

func repeats(sigs []string, window int) bool {
	if window <= 1 || len(sigs) < window {
		return false
	}
	tail := sigs[len(sigs)-window:]
	for patternLen := 1; patternLen <= 3 && 2*patternLen <= window; patternLen++ {
		match := true
		for i := patternLen; i < window && match; i++ {
			match = tail[i] == tail[i%patternLen]
		}
		if match {
			return true
		}
	}
	return false
}

// LoopWarning is the notice reported when a loop is detected.
func LoopWarning(window int) string {
	return fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.", window)
}
