package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Willebrew/stratuscode/agentloop"
	"github.com/Willebrew/stratuscode/unifiedllm"
)

// recorder turns loop callbacks into timeline events for one invocation.
// Tool callbacks arrive from dispatcher goroutines, so state is locked.
type recorder struct {
	m *Manager
	s *Session

	mu        sync.Mutex
	assistant *TimelineEvent
	reasoning *TimelineEvent
	calls     map[string]*TimelineEvent
}

func newRecorder(m *Manager, s *Session) *recorder {
	return &recorder{m: m, s: s, calls: make(map[string]*TimelineEvent)}
}

func (r *recorder) event(kind, content string) *TimelineEvent {
	return &TimelineEvent{
		ID:        kind + "-" + uuid.NewString(),
		SessionID: r.s.ID,
		CreatedAt: time.Now().UnixMilli(),
		Kind:      kind,
		Content:   content,
	}
}

// publish stores a copy of ev on the session and notifies the client.
func (r *recorder) publish(ev *TimelineEvent) {
	cp := *ev
	r.s.upsertEvent(cp)
	r.m.notify("timeline_event", cp)
}

func (r *recorder) user(content string) {
	r.publish(r.event("user", content))
}

func (r *recorder) appendText(slot **TimelineEvent, kind, text string) {
	r.mu.Lock()
	if *slot == nil {
		*slot = r.event(kind, "")
	}
	ev := *slot
	ev.Content += text
	ev.Streaming = true
	r.mu.Unlock()
	r.publish(ev)
}

// settle marks the streaming events of the current step as complete.
func (r *recorder) settle() {
	r.mu.Lock()
	var done []*TimelineEvent
	for _, ev := range []*TimelineEvent{r.reasoning, r.assistant} {
		if ev != nil {
			ev.Streaming = false
			done = append(done, ev)
		}
	}
	r.assistant, r.reasoning = nil, nil
	r.mu.Unlock()
	for _, ev := range done {
		r.publish(ev)
	}
}

func (r *recorder) status(text string) {
	r.publish(r.event("status", text))
}

func (r *recorder) callbacks() agentloop.Callbacks {
	return agentloop.Callbacks{
		OnToken:     func(text string) { r.appendText(&r.assistant, "assistant", text) },
		OnReasoning: func(text string) { r.appendText(&r.reasoning, "reasoning", text) },
		OnToolCallStart: func(call unifiedllm.ToolCall) {
			r.settle()
			ev := r.event("tool_call", "")
			ev.ToolCallID, ev.ToolName, ev.Status = call.ID, call.Name, "running"
			r.mu.Lock()
			r.calls[call.ID] = ev
			r.mu.Unlock()
			r.publish(ev)
		},
		OnToolCallComplete: func(call unifiedllm.ToolCall, o agentloop.ToolOutcome) {
			r.mu.Lock()
			ev, ok := r.calls[call.ID]
			if !ok {
				ev = r.event("tool_call", "")
				ev.ToolCallID, ev.ToolName = call.ID, call.Name
			}
			ev.Content = string(call.Arguments)
			ev.Status = "completed"
			if o.IsError {
				ev.Status = "failed"
			}
			delete(r.calls, call.ID)
			r.mu.Unlock()
			r.publish(ev)

			res := r.event("tool_result", o.Content)
			res.ToolCallID, res.ToolName, res.Status = call.ID, call.Name, ev.Status
			r.publish(res)
		},
		OnStepComplete: func(agentloop.StepInfo) { r.settle() },
		OnStatusChange: func(status string) {
			if status == agentloop.StatusLoopDetected {
				r.status("Repeated tool calls detected; the agent was asked to change approach.")
			}
		},
		OnError: func(err error) { r.m.notify("error", err.Error()) },
		OnSubagentStart: func(info agentloop.SubagentInfo) {
			r.status(fmt.Sprintf("Subagent %s started: %s", info.Agent, info.Task))
		},
		OnSubagentEnd: func(info agentloop.SubagentInfo, res agentloop.SubagentResult) {
			if res.Error != "" {
				r.status(fmt.Sprintf("Subagent %s failed: %s", info.Agent, res.Error))
				return
			}
			r.status(fmt.Sprintf("Subagent %s finished (%d in / %d out tokens)", info.Agent, res.InputTokens, res.OutputTokens))
		},
	}
}
