package agentloop

import (
	"sync"
	"time"

	"github.com/Willebrew/stratuscode/unifiedllm"
)

// ToolOutcome is what a finished tool call returned to the model.
type ToolOutcome struct {
	Content  string
	IsError  bool
	Duration time.Duration
}

// StepInfo describes one completed tool round.
type StepInfo struct {
	Depth     int
	Text      string
	Reasoning string
	ToolCalls []unifiedllm.ToolCall
	Strategy  Strategy
}

// SubagentInfo identifies a running child agent.
type SubagentInfo struct {
	SessionID string
	Agent     string
	Task      string
	Depth     int
}

// Callbacks receive progress from a running loop. Every field is optional
// and must not block.
type Callbacks struct {
	OnToken            func(text string)
	OnReasoning        func(text string)
	OnToolCallStart    func(call unifiedllm.ToolCall)
	OnToolCallComplete func(call unifiedllm.ToolCall, outcome ToolOutcome)
	OnStepComplete     func(step StepInfo)
	OnStatusChange     func(status string)
	OnLoopIteration    func(depth int)
	OnError            func(err error)
	OnSubagentStart    func(info SubagentInfo)
	OnSubagentEnd      func(info SubagentInfo, result SubagentResult)
	OnSubagentToken    func(agent, text string)
}

// Loop statuses reported through OnStatusChange.
const (
	StatusThinking     = "thinking"
	StatusToolCalls    = "tool_calls"
	StatusLoopDetected = "loop_detected"
	StatusDone         = "done"
)

func (c Callbacks) token(s string) {
	if c.OnToken != nil {
		c.OnToken(s)
	}
}

func (c Callbacks) reasoning(s string) {
	if c.OnReasoning != nil {
		c.OnReasoning(s)
	}
}

func (c Callbacks) toolCallStart(call unifiedllm.ToolCall) {
	if c.OnToolCallStart != nil {
		c.OnToolCallStart(call)
	}
}

func (c Callbacks) toolCallComplete(call unifiedllm.ToolCall, o ToolOutcome) {
	if c.OnToolCallComplete != nil {
		c.OnToolCallComplete(call, o)
	}
}

func (c Callbacks) stepComplete(s StepInfo) {
	if c.OnStepComplete != nil {
		c.OnStepComplete(s)
	}
}

func (c Callbacks) status(s string) {
	if c.OnStatusChange != nil {
		c.OnStatusChange(s)
	}
}

func (c Callbacks) loopIteration(depth int) {
	if c.OnLoopIteration != nil {
		c.OnLoopIteration(depth)
	}
}

func (c Callbacks) fail(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

func (c Callbacks) subagentStart(info SubagentInfo) {
	if c.OnSubagentStart != nil {
		c.OnSubagentStart(info)
	}
}

func (c Callbacks) subagentEnd(info SubagentInfo, r SubagentResult) {
	if c.OnSubagentEnd != nil {
		c.OnSubagentEnd(info, r)
	}
}

func (c Callbacks) subagentToken(agent, text string) {
	if c.OnSubagentToken != nil {
		c.OnSubagentToken(agent, text)
	}
}

// Tee fans every callback out to a and then b.
func Tee(a, b Callbacks) Callbacks {
	return Callbacks{
		OnToken:         func(s string) { a.token(s); b.token(s) },
		OnReasoning:     func(s string) { a.reasoning(s); b.reasoning(s) },
		OnToolCallStart: func(call unifiedllm.ToolCall) { a.toolCallStart(call); b.toolCallStart(call) },
		OnToolCallComplete: func(call unifiedllm.ToolCall, o ToolOutcome) {
			a.toolCallComplete(call, o)
			b.toolCallComplete(call, o)
		},
		OnStepComplete:  func(s StepInfo) { a.stepComplete(s); b.stepComplete(s) },
		OnStatusChange:  func(s string) { a.status(s); b.status(s) },
		OnLoopIteration: func(d int) { a.loopIteration(d); b.loopIteration(d) },
		OnError:         func(err error) { a.fail(err); b.fail(err) },
		OnSubagentStart: func(info SubagentInfo) { a.subagentStart(info); b.subagentStart(info) },
		OnSubagentEnd:   func(info SubagentInfo, r SubagentResult) { a.subagentEnd(info, r); b.subagentEnd(info, r) },
		OnSubagentToken: func(agent, s string) { a.subagentToken(agent, s); b.subagentToken(agent, s) },
	}
}

// EventKind identifies the type of session event.
type EventKind string

const (
	EventToken         EventKind = "token"
	EventReasoning     EventKind = "reasoning"
	EventToolCall      EventKind = "tool_call"
	EventToolResult    EventKind = "tool_result"
	EventStepComplete  EventKind = "step_complete"
	EventStatus        EventKind = "status"
	EventLoopIteration EventKind = "loop_iteration"
	EventError         EventKind = "error"
	EventSubagentStart EventKind = "subagent_start"
	EventSubagentEnd   EventKind = "subagent_end"
	EventSubagentToken EventKind = "subagent_token"
)

// SessionEvent is a callback flattened into a value.
type SessionEvent struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventEmitter turns Callbacks into a buffered channel of SessionEvents for
// hosts that prefer to consume progress from one goroutine.
type EventEmitter struct {
	sessionID string
	ch        chan SessionEvent
	closed    bool
	mu        sync.Mutex
}

func NewEventEmitter(sessionID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &EventEmitter{
		sessionID: sessionID,
		ch:        make(chan SessionEvent, bufferSize),
	}
}

// Emit queues an event. Events are dropped when the buffer is full or the
// emitter is closed.
func (e *EventEmitter) Emit(kind EventKind, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	event := SessionEvent{Kind: kind, Timestamp: time.Now(), SessionID: e.sessionID, Data: data}
	select {
	case e.ch <- event:
	default:
	}
}

func (e *EventEmitter) Events() <-chan SessionEvent {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

// Callbacks returns callbacks that emit onto this emitter.
func (e *EventEmitter) Callbacks() Callbacks {
	return Callbacks{
		OnToken:     func(s string) { e.Emit(EventToken, map[string]any{"text": s}) },
		OnReasoning: func(s string) { e.Emit(EventReasoning, map[string]any{"text": s}) },
		OnToolCallStart: func(call unifiedllm.ToolCall) {
			e.Emit(EventToolCall, map[string]any{"call_id": call.ID, "tool_name": call.Name, "arguments": string(call.Arguments)})
		},
		OnToolCallComplete: func(call unifiedllm.ToolCall, o ToolOutcome) {
			e.Emit(EventToolResult, map[string]any{
				"call_id":     call.ID,
				"tool_name":   call.Name,
				"arguments":   string(call.Arguments),
				"content":     o.Content,
				"is_error":    o.IsError,
				"duration_ms": o.Duration.Milliseconds(),
			})
		},
		OnStepComplete: func(s StepInfo) {
			e.Emit(EventStepComplete, map[string]any{"depth": s.Depth, "tool_calls": len(s.ToolCalls), "strategy": string(s.Strategy)})
		},
		OnStatusChange:  func(s string) { e.Emit(EventStatus, map[string]any{"status": s}) },
		OnLoopIteration: func(d int) { e.Emit(EventLoopIteration, map[string]any{"depth": d}) },
		OnError:         func(err error) { e.Emit(EventError, map[string]any{"error": err.Error()}) },
		OnSubagentStart: func(info SubagentInfo) {
			e.Emit(EventSubagentStart, map[string]any{"session_id": info.SessionID, "agent": info.Agent, "task": info.Task})
		},
		OnSubagentEnd: func(info SubagentInfo, r SubagentResult) {
			e.Emit(EventSubagentEnd, map[string]any{
				"session_id":    info.SessionID,
				"agent":         info.Agent,
				"error":         r.Error,
				"input_tokens":  r.InputTokens,
				"output_tokens": r.OutputTokens,
			})
		},
		OnSubagentToken: func(agent, s string) {
			e.Emit(EventSubagentToken, map[string]any{"agent": agent, "text": s})
		},
	}
}
