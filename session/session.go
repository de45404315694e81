package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Willebrew/stratuscode/agentloop"
	"github.com/Willebrew/stratuscode/unifiedllm"
)

// PlanState tracks the plan_exit state machine.
type PlanState string

const (
	PlanDrafting    PlanState = "PLAN"
	PlanExitPending PlanState = "EXIT_PENDING"
	PlanApproved    PlanState = "BUILD"
)

// buildReminder is appended once to the first user message after a plan is
// approved.
const buildReminder = `<system-reminder>
The user approved your plan and you are now in BUILD mode. You may edit files and run commands.
Work through the todo list, marking each item in_progress before you start it and completed when it is done.
</system-reminder>`

// TokenUsage is a token count as the client displays it.
type TokenUsage struct {
	Input   int    `json:"input"`
	Output  int    `json:"output"`
	Context int    `json:"context,omitempty"`
	Model   string `json:"model,omitempty"`
}

// ContextUsage reports how full the model context window is.
type ContextUsage struct {
	Used    int `json:"used"`
	Limit   int `json:"limit"`
	Percent int `json:"percent"`
}

// TimelineEvent is one entry of the conversation as rendered by the client.
// Events with the same ID replace each other.
type TimelineEvent struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"sessionId"`
	CreatedAt  int64       `json:"createdAt"`
	Kind       string      `json:"kind"`
	Content    string      `json:"content"`
	Tokens     *TokenUsage `json:"tokens,omitempty"`
	Streaming  bool        `json:"streaming,omitempty"`
	ToolCallID string      `json:"toolCallId,omitempty"`
	ToolName   string      `json:"toolName,omitempty"`
	Status     string      `json:"status,omitempty"`
}

// State is the snapshot sent to the client in "state" notifications.
type State struct {
	Messages                []unifiedllm.Message `json:"messages"`
	IsLoading               bool                 `json:"isLoading"`
	Error                   *string              `json:"error"`
	TimelineEvents          []TimelineEvent      `json:"timelineEvents"`
	SessionTokens           *TokenUsage          `json:"sessionTokens,omitempty"`
	ContextUsage            ContextUsage         `json:"contextUsage"`
	ContextStatus           *string              `json:"contextStatus,omitempty"`
	Tokens                  TokenUsage           `json:"tokens"`
	SessionID               *string              `json:"sessionId"`
	PlanExitProposed        bool                 `json:"planExitProposed"`
	Agent                   string               `json:"agent"`
	ModelOverride           *string              `json:"modelOverride"`
	ProviderOverride        *string              `json:"providerOverride"`
	ReasoningEffortOverride *string              `json:"reasoningEffortOverride"`
}

// Info is a session list entry.
type Info struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	MessageCount int    `json:"messageCount"`
	FirstMessage string `json:"firstMessage,omitempty"`
	Current      bool   `json:"current,omitempty"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// Session is one conversation. Its fields are guarded by mu; only one
// invocation runs at a time.
type Session struct {
	ID string

	mu              sync.Mutex
	title           string
	createdAt       time.Time
	updatedAt       time.Time
	agent           string
	plan            PlanState
	reminder        bool
	history         []unifiedllm.Message
	continuationID  string
	summary         string
	reasoningEffort string
	tokens          agentloop.TokenTotals
	lastTurn        agentloop.TokenTotals
	contextUsed     int
	contextStatus   string
	lastErr         string
	busy            bool
	cancel          context.CancelFunc
	timeline        []TimelineEvent
	firstMessage    string
	changes         *agentloop.ChangeTracker
}

func newSession(id, agent string) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		title:     "New session",
		createdAt: now,
		updatedAt: now,
		agent:     agent,
		plan:      initialPlanState(agent),
		changes:   agentloop.NewChangeTracker(0),
	}
}

func initialPlanState(agent string) PlanState {
	if agent == agentloop.ModePlan {
		return PlanDrafting
	}
	return PlanApproved
}

// Agent returns the session's mode, plan or build.
func (s *Session) Agent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

func (s *Session) PlanState() PlanState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// History returns a copy of the conversation.
func (s *Session) History() []unifiedllm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]unifiedllm.Message(nil), s.history...)
}

func (s *Session) setPlanState(p PlanState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = p
}

// approvePlan moves the session to build mode and schedules the reminder.
func (s *Session) approvePlan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = PlanApproved
	s.agent = agentloop.ModeBuild
	s.reminder = true
}

// takeReminder returns content with the build reminder appended if one is
// scheduled, and clears it.
func (s *Session) takeReminder(content string) string {
	if !s.reminder {
		return content
	}
	s.reminder = false
	return content + "\n\n" + buildReminder
}

func (s *Session) info(current string) Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		Title:        s.title,
		MessageCount: len(s.history),
		FirstMessage: s.firstMessage,
		Current:      s.ID == current,
		UpdatedAt:    s.updatedAt.UnixMilli(),
	}
}

// upsertEvent records ev, replacing an earlier event with the same id.
func (s *Session) upsertEvent(ev TimelineEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.timeline {
		if s.timeline[i].ID == ev.ID {
			s.timeline[i] = ev
			return
		}
	}
	s.timeline = append(s.timeline, ev)
}

func (s *Session) reset() {
	s.history = nil
	s.continuationID = ""
	s.summary = ""
	s.tokens = agentloop.TokenTotals{}
	s.lastTurn = agentloop.TokenTotals{}
	s.contextUsed = 0
	s.contextStatus = ""
	s.lastErr = ""
	s.timeline = nil
	s.firstMessage = ""
	s.title = "New session"
	s.reminder = false
	s.plan = initialPlanState(s.agent)
	s.updatedAt = time.Now()
}

func titleFrom(content string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(content), "\n")
	if r := []rune(line); len(r) > 60 {
		return string(r[:57]) + "..."
	}
	if line == "" {
		return "New session"
	}
	return line
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
