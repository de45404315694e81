package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Willebrew/stratuscode/agentloop"
)

// Tool names registered by the session layer.
const (
	QuestionToolName  = "question"
	PlanExitToolName  = "plan_exit"
	TodoWriteToolName = "todowrite"
	TodoReadToolName  = "todoread"
)

const noPlanMessage = "No plan found. Create todo items with todowrite before calling plan_exit."

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// QuestionItem is one question shown to the user.
type QuestionItem struct {
	ID            string           `json:"id"`
	Question      string           `json:"question"`
	Header        string           `json:"header,omitempty"`
	Options       []QuestionOption `json:"options"`
	AllowMultiple bool             `json:"allowMultiple,omitempty"`
	AllowCustom   bool             `json:"allowCustom,omitempty"`
}

// PendingQuestion is the approval payload of a question call.
type PendingQuestion struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Questions []QuestionItem `json:"questions"`

	skipped atomic.Bool
}

// PlanProposal is the approval payload of a plan_exit call.
type PlanProposal struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Summary   string `json:"summary,omitempty"`
	Todos     []Todo `json:"todos"`
}

// RootSessionID strips subagent suffixes so children share their parent's
// approval key and todo list.
func RootSessionID(id string) string {
	root, _, _ := strings.Cut(id, agentloop.DelegationMarker)
	return root
}

// approves reports whether a plan_exit resolution accepts the plan.
func approves(text string) bool {
	t := strings.ToLower(text)
	return strings.Contains(t, "approve") || strings.Contains(t, "start building")
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(b)
}

// decodeArg re-decodes one argument into a typed value.
func decodeArg(args map[string]any, key string, dst any) error {
	raw, err := json.Marshal(args[key])
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func questionTool(m *Manager) agentloop.Tool {
	option := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"label":       map[string]any{"type": "string"},
			"description": map[string]any{"type": "string"},
		},
		"required": []any{"label"},
	}
	item := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question":      map[string]any{"type": "string", "description": "The question to ask."},
			"header":        map[string]any{"type": "string", "description": "Short label shown above the question."},
			"options":       map[string]any{"type": "array", "items": option},
			"allowMultiple": map[string]any{"type": "boolean"},
			"allowCustom":   map[string]any{"type": "boolean", "description": "Let the user type a free-form answer."},
		},
		"required": []any{"question"},
	}
	return agentloop.Tool{
		Name:        QuestionToolName,
		Description: "Ask the user a question and wait for the answer. Use it when requirements are ambiguous or a decision needs the user.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"questions": map[string]any{"type": "array", "items": item, "minItems": 1},
			},
			"required": []any{"questions"},
		},
		TimeoutMs: -1,
		Executor: func(ctx context.Context, args map[string]any, ec agentloop.ExecContext) (string, error) {
			if ec.Approvals == nil {
				return "", errors.New("no approval store")
			}
			q := &PendingQuestion{ID: "q-" + uuid.NewString(), SessionID: RootSessionID(ec.SessionID)}
			if err := decodeArg(args, "questions", &q.Questions); err != nil {
				return "", fmt.Errorf("decode questions: %w", err)
			}
			for i := range q.Questions {
				if q.Questions[i].ID == "" {
					q.Questions[i].ID = fmt.Sprintf("%s-%d", q.ID, i)
				}
				if q.Questions[i].Options == nil {
					q.Questions[i].Options = []QuestionOption{}
					q.Questions[i].AllowCustom = true
				}
			}

			p, err := ec.Approvals.Begin(q.SessionID, q)
			if err != nil {
				return "", fmt.Errorf("ask question: %w", err)
			}
			m.notify("question_asked", q)
			text, err := p.Wait(ctx)
			if err != nil {
				return "", err
			}
			if q.skipped.Load() {
				return "The user skipped the question. Continue with your best judgement.", nil
			}
			return "User answered: " + text, nil
		},
	}
}

func planExitTool(m *Manager) agentloop.Tool {
	return agentloop.Tool{
		Name:        PlanExitToolName,
		Description: "Ask the user to approve the plan recorded in the todo list. Blocks until the user answers. On approval the session switches to build mode.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary": map[string]any{"type": "string", "description": "A short summary of the plan."},
			},
		},
		TimeoutMs: -1,
		Executor: func(ctx context.Context, args map[string]any, ec agentloop.ExecContext) (string, error) {
			key := RootSessionID(ec.SessionID)
			s, err := m.Get(key)
			if err != nil {
				return "", err
			}
			todos := m.todos.List(key)
			if len(todos) == 0 {
				return jsonString(map[string]any{"approved": false, "error": noPlanMessage}), nil
			}
			if ec.Approvals == nil {
				return "", errors.New("no approval store")
			}
			summary, _ := agentloop.GetStringArg(args, "summary")
			s.setPlanState(PlanExitPending)
			p, err := ec.Approvals.Begin(key, &PlanProposal{
				ID:        "plan-" + uuid.NewString(),
				SessionID: key,
				Summary:   summary,
				Todos:     todos,
			})
			if err != nil {
				s.setPlanState(PlanDrafting)
				return "", fmt.Errorf("propose plan: %w", err)
			}
			m.notify("plan_exit_proposed", true)

			text, err := p.Wait(ctx)
			if err != nil {
				s.setPlanState(PlanDrafting)
				m.notify("plan_exit_proposed", false)
				return "", err
			}
			if approves(text) {
				s.approvePlan()
				m.notify("plan_exit_proposed", false)
				m.publishState(s)
				return jsonString(map[string]any{
					"approved": true,
					"message":  "Plan approved. Build tools are available from the next user message; finish this turn with a one-line summary of the plan.",
				}), nil
			}
			s.setPlanState(PlanDrafting)
			m.notify("plan_exit_proposed", false)
			return jsonString(map[string]any{"approved": false, "feedback": text}), nil
		},
	}
}

func todoWriteTool(m *Manager) agentloop.Tool {
	todo := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":       map[string]any{"type": "string"},
			"content":  map[string]any{"type": "string"},
			"status":   map[string]any{"type": "string", "enum": []any{TodoPending, TodoInProgress, TodoCompleted}},
			"priority": map[string]any{"type": "string", "enum": []any{"high", "medium", "low"}},
		},
		"required": []any{"content", "status"},
	}
	return agentloop.Tool{
		Name:        TodoWriteToolName,
		Description: "Replace the session todo list. Send the complete list every time.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"todos": map[string]any{"type": "array", "items": todo}},
			"required":   []any{"todos"},
		},
		Executor: func(_ context.Context, args map[string]any, ec agentloop.ExecContext) (string, error) {
			var todos []Todo
			if err := decodeArg(args, "todos", &todos); err != nil {
				return "", fmt.Errorf("decode todos: %w", err)
			}
			saved, err := m.todos.Replace(RootSessionID(ec.SessionID), todos)
			if err != nil {
				return "", err
			}
			c := countTodos(saved)
			return fmt.Sprintf("Todo list updated: %d items (%d pending, %d in progress, %d completed)\n%s",
				c.Total, c.Pending, c.InProgress, c.Completed, renderTodos(saved)), nil
		},
	}
}

func todoReadTool(m *Manager) agentloop.Tool {
	return agentloop.Tool{
		Name:        TodoReadToolName,
		Description: "Read the session todo list.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Executor: func(_ context.Context, _ map[string]any, ec agentloop.ExecContext) (string, error) {
			todos := m.todos.List(RootSessionID(ec.SessionID))
			if len(todos) == 0 {
				return "No todos.", nil
			}
			return renderTodos(todos), nil
		},
	}
}

func renderTodos(todos []Todo) string {
	var sb strings.Builder
	for _, t := range todos {
		mark := " "
		switch t.Status {
		case TodoInProgress:
			mark = "~"
		case TodoCompleted:
			mark = "x"
		}
		fmt.Fprintf(&sb, "[%s] %s (%s, id %s)\n", mark, t.Content, t.Priority, t.ID)
	}
	return strings.TrimRight(sb.String(), "\n")
}
