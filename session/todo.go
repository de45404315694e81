package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Todo statuses.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
)

// Todo is one plan item.
type Todo struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}

// TodoCounts summarises a list by status.
type TodoCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Total      int `json:"total"`
}

// TodoStore keeps one todo list per session.
type TodoStore struct {
	mu    sync.RWMutex
	lists map[string][]Todo
}

func NewTodoStore() *TodoStore {
	return &TodoStore{lists: make(map[string][]Todo)}
}

// List returns a copy of the session's list.
func (s *TodoStore) List(sessionID string) []Todo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Todo(nil), s.lists[sessionID]...)
}

// Replace validates todos and swaps them in as the session's list. Items
// without an id get one; a missing priority becomes medium.
func (s *TodoStore) Replace(sessionID string, todos []Todo) ([]Todo, error) {
	var errs []error
	out := make([]Todo, 0, len(todos))
	for i, t := range todos {
		if t.Content == "" {
			errs = append(errs, fmt.Errorf("todo %d: content is required", i))
		}
		switch t.Status {
		case TodoPending, TodoInProgress, TodoCompleted:
		case "":
			t.Status = TodoPending
		default:
			errs = append(errs, fmt.Errorf("todo %d: invalid status %q", i, t.Status))
		}
		switch t.Priority {
		case "high", "medium", "low":
		case "":
			t.Priority = "medium"
		default:
			errs = append(errs, fmt.Errorf("todo %d: invalid priority %q", i, t.Priority))
		}
		if t.ID == "" {
			t.ID = uuid.NewString()[:8]
		}
		out = append(out, t)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[sessionID] = out
	return append([]Todo(nil), out...), nil
}

// Counts tallies the session's list.
func (s *TodoStore) Counts(sessionID string) TodoCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countTodos(s.lists[sessionID])
}

// Len returns the number of items in the session's list.
func (s *TodoStore) Len(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lists[sessionID])
}

func (s *TodoStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lists, sessionID)
}

func countTodos(todos []Todo) TodoCounts {
	c := TodoCounts{Total: len(todos)}
	for _, t := range todos {
		switch t.Status {
		case TodoPending:
			c.Pending++
		case TodoInProgress:
			c.InProgress++
		case TodoCompleted:
			c.Completed++
		}
	}
	return c
}
