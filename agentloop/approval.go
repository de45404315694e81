package agentloop

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Willebrew/stratuscode/observe"
)

// PendingApproval is one suspended tool call waiting for a human answer.
type PendingApproval struct {
	Key       string
	Payload   any
	CreatedAt time.Time

	answer chan string
	store  *ApprovalStore
}

// Wait blocks until the approval is resolved or ctx is done. There is no
// timeout. Cancellation removes the entry.
func (p *PendingApproval) Wait(ctx context.Context) (string, error) {
	select {
	case text := <-p.answer:
		return text, nil
	case <-ctx.Done():
		p.store.remove(p)
		// A resolve may have raced the cancellation.
		select {
		case text := <-p.answer:
			return text, nil
		default:
		}
		return "", cancellation(ctx)
	}
}

// ApprovalStore holds at most one PendingApproval per key, typically the
// session id.
type ApprovalStore struct {
	mu      sync.Mutex
	pending map[string]*PendingApproval
	metrics *observe.Metrics
}

// NewApprovalStore creates an empty store. m may be nil.
func NewApprovalStore(m *observe.Metrics) *ApprovalStore {
	return &ApprovalStore{pending: make(map[string]*PendingApproval), metrics: m}
}

// Begin registers a pending approval for key.
func (s *ApprovalStore) Begin(key string, payload any) (*PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[key]; ok {
		return nil, ErrApprovalPending
	}
	p := &PendingApproval{
		Key:       key,
		Payload:   payload,
		CreatedAt: time.Now(),
		answer:    make(chan string, 1),
		store:     s,
	}
	s.pending[key] = p
	s.metrics.ApprovalPending(1)
	return p, nil
}

// Resolve delivers text to the waiter for key and removes the entry. It
// returns false, with no effect, when nothing is pending for key.
func (s *ApprovalStore) Resolve(key, text string) bool {
	s.mu.Lock()
	p, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
		s.metrics.ApprovalPending(-1)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	p.answer <- text
	return true
}

// Pending returns the live entry for key.
func (s *ApprovalStore) Pending(key string) (*PendingApproval, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[key]
	return p, ok
}

// Keys returns the keys with a live entry, sorted.
func (s *ApprovalStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *ApprovalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *ApprovalStore) remove(p *PendingApproval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.pending[p.Key]; ok && cur == p {
		delete(s.pending, p.Key)
		s.metrics.ApprovalPending(-1)
	}
}
