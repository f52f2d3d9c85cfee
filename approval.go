package switchboard

import (
	"context"
	"sync"
	"time"
)

// defaultApprovalTTL bounds how long a run waits for a human decision
// before the request auto-denies.
const defaultApprovalTTL = 30 * time.Minute

// ApprovalDecision is a surface's answer to a tool-approval request. Edited
// tool calls, when present, replace the ones the model proposed.
type ApprovalDecision struct {
	Approved  bool       `json:"approved"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type approvalKey struct {
	thread ThreadKey
	id     string
}

// ApprovalStore hands tool-approval decisions to the runs waiting on them.
// It is engine-instance state, keyed by thread and approval id. A request
// that outlives the TTL auto-denies, so an abandoned surface cannot wedge a
// run forever; a cancelled run unblocks through its own context.
type ApprovalStore struct {
	mu      sync.Mutex
	pending map[approvalKey]chan ApprovalDecision
	ttl     time.Duration
}

type ApprovalOption func(*ApprovalStore)

// WithApprovalTTL overrides the auto-deny window.
func WithApprovalTTL(d time.Duration) ApprovalOption {
	return func(s *ApprovalStore) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func NewApprovalStore(opts ...ApprovalOption) *ApprovalStore {
	s := &ApprovalStore{
		pending: make(map[approvalKey]chan ApprovalDecision),
		ttl:     defaultApprovalTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Await blocks the calling run until the approval resolves, the TTL passes
// (auto-deny), or ctx ends. Blocking here is the suspension the approval
// flow wants: the run goroutine parks until the surface answers.
func (s *ApprovalStore) Await(ctx context.Context, thread ThreadKey, approvalID string) (ApprovalDecision, error) {
	k := approvalKey{thread: thread, id: approvalID}
	ch := make(chan ApprovalDecision, 1)
	s.mu.Lock()
	s.pending[k] = ch
	s.mu.Unlock()

	timer := time.NewTimer(s.ttl)
	defer timer.Stop()
	select {
	case d := <-ch:
		return d, nil
	case <-timer.C:
		s.drop(k)
		return ApprovalDecision{}, nil
	case <-ctx.Done():
		s.drop(k)
		return ApprovalDecision{}, ctx.Err()
	}
}

// Resolve delivers a decision to the waiting run. It reports false when no
// run was waiting: expired, cancelled, or never requested.
func (s *ApprovalStore) Resolve(thread ThreadKey, approvalID string, d ApprovalDecision) bool {
	k := approvalKey{thread: thread, id: approvalID}
	s.mu.Lock()
	ch, ok := s.pending[k]
	delete(s.pending, k)
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- d
	return true
}

func (s *ApprovalStore) drop(k approvalKey) {
	s.mu.Lock()
	delete(s.pending, k)
	s.mu.Unlock()
}

// PendingCount reports outstanding approvals across all threads.
func (s *ApprovalStore) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
