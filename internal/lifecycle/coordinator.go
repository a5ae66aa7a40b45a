package lifecycle

import "time"

// TriggerHumanApproved is recorded on the resume transition.
const TriggerHumanApproved = "human_approved"

// Coordinator enforces the transition table on operations. It holds no per-operation
// state, never retries, and never logs; rejection is reported only by the boolean result.
type Coordinator struct {
	Now func() time.Time
}

// NewCoordinator returns a Coordinator using the wall clock.
func NewCoordinator() *Coordinator {
	return &Coordinator{Now: time.Now}
}

func (c *Coordinator) now() time.Time {
	if c != nil && c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Transition moves op to `to` when the table allows it from the current state.
// Rejected attempts leave the operation untouched and return false.
func (c *Coordinator) Transition(op *Operation, to State, trigger, actor string) bool {
	return c.TransitionWith(op, to, trigger, actor, nil)
}

// TransitionWith is Transition plus metadata facts that are merged only when the
// transition is accepted, inside the same critical section.
func (c *Coordinator) TransitionWith(op *Operation, to State, trigger, actor string, meta map[string]any) bool {
	if op == nil {
		return false
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	if !CanTransition(op.state, to) {
		return false
	}
	op.history = append(op.history, Transition{
		From:    op.state,
		To:      to,
		Trigger: trigger,
		Actor:   actor,
		At:      c.now().UTC(),
	})
	op.state = to
	if len(meta) > 0 {
		if op.metadata == nil {
			op.metadata = map[string]any{}
		}
		for k, v := range meta {
			op.metadata[k] = v
		}
	}
	return true
}

// PauseForReview suspends op for a human decision. pause_reason, paused_by and
// paused_at are recorded only if the pause is accepted.
func (c *Coordinator) PauseForReview(op *Operation, reason, actor string) bool {
	return c.TransitionWith(op, StatePausedForHumanReview, reason, actor, map[string]any{
		MetaPauseReason: reason,
		MetaPausedBy:    actor,
		MetaPausedAt:    c.now().UTC().Format(time.RFC3339),
	})
}

// ResumeFromPause returns a paused op to in_progress after human approval.
// approvalID may be empty; it is stored as-is.
func (c *Coordinator) ResumeFromPause(op *Operation, actor, approvalID string) bool {
	if op == nil || op.State() != StatePausedForHumanReview {
		return false
	}
	var approval any
	if approvalID != "" {
		approval = approvalID
	}
	return c.TransitionWith(op, StateInProgress, TriggerHumanApproved, actor, map[string]any{
		MetaResumedBy:  actor,
		MetaApprovalID: approval,
	})
}

// History returns a copy of op's transitions in acceptance order.
func (c *Coordinator) History(op *Operation) []Transition {
	if op == nil {
		return nil
	}
	op.mu.RLock()
	defer op.mu.RUnlock()
	return op.historyLocked()
}
