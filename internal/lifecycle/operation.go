package lifecycle

import (
	"sync"
	"time"
)

// Metadata keys written by the coordinator.
const (
	MetaPauseReason = "pause_reason"
	MetaPausedBy    = "paused_by"
	MetaPausedAt    = "paused_at"
	MetaResumedBy   = "resumed_by"
	MetaApprovalID  = "approval_id"
)

// Transition is one accepted state change. Values are never mutated after creation.
type Transition struct {
	From    State     `json:"from_state"`
	To      State     `json:"to_state"`
	Trigger string    `json:"trigger"`
	Actor   string    `json:"actor"`
	At      time.Time `json:"timestamp"`
}

// Operation is the aggregate root for one unit of remediation work.
// Its state, history and metadata change only through a Coordinator.
type Operation struct {
	id string

	mu       sync.RWMutex
	state    State
	history  []Transition
	metadata map[string]any
}

// Snapshot is a consistent copy of an operation: State always matches the tail of History.
type Snapshot struct {
	ID       string         `json:"operation_id"`
	State    State          `json:"current_state"`
	History  []Transition   `json:"history"`
	Metadata map[string]any `json:"metadata"`
}

// NewOperation creates an operation in StateInit. metadata is copied.
func NewOperation(id string, metadata map[string]any) *Operation {
	return &Operation{
		id:       id,
		state:    StateInit,
		metadata: copyMetadata(metadata),
	}
}

// Restore rehydrates an operation from persisted form. The stored state is authoritative;
// metadata is carried over as-is and never replayed.
func Restore(s Snapshot) *Operation {
	st := s.State
	if st == "" {
		st = StateInit
	}
	history := make([]Transition, len(s.History))
	copy(history, s.History)
	return &Operation{
		id:       s.ID,
		state:    st,
		history:  history,
		metadata: copyMetadata(s.Metadata),
	}
}

func (o *Operation) ID() string { return o.id }

// State returns the current state.
func (o *Operation) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Metadata returns a copy of the side-channel facts.
func (o *Operation) Metadata() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return copyMetadata(o.metadata)
}

// MetadataString returns metadata[key] when it is a string.
func (o *Operation) MetadataString(key string) string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, _ := o.metadata[key].(string)
	return s
}

// Snapshot returns state, history and metadata read under a single lock.
func (o *Operation) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Snapshot{
		ID:       o.id,
		State:    o.state,
		History:  o.historyLocked(),
		Metadata: copyMetadata(o.metadata),
	}
}

// LastTransition returns the most recent accepted transition.
func (o *Operation) LastTransition() (Transition, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if len(o.history) == 0 {
		return Transition{}, false
	}
	return o.history[len(o.history)-1], true
}

func (o *Operation) historyLocked() []Transition {
	out := make([]Transition, len(o.history))
	copy(out, o.history)
	return out
}

func copyMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
