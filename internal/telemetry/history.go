package telemetry

import (
	"context"
	"fmt"
	"time"
)

// TransitionFilter selects lifecycle transitions. Empty fields match anything.
type TransitionFilter struct {
	Service       string
	OperationType string
	ToState       string
	Trigger       string
}

// TransitionLog reports the most recent transition matching a filter.
type TransitionLog interface {
	LastTransitionAt(ctx context.Context, f TransitionFilter) (time.Time, bool, error)
}

// History derives timing kinds from the persisted transition log.
// last_failure_unix is the latest execution failure on the service;
// last_execution_unix is the latest start of the same operation type on the service.
type History struct {
	Log TransitionLog

	FailureState   string
	FailureTrigger string
	ExecutionState string
}

// NewHistory returns a History reading the lifecycle's failed and in_progress entries.
// Failures caused before execution started (lock or gate errors) do not count.
func NewHistory(log TransitionLog) *History {
	return &History{
		Log:            log,
		FailureState:   "failed",
		FailureTrigger: "execution_failed",
		ExecutionState: "in_progress",
	}
}

func (h *History) Query(ctx context.Context, q Query) (float64, error) {
	var f TransitionFilter
	switch q.Kind {
	case LastFailureUnix:
		f = TransitionFilter{Service: q.Service, ToState: h.FailureState, Trigger: h.FailureTrigger}
	case LastExecutionUnix:
		f = TransitionFilter{Service: q.Service, OperationType: q.OperationType, ToState: h.ExecutionState}
	default:
		return 0, fmt.Errorf("history source cannot answer %s", q.Kind)
	}
	at, ok, err := h.Log.LastTransitionAt(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return 0, ErrNoData
	}
	return float64(at.Unix()), nil
}
