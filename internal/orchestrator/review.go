package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"safeline/internal/audit"
	"safeline/internal/db"
	"safeline/internal/domain"
	"safeline/internal/gates"
	"safeline/internal/lifecycle"
	"safeline/internal/lock"
	"safeline/internal/metrics"
	"safeline/internal/notify"
	"safeline/internal/repo"
)

// Resume approves a paused operation: the service lock is refreshed, the operation
// returns to in_progress and the executor runs again.
func (o *Orchestrator) Resume(ctx context.Context, id, actor, approvalID string) (Result, error) {
	var res Result
	err := o.do(id, func(op *lifecycle.Operation) error {
		if err := o.expect(op, lifecycle.StateInProgress, lifecycle.StatePausedForHumanReview); err != nil {
			return err
		}
		if err := o.reacquire(ctx, op, actor); err != nil {
			return err
		}
		from := op.State()
		if !o.Coordinator.ResumeFromPause(op, actor, approvalID) {
			metrics.RecordRejectedTransition(string(from), string(lifecycle.StateInProgress))
			return &TransitionError{OperationID: op.ID(), From: from, To: lifecycle.StateInProgress}
		}
		if err := o.accepted(ctx, op); err != nil {
			return err
		}
		var err error
		res, err = o.execute(ctx, op, actor)
		return err
	})
	return res, err
}

// Cancel abandons a paused operation and frees its service. Nothing is undone, so
// the lease is not required; release only drops a lease the operation still owns.
func (o *Orchestrator) Cancel(ctx context.Context, id, actor, reason string) (Result, error) {
	var res Result
	err := o.do(id, func(op *lifecycle.Operation) error {
		if err := o.apply(ctx, op, lifecycle.StateCancelled, TriggerOperatorCancelled, actor,
			map[string]any{MetaCancelReason: reason}); err != nil {
			return err
		}
		o.release(ctx, op)
		res = o.finish(op, o.result(op))
		return nil
	})
	return res, err
}

// Rollback undoes a paused or failed operation. The executor is skipped when the
// operation never reached execution.
func (o *Orchestrator) Rollback(ctx context.Context, id, actor string) (Result, error) {
	var res Result
	err := o.do(id, func(op *lifecycle.Operation) error {
		if err := o.expect(op, lifecycle.StateRolledBack, lifecycle.StatePausedForHumanReview, lifecycle.StateFailed); err != nil {
			return err
		}
		run := executed(op)
		if run {
			if err := o.reacquire(ctx, op, actor); err != nil {
				return err
			}
		}
		var err error
		res, err = o.rollback(ctx, op, TriggerManualRollback, actor, run)
		return err
	})
	return res, err
}

// Pause moves an operation in safety_check or in_progress to human review. An
// operation still being driven by a Run or Resume reports ErrBusy; this is how
// operators take over operations left mid-flight by a crashed process.
func (o *Orchestrator) Pause(ctx context.Context, id, actor, reason string) (Result, error) {
	if reason == "" {
		reason = "operator_pause"
	}
	var res Result
	err := o.Store.TryDoLatest(id, func(op *lifecycle.Operation) error {
		if err := o.pause(ctx, op, reason, actor, notify.Warning); err != nil {
			return err
		}
		res = o.result(op)
		return nil
	})
	return res, o.storeErr(err)
}

// Escalate raises a critical notification for every operation paused longer than
// olderThan. States are left alone; a human still has to decide.
func (o *Orchestrator) Escalate(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := o.now().Add(-olderThan)
	ops, err := o.Repo.PausedSince(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(ops))
	for _, row := range ops {
		op, err := o.load(row.ID)
		if err != nil {
			return ids, err
		}
		if op == nil || op.State() != lifecycle.StatePausedForHumanReview {
			continue
		}
		reason := op.MetadataString(lifecycle.MetaPauseReason)
		o.Notifier.Send(o.notification(op, notify.Critical, "Operation awaiting review",
			fmt.Sprintf("Operation %s on %s has been paused since %s: %s", row.ID, row.Service, row.UpdatedAt, reason)))
		o.record(ctx, audit.TypeOperationEscalated, op, SystemActor, audit.Payload{
			"paused_since": row.UpdatedAt,
			"pause_reason": reason,
			"older_than":   olderThan.String(),
		})
		metrics.RecordEscalation()
		ids = append(ids, row.ID)
	}
	return ids, nil
}

// CheckGates evaluates the gates without creating an operation.
func (o *Orchestrator) CheckGates(ctx context.Context, service, operationType string, metadata map[string]any) (gates.Outcome, error) {
	if service == "" || operationType == "" {
		return gates.Outcome{}, fmt.Errorf("%w: service and operation type are required", ErrInvalidRequest)
	}
	started := time.Now()
	out, err := o.Gates.CheckAll(ctx, service, operationType, metadata)
	metrics.RecordGateEvaluation(time.Since(started), err)
	return out, err
}

func (o *Orchestrator) Get(ctx context.Context, id string) (domain.Operation, error) {
	op, err := o.Repo.GetOperation(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return op, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return op, err
}

func (o *Orchestrator) List(ctx context.Context, f repo.OperationFilters) ([]domain.Operation, error) {
	return o.Repo.ListOperations(ctx, f)
}

// History returns the stored transitions of an operation in order.
func (o *Orchestrator) History(ctx context.Context, id string) ([]domain.Transition, error) {
	if _, err := o.Get(ctx, id); err != nil {
		return nil, err
	}
	return o.Repo.ListTransitions(ctx, id)
}

// do runs a review action on the stored operation, never a cached copy another
// process may have moved on from.
func (o *Orchestrator) do(id string, fn func(op *lifecycle.Operation) error) error {
	return o.storeErr(o.Store.DoLatest(id, fn))
}

// reacquire refreshes the operation's service lease before it touches the service
// again. A lease that expired and went to another operation is ErrLockLost.
func (o *Orchestrator) reacquire(ctx context.Context, op *lifecycle.Operation, actor string) error {
	service, _ := o.identity(op)
	resource := lock.ServiceResource(service)
	lease, err := o.Locker.Acquire(ctx, resource, op.ID(), o.Settings.LockTTL)
	if errors.Is(err, lock.ErrHeld) {
		metrics.RecordLockAttempt("held")
		o.record(ctx, audit.TypeLockFailed, op, actor, audit.Payload{"resource": resource, "error": err.Error()})
		return fmt.Errorf("operation %s: %w", op.ID(), ErrLockLost)
	}
	if err != nil {
		metrics.RecordLockAttempt("error")
		return err
	}
	metrics.RecordLockAttempt("acquired")
	o.record(ctx, audit.TypeLockAcquired, op, actor, audit.Payload{"resource": lease.Resource, "expires_at": db.FormatTime(lease.ExpiresAt)})
	return nil
}

func (o *Orchestrator) storeErr(err error) error {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, lifecycle.ErrBusy):
		return ErrBusy
	}
	return err
}

// expect rejects an action up front unless op is in one of the given states.
func (o *Orchestrator) expect(op *lifecycle.Operation, to lifecycle.State, from ...lifecycle.State) error {
	cur := op.State()
	for _, s := range from {
		if cur == s {
			return nil
		}
	}
	metrics.RecordRejectedTransition(string(cur), string(to))
	return &TransitionError{OperationID: op.ID(), From: cur, To: to}
}

// executed reports whether the operation ever entered in_progress.
func executed(op *lifecycle.Operation) bool {
	for _, t := range op.Snapshot().History {
		if t.To == lifecycle.StateInProgress {
			return true
		}
	}
	return false
}
