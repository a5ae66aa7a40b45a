// Package orchestrator drives operations through their lifecycle: service lock,
// safety gates, execution, rollback and human review. Every accepted transition is
// persisted together with its audit record.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"safeline/internal/audit"
	"safeline/internal/db"
	"safeline/internal/domain"
	"safeline/internal/executor"
	"safeline/internal/gates"
	"safeline/internal/lifecycle"
	"safeline/internal/lock"
	"safeline/internal/logging"
	"safeline/internal/metrics"
	"safeline/internal/notify"
	"safeline/internal/repo"
)

// Triggers recorded by the orchestrator. Pauses record their reason as the trigger.
const (
	TriggerLockAcquired        = "lock_acquired"
	TriggerSafetyGates         = "safety_gates"
	TriggerGatesPassed         = "gates_passed"
	TriggerExecutionSucceeded  = "execution_succeeded"
	TriggerExecutionFailed     = "execution_failed"
	TriggerRollbackSucceeded   = "rollback_succeeded"
	TriggerManualRollback      = "manual_rollback"
	TriggerNoChangesApplied    = "no_changes_applied"
	TriggerLockUnavailable     = "lock_unavailable"
	TriggerGateEvaluationError = "gate_evaluation_error"
	TriggerOperatorCancelled   = "operator_cancelled"
)

// Metadata keys written by the orchestrator.
const (
	MetaService         = "service"
	MetaOperationType   = "operation_type"
	MetaFailureReason   = "failure_reason"
	MetaExecutionOutput = "execution_output"
	MetaRollbackOutput  = "rollback_output"
	MetaCancelReason    = "cancel_reason"
)

// SystemActor is recorded for transitions the orchestrator makes on its own.
const SystemActor = "orchestrator"

var (
	ErrNotFound       = errors.New("operation not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrExists         = errors.New("operation already exists")
	// ErrInvalidTransition is matched by every *TransitionError.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrBusy means another caller is currently driving the operation.
	ErrBusy = errors.New("operation busy")
	// ErrLockLost means a paused operation's service lock was taken by someone else.
	ErrLockLost = errors.New("service lock lost")
	// ErrConflict means another process changed the operation first. Retry against
	// the stored state.
	ErrConflict = errors.New("operation changed concurrently")
)

// TransitionError reports a transition the table refused.
type TransitionError struct {
	OperationID string
	From        lifecycle.State
	To          lifecycle.State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("operation %s: cannot move from %s to %s", e.OperationID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Settings tunes lock handling.
type Settings struct {
	LockTTL      time.Duration
	LockWait     time.Duration
	LockInterval time.Duration
}

// Deps are the collaborators an Orchestrator composes.
type Deps struct {
	DB       *sql.DB
	Gates    *gates.Evaluator
	Locker   lock.Locker
	Executor executor.Executor
	Notifier *notify.Notifier
	Logger   logrus.FieldLogger
	Settings Settings
}

type Orchestrator struct {
	DB          *sql.DB
	Repo        repo.Repo
	Audit       audit.Logger
	Coordinator *lifecycle.Coordinator
	Store       *lifecycle.Store
	Gates       *gates.Evaluator
	Locker      lock.Locker
	Executor    executor.Executor
	Notifier    *notify.Notifier
	Logger      logrus.FieldLogger
	Settings    Settings
	Now         func() time.Time
}

// New wires an Orchestrator. Operations not in memory are loaded from the database
// on first use, so review actions work across processes.
func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		DB:          d.DB,
		Repo:        repo.Repo{DB: d.DB},
		Gates:       d.Gates,
		Locker:      d.Locker,
		Executor:    d.Executor,
		Notifier:    d.Notifier,
		Logger:      d.Logger,
		Settings:    d.Settings,
		Coordinator: lifecycle.NewCoordinator(),
	}
	if o.Executor == nil {
		o.Executor = executor.Noop{}
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Settings.LockTTL <= 0 {
		o.Settings.LockTTL = lock.DefaultTTL
	}
	if o.Settings.LockInterval <= 0 {
		o.Settings.LockInterval = lock.DefaultInterval
	}
	o.Coordinator.Now = o.now
	o.Audit = audit.Logger{DB: d.DB, Now: o.now}
	o.Store = lifecycle.NewStore(o.load)
	return o
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) load(id string) (*lifecycle.Operation, error) {
	snap, err := o.Repo.LoadSnapshot(context.Background(), id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return lifecycle.Restore(snap), nil
}

// Request starts a new operation.
type Request struct {
	OperationID string
	Service     string
	Type        string
	Metadata    map[string]any
	Actor       string
}

// Result is where an operation stands after a call returns.
type Result struct {
	Operation lifecycle.Snapshot `json:"operation"`
	Service   string             `json:"service"`
	Type      string             `json:"operation_type"`
	Gates     *gates.Outcome     `json:"gates,omitempty"`
	Execution *executor.Report   `json:"execution,omitempty"`
	// Error describes a failure the lifecycle absorbed (lock, evaluation, execution).
	Error string `json:"error,omitempty"`
}

// Run creates an operation and drives it until it completes, fails, rolls back or
// pauses for human review. Outcomes absorbed by the lifecycle are reported in the
// Result; the error is reserved for bad requests and persistence failures.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	req.Service = strings.TrimSpace(req.Service)
	req.Type = strings.TrimSpace(req.Type)
	if req.Service == "" || req.Type == "" {
		return Result{}, fmt.Errorf("%w: service and operation type are required", ErrInvalidRequest)
	}
	if req.OperationID == "" {
		req.OperationID = uuid.NewString()
	} else if _, err := o.Repo.GetOperation(ctx, req.OperationID); err == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrExists, req.OperationID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Result{}, err
	}
	if req.Actor == "" {
		req.Actor = SystemActor
	}
	meta := make(map[string]any, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta[MetaService] = req.Service
	meta[MetaOperationType] = req.Type

	op := lifecycle.NewOperation(req.OperationID, meta)
	if err := o.create(ctx, op, req); err != nil {
		return Result{}, err
	}
	o.Store.Put(op)

	var res Result
	err := o.Store.Do(op.ID(), func(op *lifecycle.Operation) error {
		var err error
		res, err = o.drive(ctx, op, req.Actor)
		return err
	})
	return res, err
}

func (o *Orchestrator) create(ctx context.Context, op *lifecycle.Operation, req Request) error {
	ctx = context.WithoutCancel(ctx)
	ts := db.FormatTime(o.now())
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	row := domain.Operation{
		ID:        op.ID(),
		Service:   req.Service,
		Type:      req.Type,
		State:     string(op.State()),
		Metadata:  op.Metadata(),
		CreatedBy: req.Actor,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if err := o.Repo.InsertOperation(ctx, tx, row); err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	if _, err := o.Audit.RecordTx(ctx, tx, audit.Entry{
		Type:        audit.TypeOperationCreated,
		OperationID: op.ID(),
		Service:     req.Service,
		ActorID:     req.Actor,
		Payload:     audit.Payload{"operation_type": req.Type, "metadata": req.Metadata},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// drive runs steps lock → gates → execute for an operation in init.
func (o *Orchestrator) drive(ctx context.Context, op *lifecycle.Operation, actor string) (Result, error) {
	service, typ := o.identity(op)
	log := o.log(op)

	lease, err := lock.AcquireWait(ctx, o.Locker, lock.ServiceResource(service), op.ID(),
		o.Settings.LockTTL, o.Settings.LockWait, o.Settings.LockInterval)
	if err != nil {
		result := "error"
		if errors.Is(err, lock.ErrHeld) {
			result = "held"
		}
		metrics.RecordLockAttempt(result)
		log.WithError(err).Warn("service lock unavailable")
		o.record(ctx, audit.TypeLockFailed, op, SystemActor, audit.Payload{"resource": lock.ServiceResource(service), "error": err.Error()})
		if aerr := o.abort(ctx, op, TriggerLockUnavailable, err); aerr != nil {
			return o.result(op), aerr
		}
		res := o.result(op)
		res.Error = err.Error()
		return o.finish(op, res), nil
	}
	metrics.RecordLockAttempt("acquired")
	o.record(ctx, audit.TypeLockAcquired, op, SystemActor, audit.Payload{"resource": lease.Resource, "expires_at": db.FormatTime(lease.ExpiresAt)})

	if err := o.apply(ctx, op, lifecycle.StateLocked, TriggerLockAcquired, SystemActor, nil); err != nil {
		return o.result(op), err
	}
	if err := o.apply(ctx, op, lifecycle.StateSafetyCheck, TriggerSafetyGates, SystemActor, nil); err != nil {
		return o.result(op), err
	}

	started := time.Now()
	outcome, err := o.Gates.CheckAll(ctx, service, typ, op.Metadata())
	metrics.RecordGateEvaluation(time.Since(started), err)
	if err != nil {
		log.WithError(err).Error("safety gate evaluation failed")
		o.record(ctx, audit.TypeGatesEvaluated, op, SystemActor, audit.Payload{"error": err.Error()})
		if aerr := o.abort(ctx, op, TriggerGateEvaluationError, err); aerr != nil {
			return o.result(op), aerr
		}
		o.release(ctx, op)
		res := o.result(op)
		res.Error = err.Error()
		return o.finish(op, res), nil
	}
	for _, r := range outcome.Results {
		metrics.RecordGateResult(string(r.Gate), r.Passed)
	}
	o.record(ctx, audit.TypeGatesEvaluated, op, SystemActor, audit.Payload{"all_passed": outcome.AllPassed, "results": outcome.Results})

	if !outcome.AllPassed {
		failed := outcome.Failed()
		names := make([]string, len(failed))
		for i, g := range failed {
			names[i] = string(g)
		}
		reason := "safety_gates_failed: " + strings.Join(names, ",")
		if err := o.pause(ctx, op, reason, SystemActor, notify.Error); err != nil {
			return o.result(op), err
		}
		res := o.result(op)
		res.Gates = &outcome
		return res, nil
	}

	if err := o.apply(ctx, op, lifecycle.StateInProgress, TriggerGatesPassed, SystemActor, nil); err != nil {
		return o.result(op), err
	}
	res, err := o.execute(ctx, op, actor)
	res.Gates = &outcome
	return res, err
}

// execute runs the executor for an operation in in_progress and settles the outcome.
func (o *Orchestrator) execute(ctx context.Context, op *lifecycle.Operation, actor string) (Result, error) {
	task := o.task(op)
	stop := o.keepLease(ctx, op)
	rep, err := o.Executor.Execute(ctx, task)
	stop()
	if err == nil {
		if err := o.apply(ctx, op, lifecycle.StateCompleted, TriggerExecutionSucceeded, SystemActor,
			map[string]any{MetaExecutionOutput: rep.Output}); err != nil {
			return o.result(op), err
		}
		o.release(ctx, op)
		res := o.result(op)
		res.Execution = &rep
		return o.finish(op, res), nil
	}

	if rr, ok := executor.AsReviewRequired(err); ok {
		if err := o.pause(ctx, op, rr.Reason, SystemActor, notify.Warning); err != nil {
			return o.result(op), err
		}
		res := o.result(op)
		res.Execution = &rep
		return res, nil
	}

	o.log(op).WithError(err).Error("execution failed")
	if err := o.apply(ctx, op, lifecycle.StateFailed, TriggerExecutionFailed, SystemActor,
		map[string]any{MetaFailureReason: err.Error(), MetaExecutionOutput: rep.Output}); err != nil {
		return o.result(op), err
	}
	res, rerr := o.rollback(ctx, op, TriggerRollbackSucceeded, SystemActor, true)
	res.Execution = &rep
	res.Error = err.Error()
	return res, rerr
}

// rollback undoes the operation's changes and settles it in rolled_back. When the
// executor cannot roll back, the operation keeps its state and its lock.
func (o *Orchestrator) rollback(ctx context.Context, op *lifecycle.Operation, trigger, actor string, runExecutor bool) (Result, error) {
	meta := map[string]any{}
	if runExecutor {
		stop := o.keepLease(ctx, op)
		rep, err := o.Executor.Rollback(ctx, o.task(op))
		stop()
		if err != nil {
			o.log(op).WithError(err).Error("rollback failed")
			o.Notifier.Send(o.notification(op, notify.Critical, "Rollback failed",
				fmt.Sprintf("Rollback of %s failed and needs manual repair: %v", op.ID(), err)))
			res := o.result(op)
			res.Error = err.Error()
			return res, nil
		}
		meta[MetaRollbackOutput] = rep.Output
	} else {
		trigger = TriggerNoChangesApplied
	}
	if err := o.apply(ctx, op, lifecycle.StateRolledBack, trigger, actor, meta); err != nil {
		return o.result(op), err
	}
	o.release(ctx, op)
	return o.finish(op, o.result(op)), nil
}

// abort fails an operation that has not changed anything and closes it out.
func (o *Orchestrator) abort(ctx context.Context, op *lifecycle.Operation, trigger string, cause error) error {
	if err := o.apply(ctx, op, lifecycle.StateFailed, trigger, SystemActor,
		map[string]any{MetaFailureReason: cause.Error()}); err != nil {
		return err
	}
	return o.apply(ctx, op, lifecycle.StateRolledBack, TriggerNoChangesApplied, SystemActor, nil)
}

func (o *Orchestrator) pause(ctx context.Context, op *lifecycle.Operation, reason, actor string, sev notify.Severity) error {
	from := op.State()
	if !o.Coordinator.PauseForReview(op, reason, actor) {
		metrics.RecordRejectedTransition(string(from), string(lifecycle.StatePausedForHumanReview))
		return &TransitionError{OperationID: op.ID(), From: from, To: lifecycle.StatePausedForHumanReview}
	}
	if err := o.accepted(ctx, op); err != nil {
		return err
	}
	o.Notifier.Send(o.notification(op, sev, "Operation paused for human review", reason))
	return nil
}

// apply asks the coordinator for a transition and persists it when accepted.
func (o *Orchestrator) apply(ctx context.Context, op *lifecycle.Operation, to lifecycle.State, trigger, actor string, meta map[string]any) error {
	from := op.State()
	if !o.Coordinator.TransitionWith(op, to, trigger, actor, meta) {
		metrics.RecordRejectedTransition(string(from), string(to))
		return &TransitionError{OperationID: op.ID(), From: from, To: to}
	}
	return o.accepted(ctx, op)
}

// accepted persists the latest transition with its audit record in one transaction.
// Persistence outlives caller cancellation. When it fails anyway the cached aggregate
// is ahead of storage and is evicted.
func (o *Orchestrator) accepted(ctx context.Context, op *lifecycle.Operation) error {
	t, _ := op.LastTransition()
	err := o.persist(ctx, op, t)
	if err == nil {
		metrics.RecordTransition(string(t.From), string(t.To), t.Trigger)
		o.log(op).WithFields(logrus.Fields{
			"from":    t.From,
			"state":   t.To,
			"trigger": t.Trigger,
			"actor":   t.Actor,
		}).Info("transition")
		return nil
	}
	o.Store.Evict(op.ID())
	if errors.Is(err, repo.ErrConflict) {
		o.log(op).WithError(err).Warn("stale operation, transition discarded")
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func (o *Orchestrator) persist(ctx context.Context, op *lifecycle.Operation, t lifecycle.Transition) error {
	service, _ := o.identity(op)
	ctx = context.WithoutCancel(ctx)
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := o.Repo.SaveSnapshot(ctx, tx, op.Snapshot(), t.At); err != nil {
		return fmt.Errorf("persist operation %s: %w", op.ID(), err)
	}
	if _, err := o.Audit.RecordTx(ctx, tx, audit.Entry{
		Type:        audit.TypeTransition,
		OperationID: op.ID(),
		Service:     service,
		ActorID:     t.Actor,
		Payload: audit.Payload{
			"from_state": t.From,
			"to_state":   t.To,
			"trigger":    t.Trigger,
			"timestamp":  db.FormatTime(t.At),
		},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// record appends a side audit entry; failures are logged, never fatal.
func (o *Orchestrator) record(ctx context.Context, typ string, op *lifecycle.Operation, actor string, payload audit.Payload) {
	service, _ := o.identity(op)
	if _, err := o.Audit.Record(context.WithoutCancel(ctx), audit.Entry{
		Type: typ, OperationID: op.ID(), Service: service, ActorID: actor, Payload: payload,
	}); err != nil {
		o.log(op).WithError(err).WithField("type", typ).Warn("audit record failed")
	}
}

func (o *Orchestrator) release(ctx context.Context, op *lifecycle.Operation) {
	service, _ := o.identity(op)
	lease := lock.Lease{Resource: lock.ServiceResource(service), Owner: op.ID()}
	if err := o.Locker.Release(context.WithoutCancel(ctx), lease); err != nil {
		o.log(op).WithError(err).Warn("service lock release failed")
		return
	}
	o.record(ctx, audit.TypeLockReleased, op, SystemActor, audit.Payload{"resource": lease.Resource})
}

// keepLease renews the service lease every third of its TTL until the returned stop
// func is called.
func (o *Orchestrator) keepLease(ctx context.Context, op *lifecycle.Operation) (stop func()) {
	service, _ := o.identity(op)
	resource := lock.ServiceResource(service)
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(max(o.Settings.LockTTL/3, time.Millisecond))
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := o.Locker.Acquire(ctx, resource, op.ID(), o.Settings.LockTTL); err != nil && ctx.Err() == nil {
					o.log(op).WithError(err).Warn("service lease renewal failed")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// finish sends the terminal-state notification.
func (o *Orchestrator) finish(op *lifecycle.Operation, res Result) Result {
	switch op.State() {
	case lifecycle.StateCompleted:
		o.Notifier.Send(o.notification(op, notify.Info, "Operation completed", "Operation "+op.ID()+" completed"))
	case lifecycle.StateRolledBack:
		o.Notifier.Send(o.notification(op, notify.Error, "Operation rolled back", o.failureMessage(op)))
	case lifecycle.StateCancelled:
		o.Notifier.Send(o.notification(op, notify.Warning, "Operation cancelled", "Operation "+op.ID()+" was cancelled: "+op.MetadataString(MetaCancelReason)))
	}
	return res
}

func (o *Orchestrator) failureMessage(op *lifecycle.Operation) string {
	if reason := op.MetadataString(MetaFailureReason); reason != "" {
		return fmt.Sprintf("Operation %s rolled back: %s", op.ID(), reason)
	}
	return "Operation " + op.ID() + " rolled back"
}

func (o *Orchestrator) notification(op *lifecycle.Operation, sev notify.Severity, title, message string) notify.Notification {
	service, typ := o.identity(op)
	return notify.Notification{
		Title:    title,
		Message:  message,
		Severity: sev,
		Metadata: map[string]any{
			"operation_id":   op.ID(),
			"service":        service,
			"operation_type": typ,
			"state":          string(op.State()),
		},
	}
}

func (o *Orchestrator) identity(op *lifecycle.Operation) (service, typ string) {
	return op.MetadataString(MetaService), op.MetadataString(MetaOperationType)
}

func (o *Orchestrator) task(op *lifecycle.Operation) executor.Task {
	service, typ := o.identity(op)
	return executor.Task{OperationID: op.ID(), Service: service, Type: typ, Metadata: op.Metadata()}
}

func (o *Orchestrator) result(op *lifecycle.Operation) Result {
	service, typ := o.identity(op)
	return Result{Operation: op.Snapshot(), Service: service, Type: typ}
}

func (o *Orchestrator) log(op *lifecycle.Operation) logrus.FieldLogger {
	service, _ := o.identity(op)
	return logging.ForOperation(o.Logger, op.ID(), service)
}
