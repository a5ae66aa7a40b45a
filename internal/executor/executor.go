// Package executor is the boundary to whatever actually changes production.
package executor

import (
	"context"
	"errors"
	"fmt"
)

// Task describes the work an operation performs.
type Task struct {
	OperationID string
	Service     string
	Type        string
	Metadata    map[string]any
}

// Report is what an executor says about a finished action.
type Report struct {
	Output string `json:"output,omitempty"`
	// Applied is false when the executor made no change at all.
	Applied bool `json:"applied"`
}

// Executor performs and undoes remediation actions.
type Executor interface {
	Execute(ctx context.Context, t Task) (Report, error)
	Rollback(ctx context.Context, t Task) (Report, error)
}

// ReviewRequired is returned by Execute when the executor found something a human
// must decide on. The operation pauses instead of failing.
type ReviewRequired struct {
	Reason string
}

func (e *ReviewRequired) Error() string {
	return fmt.Sprintf("human review required: %s", e.Reason)
}

// AsReviewRequired reports whether err asks for human review.
func AsReviewRequired(err error) (*ReviewRequired, bool) {
	var rr *ReviewRequired
	if errors.As(err, &rr) {
		return rr, true
	}
	return nil, false
}

// Noop succeeds without touching anything.
type Noop struct{}

func (Noop) Execute(context.Context, Task) (Report, error) {
	return Report{Output: "noop", Applied: true}, nil
}

func (Noop) Rollback(context.Context, Task) (Report, error) {
	return Report{Output: "noop rollback", Applied: true}, nil
}

// Func adapts plain functions, mostly for tests.
type Func struct {
	ExecuteFn  func(ctx context.Context, t Task) (Report, error)
	RollbackFn func(ctx context.Context, t Task) (Report, error)
}

func (f Func) Execute(ctx context.Context, t Task) (Report, error) {
	if f.ExecuteFn == nil {
		return Report{}, nil
	}
	return f.ExecuteFn(ctx, t)
}

func (f Func) Rollback(ctx context.Context, t Task) (Report, error) {
	if f.RollbackFn == nil {
		return Report{}, nil
	}
	return f.RollbackFn(ctx, t)
}
