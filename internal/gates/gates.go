// Package gates evaluates the safety pre-conditions an operation must satisfy
// before it may leave safety_check.
package gates

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// GateType names one safety gate.
type GateType string

const (
	ErrorBudget      GateType = "error_budget"
	BlastRadius      GateType = "blast_radius"
	RecentFailures   GateType = "recent_failures"
	Cooldown         GateType = "cooldown"
	ResourceCapacity GateType = "resource_capacity"
	IncidentRate     GateType = "incident_rate"
)

// DefaultTypes is the registry order used when none is configured.
var DefaultTypes = []GateType{ErrorBudget, BlastRadius, RecentFailures, Cooldown}

// OptionalTypes are appended after the defaults, in this order, when enabled.
var OptionalTypes = []GateType{ResourceCapacity, IncidentRate}

var (
	// ErrEvaluation marks a gate that could not reach a verdict. It is never a failed gate.
	ErrEvaluation = errors.New("gate evaluation error")
	// ErrInvalidConfig marks bad thresholds or registry contents.
	ErrInvalidConfig = errors.New("invalid gate configuration")
)

// ParseGateType validates a gate name.
func ParseGateType(s string) (GateType, error) {
	for _, t := range append(append([]GateType{}, DefaultTypes...), OptionalTypes...) {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown gate %q", ErrInvalidConfig, s)
}

// Result is the verdict of one gate for one evaluation.
type Result struct {
	Gate    GateType       `json:"gate_type"`
	Passed  bool           `json:"passed"`
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details,omitempty"`
}

// Outcome aggregates every gate of one evaluation in registry order.
type Outcome struct {
	AllPassed bool     `json:"all_passed"`
	Results   []Result `json:"results"`
}

// FirstFailure returns the earliest failing result in registry order.
func (o Outcome) FirstFailure() (Result, bool) {
	for _, r := range o.Results {
		if !r.Passed {
			return r, true
		}
	}
	return Result{}, false
}

// Failed lists the failing gate types in registry order.
func (o Outcome) Failed() []GateType {
	var out []GateType
	for _, r := range o.Results {
		if !r.Passed {
			out = append(out, r.Gate)
		}
	}
	return out
}

// Request is the input to a gate. Now is fixed once per evaluation so every gate
// sees the same instant.
type Request struct {
	Service       string
	OperationType string
	Metadata      map[string]any
	Now           time.Time
}

// Gate is one pluggable check. Implementations must not mutate shared state.
type Gate interface {
	Type() GateType
	Check(ctx context.Context, req Request) (Result, error)
}

func evalErr(gate GateType, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrEvaluation, gate, err)
}
