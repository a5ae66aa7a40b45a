package gates

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"safeline/internal/telemetry"
)

// Registry is an ordered, duplicate-free set of gates.
type Registry struct {
	gates []Gate
}

// NewRegistry builds the built-in gates named by types, in that order. A nil or
// empty types slice selects DefaultTypes.
func NewRegistry(types []GateType, th Thresholds, src telemetry.Source) (*Registry, error) {
	if len(types) == 0 {
		types = DefaultTypes
	}
	seen := make(map[GateType]bool, len(types))
	r := &Registry{}
	for _, t := range types {
		if seen[t] {
			return nil, fmt.Errorf("%w: duplicate gate %q", ErrInvalidConfig, t)
		}
		seen[t] = true
		g, err := builtin(t, th, src)
		if err != nil {
			return nil, err
		}
		r.gates = append(r.gates, g)
	}
	return r, nil
}

// NewRegistryOf wraps caller-supplied gates.
func NewRegistryOf(gates ...Gate) (*Registry, error) {
	seen := make(map[GateType]bool, len(gates))
	for _, g := range gates {
		if seen[g.Type()] {
			return nil, fmt.Errorf("%w: duplicate gate %q", ErrInvalidConfig, g.Type())
		}
		seen[g.Type()] = true
	}
	return &Registry{gates: append([]Gate(nil), gates...)}, nil
}

// Types returns gate types in evaluation order.
func (r *Registry) Types() []GateType {
	out := make([]GateType, len(r.gates))
	for i, g := range r.gates {
		out[i] = g.Type()
	}
	return out
}

// Len returns the number of registered gates.
func (r *Registry) Len() int { return len(r.gates) }

func builtin(t GateType, th Thresholds, src telemetry.Source) (Gate, error) {
	needsSource := t != BlastRadius
	if needsSource && src == nil {
		return nil, fmt.Errorf("%w: gate %q needs a telemetry source", ErrInvalidConfig, t)
	}
	switch t {
	case ErrorBudget:
		return NewErrorBudgetGate(src, th.ErrorBudgetPct), nil
	case BlastRadius:
		return NewBlastRadiusGate(th.MaxBlastRadiusPct), nil
	case RecentFailures:
		return NewRecentFailuresGate(src, th.RecentFailureWindow), nil
	case Cooldown:
		return NewCooldownGate(src, th.Cooldown), nil
	case ResourceCapacity:
		return NewResourceCapacityGate(src, th.MaxResourceUtilizationPct), nil
	case IncidentRate:
		return NewIncidentRateGate(src, th.MaxIncidentRatePerHour), nil
	default:
		return nil, fmt.Errorf("%w: unknown gate %q", ErrInvalidConfig, t)
	}
}

// Evaluator runs every registered gate for an operation. It caches nothing between calls.
type Evaluator struct {
	Now func() time.Time

	mu       sync.RWMutex
	registry *Registry
	types    []GateType
	th       Thresholds
	src      telemetry.Source
}

// NewEvaluator builds an evaluator over the built-in gates.
func NewEvaluator(types []GateType, th Thresholds, src telemetry.Source) (*Evaluator, error) {
	reg, err := NewRegistry(types, th, src)
	if err != nil {
		return nil, err
	}
	return &Evaluator{Now: time.Now, registry: reg, types: reg.Types(), th: th, src: src}, nil
}

// NewEvaluatorFor wraps an existing registry. SetThresholds is not supported on it.
func NewEvaluatorFor(reg *Registry) *Evaluator {
	return &Evaluator{Now: time.Now, registry: reg}
}

// SetThresholds swaps in new thresholds. Evaluations already running keep the old registry.
func (e *Evaluator) SetThresholds(th Thresholds) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.types == nil {
		return fmt.Errorf("%w: evaluator was built from a fixed registry", ErrInvalidConfig)
	}
	reg, err := NewRegistry(e.types, th, e.src)
	if err != nil {
		return err
	}
	e.registry = reg
	e.th = th
	return nil
}

// Thresholds returns the active thresholds.
func (e *Evaluator) Thresholds() Thresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.th
}

// Types returns the active gate order.
func (e *Evaluator) Types() []GateType {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry.Types()
}

// CheckAll runs every gate exactly once, concurrently, and returns the results in
// registry order. A failing gate never stops the others. Any gate that cannot reach a
// verdict makes the whole call fail with an error wrapping ErrEvaluation.
func (e *Evaluator) CheckAll(ctx context.Context, service, operationType string, metadata map[string]any) (Outcome, error) {
	e.mu.RLock()
	reg := e.registry
	e.mu.RUnlock()

	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}
	req := Request{Service: service, OperationType: operationType, Metadata: metadata, Now: now}

	results := make([]Result, len(reg.gates))
	g, gctx := errgroup.WithContext(ctx)
	for i, gate := range reg.gates {
		g.Go(func() error {
			res, err := gate.Check(gctx, req)
			if err != nil {
				if !errors.Is(err, ErrEvaluation) {
					err = evalErr(gate.Type(), err)
				}
				return err
			}
			res.Gate = gate.Type()
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Outcome{}, err
	}

	out := Outcome{AllPassed: true, Results: results}
	for _, r := range results {
		if !r.Passed {
			out.AllPassed = false
		}
	}
	return out, nil
}
