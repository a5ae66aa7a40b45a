package gates

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"safeline/internal/telemetry"
)

// ceilingGate passes while an observed telemetry value stays at or under a limit.
// No data counts as healthy.
type ceilingGate struct {
	gate   GateType
	kind   telemetry.Kind
	limit  float64
	src    telemetry.Source
	label  string
	okText string
	noText string
}

func (g ceilingGate) Type() GateType { return g.gate }

func (g ceilingGate) Check(ctx context.Context, req Request) (Result, error) {
	v, err := g.src.Query(ctx, telemetry.Query{Service: req.Service, Kind: g.kind, OperationType: req.OperationType})
	if errors.Is(err, telemetry.ErrNoData) {
		return Result{
			Gate:    g.gate,
			Passed:  true,
			Reason:  fmt.Sprintf("no %s observed for %s", g.label, req.Service),
			Details: map[string]any{"max": g.limit},
		}, nil
	}
	if err != nil {
		return Result{}, evalErr(g.gate, err)
	}
	details := map[string]any{"current": v, "max": g.limit}
	if math.IsNaN(v) || v > g.limit {
		return Result{Gate: g.gate, Reason: fmt.Sprintf("%s: %g > %g", g.noText, v, g.limit), Details: details}, nil
	}
	return Result{Gate: g.gate, Passed: true, Reason: fmt.Sprintf("%s: %g <= %g", g.okText, v, g.limit), Details: details}, nil
}

// NewErrorBudgetGate fails once the consumed error budget exceeds maxPct.
func NewErrorBudgetGate(src telemetry.Source, maxPct float64) Gate {
	return ceilingGate{
		gate: ErrorBudget, kind: telemetry.ErrorBudgetConsumedPct, limit: maxPct, src: src,
		label: "error budget consumption", okText: "error budget OK (%)", noText: "error budget exceeded (%)",
	}
}

// NewResourceCapacityGate fails when utilization is above maxPct.
func NewResourceCapacityGate(src telemetry.Source, maxPct float64) Gate {
	return ceilingGate{
		gate: ResourceCapacity, kind: telemetry.ResourceUtilizationPct, limit: maxPct, src: src,
		label: "resource utilization", okText: "resource utilization OK (%)", noText: "resource utilization too high (%)",
	}
}

// NewIncidentRateGate fails when incidents per hour are above maxPerHour.
func NewIncidentRateGate(src telemetry.Source, maxPerHour float64) Gate {
	return ceilingGate{
		gate: IncidentRate, kind: telemetry.IncidentRatePerHour, limit: maxPerHour, src: src,
		label: "incidents", okText: "incident rate OK (/h)", noText: "incident rate too high (/h)",
	}
}

type blastRadiusGate struct {
	max float64
}

// NewBlastRadiusGate checks the operation's own blast-radius estimate from metadata.
func NewBlastRadiusGate(maxPct float64) Gate { return blastRadiusGate{max: maxPct} }

func (blastRadiusGate) Type() GateType { return BlastRadius }

func (g blastRadiusGate) Check(_ context.Context, req Request) (Result, error) {
	est := DefaultBlastRadiusPct
	if raw, ok := req.Metadata[MetaBlastRadiusPct]; ok && raw != nil {
		f, err := toFloat(raw)
		if err != nil {
			return Result{}, evalErr(BlastRadius, fmt.Errorf("metadata %s: %w", MetaBlastRadiusPct, err))
		}
		est = f
	}
	details := map[string]any{"estimated": est, "max": g.max}
	if math.IsNaN(est) || est > g.max {
		return Result{Gate: BlastRadius, Reason: fmt.Sprintf("blast radius too large: %g%% > %g%%", est, g.max), Details: details}, nil
	}
	return Result{Gate: BlastRadius, Passed: true, Reason: fmt.Sprintf("blast radius OK: %g%% <= %g%%", est, g.max), Details: details}, nil
}

// sinceGate passes when at least window has elapsed since a recorded event.
type sinceGate struct {
	gate   GateType
	kind   telemetry.Kind
	window time.Duration
	src    telemetry.Source
	inside string
	none   string
}

// NewRecentFailuresGate fails when the service failed within window.
func NewRecentFailuresGate(src telemetry.Source, window time.Duration) Gate {
	return sinceGate{
		gate: RecentFailures, kind: telemetry.LastFailureUnix, window: window, src: src,
		inside: "service failed", none: "no recent failures detected",
	}
}

// NewCooldownGate fails until cooldown has elapsed since the last execution of the
// same operation type on the service.
func NewCooldownGate(src telemetry.Source, cooldown time.Duration) Gate {
	return sinceGate{
		gate: Cooldown, kind: telemetry.LastExecutionUnix, window: cooldown, src: src,
		inside: "cooldown active, last run", none: "no previous run of this operation type",
	}
}

func (g sinceGate) Type() GateType { return g.gate }

func (g sinceGate) Check(ctx context.Context, req Request) (Result, error) {
	v, err := g.src.Query(ctx, telemetry.Query{Service: req.Service, Kind: g.kind, OperationType: req.OperationType})
	if errors.Is(err, telemetry.ErrNoData) {
		return Result{Gate: g.gate, Passed: true, Reason: g.none, Details: map[string]any{"window_seconds": g.window.Seconds()}}, nil
	}
	if err != nil {
		return Result{}, evalErr(g.gate, err)
	}
	last := time.Unix(int64(v), 0).UTC()
	elapsed := req.Now.Sub(last)
	details := map[string]any{
		"last_event":      last.Format(time.RFC3339),
		"elapsed_seconds": math.Max(0, elapsed.Seconds()),
		"window_seconds":  g.window.Seconds(),
	}
	if elapsed < g.window {
		return Result{
			Gate:    g.gate,
			Reason:  fmt.Sprintf("%s %s ago, window is %s", g.inside, elapsed.Truncate(time.Second), g.window),
			Details: details,
		}, nil
	}
	return Result{
		Gate:    g.gate,
		Passed:  true,
		Reason:  fmt.Sprintf("%s elapsed since last event (window %s)", elapsed.Truncate(time.Second), g.window),
		Details: details,
	}, nil
}
