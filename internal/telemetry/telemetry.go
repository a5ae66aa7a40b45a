// Package telemetry abstracts the metrics backends the safety gates read from.
package telemetry

import (
	"context"
	"errors"
	"fmt"
)

// Kind names one observable signal about a service.
type Kind string

const (
	ErrorBudgetConsumedPct Kind = "error_budget_consumed_pct"
	ResourceUtilizationPct Kind = "resource_utilization_pct"
	IncidentRatePerHour    Kind = "incident_rate_per_hour"
	LastFailureUnix        Kind = "last_failure_unix"
	LastExecutionUnix      Kind = "last_execution_unix"
)

// Kinds lists every known kind.
var Kinds = []Kind{
	ErrorBudgetConsumedPct,
	ResourceUtilizationPct,
	IncidentRatePerHour,
	LastFailureUnix,
	LastExecutionUnix,
}

var (
	// ErrNoData means the backend answered but observed nothing for the query.
	ErrNoData = errors.New("telemetry: no data")
	// ErrUnavailable means the backend could not be asked at all.
	ErrUnavailable = errors.New("telemetry: source unavailable")
)

// Query selects one value. OperationType is only meaningful for per-type kinds.
type Query struct {
	Service       string
	Kind          Kind
	OperationType string
}

func (q Query) String() string {
	if q.OperationType == "" {
		return fmt.Sprintf("%s{service=%q}", q.Kind, q.Service)
	}
	return fmt.Sprintf("%s{service=%q,operation_type=%q}", q.Kind, q.Service, q.OperationType)
}

// Source answers telemetry queries.
type Source interface {
	Query(ctx context.Context, q Query) (float64, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, q Query) (float64, error)

func (f SourceFunc) Query(ctx context.Context, q Query) (float64, error) { return f(ctx, q) }

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown telemetry kind %q", s)
}
