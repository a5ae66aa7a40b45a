package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"text/template"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"
)

// DefaultPromQL holds the queries used when none are configured for a kind.
var DefaultPromQL = map[Kind]string{
	ErrorBudgetConsumedPct: `max(slo:error_budget_consumed:ratio{service="{{.Service}}"}) * 100`,
	ResourceUtilizationPct: `max(service:resource_utilization:ratio{service="{{.Service}}"}) * 100`,
	IncidentRatePerHour:    `sum(increase(incidents_total{service="{{.Service}}"}[1h]))`,
}

// Prometheus answers queries through the Prometheus HTTP API. Each kind maps to a
// PromQL template rendered with .Service and .OperationType.
type Prometheus struct {
	API     promv1.API
	Timeout time.Duration
	Logger  logrus.FieldLogger
	Now     func() time.Time

	queries map[Kind]*template.Template
}

// NewPrometheus builds a provider for the server at address. queries overrides
// DefaultPromQL per kind.
func NewPrometheus(address string, queries map[Kind]string) (*Prometheus, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}
	p := &Prometheus{
		API:     promv1.NewAPI(client),
		Timeout: 5 * time.Second,
		queries: make(map[Kind]*template.Template),
	}
	merged := make(map[Kind]string, len(DefaultPromQL)+len(queries))
	for k, q := range DefaultPromQL {
		merged[k] = q
	}
	for k, q := range queries {
		merged[k] = q
	}
	for k, q := range merged {
		tmpl, err := template.New(string(k)).Option("missingkey=error").Parse(q)
		if err != nil {
			return nil, fmt.Errorf("promql template %s: %w", k, err)
		}
		p.queries[k] = tmpl
	}
	return p, nil
}

// Render returns the PromQL for q.
func (p *Prometheus) Render(q Query) (string, error) {
	tmpl, ok := p.queries[q.Kind]
	if !ok {
		return "", fmt.Errorf("no promql configured for %s", q.Kind)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, q); err != nil {
		return "", fmt.Errorf("render %s: %w", q.Kind, err)
	}
	return buf.String(), nil
}

func (p *Prometheus) Query(ctx context.Context, q Query) (float64, error) {
	expr, err := p.Render(q)
	if err != nil {
		return 0, err
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	val, warnings, err := p.API.Query(ctx, expr, now)
	if err != nil {
		return 0, fmt.Errorf("%w: query %s: %v", ErrUnavailable, q, err)
	}
	if len(warnings) > 0 && p.Logger != nil {
		p.Logger.WithField("query", expr).Warnf("prometheus warnings: %v", warnings)
	}
	return sampleValue(val)
}

func sampleValue(val model.Value) (float64, error) {
	var f float64
	switch v := val.(type) {
	case model.Vector:
		if len(v) == 0 {
			return 0, ErrNoData
		}
		f = float64(v[0].Value)
	case *model.Scalar:
		f = float64(v.Value)
	case nil:
		return 0, ErrNoData
	default:
		return 0, fmt.Errorf("unexpected prometheus result type %s", val.Type())
	}
	if math.IsNaN(f) {
		return 0, ErrNoData
	}
	return f, nil
}
