package telemetry_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeline/internal/telemetry"
)

func TestStaticScopedValues(t *testing.T) {
	ctx := context.Background()
	s := telemetry.NewStatic()
	s.Set("api", telemetry.ErrorBudgetConsumedPct, 1.5)
	s.SetFor("api", telemetry.LastExecutionUnix, "restart", 100)

	v, err := s.Query(ctx, telemetry.Query{Service: "api", Kind: telemetry.ErrorBudgetConsumedPct, OperationType: "restart"})
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	v, err = s.Query(ctx, telemetry.Query{Service: "api", Kind: telemetry.LastExecutionUnix, OperationType: "restart"})
	require.NoError(t, err)
	assert.Equal(t, 100.0, v)

	_, err = s.Query(ctx, telemetry.Query{Service: "api", Kind: telemetry.LastExecutionUnix, OperationType: "rollback"})
	assert.ErrorIs(t, err, telemetry.ErrNoData)

	s.Clear("api")
	_, err = s.Query(ctx, telemetry.Query{Service: "api", Kind: telemetry.ErrorBudgetConsumedPct})
	assert.ErrorIs(t, err, telemetry.ErrNoData)
}

type fakeLog struct {
	at      time.Time
	found   bool
	err     error
	filters []telemetry.TransitionFilter
}

func (f *fakeLog) LastTransitionAt(_ context.Context, filter telemetry.TransitionFilter) (time.Time, bool, error) {
	f.filters = append(f.filters, filter)
	return f.at, f.found, f.err
}

func TestHistorySource(t *testing.T) {
	ctx := context.Background()
	at := time.Unix(1700000000, 0)
	log := &fakeLog{at: at, found: true}
	h := telemetry.NewHistory(log)

	v, err := h.Query(ctx, telemetry.Query{Service: "api", Kind: telemetry.LastFailureUnix, OperationType: "restart"})
	require.NoError(t, err)
	assert.Equal(t, float64(at.Unix()), v)

	_, err = h.Query(ctx, telemetry.Query{Service: "api", Kind: telemetry.LastExecutionUnix, OperationType: "restart"})
	require.NoError(t, err)
	assert.Equal(t, []telemetry.TransitionFilter{
		{Service: "api", ToState: "failed", Trigger: "execution_failed"},
		{Service: "api", OperationType: "restart", ToState: "in_progress"},
	}, log.filters)

	log.found = false
	_, err = h.Query(ctx, telemetry.Query{Service: "api", Kind: telemetry.LastFailureUnix})
	assert.ErrorIs(t, err, telemetry.ErrNoData)

	log.err = errors.New("disk gone")
	_, err = h.Query(ctx, telemetry.Query{Service: "api", Kind: telemetry.LastFailureUnix})
	assert.ErrorIs(t, err, telemetry.ErrUnavailable)

	_, err = h.Query(ctx, telemetry.Query{Service: "api", Kind: telemetry.ErrorBudgetConsumedPct})
	assert.Error(t, err)
}

func TestMuxRouting(t *testing.T) {
	ctx := context.Background()
	metrics := telemetry.NewStatic()
	metrics.Set("api", telemetry.ErrorBudgetConsumedPct, 0.4)
	timing := telemetry.SourceFunc(func(context.Context, telemetry.Query) (float64, error) { return 42, nil })

	m := (&telemetry.Mux{Default: metrics}).Route(timing, telemetry.LastFailureUnix, telemetry.LastExecutionUnix)

	v, err := m.Query(ctx, telemetry.Query{Service: "api", Kind: telemetry.LastFailureUnix})
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)
	v, err = m.Query(ctx, telemetry.Query{Service: "api", Kind: telemetry.ErrorBudgetConsumedPct})
	require.NoError(t, err)
	assert.Equal(t, 0.4, v)

	_, err = (&telemetry.Mux{}).Query(ctx, telemetry.Query{Service: "api", Kind: telemetry.IncidentRatePerHour})
	assert.ErrorIs(t, err, telemetry.ErrUnavailable)
}

func promServer(t *testing.T, body string, seen *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/query" {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(raw))
		q := form.Get("query")
		if q == "" {
			q = r.URL.Query().Get("query")
		}
		if seen != nil {
			*seen = q
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPrometheusVector(t *testing.T) {
	var seen string
	srv := promServer(t, `{"status":"success","data":{"resultType":"vector","result":[{"metric":{"service":"api"},"value":[1700000000,"1.25"]}]}}`, &seen)
	p, err := telemetry.NewPrometheus(srv.URL, map[telemetry.Kind]string{
		telemetry.ErrorBudgetConsumedPct: `budget{service="{{.Service}}",type="{{.OperationType}}"}`,
	})
	require.NoError(t, err)

	v, err := p.Query(context.Background(), telemetry.Query{Service: "api", Kind: telemetry.ErrorBudgetConsumedPct, OperationType: "restart"})
	require.NoError(t, err)
	assert.Equal(t, 1.25, v)
	assert.Equal(t, `budget{service="api",type="restart"}`, seen)
}

func TestPrometheusEmptyVectorIsNoData(t *testing.T) {
	srv := promServer(t, `{"status":"success","data":{"resultType":"vector","result":[]}}`, nil)
	p, err := telemetry.NewPrometheus(srv.URL, nil)
	require.NoError(t, err)

	_, err = p.Query(context.Background(), telemetry.Query{Service: "api", Kind: telemetry.IncidentRatePerHour})
	assert.ErrorIs(t, err, telemetry.ErrNoData)
}

func TestPrometheusUnreachable(t *testing.T) {
	srv := promServer(t, `{}`, nil)
	addr := srv.URL
	srv.Close()

	p, err := telemetry.NewPrometheus(addr, nil)
	require.NoError(t, err)
	p.Timeout = time.Second
	_, err = p.Query(context.Background(), telemetry.Query{Service: "api", Kind: telemetry.ResourceUtilizationPct})
	assert.ErrorIs(t, err, telemetry.ErrUnavailable)
}

func TestPrometheusRender(t *testing.T) {
	p, err := telemetry.NewPrometheus("http://localhost:9090", nil)
	require.NoError(t, err)
	q, err := p.Render(telemetry.Query{Service: "checkout", Kind: telemetry.ErrorBudgetConsumedPct})
	require.NoError(t, err)
	assert.True(t, strings.Contains(q, `service="checkout"`), q)

	_, err = p.Render(telemetry.Query{Service: "checkout", Kind: telemetry.LastFailureUnix})
	assert.Error(t, err)

	_, err = telemetry.NewPrometheus("http://localhost:9090", map[telemetry.Kind]string{telemetry.IncidentRatePerHour: "{{.Broken"})
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	k, err := telemetry.ParseKind("incident_rate_per_hour")
	require.NoError(t, err)
	assert.Equal(t, telemetry.IncidentRatePerHour, k)
	_, err = telemetry.ParseKind("latency")
	assert.Error(t, err)
}
