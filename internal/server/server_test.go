package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	neturl "net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeline/internal/app"
	"safeline/internal/config"
	"safeline/internal/db"
	"safeline/internal/domain"
	"safeline/internal/repo"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T, allowActorHeader bool) (*httptest.Server, *app.App) {
	t.Helper()
	cfg := config.Default()
	a, err := app.Open(context.Background(), t.TempDir(), cfg, app.Options{LogOutput: io.Discard})
	require.NoError(t, err)
	handler, err := New(Config{
		Orchestrator: a.Orchestrator,
		BasePath:     "/v0",
		Auth:         AuthConfig{JWTSecret: testSecret, AllowActorHeader: allowActorHeader, Logger: a.Logger},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return srv, a
}

func bearer(t *testing.T, actor string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actor, time.Hour, time.Now())
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func TestHealthAndSpecNeedNoAuth(t *testing.T) {
	srv, _ := newTestServer(t, false)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var spec map[string]any
	require.NoError(t, json.Unmarshal(body, &spec))
	schemes := spec["components"].(map[string]any)["securitySchemes"].(map[string]any)
	assert.Contains(t, schemes, "bearerAuth")
	assert.Contains(t, schemes, "apiKeyAuth")

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthentication(t *testing.T) {
	srv, a := newTestServer(t, false)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v0/operations", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, body).Error.Code)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v0/operations", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, body).Error.Code)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/operations", nil, map[string]string{"X-Actor-Id": "alice"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	r := repo.Repo{DB: a.DB}
	require.NoError(t, r.InsertAPIKey(context.Background(), domain.APIKey{
		ID: "key-1", ActorID: "ops-bot", KeyHash: repo.HashAPIKey("sk-test"), CreatedAt: db.FormatTime(time.Now()),
	}))
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v0/operations",
		RunOperationRequest{Service: "checkout", OperationType: "restart"}, map[string]string{"X-Api-Key": "sk-test"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var res OperationResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, "completed", res.State)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v0/operations/"+res.OperationID, nil, map[string]string{"X-Api-Key": "sk-test"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var op domain.Operation
	require.NoError(t, json.Unmarshal(body, &op))
	assert.Equal(t, "ops-bot", op.CreatedBy)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/operations", nil, map[string]string{"X-Api-Key": "sk-wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestActorHeaderWhenAllowed(t *testing.T) {
	srv, _ := newTestServer(t, true)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v0/operations", nil, map[string]string{"X-Actor-Id": "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func TestOperationLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, false)
	alice := bearer(t, "alice")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v0/operations", RunOperationRequest{
		OperationID:   "op-risky",
		Service:       "checkout",
		OperationType: "scale",
		Metadata:      map[string]any{"blast_radius_pct": 12.5},
	}, alice)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var res OperationResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, "paused_for_human_review", res.State)
	require.NotNil(t, res.Gates)
	assert.False(t, res.Gates.AllPassed)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v0/operations", RunOperationRequest{
		OperationID: "op-risky", Service: "checkout", OperationType: "scale",
	}, alice)
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(body))
	assert.Equal(t, "already_exists", decodeError(t, body).Error.Code)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v0/operations/op-risky/resume", ResumeRequest{ApprovalID: "APR-1"}, bearer(t, "bob"))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, "completed", res.State)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v0/operations/op-risky/cancel", ReasonRequest{Reason: "late"}, alice)
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(body))
	env := decodeError(t, body)
	assert.Equal(t, "invalid_transition", env.Error.Code)
	assert.Equal(t, "completed", env.Error.Details["from_state"])
	assert.Equal(t, "cancelled", env.Error.Details["to_state"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v0/operations/op-risky/history", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var history []domain.Transition
	require.NoError(t, json.Unmarshal(body, &history))
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, "completed", last.ToState)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v0/operations/op-risky", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var op domain.Operation
	require.NoError(t, json.Unmarshal(body, &op))
	assert.Equal(t, "completed", op.State)
	assert.Equal(t, "alice", op.CreatedBy)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v0/operations/missing", nil, alice)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, body).Error.Code)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v0/operations/missing/rollback", nil, alice)
	require.Equal(t, http.StatusNotFound, resp.StatusCode, string(body))

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v0/audit/verify", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var rep ChainReport
	require.NoError(t, json.Unmarshal(body, &rep))
	assert.True(t, rep.Valid)
	assert.Positive(t, rep.Checked)
}

func TestListOperationsPaginates(t *testing.T) {
	srv, _ := newTestServer(t, false)
	alice := bearer(t, "alice")
	for _, id := range []string{"op-1", "op-2", "op-3"} {
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/v0/operations",
			RunOperationRequest{OperationID: id, Service: "search-" + id, OperationType: "restart"}, alice)
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	}

	seen := map[string]bool{}
	url := srv.URL + "/v0/operations?limit=2&state=completed"
	for page := 0; page < 3; page++ {
		resp, body := doJSON(t, http.MethodGet, url, nil, alice)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		var out paginatedOperations
		require.NoError(t, json.Unmarshal(body, &out))
		for _, op := range out.Items {
			seen[op.ID] = true
		}
		if out.NextCursor == "" {
			break
		}
		url = srv.URL + "/v0/operations?limit=2&state=completed&cursor=" + neturl.QueryEscape(out.NextCursor)
	}
	assert.Len(t, seen, 3)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/v0/operations?cursor=broken", nil, alice)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGateCheckEventsAndEscalation(t *testing.T) {
	srv, _ := newTestServer(t, false)
	alice := bearer(t, "alice")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v0/gates/check", GateCheckRequest{
		Service: "checkout", OperationType: "scale", Metadata: map[string]any{"blast_radius_pct": 50},
	}, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out GateOutcome
	require.NoError(t, json.Unmarshal(body, &out))
	assert.False(t, out.AllPassed)
	require.NotEmpty(t, out.Results)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v0/operations", RunOperationRequest{
		OperationID: "op-held", Service: "checkout", OperationType: "scale", Metadata: map[string]any{"blast_radius_pct": 50},
	}, alice)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v0/escalations?older_than=0s", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var esc EscalationResponse
	require.NoError(t, json.Unmarshal(body, &esc))
	assert.Equal(t, []string{"op-held"}, esc.Escalated)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v0/escalations?older_than=soon", nil, alice)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v0/events?operation_id=op-held&type=operation.&limit=1", nil, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var events paginatedEvents
	require.NoError(t, json.Unmarshal(body, &events))
	require.Len(t, events.Items, 1)
	assert.Equal(t, "operation.escalated", events.Items[0].Type)
	assert.NotEmpty(t, events.NextCursor)
}

func TestEscalatorTicks(t *testing.T) {
	calls := make(chan time.Duration, 4)
	e := NewEscalator(func(_ context.Context, d time.Duration) ([]string, error) {
		calls <- d
		return nil, nil
	}, time.Hour, 10*time.Millisecond, nil)
	require.NotNil(t, e)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	select {
	case d := <-calls:
		assert.Equal(t, time.Hour, d)
	case <-time.After(2 * time.Second):
		t.Fatal("escalator never ran")
	}
	cancel()
	<-done

	assert.Nil(t, NewEscalator(nil, time.Hour, time.Minute, nil))
	assert.Nil(t, NewEscalator(func(context.Context, time.Duration) ([]string, error) { return nil, nil }, 0, time.Minute, nil))
}
