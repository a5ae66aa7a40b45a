package safelinesdk_test

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeline/internal/app"
	"safeline/internal/config"
	"safeline/internal/server"
	safelinesdk "safeline/sdk/go"
)

func newClient(t *testing.T) *safelinesdk.Client {
	t.Helper()
	a, err := app.Open(context.Background(), t.TempDir(), config.Default(), app.Options{LogOutput: io.Discard})
	require.NoError(t, err)
	handler, err := server.New(server.Config{
		Orchestrator: a.Orchestrator,
		Auth:         server.AuthConfig{AllowActorHeader: true, Logger: a.Logger},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	c := safelinesdk.New(srv.URL)
	c.ActorID = "alice"
	return c
}

func TestClientReviewFlow(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	res, err := c.Run(ctx, safelinesdk.RunRequest{
		OperationID:   "op-sdk",
		Service:       "payments",
		OperationType: "failover",
		Metadata:      map[string]any{"blast_radius_pct": 40},
	})
	require.NoError(t, err)
	assert.Equal(t, "paused_for_human_review", res.State)

	page, err := c.ListOperations(ctx, safelinesdk.ListOptions{States: []string{"paused_for_human_review"}})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "op-sdk", page.Items[0].ID)

	ids, err := c.Escalate(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"op-sdk"}, ids)

	res, err = c.Rollback(ctx, "op-sdk")
	require.NoError(t, err)
	assert.Equal(t, "rolled_back", res.State)

	history, err := c.History(ctx, "op-sdk")
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, "rolled_back", history[len(history)-1].ToState)
	assert.Equal(t, "alice", history[len(history)-1].Actor)

	_, err = c.Resume(ctx, "op-sdk", "APR-9")
	var apiErr *safelinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 409, apiErr.StatusCode)
	assert.Equal(t, "invalid_transition", apiErr.Code)

	events, err := c.EventsPage(ctx, "op-sdk", 5, "")
	require.NoError(t, err)
	assert.Len(t, events.Items, 5)
	assert.NotEmpty(t, events.NextCursor)
}

func TestClientGatesAndNotFound(t *testing.T) {
	c := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := c.CheckGates(ctx, "payments", "restart", nil)
	require.NoError(t, err)
	assert.True(t, out.AllPassed)

	_, err = c.GetOperation(ctx, "nope")
	var apiErr *safelinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)
}
