package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeline/internal/audit"
	"safeline/internal/db"
	"safeline/internal/migrate"
)

func newLogger(t *testing.T) audit.Logger {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return audit.Logger{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
}

func seed(t *testing.T, l audit.Logger) {
	t.Helper()
	ctx := context.Background()
	entries := []audit.Entry{
		{Type: audit.TypeOperationCreated, OperationID: "op-1", Service: "checkout", ActorID: "orchestrator", Payload: audit.Payload{"operation_type": "restart"}},
		{Type: audit.TypeLockAcquired, OperationID: "op-1", Service: "checkout", ActorID: "orchestrator", Payload: audit.Payload{"resource": "service:checkout"}},
		{Type: audit.TypeTransition, OperationID: "op-1", Service: "checkout", ActorID: "orchestrator", Payload: audit.Payload{"from_state": "init", "to_state": "locked", "trigger": "lock_acquired"}},
		{Type: audit.TypeTransition, OperationID: "op-2", Service: "search", ActorID: "orchestrator", Payload: audit.Payload{"from_state": "init", "to_state": "failed", "trigger": "lock_unavailable"}},
	}
	for _, e := range entries {
		_, err := l.Record(ctx, e)
		require.NoError(t, err)
	}
}

func TestChainVerifies(t *testing.T) {
	l := newLogger(t)
	rep, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Valid)
	assert.Zero(t, rep.Checked)

	seed(t, l)
	rep, err = l.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Valid, rep.Reason)
	assert.Equal(t, 4, rep.Checked)
	assert.NotEmpty(t, rep.Head)

	events, err := l.Tail(context.Background(), audit.Filter{After: 0, Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 4)
	first := events[len(events)-1]
	assert.Equal(t, audit.Genesis, first.PrevHash)
	assert.Equal(t, events[len(events)-2].PrevHash, first.Hash)
}

func TestTamperingIsDetected(t *testing.T) {
	l := newLogger(t)
	seed(t, l)

	_, err := l.DB.Exec(`UPDATE events SET payload_json='{"from_state":"init","to_state":"completed","trigger":"lock_acquired"}' WHERE id=3`)
	require.NoError(t, err)
	rep, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Valid)
	assert.Equal(t, int64(3), rep.BrokenAt)
	assert.Equal(t, "hash mismatch", rep.Reason)
}

func TestDeletionIsDetected(t *testing.T) {
	l := newLogger(t)
	seed(t, l)

	_, err := l.DB.Exec(`DELETE FROM events WHERE id=2`)
	require.NoError(t, err)
	rep, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Valid)
	assert.Equal(t, int64(3), rep.BrokenAt)
}

func TestTailFilters(t *testing.T) {
	l := newLogger(t)
	seed(t, l)
	ctx := context.Background()

	events, err := l.Tail(ctx, audit.Filter{OperationID: "op-1"})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].ID)

	events, err = l.Tail(ctx, audit.Filter{Type: "operation."})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	events, err = l.Tail(ctx, audit.Filter{Type: audit.TypeLockAcquired})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"resource":"service:checkout"}`, events[0].Payload)

	events, err = l.Tail(ctx, audit.Filter{After: 2, Limit: 5})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].ID)

	events, err = l.Tail(ctx, audit.Filter{Before: 3, Limit: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].ID)

	_, err = l.Record(ctx, audit.Entry{})
	assert.Error(t, err)
}
