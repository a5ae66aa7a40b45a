package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeline/internal/db"
	"safeline/internal/domain"
	"safeline/internal/lifecycle"
	"safeline/internal/migrate"
	"safeline/internal/repo"
	"safeline/internal/telemetry"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func insert(t *testing.T, r repo.Repo, id, service, typ string) *lifecycle.Operation {
	t.Helper()
	ts := db.FormatTime(t0)
	require.NoError(t, r.InsertOperation(context.Background(), nil, domain.Operation{
		ID: id, Service: service, Type: typ, State: string(lifecycle.StateInit),
		Metadata: map[string]any{"service": service}, CreatedBy: "tester", CreatedAt: ts, UpdatedAt: ts,
	}))
	return lifecycle.NewOperation(id, map[string]any{"service": service})
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	op := insert(t, r, "op-1", "checkout", "restart")

	c := lifecycle.NewCoordinator()
	at := t0
	c.Now = func() time.Time { at = at.Add(time.Second); return at }
	require.True(t, c.Transition(op, lifecycle.StateLocked, "lock_acquired", "orchestrator"))
	require.NoError(t, r.SaveSnapshot(ctx, nil, op.Snapshot(), at))
	require.True(t, c.Transition(op, lifecycle.StateSafetyCheck, "safety_gates", "orchestrator"))
	require.True(t, c.PauseForReview(op, "unusual_metric_pattern", "orchestrator"))
	require.NoError(t, r.SaveSnapshot(ctx, nil, op.Snapshot(), at))
	// saving twice appends nothing new
	require.NoError(t, r.SaveSnapshot(ctx, nil, op.Snapshot(), at))

	snap, err := r.LoadSnapshot(ctx, "op-1")
	require.NoError(t, err)
	want := op.Snapshot()
	assert.Equal(t, want.State, snap.State)
	assert.Equal(t, want.History, snap.History)
	assert.Equal(t, "unusual_metric_pattern", snap.Metadata[lifecycle.MetaPauseReason])

	rows, err := r.ListTransitions(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, 3, rows[2].Seq)
	assert.Equal(t, "paused_for_human_review", rows[2].ToState)

	_, err = r.LoadSnapshot(ctx, "nope")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	err = r.SaveSnapshot(ctx, nil, lifecycle.Snapshot{ID: "nope", State: lifecycle.StateInit}, t0)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestSaveSnapshotRejectsStaleAggregate(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	op := insert(t, r, "op-1", "checkout", "restart")
	c := lifecycle.NewCoordinator()
	c.Now = func() time.Time { return t0 }

	require.True(t, c.Transition(op, lifecycle.StateLocked, "lock_acquired", "o"))
	require.True(t, c.Transition(op, lifecycle.StateSafetyCheck, "safety_gates", "o"))
	require.True(t, c.PauseForReview(op, "gates", "o"))
	require.NoError(t, r.SaveSnapshot(ctx, nil, op.Snapshot(), t0))
	stale := lifecycle.Restore(op.Snapshot())

	require.True(t, c.Transition(op, lifecycle.StateCancelled, "operator_cancelled", "dave"))
	require.NoError(t, r.SaveSnapshot(ctx, nil, op.Snapshot(), t0))

	// same history length, different outcome
	require.True(t, c.Transition(stale, lifecycle.StateRolledBack, "manual_rollback", "erin"))
	err := r.SaveSnapshot(ctx, nil, stale.Snapshot(), t0)
	require.ErrorIs(t, err, repo.ErrConflict)

	// behind the stored history
	behind := insert(t, r, "op-2", "checkout", "restart")
	require.True(t, c.Transition(behind, lifecycle.StateLocked, "lock_acquired", "o"))
	require.NoError(t, r.SaveSnapshot(ctx, nil, behind.Snapshot(), t0))
	fresh := lifecycle.NewOperation("op-2", nil)
	err = r.SaveSnapshot(ctx, nil, fresh.Snapshot(), t0)
	require.ErrorIs(t, err, repo.ErrConflict)

	snap, err := r.LoadSnapshot(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCancelled, snap.State)
	require.Len(t, snap.History, 4)
	assert.Equal(t, lifecycle.StateCancelled, snap.History[3].To)
}

func TestLastTransitionAtAndPaused(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	c := lifecycle.NewCoordinator()

	a := insert(t, r, "op-a", "checkout", "restart")
	c.Now = func() time.Time { return t0.Add(time.Minute) }
	c.Transition(a, lifecycle.StateLocked, "lock_acquired", "o")
	c.Transition(a, lifecycle.StateSafetyCheck, "safety_gates", "o")
	c.Transition(a, lifecycle.StateInProgress, "gates_passed", "o")
	c.Now = func() time.Time { return t0.Add(2 * time.Minute) }
	c.Transition(a, lifecycle.StateFailed, "execution_failed", "o")
	require.NoError(t, r.SaveSnapshot(ctx, nil, a.Snapshot(), t0))

	b := insert(t, r, "op-b", "checkout", "scale")
	c.Now = func() time.Time { return t0.Add(3 * time.Minute) }
	c.Transition(b, lifecycle.StateLocked, "lock_acquired", "o")
	c.Transition(b, lifecycle.StateSafetyCheck, "safety_gates", "o")
	c.PauseForReview(b, "gates", "o")
	require.NoError(t, r.SaveSnapshot(ctx, nil, b.Snapshot(), t0.Add(3*time.Minute)))

	at, ok, err := r.LastTransitionAt(ctx, telemetry.TransitionFilter{Service: "checkout", ToState: "failed", Trigger: "execution_failed"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.Add(2*time.Minute), at)

	at, ok, err = r.LastTransitionAt(ctx, telemetry.TransitionFilter{Service: "checkout", OperationType: "restart", ToState: "in_progress"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), at)

	_, ok, err = r.LastTransitionAt(ctx, telemetry.TransitionFilter{Service: "checkout", OperationType: "scale", ToState: "in_progress"})
	require.NoError(t, err)
	assert.False(t, ok)

	paused, err := r.PausedSince(ctx, t0.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, paused, 1)
	assert.Equal(t, "op-b", paused[0].ID)
	paused, err = r.PausedSince(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, paused)

	list, err := r.ListOperations(ctx, repo.OperationFilters{Service: "checkout", States: []string{"failed", "paused_for_human_review"}})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "op-b", list[0].ID)

	counts, err := r.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"failed": 1, "paused_for_human_review": 1}, counts)
}

func TestAPIKeys(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	require.NoError(t, r.InsertAPIKey(ctx, domain.APIKey{
		ID: "key-1", ActorID: "ops-engineer", Name: "laptop", KeyHash: repo.HashAPIKey("s3cret"), CreatedAt: db.FormatTime(t0),
	}))
	actor, err := r.ActorForAPIKey(ctx, " s3cret ")
	require.NoError(t, err)
	assert.Equal(t, "ops-engineer", actor)

	_, err = r.ActorForAPIKey(ctx, "wrong")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	keys, err := r.ListAPIKeys(ctx, "ops-engineer")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "laptop", keys[0].Name)

	require.NoError(t, r.DeleteAPIKey(ctx, "key-1"))
	assert.ErrorIs(t, r.DeleteAPIKey(ctx, "key-1"), repo.ErrNotFound)
	assert.Error(t, r.InsertAPIKey(ctx, domain.APIKey{ID: "k"}))
}
