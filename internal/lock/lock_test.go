package lock_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeline/internal/db"
	"safeline/internal/lock"
	"safeline/internal/migrate"
)

func newRedis(t *testing.T) (*lock.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	l := lock.NewRedis(lock.RedisOptions{Addr: mr.Addr()})
	t.Cleanup(func() { l.Close() })
	return l, mr
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newSQLite(t *testing.T) (lock.SQLite, *clock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return lock.SQLite{DB: conn, Now: c.Now}, c
}

// exercise runs the behaviour every backend must share. expire moves the backend past ttl.
func exercise(t *testing.T, l lock.Locker, expire func(time.Duration)) {
	ctx := context.Background()
	res := lock.ServiceResource("checkout")
	require.Equal(t, "service:checkout", res)

	lease, err := l.Acquire(ctx, res, "op-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "op-1", lease.Owner)

	_, err = l.Acquire(ctx, res, "op-2", time.Minute)
	require.ErrorIs(t, err, lock.ErrHeld)

	// owner re-acquire refreshes
	_, err = l.Acquire(ctx, res, "op-1", 2*time.Minute)
	require.NoError(t, err)
	expire(90 * time.Second)
	_, err = l.Acquire(ctx, res, "op-2", time.Minute)
	require.ErrorIs(t, err, lock.ErrHeld)

	if insp, ok := l.(lock.Inspector); ok {
		h, held, err := insp.Holder(ctx, res)
		require.NoError(t, err)
		require.True(t, held)
		assert.Equal(t, "op-1", h.Owner)
	}

	require.ErrorIs(t, l.Release(ctx, lock.Lease{Resource: res, Owner: "op-2"}), lock.ErrNotHeld)
	require.NoError(t, l.Release(ctx, lease))
	require.ErrorIs(t, l.Release(ctx, lease), lock.ErrNotHeld)

	other, err := l.Acquire(ctx, res, "op-2", time.Minute)
	require.NoError(t, err)

	// an expired lease can be taken over
	expire(2 * time.Minute)
	_, err = l.Acquire(ctx, res, "op-3", time.Minute)
	require.NoError(t, err)
	require.ErrorIs(t, l.Release(ctx, other), lock.ErrNotHeld)
}

func TestRedisLocker(t *testing.T) {
	l, mr := newRedis(t)
	exercise(t, l, mr.FastForward)
}

func TestSQLiteLocker(t *testing.T) {
	l, c := newSQLite(t)
	exercise(t, l, c.Advance)
}

func TestRedisKeyLayout(t *testing.T) {
	l, mr := newRedis(t)
	_, err := l.Acquire(context.Background(), "service:search", "op-9", time.Minute)
	require.NoError(t, err)
	v, err := mr.Get("safeline:lock:service:search")
	require.NoError(t, err)
	assert.Equal(t, "op-9", v)
	assert.Equal(t, time.Minute, mr.TTL("safeline:lock:service:search"))
}

func TestRedisUnavailable(t *testing.T) {
	l, mr := newRedis(t)
	mr.Close()
	_, err := l.Acquire(context.Background(), "service:x", "op", time.Minute)
	require.Error(t, err)
	assert.False(t, errors.Is(err, lock.ErrHeld))
}

func TestExclusiveAcrossConcurrentOwners(t *testing.T) {
	l, _ := newRedis(t)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := string(rune('a' + i))
			if _, err := l.Acquire(context.Background(), "service:pay", owner, time.Minute); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

type scripted struct {
	mu    sync.Mutex
	fails int
	calls int
	err   error
}

func (s *scripted) Acquire(_ context.Context, resource, owner string, ttl time.Duration) (lock.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return lock.Lease{}, s.err
	}
	if s.calls <= s.fails {
		return lock.Lease{}, lock.ErrHeld
	}
	return lock.Lease{Resource: resource, Owner: owner}, nil
}

func (s *scripted) Release(context.Context, lock.Lease) error { return nil }

func TestAcquireWait(t *testing.T) {
	ctx := context.Background()

	s := &scripted{fails: 2}
	lease, err := lock.AcquireWait(ctx, s, "service:a", "op", time.Minute, time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "op", lease.Owner)
	assert.Equal(t, 3, s.calls)

	s = &scripted{fails: 1 << 30}
	_, err = lock.AcquireWait(ctx, s, "service:a", "op", time.Minute, 20*time.Millisecond, 5*time.Millisecond)
	require.ErrorIs(t, err, lock.ErrHeld)

	boom := errors.New("redis down")
	s = &scripted{err: boom}
	_, err = lock.AcquireWait(ctx, s, "service:a", "op", time.Minute, time.Second, time.Millisecond)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, s.calls)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	s = &scripted{fails: 1 << 30}
	_, err = lock.AcquireWait(cctx, s, "service:a", "op", time.Minute, time.Minute, 10*time.Millisecond)
	require.ErrorIs(t, err, context.Canceled)
}
