// Package lock provides the exclusive per-service lock an operation holds from
// locked until it reaches a terminal state.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrHeld means another owner holds an unexpired lease on the resource.
	ErrHeld = errors.New("lock held by another owner")
	// ErrNotHeld means the caller does not own a live lease on the resource.
	ErrNotHeld = errors.New("lock not held")
)

const (
	DefaultTTL      = 10 * time.Minute
	DefaultWait     = 30 * time.Second
	DefaultInterval = 500 * time.Millisecond
)

// Lease is a granted lock.
type Lease struct {
	Resource  string    `json:"resource"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Locker grants exclusive leases. Acquire by the current owner refreshes the TTL.
type Locker interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, l Lease) error
}

// Inspector is implemented by lockers that can report the current holder.
type Inspector interface {
	Holder(ctx context.Context, resource string) (Lease, bool, error)
}

// ServiceResource is the lock key for a service.
func ServiceResource(service string) string {
	return "service:" + service
}

// AcquireWait polls locker until the lease is granted, wait elapses or ctx ends.
// When wait elapses the last ErrHeld is returned.
func AcquireWait(ctx context.Context, locker Locker, resource, owner string, ttl, wait, interval time.Duration) (Lease, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	deadline := time.Now().Add(wait)
	for {
		lease, err := locker.Acquire(ctx, resource, owner, ttl)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrHeld) {
			return Lease{}, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Lease{}, fmt.Errorf("acquire %s after %s: %w", resource, wait, err)
		}
		t := time.NewTimer(min(interval, remaining))
		select {
		case <-ctx.Done():
			t.Stop()
			return Lease{}, ctx.Err()
		case <-t.C:
		}
	}
}
