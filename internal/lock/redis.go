package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis keeps leases as plain keys whose value is the owner.
type Redis struct {
	Client redis.UniversalClient
	Prefix string
	Now    func() time.Time
}

// RedisOptions configures NewRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedis dials nothing; the first command connects.
func NewRedis(opts RedisOptions) *Redis {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "safeline:lock:"
	}
	return &Redis{
		Client: redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}),
		Prefix: prefix,
		Now:    time.Now,
	}
}

func (r *Redis) key(resource string) string { return r.Prefix + resource }

func (r *Redis) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Redis) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := r.key(resource)
	ok, err := r.Client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return Lease{}, fmt.Errorf("redis lock %s: %w", resource, err)
	}
	if !ok {
		n, err := refreshScript.Run(ctx, r.Client, []string{key}, owner, ttl.Milliseconds()).Int()
		if err != nil {
			return Lease{}, fmt.Errorf("redis lock refresh %s: %w", resource, err)
		}
		if n == 0 {
			return Lease{}, ErrHeld
		}
	}
	return Lease{Resource: resource, Owner: owner, ExpiresAt: r.now().Add(ttl)}, nil
}

func (r *Redis) Release(ctx context.Context, l Lease) error {
	n, err := releaseScript.Run(ctx, r.Client, []string{r.key(l.Resource)}, l.Owner).Int()
	if err != nil {
		return fmt.Errorf("redis unlock %s: %w", l.Resource, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (r *Redis) Holder(ctx context.Context, resource string) (Lease, bool, error) {
	key := r.key(resource)
	owner, err := r.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}
	ttl, err := r.Client.PTTL(ctx, key).Result()
	if err != nil {
		return Lease{}, false, err
	}
	return Lease{Resource: resource, Owner: owner, ExpiresAt: r.now().Add(ttl)}, true, nil
}

// Close releases the client connection pool.
func (r *Redis) Close() error {
	return r.Client.Close()
}
