// Package lock provides a Redis-backed mutual exclusion lease used to keep
// periodic jobs from running on more than one replica at a time.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var ErrNotConfigured = errors.New("lock: redis client not configured")

// Lease is a held lock. Release is a no-op if the lease already expired and
// another holder took the key.
type Lease struct {
	Key   string
	Token string
}

type Locker struct {
	client redis.Cmdable
	script *redis.Script
	prefix string
}

func NewLocker(client redis.Cmdable, prefix string) *Locker {
	return &Locker{
		client: client,
		script: redis.NewScript(releaseScript),
		prefix: prefix,
	}
}

// TryAcquire returns (nil, nil) when another holder owns the key.
func (l *Locker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrNotConfigured
	}
	if name == "" {
		return nil, errors.New("lock: name is empty")
	}
	if ttl <= 0 {
		return nil, errors.New("lock: ttl must be positive")
	}

	lease := &Lease{Key: l.prefix + name, Token: uuid.NewString()}
	ok, err := l.client.SetNX(ctx, lease.Key, lease.Token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return lease, nil
}

func (l *Locker) Release(ctx context.Context, lease *Lease) error {
	if l == nil || l.client == nil || lease == nil {
		return nil
	}
	err := l.script.Run(ctx, l.client, []string{lease.Key}, lease.Token).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Ping reports whether Redis is reachable.
func (l *Locker) Ping(ctx context.Context) error {
	if l == nil || l.client == nil {
		return ErrNotConfigured
	}
	return l.client.Ping(ctx).Err()
}

// NewClient parses a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}
