// Package lease provides Redis-backed job leases so that only one sweeper
// replica runs a given job at a time.
package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotHeld is returned when releasing or extending a lease that expired or
// was taken over by another holder.
var ErrNotHeld = errors.New("lease not held")

// Options configures the Redis connection.
type Options struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// Connect opens a Redis client from opts and verifies it with PING.
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	ro, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if opts.Password != "" {
		ro.Password = opts.Password
	}
	if opts.DB > 0 {
		ro.DB = opts.DB
	}
	if opts.MaxRetries > 0 {
		ro.MaxRetries = opts.MaxRetries
	}
	if opts.PoolSize > 0 {
		ro.PoolSize = opts.PoolSize
	}
	ro.DialTimeout = 5 * time.Second
	ro.ReadTimeout = 3 * time.Second
	ro.WriteTimeout = 3 * time.Second

	client := redis.NewClient(ro)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Locker hands out named leases.
type Locker struct {
	client *redis.Client
	prefix string
}

// NewLocker creates a Locker whose keys are namespaced by prefix.
func NewLocker(client *redis.Client, prefix string) *Locker {
	if prefix == "" {
		prefix = "gatekeeper:lease"
	}
	return &Locker{client: client, prefix: prefix}
}

// Lease is a held lease. It expires on its own after the TTL given to Acquire.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// compare-and-delete / compare-and-expire so a holder never touches a lease
// that has since been granted to someone else.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Acquire tries to take the lease called name for ttl. It returns false
// without error when another holder has it.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}
	key := fmt.Sprintf("%s:%s", l.prefix, name)

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{locker: l, key: key, token: token}, true, nil
}

// Release gives the lease up early.
func (le *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, le.locker.client, []string{le.key}, le.token).Int()
	if err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend pushes the lease expiry to ttl from now.
func (le *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, le.locker.client, []string{le.key}, le.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis extend failed: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate lease token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
