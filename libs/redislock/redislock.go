// Package redislock provides named distributed locks backed by Redis.
// A lock is held under a lease and released only by the holder that
// acquired it, so a crashed holder cannot block a key forever and a
// slow holder cannot release a lock someone else re-acquired.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "lock:"

// ErrNotAcquired is returned when the lock could not be taken within the
// caller's wait budget.
var ErrNotAcquired = errors.New("redislock: lock not acquired")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type Manager struct {
	client redis.UniversalClient
	prefix string
	// retryInterval bounds how hard waiters hammer Redis while blocked.
	retryInterval time.Duration
}

func NewManager(client redis.UniversalClient, prefix string) *Manager {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Manager{
		client:        client,
		prefix:        prefix,
		retryInterval: 50 * time.Millisecond,
	}
}

// Lock is a held lease on a single named key.
type Lock struct {
	manager *Manager
	key     string
	token   string
	lease   time.Duration
}

// Acquire takes the named lock, polling until it succeeds or wait elapses.
// The lease caps how long the lock survives if the holder never releases.
func (m *Manager) Acquire(ctx context.Context, name string, wait, lease time.Duration) (*Lock, error) {
	if lease <= 0 {
		return nil, fmt.Errorf("redislock: lease must be positive")
	}

	key := m.prefix + name
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := m.client.SetNX(ctx, key, token, lease).Result()
		if err != nil {
			return nil, fmt.Errorf("redislock: acquire %s: %w", name, err)
		}
		if ok {
			return &Lock{manager: m, key: key, token: token, lease: lease}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.retryInterval):
		}
	}
}

// Release drops the lock if this holder still owns it. Releasing a lock
// whose lease already expired is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	_, err := releaseScript.Run(ctx, l.manager.client, []string{l.key}, l.token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redislock: release %s: %w", l.key, err)
	}
	return nil
}

// Extend renews the lease for a holder whose work outlives the original
// lease. Returns false when the lock is no longer held by this token.
func (l *Lock) Extend(ctx context.Context, lease time.Duration) (bool, error) {
	if l == nil {
		return false, nil
	}
	res, err := extendScript.Run(ctx, l.manager.client, []string{l.key}, l.token, lease.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("redislock: extend %s: %w", l.key, err)
	}
	n, ok := res.(int64)
	return ok && n == 1, nil
}

// MultiLock holds a set of locks taken in a canonical order.
type MultiLock struct {
	locks []*Lock
}

// AcquireAll takes every named lock in sorted order so two callers locking
// overlapping sets cannot deadlock each other. On failure, already held
// locks are released before returning.
func (m *Manager) AcquireAll(ctx context.Context, names []string, wait, lease time.Duration) (*MultiLock, error) {
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)

	ml := &MultiLock{}
	for _, name := range sorted {
		lock, err := m.Acquire(ctx, name, wait, lease)
		if err != nil {
			ml.Release(ctx)
			return nil, err
		}
		ml.locks = append(ml.locks, lock)
	}
	return ml, nil
}

// Release drops held locks in reverse acquisition order.
func (ml *MultiLock) Release(ctx context.Context) {
	if ml == nil {
		return
	}
	for i := len(ml.locks) - 1; i >= 0; i-- {
		_ = ml.locks[i].Release(ctx)
	}
	ml.locks = nil
}
