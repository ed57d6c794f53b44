// Package lock provides short-lived mutual exclusion keyed by string. Locks
// are held in Redis when configured so replicas share them, and in process
// otherwise.
package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const (
	keyPrefix       = "billingsync:lock:"
	defaultPollStep = 25 * time.Millisecond
)

var (
	ErrEmptyKey    = errors.New("lock_key_empty")
	ErrInvalidTTL  = errors.New("lock_ttl_invalid")
	ErrNotAcquired = errors.New("lock_not_acquired")
)

type Locker struct {
	client *redis.Client
	script *redis.Script

	mu    sync.Mutex
	local map[string]localLock

	pollStep time.Duration
	now      func() time.Time
}

type localLock struct {
	token   string
	expires time.Time
}

// NewLocker returns a Redis-backed locker, or an in-process one when client is nil.
func NewLocker(client *redis.Client) *Locker {
	l := &Locker{
		client:   client,
		local:    map[string]localLock{},
		pollStep: defaultPollStep,
		now:      time.Now,
	}
	if client != nil {
		l.script = redis.NewScript(lockReleaseScript)
	}
	return l
}

// Distributed reports whether locks are shared across processes.
func (l *Locker) Distributed() bool {
	return l != nil && l.client != nil
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, ErrEmptyKey
	}
	if ttl <= 0 {
		return "", false, ErrInvalidTTL
	}

	token := uuid.NewString()
	if l.client == nil {
		return token, l.tryLocal(key, token, ttl), nil
	}

	ok, err := l.client.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	key = strings.TrimSpace(key)
	if key == "" || token == "" {
		return nil
	}
	if l.client == nil {
		l.mu.Lock()
		if held, ok := l.local[key]; ok && held.token == token {
			delete(l.local, key)
		}
		l.mu.Unlock()
		return nil
	}
	return l.script.Run(ctx, l.client, []string{keyPrefix + key}, token).Err()
}

// WithLock polls until key is acquired or wait elapses, runs fn, then releases.
func (l *Locker) WithLock(ctx context.Context, key string, ttl, wait time.Duration, fn func(ctx context.Context) error) error {
	deadline := l.now().Add(wait)
	for {
		token, ok, err := l.TryLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			defer func() {
				// Release must run even when ctx was canceled inside fn.
				_ = l.Release(context.WithoutCancel(ctx), key, token)
			}()
			return fn(ctx)
		}
		if !l.now().Before(deadline) {
			return ErrNotAcquired
		}

		timer := time.NewTimer(l.pollStep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Locker) tryLocal(key, token string, ttl time.Duration) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.local[key]; ok && now.Before(held.expires) {
		return false
	}
	l.local[key] = localLock{token: token, expires: now.Add(ttl)}
	return true
}
