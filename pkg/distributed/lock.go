package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Unlock when the lock expired or was taken over.
var ErrNotHeld = errors.New("lock not held")

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Lock is a Redis lease owned by one holder at a time. While held it is
// renewed at half its TTL.
type Lock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration

	mu        sync.Mutex
	held      bool
	stopRenew chan struct{}
	renewDone chan struct{}
	lost      chan struct{}
}

func NewLock(client *redis.Client, key string, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Lock{
		client: client,
		key:    key,
		value:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Key returns the Redis key guarding the lock.
func (l *Lock) Key() string {
	return l.key
}

// TryLock attempts to take the lock without waiting.
func (l *Lock) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return true, nil
	}

	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !acquired {
		return false, nil
	}

	l.held = true
	l.stopRenew = make(chan struct{})
	l.renewDone = make(chan struct{})
	l.lost = make(chan struct{})
	go l.renew(l.stopRenew, l.renewDone, l.lost)
	return true, nil
}

// Lock waits until the lock is taken or ctx is done.
func (l *Lock) Lock(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Lost is closed when renewal finds the lock gone. It is nil before the
// lock is first taken.
func (l *Lock) Lost() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

// Unlock stops renewal and deletes the key if this holder still owns it.
func (l *Lock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return ErrNotHeld
	}
	l.held = false
	close(l.stopRenew)
	done := l.renewDone
	l.mu.Unlock()
	<-done

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (l *Lock) renew(stop <-chan struct{}, done chan<- struct{}, lost chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				// transient; the next tick retries while the key lives
				continue
			}
			if n == 0 {
				close(lost)
				return
			}
		}
	}
}

// IsLocked reports whether anyone holds the key.
func (l *Lock) IsLocked(ctx context.Context) (bool, error) {
	exists, err := l.client.Exists(ctx, l.key).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// LockManager hands out locks under a common key prefix.
type LockManager struct {
	client *redis.Client
	prefix string
}

func NewLockManager(client *redis.Client, prefix string) *LockManager {
	return &LockManager{
		client: client,
		prefix: prefix,
	}
}

func (lm *LockManager) NewLock(name string, ttl time.Duration) *Lock {
	return NewLock(lm.client, lm.prefix+name, ttl)
}
