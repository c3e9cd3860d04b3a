package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lumenrelay/signalcore/internal/v1/metrics"
)

// ErrLockHeld is returned by AcquireLock when another holder currently owns
// the lock.
var ErrLockHeld = errors.New("store: lock held by another owner")

// ErrLockLost is returned by Release/Extend when the caller's fencing token
// no longer matches the stored token, meaning the lease expired and a new
// holder has since taken the lock. The caller must treat its in-flight
// critical section as failed and re-read state before retrying.
var ErrLockLost = errors.New("store: lock lease lost")

// Lock is a held keyed mutex with a lease and a monotonically increasing
// fencing token, per the room-lock discipline: every acquisition must
// complete its critical section or release before lease expiry.
type Lock struct {
	Key   string
	Token string
}

// acquireScript sets the lock key to a fresh token with a lease, but only if
// the key is unset or already expired. KEYS: [lockKey, fenceCounterKey].
// ARGV: [leaseMillis, nonce].
var acquireScript = redis.NewScript(`
local lockKey = KEYS[1]
local fenceCounterKey = KEYS[2]
local leaseMillis = tonumber(ARGV[1])

if redis.call('EXISTS', lockKey) == 1 then
	return nil
end

local fence = redis.call('INCR', fenceCounterKey)
local token = tostring(fence) .. ':' .. ARGV[2]
redis.call('SET', lockKey, token, 'PX', leaseMillis)
return token
`)

// releaseScript deletes the lock only if it is still held by the given
// token, preventing a lease-expired holder from clobbering a newer lock.
// KEYS: [lockKey]. ARGV: [token].
var releaseScript = redis.NewScript(`
local lockKey = KEYS[1]
local token = ARGV[1]

local current = redis.call('GET', lockKey)
if current == token then
	redis.call('DEL', lockKey)
	return 1
end
return 0
`)

// extendScript refreshes the lease on a lock still held by the given token.
// KEYS: [lockKey]. ARGV: [token, leaseMillis].
var extendScript = redis.NewScript(`
local lockKey = KEYS[1]
local token = ARGV[1]
local leaseMillis = tonumber(ARGV[2])

local current = redis.call('GET', lockKey)
if current == token then
	redis.call('PEXPIRE', lockKey, leaseMillis)
	return 1
end
return 0
`)

// AcquireLock attempts to take the keyed mutex at key with the given lease.
// On success it returns a Lock carrying a fencing token that strictly
// increases across acquisitions of the same key, so a stale holder's writes
// can be detected and rejected downstream. Returns ErrLockHeld if another
// holder currently owns the lock.
func (c *Client) AcquireLock(ctx context.Context, key string, lease time.Duration) (*Lock, error) {
	nonce := uuid.New().String()
	fenceCounterKey := key + ":fence"

	res, err := c.exec("acquire_lock", func() (interface{}, error) {
		return acquireScript.Run(ctx, c.rdb, []string{key, fenceCounterKey}, lease.Milliseconds(), nonce).Result()
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrLockHeld
		}
		return nil, c.wrapErr("acquire_lock", err)
	}

	token, ok := res.(string)
	if !ok {
		return nil, ErrLockHeld
	}

	return &Lock{Key: key, Token: token}, nil
}

// Release drops the lock if it is still held by l's token. Returns
// ErrLockLost if the lease already expired and a different holder (or no
// holder) now owns the key; the caller's critical section must be treated
// as not having completed under exclusive ownership.
func (c *Client) Release(ctx context.Context, l *Lock) error {
	res, err := c.exec("release_lock", func() (interface{}, error) {
		return releaseScript.Run(ctx, c.rdb, []string{l.Key}, l.Token).Result()
	})
	if err != nil {
		return c.wrapErr("release_lock", err)
	}
	if res.(int64) == 0 {
		metrics.StoreLockContention.WithLabelValues(l.Key, "release_lost").Inc()
		return ErrLockLost
	}
	return nil
}

// Extend refreshes l's lease for another lease duration. Callers holding a
// lock across a longer-than-expected critical section should call this
// before the original lease expires; it fails with ErrLockLost if it is
// already too late.
func (c *Client) Extend(ctx context.Context, l *Lock, lease time.Duration) error {
	res, err := c.exec("extend_lock", func() (interface{}, error) {
		return extendScript.Run(ctx, c.rdb, []string{l.Key}, l.Token, lease.Milliseconds()).Result()
	})
	if err != nil {
		return c.wrapErr("extend_lock", err)
	}
	if res.(int64) == 0 {
		metrics.StoreLockContention.WithLabelValues(l.Key, "extend_lost").Inc()
		return ErrLockLost
	}
	return nil
}

// WithLock acquires the lock at key, runs fn, and releases it, retrying
// acquisition a bounded number of times with a short backoff if the lock is
// currently held. Returns the last acquisition error if the budget is
// exhausted.
func (c *Client) WithLock(ctx context.Context, key string, lease time.Duration, fn func(ctx context.Context, l *Lock) error) error {
	var lastErr error
	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		l, err := c.AcquireLock(ctx, key, lease)
		if err == nil {
			metrics.StoreLockContention.WithLabelValues(key, "acquired").Inc()
			defer func() { _ = c.Release(ctx, l) }()
			return fn(ctx, l)
		}
		if !errors.Is(err, ErrLockHeld) {
			return err
		}
		lastErr = err
		metrics.StoreLockContention.WithLabelValues(key, "contended").Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("store: lock %q unavailable after retries: %w", key, lastErr)
}
