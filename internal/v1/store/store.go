// Package store implements the Distributed State Layer: the abstract
// keyed-store contract (get/set/delete on strings and hashes, atomic
// set operations, scripted multi-key transactions, expiry) backed by
// Redis, with the same circuit-breaker discipline as the bus and SFU
// clients.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/lumenrelay/signalcore/internal/v1/logging"
	"github.com/lumenrelay/signalcore/internal/v1/metrics"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Client wraps a Redis connection with breaker-guarded atomic operations
// for room/participant state.
type Client struct {
	rdb *redis.Client
	cb  *gobreaker.CircuitBreaker
}

// NewClient dials addr and verifies connectivity before returning.
func NewClient(addr, password string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "store",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("store").Set(stateVal)
		},
	}

	return &Client{rdb: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

// NewClientFromRedis wraps an already-constructed *redis.Client, used in
// tests wired against miniredis.
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb: rdb,
		cb:  gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "store-test"}),
	}
}

// Close releases the underlying Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// exec runs one Redis operation through the circuit breaker, recording its
// duration and outcome.
func (c *Client) exec(op string, fn func() (interface{}, error)) (interface{}, error) {
	start := time.Now()
	res, err := c.cb.Execute(fn)
	metrics.RedisOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	status := "ok"
	if err != nil && !errors.Is(err, redis.Nil) {
		status = "error"
	}
	metrics.RedisOperationsTotal.WithLabelValues(op, status).Inc()
	return res, err
}

func (c *Client) wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		metrics.CircuitBreakerFailures.WithLabelValues("store").Inc()
		return fmt.Errorf("store: %s: circuit open: %w", op, err)
	}
	return fmt.Errorf("store: %s: %w", op, err)
}

// Get returns the string value at key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	res, err := c.exec("get", func() (interface{}, error) {
		return c.rdb.Get(ctx, key).Result()
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", c.wrapErr("get", err)
	}
	return res.(string), nil
}

// Set writes key to value with an optional TTL (zero disables expiry).
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := c.exec("set", func() (interface{}, error) {
		return nil, c.rdb.Set(ctx, key, value, ttl).Err()
	})
	return c.wrapErr("set", err)
}

// Delete removes one or more keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	_, err := c.exec("delete", func() (interface{}, error) {
		return nil, c.rdb.Del(ctx, keys...).Err()
	})
	return c.wrapErr("delete", err)
}

// Expire sets a TTL on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := c.exec("expire", func() (interface{}, error) {
		return nil, c.rdb.Expire(ctx, key, ttl).Err()
	})
	return c.wrapErr("expire", err)
}

// HGetAll returns every field/value pair in the hash at key.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := c.exec("hgetall", func() (interface{}, error) {
		return c.rdb.HGetAll(ctx, key).Result()
	})
	if err != nil {
		return nil, c.wrapErr("hgetall", err)
	}
	return res.(map[string]string), nil
}

// HSet writes field/value pairs into the hash at key.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]string) error {
	values := make([]string, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	_, err := c.exec("hset", func() (interface{}, error) {
		return nil, c.rdb.HSet(ctx, key, values).Err()
	})
	return c.wrapErr("hset", err)
}

// SetAdd adds member to the set at key. Used for ban lists and waiting/
// participant membership tracking outside of a scripted transaction.
func (c *Client) SetAdd(ctx context.Context, key, member string) error {
	_, err := c.exec("sadd", func() (interface{}, error) {
		return nil, c.rdb.SAdd(ctx, key, member).Err()
	})
	return c.wrapErr("sadd", err)
}

// SetRemove removes member from the set at key.
func (c *Client) SetRemove(ctx context.Context, key, member string) error {
	_, err := c.exec("srem", func() (interface{}, error) {
		return nil, c.rdb.SRem(ctx, key, member).Err()
	})
	return c.wrapErr("srem", err)
}

// IsMember reports whether member belongs to the set at key, in O(1).
func (c *Client) IsMember(ctx context.Context, key, member string) (bool, error) {
	res, err := c.exec("sismember", func() (interface{}, error) {
		return c.rdb.SIsMember(ctx, key, member).Result()
	})
	if err != nil {
		return false, c.wrapErr("sismember", err)
	}
	return res.(bool), nil
}

// Members returns every member of the set at key.
func (c *Client) Members(ctx context.Context, key string) ([]string, error) {
	res, err := c.exec("smembers", func() (interface{}, error) {
		return c.rdb.SMembers(ctx, key).Result()
	})
	if err != nil {
		return nil, c.wrapErr("smembers", err)
	}
	return res.([]string), nil
}

// admitScript atomically moves a participant from the waiting set to the
// participants set and writes its state hash, so no observer can ever see
// the participant in both sets or in neither. KEYS: [participantsKey,
// waitingKey, hashKey]. ARGV: [participantID, field1, value1, field2,
// value2, ...].
var admitScript = redis.NewScript(`
local participantsKey = KEYS[1]
local waitingKey = KEYS[2]
local hashKey = KEYS[3]
local participantID = ARGV[1]

redis.call('SREM', waitingKey, participantID)
redis.call('SADD', participantsKey, participantID)

if #ARGV > 1 then
	redis.call('HSET', hashKey, unpack(ARGV, 2))
end

return 1
`)

// AdmitParticipant runs the admission transaction: remove participantID
// from the waiting set, add it to the participants set, and persist its
// state hash, all in one Lua script so no interleaving can be observed.
func (c *Client) AdmitParticipant(ctx context.Context, participantsKey, waitingKey, hashKey, participantID string, fields map[string]string) error {
	argv := make([]interface{}, 0, 1+len(fields)*2)
	argv = append(argv, participantID)
	for k, v := range fields {
		argv = append(argv, k, v)
	}

	_, err := c.exec("admit_participant", func() (interface{}, error) {
		return admitScript.Run(ctx, c.rdb, []string{participantsKey, waitingKey, hashKey}, argv...).Result()
	})
	if err != nil {
		logging.Warn(ctx, "admit participant transaction failed", zap.String("participant_id", participantID), zap.Error(err))
	}
	return c.wrapErr("admit_participant", err)
}

// removeScript atomically removes a participant from both the participants
// and waiting sets and deletes its state hash. KEYS: [participantsKey,
// waitingKey, hashKey]. ARGV: [participantID].
var removeScript = redis.NewScript(`
local participantsKey = KEYS[1]
local waitingKey = KEYS[2]
local hashKey = KEYS[3]
local participantID = ARGV[1]

redis.call('SREM', participantsKey, participantID)
redis.call('SREM', waitingKey, participantID)
redis.call('DEL', hashKey)

return 1
`)

// RemoveParticipant runs the removal transaction covering both sets and the
// participant's hash, used on leave, kick, and ban.
func (c *Client) RemoveParticipant(ctx context.Context, participantsKey, waitingKey, hashKey, participantID string) error {
	_, err := c.exec("remove_participant", func() (interface{}, error) {
		return removeScript.Run(ctx, c.rdb, []string{participantsKey, waitingKey, hashKey}, participantID).Result()
	})
	return c.wrapErr("remove_participant", err)
}
