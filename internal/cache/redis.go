package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// decrByFloorScript refuses a decrement that would cross the floor.
// KEYS[1] = counter, ARGV[1] = amount, ARGV[2] = floor.
// Returns {status, value}: 1 applied, 0 refused, -1 missing key.
var decrByFloorScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
  return {-1, 0}
end
cur = tonumber(cur)
local amount = tonumber(ARGV[1])
if cur - amount < tonumber(ARGV[2]) then
  return {0, cur}
end
return {1, redis.call("DECRBY", KEYS[1], amount)}
`)

// adjustClampedScript adds a delta and raises the result back to the floor.
// KEYS[1] = counter, ARGV[1] = delta, ARGV[2] = floor.
// Returns {status, value}: 1 clamped, 0 applied as is, -1 missing key.
var adjustClampedScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {-1, 0}
end
local v = redis.call("INCRBY", KEYS[1], ARGV[1])
local floor = tonumber(ARGV[2])
if v < floor then
  redis.call("INCRBY", KEYS[1], floor - v)
  return {1, floor}
end
return {0, v}
`)

// incrWithTTLScript increments and refreshes the TTL atomically.
// KEYS[1] = counter, ARGV[1] = ttl in milliseconds, 0 for none.
var incrWithTTLScript = redis.NewScript(`
local v = redis.call("INCR", KEYS[1])
local ttl = tonumber(ARGV[1])
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
else
  redis.call("PERSIST", KEYS[1])
end
return v
`)

// Redis is the production Cache over go-redis. Every command runs under the
// injected RetryPolicy.
type Redis struct {
	client redis.Cmdable
	policy RetryPolicy
}

var _ Cache = (*Redis)(nil)

// NewRedis wraps a connected client.
func NewRedis(client redis.Cmdable, policy RetryPolicy) *Redis {
	return &Redis{client: client, policy: policy}
}

// Dial opens a client and pings it. The client's own retries are disabled so
// the RetryPolicy is the only retry loop.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       addr,
		Password:   password,
		DB:         db,
		MaxRetries: -1,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", addr, err)
	}
	return client, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := r.policy.do(ctx, "get", func(ctx context.Context) error {
		var err error
		val, err = r.client.Get(ctx, key).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return val, err
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.policy.do(ctx, "set", func(ctx context.Context) error {
		return r.client.Set(ctx, key, value, ttl).Err()
	})
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := r.policy.do(ctx, "setnx", func(ctx context.Context) error {
		var err error
		ok, err = r.client.SetNX(ctx, key, value, ttl).Result()
		return err
	})
	return ok, err
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.policy.do(ctx, "del", func(ctx context.Context) error {
		return r.client.Del(ctx, keys...).Err()
	})
}

// Expire sets key's TTL. A ttl <= 0 removes the expiry; PEXPIRE itself
// would delete the key.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return r.policy.do(ctx, "persist", func(ctx context.Context) error {
			return r.client.Persist(ctx, key).Err()
		})
	}
	return r.policy.do(ctx, "expire", func(ctx context.Context) error {
		return r.client.PExpire(ctx, key, ttl).Err()
	})
}

func (r *Redis) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var n int64
	err := r.policy.doOnce(ctx, "incr", func(ctx context.Context) error {
		var err error
		n, err = incrWithTTLScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64()
		return err
	})
	return n, err
}

func (r *Redis) DecrByFloor(ctx context.Context, key string, amount, floor int64) (int64, bool, error) {
	status, val, err := r.runPair(ctx, "decr_floor", decrByFloorScript, key, amount, floor)
	if err != nil {
		return 0, false, err
	}
	switch status {
	case 1:
		return val, true, nil
	case 0:
		return val, false, nil
	default:
		return 0, false, ErrMiss
	}
}

func (r *Redis) AdjustClamped(ctx context.Context, key string, delta, floor int64) (int64, bool, error) {
	status, val, err := r.runPair(ctx, "adjust_clamped", adjustClampedScript, key, delta, floor)
	if err != nil {
		return 0, false, err
	}
	if status < 0 {
		return 0, false, ErrMiss
	}
	return val, status == 1, nil
}

func (r *Redis) runPair(ctx context.Context, op string, script *redis.Script, key string, args ...any) (int64, int64, error) {
	var res []any
	err := r.policy.doOnce(ctx, op, func(ctx context.Context) error {
		var err error
		res, err = script.Run(ctx, r.client, []string{key}, args...).Slice()
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("%s: unexpected script reply %v", op, res)
	}
	status, ok1 := res[0].(int64)
	val, ok2 := res[1].(int64)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("%s: unexpected script reply %v", op, res)
	}
	return status, val, nil
}

func (r *Redis) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.policy.do(ctx, "zadd", func(ctx context.Context) error {
		return r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

func (r *Redis) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return r.policy.do(ctx, "zremrangebyscore", func(ctx context.Context) error {
		return r.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err()
	})
}

func (r *Redis) ZMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := r.policy.do(ctx, "zrange", func(ctx context.Context) error {
		var err error
		members, err = r.client.ZRange(ctx, key, 0, -1).Result()
		return err
	})
	return members, err
}

func (r *Redis) ZRem(ctx context.Context, key, member string) error {
	return r.policy.do(ctx, "zrem", func(ctx context.Context) error {
		return r.client.ZRem(ctx, key, member).Err()
	})
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
