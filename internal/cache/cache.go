// Package cache is the shared key-value store every request coordinates
// through. Nothing else in the gateway keeps cross-request state in process.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMiss is returned by Get when the key does not exist, and by the
	// balance scripts when the balance key has expired.
	ErrMiss = errors.New("cache miss")

	// ErrUnavailable wraps the last error once the retry policy is exhausted.
	ErrUnavailable = errors.New("cache unavailable")
)

// Cache is the set of typed commands the gateway issues against the shared
// store. Integer values are stored as decimal strings.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// IncrWithTTL increments key and (re)sets its TTL in one step. As with
	// Set and Expire, a ttl <= 0 leaves the key without expiry.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// DecrByFloor subtracts amount from key unless the result would fall
	// below floor. It reports the resulting value, or the unchanged value
	// when refused. The key's TTL is preserved.
	DecrByFloor(ctx context.Context, key string, amount, floor int64) (value int64, ok bool, err error)

	// AdjustClamped adds delta to key and clamps the result at floor,
	// reporting whether the clamp applied. The key's TTL is preserved.
	AdjustClamped(ctx context.Context, key string, delta, floor int64) (value int64, clamped bool, err error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZMembers(ctx context.Context, key string) ([]string, error)
	ZRem(ctx context.Context, key, member string) error
}
