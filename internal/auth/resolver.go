package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alecgard/tollgate/internal/cache"
)

// ErrInvalidKey means the key hash is unknown or the key was revoked.
var ErrInvalidKey = errors.New("invalid allowance key")

// KeyRecord is the durable row behind an allowance key hash.
type KeyRecord struct {
	AgentID   string
	RevokedAt *time.Time
}

// KeyLookup reads key records from the durable store. It returns (nil, nil)
// when no record exists.
type KeyLookup interface {
	LookupKey(ctx context.Context, keyHash string) (*KeyRecord, error)
}

// Resolver maps allowance key hashes to agent ids, caching positive results.
type Resolver struct {
	cache cache.Cache
	keys  cache.Keys
	store KeyLookup
	ttl   time.Duration
}

func NewResolver(c cache.Cache, keys cache.Keys, store KeyLookup, ttl time.Duration) *Resolver {
	return &Resolver{cache: c, keys: keys, store: store, ttl: ttl}
}

// Resolve returns the agent id for keyHash. Revoked and unknown keys yield
// ErrInvalidKey; cache and store failures are returned wrapped.
func (r *Resolver) Resolve(ctx context.Context, keyHash string) (string, error) {
	agentID, err := r.cache.Get(ctx, r.keys.KeyAgent(keyHash))
	if err == nil && agentID != "" {
		return agentID, nil
	}
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		return "", fmt.Errorf("reading key mapping: %w", err)
	}

	rec, err := r.store.LookupKey(ctx, keyHash)
	if err != nil {
		return "", fmt.Errorf("looking up key: %w", err)
	}
	if rec == nil || rec.RevokedAt != nil {
		return "", ErrInvalidKey
	}

	if err := r.cache.Set(ctx, r.keys.KeyAgent(keyHash), rec.AgentID, r.ttl); err != nil {
		// The lookup succeeded; the next request pays for the store hit again.
		slog.Warn("caching key mapping failed", "agent_id", rec.AgentID, "error", err)
	}
	return rec.AgentID, nil
}
