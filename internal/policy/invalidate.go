package policy

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alecgard/tollgate/internal/cache"
)

// Reasons written into the frozen flag.
const (
	FrozenByAdmin     = "admin"
	FrozenByBreaker   = "circuit_breaker"
	FrozenByOverdraft = "overdraft"
)

// KeyLister lists the allowance keys whose snapshots belong to an agent.
type KeyLister interface {
	ActiveKeyHashes(ctx context.Context, agentID string) ([]string, error)
}

// Invalidator performs write-through invalidation of cached policy state.
// The dashboard reaches it through the admin hooks; the enforcer and
// settler use Freeze directly.
type Invalidator struct {
	cache      cache.Cache
	keys       cache.Keys
	store      KeyLister
	balanceTTL time.Duration
}

func NewInvalidator(c cache.Cache, keys cache.Keys, store KeyLister, balanceTTL time.Duration) *Invalidator {
	return &Invalidator{cache: c, keys: keys, store: store, balanceTTL: balanceTTL}
}

// InvalidateAgent drops the snapshot of every active key of the agent and
// the cached balance, so the next request reloads both from the store.
func (v *Invalidator) InvalidateAgent(ctx context.Context, agentID string) error {
	hashes, err := v.store.ActiveKeyHashes(ctx, agentID)
	if err != nil {
		return fmt.Errorf("listing keys of agent %s: %w", agentID, err)
	}

	keys := make([]string, 0, len(hashes)+1)
	for _, h := range hashes {
		keys = append(keys, v.keys.Policy(h))
	}
	keys = append(keys, v.keys.Balance(agentID))
	if err := v.cache.Del(ctx, keys...); err != nil {
		return fmt.Errorf("invalidating agent %s: %w", agentID, err)
	}
	return nil
}

// InvalidateKey forgets one key's mapping and snapshot, as on revocation.
func (v *Invalidator) InvalidateKey(ctx context.Context, keyHash string) error {
	if err := v.cache.Del(ctx, v.keys.Policy(keyHash), v.keys.KeyAgent(keyHash)); err != nil {
		return fmt.Errorf("invalidating key: %w", err)
	}
	return nil
}

// Freeze raises the live frozen flag. A zero ttl freezes until Unfreeze.
func (v *Invalidator) Freeze(ctx context.Context, agentID, reason string, ttl time.Duration) error {
	if err := v.cache.Set(ctx, v.keys.Frozen(agentID), reason, ttl); err != nil {
		return fmt.Errorf("freezing agent %s: %w", agentID, err)
	}
	return nil
}

// Unfreeze clears the frozen flag and the loop-detection state, then
// invalidates the agent so a durable status change is picked up.
func (v *Invalidator) Unfreeze(ctx context.Context, agentID string) error {
	err := v.cache.Del(ctx,
		v.keys.Frozen(agentID),
		v.keys.Streak(agentID),
		v.keys.LastPrompt(agentID),
	)
	if err != nil {
		return fmt.Errorf("unfreezing agent %s: %w", agentID, err)
	}
	return v.InvalidateAgent(ctx, agentID)
}

// SetBalance writes a new balance straight into the cache and drops stale
// snapshots.
func (v *Invalidator) SetBalance(ctx context.Context, agentID string, cents int64) error {
	if cents < 0 {
		return fmt.Errorf("balance must be non-negative, got %d", cents)
	}
	hashes, err := v.store.ActiveKeyHashes(ctx, agentID)
	if err != nil {
		return fmt.Errorf("listing keys of agent %s: %w", agentID, err)
	}
	if err := v.cache.Set(ctx, v.keys.Balance(agentID), strconv.FormatInt(cents, 10), v.balanceTTL); err != nil {
		return fmt.Errorf("setting balance of agent %s: %w", agentID, err)
	}
	if len(hashes) == 0 {
		return nil
	}
	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = v.keys.Policy(h)
	}
	if err := v.cache.Del(ctx, keys...); err != nil {
		return fmt.Errorf("invalidating agent %s: %w", agentID, err)
	}
	return nil
}
