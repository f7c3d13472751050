package enforce

import (
	"context"
	"errors"
	"fmt"

	"github.com/alecgard/tollgate/internal/cache"
	"github.com/alecgard/tollgate/internal/policy"
)

// checkBreaker tracks consecutive identical prompts. A repeat extends the
// streak; reaching the threshold freezes the agent for the cool-down and
// clears the streak. A new prompt restarts the streak at 1. A threshold of
// zero or less disables tripping but the state is still tracked.
func (e *Enforcer) checkBreaker(ctx context.Context, snap *policy.Snapshot, hash string) error {
	lastKey := e.keys.LastPrompt(snap.AgentID)
	streakKey := e.keys.Streak(snap.AgentID)

	last, err := e.cache.Get(ctx, lastKey)
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		return fmt.Errorf("reading last prompt hash: %w", err)
	}

	if err == nil && last == hash {
		streak, err := e.cache.IncrWithTTL(ctx, streakKey, e.limits.StreakTTL)
		if err != nil {
			return fmt.Errorf("extending prompt streak: %w", err)
		}
		if err := e.cache.Expire(ctx, lastKey, e.limits.StreakTTL); err != nil {
			return fmt.Errorf("refreshing last prompt hash: %w", err)
		}
		if snap.BreakerThreshold > 0 && streak >= int64(snap.BreakerThreshold) {
			if err := e.freezer.Freeze(ctx, snap.AgentID, policy.FrozenByBreaker, e.limits.BreakerCooldown); err != nil {
				return err
			}
			if err := e.cache.Del(ctx, streakKey, lastKey); err != nil {
				return fmt.Errorf("clearing prompt streak: %w", err)
			}
			return rejectBreaker(streak)
		}
		return nil
	}

	if err := e.cache.Set(ctx, lastKey, hash, e.limits.StreakTTL); err != nil {
		return fmt.Errorf("storing last prompt hash: %w", err)
	}
	if err := e.cache.Set(ctx, streakKey, "1", e.limits.StreakTTL); err != nil {
		return fmt.Errorf("resetting prompt streak: %w", err)
	}
	return nil
}
