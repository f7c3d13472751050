package enforce

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alecgard/tollgate/internal/policy"
)

// The velocity ledger is a sorted set per agent. Members are
// "<reservation id>:<cents>" scored by reservation time in unix ms, so a
// prune is a score-range delete and the sum is a parse of the survivors.
// Prune, sum and append are separate commands: two racing requests can both
// pass the cap. The balance decrement is atomic; this check is not.

func velocityEnabled(snap *policy.Snapshot) bool {
	return snap.VelocityWindow > 0 && snap.VelocityCapCents > 0
}

func ledgerMember(reservationID string, cents int64) string {
	return reservationID + ":" + strconv.FormatInt(cents, 10)
}

func memberCents(member string) (int64, bool) {
	i := strings.LastIndexByte(member, ':')
	if i < 0 {
		return 0, false
	}
	v, err := strconv.ParseInt(member[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (e *Enforcer) checkVelocity(ctx context.Context, snap *policy.Snapshot, reserve int64, now time.Time) error {
	if !velocityEnabled(snap) {
		return nil
	}

	key := e.keys.Velocity(snap.AgentID)
	cutoff := now.Add(-snap.VelocityWindow).UnixMilli()
	if err := e.cache.ZRemRangeByScore(ctx, key, 0, float64(cutoff)); err != nil {
		return fmt.Errorf("pruning velocity ledger: %w", err)
	}

	members, err := e.cache.ZMembers(ctx, key)
	if err != nil {
		return fmt.Errorf("reading velocity ledger: %w", err)
	}

	var spent int64
	for _, m := range members {
		cents, ok := memberCents(m)
		if !ok {
			slog.Warn("skipping malformed velocity entry", "agent_id", snap.AgentID)
			continue
		}
		spent += cents
	}

	if spent+reserve > snap.VelocityCapCents {
		return rejectVelocity(spent, reserve, snap.VelocityCapCents)
	}
	return nil
}

func (e *Enforcer) appendLedger(ctx context.Context, snap *policy.Snapshot, member string, now time.Time) error {
	key := e.keys.Velocity(snap.AgentID)
	if err := e.cache.ZAdd(ctx, key, float64(now.UnixMilli()), member); err != nil {
		return fmt.Errorf("appending velocity entry: %w", err)
	}
	if err := e.cache.Expire(ctx, key, snap.VelocityWindow); err != nil {
		return fmt.Errorf("setting velocity ledger ttl: %w", err)
	}
	return nil
}

// dropLedger removes a reservation's entry. Failures only overstate the
// window's spend until the entry ages out, so they are logged.
func (e *Enforcer) dropLedger(ctx context.Context, snap *policy.Snapshot, res *Reservation) {
	if res.ledgerMember == "" {
		return
	}
	if err := e.cache.ZRem(ctx, e.keys.Velocity(snap.AgentID), res.ledgerMember); err != nil {
		slog.Warn("removing velocity entry failed", "agent_id", snap.AgentID, "reservation_id", res.ID, "error", err)
	}
}
