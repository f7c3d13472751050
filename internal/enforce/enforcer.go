// Package enforce holds the preflight enforcer and the postflight settler,
// the two places where the gateway mutates an agent's shared spend state.
package enforce

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/alecgard/tollgate/internal/cache"
	"github.com/alecgard/tollgate/internal/crypto"
	"github.com/alecgard/tollgate/internal/policy"
	"github.com/alecgard/tollgate/internal/pricing"
)

// Request is what the enforcer needs to know about an inbound call.
type Request struct {
	Model     string
	Prompt    string // normalized prompt content
	MaxTokens int64  // caller's output cap; 0 when absent
}

// Reservation is the result of an admitted preflight.
type Reservation struct {
	ID                  string
	ReserveCents        int64
	PromptHash          string
	BalanceAfter        int64
	EstPromptTokens     int64
	EstCompletionTokens int64
	ledgerMember        string
}

// Limits are the enforcement constants that are not part of a policy.
type Limits struct {
	StreakTTL           time.Duration
	BreakerCooldown     time.Duration
	BalanceTTL          time.Duration
	DefaultMaxTokens    int64
	MaxCompletionTokens int64
}

// Freezer raises the live frozen flag.
type Freezer interface {
	Freeze(ctx context.Context, agentID, reason string, ttl time.Duration) error
}

// Metrics receives enforcement counters. Optional.
type Metrics interface {
	RecordRejection(code string)
	RecordReservation(cents int64)
	RecordBreakerTrip()
}

// Enforcer applies the ordered preflight rules.
type Enforcer struct {
	cache   cache.Cache
	keys    cache.Keys
	prices  *pricing.Table
	hasher  *crypto.Keyed
	freezer Freezer
	limits  Limits
	metrics Metrics

	now   func() time.Time
	newID func() string
}

func NewEnforcer(c cache.Cache, keys cache.Keys, prices *pricing.Table, hasher *crypto.Keyed, freezer Freezer, limits Limits) *Enforcer {
	return &Enforcer{
		cache:   c,
		keys:    keys,
		prices:  prices,
		hasher:  hasher,
		freezer: freezer,
		limits:  limits,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
}

// SetMetrics installs a metrics sink.
func (e *Enforcer) SetMetrics(m Metrics) { e.metrics = m }

// Preflight runs the rules in order: status, model, circuit breaker, cost
// estimate, balance, velocity, reservation. It returns a *Rejection for a
// policy refusal and a plain error when the cache cannot be reached.
func (e *Enforcer) Preflight(ctx context.Context, snap *policy.Snapshot, req Request) (*Reservation, error) {
	res, err := e.preflight(ctx, snap, req)
	if e.metrics != nil {
		var rej *Rejection
		switch {
		case errors.As(err, &rej):
			e.metrics.RecordRejection(rej.Code)
			if rej.Code == CodeBreakerTripped {
				e.metrics.RecordBreakerTrip()
			}
		case err == nil:
			e.metrics.RecordReservation(res.ReserveCents)
		}
	}
	return res, err
}

func (e *Enforcer) preflight(ctx context.Context, snap *policy.Snapshot, req Request) (*Reservation, error) {
	if !snap.Active() {
		return nil, rejectFrozen()
	}

	if !snap.AllowsModel(req.Model) {
		return nil, rejectModel(req.Model)
	}

	hash := e.hasher.Sum(req.Model, req.Prompt)
	if err := e.checkBreaker(ctx, snap, hash); err != nil {
		return nil, err
	}

	promptTokens, completionTokens := e.estimateTokens(req)
	reserve := e.prices.CostCents(req.Model, promptTokens, completionTokens)

	if snap.BalanceCents <= 0 || snap.BalanceCents < reserve {
		return nil, rejectBalance(snap.BalanceCents, reserve)
	}

	now := e.now()
	if err := e.checkVelocity(ctx, snap, reserve, now); err != nil {
		return nil, err
	}

	res := &Reservation{
		ID:                  e.newID(),
		ReserveCents:        reserve,
		PromptHash:          hash,
		EstPromptTokens:     promptTokens,
		EstCompletionTokens: completionTokens,
	}
	if err := e.reserve(ctx, snap, res, now); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Enforcer) estimateTokens(req Request) (int64, int64) {
	completion := req.MaxTokens
	if completion <= 0 {
		completion = e.limits.DefaultMaxTokens
	}
	if e.limits.MaxCompletionTokens > 0 && completion > e.limits.MaxCompletionTokens {
		completion = e.limits.MaxCompletionTokens
	}
	return pricing.EstimatePromptTokens(req.Prompt), completion
}

// reserve appends the ledger entry, then takes the balance with an atomic
// decrement that refuses to go below zero. A refusal rolls the entry back.
func (e *Enforcer) reserve(ctx context.Context, snap *policy.Snapshot, res *Reservation, now time.Time) error {
	if velocityEnabled(snap) {
		res.ledgerMember = ledgerMember(res.ID, res.ReserveCents)
		if err := e.appendLedger(ctx, snap, res.ledgerMember, now); err != nil {
			return err
		}
	}

	balanceKey := e.keys.Balance(snap.AgentID)
	after, ok, err := e.cache.DecrByFloor(ctx, balanceKey, res.ReserveCents, 0)
	if errors.Is(err, cache.ErrMiss) {
		// The balance expired after the snapshot read; reseed and retry once.
		if _, err = e.cache.SetNX(ctx, balanceKey, strconv.FormatInt(snap.BalanceCents, 10), e.limits.BalanceTTL); err == nil {
			after, ok, err = e.cache.DecrByFloor(ctx, balanceKey, res.ReserveCents, 0)
		}
	}
	if err != nil {
		e.dropLedger(ctx, snap, res)
		return fmt.Errorf("reserving balance: %w", err)
	}
	if !ok {
		e.dropLedger(ctx, snap, res)
		return rejectBalance(after, res.ReserveCents)
	}

	res.BalanceAfter = after
	return nil
}

// Release undoes a reservation whose request never produced an upstream
// response: the reserve is refunded and the ledger entry removed.
func (e *Enforcer) Release(ctx context.Context, snap *policy.Snapshot, res *Reservation) error {
	e.dropLedger(ctx, snap, res)
	if _, _, err := e.cache.AdjustClamped(ctx, e.keys.Balance(snap.AgentID), res.ReserveCents, 0); err != nil {
		return fmt.Errorf("refunding reservation %s: %w", res.ID, err)
	}
	return nil
}
