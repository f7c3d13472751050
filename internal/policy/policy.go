// Package policy serves per-key policy snapshots out of the shared cache and
// carries the invalidation hooks the dashboard calls after it mutates an
// agent.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alecgard/tollgate/internal/agent"
	"github.com/alecgard/tollgate/internal/cache"
)

// ErrAgentNotFound means the key resolved to an agent with no durable record.
var ErrAgentNotFound = errors.New("agent not found")

// Snapshot is the denormalized policy the enforcer works from. Status and
// BalanceCents are live values overlaid on every read.
type Snapshot struct {
	AgentID          string        `json:"agent_id"`
	UserID           string        `json:"user_id"`
	Status           string        `json:"status"`
	BalanceCents     int64         `json:"balance_cents"`
	AllowedModels    []string      `json:"allowed_models,omitempty"`
	BreakerThreshold int           `json:"breaker_threshold"`
	VelocityWindow   time.Duration `json:"velocity_window"`
	VelocityCapCents int64         `json:"velocity_cap_cents"`
	WebhookURL       string        `json:"webhook_url,omitempty"`
	WebhookSecret    string        `json:"webhook_secret,omitempty"`
}

// Active reports whether the agent may spend.
func (s *Snapshot) Active() bool {
	return s.Status == agent.StatusActive
}

// AllowsModel applies the allowlist; an empty list allows everything.
func (s *Snapshot) AllowsModel(model string) bool {
	if len(s.AllowedModels) == 0 {
		return true
	}
	for _, m := range s.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// FromRecord builds a snapshot from a durable policy record.
func FromRecord(rec *agent.PolicyRecord) *Snapshot {
	return &Snapshot{
		AgentID:          rec.Agent.ID,
		UserID:           rec.Agent.UserID,
		Status:           rec.Agent.Status,
		BalanceCents:     rec.Policy.BalanceCents,
		AllowedModels:    rec.Policy.AllowedModels,
		BreakerThreshold: rec.Policy.BreakerThreshold,
		VelocityWindow:   rec.Policy.VelocityWindow,
		VelocityCapCents: rec.Policy.VelocityCapCents,
		WebhookURL:       rec.Policy.WebhookURL,
		WebhookSecret:    rec.Policy.WebhookSecret,
	}
}

// Loader reads an agent's policy from the durable store.
type Loader interface {
	LoadPolicy(ctx context.Context, agentID string) (*agent.PolicyRecord, error)
}

// TTLs controls how long each cached piece lives.
type TTLs struct {
	Snapshot time.Duration
	Balance  time.Duration
}

// Cache returns policy snapshots keyed by allowance key hash.
type Cache struct {
	cache cache.Cache
	keys  cache.Keys
	store Loader
	ttls  TTLs
}

func NewCache(c cache.Cache, keys cache.Keys, store Loader, ttls TTLs) *Cache {
	return &Cache{cache: c, keys: keys, store: store, ttls: ttls}
}

// Get returns the snapshot for keyHash, loading it from the durable store on
// a miss. The frozen flag and the balance are read live on every call so an
// administrator's freeze and concurrent spend are visible immediately.
func (c *Cache) Get(ctx context.Context, keyHash, agentID string) (*Snapshot, error) {
	snap, err := c.cached(ctx, keyHash, agentID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		snap, err = c.load(ctx, keyHash, agentID)
		if err != nil {
			return nil, err
		}
	}

	frozen, err := c.cache.Get(ctx, c.keys.Frozen(agentID))
	switch {
	case err == nil && frozen != "":
		snap.Status = agent.StatusFrozen
	case err != nil && !errors.Is(err, cache.ErrMiss):
		return nil, fmt.Errorf("reading frozen flag: %w", err)
	}

	balance, err := c.liveBalance(ctx, agentID, snap.BalanceCents)
	if err != nil {
		return nil, err
	}
	snap.BalanceCents = balance
	return snap, nil
}

func (c *Cache) cached(ctx context.Context, keyHash, agentID string) (*Snapshot, error) {
	raw, err := c.cache.Get(ctx, c.keys.Policy(keyHash))
	if errors.Is(err, cache.ErrMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading policy snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil || snap.AgentID != agentID {
		// Corrupt or stale entry; reload from the durable store.
		return nil, nil
	}
	return &snap, nil
}

func (c *Cache) load(ctx context.Context, keyHash, agentID string) (*Snapshot, error) {
	rec, err := c.store.LoadPolicy(ctx, agentID)
	if errors.Is(err, agent.ErrNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading policy: %w", err)
	}

	snap := FromRecord(rec)
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encoding policy snapshot: %w", err)
	}
	if err := c.cache.Set(ctx, c.keys.Policy(keyHash), string(data), c.ttls.Snapshot); err != nil {
		slog.Warn("caching policy snapshot failed", "agent_id", agentID, "error", err)
	}
	return snap, nil
}

// liveBalance seeds the balance key from the durable value if it is absent
// and returns whatever the cache holds. The seed never overwrites a live
// balance that in-flight requests are already mutating.
func (c *Cache) liveBalance(ctx context.Context, agentID string, durable int64) (int64, error) {
	key := c.keys.Balance(agentID)
	if _, err := c.cache.SetNX(ctx, key, strconv.FormatInt(durable, 10), c.ttls.Balance); err != nil {
		return 0, fmt.Errorf("seeding balance: %w", err)
	}

	raw, err := c.cache.Get(ctx, key)
	if errors.Is(err, cache.ErrMiss) {
		return durable, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading balance: %w", err)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing cached balance %q: %w", raw, err)
	}
	return v, nil
}
