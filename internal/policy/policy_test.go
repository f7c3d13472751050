package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alecgard/tollgate/internal/agent"
	"github.com/alecgard/tollgate/internal/cache"
)

type fakeStore struct {
	records map[string]*agent.PolicyRecord
	keys    map[string][]string
	loads   int
}

func (f *fakeStore) LoadPolicy(_ context.Context, agentID string) (*agent.PolicyRecord, error) {
	f.loads++
	rec, ok := f.records[agentID]
	if !ok {
		return nil, agent.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) ActiveKeyHashes(_ context.Context, agentID string) ([]string, error) {
	return f.keys[agentID], nil
}

func newFixture() (*fakeStore, *cache.Memory, cache.Keys) {
	store := &fakeStore{
		records: map[string]*agent.PolicyRecord{
			"a1": {
				Agent: agent.Agent{ID: "a1", UserID: "u1", Status: agent.StatusActive},
				Policy: agent.Policy{
					AgentID:          "a1",
					BalanceCents:     200,
					BreakerThreshold: 10,
					VelocityWindow:   time.Hour,
					VelocityCapCents: 50,
				},
			},
		},
		keys: map[string][]string{"a1": {"h1", "h2"}},
	}
	return store, cache.NewMemory(), cache.Keys{Prefix: "t:"}
}

func TestGetLoadsOnceAndCaches(t *testing.T) {
	store, c, keys := newFixture()
	pc := NewCache(c, keys, store, TTLs{Snapshot: 30 * time.Second, Balance: 24 * time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		snap, err := pc.Get(ctx, "h1", "a1")
		require.NoError(t, err)
		assert.Equal(t, int64(200), snap.BalanceCents)
		assert.True(t, snap.Active())
	}
	assert.Equal(t, 1, store.loads)
	assert.Equal(t, 30*time.Second, c.TTL(keys.Policy("h1")))
	assert.Equal(t, 24*time.Hour, c.TTL(keys.Balance("a1")))
}

func TestGetOverlaysLiveFrozenFlag(t *testing.T) {
	store, c, keys := newFixture()
	pc := NewCache(c, keys, store, TTLs{Snapshot: time.Minute, Balance: time.Hour})
	inv := NewInvalidator(c, keys, store, time.Hour)
	ctx := context.Background()

	snap, err := pc.Get(ctx, "h1", "a1")
	require.NoError(t, err)
	require.True(t, snap.Active())

	require.NoError(t, inv.Freeze(ctx, "a1", FrozenByAdmin, 0))
	snap, err = pc.Get(ctx, "h1", "a1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusFrozen, snap.Status, "freeze visible without waiting out the snapshot ttl")

	require.NoError(t, inv.Unfreeze(ctx, "a1"))
	snap, err = pc.Get(ctx, "h1", "a1")
	require.NoError(t, err)
	assert.True(t, snap.Active())
}

func TestGetReturnsLiveBalance(t *testing.T) {
	store, c, keys := newFixture()
	pc := NewCache(c, keys, store, TTLs{Snapshot: time.Minute, Balance: time.Hour})
	ctx := context.Background()

	_, err := pc.Get(ctx, "h1", "a1")
	require.NoError(t, err)

	_, ok, err := c.DecrByFloor(ctx, keys.Balance("a1"), 30, 0)
	require.NoError(t, err)
	require.True(t, ok)

	snap, err := pc.Get(ctx, "h2", "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(170), snap.BalanceCents, "seed must not overwrite a live balance")
}

func TestGetUnknownAgent(t *testing.T) {
	store, c, keys := newFixture()
	pc := NewCache(c, keys, store, TTLs{Snapshot: time.Minute, Balance: time.Hour})

	_, err := pc.Get(context.Background(), "hx", "missing")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestGetReloadsStaleSnapshot(t *testing.T) {
	store, c, keys := newFixture()
	pc := NewCache(c, keys, store, TTLs{Snapshot: time.Minute, Balance: time.Hour})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, keys.Policy("h1"), `{"agent_id":"someone-else"}`, time.Minute))
	snap, err := pc.Get(ctx, "h1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", snap.AgentID)
	assert.Equal(t, 1, store.loads)
}

func TestInvalidateAgentDropsEveryKeySnapshotAndBalance(t *testing.T) {
	store, c, keys := newFixture()
	pc := NewCache(c, keys, store, TTLs{Snapshot: time.Minute, Balance: time.Hour})
	inv := NewInvalidator(c, keys, store, time.Hour)
	ctx := context.Background()

	_, err := pc.Get(ctx, "h1", "a1")
	require.NoError(t, err)
	_, err = pc.Get(ctx, "h2", "a1")
	require.NoError(t, err)

	store.records["a1"].Policy.BalanceCents = 500
	store.records["a1"].Policy.AllowedModels = []string{"gpt-4o-mini"}
	require.NoError(t, inv.InvalidateAgent(ctx, "a1"))

	for _, h := range []string{"h1", "h2"} {
		_, err := c.Get(ctx, keys.Policy(h))
		assert.True(t, errors.Is(err, cache.ErrMiss), "snapshot for %s should be gone", h)
	}

	snap, err := pc.Get(ctx, "h1", "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), snap.BalanceCents)
	assert.False(t, snap.AllowsModel("gpt-4o"))
}

func TestSetBalance(t *testing.T) {
	store, c, keys := newFixture()
	pc := NewCache(c, keys, store, TTLs{Snapshot: time.Minute, Balance: time.Hour})
	inv := NewInvalidator(c, keys, store, time.Hour)
	ctx := context.Background()

	_, err := pc.Get(ctx, "h1", "a1")
	require.NoError(t, err)
	require.NoError(t, inv.SetBalance(ctx, "a1", 0))

	snap, err := pc.Get(ctx, "h1", "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.BalanceCents)

	assert.Error(t, inv.SetBalance(ctx, "a1", -1))
}

func TestInvalidateKey(t *testing.T) {
	_, c, keys := newFixture()
	inv := NewInvalidator(c, keys, nil, time.Hour)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, keys.KeyAgent("h1"), "a1", time.Minute))
	require.NoError(t, c.Set(ctx, keys.Policy("h1"), "{}", time.Minute))
	require.NoError(t, inv.InvalidateKey(ctx, "h1"))

	_, err := c.Get(ctx, keys.KeyAgent("h1"))
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestAllowsModel(t *testing.T) {
	open := &Snapshot{}
	assert.True(t, open.AllowsModel("anything"))

	strict := &Snapshot{AllowedModels: []string{"gpt-4o-mini"}}
	assert.True(t, strict.AllowsModel("gpt-4o-mini"))
	assert.False(t, strict.AllowsModel("gpt-4o"))
}
