package enforce

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alecgard/tollgate/internal/agent"
	"github.com/alecgard/tollgate/internal/cache"
	"github.com/alecgard/tollgate/internal/crypto"
	"github.com/alecgard/tollgate/internal/metering"
	"github.com/alecgard/tollgate/internal/policy"
	"github.com/alecgard/tollgate/internal/pricing"
)

// One token costs one cent for model "m", which keeps the arithmetic
// readable: prompt "hi" estimates to 4 tokens.
func centPerToken() *pricing.Table {
	p := pricing.Price{InputPerMTok: 10000, OutputPerMTok: 10000}
	return pricing.NewTable(map[string]pricing.Price{"m": p}, nil, p)
}

type loader struct {
	rec *agent.PolicyRecord
}

func (l *loader) LoadPolicy(_ context.Context, agentID string) (*agent.PolicyRecord, error) {
	if l.rec == nil || l.rec.Agent.ID != agentID {
		return nil, agent.ErrNotFound
	}
	cp := *l.rec
	return &cp, nil
}

type recordingMetrics struct {
	mu          sync.Mutex
	rejections  map[string]int
	reserved    int64
	trips       int
	settled     []string
	autoFreezes []string
	failures    []string
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{rejections: map[string]int{}}
}

func (m *recordingMetrics) RecordRejection(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections[code]++
}

func (m *recordingMetrics) RecordReservation(cents int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved += cents
}

func (m *recordingMetrics) RecordBreakerTrip() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips++
}

func (m *recordingMetrics) RecordSettlement(_, _ int64, source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settled = append(m.settled, source)
}

func (m *recordingMetrics) RecordAutoFreeze(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoFreezes = append(m.autoFreezes, reason)
}

func (m *recordingMetrics) RecordPersistFailure(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, target)
}

type spendLog struct {
	events []metering.SpendEvent
}

func (s *spendLog) Record(ev metering.SpendEvent) { s.events = append(s.events, ev) }

type durable struct {
	balances map[string]int64
	statuses map[string]string
	err      error
}

func (d *durable) UpdateBalance(_ context.Context, agentID string, cents int64) error {
	if d.err != nil {
		return d.err
	}
	d.balances[agentID] = cents
	return nil
}

func (d *durable) SetStatus(_ context.Context, agentID, status string) error {
	if d.err != nil {
		return d.err
	}
	d.statuses[agentID] = status
	return nil
}

type notification struct {
	agentID string
	event   string
}

type notifier struct {
	sent []notification
}

func (n *notifier) Notify(snap *policy.Snapshot, event, _ string) {
	n.sent = append(n.sent, notification{agentID: snap.AgentID, event: event})
}

type fixture struct {
	ctx      context.Context
	cache    *cache.Memory
	keys     cache.Keys
	loader   *loader
	policies *policy.Cache
	enforcer *Enforcer
	settler  *Settler
	metrics  *recordingMetrics
	spend    *spendLog
	durable  *durable
	notifier *notifier
	clock    time.Time
}

func newFixture(t *testing.T, p agent.Policy) *fixture {
	t.Helper()

	p.AgentID = "a1"
	f := &fixture{
		ctx:   context.Background(),
		cache: cache.NewMemory(),
		keys:  cache.Keys{Prefix: "t:"},
		loader: &loader{rec: &agent.PolicyRecord{
			Agent:  agent.Agent{ID: "a1", UserID: "u1", Status: agent.StatusActive},
			Policy: p,
		}},
		metrics:  newRecordingMetrics(),
		spend:    &spendLog{},
		durable:  &durable{balances: map[string]int64{}, statuses: map[string]string{}},
		notifier: &notifier{},
		clock:    time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}

	f.cache.SetClock(func() time.Time { return f.clock })

	hasher, err := crypto.NewKeyed("test-master-secret", crypto.PurposePromptHash)
	require.NoError(t, err)

	prices := centPerToken()
	freezer := policy.NewInvalidator(f.cache, f.keys, nil, 24*time.Hour)
	f.policies = policy.NewCache(f.cache, f.keys, f.loader, policy.TTLs{Snapshot: 30 * time.Second, Balance: 24 * time.Hour})

	f.enforcer = NewEnforcer(f.cache, f.keys, prices, hasher, freezer, Limits{
		StreakTTL:           time.Hour,
		BreakerCooldown:     time.Hour,
		BalanceTTL:          24 * time.Hour,
		DefaultMaxTokens:    4096,
		MaxCompletionTokens: 32768,
	})
	f.enforcer.SetMetrics(f.metrics)
	f.enforcer.now = func() time.Time { return f.clock }

	f.settler = NewSettler(SettlerOptions{
		Cache:           f.cache,
		Keys:            f.keys,
		Prices:          prices,
		Freezer:         freezer,
		Spend:           f.spend,
		Balances:        f.durable,
		Notifier:        f.notifier,
		Metrics:         f.metrics,
		OverdraftFreeze: 24 * time.Hour,
	})
	f.settler.async = func(fn func()) { fn() }
	f.settler.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) snapshot(t *testing.T) *policy.Snapshot {
	t.Helper()
	snap, err := f.policies.Get(f.ctx, "h1", "a1")
	require.NoError(t, err)
	return snap
}

func (f *fixture) balance(t *testing.T) string {
	t.Helper()
	v, err := f.cache.Get(f.ctx, f.keys.Balance("a1"))
	require.NoError(t, err)
	return v
}

func requireRejection(t *testing.T, err error, code string, status int) *Rejection {
	t.Helper()
	var rej *Rejection
	require.True(t, errors.As(err, &rej), "expected *Rejection, got %v", err)
	assert.Equal(t, code, rej.Code)
	assert.Equal(t, status, rej.Status)
	return rej
}

func TestReserveThenSettleToActualUsage(t *testing.T) {
	f := newFixture(t, agent.Policy{BalanceCents: 200, BreakerThreshold: 10})
	snap := f.snapshot(t)

	res, err := f.enforcer.Preflight(f.ctx, snap, Request{Model: "m", Prompt: "hi", MaxTokens: 26})
	require.NoError(t, err)
	assert.Equal(t, int64(30), res.ReserveCents)
	assert.Equal(t, int64(170), res.BalanceAfter)
	assert.Equal(t, "170", f.balance(t))

	out := f.settler.Settle(f.ctx, Settlement{
		Snapshot:    snap,
		Reservation: res,
		Model:       "m",
		RequestID:   "r1",
		Usage:       Usage{PromptTokens: 4, CompletionTokens: 6, Reported: true},
		StatusCode:  http.StatusOK,
	})
	assert.Equal(t, int64(10), out.ActualCents)
	assert.Equal(t, int64(190), out.BalanceCents)
	assert.False(t, out.Frozen)
	assert.Equal(t, metering.SourceReported, out.UsageSource)
	assert.Equal(t, "190", f.balance(t))
	assert.Equal(t, int64(190), f.durable.balances["a1"])

	require.Len(t, f.spend.events, 1)
	ev := f.spend.events[0]
	assert.Equal(t, "a1", ev.AgentID)
	assert.Equal(t, int64(30), ev.ReservedCents)
	assert.Equal(t, int64(10), ev.ActualCents)
	assert.Equal(t, int64(190), ev.BalanceAfterCents)
}

func TestSettleExactEstimateLeavesBalance(t *testing.T) {
	f := newFixture(t, agent.Policy{BalanceCents: 200})
	snap := f.snapshot(t)

	res, err := f.enforcer.Preflight(f.ctx, snap, Request{Model: "m", Prompt: "hi", MaxTokens: 26})
	require.NoError(t, err)

	out := f.settler.Settle(f.ctx, Settlement{
		Snapshot:    snap,
		Reservation: res,
		Model:       "m",
		Usage:       Usage{PromptTokens: 4, CompletionTokens: 26, Reported: true},
		StatusCode:  http.StatusOK,
	})
	assert.Equal(t, int64(170), out.BalanceCents)
	assert.Equal(t, "170", f.balance(t))
}

func TestSettleWithoutUsageKeepsReserve(t *testing.T) {
	f := newFixture(t, agent.Policy{BalanceCents: 200})
	snap := f.snapshot(t)

	res, err := f.enforcer.Preflight(f.ctx, snap, Request{Model: "m", Prompt: "hi", MaxTokens: 26})
	require.NoError(t, err)

	out := f.settler.Settle(f.ctx, Settlement{
		Snapshot:    snap,
		Reservation: res,
		Model:       "m",
		StatusCode:  http.StatusBadGateway,
		Stream:      true,
	})
	assert.Equal(t, int64(30), out.ActualCents)
	assert.Equal(t, int64(170), out.BalanceCents)
	assert.Equal(t, metering.SourceReserve, out.UsageSource)

	require.Len(t, f.spend.events, 1)
	assert.Equal(t, int64(4), f.spend.events[0].PromptTokens)
	assert.Equal(t, int64(26), f.spend.events[0].CompletionTokens)
	assert.True(t, f.spend.events[0].Stream)
}

func TestSettleOverdraftClampsAndFreezes(t *testing.T) {
	f := newFixture(t, agent.Policy{BalanceCents: 200, WebhookURL: "http://hooks.test/x"})
	snap := f.snapshot(t)

	res, err := f.enforcer.Preflight(f.ctx, snap, Request{Model: "m", Prompt: "hi", MaxTokens: 26})
	require.NoError(t, err)

	out := f.settler.Settle(f.ctx, Settlement{
		Snapshot:    snap,
		Reservation: res,
		Model:       "m",
		Usage:       Usage{CompletionTokens: 500, Reported: true},
		StatusCode:  http.StatusOK,
	})
	assert.Equal(t, int64(500), out.ActualCents)
	assert.Equal(t, int64(0), out.BalanceCents)
	assert.True(t, out.Frozen)
	assert.Equal(t, "0", f.balance(t))

	flag, err := f.cache.Get(f.ctx, f.keys.Frozen("a1"))
	require.NoError(t, err)
	assert.Equal(t, policy.FrozenByOverdraft, flag)
	assert.Equal(t, 24*time.Hour, f.cache.TTL(f.keys.Frozen("a1")))

	assert.Equal(t, agent.StatusFrozen, f.durable.statuses["a1"])
	assert.Equal(t, []notification{{agentID: "a1", event: EventOverdraftFrozen}}, f.notifier.sent)
	assert.Equal(t, []string{policy.FrozenByOverdraft}, f.metrics.autoFreezes)

	_, err = f.enforcer.Preflight(f.ctx, f.snapshot(t), Request{Model: "m", Prompt: "hi", MaxTokens: 1})
	requireRejection(t, err, CodeKeyFrozen, http.StatusForbidden)
}

func TestSettlePersistFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, agent.Policy{BalanceCents: 200})
	f.durable.err = errors.New("connection reset")
	snap := f.snapshot(t)

	res, err := f.enforcer.Preflight(f.ctx, snap, Request{Model: "m", Prompt: "hi", MaxTokens: 26})
	require.NoError(t, err)

	out := f.settler.Settle(f.ctx, Settlement{Snapshot: snap, Reservation: res, Model: "m", StatusCode: 200})
	assert.Equal(t, int64(170), out.BalanceCents)
	assert.Equal(t, []string{"balance"}, f.metrics.failures)
}

func TestSettleAfterBalanceExpiry(t *testing.T) {
	f := newFixture(t, agent.Policy{BalanceCents: 200})
	snap := f.snapshot(t)

	res, err := f.enforcer.Preflight(f.ctx, snap, Request{Model: "m", Prompt: "hi", MaxTokens: 26})
	require.NoError(t, err)
	require.NoError(t, f.cache.Del(f.ctx, f.keys.Balance("a1")))

	out := f.settler.Settle(f.ctx, Settlement{
		Snapshot:    snap,
		Reservation: res,
		Model:       "m",
		Usage:       Usage{PromptTokens: 4, CompletionTokens: 6, Reported: true},
		StatusCode:  http.StatusOK,
	})
	assert.Equal(t, int64(190), out.BalanceCents)
	assert.Equal(t, int64(190), f.durable.balances["a1"])
}

// brokenAdjust fails balance adjustments with a non-miss error.
type brokenAdjust struct {
	*cache.Memory
}

func (brokenAdjust) AdjustClamped(context.Context, string, int64, int64) (int64, bool, error) {
	return 0, false, cache.ErrUnavailable
}

func TestSettleOverdraftFreezesWhenCacheUnavailable(t *testing.T) {
	f := newFixture(t, agent.Policy{BalanceCents: 200})
	snap := f.snapshot(t)

	res, err := f.enforcer.Preflight(f.ctx, snap, Request{Model: "m", Prompt: "hi", MaxTokens: 26})
	require.NoError(t, err)
	f.settler.cache = brokenAdjust{f.cache}

	out := f.settler.Settle(f.ctx, Settlement{
		Snapshot:    snap,
		Reservation: res,
		Model:       "m",
		Usage:       Usage{CompletionTokens: 500, Reported: true},
		StatusCode:  http.StatusOK,
	})
	assert.Equal(t, int64(0), out.BalanceCents)
	assert.True(t, out.Frozen)
	assert.Equal(t, agent.StatusFrozen, f.durable.statuses["a1"])

	flag, err := f.cache.Get(f.ctx, f.keys.Frozen("a1"))
	require.NoError(t, err)
	assert.Equal(t, policy.FrozenByOverdraft, flag)
}

func TestSettleWithinBalanceDoesNotFreezeWhenCacheUnavailable(t *testing.T) {
	f := newFixture(t, agent.Policy{BalanceCents: 200})
	snap := f.snapshot(t)

	res, err := f.enforcer.Preflight(f.ctx, snap, Request{Model: "m", Prompt: "hi", MaxTokens: 26})
	require.NoError(t, err)
	f.settler.cache = brokenAdjust{f.cache}

	out := f.settler.Settle(f.ctx, Settlement{
		Snapshot:    snap,
		Reservation: res,
		Model:       "m",
		Usage:       Usage{PromptTokens: 4, CompletionTokens: 6, Reported: true},
		StatusCode:  http.StatusOK,
	})
	assert.Equal(t, int64(190), out.BalanceCents)
	assert.False(t, out.Frozen)
}

func TestReleaseRefundsReservation(t *testing.T) {
	f := newFixture(t, agent.Policy{BalanceCents: 200, VelocityWindow: time.Minute, VelocityCapCents: 100})
	snap := f.snapshot(t)

	res, err := f.enforcer.Preflight(f.ctx, snap, Request{Model: "m", Prompt: "hi", MaxTokens: 26})
	require.NoError(t, err)
	members, err := f.cache.ZMembers(f.ctx, f.keys.Velocity("a1"))
	require.NoError(t, err)
	require.Len(t, members, 1)

	require.NoError(t, f.enforcer.Release(f.ctx, snap, res))
	assert.Equal(t, "200", f.balance(t))

	members, err = f.cache.ZMembers(f.ctx, f.keys.Velocity("a1"))
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestFrozenAgentRejected(t *testing.T) {
	f := newFixture(t, agent.Policy{BalanceCents: 200})
	require.NoError(t, f.cache.Set(f.ctx, f.keys.Frozen("a1"), policy.FrozenByAdmin, 0))

	_, err := f.enforcer.Preflight(f.ctx, f.snapshot(t), Request{Model: "m", Prompt: "hi"})
	rej := requireRejection(t, err, CodeKeyFrozen, http.StatusForbidden)
	assert.Equal(t, EventAgentFrozen, rej.Event)
	assert.Equal(t, "200", f.balance(t))
}

func TestModelAllowlist(t *testing.T) {
	f := newFixture(t, agent.Policy{BalanceCents: 200, AllowedModels: []string{"m"}})
	snap := f.snapshot(t)

	_, err := f.enforcer.Preflight(f.ctx, snap, Request{Model: "gpt-4o", Prompt: "hi", MaxTokens: 1})
	requireRejection(t, err, CodeModelNotAllowed, http.StatusForbidden)
	assert.Equal(t, "200", f.balance(t))

	_, err = f.enforcer.Preflight(f.ctx, snap, Request{Model: "m", Prompt: "hi", MaxTokens: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, f.metrics.rejections[CodeModelNotAllowed])
}

func TestInsufficientBalance(t *testing.T) {
	f := newFixture(t, agent.Policy{BalanceCents: 20})

	_, err := f.enforcer.Preflight(f.ctx, f.snapshot(t), Request{Model: "m", Prompt: "hi", MaxTokens: 26})
	requireRejection(t, err, CodeInsufficientBalance, http.StatusPaymentRequired)
	assert.Equal(t, "20", f.balance(t))
}

func TestZeroBalanceRejected(t *testing.T) {
	f := newFixture(t, agent.Policy{BalanceCents: 0})

	_, err := f.enforcer.Preflight(f.ctx, f.snapshot(t), Request{Model: "m", Prompt: "", MaxTokens: 1})
	requireRejection(t, err, CodeInsufficientBalance, http.StatusPaymentRequired)
}

func TestCompletionEstimateDefaultsAndCap(t *testing.T) {
	f := newFixture(t, agent.Policy{BalanceCents: 100000})

	_, completion := f.enforcer.estimateTokens(Request{Prompt: "hi"})
	assert.Equal(t, int64(4096), completion)

	_, completion = f.enforcer.estimateTokens(Request{Prompt: "hi", MaxTokens: 1_000_000})
	assert.Equal(t, int64(32768), completion)
}

func TestBreakerTripsOnThreshold(t *testing.T) {
	f := newFixture(t, agent.Policy{BalanceCents: 1000, BreakerThreshold: 10})
	req := Request{Model: "m", Prompt: "same prompt", MaxTokens: 1}

	for i := 1; i <= 9; i++ {
		_, err := f.enforcer.Preflight(f.ctx, f.snapshot(t), req)
		require.NoError(t, err, "request %d", i)
	}

	_, err := f.enforcer.Preflight(f.ctx, f.snapshot(t), req)
	rej := requireRejection(t, err, CodeBreakerTripped, http.StatusTooManyRequests)
	assert.Equal(t, EventBreakerTripped, rej.Event)

	flag, err := f.cache.Get(f.ctx, f.keys.Frozen("a1"))
	require.NoError(t, err)
	assert.Equal(t, policy.FrozenByBreaker, flag)
	assert.Equal(t, time.Hour, f.cache.TTL(f.keys.Frozen("a1")))

	_, err = f.cache.Get(f.ctx, f.keys.Streak("a1"))
	assert.ErrorIs(t, err, cache.ErrMiss)
	assert.Equal(t, 1, f.metrics.trips)

	_, err = f.enforcer.Preflight(f.ctx, f.snapshot(t), req)
	requireRejection(t, err, CodeKeyFrozen, http.StatusForbidden)
}

func TestBreakerStreakResetsOnNewPrompt(t *testing.T) {
	f := newFixture(t, agent.Policy{BalanceCents: 1000, BreakerThreshold: 3})

	for _, prompt := range []string{"a", "a", "b", "b", "c"} {
		_, err := f.enforcer.Preflight(f.ctx, f.snapshot(t), Request{Model: "m", Prompt: prompt, MaxTokens: 1})
		require.NoError(t, err)
	}
	streak, err := f.cache.Get(f.ctx, f.keys.Streak("a1"))
	require.NoError(t, err)
	assert.Equal(t, "1", streak)
}

func TestBreakerDisabledAtZeroThreshold(t *testing.T) {
	f := newFixture(t, agent.Policy{BalanceCents: 1000, BreakerThreshold: 0})

	for i := 0; i < 20; i++ {
		_, err := f.enforcer.Preflight(f.ctx, f.snapshot(t), Request{Model: "m", Prompt: "loop", MaxTokens: 1})
		require.NoError(t, err)
	}
}

func TestVelocityCapAndWindow(t *testing.T) {
	f := newFixture(t, agent.Policy{BalanceCents: 1000, VelocityWindow: time.Minute, VelocityCapCents: 50})
	req := Request{Model: "m", Prompt: "hi", MaxTokens: 16} // 20 cents

	for i := 0; i < 2; i++ {
		_, err := f.enforcer.Preflight(f.ctx, f.snapshot(t), req)
		require.NoError(t, err)
	}

	_, err := f.enforcer.Preflight(f.ctx, f.snapshot(t), req)
	rej := requireRejection(t, err, CodeVelocityExceeded, http.StatusTooManyRequests)
	assert.Equal(t, EventVelocityExceeded, rej.Event)
	assert.Equal(t, "960", f.balance(t))

	f.clock = f.clock.Add(61 * time.Second)
	_, err = f.enforcer.Preflight(f.ctx, f.snapshot(t), req)
	require.NoError(t, err)

	members, err := f.cache.ZMembers(f.ctx, f.keys.Velocity("a1"))
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestConcurrentReservationsNeverOverspend(t *testing.T) {
	f := newFixture(t, agent.Policy{BalanceCents: 100})
	snap := f.snapshot(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		refused  int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := *snap
			_, err := f.enforcer.Preflight(f.ctx, &local, Request{Model: "m", Prompt: "hi", MaxTokens: 6})
			mu.Lock()
			defer mu.Unlock()
			var rej *Rejection
			switch {
			case err == nil:
				admitted++
			case errors.As(err, &rej) && rej.Code == CodeInsufficientBalance:
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, admitted)
	assert.Equal(t, 15, refused)
	assert.Equal(t, "0", f.balance(t))
}

func TestMemberCents(t *testing.T) {
	v, ok := memberCents(ledgerMember("5f1c-aa", 42))
	require.True(t, ok)
	assert.Equal(t, int64(42), v)

	_, ok = memberCents("garbage")
	assert.False(t, ok)
}
