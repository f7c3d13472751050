package enforce

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alecgard/tollgate/internal/agent"
	"github.com/alecgard/tollgate/internal/cache"
	"github.com/alecgard/tollgate/internal/metering"
	"github.com/alecgard/tollgate/internal/policy"
	"github.com/alecgard/tollgate/internal/pricing"
)

// Usage is the token count a provider reported for one response.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	Reported         bool
}

// Settlement describes a completed upstream exchange.
type Settlement struct {
	Snapshot    *policy.Snapshot
	Reservation *Reservation
	Model       string
	RequestID   string
	Usage       Usage
	StatusCode  int
	Stream      bool
}

// Outcome is what settling changed.
type Outcome struct {
	ActualCents  int64
	BalanceCents int64
	Frozen       bool
	UsageSource  string
}

// SpendRecorder accepts spend events for durable storage.
type SpendRecorder interface {
	Record(ev metering.SpendEvent)
}

// BalanceWriter persists balances and status to the durable store.
type BalanceWriter interface {
	UpdateBalance(ctx context.Context, agentID string, balanceCents int64) error
	SetStatus(ctx context.Context, agentID, status string) error
}

// Notifier delivers trip events to an agent's webhook.
type Notifier interface {
	Notify(snap *policy.Snapshot, event, detail string)
}

// SettleMetrics receives settlement counters. Optional.
type SettleMetrics interface {
	RecordSettlement(reservedCents, actualCents int64, source string)
	RecordAutoFreeze(reason string)
	RecordPersistFailure(target string)
}

// Settler reconciles a reservation against actual usage.
type Settler struct {
	cache           cache.Cache
	keys            cache.Keys
	prices          *pricing.Table
	freezer         Freezer
	spend           SpendRecorder
	balances        BalanceWriter
	notifier        Notifier
	metrics         SettleMetrics
	overdraftFreeze time.Duration
	persistTimeout  time.Duration

	async func(func())
	now   func() time.Time
	newID func() string
}

// SettlerOptions wires a Settler's collaborators. Spend, Balances, Notifier
// and Metrics may be nil.
type SettlerOptions struct {
	Cache           cache.Cache
	Keys            cache.Keys
	Prices          *pricing.Table
	Freezer         Freezer
	Spend           SpendRecorder
	Balances        BalanceWriter
	Notifier        Notifier
	Metrics         SettleMetrics
	OverdraftFreeze time.Duration
	PersistTimeout  time.Duration
}

func NewSettler(opts SettlerOptions) *Settler {
	persist := opts.PersistTimeout
	if persist <= 0 {
		persist = 10 * time.Second
	}
	return &Settler{
		cache:           opts.Cache,
		keys:            opts.Keys,
		prices:          opts.Prices,
		freezer:         opts.Freezer,
		spend:           opts.Spend,
		balances:        opts.Balances,
		notifier:        opts.Notifier,
		metrics:         opts.Metrics,
		overdraftFreeze: opts.OverdraftFreeze,
		persistTimeout:  persist,
		async:           func(fn func()) { go fn() },
		now:             time.Now,
		newID:           func() string { return uuid.New().String() },
	}
}

// Settle charges actual usage against the reservation. The difference is
// applied to the live balance, clamped at zero; a clamp means the request
// cost more than the agent had, and the agent is frozen. Durable writes
// happen in the background and their failures are only logged.
func (s *Settler) Settle(ctx context.Context, st Settlement) Outcome {
	snap, res := st.Snapshot, st.Reservation

	out := Outcome{ActualCents: res.ReserveCents, UsageSource: metering.SourceReserve}
	if st.Usage.Reported {
		out.ActualCents = s.prices.CostCents(st.Model, st.Usage.PromptTokens, st.Usage.CompletionTokens)
		out.UsageSource = metering.SourceReported
	}

	delta := res.ReserveCents - out.ActualCents
	balance, clamped, err := s.cache.AdjustClamped(ctx, s.keys.Balance(snap.AgentID), delta, 0)
	switch {
	case errors.Is(err, cache.ErrMiss):
		// The balance key expired mid-request; the next snapshot read reseeds
		// it from the durable value we write below.
		balance = max(res.BalanceAfter+delta, 0)
		clamped = res.BalanceAfter+delta < 0
	case err != nil:
		slog.Error("settling balance failed",
			"agent_id", snap.AgentID,
			"request_id", st.RequestID,
			"delta_cents", delta,
			"error", err,
		)
		balance = max(res.BalanceAfter+delta, 0)
		clamped = res.BalanceAfter+delta < 0
	}
	out.BalanceCents = balance

	if clamped {
		out.Frozen = true
		s.freezeOverdraft(ctx, snap, out)
	}

	if s.metrics != nil {
		s.metrics.RecordSettlement(res.ReserveCents, out.ActualCents, out.UsageSource)
	}

	ev := metering.SpendEvent{
		ID:                s.newID(),
		AgentID:           snap.AgentID,
		RequestID:         st.RequestID,
		Model:             st.Model,
		PromptTokens:      st.Usage.PromptTokens,
		CompletionTokens:  st.Usage.CompletionTokens,
		ReservedCents:     res.ReserveCents,
		ActualCents:       out.ActualCents,
		BalanceAfterCents: out.BalanceCents,
		UsageSource:       out.UsageSource,
		StatusCode:        st.StatusCode,
		Stream:            st.Stream,
		Frozen:            out.Frozen,
		CreatedAt:         s.now().UTC(),
	}
	if !st.Usage.Reported {
		ev.PromptTokens = res.EstPromptTokens
		ev.CompletionTokens = res.EstCompletionTokens
	}
	if s.spend != nil {
		s.spend.Record(ev)
	}

	s.persist(snap.AgentID, out)
	return out
}

func (s *Settler) freezeOverdraft(ctx context.Context, snap *policy.Snapshot, out Outcome) {
	if err := s.freezer.Freeze(ctx, snap.AgentID, policy.FrozenByOverdraft, s.overdraftFreeze); err != nil {
		slog.Error("overdraft freeze failed", "agent_id", snap.AgentID, "error", err)
	}
	slog.Warn("agent frozen on overdraft",
		"agent_id", snap.AgentID,
		"actual_cents", out.ActualCents,
	)
	if s.metrics != nil {
		s.metrics.RecordAutoFreeze(policy.FrozenByOverdraft)
	}
	if s.notifier != nil {
		s.notifier.Notify(snap, EventOverdraftFrozen, "actual cost exceeded remaining balance")
	}
}

// persist writes the new balance, and the frozen status when set, to the
// durable store. Writes from concurrent settlements may land out of order;
// the cached balance stays authoritative while it lives.
func (s *Settler) persist(agentID string, out Outcome) {
	if s.balances == nil {
		return
	}
	s.async(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
		defer cancel()

		if err := s.balances.UpdateBalance(ctx, agentID, out.BalanceCents); err != nil {
			slog.Error("persisting balance failed", "agent_id", agentID, "error", err)
			if s.metrics != nil {
				s.metrics.RecordPersistFailure("balance")
			}
		}
		if !out.Frozen {
			return
		}
		if err := s.balances.SetStatus(ctx, agentID, agent.StatusFrozen); err != nil {
			slog.Error("persisting frozen status failed", "agent_id", agentID, "error", err)
			if s.metrics != nil {
				s.metrics.RecordPersistFailure("status")
			}
		}
	})
}
