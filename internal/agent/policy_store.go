package agent

import (
	"context"
	"fmt"
	"time"
)

// LoadPolicy reads an agent together with its policy. An agent without a
// policy row yields ErrNotFound.
func (s *Store) LoadPolicy(ctx context.Context, agentID string) (*PolicyRecord, error) {
	rec := &PolicyRecord{}
	var (
		windowSeconds int64
		webhookURL    *string
		webhookSecret *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT a.id, a.user_id, a.name, a.status, a.created_at,
		        p.balance_cents, p.allowed_models, p.breaker_threshold,
		        p.velocity_window_seconds, p.velocity_cap_cents,
		        p.webhook_url, p.webhook_secret
		 FROM agents a
		 JOIN policies p ON p.agent_id = a.id
		 WHERE a.id = $1`,
		agentID,
	).Scan(
		&rec.Agent.ID, &rec.Agent.UserID, &rec.Agent.Name, &rec.Agent.Status, &rec.Agent.CreatedAt,
		&rec.Policy.BalanceCents, &rec.Policy.AllowedModels, &rec.Policy.BreakerThreshold,
		&windowSeconds, &rec.Policy.VelocityCapCents,
		&webhookURL, &webhookSecret,
	)
	if err != nil {
		return nil, notFound(err, "loading policy")
	}

	rec.Policy.AgentID = rec.Agent.ID
	rec.Policy.VelocityWindow = time.Duration(windowSeconds) * time.Second
	if webhookURL != nil {
		rec.Policy.WebhookURL = *webhookURL
	}
	if webhookSecret != nil {
		rec.Policy.WebhookSecret = *webhookSecret
	}
	return rec, nil
}

// UpsertPolicy creates or replaces an agent's policy.
func (s *Store) UpsertPolicy(ctx context.Context, agentID string, in UpsertPolicyInput) (*Policy, error) {
	if in.BalanceCents < 0 {
		return nil, fmt.Errorf("balance must be non-negative, got %d", in.BalanceCents)
	}
	models := in.AllowedModels
	if models == nil {
		models = []string{}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO policies (agent_id, balance_cents, allowed_models, breaker_threshold,
		                       velocity_window_seconds, velocity_cap_cents, webhook_url, webhook_secret)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''))
		 ON CONFLICT (agent_id) DO UPDATE SET
		   balance_cents = EXCLUDED.balance_cents,
		   allowed_models = EXCLUDED.allowed_models,
		   breaker_threshold = EXCLUDED.breaker_threshold,
		   velocity_window_seconds = EXCLUDED.velocity_window_seconds,
		   velocity_cap_cents = EXCLUDED.velocity_cap_cents,
		   webhook_url = EXCLUDED.webhook_url,
		   webhook_secret = EXCLUDED.webhook_secret,
		   updated_at = now()`,
		agentID, in.BalanceCents, models, in.BreakerThreshold,
		int64(in.VelocityWindow/time.Second), in.VelocityCapCents, in.WebhookURL, in.WebhookSecret,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting policy: %w", err)
	}

	return &Policy{
		AgentID:          agentID,
		BalanceCents:     in.BalanceCents,
		AllowedModels:    models,
		BreakerThreshold: in.BreakerThreshold,
		VelocityWindow:   in.VelocityWindow,
		VelocityCapCents: in.VelocityCapCents,
		WebhookURL:       in.WebhookURL,
		WebhookSecret:    in.WebhookSecret,
	}, nil
}

// UpdateBalance writes the settled balance back to the policy row. The
// value is clamped at zero to honour the table constraint.
func (s *Store) UpdateBalance(ctx context.Context, agentID string, balanceCents int64) error {
	if balanceCents < 0 {
		balanceCents = 0
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE policies SET balance_cents = $2, updated_at = now() WHERE agent_id = $1`,
		agentID, balanceCents,
	)
	if err != nil {
		return fmt.Errorf("updating balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating balance: %w", ErrNotFound)
	}
	return nil
}
