package agent

import (
	"errors"
	"time"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Agent lifecycle states.
const (
	StatusActive = "active"
	StatusFrozen = "frozen"
)

// Agent is an autonomous caller owned by a user.
type Agent struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Policy is the enforcement configuration of one agent. Money is integer
// cents throughout.
type Policy struct {
	AgentID          string        `json:"agent_id"`
	BalanceCents     int64         `json:"balance_cents"`
	AllowedModels    []string      `json:"allowed_models"`
	BreakerThreshold int           `json:"breaker_threshold"`
	VelocityWindow   time.Duration `json:"velocity_window"`
	VelocityCapCents int64         `json:"velocity_cap_cents"`
	WebhookURL       string        `json:"webhook_url,omitempty"`
	WebhookSecret    string        `json:"-"`
}

// PolicyRecord is an agent joined with its policy, as the gateway loads it.
type PolicyRecord struct {
	Agent  Agent
	Policy Policy
}

// Key is a persisted allowance key. Only the hash is stored.
type Key struct {
	Hash      string     `json:"-"`
	Prefix    string     `json:"prefix"`
	AgentID   string     `json:"agent_id"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// User owns agents and the provider credential they spend with.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateAgentInput holds the fields required to create a new agent.
type CreateAgentInput struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// UpsertPolicyInput replaces an agent's policy.
type UpsertPolicyInput struct {
	BalanceCents     int64
	AllowedModels    []string
	BreakerThreshold int
	VelocityWindow   time.Duration
	VelocityCapCents int64
	WebhookURL       string
	WebhookSecret    string
}

// ListParams controls cursor-based pagination for listing agents.
type ListParams struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}
