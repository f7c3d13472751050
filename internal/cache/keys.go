package cache

// Keys builds the cache key schema. Agent-scoped keys share the
// "<prefix>agent:<id>:" namespace; key-scoped entries are addressed by the
// allowance key hash, never the key itself.
type Keys struct {
	Prefix string
}

func (k Keys) agent(agentID, field string) string {
	return k.Prefix + "agent:" + agentID + ":" + field
}

func (k Keys) Frozen(agentID string) string     { return k.agent(agentID, "frozen") }
func (k Keys) Balance(agentID string) string    { return k.agent(agentID, "balance") }
func (k Keys) LastPrompt(agentID string) string { return k.agent(agentID, "last_prompt") }
func (k Keys) Streak(agentID string) string     { return k.agent(agentID, "streak") }
func (k Keys) Velocity(agentID string) string   { return k.agent(agentID, "velocity") }

// Policy is the snapshot entry for one allowance key.
func (k Keys) Policy(keyHash string) string { return k.Prefix + "key:" + keyHash + ":policy" }

// KeyAgent maps an allowance key hash to its agent id.
func (k Keys) KeyAgent(keyHash string) string { return k.Prefix + "key:" + keyHash + ":agent" }

// Idempotency is the record for one (agent, client token) pair.
func (k Keys) Idempotency(agentID, token string) string {
	return k.Prefix + "idem:" + agentID + ":" + token
}
