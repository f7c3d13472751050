package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/tollgate/internal/agent"
	"github.com/alecgard/tollgate/internal/auth"
	"github.com/alecgard/tollgate/internal/policy"
)

// AgentStore is the durable side of the admin hooks.
type AgentStore interface {
	CreateUser(ctx context.Context, email string) (*agent.User, error)
	SetProviderCredential(ctx context.Context, userID, blob string) error
	CreateAgent(ctx context.Context, in agent.CreateAgentInput) (*agent.Agent, error)
	GetByID(ctx context.Context, id string) (*agent.Agent, error)
	List(ctx context.Context, params agent.ListParams) ([]*agent.Agent, string, error)
	SetStatus(ctx context.Context, agentID, status string) error
	UpdateBalance(ctx context.Context, agentID string, balanceCents int64) error
	UpsertPolicy(ctx context.Context, agentID string, in agent.UpsertPolicyInput) (*agent.Policy, error)
	InsertKey(ctx context.Context, agentID, hash, prefix string) (*agent.Key, error)
	RevokeKey(ctx context.Context, hash string) error
}

// CacheControl is the live side of the admin hooks; policy.Invalidator
// implements it.
type CacheControl interface {
	InvalidateAgent(ctx context.Context, agentID string) error
	InvalidateKey(ctx context.Context, keyHash string) error
	Freeze(ctx context.Context, agentID, reason string, ttl time.Duration) error
	Unfreeze(ctx context.Context, agentID string) error
	SetBalance(ctx context.Context, agentID string, cents int64) error
}

// CredentialSealer encrypts provider keys for an owner.
type CredentialSealer interface {
	Seal(credential, owner string) (string, error)
}

// agentsHandler serves the dashboard-facing hooks. Every change is written
// to the store first and then pushed into the cache, so a cache failure
// leaves at worst a stale entry that expires on its TTL.
type agentsHandler struct {
	store  AgentStore
	cache  CacheControl
	hasher *auth.Hasher
	sealer CredentialSealer
}

func newAgentsHandler(store AgentStore, cc CacheControl, hasher *auth.Hasher, sealer CredentialSealer) *agentsHandler {
	return &agentsHandler{store: store, cache: cc, hasher: hasher, sealer: sealer}
}

type createUserRequest struct {
	Email string `json:"email"`
}

// CreateUser handles POST /admin/users.
func (h *agentsHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "a valid email is required")
		return
	}
	u, err := h.store.CreateUser(r.Context(), req.Email)
	if err != nil {
		writeStoreError(w, "create_user", err)
		return
	}
	auditLog(r, "create", "user", u.ID)
	writeJSON(w, http.StatusCreated, u)
}

type providerKeyRequest struct {
	ProviderKey string `json:"provider_key"`
}

// SetProviderKey handles PUT /admin/users/{id}/provider-key. The key is
// sealed for the owner before it reaches the store.
func (h *agentsHandler) SetProviderKey(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	var req providerKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if strings.TrimSpace(req.ProviderKey) == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "provider_key is required")
		return
	}
	if h.sealer == nil {
		writeError(w, http.StatusServiceUnavailable, "encryption_disabled", "no encryption key configured")
		return
	}
	blob, err := h.sealer.Seal(req.ProviderKey, userID)
	if err != nil {
		writeStoreError(w, "seal_provider_key", err)
		return
	}
	if err := h.store.SetProviderCredential(r.Context(), userID, blob); err != nil {
		writeStoreError(w, "set_provider_key", err)
		return
	}
	auditLog(r, "set_provider_key", "user", userID)
	w.WriteHeader(http.StatusNoContent)
}

// CreateAgent handles POST /admin/agents.
func (h *agentsHandler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var in agent.CreateAgentInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if in.Name == "" || in.UserID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "name and user_id are required")
		return
	}
	a, err := h.store.CreateAgent(r.Context(), in)
	if err != nil {
		writeStoreError(w, "create_agent", err)
		return
	}
	auditLog(r, "create", "agent", a.ID, "name", a.Name)
	writeJSON(w, http.StatusCreated, a)
}

// ListAgents handles GET /admin/agents.
func (h *agentsHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	params := agent.ListParams{Cursor: r.URL.Query().Get("cursor")}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "invalid_params", "limit must be between 1 and 100")
			return
		}
		params.Limit = n
	}
	agents, next, err := h.store.List(r.Context(), params)
	if err != nil {
		writeStoreError(w, "list_agents", err)
		return
	}
	if agents == nil {
		agents = []*agent.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents":      agents,
		"next_cursor": next,
	})
}

// GetAgent handles GET /admin/agents/{id}.
func (h *agentsHandler) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, "get_agent", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type policyRequest struct {
	BalanceCents          int64    `json:"balance_cents"`
	AllowedModels         []string `json:"allowed_models"`
	BreakerThreshold      int      `json:"breaker_threshold"`
	VelocityWindowSeconds int64    `json:"velocity_window_seconds"`
	VelocityCapCents      int64    `json:"velocity_cap_cents"`
	WebhookURL            string   `json:"webhook_url"`
	WebhookSecret         string   `json:"webhook_secret"`
}

func (p policyRequest) validate() string {
	switch {
	case p.BalanceCents < 0:
		return "balance_cents must be non-negative"
	case p.BreakerThreshold < 0:
		return "breaker_threshold must be non-negative"
	case p.VelocityWindowSeconds < 0 || p.VelocityCapCents < 0:
		return "velocity settings must be non-negative"
	case p.WebhookURL != "" && !strings.HasPrefix(p.WebhookURL, "http://") && !strings.HasPrefix(p.WebhookURL, "https://"):
		return "webhook_url must be an http(s) URL"
	}
	return ""
}

// PutPolicy handles PUT /admin/agents/{id}/policy. The cached snapshots and
// balance are dropped so the next request loads the new policy.
func (h *agentsHandler) PutPolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req policyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", msg)
		return
	}
	if _, err := h.store.GetByID(r.Context(), id); err != nil {
		writeStoreError(w, "get_agent", err)
		return
	}
	p, err := h.store.UpsertPolicy(r.Context(), id, agent.UpsertPolicyInput{
		BalanceCents:     req.BalanceCents,
		AllowedModels:    req.AllowedModels,
		BreakerThreshold: req.BreakerThreshold,
		VelocityWindow:   time.Duration(req.VelocityWindowSeconds) * time.Second,
		VelocityCapCents: req.VelocityCapCents,
		WebhookURL:       req.WebhookURL,
		WebhookSecret:    req.WebhookSecret,
	})
	if err != nil {
		writeStoreError(w, "upsert_policy", err)
		return
	}
	if err := h.cache.InvalidateAgent(r.Context(), id); err != nil {
		writeStoreError(w, "invalidate_agent", err)
		return
	}
	auditLog(r, "put_policy", "agent", id, "balance_cents", p.BalanceCents)
	writeJSON(w, http.StatusOK, p)
}

type balanceRequest struct {
	BalanceCents *int64 `json:"balance_cents"`
}

// SetBalance handles PUT /admin/agents/{id}/balance: a top-up or correction
// that replaces the live balance.
func (h *agentsHandler) SetBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req balanceRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.BalanceCents == nil || *req.BalanceCents < 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "balance_cents must be a non-negative integer")
		return
	}
	cents := *req.BalanceCents
	if err := h.store.UpdateBalance(r.Context(), id, cents); err != nil {
		writeStoreError(w, "update_balance", err)
		return
	}
	if err := h.cache.SetBalance(r.Context(), id, cents); err != nil {
		writeStoreError(w, "set_balance", err)
		return
	}
	auditLog(r, "set_balance", "agent", id, "balance_cents", cents)
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "balance_cents": cents})
}

// Freeze handles POST /admin/agents/{id}/freeze. The flag has no TTL.
func (h *agentsHandler) Freeze(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.SetStatus(r.Context(), id, agent.StatusFrozen); err != nil {
		writeStoreError(w, "set_status", err)
		return
	}
	if err := h.cache.Freeze(r.Context(), id, policy.FrozenByAdmin, 0); err != nil {
		writeStoreError(w, "freeze", err)
		return
	}
	auditLog(r, "freeze", "agent", id)
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": id, "status": agent.StatusFrozen})
}

// Unfreeze handles POST /admin/agents/{id}/unfreeze. It also clears an
// automatic freeze and the loop-detection streak.
func (h *agentsHandler) Unfreeze(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.SetStatus(r.Context(), id, agent.StatusActive); err != nil {
		writeStoreError(w, "set_status", err)
		return
	}
	if err := h.cache.Unfreeze(r.Context(), id); err != nil {
		writeStoreError(w, "unfreeze", err)
		return
	}
	auditLog(r, "unfreeze", "agent", id)
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": id, "status": agent.StatusActive})
}

// Invalidate handles POST /admin/agents/{id}/invalidate, used after the
// dashboard edits the tables directly.
func (h *agentsHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.cache.InvalidateAgent(r.Context(), id); err != nil {
		writeStoreError(w, "invalidate_agent", err)
		return
	}
	auditLog(r, "invalidate", "agent", id)
	w.WriteHeader(http.StatusNoContent)
}

// MintKey handles POST /admin/agents/{id}/keys. The plaintext is returned
// once and never stored.
func (h *agentsHandler) MintKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetByID(r.Context(), id); err != nil {
		writeStoreError(w, "get_agent", err)
		return
	}
	key, plaintext, err := auth.GenerateKey(h.hasher)
	if err != nil {
		writeStoreError(w, "generate_key", err)
		return
	}
	k, err := h.store.InsertKey(r.Context(), id, key.Hash, key.Prefix)
	if err != nil {
		writeStoreError(w, "insert_key", err)
		return
	}
	auditLog(r, "mint_key", "agent", id, "key_prefix", k.Prefix)
	writeJSON(w, http.StatusCreated, map[string]any{
		"agent_id":   id,
		"key":        plaintext,
		"key_hash":   k.Hash,
		"key_prefix": k.Prefix,
		"created_at": k.CreatedAt,
	})
}

// RevokeKey handles POST /admin/keys/{hash}/revoke.
func (h *agentsHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if err := h.store.RevokeKey(r.Context(), hash); err != nil {
		writeStoreError(w, "revoke_key", err)
		return
	}
	if err := h.cache.InvalidateKey(r.Context(), hash); err != nil {
		writeStoreError(w, "invalidate_key", err)
		return
	}
	auditLog(r, "revoke", "key", hash)
	w.WriteHeader(http.StatusNoContent)
}
