package agent

import (
	"context"
	"errors"

	"github.com/alecgard/tollgate/internal/auth"
)

// AuthAdapter wraps an agent Store to satisfy auth.KeyLookup.
type AuthAdapter struct {
	store *Store
}

// NewAuthAdapter creates an adapter that bridges agent.Store to auth.KeyLookup.
func NewAuthAdapter(store *Store) *AuthAdapter {
	return &AuthAdapter{store: store}
}

// LookupKey converts a stored key into an auth.KeyRecord; an unknown hash is
// reported as (nil, nil).
func (a *AuthAdapter) LookupKey(ctx context.Context, hash string) (*auth.KeyRecord, error) {
	k, err := a.store.LookupKey(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &auth.KeyRecord{AgentID: k.AgentID, RevokedAt: k.RevokedAt}, nil
}
