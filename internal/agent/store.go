package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for users, agents and allowance keys.
// The schema is owned by the dashboard; the gateway reads it and writes
// only balances and statuses, plus the seed helpers.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new agent store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// CreateUser inserts a user and returns it.
func (s *Store) CreateUser(ctx context.Context, email string) (*User, error) {
	u := &User{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (email) VALUES ($1)
		 RETURNING id, email, created_at`,
		email,
	).Scan(&u.ID, &u.Email, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

// SetProviderCredential stores the owner's encrypted provider key blob.
func (s *Store) SetProviderCredential(ctx context.Context, userID, blob string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET provider_key_enc = $2 WHERE id = $1`, userID, blob)
	if err != nil {
		return fmt.Errorf("setting provider credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("setting provider credential: %w", ErrNotFound)
	}
	return nil
}

// ProviderCredential returns the encrypted provider key blob of a user.
// A user without a configured credential yields ErrNotFound.
func (s *Store) ProviderCredential(ctx context.Context, userID string) (string, error) {
	var blob *string
	err := s.pool.QueryRow(ctx,
		`SELECT provider_key_enc FROM users WHERE id = $1`, userID,
	).Scan(&blob)
	if err != nil {
		return "", notFound(err, "getting provider credential")
	}
	if blob == nil || *blob == "" {
		return "", fmt.Errorf("getting provider credential: %w", ErrNotFound)
	}
	return *blob, nil
}

// CreateAgent inserts a new active agent and returns the created record.
func (s *Store) CreateAgent(ctx context.Context, in CreateAgentInput) (*Agent, error) {
	a := &Agent{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO agents (user_id, name)
		 VALUES ($1, $2)
		 RETURNING id, user_id, name, status, created_at`,
		in.UserID, in.Name,
	).Scan(&a.ID, &a.UserID, &a.Name, &a.Status, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	return a, nil
}

// GetByID retrieves an agent by its primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*Agent, error) {
	a := &Agent{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, name, status, created_at
		 FROM agents WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.UserID, &a.Name, &a.Status, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err, "getting agent by id")
	}
	return a, nil
}

// SetStatus moves an agent between active and frozen.
func (s *Store) SetStatus(ctx context.Context, agentID, status string) error {
	if status != StatusActive && status != StatusFrozen {
		return fmt.Errorf("invalid agent status %q", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = $2, updated_at = now() WHERE id = $1`,
		agentID, status,
	)
	if err != nil {
		return fmt.Errorf("setting agent status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("setting agent status: %w", ErrNotFound)
	}
	return nil
}

// List returns a page of agents ordered by created_at DESC, id DESC using
// cursor-based pagination. It returns the agents, the next cursor (empty if no
// more results), and any error.
func (s *Store) List(ctx context.Context, params ListParams) ([]*Agent, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	var rows pgx.Rows
	var err error

	if params.Cursor != "" {
		cursorTime, cursorID, cerr := decodeCursor(params.Cursor)
		if cerr != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", cerr)
		}
		rows, err = s.pool.Query(ctx,
			`SELECT id, user_id, name, status, created_at
			 FROM agents
			 WHERE (created_at, id) < ($1, $2)
			 ORDER BY created_at DESC, id DESC
			 LIMIT $3`,
			cursorTime, cursorID, limit+1,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, user_id, name, status, created_at
			 FROM agents
			 ORDER BY created_at DESC, id DESC
			 LIMIT $1`,
			limit+1,
		)
	}
	if err != nil {
		return nil, "", fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a := &Agent{}
		if err := rows.Scan(&a.ID, &a.UserID, &a.Name, &a.Status, &a.CreatedAt); err != nil {
			return nil, "", fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating agent rows: %w", err)
	}

	var nextCursor string
	if len(agents) > limit {
		last := agents[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		agents = agents[:limit]
	}

	return agents, nextCursor, nil
}

// InsertKey persists a freshly minted allowance key hash for an agent.
func (s *Store) InsertKey(ctx context.Context, agentID, hash, prefix string) (*Key, error) {
	k := &Key{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO allowance_keys (key_hash, key_prefix, agent_id)
		 VALUES ($1, $2, $3)
		 RETURNING key_hash, key_prefix, agent_id, created_at, revoked_at`,
		hash, prefix, agentID,
	).Scan(&k.Hash, &k.Prefix, &k.AgentID, &k.CreatedAt, &k.RevokedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting allowance key: %w", err)
	}
	return k, nil
}

// LookupKey fetches a key by hash, revoked or not.
func (s *Store) LookupKey(ctx context.Context, hash string) (*Key, error) {
	k := &Key{}
	err := s.pool.QueryRow(ctx,
		`SELECT key_hash, key_prefix, agent_id, created_at, revoked_at
		 FROM allowance_keys WHERE key_hash = $1`,
		hash,
	).Scan(&k.Hash, &k.Prefix, &k.AgentID, &k.CreatedAt, &k.RevokedAt)
	if err != nil {
		return nil, notFound(err, "looking up allowance key")
	}
	return k, nil
}

// RevokeKey marks a key revoked. Revoking twice keeps the first timestamp.
func (s *Store) RevokeKey(ctx context.Context, hash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE allowance_keys SET revoked_at = COALESCE(revoked_at, now())
		 WHERE key_hash = $1`,
		hash,
	)
	if err != nil {
		return fmt.Errorf("revoking allowance key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("revoking allowance key: %w", ErrNotFound)
	}
	return nil
}

// ActiveKeyHashes lists the hashes of an agent's unrevoked keys, the set
// whose cached policy snapshots must be invalidated on a policy change.
func (s *Store) ActiveKeyHashes(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key_hash FROM allowance_keys
		 WHERE agent_id = $1 AND revoked_at IS NULL
		 ORDER BY created_at`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing active keys: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scanning key row: %w", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating key rows: %w", err)
	}
	return hashes, nil
}

// encodeCursor produces a base64 string from a created_at timestamp and id.
func encodeCursor(createdAt time.Time, id string) string {
	raw := createdAt.Format(time.RFC3339Nano) + "|" + id
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a base64 cursor back into its created_at and id parts.
func decodeCursor(cursor string) (time.Time, string, error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor base64: %w", err)
	}

	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}

	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor time: %w", err)
	}

	return t, parts[1], nil
}
