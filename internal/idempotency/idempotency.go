// Package idempotency deduplicates retried requests that carry a client
// token. Records live in the shared cache under (agent, token).
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alecgard/tollgate/internal/cache"
)

// HeaderName is the request header carrying the client token.
const HeaderName = "Idempotency-Key"

// MaxTokenLength bounds the token so it cannot bloat cache keys.
const MaxTokenLength = 255

const inProgress = "in_progress"

// Outcome is the result of Begin.
type Outcome int

const (
	// Admitted means no record existed; the caller owns the token until it
	// calls Complete or Release.
	Admitted Outcome = iota
	// Replay means a completed response is stored and must be returned as is.
	Replay
	// InFlight means another request with the same token is running.
	InFlight
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case Replay:
		return "replay"
	case InFlight:
		return "in_flight"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Response is a stored non-streamed response.
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body"`
}

// Store reads and writes idempotency records.
type Store struct {
	cache         cache.Cache
	keys          cache.Keys
	inProgressTTL time.Duration
	completedTTL  time.Duration
}

func NewStore(c cache.Cache, keys cache.Keys, inProgressTTL, completedTTL time.Duration) *Store {
	return &Store{
		cache:         c,
		keys:          keys,
		inProgressTTL: inProgressTTL,
		completedTTL:  completedTTL,
	}
}

// Begin claims the token for agentID. The in-progress marker is written
// with SETNX so two concurrent callers cannot both be admitted.
func (s *Store) Begin(ctx context.Context, agentID, token string) (Outcome, *Response, error) {
	key := s.keys.Idempotency(agentID, token)

	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.cache.SetNX(ctx, key, inProgress, s.inProgressTTL)
		if err != nil {
			return 0, nil, fmt.Errorf("claiming idempotency token: %w", err)
		}
		if ok {
			return Admitted, nil, nil
		}

		raw, err := s.cache.Get(ctx, key)
		if errors.Is(err, cache.ErrMiss) {
			// Expired between the two calls.
			continue
		}
		if err != nil {
			return 0, nil, fmt.Errorf("reading idempotency record: %w", err)
		}
		if raw == inProgress {
			return InFlight, nil, nil
		}

		var resp Response
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			slog.Warn("discarding corrupt idempotency record", "agent_id", agentID, "error", err)
			if err := s.cache.Set(ctx, key, inProgress, s.inProgressTTL); err != nil {
				return 0, nil, fmt.Errorf("replacing idempotency record: %w", err)
			}
			return Admitted, nil, nil
		}
		return Replay, &resp, nil
	}
	return InFlight, nil, nil
}

// Complete replaces the marker with the finished response.
func (s *Store) Complete(ctx context.Context, agentID, token string, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding idempotency record: %w", err)
	}
	if err := s.cache.Set(ctx, s.keys.Idempotency(agentID, token), string(data), s.completedTTL); err != nil {
		return fmt.Errorf("storing idempotency record: %w", err)
	}
	return nil
}

// Release drops the marker so the token can be retried.
func (s *Store) Release(ctx context.Context, agentID, token string) error {
	if err := s.cache.Del(ctx, s.keys.Idempotency(agentID, token)); err != nil {
		return fmt.Errorf("releasing idempotency token: %w", err)
	}
	return nil
}
