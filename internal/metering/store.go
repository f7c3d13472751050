package metering

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrInvalidCursor is returned by ListEvents for a malformed page cursor.
var ErrInvalidCursor = errors.New("invalid cursor")

// Store persists spend events in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const spendColumns = 14

// BatchInsert writes a slice of spend events in a single multi-row INSERT.
// Events already present (same id) are skipped. It is a no-op when events is
// empty.
func (s *Store) BatchInsert(ctx context.Context, events []SpendEvent) error {
	if len(events) == 0 {
		return nil
	}

	args := make([]any, 0, len(events)*spendColumns)
	rows := make([]string, 0, len(events))

	for i, ev := range events {
		base := i * spendColumns
		ph := make([]string, spendColumns)
		for j := range ph {
			ph[j] = "$" + strconv.Itoa(base+j+1)
		}
		rows = append(rows, "("+strings.Join(ph, ", ")+")")

		createdAt := ev.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		args = append(args,
			ev.ID,
			ev.AgentID,
			ev.RequestID,
			ev.Model,
			ev.PromptTokens,
			ev.CompletionTokens,
			ev.ReservedCents,
			ev.ActualCents,
			ev.BalanceAfterCents,
			ev.UsageSource,
			ev.StatusCode,
			ev.Stream,
			ev.Frozen,
			createdAt,
		)
	}

	query := `INSERT INTO spend_events
		(id, agent_id, request_id, model, prompt_tokens, completion_tokens,
		 reserved_cents, actual_cents, balance_after_cents, usage_source,
		 status_code, stream, frozen, created_at)
		VALUES ` + strings.Join(rows, ", ") + `
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting spend events: %w", err)
	}
	return nil
}

// GetSummary returns aggregate spend matching the given query filters.
func (s *Store) GetSummary(ctx context.Context, q SpendQuery) (*SpendSummary, error) {
	where, args := buildWhereClause(q)

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(reserved_cents), 0),
		COALESCE(SUM(actual_cents), 0),
		COALESCE(SUM(prompt_tokens), 0),
		COALESCE(SUM(completion_tokens), 0),
		COALESCE(SUM(CASE WHEN usage_source = 'reserve' THEN 1 ELSE 0 END), 0)
	FROM spend_events` + where

	var summary SpendSummary
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&summary.TotalRequests,
		&summary.TotalReservedCents,
		&summary.TotalActualCents,
		&summary.TotalPromptTokens,
		&summary.TotalCompletionTokens,
		&summary.ReserveFallbacks,
	)
	if err != nil {
		return nil, fmt.Errorf("querying spend summary: %w", err)
	}
	return &summary, nil
}

// ListEvents returns a page of spend events ordered by created_at DESC,
// id DESC, and the cursor for the next page (empty when there is none).
func (s *Store) ListEvents(ctx context.Context, q SpendQuery) ([]*SpendEvent, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (created_at, id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT id, agent_id, request_id, model, prompt_tokens, completion_tokens,
		reserved_cents, actual_cents, balance_after_cents, usage_source,
		status_code, stream, frozen, created_at
	FROM spend_events` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing spend events: %w", err)
	}
	defer rows.Close()

	var events []*SpendEvent
	for rows.Next() {
		var ev SpendEvent
		if err := rows.Scan(
			&ev.ID, &ev.AgentID, &ev.RequestID, &ev.Model,
			&ev.PromptTokens, &ev.CompletionTokens,
			&ev.ReservedCents, &ev.ActualCents, &ev.BalanceAfterCents, &ev.UsageSource,
			&ev.StatusCode, &ev.Stream, &ev.Frozen, &ev.CreatedAt,
		); err != nil {
			return nil, "", fmt.Errorf("scanning spend event row: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating spend event rows: %w", err)
	}

	var nextCursor string
	if len(events) > limit {
		last := events[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		events = events[:limit]
	}
	return events, nextCursor, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from a
// SpendQuery. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q SpendQuery) (string, []any) {
	var conditions []string
	var args []any

	if q.AgentID != "" {
		args = append(args, q.AgentID)
		conditions = append(conditions, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if q.Model != "" {
		args = append(args, q.Model)
		conditions = append(conditions, fmt.Sprintf("model = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
