package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alecgard/tollgate/internal/metering"
)

// SpendReader answers spend queries from the durable event table.
type SpendReader interface {
	GetSummary(ctx context.Context, q metering.SpendQuery) (*metering.SpendSummary, error)
	ListEvents(ctx context.Context, q metering.SpendQuery) ([]*metering.SpendEvent, string, error)
}

// spendHandler groups spend summary and event HTTP handlers.
type spendHandler struct {
	store SpendReader
}

func newSpendHandler(store SpendReader) *spendHandler {
	return &spendHandler{store: store}
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// buildSpendQuery constructs a SpendQuery from query params.
func buildSpendQuery(r *http.Request) (metering.SpendQuery, error) {
	v := r.URL.Query()
	q := metering.SpendQuery{
		AgentID: strings.TrimSpace(v.Get("agent_id")),
		Model:   strings.TrimSpace(v.Get("model")),
		Cursor:  v.Get("cursor"),
	}

	var err error
	if q.From, err = parseTimeParam(v.Get("from")); err != nil {
		return q, fmt.Errorf("from: %w", err)
	}
	if q.To, err = parseTimeParam(v.Get("to")); err != nil {
		return q, fmt.Errorf("to: %w", err)
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return q, fmt.Errorf("to is before from")
	}

	if s := v.Get("limit"); s != "" {
		l, err := strconv.Atoi(s)
		if err != nil || l < 1 || l > 500 {
			return q, fmt.Errorf("limit must be between 1 and 500")
		}
		q.Limit = l
	}
	return q, nil
}

// GetSummary handles GET /admin/spend.
func (h *spendHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	q, err := buildSpendQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}
	summary, err := h.store.GetSummary(r.Context(), q)
	if err != nil {
		writeStoreError(w, "spend_summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListEvents handles GET /admin/spend/events.
func (h *spendHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q, err := buildSpendQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}
	events, next, err := h.store.ListEvents(r.Context(), q)
	if err != nil {
		if errors.Is(err, metering.ErrInvalidCursor) {
			writeError(w, http.StatusBadRequest, "invalid_params", "invalid cursor")
			return
		}
		writeStoreError(w, "spend_events", err)
		return
	}
	if events == nil {
		events = []*metering.SpendEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":      events,
		"next_cursor": next,
	})
}
