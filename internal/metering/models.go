package metering

import "time"

// Usage sources recorded on a spend event.
const (
	SourceReported = "reported" // provider returned token counts
	SourceReserve  = "reserve"  // no usage seen; settled at the reservation
)

// SpendEvent is the durable record of one settled request.
type SpendEvent struct {
	ID                string    `json:"id"`
	AgentID           string    `json:"agent_id"`
	RequestID         string    `json:"request_id"`
	Model             string    `json:"model"`
	PromptTokens      int64     `json:"prompt_tokens"`
	CompletionTokens  int64     `json:"completion_tokens"`
	ReservedCents     int64     `json:"reserved_cents"`
	ActualCents       int64     `json:"actual_cents"`
	BalanceAfterCents int64     `json:"balance_after_cents"`
	UsageSource       string    `json:"usage_source"`
	StatusCode        int       `json:"status_code"`
	Stream            bool      `json:"stream"`
	Frozen            bool      `json:"frozen"`
	CreatedAt         time.Time `json:"created_at"`
}

// SpendSummary aggregates spend events.
type SpendSummary struct {
	TotalRequests         int64 `json:"total_requests"`
	TotalReservedCents    int64 `json:"total_reserved_cents"`
	TotalActualCents      int64 `json:"total_actual_cents"`
	TotalPromptTokens     int64 `json:"total_prompt_tokens"`
	TotalCompletionTokens int64 `json:"total_completion_tokens"`
	ReserveFallbacks      int64 `json:"reserve_fallbacks"`
}

// SpendQuery defines filters and pagination for querying spend events.
type SpendQuery struct {
	AgentID string    `json:"agent_id,omitempty"`
	Model   string    `json:"model,omitempty"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	Cursor  string    `json:"cursor,omitempty"`
	Limit   int       `json:"limit"`
}
