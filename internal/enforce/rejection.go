package enforce

import (
	"fmt"
	"net/http"
)

// Machine-readable rejection codes returned to callers.
const (
	CodeKeyFrozen           = "key_frozen"
	CodeModelNotAllowed     = "model_not_allowed"
	CodeBreakerTripped      = "circuit_breaker_tripped"
	CodeInsufficientBalance = "insufficient_balance"
	CodeVelocityExceeded    = "velocity_cap_exceeded"
)

// Trip-event labels handed to the webhook notifier.
const (
	EventAgentFrozen         = "agent.frozen"
	EventModelBlocked        = "model.blocked"
	EventBreakerTripped      = "circuit_breaker.tripped"
	EventBalanceInsufficient = "balance.insufficient"
	EventVelocityExceeded    = "velocity.exceeded"
	EventOverdraftFrozen     = "balance.overdraft"
)

// Rejection is a preflight refusal. It never reaches the upstream provider.
type Rejection struct {
	Code    string
	Status  int
	Message string
	Event   string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

func rejectFrozen() *Rejection {
	return &Rejection{
		Code:    CodeKeyFrozen,
		Status:  http.StatusForbidden,
		Message: "agent is frozen",
		Event:   EventAgentFrozen,
	}
}

func rejectModel(model string) *Rejection {
	return &Rejection{
		Code:    CodeModelNotAllowed,
		Status:  http.StatusForbidden,
		Message: fmt.Sprintf("model %q is not in the agent's allowlist", model),
		Event:   EventModelBlocked,
	}
}

func rejectBreaker(streak int64) *Rejection {
	return &Rejection{
		Code:    CodeBreakerTripped,
		Status:  http.StatusTooManyRequests,
		Message: fmt.Sprintf("identical prompt repeated %d times in a row; agent frozen", streak),
		Event:   EventBreakerTripped,
	}
}

func rejectBalance(balance, reserve int64) *Rejection {
	return &Rejection{
		Code:    CodeInsufficientBalance,
		Status:  http.StatusPaymentRequired,
		Message: fmt.Sprintf("balance %d cents cannot cover an estimated %d cents", balance, reserve),
		Event:   EventBalanceInsufficient,
	}
}

func rejectVelocity(spent, reserve, limit int64) *Rejection {
	return &Rejection{
		Code:    CodeVelocityExceeded,
		Status:  http.StatusTooManyRequests,
		Message: fmt.Sprintf("%d cents spent in window plus %d estimated exceeds cap of %d", spent, reserve, limit),
		Event:   EventVelocityExceeded,
	}
}
