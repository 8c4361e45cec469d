package ledger

import (
	"errors"
	"net/http"

	"github.com/alecgard/agentpay/internal/agent"
)

var (
	ErrInvalidInput = errors.New("invalid input")

	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInsufficientCredits = errors.New("insufficient credits")

	ErrEventNotCapturable = errors.New("event not found or not pending")
	ErrEventNotReleasable = errors.New("event not found or not pending")
	ErrAgentNotFound      = errors.New("agent not found")
	ErrNotFound           = errors.New("not found")

	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used for this agent")
	ErrIdempotencyKeyReused    = errors.New("idempotency key belongs to a different wallet")
	ErrDuplicateTopUp          = errors.New("transaction hash already submitted")
)

// StatusCode maps an error to the HTTP status it should produce.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput), errors.Is(err, agent.ErrInvalidFeeModel):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrEventNotCapturable), errors.Is(err, ErrEventNotReleasable),
		errors.Is(err, ErrAgentNotFound), errors.Is(err, ErrNotFound),
		errors.Is(err, agent.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateIdempotencyKey), errors.Is(err, ErrIdempotencyKeyReused),
		errors.Is(err, ErrDuplicateTopUp):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Code maps an error to the machine-readable code of the error envelope.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, agent.ErrInvalidFeeModel):
		return "invalid_input"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, ErrEventNotCapturable):
		return "event_not_capturable"
	case errors.Is(err, ErrEventNotReleasable):
		return "event_not_releasable"
	case errors.Is(err, ErrAgentNotFound), errors.Is(err, agent.ErrNotFound):
		return "agent_not_found"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		return "duplicate_idempotency_key"
	case errors.Is(err, ErrIdempotencyKeyReused):
		return "idempotency_key_reused"
	case errors.Is(err, ErrDuplicateTopUp):
		return "duplicate_transaction"
	default:
		return "internal_error"
	}
}
