// Package fee decides what a single agent invocation costs.
package fee

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alecgard/agentpay/internal/agent"
)

// ErrMisconfigured means the fee model tag and config disagree. Agents are
// validated on write, so this signals corrupted state rather than bad input.
var ErrMisconfigured = errors.New("fee model misconfigured")

// Kind is the type of charge a Decision asks for.
type Kind int

const (
	Free Kind = iota
	ChargeEth
	ChargeCredits
)

func (k Kind) String() string {
	switch k {
	case Free:
		return "free"
	case ChargeEth:
		return "eth"
	case ChargeCredits:
		return "credits"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Decision is the outcome of Evaluate. Amount is zero for Free.
type Decision struct {
	Kind   Kind
	Amount decimal.Decimal
}

// Evaluate maps an agent's fee model and the wallet's captured-use count to a
// charge. requestedCredits overrides creditsPerPrompt for credit-based agents
// when non-nil.
func Evaluate(model agent.FeeModel, priorCaptured int64, requestedCredits *decimal.Decimal) (Decision, error) {
	switch model.Type {
	case agent.FeeModelFreeTier:
		if model.FreeTier == nil || model.Credits != nil {
			return Decision{}, fmt.Errorf("%w: %s without free tier config", ErrMisconfigured, model.Type)
		}
		if priorCaptured < model.FreeTier.Threshold {
			return Decision{Kind: Free}, nil
		}
		return Decision{Kind: ChargeEth, Amount: model.FreeTier.Rate}, nil

	case agent.FeeModelCreditBased:
		if model.Credits == nil || model.FreeTier != nil {
			return Decision{}, fmt.Errorf("%w: %s without credit config", ErrMisconfigured, model.Type)
		}
		if requestedCredits != nil {
			return Decision{Kind: ChargeCredits, Amount: *requestedCredits}, nil
		}
		return Decision{Kind: ChargeCredits, Amount: decimal.NewFromInt(model.Credits.CreditsPerPrompt)}, nil

	default:
		return Decision{}, fmt.Errorf("%w: unknown type %q", ErrMisconfigured, model.Type)
	}
}
