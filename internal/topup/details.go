package topup

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alecgard/agentpay/internal/agent"
	"github.com/alecgard/agentpay/internal/chain"
	"github.com/alecgard/agentpay/internal/ledger"
)

// ethDecimals is the precision of the ETH price quoted for a credit tier.
const ethDecimals = 6

// freeTierAmounts are the fixed deposit sizes offered to free-tier agents.
var freeTierAmounts = []string{"0.001", "0.01", "0.1"}

// Option is one purchasable top-up.
type Option struct {
	Label       string `json:"label"`
	AmountInEth string `json:"amountInEth"`
	AmountInWei string `json:"amountInWei"`
	Credits     *int64 `json:"credits,omitempty"`
}

// Details describes how a wallet can fund its balance with an agent.
type Details struct {
	AgentID       string             `json:"agentId"`
	FeeModelType  agent.FeeModelType `json:"feeModelType"`
	PayoutAddress string             `json:"payoutAddress,omitempty"`
	Options       []Option           `json:"options"`
}

// Details lists the top-up options for an agent. It reads only.
func (r *Reconciler) Details(ctx context.Context, agentID string) (*Details, error) {
	if _, err := uuid.Parse(agentID); err != nil {
		return nil, fmt.Errorf("%w: agentId must be a uuid", ledger.ErrInvalidInput)
	}
	a, err := r.agents.GetByID(ctx, agentID)
	if err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			return nil, ledger.ErrAgentNotFound
		}
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	opts, err := Options(a.FeeModel)
	if err != nil {
		return nil, err
	}
	return &Details{
		AgentID:       a.ID,
		FeeModelType:  a.FeeModel.Type,
		PayoutAddress: a.PayoutAddress,
		Options:       opts,
	}, nil
}

// Options synthesizes purchase options from a fee model. Credit tiers are
// priced at creditAmount × pricePerCredit rounded to 6 decimal places; the
// wei amount is that rounded price.
func Options(m agent.FeeModel) ([]Option, error) {
	switch m.Type {
	case agent.FeeModelCreditBased:
		if m.Credits == nil {
			return nil, agent.ErrFeeModelMismatch
		}
		opts := make([]Option, 0, len(m.Credits.TopUpOptions))
		for _, tier := range m.Credits.TopUpOptions {
			eth := decimal.NewFromInt(tier.CreditAmount).Mul(tier.PricePerCredit).Round(ethDecimals)
			credits := tier.CreditAmount
			opts = append(opts, Option{
				Label:       fmt.Sprintf("%d credits", tier.CreditAmount),
				AmountInEth: eth.StringFixed(ethDecimals),
				AmountInWei: chain.EthToWei(eth).String(),
				Credits:     &credits,
			})
		}
		return opts, nil

	case agent.FeeModelFreeTier:
		opts := make([]Option, 0, len(freeTierAmounts))
		for _, s := range freeTierAmounts {
			eth := decimal.RequireFromString(s)
			opts = append(opts, Option{
				Label:       s + " ETH",
				AmountInEth: s,
				AmountInWei: chain.EthToWei(eth).String(),
			})
		}
		return opts, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", agent.ErrFeeModelMismatch, m.Type)
	}
}
