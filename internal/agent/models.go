package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alecgard/agentpay/internal/chain"
)

// FeeModelType tags which fee configuration an agent carries.
type FeeModelType string

const (
	FeeModelFreeTier    FeeModelType = "FREE_TIER"
	FeeModelCreditBased FeeModelType = "CREDIT_BASED"
)

var (
	// ErrNotFound is returned when no agent matches the lookup.
	ErrNotFound = errors.New("agent not found")

	// ErrInvalidFeeModel is returned when a fee model fails write-time validation.
	ErrInvalidFeeModel = errors.New("invalid fee model")

	// ErrFeeModelMismatch means a stored config does not match its declared
	// type. It should be impossible once writes are validated.
	ErrFeeModelMismatch = errors.New("fee model config does not match its type")
)

// Agent is a monetized AI agent owned by a developer.
type Agent struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	PayoutAddress string    `json:"payoutAddress,omitempty"`
	FeeModel      FeeModel  `json:"feeModel"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// FreeTierConfig grants Threshold free captured uses, then charges Rate ETH per use.
type FreeTierConfig struct {
	Threshold int64           `json:"threshold"`
	Rate      decimal.Decimal `json:"rate"`
}

// CreditTier is one purchasable bundle of credits.
type CreditTier struct {
	CreditAmount   int64           `json:"creditAmount"`
	PricePerCredit decimal.Decimal `json:"pricePerCredit"`
}

// CreditConfig deducts CreditsPerPrompt credits per use unless the caller
// asks for a specific amount.
type CreditConfig struct {
	CreditsPerPrompt int64        `json:"creditsPerPrompt"`
	TopUpOptions     []CreditTier `json:"topUpOptions"`
}

// FeeModel is the tagged union of fee configurations. Exactly one of
// FreeTier and Credits is set, matching Type.
type FeeModel struct {
	Type     FeeModelType
	FreeTier *FreeTierConfig
	Credits  *CreditConfig
}

// feeModelJSON is the wire shape: {"type": "...", "config": {...}}.
type feeModelJSON struct {
	Type   FeeModelType    `json:"type"`
	Config json.RawMessage `json:"config"`
}

// MarshalJSON encodes the fee model in its wire shape.
func (m FeeModel) MarshalJSON() ([]byte, error) {
	cfg, err := m.ConfigJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(feeModelJSON{Type: m.Type, Config: cfg})
}

// UnmarshalJSON decodes and validates a fee model.
func (m *FeeModel) UnmarshalJSON(data []byte) error {
	var raw feeModelJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFeeModel, err)
	}
	parsed, err := ParseFeeModel(raw.Type, raw.Config)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ConfigJSON returns only the config half of the model, as stored in the
// fee_model_config column.
func (m FeeModel) ConfigJSON() ([]byte, error) {
	switch m.Type {
	case FeeModelFreeTier:
		if m.FreeTier == nil {
			return nil, ErrFeeModelMismatch
		}
		return json.Marshal(m.FreeTier)
	case FeeModelCreditBased:
		if m.Credits == nil {
			return nil, ErrFeeModelMismatch
		}
		return json.Marshal(m.Credits)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidFeeModel, m.Type)
	}
}

// ParseFeeModel decodes config according to typ and validates it. Unknown
// fields are rejected so a config written for one type can never be read
// as the other.
func ParseFeeModel(typ FeeModelType, config []byte) (FeeModel, error) {
	if len(config) == 0 {
		return FeeModel{}, fmt.Errorf("%w: config is required", ErrInvalidFeeModel)
	}
	m := FeeModel{Type: typ}
	switch typ {
	case FeeModelFreeTier:
		m.FreeTier = &FreeTierConfig{}
		if err := decodeStrict(config, m.FreeTier); err != nil {
			return FeeModel{}, err
		}
	case FeeModelCreditBased:
		m.Credits = &CreditConfig{}
		if err := decodeStrict(config, m.Credits); err != nil {
			return FeeModel{}, err
		}
	default:
		return FeeModel{}, fmt.Errorf("%w: unknown type %q", ErrInvalidFeeModel, typ)
	}
	if err := m.Validate(); err != nil {
		return FeeModel{}, err
	}
	return m, nil
}

// Validate checks the config matches the tag and its values are in range.
func (m FeeModel) Validate() error {
	switch m.Type {
	case FeeModelFreeTier:
		if m.FreeTier == nil || m.Credits != nil {
			return ErrFeeModelMismatch
		}
		if m.FreeTier.Threshold < 0 {
			return fmt.Errorf("%w: threshold must be non-negative", ErrInvalidFeeModel)
		}
		if !m.FreeTier.Rate.IsPositive() {
			return fmt.Errorf("%w: rate must be positive", ErrInvalidFeeModel)
		}
		if err := chain.CheckEth(m.FreeTier.Rate); err != nil {
			return fmt.Errorf("%w: rate: %v", ErrInvalidFeeModel, err)
		}
	case FeeModelCreditBased:
		if m.Credits == nil || m.FreeTier != nil {
			return ErrFeeModelMismatch
		}
		if m.Credits.CreditsPerPrompt <= 0 {
			return fmt.Errorf("%w: creditsPerPrompt must be positive", ErrInvalidFeeModel)
		}
		if len(m.Credits.TopUpOptions) == 0 {
			return fmt.Errorf("%w: at least one top-up option is required", ErrInvalidFeeModel)
		}
		for i, opt := range m.Credits.TopUpOptions {
			if opt.CreditAmount <= 0 {
				return fmt.Errorf("%w: topUpOptions[%d].creditAmount must be positive", ErrInvalidFeeModel, i)
			}
			if !opt.PricePerCredit.IsPositive() {
				return fmt.Errorf("%w: topUpOptions[%d].pricePerCredit must be positive", ErrInvalidFeeModel, i)
			}
			if err := chain.CheckEth(opt.PricePerCredit); err != nil {
				return fmt.Errorf("%w: topUpOptions[%d].pricePerCredit: %v", ErrInvalidFeeModel, i, err)
			}
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFeeModel, m.Type)
	}
	return nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFeeModel, err)
	}
	return nil
}

// CreateAgentInput holds the fields required to create a new agent.
type CreateAgentInput struct {
	OwnerID       string   `json:"-"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	PayoutAddress string   `json:"payoutAddress"`
	FeeModel      FeeModel `json:"feeModel"`
}

// UpdateAgentInput holds optional fields for a partial agent update.
type UpdateAgentInput struct {
	Name          *string   `json:"name,omitempty"`
	Description   *string   `json:"description,omitempty"`
	PayoutAddress *string   `json:"payoutAddress,omitempty"`
	FeeModel      *FeeModel `json:"feeModel,omitempty"`
}

// AgentListParams controls cursor-based pagination for listing agents.
type AgentListParams struct {
	OwnerID string `json:"-"`
	Cursor  string `json:"cursor"`
	Limit   int    `json:"limit"`
}
