package agent

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseFeeModel(t *testing.T) {
	tests := []struct {
		name    string
		typ     FeeModelType
		config  string
		wantErr error
	}{
		{
			name:   "free tier",
			typ:    FeeModelFreeTier,
			config: `{"threshold": 3, "rate": "0.001"}`,
		},
		{
			name:   "free tier numeric rate",
			typ:    FeeModelFreeTier,
			config: `{"threshold": 0, "rate": 0.5}`,
		},
		{
			name:   "credit based",
			typ:    FeeModelCreditBased,
			config: `{"creditsPerPrompt": 10, "topUpOptions": [{"creditAmount": 100, "pricePerCredit": "0.0001"}]}`,
		},
		{
			name:    "credit config under free tier tag",
			typ:     FeeModelFreeTier,
			config:  `{"creditsPerPrompt": 10, "topUpOptions": []}`,
			wantErr: ErrInvalidFeeModel,
		},
		{
			name:    "free tier config under credit tag",
			typ:     FeeModelCreditBased,
			config:  `{"threshold": 3, "rate": "0.001"}`,
			wantErr: ErrInvalidFeeModel,
		},
		{
			name:    "negative threshold",
			typ:     FeeModelFreeTier,
			config:  `{"threshold": -1, "rate": "0.001"}`,
			wantErr: ErrInvalidFeeModel,
		},
		{
			name:    "zero rate",
			typ:     FeeModelFreeTier,
			config:  `{"threshold": 1, "rate": "0"}`,
			wantErr: ErrInvalidFeeModel,
		},
		{
			name:    "no top-up options",
			typ:     FeeModelCreditBased,
			config:  `{"creditsPerPrompt": 10, "topUpOptions": []}`,
			wantErr: ErrInvalidFeeModel,
		},
		{
			name:    "zero credits per prompt",
			typ:     FeeModelCreditBased,
			config:  `{"creditsPerPrompt": 0, "topUpOptions": [{"creditAmount": 100, "pricePerCredit": "0.0001"}]}`,
			wantErr: ErrInvalidFeeModel,
		},
		{
			name:    "unknown type",
			typ:     "PAY_AS_YOU_GO",
			config:  `{}`,
			wantErr: ErrInvalidFeeModel,
		},
		{
			name:    "missing config",
			typ:     FeeModelFreeTier,
			config:  ``,
			wantErr: ErrInvalidFeeModel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseFeeModel(tt.typ, []byte(tt.config))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if m.Type != tt.typ {
				t.Errorf("type = %q, want %q", m.Type, tt.typ)
			}
		})
	}
}

func TestValidateRejectsBothVariants(t *testing.T) {
	m := FeeModel{
		Type:     FeeModelFreeTier,
		FreeTier: &FreeTierConfig{Threshold: 1, Rate: decimal.RequireFromString("0.1")},
		Credits:  &CreditConfig{CreditsPerPrompt: 1},
	}
	if err := m.Validate(); !errors.Is(err, ErrFeeModelMismatch) {
		t.Fatalf("expected ErrFeeModelMismatch, got %v", err)
	}
}

func TestValidateRejectsSubWeiPrices(t *testing.T) {
	tests := []FeeModel{
		{Type: FeeModelFreeTier, FreeTier: &FreeTierConfig{Threshold: 1, Rate: decimal.RequireFromString("0.0000000000000000001")}},
		{Type: FeeModelCreditBased, Credits: &CreditConfig{CreditsPerPrompt: 1, TopUpOptions: []CreditTier{
			{CreditAmount: 10, PricePerCredit: decimal.RequireFromString("0.12345678901234567891")},
		}}},
	}
	for _, m := range tests {
		if err := m.Validate(); !errors.Is(err, ErrInvalidFeeModel) {
			t.Errorf("%s: expected ErrInvalidFeeModel, got %v", m.Type, err)
		}
	}
}

func TestFeeModelJSONRoundTrip(t *testing.T) {
	in := `{"type":"CREDIT_BASED","config":{"creditsPerPrompt":10,"topUpOptions":[{"creditAmount":50,"pricePerCredit":"0.0002"}]}}`

	var m FeeModel
	if err := json.Unmarshal([]byte(in), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Credits == nil || m.Credits.CreditsPerPrompt != 10 {
		t.Fatalf("unexpected credits config: %+v", m.Credits)
	}

	out, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back FeeModel
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("re-unmarshal %s: %v", out, err)
	}
	if !back.Credits.TopUpOptions[0].PricePerCredit.Equal(decimal.RequireFromString("0.0002")) {
		t.Errorf("price changed across round trip: %s", back.Credits.TopUpOptions[0].PricePerCredit)
	}
}

func TestCreateAgentInputRejectsMismatchedModel(t *testing.T) {
	body := `{"name":"bot","feeModel":{"type":"FREE_TIER","config":{"creditsPerPrompt":5,"topUpOptions":[]}}}`
	var in CreateAgentInput
	err := json.Unmarshal([]byte(body), &in)
	if !errors.Is(err, ErrInvalidFeeModel) {
		t.Fatalf("expected ErrInvalidFeeModel, got %v", err)
	}
}
