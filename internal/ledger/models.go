// Package ledger holds the balance, usage event and top-up records shared by
// the usage state machine and the top-up reconciler, along with their
// Postgres store.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventStatus is the lifecycle state of a usage event.
type EventStatus string

const (
	StatusPending   EventStatus = "PENDING"
	StatusCaptured  EventStatus = "CAPTURED"
	StatusCancelled EventStatus = "CANCELLED"
	// StatusExpired is reserved for a future reclaimer; nothing produces it.
	StatusExpired EventStatus = "EXPIRED"
)

// Valid reports whether s is a known event status.
func (s EventStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCaptured, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// TopUpStatus is the reconciliation state of a top-up transaction.
type TopUpStatus string

const (
	TopUpPending   TopUpStatus = "PENDING"
	TopUpConfirmed TopUpStatus = "CONFIRMED"
	TopUpFailed    TopUpStatus = "FAILED"
)

// Currency names the balance column a hold or credit applies to. The zero
// value means no balance is touched.
type Currency string

const (
	CurrencyNone    Currency = ""
	CurrencyETH     Currency = "eth"
	CurrencyCredits Currency = "credits"
)

// Balance is a wallet's prepaid balance with one agent.
type Balance struct {
	WalletAddress string          `json:"walletAddress"`
	AgentID       string          `json:"agentId"`
	Eth           decimal.Decimal `json:"eth"`
	Credits       decimal.Decimal `json:"credits"`
}

// UsageEvent is one billable attempt.
type UsageEvent struct {
	ID              string           `json:"id"`
	AgentID         string           `json:"agentId"`
	WalletAddress   string           `json:"walletAddress"`
	Status          EventStatus      `json:"status"`
	FeeDeducted     *decimal.Decimal `json:"feeDeducted"`
	CreditsDeducted *decimal.Decimal `json:"creditsDeducted"`
	IdempotencyKey  string           `json:"idempotencyKey,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Refund returns the currency and amount a release must give back.
func (e *UsageEvent) Refund() (Currency, decimal.Decimal) {
	if e.FeeDeducted != nil && e.FeeDeducted.IsPositive() {
		return CurrencyETH, *e.FeeDeducted
	}
	if e.CreditsDeducted != nil && e.CreditsDeducted.IsPositive() {
		return CurrencyCredits, *e.CreditsDeducted
	}
	return CurrencyNone, decimal.Zero
}

// Hold is the input to the atomic debit-and-record step of track. A zero
// Currency records a free event without touching any balance.
type Hold struct {
	AgentID        string
	WalletAddress  string
	IdempotencyKey string
	Currency       Currency
	Amount         decimal.Decimal
}

// TopUp is an on-chain deposit awaiting or past reconciliation.
type TopUp struct {
	TxHash         string           `json:"txHash"`
	AgentID        string           `json:"agentId"`
	WalletAddress  string           `json:"walletAddress"`
	AmountInEth    decimal.Decimal  `json:"amountInEth"`
	CreditsToTopUp *decimal.Decimal `json:"creditsToTopUp"`
	Status         TopUpStatus      `json:"status"`
	ErrorMessage   string           `json:"errorMessage,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// EventQuery filters and paginates usage events.
type EventQuery struct {
	AgentID       string
	WalletAddress string
	Status        EventStatus
	Cursor        string
	Limit         int
}

// TopUpQuery filters and paginates top-up transactions.
type TopUpQuery struct {
	AgentID string
	Status  TopUpStatus
	Cursor  string
	Limit   int
}
