// Package activity keeps an append-only log of ledger operations for the
// developer dashboard.
package activity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind names the ledger operation an entry records.
type Kind string

const (
	KindTrack          Kind = "track"
	KindCapture        Kind = "capture"
	KindRelease        Kind = "release"
	KindTopUpSubmitted Kind = "topup_submitted"
	KindTopUpConfirmed Kind = "topup_confirmed"
	KindTopUpFailed    Kind = "topup_failed"
)

// Entry is one recorded ledger operation. Reference is the usage event id or
// the top-up tx hash.
type Entry struct {
	ID            string          `json:"id"`
	AgentID       string          `json:"agentId"`
	WalletAddress string          `json:"walletAddress"`
	Kind          Kind            `json:"kind"`
	Reference     string          `json:"reference"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency,omitempty"`
	Detail        string          `json:"detail,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Query selects one agent's entries, newest first.
type Query struct {
	AgentID string
	Kind    Kind
	Cursor  string
	Limit   int
}
