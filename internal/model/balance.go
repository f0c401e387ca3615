package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind classifies a balance movement.
type EntryKind string

const (
	EntryDeposit EntryKind = "deposit"
	EntryCharge  EntryKind = "charge"
	EntryRefund  EntryKind = "refund"
	EntryPayout  EntryKind = "payout"
)

// BalanceEntry is one signed movement of a user's balance. At most one entry
// of each kind exists per trade.
type BalanceEntry struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	TradeID   string          `json:"trade_id,omitempty"`
	Kind      EntryKind       `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}
