package models

import "time"

// Wallet transaction kinds. The journal is append-only; the sum of all
// transaction amounts for an account must equal its available balance.
const (
	TxKindHold    = "hold"
	TxKindRelease = "release"
	TxKindRefund  = "refund"
	TxKindPenalty = "penalty"
	TxKindPayout  = "payout"
)

// Account represents a user wallet. Balance is in cents and is only ever
// written through the ledger's debit/credit operations.
type Account struct {
	ID                  string    `json:"id" db:"id"`
	AvailableBalance    int64     `json:"available_balance" db:"available_balance"` // in cents
	MinBalanceThreshold int64     `json:"min_balance_threshold" db:"min_balance_threshold"`
	TrustScore          int       `json:"trust_score" db:"trust_score"`
	ReliabilityScore    int       `json:"reliability_score" db:"reliability_score"`
	Version             int       `json:"version" db:"version"` // for optimistic locking
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// WalletTransaction is one journal row. Negative amount = debit.
type WalletTransaction struct {
	ID              int       `json:"id" db:"id"`
	AccountID       string    `json:"account_id" db:"account_id"`
	Amount          int64     `json:"amount" db:"amount"` // in cents, signed
	Kind            string    `json:"kind" db:"kind"`
	RelatedEscrowID string    `json:"related_escrow_id" db:"related_escrow_id"`
	BalanceAfter    int64     `json:"balance_after" db:"balance_after"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

