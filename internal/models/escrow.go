package models

import "time"

// Escrow record statuses. A record transitions exactly once from held to a
// terminal state; closing twice is a no-op.
const (
	EscrowStatusHeld     = "held"
	EscrowStatusReleased = "released"
	EscrowStatusRefunded = "refunded"
)

// EscrowRecord is a held payment: funds moved off the payer's balance
// pending resolution of the booking it is attached to.
type EscrowRecord struct {
	ID           string     `json:"id" db:"id"`
	BookingID    string     `json:"booking_id" db:"booking_id"`
	PayerID      string     `json:"payer_id" db:"payer_id"`
	PayeeID      string     `json:"payee_id" db:"payee_id"`
	GrossAmount  int64      `json:"gross_amount" db:"gross_amount"` // in cents
	PlatformFee  int64      `json:"platform_fee" db:"platform_fee"`
	PayoutAmount int64      `json:"payout_amount" db:"payout_amount"` // gross - fee
	Status       string     `json:"status" db:"status"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	ClosedAt     *time.Time `json:"closed_at" db:"closed_at"`
}
