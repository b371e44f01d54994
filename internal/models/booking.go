package models

import "time"

// Booking lifecycle statuses.
const (
	BookingStatusPending    = "pending"
	BookingStatusAccepted   = "accepted"
	BookingStatusDeclined   = "declined"
	BookingStatusInProgress = "in_progress"
	BookingStatusCompleted  = "completed"
	BookingStatusCancelled  = "cancelled"
)

// Tasker decision values. The decision field is write-once: any attempt to
// decide an already-decided booking fails.
const (
	DecisionPending  = "pending"
	DecisionAccepted = "accepted"
	DecisionDeclined = "declined"
)

// Booking is the agreement an escrow record is attached to.
type Booking struct {
	ID             string     `json:"id" db:"id"`
	RequesterID    string     `json:"requester_id" db:"requester_id"`
	TaskerID       string     `json:"tasker_id" db:"tasker_id"`
	Status         string     `json:"status" db:"status"`
	TaskerDecision string     `json:"tasker_decision" db:"tasker_decision"`
	DecidedAt      *time.Time `json:"decided_at" db:"decided_at"`
	ScheduledStart *time.Time `json:"scheduled_start" db:"scheduled_start"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}
