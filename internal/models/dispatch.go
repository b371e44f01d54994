package models

import "time"

// Instant request statuses. matched_candidate_id is set exactly once, and
// only when status becomes accepted.
const (
	RequestStatusSearching = "searching"
	RequestStatusAccepted  = "accepted"
	RequestStatusExpired   = "expired"
)

// Candidate response statuses. At most one response per request reaches
// accepted; the winner's follow-up forces every other pending response to
// expired.
const (
	ResponseStatusPending  = "pending"
	ResponseStatusAccepted = "accepted"
	ResponseStatusDeclined = "declined"
	ResponseStatusExpired  = "expired"
)

// InstantRequest is a time-boxed task broadcast to multiple candidates.
type InstantRequest struct {
	ID                 string     `json:"id" db:"id"`
	RequesterID        string     `json:"requester_id" db:"requester_id"`
	Status             string     `json:"status" db:"status"`
	MatchedCandidateID *string    `json:"matched_candidate_id" db:"matched_candidate_id"`
	ExpiresAt          time.Time  `json:"expires_at" db:"expires_at"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	MatchedAt          *time.Time `json:"matched_at" db:"matched_at"`
}

// CandidateResponse is one candidate's answer to an instant request.
type CandidateResponse struct {
	ID          int        `json:"id" db:"id"`
	RequestID   string     `json:"request_id" db:"request_id"`
	CandidateID string     `json:"candidate_id" db:"candidate_id"`
	Status      string     `json:"status" db:"status"`
	ETAMinutes  int        `json:"eta_minutes" db:"eta_minutes"`
	RespondedAt *time.Time `json:"responded_at" db:"responded_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// Assignment is the payload returned to the winning candidate.
type Assignment struct {
	RequestID   string    `json:"request_id"`
	CandidateID string    `json:"candidate_id"`
	ETAMinutes  int       `json:"eta_minutes"`
	MatchedAt   time.Time `json:"matched_at"`
}
