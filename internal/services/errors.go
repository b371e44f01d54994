package services

import "errors"

// Sentinel errors for the settlement engine. InsufficientFunds and LostRace
// are expected outcomes, not faults; callers render them as ordinary results.
var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrAlreadyClosed      = errors.New("escrow already closed")
	ErrAlreadyDecided     = errors.New("booking already decided")
	ErrLostRace           = errors.New("lost race")
	ErrNotFound           = errors.New("not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
)
