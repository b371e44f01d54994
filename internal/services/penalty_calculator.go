package services

import (
	"github.com/taskhive/backend/internal/config"
	"github.com/taskhive/backend/internal/models"
)

// PenaltyCalculator computes cancellation fees. Pure policy, no side effects:
// a booking cancelled before the tasker accepted costs nothing; a late
// cancellation inside the penalty window charges a percentage of the gross
// amount and flags the canceller's trust score for deduction.
type PenaltyCalculator struct {
	policy *config.SettlementPolicy
}

func NewPenaltyCalculator(policy *config.SettlementPolicy) *PenaltyCalculator {
	return &PenaltyCalculator{policy: policy}
}

func (p *PenaltyCalculator) Compute(bookingStatus string, hoursUntilStart float64, grossAmount int64) (penalty int64, affectsTrust bool) {
	if bookingStatus != models.BookingStatusAccepted && bookingStatus != models.BookingStatusInProgress {
		return 0, false
	}

	if hoursUntilStart >= p.policy.PenaltyWindowHours {
		return 0, false
	}

	penalty = int64(float64(grossAmount) * p.policy.PenaltyPercentage / 100)
	return penalty, true
}
