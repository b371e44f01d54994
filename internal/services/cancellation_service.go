package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/taskhive/backend/internal/audit"
	"github.com/taskhive/backend/internal/config"
	"github.com/taskhive/backend/internal/models"
)

// CancellationService chains the penalty calculation, the escrow refund and
// the canceller's reputation deduction into one database transaction. A
// cancellation that charged a penalty but lost the reputation write (or the
// reverse) would be a correctness bug, so the three never commit separately.
type CancellationService struct {
	db         *sql.DB
	settlement *SettlementService
	calculator *PenaltyCalculator
	audit      *audit.Logger
	validator  *ValidationHelper
	policy     *config.SettlementPolicy
}

type CancellationResult struct {
	PenaltyAmount int64
	RefundAmount  int64
	TrustAffected bool
}

func NewCancellationService(db *sql.DB, settlement *SettlementService, calculator *PenaltyCalculator, auditLogger *audit.Logger, policy *config.SettlementPolicy) *CancellationService {
	return &CancellationService{
		db:         db,
		settlement: settlement,
		calculator: calculator,
		audit:      auditLogger,
		validator:  NewValidationHelper(),
		policy:     policy,
	}
}

// Cancel closes a booking, refunds its held escrow and, on a late
// cancellation, charges the penalty and degrades the canceller's trust and
// reliability scores.
func (s *CancellationService) Cancel(bookingID, actorID, reason string) (*CancellationResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	booking, err := s.lockBooking(tx, bookingID)
	if err != nil {
		return nil, err
	}

	if booking.Status == models.BookingStatusCancelled || booking.Status == models.BookingStatusCompleted {
		return nil, fmt.Errorf("booking %s is %s: %w", bookingID, booking.Status, ErrAlreadyDecided)
	}

	record, err := s.settlement.LockEscrowByBooking(tx, bookingID)
	if err != nil {
		return nil, err
	}

	hoursUntilStart := s.policy.PenaltyWindowHours
	if booking.ScheduledStart != nil {
		hoursUntilStart = time.Until(*booking.ScheduledStart).Hours()
	}

	penalty, affectsTrust := s.calculator.Compute(booking.Status, hoursUntilStart, record.GrossAmount)

	if err := s.settlement.RefundTx(tx, record, penalty); err != nil {
		return nil, err
	}

	if affectsTrust {
		if err := s.applyReputationPenalty(tx, actorID); err != nil {
			return nil, err
		}
	}

	if _, err := tx.Exec(`
		UPDATE bookings
		SET status = $1, updated_at = $2
		WHERE id = $3`,
		models.BookingStatusCancelled, time.Now(), bookingID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if err := s.audit.AppendTx(tx, audit.Event{
		EventType: "BOOKING_CANCELLED",
		EscrowID:  record.ID,
		AccountID: actorID,
		Amount:    penalty,
		Status:    models.BookingStatusCancelled,
		Details:   map[string]any{"booking_id": bookingID, "reason": reason, "trust_affected": affectsTrust},
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	return &CancellationResult{
		PenaltyAmount: penalty,
		RefundAmount:  record.GrossAmount - penalty,
		TrustAffected: affectsTrust,
	}, nil
}

// Decide records the tasker's accept/decline on a pending booking. The
// decision column is write-once: the precondition lives in the UPDATE, so a
// second decision attempt affects zero rows and fails. Declining refunds the
// held escrow in the same transaction.
func (s *CancellationService) Decide(bookingID, decision string) error {
	if decision != models.DecisionAccepted && decision != models.DecisionDeclined {
		return fmt.Errorf("invalid decision %q", decision)
	}

	newStatus := models.BookingStatusAccepted
	if decision == models.DecisionDeclined {
		newStatus = models.BookingStatusDeclined
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE bookings
		SET tasker_decision = $1, status = $2, decided_at = $3, updated_at = $3
		WHERE id = $4 AND tasker_decision = $5`,
		decision, newStatus, time.Now(), bookingID, models.DecisionPending)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if rowsAffected == 0 {
		var exists bool
		if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM bookings WHERE id = $1)`, bookingID).Scan(&exists); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		if !exists {
			return fmt.Errorf("booking %s: %w", bookingID, ErrNotFound)
		}
		return fmt.Errorf("booking %s: %w", bookingID, ErrAlreadyDecided)
	}

	if decision == models.DecisionDeclined {
		record, err := s.settlement.LockEscrowByBooking(tx, bookingID)
		if err != nil {
			return err
		}
		if err := s.settlement.RefundTx(tx, record, 0); err != nil {
			return err
		}
	}

	if err := s.audit.AppendTx(tx, audit.Event{
		EventType: "BOOKING_DECISION",
		AccountID: bookingID,
		Status:    decision,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	return tx.Commit()
}

// CancelBooking handles the cancellation endpoint
// @Summary Cancel a booking
// @Description Refund the held escrow, charging the late-cancellation penalty when inside the penalty window
// @Tags bookings
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{booking_id=string,actor_id=string,reason=string} true "Cancellation request"
// @Success 200 {object} object{penalty_amount=float64,refund_amount=float64,trust_affected=bool}
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /bookings/cancel [post]
func (s *CancellationService) CancelBooking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BookingID string `json:"booking_id" validate:"required"`
		ActorID   string `json:"actor_id" validate:"required"`
		Reason    string `json:"reason" validate:"max=200"`
	}

	if !decodeJSONBody(w, r, &req, s.validator) {
		return
	}

	log.Printf("[CANCELLATION] Request: booking=%s, actor=%s", req.BookingID, req.ActorID)

	result, err := s.Cancel(req.BookingID, req.ActorID, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			SendErrorResponse(w, "Booking or escrow not found", http.StatusNotFound, nil)
		case errors.Is(err, ErrAlreadyDecided), errors.Is(err, ErrAlreadyClosed):
			SendErrorResponse(w, "Booking already finalized", http.StatusConflict, nil)
		default:
			log.Printf("[CANCELLATION] Failed for booking %s: %v", req.BookingID, err)
			SendErrorResponse(w, "Failed to cancel booking", http.StatusServiceUnavailable, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"penalty_amount": toDecimal(result.PenaltyAmount),
		"refund_amount":  toDecimal(result.RefundAmount),
		"trust_affected": result.TrustAffected,
	})
}

// DecideBooking handles the tasker decision endpoint
// @Summary Record tasker decision
// @Description Accept or decline a pending booking; declining refunds the held escrow
// @Tags bookings
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{booking_id=string,decision=string} true "Decision request"
// @Success 200 {object} object{booking_id=string,decision=string}
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /bookings/decide [post]
func (s *CancellationService) DecideBooking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BookingID string `json:"booking_id" validate:"required"`
		Decision  string `json:"decision" validate:"required,oneof=accepted declined"`
	}

	if !decodeJSONBody(w, r, &req, s.validator) {
		return
	}

	if err := s.Decide(req.BookingID, req.Decision); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			SendErrorResponse(w, "Booking not found", http.StatusNotFound, nil)
		case errors.Is(err, ErrAlreadyDecided):
			SendErrorResponse(w, "Booking already decided", http.StatusConflict, nil)
		default:
			log.Printf("[CANCELLATION] Decision failed for booking %s: %v", req.BookingID, err)
			SendErrorResponse(w, "Failed to record decision", http.StatusServiceUnavailable, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"booking_id": req.BookingID,
		"decision":   req.Decision,
	})
}

func (s *CancellationService) lockBooking(tx *sql.Tx, bookingID string) (*models.Booking, error) {
	booking := &models.Booking{}
	err := tx.QueryRow(`
		SELECT id, requester_id, tasker_id, status, tasker_decision, decided_at, scheduled_start, created_at, updated_at
		FROM bookings
		WHERE id = $1
		FOR UPDATE`, bookingID).Scan(
		&booking.ID, &booking.RequesterID, &booking.TaskerID, &booking.Status,
		&booking.TaskerDecision, &booking.DecidedAt, &booking.ScheduledStart,
		&booking.CreatedAt, &booking.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("booking %s: %w", bookingID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return booking, nil
}

// applyReputationPenalty deducts the policy's fixed points from the
// canceller, floored at zero. Touches only the reputation columns; the
// balance stays with the ledger.
func (s *CancellationService) applyReputationPenalty(tx *sql.Tx, accountID string) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET trust_score = GREATEST(trust_score - $1, 0),
		    reliability_score = GREATEST(reliability_score - $2, 0),
		    updated_at = $3
		WHERE id = $4`,
		s.policy.TrustDeduction, s.policy.ReliabilityDeduction, time.Now(), accountID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	return nil
}
