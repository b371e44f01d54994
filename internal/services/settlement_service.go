package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/taskhive/backend/internal/audit"
	"github.com/taskhive/backend/internal/models"
)

// SettlementService finalizes escrow records: release pays the worker,
// refund returns the held amount to the requester. Both are idempotent; the
// status transition and the wallet writes share one database transaction, so
// a record can never pay out twice.
type SettlementService struct {
	db                 *sql.DB
	redis              *redis.Client
	ledger             *WalletLedgerService
	audit              *audit.Logger
	validator          *ValidationHelper
	platformFeeAccount string
}

func NewSettlementService(db *sql.DB, redisClient *redis.Client, ledger *WalletLedgerService, auditLogger *audit.Logger) *SettlementService {
	platformFeeAccount := "platform-fees"
	if envAccount := os.Getenv("PLATFORM_FEE_ACCOUNT"); envAccount != "" {
		platformFeeAccount = envAccount
	}
	return &SettlementService{
		db:                 db,
		redis:              redisClient,
		ledger:             ledger,
		audit:              auditLogger,
		validator:          NewValidationHelper(),
		platformFeeAccount: platformFeeAccount,
	}
}

// Release credits the payee with the payout amount and closes the record.
// Calling it again on a released record is a no-op success.
func (s *SettlementService) Release(escrowID string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	record, err := s.lockEscrow(tx, escrowID)
	if err != nil {
		return 0, err
	}

	switch record.Status {
	case models.EscrowStatusReleased:
		return record.PayoutAmount, nil
	case models.EscrowStatusRefunded:
		return 0, fmt.Errorf("escrow %s is refunded: %w", escrowID, ErrAlreadyClosed)
	}

	if err := s.closeEscrow(tx, record.ID, models.EscrowStatusReleased); err != nil {
		return 0, err
	}

	if _, err := s.ledger.CreditTx(tx, record.PayeeID, record.PayoutAmount, models.TxKindPayout, record.ID); err != nil {
		return 0, err
	}

	if record.PlatformFee > 0 {
		if _, err := s.ledger.CreditTx(tx, s.platformFeeAccount, record.PlatformFee, models.TxKindRelease, record.ID); err != nil {
			return 0, err
		}
	}

	if err := s.audit.AppendTx(tx, audit.Event{
		EventType: "ESCROW_RELEASE",
		EscrowID:  record.ID,
		AccountID: record.PayeeID,
		Amount:    record.PayoutAmount,
		Status:    models.EscrowStatusReleased,
	}); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	s.audit.LogSettlement(record.ID, record.PayeeID, record.PayoutAmount, "ESCROW_RELEASE", "SUCCESS")
	go s.notifyPayout(record)
	return record.PayoutAmount, nil
}

// Refund returns the gross amount to the payer, minus an optional penalty
// which is journaled as its own debit so the fee is visible in the ledger
// rather than hidden in a smaller refund. Returns the net refunded amount.
func (s *SettlementService) Refund(escrowID string, penaltyAmount int64) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	record, err := s.lockEscrow(tx, escrowID)
	if err != nil {
		return 0, err
	}

	if penaltyAmount < 0 || penaltyAmount > record.GrossAmount {
		return 0, fmt.Errorf("penalty %d out of range for gross %d", penaltyAmount, record.GrossAmount)
	}

	switch record.Status {
	case models.EscrowStatusRefunded:
		// Repeat refunds report the journaled outcome, not whatever penalty
		// this caller happened to pass.
		journaled, err := s.journaledPenalty(tx, record)
		if err != nil {
			return 0, err
		}
		return record.GrossAmount - journaled, nil
	case models.EscrowStatusReleased:
		return 0, fmt.Errorf("escrow %s is released: %w", escrowID, ErrAlreadyClosed)
	}

	if err := s.RefundTx(tx, record, penaltyAmount); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	s.audit.LogSettlement(record.ID, record.PayerID, record.GrossAmount-penaltyAmount, "ESCROW_REFUND", "SUCCESS")
	return record.GrossAmount - penaltyAmount, nil
}

// RefundTx performs the refund inside the caller's transaction. The caller
// must hold the escrow row lock and have verified status = held.
func (s *SettlementService) RefundTx(tx *sql.Tx, record *models.EscrowRecord, penaltyAmount int64) error {
	if penaltyAmount < 0 || penaltyAmount > record.GrossAmount {
		return fmt.Errorf("penalty %d out of range for gross %d", penaltyAmount, record.GrossAmount)
	}

	if err := s.closeEscrow(tx, record.ID, models.EscrowStatusRefunded); err != nil {
		return err
	}

	if _, err := s.ledger.CreditTx(tx, record.PayerID, record.GrossAmount, models.TxKindRefund, record.ID); err != nil {
		return err
	}

	if penaltyAmount > 0 {
		if _, err := s.ledger.DebitTx(tx, record.PayerID, penaltyAmount, models.TxKindPenalty, record.ID); err != nil {
			return err
		}
		if _, err := s.ledger.CreditTx(tx, s.platformFeeAccount, penaltyAmount, models.TxKindPenalty, record.ID); err != nil {
			return err
		}
	}

	return s.audit.AppendTx(tx, audit.Event{
		EventType: "ESCROW_REFUND",
		EscrowID:  record.ID,
		AccountID: record.PayerID,
		Amount:    record.GrossAmount - penaltyAmount,
		Status:    models.EscrowStatusRefunded,
		Details:   map[string]int64{"penalty_amount": penaltyAmount},
	})
}

// LockEscrowByBooking locks the held escrow record attached to a booking.
func (s *SettlementService) LockEscrowByBooking(tx *sql.Tx, bookingID string) (*models.EscrowRecord, error) {
	record := &models.EscrowRecord{}
	err := tx.QueryRow(`
		SELECT id, booking_id, payer_id, payee_id, gross_amount, platform_fee, payout_amount, status, created_at, closed_at
		FROM escrow_records
		WHERE booking_id = $1 AND status = $2
		FOR UPDATE`, bookingID, models.EscrowStatusHeld).Scan(
		&record.ID, &record.BookingID, &record.PayerID, &record.PayeeID,
		&record.GrossAmount, &record.PlatformFee, &record.PayoutAmount,
		&record.Status, &record.CreatedAt, &record.ClosedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no held escrow for booking %s: %w", bookingID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return record, nil
}

// ReleaseEscrow handles the release endpoint
// @Summary Release escrow to payee
// @Description Credit the payee with the payout amount and close the escrow record; idempotent
// @Tags settlement
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{escrow_id=string} true "Release request"
// @Success 200 {object} object{payout_amount=float64}
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /settle/release [post]
func (s *SettlementService) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EscrowID string `json:"escrow_id" validate:"required,uuid4"`
	}

	if !decodeJSONBody(w, r, &req, s.validator) {
		return
	}

	payoutAmount, err := s.Release(req.EscrowID)
	if err != nil {
		s.sendSettlementError(w, req.EscrowID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"payout_amount": toDecimal(payoutAmount),
	})
}

// RefundEscrow handles the refund endpoint
// @Summary Refund escrow to payer
// @Description Return held funds to the payer, journaling any penalty as an explicit debit
// @Tags settlement
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{escrow_id=string,penalty_amount=float64} true "Refund request"
// @Success 200 {object} object{refund_amount=float64}
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /settle/refund [post]
func (s *SettlementService) RefundEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EscrowID      string  `json:"escrow_id" validate:"required,uuid4"`
		PenaltyAmount float64 `json:"penalty_amount" validate:"omitempty,gte=0"`
	}

	if !decodeJSONBody(w, r, &req, s.validator) {
		return
	}

	refundAmount, err := s.Refund(req.EscrowID, toCents(req.PenaltyAmount))
	if err != nil {
		s.sendSettlementError(w, req.EscrowID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"refund_amount": toDecimal(refundAmount),
	})
}

func (s *SettlementService) sendSettlementError(w http.ResponseWriter, escrowID string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		SendErrorResponse(w, "Escrow record not found", http.StatusNotFound, nil)
	case errors.Is(err, ErrAlreadyClosed):
		SendErrorResponse(w, "Escrow already closed", http.StatusConflict, nil)
	case errors.Is(err, ErrInsufficientFunds):
		SendErrorResponse(w, "Insufficient funds", http.StatusBadRequest, nil)
	default:
		log.Printf("[SETTLEMENT] Operation failed for escrow %s: %v", escrowID, err)
		SendErrorResponse(w, "Failed to settle escrow", http.StatusServiceUnavailable, nil)
	}
}

// journaledPenalty reads back the penalty actually charged when the record
// was refunded, from the payer's penalty-kind journal row.
func (s *SettlementService) journaledPenalty(tx *sql.Tx, record *models.EscrowRecord) (int64, error) {
	var penalty int64
	err := tx.QueryRow(`
		SELECT COALESCE(SUM(-amount), 0)
		FROM wallet_transactions
		WHERE related_escrow_id = $1 AND account_id = $2 AND kind = $3`,
		record.ID, record.PayerID, models.TxKindPenalty).Scan(&penalty)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return penalty, nil
}

func (s *SettlementService) notifyPayout(record *models.EscrowRecord) {
	payload, _ := json.Marshal(map[string]any{
		"type":          "payment_released",
		"escrow_id":     record.ID,
		"payee_id":      record.PayeeID,
		"payout_amount": record.PayoutAmount,
	})
	if s.redis == nil {
		log.Printf("[SETTLEMENT] Notification (no queue): payout released for payee %s, escrow %s", record.PayeeID, record.ID)
		return
	}
	if err := s.redis.RPush(context.Background(), notificationQueue, payload).Err(); err != nil {
		log.Printf("[SETTLEMENT] Failed to queue payout notification for escrow %s: %v", record.ID, err)
	}
}

func (s *SettlementService) lockEscrow(tx *sql.Tx, escrowID string) (*models.EscrowRecord, error) {
	record := &models.EscrowRecord{}
	err := tx.QueryRow(`
		SELECT id, booking_id, payer_id, payee_id, gross_amount, platform_fee, payout_amount, status, created_at, closed_at
		FROM escrow_records
		WHERE id = $1
		FOR UPDATE`, escrowID).Scan(
		&record.ID, &record.BookingID, &record.PayerID, &record.PayeeID,
		&record.GrossAmount, &record.PlatformFee, &record.PayoutAmount,
		&record.Status, &record.CreatedAt, &record.ClosedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("escrow %s: %w", escrowID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return record, nil
}

// closeEscrow transitions held -> terminal with the precondition in the
// UPDATE itself. Zero rows means another settlement won under a different
// lock scope, which must never pass silently.
func (s *SettlementService) closeEscrow(tx *sql.Tx, escrowID, terminalStatus string) error {
	result, err := tx.Exec(`
		UPDATE escrow_records
		SET status = $1, closed_at = $2
		WHERE id = $3 AND status = $4`,
		terminalStatus, time.Now(), escrowID, models.EscrowStatusHeld)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("escrow %s: %w", escrowID, ErrAlreadyClosed)
	}
	return nil
}

// decodeJSONBody reads a single JSON object into dst and validates it,
// writing the error response itself on failure.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, vh *ValidationHelper) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := vh.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}

	return true
}
