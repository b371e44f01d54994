package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/taskhive/backend/internal/audit"
	"github.com/taskhive/backend/internal/config"
	"github.com/taskhive/backend/internal/models"
)

const (
	notificationQueue   = "notification_queue"
	reconciliationQueue = "reconciliation_queue"
)

// EscrowService moves funds from a payer's available balance into a held
// escrow record. The debit, the escrow insert and the audit row commit as one
// database transaction; a hold is never visible as a debit without its
// escrow record.
type EscrowService struct {
	db        *sql.DB
	redis     *redis.Client
	ledger    *WalletLedgerService
	audit     *audit.Logger
	validator *ValidationHelper
	policy    *config.SettlementPolicy
}

func NewEscrowService(db *sql.DB, redisClient *redis.Client, ledger *WalletLedgerService, auditLogger *audit.Logger, policy *config.SettlementPolicy) *EscrowService {
	return &EscrowService{
		db:        db,
		redis:     redisClient,
		ledger:    ledger,
		audit:     auditLogger,
		validator: NewValidationHelper(),
		policy:    policy,
	}
}

// Hold debits the payer for the gross amount and creates a held escrow
// record. Returns the record and the payer's new balance.
func (s *EscrowService) Hold(payerID, payeeID string, grossAmount int64, bookingID string) (*models.EscrowRecord, int64, error) {
	platformFee := int64(float64(grossAmount) * s.policy.PlatformFeePercentage / 100)
	record := &models.EscrowRecord{
		ID:           uuid.New().String(),
		BookingID:    bookingID,
		PayerID:      payerID,
		PayeeID:      payeeID,
		GrossAmount:  grossAmount,
		PlatformFee:  platformFee,
		PayoutAmount: grossAmount - platformFee,
		Status:       models.EscrowStatusHeld,
		CreatedAt:    time.Now(),
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	newBalance, err := s.ledger.DebitTx(tx, payerID, grossAmount, models.TxKindHold, record.ID)
	if err != nil {
		return nil, 0, err
	}

	if err := s.insertEscrowRecord(tx, record); err != nil {
		// The deferred rollback undoes the debit; if the rollback itself
		// fails the intent goes to the reconciliation queue so an operator
		// job retries the compensation instead of losing it.
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.enqueueReconciliation(record, rbErr)
		}
		s.audit.LogError(record.ID, payerID, err)
		return nil, 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if err := s.audit.AppendTx(tx, audit.Event{
		EventType: "ESCROW_HOLD",
		EscrowID:  record.ID,
		AccountID: payerID,
		Amount:    grossAmount,
		Status:    models.EscrowStatusHeld,
		Details:   map[string]string{"payee_id": payeeID, "booking_id": bookingID},
	}); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		// Commit outcome unknown: escalate rather than guess.
		s.enqueueReconciliation(record, err)
		s.audit.LogError(record.ID, payerID, err)
		return nil, 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	go s.notifyPayee(record)

	return record, newBalance, nil
}

// GetByID fetches a single escrow record.
func (s *EscrowService) GetByID(escrowID string) (*models.EscrowRecord, error) {
	record, err := scanEscrowRecord(s.db.QueryRow(`
		SELECT id, booking_id, payer_id, payee_id, gross_amount, platform_fee, payout_amount, status, created_at, closed_at
		FROM escrow_records
		WHERE id = $1`, escrowID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("escrow %s: %w", escrowID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return record, nil
}

// CreateHold handles the hold endpoint
// @Summary Hold funds in escrow
// @Description Debit the payer and create a held escrow record for a booking
// @Tags escrow
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{payer_id=string,payee_id=string,gross_amount=float64,booking_id=string} true "Hold request"
// @Success 201 {object} object{escrow_id=string,new_balance=float64}
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /escrow/hold [post]
func (s *EscrowService) CreateHold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PayerID     string  `json:"payer_id" validate:"required"`
		PayeeID     string  `json:"payee_id" validate:"required,nefield=PayerID"`
		GrossAmount float64 `json:"gross_amount" validate:"required,gt=0"`
		BookingID   string  `json:"booking_id" validate:"required"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	log.Printf("[ESCROW] Hold request: payer=%s, payee=%s, gross=%.2f, booking=%s",
		req.PayerID, req.PayeeID, req.GrossAmount, req.BookingID)

	record, newBalance, err := s.Hold(req.PayerID, req.PayeeID, toCents(req.GrossAmount), req.BookingID)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientFunds):
			SendErrorResponse(w, "Insufficient funds", http.StatusBadRequest, nil)
		case errors.Is(err, ErrNotFound):
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		default:
			log.Printf("[ESCROW] Hold failed: %v", err)
			SendErrorResponse(w, "Failed to hold funds", http.StatusServiceUnavailable, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"escrow_id":   record.ID,
		"new_balance": toDecimal(newBalance),
	})
}

// GetEscrow handles the escrow read endpoint
// @Summary Get escrow record
// @Description Fetch a single escrow record by id
// @Tags escrow
// @Produce json
// @Security BearerAuth
// @Param escrowId path string true "Escrow ID"
// @Success 200 {object} models.EscrowRecord
// @Failure 404 {object} services.ErrorResponse
// @Router /escrow/{escrowId} [get]
func (s *EscrowService) GetEscrow(w http.ResponseWriter, r *http.Request) {
	escrowID := chi.URLParam(r, "escrowId")

	record, err := s.GetByID(escrowID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			SendErrorResponse(w, "Escrow record not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch escrow record", http.StatusServiceUnavailable, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(record)
}

func (s *EscrowService) insertEscrowRecord(tx *sql.Tx, record *models.EscrowRecord) error {
	_, err := tx.Exec(`
		INSERT INTO escrow_records (id, booking_id, payer_id, payee_id, gross_amount, platform_fee, payout_amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		record.ID, record.BookingID, record.PayerID, record.PayeeID,
		record.GrossAmount, record.PlatformFee, record.PayoutAmount, record.Status, record.CreatedAt)
	return err
}

func (s *EscrowService) notifyPayee(record *models.EscrowRecord) {
	// Fire-and-forget: notification delivery is an external collaborator and
	// never rolls back a committed hold.
	payload, _ := json.Marshal(map[string]any{
		"type":          "payment_held",
		"escrow_id":     record.ID,
		"payee_id":      record.PayeeID,
		"payout_amount": record.PayoutAmount,
	})
	if s.redis == nil {
		log.Printf("[ESCROW] Notification (no queue): payment held for payee %s, escrow %s", record.PayeeID, record.ID)
		return
	}
	if err := s.redis.RPush(context.Background(), notificationQueue, payload).Err(); err != nil {
		log.Printf("[ESCROW] Failed to queue payee notification for escrow %s: %v", record.ID, err)
	}
}

func (s *EscrowService) enqueueReconciliation(record *models.EscrowRecord, cause error) {
	entry, _ := json.Marshal(map[string]any{
		"escrow_id":    record.ID,
		"payer_id":     record.PayerID,
		"gross_amount": record.GrossAmount,
		"cause":        cause.Error(),
		"queued_at":    time.Now(),
	})
	log.Printf("[ESCROW] RECONCILIATION REQUIRED for escrow %s: %v", record.ID, cause)
	if s.redis == nil {
		return
	}
	if err := s.redis.RPush(context.Background(), reconciliationQueue, string(entry)).Err(); err != nil {
		// Last resort: the log line above is the operator-visible alert.
		log.Printf("[ESCROW] Failed to queue reconciliation entry for escrow %s: %v", record.ID, err)
	}
}

func scanEscrowRecord(row *sql.Row) (*models.EscrowRecord, error) {
	record := &models.EscrowRecord{}
	err := row.Scan(&record.ID, &record.BookingID, &record.PayerID, &record.PayeeID,
		&record.GrossAmount, &record.PlatformFee, &record.PayoutAmount,
		&record.Status, &record.CreatedAt, &record.ClosedAt)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// toCents converts a decimal amount from a JSON payload to cents.
func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func toDecimal(cents int64) float64 {
	return float64(cents) / 100
}
