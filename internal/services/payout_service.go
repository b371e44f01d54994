package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
	"github.com/taskhive/backend/internal/audit"
	"github.com/taskhive/backend/internal/models"
)

// PayoutService handles the cash-out leg: the only place this engine talks
// to the external payment processor. The wallet debit is ledgered first; the
// pacs.008 credit transfer to the processor goes out after commit.
type PayoutService struct {
	db        *sql.DB
	redis     *redis.Client
	ledger    *WalletLedgerService
	audit     *audit.Logger
	validator *ValidationHelper
	currency  string
	transmit  func(doc any) error
}

func NewPayoutService(db *sql.DB, redisClient *redis.Client, ledger *WalletLedgerService, auditLogger *audit.Logger) *PayoutService {
	currency := "USD"
	if envCurrency := os.Getenv("SETTLEMENT_CURRENCY"); envCurrency != "" {
		currency = envCurrency
	}
	s := &PayoutService{
		db:        db,
		redis:     redisClient,
		ledger:    ledger,
		audit:     auditLogger,
		validator: NewValidationHelper(),
		currency:  currency,
	}
	s.transmit = s.sendToProcessor
	return s
}

// Withdraw debits the wallet and sends the amount to the account holder's
// bank. The balance may not drop below the account's minimum threshold.
func (s *PayoutService) Withdraw(accountID string, amount int64, bankCode, bankAccount string) (string, int64, error) {
	reference := fmt.Sprintf("PAYOUT-%s", uuid.New().String())

	tx, err := s.db.Begin()
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	var available, threshold int64
	err = tx.QueryRow(`
		SELECT available_balance, min_balance_threshold
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(&available, &threshold)
	if err == sql.ErrNoRows {
		return "", 0, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if available-amount < threshold {
		return "", 0, fmt.Errorf("withdrawal would drop account %s below its minimum threshold: %w", accountID, ErrInsufficientFunds)
	}

	newBalance, err := s.ledger.DebitTx(tx, accountID, amount, models.TxKindPayout, "")
	if err != nil {
		return "", 0, err
	}

	if err := s.audit.AppendTx(tx, audit.Event{
		EventType: "PAYOUT_WITHDRAWAL",
		AccountID: accountID,
		Amount:    amount,
		Status:    "PENDING",
		Details:   map[string]string{"reference": reference, "bank_code": bankCode},
	}); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	// The processor leg runs after commit. The debit is durable at this
	// point, so a build or send failure must not surface as a retryable
	// error: the transfer intent goes to the reconciliation queue and the
	// caller gets the reference back.
	doc, err := s.BuildPacs008(reference, accountID, bankCode, bankAccount, amount)
	if err != nil {
		s.audit.LogError(reference, accountID, err)
		s.enqueueTransferReconciliation(reference, accountID, bankCode, bankAccount, amount, err)
		return reference, newBalance, nil
	}

	if err := s.transmit(doc); err != nil {
		s.audit.LogError(reference, accountID, err)
		s.enqueueTransferReconciliation(reference, accountID, bankCode, bankAccount, amount, err)
		return reference, newBalance, nil
	}

	s.audit.LogSettlement(reference, accountID, amount, "PAYOUT_WITHDRAWAL", "SENT")
	return reference, newBalance, nil
}

// enqueueTransferReconciliation records a committed debit whose processor leg
// did not go out, so an operator job can resend the transfer instead of the
// client retrying into a double debit.
func (s *PayoutService) enqueueTransferReconciliation(reference, accountID, bankCode, bankAccount string, amount int64, cause error) {
	entry, _ := json.Marshal(map[string]any{
		"payout_reference": reference,
		"account_id":       accountID,
		"amount":           amount,
		"bank_code":        bankCode,
		"bank_account":     bankAccount,
		"cause":            cause.Error(),
		"queued_at":        time.Now(),
	})
	log.Printf("[PAYOUT] RECONCILIATION REQUIRED for payout %s: %v", reference, cause)
	if s.redis == nil {
		return
	}
	if err := s.redis.RPush(context.Background(), reconciliationQueue, string(entry)).Err(); err != nil {
		log.Printf("[PAYOUT] Failed to queue reconciliation entry for payout %s: %v", reference, err)
	}
}

// WithdrawFunds handles the withdrawal endpoint
// @Summary Withdraw wallet funds
// @Description Debit the wallet and send the amount to the user's bank via the payment processor
// @Tags payouts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{account_id=string,amount=float64,bank_code=string,bank_account=string} true "Withdrawal request"
// @Success 200 {object} object{payout_reference=string,new_balance=float64}
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /payouts/withdraw [post]
func (s *PayoutService) WithdrawFunds(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID   string  `json:"account_id" validate:"required"`
		Amount      float64 `json:"amount" validate:"required,gt=0"`
		BankCode    string  `json:"bank_code" validate:"required,max=6"`
		BankAccount string  `json:"bank_account" validate:"required,max=20"`
	}

	if !decodeJSONBody(w, r, &req, s.validator) {
		return
	}

	log.Printf("[PAYOUT] Withdrawal request: account=%s, amount=%.2f, bank=%s", req.AccountID, req.Amount, req.BankCode)

	reference, newBalance, err := s.Withdraw(req.AccountID, toCents(req.Amount), req.BankCode, req.BankAccount)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientFunds):
			SendErrorResponse(w, "Insufficient funds", http.StatusBadRequest, nil)
		case errors.Is(err, ErrNotFound):
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		default:
			log.Printf("[PAYOUT] Withdrawal failed: %v", err)
			SendErrorResponse(w, "Failed to process withdrawal", http.StatusServiceUnavailable, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"payout_reference": reference,
		"new_balance":      toDecimal(newBalance),
	})
}

// BuildPacs008 creates the pacs.008 FIToFICustomerCreditTransfer message for
// the processor.
func (s *PayoutService) BuildPacs008(reference, accountID, bankCode, bankAccount string, amount int64) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	msgId := uuid.New().String()
	creDtTm := time.Now()
	settlementDate := time.Now()
	value := toDecimal(amount)

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgId),
			CreDtTm: common.ISODateTime(creDtTm),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(s.currency),
				Value: value,
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(reference)}[0],
					EndToEndId: common.Max35Text(reference),
					TxId:       &[]common.Max35Text{common.Max35Text(reference)}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(s.currency),
					Value: value,
				},
				IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier("TASKHIVE")}[0],
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(accountID)}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
							MmbId: common.Max35Text(bankCode),
						},
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(bankAccount)}[0],
				},
			},
		},
	}

	return doc, nil
}

func (s *PayoutService) sendToProcessor(doc any) error {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal XML: %w", err)
	}

	// TODO: wire the processor's submission endpoint once credentials land
	log.Printf("[PAYOUT] Sending to payment processor: %d bytes pacs.008", len(xmlData))
	return nil
}
