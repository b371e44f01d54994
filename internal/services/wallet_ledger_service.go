package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/taskhive/backend/internal/models"
)

// WalletLedgerService owns every write to an account balance. Each debit or
// credit produces exactly one wallet_transactions row and the matching
// balance update, both inside the same database transaction. No other
// component mutates available_balance.
type WalletLedgerService struct {
	db *sql.DB
}

func NewWalletLedgerService(db *sql.DB) *WalletLedgerService {
	return &WalletLedgerService{db: db}
}

// Debit runs a standalone debit in its own transaction.
func (s *WalletLedgerService) Debit(accountID string, amount int64, kind, relatedEscrowID string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	balanceAfter, err := s.DebitTx(tx, accountID, amount, kind, relatedEscrowID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return balanceAfter, nil
}

// Credit runs a standalone credit in its own transaction.
func (s *WalletLedgerService) Credit(accountID string, amount int64, kind, relatedEscrowID string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	balanceAfter, err := s.CreditTx(tx, accountID, amount, kind, relatedEscrowID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return balanceAfter, nil
}

// DebitTx debits inside the caller's transaction. Fails with
// ErrInsufficientFunds when amount exceeds the available balance; the whole
// operation is rejected, never partially applied.
func (s *WalletLedgerService) DebitTx(tx *sql.Tx, accountID string, amount int64, kind, relatedEscrowID string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	account, err := s.lockAccount(tx, accountID)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
		}
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if account.AvailableBalance < amount {
		return 0, fmt.Errorf("account %s balance %d < %d: %w", accountID, account.AvailableBalance, amount, ErrInsufficientFunds)
	}

	balanceAfter := account.AvailableBalance - amount
	if err := s.appendTransaction(tx, accountID, -amount, kind, relatedEscrowID, balanceAfter); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := s.updateAccountBalance(tx, accountID, balanceAfter, account.Version); err != nil {
		return 0, err
	}
	return balanceAfter, nil
}

// CreditTx credits inside the caller's transaction.
func (s *WalletLedgerService) CreditTx(tx *sql.Tx, accountID string, amount int64, kind, relatedEscrowID string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	account, err := s.lockAccount(tx, accountID)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
		}
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	balanceAfter := account.AvailableBalance + amount
	if err := s.appendTransaction(tx, accountID, amount, kind, relatedEscrowID, balanceAfter); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := s.updateAccountBalance(tx, accountID, balanceAfter, account.Version); err != nil {
		return 0, err
	}
	return balanceAfter, nil
}

// GetAccount reads an account without locking.
func (s *WalletLedgerService) GetAccount(accountID string) (*models.Account, error) {
	var account models.Account
	err := s.db.QueryRow(`
		SELECT id, available_balance, min_balance_threshold, trust_score, reliability_score, version, updated_at
		FROM accounts
		WHERE id = $1`, accountID).Scan(
		&account.ID, &account.AvailableBalance, &account.MinBalanceThreshold,
		&account.TrustScore, &account.ReliabilityScore, &account.Version, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return &account, nil
}

// RecentTransactions returns the newest journal rows for an account.
func (s *WalletLedgerService) RecentTransactions(accountID string, limit int) ([]models.WalletTransaction, error) {
	rows, err := s.db.Query(`
		SELECT id, account_id, amount, kind, COALESCE(related_escrow_id, ''), balance_after, created_at
		FROM wallet_transactions
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	transactions := []models.WalletTransaction{}
	for rows.Next() {
		var wt models.WalletTransaction
		if err := rows.Scan(&wt.ID, &wt.AccountID, &wt.Amount, &wt.Kind, &wt.RelatedEscrowID, &wt.BalanceAfter, &wt.CreatedAt); err != nil {
			return nil, err
		}
		transactions = append(transactions, wt)
	}
	return transactions, rows.Err()
}

func (s *WalletLedgerService) lockAccount(tx *sql.Tx, accountID string) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRow(`
		SELECT id, available_balance, min_balance_threshold, trust_score, reliability_score, version, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(
		&account.ID, &account.AvailableBalance, &account.MinBalanceThreshold,
		&account.TrustScore, &account.ReliabilityScore, &account.Version, &account.UpdatedAt)

	return &account, err
}

func (s *WalletLedgerService) appendTransaction(tx *sql.Tx, accountID string, amount int64, kind, relatedEscrowID string, balanceAfter int64) error {
	var escrowRef any
	if relatedEscrowID != "" {
		escrowRef = relatedEscrowID
	}
	_, err := tx.Exec(`
		INSERT INTO wallet_transactions (account_id, amount, kind, related_escrow_id, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		accountID, amount, kind, escrowRef, balanceAfter, time.Now())
	return err
}

func (s *WalletLedgerService) updateAccountBalance(tx *sql.Tx, accountID string, newBalance int64, version int) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET available_balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, time.Now(), accountID, version)

	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for account %s: %w", accountID, ErrStorageUnavailable)
	}

	return nil
}
