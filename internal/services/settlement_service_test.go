package services

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/taskhive/backend/internal/audit"
)

const (
	lockEscrowPattern       = `(?s)SELECT id, booking_id.+FROM escrow_records.+WHERE id = \$1.+FOR UPDATE`
	closeEscrowPattern      = `(?s)UPDATE escrow_records.+SET status = \$1, closed_at = \$2.+WHERE id = \$3 AND status = \$4`
	journaledPenaltyPattern = `(?s)SELECT COALESCE\(SUM\(-amount\), 0\).+FROM wallet_transactions`
)

func escrowColumns() []string {
	return []string{"id", "booking_id", "payer_id", "payee_id", "gross_amount", "platform_fee", "payout_amount", "status", "created_at", "closed_at"}
}

func heldEscrowRow(escrowID string) *sqlmock.Rows {
	return sqlmock.NewRows(escrowColumns()).
		AddRow(escrowID, "booking-1", "client-1", "tasker-1", 10000, 1500, 8500, "held", time.Now(), nil)
}

func newSettlementService(db *sql.DB) *SettlementService {
	ledger := NewWalletLedgerService(db)
	return NewSettlementService(db, nil, ledger, audit.NewLogger(db))
}

func expectWalletWrite(mock sqlmock.Sqlmock, accountID string, balanceBefore, amount int64, kind string, escrowRef any, version int) {
	expectLockAccount(mock, accountID, balanceBefore, version)
	mock.ExpectExec("INSERT INTO wallet_transactions").
		WithArgs(accountID, amount, kind, escrowRef, balanceBefore+amount, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(updateBalancePattern).
		WithArgs(balanceBefore+amount, sqlmock.AnyArg(), accountID, version).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestSettlementService_Release(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := newSettlementService(db)

	t.Run("release pays payee and platform fee", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockEscrowPattern).
			WithArgs("escrow-1").
			WillReturnRows(heldEscrowRow("escrow-1"))

		mock.ExpectExec(closeEscrowPattern).
			WithArgs("released", sqlmock.AnyArg(), "escrow-1", "held").
			WillReturnResult(sqlmock.NewResult(0, 1))

		expectWalletWrite(mock, "tasker-1", 0, 8500, "payout", "escrow-1", 1)
		expectWalletWrite(mock, "platform-fees", 200000, 1500, "release", "escrow-1", 9)

		mock.ExpectExec("INSERT INTO audit_log").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		payout, err := service.Release("escrow-1")
		assert.NoError(t, err)
		assert.Equal(t, int64(8500), payout)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("releasing a released escrow is a no-op success", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockEscrowPattern).
			WithArgs("escrow-1").
			WillReturnRows(sqlmock.NewRows(escrowColumns()).
				AddRow("escrow-1", "booking-1", "client-1", "tasker-1", 10000, 1500, 8500, "released", time.Now(), time.Now()))
		mock.ExpectRollback()

		payout, err := service.Release("escrow-1")
		assert.NoError(t, err)
		assert.Equal(t, int64(8500), payout)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("releasing a refunded escrow conflicts", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockEscrowPattern).
			WithArgs("escrow-1").
			WillReturnRows(sqlmock.NewRows(escrowColumns()).
				AddRow("escrow-1", "booking-1", "client-1", "tasker-1", 10000, 1500, 8500, "refunded", time.Now(), time.Now()))
		mock.ExpectRollback()

		_, err := service.Release("escrow-1")
		assert.True(t, errors.Is(err, ErrAlreadyClosed))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown escrow", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockEscrowPattern).
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := service.Release("ghost")
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero rows on close means a concurrent settlement won", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockEscrowPattern).
			WithArgs("escrow-1").
			WillReturnRows(heldEscrowRow("escrow-1"))

		mock.ExpectExec(closeEscrowPattern).
			WithArgs("released", sqlmock.AnyArg(), "escrow-1", "held").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err := service.Release("escrow-1")
		assert.True(t, errors.Is(err, ErrAlreadyClosed))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSettlementService_Refund(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := newSettlementService(db)

	t.Run("refund with penalty journals the fee explicitly", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockEscrowPattern).
			WithArgs("escrow-1").
			WillReturnRows(heldEscrowRow("escrow-1"))

		mock.ExpectExec(closeEscrowPattern).
			WithArgs("refunded", sqlmock.AnyArg(), "escrow-1", "held").
			WillReturnResult(sqlmock.NewResult(0, 1))

		// Full gross back to the payer, then the penalty as its own debit.
		expectWalletWrite(mock, "client-1", 500, 10000, "refund", "escrow-1", 2)
		expectWalletWrite(mock, "client-1", 10500, -2500, "penalty", "escrow-1", 3)
		expectWalletWrite(mock, "platform-fees", 0, 2500, "penalty", "escrow-1", 1)

		mock.ExpectExec("INSERT INTO audit_log").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		refunded, err := service.Refund("escrow-1", 2500)
		assert.NoError(t, err)
		assert.Equal(t, int64(7500), refunded)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("refund without penalty returns the full gross", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockEscrowPattern).
			WithArgs("escrow-1").
			WillReturnRows(heldEscrowRow("escrow-1"))

		mock.ExpectExec(closeEscrowPattern).
			WithArgs("refunded", sqlmock.AnyArg(), "escrow-1", "held").
			WillReturnResult(sqlmock.NewResult(0, 1))

		expectWalletWrite(mock, "client-1", 500, 10000, "refund", "escrow-1", 2)

		mock.ExpectExec("INSERT INTO audit_log").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		refunded, err := service.Refund("escrow-1", 0)
		assert.NoError(t, err)
		assert.Equal(t, int64(10000), refunded)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("refunding a refunded escrow is a no-op success", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockEscrowPattern).
			WithArgs("escrow-1").
			WillReturnRows(sqlmock.NewRows(escrowColumns()).
				AddRow("escrow-1", "booking-1", "client-1", "tasker-1", 10000, 1500, 8500, "refunded", time.Now(), time.Now()))
		mock.ExpectQuery(journaledPenaltyPattern).
			WithArgs("escrow-1", "client-1", "penalty").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
		mock.ExpectRollback()

		refunded, err := service.Refund("escrow-1", 0)
		assert.NoError(t, err)
		assert.Equal(t, int64(10000), refunded)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("repeat refund reports the journaled net regardless of caller penalty", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockEscrowPattern).
			WithArgs("escrow-1").
			WillReturnRows(sqlmock.NewRows(escrowColumns()).
				AddRow("escrow-1", "booking-1", "client-1", "tasker-1", 10000, 1500, 8500, "refunded", time.Now(), time.Now()))
		mock.ExpectQuery(journaledPenaltyPattern).
			WithArgs("escrow-1", "client-1", "penalty").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(2500))
		mock.ExpectRollback()

		refunded, err := service.Refund("escrow-1", 9000)
		assert.NoError(t, err)
		assert.Equal(t, int64(7500), refunded)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("out-of-range penalty is rejected even on a refunded record", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockEscrowPattern).
			WithArgs("escrow-1").
			WillReturnRows(sqlmock.NewRows(escrowColumns()).
				AddRow("escrow-1", "booking-1", "client-1", "tasker-1", 10000, 1500, 8500, "refunded", time.Now(), time.Now()))
		mock.ExpectRollback()

		_, err := service.Refund("escrow-1", 20000)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("refunding a released escrow conflicts", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockEscrowPattern).
			WithArgs("escrow-1").
			WillReturnRows(sqlmock.NewRows(escrowColumns()).
				AddRow("escrow-1", "booking-1", "client-1", "tasker-1", 10000, 1500, 8500, "released", time.Now(), time.Now()))
		mock.ExpectRollback()

		_, err := service.Refund("escrow-1", 0)
		assert.True(t, errors.Is(err, ErrAlreadyClosed))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("penalty larger than gross is rejected", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockEscrowPattern).
			WithArgs("escrow-1").
			WillReturnRows(heldEscrowRow("escrow-1"))
		mock.ExpectRollback()

		_, err := service.Refund("escrow-1", 20000)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
