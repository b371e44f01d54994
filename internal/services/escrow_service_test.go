package services

import (
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/taskhive/backend/internal/audit"
	"github.com/taskhive/backend/internal/config"
)

func TestEscrowService_Hold(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	policy := &config.SettlementPolicy{PlatformFeePercentage: 15.0}
	service := NewEscrowService(db, nil, NewWalletLedgerService(db), audit.NewLogger(db), policy)

	t.Run("hold debits payer and creates held record", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockAccount(mock, "client-1", 20000, 4)

		mock.ExpectExec("INSERT INTO wallet_transactions").
			WithArgs("client-1", int64(-10000), "hold", sqlmock.AnyArg(), int64(10000), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec(updateBalancePattern).
			WithArgs(int64(10000), sqlmock.AnyArg(), "client-1", 4).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("INSERT INTO escrow_records").
			WithArgs(sqlmock.AnyArg(), "booking-1", "client-1", "tasker-1",
				int64(10000), int64(1500), int64(8500), "held", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("INSERT INTO audit_log").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		record, newBalance, err := service.Hold("client-1", "tasker-1", 10000, "booking-1")
		assert.NoError(t, err)
		assert.Equal(t, int64(10000), record.GrossAmount)
		assert.Equal(t, int64(1500), record.PlatformFee)
		assert.Equal(t, int64(8500), record.PayoutAmount)
		assert.Equal(t, "held", record.Status)
		assert.Equal(t, int64(10000), newBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("underfunded payer is rejected with no writes", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockAccount(mock, "client-1", 5000, 4)
		mock.ExpectRollback()

		_, _, err := service.Hold("client-1", "tasker-1", 10000, "booking-1")
		assert.True(t, errors.Is(err, ErrInsufficientFunds))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("escrow insert failure rolls back the debit", func(t *testing.T) {
		mock.ExpectBegin()
		expectLockAccount(mock, "client-1", 20000, 4)

		mock.ExpectExec("INSERT INTO wallet_transactions").
			WithArgs("client-1", int64(-10000), "hold", sqlmock.AnyArg(), int64(10000), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec(updateBalancePattern).
			WithArgs(int64(10000), sqlmock.AnyArg(), "client-1", 4).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("INSERT INTO escrow_records").
			WillReturnError(errors.New("constraint violation"))
		mock.ExpectRollback()

		_, _, err := service.Hold("client-1", "tasker-1", 10000, "booking-1")
		assert.True(t, errors.Is(err, ErrStorageUnavailable))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestEscrowService_Hold_CommitFailureQueuesReconciliation(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()
	policy := &config.SettlementPolicy{PlatformFeePercentage: 15.0}
	service := NewEscrowService(db, redisClient, NewWalletLedgerService(db), audit.NewLogger(db), policy)

	mock.ExpectBegin()
	expectLockAccount(mock, "client-1", 20000, 4)

	mock.ExpectExec("INSERT INTO wallet_transactions").
		WithArgs("client-1", int64(-10000), "hold", sqlmock.AnyArg(), int64(10000), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectExec(updateBalancePattern).
		WithArgs(int64(10000), sqlmock.AnyArg(), "client-1", 4).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("INSERT INTO escrow_records").
		WithArgs(sqlmock.AnyArg(), "booking-1", "client-1", "tasker-1",
			int64(10000), int64(1500), int64(8500), "held", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectExec("INSERT INTO audit_log").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("connection reset during commit"))

	// Commit outcome is unknown, so the hold intent must land on the
	// reconciliation queue for an operator job to settle either way.
	redisMock.Regexp().ExpectRPush(reconciliationQueue, `.*connection reset during commit.*`).SetVal(1)

	_, _, err = service.Hold("client-1", "tasker-1", 10000, "booking-1")
	assert.True(t, errors.Is(err, ErrStorageUnavailable))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestEscrowService_GetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	policy := &config.SettlementPolicy{PlatformFeePercentage: 15.0}
	service := NewEscrowService(db, nil, NewWalletLedgerService(db), audit.NewLogger(db), policy)

	t.Run("found", func(t *testing.T) {
		mock.ExpectQuery(`(?s)SELECT id, booking_id.+FROM escrow_records.+WHERE id = \$1`).
			WithArgs("escrow-1").
			WillReturnRows(heldEscrowRow("escrow-1"))

		record, err := service.GetByID("escrow-1")
		assert.NoError(t, err)
		assert.Equal(t, "escrow-1", record.ID)
		assert.Equal(t, "held", record.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery(`(?s)SELECT id, booking_id.+FROM escrow_records.+WHERE id = \$1`).
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows(escrowColumns()))

		_, err := service.GetByID("ghost")
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestToCents(t *testing.T) {
	assert.Equal(t, int64(10000), toCents(100.00))
	assert.Equal(t, int64(9999), toCents(99.99))
	assert.Equal(t, int64(1), toCents(0.01))
	assert.Equal(t, int64(2880), toCents(28.80))
	assert.Equal(t, 100.00, toDecimal(10000))
}
