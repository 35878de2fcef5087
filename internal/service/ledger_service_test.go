package service

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/helix-games/helix-ledger/internal/model"
	"github.com/helix-games/helix-ledger/internal/repository"
	"github.com/helix-games/helix-ledger/pkg/errors"
)

// newTestLedgerService 组装账本服务: 余额和流水用 mock，outbox 用 sqlmock 后端的真实仓储
func newTestLedgerService(t *testing.T) (LedgerService, *MockBalanceRepository, *MockAuditRepository, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, dbMock, cleanup := setupMockDB(t)
	balanceRepo := new(MockBalanceRepository)
	auditRepo := new(MockAuditRepository)
	outboxRepo := repository.NewOutboxRepository(db)

	svc := NewLedgerService(balanceRepo, auditRepo, outboxRepo, quickRetry())
	return svc, balanceRepo, auditRepo, dbMock, cleanup
}

func expectOutboxInsert(dbMock sqlmock.Sqlmock) {
	dbMock.ExpectQuery(`INSERT INTO "ledger_outbox_messages"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
}

func TestLedgerService_Deposit_FreshWallet(t *testing.T) {
	svc, balanceRepo, auditRepo, dbMock, cleanup := newTestLedgerService(t)
	defer cleanup()

	ctx := context.Background()
	amount := decimal.NewFromFloat(10.0)
	fresh := &model.HouseBalance{Wallet: testWallet, Balance: decimal.Zero, Version: 0}

	balanceRepo.On("Transaction", mock.Anything, mock.Anything).Return(nil)
	balanceRepo.On("GetOrCreate", mock.Anything, testWallet).Return(fresh, nil)
	balanceRepo.On("GetByWalletForUpdate", mock.Anything, testWallet).Return(fresh, nil)
	balanceRepo.On("Credit", mock.Anything, testWallet, amount).Return(nil)
	auditRepo.On("Create", mock.Anything, mock.AnythingOfType("*model.AuditLog")).Return(nil)
	expectOutboxInsert(dbMock)

	entry, err := svc.Deposit(ctx, testWallet, amount, testTxHash)

	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, model.OpDeposit, entry.OperationType)
	assert.True(t, entry.BalanceBefore.IsZero())
	assert.True(t, entry.BalanceAfter.Equal(decimal.NewFromFloat(10.0)))
	assert.True(t, entry.Amount.Equal(amount))
	assert.Equal(t, testTxHash, entry.ReferenceID)

	balanceRepo.AssertExpectations(t)
	auditRepo.AssertExpectations(t)
	assert.NoError(t, dbMock.ExpectationsWereMet())
}

func TestLedgerService_Deposit_DuplicateReference(t *testing.T) {
	svc, balanceRepo, auditRepo, _, cleanup := newTestLedgerService(t)
	defer cleanup()

	ctx := context.Background()
	amount := decimal.NewFromFloat(10.0)
	fresh := &model.HouseBalance{Wallet: testWallet, Balance: decimal.Zero, Version: 0}

	balanceRepo.On("Transaction", mock.Anything, mock.Anything).Return(nil)
	balanceRepo.On("GetOrCreate", mock.Anything, testWallet).Return(fresh, nil)
	balanceRepo.On("GetByWalletForUpdate", mock.Anything, testWallet).Return(fresh, nil)
	balanceRepo.On("Credit", mock.Anything, testWallet, amount).Return(nil)
	auditRepo.On("Create", mock.Anything, mock.AnythingOfType("*model.AuditLog")).
		Return(repository.ErrDuplicateAudit)

	entry, err := svc.Deposit(ctx, testWallet, amount, testTxHash)

	// 同一单号的资金变动只落一次账，冲突不可重试
	assert.Nil(t, entry)
	assert.True(t, errors.Is(err, errors.ErrDuplicateKey))
	assert.False(t, errors.IsRetryable(err))
}

func TestLedgerService_Deposit_Validation(t *testing.T) {
	svc, balanceRepo, _, _, cleanup := newTestLedgerService(t)
	defer cleanup()

	ctx := context.Background()

	tests := []struct {
		name      string
		wallet    string
		amount    decimal.Decimal
		reference string
		wantErr   *errors.Error
	}{
		{"invalid address", "not-an-address", decimal.NewFromInt(1), testTxHash, errors.ErrInvalidAddress},
		{"zero amount", testWallet, decimal.Zero, testTxHash, errors.ErrInvalidAmount},
		{"negative amount", testWallet, decimal.NewFromInt(-5), testTxHash, errors.ErrInvalidAmount},
		{"empty reference", testWallet, decimal.NewFromInt(1), "", errors.ErrInvalidReference},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := svc.Deposit(ctx, tt.wallet, tt.amount, tt.reference)
			assert.Nil(t, entry)
			assert.True(t, errors.Is(err, tt.wantErr))
		})
	}

	// 校验失败不应触碰存储
	balanceRepo.AssertNotCalled(t, "Transaction", mock.Anything, mock.Anything)
}

func TestLedgerService_Withdraw(t *testing.T) {
	svc, balanceRepo, auditRepo, dbMock, cleanup := newTestLedgerService(t)
	defer cleanup()

	ctx := context.Background()
	amount := decimal.NewFromInt(20)
	balance := &model.HouseBalance{Wallet: testWallet, Balance: decimal.NewFromInt(50), Version: 3}

	balanceRepo.On("Transaction", mock.Anything, mock.Anything).Return(nil)
	balanceRepo.On("GetByWalletForUpdate", mock.Anything, testWallet).Return(balance, nil)
	balanceRepo.On("Debit", mock.Anything, testWallet, amount).Return(nil)
	auditRepo.On("Create", mock.Anything, mock.AnythingOfType("*model.AuditLog")).Return(nil)
	expectOutboxInsert(dbMock)

	entry, err := svc.Withdraw(ctx, testWallet, amount, testTxHash)

	require.NoError(t, err)
	assert.Equal(t, model.OpWithdrawal, entry.OperationType)
	assert.True(t, entry.BalanceBefore.Equal(decimal.NewFromInt(50)))
	assert.True(t, entry.BalanceAfter.Equal(decimal.NewFromInt(30)))

	// 提现不应建新账户
	balanceRepo.AssertNotCalled(t, "GetOrCreate", mock.Anything, mock.Anything)
	assert.NoError(t, dbMock.ExpectationsWereMet())
}

func TestLedgerService_DebitForBet_InsufficientBalance(t *testing.T) {
	svc, balanceRepo, auditRepo, _, cleanup := newTestLedgerService(t)
	defer cleanup()

	ctx := context.Background()
	stake := decimal.NewFromInt(15)
	balance := &model.HouseBalance{Wallet: testWallet, Balance: decimal.NewFromInt(10), Version: 1}

	balanceRepo.On("Transaction", mock.Anything, mock.Anything).Return(nil)
	balanceRepo.On("GetByWalletForUpdate", mock.Anything, testWallet).Return(balance, nil)
	balanceRepo.On("Debit", mock.Anything, testWallet, stake).Return(repository.ErrInsufficientFund)

	entry, err := svc.DebitForBet(ctx, testWallet, stake, "bet-001")

	assert.Nil(t, entry)
	assert.True(t, errors.Is(err, errors.ErrInsufficientBalance))

	// 余额不足是业务失败，不重试，也不落流水
	balanceRepo.AssertNumberOfCalls(t, "Transaction", 1)
	auditRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestLedgerService_DebitForBet_RetriesTransientError(t *testing.T) {
	svc, balanceRepo, auditRepo, dbMock, cleanup := newTestLedgerService(t)
	defer cleanup()

	ctx := context.Background()
	stake := decimal.NewFromInt(5)
	balance := &model.HouseBalance{Wallet: testWallet, Balance: decimal.NewFromInt(100), Version: 7}

	// 首次序列化冲突，第二次成功
	serializationFailure := &pgconn.PgError{Code: "40001"}
	balanceRepo.On("Transaction", mock.Anything, mock.Anything).Return(serializationFailure).Once()
	balanceRepo.On("Transaction", mock.Anything, mock.Anything).Return(nil)
	balanceRepo.On("GetByWalletForUpdate", mock.Anything, testWallet).Return(balance, nil)
	balanceRepo.On("Debit", mock.Anything, testWallet, stake).Return(nil)
	auditRepo.On("Create", mock.Anything, mock.AnythingOfType("*model.AuditLog")).Return(nil)
	expectOutboxInsert(dbMock)

	entry, err := svc.DebitForBet(ctx, testWallet, stake, "bet-002")

	require.NoError(t, err)
	assert.Equal(t, model.OpBetPlaced, entry.OperationType)
	assert.True(t, entry.BalanceAfter.Equal(decimal.NewFromInt(95)))
	balanceRepo.AssertNumberOfCalls(t, "Transaction", 2)
}

func TestLedgerService_CreditPayout_FreshWallet(t *testing.T) {
	svc, balanceRepo, auditRepo, dbMock, cleanup := newTestLedgerService(t)
	defer cleanup()

	ctx := context.Background()
	payout := decimal.NewFromFloat(7.5)
	fresh := &model.HouseBalance{Wallet: testWallet2, Balance: decimal.Zero, Version: 0}

	// 派彩允许对没有余额记录的地址建账
	balanceRepo.On("Transaction", mock.Anything, mock.Anything).Return(nil)
	balanceRepo.On("GetOrCreate", mock.Anything, testWallet2).Return(fresh, nil)
	balanceRepo.On("GetByWalletForUpdate", mock.Anything, testWallet2).Return(fresh, nil)
	balanceRepo.On("Credit", mock.Anything, testWallet2, payout).Return(nil)
	auditRepo.On("Create", mock.Anything, mock.AnythingOfType("*model.AuditLog")).Return(nil)
	expectOutboxInsert(dbMock)

	entry, err := svc.CreditPayout(ctx, testWallet2, payout, "bet-003")

	require.NoError(t, err)
	assert.Equal(t, model.OpBetWon, entry.OperationType)
	assert.True(t, entry.BalanceBefore.IsZero())
	assert.True(t, entry.BalanceAfter.Equal(payout))
	balanceRepo.AssertExpectations(t)
}

func TestLedgerService_RecordBetLoss_BalanceUnchanged(t *testing.T) {
	svc, balanceRepo, auditRepo, dbMock, cleanup := newTestLedgerService(t)
	defer cleanup()

	ctx := context.Background()
	stake := decimal.NewFromInt(10)
	balance := &model.HouseBalance{Wallet: testWallet, Balance: decimal.NewFromInt(25), Version: 4}

	balanceRepo.On("Transaction", mock.Anything, mock.Anything).Return(nil)
	balanceRepo.On("GetByWalletForUpdate", mock.Anything, testWallet).Return(balance, nil)
	auditRepo.On("Create", mock.Anything, mock.AnythingOfType("*model.AuditLog")).Return(nil)

	entry, err := svc.RecordBetLoss(ctx, testWallet, stake, "bet-004")

	require.NoError(t, err)
	assert.Equal(t, model.OpBetLost, entry.OperationType)
	assert.True(t, entry.Amount.Equal(stake))
	assert.True(t, entry.BalanceBefore.Equal(decimal.NewFromInt(25)))
	assert.True(t, entry.BalanceAfter.Equal(decimal.NewFromInt(25)))

	// 输注只留痕: 不动余额，不发余额变更消息
	balanceRepo.AssertNotCalled(t, "Debit", mock.Anything, mock.Anything, mock.Anything)
	balanceRepo.AssertNotCalled(t, "Credit", mock.Anything, mock.Anything, mock.Anything)
	assert.NoError(t, dbMock.ExpectationsWereMet())
}

func TestLedgerService_GetBalance(t *testing.T) {
	svc, balanceRepo, _, _, cleanup := newTestLedgerService(t)
	defer cleanup()

	ctx := context.Background()

	t.Run("invalid address", func(t *testing.T) {
		balance, err := svc.GetBalance(ctx, "0xzz")
		assert.Nil(t, balance)
		assert.True(t, errors.Is(err, errors.ErrInvalidAddress))
	})

	t.Run("not found", func(t *testing.T) {
		balanceRepo.On("GetByWallet", mock.Anything, testWallet2).Return(nil, repository.ErrBalanceNotFound).Once()
		balance, err := svc.GetBalance(ctx, testWallet2)
		assert.Nil(t, balance)
		assert.True(t, errors.Is(err, errors.ErrUserNotFound))
	})

	t.Run("found", func(t *testing.T) {
		want := &model.HouseBalance{Wallet: testWallet, Balance: decimal.NewFromInt(42)}
		balanceRepo.On("GetByWallet", mock.Anything, testWallet).Return(want, nil).Once()
		balance, err := svc.GetBalance(ctx, testWallet)
		require.NoError(t, err)
		assert.True(t, balance.Balance.Equal(decimal.NewFromInt(42)))
	})
}

func TestLedgerService_GetLedgerTotal(t *testing.T) {
	svc, balanceRepo, _, _, cleanup := newTestLedgerService(t)
	defer cleanup()

	balanceRepo.On("SumBalances", mock.Anything).Return(decimal.NewFromFloat(123.45), nil)

	total, err := svc.GetLedgerTotal(context.Background())

	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromFloat(123.45)))
}
