package service

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/helix-games/helix-ledger/internal/model"
	"github.com/helix-games/helix-ledger/internal/repository"
	"github.com/helix-games/helix-ledger/pkg/errors"
)

const testAdminID = "admin-42"

func newTestReconciliationService(t *testing.T) (*ReconciliationService, *MockBalanceRepository, *MockAuditRepository, *MockChainOracle, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, dbMock, cleanup := setupMockDB(t)
	balanceRepo := new(MockBalanceRepository)
	auditRepo := new(MockAuditRepository)
	oracle := new(MockChainOracle)
	outboxRepo := repository.NewOutboxRepository(db)
	reconRepo := repository.NewReconciliationRepository(db)

	svc := NewReconciliationService(balanceRepo, auditRepo, outboxRepo, reconRepo, oracle, quickRetry(), 0)
	return svc, balanceRepo, auditRepo, oracle, dbMock, cleanup
}

func TestReconciliationService_ReconcileUser(t *testing.T) {
	svc, balanceRepo, auditRepo, oracle, _, cleanup := newTestReconciliationService(t)
	defer cleanup()

	ctx := context.Background()
	balance := &model.HouseBalance{Wallet: testWallet, Balance: decimal.NewFromFloat(8.0), Version: 2}

	oracle.On("UserBalance", mock.Anything, testWallet).Return(decimal.NewFromFloat(10.0), nil)
	balanceRepo.On("Transaction", mock.Anything, mock.Anything).Return(nil)
	balanceRepo.On("GetOrCreate", mock.Anything, testWallet).Return(balance, nil)
	balanceRepo.On("GetByWalletForUpdate", mock.Anything, testWallet).Return(balance, nil)
	balanceRepo.On("SetBalance", mock.Anything, testWallet, decimal.NewFromFloat(10.0)).Return(nil)

	var entry *model.AuditLog
	auditRepo.On("Create", mock.Anything, mock.AnythingOfType("*model.AuditLog")).
		Run(func(args mock.Arguments) {
			entry = args.Get(1).(*model.AuditLog)
		}).
		Return(nil)

	adj, err := svc.ReconcileUser(ctx, testWallet, testAdminID)

	require.NoError(t, err)
	assert.True(t, adj.LedgerBalance.Equal(decimal.NewFromFloat(8.0)))
	assert.True(t, adj.ChainBalance.Equal(decimal.NewFromFloat(10.0)))
	assert.True(t, adj.Delta.Equal(decimal.NewFromFloat(2.0)))
	assert.True(t, adj.Applied)

	// 修正流水: 金额为链上与账本的差值，单号记操作人
	require.NotNil(t, entry)
	assert.Equal(t, model.OpReconciliation, entry.OperationType)
	assert.True(t, entry.Amount.Equal(decimal.NewFromFloat(2.0)))
	assert.True(t, entry.BalanceBefore.Equal(decimal.NewFromFloat(8.0)))
	assert.True(t, entry.BalanceAfter.Equal(decimal.NewFromFloat(10.0)))
	assert.Equal(t, testAdminID, entry.ReferenceID)

	balanceRepo.AssertExpectations(t)
}

func TestReconciliationService_ReconcileUser_Validation(t *testing.T) {
	svc, _, _, oracle, _, cleanup := newTestReconciliationService(t)
	defer cleanup()

	ctx := context.Background()

	t.Run("invalid wallet", func(t *testing.T) {
		adj, err := svc.ReconcileUser(ctx, "bogus", testAdminID)
		assert.Nil(t, adj)
		assert.True(t, errors.Is(err, errors.ErrInvalidAddress))
	})

	t.Run("missing admin id", func(t *testing.T) {
		adj, err := svc.ReconcileUser(ctx, testWallet, "")
		assert.Nil(t, adj)
		assert.True(t, errors.Is(err, errors.ErrInvalidReference))
	})

	oracle.AssertNotCalled(t, "UserBalance", mock.Anything, mock.Anything)
}

func TestReconciliationService_ReconcileUser_OracleFailure(t *testing.T) {
	svc, balanceRepo, _, oracle, _, cleanup := newTestReconciliationService(t)
	defer cleanup()

	oracle.On("UserBalance", mock.Anything, testWallet).Return(decimal.Zero, stderrors.New("rpc unavailable"))

	adj, err := svc.ReconcileUser(context.Background(), testWallet, testAdminID)

	// 链上余额拿不到就不能动账本
	assert.Nil(t, adj)
	assert.Error(t, err)
	balanceRepo.AssertNotCalled(t, "SetBalance", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconciliationService_ReconcileAll_AlreadyRunning(t *testing.T) {
	svc, balanceRepo, _, _, dbMock, cleanup := newTestReconciliationService(t)
	defer cleanup()

	dbMock.ExpectQuery(`SELECT count\(\*\) FROM "reconciliation_tasks" WHERE status = \$1 AND started_at > \$2`).
		WithArgs(string(model.ReconciliationStatusRunning), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	task, err := svc.ReconcileAll(context.Background(), testAdminID, false)

	assert.Nil(t, task)
	assert.True(t, errors.Is(err, errors.ErrReconcileRunning))
	balanceRepo.AssertNotCalled(t, "ListBalances", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconciliationService_ReconcileAll_DryRun(t *testing.T) {
	svc, balanceRepo, _, oracle, dbMock, cleanup := newTestReconciliationService(t)
	defer cleanup()

	ctx := context.Background()
	balances := []*model.HouseBalance{
		{Wallet: testWallet, Balance: decimal.NewFromInt(10)},
		{Wallet: testWallet2, Balance: decimal.NewFromInt(20)},
	}

	dbMock.ExpectQuery(`SELECT count\(\*\) FROM "reconciliation_tasks"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	dbMock.ExpectQuery(`INSERT INTO "reconciliation_tasks"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	balanceRepo.On("ListBalances", mock.Anything, 0, defaultReconcileBatchSize).Return(balances, nil).Once()
	balanceRepo.On("ListBalances", mock.Anything, 2, defaultReconcileBatchSize).Return([]*model.HouseBalance{}, nil).Once()

	// 第一个地址链上多 5，第二个无偏差
	oracle.On("UserBalance", mock.Anything, testWallet).Return(decimal.NewFromInt(15), nil)
	oracle.On("UserBalance", mock.Anything, testWallet2).Return(decimal.NewFromInt(20), nil)

	dbMock.ExpectQuery(`INSERT INTO "reconciliation_adjustments"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	dbMock.ExpectQuery(`INSERT INTO "reconciliation_adjustments"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))

	dbMock.ExpectExec(`UPDATE "reconciliation_tasks" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	dbMock.ExpectQuery(`INSERT INTO "ledger_outbox_messages"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	task, err := svc.ReconcileAll(ctx, testAdminID, true)

	require.NoError(t, err)
	assert.Equal(t, model.ReconciliationStatusCompleted, task.Status)
	assert.True(t, task.DryRun)
	assert.Equal(t, 2, task.CheckedCount)
	assert.Equal(t, 1, task.AdjustedCount)
	assert.Equal(t, 0, task.FailedCount)
	assert.True(t, task.TotalDrift.Equal(decimal.NewFromInt(5)))

	// 试算模式只记录偏差，不动账本
	balanceRepo.AssertNotCalled(t, "SetBalance", mock.Anything, mock.Anything, mock.Anything)
	assert.NoError(t, dbMock.ExpectationsWereMet())
}

func TestReconciliationService_ReconcileAll_ContinuesPastFailures(t *testing.T) {
	svc, balanceRepo, auditRepo, oracle, dbMock, cleanup := newTestReconciliationService(t)
	defer cleanup()

	ctx := context.Background()
	balances := []*model.HouseBalance{
		{Wallet: testWallet, Balance: decimal.NewFromInt(10)},
		{Wallet: testWallet2, Balance: decimal.NewFromInt(20)},
	}

	dbMock.ExpectQuery(`SELECT count\(\*\) FROM "reconciliation_tasks"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	dbMock.ExpectQuery(`INSERT INTO "reconciliation_tasks"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	balanceRepo.On("ListBalances", mock.Anything, 0, defaultReconcileBatchSize).Return(balances, nil).Once()
	balanceRepo.On("ListBalances", mock.Anything, 2, defaultReconcileBatchSize).Return([]*model.HouseBalance{}, nil).Once()

	// 第一个地址预言机失败，任务不中断，第二个继续修正
	oracle.On("UserBalance", mock.Anything, testWallet).Return(decimal.Zero, stderrors.New("rpc unavailable"))
	oracle.On("UserBalance", mock.Anything, testWallet2).Return(decimal.NewFromInt(25), nil)

	chainBalance2 := &model.HouseBalance{Wallet: testWallet2, Balance: decimal.NewFromInt(20), Version: 1}
	balanceRepo.On("Transaction", mock.Anything, mock.Anything).Return(nil)
	balanceRepo.On("GetOrCreate", mock.Anything, testWallet2).Return(chainBalance2, nil)
	balanceRepo.On("GetByWalletForUpdate", mock.Anything, testWallet2).Return(chainBalance2, nil)
	balanceRepo.On("SetBalance", mock.Anything, testWallet2, decimal.NewFromInt(25)).Return(nil)
	auditRepo.On("Create", mock.Anything, mock.AnythingOfType("*model.AuditLog")).Return(nil)

	dbMock.ExpectQuery(`INSERT INTO "reconciliation_adjustments"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	dbMock.ExpectQuery(`INSERT INTO "reconciliation_adjustments"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))

	dbMock.ExpectExec(`UPDATE "reconciliation_tasks" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	dbMock.ExpectQuery(`INSERT INTO "ledger_outbox_messages"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	task, err := svc.ReconcileAll(ctx, testAdminID, false)

	require.NoError(t, err)
	assert.Equal(t, model.ReconciliationStatusCompleted, task.Status)
	assert.Equal(t, 2, task.CheckedCount)
	assert.Equal(t, 1, task.AdjustedCount)
	assert.Equal(t, 1, task.FailedCount)
	assert.True(t, task.TotalDrift.Equal(decimal.NewFromInt(5)))

	balanceRepo.AssertCalled(t, "SetBalance", mock.Anything, testWallet2, decimal.NewFromInt(25))
	assert.NoError(t, dbMock.ExpectationsWereMet())
}

func TestReconciliationService_FinishTask_SurvivesCanceledContext(t *testing.T) {
	svc, _, _, _, dbMock, cleanup := newTestReconciliationService(t)
	defer cleanup()

	dbMock.ExpectExec(`UPDATE "reconciliation_tasks" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	dbMock.ExpectQuery(`INSERT INTO "ledger_outbox_messages"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := &model.ReconciliationTask{
		TaskID:     "recon-task-1",
		AdminID:    testAdminID,
		Status:     model.ReconciliationStatusFailed,
		FinishedAt: 1700000000000,
	}
	svc.finishTask(ctx, task)

	// 调用方的 ctx 已取消，终态仍要落库并发出报告
	assert.NoError(t, dbMock.ExpectationsWereMet())
}
