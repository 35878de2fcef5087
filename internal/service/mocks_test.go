package service

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/helix-games/helix-ledger/internal/model"
	"github.com/helix-games/helix-ledger/internal/repository"
	"github.com/helix-games/helix-ledger/pkg/retry"
)

const (
	testWallet  = "0x1111111111111111111111111111111111111111"
	testWallet2 = "0x2222222222222222222222222222222222222222"
	testTxHash  = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
)

// quickRetry 无退避的重试策略，测试用
func quickRetry() *retry.Policy {
	return &retry.Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		BackoffFactor:  1,
	}
}

// setupMockDB 创建 sqlmock 后端的 gorm 连接，
// 服务依赖的具体仓储 (outbox、对账、事件) 用它落 SQL 期望
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	dialector := postgres.New(postgres.Config{
		Conn:       db,
		DriverName: "postgres",
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open gorm db: %v", err)
	}

	cleanup := func() {
		db.Close()
	}

	return gormDB, mock, cleanup
}

// ========== Mock BalanceRepository ==========

type MockBalanceRepository struct {
	mock.Mock
}

// Transaction 不模拟真实事务，直接执行回调
func (m *MockBalanceRepository) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	args := m.Called(ctx, fn)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	return fn(ctx)
}

func (m *MockBalanceRepository) GetOrCreate(ctx context.Context, wallet string) (*model.HouseBalance, error) {
	args := m.Called(ctx, wallet)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.HouseBalance), args.Error(1)
}

func (m *MockBalanceRepository) GetByWallet(ctx context.Context, wallet string) (*model.HouseBalance, error) {
	args := m.Called(ctx, wallet)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.HouseBalance), args.Error(1)
}

func (m *MockBalanceRepository) GetByWalletForUpdate(ctx context.Context, wallet string) (*model.HouseBalance, error) {
	args := m.Called(ctx, wallet)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.HouseBalance), args.Error(1)
}

func (m *MockBalanceRepository) Credit(ctx context.Context, wallet string, amount decimal.Decimal) error {
	args := m.Called(ctx, wallet, amount)
	return args.Error(0)
}

func (m *MockBalanceRepository) Debit(ctx context.Context, wallet string, amount decimal.Decimal) error {
	args := m.Called(ctx, wallet, amount)
	return args.Error(0)
}

func (m *MockBalanceRepository) SetBalance(ctx context.Context, wallet string, balance decimal.Decimal) error {
	args := m.Called(ctx, wallet, balance)
	return args.Error(0)
}

func (m *MockBalanceRepository) SumBalances(ctx context.Context) (decimal.Decimal, error) {
	args := m.Called(ctx)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockBalanceRepository) ListBalances(ctx context.Context, offset, limit int) ([]*model.HouseBalance, error) {
	args := m.Called(ctx, offset, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.HouseBalance), args.Error(1)
}

func (m *MockBalanceRepository) CountBalances(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// ========== Mock AuditRepository ==========

type MockAuditRepository struct {
	mock.Mock
}

func (m *MockAuditRepository) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	args := m.Called(ctx, fn)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	return fn(ctx)
}

func (m *MockAuditRepository) Create(ctx context.Context, log *model.AuditLog) error {
	args := m.Called(ctx, log)
	return args.Error(0)
}

func (m *MockAuditRepository) GetByReference(ctx context.Context, op model.OperationType, referenceID string) (*model.AuditLog, error) {
	args := m.Called(ctx, op, referenceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AuditLog), args.Error(1)
}

func (m *MockAuditRepository) ListByWallet(ctx context.Context, wallet string, filter *repository.AuditLogFilter, page *repository.Pagination) ([]*model.AuditLog, error) {
	args := m.Called(ctx, wallet, filter, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.AuditLog), args.Error(1)
}

func (m *MockAuditRepository) SumDeltas(ctx context.Context) (decimal.Decimal, error) {
	args := m.Called(ctx)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockAuditRepository) CountByType(ctx context.Context, op model.OperationType) (int64, error) {
	args := m.Called(ctx, op)
	return args.Get(0).(int64), args.Error(1)
}

// ========== Mock ChainOracle ==========

type MockChainOracle struct {
	mock.Mock
}

func (m *MockChainOracle) UserBalance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	args := m.Called(ctx, wallet)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockChainOracle) VaultBalance(ctx context.Context) (decimal.Decimal, error) {
	args := m.Called(ctx)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

// ========== Mock LedgerService ==========

type MockLedgerService struct {
	mock.Mock
}

func (m *MockLedgerService) Deposit(ctx context.Context, wallet string, amount decimal.Decimal, referenceID string) (*model.AuditLog, error) {
	args := m.Called(ctx, wallet, amount, referenceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AuditLog), args.Error(1)
}

func (m *MockLedgerService) Withdraw(ctx context.Context, wallet string, amount decimal.Decimal, referenceID string) (*model.AuditLog, error) {
	args := m.Called(ctx, wallet, amount, referenceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AuditLog), args.Error(1)
}

func (m *MockLedgerService) DebitForBet(ctx context.Context, wallet string, stake decimal.Decimal, betID string) (*model.AuditLog, error) {
	args := m.Called(ctx, wallet, stake, betID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AuditLog), args.Error(1)
}

func (m *MockLedgerService) CreditPayout(ctx context.Context, wallet string, payout decimal.Decimal, betID string) (*model.AuditLog, error) {
	args := m.Called(ctx, wallet, payout, betID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AuditLog), args.Error(1)
}

func (m *MockLedgerService) RecordBetLoss(ctx context.Context, wallet string, stake decimal.Decimal, betID string) (*model.AuditLog, error) {
	args := m.Called(ctx, wallet, stake, betID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AuditLog), args.Error(1)
}

func (m *MockLedgerService) GetBalance(ctx context.Context, wallet string) (*model.HouseBalance, error) {
	args := m.Called(ctx, wallet)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.HouseBalance), args.Error(1)
}

func (m *MockLedgerService) GetLedgerTotal(ctx context.Context) (decimal.Decimal, error) {
	args := m.Called(ctx)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockLedgerService) GetAuditTrail(ctx context.Context, wallet string, filter *repository.AuditLogFilter, page *repository.Pagination) ([]*model.AuditLog, error) {
	args := m.Called(ctx, wallet, filter, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.AuditLog), args.Error(1)
}
