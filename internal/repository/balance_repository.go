package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/helix-games/helix-ledger/internal/model"
)

var (
	ErrBalanceNotFound  = errors.New("balance not found")
	ErrInsufficientFund = errors.New("insufficient balance")
)

// BalanceRepository 余额仓储接口
type BalanceRepository interface {
	// Transaction 执行事务
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error

	// GetOrCreate 获取或创建余额记录
	GetOrCreate(ctx context.Context, wallet string) (*model.HouseBalance, error)

	// GetByWallet 根据钱包查询余额
	GetByWallet(ctx context.Context, wallet string) (*model.HouseBalance, error)

	// GetByWalletForUpdate 获取余额并加行锁 (SELECT FOR UPDATE)
	// 同一地址的并发变更在此串行化
	GetByWalletForUpdate(ctx context.Context, wallet string) (*model.HouseBalance, error)

	// Credit 增加余额
	Credit(ctx context.Context, wallet string, amount decimal.Decimal) error

	// Debit 扣减余额，余额不足返回 ErrInsufficientFund
	Debit(ctx context.Context, wallet string, amount decimal.Decimal) error

	// SetBalance 覆写余额，对账调整使用
	SetBalance(ctx context.Context, wallet string, balance decimal.Decimal) error

	// SumBalances 汇总全部账户余额
	SumBalances(ctx context.Context) (decimal.Decimal, error)

	// ListBalances 分页查询余额记录，全量对账使用
	ListBalances(ctx context.Context, offset, limit int) ([]*model.HouseBalance, error)

	// CountBalances 统计账户数量
	CountBalances(ctx context.Context) (int64, error)
}

// balanceRepository 余额仓储实现
type balanceRepository struct {
	*Repository
}

// NewBalanceRepository 创建余额仓储
func NewBalanceRepository(db *gorm.DB) BalanceRepository {
	return &balanceRepository{
		Repository: NewRepository(db),
	}
}

// GetOrCreate 获取或创建余额记录
func (r *balanceRepository) GetOrCreate(ctx context.Context, wallet string) (*model.HouseBalance, error) {
	var balance model.HouseBalance

	result := r.DB(ctx).Where("wallet = ?", wallet).First(&balance)
	if result.Error == nil {
		return &balance, nil
	}

	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("get balance failed: %w", result.Error)
	}

	balance = model.HouseBalance{
		Wallet:  wallet,
		Balance: decimal.Zero,
		Version: 1,
	}

	// 并发创建走 ON CONFLICT
	result = r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet"}},
		DoNothing: true,
	}).Create(&balance)

	if result.Error != nil {
		return nil, fmt.Errorf("create balance failed: %w", result.Error)
	}

	// 冲突说明其他事务先建了记录，重新查询
	if result.RowsAffected == 0 {
		result = r.DB(ctx).Where("wallet = ?", wallet).First(&balance)
		if result.Error != nil {
			return nil, fmt.Errorf("get balance after conflict failed: %w", result.Error)
		}
	}

	return &balance, nil
}

// GetByWallet 根据钱包查询余额
func (r *balanceRepository) GetByWallet(ctx context.Context, wallet string) (*model.HouseBalance, error) {
	var balance model.HouseBalance
	result := r.DB(ctx).Where("wallet = ?", wallet).First(&balance)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, fmt.Errorf("get balance failed: %w", result.Error)
	}
	return &balance, nil
}

// GetByWalletForUpdate 获取余额并加行锁
func (r *balanceRepository) GetByWalletForUpdate(ctx context.Context, wallet string) (*model.HouseBalance, error) {
	var balance model.HouseBalance
	opts := &QueryOptions{ForUpdate: true}
	result := opts.ApplyLock(r.DB(ctx)).
		Where("wallet = ?", wallet).
		First(&balance)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, fmt.Errorf("get balance for update failed: %w", result.Error)
	}
	return &balance, nil
}

// Credit 增加余额
func (r *balanceRepository) Credit(ctx context.Context, wallet string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return errors.New("credit amount must be positive")
	}

	result := r.DB(ctx).Exec(`
		UPDATE house_balances
		SET balance = balance + ?,
		    version = version + 1,
		    updated_at = ?
		WHERE wallet = ?`, amount, time.Now().UnixMilli(), wallet)

	if result.Error != nil {
		return fmt.Errorf("credit balance failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrBalanceNotFound
	}
	return nil
}

// Debit 扣减余额
// balance >= amount 作为行锁之外的最后一道防线，保证余额不出现负数
func (r *balanceRepository) Debit(ctx context.Context, wallet string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return errors.New("debit amount must be positive")
	}

	result := r.DB(ctx).Exec(`
		UPDATE house_balances
		SET balance = balance - ?,
		    version = version + 1,
		    updated_at = ?
		WHERE wallet = ? AND balance >= ?`, amount, time.Now().UnixMilli(), wallet, amount)

	if result.Error != nil {
		return fmt.Errorf("debit balance failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInsufficientFund
	}
	return nil
}

// SetBalance 覆写余额
func (r *balanceRepository) SetBalance(ctx context.Context, wallet string, balance decimal.Decimal) error {
	result := r.DB(ctx).Exec(`
		UPDATE house_balances
		SET balance = ?,
		    version = version + 1,
		    updated_at = ?
		WHERE wallet = ?`, balance, time.Now().UnixMilli(), wallet)

	if result.Error != nil {
		return fmt.Errorf("set balance failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrBalanceNotFound
	}
	return nil
}

// SumBalances 汇总全部账户余额
func (r *balanceRepository) SumBalances(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.Decimal
	row := r.DB(ctx).
		Model(&model.HouseBalance{}).
		Select("COALESCE(SUM(balance), 0)").
		Row()
	if err := row.Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("sum balances failed: %w", err)
	}
	return total, nil
}

// ListBalances 分页查询余额记录
func (r *balanceRepository) ListBalances(ctx context.Context, offset, limit int) ([]*model.HouseBalance, error) {
	var balances []*model.HouseBalance
	result := r.DB(ctx).
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(&balances)
	if result.Error != nil {
		return nil, fmt.Errorf("list balances failed: %w", result.Error)
	}
	return balances, nil
}

// CountBalances 统计账户数量
func (r *balanceRepository) CountBalances(ctx context.Context) (int64, error) {
	var count int64
	if err := r.DB(ctx).Model(&model.HouseBalance{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count balances failed: %w", err)
	}
	return count, nil
}
