package blockchain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/helix-games/helix-ledger/pkg/errors"
)

// VaultReader 金库合约只读接口
type VaultReader interface {
	BalanceOf(ctx context.Context, user common.Address) (*big.Int, error)
	TotalEscrowed(ctx context.Context) (*big.Int, error)
}

// Oracle 链上余额预言机。
// 合约返回 wei (18 位精度)，这里统一换算成十进制金额。
type Oracle struct {
	client *Client
	vault  VaultReader
}

// NewOracle 创建预言机
func NewOracle(client *Client, vault VaultReader) *Oracle {
	return &Oracle{
		client: client,
		vault:  vault,
	}
}

// UserBalance 查询单个用户在金库中的托管余额
func (o *Oracle) UserBalance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	if !common.IsHexAddress(wallet) {
		return decimal.Zero, errors.ErrInvalidAddress.WithMessagef("invalid wallet address: %s", wallet)
	}

	balance, err := o.vault.BalanceOf(ctx, common.HexToAddress(wallet))
	if err != nil {
		return decimal.Zero, errors.WrapWithCause(errors.ErrChainOracle, err, "query vault balanceOf(%s)", wallet)
	}

	return fromWei(balance), nil
}

// VaultBalance 查询金库托管总额
func (o *Oracle) VaultBalance(ctx context.Context) (decimal.Decimal, error) {
	total, err := o.vault.TotalEscrowed(ctx)
	if err != nil {
		return decimal.Zero, errors.WrapWithCause(errors.ErrChainOracle, err, "query vault totalEscrowed")
	}

	return fromWei(total), nil
}

// LatestBlock 当前链上最新区块号
func (o *Oracle) LatestBlock(ctx context.Context) (uint64, error) {
	num, err := o.client.BlockNumber(ctx)
	if err != nil {
		return 0, errors.WrapWithCause(errors.ErrChainOracle, err, "query latest block number")
	}
	return num, nil
}

// HealthCheck 预言机可用性探测
func (o *Oracle) HealthCheck(ctx context.Context) error {
	if err := o.client.HealthCheck(ctx); err != nil {
		return errors.WrapWithCause(errors.ErrChainOracle, err, "rpc health check")
	}
	return nil
}

func fromWei(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -18)
}

// ToWei 十进制金额换算成 wei，超出 18 位精度的部分截断
func ToWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(18).Truncate(0).BigInt()
}
