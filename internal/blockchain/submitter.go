package blockchain

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/helix-games/helix-ledger/internal/contract"
	"github.com/helix-games/helix-ledger/pkg/errors"
	"github.com/helix-games/helix-ledger/pkg/logger"
)

// registerBetGasLimit Gas 估算失败时的兜底值
const registerBetGasLimit = 150000

// BetSubmitter 注单上链提交器。
// 用热钱包签名 registerBet 交易，Nonce 由 NonceManager 统一分配。
type BetSubmitter struct {
	client *Client
	vault  *contract.EscrowVault
	nonces *NonceManager
}

// NewBetSubmitter 创建注单提交器
func NewBetSubmitter(client *Client, vault *contract.EscrowVault, nonces *NonceManager) *BetSubmitter {
	return &BetSubmitter{
		client: client,
		vault:  vault,
		nonces: nonces,
	}
}

// RegisterBet 向金库合约登记注单，返回交易哈希。
// 只负责广播，不等待确认，确认结果由事件监听回流。
func (s *BetSubmitter) RegisterBet(ctx context.Context, betID, wallet string, stake decimal.Decimal) (string, error) {
	if !common.IsHexAddress(wallet) {
		return "", errors.ErrInvalidAddress.WithMessagef("invalid wallet address: %s", wallet)
	}
	if stake.Sign() <= 0 {
		return "", errors.ErrInvalidAmount.WithMessagef("stake must be positive, got %s", stake)
	}

	betHash := crypto.Keccak256Hash([]byte(betID))
	user := common.HexToAddress(wallet)
	stakeWei := ToWei(stake)

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", errors.WrapWithCause(errors.ErrChainOracle, err, "suggest gas price")
	}

	gasLimit, err := s.vault.EstimateRegisterBet(ctx, s.client.Address(), betHash, user, stakeWei)
	if err != nil {
		// 估算失败多半是节点抖动，用兜底值继续
		logger.Warn("gas estimate failed, using fallback limit",
			"bet_id", betID,
			"error", err)
		gasLimit = registerBetGasLimit
	}

	nonce, err := s.nonces.AcquireNonce(ctx)
	if err != nil {
		return "", errors.WrapWithCause(errors.ErrChainOracle, err, "acquire nonce")
	}

	tx, err := s.vault.BuildRegisterBetTx(nonce, gasLimit, gasPrice, betHash, user, stakeWei)
	if err != nil {
		s.nonces.ReleaseNonce(ctx, nonce)
		return "", err
	}

	signed, err := s.client.SignTransaction(tx)
	if err != nil {
		s.nonces.ReleaseNonce(ctx, nonce)
		return "", err
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		s.nonces.ReleaseNonce(ctx, nonce)
		if strings.Contains(err.Error(), "nonce too low") {
			s.nonces.HandleNonceTooLow(ctx)
		}
		if isRevert(err) {
			return "", errors.WrapWithCause(errors.ErrChainRevert, err, "registerBet(%s)", betID)
		}
		return "", errors.WrapWithCause(errors.ErrChainOracle, err, "broadcast registerBet(%s)", betID)
	}

	txHash := signed.Hash().Hex()
	if err := s.nonces.ConfirmNonce(ctx, nonce, txHash); err != nil {
		logger.Warn("failed to track pending nonce",
			"nonce", nonce,
			"tx_hash", txHash,
			"error", err)
	}

	logger.Info("bet registered on chain",
		"bet_id", betID,
		"wallet", wallet,
		"stake", stake.String(),
		"tx_hash", txHash)

	return txHash, nil
}

// isRevert 判断错误是否是合约回滚，回滚不值得重试
func isRevert(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert")
}
