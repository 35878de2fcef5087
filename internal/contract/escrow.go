// Package contract provides the ABI binding for the EscrowVault smart contract.
package contract

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrInvalidBetParams = errors.New("invalid bet registration params")
	ErrMalformedLog     = errors.New("malformed event log")
)

// EscrowVaultABI is the ABI of the EscrowVault smart contract.
// This matches the Solidity contract interface:
//
//	function balanceOf(address user) external view returns (uint256);
//	function totalEscrowed() external view returns (uint256);
//	function registerBet(bytes32 betId, address user, uint256 stake) external returns (bool);
//	event Deposit(address indexed user, uint256 amount);
//	event Withdraw(address indexed user, address to, uint256 amount);
//	event BetSettled(bytes32 indexed betId, address indexed user, bool won, uint256 stake, uint256 payout);
const EscrowVaultABI = `[
	{
		"type": "function",
		"name": "balanceOf",
		"inputs": [
			{"name": "user", "type": "address"}
		],
		"outputs": [
			{"name": "balance", "type": "uint256"}
		],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "totalEscrowed",
		"inputs": [],
		"outputs": [
			{"name": "total", "type": "uint256"}
		],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "registerBet",
		"inputs": [
			{"name": "betId", "type": "bytes32"},
			{"name": "user", "type": "address"},
			{"name": "stake", "type": "uint256"}
		],
		"outputs": [
			{"name": "success", "type": "bool"}
		],
		"stateMutability": "nonpayable"
	},
	{
		"type": "event",
		"name": "Deposit",
		"inputs": [
			{"name": "user", "type": "address", "indexed": true},
			{"name": "amount", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "Withdraw",
		"inputs": [
			{"name": "user", "type": "address", "indexed": true},
			{"name": "to", "type": "address", "indexed": false},
			{"name": "amount", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "BetSettled",
		"inputs": [
			{"name": "betId", "type": "bytes32", "indexed": true},
			{"name": "user", "type": "address", "indexed": true},
			{"name": "won", "type": "bool", "indexed": false},
			{"name": "stake", "type": "uint256", "indexed": false},
			{"name": "payout", "type": "uint256", "indexed": false}
		]
	}
]`

// Backend 合约调用所需的链访问能力，由 blockchain.Client 实现
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// DepositEvent represents the Deposit event from the EscrowVault contract.
type DepositEvent struct {
	User   common.Address `json:"user"`
	Amount *big.Int       `json:"amount"`
	Raw    types.Log
}

// WithdrawEvent represents the Withdraw event from the EscrowVault contract.
type WithdrawEvent struct {
	User   common.Address `json:"user"`
	To     common.Address `json:"to"`
	Amount *big.Int       `json:"amount"`
	Raw    types.Log
}

// BetSettledEvent represents the BetSettled event from the EscrowVault contract.
type BetSettledEvent struct {
	BetID  common.Hash    `json:"betId"`
	User   common.Address `json:"user"`
	Won    bool           `json:"won"`
	Stake  *big.Int       `json:"stake"`
	Payout *big.Int       `json:"payout"`
	Raw    types.Log
}

// EscrowVault provides methods to interact with the EscrowVault smart contract.
type EscrowVault struct {
	address common.Address
	abi     abi.ABI
	backend Backend
}

// NewEscrowVault creates a new EscrowVault contract instance.
func NewEscrowVault(address common.Address, backend Backend) (*EscrowVault, error) {
	parsed, err := abi.JSON(strings.NewReader(EscrowVaultABI))
	if err != nil {
		return nil, err
	}

	return &EscrowVault{
		address: address,
		abi:     parsed,
		backend: backend,
	}, nil
}

// Address returns the contract address.
func (c *EscrowVault) Address() common.Address {
	return c.address
}

// ABI returns the contract ABI.
func (c *EscrowVault) ABI() abi.ABI {
	return c.abi
}

// BalanceOf queries the escrowed balance of a single user, in wei.
func (c *EscrowVault) BalanceOf(ctx context.Context, user common.Address) (*big.Int, error) {
	data, err := c.abi.Pack("balanceOf", user)
	if err != nil {
		return nil, err
	}

	msg := ethereum.CallMsg{
		To:   &c.address,
		Data: data,
	}

	result, err := c.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, err
	}

	var balance *big.Int
	err = c.abi.UnpackIntoInterface(&balance, "balanceOf", result)
	if err != nil {
		return nil, err
	}

	return balance, nil
}

// TotalEscrowed queries the total amount held by the vault, in wei.
func (c *EscrowVault) TotalEscrowed(ctx context.Context) (*big.Int, error) {
	data, err := c.abi.Pack("totalEscrowed")
	if err != nil {
		return nil, err
	}

	msg := ethereum.CallMsg{
		To:   &c.address,
		Data: data,
	}

	result, err := c.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, err
	}

	var total *big.Int
	err = c.abi.UnpackIntoInterface(&total, "totalEscrowed", result)
	if err != nil {
		return nil, err
	}

	return total, nil
}

// PackRegisterBet packs the registerBet function call data.
func (c *EscrowVault) PackRegisterBet(betID common.Hash, user common.Address, stake *big.Int) ([]byte, error) {
	if stake == nil || stake.Sign() <= 0 {
		return nil, ErrInvalidBetParams
	}

	var id [32]byte
	copy(id[:], betID.Bytes())

	return c.abi.Pack("registerBet", id, user, stake)
}

// EstimateRegisterBet estimates the gas required for a registerBet call.
func (c *EscrowVault) EstimateRegisterBet(ctx context.Context, from common.Address, betID common.Hash, user common.Address, stake *big.Int) (uint64, error) {
	data, err := c.PackRegisterBet(betID, user, stake)
	if err != nil {
		return 0, err
	}

	msg := ethereum.CallMsg{
		From: from,
		To:   &c.address,
		Data: data,
	}

	return c.backend.EstimateGas(ctx, msg)
}

// BuildRegisterBetTx builds an unsigned registerBet transaction.
func (c *EscrowVault) BuildRegisterBetTx(nonce uint64, gasLimit uint64, gasPrice *big.Int, betID common.Hash, user common.Address, stake *big.Int) (*types.Transaction, error) {
	data, err := c.PackRegisterBet(betID, user, stake)
	if err != nil {
		return nil, err
	}

	return types.NewTransaction(nonce, c.address, big.NewInt(0), gasLimit, gasPrice, data), nil
}

// DepositEventTopic returns the topic for Deposit events.
func (c *EscrowVault) DepositEventTopic() common.Hash {
	return c.abi.Events["Deposit"].ID
}

// WithdrawEventTopic returns the topic for Withdraw events.
func (c *EscrowVault) WithdrawEventTopic() common.Hash {
	return c.abi.Events["Withdraw"].ID
}

// BetSettledEventTopic returns the topic for BetSettled events.
func (c *EscrowVault) BetSettledEventTopic() common.Hash {
	return c.abi.Events["BetSettled"].ID
}

// ParseDeposit parses a Deposit event from a log.
func (c *EscrowVault) ParseDeposit(log types.Log) (*DepositEvent, error) {
	if len(log.Topics) < 2 || len(log.Data) < 32 {
		return nil, ErrMalformedLog
	}

	event := &DepositEvent{Raw: log}
	event.User = common.HexToAddress(log.Topics[1].Hex())
	event.Amount = new(big.Int).SetBytes(log.Data[:32])
	return event, nil
}

// ParseWithdraw parses a Withdraw event from a log.
func (c *EscrowVault) ParseWithdraw(log types.Log) (*WithdrawEvent, error) {
	if len(log.Topics) < 2 || len(log.Data) < 64 {
		return nil, ErrMalformedLog
	}

	event := &WithdrawEvent{Raw: log}
	event.User = common.HexToAddress(log.Topics[1].Hex())
	event.To = common.BytesToAddress(log.Data[:32])
	event.Amount = new(big.Int).SetBytes(log.Data[32:64])
	return event, nil
}

// ParseBetSettled parses a BetSettled event from a log.
func (c *EscrowVault) ParseBetSettled(log types.Log) (*BetSettledEvent, error) {
	if len(log.Topics) < 3 || len(log.Data) < 96 {
		return nil, ErrMalformedLog
	}

	event := &BetSettledEvent{Raw: log}
	event.BetID = log.Topics[1]
	event.User = common.HexToAddress(log.Topics[2].Hex())
	event.Won = new(big.Int).SetBytes(log.Data[:32]).Sign() != 0
	event.Stake = new(big.Int).SetBytes(log.Data[32:64])
	event.Payout = new(big.Int).SetBytes(log.Data[64:96])
	return event, nil
}

// FilterQuery builds a filter query covering all vault events in a block range.
func (c *EscrowVault) FilterQuery(fromBlock, toBlock uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.address},
		Topics: [][]common.Hash{{
			c.DepositEventTopic(),
			c.WithdrawEventTopic(),
			c.BetSettledEventTopic(),
		}},
	}
}

// FilterLogs fetches vault event logs in a block range.
func (c *EscrowVault) FilterLogs(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	return c.backend.FilterLogs(ctx, c.FilterQuery(fromBlock, toBlock))
}

// WatchLogs subscribes to all vault events.
func (c *EscrowVault) WatchLogs(ctx context.Context, sink chan<- types.Log) (ethereum.Subscription, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.address},
		Topics: [][]common.Hash{{
			c.DepositEventTopic(),
			c.WithdrawEventTopic(),
			c.BetSettledEventTopic(),
		}},
	}
	return c.backend.SubscribeFilterLogs(ctx, query, sink)
}
