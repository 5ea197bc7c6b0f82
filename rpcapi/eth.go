package rpcapi

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"

	"github.com/simnode/simnode/core/state"
	"github.com/simnode/simnode/core/vm"
	"github.com/simnode/simnode/errs"
	"github.com/simnode/simnode/node"
)

// EthAPI implements the eth_* chain/state/block/tx/call method set. It is
// registered under the "eth" namespace alongside FilterManager.
type EthAPI struct {
	n *node.Node
}

func NewEthAPI(n *node.Node) *EthAPI {
	return &EthAPI{n: n}
}

// ChainId implements eth_chainId.
func (a *EthAPI) ChainId() hexutil.Uint64 {
	return hexutil.Uint64(a.n.ChainID().Uint64())
}

// BlockNumber implements eth_blockNumber.
func (a *EthAPI) BlockNumber() hexutil.Uint64 {
	return hexutil.Uint64(a.n.Store().BestNumber())
}

// GasPrice implements eth_gasPrice: the current base fee plus a minimal
// priority tip, matching the simplified single-tier fee suggestion the
// teacher's eth/gasprice.Oracle reduces to when no mempool history is
// being sampled.
func (a *EthAPI) GasPrice() (*hexutil.Big, error) {
	fee := a.n.Fees().CurrentBaseFee()
	suggested := new(uint256.Int).Add(fee, uint256.NewInt(1_000_000_000))
	return (*hexutil.Big)(suggested.ToBig()), nil
}

// MaxPriorityFeePerGas implements eth_maxPriorityFeePerGas.
func (a *EthAPI) MaxPriorityFeePerGas() (*hexutil.Big, error) {
	return (*hexutil.Big)(big.NewInt(1_000_000_000)), nil
}

// FeeHistory implements eth_feeHistory.
func (a *EthAPI) FeeHistory(blockCount hexutil.Uint64, newestBlock rpc.BlockNumber, percentiles []float64) (map[string]any, error) {
	oldest, baseFees, ratios, rewards := a.n.Fees().FeeHistory(uint64(blockCount), a.resolveHeight(newestBlock), percentiles)
	baseFeeHex := make([]*hexutil.Big, len(baseFees))
	for i, f := range baseFees {
		baseFeeHex[i] = (*hexutil.Big)(f.ToBig())
	}
	rewardHex := make([][]*hexutil.Big, len(rewards))
	for i, row := range rewards {
		rewardHex[i] = make([]*hexutil.Big, len(row))
		for j, v := range row {
			rewardHex[i][j] = (*hexutil.Big)(v.ToBig())
		}
	}
	return map[string]any{
		"oldestBlock":   hexutil.Uint64(oldest),
		"baseFeePerGas": baseFeeHex,
		"gasUsedRatio":  ratios,
		"reward":        rewardHex,
	}, nil
}

// resolveHeight maps a block specifier to a concrete height. "pending" is
// aliased to "latest" (Open Question decision, see DESIGN.md). Heights at
// or before a configured fork's pin are resolved through the Fork Client
// instead of the committed State DB — see predatesFork — since the
// committed layer only ever holds current state.
func (a *EthAPI) resolveHeight(bn rpc.BlockNumber) uint64 {
	switch bn {
	case rpc.PendingBlockNumber, rpc.LatestBlockNumber, rpc.SafeBlockNumber, rpc.FinalizedBlockNumber:
		return a.n.Store().BestNumber()
	case rpc.EarliestBlockNumber:
		return 0
	default:
		return uint64(bn)
	}
}

func (a *EthAPI) checkHeight(height uint64) error {
	if height > a.n.Store().BestNumber() {
		return errs.Newf(errs.KindBlockNotFound, "block %d not found", height)
	}
	return nil
}

// predatesFork reports whether height must be served by the Fork Client
// rather than the committed State DB: true only when the node is forked
// and height is at or before the fork's pin, mirroring
// _examples/original_source/anvil's own fork.predates_fork check ahead of
// every state read.
func (a *EthAPI) predatesFork(height uint64) bool {
	fc := a.n.Fork()
	return fc != nil && fc.PredatesFork(height)
}

// GetBalance implements eth_getBalance.
func (a *EthAPI) GetBalance(ctx context.Context, addr common.Address, block rpc.BlockNumber) (*hexutil.Big, error) {
	height := a.resolveHeight(block)
	if err := a.checkHeight(height); err != nil {
		return nil, mapErr(err)
	}
	var (
		acc state.Account
		err error
	)
	if a.predatesFork(height) {
		acc, err = a.n.DB().BasicAt(ctx, addr, height)
	} else {
		acc, err = a.n.DB().Basic(ctx, addr)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return (*hexutil.Big)(acc.Balance.ToBig()), nil
}

// GetTransactionCount implements eth_getTransactionCount.
func (a *EthAPI) GetTransactionCount(ctx context.Context, addr common.Address, block rpc.BlockNumber) (hexutil.Uint64, error) {
	height := a.resolveHeight(block)
	if err := a.checkHeight(height); err != nil {
		return 0, mapErr(err)
	}
	var (
		acc state.Account
		err error
	)
	if a.predatesFork(height) {
		acc, err = a.n.DB().BasicAt(ctx, addr, height)
	} else {
		acc, err = a.n.DB().Basic(ctx, addr)
	}
	if err != nil {
		return 0, mapErr(err)
	}
	return hexutil.Uint64(acc.Nonce), nil
}

// GetCode implements eth_getCode.
func (a *EthAPI) GetCode(ctx context.Context, addr common.Address, block rpc.BlockNumber) (hexutil.Bytes, error) {
	height := a.resolveHeight(block)
	if err := a.checkHeight(height); err != nil {
		return nil, mapErr(err)
	}
	var (
		code []byte
		err  error
	)
	if a.predatesFork(height) {
		code, err = a.n.DB().CodeAt(ctx, addr, height)
	} else {
		code, err = a.n.DB().Code(ctx, addr)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return hexutil.Bytes(code), nil
}

// GetStorageAt implements eth_getStorageAt.
func (a *EthAPI) GetStorageAt(ctx context.Context, addr common.Address, slot common.Hash, block rpc.BlockNumber) (hexutil.Bytes, error) {
	height := a.resolveHeight(block)
	if err := a.checkHeight(height); err != nil {
		return nil, mapErr(err)
	}
	var (
		v   common.Hash
		err error
	)
	if a.predatesFork(height) {
		v, err = a.n.DB().StorageAtHeight(ctx, addr, slot, height)
	} else {
		v, err = a.n.DB().StorageAt(ctx, addr, slot)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return hexutil.Bytes(v.Bytes()), nil
}

// GetBlockByHash implements eth_getBlockByHash. A missing block returns
// nil (JSON null) rather than an error, matching upstream's "no such block"
// convention.
func (a *EthAPI) GetBlockByHash(hash common.Hash, fullTx bool) map[string]any {
	block := a.n.Store().BlockByHash(hash)
	if block == nil {
		return nil
	}
	return marshalBlock(block, fullTx)
}

// GetBlockByNumber implements eth_getBlockByNumber.
func (a *EthAPI) GetBlockByNumber(block rpc.BlockNumber, fullTx bool) map[string]any {
	height := a.resolveHeight(block)
	b := a.n.Store().BlockByNumber(height)
	if b == nil {
		return nil
	}
	return marshalBlock(b, fullTx)
}

// GetTransactionByHash implements eth_getTransactionByHash.
func (a *EthAPI) GetTransactionByHash(hash common.Hash) map[string]any {
	mt, ok := a.n.Store().TxByHash(hash)
	if !ok {
		return nil
	}
	block := a.n.Store().BlockByHash(mt.BlockHash)
	if block == nil {
		return nil
	}
	return marshalTx(mt.Tx, mt.BlockHash, block.NumberU64(), uint64(mt.Receipt.TransactionIndex))
}

// GetTransactionByBlockHashAndIndex implements
// eth_getTransactionByBlockHashAndIndex.
func (a *EthAPI) GetTransactionByBlockHashAndIndex(hash common.Hash, index hexutil.Uint64) map[string]any {
	block := a.n.Store().BlockByHash(hash)
	return txAtIndex(block, index)
}

// GetTransactionByBlockNumberAndIndex implements
// eth_getTransactionByBlockNumberAndIndex.
func (a *EthAPI) GetTransactionByBlockNumberAndIndex(block rpc.BlockNumber, index hexutil.Uint64) map[string]any {
	b := a.n.Store().BlockByNumber(a.resolveHeight(block))
	return txAtIndex(b, index)
}

func txAtIndex(block *types.Block, index hexutil.Uint64) map[string]any {
	if block == nil || uint64(index) >= uint64(len(block.Transactions())) {
		return nil
	}
	tx := block.Transactions()[index]
	return marshalTx(tx, block.Hash(), block.NumberU64(), uint64(index))
}

// GetTransactionReceipt implements eth_getTransactionReceipt.
func (a *EthAPI) GetTransactionReceipt(hash common.Hash) (map[string]any, error) {
	mt, ok := a.n.Store().TxByHash(hash)
	if !ok {
		return nil, nil
	}
	block := a.n.Store().BlockByHash(mt.BlockHash)
	if block == nil || mt.Receipt == nil {
		return nil, nil
	}
	signer := types.LatestSignerForChainID(mt.Tx.ChainId())
	from, err := types.Sender(signer, mt.Tx)
	if err != nil {
		return nil, mapErr(errs.Wrap(errs.KindInternal, err))
	}
	return marshalReceipt(mt.Receipt, mt.Tx, from, mt.BlockHash, block.NumberU64(), uint64(mt.Receipt.TransactionIndex)), nil
}

// SendTransaction implements eth_sendTransaction: the call args must name
// an impersonated "from" address since the node never holds private keys
// itself.
func (a *EthAPI) SendTransaction(ctx context.Context, args CallArgs) (common.Hash, error) {
	if args.From == nil {
		return common.Hash{}, invalidParams("from is required")
	}
	if !a.n.IsImpersonated(*args.From) {
		return common.Hash{}, invalidParams("from account is not impersonated: call the impersonate-account endpoint first")
	}
	tx := args.toTransaction(30_000_000, a.n.Fees().CurrentBaseFee())
	if err := a.n.SubmitTransaction(tx, *args.From); err != nil {
		return common.Hash{}, mapErr(err)
	}
	return tx.Hash(), nil
}

// SendRawTransaction implements eth_sendRawTransaction: raw is the RLP
// encoding of a signed transaction envelope.
func (a *EthAPI) SendRawTransaction(ctx context.Context, raw hexutil.Bytes) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, invalidParams("failed to decode transaction: " + err.Error())
	}
	signer := types.LatestSignerForChainID(tx.ChainId())
	sender, err := types.Sender(signer, tx)
	if err != nil {
		return common.Hash{}, invalidParams("invalid signature: " + err.Error())
	}
	if err := a.n.SubmitTransaction(tx, sender); err != nil {
		return common.Hash{}, mapErr(err)
	}
	return tx.Hash(), nil
}

// Call implements eth_call: runs args against a throwaway pending overlay
// and discards every state change, returning only the return data (or a
// revert error carrying the raw payload).
func (a *EthAPI) Call(ctx context.Context, args CallArgs, block rpc.BlockNumber) (hexutil.Bytes, error) {
	result, err := a.simulate(ctx, args)
	if err != nil {
		return nil, mapErr(err)
	}
	if result.Status == vm.StatusReverted {
		revertErr := errs.Newf(errs.KindExecutionRevert, "%s", decodeRevertReason(result.ReturnData))
		revertErr.Data = hexutil.Bytes(result.ReturnData)
		return nil, mapErr(revertErr)
	}
	if result.Status == vm.StatusInvalidInBlock {
		return nil, mapErr(errs.Wrap(errs.KindTxInvalid, result.Err))
	}
	return hexutil.Bytes(result.ReturnData), nil
}

// EstimateGas implements eth_estimateGas: since the only production
// interpreter is a deterministic value-transfer/no-op-create executor,
// the gas actually consumed by a dry run is already exact — no binary
// search over a range is needed the way a full bytecode interpreter
// would require.
func (a *EthAPI) EstimateGas(ctx context.Context, args CallArgs) (hexutil.Uint64, error) {
	result, err := a.simulate(ctx, args)
	if err != nil {
		return 0, mapErr(err)
	}
	if result.Status == vm.StatusInvalidInBlock {
		return 0, mapErr(errs.Wrap(errs.KindTxInvalid, result.Err))
	}
	return hexutil.Uint64(result.GasUsed), nil
}

// callStateAdapter satisfies vm.StateReader over a throwaway pending
// overlay, mirroring executor's own (unexported) stateAdapter since
// eth_call/eth_estimateGas run outside the block-construction path.
type callStateAdapter struct {
	ps *state.PendingState
}

func (c callStateAdapter) Basic(ctx context.Context, addr common.Address) (uint64, *uint256.Int, common.Hash, error) {
	acc, err := c.ps.Basic(ctx, addr)
	if err != nil {
		return 0, nil, common.Hash{}, err
	}
	return acc.Nonce, acc.Balance, acc.CodeHash, nil
}

func (c callStateAdapter) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	return c.ps.Code(ctx, addr)
}

func (c callStateAdapter) Storage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	return c.ps.StorageAt(ctx, addr, slot)
}

func (a *EthAPI) simulate(ctx context.Context, args CallArgs) (vm.Result, error) {
	baseFee := a.n.Fees().CurrentBaseFee()
	tx := args.toTransaction(a.n.GasLimit(), baseFee)

	pending := a.n.DB().NewPending()
	adapter := callStateAdapter{ps: pending}
	block := vm.BlockEnv{
		Number:    a.n.Store().BestNumber() + 1,
		Timestamp: 0,
		Coinbase:  a.n.Coinbase(),
		GasLimit:  a.n.GasLimit(),
		BaseFee:   baseFee,
	}
	cfg := vm.CfgEnv{ChainID: a.n.ChainID()}
	txEnv := vm.TxEnv{
		From:     args.sender(),
		To:       tx.To(),
		Nonce:    tx.Nonce(),
		Value:    valueOf(tx),
		GasLimit: tx.Gas(),
		GasPrice: priceOf(tx),
		Data:     tx.Data(),
	}
	return a.n.Interpreter().Execute(ctx, adapter, block, cfg, txEnv)
}

func valueOf(tx *types.Transaction) *uint256.Int {
	v, _ := uint256.FromBig(tx.Value())
	return v
}

func priceOf(tx *types.Transaction) *uint256.Int {
	v, _ := uint256.FromBig(tx.GasPrice())
	return v
}

// decodeRevertReason extracts the ABI-encoded Error(string) reason from a
// revert payload, matching upstream's own ethclient.RevertErrorData/
// abi.UnpackRevert handling; falls back to a generic message if the
// payload isn't shaped as Error(string).
func decodeRevertReason(data []byte) string {
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return "reverted"
	}
	return reason
}
