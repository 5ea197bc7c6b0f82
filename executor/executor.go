// Package executor drives the value-transfer interpreter over an ordered
// list of pending transactions to produce a single block, exactly as
// described in the node's block-construction algorithm: build a pending
// state overlay, run each transaction against it, then assemble a block
// header and receipts from the accumulated results. The executor never
// commits its overlay — that is the caller's (the node service's) job.
package executor

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/holiman/uint256"

	"github.com/simnode/simnode/core/state"
	"github.com/simnode/simnode/core/vm"
)

// PendingTx is a single transaction awaiting inclusion, together with the
// sender already recovered so the executor never performs signature
// recovery itself.
type PendingTx struct {
	Tx     *types.Transaction
	Sender common.Address
}

// Input is everything the executor needs to build one block.
type Input struct {
	ParentHash common.Hash
	Block      vm.BlockEnv
	Cfg        vm.CfgEnv
	Pending    []PendingTx
	Timestamp  uint64
}

// TxInfo mirrors the per-transaction bookkeeping the node service and RPC
// surface need once a block has been built.
type TxInfo struct {
	Tx              *types.Transaction
	Sender          common.Address
	ContractAddress *common.Address
	Index           int
}

// Output is the assembled block plus the per-transaction detail that
// doesn't fit in types.Block itself.
type Output struct {
	Block        *types.Block
	Transactions []TxInfo
	Receipts     []*types.Receipt
	// Included is the set of tx hashes that made it into the block, in
	// execution order — skipped (invalid-in-block) transactions are not
	// present, and stay in the pool for a later block.
	Included []common.Hash
}

// stateAdapter satisfies vm.StateReader by reading through a pending
// state overlay.
type stateAdapter struct {
	ctx context.Context
	ps  *state.PendingState
}

func (a stateAdapter) Basic(ctx context.Context, addr common.Address) (uint64, *uint256.Int, common.Hash, error) {
	acc, err := a.ps.Basic(ctx, addr)
	if err != nil {
		return 0, nil, common.Hash{}, err
	}
	return acc.Nonce, acc.Balance, acc.CodeHash, nil
}

func (a stateAdapter) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	return a.ps.Code(ctx, addr)
}

func (a stateAdapter) Storage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	return a.ps.StorageAt(ctx, addr, slot)
}

// Execute runs in.Pending in order against a fresh overlay over db and
// returns the assembled block. Deterministic ordering is mandatory: input
// order is execution order, and the overlay is never committed here.
func Execute(ctx context.Context, db *state.DB, interp vm.Interpreter, in Input) (*Output, *state.PendingState, error) {
	pending := db.NewPending()
	adapter := stateAdapter{ctx: ctx, ps: pending}

	var (
		receipts     []*types.Receipt
		txs          []*types.Transaction
		infos        []TxInfo
		included     []common.Hash
		cumGas       uint64
		logIndex     uint
	)

	for i, ptx := range in.Pending {
		if ptx.Tx.Gas() > in.Block.GasLimit {
			log.Debug("skipping tx exceeding block gas limit", "hash", ptx.Tx.Hash(), "gas", ptx.Tx.Gas())
			continue
		}

		txEnv := buildTxEnv(ptx, in.Block)
		result, err := interp.Execute(ctx, adapter, in.Block, in.Cfg, txEnv)
		if err != nil {
			return nil, nil, err
		}
		if result.Status == vm.StatusInvalidInBlock {
			log.Debug("skipping invalid-in-block tx", "hash", ptx.Tx.Hash(), "reason", result.Err)
			continue
		}

		if err := applyStateChanges(ctx, pending, result.StateChanges); err != nil {
			return nil, nil, err
		}

		cumGas += result.GasUsed
		status := uint64(types.ReceiptStatusFailed)
		if result.Status == vm.StatusOK {
			status = types.ReceiptStatusSuccessful
		}

		for _, l := range result.Logs {
			l.TxIndex = uint(len(receipts))
			l.Index = logIndex
			logIndex++
		}

		receipt := &types.Receipt{
			Type:              ptx.Tx.Type(),
			Status:            status,
			CumulativeGasUsed: cumGas,
			TxHash:            ptx.Tx.Hash(),
			GasUsed:           result.GasUsed,
			Logs:              result.Logs,
			BlockNumber:       new(big.Int).SetUint64(in.Block.Number),
			TransactionIndex:  uint(len(receipts)),
		}
		if result.ContractAddress != nil {
			receipt.ContractAddress = *result.ContractAddress
		}
		receipt.Bloom = types.CreateBloom(types.Receipts{receipt})

		receipts = append(receipts, receipt)
		txs = append(txs, ptx.Tx)
		included = append(included, ptx.Tx.Hash())
		infos = append(infos, TxInfo{
			Tx:              ptx.Tx,
			Sender:          ptx.Sender,
			ContractAddress: result.ContractAddress,
			Index:           i,
		})
	}

	header := &types.Header{
		ParentHash: in.ParentHash,
		Coinbase:   in.Block.Coinbase,
		Number:     new(big.Int).SetUint64(in.Block.Number),
		GasLimit:   in.Block.GasLimit,
		GasUsed:    cumGas,
		Time:       in.Timestamp,
		Root:       pending.Root(),
		Bloom:      types.CreateBloom(types.Receipts(receipts)),
		MixDigest:  in.Block.Random,
	}
	if in.Block.BaseFee != nil {
		header.BaseFee = in.Block.BaseFee.ToBig()
	}
	header.TxHash = types.DeriveSha(types.Transactions(txs), trie.NewStackTrie(nil))
	header.ReceiptHash = types.DeriveSha(types.Receipts(receipts), trie.NewStackTrie(nil))

	block := types.NewBlock(header, &types.Body{Transactions: txs}, receipts, trie.NewStackTrie(nil))

	return &Output{
		Block:        block,
		Transactions: infos,
		Receipts:     receipts,
		Included:     included,
	}, pending, nil
}

func buildTxEnv(ptx PendingTx, block vm.BlockEnv) vm.TxEnv {
	gasPrice := effectiveGasPrice(ptx.Tx, block.BaseFee)
	value, _ := uint256.FromBig(ptx.Tx.Value())
	return vm.TxEnv{
		From:     ptx.Sender,
		To:       ptx.Tx.To(),
		Nonce:    ptx.Tx.Nonce(),
		Value:    value,
		GasLimit: ptx.Tx.Gas(),
		GasPrice: gasPrice,
		Data:     ptx.Tx.Data(),
	}
}

// effectiveGasPrice mirrors types.Transaction.EffectiveGasTip semantics
// for the purposes of this interpreter: legacy/access-list transactions
// pay GasPrice flat, dynamic-fee transactions pay min(tip, feeCap-base)+base.
func effectiveGasPrice(tx *types.Transaction, baseFee *uint256.Int) *uint256.Int {
	if tx.Type() != types.DynamicFeeTxType || baseFee == nil {
		price, _ := uint256.FromBig(tx.GasPrice())
		return price
	}
	tip, _ := uint256.FromBig(tx.GasTipCap())
	feeCap, _ := uint256.FromBig(tx.GasFeeCap())
	effTip := tip
	if headroom := new(uint256.Int).Sub(feeCap, baseFee); headroom.Lt(tip) {
		effTip = headroom
	}
	return new(uint256.Int).Add(effTip, baseFee)
}

func applyStateChanges(ctx context.Context, pending *state.PendingState, changes []vm.StateChange) error {
	for _, c := range changes {
		var err error
		switch c.Kind {
		case vm.ChangeNonce:
			err = pending.SetNonce(ctx, c.Addr, c.Nonce)
		case vm.ChangeBalance:
			err = pending.SetBalance(ctx, c.Addr, c.Balance)
		case vm.ChangeCode:
			err = pending.SetCode(ctx, c.Addr, c.Code)
		case vm.ChangeStorage:
			err = pending.SetStorageAt(ctx, c.Addr, c.Slot, c.Value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// CreateAddress re-exports the legacy CREATE derivation for callers that
// need it outside of a running interpreter (e.g. RPC eth_call simulation).
func CreateAddress(sender common.Address, nonce uint64) common.Address {
	return vm.CreateAddress(sender, nonce)
}
