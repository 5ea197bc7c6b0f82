package executor

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/simnode/simnode/core/state"
	"github.com/simnode/simnode/core/vm"
)

func legacyTx(nonce uint64, to common.Address, value int64, gasPrice int64, gas uint64) *types.Transaction {
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(value),
		Gas:      gas,
		GasPrice: big.NewInt(gasPrice),
	})
}

func defaultBlockEnv(number uint64) vm.BlockEnv {
	return vm.BlockEnv{Number: number, GasLimit: 30_000_000, Coinbase: common.HexToAddress("0xc0ffee")}
}

func TestExecuteEmptyBlockIsValid(t *testing.T) {
	db := state.New()
	out, _, err := Execute(context.Background(), db, vm.NewValueTransferInterpreter(), Input{
		ParentHash: common.Hash{},
		Block:      defaultBlockEnv(1),
		Cfg:        vm.CfgEnv{ChainID: uint256.NewInt(1)},
		Pending:    nil,
		Timestamp:  100,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out.Block.Transactions()) != 0 {
		t.Errorf("expected an empty block, got %d transactions", len(out.Block.Transactions()))
	}
	if out.Block.GasUsed() != 0 {
		t.Errorf("expected gas_used = 0 for an empty block")
	}
}

func TestExecuteOrdersTransactionsDeterministically(t *testing.T) {
	from := common.HexToAddress("0x1")
	to := common.HexToAddress("0x2")
	db := state.New()
	db.InsertAccount(from, state.Account{Nonce: 0, Balance: uint256.NewInt(10_000_000), CodeHash: state.EmptyCodeHash})

	pending := []PendingTx{
		{Tx: legacyTx(0, to, 1, 1, 21000), Sender: from},
		{Tx: legacyTx(1, to, 2, 1, 21000), Sender: from},
		{Tx: legacyTx(2, to, 3, 1, 21000), Sender: from},
	}

	out, _, err := Execute(context.Background(), db, vm.NewValueTransferInterpreter(), Input{
		Block:     defaultBlockEnv(1),
		Cfg:       vm.CfgEnv{ChainID: uint256.NewInt(1)},
		Pending:   pending,
		Timestamp: 100,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out.Included) != 3 {
		t.Fatalf("expected all 3 txs included, got %d", len(out.Included))
	}
	for i, want := range pending {
		if out.Included[i] != want.Tx.Hash() {
			t.Errorf("tx at position %d = %s, want %s (input order must be execution order)", i, out.Included[i].Hex(), want.Tx.Hash().Hex())
		}
	}
	for i, r := range out.Receipts {
		if r.TransactionIndex != uint(i) {
			t.Errorf("receipt %d has TransactionIndex %d", i, r.TransactionIndex)
		}
	}
}

func TestExecuteSkipsInvalidInBlockWithoutReceipt(t *testing.T) {
	from := common.HexToAddress("0x1")
	to := common.HexToAddress("0x2")
	db := state.New()
	db.InsertAccount(from, state.Account{Nonce: 5, Balance: uint256.NewInt(10_000_000), CodeHash: state.EmptyCodeHash})

	// Nonce 0 is stale (on-chain nonce is 5): invalid-in-block, must be
	// skipped with no receipt and not counted toward gas_used.
	pending := []PendingTx{
		{Tx: legacyTx(0, to, 1, 1, 21000), Sender: from},
		{Tx: legacyTx(5, to, 1, 1, 21000), Sender: from},
	}

	out, _, err := Execute(context.Background(), db, vm.NewValueTransferInterpreter(), Input{
		Block:     defaultBlockEnv(1),
		Cfg:       vm.CfgEnv{},
		Pending:   pending,
		Timestamp: 100,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out.Included) != 1 {
		t.Fatalf("expected exactly 1 tx included, got %d", len(out.Included))
	}
	if out.Included[0] != pending[1].Tx.Hash() {
		t.Errorf("expected the valid-nonce tx to be the one included")
	}
}

func TestExecuteGasExceedingBlockLimitIsSkipped(t *testing.T) {
	from := common.HexToAddress("0x1")
	to := common.HexToAddress("0x2")
	db := state.New()
	db.InsertAccount(from, state.Account{Nonce: 0, Balance: uint256.NewInt(10_000_000), CodeHash: state.EmptyCodeHash})

	block := defaultBlockEnv(1)
	block.GasLimit = 10000

	out, _, err := Execute(context.Background(), db, vm.NewValueTransferInterpreter(), Input{
		Block:     block,
		Cfg:       vm.CfgEnv{},
		Pending:   []PendingTx{{Tx: legacyTx(0, to, 1, 1, 21000), Sender: from}},
		Timestamp: 100,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out.Included) != 0 {
		t.Errorf("expected the over-limit tx to be skipped, got %d included", len(out.Included))
	}
}

func TestExecuteDoesNotCommitPendingLayer(t *testing.T) {
	from := common.HexToAddress("0x1")
	to := common.HexToAddress("0x2")
	db := state.New()
	db.InsertAccount(from, state.Account{Nonce: 0, Balance: uint256.NewInt(10_000_000), CodeHash: state.EmptyCodeHash})
	rootBefore := db.Root()

	_, pending, err := Execute(context.Background(), db, vm.NewValueTransferInterpreter(), Input{
		Block:     defaultBlockEnv(1),
		Cfg:       vm.CfgEnv{},
		Pending:   []PendingTx{{Tx: legacyTx(0, to, 1, 1, 21000), Sender: from}},
		Timestamp: 100,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if db.Root() != rootBefore {
		t.Errorf("Execute must not mutate the committed layer")
	}
	if pending == nil {
		t.Fatalf("expected a pending overlay to be returned for the caller to commit")
	}
}
