package filters

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/simnode/simnode/chain"
)

func blockWithLogs(number uint64, tx *types.Transaction, logs []*types.Log) (*types.Block, *types.Receipt) {
	header := &types.Header{Number: big.NewInt(int64(number)), GasLimit: 30_000_000}
	block := types.NewBlockWithHeader(header).WithBody(&types.Body{Transactions: []*types.Transaction{tx}})
	receipt := &types.Receipt{TxHash: tx.Hash(), Logs: logs, Status: types.ReceiptStatusSuccessful}
	return block, receipt
}

func simpleTx(nonce uint64) *types.Transaction {
	to := common.HexToAddress("0x2")
	return types.NewTx(&types.LegacyTx{Nonce: nonce, To: &to, Gas: 21000, GasPrice: big.NewInt(1)})
}

func TestLogsRangeFiltersByAddress(t *testing.T) {
	store := chain.New()
	addrA := common.HexToAddress("0xaa")
	addrB := common.HexToAddress("0xbb")

	tx := simpleTx(0)
	logs := []*types.Log{
		{Address: addrA, Topics: []common.Hash{}},
		{Address: addrB, Topics: []common.Hash{}},
	}
	block, receipt := blockWithLogs(0, tx, logs)
	if err := store.InsertBlock(block, []*types.Receipt{receipt}); err != nil {
		t.Fatalf("InsertBlock: %v", err)
	}

	idx := New(store, nil)
	out, err := idx.Logs(context.Background(), Criteria{Addresses: []common.Address{addrA}})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(out) != 1 || out[0].Address != addrA {
		t.Fatalf("expected exactly 1 log from addrA, got %+v", out)
	}
}

func TestLogsTopicWildcardAndSet(t *testing.T) {
	store := chain.New()
	topic1 := common.HexToHash("0x1")
	topic2 := common.HexToHash("0x2")
	other := common.HexToHash("0x3")

	tx := simpleTx(0)
	logs := []*types.Log{
		{Address: common.HexToAddress("0x1"), Topics: []common.Hash{topic1, topic2}},
		{Address: common.HexToAddress("0x1"), Topics: []common.Hash{other, topic2}},
	}
	block, receipt := blockWithLogs(0, tx, logs)
	if err := store.InsertBlock(block, []*types.Receipt{receipt}); err != nil {
		t.Fatalf("InsertBlock: %v", err)
	}

	idx := New(store, nil)
	// Wildcard at position 0, specific set at position 1: both logs share
	// topic2 at position 1, so both should match.
	out, err := idx.Logs(context.Background(), Criteria{Topics: [][]common.Hash{nil, {topic2}}})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 logs matching wildcard+set, got %d", len(out))
	}

	out, err = idx.Logs(context.Background(), Criteria{Topics: [][]common.Hash{{topic1}}})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 log matching topic1 at position 0, got %d", len(out))
	}
}

func TestLogsAssignsDenseBlockScopedIndex(t *testing.T) {
	store := chain.New()
	tx0 := simpleTx(0)
	tx1 := simpleTx(1)

	header := &types.Header{Number: big.NewInt(0), GasLimit: 30_000_000}
	block := types.NewBlockWithHeader(header).WithBody(&types.Body{Transactions: []*types.Transaction{tx0, tx1}})
	r0 := &types.Receipt{TxHash: tx0.Hash(), Logs: []*types.Log{{Address: common.HexToAddress("0x1")}}}
	r1 := &types.Receipt{TxHash: tx1.Hash(), Logs: []*types.Log{{Address: common.HexToAddress("0x1")}, {Address: common.HexToAddress("0x1")}}}
	if err := store.InsertBlock(block, []*types.Receipt{r0, r1}); err != nil {
		t.Fatalf("InsertBlock: %v", err)
	}

	idx := New(store, nil)
	out, err := idx.Logs(context.Background(), Criteria{})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 logs total, got %d", len(out))
	}
	for i, l := range out {
		if l.Index != uint(i) {
			t.Errorf("log %d has Index %d, want %d (dense, block-scoped)", i, l.Index, i)
		}
	}
}

func TestLogsRangeClampsToBestNumber(t *testing.T) {
	store := chain.New()
	tx := simpleTx(0)
	block, receipt := blockWithLogs(0, tx, nil)
	if err := store.InsertBlock(block, []*types.Receipt{receipt}); err != nil {
		t.Fatalf("InsertBlock: %v", err)
	}

	idx := New(store, nil)
	out, err := idx.Logs(context.Background(), Criteria{FromBlock: big.NewInt(0), ToBlock: big.NewInt(100)})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no logs (block 0 had none), got %d", len(out))
	}
}
