package snapshot

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/simnode/simnode/chain"
	"github.com/simnode/simnode/core/state"
)

func sampleBlock(number uint64, tx *types.Transaction) (*types.Block, *types.Receipt) {
	header := &types.Header{Number: big.NewInt(int64(number)), GasLimit: 30_000_000, GasUsed: 21000}
	block := types.NewBlockWithHeader(header).WithBody(&types.Body{Transactions: []*types.Transaction{tx}})
	receipt := &types.Receipt{
		Type:              tx.Type(),
		Status:            types.ReceiptStatusSuccessful,
		CumulativeGasUsed: 21000,
		TxHash:            tx.Hash(),
		GasUsed:           21000,
	}
	return block, receipt
}

func TestDumpLoadRoundTripsStateAndChain(t *testing.T) {
	ctx := context.Background()
	db := state.New()
	addr := common.HexToAddress("0x1")
	if err := db.SetBalance(ctx, addr, uint256.NewInt(12345)); err != nil {
		t.Fatalf("SetBalance: %v", err)
	}
	if err := db.SetNonce(ctx, addr, 3); err != nil {
		t.Fatalf("SetNonce: %v", err)
	}
	if err := db.SetCode(ctx, addr, []byte{0x60, 0x01}); err != nil {
		t.Fatalf("SetCode: %v", err)
	}
	slot := common.HexToHash("0x2")
	if err := db.SetStorageAt(ctx, addr, slot, common.HexToHash("0x99")); err != nil {
		t.Fatalf("SetStorageAt: %v", err)
	}

	store := chain.New()
	to := common.HexToAddress("0x3")
	tx := types.NewTx(&types.LegacyTx{Nonce: 0, To: &to, Gas: 21000, GasPrice: big.NewInt(1)})
	block, receipt := sampleBlock(1, tx)
	if err := store.InsertBlock(block, []*types.Receipt{receipt}); err != nil {
		t.Fatalf("InsertBlock: %v", err)
	}

	doc, err := Dump(db, store)
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	encoded, err := Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	decoded, err := Unmarshal(encoded)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	newDB := state.New()
	newStore, err := Load(newDB, decoded)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	acc, err := newDB.Basic(ctx, addr)
	if err != nil {
		t.Fatalf("Basic: %v", err)
	}
	if acc.Nonce != 3 || acc.Balance.Uint64() != 12345 {
		t.Fatalf("account mismatch after round trip: %+v", acc)
	}
	code, err := newDB.Code(ctx, addr)
	if err != nil {
		t.Fatalf("Code: %v", err)
	}
	if len(code) != 2 {
		t.Fatalf("code length = %d, want 2", len(code))
	}
	v, err := newDB.StorageAt(ctx, addr, slot)
	if err != nil {
		t.Fatalf("StorageAt: %v", err)
	}
	if v != common.HexToHash("0x99") {
		t.Fatalf("storage mismatch after round trip: %v", v)
	}

	if newStore.BestNumber() != 1 {
		t.Fatalf("best number after round trip = %d, want 1", newStore.BestNumber())
	}
	gotBlock := newStore.BlockByNumber(1)
	if gotBlock == nil || len(gotBlock.Transactions()) != 1 {
		t.Fatalf("expected block 1 with 1 transaction after round trip")
	}
	gotReceipt, ok := newStore.ReceiptByHash(gotBlock.Transactions()[0].Hash())
	if !ok || gotReceipt.GasUsed != 21000 {
		t.Fatalf("expected receipt with gasUsed 21000 after round trip")
	}
}

func TestDumpSkipsEmptyAccounts(t *testing.T) {
	db := state.New()
	store := chain.New()
	// Reading an address never written must not produce a dump entry.
	if _, err := db.Basic(context.Background(), common.HexToAddress("0x1")); err != nil {
		t.Fatalf("Basic: %v", err)
	}

	doc, err := Dump(db, store)
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if len(doc.State) != 0 {
		t.Fatalf("expected no dumped accounts for a never-written address, got %d", len(doc.State))
	}
}
