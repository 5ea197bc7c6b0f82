package state

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// fakeFork is a minimal ForkSource used to exercise read-through and
// negative-caching behavior without a real transport.
type fakeFork struct {
	accounts    map[common.Address]Account
	code        map[common.Address][]byte
	storage     map[common.Address]map[common.Hash]common.Hash
	calls       int
	blockNumber uint64
}

func newFakeFork() *fakeFork {
	return &fakeFork{
		accounts: make(map[common.Address]Account),
		code:     make(map[common.Address][]byte),
		storage:  make(map[common.Address]map[common.Hash]common.Hash),
	}
}

func (f *fakeFork) Basic(_ context.Context, addr common.Address, _ uint64) (Account, bool, error) {
	f.calls++
	acc, ok := f.accounts[addr]
	return acc, ok, nil
}

func (f *fakeFork) Code(_ context.Context, addr common.Address, _ uint64) ([]byte, error) {
	return f.code[addr], nil
}

func (f *fakeFork) Storage(_ context.Context, addr common.Address, slot common.Hash, _ uint64) (common.Hash, error) {
	return f.storage[addr][slot], nil
}

func (f *fakeFork) ForkBlockNumber() uint64 {
	return f.blockNumber
}

func TestBasicUnknownAddressReadsAsEmpty(t *testing.T) {
	db := New()
	addr := common.HexToAddress("0x1")
	acc, err := db.Basic(context.Background(), addr)
	if err != nil {
		t.Fatalf("Basic: %v", err)
	}
	if !acc.Empty() {
		t.Errorf("expected empty account for never-written address, got %+v", acc)
	}
}

func TestForkReadThroughAndNegativeCache(t *testing.T) {
	fork := newFakeFork()
	addr := common.HexToAddress("0x1")
	fork.accounts[addr] = Account{Nonce: 7, Balance: uint256.NewInt(100), CodeHash: EmptyCodeHash}

	db := NewForked(fork)
	ctx := context.Background()

	acc, err := db.Basic(ctx, addr)
	if err != nil {
		t.Fatalf("Basic: %v", err)
	}
	if acc.Nonce != 7 || acc.Balance.Uint64() != 100 {
		t.Fatalf("unexpected account from fork: %+v", acc)
	}
	if fork.calls != 1 {
		t.Fatalf("expected exactly one fork round-trip, got %d", fork.calls)
	}

	// Second read must be served from the committed layer, not the fork.
	if _, err := db.Basic(ctx, addr); err != nil {
		t.Fatalf("Basic (cached): %v", err)
	}
	if fork.calls != 1 {
		t.Fatalf("expected cached read to avoid a second fork call, got %d calls", fork.calls)
	}

	// An address the fork doesn't know about is negatively cached.
	absent := common.HexToAddress("0x2")
	if _, err := db.Basic(ctx, absent); err != nil {
		t.Fatalf("Basic (absent): %v", err)
	}
	calls := fork.calls
	if _, err := db.Basic(ctx, absent); err != nil {
		t.Fatalf("Basic (absent, cached): %v", err)
	}
	if fork.calls != calls {
		t.Fatalf("expected negative cache to suppress repeat fork call, went from %d to %d", calls, fork.calls)
	}
}

func TestSetNonceOnForkedAccountPreservesBalance(t *testing.T) {
	fork := newFakeFork()
	addr := common.HexToAddress("0x1")
	fork.accounts[addr] = Account{Nonce: 3, Balance: uint256.NewInt(500), CodeHash: EmptyCodeHash}

	db := NewForked(fork)
	ctx := context.Background()

	// Address has never been locally read; SetNonce must hydrate it from
	// the fork first so the real balance isn't clobbered to zero.
	if err := db.SetNonce(ctx, addr, 9); err != nil {
		t.Fatalf("SetNonce: %v", err)
	}

	acc, err := db.Basic(ctx, addr)
	if err != nil {
		t.Fatalf("Basic: %v", err)
	}
	if acc.Nonce != 9 {
		t.Errorf("nonce = %d, want 9", acc.Nonce)
	}
	if acc.Balance.Uint64() != 500 {
		t.Errorf("balance = %d, want 500 (must survive SetNonce)", acc.Balance.Uint64())
	}
}

func TestPendingOverlayHydratesBeforePartialWrite(t *testing.T) {
	db := New()
	addr := common.HexToAddress("0x1")
	ctx := context.Background()

	db.InsertAccount(addr, Account{Nonce: 2, Balance: uint256.NewInt(1000), CodeHash: EmptyCodeHash})

	pending := db.NewPending()
	// Only code is written in this block; nonce/balance were never
	// touched by the pending overlay and must survive the merge.
	if err := pending.SetCode(ctx, addr, []byte{0x60, 0x00}); err != nil {
		t.Fatalf("SetCode: %v", err)
	}
	db.ApplyChangeset(pending)

	acc, err := db.Basic(ctx, addr)
	if err != nil {
		t.Fatalf("Basic: %v", err)
	}
	if acc.Nonce != 2 {
		t.Errorf("nonce = %d, want 2 (must survive changeset apply)", acc.Nonce)
	}
	if acc.Balance.Uint64() != 1000 {
		t.Errorf("balance = %d, want 1000 (must survive changeset apply)", acc.Balance.Uint64())
	}
	code, err := db.Code(ctx, addr)
	if err != nil {
		t.Fatalf("Code: %v", err)
	}
	if len(code) != 2 {
		t.Errorf("code = %x, want 2-byte payload", code)
	}
}

func TestChangesetLastWriterWinsPerKey(t *testing.T) {
	db := New()
	addr := common.HexToAddress("0x1")
	slot := common.HexToHash("0x1")
	ctx := context.Background()

	pending := db.NewPending()
	if err := pending.SetStorageAt(ctx, addr, slot, common.HexToHash("0xaa")); err != nil {
		t.Fatalf("SetStorageAt: %v", err)
	}
	if err := pending.SetStorageAt(ctx, addr, slot, common.HexToHash("0xbb")); err != nil {
		t.Fatalf("SetStorageAt (overwrite): %v", err)
	}
	db.ApplyChangeset(pending)

	v, err := db.StorageAt(ctx, addr, slot)
	if err != nil {
		t.Fatalf("StorageAt: %v", err)
	}
	if v != common.HexToHash("0xbb") {
		t.Errorf("slot = %s, want last write 0xbb", v.Hex())
	}
}

func TestRootIsDeterministicAndOrderIndependent(t *testing.T) {
	ctx := context.Background()
	a := common.HexToAddress("0x1")
	b := common.HexToAddress("0x2")

	db1 := New()
	_ = db1.SetNonce(ctx, a, 1)
	_ = db1.SetBalance(ctx, b, uint256.NewInt(5))

	db2 := New()
	_ = db2.SetBalance(ctx, b, uint256.NewInt(5))
	_ = db2.SetNonce(ctx, a, 1)

	if db1.Root() != db2.Root() {
		t.Errorf("Root depends on write order: %s != %s", db1.Root().Hex(), db2.Root().Hex())
	}

	root1 := db1.Root()
	root2 := db1.Root()
	if root1 != root2 {
		t.Errorf("Root is not idempotent: %s != %s", root1.Hex(), root2.Hex())
	}
}

func TestRootUnaffectedByEmptyAccounts(t *testing.T) {
	db := New()
	base := db.Root()

	addr := common.HexToAddress("0xdead")
	// Reading an unknown address must not perturb the digest: it should
	// read back identically to one that was never touched at all.
	if _, err := db.Basic(context.Background(), addr); err != nil {
		t.Fatalf("Basic: %v", err)
	}
	if db.Root() != base {
		t.Errorf("Root changed after reading an absent account")
	}
}

func TestCloneRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	addr := common.HexToAddress("0x1")

	db := New()
	_ = db.SetBalance(ctx, addr, uint256.NewInt(42))
	snap := db.Clone()
	snapRoot := db.Root()

	_ = db.SetBalance(ctx, addr, uint256.NewInt(999))
	if db.Root() == snapRoot {
		t.Fatalf("Root did not change after post-snapshot write")
	}

	db.Restore(snap)
	if db.Root() != snapRoot {
		t.Errorf("Root after Restore = %s, want snapshot root %s", db.Root().Hex(), snapRoot.Hex())
	}
	acc, err := db.Basic(ctx, addr)
	if err != nil {
		t.Fatalf("Basic: %v", err)
	}
	if acc.Balance.Uint64() != 42 {
		t.Errorf("balance after restore = %d, want 42", acc.Balance.Uint64())
	}
}

func TestPendingRootMatchesPostApplyRoot(t *testing.T) {
	ctx := context.Background()
	addr := common.HexToAddress("0x1")

	db := New()
	pending := db.NewPending()
	if err := pending.SetBalance(ctx, addr, uint256.NewInt(77)); err != nil {
		t.Fatalf("SetBalance: %v", err)
	}
	preApplyRoot := pending.Root()

	db.ApplyChangeset(pending)
	if db.Root() != preApplyRoot {
		t.Errorf("pending.Root() = %s, committed root after apply = %s; must match", preApplyRoot.Hex(), db.Root().Hex())
	}
}
