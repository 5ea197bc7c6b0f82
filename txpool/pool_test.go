package txpool

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

type fakeChain struct {
	nonce   map[common.Address]uint64
	balance map[common.Address]*uint256.Int
	chainID *uint256.Int
	baseFee *uint256.Int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		nonce:   make(map[common.Address]uint64),
		balance: make(map[common.Address]*uint256.Int),
		chainID: uint256.NewInt(1),
		baseFee: uint256.NewInt(1),
	}
}

func (c *fakeChain) Nonce(addr common.Address) uint64       { return c.nonce[addr] }
func (c *fakeChain) Balance(addr common.Address) *uint256.Int {
	if b, ok := c.balance[addr]; ok {
		return b
	}
	return new(uint256.Int)
}
func (c *fakeChain) ChainID() *uint256.Int { return c.chainID }
func (c *fakeChain) BaseFee() *uint256.Int { return c.baseFee }

func legacyTx(nonce uint64, gasPrice int64) *types.Transaction {
	to := common.HexToAddress("0x2")
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(1),
		Gas:      21000,
		GasPrice: big.NewInt(gasPrice),
	})
}

func TestAddToReadyWhenNonceMatchesOnChain(t *testing.T) {
	sender := common.HexToAddress("0x1")
	chain := newFakeChain()
	chain.balance[sender] = uint256.NewInt(1_000_000)

	pool := New(chain)
	if err := pool.Add(legacyTx(0, 10), sender); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ready := pool.Ready()
	if len(ready) != 1 {
		t.Fatalf("expected 1 ready entry, got %d", len(ready))
	}
}

func TestAddToQueuedWhenNonceGapped(t *testing.T) {
	sender := common.HexToAddress("0x1")
	chain := newFakeChain()
	chain.balance[sender] = uint256.NewInt(1_000_000)

	pool := New(chain)
	if err := pool.Add(legacyTx(1, 10), sender); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(pool.Ready()) != 0 {
		t.Fatalf("expected tx with a nonce gap to land in Queued, not Ready")
	}
}

func TestPromotionOnGapFill(t *testing.T) {
	sender := common.HexToAddress("0x1")
	chain := newFakeChain()
	chain.balance[sender] = uint256.NewInt(1_000_000)

	pool := New(chain)
	if err := pool.Add(legacyTx(1, 10), sender); err != nil {
		t.Fatalf("Add(nonce=1): %v", err)
	}
	if err := pool.Add(legacyTx(0, 10), sender); err != nil {
		t.Fatalf("Add(nonce=0): %v", err)
	}
	if len(pool.Ready()) != 2 {
		t.Fatalf("expected both entries ready once the gap is filled, got %d", len(pool.Ready()))
	}
}

func TestRemoveMinedPromotesQueued(t *testing.T) {
	sender := common.HexToAddress("0x1")
	chain := newFakeChain()
	chain.balance[sender] = uint256.NewInt(1_000_000)

	pool := New(chain)
	_ = pool.Add(legacyTx(0, 10), sender)
	_ = pool.Add(legacyTx(1, 10), sender)

	chain.nonce[sender] = 1 // simulate block applying nonce=0
	pool.RemoveMined(Provides(sender, 0))

	ready := pool.Ready()
	if len(ready) != 1 || ready[0].Tx.Nonce() != 1 {
		t.Fatalf("expected nonce=1 entry promoted to Ready, got %+v", ready)
	}
}

func TestReplacementUnderpricedRejected(t *testing.T) {
	sender := common.HexToAddress("0x1")
	chain := newFakeChain()
	chain.balance[sender] = uint256.NewInt(1_000_000)

	pool := New(chain)
	if err := pool.Add(legacyTx(0, 100), sender); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// 5% bump is below the default 10% threshold.
	err := pool.Add(legacyTx(0, 105), sender)
	if err == nil {
		t.Fatalf("expected ReplacementUnderpriced rejection")
	}
}

func TestReplacementAboveBumpAccepted(t *testing.T) {
	sender := common.HexToAddress("0x1")
	chain := newFakeChain()
	chain.balance[sender] = uint256.NewInt(1_000_000)

	pool := New(chain)
	if err := pool.Add(legacyTx(0, 100), sender); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := pool.Add(legacyTx(0, 115), sender); err != nil {
		t.Fatalf("Add (replacement above bump): %v", err)
	}
	ready := pool.Ready()
	if len(ready) != 1 {
		t.Fatalf("replacement must not duplicate the entry, got %d", len(ready))
	}
	if ready[0].Tx.GasPrice().Int64() != 115 {
		t.Errorf("expected the replacement to win, gas price = %d", ready[0].Tx.GasPrice().Int64())
	}
}

func TestReadyOrderedByEffectiveTipDescending(t *testing.T) {
	a := common.HexToAddress("0x1")
	b := common.HexToAddress("0x2")
	chain := newFakeChain()
	chain.balance[a] = uint256.NewInt(1_000_000)
	chain.balance[b] = uint256.NewInt(1_000_000)

	pool := New(chain)
	if err := pool.Add(legacyTx(0, 10), a); err != nil {
		t.Fatalf("Add(a): %v", err)
	}
	if err := pool.Add(legacyTx(0, 50), b); err != nil {
		t.Fatalf("Add(b): %v", err)
	}
	ready := pool.Ready()
	if len(ready) != 2 {
		t.Fatalf("expected 2 ready entries, got %d", len(ready))
	}
	if ready[0].Sender != b {
		t.Errorf("expected the higher gas price tx first, got sender %s", ready[0].Sender.Hex())
	}
}

func TestReadyNotificationOnAdmission(t *testing.T) {
	sender := common.HexToAddress("0x1")
	chain := newFakeChain()
	chain.balance[sender] = uint256.NewInt(1_000_000)

	pool := New(chain)
	ch := make(chan common.Address, 4)
	sub := pool.SubscribeReady(ch)
	defer sub.Unsubscribe()

	if err := pool.Add(legacyTx(0, 10), sender); err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case got := <-ch:
		if got != sender {
			t.Errorf("ready-notification sender = %s, want %s", got.Hex(), sender.Hex())
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a ready-notification on admission")
	}
}

func TestInsufficientFundsRejected(t *testing.T) {
	sender := common.HexToAddress("0x1")
	chain := newFakeChain()
	chain.balance[sender] = uint256.NewInt(1)

	pool := New(chain)
	if err := pool.Add(legacyTx(0, 10), sender); err == nil {
		t.Fatalf("expected insufficient-funds rejection")
	}
}
